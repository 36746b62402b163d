// Package worker runs the render pipeline for one GPU class: dequeue,
// download, verify, render, transcode, upload, settle. A worker process
// handles one job at a time; multiple processes may race on the same queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cloudexport/backend/internal/config"
	"github.com/cloudexport/backend/internal/ledger"
	"github.com/cloudexport/backend/internal/mailer"
	"github.com/cloudexport/backend/internal/manifest"
	"github.com/cloudexport/backend/internal/metrics"
	"github.com/cloudexport/backend/internal/pricing"
	"github.com/cloudexport/backend/internal/queue"
	"github.com/cloudexport/backend/internal/storage"
	"github.com/cloudexport/backend/internal/store"
)

const dequeueTimeout = 5 * time.Second

// statusProgress pins each pipeline stage to its reported percentage.
// Render progress interpolates from 30 toward 90 as the renderer reports.
var statusProgress = map[store.JobStatus]float64{
	store.StatusQueued:      0,
	store.StatusDownloading: 10,
	store.StatusValidating:  20,
	store.StatusRendering:   30,
	store.StatusPackaging:   85,
	store.StatusUploading:   92,
	store.StatusCompleted:   100,
	store.StatusFailed:      0,
	store.StatusCancelled:   0,
}

var progressLine = regexp.MustCompile(`PROGRESS:(\d+(?:\.\d+)?)%`)

// errCancelled aborts the pipeline when the owner requested cancellation.
var errCancelled = errors.New("job cancelled")

// transientError marks failures worth a re-enqueue (network, subprocess
// crashes, corrupted downloads). Everything else is terminal.
type transientError struct {
	msg string
	err error
}

func (e *transientError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *transientError) Unwrap() error { return e.err }

func transient(msg string, err error) error {
	return &transientError{msg: msg, err: err}
}

// fatalError is terminal regardless of remaining attempts.
type fatalError struct {
	msg string
}

func (e *fatalError) Error() string { return e.msg }

func fatal(msg string) error { return &fatalError{msg: msg} }

type Worker struct {
	cfg        *config.Config
	store      store.Store
	ledger     ledger.Ledger
	bus        queue.Bus
	objects    storage.ObjectStore
	mail       mailer.Sender
	metrics    *metrics.Metrics
	renderer   Renderer
	transcoder Transcoder
	gpuClass   string
	log        *slog.Logger
}

func New(cfg *config.Config, st store.Store, led ledger.Ledger, bus queue.Bus, objects storage.ObjectStore, mail mailer.Sender, m *metrics.Metrics, gpuClass string, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:        cfg,
		store:      st,
		ledger:     led,
		bus:        bus,
		objects:    objects,
		mail:       mail,
		metrics:    m,
		renderer:   &AerenderRenderer{Path: cfg.AerenderPath},
		transcoder: &FFmpegTranscoder{Path: cfg.FFmpegPath},
		gpuClass:   gpuClass,
		log:        log.With("gpuClass", gpuClass),
	}
}

// SetRenderer swaps the render backend. Tests install scripted renderers.
func (w *Worker) SetRenderer(r Renderer) { w.renderer = r }

// SetTranscoder swaps the packaging backend.
func (w *Worker) SetTranscoder(t Transcoder) { w.transcoder = t }

// Run consumes the GPU class queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping")
			return ctx.Err()
		default:
		}

		jobID, err := w.bus.Dequeue(ctx, w.gpuClass, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("dequeue", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if jobID == "" {
			continue
		}
		w.HandleJob(ctx, jobID)
	}
}

// HandleJob runs one dequeued job through the pipeline and resolves its
// reservation. Exported so tests can drive single jobs without the loop.
func (w *Worker) HandleJob(ctx context.Context, jobID string) {
	job, err := w.store.JobByID(ctx, jobID)
	if err != nil {
		w.log.Warn("dequeued unknown job", "job", jobID, "error", err)
		return
	}
	if job.Status != store.StatusQueued {
		w.log.Info("skipping job not in QUEUED", "job", jobID, "status", job.Status)
		return
	}

	scratch := filepath.Join(os.TempDir(), "cloudexport-"+job.ID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		w.log.Error("create scratch dir", "job", jobID, "error", err)
		return
	}
	defer os.RemoveAll(scratch)

	err = w.process(ctx, job, scratch)
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, errCancelled):
		w.finishTerminal(ctx, job, store.StatusCancelled, "")
		w.voidReservation(ctx, job.ID, "cancelled")
		w.metrics.RecordJobCancelled()
		w.log.Info("job cancelled", "job", job.ID)

	case isTransient(err):
		job.Attempts++
		if job.Attempts < job.MaxAttempts {
			w.requeue(ctx, job, err)
			return
		}
		w.finishTerminal(ctx, job, store.StatusFailed, err.Error())
		w.voidReservation(ctx, job.ID, "failed")
		w.metrics.RecordJobFailed(w.gpuClass)
		w.log.Error("job failed, attempts exhausted", "job", job.ID, "attempts", job.Attempts, "error", err)

	default:
		w.finishTerminal(ctx, job, store.StatusFailed, err.Error())
		w.voidReservation(ctx, job.ID, "failed")
		w.metrics.RecordJobFailed(w.gpuClass)
		w.log.Error("job failed", "job", job.ID, "error", err)
	}
}

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

func (w *Worker) process(ctx context.Context, job *store.Job, scratch string) error {
	if err := w.setStatus(ctx, job, store.StatusDownloading, "Downloading bundle"); err != nil {
		return err
	}
	bundlePath := filepath.Join(scratch, "bundle.zip")
	if err := w.objects.GetFile(ctx, job.BundleKey, bundlePath); err != nil {
		return transient("Bundle download failed", err)
	}

	// "pending" and "cache" are client sentinels meaning no digest was taken
	if job.BundleSHA256 != "pending" && job.BundleSHA256 != "cache" {
		sum, err := fileSHA256(bundlePath)
		if err != nil {
			return transient("Bundle checksum failed", err)
		}
		if !strings.EqualFold(sum, job.BundleSHA256) {
			return transient("Bundle checksum mismatch", nil)
		}
	}

	if err := w.setStatus(ctx, job, store.StatusValidating, "Validating bundle"); err != nil {
		return err
	}
	bundleDir := filepath.Join(scratch, "bundle")
	if err := unzip(bundlePath, bundleDir); err != nil {
		return transient("Bundle extraction failed", err)
	}
	if !fileExists(filepath.Join(bundleDir, "manifest.json")) {
		return fatal("Bundle missing manifest.json")
	}
	projectPath := filepath.Join(bundleDir, "project.aep")
	if !fileExists(projectPath) {
		return fatal("Bundle missing project.aep")
	}
	if _, hardErrors := manifest.Check(job.Manifest); len(hardErrors) > 0 {
		return fatal("Manifest validation failed: " + strings.Join(hardErrors, "; "))
	}

	if err := w.setStatus(ctx, job, store.StatusRendering, "Rendering"); err != nil {
		return err
	}

	outputDir := filepath.Join(scratch, "output")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return transient("Create output dir failed", err)
	}
	intermediate := filepath.Join(outputDir, "render.mov")

	if err := w.render(ctx, job, projectPath, intermediate); err != nil {
		return err
	}
	if !fileExists(intermediate) {
		return transient("Renderer produced no output", nil)
	}

	if err := w.setStatus(ctx, job, store.StatusPackaging, "Transcoding output"); err != nil {
		return err
	}
	finalPath, err := w.transcoder.Transcode(ctx, intermediate, outputDir, job.OutputName, job.Preset, job.CustomOptions)
	if err != nil {
		return transient("Transcode failed", err)
	}
	job.OutputName = filepath.Base(finalPath)

	if err := w.setStatus(ctx, job, store.StatusUploading, "Uploading result"); err != nil {
		return err
	}
	resultKey := storage.ResultKey(job.UserID, job.ID, job.OutputName)
	if err := w.objects.PutFile(ctx, finalPath, resultKey); err != nil {
		return transient("Result upload failed", err)
	}
	job.ResultKey = resultKey

	return w.complete(ctx, job)
}

// render drives the subprocess: progress lines move the job from 30 toward
// 90, the cancel flag is polled on every line, and the wall-clock timeout is
// fatal.
func (w *Worker) render(ctx context.Context, job *store.Job, projectPath, outputPath string) error {
	handle, err := w.renderer.Start(ctx, RenderSpec{
		ProjectPath: projectPath,
		Composition: job.Manifest.Composition.Name,
		OutputPath:  outputPath,
	})
	if err != nil {
		return transient("Renderer start failed", err)
	}

	timer := time.NewTimer(w.cfg.RenderTimeout())
	defer timer.Stop()

	lines := handle.Lines()
	for lines != nil {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if pct, found := parseProgress(line); found {
				mapped := math.Min(90, 30+pct*0.6)
				if mapped > job.ProgressPercent {
					job.ProgressPercent = mapped
					if err := w.store.UpdateJob(ctx, job); err != nil {
						w.log.Warn("update render progress", "job", job.ID, "error", err)
					}
					w.publish(ctx, job.ID, store.StatusRendering, mapped, "")
				}
			}
			if w.cancelRequested(ctx, job.ID) {
				handle.Terminate()
				handle.Wait()
				return errCancelled
			}

		case <-timer.C:
			handle.Terminate()
			handle.Wait()
			return fatal("Render timeout")
		}
	}

	if err := handle.Wait(); err != nil {
		if w.cancelRequested(ctx, job.ID) {
			return errCancelled
		}
		return transient("Render failed", err)
	}
	if w.cancelRequested(ctx, job.ID) {
		return errCancelled
	}
	return nil
}

func parseProgress(line string) (float64, bool) {
	m := progressLine.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return pct, true
}

func (w *Worker) cancelRequested(ctx context.Context, jobID string) bool {
	fresh, err := w.store.JobByID(ctx, jobID)
	if err != nil {
		return false
	}
	return fresh.CancelRequested
}

func (w *Worker) complete(ctx context.Context, job *store.Job) error {
	now := time.Now().UTC()
	started := now
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	billedMinutes := math.Max(1.0, now.Sub(started).Minutes())
	actual := pricing.ActualCost(w.cfg, job.Manifest, job.Preset, job.BundleSizeBytes, billedMinutes, job.CustomOptions)

	job.CostFinalUSD = &actual
	job.Status = store.StatusCompleted
	job.ProgressPercent = 100
	job.FinishedAt = &now
	if err := w.store.UpdateJob(ctx, job); err != nil {
		return transient("Persist completion failed", err)
	}
	w.appendEvent(ctx, job.ID, string(store.StatusCompleted), "Render complete", map[string]any{
		"costUsd":       actual,
		"billedMinutes": billedMinutes,
		"resultKey":     job.ResultKey,
	})
	w.publish(ctx, job.ID, store.StatusCompleted, 100, "")

	if err := w.ledger.Settle(ctx, job.ID, actual); err != nil {
		w.log.Error("settle credits", "job", job.ID, "error", err)
	} else {
		w.metrics.RecordSettle(actual)
	}
	if err := w.store.AddUsage(ctx, job.UserID, store.CurrentMonth(), actual, billedMinutes); err != nil {
		w.log.Error("record usage", "job", job.ID, "error", err)
	}
	if err := w.store.InsertCacheEntry(ctx, &store.CacheEntry{
		ManifestHash: job.ManifestHash,
		Preset:       job.Preset,
		ResultKey:    job.ResultKey,
		OutputName:   job.OutputName,
	}); err != nil {
		w.log.Warn("insert cache entry", "job", job.ID, "error", err)
	}

	w.metrics.RecordJobCompleted(w.gpuClass, now.Sub(started).Seconds(), actual)
	w.log.Info("job completed", "job", job.ID, "costUsd", actual, "billedMinutes", billedMinutes)

	if job.NotificationEmail != "" {
		go w.notify(job.NotificationEmail, job.ID, job.OutputName, job.ResultKey)
	}
	return nil
}

func (w *Worker) notify(to, jobID, filename, resultKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	url, err := w.objects.PresignGet(ctx, resultKey)
	if err != nil {
		w.log.Warn("presign for notification", "job", jobID, "error", err)
		return
	}
	body := fmt.Sprintf("Your render is ready.\n\nFile: %s\nDownload (expires in %d seconds):\n%s\n",
		filename, w.cfg.S3.PresignExpirySeconds, url)
	if err := w.mail.Send(to, "Your render is ready", body); err != nil {
		w.log.Warn("send notification", "job", jobID, "error", err)
	}
}

func (w *Worker) setStatus(ctx context.Context, job *store.Job, status store.JobStatus, message string) error {
	job.Status = status
	// stage percentages are floors; render progress may already be past them
	if p := statusProgress[status]; p > job.ProgressPercent {
		job.ProgressPercent = p
	}
	if status == store.StatusRendering && job.StartedAt == nil {
		now := time.Now().UTC()
		job.StartedAt = &now
	}
	if err := w.store.UpdateJob(ctx, job); err != nil {
		return transient("Persist status failed", err)
	}
	w.appendEvent(ctx, job.ID, string(status), message, nil)
	w.publish(ctx, job.ID, status, job.ProgressPercent, "")
	return nil
}

func (w *Worker) finishTerminal(ctx context.Context, job *store.Job, status store.JobStatus, errMsg string) {
	job.Status = status
	job.ProgressPercent = statusProgress[status]
	job.ErrorMessage = errMsg
	now := time.Now().UTC()
	job.FinishedAt = &now
	if err := w.store.UpdateJob(ctx, job); err != nil {
		w.log.Error("persist terminal status", "job", job.ID, "status", status, "error", err)
	}
	w.appendEvent(ctx, job.ID, string(status), errMsg, nil)
	w.publish(ctx, job.ID, status, job.ProgressPercent, errMsg)
}

func (w *Worker) requeue(ctx context.Context, job *store.Job, cause error) {
	job.Status = store.StatusQueued
	job.ProgressPercent = 10
	job.ErrorMessage = ""
	if err := w.store.UpdateJob(ctx, job); err != nil {
		w.log.Error("persist requeue", "job", job.ID, "error", err)
		return
	}
	msg := fmt.Sprintf("Retrying (%d/%d)", job.Attempts, job.MaxAttempts)
	w.appendEvent(ctx, job.ID, "RETRY", msg, map[string]any{"cause": cause.Error()})
	w.publish(ctx, job.ID, store.StatusQueued, 10, "")
	if err := w.bus.Enqueue(ctx, job.ID, job.GPUClass); err != nil {
		w.log.Error("re-enqueue", "job", job.ID, "error", err)
	}
	w.log.Warn("job re-enqueued", "job", job.ID, "attempt", job.Attempts, "cause", cause)
}

func (w *Worker) voidReservation(ctx context.Context, jobID, reason string) {
	if err := w.ledger.Void(ctx, jobID, reason); err != nil {
		w.log.Error("void reservation", "job", jobID, "error", err)
	}
}

func (w *Worker) appendEvent(ctx context.Context, jobID, eventType, message string, data map[string]any) {
	err := w.store.AppendEvent(ctx, &store.JobEvent{JobID: jobID, EventType: eventType, Message: message, Data: data})
	if err != nil {
		w.log.Warn("append job event", "job", jobID, "event", eventType, "error", err)
	}
}

func (w *Worker) publish(ctx context.Context, jobID string, status store.JobStatus, progress float64, errMsg string) {
	p := queue.Progress{JobID: jobID, Status: string(status), ProgressPercent: progress, ErrorMessage: errMsg}
	if err := w.bus.PublishProgress(ctx, jobID, p); err != nil {
		w.log.Warn("publish progress", "job", jobID, "error", err)
	}
}
