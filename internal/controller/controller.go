// Package controller implements the job-facing operations: estimate, upload
// ticket, create, status, result, cancel, history, credits and the admin
// actions. The HTTP layer is a thin shell over this type; everything here is
// transport-agnostic.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudexport/backend/internal/config"
	"github.com/cloudexport/backend/internal/errs"
	"github.com/cloudexport/backend/internal/ledger"
	"github.com/cloudexport/backend/internal/manifest"
	"github.com/cloudexport/backend/internal/metrics"
	"github.com/cloudexport/backend/internal/pricing"
	"github.com/cloudexport/backend/internal/queue"
	"github.com/cloudexport/backend/internal/storage"
	"github.com/cloudexport/backend/internal/store"
)

type Controller struct {
	cfg     *config.Config
	store   store.Store
	ledger  ledger.Ledger
	bus     queue.Bus
	objects storage.ObjectStore
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(cfg *config.Config, st store.Store, led ledger.Ledger, bus queue.Bus, objects storage.ObjectStore, m *metrics.Metrics, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{cfg: cfg, store: st, ledger: led, bus: bus, objects: objects, metrics: m, log: log}
}

var validPresets = map[string]bool{
	"web":          true,
	"social":       true,
	"high_quality": true,
	"custom":       true,
}

type EstimateRequest struct {
	Manifest        manifest.Manifest `json:"manifest"`
	Preset          string            `json:"preset"`
	BundleSizeBytes int64             `json:"bundleSizeBytes"`
	BundleKey       string            `json:"bundleKey,omitempty"`
	CustomOptions   *pricing.Options  `json:"customOptions,omitempty"`
}

type EstimateResponse struct {
	CostUSD    float64  `json:"costUsd"`
	ETASeconds int      `json:"etaSeconds"`
	GPUClass   string   `json:"gpuClass"`
	Warnings   []string `json:"warnings"`
}

// Estimate runs the compatibility check and the estimator. When a bundle key
// is supplied the authoritative size comes from the object store; otherwise
// the client-declared size is used.
func (c *Controller) Estimate(ctx context.Context, user *store.User, req EstimateRequest) (*EstimateResponse, error) {
	if !validPresets[req.Preset] {
		return nil, errs.Newf(errs.Validation, "Unknown preset: %s", req.Preset)
	}
	warnings, hardErrors := manifest.Check(req.Manifest)
	if len(hardErrors) > 0 {
		return nil, errs.Newf(errs.Validation, "Manifest validation failed: %v", hardErrors)
	}

	bundleSize := req.BundleSizeBytes
	if req.BundleKey != "" {
		size, err := c.objects.HeadObjectSize(ctx, req.BundleKey)
		if err != nil {
			return nil, errs.New(errs.Validation, "Bundle not found in storage")
		}
		bundleSize = size
	}

	est := pricing.EstimateCost(c.cfg, req.Manifest, req.Preset, bundleSize, req.CustomOptions)
	resp := &EstimateResponse{
		CostUSD:    est.CostUSD,
		ETASeconds: est.ETASeconds,
		GPUClass:   est.GPUClass,
		Warnings:   append(warnings, est.Warnings...),
	}
	if resp.Warnings == nil {
		resp.Warnings = []string{}
	}
	return resp, nil
}

type UploadRequest struct {
	Manifest manifest.Manifest `json:"manifest"`
}

type UploadResponse struct {
	UploadURL        string            `json:"uploadUrl"`
	BundleKey        string            `json:"bundleKey"`
	ManifestHash     string            `json:"manifestHash"`
	Headers          map[string]string `json:"headers"`
	ExpiresInSeconds int               `json:"expiresInSeconds"`
}

// UploadTicket derives the deterministic bundle key from the manifest
// fingerprint and issues a presigned PUT for it.
func (c *Controller) UploadTicket(ctx context.Context, user *store.User, req UploadRequest) (*UploadResponse, error) {
	hash, err := manifest.Hash(req.Manifest)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "Manifest is not serializable", err)
	}
	key := storage.BundleKey(user.ID, hash)
	url, headers, err := c.objects.PresignPut(ctx, key)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "presign upload", err)
	}
	return &UploadResponse{
		UploadURL:        url,
		BundleKey:        key,
		ManifestHash:     hash,
		Headers:          headers,
		ExpiresInSeconds: c.cfg.S3.PresignExpirySeconds,
	}, nil
}

type CreateJobRequest struct {
	Manifest          manifest.Manifest `json:"manifest"`
	ManifestHash      string            `json:"manifestHash,omitempty"`
	Preset            string            `json:"preset"`
	BundleKey         string            `json:"bundleKey"`
	BundleSHA256      string            `json:"bundleSha256"`
	BundleSizeBytes   int64             `json:"bundleSizeBytes"`
	OutputName        string            `json:"outputName,omitempty"`
	NotificationEmail string            `json:"notificationEmail,omitempty"`
	// AllowCache defaults to true when omitted.
	AllowCache    *bool            `json:"allowCache,omitempty"`
	CustomOptions *pricing.Options `json:"customOptions,omitempty"`
}

func (r CreateJobRequest) allowCache() bool {
	return r.AllowCache == nil || *r.AllowCache
}

type CreateJobResponse struct {
	JobID        string   `json:"jobId"`
	Status       string   `json:"status"`
	CostUSD      float64  `json:"costUsd"`
	ETASeconds   int      `json:"etaSeconds"`
	GPUClass     string   `json:"gpuClass"`
	CacheHit     bool     `json:"cacheHit"`
	ProgressURL  string   `json:"progressUrl"`
	DashboardURL string   `json:"dashboardUrl"`
	Warnings     []string `json:"warnings,omitempty"`
}

// CreateJob is the full submission path: fingerprint check, estimate, caps,
// cache short-circuit, reservation, enqueue. The job row commits before the
// reservation; the reservation must succeed before enqueue.
func (c *Controller) CreateJob(ctx context.Context, user *store.User, req CreateJobRequest) (*CreateJobResponse, error) {
	hash, err := manifest.Hash(req.Manifest)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "Manifest is not serializable", err)
	}
	if req.ManifestHash != "" && req.ManifestHash != hash {
		return nil, errs.New(errs.Validation, "Manifest hash mismatch")
	}
	if !validPresets[req.Preset] {
		return nil, errs.Newf(errs.Validation, "Unknown preset: %s", req.Preset)
	}
	warnings, hardErrors := manifest.Check(req.Manifest)
	if len(hardErrors) > 0 {
		return nil, errs.Newf(errs.Validation, "Manifest validation failed: %v", hardErrors)
	}

	est := pricing.EstimateCost(c.cfg, req.Manifest, req.Preset, req.BundleSizeBytes, req.CustomOptions)

	if user.PerJobMaxUSD > 0 && est.CostUSD > user.PerJobMaxUSD {
		return nil, errs.Newf(errs.Policy, "Estimated cost $%.2f exceeds per-job limit $%.2f", est.CostUSD, user.PerJobMaxUSD)
	}
	if user.MonthlyLimitUSD > 0 {
		monthCost := 0.0
		usage, err := c.store.UsageFor(ctx, user.ID, store.CurrentMonth())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, errs.Wrap(errs.Internal, "read usage", err)
		}
		if usage != nil {
			monthCost = usage.CostUSD
		}
		if monthCost+est.CostUSD > user.MonthlyLimitUSD {
			return nil, errs.Newf(errs.Policy, "Monthly spend limit $%.2f reached", user.MonthlyLimitUSD)
		}
	}

	outputName := req.OutputName
	if outputName == "" {
		outputName = defaultOutputName(req.Manifest, req.Preset, req.CustomOptions)
	}

	if req.allowCache() {
		resp, err := c.createFromCache(ctx, user, req, hash, est, warnings)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
	}

	job := &store.Job{
		UserID:          user.ID,
		Status:          store.StatusQueued,
		Preset:          req.Preset,
		GPUClass:        est.GPUClass,
		Manifest:        req.Manifest,
		CustomOptions:   req.CustomOptions,
		ManifestHash:    hash,
		BundleKey:       req.BundleKey,
		BundleSHA256:    req.BundleSHA256,
		BundleSizeBytes: req.BundleSizeBytes,
		OutputName:      outputName,
		NotificationEmail: req.NotificationEmail,
		CostEstimateUSD: est.CostUSD,
		ETASeconds:      est.ETASeconds,
		MaxAttempts:     c.cfg.MaxRetryAttempts,
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, errs.Wrap(errs.Internal, "create job", err)
	}

	if _, err := c.ledger.Reserve(ctx, user.ID, job.ID, est.CostUSD); err != nil {
		job.Status = store.StatusFailed
		job.ErrorMessage = "Insufficient credits"
		now := time.Now().UTC()
		job.FinishedAt = &now
		if uerr := c.store.UpdateJob(ctx, job); uerr != nil {
			c.log.Error("mark job failed after reserve failure", "job", job.ID, "error", uerr)
		}
		c.appendEvent(ctx, job.ID, string(store.StatusFailed), "Insufficient credits", nil)
		c.publish(ctx, job.ID, store.StatusFailed, 0, "Insufficient credits")
		if errors.Is(err, ledger.ErrInsufficientCredit) {
			return nil, errs.New(errs.Policy, "Insufficient credits")
		}
		return nil, errs.Wrap(errs.Internal, "reserve credits", err)
	}
	c.metrics.RecordReserve(est.CostUSD)

	c.appendEvent(ctx, job.ID, string(store.StatusQueued), "Job queued", map[string]any{"gpuClass": est.GPUClass})
	c.publish(ctx, job.ID, store.StatusQueued, 0, "")
	if err := c.bus.Enqueue(ctx, job.ID, est.GPUClass); err != nil {
		return nil, errs.Wrap(errs.Internal, "enqueue job", err)
	}
	c.metrics.RecordJobCreated(est.GPUClass)
	c.log.Info("job created", "job", job.ID, "user", user.ID, "preset", req.Preset, "gpuClass", est.GPUClass, "costUsd", est.CostUSD)

	return &CreateJobResponse{
		JobID:        job.ID,
		Status:       string(job.Status),
		CostUSD:      est.CostUSD,
		ETASeconds:   est.ETASeconds,
		GPUClass:     est.GPUClass,
		ProgressURL:  c.progressURL(job.ID),
		DashboardURL: c.cfg.DashboardURL,
		Warnings:     append(warnings, est.Warnings...),
	}, nil
}

// createFromCache returns (nil, nil) on a cache miss so the caller falls
// through to the normal path. On a hit the job is persisted directly in
// COMPLETED and billed at the estimate.
func (c *Controller) createFromCache(ctx context.Context, user *store.User, req CreateJobRequest, hash string, est pricing.Estimate, warnings []string) (*CreateJobResponse, error) {
	entry, err := c.store.CacheLookup(ctx, hash, req.Preset)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "cache lookup", err)
	}
	exists, err := c.objects.ObjectExists(ctx, entry.ResultKey)
	if err != nil || !exists {
		return nil, nil
	}

	now := time.Now().UTC()
	cost := est.CostUSD
	job := &store.Job{
		UserID:          user.ID,
		Status:          store.StatusCompleted,
		Preset:          req.Preset,
		GPUClass:        est.GPUClass,
		Manifest:        req.Manifest,
		CustomOptions:   req.CustomOptions,
		ManifestHash:    hash,
		BundleKey:       req.BundleKey,
		BundleSHA256:    req.BundleSHA256,
		BundleSizeBytes: req.BundleSizeBytes,
		ResultKey:       entry.ResultKey,
		OutputName:      entry.OutputName,
		NotificationEmail: req.NotificationEmail,
		CostEstimateUSD: cost,
		CostFinalUSD:    &cost,
		ETASeconds:      0,
		ProgressPercent: 100,
		MaxAttempts:     c.cfg.MaxRetryAttempts,
		CacheHit:        true,
		FinishedAt:      &now,
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, errs.Wrap(errs.Internal, "create job", err)
	}

	if _, err := c.ledger.Reserve(ctx, user.ID, job.ID, cost); err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredit) {
			return nil, errs.New(errs.Policy, "Insufficient credits")
		}
		return nil, errs.Wrap(errs.Internal, "reserve credits", err)
	}
	if err := c.ledger.Settle(ctx, job.ID, cost); err != nil {
		return nil, errs.Wrap(errs.Internal, "settle credits", err)
	}
	c.metrics.RecordReserve(cost)
	c.metrics.RecordSettle(cost)

	c.appendEvent(ctx, job.ID, string(store.StatusCompleted), "Served from result cache", map[string]any{"resultKey": entry.ResultKey})
	c.publish(ctx, job.ID, store.StatusCompleted, 100, "")
	c.metrics.RecordCacheHit()
	c.log.Info("job served from cache", "job", job.ID, "user", user.ID, "manifestHash", hash, "preset", req.Preset)

	return &CreateJobResponse{
		JobID:        job.ID,
		Status:       string(store.StatusCompleted),
		CostUSD:      cost,
		ETASeconds:   0,
		GPUClass:     est.GPUClass,
		CacheHit:     true,
		ProgressURL:  c.progressURL(job.ID),
		DashboardURL: c.cfg.DashboardURL,
		Warnings:     append(warnings, est.Warnings...),
	}, nil
}

type EventInfo struct {
	EventType string         `json:"eventType"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

type StatusResponse struct {
	JobID           string      `json:"jobId"`
	Status          string      `json:"status"`
	ProgressPercent float64     `json:"progressPercent"`
	ETASeconds      int         `json:"etaSeconds"`
	GPUClass        string      `json:"gpuClass"`
	Preset          string      `json:"preset"`
	CostEstimateUSD float64     `json:"costEstimateUsd"`
	CostFinalUSD    *float64    `json:"costFinalUsd,omitempty"`
	ErrorMessage    string      `json:"errorMessage,omitempty"`
	CacheHit        bool        `json:"cacheHit"`
	CreatedAt       time.Time   `json:"createdAt"`
	StartedAt       *time.Time  `json:"startedAt,omitempty"`
	FinishedAt      *time.Time  `json:"finishedAt,omitempty"`
	Events          []EventInfo `json:"events"`
}

func (c *Controller) JobStatus(ctx context.Context, user *store.User, jobID string) (*StatusResponse, error) {
	job, err := c.jobForUser(ctx, user, jobID)
	if err != nil {
		return nil, err
	}
	events, err := c.store.EventsForJob(ctx, job.ID)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "read job events", err)
	}
	infos := make([]EventInfo, 0, len(events))
	for _, e := range events {
		infos = append(infos, EventInfo{EventType: e.EventType, Message: e.Message, Data: e.Data, CreatedAt: e.CreatedAt})
	}
	return &StatusResponse{
		JobID:           job.ID,
		Status:          string(job.Status),
		ProgressPercent: job.ProgressPercent,
		ETASeconds:      job.ETASeconds,
		GPUClass:        job.GPUClass,
		Preset:          job.Preset,
		CostEstimateUSD: job.CostEstimateUSD,
		CostFinalUSD:    job.CostFinalUSD,
		ErrorMessage:    job.ErrorMessage,
		CacheHit:        job.CacheHit,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		FinishedAt:      job.FinishedAt,
		Events:          infos,
	}, nil
}

type ResultResponse struct {
	JobID            string `json:"jobId"`
	DownloadURL      string `json:"downloadUrl"`
	Filename         string `json:"filename"`
	SizeBytes        int64  `json:"sizeBytes"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
}

func (c *Controller) JobResult(ctx context.Context, user *store.User, jobID string) (*ResultResponse, error) {
	job, err := c.jobForUser(ctx, user, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != store.StatusCompleted {
		return nil, errs.Newf(errs.State, "Job is %s, not COMPLETED", job.Status)
	}
	if job.ResultKey == "" {
		return nil, errs.New(errs.State, "Job has no result artifact")
	}
	url, err := c.objects.PresignGet(ctx, job.ResultKey)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "presign result", err)
	}
	size, err := c.objects.HeadObjectSize(ctx, job.ResultKey)
	if err != nil {
		size = 0
	}
	return &ResultResponse{
		JobID:            job.ID,
		DownloadURL:      url,
		Filename:         job.OutputName,
		SizeBytes:        size,
		ExpiresInSeconds: c.cfg.S3.PresignExpirySeconds,
	}, nil
}

type CancelResponse struct {
	JobID           string `json:"jobId"`
	Status          string `json:"status"`
	CancelRequested bool   `json:"cancelRequested"`
}

// CancelJob sets the cooperative cancel flag. A job still sitting in the
// queue is cancelled immediately: removed from the queue, transitioned to
// CANCELLED and its reservation voided. A running job is cancelled by the
// worker at its next checkpoint.
func (c *Controller) CancelJob(ctx context.Context, user *store.User, jobID string) (*CancelResponse, error) {
	job, err := c.jobForUser(ctx, user, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, errs.Newf(errs.State, "Job already %s", job.Status)
	}

	job.CancelRequested = true
	if job.Status == store.StatusQueued {
		if err := c.bus.Remove(ctx, job.ID, job.GPUClass); err != nil {
			c.log.Warn("remove queued job", "job", job.ID, "error", err)
		}
		job.Status = store.StatusCancelled
		job.ProgressPercent = 0
		now := time.Now().UTC()
		job.FinishedAt = &now
		if err := c.store.UpdateJob(ctx, job); err != nil {
			return nil, errs.Wrap(errs.Internal, "update job", err)
		}
		if err := c.ledger.Void(ctx, job.ID, "cancelled by user"); err != nil {
			c.log.Error("void reservation on cancel", "job", job.ID, "error", err)
		}
		c.appendEvent(ctx, job.ID, string(store.StatusCancelled), "Cancelled before dispatch", nil)
		c.publish(ctx, job.ID, store.StatusCancelled, 0, "")
		c.metrics.RecordJobCancelled()
	} else {
		if err := c.store.UpdateJob(ctx, job); err != nil {
			return nil, errs.Wrap(errs.Internal, "update job", err)
		}
		c.appendEvent(ctx, job.ID, "CANCEL_REQUESTED", "Cancellation requested", nil)
	}

	return &CancelResponse{JobID: job.ID, Status: string(job.Status), CancelRequested: true}, nil
}

type JobSummary struct {
	JobID           string     `json:"jobId"`
	Status          string     `json:"status"`
	Preset          string     `json:"preset"`
	GPUClass        string     `json:"gpuClass"`
	ProgressPercent float64    `json:"progressPercent"`
	CostEstimateUSD float64    `json:"costEstimateUsd"`
	CostFinalUSD    *float64   `json:"costFinalUsd,omitempty"`
	CacheHit        bool       `json:"cacheHit"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
}

type HistoryResponse struct {
	Jobs []JobSummary `json:"jobs"`
}

// History returns the caller's 50 most recent jobs.
func (c *Controller) History(ctx context.Context, user *store.User) (*HistoryResponse, error) {
	jobs, err := c.store.RecentJobs(ctx, user.ID, 50)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "read history", err)
	}
	out := make([]JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, JobSummary{
			JobID:           j.ID,
			Status:          string(j.Status),
			Preset:          j.Preset,
			GPUClass:        j.GPUClass,
			ProgressPercent: j.ProgressPercent,
			CostEstimateUSD: j.CostEstimateUSD,
			CostFinalUSD:    j.CostFinalUSD,
			CacheHit:        j.CacheHit,
			ErrorMessage:    j.ErrorMessage,
			CreatedAt:       j.CreatedAt,
			FinishedAt:      j.FinishedAt,
		})
	}
	return &HistoryResponse{Jobs: out}, nil
}

type LedgerEntryInfo struct {
	Type       string         `json:"type"`
	Status     string         `json:"status"`
	AmountUSD  float64        `json:"amountUsd"`
	JobID      string         `json:"jobId,omitempty"`
	ExternalID string         `json:"externalId,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

type CreditsResponse struct {
	PostedUSD    float64           `json:"postedUsd"`
	ReservedUSD  float64           `json:"reservedUsd"`
	AvailableUSD float64           `json:"availableUsd"`
	Entries      []LedgerEntryInfo `json:"entries"`
}

// Credits returns balances plus the caller's 100 most recent ledger entries.
func (c *Controller) Credits(ctx context.Context, user *store.User) (*CreditsResponse, error) {
	balance, err := c.ledger.Balances(ctx, user.ID)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "read balances", err)
	}
	entries, err := c.ledger.RecentEntries(ctx, user.ID, 100)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "read ledger entries", err)
	}
	infos := make([]LedgerEntryInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, LedgerEntryInfo{
			Type:       string(e.Type),
			Status:     string(e.Status),
			AmountUSD:  e.AmountUSD,
			JobID:      e.JobID,
			ExternalID: e.ExternalID,
			Details:    e.Details,
			CreatedAt:  e.CreatedAt,
		})
	}
	return &CreditsResponse{
		PostedUSD:    balance.PostedUSD,
		ReservedUSD:  balance.ReservedUSD,
		AvailableUSD: balance.AvailableUSD,
		Entries:      infos,
	}, nil
}

type AdjustRequest struct {
	Email      string  `json:"email"`
	AmountUSD  float64 `json:"amountUsd"`
	Reason     string  `json:"reason"`
	ExternalID string  `json:"externalId,omitempty"`
}

type AdjustResponse struct {
	Email        string  `json:"email"`
	AvailableUSD float64 `json:"availableUsd"`
}

// AdminAdjust posts a manual ledger correction for the named user. The HTTP
// layer enforces that the caller is an admin.
func (c *Controller) AdminAdjust(ctx context.Context, req AdjustRequest) (*AdjustResponse, error) {
	if req.AmountUSD == 0 {
		return nil, errs.New(errs.Validation, "Adjustment amount must be non-zero")
	}
	target, err := c.store.UserByEmail(ctx, req.Email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errs.Newf(errs.NotFound, "No user with email %s", req.Email)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "lookup user", err)
	}
	if err := c.ledger.Adjust(ctx, target.ID, req.AmountUSD, req.Reason, req.ExternalID); err != nil {
		return nil, errs.Wrap(errs.Internal, "post adjustment", err)
	}
	balance, err := c.ledger.Balances(ctx, target.ID)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "read balances", err)
	}
	c.log.Info("admin adjustment", "user", target.ID, "amountUsd", req.AmountUSD, "reason", req.Reason)
	return &AdjustResponse{Email: target.Email, AvailableUSD: balance.AvailableUSD}, nil
}

func (c *Controller) jobForUser(ctx context.Context, user *store.User, jobID string) (*store.Job, error) {
	job, err := c.store.JobForUser(ctx, jobID, user.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errs.New(errs.NotFound, "Job not found")
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "load job", err)
	}
	return job, nil
}

func (c *Controller) appendEvent(ctx context.Context, jobID, eventType, message string, data map[string]any) {
	err := c.store.AppendEvent(ctx, &store.JobEvent{JobID: jobID, EventType: eventType, Message: message, Data: data})
	if err != nil {
		c.log.Error("append job event", "job", jobID, "event", eventType, "error", err)
	}
}

func (c *Controller) publish(ctx context.Context, jobID string, status store.JobStatus, progress float64, errMsg string) {
	p := queue.Progress{JobID: jobID, Status: string(status), ProgressPercent: progress, ErrorMessage: errMsg}
	if err := c.bus.PublishProgress(ctx, jobID, p); err != nil {
		c.log.Warn("publish progress", "job", jobID, "error", err)
	}
}

func (c *Controller) progressURL(jobID string) string {
	return fmt.Sprintf("%s/ws/jobs/%s", c.cfg.APIBaseURL, jobID)
}

// defaultOutputName derives the artifact filename from the composition name
// and the preset's container.
func defaultOutputName(m manifest.Manifest, preset string, opts *pricing.Options) string {
	ext := "mp4"
	if preset == "high_quality" || (preset == "custom" && opts != nil && opts.Codec == "prores") {
		ext = "mov"
	}
	name := m.Composition.Name
	if name == "" {
		name = "output"
	}
	return name + "." + ext
}
