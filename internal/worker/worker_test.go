package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudexport/backend/internal/config"
	"github.com/cloudexport/backend/internal/ledger"
	"github.com/cloudexport/backend/internal/mailer"
	"github.com/cloudexport/backend/internal/manifest"
	"github.com/cloudexport/backend/internal/pricing"
	"github.com/cloudexport/backend/internal/queue"
	"github.com/cloudexport/backend/internal/storage"
	"github.com/cloudexport/backend/internal/store"
)

// scriptedRenderer plays back canned output lines instead of spawning
// aerender. blocking leaves the line channel open until Terminate so the
// timeout path can be exercised.
type scriptedRenderer struct {
	script   []string
	exitErr  error
	blocking bool
	noOutput bool
	starts   int
}

func (r *scriptedRenderer) Start(ctx context.Context, spec RenderSpec) (RenderHandle, error) {
	r.starts++
	h := &scriptedHandle{
		lines:   make(chan string, len(r.script)+1),
		term:    make(chan struct{}),
		exitErr: r.exitErr,
	}
	if r.blocking {
		go func() {
			<-h.term
			close(h.lines)
		}()
		return h, nil
	}
	if !r.noOutput && r.exitErr == nil {
		if err := os.WriteFile(spec.OutputPath, []byte("frames"), 0o644); err != nil {
			return nil, err
		}
	}
	for _, l := range r.script {
		h.lines <- l
	}
	close(h.lines)
	return h, nil
}

type scriptedHandle struct {
	lines   chan string
	term    chan struct{}
	once    sync.Once
	exitErr error
}

func (h *scriptedHandle) Lines() <-chan string { return h.lines }

func (h *scriptedHandle) Terminate() error {
	h.once.Do(func() { close(h.term) })
	return nil
}

func (h *scriptedHandle) Wait() error {
	select {
	case <-h.term:
		return errors.New("killed")
	default:
		return h.exitErr
	}
}

// copyTranscoder passes the intermediate through as the final mp4.
type copyTranscoder struct {
	calls int
}

func (t *copyTranscoder) Transcode(ctx context.Context, inputPath, outputDir, baseName, preset string, opts *pricing.Options) (string, error) {
	t.calls++
	base := strings.TrimSuffix(baseName, filepath.Ext(baseName))
	if base == "" {
		base = "output"
	}
	out := filepath.Join(outputDir, base+".mp4")
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return "", err
	}
	return out, os.WriteFile(out, data, 0o644)
}

type workerFixture struct {
	cfg     *config.Config
	store   *store.MemoryStore
	ledger  *ledger.MemoryLedger
	bus     *queue.MemoryBus
	objects *storage.NoopStore
	worker  *Worker
	user    *store.User
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	f := &workerFixture{
		cfg:     config.Default(),
		store:   store.NewMemory(),
		ledger:  ledger.NewMemory(),
		bus:     queue.NewMemoryBus(),
		objects: storage.NewNoop(),
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.worker = New(f.cfg, f.store, f.ledger, f.bus, f.objects, mailer.New(f.cfg, log), nil, "rtx4090", log)
	f.worker.SetRenderer(&scriptedRenderer{script: []string{"PROGRESS:50%", "PROGRESS:100%"}})
	f.worker.SetTranscoder(&copyTranscoder{})

	f.user = &store.User{Email: "artist@example.com", APIKeyHash: "x", IsActive: true}
	require.NoError(t, f.store.CreateUser(context.Background(), f.user))
	require.NoError(t, f.ledger.Purchase(context.Background(), f.user.ID, 100, "seed-"+t.Name(), "test"))
	return f
}

func renderManifest() manifest.Manifest {
	return manifest.Manifest{
		SchemaVersion: 1,
		Project:       manifest.Project{Name: "promo.aep", Hash: "p1", Saved: true},
		Composition:   manifest.Composition{Name: "Main", DurationSeconds: 60, FPS: 30, Width: 1920, Height: 1080},
		Fonts:         []string{"Inter"},
		Effects:       []string{"ADBE Gaussian Blur 2"},
	}
}

// bundleZip builds a minimal valid bundle: manifest.json plus project.aep.
func bundleZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{
		"manifest.json":      `{"schemaVersion":1}`,
		"project.aep":        "binary-project-data",
		"assets/footage.mov": "clip",
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// seedJob stores the bundle, creates a QUEUED job row and reserves the
// estimate, mirroring what the submission path does.
func (f *workerFixture) seedJob(t *testing.T, mutate func(*store.Job)) *store.Job {
	t.Helper()
	ctx := context.Background()
	bundle := bundleZip(t)
	hash, err := manifest.Hash(renderManifest())
	require.NoError(t, err)

	job := &store.Job{
		UserID:          f.user.ID,
		Status:          store.StatusQueued,
		Preset:          "web",
		GPUClass:        "rtx4090",
		Manifest:        renderManifest(),
		ManifestHash:    hash,
		BundleKey:       "bundles/u/test.zip",
		BundleSHA256:    sha256Hex(bundle),
		BundleSizeBytes: int64(len(bundle)),
		OutputName:      "Main.mp4",
		CostEstimateUSD: 1.00,
		MaxAttempts:     f.cfg.MaxRetryAttempts,
	}
	if mutate != nil {
		mutate(job)
	}
	f.objects.Seed(job.BundleKey, bundle)
	require.NoError(t, f.store.CreateJob(ctx, job))
	_, err = f.ledger.Reserve(ctx, f.user.ID, job.ID, job.CostEstimateUSD)
	require.NoError(t, err)
	return job
}

func TestHandleJobSuccess(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	job := f.seedJob(t, nil)

	f.worker.HandleJob(ctx, job.ID)

	got, err := f.store.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, 100.0, got.ProgressPercent)
	assert.NotEmpty(t, got.ResultKey)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)

	// result uploaded
	size, err := f.objects.HeadObjectSize(ctx, got.ResultKey)
	require.NoError(t, err)
	assert.Positive(t, size)

	// billed at the one-minute floor, settled against the reservation
	want := pricing.ActualCost(f.cfg, job.Manifest, job.Preset, job.BundleSizeBytes, 1.0, nil)
	require.NotNil(t, got.CostFinalUSD)
	assert.Equal(t, want, *got.CostFinalUSD)

	b, err := f.ledger.Balances(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, b.ReservedUSD)
	assert.InDelta(t, 100-want, b.PostedUSD, 1e-9)

	// usage recorded and result cached for future submissions
	usage, err := f.store.UsageFor(ctx, f.user.ID, store.CurrentMonth())
	require.NoError(t, err)
	assert.InDelta(t, want, usage.CostUSD, 1e-9)

	entry, err := f.store.CacheLookup(ctx, job.ManifestHash, job.Preset)
	require.NoError(t, err)
	assert.Equal(t, got.ResultKey, entry.ResultKey)
}

func TestHandleJobPublishesMonotoneProgress(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	job := f.seedJob(t, nil)

	messages, stop, err := f.bus.SubscribeProgress(ctx, job.ID)
	require.NoError(t, err)
	defer stop()

	f.worker.HandleJob(ctx, job.ID)

	last := -1.0
	terminal := false
	deadline := time.After(2 * time.Second)
	for !terminal {
		select {
		case raw := <-messages:
			var p queue.Progress
			require.NoError(t, json.Unmarshal([]byte(raw), &p))
			assert.GreaterOrEqual(t, p.ProgressPercent, last)
			last = p.ProgressPercent
			if p.Status == string(store.StatusCompleted) {
				terminal = true
			}
		case <-deadline:
			t.Fatal("no terminal progress message")
		}
	}
	assert.Equal(t, 100.0, last)
}

func TestHandleJobRetriesThenFails(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	renderer := &scriptedRenderer{exitErr: errors.New("aerender exited 1")}
	f.worker.SetRenderer(renderer)

	job := f.seedJob(t, func(j *store.Job) { j.MaxAttempts = 2 })

	// first attempt re-enqueues
	f.worker.HandleJob(ctx, job.ID)
	got, err := f.store.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)

	id, err := f.bus.Dequeue(ctx, "rtx4090", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, job.ID, id)

	// second attempt exhausts the budget
	f.worker.HandleJob(ctx, job.ID)
	got, err = f.store.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "Render failed")
	assert.Equal(t, 2, renderer.starts)

	// reservation released on terminal failure
	b, err := f.ledger.Balances(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, b.ReservedUSD)
	assert.Equal(t, 100.0, b.AvailableUSD)
}

func TestHandleJobRenderTimeoutIsTerminal(t *testing.T) {
	f := newWorkerFixture(t)
	f.cfg.RenderTimeoutMinutes = 0
	f.worker.SetRenderer(&scriptedRenderer{blocking: true})
	ctx := context.Background()

	job := f.seedJob(t, nil)
	f.worker.HandleJob(ctx, job.ID)

	got, err := f.store.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, "Render timeout", got.ErrorMessage)
	assert.Empty(t, got.ResultKey)

	// no retry despite remaining attempts
	id, err := f.bus.Dequeue(ctx, "rtx4090", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "", id)

	b, err := f.ledger.Balances(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, b.ReservedUSD)
}

func TestHandleJobHonorsCancelRequest(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	job := f.seedJob(t, func(j *store.Job) { j.CancelRequested = true })
	f.worker.HandleJob(ctx, job.ID)

	got, err := f.store.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, got.Status)
	assert.Empty(t, got.ResultKey)

	b, err := f.ledger.Balances(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, b.ReservedUSD)
	assert.Equal(t, 100.0, b.AvailableUSD)
}

func TestHandleJobChecksumMismatch(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	job := f.seedJob(t, func(j *store.Job) {
		j.BundleSHA256 = "deadbeef"
		j.MaxAttempts = 1
	})
	f.worker.HandleJob(ctx, job.ID)

	got, err := f.store.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "checksum mismatch")

	b, err := f.ledger.Balances(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, b.ReservedUSD)
}

func TestHandleJobEmptyDigestIsVerified(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	// only the sentinels skip verification; an empty digest never matches
	job := f.seedJob(t, func(j *store.Job) {
		j.BundleSHA256 = ""
		j.MaxAttempts = 1
	})
	f.worker.HandleJob(ctx, job.ID)

	got, err := f.store.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "checksum mismatch")
}

func TestHandleJobSentinelDigestSkipsVerification(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	job := f.seedJob(t, func(j *store.Job) { j.BundleSHA256 = "pending" })
	f.worker.HandleJob(ctx, job.ID)

	got, err := f.store.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
}

func TestHandleJobMissingProjectIsFatal(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	// a bundle without project.aep must fail without retries
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("manifest.json")
	require.NoError(t, err)
	_, err = w.Write([]byte(`{"schemaVersion":1}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	job := f.seedJob(t, func(j *store.Job) { j.BundleSHA256 = "pending" })
	f.objects.Seed(job.BundleKey, buf.Bytes())

	f.worker.HandleJob(ctx, job.ID)

	got, err := f.store.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, "Bundle missing project.aep", got.ErrorMessage)

	id, err := f.bus.Dequeue(ctx, "rtx4090", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "", id)
}

func TestHandleJobSkipsNonQueued(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	job := f.seedJob(t, func(j *store.Job) { j.Status = store.StatusCompleted })
	f.worker.HandleJob(ctx, job.ID)

	got, err := f.store.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Nil(t, got.FinishedAt)
}

func TestParseProgress(t *testing.T) {
	cases := []struct {
		line string
		pct  float64
		ok   bool
	}{
		{"PROGRESS:42%", 42, true},
		{"PROGRESS:99.5%", 99.5, true},
		{"frame 120 of 1800 PROGRESS:6.7% eta 00:41", 6.7, true},
		{"rendering frame 12", 0, false},
		{"PROGRESS:%", 0, false},
	}
	for _, tc := range cases {
		pct, ok := parseProgress(tc.line)
		assert.Equal(t, tc.ok, ok, tc.line)
		assert.Equal(t, tc.pct, pct, tc.line)
	}
}

func TestUnzipRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("../escape.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("nope"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	src := filepath.Join(t.TempDir(), "evil.zip")
	require.NoError(t, os.WriteFile(src, buf.Bytes(), 0o644))

	err = unzip(src, t.TempDir())
	assert.Error(t, err)
}
