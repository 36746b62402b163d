// Package store persists users, jobs, job events, monthly usage and the
// result cache. Postgres is the source of truth; MemoryStore backs tests and
// redis-less local development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cloudexport/backend/internal/manifest"
	"github.com/cloudexport/backend/internal/pricing"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

type JobStatus string

const (
	StatusCreated     JobStatus = "CREATED"
	StatusQueued      JobStatus = "QUEUED"
	StatusDownloading JobStatus = "DOWNLOADING"
	StatusValidating  JobStatus = "VALIDATING"
	StatusRendering   JobStatus = "RENDERING"
	StatusPackaging   JobStatus = "PACKAGING"
	StatusUploading   JobStatus = "UPLOADING"
	StatusCompleted   JobStatus = "COMPLETED"
	StatusFailed      JobStatus = "FAILED"
	StatusCancelled   JobStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type User struct {
	ID              string
	Email           string
	APIKeyHash      string
	APIKeyHint      string
	IsActive        bool
	IsAdmin         bool
	MonthlyLimitUSD float64
	PerJobMaxUSD    float64
	CreatedAt       time.Time
}

type Job struct {
	ID                string
	UserID            string
	Status            JobStatus
	Preset            string
	GPUClass          string
	Manifest          manifest.Manifest
	CustomOptions     *pricing.Options
	ManifestHash      string
	ProjectHash       string
	BundleKey         string
	BundleSHA256      string
	BundleSizeBytes   int64
	ResultKey         string
	OutputName        string
	NotificationEmail string
	CostEstimateUSD   float64
	CostFinalUSD      *float64
	ETASeconds        int
	ProgressPercent   float64
	Attempts          int
	MaxAttempts       int
	ErrorMessage      string
	CancelRequested   bool
	CacheHit          bool
	CreatedAt         time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
}

type JobEvent struct {
	ID        string
	JobID     string
	EventType string
	Message   string
	Data      map[string]any
	CreatedAt time.Time
}

type Usage struct {
	ID        string
	UserID    string
	Month     string
	CostUSD   float64
	Minutes   float64
	UpdatedAt time.Time
}

type CacheEntry struct {
	ID           string
	ManifestHash string
	Preset       string
	ResultKey    string
	OutputName   string
	CreatedAt    time.Time
}

// CurrentMonth returns the usage aggregation key for now (UTC), YYYY-MM.
func CurrentMonth() string {
	return time.Now().UTC().Format("2006-01")
}

type Store interface {
	CreateUser(ctx context.Context, u *User) error
	UserByID(ctx context.Context, id string) (*User, error)
	UserByEmail(ctx context.Context, email string) (*User, error)
	ActiveUsers(ctx context.Context) ([]User, error)
	UpdateUserKey(ctx context.Context, id, hash, hint string) error

	CreateJob(ctx context.Context, j *Job) error
	JobByID(ctx context.Context, id string) (*Job, error)
	JobForUser(ctx context.Context, id, userID string) (*Job, error)
	UpdateJob(ctx context.Context, j *Job) error
	RecentJobs(ctx context.Context, userID string, limit int) ([]Job, error)

	AppendEvent(ctx context.Context, e *JobEvent) error
	EventsForJob(ctx context.Context, jobID string) ([]JobEvent, error)

	UsageFor(ctx context.Context, userID, month string) (*Usage, error)
	AddUsage(ctx context.Context, userID, month string, costUSD, minutes float64) error

	CacheLookup(ctx context.Context, manifestHash, preset string) (*CacheEntry, error)
	InsertCacheEntry(ctx context.Context, e *CacheEntry) error
}
