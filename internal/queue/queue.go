// Package queue carries the two Redis-backed sub-systems that coordinate
// controllers and workers: per-GPU-class FIFO work queues and per-job
// pub/sub progress channels. Both are best-effort on the subscriber side;
// consumers reconcile through the persisted job row.
package queue

import (
	"context"
	"time"
)

// Progress is the payload published on a job's channel at every transition.
// Timestamp is assigned server-side at publish time.
type Progress struct {
	JobID           string  `json:"jobId"`
	Status          string  `json:"status"`
	ProgressPercent float64 `json:"progressPercent"`
	ErrorMessage    string  `json:"errorMessage,omitempty"`
	Timestamp       int64   `json:"timestamp"`
}

type Bus interface {
	// Enqueue pushes a job id onto queue:{gpuClass}.
	Enqueue(ctx context.Context, jobID, gpuClass string) error
	// Dequeue blocks up to timeout for the next job id; returns "" on empty.
	// Dequeue across racing workers is at-most-once per pushed id.
	Dequeue(ctx context.Context, gpuClass string, timeout time.Duration) (string, error)
	// Remove drops a queued job id; best effort, used by cancel.
	Remove(ctx context.Context, jobID, gpuClass string) error

	// PublishProgress fans a progress message out to job:{jobID} subscribers.
	PublishProgress(ctx context.Context, jobID string, p Progress) error
	// SubscribeProgress yields raw JSON messages for one job until the
	// context is done or the returned stop function is called.
	SubscribeProgress(ctx context.Context, jobID string) (<-chan string, func(), error)
}

func queueKey(gpuClass string) string { return "queue:" + gpuClass }
func jobChannel(jobID string) string  { return "job:" + jobID }
