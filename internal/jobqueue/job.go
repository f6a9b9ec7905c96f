package jobqueue

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a queued job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusDelayed   Status = "delayed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrLockLost is returned when a worker finishes a job whose lock was reclaimed by another worker.
var ErrLockLost = errors.New("job lock lost")

// Job is a small stage-scoped dispatch descriptor. Bulk content is addressed
// by PayloadRef in the metadata store, never embedded.
type Job struct {
	ID          string
	Queue       string
	WorkflowID  string
	Stage       string
	Epoch       int64
	Attempts    int
	PayloadRef  string
	Status      Status
	AvailableAt time.Time
	LockedBy    string
	LockedUntil *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Spec describes a job to enqueue.
type Spec struct {
	Queue      string
	WorkflowID string
	Stage      string
	Epoch      int64
	PayloadRef string
	Delay      time.Duration
}

// Counts summarizes a queue.
type Counts struct {
	Queue     string `json:"queue"`
	Waiting   int    `json:"waiting"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Delayed   int    `json:"delayed"`
	Paused    bool   `json:"paused"`
}

// Backend persists jobs and queue state. Implementations must make ClaimJob
// safe across processes.
type Backend interface {
	// InsertJob stores job unless a job with the same workflow, stage and
	// epoch exists; created reports which happened.
	InsertJob(ctx context.Context, job Job) (stored Job, created bool, err error)
	// ClaimJob locks the next available job in queue for worker, or returns nil.
	ClaimJob(ctx context.Context, queue, worker string, now, lockUntil time.Time) (*Job, error)
	ExtendLock(ctx context.Context, id, worker string, until time.Time) error
	CompleteJob(ctx context.Context, id, worker string, now time.Time) error
	RescheduleJob(ctx context.Context, id, worker, lastErr string, availableAt, now time.Time) error
	FailJob(ctx context.Context, id, worker, lastErr string, now time.Time) error
	// ReleaseExpired returns active jobs with expired locks to waiting.
	ReleaseExpired(ctx context.Context, now time.Time) (int64, error)
	CountJobs(ctx context.Context, queue string, now time.Time) (Counts, error)
	DeleteFailedJobs(ctx context.Context, queue string) (int64, error)
	SetQueuePaused(ctx context.Context, queue string, paused bool, now time.Time) error
	QueuePaused(ctx context.Context, queue string) (bool, error)
}
