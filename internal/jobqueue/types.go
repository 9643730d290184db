// Package jobqueue runs asynchronous jobs with retry and a bounded archive of
// finished jobs that can be queried by id.
package jobqueue

import (
	"context"
	"time"

	"github.com/tphakala/trafficsat/internal/errors"
)

// Common errors that can be returned by job queue operations
var (
	ErrNilAction    = errors.NewStd("cannot enqueue nil action")
	ErrQueueStopped = errors.NewStd("job queue has been stopped")
	ErrJobNotFound  = errors.NewStd("job not found in queue")
	ErrQueueFull    = errors.NewStd("job queue is full")
)

// RetryConfig holds the retry behavior of a job
type RetryConfig struct {
	Enabled      bool          // Whether retry is enabled for this job
	MaxRetries   int           // Maximum number of retry attempts
	InitialDelay time.Duration // Initial delay before first retry
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Backoff multiplier for each subsequent retry

	// RetryIf limits retries to matching errors. Nil retries every error.
	RetryIf func(error) bool
}

// shouldRetry reports whether err may be retried under c
func (c RetryConfig) shouldRetry(err error) bool {
	if !c.Enabled {
		return false
	}
	if c.RetryIf == nil {
		return true
	}
	return c.RetryIf(err)
}

// Action is the work a job performs. The returned result is kept on the job
// and exposed through Get.
type Action interface {
	Execute(ctx context.Context, data any) (any, error)
	GetDescription() string
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc struct {
	Description string
	Fn          func(ctx context.Context, data any) (any, error)
}

// Execute calls Fn.
func (a ActionFunc) Execute(ctx context.Context, data any) (any, error) {
	return a.Fn(ctx, data)
}

// GetDescription returns Description.
func (a ActionFunc) GetDescription() string {
	return a.Description
}

// Observer receives queue events, usually a Prometheus recorder.
type Observer interface {
	JobEnqueued()
	JobRetried()
	JobFinished(status string, duration time.Duration)
	SetPending(n int)
}

// JobStatus represents the current status of a job in the queue
type JobStatus int

const (
	// JobStatusPending indicates the job is waiting to be executed
	JobStatusPending JobStatus = iota
	// JobStatusRunning indicates the job is currently being executed
	JobStatusRunning
	// JobStatusCompleted indicates the job has completed successfully
	JobStatusCompleted
	// JobStatusFailed indicates the job has failed and will not be retried
	JobStatusFailed
	// JobStatusRetrying indicates the job has failed but will be retried
	JobStatusRetrying
	// JobStatusCancelled indicates the queue stopped before the job finished
	JobStatusCancelled
)

// String returns a string representation of the job status
func (s JobStatus) String() string {
	switch s {
	case JobStatusPending:
		return "pending"
	case JobStatusRunning:
		return "running"
	case JobStatusCompleted:
		return "completed"
	case JobStatusFailed:
		return "failed"
	case JobStatusRetrying:
		return "retrying"
	case JobStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status as its string form.
func (s JobStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsFinal reports whether the status will not change again
func (s JobStatus) IsFinal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}
