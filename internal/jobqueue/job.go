package jobqueue

import (
	"time"
)

// Job represents a unit of work in the job queue
type Job struct {
	ID          string      // UUID assigned at enqueue
	Action      Action      // The action to execute
	Data        any         // Data for the action
	Attempts    int         // Number of attempts made so far
	MaxAttempts int         // Maximum number of attempts allowed
	CreatedAt   time.Time   // When the job was created
	NextRetryAt time.Time   // When to next attempt the job
	FinishedAt  time.Time   // When the job reached a final status
	Status      JobStatus   // Current status of the job
	LastError   error       // Last error encountered
	Result      any         // Result of the successful attempt
	Config      RetryConfig // Retry configuration for this job
}

// JobSnapshot is a copy of a job's public state, safe to read without locks.
type JobSnapshot struct {
	ID          string     `json:"job_id"`
	Description string     `json:"description"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Result      any        `json:"result,omitempty"`
}

// snapshot copies the job; the caller must hold the queue lock
func (j *Job) snapshot() JobSnapshot {
	s := JobSnapshot{
		ID:          j.ID,
		Status:      j.Status,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt,
		Result:      j.Result,
	}
	if j.Action != nil {
		s.Description = j.Action.GetDescription()
	}
	if j.Status == JobStatusRetrying {
		next := j.NextRetryAt
		s.NextRetryAt = &next
	}
	if !j.FinishedAt.IsZero() {
		finished := j.FinishedAt
		s.FinishedAt = &finished
	}
	if j.LastError != nil {
		s.LastError = j.LastError.Error()
	}
	return s
}

// JobStats tracks statistics about job processing
type JobStats struct {
	TotalJobs      int
	SuccessfulJobs int
	FailedJobs     int
	CancelledJobs  int
	StaleJobs      int
	ArchivedJobs   int
	DroppedJobs    int // Jobs rejected because the queue was full
	RetryAttempts  int
	ActionStats    map[string]ActionStats // Key is the action description
}

// JobStatsSnapshot provides a point-in-time snapshot of job statistics
type JobStatsSnapshot struct {
	TotalJobs      int `json:"total"`
	SuccessfulJobs int `json:"successful"`
	FailedJobs     int `json:"failed"`
	CancelledJobs  int `json:"cancelled"`
	StaleJobs      int `json:"stale"`
	ArchivedJobs   int `json:"archived"`
	DroppedJobs    int `json:"dropped"`
	RetryAttempts  int `json:"retry_attempts"`

	PendingJobs      int     `json:"pending"`
	MaxQueueSize     int     `json:"max_size"`
	QueueUtilization float64 `json:"utilization"`

	ActionStats map[string]ActionStats `json:"actions"`
}

// ActionStats tracks statistics for one kind of action
type ActionStats struct {
	Description string `json:"description"`

	Attempted  int `json:"attempted"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Retried    int `json:"retried"`
	Dropped    int `json:"dropped"`

	TotalDuration      time.Duration `json:"total_duration"`
	AverageDuration    time.Duration `json:"average_duration"`
	MinDuration        time.Duration `json:"min_duration"`
	MaxDuration        time.Duration `json:"max_duration"`
	LastExecutionTime  time.Time     `json:"last_execution"`
	LastSuccessfulTime time.Time     `json:"last_success"`
	LastFailedTime     time.Time     `json:"last_failure"`
	LastErrorMessage   string        `json:"last_error,omitempty"`
}

// recordDuration folds one attempt duration into the stats
func (s *ActionStats) recordDuration(d time.Duration, attempts int) {
	s.TotalDuration += d
	if s.MinDuration == 0 || d < s.MinDuration {
		s.MinDuration = d
	}
	if d > s.MaxDuration {
		s.MaxDuration = d
	}
	if attempts > 0 {
		s.AverageDuration = s.TotalDuration / time.Duration(attempts)
	}
}
