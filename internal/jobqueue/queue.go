package jobqueue

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/logger"
)

// Defaults used by NewJobQueue
const (
	DefaultMaxJobs            = 100
	DefaultMaxArchivedJobs    = 200
	DefaultJobTimeout         = 10 * time.Minute
	DefaultProcessingInterval = 1 * time.Second
	defaultStopTimeout        = 10 * time.Second
)

// JobQueue holds pending jobs and runs them from a single dispatch loop.
// Due jobs execute on their own goroutines; failed jobs are rescheduled with
// exponential backoff while their retry budget and RetryIf allow it.
type JobQueue struct {
	jobs         []*Job
	archivedJobs []*Job
	mu           sync.Mutex
	stats        JobStats
	runningJobs  sync.WaitGroup
	isRunning    bool
	wake         chan struct{}

	maxArchivedJobs    int
	maxJobs            int
	jobTimeout         time.Duration
	processingInterval time.Duration
	processCancel      context.CancelFunc
	loopDone           chan struct{}

	log      logger.Logger
	observer Observer
}

// Option configures a JobQueue.
type Option func(*JobQueue)

// WithLogger sets the queue logger.
func WithLogger(log logger.Logger) Option {
	return func(q *JobQueue) {
		if log != nil {
			q.log = log
		}
	}
}

// WithObserver sets the receiver of queue events.
func WithObserver(o Observer) Option {
	return func(q *JobQueue) { q.observer = o }
}

// WithJobTimeout bounds a single attempt of any job.
func WithJobTimeout(d time.Duration) Option {
	return func(q *JobQueue) {
		if d > 0 {
			q.jobTimeout = d
		}
	}
}

// WithProcessingInterval sets how often the dispatch loop looks for due jobs.
func WithProcessingInterval(d time.Duration) Option {
	return func(q *JobQueue) {
		if d > 0 {
			q.processingInterval = d
		}
	}
}

// NewJobQueue creates a job queue. Non-positive sizes take the defaults.
func NewJobQueue(maxJobs, maxArchivedJobs int, opts ...Option) *JobQueue {
	if maxJobs <= 0 {
		maxJobs = DefaultMaxJobs
	}
	if maxArchivedJobs <= 0 {
		maxArchivedJobs = DefaultMaxArchivedJobs
	}
	q := &JobQueue{
		jobs:               make([]*Job, 0),
		archivedJobs:       make([]*Job, 0),
		wake:               make(chan struct{}, 1),
		maxArchivedJobs:    maxArchivedJobs,
		maxJobs:            maxJobs,
		jobTimeout:         DefaultJobTimeout,
		processingInterval: DefaultProcessingInterval,
		stats: JobStats{
			ActionStats: make(map[string]ActionStats),
		},
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.log == nil {
		q.log = logger.Global().Module("jobqueue")
	}
	return q
}

// Start starts the dispatch loop. The loop ends when ctx is cancelled or
// Stop is called. Starting a running queue is a no-op.
func (q *JobQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isRunning {
		return
	}
	q.isRunning = true

	processCtx, cancel := context.WithCancel(ctx)
	q.processCancel = cancel
	q.loopDone = make(chan struct{})

	go q.processJobs(processCtx, q.loopDone)
	q.log.Info("job queue started",
		logger.Int("max_jobs", q.maxJobs),
		logger.Duration("job_timeout", q.jobTimeout))
}

// IsRunning reports whether the dispatch loop is active.
func (q *JobQueue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isRunning
}

// Stop stops the queue and waits for running jobs.
func (q *JobQueue) Stop() error {
	return q.StopWithTimeout(defaultStopTimeout)
}

// StopWithTimeout cancels running jobs, waits up to timeout for them to
// return and marks jobs that never ran to completion as cancelled.
func (q *JobQueue) StopWithTimeout(timeout time.Duration) error {
	q.mu.Lock()
	if !q.isRunning {
		q.mu.Unlock()
		return nil
	}
	q.isRunning = false
	cancel := q.processCancel
	q.processCancel = nil
	loopDone := q.loopDone
	q.mu.Unlock()

	cancel()
	<-loopDone

	c := make(chan struct{})
	go func() {
		q.runningJobs.Wait()
		close(c)
	}()

	var err error
	select {
	case <-c:
	case <-time.After(timeout):
		err = errors.Newf("timed out waiting for jobs to complete after %v", timeout).
			Component("jobqueue").
			Category(errors.CategoryTimeout).
			Build()
	}

	q.cancelUnfinished()
	q.log.Info("job queue stopped")
	return err
}

// cancelUnfinished archives pending and retrying jobs as cancelled
func (q *JobQueue) cancelUnfinished() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for _, job := range q.jobs {
		if job.Status == JobStatusPending || job.Status == JobStatusRetrying {
			job.Status = JobStatusCancelled
			job.FinishedAt = now
			q.stats.CancelledJobs++
		}
	}
	q._archiveFinished()
}

// Enqueue adds a job and wakes the dispatch loop. It fails with ErrQueueFull
// when maxJobs unfinished jobs are already queued.
func (q *JobQueue) Enqueue(action Action, data any, config RetryConfig) (JobSnapshot, error) {
	if action == nil {
		return JobSnapshot{}, ErrNilAction
	}

	q.mu.Lock()
	if !q.isRunning {
		q.mu.Unlock()
		return JobSnapshot{}, ErrQueueStopped
	}

	description := action.GetDescription()
	if len(q.jobs) >= q.maxJobs {
		q._archiveFinished()
	}
	if len(q.jobs) >= q.maxJobs {
		q.stats.DroppedJobs++
		stats := q.stats.ActionStats[description]
		stats.Description = description
		stats.Dropped++
		q.stats.ActionStats[description] = stats
		q.mu.Unlock()

		return JobSnapshot{}, errors.New(fmt.Errorf("%w: maximum queue size (%d) reached", ErrQueueFull, q.maxJobs)).
			Component("jobqueue").
			Category(errors.CategoryJobQueue).
			Build()
	}

	maxAttempts := 1
	if config.Enabled && config.MaxRetries > 0 {
		maxAttempts = config.MaxRetries + 1
	}

	now := time.Now()
	job := &Job{
		ID:          uuid.NewString(),
		Action:      action,
		Data:        data,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		NextRetryAt: now,
		Status:      JobStatusPending,
		Config:      config,
	}

	q.jobs = append(q.jobs, job)
	q.stats.TotalJobs++
	pending := len(q.jobs)
	snap := job.snapshot()
	q.mu.Unlock()

	if q.observer != nil {
		q.observer.JobEnqueued()
		q.observer.SetPending(pending)
	}
	q.log.Debug("job enqueued",
		logger.String("job_id", job.ID),
		logger.String("action", description),
		logger.Int("max_attempts", maxAttempts))

	select {
	case q.wake <- struct{}{}:
	default:
	}

	return snap, nil
}

// Get returns the job with id from the queue or the archive.
func (q *JobQueue) Get(id string) (JobSnapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range q.jobs {
		if job.ID == id {
			return job.snapshot(), nil
		}
	}
	for i := len(q.archivedJobs) - 1; i >= 0; i-- {
		if q.archivedJobs[i].ID == id {
			return q.archivedJobs[i].snapshot(), nil
		}
	}
	return JobSnapshot{}, errors.New(fmt.Errorf("%w: %s", ErrJobNotFound, id)).
		Component("jobqueue").
		Category(errors.CategoryNotFound).
		Build()
}

// processJobs is the dispatch loop
func (q *JobQueue) processJobs(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(q.processingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.log.Debug("job queue dispatch loop stopped", logger.Error(ctx.Err()))
			return
		case <-ticker.C:
		case <-q.wake:
		}

		q.cleanupStaleJobs()
		q.processDueJobs(ctx)
	}
}

// cleanupStaleJobs moves finished jobs to the archive
func (q *JobQueue) cleanupStaleJobs() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q._archiveFinished()
}

// _archiveFinished moves finished jobs to the archive and trims it.
// Must be called with q.mu held.
func (q *JobQueue) _archiveFinished() {
	active := q.jobs[:0]
	var stale []*Job
	for _, job := range q.jobs {
		if job.Status.IsFinal() {
			stale = append(stale, job)
		} else {
			active = append(active, job)
		}
	}
	for i := len(active); i < len(q.jobs); i++ {
		q.jobs[i] = nil
	}
	q.jobs = active

	if len(stale) == 0 {
		return
	}
	q.archivedJobs = append(q.archivedJobs, stale...)
	q.stats.StaleJobs += len(stale)

	if excess := len(q.archivedJobs) - q.maxArchivedJobs; excess > 0 {
		q.archivedJobs = append([]*Job(nil), q.archivedJobs[excess:]...)
	}
	q.stats.ArchivedJobs = len(q.archivedJobs)

	if q.observer != nil {
		q.observer.SetPending(len(q.jobs))
	}
}

// calculateBackoffDelay returns InitialDelay * Multiplier^(attempt-1) with
// ±10% jitter, capped at MaxDelay.
func calculateBackoffDelay(config RetryConfig, attemptNum int) time.Duration {
	multiplier := config.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	exp := max(attemptNum-1, 0)
	backoff := float64(config.InitialDelay) * math.Pow(multiplier, float64(exp))

	backoff *= 0.9 + 0.2*rand.Float64() //nolint:gosec // jitter does not need crypto randomness

	if config.MaxDelay > 0 && backoff > float64(config.MaxDelay) {
		backoff = float64(config.MaxDelay)
	}
	return time.Duration(backoff)
}

// processDueJobs starts every pending or retrying job whose time has come
func (q *JobQueue) processDueJobs(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	q.mu.Lock()
	var dueJobs []*Job
	now := time.Now()
	for _, job := range q.jobs {
		if (job.Status == JobStatusPending || job.Status == JobStatusRetrying) && !job.NextRetryAt.After(now) {
			job.Status = JobStatusRunning
			job.Attempts++
			dueJobs = append(dueJobs, job)
		}
	}
	q.mu.Unlock()

	for _, job := range dueJobs {
		q.runningJobs.Add(1)
		go func(j *Job) {
			defer q.runningJobs.Done()
			q.executeJob(ctx, j)
		}(job)
	}
}

// executeJob runs one attempt of job and records the outcome
func (q *JobQueue) executeJob(ctx context.Context, job *Job) {
	description := job.Action.GetDescription()

	q.mu.Lock()
	attempt := job.Attempts
	if attempt > 1 {
		q.stats.RetryAttempts++
	}
	q.mu.Unlock()

	if attempt > 1 {
		if q.observer != nil {
			q.observer.JobRetried()
		}
		q.log.Debug("retrying job",
			logger.String("job_id", job.ID),
			logger.String("action", description),
			logger.Int("attempt", attempt),
			logger.Int("max_attempts", job.MaxAttempts))
	}

	execCtx, cancel := context.WithTimeout(logger.WithTraceID(ctx, job.ID), q.jobTimeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}

	start := time.Now()
	outcomeCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcomeCh <- outcome{err: errors.Newf("job execution panicked: %v", r).
					Component("jobqueue").
					Category(errors.CategoryJobQueue).
					Build()}
			}
		}()
		res, execErr := job.Action.Execute(execCtx, job.Data)
		outcomeCh <- outcome{result: res, err: execErr}
	}()

	var (
		result any
		err    error
	)
	select {
	case o := <-outcomeCh:
		result, err = o.result, o.err
	case <-execCtx.Done():
		// The action ignored its context; abandon it
		err = errors.New(fmt.Errorf("job execution ended before the action returned: %w", execCtx.Err())).
			Component("jobqueue").
			Category(errors.CategoryTimeout).
			Context("timeout", q.jobTimeout.String()).
			Build()
	}
	duration := time.Since(start)

	q.mu.Lock()
	stats := q.stats.ActionStats[description]
	stats.Description = description
	stats.Attempted++
	stats.LastExecutionTime = time.Now()
	stats.recordDuration(duration, stats.Attempted)

	var finalStatus JobStatus
	switch {
	case err == nil:
		job.Status = JobStatusCompleted
		job.Result = result
		job.LastError = nil
		job.FinishedAt = time.Now()
		q.stats.SuccessfulJobs++
		stats.Successful++
		stats.LastSuccessfulTime = job.FinishedAt
		finalStatus = JobStatusCompleted

	case job.Attempts < job.MaxAttempts && ctx.Err() == nil && job.Config.shouldRetry(err):
		job.Status = JobStatusRetrying
		job.LastError = err
		delay := calculateBackoffDelay(job.Config, job.Attempts)
		job.NextRetryAt = time.Now().Add(delay)
		stats.Retried++
		q.log.Info("job failed, will retry",
			logger.String("job_id", job.ID),
			logger.String("action", description),
			logger.Int("attempt", job.Attempts),
			logger.Int("max_attempts", job.MaxAttempts),
			logger.Duration("retry_in", delay),
			logger.Error(err))

	default:
		job.Status = JobStatusFailed
		job.LastError = err
		job.FinishedAt = time.Now()
		q.stats.FailedJobs++
		stats.Failed++
		stats.LastFailedTime = job.FinishedAt
		stats.LastErrorMessage = err.Error()
		finalStatus = JobStatusFailed
	}
	q.stats.ActionStats[description] = stats
	q.mu.Unlock()

	switch finalStatus {
	case JobStatusCompleted:
		if job.Attempts > 1 {
			q.log.Info("job succeeded after retries",
				logger.String("job_id", job.ID),
				logger.String("action", description),
				logger.Int("attempts", job.Attempts))
		} else {
			q.log.Debug("job completed",
				logger.String("job_id", job.ID),
				logger.String("action", description),
				logger.Duration("duration", duration))
		}
	case JobStatusFailed:
		q.log.Error("job failed permanently",
			logger.String("job_id", job.ID),
			logger.String("action", description),
			logger.Int("attempts", job.Attempts),
			logger.Error(err))
	}

	if q.observer != nil && finalStatus.IsFinal() {
		q.observer.JobFinished(finalStatus.String(), time.Since(job.CreatedAt))
	}
}

// GetStats returns a snapshot of the current job statistics
func (q *JobQueue) GetStats() JobStatsSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	actionStatsCopy := make(map[string]ActionStats, len(q.stats.ActionStats))
	for k, v := range q.stats.ActionStats {
		actionStatsCopy[k] = v
	}

	pending := 0
	for _, job := range q.jobs {
		if !job.Status.IsFinal() {
			pending++
		}
	}

	return JobStatsSnapshot{
		TotalJobs:        q.stats.TotalJobs,
		SuccessfulJobs:   q.stats.SuccessfulJobs,
		FailedJobs:       q.stats.FailedJobs,
		CancelledJobs:    q.stats.CancelledJobs,
		StaleJobs:        q.stats.StaleJobs,
		ArchivedJobs:     q.stats.ArchivedJobs,
		DroppedJobs:      q.stats.DroppedJobs,
		RetryAttempts:    q.stats.RetryAttempts,
		PendingJobs:      pending,
		MaxQueueSize:     q.maxJobs,
		QueueUtilization: float64(pending) / float64(q.maxJobs) * 100,
		ActionStats:      actionStatsCopy,
	}
}

// GetMaxJobs returns the maximum number of unfinished jobs
func (q *JobQueue) GetMaxJobs() int {
	return q.maxJobs
}
