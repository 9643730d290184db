// Package scheduler runs the whole-area analysis on a fixed interval.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/logger"
	"github.com/tphakala/trafficsat/internal/pipeline"
)

// JobID names the recurring analysis job.
const JobID = "hourly_traffic_analysis"

// DefaultInterval is the time between scheduled runs.
const DefaultInterval = time.Hour

// Runner performs one analysis run.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Status is a snapshot of the scheduler state.
type Status struct {
	JobID     string        `json:"job_id"`
	Running   bool          `json:"running"`
	Interval  time.Duration `json:"interval_ns"`
	LastRun   time.Time     `json:"last_run,omitzero"`
	LastError string        `json:"last_error,omitempty"`
	NextRun   time.Time     `json:"next_run,omitzero"`
	Runs      int           `json:"runs"`
	Skipped   int           `json:"skipped"`
	Failures  int           `json:"failures"`
}

// Scheduler owns a ticker goroutine that calls the runner every interval.
type Scheduler struct {
	runner     Runner
	interval   time.Duration
	runTimeout time.Duration
	runOnStart bool
	log        logger.Logger

	lifecycle  sync.Mutex // serializes Start and Stop
	loops      sync.WaitGroup
	mu         sync.RWMutex
	isRunning  bool
	stopLoop   context.CancelFunc // ends the current ticker loop
	runCtx     context.Context    // parent of scheduled runs, cancelled only by Stop
	cancelRuns context.CancelFunc
	lastRun    time.Time
	lastErr    error
	nextRun    time.Time
	runs       int
	skipped    int
	failures   int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the run interval. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRunTimeout bounds each scheduled run.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.runTimeout = d }
}

// WithRunOnStart runs once immediately when the scheduler starts.
func WithRunOnStart(enabled bool) Option {
	return func(s *Scheduler) { s.runOnStart = enabled }
}

// WithLogger sets the module logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// New creates a stopped scheduler.
func New(runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:   runner,
		interval: DefaultInterval,
		log:      logger.Global().Module("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the recurring job. Calling Start on a running scheduler
// replaces the job: the old loop stops ticking, but a run it has in flight
// is not cancelled and finishes in the background.
func (s *Scheduler) Start() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.mu.Lock()

	if s.isRunning {
		s.stopLoop()
		s.log.Info("replacing scheduled job", logger.String("job_id", JobID))
	} else {
		s.runCtx, s.cancelRuns = context.WithCancel(context.Background())
	}

	loopCtx, stopLoop := context.WithCancel(s.runCtx)
	runCtx := s.runCtx
	s.stopLoop = stopLoop
	s.isRunning = true
	s.nextRun = time.Now().Add(s.interval)
	s.mu.Unlock()

	s.loops.Add(1)
	go s.loop(loopCtx, runCtx)
	s.log.Info("scheduler started",
		logger.String("job_id", JobID),
		logger.Duration("interval", s.interval),
		logger.Bool("run_on_start", s.runOnStart))
}

// Stop cancels the job, including a run in flight, and waits for every
// loop to exit. It is idempotent.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.mu.Lock()

	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.stopLoop()
	s.cancelRuns()
	s.isRunning = false
	s.stopLoop = nil
	s.cancelRuns = nil
	s.nextRun = time.Time{}
	s.mu.Unlock()

	s.loops.Wait()
	s.log.Info("scheduler stopped", logger.String("job_id", JobID))
}

// IsRunning reports whether the recurring job is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// RunNow invokes the runner synchronously and returns its error. The
// running state is unchanged.
func (s *Scheduler) RunNow(ctx context.Context) error {
	err := s.runner.Run(ctx)
	s.record(time.Now(), err)
	return err
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		JobID:    JobID,
		Running:  s.isRunning,
		Interval: s.interval,
		LastRun:  s.lastRun,
		NextRun:  s.nextRun,
		Runs:     s.runs,
		Skipped:  s.skipped,
		Failures: s.failures,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// loop ticks until loopCtx is done. Runs derive from runCtx so replacing
// the loop does not cancel them.
func (s *Scheduler) loop(loopCtx, runCtx context.Context) {
	defer s.loops.Done()

	if s.runOnStart {
		s.tick(loopCtx, runCtx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			s.tick(loopCtx, runCtx)
		}
	}
}

// tick runs once and swallows the error after logging it.
func (s *Scheduler) tick(loopCtx, ctx context.Context) {
	if loopCtx.Err() != nil {
		return
	}

	runCtx := ctx
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	start := time.Now()
	err := s.runner.Run(runCtx)

	switch {
	case err == nil:
		s.log.Info("scheduled analysis completed",
			logger.String("job_id", JobID),
			logger.Duration("duration", time.Since(start)))
	case errors.Is(err, pipeline.ErrRunInProgress):
		s.log.Info("scheduled analysis skipped, another run is in progress",
			logger.String("job_id", JobID))
	case ctx.Err() != nil:
		s.log.Debug("scheduled analysis cancelled", logger.String("job_id", JobID))
	default:
		s.log.Error("scheduled analysis failed",
			logger.String("job_id", JobID),
			logger.Duration("duration", time.Since(start)),
			logger.Error(err))
	}

	s.record(start, err)
	s.mu.Lock()
	if s.isRunning && loopCtx.Err() == nil {
		s.nextRun = time.Now().Add(s.interval)
	}
	s.mu.Unlock()
}

func (s *Scheduler) record(at time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case err == nil:
		s.runs++
	case errors.Is(err, pipeline.ErrRunInProgress):
		s.skipped++
		return
	default:
		s.failures++
	}
	s.lastRun = at
	s.lastErr = err
}
