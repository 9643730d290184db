package scheduler

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/logger"
	"github.com/tphakala/trafficsat/internal/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

type countingRunner struct {
	calls atomic.Int32
	err   atomic.Value // error
}

func (r *countingRunner) Run(ctx context.Context) error {
	r.calls.Add(1)
	if v := r.err.Load(); v != nil {
		if err, ok := v.(error); ok {
			return err
		}
	}
	return nil
}

func TestNewDefaults(t *testing.T) {
	s := New(&countingRunner{}, WithLogger(testLogger()))
	assert.False(t, s.IsRunning())
	st := s.Status()
	assert.Equal(t, JobID, st.JobID)
	assert.Equal(t, DefaultInterval, st.Interval)
	assert.True(t, st.NextRun.IsZero())

	s = New(&countingRunner{}, WithInterval(-time.Second))
	assert.Equal(t, DefaultInterval, s.Status().Interval)
}

func TestStartTicksAndStop(t *testing.T) {
	r := &countingRunner{}
	s := New(r, WithInterval(10*time.Millisecond), WithLogger(testLogger()))

	s.Start()
	assert.True(t, s.IsRunning())
	assert.False(t, s.Status().NextRun.IsZero())

	require.Eventually(t, func() bool { return r.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.IsRunning())
	after := r.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, r.calls.Load(), "no ticks after Stop")

	// Idempotent
	s.Stop()
	assert.False(t, s.IsRunning())
}

func TestStartTwiceReplacesJob(t *testing.T) {
	r := &countingRunner{}
	s := New(r, WithInterval(time.Hour), WithRunOnStart(true), WithLogger(testLogger()))

	s.Start()
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	s.Start()
	require.Eventually(t, func() bool { return r.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.IsRunning())

	s.Stop()
	assert.Equal(t, int32(2), r.calls.Load())
}

func TestRunNowDoesNotChangeState(t *testing.T) {
	r := &countingRunner{}
	s := New(r, WithLogger(testLogger()))

	require.NoError(t, s.RunNow(t.Context()))
	assert.False(t, s.IsRunning())
	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, 1, s.Status().Runs)
	assert.False(t, s.Status().LastRun.IsZero())

	r.err.Store(fmt.Errorf("fetch failed"))
	err := s.RunNow(t.Context())
	require.Error(t, err)
	st := s.Status()
	assert.Equal(t, "fetch failed", st.LastError)
	assert.Equal(t, 1, st.Failures)
}

func TestTickErrorsAreSwallowed(t *testing.T) {
	r := &countingRunner{}
	r.err.Store(fmt.Errorf("detector down"))
	s := New(r, WithInterval(5*time.Millisecond), WithLogger(testLogger()))

	s.Start()
	require.Eventually(t, func() bool { return r.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.IsRunning(), "failures do not stop the job")
	s.Stop()

	st := s.Status()
	assert.GreaterOrEqual(t, st.Failures, 3)
	assert.Equal(t, "detector down", st.LastError)
}

func TestGateRejectionCountsAsSkip(t *testing.T) {
	r := &countingRunner{}
	r.err.Store(errors.New(pipeline.ErrRunInProgress).
		Component("pipeline").
		Category(errors.CategoryConflict).
		Build())
	s := New(r, WithInterval(5*time.Millisecond), WithLogger(testLogger()))

	s.Start()
	require.Eventually(t, func() bool { return r.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	st := s.Status()
	assert.GreaterOrEqual(t, st.Skipped, 2)
	assert.Zero(t, st.Failures)
	assert.Empty(t, st.LastError)
}

func TestRestartKeepsInFlightRun(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var calls, cancelled atomic.Int32
	s := New(RunnerFunc(func(ctx context.Context) error {
		if calls.Add(1) > 1 {
			return nil
		}
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			cancelled.Add(1)
		}
		return ctx.Err()
	}), WithInterval(time.Hour), WithRunOnStart(true), WithLogger(testLogger()))

	s.Start()
	<-started

	restarted := make(chan struct{})
	go func() {
		s.Start()
		close(restarted)
	}()
	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("Start waited for the in-flight run")
	}
	assert.True(t, s.IsRunning())

	close(release)
	require.Eventually(t, func() bool { return s.Status().Runs == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, cancelled.Load(), "replacing the job must not cancel the running analysis")

	s.Stop()
	assert.Zero(t, s.Status().Failures)
}

func TestStopCancelsInFlightRun(t *testing.T) {
	started := make(chan struct{})
	s := New(RunnerFunc(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}), WithInterval(time.Hour), WithRunOnStart(true), WithLogger(testLogger()))

	s.Start()
	<-started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestRunTimeoutBoundsTick(t *testing.T) {
	var sawDeadline atomic.Bool
	s := New(RunnerFunc(func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		sawDeadline.Store(ok)
		return nil
	}), WithInterval(time.Hour), WithRunOnStart(true), WithRunTimeout(time.Minute), WithLogger(testLogger()))

	s.Start()
	require.Eventually(t, func() bool { return s.Status().Runs == 1 }, time.Second, 5*time.Millisecond)
	s.Stop()
	assert.True(t, sawDeadline.Load())
}
