package events

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/trafficsat/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockConsumer struct {
	name     string
	fail     bool
	panics   bool
	delay    time.Duration
	count    atomic.Int32
	mu       sync.Mutex
	received []RunEvent
}

func (m *mockConsumer) Name() string { return m.name }

func (m *mockConsumer) ProcessEvent(event RunEvent) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	m.received = append(m.received, event)
	m.mu.Unlock()
	m.count.Add(1)

	if m.panics {
		panic("boom")
	}
	if m.fail {
		return fmt.Errorf("mock error")
	}
	return nil
}

func (m *mockConsumer) events() []RunEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RunEvent(nil), m.received...)
}

func newTestBus(t *testing.T, cfg *Config) *Bus {
	t.Helper()
	bus := NewBus(cfg, logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC))
	t.Cleanup(func() { _ = bus.Shutdown(time.Second) })
	return bus
}

func TestPublishWithoutConsumersIsDropped(t *testing.T) {
	bus := newTestBus(t, nil)
	assert.False(t, bus.TryPublish(RunEvent{Kind: KindRunCompleted}))
}

func TestDeliversInOrderToAllConsumers(t *testing.T) {
	bus := newTestBus(t, nil)
	a := &mockConsumer{name: "a"}
	b := &mockConsumer{name: "b"}
	require.NoError(t, bus.RegisterConsumer(a))
	require.NoError(t, bus.RegisterConsumer(b))

	for i := range 5 {
		require.True(t, bus.TryPublish(RunEvent{Kind: KindRunCompleted, VehicleCount: i}))
	}

	require.Eventually(t, func() bool {
		return a.count.Load() == 5 && b.count.Load() == 5
	}, time.Second, 10*time.Millisecond)

	for i, e := range a.events() {
		assert.Equal(t, i, e.VehicleCount)
		assert.False(t, e.Timestamp.IsZero())
	}
	assert.Equal(t, uint64(10), bus.Stats().EventsProcessed)
}

func TestDuplicateConsumerRejected(t *testing.T) {
	bus := newTestBus(t, nil)
	require.NoError(t, bus.RegisterConsumer(&mockConsumer{name: "x"}))
	require.Error(t, bus.RegisterConsumer(&mockConsumer{name: "x"}))
	require.Error(t, bus.RegisterConsumer(nil))
}

func TestConsumerFailuresAreIsolated(t *testing.T) {
	bus := newTestBus(t, nil)
	failing := &mockConsumer{name: "failing", fail: true}
	panicking := &mockConsumer{name: "panicking", panics: true}
	healthy := &mockConsumer{name: "healthy"}
	for _, c := range []Consumer{failing, panicking, healthy} {
		require.NoError(t, bus.RegisterConsumer(c))
	}

	require.True(t, bus.TryPublish(RunEvent{Kind: KindRunFailed, Error: "fetch failed"}))

	require.Eventually(t, func() bool { return healthy.count.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(2), bus.Stats().ConsumerErrors)
	assert.True(t, healthy.events()[0].Failed())
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	bus := newTestBus(t, &Config{BufferSize: 1, Workers: 1})
	slow := &mockConsumer{name: "slow", delay: 100 * time.Millisecond}
	require.NoError(t, bus.RegisterConsumer(slow))

	accepted := 0
	for range 10 {
		if bus.TryPublish(RunEvent{Kind: KindRunCompleted}) {
			accepted++
		}
	}
	assert.Less(t, accepted, 10)
	assert.Positive(t, bus.Stats().EventsDropped)
}

func TestShutdownDrainsQueue(t *testing.T) {
	bus := NewBus(&Config{BufferSize: 10, Workers: 1}, logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC))
	c := &mockConsumer{name: "c", delay: 5 * time.Millisecond}
	require.NoError(t, bus.RegisterConsumer(c))

	for range 5 {
		require.True(t, bus.TryPublish(RunEvent{Kind: KindRunCompleted}))
	}
	require.NoError(t, bus.Shutdown(2*time.Second))
	assert.Equal(t, int32(5), c.count.Load())

	assert.False(t, bus.TryPublish(RunEvent{Kind: KindRunCompleted}))
	require.Error(t, bus.RegisterConsumer(&mockConsumer{name: "late"}))
	require.NoError(t, bus.Shutdown(time.Second))
}

func TestConsumerFunc(t *testing.T) {
	var got Kind
	c := ConsumerFunc{ID: "fn", Fn: func(e RunEvent) error { got = e.Kind; return nil }}
	assert.Equal(t, "fn", c.Name())
	require.NoError(t, c.ProcessEvent(RunEvent{Kind: KindRunFailed}))
	assert.Equal(t, KindRunFailed, got)
}
