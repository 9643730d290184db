package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/trafficsat/internal/logger"
)

// Config holds bus configuration.
type Config struct {
	BufferSize int
	Workers    int
}

// DefaultConfig returns the default configuration. A single worker keeps
// events in publish order for each consumer.
func DefaultConfig() *Config {
	return &Config{
		BufferSize: 256,
		Workers:    1,
	}
}

// Bus provides asynchronous event delivery with non-blocking publish.
type Bus struct {
	eventChan chan RunEvent
	workers   int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	closed  atomic.Bool
	mu      sync.Mutex

	consumers []Consumer
	stats     BusStats
	log       logger.Logger
}

// NewBus creates a bus. Workers start with the first registered consumer.
func NewBus(config *Config, log logger.Logger) *Bus {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if log == nil {
		log = logger.Global().Module("events")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		eventChan: make(chan RunEvent, config.BufferSize),
		workers:   config.Workers,
		ctx:       ctx,
		cancel:    cancel,
		log:       log,
	}
}

// RegisterConsumer adds a consumer. Names must be unique.
func (b *Bus) RegisterConsumer(consumer Consumer) error {
	if b == nil {
		return fmt.Errorf("event bus not initialized")
	}
	if consumer == nil {
		return fmt.Errorf("consumer is nil")
	}
	if b.closed.Load() {
		return fmt.Errorf("event bus is shut down")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.consumers {
		if existing.Name() == consumer.Name() {
			return fmt.Errorf("consumer %s already registered", consumer.Name())
		}
	}
	b.consumers = append(b.consumers, consumer)

	b.log.Info("registered event consumer", logger.String("consumer", consumer.Name()))

	if len(b.consumers) == 1 {
		b.start()
	}
	return nil
}

// TryPublish queues event without blocking. It returns false when the
// event was dropped because the bus is stopped, has no consumers or is full.
func (b *Bus) TryPublish(event RunEvent) bool {
	if b == nil || !b.running.Load() {
		return false
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventChan <- event:
		atomic.AddUint64(&b.stats.EventsReceived, 1)
		return true
	default:
		atomic.AddUint64(&b.stats.EventsDropped, 1)
		b.log.Debug("event dropped due to full buffer",
			logger.String("kind", string(event.Kind)),
			logger.String("image_id", event.ImageID))
		return false
	}
}

func (b *Bus) start() {
	if b.running.Swap(true) {
		return
	}
	b.log.Debug("starting event bus workers", logger.Int("count", b.workers))
	for i := range b.workers {
		b.wg.Add(1)
		go b.worker(i)
	}
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()
	log := b.log.With(logger.Int("worker_id", id))

	for {
		select {
		case <-b.ctx.Done():
			// Deliver what is already queued before exiting
			for {
				select {
				case event := <-b.eventChan:
					b.processEvent(event, log)
				default:
					return
				}
			}
		case event := <-b.eventChan:
			b.processEvent(event, log)
		}
	}
}

// processEvent sends the event to every consumer, isolating panics.
func (b *Bus) processEvent(event RunEvent, log logger.Logger) {
	b.mu.Lock()
	consumers := make([]Consumer, len(b.consumers))
	copy(consumers, b.consumers)
	b.mu.Unlock()

	for _, consumer := range consumers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					atomic.AddUint64(&b.stats.ConsumerErrors, 1)
					log.Error("consumer panicked",
						logger.String("consumer", consumer.Name()),
						logger.Any("panic", r),
						logger.String("kind", string(event.Kind)))
				}
			}()

			if err := consumer.ProcessEvent(event); err != nil {
				atomic.AddUint64(&b.stats.ConsumerErrors, 1)
				log.Warn("consumer error",
					logger.String("consumer", consumer.Name()),
					logger.String("kind", string(event.Kind)),
					logger.Error(err))
				return
			}
			atomic.AddUint64(&b.stats.EventsProcessed, 1)
		}()
	}
}

// Shutdown stops accepting events, drains the queue and waits for workers.
func (b *Bus) Shutdown(timeout time.Duration) error {
	if b == nil || b.closed.Swap(true) {
		return nil
	}

	b.running.Store(false)
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.log.Debug("event bus shutdown complete")
		return nil
	case <-time.After(timeout):
		b.log.Warn("event bus shutdown timeout exceeded", logger.Duration("timeout", timeout))
		return fmt.Errorf("event bus shutdown timeout exceeded")
	}
}

// Stats returns a snapshot of the counters.
func (b *Bus) Stats() BusStats {
	if b == nil {
		return BusStats{}
	}
	return BusStats{
		EventsReceived:  atomic.LoadUint64(&b.stats.EventsReceived),
		EventsProcessed: atomic.LoadUint64(&b.stats.EventsProcessed),
		EventsDropped:   atomic.LoadUint64(&b.stats.EventsDropped),
		ConsumerErrors:  atomic.LoadUint64(&b.stats.ConsumerErrors),
	}
}
