package notification

import (
	"context"
	"sync"
	"time"

	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/logger"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed means deliveries flow normally.
	StateClosed CircuitState = iota
	// StateHalfOpen means a probe delivery is allowed to test recovery.
	StateHalfOpen
	// StateOpen means deliveries are rejected until the timeout elapses.
	StateOpen
)

// String returns the string representation of CircuitState.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker rejects deliveries.
var ErrCircuitOpen = errors.NewStd("notification circuit breaker is open")

// CircuitBreakerConfig holds configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening.
	MaxFailures int
	// Timeout is how long the breaker stays open before a probe.
	Timeout time.Duration
}

// DefaultCircuitBreakerConfig returns default circuit breaker configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
	}
}

// CircuitBreaker stops hammering a notification service that keeps failing.
type CircuitBreaker struct {
	config          CircuitBreakerConfig
	state           CircuitState
	failures        int
	lastStateChange time.Time
	probing         bool
	mu              sync.Mutex
	log             logger.Logger
	now             func() time.Time
}

// NewCircuitBreaker creates a closed breaker. Non-positive config values
// fall back to the defaults.
func NewCircuitBreaker(config CircuitBreakerConfig, log logger.Logger) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if config.MaxFailures < 1 {
		config.MaxFailures = def.MaxFailures
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if log == nil {
		log = logger.Global().Module("notification")
	}
	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
		log:             log,
		now:             time.Now,
	}
}

// Call executes fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) < cb.config.Timeout {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.probing = true
		return nil
	default:
		// half-open allows a single probe at a time
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	}
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false

	if err == nil {
		cb.failures = 0
		cb.setState(StateClosed)
		return
	}

	// Our own cancellation says nothing about the service
	if errors.Is(err, context.Canceled) {
		return
	}

	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.config.MaxFailures {
		cb.setState(StateOpen)
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(s CircuitState) {
	if cb.state == s {
		return
	}
	old := cb.state
	cb.state = s
	cb.lastStateChange = cb.now()

	cb.log.Info("notification circuit breaker state changed",
		logger.String("old_state", old.String()),
		logger.String("new_state", s.String()),
		logger.Int("consecutive_failures", cb.failures))
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the number of consecutive failures.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
