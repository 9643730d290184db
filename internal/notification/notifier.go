// Package notification delivers failed analysis run alerts through shoutrrr
// service URLs such as Slack, Telegram, SMTP or generic webhooks.
package notification

import (
	"context"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"golang.org/x/time/rate"

	"github.com/tphakala/trafficsat/internal/conf"
	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/events"
	"github.com/tphakala/trafficsat/internal/logger"
	"github.com/tphakala/trafficsat/internal/observability/metrics"
	"github.com/tphakala/trafficsat/internal/privacy"
)

const (
	// DefaultTimeout bounds one delivery to all configured services.
	DefaultTimeout = 10 * time.Second
	// DefaultTitle is the message title for failed runs.
	DefaultTitle = "trafficsat analysis failed"

	serviceName = "shoutrrr"

	// one alert per minute on average, bursting to five
	defaultRateInterval = time.Minute
	defaultRateBurst    = 5
)

// Sender delivers a message to every configured service. It is satisfied by
// shoutrrr's router.ServiceRouter.
type Sender interface {
	Send(message string, params *stypes.Params) []error
}

// Notifier sends an alert for every failed run. It implements events.Consumer.
type Notifier struct {
	sender     Sender
	breaker    *CircuitBreaker
	breakerCfg CircuitBreakerConfig
	limiter    *rate.Limiter
	metrics    *metrics.NotificationMetrics
	log        logger.Logger
	title      string
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithMetrics records delivery metrics.
func WithMetrics(m *metrics.NotificationMetrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.log = l
		}
	}
}

// WithRateLimit overrides the delivery rate limit.
func WithRateLimit(every time.Duration, burst int) Option {
	return func(n *Notifier) { n.limiter = rate.NewLimiter(rate.Every(every), burst) }
}

// WithCircuitBreaker overrides the breaker configuration.
func WithCircuitBreaker(cfg CircuitBreakerConfig) Option {
	return func(n *Notifier) { n.breakerCfg = cfg }
}

// WithTitle overrides the message title.
func WithTitle(title string) Option {
	return func(n *Notifier) { n.title = title }
}

// New builds a Notifier from the notification settings.
func New(settings *conf.NotificationSettings, opts ...Option) (*Notifier, error) {
	if settings == nil || len(settings.URLs) == 0 {
		return nil, errors.Newf("at least one notification URL is required").
			Component("notification").
			Category(errors.CategoryConfiguration).
			Build()
	}

	sender, err := shoutrrr.CreateSender(slices.Clone(settings.URLs)...)
	if err != nil {
		// service URLs carry tokens
		return nil, errors.New(privacy.WrapError(err)).
			Component("notification").
			Category(errors.CategoryConfiguration).
			Context("operation", "create_sender").
			Context("url_count", len(settings.URLs)).
			Build()
	}

	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	sender.Timeout = timeout
	sender.SetLogger(log.New(io.Discard, "", 0))

	return NewWithSender(sender, opts...), nil
}

// NewWithSender builds a Notifier around an existing sender.
func NewWithSender(sender Sender, opts ...Option) *Notifier {
	n := &Notifier{
		sender:     sender,
		limiter:    rate.NewLimiter(rate.Every(defaultRateInterval), defaultRateBurst),
		log:        logger.Global().Module("notification"),
		title:      DefaultTitle,
		breakerCfg: DefaultCircuitBreakerConfig(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.breaker = NewCircuitBreaker(n.breakerCfg, n.log)
	return n
}

// Name implements events.Consumer.
func (n *Notifier) Name() string { return "notification" }

// ProcessEvent sends an alert for failed runs and ignores everything else.
func (n *Notifier) ProcessEvent(event events.RunEvent) error {
	if !event.Failed() {
		return nil
	}
	if !n.limiter.Allow() {
		n.log.Warn("notification rate limit reached, dropping alert",
			logger.String("mode", event.Mode),
			logger.String("stage", event.Stage))
		return nil
	}
	return n.Send(context.Background(), n.title, FormatFailure(&event))
}

// Send delivers one message through the circuit breaker.
func (n *Notifier) Send(ctx context.Context, title, message string) error {
	start := time.Now()
	err := n.breaker.Call(ctx, func(context.Context) error {
		params := stypes.Params{}
		if title != "" {
			params.SetTitle(title)
		}
		return firstError(n.sender.Send(message, &params))
	})
	elapsed := time.Since(start)
	if n.metrics != nil {
		n.metrics.RecordDelivery(serviceName, err, elapsed)
	}
	if err == nil {
		n.log.Debug("notification delivered", logger.Duration("duration", elapsed))
		return nil
	}

	return errors.New(privacy.WrapError(err)).
		Component("notification").
		Category(errors.CategoryNotification).
		Priority(errors.PriorityLow).
		Context("breaker_state", n.breaker.State().String()).
		Build()
}

// Breaker exposes the circuit breaker state.
func (n *Notifier) Breaker() *CircuitBreaker { return n.breaker }

// FormatFailure renders the alert body for a failed run.
func FormatFailure(e *events.RunEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Traffic analysis run failed (%s)\n", e.Mode)
	if e.Stage != "" {
		fmt.Fprintf(&b, "Stage: %s\n", e.Stage)
	}
	if e.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", e.Category)
	}
	if e.ImageID != "" {
		fmt.Fprintf(&b, "Image: %s\n", e.ImageID)
	}
	fmt.Fprintf(&b, "Area: %s\n", e.BBox.JSON())
	if e.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", privacy.ScrubMessage(e.Error))
	}
	fmt.Fprintf(&b, "Time: %s", e.Timestamp.UTC().Format(time.RFC3339))
	return b.String()
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
