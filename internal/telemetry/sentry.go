// Package telemetry wires categorized errors to Sentry. Reporting is opt-in
// and every event is scrubbed of hosts, credentials and user data before it
// leaves the process.
package telemetry

import (
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/trafficsat/internal/buildinfo"
	"github.com/tphakala/trafficsat/internal/conf"
	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/logger"
	"github.com/tphakala/trafficsat/internal/privacy"
)

// DefaultFlushTimeout bounds the flush on shutdown.
const DefaultFlushTimeout = 2 * time.Second

var (
	initMu      sync.Mutex
	initialized bool
)

// Option adjusts the sentry client options.
type Option func(*sentry.ClientOptions)

// WithTransport replaces the HTTP transport, used by tests.
func WithTransport(t sentry.Transport) Option {
	return func(o *sentry.ClientOptions) { o.Transport = t }
}

// Init initializes Sentry and installs the errors package reporter. It is a
// no-op returning nil when telemetry is disabled.
func Init(settings *conf.SentrySettings, log logger.Logger, opts ...Option) error {
	if log == nil {
		log = logger.Global().Module("telemetry")
	}
	if settings == nil || !settings.Enabled {
		log.Debug("sentry telemetry disabled")
		return nil
	}
	if settings.DSN == "" {
		return errors.Newf("sentry enabled without a DSN").
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	sampleRate := settings.SampleRate
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1.0
	}
	environment := settings.Environment
	if environment == "" {
		environment = "production"
	}

	options := sentry.ClientOptions{
		Dsn:              settings.DSN,
		SampleRate:       sampleRate,
		Environment:      environment,
		Release:          buildinfo.Release(),
		AttachStacktrace: false,
		ServerName:       "", // keep the hostname out of events
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	}
	for _, opt := range opts {
		opt(&options)
	}

	initMu.Lock()
	defer initMu.Unlock()

	if err := sentry.Init(options); err != nil {
		return errors.New(err).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Context("operation", "sentry_init").
			Build()
	}
	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	initialized = true

	log.Info("sentry telemetry enabled",
		logger.String("environment", environment),
		logger.Float64("sample_rate", sampleRate),
		logger.String("release", options.Release))
	return nil
}

// Flush waits for buffered events and detaches the reporter.
func Flush(timeout time.Duration) {
	initMu.Lock()
	defer initMu.Unlock()

	if !initialized {
		return
	}
	if timeout <= 0 {
		timeout = DefaultFlushTimeout
	}
	sentry.Flush(timeout)
	errors.SetTelemetryReporter(nil)
	initialized = false
}

// applyPrivacyFilters drops user and host data and scrubs free text.
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	if event == nil {
		return nil
	}
	event.User = sentry.User{}
	event.ServerName = ""
	event.Request = nil

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
	}
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}

	event.Message = privacy.ScrubMessage(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = privacy.ScrubMessage(event.Exception[i].Value)
	}
	for i := range event.Breadcrumbs {
		event.Breadcrumbs[i].Message = privacy.ScrubMessage(event.Breadcrumbs[i].Message)
	}
	return event
}
