// Package observability provides Prometheus metrics for trafficsat.
// Sentry error telemetry is handled in the telemetry package.
package observability

import (
	"fmt"
	stdlog "log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/trafficsat/internal/logger"
	"github.com/tphakala/trafficsat/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry     *prometheus.Registry
	Pipeline     *metrics.PipelineMetrics
	JobQueue     *metrics.JobQueueMetrics
	HTTP         *metrics.HTTPMetrics
	Datastore    *metrics.DatastoreMetrics
	MQTT         *metrics.MQTTMetrics
	Notification *metrics.NotificationMetrics
}

// NewMetrics creates a private registry with process and Go runtime
// collectors and every component's metrics.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register Go collector: %w", err)
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("failed to register process collector: %w", err)
	}

	pipelineMetrics, err := metrics.NewPipelineMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline metrics: %w", err)
	}

	jobQueueMetrics, err := metrics.NewJobQueueMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create job queue metrics: %w", err)
	}

	httpMetrics, err := metrics.NewHTTPMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}

	datastoreMetrics, err := metrics.NewDatastoreMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create datastore metrics: %w", err)
	}

	mqttMetrics, err := metrics.NewMQTTMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT metrics: %w", err)
	}

	notificationMetrics, err := metrics.NewNotificationMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification metrics: %w", err)
	}

	return &Metrics{
		registry:     registry,
		Pipeline:     pipelineMetrics,
		JobQueue:     jobQueueMetrics,
		HTTP:         httpMetrics,
		Datastore:    datastoreMetrics,
		MQTT:         mqttMetrics,
		Notification: notificationMetrics,
	}, nil
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	log := logger.Global().Module("observability")
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      stdlog.New(&logWriter{log: log}, "", 0),
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// logWriter adapts a Logger to the io.Writer promhttp expects
type logWriter struct{ log logger.Logger }

func (w *logWriter) Write(p []byte) (int, error) {
	w.log.Warn("metrics handler error", logger.String("detail", string(p)))
	return len(p), nil
}
