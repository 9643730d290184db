package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// NotificationMetrics contains Prometheus metrics for outgoing notifications.
type NotificationMetrics struct {
	DeliveriesTotal  *prometheus.CounterVec   // deliveries by service and status
	DeliveryDuration *prometheus.HistogramVec // latency by service

	registry *prometheus.Registry
}

// NewNotificationMetrics creates and registers notification metrics.
func NewNotificationMetrics(registry *prometheus.Registry) (*NotificationMetrics, error) {
	m := &NotificationMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register notification metrics: %w", err)
	}
	return m, nil
}

func (m *NotificationMetrics) initMetrics() {
	m.DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_deliveries_total",
		Help: "Notification deliveries by service and status",
	}, []string{"service", "status"})

	m.DeliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "notification_delivery_duration_seconds",
		Help:    "Notification delivery latency",
		Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount15),
	}, []string{"service"})
}

// RecordDelivery records one delivery attempt to service.
func (m *NotificationMetrics) RecordDelivery(service string, err error, d time.Duration) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.DeliveriesTotal.WithLabelValues(service, status).Inc()
	m.DeliveryDuration.WithLabelValues(service).Observe(d.Seconds())
}

// Collect implements the prometheus.Collector interface.
func (m *NotificationMetrics) Collect(ch chan<- prometheus.Metric) {
	m.DeliveriesTotal.Collect(ch)
	m.DeliveryDuration.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *NotificationMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.DeliveriesTotal.Describe(ch)
	m.DeliveryDuration.Describe(ch)
}
