package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// JobQueueMetrics contains Prometheus metrics for the trigger job queue.
type JobQueueMetrics struct {
	JobsEnqueued prometheus.Counter
	JobsFinished *prometheus.CounterVec // by final status
	JobRetries   prometheus.Counter
	JobLatency   prometheus.Histogram // enqueue to final status
	PendingJobs  prometheus.Gauge
	registry     *prometheus.Registry
}

// NewJobQueueMetrics creates and registers job queue metrics.
func NewJobQueueMetrics(registry *prometheus.Registry) (*JobQueueMetrics, error) {
	m := &JobQueueMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register job queue metrics: %w", err)
	}
	return m, nil
}

func (m *JobQueueMetrics) initMetrics() {
	m.JobsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trafficsat_jobqueue_enqueued_total",
		Help: "Total number of jobs enqueued",
	})
	m.JobsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficsat_jobqueue_finished_total",
		Help: "Total number of jobs that reached a final status",
	}, []string{"status"})
	m.JobRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trafficsat_jobqueue_retries_total",
		Help: "Total number of job retry attempts",
	})
	m.JobLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "trafficsat_jobqueue_job_latency_seconds",
		Help:    "Time from enqueue to final status",
		Buckets: prometheus.ExponentialBuckets(BucketStart1s, BucketFactor2, BucketCount12),
	})
	m.PendingJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trafficsat_jobqueue_pending_jobs",
		Help: "Jobs waiting, running or retrying",
	})
}

// JobEnqueued counts an enqueued job.
func (m *JobQueueMetrics) JobEnqueued() { m.JobsEnqueued.Inc() }

// JobRetried counts a retry attempt.
func (m *JobQueueMetrics) JobRetried() { m.JobRetries.Inc() }

// JobFinished records a job reaching status after d since enqueue.
func (m *JobQueueMetrics) JobFinished(status string, d time.Duration) {
	m.JobsFinished.WithLabelValues(status).Inc()
	m.JobLatency.Observe(d.Seconds())
}

// SetPending sets the number of unfinished jobs.
func (m *JobQueueMetrics) SetPending(n int) { m.PendingJobs.Set(float64(n)) }

// Collect implements the prometheus.Collector interface.
func (m *JobQueueMetrics) Collect(ch chan<- prometheus.Metric) {
	m.JobsEnqueued.Collect(ch)
	m.JobsFinished.Collect(ch)
	m.JobRetries.Collect(ch)
	m.JobLatency.Collect(ch)
	m.PendingJobs.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *JobQueueMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.JobsEnqueued.Describe(ch)
	m.JobsFinished.Describe(ch)
	m.JobRetries.Describe(ch)
	m.JobLatency.Describe(ch)
	m.PendingJobs.Describe(ch)
}
