package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contains Prometheus metrics for analysis runs.
type PipelineMetrics struct {
	RunsTotal        *prometheus.CounterVec   // runs by mode and status
	RunDuration      *prometheus.HistogramVec // run duration by mode
	VehiclesDetected *prometheus.CounterVec   // vehicles by mode
	LastDensityScore *prometheus.GaugeVec     // last score by mode
	LastSuccessTime  prometheus.Gauge         // unix time of the last completed run
	ErrorsTotal      *prometheus.CounterVec   // errors by stage and category
	GateRejections   prometheus.Counter       // runs refused while another was in flight
	registry         *prometheus.Registry
}

// NewPipelineMetrics creates and registers pipeline metrics.
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficsat_pipeline_runs_total",
		Help: "Total number of analysis runs by mode and outcome",
	}, []string{"mode", "status"})

	m.RunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trafficsat_pipeline_run_duration_seconds",
		Help:    "Duration of analysis runs",
		Buckets: prometheus.ExponentialBuckets(BucketStart100ms, BucketFactor2, BucketCount12),
	}, []string{"mode"})

	m.VehiclesDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficsat_vehicles_detected_total",
		Help: "Total number of vehicles detected",
	}, []string{"mode"})

	m.LastDensityScore = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trafficsat_last_density_score",
		Help: "Highest density score of the last completed run",
	}, []string{"mode"})

	m.LastSuccessTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trafficsat_pipeline_last_success_timestamp_seconds",
		Help: "Unix time of the last completed run",
	})

	m.ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficsat_pipeline_errors_total",
		Help: "Run failures by stage and error category",
	}, []string{"stage", "category"})

	m.GateRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trafficsat_pipeline_gate_rejections_total",
		Help: "Runs refused because another run was in flight",
	})
}

// RecordRun records one finished run.
func (m *PipelineMetrics) RecordRun(mode, status string, d time.Duration) {
	m.RunsTotal.WithLabelValues(mode, status).Inc()
	m.RunDuration.WithLabelValues(mode).Observe(d.Seconds())
	if status == StatusSuccess {
		m.LastSuccessTime.SetToCurrentTime()
	}
}

// AddVehicles adds detected vehicles for mode.
func (m *PipelineMetrics) AddVehicles(mode string, n int) {
	if n > 0 {
		m.VehiclesDetected.WithLabelValues(mode).Add(float64(n))
	}
}

// SetLastScore sets the last density score for mode.
func (m *PipelineMetrics) SetLastScore(mode string, score int) {
	m.LastDensityScore.WithLabelValues(mode).Set(float64(score))
}

// RecordError counts a failure at stage with the given error category.
func (m *PipelineMetrics) RecordError(stage, category string) {
	m.ErrorsTotal.WithLabelValues(stage, category).Inc()
}

// RecordGateRejection counts a run refused by the single run gate.
func (m *PipelineMetrics) RecordGateRejection() {
	m.GateRejections.Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.RunsTotal.Collect(ch)
	m.RunDuration.Collect(ch)
	m.VehiclesDetected.Collect(ch)
	m.LastDensityScore.Collect(ch)
	m.LastSuccessTime.Collect(ch)
	m.ErrorsTotal.Collect(ch)
	m.GateRejections.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.RunsTotal.Describe(ch)
	m.RunDuration.Describe(ch)
	m.VehiclesDetected.Describe(ch)
	m.LastDensityScore.Describe(ch)
	m.LastSuccessTime.Describe(ch)
	m.ErrorsTotal.Describe(ch)
	m.GateRejections.Describe(ch)
}
