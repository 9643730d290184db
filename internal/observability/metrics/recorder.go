// Package metrics provides custom Prometheus metrics for trafficsat components.
package metrics

// Recorder defines a minimal interface for recording metrics, so components
// depend on an abstraction rather than concrete metric implementations.
type Recorder interface {
	// RecordOperation records an operation outcome, e.g. ("db_insert", "success").
	RecordOperation(operation, status string)

	// RecordDuration records the duration of an operation in seconds.
	RecordDuration(operation string, seconds float64)

	// RecordError records an error occurrence with its type.
	RecordError(operation, errorType string)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) RecordOperation(string, string) {}
func (NoopRecorder) RecordDuration(string, float64) {}
func (NoopRecorder) RecordError(string, string)     {}
