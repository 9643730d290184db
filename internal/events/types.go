// Package events provides an asynchronous bus that fans pipeline run
// events out to consumers such as the API cache, MQTT and notifications,
// without blocking the run that produced them.
package events

import (
	"time"

	"github.com/tphakala/trafficsat/internal/geo"
)

// Kind identifies a run event.
type Kind string

const (
	KindRunCompleted Kind = "run_completed"
	KindRunFailed    Kind = "run_failed"
)

// Sample is one persisted density value.
type Sample struct {
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	DensityScore int       `json:"density_score"`
	VehicleCount int       `json:"vehicle_count"`
	AnalyzedAt   time.Time `json:"analyzed_at"`
	ImageID      string    `json:"satellite_image_id,omitempty"`
}

// RunEvent describes the end of one analysis run.
type RunEvent struct {
	Kind         Kind          `json:"kind"`
	Mode         string        `json:"mode"`
	ImageID      string        `json:"image_id,omitempty"`
	BBox         geo.BBox      `json:"bbox"`
	CaptureTime  time.Time     `json:"capture_time,omitzero"`
	VehicleCount int           `json:"vehicle_count"`
	DensityScore int           `json:"density_score"`
	Samples      []Sample      `json:"samples,omitempty"`
	Stage        string        `json:"stage,omitempty"`          // failed stage
	Error        string        `json:"error,omitempty"`          // failure message
	Category     string        `json:"error_category,omitempty"` // failure category
	Duration     time.Duration `json:"duration_ns"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Failed reports whether the event is a failure.
func (e *RunEvent) Failed() bool { return e.Kind == KindRunFailed }

// Consumer processes run events.
type Consumer interface {
	// Name identifies the consumer in logs and must be unique per bus
	Name() string
	ProcessEvent(event RunEvent) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc struct {
	ID string
	Fn func(RunEvent) error
}

func (c ConsumerFunc) Name() string                      { return c.ID }
func (c ConsumerFunc) ProcessEvent(event RunEvent) error { return c.Fn(event) }

// BusStats contains runtime statistics.
type BusStats struct {
	EventsReceived  uint64 `json:"events_received"`
	EventsProcessed uint64 `json:"events_processed"`
	EventsDropped   uint64 `json:"events_dropped"`
	ConsumerErrors  uint64 `json:"consumer_errors"`
}
