package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/events"
	"github.com/tphakala/trafficsat/internal/geo"
	"github.com/tphakala/trafficsat/internal/logger"
)

// Topic suffixes under the configured base topic
const (
	DensitySubtopic = "density"
	RunsSubtopic    = "runs"
)

// RunMessage is the payload published to <topic>/runs.
type RunMessage struct {
	Status       string    `json:"status"` // completed or failed
	Mode         string    `json:"mode"`
	ImageID      string    `json:"image_id,omitempty"`
	BBox         geo.BBox  `json:"bbox"`
	VehicleCount int       `json:"vehicle_count"`
	DensityScore int       `json:"density_score"`
	Samples      int       `json:"samples"`
	Stage        string    `json:"stage,omitempty"`
	Error        string    `json:"error,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher forwards run events to MQTT. It implements events.Consumer.
type Publisher struct {
	client  Client
	topic   string
	timeout time.Duration
	log     logger.Logger
}

// NewPublisher publishes under baseTopic using client.
func NewPublisher(client Client, baseTopic string, log logger.Logger) *Publisher {
	if log == nil {
		log = logger.Global().Module("mqtt")
	}
	baseTopic = strings.TrimRight(baseTopic, "/")
	if baseTopic == "" {
		baseTopic = DefaultConfig().Topic
	}
	return &Publisher{
		client:  client,
		topic:   baseTopic,
		timeout: DefaultConfig().PublishTimeout,
		log:     log,
	}
}

// Name implements events.Consumer.
func (p *Publisher) Name() string { return "mqtt" }

// ProcessEvent publishes every density sample and then the run summary.
// Events are dropped with a debug log while the broker is unreachable.
func (p *Publisher) ProcessEvent(event events.RunEvent) error {
	if !p.client.IsConnected() {
		p.log.Debug("skipping MQTT publish, client not connected",
			logger.String("kind", string(event.Kind)))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var errs []error
	for _, s := range event.Samples {
		payload, err := json.Marshal(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := p.client.Publish(ctx, p.topic+"/"+DensitySubtopic, payload); err != nil {
			errs = append(errs, err)
		}
	}

	msg := RunMessage{
		Status:       "completed",
		Mode:         event.Mode,
		ImageID:      event.ImageID,
		BBox:         event.BBox,
		VehicleCount: event.VehicleCount,
		DensityScore: event.DensityScore,
		Samples:      len(event.Samples),
		DurationMs:   event.Duration.Milliseconds(),
		Timestamp:    event.Timestamp,
	}
	if event.Failed() {
		msg.Status = "failed"
		msg.Stage = event.Stage
		msg.Error = event.Error
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		errs = append(errs, err)
	} else if err := p.client.Publish(ctx, p.topic+"/"+RunsSubtopic, payload); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
