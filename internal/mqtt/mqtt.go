// Package mqtt publishes traffic density results to an MQTT broker.
package mqtt

import (
	"context"
	"time"
)

// Client defines the MQTT operations used by the publisher.
type Client interface {
	// Connect attempts to connect to the broker.
	Connect(ctx context.Context) error
	// Publish sends payload to topic.
	Publish(ctx context.Context, topic string, payload []byte) error
	IsConnected() bool
	Disconnect()
}

// Config holds the configuration for the MQTT client.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string // base topic, results go to <Topic>/density and <Topic>/runs
	Retain   bool

	ReconnectCooldown time.Duration
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
}

// DefaultConfig returns a Config with reasonable default values.
func DefaultConfig() Config {
	return Config{
		ClientID:          "trafficsat",
		Topic:             "trafficsat",
		ReconnectCooldown: 5 * time.Second,
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
	}
}
