// Package api provides the HTTP server of trafficsat. The JSON endpoints
// live in the v2 subpackage.
package api

import (
	"fmt"
	"time"

	"github.com/tphakala/trafficsat/internal/conf"
	"github.com/tphakala/trafficsat/internal/errors"
)

// Default constants for the HTTP server.
const (
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultBodyLimit       = "1M"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host string // empty binds all interfaces
	Port string

	AllowedOrigins []string // CORS allowed origins

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	BodyLimit string // e.g. "1M"

	Debug       bool
	TokenSecret string // protects POST analyze/* when set
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:            "8080",
		AllowedOrigins:  []string{"*"},
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		BodyLimit:       DefaultBodyLimit,
	}
}

// ConfigFromSettings creates a Config from the application settings.
func ConfigFromSettings(settings *conf.Settings) *Config {
	cfg := DefaultConfig()
	if settings.WebServer.Port != "" {
		cfg.Port = settings.WebServer.Port
	}
	cfg.Debug = settings.WebServer.Debug || settings.Debug
	cfg.TokenSecret = settings.WebServer.TokenSecret
	return cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var problem string
	switch {
	case c.Port == "":
		problem = "port is required"
	case c.ReadTimeout <= 0:
		problem = "read timeout must be positive"
	case c.WriteTimeout <= 0:
		problem = "write timeout must be positive"
	}
	if problem == "" {
		return nil
	}
	return errors.Newf("invalid server configuration: %s", problem).
		Component("api").
		Category(errors.CategoryConfiguration).
		Build()
}

// Address returns the full address string for the server to listen on.
func (c *Config) Address() string {
	if c.Host == "" {
		return ":" + c.Port
	}
	return c.Host + ":" + c.Port
}

// String returns a human-readable representation of the config.
func (c *Config) String() string {
	return fmt.Sprintf("Server Config: address=%s, auth=%v, debug=%v",
		c.Address(), c.TokenSecret != "", c.Debug)
}
