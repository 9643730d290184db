// Package app is the composition root shared by the serve and analyze
// commands. It builds the store, image source, detector and orchestrator
// once and injects them where they are used.
package app

import (
	"context"
	"time"

	"github.com/tphakala/trafficsat/internal/buildinfo"
	"github.com/tphakala/trafficsat/internal/conf"
	"github.com/tphakala/trafficsat/internal/datastore"
	"github.com/tphakala/trafficsat/internal/detector"
	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/events"
	"github.com/tphakala/trafficsat/internal/httpclient"
	"github.com/tphakala/trafficsat/internal/imagesource"
	"github.com/tphakala/trafficsat/internal/logger"
	"github.com/tphakala/trafficsat/internal/observability"
	"github.com/tphakala/trafficsat/internal/pipeline"
)

// busShutdownTimeout bounds draining queued run events on Close.
const busShutdownTimeout = 5 * time.Second

// Components are the long-lived collaborators of one process.
type Components struct {
	Settings     *conf.Settings
	Metrics      *observability.Metrics
	Store        datastore.Interface
	HTTP         *httpclient.Client
	Source       imagesource.ImageSource
	SourceErr    error // set when the source could not be built, runs then fail fast
	Detector     *detector.HTTPDetector
	Bus          *events.Bus
	Orchestrator *pipeline.Orchestrator

	log logger.Logger
}

// Option adjusts the build.
type Option func(*buildOptions)

type buildOptions struct {
	source  imagesource.ImageSource
	metrics *observability.Metrics
	log     logger.Logger
}

// WithSource replaces the Sentinel Hub source, e.g. with a local file.
func WithSource(src imagesource.ImageSource) Option {
	return func(o *buildOptions) { o.source = src }
}

// WithMetrics reuses an existing metrics registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *buildOptions) { o.metrics = m }
}

// WithLogger sets the logger used for the composition root.
func WithLogger(l logger.Logger) Option {
	return func(o *buildOptions) { o.log = l }
}

// Build opens the store and wires the analysis pipeline. A missing Sentinel
// configuration does not fail the build: the orchestrator then runs in
// read-only mode and reports the configuration error on every run.
func Build(settings *conf.Settings, opts ...Option) (*Components, error) {
	o := buildOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Global().Module("app")
	}

	c := &Components{Settings: settings, Metrics: o.metrics, log: o.log}
	if c.Metrics == nil {
		m, err := observability.NewMetrics()
		if err != nil {
			return nil, errors.New(err).
				Component("app").
				Category(errors.CategoryConfiguration).
				Context("operation", "create-metrics").
				Build()
		}
		c.Metrics = m
	}

	store, err := datastore.New(settings, datastore.WithMetrics(c.Metrics.Datastore))
	if err != nil {
		return nil, err
	}
	if err := store.Open(); err != nil {
		return nil, err
	}
	c.Store = store

	c.HTTP = httpclient.New(&httpclient.Config{
		UserAgent: "trafficsat/" + buildinfo.Version,
	}).WithLogging(logger.Global().Module("httpclient"))

	if o.source != nil {
		c.Source = o.source
	} else {
		src, err := imagesource.NewSentinelHub(&settings.Sentinel, c.HTTP, logger.Global().Module("imagesource"))
		if err != nil {
			c.SourceErr = err
			o.log.Warn("image source unavailable, analysis runs will fail until it is configured",
				logger.Error(err))
		} else {
			c.Source = src
		}
	}

	det, err := detector.NewHTTPDetector(&settings.Detector, c.HTTP, logger.Global().Module("detector"))
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.Detector = det

	c.Bus = events.NewBus(events.DefaultConfig(), logger.Global().Module("events"))

	orch, err := pipeline.New(pipeline.Dependencies{
		Store:     c.Store,
		Source:    c.Source,
		SourceErr: c.SourceErr,
		Detector:  c.Detector,
		Logger:    logger.Global().Module("pipeline"),
		Metrics:   c.Metrics.Pipeline,
		Listeners: []pipeline.Listener{c.Bus},
	}, pipeline.WithConfig(pipeline.ConfigFromSettings(settings)))
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.Orchestrator = orch

	o.log.Info("pipeline ready",
		logger.Bool("read_only", orch.ReadOnly()),
		logger.String("detector", det.Endpoint()),
		logger.String("default_bbox", orch.Config().DefaultBBox.JSON()))
	return c, nil
}

// CheckDetector pings the inference server and logs the outcome. An
// unreachable detector is not fatal, runs fail with a detection error.
func (c *Components) CheckDetector(ctx context.Context) {
	if c.Detector == nil {
		return
	}
	if err := c.Detector.Ping(ctx); err != nil {
		c.log.Warn("detector is not reachable", logger.String("endpoint", c.Detector.Endpoint()), logger.Error(err))
		return
	}
	c.log.Info("detector reachable", logger.String("endpoint", c.Detector.Endpoint()))
}

// Close drains the event bus, closes the HTTP transport and the store.
func (c *Components) Close() error {
	var errs []error
	if c.Bus != nil {
		if err := c.Bus.Shutdown(busShutdownTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if c.HTTP != nil {
		c.HTTP.Close()
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
