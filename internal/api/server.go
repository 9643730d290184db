package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/tphakala/trafficsat/internal/api/auth"
	mw "github.com/tphakala/trafficsat/internal/api/middleware"
	v2 "github.com/tphakala/trafficsat/internal/api/v2"
	"github.com/tphakala/trafficsat/internal/buildinfo"
	"github.com/tphakala/trafficsat/internal/conf"
	"github.com/tphakala/trafficsat/internal/datastore"
	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/logger"
	"github.com/tphakala/trafficsat/internal/observability"
)

// Server is the HTTP server of trafficsat.
// It owns the Echo instance, the middleware stack and all routes.
type Server struct {
	echo     *echo.Echo
	config   *Config
	settings *conf.Settings
	logger   logger.Logger

	dataStore datastore.Interface
	runner    v2.Runner
	jobs      v2.JobQueue
	metrics   *observability.Metrics
	tokens    *auth.TokenService

	apiController *v2.Controller

	mu        sync.Mutex
	listener  net.Listener
	startTime time.Time
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithDataStore sets the datastore for the server.
func WithDataStore(ds datastore.Interface) ServerOption {
	return func(s *Server) { s.dataStore = ds }
}

// WithRunner sets the analysis runner behind the trigger endpoints.
func WithRunner(r v2.Runner) ServerOption {
	return func(s *Server) { s.runner = r }
}

// WithJobQueue sets the queue the trigger endpoints enqueue on.
func WithJobQueue(q v2.JobQueue) ServerOption {
	return func(s *Server) { s.jobs = q }
}

// WithMetrics sets the observability metrics for the server.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithTokenService overrides the token service built from the configured secret.
func WithTokenService(t *auth.TokenService) ServerOption {
	return func(s *Server) { s.tokens = t }
}

// WithListener serves on l instead of listening on the configured address.
func WithListener(l net.Listener) ServerOption {
	return func(s *Server) { s.listener = l }
}

// New creates a new HTTP server with the given settings and options.
func New(settings *conf.Settings, opts ...ServerOption) (*Server, error) {
	config := ConfigFromSettings(settings)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		config:    config,
		settings:  settings,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Global().Module("api")
	}
	if s.dataStore == nil {
		return nil, errors.Newf("HTTP server requires a datastore").
			Component("api").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if s.tokens == nil && config.TokenSecret != "" {
		tokens, err := auth.NewTokenService(config.TokenSecret, s.logger)
		if err != nil {
			return nil, err
		}
		s.tokens = tokens
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Debug = config.Debug
	s.echo.Server.ReadTimeout = config.ReadTimeout
	s.echo.Server.WriteTimeout = config.WriteTimeout
	s.echo.Server.IdleTimeout = config.IdleTimeout

	s.setupMiddleware()
	if err := s.setupRoutes(); err != nil {
		return nil, err
	}

	s.logger.Info("HTTP server initialized",
		logger.String("address", config.Address()),
		logger.Bool("trigger_auth", s.tokens != nil),
		logger.Bool("debug", config.Debug))

	return s, nil
}

// setupMiddleware configures the Echo middleware stack.
func (s *Server) setupMiddleware() {
	// Recovery middleware - should be first
	s.echo.Use(echomw.Recover())

	s.echo.Use(mw.NewRequestLoggerWithSkipper(s.logger, func(c echo.Context) bool {
		// scrapes and probes would drown the request log
		p := c.Request().URL.Path
		return p == "/metrics" || p == "/health"
	}))

	if s.metrics != nil {
		s.echo.Use(mw.NewMetrics(s.metrics.HTTP))
	}

	securityConfig := mw.DefaultSecurityConfig()
	securityConfig.AllowedOrigins = s.config.AllowedOrigins

	s.echo.Use(mw.NewCORS(securityConfig))
	s.echo.Use(mw.NewBodyLimit(s.config.BodyLimit))
	s.echo.Use(mw.NewGzip())
	s.echo.Use(mw.NewSecureHeaders(securityConfig))
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() error {
	s.echo.GET("/health", s.healthCheck)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	apiOpts := []v2.Option{v2.WithLogger(s.logger)}
	if s.runner != nil {
		apiOpts = append(apiOpts, v2.WithRunner(s.runner))
	}
	if s.jobs != nil {
		apiOpts = append(apiOpts, v2.WithJobQueue(s.jobs))
	}
	if s.metrics != nil {
		apiOpts = append(apiOpts, v2.WithMetrics(s.metrics.HTTP))
	}
	if s.tokens != nil {
		apiOpts = append(apiOpts, v2.WithAuthMiddleware(s.tokens.Middleware()))
	}

	ctrl, err := v2.New(s.echo, s.dataStore, s.settings, apiOpts...)
	if err != nil {
		return err
	}
	s.apiController = ctrl
	return nil
}

// healthCheck handles the server health check endpoint.
func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)

	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        buildinfo.Version,
		"build_date":     buildinfo.BuildDate,
		"uptime":         uptime.String(),
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.serve()
	}()

	s.logger.Info("HTTP server starting", logger.String("address", s.Address()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if err := s.Shutdown(); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) serve() error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()

	var err error
	if l != nil {
		s.echo.Listener = l
		err = s.echo.Start("")
	} else {
		err = s.echo.Start(s.config.Address())
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.New(err).
			Component("api").
			Category(errors.CategoryNetwork).
			Context("address", s.config.Address()).
			Build()
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if s.apiController != nil {
		s.apiController.Shutdown()
	}

	if err := s.echo.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", logger.Error(err))
		return errors.New(err).
			Component("api").
			Category(errors.CategoryNetwork).
			Context("operation", "shutdown").
			Build()
	}

	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Address returns the configured or bound listen address.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address()
}

// APIController returns the v2 controller, whose CacheConsumer is
// registered on the event bus.
func (s *Server) APIController() *v2.Controller {
	return s.apiController
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
