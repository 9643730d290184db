// Package api implements the /api/v2 JSON endpoints: traffic density
// queries, satellite image listings and analysis triggers.
package api

import (
	"context"
	"crypto/rand"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/patrickmn/go-cache"

	"github.com/tphakala/trafficsat/internal/buildinfo"
	"github.com/tphakala/trafficsat/internal/conf"
	"github.com/tphakala/trafficsat/internal/datastore"
	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/geo"
	"github.com/tphakala/trafficsat/internal/jobqueue"
	"github.com/tphakala/trafficsat/internal/logger"
	"github.com/tphakala/trafficsat/internal/observability/metrics"
	"github.com/tphakala/trafficsat/internal/pipeline"
)

// DefaultCacheTTL applies when the web server settings leave it unset.
const DefaultCacheTTL = 30 * time.Second

// Runner executes analysis runs. *pipeline.Orchestrator implements it.
type Runner interface {
	RunWholeArea(ctx context.Context) (*pipeline.RunResult, error)
	RunCustomArea(ctx context.Context, bbox geo.BBox) (*pipeline.RunResult, error)
	Busy() bool
}

// JobQueue schedules trigger jobs. *jobqueue.JobQueue implements it.
type JobQueue interface {
	Enqueue(action jobqueue.Action, data any, config jobqueue.RetryConfig) (jobqueue.JobSnapshot, error)
	Get(id string) (jobqueue.JobSnapshot, error)
}

// Controller manages the API routes and handlers.
type Controller struct {
	Echo     *echo.Echo
	Group    *echo.Group
	DS       datastore.Interface
	Settings *conf.Settings

	runner         Runner
	jobs           JobQueue
	retry          jobqueue.RetryConfig
	queryCache     *cache.Cache
	metrics        *metrics.HTTPMetrics
	authMiddleware echo.MiddlewareFunc
	logger         logger.Logger
	startTime      time.Time
	now            func() time.Time
}

// Option is a functional option for configuring the Controller.
type Option func(*Controller)

// WithRunner sets the analysis runner used by trigger jobs.
func WithRunner(r Runner) Option {
	return func(c *Controller) { c.runner = r }
}

// WithJobQueue sets the queue trigger jobs are enqueued on.
func WithJobQueue(q JobQueue) Option {
	return func(c *Controller) { c.jobs = q }
}

// WithMetrics records cache lookups.
func WithMetrics(m *metrics.HTTPMetrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithAuthMiddleware protects the POST analyze endpoints.
func WithAuthMiddleware(mw echo.MiddlewareFunc) Option {
	return func(c *Controller) { c.authMiddleware = mw }
}

// WithLogger sets the controller logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates the controller and registers its routes on e.
func New(e *echo.Echo, ds datastore.Interface, settings *conf.Settings, opts ...Option) (*Controller, error) {
	if e == nil || ds == nil || settings == nil {
		return nil, errors.Newf("api controller requires echo, datastore and settings").
			Component("api").
			Category(errors.CategoryConfiguration).
			Build()
	}

	ttl := settings.WebServer.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	c := &Controller{
		Echo:       e,
		DS:         ds,
		Settings:   settings,
		retry:      retryConfig(&settings.JobQueue.Retry),
		queryCache: cache.New(ttl, 2*ttl),
		logger:     logger.Global().Module("api"),
		startTime:  time.Now(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Group = e.Group("/api/v2")
	c.initRoutes()

	c.logger.Info("API v2 initialized",
		logger.Bool("triggers_enabled", c.jobs != nil && c.runner != nil),
		logger.Bool("trigger_auth", c.authMiddleware != nil),
		logger.Duration("cache_ttl", ttl))

	return c, nil
}

// retryConfig retries a queued run only while another run holds the gate.
func retryConfig(s *conf.RetrySettings) jobqueue.RetryConfig {
	return jobqueue.RetryConfig{
		Enabled:      s.MaxRetries > 0,
		MaxRetries:   s.MaxRetries,
		InitialDelay: s.InitialDelay,
		MaxDelay:     s.MaxDelay,
		Multiplier:   s.Multiplier,
		RetryIf: func(err error) bool {
			return errors.Is(err, pipeline.ErrRunInProgress)
		},
	}
}

// initRoutes registers all API endpoints
func (c *Controller) initRoutes() {
	c.Group.GET("/health", c.HealthCheck)
	c.initTrafficRoutes()
	c.initAnalyzeRoutes()
}

// HealthCheck handles the API health check endpoint
func (c *Controller) HealthCheck(ctx echo.Context) error {
	response := map[string]any{
		"status":     "healthy",
		"version":    buildinfo.Version,
		"build_date": buildinfo.BuildDate,
		"timestamp":  c.now().Format(time.RFC3339),
	}

	dbStatus := "connected"
	if _, err := c.DS.SatelliteImages(ctx.Request().Context(), 1, ""); err != nil {
		dbStatus = "disconnected"
		response["status"] = "degraded"
		response["database_error"] = err.Error()
	}
	response["database_status"] = dbStatus

	if c.runner != nil {
		response["analysis_running"] = c.runner.Busy()
	}

	uptime := time.Since(c.startTime)
	response["uptime"] = uptime.String()
	response["uptime_seconds"] = uptime.Seconds()

	return ctx.JSON(http.StatusOK, response)
}

// InvalidateCache drops every cached query result.
func (c *Controller) InvalidateCache() {
	c.queryCache.Flush()
}

// Shutdown releases controller resources.
func (c *Controller) Shutdown() {
	// go-cache's janitor cannot be stopped, flushing releases the entries
	c.queryCache.Flush()
	c.logger.Debug("API controller shut down")
}

// ErrorResponse is the JSON body of every API error.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// NewErrorResponse creates a new API error response
func NewErrorResponse(err error, message string, code int) *ErrorResponse {
	errorStr := message
	if err != nil {
		errorStr = err.Error()
	}
	return &ErrorResponse{
		Error:         errorStr,
		Message:       message,
		Code:          code,
		CorrelationID: generateCorrelationID(),
	}
}

// generateCorrelationID creates a short random identifier for error tracking
func generateCorrelationID() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 8

	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "ERR-RAND"
	}
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b)
}

// HandleError logs err and writes an ErrorResponse with code.
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	resp := NewErrorResponse(err, message, code)

	fields := []logger.Field{
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("message", message),
		logger.Int("code", code),
		logger.String("path", ctx.Request().URL.Path),
		logger.String("method", ctx.Request().Method),
		logger.String("ip", ctx.RealIP()),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if code >= http.StatusInternalServerError {
		c.logger.Error("API error", fields...)
	} else {
		c.logger.Debug("API client error", fields...)
	}

	return ctx.JSON(code, resp)
}

// statusForError maps error categories to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.IsCategory(err, errors.CategoryValidation):
		return http.StatusBadRequest
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsCategory(err, errors.CategoryConflict):
		return http.StatusConflict
	case errors.Is(err, jobqueue.ErrQueueFull), errors.Is(err, jobqueue.ErrQueueStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
