package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/trafficsat/internal/logger"
	"github.com/tphakala/trafficsat/internal/observability/metrics"
)

func TestMetrics_RecordsRouteTemplate(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := metrics.NewHTTPMetrics(reg)
	require.NoError(t, err)

	e := echo.New()
	e.Use(NewMetrics(m))
	e.GET("/jobs/:id", func(c echo.Context) error {
		if c.Param("id") == "missing" {
			return echo.NewHTTPError(http.StatusNotFound, "job not found")
		}
		return c.NoContent(http.StatusOK)
	})

	for _, id := range []string{"a", "b", "missing"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+id, http.NoBody))
	}

	expected := `
# HELP http_request_errors_total Total number of HTTP request errors
# TYPE http_request_errors_total counter
http_request_errors_total{error_type="Not Found",method="GET",path="/jobs/:id"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "http_request_errors_total"))

	count, err := testutil.GatherAndCount(reg, "http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per status code")
}

func TestMetrics_NilRecorder(t *testing.T) {
	t.Parallel()

	e := echo.New()
	e.Use(NewMetrics(nil))
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.NewSlogLogger(&buf, logger.LogLevelDebug, time.UTC)

	e := echo.New()
	e.Use(NewRequestLoggerWithSkipper(log, func(c echo.Context) bool {
		return c.Request().URL.Path == "/health"
	}))
	e.GET("/health", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/api/v2/traffic/density/latest", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	assert.Empty(t, buf.String())

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v2/traffic/density/latest?limit=5", http.NoBody))
	out := buf.String()
	assert.Contains(t, out, "/api/v2/traffic/density/latest?limit=5")
	assert.Contains(t, out, "200")
}

func TestSecureHeadersAndCORS(t *testing.T) {
	t.Parallel()

	cfg := DefaultSecurityConfig()
	cfg.AllowedOrigins = []string{"https://dashboard.example.org"}

	e := echo.New()
	e.Use(NewCORS(cfg), NewSecureHeaders(cfg))
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set(echo.HeaderOrigin, "https://dashboard.example.org")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, "DENY", rec.Header().Get(echo.HeaderXFrameOptions))
	assert.Equal(t, "nosniff", rec.Header().Get(echo.HeaderXContentTypeOptions))
	assert.Equal(t, "https://dashboard.example.org", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
}

func TestBodyLimit(t *testing.T) {
	t.Parallel()

	e := echo.New()
	e.Use(NewBodyLimit("16B"))
	e.POST("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 64)))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
