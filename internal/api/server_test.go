package api

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/trafficsat/internal/conf"
	"github.com/tphakala/trafficsat/internal/datastore"
	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/logger"
	"github.com/tphakala/trafficsat/internal/observability"
)

const testSecret = "server-test-secret-0123456789"

func newTestStore(t *testing.T) datastore.Interface {
	t.Helper()
	store, err := datastore.New(&conf.Settings{Output: conf.OutputSettings{
		SQLite: conf.SQLiteSettings{Enabled: true, Path: filepath.Join(t.TempDir(), "traffic.db")},
	}})
	require.NoError(t, err)
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestServer(t *testing.T, settings *conf.Settings, opts ...ServerOption) (*Server, *observability.Metrics) {
	t.Helper()
	m, err := observability.NewMetrics()
	require.NoError(t, err)

	base := []ServerOption{
		WithDataStore(newTestStore(t)),
		WithMetrics(m),
		WithLogger(logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)),
	}
	s, err := New(settings, append(base, opts...)...)
	require.NoError(t, err)
	return s, m
}

func TestConfigFromSettings(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.WebServer.Port = "9090"
	settings.WebServer.TokenSecret = testSecret
	settings.Debug = true

	cfg := ConfigFromSettings(settings)
	assert.Equal(t, ":9090", cfg.Address())
	assert.True(t, cfg.Debug)
	assert.Equal(t, testSecret, cfg.TokenSecret)
	assert.Equal(t, DefaultBodyLimit, cfg.BodyLimit)
	require.NoError(t, cfg.Validate())
	assert.Contains(t, cfg.String(), "auth=true")

	cfg.ReadTimeout = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
}

func TestNew_RequiresDataStore(t *testing.T) {
	t.Parallel()

	_, err := New(&conf.Settings{})
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
}

func TestNew_ShortTokenSecret(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.WebServer.TokenSecret = "short"
	_, err := New(settings, WithDataStore(newTestStore(t)))
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
}

func TestServer_Routes(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, &conf.Settings{})

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{"/health", http.StatusOK, `"status":"healthy"`},
		{"/api/v2/health", http.StatusOK, `"database_status":"connected"`},
		{"/api/v2/traffic/density/latest", http.StatusOK, `[]`},
		{"/api/v2/traffic/stats/summary", http.StatusOK, `No traffic data available`},
		{"/api/v2/traffic/nope", http.StatusNotFound, ``},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
		rec := httptest.NewRecorder()
		s.Echo().ServeHTTP(rec, req)
		assert.Equal(t, tt.status, rec.Code, tt.path)
		assert.Contains(t, rec.Body.String(), tt.body, tt.path)
		assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"), tt.path)
	}

	// metrics record the route template after the requests above
	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `path="/api/v2/traffic/density/latest"`)
}

func TestServer_TriggerRequiresToken(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.WebServer.TokenSecret = testSecret
	s, _ := newTestServer(t, settings)

	req := httptest.NewRequest(http.MethodPost, "/api/v2/traffic/analyze/trigger", http.NoBody)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// reads stay public
	req = httptest.NewRequest(http.MethodGet, "/api/v2/traffic/satellite-images", http.NoBody)
	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_TriggerWithoutRunner(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, &conf.Settings{})
	req := httptest.NewRequest(http.MethodPost, "/api/v2/traffic/analyze/trigger", http.NoBody)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_StartAndShutdown(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s, _ := newTestServer(t, &conf.Settings{}, WithListener(l))
	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	url := "http://" + s.Address() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx // test probe
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
