package app

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/trafficsat/internal/conf"
	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/imagesource"
	"github.com/tphakala/trafficsat/internal/logger"
)

func testSettings(t *testing.T) *conf.Settings {
	t.Helper()
	settings, err := conf.DefaultSettings()
	require.NoError(t, err)
	settings.Output.SQLite.Path = filepath.Join(t.TempDir(), "traffic.db")
	settings.Detector.URL = "http://inference.test"
	return settings
}

func quietLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

func writePNG(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "scene.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestBuild_ReadOnlyWithoutCredentials(t *testing.T) {
	c, err := Build(testSettings(t), WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.Error(t, c.SourceErr)
	assert.True(t, errors.IsConfiguration(c.SourceErr))
	assert.True(t, c.Orchestrator.ReadOnly())

	_, err = c.Orchestrator.RunWholeArea(t.Context())
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))

	images, err := c.Store.SatelliteImages(t.Context(), 10, "")
	require.NoError(t, err)
	assert.Empty(t, images, "a configuration failure must not write rows")
}

func TestBuild_NoBackend(t *testing.T) {
	settings := testSettings(t)
	settings.Output.SQLite.Enabled = false

	_, err := Build(settings, WithLogger(quietLogger()))
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
}

func TestBuild_LocalFileRun(t *testing.T) {
	path := writePNG(t, 64, 64)
	c, err := Build(testSettings(t),
		WithSource(imagesource.NewLocalFile(path, "")),
		WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.False(t, c.Orchestrator.ReadOnly())

	mt := httpmock.NewMockTransport()
	c.HTTP.HTTPClient().Transport = mt
	mt.RegisterResponder(http.MethodPost, "=~^http://inference\\.test/v1/detect",
		httpmock.NewStringResponder(http.StatusOK, `{"detections": [
			{"bbox": [1, 2, 10, 12], "confidence": 0.91, "class_id": 2},
			{"bbox": [20, 20, 40, 30], "confidence": 0.66, "class_id": 7},
			{"bbox": [5, 5, 9, 9], "confidence": 0.80, "class_id": 0}
		]}`))
	mt.RegisterResponder(http.MethodGet, "http://inference.test/health",
		httpmock.NewStringResponder(http.StatusOK, `{"status":"ok"}`))

	c.CheckDetector(t.Context())

	res, err := c.Orchestrator.RunWholeArea(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, res.VehicleCount)

	rows, err := c.Store.LatestDensities(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].VehicleCount)

	img, err := c.Store.GetSatelliteImage(t.Context(), res.ImageID)
	require.NoError(t, err)
	assert.Equal(t, "completed", string(img.ProcessingStatus))
}
