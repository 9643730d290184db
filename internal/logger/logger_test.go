package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/trafficsat/internal/logger"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for line := range strings.SplitSeq(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestSlogLoggerLevels(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		level    logger.LogLevel
		expected int
	}{
		{"trace shows everything", logger.LogLevelTrace, 5},
		{"debug hides trace", logger.LogLevelDebug, 4},
		{"info", logger.LogLevelInfo, 3},
		{"warn", logger.LogLevelWarn, 2},
		{"error only", logger.LogLevelError, 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			buf := &bytes.Buffer{}
			log := logger.NewSlogLogger(buf, tc.level, time.UTC)

			log.Trace("t")
			log.Debug("d")
			log.Info("i")
			log.Warn("w")
			log.Error("e")

			assert.Len(t, decodeLines(t, buf), tc.expected)
		})
	}
}

func TestModuleAndFields(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := logger.NewSlogLogger(buf, logger.LogLevelDebug, time.UTC).
		Module("pipeline").
		Module("grid").
		With(logger.String("image_id", "konya_sentinel_20250101_120000"))

	log.Info("cell analyzed",
		logger.Int("row", 2),
		logger.Float64("score", 12.34567),
		logger.Bool("cached", false),
		logger.Duration("elapsed", 1500*time.Millisecond),
		logger.Error(errors.New("boom")))

	entries := decodeLines(t, buf)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "pipeline.grid", e["module"])
	assert.Equal(t, "konya_sentinel_20250101_120000", e["image_id"])
	assert.InDelta(t, 2, e["row"], 0)
	assert.InDelta(t, 12.346, e["score"], 0.0001)
	assert.Equal(t, false, e["cached"])
	assert.Equal(t, "1.5s", e["elapsed"])
	assert.Equal(t, "boom", e["error"])
	assert.Equal(t, "cell analyzed", e["msg"])
}

func TestWithDoesNotMutateParent(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	parent := logger.NewSlogLogger(buf, logger.LogLevelInfo, time.UTC)
	_ = parent.With(logger.String("child", "yes"))

	parent.Info("parent entry")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0], "child")
}

func TestWithContextAddsTraceID(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := logger.NewSlogLogger(buf, logger.LogLevelInfo, time.UTC)

	ctx := logger.WithTraceID(context.Background(), "job-42")
	log.WithContext(ctx).Info("with trace")
	log.WithContext(context.Background()).Info("without trace")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "job-42", entries[0]["trace_id"])
	assert.NotContains(t, entries[1], "trace_id")
}

func TestCentralLoggerFileOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "app.log")
	cl, err := logger.NewCentralLogger(&logger.LoggingConfig{
		DefaultLevel: "info",
		Timezone:     "UTC",
		Console:      &logger.ConsoleOutput{Enabled: false},
		FileOutput:   &logger.FileOutput{Enabled: true, Path: path, Level: "debug"},
		ModuleLevels: map[string]string{"datastore": "debug"},
	})
	require.NoError(t, err)

	cl.Module("datastore").Debug("debug visible")
	cl.Module("api").Debug("debug hidden")
	cl.Module("api").Info("info visible")
	require.NoError(t, cl.Flush())
	require.NoError(t, cl.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "debug visible")
	assert.Contains(t, content, "info visible")
	assert.NotContains(t, content, "debug hidden")
}

func TestCentralLoggerRejectsBadTimezone(t *testing.T) {
	t.Parallel()

	_, err := logger.NewCentralLogger(&logger.LoggingConfig{Timezone: "Mars/Olympus"})
	require.Error(t, err)

	_, err = logger.NewCentralLogger(nil)
	require.Error(t, err)
}

func TestGlobalFallback(t *testing.T) {
	t.Parallel()

	require.NotNil(t, logger.Global())
	assert.NotNil(t, logger.Global().Module("test"))
}
