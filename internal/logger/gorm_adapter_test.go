package logger_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"

	"github.com/tphakala/trafficsat/internal/logger"
)

func TestGormLoggerAdapterTrace(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	adapter := logger.NewGormLoggerAdapter(logger.NewSlogLogger(buf, logger.LogLevelTrace, time.UTC), 50*time.Millisecond)
	ctx := context.Background()
	fc := func() (string, int64) { return "SELECT 1", 1 }

	adapter.Trace(ctx, time.Now(), fc, nil)
	adapter.Trace(ctx, time.Now().Add(-time.Second), fc, nil)
	adapter.Trace(ctx, time.Now(), fc, errors.New("no such table"))
	adapter.Trace(ctx, time.Now(), fc, gorm.ErrRecordNotFound)

	entries := decodeLines(t, buf)
	assert.Len(t, entries, 4)
	assert.Equal(t, "sql query", entries[0]["msg"])
	assert.Equal(t, "slow query", entries[1]["msg"])
	assert.Equal(t, "query error", entries[2]["msg"])
	assert.Equal(t, "sql query", entries[3]["msg"])
}
