package notification

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/trafficsat/internal/conf"
	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/events"
	"github.com/tphakala/trafficsat/internal/geo"
	"github.com/tphakala/trafficsat/internal/logger"
	"github.com/tphakala/trafficsat/internal/observability/metrics"
)

type sentMessage struct {
	title   string
	message string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeSender) Send(message string, params *stypes.Params) []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	title, _ := params.Title()
	f.sent = append(f.sent, sentMessage{title: title, message: message})
	if f.err != nil {
		return []error{nil, f.err}
	}
	return nil
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func quietLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

func failedEvent() events.RunEvent {
	return events.RunEvent{
		Kind:      events.KindRunFailed,
		Mode:      "whole_area",
		ImageID:   "konya_sentinel_20260514_093015",
		BBox:      geo.BBox{MinLon: 32.4351, MinLat: 37.8216, MaxLon: 32.5351, MaxLat: 37.9216},
		Stage:     "fetch",
		Category:  string(errors.CategoryImageFetch),
		Error:     "POST https://services.sentinel-hub.com/api/v1/process: 503",
		Timestamp: time.Date(2026, 5, 14, 9, 30, 15, 0, time.UTC),
	}
}

func TestNew_Configuration(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))

	_, err = New(&conf.NotificationSettings{Enabled: true})
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))

	_, err = New(&conf.NotificationSettings{Enabled: true, URLs: []string{"nosuchservice://token@host"}})
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
	assert.NotContains(t, err.Error(), "token@host", "service URL must be scrubbed")
}

func TestNotifier_SendsOnFailedRun(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	n := NewWithSender(sender, WithLogger(quietLogger()))
	assert.Equal(t, "notification", n.Name())

	require.NoError(t, n.ProcessEvent(failedEvent()))

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, DefaultTitle, msgs[0].title)
	assert.Contains(t, msgs[0].message, "Traffic analysis run failed (whole_area)")
	assert.Contains(t, msgs[0].message, "Stage: fetch")
	assert.Contains(t, msgs[0].message, "Category: image-fetch")
	assert.Contains(t, msgs[0].message, "Image: konya_sentinel_20260514_093015")
	assert.Contains(t, msgs[0].message, "Time: 2026-05-14T09:30:15Z")
	assert.NotContains(t, msgs[0].message, "sentinel-hub.com", "endpoints are scrubbed")
}

func TestNotifier_IgnoresCompletedRuns(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	n := NewWithSender(sender, WithLogger(quietLogger()))

	ev := failedEvent()
	ev.Kind = events.KindRunCompleted
	require.NoError(t, n.ProcessEvent(ev))
	assert.Empty(t, sender.messages())
}

func TestNotifier_RateLimit(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	n := NewWithSender(sender, WithLogger(quietLogger()), WithRateLimit(time.Hour, 2))

	for range 5 {
		require.NoError(t, n.ProcessEvent(failedEvent()))
	}
	assert.Len(t, sender.messages(), 2, "alerts beyond the burst are dropped")
}

func TestNotifier_DeliveryFailure(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := metrics.NewNotificationMetrics(reg)
	require.NoError(t, err)

	sender := &fakeSender{err: fmt.Errorf("post https://hooks.slack.com/services/T0/B0/secret: 500")}
	n := NewWithSender(sender,
		WithLogger(quietLogger()),
		WithMetrics(m),
		WithCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Hour}))

	err = n.Send(t.Context(), "t", "m")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotification))
	assert.NotContains(t, err.Error(), "hooks.slack.com")

	require.Error(t, n.Send(t.Context(), "t", "m"))
	assert.Equal(t, StateOpen, n.Breaker().State())

	// open breaker rejects without calling the sender
	err = n.Send(t.Context(), "t", "m")
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Len(t, sender.messages(), 2)

	assert.InDelta(t, 3, testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues(serviceName, metrics.StatusError)), 0)
}

func TestNotifier_DeliverySuccessMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := metrics.NewNotificationMetrics(reg)
	require.NoError(t, err)

	n := NewWithSender(&fakeSender{}, WithLogger(quietLogger()), WithMetrics(m), WithTitle("custom"))
	require.NoError(t, n.Send(context.Background(), "", "hello"))
	assert.InDelta(t, 1, testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues(serviceName, metrics.StatusSuccess)), 0)
}

func TestFormatFailure_Minimal(t *testing.T) {
	t.Parallel()

	msg := FormatFailure(&events.RunEvent{Kind: events.KindRunFailed, Mode: "custom_area"})
	assert.Contains(t, msg, "(custom_area)")
	assert.NotContains(t, msg, "Stage:")
	assert.NotContains(t, msg, "Image:")
	assert.NotContains(t, msg, "Error:")
}
