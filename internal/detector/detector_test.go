package detector

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/trafficsat/internal/conf"
	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/httpclient"
	"github.com/tphakala/trafficsat/internal/logger"
)

const testDetectURL = "http://inference.test/v1/detect"

// newMockedDetector returns a detector whose HTTP transport is an httpmock
// transport private to the test.
func newMockedDetector(t *testing.T) (*HTTPDetector, *httpmock.MockTransport) {
	t.Helper()

	client := httpclient.New(nil)
	mt := httpmock.NewMockTransport()
	client.HTTPClient().Transport = mt

	d, err := NewHTTPDetector(&conf.DetectorSettings{
		URL:     "http://inference.test/",
		Model:   "yolov8n",
		Timeout: 5 * time.Second,
	}, client, logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC))
	require.NoError(t, err)
	return d, mt
}

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	return img
}

func TestVehicleClass(t *testing.T) {
	t.Parallel()

	tests := []struct {
		class   VehicleClass
		name    string
		vehicle bool
	}{
		{ClassCar, "car", true},
		{ClassMotorcycle, "motorcycle", true},
		{ClassBus, "bus", true},
		{ClassTruck, "truck", true},
		{VehicleClass(0), "vehicle", false},
		{VehicleClass(4), "vehicle", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.name, tt.class.String())
		assert.Equal(t, tt.vehicle, tt.class.IsVehicle())
	}
}

func TestFilterVehicles(t *testing.T) {
	t.Parallel()

	dets := []Detection{
		{Class: ClassCar, Confidence: 0.9},
		{Class: VehicleClass(0), Confidence: 0.99}, // person
		{Class: ClassTruck, Confidence: 0.1},
		{Class: ClassBus, Confidence: 0.25},
	}
	got := FilterVehicles(dets, 0.25)
	require.Len(t, got, 2)
	assert.Equal(t, ClassCar, got[0].Class)
	assert.Equal(t, ClassBus, got[1].Class)

	assert.Equal(t, map[string]int{"car": 1, "bus": 1}, CountByClass(got))
}

func TestNewHTTPDetector_Configuration(t *testing.T) {
	t.Parallel()

	_, err := NewHTTPDetector(&conf.DetectorSettings{}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))

	_, err = NewHTTPDetector(&conf.DetectorSettings{URL: "not a url"}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))

	d, err := NewHTTPDetector(&conf.DetectorSettings{URL: "http://localhost:8000/"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/v1/detect", d.Endpoint())
}

func TestHTTPDetector_Detect(t *testing.T) {
	t.Parallel()

	d, mt := newMockedDetector(t)

	mt.RegisterResponder(http.MethodPost, testDetectURL,
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "image/png", req.Header.Get("Content-Type"))
			assert.Equal(t, "0.25", req.URL.Query().Get("conf"))
			assert.Equal(t, "0.45", req.URL.Query().Get("iou"))
			assert.Equal(t, "yolov8n", req.URL.Query().Get("model"))

			img, err := png.Decode(req.Body)
			require.NoError(t, err, "body must be a PNG")
			assert.Equal(t, 64, img.Bounds().Dx())

			return httpmock.NewStringResponse(http.StatusOK, `{"detections": [
				{"bbox": [1, 2, 10, 12], "confidence": 0.91, "class_id": 2},
				{"bbox": [5, 5, 9, 9], "confidence": 0.80, "class_id": 0},
				{"bbox": [20, 20, 40, 30], "confidence": 0.66, "class_id": 7},
				{"bbox": [0, 0, 3, 3], "confidence": 0.30, "class_id": 3}
			]}`), nil
		})

	dets, err := d.Detect(t.Context(), testImage(64, 48), DefaultConfidenceThreshold, DefaultIoUThreshold)
	require.NoError(t, err)
	require.Len(t, dets, 3, "non vehicle classes must be dropped")

	assert.Equal(t, [4]float64{1, 2, 10, 12}, dets[0].BBox)
	assert.Equal(t, ClassCar, dets[0].Class)
	assert.Equal(t, ClassTruck, dets[1].Class)
	assert.Equal(t, ClassMotorcycle, dets[2].Class)
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestHTTPDetector_Detect_InvalidInput(t *testing.T) {
	t.Parallel()

	d, mt := newMockedDetector(t)

	tests := []struct {
		name string
		img  image.Image
		conf float64
	}{
		{"nil image", nil, 0.25},
		{"empty image", image.NewRGBA(image.Rect(0, 0, 0, 0)), 0.25},
		{"threshold out of range", testImage(8, 8), 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Detect(t.Context(), tt.img, tt.conf, DefaultIoUThreshold)
			require.Error(t, err)
			assert.True(t, errors.IsDetection(err), "expected detection category, got %v", err)
		})
	}
	assert.Zero(t, mt.GetTotalCallCount(), "invalid input must not reach the server")
}

func TestHTTPDetector_Detect_ServerErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		responder httpmock.Responder
	}{
		{"internal error", httpmock.NewStringResponder(http.StatusInternalServerError, "model crashed")},
		{"malformed json", httpmock.NewStringResponder(http.StatusOK, `{"detections": [`)},
		{"short bbox", httpmock.NewStringResponder(http.StatusOK, `{"detections": [{"bbox": [1, 2], "confidence": 0.9, "class_id": 2}]}`)},
		{"transport error", httpmock.NewErrorResponder(context.DeadlineExceeded)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, mt := newMockedDetector(t)
			mt.RegisterResponder(http.MethodPost, testDetectURL, tt.responder)

			dets, err := d.Detect(t.Context(), testImage(16, 16), DefaultConfidenceThreshold, DefaultIoUThreshold)
			require.Error(t, err)
			assert.Nil(t, dets)
			assert.True(t, errors.IsDetection(err), "expected detection category, got %v", err)
		})
	}
}

func TestHTTPDetector_Ping(t *testing.T) {
	t.Parallel()

	d, mt := newMockedDetector(t)
	mt.RegisterResponder(http.MethodGet, "http://inference.test/health", httpmock.NewStringResponder(http.StatusOK, "ok"))
	require.NoError(t, d.Ping(t.Context()))

	d2, mt2 := newMockedDetector(t)
	mt2.RegisterResponder(http.MethodGet, "http://inference.test/health", httpmock.NewStringResponder(http.StatusServiceUnavailable, "loading"))
	assert.Error(t, d2.Ping(t.Context()))
}

func TestFuncAdapter(t *testing.T) {
	t.Parallel()

	var called bool
	var det Detector = Func(func(_ context.Context, _ image.Image, conf, iou float64) ([]Detection, error) {
		called = true
		assert.InDelta(t, 0.5, conf, 1e-9)
		return []Detection{{Class: ClassCar}}, nil
	})
	dets, err := det.Detect(t.Context(), testImage(4, 4), 0.5, 0.45)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Len(t, dets, 1)
}
