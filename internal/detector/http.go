package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tphakala/trafficsat/internal/conf"
	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/httpclient"
	"github.com/tphakala/trafficsat/internal/logger"
)

const (
	detectPath = "/v1/detect"

	// maxResponseSize bounds the inference response body
	maxResponseSize = 16 << 20
)

// HTTPDetector sends PNG encoded images to an inference server and returns
// the vehicle detections it reports.
//
// The server accepts POST <url>/v1/detect?model=&conf=&iou= with an
// image/png body and answers
//
//	{"detections": [{"bbox": [x1, y1, x2, y2], "confidence": 0.9, "class_id": 2}]}
type HTTPDetector struct {
	client   *httpclient.Client
	endpoint string
	model    string
	timeout  time.Duration
	log      logger.Logger
}

type inferenceResponse struct {
	Detections []struct {
		BBox       []float64 `json:"bbox"`
		Confidence float64   `json:"confidence"`
		ClassID    int       `json:"class_id"`
	} `json:"detections"`
}

// NewHTTPDetector validates settings and builds an inference client.
// A nil client gets a fresh httpclient with the configured timeout.
func NewHTTPDetector(settings *conf.DetectorSettings, client *httpclient.Client, log logger.Logger) (*HTTPDetector, error) {
	if settings == nil || strings.TrimSpace(settings.URL) == "" {
		return nil, errors.Newf("detector URL is not configured").
			Component("detector").
			Category(errors.CategoryConfiguration).
			Build()
	}
	base, err := url.Parse(strings.TrimRight(settings.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.Newf("detector URL %q is not an absolute URL", settings.URL).
			Component("detector").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if client == nil {
		client = httpclient.New(&httpclient.Config{DefaultTimeout: settings.Timeout})
	}
	if log == nil {
		log = logger.Global().Module("detector")
	}

	return &HTTPDetector{
		client:   client,
		endpoint: base.String() + detectPath,
		model:    settings.Model,
		timeout:  settings.Timeout,
		log:      log,
	}, nil
}

// Detect encodes img as PNG, posts it to the inference server and returns the
// vehicle detections at or above confidenceThreshold.
func (d *HTTPDetector) Detect(ctx context.Context, img image.Image, confidenceThreshold, iouThreshold float64) ([]Detection, error) {
	if img == nil {
		return nil, detectionError(errors.NewStd("image is nil"), "validate")
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, detectionError(fmt.Errorf("image has empty bounds %v", bounds), "validate")
	}
	if confidenceThreshold < 0 || confidenceThreshold > 1 || iouThreshold < 0 || iouThreshold > 1 {
		return nil, detectionError(fmt.Errorf("thresholds must be within [0,1], got conf=%v iou=%v", confidenceThreshold, iouThreshold), "validate")
	}

	var body bytes.Buffer
	if err := png.Encode(&body, img); err != nil {
		return nil, detectionError(fmt.Errorf("encode image: %w", err), "encode")
	}

	q := url.Values{}
	q.Set("conf", strconv.FormatFloat(confidenceThreshold, 'f', -1, 64))
	q.Set("iou", strconv.FormatFloat(iouThreshold, 'f', -1, 64))
	if d.model != "" {
		q.Set("model", d.model)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := d.client.Post(ctx, d.endpoint+"?"+q.Encode(), "image/png", &body)
	if err != nil {
		return nil, errors.New(fmt.Errorf("inference request: %w", err)).
			Component("detector").
			Category(errors.CategoryDetection).
			NetworkContext(d.endpoint, d.timeout).
			Timing("inference-request", time.Since(start)).
			Build()
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			d.log.Debug("failed to close inference response body", logger.Error(cerr))
		}
	}()

	if err := httpclient.CheckStatus(resp); err != nil {
		return nil, errors.New(err).
			Component("detector").
			Category(errors.CategoryDetection).
			Context("operation", "inference-request").
			Build()
	}

	var parsed inferenceResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&parsed); err != nil {
		return nil, detectionError(fmt.Errorf("decode inference response: %w", err), "decode")
	}

	dets := make([]Detection, 0, len(parsed.Detections))
	for i, raw := range parsed.Detections {
		if len(raw.BBox) != 4 {
			return nil, detectionError(fmt.Errorf("detection %d has %d bbox values", i, len(raw.BBox)), "decode")
		}
		dets = append(dets, Detection{
			BBox:       [4]float64{raw.BBox[0], raw.BBox[1], raw.BBox[2], raw.BBox[3]},
			Confidence: raw.Confidence,
			Class:      VehicleClass(raw.ClassID),
		})
	}

	vehicles := FilterVehicles(dets, confidenceThreshold)
	d.log.Debug("inference completed",
		logger.Int("width", bounds.Dx()),
		logger.Int("height", bounds.Dy()),
		logger.Int("raw_detections", len(dets)),
		logger.Int("vehicles", len(vehicles)),
		logger.Duration("duration", time.Since(start)))

	return vehicles, nil
}

// Endpoint returns the full detection URL.
func (d *HTTPDetector) Endpoint() string {
	return d.endpoint
}

// Ping checks that the inference server answers on its health endpoint.
func (d *HTTPDetector) Ping(ctx context.Context) error {
	healthURL := strings.TrimSuffix(d.endpoint, detectPath) + "/health"
	resp, err := d.client.Get(ctx, healthURL)
	if err != nil {
		return errors.New(err).
			Component("detector").
			Category(errors.CategoryNetwork).
			NetworkContext(healthURL, d.timeout).
			Build()
	}
	defer func() { _ = resp.Body.Close() }()
	if err := httpclient.CheckStatus(resp); err != nil {
		return errors.New(err).
			Component("detector").
			Category(errors.CategoryDetection).
			Build()
	}
	return nil
}

func detectionError(err error, operation string) error {
	return errors.New(err).
		Component("detector").
		Category(errors.CategoryDetection).
		Context("operation", operation).
		Build()
}
