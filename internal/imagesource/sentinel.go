package imagesource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/antonholmquist/jason"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/tphakala/trafficsat/internal/conf"
	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/geo"
	"github.com/tphakala/trafficsat/internal/httpclient"
	"github.com/tphakala/trafficsat/internal/logger"
)

const (
	catalogSearchPath = "/api/v1/catalog/1.0.0/search"
	processPath       = "/api/v1/process"
	crs84             = "http://www.opengis.net/def/crs/OGC/1.3/CRS84"
	catalogPageLimit  = 50

	// maxImageSize bounds the PNG body of the Process API
	maxImageSize = 64 << 20
)

// SentinelHub fetches Sentinel-2 L2A true colour imagery through the
// Sentinel Hub Catalog and Process APIs.
type SentinelHub struct {
	settings conf.SentinelSettings
	client   *httpclient.Client
	tokens   oauth2.TokenSource
	limiter  *rate.Limiter
	log      logger.Logger
	now      func() time.Time
}

// NewSentinelHub validates settings and prepares an OAuth2 client
// credentials token source. Missing credentials are a configuration error.
func NewSentinelHub(settings *conf.SentinelSettings, client *httpclient.Client, log logger.Logger) (*SentinelHub, error) {
	if settings == nil {
		return nil, configError("sentinel settings are missing")
	}
	if strings.TrimSpace(settings.ClientID) == "" || strings.TrimSpace(settings.ClientSecret) == "" {
		return nil, configError("Sentinel Hub credentials not found, set SENTINEL_CLIENT_ID and SENTINEL_CLIENT_SECRET")
	}
	if settings.BaseURL == "" || settings.TokenURL == "" {
		return nil, configError("Sentinel Hub base URL and token URL must be set")
	}

	s := *settings
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	if s.Collection == "" {
		s.Collection = "sentinel-2-l2a"
	}
	if s.LookbackDays <= 0 {
		s.LookbackDays = DefaultLookbackDays
	}
	if s.MaxDimension <= 0 {
		s.MaxDimension = DefaultMaxDimension
	}
	if s.MaxCloudCoverage <= 0 {
		s.MaxCloudCoverage = DefaultMaxCloudCoverage
	}
	if s.AreaPrefix == "" {
		s.AreaPrefix = DefaultAreaPrefix
	}

	if client == nil {
		client = httpclient.New(&httpclient.Config{DefaultTimeout: s.Timeout})
	}
	if log == nil {
		log = logger.Global().Module("imagesource")
	}

	limit := rate.Inf
	if s.RateLimit > 0 {
		limit = rate.Limit(s.RateLimit)
	}

	oauthCfg := &clientcredentials.Config{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		TokenURL:     s.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	// Token requests share the pooled transport
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, client.HTTPClient())

	return &SentinelHub{
		settings: s,
		client:   client,
		tokens:   oauthCfg.TokenSource(tokenCtx),
		limiter:  rate.NewLimiter(limit, 1),
		log:      log,
		now:      time.Now,
	}, nil
}

// FetchLatest finds the newest scene within the lookback window under the
// cloud limit and renders it for bbox.
func (s *SentinelHub) FetchLatest(ctx context.Context, bbox geo.BBox, resolution, maxCloudCoverage float64) (*Acquisition, error) {
	return s.fetch(ctx, bbox, resolution, maxCloudCoverage, s.settings.AreaPrefix)
}

// FetchForBBox fetches a custom area using the configured cloud limit.
func (s *SentinelHub) FetchForBBox(ctx context.Context, bbox geo.BBox, resolution float64) (*Acquisition, error) {
	return s.fetch(ctx, bbox, resolution, s.settings.MaxCloudCoverage, customAreaPrefix)
}

func (s *SentinelHub) fetch(ctx context.Context, bbox geo.BBox, resolution, maxCloud float64, prefix string) (*Acquisition, error) {
	if err := bbox.Validate(); err != nil {
		return nil, errors.New(err).
			Component("imagesource").
			Category(errors.CategoryValidation).
			Build()
	}
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	if maxCloud <= 0 || maxCloud > 1 {
		maxCloud = s.settings.MaxCloudCoverage
	}

	fetchedAt := s.now()
	from := fetchedAt.AddDate(0, 0, -s.settings.LookbackDays)

	scene, err := s.searchLatestScene(ctx, bbox, from, fetchedAt, maxCloud)
	if err != nil {
		return nil, err
	}

	width, height := bbox.Dimensions(resolution, s.settings.MaxDimension)
	img, err := s.render(ctx, bbox, from, fetchedAt, maxCloud, width, height)
	if err != nil {
		return nil, err
	}

	acq := &Acquisition{
		Image:         img,
		ImageID:       ImageID(prefix, fetchedAt),
		CaptureTime:   scene.datetime,
		BBox:          bbox,
		SceneID:       scene.id,
		CloudCoverage: scene.cloudCover,
	}
	s.log.Info("satellite image fetched",
		logger.String("image_id", acq.ImageID),
		logger.String("scene_id", scene.id),
		logger.Time("capture_time", scene.datetime),
		logger.Float64("cloud_coverage", scene.cloudCover),
		logger.Int("width", img.Bounds().Dx()),
		logger.Int("height", img.Bounds().Dy()))
	return acq, nil
}

type scene struct {
	id         string
	datetime   time.Time
	cloudCover float64 // 0..1
}

// searchLatestScene queries the catalog and returns the newest scene whose
// cloud cover is within maxCloud.
func (s *SentinelHub) searchLatestScene(ctx context.Context, bbox geo.BBox, from, to time.Time, maxCloud float64) (*scene, error) {
	body := map[string]any{
		"bbox":        bbox.Slice(),
		"datetime":    from.UTC().Format(time.RFC3339) + "/" + to.UTC().Format(time.RFC3339),
		"collections": []string{s.settings.Collection},
		"limit":       catalogPageLimit,
		"filter":      fmt.Sprintf("eo:cloud_cover <= %g", cloudPercent(maxCloud)),
		"filter-lang": "cql2-text",
		"fields": map[string]any{
			"include": []string{"id", "properties.datetime", "properties.eo:cloud_cover"},
		},
	}

	resp, err := s.do(ctx, s.settings.BaseURL+catalogSearchPath, "application/json", "application/geo+json", body)
	if err != nil {
		return nil, err
	}
	defer s.closeBody(resp)

	doc, err := jason.NewObjectFromReader(resp.Body)
	if err != nil {
		return nil, fetchError(fmt.Errorf("decode catalog response: %w", err), "catalog-search")
	}
	features, err := doc.GetObjectArray("features")
	if err != nil {
		return nil, fetchError(fmt.Errorf("catalog response has no features array: %w", err), "catalog-search")
	}

	var best *scene
	for _, f := range features {
		dt, err := f.GetString("properties", "datetime")
		if err != nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339, dt)
		if err != nil {
			continue
		}
		cloud := -1.0
		if cc, err := f.GetFloat64("properties", "eo:cloud_cover"); err == nil {
			cloud = cc / 100
			if cloud > maxCloud {
				continue
			}
		}
		id, _ := f.GetString("id")
		if best == nil || ts.After(best.datetime) {
			best = &scene{id: id, datetime: ts, cloudCover: cloud}
		}
	}

	if best == nil {
		return nil, errors.Newf("no scene with cloud cover <= %.0f%% in the last %d days", maxCloud*100, s.settings.LookbackDays).
			Component("imagesource").
			Category(errors.CategoryImageFetch).
			Context("operation", "catalog-search").
			Context("bbox", bbox.JSON()).
			Build()
	}
	return best, nil
}

// render calls the Process API and decodes the PNG it returns.
func (s *SentinelHub) render(ctx context.Context, bbox geo.BBox, from, to time.Time, maxCloud float64, width, height int) (image.Image, error) {
	body := map[string]any{
		"input": map[string]any{
			"bounds": map[string]any{
				"bbox":       bbox.Slice(),
				"properties": map[string]any{"crs": crs84},
			},
			"data": []any{map[string]any{
				"type": s.settings.Collection,
				"dataFilter": map[string]any{
					"timeRange": map[string]any{
						"from": from.UTC().Format(time.RFC3339),
						"to":   to.UTC().Format(time.RFC3339),
					},
					"maxCloudCoverage": cloudPercent(maxCloud),
					"mosaickingOrder":  "mostRecent",
				},
			}},
		},
		"output": map[string]any{
			"width":  width,
			"height": height,
			"responses": []any{map[string]any{
				"identifier": "default",
				"format":     map[string]any{"type": "image/png"},
			}},
		},
		"evalscript": trueColorEvalscript,
	}

	resp, err := s.do(ctx, s.settings.BaseURL+processPath, "application/json", "image/png", body)
	if err != nil {
		return nil, err
	}
	defer s.closeBody(resp)

	img, err := png.Decode(io.LimitReader(resp.Body, maxImageSize))
	if err != nil {
		return nil, fetchError(fmt.Errorf("decode PNG: %w", err), "process")
	}
	return img, nil
}

// do sends an authenticated, rate limited POST and checks the status.
func (s *SentinelHub) do(ctx context.Context, url, contentType, accept string, payload any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fetchError(fmt.Errorf("encode request: %w", err), "encode")
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fetchError(fmt.Errorf("rate limiter: %w", err), "rate-limit")
	}

	token, err := s.tokens.Token()
	if err != nil {
		return nil, fetchError(fmt.Errorf("obtain access token: %w", err), "authenticate")
	}

	if s.settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.settings.Timeout)
		// Released when the body is closed
		resp, err := s.send(ctx, url, contentType, accept, data, token)
		if err != nil {
			cancel()
			return nil, err
		}
		resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}
	return s.send(ctx, url, contentType, accept, data, token)
}

func (s *SentinelHub) send(ctx context.Context, url, contentType, accept string, data []byte, token *oauth2.Token) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fetchError(fmt.Errorf("build request: %w", err), "request")
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", accept)
	token.SetAuthHeader(req)

	start := time.Now()
	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return nil, errors.New(fmt.Errorf("request %s: %w", req.URL.Path, err)).
			Component("imagesource").
			Category(errors.CategoryImageFetch).
			NetworkContext(url, s.settings.Timeout).
			Timing(req.URL.Path, time.Since(start)).
			Build()
	}
	if err := httpclient.CheckStatus(resp); err != nil {
		s.closeBody(resp)
		return nil, errors.New(err).
			Component("imagesource").
			Category(errors.CategoryImageFetch).
			Context("operation", req.URL.Path).
			Context("status_code", resp.StatusCode).
			Build()
	}
	return resp, nil
}

func (s *SentinelHub) closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		s.log.Debug("failed to close response body", logger.Error(err))
	}
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func configError(msg string) error {
	return errors.Newf("%s", msg).
		Component("imagesource").
		Category(errors.CategoryConfiguration).
		Priority(errors.PriorityHigh).
		Build()
}

func fetchError(err error, operation string) error {
	return errors.New(err).
		Component("imagesource").
		Category(errors.CategoryImageFetch).
		Context("operation", operation).
		Build()
}

// cloudPercent converts a 0..1 fraction to a percentage rounded to 0.01.
func cloudPercent(fraction float64) float64 {
	return math.Round(fraction*10000) / 100
}
