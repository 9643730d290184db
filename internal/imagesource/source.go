// Package imagesource supplies satellite imagery for a bounding box.
package imagesource

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/tphakala/trafficsat/internal/geo"
)

// Defaults matching the Sentinel-2 true colour product
const (
	DefaultResolution       = 10.0 // meters per pixel
	DefaultMaxCloudCoverage = 0.3
	DefaultLookbackDays     = 7
	DefaultMaxDimension     = 2500
	DefaultAreaPrefix       = "konya"
	customAreaPrefix        = "custom"
	imageIDTimeLayout       = "20060102_150405"
)

// Acquisition is one fetched image and its metadata.
type Acquisition struct {
	Image         image.Image
	ImageID       string
	CaptureTime   time.Time
	BBox          geo.BBox
	SceneID       string  // provider scene identifier, empty when unknown
	CloudCoverage float64 // 0..1, negative when unknown
}

// ImageSource fetches imagery. Missing credentials are reported by the
// constructor; run time failures are image fetch category errors.
type ImageSource interface {
	// FetchLatest returns the most recent scene within the lookback window
	// whose cloud coverage does not exceed maxCloudCoverage.
	FetchLatest(ctx context.Context, bbox geo.BBox, resolution, maxCloudCoverage float64) (*Acquisition, error)
	// FetchForBBox fetches an arbitrary area with the default cloud limit.
	FetchForBBox(ctx context.Context, bbox geo.BBox, resolution float64) (*Acquisition, error)
}

// ImageID formats "<prefix>_sentinel_YYYYMMDD_HHMMSS" in UTC.
func ImageID(prefix string, t time.Time) string {
	if prefix == "" {
		prefix = DefaultAreaPrefix
	}
	return fmt.Sprintf("%s_sentinel_%s", prefix, t.UTC().Format(imageIDTimeLayout))
}
