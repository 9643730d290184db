// Package geo holds the bounding box type shared by the imagery, analysis and storage layers.
package geo

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean Earth radius used for distance conversions
const EarthRadiusMeters = 6371008.8

// BBox is a WGS84 bounding box [minLon, minLat, maxLon, maxLat].
type BBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// FromSlice builds a BBox from a four element slice.
func FromSlice(v []float64) (BBox, error) {
	if len(v) != 4 {
		return BBox{}, fmt.Errorf("bbox must have 4 values, got %d", len(v))
	}
	b := BBox{MinLon: v[0], MinLat: v[1], MaxLon: v[2], MaxLat: v[3]}
	return b, b.Validate()
}

// Parse reads "minLon,minLat,maxLon,maxLat".
func Parse(s string) (BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BBox{}, fmt.Errorf("bbox %q must have 4 comma separated values", s)
	}
	v := make([]float64, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BBox{}, fmt.Errorf("bbox value %q is not a number", p)
		}
		v[i] = f
	}
	return FromSlice(v)
}

// Validate checks WGS84 bounds and that min < max on both axes.
func (b BBox) Validate() error {
	for _, f := range b.Slice() {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("bbox %v contains a non-finite value", b.Slice())
		}
	}
	if b.MinLon < -180 || b.MaxLon > 180 || b.MinLat < -90 || b.MaxLat > 90 {
		return fmt.Errorf("bbox %v is outside WGS84 bounds", b.Slice())
	}
	if b.MinLon >= b.MaxLon || b.MinLat >= b.MaxLat {
		return fmt.Errorf("bbox %v must have min < max on both axes", b.Slice())
	}
	return nil
}

// Slice returns [minLon, minLat, maxLon, maxLat].
func (b BBox) Slice() []float64 {
	return []float64{b.MinLon, b.MinLat, b.MaxLon, b.MaxLat}
}

// JSON returns the box as a JSON array, the form stored with satellite images.
func (b BBox) JSON() string {
	data, _ := json.Marshal(b.Slice())
	return string(data)
}

// Centroid returns the arithmetic center (lon, lat).
func (b BBox) Centroid() (lon, lat float64) {
	return (b.MinLon + b.MaxLon) / 2, (b.MinLat + b.MaxLat) / 2
}

// CellCenter maps a grid cell back to coordinates by linear interpolation.
// Row 0 is at MinLat, column 0 at MinLon.
func (b BBox) CellCenter(row, col, rows, cols int) (lon, lat float64) {
	lon = b.MinLon + (b.MaxLon-b.MinLon)*(float64(col)+0.5)/float64(cols)
	lat = b.MinLat + (b.MaxLat-b.MinLat)*(float64(row)+0.5)/float64(rows)
	return lon, lat
}

// Dimensions returns the pixel width and height of the box at the given
// resolution in meters per pixel, each clamped to [1, maxPixels].
// Width is measured along the box's middle latitude.
func (b BBox) Dimensions(resolution float64, maxPixels int) (width, height int) {
	_, midLat := b.Centroid()
	widthMeters := distanceMeters(midLat, b.MinLon, midLat, b.MaxLon)
	heightMeters := distanceMeters(b.MinLat, b.MinLon, b.MaxLat, b.MinLon)

	return clampPixels(widthMeters/resolution, maxPixels), clampPixels(heightMeters/resolution, maxPixels)
}

// AreaKm2 approximates the box area as width times height in square kilometers.
func (b BBox) AreaKm2() float64 {
	_, midLat := b.Centroid()
	w := distanceMeters(midLat, b.MinLon, midLat, b.MaxLon)
	h := distanceMeters(b.MinLat, b.MinLon, b.MaxLat, b.MinLon)
	return w * h / 1e6
}

func distanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

func clampPixels(v float64, maxPixels int) int {
	px := int(math.Round(v))
	if px < 1 {
		px = 1
	}
	if maxPixels > 0 && px > maxPixels {
		px = maxPixels
	}
	return px
}
