package pipeline

import (
	"github.com/tphakala/trafficsat/internal/conf"
	"github.com/tphakala/trafficsat/internal/density"
	"github.com/tphakala/trafficsat/internal/detector"
	"github.com/tphakala/trafficsat/internal/geo"
	"github.com/tphakala/trafficsat/internal/grid"
	"github.com/tphakala/trafficsat/internal/imagesource"
)

// DefaultWholeAreaKm2 is the area assumed for a whole-area run.
const DefaultWholeAreaKm2 = 1.0

// DefaultBBox is the Konya city center analysis area.
var DefaultBBox = geo.BBox{MinLon: 32.4351, MinLat: 37.8216, MaxLon: 32.5351, MaxLat: 37.9216}

// Config holds the analysis parameters of an Orchestrator.
type Config struct {
	DefaultBBox         geo.BBox
	Resolution          float64 // meters per pixel
	MaxCloudCoverage    float64 // 0..1
	MaxVehiclesPerKm2   int
	WholeAreaKm2        float64
	CellAreaKm2         float64
	GridRows            int
	GridCols            int
	ConfidenceThreshold float64
	IoUThreshold        float64
}

// DefaultConfig returns the built-in analysis parameters.
func DefaultConfig() Config {
	return Config{
		DefaultBBox:         DefaultBBox,
		Resolution:          imagesource.DefaultResolution,
		MaxCloudCoverage:    imagesource.DefaultMaxCloudCoverage,
		MaxVehiclesPerKm2:   density.DefaultMaxVehiclesPerKm2,
		WholeAreaKm2:        DefaultWholeAreaKm2,
		CellAreaKm2:         grid.DefaultCellAreaKm2,
		GridRows:            grid.DefaultRows,
		GridCols:            grid.DefaultCols,
		ConfidenceThreshold: detector.DefaultConfidenceThreshold,
		IoUThreshold:        detector.DefaultIoUThreshold,
	}
}

// ConfigFromSettings overlays non-zero settings on DefaultConfig.
func ConfigFromSettings(s *conf.Settings) Config {
	cfg := DefaultConfig()
	if s == nil {
		return cfg
	}

	if bbox, err := geo.FromSlice(s.Sentinel.BBox); err == nil {
		cfg.DefaultBBox = bbox
	}
	if s.Sentinel.Resolution > 0 {
		cfg.Resolution = s.Sentinel.Resolution
	}
	if s.Sentinel.MaxCloudCoverage > 0 {
		cfg.MaxCloudCoverage = s.Sentinel.MaxCloudCoverage
	}
	if s.Analysis.MaxVehiclesPerKm2 > 0 {
		cfg.MaxVehiclesPerKm2 = s.Analysis.MaxVehiclesPerKm2
	}
	if s.Analysis.WholeAreaKm2 > 0 {
		cfg.WholeAreaKm2 = s.Analysis.WholeAreaKm2
	}
	if s.Analysis.CellAreaKm2 > 0 {
		cfg.CellAreaKm2 = s.Analysis.CellAreaKm2
	}
	if s.Analysis.GridRows > 0 {
		cfg.GridRows = s.Analysis.GridRows
	}
	if s.Analysis.GridCols > 0 {
		cfg.GridCols = s.Analysis.GridCols
	}
	if s.Detector.ConfidenceThreshold > 0 {
		cfg.ConfidenceThreshold = s.Detector.ConfidenceThreshold
	}
	if s.Detector.IoUThreshold > 0 {
		cfg.IoUThreshold = s.Detector.IoUThreshold
	}
	return cfg
}
