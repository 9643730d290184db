// Package grid splits an image into a rows x cols grid and scores the
// vehicle density of every cell.
package grid

import (
	"context"
	"fmt"
	"image"

	"github.com/tphakala/trafficsat/internal/density"
	"github.com/tphakala/trafficsat/internal/detector"
	"github.com/tphakala/trafficsat/internal/errors"
)

// Defaults for custom area analysis
const (
	DefaultRows        = 4
	DefaultCols        = 4
	DefaultCellAreaKm2 = 0.1
)

// CellResult is the analysis of one grid cell.
type CellResult struct {
	Row          int
	Col          int
	PixelBounds  image.Rectangle
	VehicleCount int
	DensityScore int
	Detections   []detector.Detection
}

// subImager is implemented by the standard image types.
type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Analyzer runs a Detector over every cell of a grid. It holds no per-run
// state and is safe for concurrent use.
type Analyzer struct {
	detector            detector.Detector
	cellAreaKm2         float64
	calc                density.Calculator
	confidenceThreshold float64
	iouThreshold        float64
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithCellArea sets the area in km² assumed for every cell.
func WithCellArea(km2 float64) Option {
	return func(a *Analyzer) {
		if km2 > 0 {
			a.cellAreaKm2 = km2
		}
	}
}

// WithMaxVehiclesPerKm2 sets the density that scores 100.
func WithMaxVehiclesPerKm2(maxVehicles int) Option {
	return func(a *Analyzer) { a.calc = density.NewCalculator(maxVehicles) }
}

// WithThresholds sets the detector confidence and IoU thresholds.
func WithThresholds(confidence, iou float64) Option {
	return func(a *Analyzer) {
		a.confidenceThreshold = confidence
		a.iouThreshold = iou
	}
}

// NewAnalyzer returns an Analyzer using det for every cell.
func NewAnalyzer(det detector.Detector, opts ...Option) *Analyzer {
	a := &Analyzer{
		detector:            det,
		cellAreaKm2:         DefaultCellAreaKm2,
		calc:                density.NewCalculator(density.DefaultMaxVehiclesPerKm2),
		confidenceThreshold: detector.DefaultConfidenceThreshold,
		iouThreshold:        detector.DefaultIoUThreshold,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CellBounds returns the pixel rectangle of cell (row, col) within bounds.
// Cells use integer division and the last row and column absorb the remainder.
func CellBounds(bounds image.Rectangle, row, col, rows, cols int) image.Rectangle {
	cellW := bounds.Dx() / cols
	cellH := bounds.Dy() / rows

	x0 := bounds.Min.X + col*cellW
	y0 := bounds.Min.Y + row*cellH
	x1 := x0 + cellW
	y1 := y0 + cellH
	if col == cols-1 {
		x1 = bounds.Max.X
	}
	if row == rows-1 {
		y1 = bounds.Max.Y
	}
	return image.Rect(x0, y0, x1, y1)
}

// Analyze calls the detector exactly once per cell, row by row, and returns
// rows*cols results. The first detector error aborts the analysis.
func (a *Analyzer) Analyze(ctx context.Context, img image.Image, rows, cols int) ([]CellResult, error) {
	if rows < 1 || cols < 1 {
		return nil, errors.Newf("grid must have at least one row and column, got %dx%d", rows, cols).
			Component("grid").
			Category(errors.CategoryValidation).
			Build()
	}
	if img == nil {
		return nil, gridDetectionError(errors.NewStd("image is nil"), rows, cols)
	}

	si, ok := img.(subImager)
	if !ok {
		return nil, gridDetectionError(fmt.Errorf("image type %T does not support cropping", img), rows, cols)
	}

	bounds := img.Bounds()
	if bounds.Dx() < cols || bounds.Dy() < rows {
		return nil, gridDetectionError(fmt.Errorf("image %dx%d is smaller than the grid", bounds.Dx(), bounds.Dy()), rows, cols)
	}

	results := make([]CellResult, 0, rows*cols)
	for row := range rows {
		for col := range cols {
			if err := ctx.Err(); err != nil {
				return nil, errors.New(err).
					Component("grid").
					Category(errors.CategoryCancellation).
					Context("row", row).
					Context("col", col).
					Build()
			}

			cell := CellBounds(bounds, row, col, rows, cols)
			dets, err := a.DetectVehicles(ctx, si.SubImage(cell))
			if err != nil {
				return nil, errors.New(fmt.Errorf("detect cell (%d,%d): %w", row, col, err)).
					Component("grid").
					Category(errors.CategoryDetection).
					Context("row", row).
					Context("col", col).
					Build()
			}

			results = append(results, CellResult{
				Row:          row,
				Col:          col,
				PixelBounds:  cell,
				VehicleCount: len(dets),
				DensityScore: a.calc.Score(len(dets), a.cellAreaKm2),
				Detections:   dets,
			})
		}
	}

	return results, nil
}

// DetectVehicles runs the detector once over img and keeps only vehicle
// detections at or above the confidence threshold. Whole-image and per-cell
// counts both go through it.
func (a *Analyzer) DetectVehicles(ctx context.Context, img image.Image) ([]detector.Detection, error) {
	dets, err := a.detector.Detect(ctx, img, a.confidenceThreshold, a.iouThreshold)
	if err != nil {
		return nil, err
	}
	return detector.FilterVehicles(dets, a.confidenceThreshold), nil
}

// Detections flattens the detections of all cells.
func Detections(cells []CellResult) []detector.Detection {
	var out []detector.Detection
	for i := range cells {
		out = append(out, cells[i].Detections...)
	}
	return out
}

// TotalVehicles sums the vehicle counts of all cells.
func TotalVehicles(cells []CellResult) int {
	total := 0
	for i := range cells {
		total += cells[i].VehicleCount
	}
	return total
}

func gridDetectionError(err error, rows, cols int) error {
	return errors.New(err).
		Component("grid").
		Category(errors.CategoryDetection).
		Context("rows", rows).
		Context("cols", cols).
		Build()
}
