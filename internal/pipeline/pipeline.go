// Package pipeline runs one end-to-end traffic analysis: fetch an image,
// detect vehicles, score density and persist the result.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/trafficsat/internal/datastore"
	"github.com/tphakala/trafficsat/internal/density"
	"github.com/tphakala/trafficsat/internal/detector"
	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/events"
	"github.com/tphakala/trafficsat/internal/geo"
	"github.com/tphakala/trafficsat/internal/grid"
	"github.com/tphakala/trafficsat/internal/imagesource"
	"github.com/tphakala/trafficsat/internal/logger"
	"github.com/tphakala/trafficsat/internal/observability/metrics"
)

// ErrRunInProgress is returned when a run is requested while another one
// holds the gate.
var ErrRunInProgress = errors.NewStd("analysis run already in progress")

// Mode distinguishes the two kinds of run.
type Mode string

const (
	ModeWholeArea  Mode = "whole_area"
	ModeCustomArea Mode = "custom_area"
)

// Stages reported on failures.
const (
	StageFetch    = "fetch"
	StagePersist  = "persist"
	StageDetect   = "detect"
	StageComplete = "complete"
)

// Listener receives run events. events.Bus implements it.
type Listener interface {
	TryPublish(event events.RunEvent) bool
}

// Dependencies are the collaborators of an Orchestrator.
type Dependencies struct {
	Store    datastore.Interface
	Source   imagesource.ImageSource
	Detector detector.Detector
	Logger   logger.Logger
	Metrics  *metrics.PipelineMetrics // optional

	// SourceErr is the error from constructing Source. When Source is nil
	// runs fail fast with it.
	SourceErr error

	Listeners []Listener
}

// RunResult summarizes a successful run.
type RunResult struct {
	RunID        string                     `json:"run_id"`
	Mode         Mode                       `json:"mode"`
	ImageID      string                     `json:"image_id"`
	BBox         geo.BBox                   `json:"bbox"`
	CaptureTime  time.Time                  `json:"capture_time"`
	VehicleCount int                        `json:"vehicle_count"`
	DensityScore int                        `json:"density_score"`
	Classes      map[string]int             `json:"classes"`
	AreaKm2      float64                    `json:"area_km2"`
	Cells        []grid.CellResult          `json:"-"`
	Densities    []datastore.TrafficDensity `json:"densities"`
	StartedAt    time.Time                  `json:"started_at"`
	Duration     time.Duration              `json:"duration_ns"`
}

// Orchestrator executes runs. At most one run is in flight per instance.
type Orchestrator struct {
	deps     Dependencies
	cfg      Config
	calc     density.Calculator
	analyzer *grid.Analyzer
	log      logger.Logger

	gate    sync.Mutex
	running atomic.Bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig replaces the analysis parameters.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// New validates deps and builds an orchestrator.
func New(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, configError("store dependency is required")
	}
	if deps.Detector == nil {
		return nil, configError("detector dependency is required")
	}
	if deps.Source == nil && deps.SourceErr == nil {
		return nil, configError("image source dependency is required")
	}

	o := &Orchestrator{
		deps: deps,
		cfg:  DefaultConfig(),
		log:  deps.Logger,
	}
	if o.log == nil {
		o.log = logger.Global().Module("pipeline")
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.cfg.DefaultBBox.Validate(); err != nil {
		return nil, configError("default bbox is invalid: " + err.Error())
	}

	o.calc = density.NewCalculator(o.cfg.MaxVehiclesPerKm2)
	o.analyzer = grid.NewAnalyzer(deps.Detector,
		grid.WithCellArea(o.cfg.CellAreaKm2),
		grid.WithMaxVehiclesPerKm2(o.cfg.MaxVehiclesPerKm2),
		grid.WithThresholds(o.cfg.ConfidenceThreshold, o.cfg.IoUThreshold))
	return o, nil
}

// Config returns the analysis parameters in use.
func (o *Orchestrator) Config() Config { return o.cfg }

// ReadOnly reports whether runs are disabled because the image source
// could not be constructed.
func (o *Orchestrator) ReadOnly() bool { return o.deps.Source == nil }

// Busy reports whether a run currently holds the gate.
func (o *Orchestrator) Busy() bool { return o.running.Load() }

// RunWholeArea analyzes the default area with a single detector call.
func (o *Orchestrator) RunWholeArea(ctx context.Context) (*RunResult, error) {
	return o.run(ctx, ModeWholeArea, o.cfg.DefaultBBox)
}

// RunCustomArea analyzes bbox on a grid, one density row per cell.
func (o *Orchestrator) RunCustomArea(ctx context.Context, bbox geo.BBox) (*RunResult, error) {
	if err := bbox.Validate(); err != nil {
		return nil, errors.New(err).
			Component("pipeline").
			Category(errors.CategoryValidation).
			Context("bbox", bbox.JSON()).
			Build()
	}
	return o.run(ctx, ModeCustomArea, bbox)
}

// run holds the gate for the whole run and never blocks waiting for it.
func (o *Orchestrator) run(ctx context.Context, mode Mode, bbox geo.BBox) (*RunResult, error) {
	if !o.gate.TryLock() {
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordGateRejection()
		}
		return nil, errors.New(ErrRunInProgress).
			Component("pipeline").
			Category(errors.CategoryConflict).
			Context("mode", string(mode)).
			Build()
	}
	o.running.Store(true)
	defer func() {
		o.running.Store(false)
		o.gate.Unlock()
	}()

	res := &RunResult{
		RunID:     uuid.NewString(),
		Mode:      mode,
		BBox:      bbox,
		AreaKm2:   bbox.AreaKm2(),
		StartedAt: time.Now(),
	}
	if logger.TraceIDFromContext(ctx) == "" {
		ctx = logger.WithTraceID(ctx, res.RunID)
	}
	log := o.log.WithContext(ctx).With(
		logger.String("run_id", res.RunID),
		logger.String("mode", string(mode)))
	log.Info("analysis run started", logger.String("bbox", bbox.JSON()))

	var err error
	var stage string
	switch mode {
	case ModeCustomArea:
		stage, err = o.execute(ctx, res, o.detectGrid)
	default:
		stage, err = o.execute(ctx, res, o.detectWhole)
	}
	res.Duration = time.Since(res.StartedAt)

	if err != nil {
		o.reportFailure(log, res, stage, err)
		return nil, err
	}
	o.reportSuccess(log, res)
	return res, nil
}

// detectFunc fills the vehicle count, score and density rows of res.
type detectFunc func(ctx context.Context, acq *imagesource.Acquisition, res *RunResult) error

// execute runs the common fetch, persist, detect and complete stages. It
// returns the failed stage with the error.
func (o *Orchestrator) execute(ctx context.Context, res *RunResult, detect detectFunc) (string, error) {
	acq, err := o.fetch(ctx, res)
	if err != nil {
		return StageFetch, err
	}
	res.ImageID = acq.ImageID
	res.CaptureTime = acq.CaptureTime

	img := &datastore.SatelliteImage{
		ImageID:          acq.ImageID,
		BBox:             res.BBox.JSON(),
		CaptureTime:      acq.CaptureTime,
		ProcessedAt:      time.Now(),
		ProcessingStatus: datastore.StatusProcessing,
	}
	if err := o.deps.Store.SaveSatelliteImage(ctx, img); err != nil {
		return StagePersist, persistenceError(err, "save-satellite-image", acq.ImageID)
	}

	if err := detect(ctx, acq, res); err != nil {
		return StageDetect, o.markFailed(acq.ImageID, err)
	}

	if err := o.deps.Store.CompleteRun(ctx, acq.ImageID, res.VehicleCount, res.Densities); err != nil {
		return StageComplete, o.markFailed(acq.ImageID, persistenceError(err, "complete-run", acq.ImageID))
	}
	return "", nil
}

func (o *Orchestrator) fetch(ctx context.Context, res *RunResult) (*imagesource.Acquisition, error) {
	if o.deps.Source == nil {
		return nil, o.deps.SourceErr
	}
	var (
		acq *imagesource.Acquisition
		err error
	)
	if res.Mode == ModeCustomArea {
		acq, err = o.deps.Source.FetchForBBox(ctx, res.BBox, o.cfg.Resolution)
	} else {
		acq, err = o.deps.Source.FetchLatest(ctx, res.BBox, o.cfg.Resolution, o.cfg.MaxCloudCoverage)
	}
	if err != nil {
		return nil, ensureCategory(err, errors.CategoryImageFetch)
	}
	if acq == nil || acq.Image == nil {
		return nil, errors.Newf("image source returned no image").
			Component("pipeline").
			Category(errors.CategoryImageFetch).
			Build()
	}
	return acq, nil
}

// detectWhole runs the detector once over the full image.
func (o *Orchestrator) detectWhole(ctx context.Context, acq *imagesource.Acquisition, res *RunResult) error {
	dets, err := o.analyzer.DetectVehicles(ctx, acq.Image)
	if err != nil {
		return ensureCategory(err, errors.CategoryDetection)
	}

	res.VehicleCount = len(dets)
	res.Classes = detector.CountByClass(dets)
	res.DensityScore = o.calc.Score(res.VehicleCount, o.cfg.WholeAreaKm2)

	lon, lat := res.BBox.Centroid()
	res.Densities = []datastore.TrafficDensity{{
		Latitude:     lat,
		Longitude:    lon,
		DensityScore: res.DensityScore,
		VehicleCount: res.VehicleCount,
		AnalyzedAt:   time.Now(),
	}}
	return nil
}

// detectGrid runs the grid analyzer and emits one row per cell. The image
// total is the sum of the cells.
func (o *Orchestrator) detectGrid(ctx context.Context, acq *imagesource.Acquisition, res *RunResult) error {
	rows, cols := o.cfg.GridRows, o.cfg.GridCols
	cells, err := o.analyzer.Analyze(ctx, acq.Image, rows, cols)
	if err != nil {
		return ensureCategory(err, errors.CategoryDetection)
	}

	now := time.Now()
	res.Cells = cells
	res.Densities = make([]datastore.TrafficDensity, 0, len(cells))
	for _, c := range cells {
		lon, lat := res.BBox.CellCenter(c.Row, c.Col, rows, cols)
		res.Densities = append(res.Densities, datastore.TrafficDensity{
			Latitude:     lat,
			Longitude:    lon,
			DensityScore: c.DensityScore,
			VehicleCount: c.VehicleCount,
			AnalyzedAt:   now,
		})
	}
	res.VehicleCount = grid.TotalVehicles(cells)
	res.Classes = detector.CountByClass(grid.Detections(cells))
	res.DensityScore = o.calc.Score(res.VehicleCount, o.cfg.CellAreaKm2*float64(rows*cols))
	return nil
}

// markFailed flips the image to failed. The flip runs even when the run
// context is already cancelled. A failed flip is joined to cause.
func (o *Orchestrator) markFailed(imageID string, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := o.deps.Store.UpdateSatelliteImageStatus(ctx, imageID, datastore.StatusFailed); err != nil {
		o.log.Error("failed to mark satellite image failed",
			logger.String("image_id", imageID),
			logger.Error(err))
		return errors.Join(cause, persistenceError(err, "mark-failed", imageID))
	}
	return cause
}

func (o *Orchestrator) reportSuccess(log logger.Logger, res *RunResult) {
	lon, lat := res.BBox.Centroid()
	log.Info("analysis run completed",
		logger.String("image_id", res.ImageID),
		logger.Int("vehicles", res.VehicleCount),
		logger.Int("density_score", res.DensityScore),
		logger.Any("classes", res.Classes),
		logger.Float64("area_km2", res.AreaKm2),
		logger.Float64("latitude", lat),
		logger.Float64("longitude", lon),
		logger.Int("density_rows", len(res.Densities)),
		logger.Duration("duration", res.Duration))

	if m := o.deps.Metrics; m != nil {
		m.RecordRun(string(res.Mode), metrics.StatusSuccess, res.Duration)
		m.AddVehicles(string(res.Mode), res.VehicleCount)
		m.SetLastScore(string(res.Mode), res.DensityScore)
	}

	samples := make([]events.Sample, 0, len(res.Densities))
	for _, d := range res.Densities {
		samples = append(samples, events.Sample{
			Latitude:     d.Latitude,
			Longitude:    d.Longitude,
			DensityScore: d.DensityScore,
			VehicleCount: d.VehicleCount,
			AnalyzedAt:   d.AnalyzedAt,
			ImageID:      res.ImageID,
		})
	}
	o.publish(events.RunEvent{
		Kind:         events.KindRunCompleted,
		Mode:         string(res.Mode),
		ImageID:      res.ImageID,
		BBox:         res.BBox,
		CaptureTime:  res.CaptureTime,
		VehicleCount: res.VehicleCount,
		DensityScore: res.DensityScore,
		Samples:      samples,
		Duration:     res.Duration,
		Timestamp:    time.Now(),
	})
}

func (o *Orchestrator) reportFailure(log logger.Logger, res *RunResult, stage string, err error) {
	category := categoryOf(err)
	log.Error("analysis run failed",
		logger.String("stage", stage),
		logger.String("category", category),
		logger.String("image_id", res.ImageID),
		logger.Duration("duration", res.Duration),
		logger.Error(err))

	if m := o.deps.Metrics; m != nil {
		m.RecordRun(string(res.Mode), metrics.StatusError, res.Duration)
		m.RecordError(stage, category)
	}

	o.publish(events.RunEvent{
		Kind:      events.KindRunFailed,
		Mode:      string(res.Mode),
		ImageID:   res.ImageID,
		BBox:      res.BBox,
		Stage:     stage,
		Error:     err.Error(),
		Category:  category,
		Duration:  res.Duration,
		Timestamp: time.Now(),
	})
}

func (o *Orchestrator) publish(event events.RunEvent) {
	for _, l := range o.deps.Listeners {
		if l != nil && !l.TryPublish(event) {
			o.log.Debug("run event not delivered", logger.String("kind", string(event.Kind)))
		}
	}
}
