package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/logger"
	"github.com/tphakala/trafficsat/internal/observability/metrics"
)

// DefaultImagesLimit is used when SatelliteImages gets a non-positive limit.
const DefaultImagesLimit = 10

func (ds *DataStore) ready(operation string) error {
	if ds.DB == nil {
		return stateError("database connection is not initialized", operation)
	}
	return nil
}

// SaveSatelliteImage inserts img. ProcessedAt defaults to now and the status
// to pending. Duplicate image ids are a conflict error.
func (ds *DataStore) SaveSatelliteImage(ctx context.Context, img *SatelliteImage) (err error) {
	const op = "save-satellite-image"
	defer func(start time.Time) { ds.instrument(metrics.OpDbInsert, start, err) }(time.Now())

	if err := ds.ready(op); err != nil {
		return err
	}
	if img == nil || img.ImageID == "" {
		return validationError("satellite image id is required", "image_id", "")
	}
	if img.ProcessingStatus == "" {
		img.ProcessingStatus = StatusPending
	}
	if !img.ProcessingStatus.Valid() {
		return validationError("unknown processing status", "processing_status", img.ProcessingStatus)
	}
	if img.ProcessedAt.IsZero() {
		img.ProcessedAt = time.Now()
	}
	img.ProcessedAt = img.ProcessedAt.UTC()
	img.CaptureTime = img.CaptureTime.UTC()

	if err := ds.DB.WithContext(ctx).Create(img).Error; err != nil {
		return dbError(err, op, errors.PriorityMedium, "image_id", img.ImageID)
	}
	return nil
}

// UpdateSatelliteImageStatus moves imageID to status if the transition is
// legal. The update is conditional on the current status, so a concurrent
// or illegal change never reverts a final state.
func (ds *DataStore) UpdateSatelliteImageStatus(ctx context.Context, imageID string, status ProcessingStatus) (err error) {
	const op = "update-satellite-image-status"
	defer func(start time.Time) { ds.instrument(metrics.OpDbUpdate, start, err) }(time.Now())

	if err := ds.ready(op); err != nil {
		return err
	}
	return transitionStatus(ds.DB.WithContext(ctx), imageID, status, nil)
}

// transitionStatus performs the conditional update inside db, which may be a
// transaction. Extra columns are updated together with the status.
func transitionStatus(db *gorm.DB, imageID string, status ProcessingStatus, extra map[string]any) error {
	const op = "update-satellite-image-status"
	if !status.Valid() {
		return validationError("unknown processing status", "processing_status", status)
	}
	from := allowedFrom[status]
	if len(from) == 0 {
		return stateError("status cannot be set to "+string(status), op,
			"image_id", imageID, "to", string(status))
	}

	updates := map[string]any{"processing_status": status}
	for k, v := range extra {
		updates[k] = v
	}

	res := db.Model(&SatelliteImage{}).
		Where("image_id = ? AND processing_status IN ?", imageID, from).
		Updates(updates)
	if res.Error != nil {
		return dbError(res.Error, op, errors.PriorityMedium, "image_id", imageID)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	// Nothing matched: either the image is missing or the move is illegal
	var current SatelliteImage
	if err := db.Select("processing_status").Where("image_id = ?", imageID).Take(&current).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFoundError(imageID, op)
		}
		return dbError(err, op, errors.PriorityMedium, "image_id", imageID)
	}
	return stateError("illegal status transition "+string(current.ProcessingStatus)+" -> "+string(status), op,
		"image_id", imageID,
		"from", string(current.ProcessingStatus),
		"to", string(status))
}

// CompleteRun marks imageID completed with vehicleCount and inserts the
// density rows. Either both happen or neither does.
func (ds *DataStore) CompleteRun(ctx context.Context, imageID string, vehicleCount int, densities []TrafficDensity) (err error) {
	const op = "complete-run"
	defer func(start time.Time) { ds.instrument(metrics.OpDbTransaction, start, err) }(time.Now())

	if err := ds.ready(op); err != nil {
		return err
	}
	if vehicleCount < 0 {
		return validationError("vehicle count must not be negative", "vehicle_detections", vehicleCount)
	}

	now := time.Now().UTC()
	rows := make([]TrafficDensity, len(densities))
	for i := range densities {
		d := densities[i]
		if d.DensityScore < 0 || d.DensityScore > 100 {
			return validationError("density score out of range", "density_score", d.DensityScore)
		}
		if d.VehicleCount < 0 {
			return validationError("vehicle count must not be negative", "vehicle_count", d.VehicleCount)
		}
		d.ID = 0
		if d.AnalyzedAt.IsZero() {
			d.AnalyzedAt = now
		}
		d.AnalyzedAt = d.AnalyzedAt.UTC()
		ref := imageID
		d.SatelliteImageID = &ref
		rows[i] = d
	}

	err = ds.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := transitionStatus(tx, imageID, StatusCompleted, map[string]any{
			"vehicle_detections": vehicleCount,
		}); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return dbError(err, op, errors.PriorityHigh, "image_id", imageID, "rows", len(rows))
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(*errors.EnhancedError); !ok {
			err = dbError(err, op, errors.PriorityHigh, "image_id", imageID)
		}
		return err
	}

	for i := range rows {
		if i < len(densities) {
			densities[i].ID = rows[i].ID
		}
	}
	ds.log.Debug("run completed in datastore",
		logger.String("image_id", imageID),
		logger.Int("vehicle_detections", vehicleCount),
		logger.Int("density_rows", len(rows)))
	return nil
}

// GetSatelliteImage returns one image by its image id.
func (ds *DataStore) GetSatelliteImage(ctx context.Context, imageID string) (img *SatelliteImage, err error) {
	const op = "get-satellite-image"
	defer func(start time.Time) { ds.instrument(metrics.OpDbQuery, start, err) }(time.Now())

	if err := ds.ready(op); err != nil {
		return nil, err
	}
	var out SatelliteImage
	if err := ds.DB.WithContext(ctx).Where("image_id = ?", imageID).Take(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError(imageID, op)
		}
		return nil, dbError(err, op, errors.PriorityLow, "image_id", imageID)
	}
	return &out, nil
}

// SatelliteImages lists images newest first, optionally filtered by status.
func (ds *DataStore) SatelliteImages(ctx context.Context, limit int, status ProcessingStatus) (images []SatelliteImage, err error) {
	const op = "list-satellite-images"
	defer func(start time.Time) { ds.instrument(metrics.OpDbQuery, start, err) }(time.Now())

	if err := ds.ready(op); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultImagesLimit
	}
	if status != "" && !status.Valid() {
		return nil, validationError("unknown processing status", "status", status)
	}

	q := ds.DB.WithContext(ctx).Order("processed_at DESC").Order("id DESC").Limit(limit)
	if status != "" {
		q = q.Where("processing_status = ?", status)
	}
	images = []SatelliteImage{}
	if err := q.Find(&images).Error; err != nil {
		return nil, dbError(err, op, errors.PriorityLow)
	}
	return images, nil
}
