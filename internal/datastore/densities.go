package datastore

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/geo"
	"github.com/tphakala/trafficsat/internal/observability/metrics"
)

// DefaultDensityLimit is used when LatestDensities gets a non-positive limit.
const DefaultDensityLimit = 100

// LatestDensities returns the newest density rows first.
func (ds *DataStore) LatestDensities(ctx context.Context, limit int) (rows []TrafficDensity, err error) {
	const op = "latest-densities"
	defer func(start time.Time) { ds.instrument(metrics.OpDbQuery, start, err) }(time.Now())

	if err := ds.ready(op); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultDensityLimit
	}
	rows = []TrafficDensity{}
	if err := ds.DB.WithContext(ctx).
		Order("analyzed_at DESC").Order("id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, dbError(err, op, errors.PriorityLow, "limit", limit)
	}
	return rows, nil
}

// DensitiesInArea returns rows inside bbox, bounds inclusive, analyzed at or
// after since.
func (ds *DataStore) DensitiesInArea(ctx context.Context, bbox geo.BBox, since time.Time) (rows []TrafficDensity, err error) {
	const op = "densities-in-area"
	defer func(start time.Time) { ds.instrument(metrics.OpDbQuery, start, err) }(time.Now())

	if err := ds.ready(op); err != nil {
		return nil, err
	}
	if err := bbox.Validate(); err != nil {
		return nil, validationError(err.Error(), "bbox", bbox.JSON())
	}

	rows = []TrafficDensity{}
	if err := ds.DB.WithContext(ctx).
		Where("latitude BETWEEN ? AND ?", bbox.MinLat, bbox.MaxLat).
		Where("longitude BETWEEN ? AND ?", bbox.MinLon, bbox.MaxLon).
		Where("analyzed_at >= ?", since.UTC()).
		Order("analyzed_at DESC").Order("id DESC").
		Find(&rows).Error; err != nil {
		return nil, dbError(err, op, errors.PriorityLow, "bbox", bbox.JSON())
	}
	return rows, nil
}

// DensitySummary aggregates all rows analyzed at or after since.
// TotalRecords is zero when the window is empty.
func (ds *DataStore) DensitySummary(ctx context.Context, since time.Time) (summary *DensitySummary, err error) {
	const op = "density-summary"
	defer func(start time.Time) { ds.instrument(metrics.OpDbAnalytics, start, err) }(time.Now())

	if err := ds.ready(op); err != nil {
		return nil, err
	}

	var agg struct {
		Total       int64
		AvgScore    sql.NullFloat64
		MaxScore    sql.NullInt64
		MinScore    sql.NullInt64
		SumVehicles sql.NullInt64
		AvgVehicles sql.NullFloat64
	}
	if err := ds.DB.WithContext(ctx).
		Model(&TrafficDensity{}).
		Select(`COUNT(*) AS total,
			AVG(density_score) AS avg_score,
			MAX(density_score) AS max_score,
			MIN(density_score) AS min_score,
			SUM(vehicle_count) AS sum_vehicles,
			AVG(vehicle_count) AS avg_vehicles`).
		Where("analyzed_at >= ?", since.UTC()).
		Scan(&agg).Error; err != nil {
		return nil, dbError(err, op, errors.PriorityLow)
	}

	return &DensitySummary{
		TimeRangeHours:        math.Round(time.Since(since).Hours()*100) / 100,
		TotalRecords:          agg.Total,
		AvgDensityScore:       agg.AvgScore.Float64,
		MaxDensityScore:       int(agg.MaxScore.Int64),
		MinDensityScore:       int(agg.MinScore.Int64),
		TotalVehiclesDetected: agg.SumVehicles.Int64,
		AvgVehiclesPerArea:    agg.AvgVehicles.Float64,
	}, nil
}
