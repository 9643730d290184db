package datastore

import (
	"time"
)

// ProcessingStatus is the lifecycle state of a SatelliteImage.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// Valid reports whether s is a known status.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// allowedFrom lists, per target status, the statuses it may be reached from.
// Status only moves forward along pending -> processing -> completed|failed.
var allowedFrom = map[ProcessingStatus][]ProcessingStatus{
	StatusProcessing: {StatusPending},
	StatusCompleted:  {StatusProcessing},
	StatusFailed:     {StatusPending, StatusProcessing},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to ProcessingStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// SatelliteImage is one fetched scene and the state of its analysis.
type SatelliteImage struct {
	ID                uint             `gorm:"primaryKey" json:"id"`
	ImageID           string           `gorm:"uniqueIndex;size:128;not null" json:"image_id"`
	BBox              string           `gorm:"size:255;not null" json:"bbox"` // JSON [minLon,minLat,maxLon,maxLat]
	CaptureTime       time.Time        `json:"capture_time"`
	ProcessedAt       time.Time        `gorm:"index" json:"processed_at"`
	ProcessingStatus  ProcessingStatus `gorm:"size:16;not null;default:pending;index" json:"processing_status"`
	VehicleDetections int              `gorm:"not null;default:0" json:"vehicle_detections"`
}

// TableName overrides the pluralized default.
func (SatelliteImage) TableName() string { return "satellite_images" }

// TrafficDensity is one density sample at a point.
type TrafficDensity struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	Latitude         float64   `gorm:"index;not null" json:"latitude"`
	Longitude        float64   `gorm:"index;not null" json:"longitude"`
	DensityScore     int       `gorm:"not null" json:"density_score"`
	VehicleCount     int       `gorm:"not null" json:"vehicle_count"`
	AnalyzedAt       time.Time `gorm:"index;not null" json:"analyzed_at"`
	SatelliteImageID *string   `gorm:"size:128;index" json:"satellite_image_id,omitempty"`
}

// TableName overrides the pluralized default.
func (TrafficDensity) TableName() string { return "traffic_density" }

// DensitySummary aggregates TrafficDensity rows over a time window.
type DensitySummary struct {
	TimeRangeHours        float64 `json:"time_range_hours"`
	TotalRecords          int64   `json:"total_records"`
	AvgDensityScore       float64 `json:"avg_density_score"`
	MaxDensityScore       int     `json:"max_density_score"`
	MinDensityScore       int     `json:"min_density_score"`
	TotalVehiclesDetected int64   `json:"total_vehicles_detected"`
	AvgVehiclesPerArea    float64 `json:"avg_vehicles_per_area"`
}
