// Package detector defines vehicle detection over imagery and an HTTP client
// for a YOLO style inference server.
package detector

import (
	"context"
	"image"
)

// Default thresholds for vehicle detection
const (
	DefaultConfidenceThreshold = 0.25
	DefaultIoUThreshold        = 0.45
)

// VehicleClass is a COCO class id.
type VehicleClass int

// COCO class ids counted as vehicles
const (
	ClassCar        VehicleClass = 2
	ClassMotorcycle VehicleClass = 3
	ClassBus        VehicleClass = 5
	ClassTruck      VehicleClass = 7
)

// VehicleClasses lists every class kept by detectors.
var VehicleClasses = []VehicleClass{ClassCar, ClassMotorcycle, ClassBus, ClassTruck}

// String returns the class name, "vehicle" for unknown ids.
func (c VehicleClass) String() string {
	switch c {
	case ClassCar:
		return "car"
	case ClassMotorcycle:
		return "motorcycle"
	case ClassBus:
		return "bus"
	case ClassTruck:
		return "truck"
	default:
		return "vehicle"
	}
}

// IsVehicle reports whether c is one of the counted vehicle classes.
func (c VehicleClass) IsVehicle() bool {
	switch c {
	case ClassCar, ClassMotorcycle, ClassBus, ClassTruck:
		return true
	default:
		return false
	}
}

// Detection is one detected vehicle. BBox is [x1, y1, x2, y2] in pixels of
// the image passed to Detect.
type Detection struct {
	BBox       [4]float64   `json:"bbox"`
	Confidence float64      `json:"confidence"`
	Class      VehicleClass `json:"class_id"`
}

// ClassName returns the name of the detection class.
func (d Detection) ClassName() string {
	return d.Class.String()
}

// Detector finds vehicles in an image. Implementations return only vehicle
// classes and report malformed input as a detection category error.
type Detector interface {
	Detect(ctx context.Context, img image.Image, confidenceThreshold, iouThreshold float64) ([]Detection, error)
}

// Func adapts a function to the Detector interface.
type Func func(ctx context.Context, img image.Image, confidenceThreshold, iouThreshold float64) ([]Detection, error)

// Detect calls f.
func (f Func) Detect(ctx context.Context, img image.Image, confidenceThreshold, iouThreshold float64) ([]Detection, error) {
	return f(ctx, img, confidenceThreshold, iouThreshold)
}

// FilterVehicles drops detections of non vehicle classes and those below
// the confidence threshold.
func FilterVehicles(dets []Detection, confidenceThreshold float64) []Detection {
	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if !d.Class.IsVehicle() || d.Confidence < confidenceThreshold {
			continue
		}
		out = append(out, d)
	}
	return out
}

// CountByClass tallies detections per class name.
func CountByClass(dets []Detection) map[string]int {
	counts := make(map[string]int, len(VehicleClasses))
	for _, d := range dets {
		counts[d.ClassName()]++
	}
	return counts
}
