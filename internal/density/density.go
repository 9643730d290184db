// Package density converts vehicle counts into a normalized 0-100 traffic density score.
package density

import "math"

// DefaultMaxVehiclesPerKm2 is the vehicle density that maps to a score of 100
const DefaultMaxVehiclesPerKm2 = 500

// MaxScore is the upper bound of every score
const MaxScore = 100

// Score returns min(100, floor(count/area/max*100)). A zero or negative area,
// a non-positive maximum or a negative count yields 0.
func Score(vehicleCount int, areaKm2 float64, maxVehiclesPerKm2 int) int {
	if vehicleCount <= 0 || maxVehiclesPerKm2 <= 0 {
		return 0
	}
	if areaKm2 <= 0 || math.IsNaN(areaKm2) || math.IsInf(areaKm2, 0) {
		return 0
	}

	perKm2 := float64(vehicleCount) / areaKm2
	raw := math.Floor(perKm2 / float64(maxVehiclesPerKm2) * MaxScore)
	if raw >= MaxScore {
		return MaxScore
	}
	return int(raw)
}

// Calculator binds Score to a configured maximum density.
type Calculator struct {
	MaxVehiclesPerKm2 int
}

// NewCalculator returns a Calculator, falling back to DefaultMaxVehiclesPerKm2
// when maxVehiclesPerKm2 is not positive.
func NewCalculator(maxVehiclesPerKm2 int) Calculator {
	if maxVehiclesPerKm2 <= 0 {
		maxVehiclesPerKm2 = DefaultMaxVehiclesPerKm2
	}
	return Calculator{MaxVehiclesPerKm2: maxVehiclesPerKm2}
}

// Score scores vehicleCount over areaKm2.
func (c Calculator) Score(vehicleCount int, areaKm2 float64) int {
	return Score(vehicleCount, areaKm2, c.MaxVehiclesPerKm2)
}
