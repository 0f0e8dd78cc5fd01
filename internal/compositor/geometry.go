package compositor

import "math"

const (
	// EarthRadius is the mean earth radius in meters.
	EarthRadius = 6371000.0

	// EffectiveRadiusFactor models standard atmospheric refraction.
	EffectiveRadiusFactor = 4.0 / 3.0
)

// Geometry computes the vertical extent of a radar beam.
type Geometry interface {
	// HeightBounds returns the lower and upper beam height in meters above
	// sea level at slant range r (m) and elevation (degrees).
	HeightBounds(r, elevation, antennaHeight float64) (lower, upper float64)
}

// BeamGeometry is the 4/3 effective earth radius beam model.
type BeamGeometry struct {
	// BeamWidth is the half-power beam width in degrees.
	BeamWidth float64
}

// HeightBounds implements Geometry.
func (b BeamGeometry) HeightBounds(r, elevation, antennaHeight float64) (float64, float64) {
	half := b.BeamWidth / 2
	lower := BeamHeight(r, elevation-half) + antennaHeight
	upper := BeamHeight(r, elevation+half) + antennaHeight
	return lower, upper
}

// BeamHeight returns the height of the beam axis above the antenna at slant
// range r for an elevation in degrees.
func BeamHeight(r, elevation float64) float64 {
	re := EffectiveRadiusFactor * EarthRadius
	theta := elevation * math.Pi / 180
	return math.Sqrt(r*r+re*re+2*r*re*math.Sin(theta)) - re
}
