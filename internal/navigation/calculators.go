package navigation

import (
	"fmt"
	"math"

	"github.com/yegors/safewalk/internal/geo"
	"github.com/yegors/safewalk/internal/route"
)

// DeviationMode selects how the distance from a position to the route is
// measured
type DeviationMode string

const (
	// DeviationVertex uses the nearest route vertex
	DeviationVertex DeviationMode = "vertex"
	// DeviationSegment projects onto the nearest route segment
	DeviationSegment DeviationMode = "segment"
)

// DeviationDetector decides whether a position has left the route
type DeviationDetector struct {
	ThresholdMeters float64
	Mode            DeviationMode
}

// Deviation returns the distance in meters from pos to the route, or +Inf
// for an empty route.
func (d DeviationDetector) Deviation(pos geo.GeoPoint, path route.Path) float64 {
	if d.Mode == DeviationSegment {
		return geo.NearestSegmentDistance(pos, path)
	}
	dist, _ := geo.NearestVertexDistance(pos, path)
	return dist
}

// IsOffRoute reports whether pos is strictly farther than the threshold from
// the route. An empty route is never left.
func (d DeviationDetector) IsOffRoute(pos geo.GeoPoint, path route.Path) bool {
	if len(path) == 0 {
		return false
	}
	return d.Deviation(pos, path) > d.ThresholdMeters
}

// Progress is the progress of a position towards the destination
type Progress struct {
	DistanceRemainingMeters float64
	DistanceText            string
	ETASeconds              float64
	ETAText                 string
	Percent                 float64
}

// ProgressEstimator measures progress as straight-line distance to the
// destination against the straight-line length from the route origin.
type ProgressEstimator struct {
	destination geo.GeoPoint
	total       float64
	speedMps    float64
}

// NewProgressEstimator returns an estimator for path. It returns false for
// an empty path, which has no destination.
func NewProgressEstimator(path route.Path, walkingSpeedKmh float64) (ProgressEstimator, bool) {
	origin, ok := path.Origin()
	if !ok {
		return ProgressEstimator{}, false
	}
	dest, _ := path.Destination()
	return ProgressEstimator{
		destination: dest,
		total:       geo.Distance(origin, dest),
		speedMps:    walkingSpeedKmh * 1000 / 3600,
	}, true
}

// TotalMeters returns the straight-line origin to destination distance
func (e ProgressEstimator) TotalMeters() float64 {
	return e.total
}

// Estimate computes remaining distance, ETA and percent complete at pos
func (e ProgressEstimator) Estimate(pos geo.GeoPoint) Progress {
	remaining := geo.Distance(pos, e.destination)
	eta := 0.0
	if e.speedMps > 0 {
		eta = remaining / e.speedMps
	}
	return Progress{
		DistanceRemainingMeters: remaining,
		DistanceText:            FormatDistance(remaining),
		ETASeconds:              eta,
		ETAText:                 FormatETA(eta),
		Percent:                 ProgressPercent(e.total, remaining),
	}
}

// ProgressPercent returns (total-remaining)/total as a percentage clamped to
// [0, 100]. A zero-length route is complete.
func ProgressPercent(total, remaining float64) float64 {
	if total <= 0 || remaining <= 0 {
		return 100
	}
	p := (total - remaining) / total * 100
	return math.Min(100, math.Max(0, p))
}

// FormatDistance renders meters as "420 m" below one kilometre and "1.3 km"
// above.
func FormatDistance(meters float64) string {
	if meters < 1000 {
		return fmt.Sprintf("%d m", int(math.Round(meters)))
	}
	return fmt.Sprintf("%.1f km", meters/1000)
}

// FormatETA renders seconds rounded up to whole minutes
func FormatETA(seconds float64) string {
	minutes := int(math.Ceil(seconds / 60))
	if minutes < 60 {
		return fmt.Sprintf("%d min", minutes)
	}
	return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
}

// ArrivalDetector fires once when a position comes within the arrival
// radius of the destination.
type ArrivalDetector struct {
	destination geo.GeoPoint
	radius      float64
	enabled     bool
	arrived     bool
}

// NewArrivalDetector returns a detector for path. Detection is disabled for
// an empty path.
func NewArrivalDetector(path route.Path, radiusMeters float64) *ArrivalDetector {
	dest, ok := path.Destination()
	return &ArrivalDetector{
		destination: dest,
		radius:      radiusMeters,
		enabled:     ok,
	}
}

// Check returns true the first time pos is strictly inside the radius and
// false on every later call.
func (a *ArrivalDetector) Check(pos geo.GeoPoint) bool {
	if !a.enabled || a.arrived {
		return false
	}
	if geo.Distance(pos, a.destination) < a.radius {
		a.arrived = true
		return true
	}
	return false
}

// Arrived reports whether arrival has been signalled
func (a *ArrivalDetector) Arrived() bool {
	return a.arrived
}

// QualifiedStep returns the number of thresholds that percent strictly
// exceeds.
func QualifiedStep(percent float64, thresholds []float64) int {
	step := 0
	for _, th := range thresholds {
		if percent > th {
			step++
		}
	}
	return step
}

// AdvanceStep applies the progress step rule: the step only moves forward
// and never past the last instruction.
func AdvanceStep(current int, percent float64, thresholds []float64, instructions int) int {
	step := max(current, QualifiedStep(percent, thresholds))
	return clampStep(step, instructions)
}

func clampStep(step, instructions int) int {
	if instructions <= 0 {
		return 0
	}
	return min(step, instructions-1)
}
