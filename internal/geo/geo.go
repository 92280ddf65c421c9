package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Constants for geodesic calculations
const (
	// EarthRadiusMeters is the mean Earth radius used by Distance
	EarthRadiusMeters = 6371000.0

	degToRad = math.Pi / 180.0
	radToDeg = 180.0 / math.Pi
)

// GeoPoint is a WGS84 position in degrees.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// String formats the point as "lat,lng" with six decimals
func (p GeoPoint) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}

// Distance calculates the great-circle distance in meters between two points
// using the haversine formula.
func Distance(a, b GeoPoint) float64 {
	lat1Rad := a.Lat * degToRad
	lat2Rad := b.Lat * degToRad
	dlat := (b.Lat - a.Lat) * degToRad
	dlon := (b.Lng - a.Lng) * degToRad

	h := math.Pow(math.Sin(dlat/2), 2) + math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Pow(math.Sin(dlon/2), 2)
	// Rounding can push h just outside [0,1] for antipodal points
	h = math.Min(1, math.Max(0, h))
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusMeters * c
}

// Bearing calculates the initial bearing in degrees from one point to another.
// Returns a value in [0, 360) (0 = North, 90 = East, etc.)
func Bearing(from, to GeoPoint) float64 {
	lat1Rad := from.Lat * degToRad
	lat2Rad := to.Lat * degToRad
	dlon := (to.Lng - from.Lng) * degToRad

	y := math.Sin(dlon) * math.Cos(lat2Rad)
	x := math.Cos(lat1Rad)*math.Sin(lat2Rad) - math.Sin(lat1Rad)*math.Cos(lat2Rad)*math.Cos(dlon)
	bearing := math.Atan2(y, x) * radToDeg

	bearing = math.Mod(bearing+360.0, 360.0)
	if bearing >= 360.0 {
		bearing = 0
	}
	return bearing
}

// NearestVertexDistance returns the smallest Distance from p to any vertex of
// path, and the index of that vertex. It returns +Inf and -1 for an empty path.
func NearestVertexDistance(p GeoPoint, path []GeoPoint) (float64, int) {
	minDist := math.Inf(1)
	idx := -1
	for i, v := range path {
		if d := Distance(p, v); d < minDist {
			minDist = d
			idx = i
		}
	}
	return minDist, idx
}

// NearestSegmentDistance returns the smallest distance in meters from p to
// any segment of path. Each segment is projected onto a local equirectangular
// plane centred on p, which is accurate for the short segments of walking
// routes. A single-vertex path degrades to the vertex distance.
func NearestSegmentDistance(p GeoPoint, path []GeoPoint) float64 {
	switch len(path) {
	case 0:
		return math.Inf(1)
	case 1:
		return Distance(p, path[0])
	}

	cosLat := math.Cos(p.Lat * degToRad)
	toXY := func(q GeoPoint) (float64, float64) {
		return (q.Lng - p.Lng) * degToRad * cosLat * EarthRadiusMeters,
			(q.Lat - p.Lat) * degToRad * EarthRadiusMeters
	}

	minDist := math.Inf(1)
	for i := 0; i < len(path)-1; i++ {
		x1, y1 := toXY(path[i])
		x2, y2 := toXY(path[i+1])
		vx, vy := x2-x1, y2-y1

		t := 0.0
		if denom := vx*vx + vy*vy; denom > 0 {
			t = -(x1*vx + y1*vy) / denom
			t = math.Min(1, math.Max(0, t))
		}
		px, py := x1+t*vx, y1+t*vy
		if d := math.Hypot(px, py); d < minDist {
			minDist = d
		}
	}
	return minDist
}

// Lerp linearly interpolates latitude and longitude independently.
func Lerp(a, b GeoPoint, t float64) GeoPoint {
	return GeoPoint{
		Lat: a.Lat + (b.Lat-a.Lat)*t,
		Lng: a.Lng + (b.Lng-a.Lng)*t,
	}
}

// ParsePoint parses a string in the format "lat,lng"
func ParsePoint(s string) (GeoPoint, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return GeoPoint{}, fmt.Errorf("invalid coordinate format %q, expected 'lat,lng'", s)
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return GeoPoint{}, fmt.Errorf("invalid latitude: %w", err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return GeoPoint{}, fmt.Errorf("invalid longitude: %w", err)
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return GeoPoint{}, fmt.Errorf("coordinate out of range: %s", s)
	}

	return GeoPoint{Lat: lat, Lng: lng}, nil
}

// Offset returns the point reached by moving meters along a constant bearing
// from p on a sphere. Used to build fixtures and simulated tracks.
func Offset(p GeoPoint, bearingDeg, meters float64) GeoPoint {
	delta := meters / EarthRadiusMeters
	theta := bearingDeg * degToRad
	lat1 := p.Lat * degToRad
	lon1 := p.Lng * degToRad

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(delta) + math.Cos(lat1)*math.Sin(delta)*math.Cos(theta))
	lon2 := lon1 + math.Atan2(math.Sin(theta)*math.Sin(delta)*math.Cos(lat1), math.Cos(delta)-math.Sin(lat1)*math.Sin(lat2))

	return GeoPoint{Lat: lat2 * radToDeg, Lng: math.Mod(lon2*radToDeg+540, 360) - 180}
}
