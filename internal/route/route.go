package route

import (
	"errors"
	"fmt"

	"github.com/twpayne/go-polyline"
	"github.com/yegors/safewalk/internal/geo"
)

// ErrEmptyPath is returned by Decode when the route carries no polyline
var ErrEmptyPath = errors.New("route has no path")

// Result is one route alternative as produced by the directions search.
type Result struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	Polyline        string `json:"polyline"`
	DestinationText string `json:"destination,omitempty"`
	DistanceText    string `json:"distance"`
	DurationText    string `json:"duration"`
	ViaText         string `json:"via"`
}

// Path is the decoded, immutable vertex sequence of a route.
type Path []geo.GeoPoint

// Destination returns the last vertex of the path
func (p Path) Destination() (geo.GeoPoint, bool) {
	if len(p) == 0 {
		return geo.GeoPoint{}, false
	}
	return p[len(p)-1], true
}

// Origin returns the first vertex of the path
func (p Path) Origin() (geo.GeoPoint, bool) {
	if len(p) == 0 {
		return geo.GeoPoint{}, false
	}
	return p[0], true
}

// Length returns the cumulative great-circle length of the path in meters
func (p Path) Length() float64 {
	total := 0.0
	for i := 1; i < len(p); i++ {
		total += geo.Distance(p[i-1], p[i])
	}
	return total
}

// Decode decodes the route's encoded polyline into a Path.
func Decode(r Result) (Path, error) {
	if r.Polyline == "" {
		return nil, ErrEmptyPath
	}

	coords, rest, err := polyline.DecodeCoords([]byte(r.Polyline))
	if err != nil {
		return nil, fmt.Errorf("failed to decode polyline: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("failed to decode polyline: %d trailing bytes", len(rest))
	}
	if len(coords) == 0 {
		return nil, ErrEmptyPath
	}

	path := make(Path, 0, len(coords))
	for _, c := range coords {
		path = append(path, geo.GeoPoint{Lat: c[0], Lng: c[1]})
	}
	return path, nil
}

// Encode encodes a path as a polyline string
func Encode(p Path) string {
	coords := make([][]float64, 0, len(p))
	for _, pt := range p {
		coords = append(coords, []float64{pt.Lat, pt.Lng})
	}
	return string(polyline.EncodeCoords(coords))
}

// Instructions returns the fixed guidance texts shown for a route. Their
// indices line up with the progress-based step table of the navigator.
func Instructions(r Result) []string {
	via := r.ViaText
	if via == "" {
		via = "the selected route"
	}
	return []string{
		"Head towards your destination",
		fmt.Sprintf("Continue via %s", via),
		"Follow the highlighted route",
		"Continue on current path",
		"You are approaching your destination",
	}
}
