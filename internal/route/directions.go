package route

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// ParseDirections converts a Directions-API style document into route
// alternatives. Routes without an overview polyline are skipped.
func ParseDirections(data []byte) ([]Result, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid directions JSON")
	}

	doc := gjson.ParseBytes(data)
	status := doc.Get("status")
	if status.String() == "ZERO_RESULTS" {
		return []Result{}, nil
	}
	if status.Exists() && status.String() != "OK" {
		msg := doc.Get("error_message").String()
		if msg == "" {
			msg = "no message"
		}
		return nil, fmt.Errorf("directions status %s: %s", status.String(), msg)
	}

	var results []Result
	doc.Get("routes").ForEach(func(_, r gjson.Result) bool {
		points := r.Get("overview_polyline.points").String()
		if points == "" {
			return true
		}

		n := len(results) + 1
		summary := r.Get("summary").String()
		name := fmt.Sprintf("Route %d", n)
		if summary != "" {
			name = fmt.Sprintf("Route %d via %s", n, summary)
		}

		// Walking directions have a single leg without waypoints
		leg := r.Get("legs.0")
		results = append(results, Result{
			ID:              fmt.Sprintf("route-%d", n),
			Name:            name,
			Polyline:        points,
			DestinationText: leg.Get("end_address").String(),
			DistanceText:    leg.Get("distance.text").String(),
			DurationText:    leg.Get("duration.text").String(),
			ViaText:         summary,
		})
		return true
	})

	return results, nil
}
