package api

import (
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/yegors/safewalk/internal/storage/sqlite"
)

// trackCollection renders a recorded session as a GeoJSON feature
// collection: the walked line followed by one point feature per fix.
func trackCollection(rec *sqlite.SessionRecord, points []*sqlite.LocationUpdate) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	line := make(orb.LineString, 0, len(points))
	for _, p := range points {
		line = append(line, orb.Point{p.Longitude, p.Latitude})
	}

	if len(line) >= 2 {
		f := geojson.NewFeature(line)
		f.Properties["session_id"] = rec.ID
		f.Properties["route_id"] = rec.RouteID
		f.Properties["started_at"] = rec.StartedAt.Format(time.RFC3339)
		if rec.EndedAt != nil {
			f.Properties["ended_at"] = rec.EndedAt.Format(time.RFC3339)
		}
		if rec.StopReason != "" {
			f.Properties["stop_reason"] = rec.StopReason
		}
		fc.Append(f)
	}

	for i, p := range points {
		f := geojson.NewFeature(line[i])
		f.Properties["seq"] = i
		f.Properties["timestamp"] = p.Timestamp.Format(time.RFC3339Nano)
		if p.Accuracy != nil {
			f.Properties["accuracy_m"] = *p.Accuracy
		}
		fc.Append(f)
	}

	if len(line) > 0 {
		fc.BBox = geojson.NewBBox(line.Bound())
	}
	return fc
}
