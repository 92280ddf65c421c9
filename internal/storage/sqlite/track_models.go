package sqlite

import "time"

// SessionRecord is one navigation session
type SessionRecord struct {
	ID           string     `json:"id"`
	RouteID      string     `json:"route_id"`
	RouteName    string     `json:"route_name,omitempty"`
	Destination  string     `json:"destination,omitempty"`
	DistanceText string     `json:"distance"`
	DurationText string     `json:"duration"`
	Via          string     `json:"via,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	StopReason   string     `json:"stop_reason,omitempty"` // "manual", "arrived", "replaced", "shutdown"
	PointCount   int        `json:"point_count"`
	CreatedAt    time.Time  `json:"created_at"`
}

// LocationUpdate is one recorded fix of a session
type LocationUpdate struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
}
