package navigation

import (
	"fmt"
	"time"

	"github.com/yegors/safewalk/internal/geo"
	"github.com/yegors/safewalk/internal/location"
	"github.com/yegors/safewalk/internal/route"
)

// Status is the position tracking status of a session
type Status int

const (
	StatusOff Status = iota
	StatusInitializing
	StatusTracking
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOff:
		return "off"
	case StatusInitializing:
		return "initializing"
	case StatusTracking:
		return "tracking"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RouteSummary carries the display texts of the route a session follows
type RouteSummary struct {
	RouteID         string `json:"route_id"`
	Name            string `json:"name,omitempty"`
	DestinationText string `json:"destination,omitempty"`
	DistanceText    string `json:"distance"`
	DurationText    string `json:"duration"`
	ViaText         string `json:"via"`
}

func summaryOf(r route.Result) RouteSummary {
	return RouteSummary{
		RouteID:         r.ID,
		Name:            r.Name,
		DestinationText: r.DestinationText,
		DistanceText:    r.DistanceText,
		DurationText:    r.DurationText,
		ViaText:         r.ViaText,
	}
}

// State is an immutable snapshot of the navigation session. The zero value
// (StatusOff, no session id) describes an idle machine.
//
// Slices and pointers in a State are never written after the snapshot is
// taken, so a State may be shared between goroutines.
type State struct {
	SessionID string `json:"session_id,omitempty"`
	Status    Status `json:"status"`

	Route       route.Path    `json:"route,omitempty"`
	Destination *geo.GeoPoint `json:"destination,omitempty"`
	Summary     RouteSummary  `json:"summary"`

	CurrentPosition  *geo.GeoPoint `json:"current_position,omitempty"`
	PreviousPosition *geo.GeoPoint `json:"previous_position,omitempty"`
	Accuracy         *float64      `json:"accuracy_m,omitempty"`
	Heading          *float64      `json:"heading_deg,omitempty"`
	Speed            *float64      `json:"speed_mps,omitempty"`

	ProgressPercent         float64 `json:"progress_percent"`
	DistanceRemainingMeters float64 `json:"distance_remaining_m"`
	DistanceText            string  `json:"distance_text"`
	ETASeconds              float64 `json:"eta_seconds"`
	ETAText                 string  `json:"eta_text"`

	OffRoute bool `json:"off_route"`
	Arrived  bool `json:"arrived"`

	StepIndex    int      `json:"step_index"`
	Instructions []string `json:"instructions,omitempty"`
	Instruction  string   `json:"instruction,omitempty"`

	StartedAt      time.Time `json:"started_at,omitempty"`
	ElapsedSeconds int       `json:"elapsed_seconds"`
}

// Active reports whether the snapshot belongs to a live session
func (s State) Active() bool {
	return s.SessionID != "" && s.Status != StatusOff
}

// EventKind identifies a one-off notification
type EventKind int

const (
	EventNavigationStarted EventKind = iota + 1
	EventOffRouteEntered
	EventOffRouteCleared
	EventArrived
	EventNavigationStopped
	EventGPSError
)

func (k EventKind) String() string {
	switch k {
	case EventNavigationStarted:
		return "navigation_started"
	case EventOffRouteEntered:
		return "off_route_entered"
	case EventOffRouteCleared:
		return "off_route_cleared"
	case EventArrived:
		return "arrived"
	case EventNavigationStopped:
		return "navigation_stopped"
	case EventGPSError:
		return "gps_error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// StopReason tells why a session ended
type StopReason string

const (
	StopManual   StopReason = "manual"
	StopArrived  StopReason = "arrived"
	StopReplaced StopReason = "replaced"
	StopShutdown StopReason = "shutdown"
)

// Event is a notification emitted alongside a state snapshot. Reason is set
// for EventNavigationStopped, ErrorKind and Message for EventGPSError.
type Event struct {
	Kind      EventKind          `json:"kind"`
	SessionID string             `json:"session_id"`
	Reason    StopReason         `json:"reason,omitempty"`
	ErrorKind location.ErrorKind `json:"-"`
	Message   string             `json:"message,omitempty"`
	Time      time.Time          `json:"time"`
}

// Listener receives every state snapshot and event. Calls come from the
// machine loop goroutine and must return quickly.
type Listener interface {
	OnState(State)
	OnEvent(Event)
}

// Listeners fans out to several listeners in order
type Listeners []Listener

func (ls Listeners) OnState(s State) {
	for _, l := range ls {
		l.OnState(s)
	}
}

func (ls Listeners) OnEvent(e Event) {
	for _, l := range ls {
		l.OnEvent(e)
	}
}

type nopListener struct{}

func (nopListener) OnState(State) {}
func (nopListener) OnEvent(Event) {}

// TrackPoint is one accepted fix of a session
type TrackPoint struct {
	SessionID string
	Position  geo.GeoPoint
	Accuracy  *float64
	Timestamp time.Time
}

// TrackSink persists a session's track. Calls come from the machine loop
// goroutine; implementations must not block.
type TrackSink interface {
	SessionStarted(id string, summary RouteSummary, startedAt time.Time)
	Append(p TrackPoint)
	SessionEnded(id string, reason StopReason, endedAt time.Time)
}

type nopSink struct{}

func (nopSink) SessionStarted(string, RouteSummary, time.Time) {}
func (nopSink) Append(TrackPoint)                              {}
func (nopSink) SessionEnded(string, StopReason, time.Time)     {}
