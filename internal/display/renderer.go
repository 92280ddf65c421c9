// Package display connects navigation output to connected clients: state and
// events are forwarded as they come, raw fixes drive the marker animator and
// animated frames carry the accuracy circle and heading arrow along.
package display

import (
	"sync"

	"github.com/yegors/safewalk/internal/animation"
	"github.com/yegors/safewalk/internal/geo"
	"github.com/yegors/safewalk/internal/navigation"
	"github.com/yegors/safewalk/internal/websocket"
	"github.com/yegors/safewalk/pkg/logger"
)

// Message types sent to clients
const (
	TypeState = "navigation_state"
	TypeEvent = "navigation_event"
	TypeFrame = "marker_frame"
)

// Broadcaster delivers messages to clients
type Broadcaster interface {
	Broadcast(msg *websocket.Message)
}

// Marker is the animated position marker
type Marker interface {
	SetTarget(p geo.GeoPoint)
	Reset()
}

// FrameView is the marker frame sent to clients
type FrameView struct {
	SessionID string       `json:"session_id,omitempty"`
	Position  geo.GeoPoint `json:"position"`
	Accuracy  *float64     `json:"accuracy_m,omitempty"`
	Heading   *float64     `json:"heading_deg,omitempty"`
	Final     bool         `json:"final"`
}

// EventView is the event sent to clients
type EventView struct {
	navigation.Event
	ErrorKind string `json:"error_kind,omitempty"`
}

// Renderer implements navigation.Listener and animation.FrameSink
type Renderer struct {
	out    Broadcaster
	marker Marker
	logger *logger.Logger

	mu        sync.Mutex
	sessionID string
	lastFix   *geo.GeoPoint
	accuracy  *float64
	heading   *float64
}

var (
	_ navigation.Listener = (*Renderer)(nil)
	_ animation.FrameSink = (*Renderer)(nil)
)

// NewRenderer creates a renderer. The marker may be set later with
// SetMarker when the animator needs the renderer as its sink.
func NewRenderer(out Broadcaster, log *logger.Logger) *Renderer {
	return &Renderer{
		out:    out,
		logger: log.Named("display"),
	}
}

// SetMarker attaches the marker animator
func (r *Renderer) SetMarker(m Marker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marker = m
}

// OnState implements navigation.Listener
func (r *Renderer) OnState(st navigation.State) {
	r.mu.Lock()
	marker := r.marker
	reset := st.SessionID != r.sessionID || !st.Active()
	if reset {
		r.lastFix = nil
	}
	r.sessionID = st.SessionID
	r.accuracy = st.Accuracy
	r.heading = st.Heading

	var target *geo.GeoPoint
	if st.CurrentPosition != nil && (r.lastFix == nil || *r.lastFix != *st.CurrentPosition) {
		target = st.CurrentPosition
		r.lastFix = target
	}
	r.mu.Unlock()

	// Marker calls may publish frames synchronously, so they run unlocked
	if marker != nil {
		if reset {
			marker.Reset()
		}
		if target != nil {
			marker.SetTarget(*target)
		}
	}

	r.out.Broadcast(&websocket.Message{Type: TypeState, Data: st})
}

// OnEvent implements navigation.Listener
func (r *Renderer) OnEvent(ev navigation.Event) {
	view := EventView{Event: ev}
	if ev.Kind == navigation.EventGPSError {
		view.ErrorKind = ev.ErrorKind.String()
	}

	r.logger.Debug("Navigation event",
		logger.Stringer("kind", ev.Kind),
		logger.String("session_id", ev.SessionID))

	r.out.Broadcast(&websocket.Message{Type: TypeEvent, Data: view})
}

// OnFrame implements animation.FrameSink
func (r *Renderer) OnFrame(fr animation.Frame) {
	r.mu.Lock()
	view := FrameView{
		SessionID: r.sessionID,
		Position:  fr.Position,
		Accuracy:  r.accuracy,
		Heading:   r.heading,
		Final:     fr.Final,
	}
	r.mu.Unlock()

	r.out.Broadcast(&websocket.Message{Type: TypeFrame, Data: view})
}
