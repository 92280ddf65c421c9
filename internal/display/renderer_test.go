package display

import (
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/yegors/safewalk/internal/animation"
	"github.com/yegors/safewalk/internal/geo"
	"github.com/yegors/safewalk/internal/location"
	"github.com/yegors/safewalk/internal/navigation"
	"github.com/yegors/safewalk/internal/websocket"
	"github.com/yegors/safewalk/pkg/logger"
)

type captured struct {
	mu   sync.Mutex
	msgs []*websocket.Message
}

func (c *captured) Broadcast(msg *websocket.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *captured) ofType(typ string) []*websocket.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*websocket.Message
	for _, m := range c.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type fakeMarker struct {
	targets []geo.GeoPoint
	resets  int
}

func (m *fakeMarker) SetTarget(p geo.GeoPoint) { m.targets = append(m.targets, p) }
func (m *fakeMarker) Reset()                   { m.resets++ }

func ptr(v float64) *float64 { return &v }

func TestRendererForwardsNewFixesOnly(t *testing.T) {
	out := &captured{}
	marker := &fakeMarker{}
	r := NewRenderer(out, logger.NewTest(t))
	r.SetMarker(marker)

	p1 := geo.GeoPoint{Lat: 1, Lng: 1}
	p2 := geo.GeoPoint{Lat: 1.0001, Lng: 1}

	r.OnState(navigation.State{SessionID: "s", Status: navigation.StatusInitializing})
	r.OnState(navigation.State{SessionID: "s", Status: navigation.StatusTracking, CurrentPosition: &p1})
	// Elapsed ticks repeat the same fix
	r.OnState(navigation.State{SessionID: "s", Status: navigation.StatusTracking, CurrentPosition: &p1, ElapsedSeconds: 1})
	r.OnState(navigation.State{SessionID: "s", Status: navigation.StatusTracking, CurrentPosition: &p2})

	if len(marker.targets) != 2 || marker.targets[0] != p1 || marker.targets[1] != p2 {
		t.Errorf("targets = %v", marker.targets)
	}
	if marker.resets != 1 {
		t.Errorf("resets = %d, want 1 (session change)", marker.resets)
	}
	if n := len(out.ofType(TypeState)); n != 4 {
		t.Errorf("state messages = %d, want 4", n)
	}

	r.OnState(navigation.State{Status: navigation.StatusOff})
	if marker.resets != 2 {
		t.Errorf("resets after stop = %d, want 2", marker.resets)
	}
}

func TestRendererEventCarriesErrorKind(t *testing.T) {
	out := &captured{}
	r := NewRenderer(out, logger.NewTest(t))

	r.OnEvent(navigation.Event{Kind: navigation.EventGPSError, SessionID: "s", ErrorKind: location.PermissionDenied})

	msgs := out.ofType(TypeEvent)
	if len(msgs) != 1 {
		t.Fatalf("event messages = %d", len(msgs))
	}
	view, ok := msgs[0].Data.(EventView)
	if !ok {
		t.Fatalf("data = %T", msgs[0].Data)
	}
	if view.ErrorKind != "permission_denied" || view.Kind != navigation.EventGPSError {
		t.Errorf("view = %+v", view)
	}
}

func TestFramesFollowAnimatedMarker(t *testing.T) {
	out := &captured{}
	r := NewRenderer(out, logger.NewTest(t))
	anim := animation.New(animation.DefaultConfig(), clockwork.NewFakeClock(), logger.NewTest(t), r)
	r.SetMarker(anim)

	p := geo.GeoPoint{Lat: 12.97, Lng: 77.59}
	r.OnState(navigation.State{
		SessionID:       "s",
		Status:          navigation.StatusTracking,
		CurrentPosition: &p,
		Accuracy:        ptr(12),
		Heading:         ptr(270),
	})

	frames := out.ofType(TypeFrame)
	if len(frames) != 1 {
		t.Fatalf("frame messages = %d, want 1 (snap)", len(frames))
	}
	view := frames[0].Data.(FrameView)
	if view.Position != p || !view.Final {
		t.Errorf("frame = %+v", view)
	}
	if view.Accuracy == nil || *view.Accuracy != 12 || view.Heading == nil || *view.Heading != 270 {
		t.Errorf("frame sensor fields = %v %v", view.Accuracy, view.Heading)
	}
	if view.SessionID != "s" {
		t.Errorf("frame session = %q", view.SessionID)
	}
}
