package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/yegors/safewalk/internal/geo"
	"github.com/yegors/safewalk/internal/lazy"
	"github.com/yegors/safewalk/internal/location"
	"github.com/yegors/safewalk/internal/navigation"
	"github.com/yegors/safewalk/internal/route"
	"github.com/yegors/safewalk/internal/storage/sqlite"
	"github.com/yegors/safewalk/internal/websocket"
	"github.com/yegors/safewalk/pkg/logger"
	xws "golang.org/x/net/websocket"
)

var origin = geo.GeoPoint{Lat: 12.9716, Lng: 77.5946}

type stateView struct {
	SessionID       string  `json:"session_id"`
	Status          string  `json:"status"`
	ProgressPercent float64 `json:"progress_percent"`
	StepIndex       int     `json:"step_index"`
	Instruction     string  `json:"instruction"`
}

type fakeRoutes struct {
	results []route.Result
	err     error
	got     [2]geo.GeoPoint
}

func (f *fakeRoutes) FetchAlternatives(ctx context.Context, o, d geo.GeoPoint) ([]route.Result, error) {
	f.got = [2]geo.GeoPoint{o, d}
	return f.results, f.err
}

type testAPI struct {
	server  *httptest.Server
	machine *navigation.Machine
	feed    *location.PushSource
	tracks  *sqlite.TrackStorage
	stop    func()
}

func newTestAPI(t *testing.T, deps Deps) *testAPI {
	t.Helper()
	log := logger.NewNop()

	db, err := sqlite.Open(context.Background(), ":memory:", log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	tracks, err := sqlite.NewTrackStorage(db, log)
	if err != nil {
		t.Fatalf("NewTrackStorage: %v", err)
	}

	feed := location.NewPushSource(log)
	machine := navigation.New(navigation.DefaultConfig(), feed, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		machine.Run(ctx)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)

	if deps.Navigator == nil {
		deps.Navigator = machine
	}
	if deps.Feed == nil {
		deps.Feed = feed
	}
	deps.Tracks = lazy.New(func(ctx context.Context) (*sqlite.TrackStorage, error) { return tracks, nil })
	origins := []string{"http://localhost:5173"}
	deps.WS = websocket.NewServer(origins, log)

	router := NewRouter(NewHandler(deps, log), origins, log)
	server := httptest.NewServer(router.Routes())
	t.Cleanup(server.Close)

	return &testAPI{server: server, machine: machine, feed: feed, tracks: tracks, stop: stop}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, a.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func testRoute() route.Result {
	var path route.Path
	for d := 0.0; d <= 1000; d += 50 {
		path = append(path, geo.Offset(origin, 0, d))
	}
	return route.Result{
		ID:           "route-1",
		Polyline:     route.Encode(path),
		DistanceText: "1.0 km",
		DurationText: "12 mins",
		ViaText:      "Residency Road",
	}
}

func TestNavigationLifecycle(t *testing.T) {
	a := newTestAPI(t, Deps{})

	resp := a.do(t, http.MethodPost, "/api/v1/navigation", testRoute())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	var started struct {
		SessionID string    `json:"session_id"`
		State     stateView `json:"state"`
	}
	decode(t, resp, &started)
	if started.SessionID == "" || started.State.Status != "initializing" {
		t.Fatalf("start response = %+v", started)
	}

	fix := map[string]interface{}{
		"lat":        geo.Offset(origin, 0, 400).Lat,
		"lng":        origin.Lng,
		"accuracy_m": 5.0,
	}
	resp = a.do(t, http.MethodPost, "/api/v1/position", fix)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("position status = %d", resp.StatusCode)
	}
	var delivered deliveredResponse
	decode(t, resp, &delivered)
	if delivered.Delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered.Delivered)
	}

	resp = a.do(t, http.MethodGet, "/api/v1/navigation", nil)
	var st stateView
	decode(t, resp, &st)
	if st.Status != "tracking" || st.SessionID != started.SessionID {
		t.Errorf("state = %+v", st)
	}
	if st.ProgressPercent < 39 || st.ProgressPercent > 41 {
		t.Errorf("progress = %.1f, want ~40", st.ProgressPercent)
	}

	resp = a.do(t, http.MethodPost, "/api/v1/navigation/next-step", nil)
	decode(t, resp, &st)
	if resp.StatusCode != http.StatusOK || st.StepIndex == 0 {
		t.Errorf("next step = %d %+v", resp.StatusCode, st)
	}

	resp = a.do(t, http.MethodDelete, "/api/v1/navigation", nil)
	decode(t, resp, &st)
	if resp.StatusCode != http.StatusOK || st.Status != "off" {
		t.Errorf("stop = %d %+v", resp.StatusCode, st)
	}
	if a.feed.Active() != 0 {
		t.Errorf("subscriptions after stop = %d", a.feed.Active())
	}
}

func TestStartNavigationRejectsBadBody(t *testing.T) {
	a := newTestAPI(t, Deps{})
	resp := a.do(t, http.MethodPost, "/api/v1/navigation", "{not json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPushPositionValidation(t *testing.T) {
	a := newTestAPI(t, Deps{})

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"valid", map[string]interface{}{"lat": 12.9, "lng": 77.5}, http.StatusAccepted},
		{"with timestamp", map[string]interface{}{"lat": 12.9, "lng": 77.5, "timestamp": "2025-03-01T18:30:00Z"}, http.StatusAccepted},
		{"malformed", "{", http.StatusBadRequest},
		{"missing lat", map[string]interface{}{"lng": 77.5}, http.StatusBadRequest},
		{"lat out of range", map[string]interface{}{"lat": 91.0, "lng": 77.5}, http.StatusBadRequest},
		{"negative accuracy", map[string]interface{}{"lat": 12.9, "lng": 77.5, "accuracy_m": -1.0}, http.StatusBadRequest},
		{"heading 360", map[string]interface{}{"lat": 12.9, "lng": 77.5, "heading_deg": 360.0}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := a.do(t, http.MethodPost, "/api/v1/position", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestPositionErrorPermissionDenied(t *testing.T) {
	a := newTestAPI(t, Deps{})

	resp := a.do(t, http.MethodPost, "/api/v1/navigation", testRoute())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d", resp.StatusCode)
	}

	resp = a.do(t, http.MethodPost, "/api/v1/position/error", map[string]string{"kind": "bogus"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown kind status = %d, want 400", resp.StatusCode)
	}

	resp = a.do(t, http.MethodPost, "/api/v1/position/error", map[string]string{
		"kind":    "permission_denied",
		"message": "user blocked location",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("error status = %d", resp.StatusCode)
	}

	resp = a.do(t, http.MethodGet, "/api/v1/navigation", nil)
	var st stateView
	decode(t, resp, &st)
	if st.Status != "error" {
		t.Errorf("status after permission denied = %s, want error", st.Status)
	}
}

func TestPositionWithoutFeed(t *testing.T) {
	log := logger.NewNop()
	h := NewHandler(Deps{}, log)

	for _, fn := range []http.HandlerFunc{h.PushPosition, h.PushPositionError} {
		rec := httptest.NewRecorder()
		fn(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"lat":1,"lng":1}`)))
		if rec.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", rec.Code)
		}
	}
}

func TestGetRoutes(t *testing.T) {
	finder := &fakeRoutes{results: []route.Result{testRoute()}}
	a := newTestAPI(t, Deps{Routes: finder})

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"ok", "?origin=12.9716,77.5946&destination=12.98,77.6", http.StatusOK},
		{"missing origin", "?destination=12.98,77.6", http.StatusBadRequest},
		{"bad destination", "?origin=12.9716,77.5946&destination=north", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := a.do(t, http.MethodGet, "/api/v1/routes"+tt.query, nil)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	resp := a.do(t, http.MethodGet, "/api/v1/routes?origin=12.9716,77.5946&destination=12.98,77.6", nil)
	var got []route.Result
	decode(t, resp, &got)
	if len(got) != 1 || got[0].ID != "route-1" {
		t.Errorf("routes = %+v", got)
	}
	if finder.got[1] != (geo.GeoPoint{Lat: 12.98, Lng: 77.6}) {
		t.Errorf("destination passed = %v", finder.got[1])
	}

	finder.err = errors.New("upstream down")
	resp = a.do(t, http.MethodGet, "/api/v1/routes?origin=1,1&destination=2,2", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("upstream failure status = %d, want 502", resp.StatusCode)
	}
}

func TestGetRoutesNoAlternatives(t *testing.T) {
	a := newTestAPI(t, Deps{Routes: &fakeRoutes{results: []route.Result{}}})

	resp := a.do(t, http.MethodGet, "/api/v1/routes?origin=1,1&destination=2,2", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got []route.Result
	decode(t, resp, &got)
	if len(got) != 0 {
		t.Errorf("routes = %+v, want none", got)
	}
}

func TestGetRoutesNotConfigured(t *testing.T) {
	a := newTestAPI(t, Deps{})
	resp := a.do(t, http.MethodGet, "/api/v1/routes?origin=1,1&destination=2,2", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestSessionsAndTrack(t *testing.T) {
	a := newTestAPI(t, Deps{})
	started := time.Date(2025, 3, 1, 18, 30, 0, 0, time.UTC)

	if err := a.tracks.StoreSession(&sqlite.SessionRecord{
		ID:        "s-1",
		RouteID:   "route-1",
		StartedAt: started,
		CreatedAt: started,
	}); err != nil {
		t.Fatalf("StoreSession: %v", err)
	}
	acc := 4.0
	for i := 0; i < 3; i++ {
		p := geo.Offset(origin, 0, float64(i)*10)
		u := &sqlite.LocationUpdate{
			SessionID: "s-1",
			Latitude:  p.Lat,
			Longitude: p.Lng,
			Accuracy:  &acc,
			Timestamp: started.Add(time.Duration(i) * time.Second),
			CreatedAt: started,
		}
		if _, err := a.tracks.StorePoint(u); err != nil {
			t.Fatalf("StorePoint: %v", err)
		}
	}
	if err := a.tracks.FinishSession("s-1", "arrived", started.Add(time.Minute)); err != nil {
		t.Fatalf("FinishSession: %v", err)
	}

	resp := a.do(t, http.MethodGet, "/api/v1/sessions?limit=500", nil)
	var sessions []sqlite.SessionRecord
	decode(t, resp, &sessions)
	if len(sessions) != 1 || sessions[0].PointCount != 3 {
		t.Errorf("sessions = %+v", sessions)
	}

	resp = a.do(t, http.MethodGet, "/api/v1/sessions?limit=0", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", resp.StatusCode)
	}

	resp = a.do(t, http.MethodGet, "/api/v1/sessions/s-1/track", nil)
	if ct := resp.Header.Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("content type = %q", ct)
	}
	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(body.Bytes())
	if err != nil {
		t.Fatalf("UnmarshalFeatureCollection: %v", err)
	}
	if len(fc.Features) != 4 {
		t.Fatalf("features = %d, want line plus 3 points", len(fc.Features))
	}
	line := fc.Features[0]
	if line.Geometry.GeoJSONType() != "LineString" || line.Properties["stop_reason"] != "arrived" {
		t.Errorf("line feature = %v %v", line.Geometry.GeoJSONType(), line.Properties)
	}
	if fc.Features[1].Properties["accuracy_m"] != 4.0 {
		t.Errorf("point properties = %v", fc.Features[1].Properties)
	}

	resp = a.do(t, http.MethodGet, "/api/v1/sessions/missing/track", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing track status = %d, want 404", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t, Deps{})

	resp := a.do(t, http.MethodGet, "/api/v1/health", nil)
	var health map[string]interface{}
	decode(t, resp, &health)
	if resp.StatusCode != http.StatusOK || health["status"] != "ok" || health["navigation"] != "off" {
		t.Errorf("health = %d %v", resp.StatusCode, health)
	}
}

func TestMachineClosed(t *testing.T) {
	a := newTestAPI(t, Deps{})
	a.stop()

	resp := a.do(t, http.MethodGet, "/api/v1/navigation", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("navigation status = %d, want 503", resp.StatusCode)
	}
	resp = a.do(t, http.MethodGet, "/api/v1/health", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want 503", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	a := newTestAPI(t, Deps{})

	req, _ := http.NewRequest(http.MethodOptions, a.server.URL+"/api/v1/navigation", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("allow origin = %q", got)
	}
}

func TestWebSocketOrigin(t *testing.T) {
	a := newTestAPI(t, Deps{})
	url := "ws" + strings.TrimPrefix(a.server.URL, "http") + "/api/v1/ws"

	if _, err := xws.Dial(url, "", "http://evil.example"); err == nil {
		t.Fatal("handshake from a foreign origin succeeded")
	}

	conn, err := xws.Dial(url, "", "http://localhost:5173")
	if err != nil {
		t.Fatalf("Dial from allowed origin: %v", err)
	}
	conn.Close()
}
