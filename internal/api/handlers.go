package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/yegors/safewalk/internal/geo"
	"github.com/yegors/safewalk/internal/lazy"
	"github.com/yegors/safewalk/internal/location"
	"github.com/yegors/safewalk/internal/navigation"
	"github.com/yegors/safewalk/internal/route"
	"github.com/yegors/safewalk/internal/storage/sqlite"
	"github.com/yegors/safewalk/internal/websocket"
	"github.com/yegors/safewalk/pkg/logger"
)

// Navigator is the navigation state machine as seen by the API
type Navigator interface {
	Start(ctx context.Context, r route.Result) (*navigation.Handle, navigation.State, error)
	Stop(ctx context.Context) (navigation.State, error)
	NextStep(ctx context.Context) (navigation.State, error)
	State(ctx context.Context) (navigation.State, error)
}

// PositionFeed accepts fixes posted by a device
type PositionFeed interface {
	Push(s location.Sample) int
	PushError(err error) int
}

// RouteFinder searches walking route alternatives
type RouteFinder interface {
	FetchAlternatives(ctx context.Context, origin, destination geo.GeoPoint) ([]route.Result, error)
}

// Deps are the services behind the API. Feed and Routes are optional.
type Deps struct {
	Navigator Navigator
	Feed      PositionFeed
	Routes    RouteFinder
	Tracks    *lazy.Future[*sqlite.TrackStorage]
	WS        *websocket.Server
}

// Handler implements the API endpoints
type Handler struct {
	deps     Deps
	validate *validator.Validate
	logger   *logger.Logger
}

// NewHandler creates a new handler
func NewHandler(deps Deps, log *logger.Logger) *Handler {
	return &Handler{
		deps:     deps,
		validate: validator.New(),
		logger:   log.Named("api-handler"),
	}
}

type startResponse struct {
	SessionID string           `json:"session_id"`
	State     navigation.State `json:"state"`
}

type positionRequest struct {
	Lat       *float64   `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng       *float64   `json:"lng" validate:"required,gte=-180,lte=180"`
	Accuracy  *float64   `json:"accuracy_m" validate:"omitempty,gte=0"`
	Heading   *float64   `json:"heading_deg" validate:"omitempty,gte=0,lt=360"`
	Speed     *float64   `json:"speed_mps" validate:"omitempty,gte=0"`
	Timestamp *time.Time `json:"timestamp"`
}

type positionErrorRequest struct {
	Kind    string `json:"kind" validate:"required,oneof=permission_denied position_unavailable timeout"`
	Message string `json:"message"`
}

type deliveredResponse struct {
	Delivered int `json:"delivered"`
}

// StartNavigation starts a session for the posted route
func (h *Handler) StartNavigation(w http.ResponseWriter, r *http.Request) {
	var req route.Result
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	handle, st, err := h.deps.Navigator.Start(r.Context(), req)
	if err != nil {
		h.navigatorError(w, "start", err)
		return
	}

	h.logger.Info("Navigation requested",
		logger.String("session_id", handle.ID),
		logger.String("route_id", req.ID))

	writeJSON(w, http.StatusCreated, startResponse{SessionID: handle.ID, State: st})
}

// GetNavigation returns the current navigation state
func (h *Handler) GetNavigation(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Navigator.State(r.Context())
	if err != nil {
		h.navigatorError(w, "state", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// StopNavigation stops the active session
func (h *Handler) StopNavigation(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Navigator.Stop(r.Context())
	if err != nil {
		h.navigatorError(w, "stop", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// NextStep advances to the next instruction
func (h *Handler) NextStep(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Navigator.NextStep(r.Context())
	if err != nil {
		h.navigatorError(w, "next step", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// PushPosition feeds a device fix into the position source
func (h *Handler) PushPosition(w http.ResponseWriter, r *http.Request) {
	if h.deps.Feed == nil {
		http.Error(w, "position source does not accept pushed fixes", http.StatusConflict)
		return
	}

	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, "invalid position: "+err.Error(), http.StatusBadRequest)
		return
	}

	sample := location.Sample{
		Position: geo.GeoPoint{Lat: *req.Lat, Lng: *req.Lng},
		Accuracy: req.Accuracy,
		Heading:  req.Heading,
		Speed:    req.Speed,
	}
	if req.Timestamp != nil {
		sample.Timestamp = *req.Timestamp
	}

	writeJSON(w, http.StatusAccepted, deliveredResponse{Delivered: h.deps.Feed.Push(sample)})
}

// PushPositionError reports a position source failure from the device
func (h *Handler) PushPositionError(w http.ResponseWriter, r *http.Request) {
	if h.deps.Feed == nil {
		http.Error(w, "position source does not accept pushed errors", http.StatusConflict)
		return
	}

	var req positionErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, "invalid position error: "+err.Error(), http.StatusBadRequest)
		return
	}

	kind, err := location.ParseErrorKind(req.Kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var cause error
	if req.Message != "" {
		cause = errors.New(req.Message)
	}

	writeJSON(w, http.StatusAccepted, deliveredResponse{Delivered: h.deps.Feed.PushError(location.NewError(kind, cause))})
}

// GetRoutes returns walking route alternatives between two points
func (h *Handler) GetRoutes(w http.ResponseWriter, r *http.Request) {
	if h.deps.Routes == nil {
		http.Error(w, "directions not configured", http.StatusServiceUnavailable)
		return
	}

	origin, err := geo.ParsePoint(r.URL.Query().Get("origin"))
	if err != nil {
		http.Error(w, "invalid origin: "+err.Error(), http.StatusBadRequest)
		return
	}
	destination, err := geo.ParsePoint(r.URL.Query().Get("destination"))
	if err != nil {
		http.Error(w, "invalid destination: "+err.Error(), http.StatusBadRequest)
		return
	}

	results, err := h.deps.Routes.FetchAlternatives(r.Context(), origin, destination)
	if err != nil {
		h.logger.Error("Failed to fetch routes", logger.Error(err))
		http.Error(w, "failed to fetch routes", http.StatusBadGateway)
		return
	}
	if results == nil {
		results = []route.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}

// GetSessions returns recently recorded sessions
func (h *Handler) GetSessions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, 100)
	}

	store, err := h.deps.Tracks.Get(r.Context())
	if err != nil {
		h.storageError(w, err)
		return
	}
	sessions, err := store.GetRecentSessions(limit)
	if err != nil {
		h.storageError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*sqlite.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GetSessionTrack returns a recorded session as GeoJSON
func (h *Handler) GetSessionTrack(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	store, err := h.deps.Tracks.Get(r.Context())
	if err != nil {
		h.storageError(w, err)
		return
	}
	rec, err := store.GetSession(id)
	if errors.Is(err, sqlite.ErrSessionNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.storageError(w, err)
		return
	}
	points, err := store.GetPointsBySession(id)
	if err != nil {
		h.storageError(w, err)
		return
	}

	data, err := trackCollection(rec, points).MarshalJSON()
	if err != nil {
		h.storageError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.Write(data)
}

// HandleWebSocket upgrades to the live update stream
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.deps.WS.HandleWebSocket(w, r)
}

// GetHealth reports service health
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Navigator.State(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}

	clients := 0
	if h.deps.WS != nil {
		clients = h.deps.WS.ClientCount()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"navigation": st.Status,
		"ws_clients": clients,
	})
}

func (h *Handler) navigatorError(w http.ResponseWriter, op string, err error) {
	h.logger.Error("Navigation command failed", logger.String("op", op), logger.Error(err))
	if errors.Is(err, navigation.ErrMachineClosed) {
		http.Error(w, "navigation unavailable", http.StatusServiceUnavailable)
		return
	}
	http.Error(w, "navigation command failed", http.StatusInternalServerError)
}

func (h *Handler) storageError(w http.ResponseWriter, err error) {
	h.logger.Error("Track storage request failed", logger.Error(err))
	http.Error(w, "storage error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
