package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/yegors/safewalk/pkg/logger"
)

// Router is the API router
type Router struct {
	handler        *Handler
	middleware     *Middleware
	allowedOrigins []string
	logger         *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(handler *Handler, allowedOrigins []string, log *logger.Logger) *Router {
	return &Router{
		handler:        handler,
		middleware:     NewMiddleware(log),
		allowedOrigins: allowedOrigins,
		logger:         log.Named("api-router"),
	}
}

// Routes returns the API routes
func (r *Router) Routes() http.Handler {
	router := chi.NewRouter()

	// Middleware
	router.Use(r.middleware.RequestID)
	router.Use(r.middleware.Logger)
	router.Use(r.middleware.Recoverer)
	router.Use(r.middleware.CORS(r.allowedOrigins))

	router.Route("/api/v1", func(router chi.Router) {
		// Navigation session
		router.Post("/navigation", r.handler.StartNavigation)
		router.Get("/navigation", r.handler.GetNavigation)
		router.Delete("/navigation", r.handler.StopNavigation)
		router.Post("/navigation/next-step", r.handler.NextStep)

		// Device position feed
		router.Post("/position", r.handler.PushPosition)
		router.Post("/position/error", r.handler.PushPositionError)

		// Route alternatives
		router.Get("/routes", r.handler.GetRoutes)

		// Recorded sessions
		router.Get("/sessions", r.handler.GetSessions)
		router.Get("/sessions/{id}/track", r.handler.GetSessionTrack)

		// WebSocket route
		router.Get("/ws", r.handler.HandleWebSocket)

		// Health check
		router.Get("/health", r.handler.GetHealth)
	})

	return router
}
