package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/dailysolve/internal/middleware"
)

// Router builds the HTTP routes with the global middleware stack.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(h.opts.AllowedOrigins))
	r.Use(middleware.ResponseTime)

	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts every endpoint on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/cache/stats", h.CacheStats)
	r.Get("/users/active", h.ActiveUsers)

	r.Get("/solve-daily", h.CachedSolution)
	r.Post("/solve-daily", h.SolveDaily)

	r.Route("/automation-status/{user_id}", func(r chi.Router) {
		r.Get("/", h.Status)
		r.Post("/", h.Report)
		r.Get("/stream", h.Stream)
	})
	r.Get("/ws/automation-status/{user_id}", h.WebSocket)
}
