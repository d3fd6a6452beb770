package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storyforge/internal/config"
	"storyforge/internal/orchestrator"
	"storyforge/internal/ratelimit"
	"storyforge/internal/stream"
)

func NewRouter(cfg config.ServerConfig, orch *orchestrator.Orchestrator, games GameStore, streams *stream.Registry, limiter *ratelimit.Limiter) *chi.Mux {
	h := NewHandlers(orch, games, limiter)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(APILogMiddleware())
		r.Use(AuthMiddleware(cfg.AuthToken))

		r.Post("/games", h.CreateGame())
		r.Get("/games/{game_id}", h.GetGame())

		r.Post("/sessions", h.CreateSession())
		r.Get("/sessions/{session_id}", h.GetSession())
		r.Delete("/sessions/{session_id}", h.EndSession())
		r.Get("/sessions/{session_id}/messages", h.ListMessages())
		r.Post("/sessions/{session_id}/turns", h.SubmitTurn())

		r.Get("/messages/{message_id}/events", StreamEventsHandler(streams))
	})

	return r
}
