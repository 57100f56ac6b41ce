// Package handler assembles the HTTP routers of the gateway and the analysis
// backend.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/datapella/backend/internal/handler/backend"
	"github.com/zhouzirui/datapella/backend/internal/handler/events"
	"github.com/zhouzirui/datapella/backend/internal/handler/query"
	middlewarePkg "github.com/zhouzirui/datapella/backend/internal/middleware"
	"github.com/zhouzirui/datapella/backend/internal/model/chat"
	"github.com/zhouzirui/datapella/backend/pkg/utils"
)

// Session is everything the gateway routes need from the session manager.
type Session interface {
	query.Session
	events.Source
	ConnectionState() chat.ConnectionState
}

// NewRouter wires the gateway's HTTP routes to the session.
func NewRouter(session Session) http.Handler {
	r := newBaseRouter()

	r.Route("/api", func(api chi.Router) {
		query.New(session).RegisterRoutes(api)
		events.New(session).RegisterRoutes(api)
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"connection": session.ConnectionState(),
		})
	})
	return r
}

// NewBackendRouter wires the analysis backend's websocket endpoint.
func NewBackendRouter(ws *backend.WebSocketHandler) http.Handler {
	r := newBaseRouter()

	r.Route("/api", func(api chi.Router) {
		ws.RegisterRoutes(api)
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	return r
}

func newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)
	return r
}
