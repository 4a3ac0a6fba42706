package api

import (
	"net/http"

	"github.com/soulstream/backend/internal/health"
	"github.com/soulstream/backend/internal/ws"
)

type Router struct {
	mux       *http.ServeMux
	downloads *DownloadHandlers
	library   *LibraryHandlers
	health    *health.Handler
	hub       *ws.Hub
}

func NewRouter(downloads *DownloadHandlers, library *LibraryHandlers, healthHandler *health.Handler, hub *ws.Hub) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		downloads: downloads,
		library:   library,
		health:    healthHandler,
		hub:       hub,
	}
	r.setupRoutes()
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) setupRoutes() {
	// Health checks
	r.mux.HandleFunc("GET /health", r.health.HealthHandler)
	r.mux.HandleFunc("GET /health/live", r.health.LivenessHandler)
	r.mux.HandleFunc("GET /health/ready", r.health.ReadinessHandler)

	// Downloads
	r.mux.HandleFunc("POST /api/v1/downloads", r.downloads.Enqueue)
	r.mux.HandleFunc("GET /api/v1/downloads", r.downloads.List)
	r.mux.HandleFunc("GET /api/v1/downloads/active", r.downloads.Active)
	r.mux.HandleFunc("GET /api/v1/downloads/{id}", r.downloads.Get)

	// Recovery
	r.mux.HandleFunc("GET /api/v1/recovery/stats", r.downloads.RecoveryStats)

	// Library
	r.mux.HandleFunc("GET /api/v1/tracks", r.library.Recent)

	// Progress push
	r.mux.HandleFunc("GET /ws", func(w http.ResponseWriter, req *http.Request) {
		ws.ServeWS(r.hub, w, req)
	})
}
