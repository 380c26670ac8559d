package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/seralt/comfyctl/internal/manager"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(mgr *manager.Manager, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(mgr)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Release catalog.
	r.Get("/releases", h.ListReleases)

	// Installed versions.
	r.Get("/versions", h.ListVersions)
	r.Post("/versions/{tag}/install", h.Install)
	r.Post("/versions/{tag}/switch", h.Switch)
	r.Post("/versions/{tag}/open", h.Open)
	r.Put("/versions/{tag}/shortcuts", h.SetShortcuts)
	r.Delete("/versions/{tag}", h.Uninstall)

	// Background operations.
	r.Get("/operations/{id}", h.GetOperation)
	r.Post("/operations/{id}/cancel", h.CancelOperation)

	// Server process control.
	r.Get("/server", h.ServerStatus)
	r.Post("/server/start", h.StartServer)
	r.Post("/server/stop", h.StopServer)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
