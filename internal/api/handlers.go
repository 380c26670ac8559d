package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/seralt/comfyctl/internal/apperr"
	"github.com/seralt/comfyctl/internal/manager"
)

// Handler holds API route handlers.
type Handler struct {
	mgr *manager.Manager
}

// NewHandler creates a new Handler.
func NewHandler(mgr *manager.Manager) *Handler {
	return &Handler{mgr: mgr}
}

// kindStatus maps a domain error kind to an HTTP status code.
func kindStatus(kind apperr.Kind) int {
	switch kind {
	case apperr.KindUnknownTag, apperr.KindNotInstalled:
		return http.StatusNotFound
	case apperr.KindVersionActive, apperr.KindAlreadyRunning, apperr.KindOperationInProgress:
		return http.StatusConflict
	case apperr.KindCatalogUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindStartTimeout, apperr.KindStopTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a domain error onto the API error shape. Internal errors
// are logged and masked.
func writeError(w http.ResponseWriter, op string, err error) {
	kind := apperr.KindOf(err)
	status := kindStatus(kind)
	if status == http.StatusInternalServerError {
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, status, errResponse{Error: "internal error", Kind: string(apperr.KindInternal)})
		return
	}
	writeJSON(w, status, errResponse{Error: err.Error(), Kind: string(kind)})
}

func tagParam(r *http.Request) string {
	return chi.URLParam(r, "tag")
}

// ListReleases handles GET /api/releases.
//
//	@Summary		List remote releases from the cached catalog
//	@Tags			releases
//	@Produce		json
//	@Param			refresh	query		bool	false	"Force a catalog refresh"
//	@Success		200		{object}	ReleaseListResponse
//	@Failure		503		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/releases [get]
func (h *Handler) ListReleases(w http.ResponseWriter, r *http.Request) {
	refresh := r.URL.Query().Get("refresh") == "true"
	releases, err := h.mgr.ListAvailable(r.Context(), refresh)
	if err != nil {
		writeError(w, "list releases", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"releases": releases,
	})
}

// ListVersions handles GET /api/versions.
//
//	@Summary		List installed versions with active flag and shortcut state
//	@Tags			versions
//	@Produce		json
//	@Success		200	{object}	VersionListResponse
//	@Security		BearerAuth
//	@Router			/versions [get]
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	installed, err := h.mgr.ListInstalled()
	if err != nil {
		writeError(w, "list versions", err)
		return
	}
	states, err := h.mgr.ShortcutStates()
	if err != nil {
		slog.Warn("shortcut state derivation failed", slog.String("error", err.Error()))
		states = nil
	}

	active := h.mgr.ActiveTag()
	items := make([]VersionItem, len(installed))
	for i, rec := range installed {
		items[i] = VersionItem{Installed: rec, Active: rec.Tag == active}
		if st, ok := states[rec.Tag]; ok {
			items[i].Shortcuts = &st
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"versions": items,
	})
}

// Install handles POST /api/versions/{tag}/install.
//
//	@Summary		Start installing a release in the background
//	@Tags			versions
//	@Produce		json
//	@Param			tag	path		string	true	"Release tag"
//	@Success		202	{object}	InstallAccepted
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/versions/{tag}/install [post]
func (h *Handler) Install(w http.ResponseWriter, r *http.Request) {
	tag := tagParam(r)
	if tag == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("tag is required"))
		return
	}
	opID, err := h.mgr.InstallAsync(tag)
	if err != nil {
		writeError(w, "install", err)
		return
	}
	writeJSON(w, http.StatusAccepted, InstallAccepted{Operation: opID, Tag: tag})
}

// Switch handles POST /api/versions/{tag}/switch.
//
//	@Summary		Make an installed version the active one, restarting the server if it runs
//	@Tags			versions
//	@Param			tag	path	string	true	"Release tag"
//	@Success		204	"Switched"
//	@Failure		404	{object}	errResponse
//	@Failure		409	{object}	errResponse
//	@Failure		504	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/versions/{tag}/switch [post]
func (h *Handler) Switch(w http.ResponseWriter, r *http.Request) {
	tag := tagParam(r)
	if err := h.mgr.SwitchTo(r.Context(), tag); err != nil {
		writeError(w, "switch", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Uninstall handles DELETE /api/versions/{tag}.
//
//	@Summary		Remove an installed version and its shortcuts
//	@Tags			versions
//	@Param			tag	path	string	true	"Release tag"
//	@Success		204	"Removed"
//	@Failure		404	{object}	errResponse
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/versions/{tag} [delete]
func (h *Handler) Uninstall(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.Uninstall(tagParam(r)); err != nil {
		writeError(w, "uninstall", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Open handles POST /api/versions/{tag}/open.
//
//	@Summary		Reveal a version's install directory in the file manager
//	@Tags			versions
//	@Param			tag	path	string	true	"Release tag"
//	@Success		204	"Opened"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/versions/{tag}/open [post]
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.OpenInstallPath(tagParam(r)); err != nil {
		writeError(w, "open install path", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetShortcuts handles PUT /api/versions/{tag}/shortcuts.
//
//	@Summary		Create or remove menu and desktop shortcuts for a version
//	@Tags			shortcuts
//	@Accept			json
//	@Produce		json
//	@Param			tag		path		string			true	"Release tag"
//	@Param			body	body		ShortcutRequest	true	"Desired state"
//	@Success		200		{object}	shortcut.State
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/versions/{tag}/shortcuts [put]
func (h *Handler) SetShortcuts(w http.ResponseWriter, r *http.Request) {
	var req ShortcutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	state, err := h.mgr.SetShortcuts(tagParam(r), req.Enabled)
	if err != nil {
		writeError(w, "set shortcuts", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// GetOperation handles GET /api/operations/{id}.
//
//	@Summary		Poll a background operation's progress
//	@Tags			operations
//	@Produce		json
//	@Param			id	path		string	true	"Operation id"
//	@Success		200	{object}	Operation
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/operations/{id} [get]
func (h *Handler) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, ok := h.mgr.Operation(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("operation not found"))
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// CancelOperation handles POST /api/operations/{id}/cancel.
//
//	@Summary		Cancel an in-flight operation
//	@Tags			operations
//	@Param			id	path	string	true	"Operation id"
//	@Success		204	"Cancellation requested"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/operations/{id}/cancel [post]
func (h *Handler) CancelOperation(w http.ResponseWriter, r *http.Request) {
	if !h.mgr.CancelOperation(chi.URLParam(r, "id")) {
		writeJSON(w, http.StatusNotFound, errorBody("operation not found or already finished"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServerStatus handles GET /api/server.
//
//	@Summary		Report the supervised server process state
//	@Tags			server
//	@Produce		json
//	@Success		200	{object}	ServerStatusResponse
//	@Security		BearerAuth
//	@Router			/server [get]
func (h *Handler) ServerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mgr.ServerStatus())
}

// StartServer handles POST /api/server/start.
//
//	@Summary		Start the server for a version
//	@Tags			server
//	@Accept			json
//	@Param			body	body	ServerStartRequest	true	"Tag to start"
//	@Success		204		"Started"
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Failure		504		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/server/start [post]
func (h *Handler) StartServer(w http.ResponseWriter, r *http.Request) {
	var req ServerStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Tag == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("tag is required"))
		return
	}
	if err := h.mgr.StartServer(r.Context(), req.Tag); err != nil {
		writeError(w, "start server", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StopServer handles POST /api/server/stop.
//
//	@Summary		Stop the running server
//	@Tags			server
//	@Success		204	"Stopped"
//	@Failure		504	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/server/stop [post]
func (h *Handler) StopServer(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.StopServer(r.Context()); err != nil {
		writeError(w, "stop server", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
