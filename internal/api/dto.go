package api

import (
	"github.com/seralt/comfyctl/internal/catalog"
	"github.com/seralt/comfyctl/internal/installdir"
	"github.com/seralt/comfyctl/internal/manager"
	"github.com/seralt/comfyctl/internal/shortcut"
	"github.com/seralt/comfyctl/internal/supervisor"
)

// Release is a catalog release (aliased from the domain layer).
type Release = catalog.Release

// Operation is a long-running operation status record (aliased from the domain layer).
type Operation = manager.Operation

// ReleaseListResponse wraps the remote release catalog.
type ReleaseListResponse struct {
	Releases []Release `json:"releases" validate:"required"`
}

// VersionItem is one installed version in a list response, enriched with the
// active flag and shortcut state.
type VersionItem struct {
	installdir.Installed
	Active    bool            `json:"active"`
	Shortcuts *shortcut.State `json:"shortcuts,omitempty"`
}

// VersionListResponse wraps installed version listings.
type VersionListResponse struct {
	Versions []VersionItem `json:"versions" validate:"required"`
}

// InstallAccepted is returned when an install is started in the background.
type InstallAccepted struct {
	Operation string `json:"operation" example:"b2a9c9e4-6f21-4f92-a1f5-7e2c3d1b9a10" validate:"required"`
	Tag       string `json:"tag" example:"v0.3.1" validate:"required"`
}

// ShortcutRequest is the request body for toggling shortcuts.
type ShortcutRequest struct {
	Enabled bool `json:"enabled" validate:"required"`
}

// ServerStartRequest is the request body for starting the server.
type ServerStartRequest struct {
	Tag string `json:"tag" example:"v0.3.1" validate:"required"`
}

// ServerStatusResponse reports the supervised process state.
type ServerStatusResponse = supervisor.Status
