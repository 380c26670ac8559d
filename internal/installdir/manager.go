// Package installdir owns the on-disk layout under the versions root: one
// directory per installed tag, plus hidden staging directories used to make
// installation atomic.
package installdir

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/seralt/comfyctl/internal/apperr"
	"github.com/seralt/comfyctl/internal/store"
)

// Version statuses.
const (
	StatusReady      = "ready"
	StatusInstalling = "installing"
	StatusBroken     = "broken"
)

const stagingPrefix = ".staging-"

// Installed is the record of one installed version.
type Installed struct {
	Tag         string    `json:"tag"`
	Path        string    `json:"path"`
	Status      string    `json:"status"`
	InstalledAt time.Time `json:"installed_at"`
}

// Artifact materializes release content into a directory. Implementations
// must honor ctx cancellation and leave nothing outside dir.
type Artifact interface {
	Materialize(ctx context.Context, dir string) error
}

// Manager creates, inspects, and removes per-version install directories.
// The directory for a tag is exclusively owned by the manager for the
// lifetime of the install; records are destroyed only on explicit Remove.
type Manager struct {
	root      string
	db        *store.DB
	activeTag func() string // guards Remove; nil means no guard
	now       func() time.Time
	logger    *slog.Logger
}

// NewManager creates a Manager rooted at the given versions directory, which
// is created if absent. activeTag reports the currently active version so
// Remove can refuse destructive operations against it.
func NewManager(root string, db *store.DB, activeTag func() string, logger *slog.Logger) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("installdir: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("installdir: create root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{root: abs, db: db, activeTag: activeTag, now: time.Now, logger: logger}, nil
}

// Root returns the absolute versions root.
func (m *Manager) Root() string { return m.root }

// Install materializes artifact into the directory for tag. It stages into a
// temporary directory inside the root and renames into place only on full
// success, so a crash mid-install never leaves a partial directory that
// looks ready. If tag is already installed and ready, the existing record is
// returned without touching the artifact.
func (m *Manager) Install(ctx context.Context, tag string, artifact Artifact) (*Installed, error) {
	final, err := m.tagPath(tag)
	if err != nil {
		return nil, err
	}

	if existing, err := m.readyRecord(tag); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	staging, err := os.MkdirTemp(m.root, stagingPrefix+"*")
	if err != nil {
		return nil, apperr.Filesystem("installdir.install", m.root, err)
	}

	if err := artifact.Materialize(ctx, staging); err != nil {
		_ = os.RemoveAll(staging)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, apperr.E(apperr.KindFilesystem, "installdir.install", tag, err)
	}
	if err := ctx.Err(); err != nil {
		_ = os.RemoveAll(staging)
		return nil, err
	}

	// A leftover directory here is from a prior broken install; the ready
	// case returned above.
	if err := os.RemoveAll(final); err != nil {
		_ = os.RemoveAll(staging)
		return nil, apperr.Filesystem("installdir.install", final, err)
	}
	if err := os.Rename(staging, final); err != nil {
		_ = os.RemoveAll(staging)
		return nil, apperr.Filesystem("installdir.install", final, err)
	}

	rec := &Installed{Tag: tag, Path: final, Status: StatusReady, InstalledAt: m.now().UTC()}
	if err := m.db.UpsertVersion(store.VersionRow{
		Tag: rec.Tag, Path: rec.Path, Status: rec.Status, InstalledAt: rec.InstalledAt,
	}); err != nil {
		return nil, fmt.Errorf("installdir: save record: %w", err)
	}

	m.logger.Info("version installed", slog.String("tag", tag), slog.String("path", final))
	return rec, nil
}

// Remove deletes the directory and record for tag. It refuses when tag is
// the active version.
func (m *Manager) Remove(tag string) error {
	if m.activeTag != nil && m.activeTag() == tag {
		return apperr.E(apperr.KindVersionActive, "installdir.remove", tag, nil)
	}

	rec, err := m.db.GetVersion(tag)
	if err != nil {
		return err
	}
	if rec == nil {
		return apperr.E(apperr.KindNotInstalled, "installdir.remove", tag, nil)
	}

	if err := os.RemoveAll(rec.Path); err != nil {
		return apperr.Filesystem("installdir.remove", rec.Path, err)
	}
	if err := m.db.DeleteVersion(tag); err != nil {
		return err
	}

	m.logger.Info("version removed", slog.String("tag", tag))
	return nil
}

// Get returns the record for tag, or a not_installed error.
func (m *Manager) Get(tag string) (*Installed, error) {
	rec, err := m.db.GetVersion(tag)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperr.E(apperr.KindNotInstalled, "installdir.get", tag, nil)
	}
	return &Installed{Tag: rec.Tag, Path: rec.Path, Status: rec.Status, InstalledAt: rec.InstalledAt}, nil
}

// ListInstalled returns every recorded version, newest install first.
func (m *Manager) ListInstalled() ([]Installed, error) {
	rows, err := m.db.ListVersions()
	if err != nil {
		return nil, err
	}
	out := make([]Installed, len(rows))
	for i, r := range rows {
		out[i] = Installed{Tag: r.Tag, Path: r.Path, Status: r.Status, InstalledAt: r.InstalledAt}
	}
	return out, nil
}

// Reconcile validates records against the disk: orphaned staging directories
// (from a crash mid-install) are purged, and records whose directory is
// missing are marked broken. Records are never deleted implicitly.
func (m *Manager) Reconcile() error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return apperr.Filesystem("installdir.reconcile", m.root, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), stagingPrefix) {
			p := filepath.Join(m.root, e.Name())
			if err := os.RemoveAll(p); err != nil {
				m.logger.Warn("purge staging failed", slog.String("path", p), slog.String("error", err.Error()))
			} else {
				m.logger.Info("purged orphaned staging dir", slog.String("path", p))
			}
		}
	}

	rows, err := m.db.ListVersions()
	if err != nil {
		return err
	}
	for _, r := range rows {
		info, statErr := os.Stat(r.Path)
		ok := statErr == nil && info.IsDir()
		switch {
		case !ok && r.Status != StatusBroken:
			r.Status = StatusBroken
			if err := m.db.UpsertVersion(r); err != nil {
				return err
			}
			m.logger.Warn("version directory missing, marked broken", slog.String("tag", r.Tag))
		case ok && r.Status == StatusBroken:
			r.Status = StatusReady
			if err := m.db.UpsertVersion(r); err != nil {
				return err
			}
			m.logger.Info("version directory reappeared, marked ready", slog.String("tag", r.Tag))
		}
	}
	return nil
}

// readyRecord returns the existing record for tag when it is ready and its
// directory exists on disk, nil otherwise.
func (m *Manager) readyRecord(tag string) (*Installed, error) {
	rec, err := m.db.GetVersion(tag)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Status != StatusReady {
		return nil, nil
	}
	if info, err := os.Stat(rec.Path); err != nil || !info.IsDir() {
		return nil, nil
	}
	return &Installed{Tag: rec.Tag, Path: rec.Path, Status: rec.Status, InstalledAt: rec.InstalledAt}, nil
}

// tagPath resolves the install directory for tag and rejects tags that would
// escape the versions root.
func (m *Manager) tagPath(tag string) (string, error) {
	if tag == "" || strings.ContainsAny(tag, "/\\") || strings.HasPrefix(tag, ".") {
		return "", apperr.E(apperr.KindFilesystem, "installdir.path", tag, fmt.Errorf("invalid tag name"))
	}
	joined := filepath.Join(m.root, tag)
	if filepath.Dir(joined) != m.root {
		return "", apperr.E(apperr.KindFilesystem, "installdir.path", tag, fmt.Errorf("tag escapes versions root"))
	}
	return joined, nil
}
