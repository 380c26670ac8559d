// Package shortcut tracks, per version, whether menu and desktop shortcuts
// exist on the host. Creation and removal mechanics are delegated to a
// Provider; the tracker only owns state bookkeeping.
package shortcut

import (
	"fmt"
	"log/slog"

	"github.com/seralt/comfyctl/internal/apperr"
	"github.com/seralt/comfyctl/internal/store"
)

// Kind is a shortcut placement.
type Kind string

const (
	KindMenu    Kind = "menu"
	KindDesktop Kind = "desktop"
)

// Provider is the OS-shortcut collaborator.
type Provider interface {
	Create(kind Kind, tag, targetPath string) error
	Remove(kind Kind, tag string) error
	// Exists reports ground truth from the host, so state survives manual
	// deletion outside the tool.
	Exists(kind Kind, tag string) (bool, error)
}

// State is the per-tag shortcut pair.
type State struct {
	Menu    bool `json:"menu"`
	Desktop bool `json:"desktop"`
}

// Tracker re-derives shortcut state from the host and keeps the persisted
// record in sync with what it observes.
type Tracker struct {
	provider Provider
	db       *store.DB
	logger   *slog.Logger
}

// NewTracker creates a Tracker.
func NewTracker(provider Provider, db *store.DB, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{provider: provider, db: db, logger: logger}
}

// State returns the current shortcut state for tag, re-derived from the
// host rather than trusting the stored snapshot.
func (t *Tracker) State(tag string) (State, error) {
	return t.derive(tag)
}

// AllStates returns the re-derived state for each given tag.
func (t *Tracker) AllStates(tags []string) (map[string]State, error) {
	out := make(map[string]State, len(tags))
	for _, tag := range tags {
		st, err := t.derive(tag)
		if err != nil {
			return nil, err
		}
		out[tag] = st
	}
	return out, nil
}

// SetState creates (enabled) or removes (disabled) both shortcut kinds for
// tag. Partial success is reported as the resulting mixed state, not
// collapsed into an error; an error is returned only when both operations
// fail, alongside the unchanged observed state.
func (t *Tracker) SetState(tag, targetPath string, enabled bool) (State, error) {
	var errs []error
	for _, kind := range []Kind{KindMenu, KindDesktop} {
		var err error
		if enabled {
			err = t.provider.Create(kind, tag, targetPath)
		} else {
			err = t.provider.Remove(kind, tag)
		}
		if err != nil {
			t.logger.Warn("shortcut toggle failed",
				slog.String("tag", tag),
				slog.String("kind", string(kind)),
				slog.Bool("enabled", enabled),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		}
	}

	st, deriveErr := t.derive(tag)
	if deriveErr != nil {
		return st, deriveErr
	}
	if len(errs) == 2 {
		return st, apperr.E(apperr.KindFilesystem, "shortcut.set", tag, errs[0])
	}
	return st, nil
}

// Forget removes both shortcut kinds for an uninstalled tag and drops its
// persisted record. Removal failures are logged rather than returned so the
// record never outlives the version.
func (t *Tracker) Forget(tag string) error {
	for _, kind := range []Kind{KindMenu, KindDesktop} {
		if err := t.provider.Remove(kind, tag); err != nil {
			t.logger.Warn("shortcut removal failed",
				slog.String("tag", tag),
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()))
		}
	}
	return t.db.DeleteShortcut(tag)
}

func (t *Tracker) derive(tag string) (State, error) {
	menu, err := t.provider.Exists(KindMenu, tag)
	if err != nil {
		return State{}, apperr.E(apperr.KindFilesystem, "shortcut.derive", tag, err)
	}
	desktop, err := t.provider.Exists(KindDesktop, tag)
	if err != nil {
		return State{}, apperr.E(apperr.KindFilesystem, "shortcut.derive", tag, err)
	}
	st := State{Menu: menu, Desktop: desktop}
	if err := t.db.UpsertShortcut(store.ShortcutRow{Tag: tag, Menu: st.Menu, Desktop: st.Desktop}); err != nil {
		return st, err
	}
	return st, nil
}
