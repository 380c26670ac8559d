// Package manager is the version-lifecycle orchestrator: it owns the
// public operation set consumed by the UI layer and coordinates the catalog,
// install directories, model linker, shortcut tracker, and process
// supervisor.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/seralt/comfyctl/internal/apperr"
	"github.com/seralt/comfyctl/internal/catalog"
	"github.com/seralt/comfyctl/internal/download"
	"github.com/seralt/comfyctl/internal/installdir"
	"github.com/seralt/comfyctl/internal/modellink"
	"github.com/seralt/comfyctl/internal/shortcut"
	"github.com/seralt/comfyctl/internal/supervisor"
)

// ArtifactFactory builds an installdir artifact for a catalog asset.
// *download.Client is the production implementation.
type ArtifactFactory interface {
	Artifact(asset catalog.Asset, progress download.Progress) installdir.Artifact
}

// Opener is the OS collaborator that reveals a directory in the user's file
// manager.
type Opener interface {
	Reveal(path string) error
}

// Events receives state-change notifications for the UI event stream. A nil
// Events is valid and discards everything.
type Events interface {
	Publish(eventType string, data any)
}

// InstallResult is the outcome of an install: the version record plus the
// model-link report, whose failures are warnings rather than errors.
type InstallResult struct {
	Version *installdir.Installed `json:"version"`
	Links   *modellink.Report     `json:"links,omitempty"`
}

// Manager wires the launcher components behind one public operation set.
type Manager struct {
	catalog   *catalog.Cache
	installs  *installdir.Manager
	artifacts ArtifactFactory
	shortcuts *shortcut.Tracker
	super     *supervisor.Supervisor
	opener    Opener
	events    Events
	logger    *slog.Logger

	sharedModels string // empty disables model linking

	ops      *opRegistry
	switchMu sync.Mutex // serializes SwitchTo; TryLock maps to operation_in_progress
	tagMu    sync.Mutex
	tagLocks map[string]*sync.Mutex
}

// Config collects the orchestrator's collaborators.
type Config struct {
	Catalog      *catalog.Cache
	Installs     *installdir.Manager
	Artifacts    ArtifactFactory
	Shortcuts    *shortcut.Tracker
	Supervisor   *supervisor.Supervisor
	Opener       Opener
	Events       Events
	SharedModels string
	Logger       *slog.Logger
}

// New creates a Manager.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := cfg.Events
	if events == nil {
		events = discardEvents{}
	}
	return &Manager{
		catalog:      cfg.Catalog,
		installs:     cfg.Installs,
		artifacts:    cfg.Artifacts,
		shortcuts:    cfg.Shortcuts,
		super:        cfg.Supervisor,
		opener:       cfg.Opener,
		events:       events,
		logger:       logger,
		sharedModels: cfg.SharedModels,
		ops:          newOpRegistry(),
	}
}

type discardEvents struct{}

func (discardEvents) Publish(string, any) {}

// ListAvailable returns the remote releases known to the catalog.
func (m *Manager) ListAvailable(ctx context.Context, forceRefresh bool) ([]catalog.Release, error) {
	return m.catalog.ListReleases(ctx, forceRefresh)
}

// ListInstalled returns every installed version record.
func (m *Manager) ListInstalled() ([]installdir.Installed, error) {
	return m.installs.ListInstalled()
}

// ActiveTag returns the tag of the running version, or "".
func (m *Manager) ActiveTag() string { return m.super.ActiveTag() }

// ServerStatus returns the supervisor snapshot.
func (m *Manager) ServerStatus() supervisor.Status { return m.super.Status() }

// Install resolves tag against the catalog, materializes it, and links the
// shared model store into it. Model-link failures are surfaced as warnings
// on the result, not as errors. A concurrent operation on the same tag is
// rejected with operation_in_progress.
func (m *Manager) Install(ctx context.Context, tag string) (*InstallResult, error) {
	lock := m.tagLock(tag)
	if !lock.TryLock() {
		return nil, apperr.E(apperr.KindOperationInProgress, "manager.install", tag, nil)
	}
	defer lock.Unlock()

	opID, opCtx := m.ops.begin(ctx, tag, "install")
	defer m.ops.finish(opID)
	result, err := m.runInstall(opCtx, opID, tag)
	m.completeOp(opID, tag, err)
	return result, err
}

// InstallAsync starts an install in the background and returns the
// operation id for progress polling. The caller cancels it via CancelOperation.
func (m *Manager) InstallAsync(tag string) (string, error) {
	lock := m.tagLock(tag)
	if !lock.TryLock() {
		return "", apperr.E(apperr.KindOperationInProgress, "manager.install", tag, nil)
	}

	// Detached from the request context: the operation outlives the HTTP
	// request that started it and is cancelled only explicitly.
	opID, opCtx := m.ops.begin(context.Background(), tag, "install")
	go func() {
		defer lock.Unlock()
		defer m.ops.finish(opID)
		_, err := m.runInstall(opCtx, opID, tag)
		m.completeOp(opID, tag, err)
	}()
	return opID, nil
}

func (m *Manager) runInstall(ctx context.Context, opID, tag string) (*InstallResult, error) {
	release, err := m.catalog.Resolve(ctx, tag)
	if err != nil {
		return nil, err
	}
	asset, err := pickAsset(release)
	if err != nil {
		return nil, err
	}

	m.setPhase(opID, PhaseDownloading)
	progress := func(done, total int64) {
		m.ops.update(opID, func(op *Operation) {
			op.Downloaded = done
			op.Total = total
		})
		if op, ok := m.ops.get(opID); ok {
			m.events.Publish("operation.progress", op)
		}
	}
	artifact := m.artifacts.Artifact(asset, progress)

	rec, err := m.installs.Install(ctx, tag, artifact)
	if err != nil {
		return nil, err
	}

	result := &InstallResult{Version: rec}
	if m.sharedModels != "" {
		m.setPhase(opID, PhaseLinking)
		report, linkErr := modellink.Link(rec.Path, m.sharedModels)
		if linkErr != nil {
			m.logger.Warn("model linking failed",
				slog.String("tag", tag), slog.String("error", linkErr.Error()))
			m.ops.update(opID, func(op *Operation) {
				op.Warnings = append(op.Warnings, linkErr.Error())
			})
		} else {
			result.Links = report
			if report.Partial() {
				m.logger.Warn("model linking partially failed",
					slog.String("tag", tag), slog.Int("failures", len(report.Failures)))
				for _, f := range report.Failures {
					m.ops.update(opID, func(op *Operation) {
						op.Warnings = append(op.Warnings, fmt.Sprintf("%s: %s", f.Path, f.Error))
					})
				}
			}
		}
	}
	return result, nil
}

// SwitchTo stops the running server (if any) and starts the installed
// version tag. Calls arriving while a switch is in flight are rejected with
// operation_in_progress rather than interleaved.
func (m *Manager) SwitchTo(ctx context.Context, tag string) error {
	if !m.switchMu.TryLock() {
		return apperr.E(apperr.KindOperationInProgress, "manager.switch", tag, nil)
	}
	defer m.switchMu.Unlock()

	lock := m.tagLock(tag)
	if !lock.TryLock() {
		return apperr.E(apperr.KindOperationInProgress, "manager.switch", tag, nil)
	}
	defer lock.Unlock()

	rec, err := m.installs.Get(tag)
	if err != nil {
		return err
	}
	if rec.Status != installdir.StatusReady {
		return apperr.E(apperr.KindNotInstalled, "manager.switch", tag,
			fmt.Errorf("version status is %s", rec.Status))
	}

	if err := m.super.Switch(ctx, *rec); err != nil {
		m.events.Publish("server.state", m.super.Status())
		return err
	}
	m.events.Publish("server.state", m.super.Status())
	return nil
}

// StartServer starts the server for an installed tag without a preceding
// stop (it fails with already_running when one is up).
func (m *Manager) StartServer(ctx context.Context, tag string) error {
	rec, err := m.installs.Get(tag)
	if err != nil {
		return err
	}
	if rec.Status != installdir.StatusReady {
		return apperr.E(apperr.KindNotInstalled, "manager.start", tag,
			fmt.Errorf("version status is %s", rec.Status))
	}
	err = m.super.Start(ctx, *rec)
	m.events.Publish("server.state", m.super.Status())
	return err
}

// StopServer stops the running server.
func (m *Manager) StopServer(ctx context.Context) error {
	err := m.super.Stop(ctx)
	m.events.Publish("server.state", m.super.Status())
	return err
}

// Uninstall removes an installed version, refusing while it is active. Its
// shortcuts are then forgotten best-effort.
func (m *Manager) Uninstall(tag string) error {
	lock := m.tagLock(tag)
	if !lock.TryLock() {
		return apperr.E(apperr.KindOperationInProgress, "manager.uninstall", tag, nil)
	}
	defer lock.Unlock()

	if m.super.ActiveTag() == tag {
		return apperr.E(apperr.KindVersionActive, "manager.uninstall", tag, nil)
	}

	if err := m.installs.Remove(tag); err != nil {
		return err
	}
	if err := m.shortcuts.Forget(tag); err != nil {
		m.logger.Warn("shortcut cleanup failed",
			slog.String("tag", tag), slog.String("error", err.Error()))
	}
	m.events.Publish("version.removed", map[string]string{"tag": tag})
	return nil
}

// OpenInstallPath reveals the version's directory in the file manager.
func (m *Manager) OpenInstallPath(tag string) error {
	rec, err := m.installs.Get(tag)
	if err != nil {
		return err
	}
	if err := m.opener.Reveal(rec.Path); err != nil {
		return apperr.E(apperr.KindInternal, "manager.open", tag, err)
	}
	return nil
}

// ShortcutStates returns the re-derived shortcut state per installed tag.
func (m *Manager) ShortcutStates() (map[string]shortcut.State, error) {
	installed, err := m.installs.ListInstalled()
	if err != nil {
		return nil, err
	}
	tags := make([]string, len(installed))
	for i, rec := range installed {
		tags[i] = rec.Tag
	}
	return m.shortcuts.AllStates(tags)
}

// SetShortcuts toggles both shortcut kinds for an installed tag. Partial
// success is reported as the resulting mixed state.
func (m *Manager) SetShortcuts(tag string, enabled bool) (shortcut.State, error) {
	rec, err := m.installs.Get(tag)
	if err != nil {
		return shortcut.State{}, err
	}
	return m.shortcuts.SetState(tag, rec.Path, enabled)
}

// Operation returns the status record for an operation id.
func (m *Manager) Operation(id string) (Operation, bool) { return m.ops.get(id) }

// OperationByTag returns the latest operation for tag.
func (m *Manager) OperationByTag(tag string) (Operation, bool) { return m.ops.byTag(tag) }

// CancelOperation requests cancellation of an in-flight operation.
func (m *Manager) CancelOperation(id string) bool { return m.ops.cancel(id) }

// RelinkAll re-runs the model linker over every ready version. Called by
// the shared-model watcher when new model files appear.
func (m *Manager) RelinkAll() {
	if m.sharedModels == "" {
		return
	}
	installed, err := m.installs.ListInstalled()
	if err != nil {
		m.logger.Error("relink: list installed failed", slog.String("error", err.Error()))
		return
	}
	for _, rec := range installed {
		if rec.Status != installdir.StatusReady {
			continue
		}
		report, err := modellink.Link(rec.Path, m.sharedModels)
		if err != nil {
			m.logger.Warn("relink failed", slog.String("tag", rec.Tag), slog.String("error", err.Error()))
			continue
		}
		if report.Linked > 0 {
			m.logger.Info("relinked shared models",
				slog.String("tag", rec.Tag), slog.Int("linked", report.Linked))
			m.events.Publish("models.linked", map[string]any{"tag": rec.Tag, "report": report})
		}
	}
}

// Reconcile re-validates persisted state against the host on startup.
func (m *Manager) Reconcile() error {
	if err := m.super.Reconcile(); err != nil {
		return fmt.Errorf("manager: reconcile supervisor: %w", err)
	}
	if err := m.installs.Reconcile(); err != nil {
		return fmt.Errorf("manager: reconcile installs: %w", err)
	}
	// Re-derive shortcut states from the host rather than trusting the
	// stored snapshot.
	if _, err := m.ShortcutStates(); err != nil {
		return fmt.Errorf("manager: reconcile shortcuts: %w", err)
	}
	return nil
}

func (m *Manager) setPhase(opID, phase string) {
	m.ops.update(opID, func(op *Operation) { op.Phase = phase })
	if op, ok := m.ops.get(opID); ok {
		m.events.Publish("operation.progress", op)
	}
}

func (m *Manager) completeOp(opID, tag string, err error) {
	switch {
	case err == nil:
		m.ops.update(opID, func(op *Operation) { op.Phase = PhaseDone })
		m.events.Publish("version.installed", map[string]string{"tag": tag})
	case errors.Is(err, context.Canceled):
		m.ops.update(opID, func(op *Operation) { op.Phase = PhaseCancelled })
	default:
		m.ops.update(opID, func(op *Operation) {
			op.Phase = PhaseFailed
			op.Error = err.Error()
			op.ErrorKind = string(apperr.KindOf(err))
		})
	}
	if op, ok := m.ops.get(opID); ok {
		m.events.Publish("operation.progress", op)
	}
}

func (m *Manager) tagLock(tag string) *sync.Mutex {
	m.tagMu.Lock()
	defer m.tagMu.Unlock()
	if m.tagLocks == nil {
		m.tagLocks = make(map[string]*sync.Mutex)
	}
	lock, ok := m.tagLocks[tag]
	if !ok {
		lock = &sync.Mutex{}
		m.tagLocks[tag] = lock
	}
	return lock
}

// pickAsset chooses the artifact to install: the first gzipped tarball
// asset, falling back to the first asset.
func pickAsset(release catalog.Release) (catalog.Asset, error) {
	if len(release.Assets) == 0 {
		return catalog.Asset{}, apperr.E(apperr.KindCatalogUnavailable, "manager.install", release.Tag,
			fmt.Errorf("release has no downloadable assets"))
	}
	for _, asset := range release.Assets {
		if strings.HasSuffix(asset.Name, ".tar.gz") || strings.HasSuffix(asset.Name, ".tgz") {
			return asset, nil
		}
	}
	return release.Assets[0], nil
}
