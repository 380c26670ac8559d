// Package supervisor starts, tracks, health-checks, and stops the server
// process for the active version. At most one server process runs
// system-wide at any time.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/seralt/comfyctl/internal/apperr"
	"github.com/seralt/comfyctl/internal/installdir"
	"github.com/seralt/comfyctl/internal/store"
)

var (
	errProcessExited = errors.New("server process exited before becoming ready")
	errStopTimeout   = errors.New("server process survived SIGKILL grace period")
	errStartAborted  = errors.New("start aborted by concurrent stop")
)

// Supervisor states.
const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
)

// Config holds the supervisor's timing knobs.
type Config struct {
	Spec          func(v installdir.Installed) Spec // builds the process spec per version
	StartTimeout  time.Duration                     // cap on Starting -> Running
	StopGrace     time.Duration                     // graceful-termination window before SIGKILL
	ProbeInterval time.Duration                     // delay between liveness checks
}

// Status is a consistent snapshot of the supervisor's state: readers never
// observe a half-updated pointer/pid pair.
type Status struct {
	State     string `json:"state"`
	ActiveTag string `json:"active_tag,omitempty"`
	PID       int    `json:"pid,omitempty"`
}

// Supervisor owns the active-version pointer and the server process handle.
// Both are mutated only under one mutex, and the persisted runtime record is
// updated in the same transition.
type Supervisor struct {
	launcher Launcher
	probe    Probe
	db       *store.DB
	cfg      Config
	logger   *slog.Logger

	mu        sync.Mutex
	state     string
	activeTag string
	pid       int
}

// New creates a Supervisor in the Stopped state.
func New(launcher Launcher, probe Probe, db *store.DB, cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 60 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		launcher: launcher,
		probe:    probe,
		db:       db,
		cfg:      cfg,
		logger:   logger,
		state:    StateStopped,
	}
}

// Status returns a consistent snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{State: s.state, ActiveTag: s.activeTag, PID: s.pid}
}

// ActiveTag returns the active version tag, or "" when nothing is running.
func (s *Supervisor) ActiveTag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTag
}

// Start spawns the server for v and waits until the liveness probe succeeds.
// It fails with already_running unless the supervisor is Stopped, and with
// start_timeout when the probe never succeeds within the configured cap (the
// spawned process is killed and the state returns to Stopped).
func (s *Supervisor) Start(ctx context.Context, v installdir.Installed) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return apperr.E(apperr.KindAlreadyRunning, "supervisor.start", v.Tag, nil)
	}
	s.state = StateStarting
	s.mu.Unlock()

	pid, err := s.launcher.Spawn(ctx, s.cfg.Spec(v))
	if err != nil {
		s.abortStart(0)
		return apperr.E(apperr.KindInternal, "supervisor.start", v.Tag, err)
	}

	// Publish the pid while still Starting so a concurrent Stop can reach
	// the process. If Stop already won the race, this attempt lost the
	// state machine and must clean up its own spawn.
	s.mu.Lock()
	if s.state != StateStarting {
		s.mu.Unlock()
		_ = s.launcher.Kill(pid)
		return apperr.E(apperr.KindInternal, "supervisor.start", v.Tag, errStartAborted)
	}
	s.pid = pid
	s.mu.Unlock()
	s.logger.Info("server spawned", slog.String("tag", v.Tag), slog.Int("pid", pid))

	if err := s.awaitReady(ctx, pid); err != nil {
		_ = s.launcher.Kill(pid)
		s.abortStart(pid)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.E(apperr.KindStartTimeout, "supervisor.start", v.Tag, err)
	}

	s.mu.Lock()
	if s.state != StateStarting || s.pid != pid {
		s.mu.Unlock()
		_ = s.launcher.Kill(pid)
		return apperr.E(apperr.KindInternal, "supervisor.start", v.Tag, errStartAborted)
	}
	s.setLocked(StateRunning, v.Tag, pid)
	s.mu.Unlock()
	s.logger.Info("server running", slog.String("tag", v.Tag), slog.Int("pid", pid))
	return nil
}

// Stop gracefully terminates the running server, escalating to SIGKILL
// after the grace period. Stopping an already-stopped supervisor is a no-op.
// Stopping during Starting kills the not-yet-ready process and makes the
// in-flight Start return without committing.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	pid := s.pid
	tag := s.activeTag
	s.state = StateStopping
	s.mu.Unlock()

	var err error
	if pid > 0 && s.launcher.Alive(pid) {
		err = s.shutdown(ctx, pid)
	}

	s.transition(StateStopped, "", 0)
	if err != nil {
		return apperr.E(apperr.KindStopTimeout, "supervisor.stop", tag, err)
	}
	s.logger.Info("server stopped", slog.String("tag", tag))
	return nil
}

// Switch stops the running server (if any) and starts v. A switch to the
// tag that is already running is a no-op. On start failure the active
// pointer is left unset (the previous process is already gone) and the
// failure is reported to the caller.
func (s *Supervisor) Switch(ctx context.Context, v installdir.Installed) error {
	s.mu.Lock()
	if s.state == StateRunning && s.activeTag == v.Tag {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start(ctx, v)
}

// Reconcile validates the persisted runtime record against the OS after a
// launcher restart: a live pid is adopted as Running, a stale one is
// cleaned up and treated as not running.
func (s *Supervisor) Reconcile() error {
	rt, err := s.db.GetRuntime()
	if err != nil {
		return err
	}
	if rt.PID <= 0 {
		return nil
	}
	if s.launcher.Alive(rt.PID) {
		s.transition(StateRunning, rt.ActiveTag, rt.PID)
		s.logger.Info("adopted running server",
			slog.String("tag", rt.ActiveTag), slog.Int("pid", rt.PID))
		return nil
	}
	s.logger.Warn("stale server pid record, clearing",
		slog.String("tag", rt.ActiveTag), slog.Int("pid", rt.PID))
	s.transition(StateStopped, "", 0)
	return nil
}

// awaitReady polls the probe until it succeeds, the process dies, or the
// start timeout elapses.
func (s *Supervisor) awaitReady(ctx context.Context, pid int) error {
	deadline := time.Now().Add(s.cfg.StartTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.launcher.Alive(pid) {
			return apperr.E(apperr.KindInternal, "supervisor.start", "", errProcessExited)
		}
		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeInterval*4)
		lastErr = s.probe.Ready(probeCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ProbeInterval):
		}
	}
	return lastErr
}

// shutdown terminates pid, waiting up to the grace period before escalating
// to SIGKILL; it returns an error when the process survives even that.
func (s *Supervisor) shutdown(ctx context.Context, pid int) error {
	_ = s.launcher.Terminate(pid)
	if s.awaitExit(ctx, pid, s.cfg.StopGrace) {
		return nil
	}

	s.logger.Warn("graceful stop timed out, killing", slog.Int("pid", pid))
	_ = s.launcher.Kill(pid)
	if s.awaitExit(ctx, pid, s.cfg.StopGrace) {
		return nil
	}
	return errStopTimeout
}

func (s *Supervisor) awaitExit(ctx context.Context, pid int, window time.Duration) bool {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if !s.launcher.Alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !s.launcher.Alive(pid)
		case <-time.After(s.cfg.ProbeInterval):
		}
	}
	return !s.launcher.Alive(pid)
}

// transition atomically updates state, pointer, pid, and the persisted
// runtime record.
func (s *Supervisor) transition(state, tag string, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(state, tag, pid)
}

// setLocked is transition with s.mu already held.
func (s *Supervisor) setLocked(state, tag string, pid int) {
	s.state = state
	s.activeTag = tag
	s.pid = pid
	if err := s.db.SetRuntime(tag, pid); err != nil {
		s.logger.Error("persist runtime record failed", slog.String("error", err.Error()))
	}
}

// abortStart resets to Stopped only when this Start attempt still owns the
// state machine. A concurrent Stop (or a later Start) has already moved the
// state on and must not be clobbered.
func (s *Supervisor) abortStart(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStarting || s.pid != pid {
		return
	}
	s.setLocked(StateStopped, "", 0)
}
