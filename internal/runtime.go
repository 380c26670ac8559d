package internal

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/seralt/comfyctl/internal/catalog"
	"github.com/seralt/comfyctl/internal/download"
	"github.com/seralt/comfyctl/internal/installdir"
	"github.com/seralt/comfyctl/internal/manager"
	"github.com/seralt/comfyctl/internal/shortcut"
	"github.com/seralt/comfyctl/internal/sse"
	"github.com/seralt/comfyctl/internal/store"
	"github.com/seralt/comfyctl/internal/supervisor"
)

// Runtime bundles the wired application components shared by the daemon and
// the CLI subcommands.
type Runtime struct {
	Manager *manager.Manager
	db      *store.DB
}

// Close releases the runtime's resources.
func (r *Runtime) Close() error {
	return r.db.Close()
}

// NewRuntime wires the manager and its collaborators from config. events may
// be nil for one-shot CLI use.
func NewRuntime(cfg *Config, logger *slog.Logger, events manager.Events) (*Runtime, error) {
	if err := os.MkdirAll(cfg.Paths.VersionsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create versions dir: %w", err)
	}

	db, err := store.Open(cfg.Paths.StateDBPath())
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	var sourceOpts []catalog.GitHubOption
	if cfg.Catalog.BaseURL != "" {
		sourceOpts = append(sourceOpts, catalog.WithBaseURL(cfg.Catalog.BaseURL))
	}
	source := catalog.NewGitHubSource(cfg.Catalog.Owner, cfg.Catalog.Repo, sourceOpts...)

	probe := supervisor.NewComfyProbe("127.0.0.1", cfg.Comfy.Port)
	super := supervisor.New(supervisor.ExecLauncher{}, probe, db, supervisor.Config{
		Spec: func(v installdir.Installed) supervisor.Spec {
			return supervisor.Spec{
				Dir:  v.Path,
				Bin:  cfg.Comfy.Python,
				Args: supervisor.ServerArgs("main.py", cfg.Comfy.Port, cfg.Comfy.ExtraArgs),
			}
		},
		StartTimeout: cfg.Comfy.StartTimeout(),
		StopGrace:    cfg.Comfy.StopGrace(),
	}, logger)

	installs, err := installdir.NewManager(cfg.Paths.VersionsDir(), db, super.ActiveTag, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init install manager: %w", err)
	}

	provider := shortcut.NewDesktopEntryProvider(
		shortcutDirs(cfg.Shortcuts),
	)
	tracker := shortcut.NewTracker(provider, db, logger)

	mgr := manager.New(manager.Config{
		Catalog:      catalog.NewCache(source, cfg.Catalog.TTL(), logger),
		Installs:     installs,
		Artifacts:    download.NewClient(),
		Shortcuts:    tracker,
		Supervisor:   super,
		Opener:       xdgOpener{},
		Events:       events,
		SharedModels: cfg.Paths.SharedModels,
		Logger:       logger,
	})

	// Reconcile persisted state against the host before serving anything.
	if err := mgr.Reconcile(); err != nil {
		logger.Warn("startup reconcile failed", slog.String("error", err.Error()))
	}

	return &Runtime{Manager: mgr, db: db}, nil
}

// shortcutDirs resolves the shortcut directories and launch command,
// defaulting to the conventional per-user freedesktop locations.
func shortcutDirs(cfg ShortcutsConfig) (applicationsDir, desktopDir, launchCommand string) {
	home, _ := os.UserHomeDir()
	applicationsDir = cfg.ApplicationsDir
	if applicationsDir == "" && home != "" {
		applicationsDir = filepath.Join(home, ".local", "share", "applications")
	}
	desktopDir = cfg.DesktopDir
	if desktopDir == "" && home != "" {
		desktopDir = filepath.Join(home, "Desktop")
	}

	exe, err := os.Executable()
	if err != nil {
		exe = "comfyctl"
	}
	return applicationsDir, desktopDir, exe + " start"
}

// xdgOpener reveals directories with the desktop's default file manager.
type xdgOpener struct{}

func (xdgOpener) Reveal(path string) error {
	cmd := exec.Command("xdg-open", path)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// brokerEvents bridges manager events onto the SSE broker, routing progress
// updates through the per-operation throttle.
type brokerEvents struct {
	broker *sse.Broker
}

func (b brokerEvents) Publish(eventType string, data any) {
	if eventType == "operation.progress" {
		if op, ok := data.(manager.Operation); ok {
			b.broker.PublishProgress(op.ID, sse.Event{Type: eventType, Data: op}, !op.Active())
			return
		}
	}
	b.broker.Publish(sse.Event{Type: eventType, Data: data})
}
