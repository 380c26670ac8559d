package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/seralt/comfyctl/internal"
	"github.com/seralt/comfyctl/internal/manager"
	"github.com/seralt/comfyctl/internal/mcpserver"
	pkgconfig "github.com/seralt/comfyctl/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// stderrLogger builds a logger for one-shot subcommands. It writes to
// stderr so tool output (and the MCP stdio transport) owns stdout.
func stderrLogger(cfg *internal.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	if err := internal.Run(ctx, internal.WithConfig(cfg), internal.WithLogger(logger)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func install(ctx context.Context, cmd *cli.Command) error {
	tag := cmd.Args().First()
	if tag == "" {
		return fmt.Errorf("usage: install <tag>")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	rt, err := internal.NewRuntime(cfg, stderrLogger(cfg), nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	opID, err := rt.Manager.InstallAsync(tag)
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	for {
		op, ok := rt.Manager.Operation(opID)
		if !ok {
			return fmt.Errorf("operation vanished: %s", opID)
		}
		if op.Phase == manager.PhaseDownloading && op.Total > 0 {
			if bar == nil {
				bar = progressbar.DefaultBytes(op.Total, "downloading "+tag)
			}
			_ = bar.Set64(op.Downloaded)
		}
		if !op.Active() {
			if bar != nil {
				_ = bar.Finish()
			}
			if op.Phase == manager.PhaseFailed {
				return fmt.Errorf("install failed: %s", op.Error)
			}
			if op.Phase == manager.PhaseCancelled {
				return fmt.Errorf("install cancelled")
			}
			break
		}
		select {
		case <-ctx.Done():
			rt.Manager.CancelOperation(opID)
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	fmt.Printf("installed %s\n", tag)
	fmt.Print(warningsFor(rt.Manager, tag))
	return nil
}

func warningsFor(mgr *manager.Manager, tag string) string {
	op, ok := mgr.OperationByTag(tag)
	if !ok || len(op.Warnings) == 0 {
		return ""
	}
	out := ""
	for _, w := range op.Warnings {
		out += "warning: " + w + "\n"
	}
	return out
}

func list(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	rt, err := internal.NewRuntime(cfg, stderrLogger(cfg), nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	installed, err := rt.Manager.ListInstalled()
	if err != nil {
		return err
	}
	byTag := make(map[string]bool, len(installed))
	for _, rec := range installed {
		byTag[rec.Tag] = true
	}
	active := rt.Manager.ActiveTag()

	if cmd.Bool("installed") {
		for _, rec := range installed {
			marker := " "
			if rec.Tag == active {
				marker = "*"
			}
			fmt.Printf("%s %-16s %-10s %s\n", marker, rec.Tag, rec.Status, rec.Path)
		}
		return nil
	}

	releases, err := rt.Manager.ListAvailable(ctx, cmd.Bool("refresh"))
	if err != nil {
		return err
	}
	for _, rel := range releases {
		marker := " "
		switch {
		case rel.Tag == active:
			marker = "*"
		case byTag[rel.Tag]:
			marker = "+"
		}
		fmt.Printf("%s %-16s %s\n", marker, rel.Tag, rel.PublishedAt.Format("2006-01-02"))
	}
	return nil
}

func start(ctx context.Context, cmd *cli.Command) error {
	tag := cmd.Args().First()
	if tag == "" {
		return fmt.Errorf("usage: start <tag>")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	rt, err := internal.NewRuntime(cfg, stderrLogger(cfg), nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Manager.SwitchTo(ctx, tag); err != nil {
		return err
	}
	fmt.Printf("server running on port %d (version %s)\n", cfg.Comfy.Port, tag)

	// The server process is detached; it survives this command. Block only
	// when asked to supervise interactively.
	if !cmd.Bool("wait") {
		return nil
	}
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Comfy.StopGrace()+5*time.Second)
	defer cancel()
	return rt.Manager.StopServer(stopCtx)
}

func mcp(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	rt, err := internal.NewRuntime(cfg, stderrLogger(cfg), nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	return mcpserver.New(rt.Manager).ServeStdio()
}

func main() {
	cmd := &cli.Command{
		Name:   "comfyctl",
		Usage:  "ComfyUI launcher: install, switch, and supervise ComfyUI versions with a shared model library",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the launcher daemon (HTTP API + model watcher)",
				Action: serve,
			},
			{
				Name:      "install",
				Usage:     "Download and install a ComfyUI release",
				ArgsUsage: "<tag>",
				Action:    install,
			},
			{
				Name:  "list",
				Usage: "List releases (* active, + installed)",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "installed", Usage: "Show only installed versions"},
					&cli.BoolFlag{Name: "refresh", Usage: "Force a catalog refresh"},
				},
				Action: list,
			},
			{
				Name:      "start",
				Usage:     "Start the server on an installed version",
				ArgsUsage: "<tag>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "wait", Usage: "Keep supervising until interrupted, then stop the server"},
				},
				Action: start,
			},
			{
				Name:   "mcp",
				Usage:  "Serve version management tools over MCP stdio",
				Action: mcp,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
