// Package main is the entry point for lspbridge, an MCP server that
// fronts a language server and exposes its queries as tools.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dshills/lspbridge/internal/config"
	"github.com/dshills/lspbridge/internal/discover"
	"github.com/dshills/lspbridge/internal/lsp"
	mcpsrv "github.com/dshills/lspbridge/internal/mcp"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "lspbridge",
		Usage:   "Expose language server queries as MCP tools",
		Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Config file path (default: .lspbridge.toml in the current directory)",
			},
			&cli.StringFlag{
				Name:  "server",
				Usage: "Language server command (overrides config)",
			},
			&cli.StringFlag{
				Name:    "root",
				Aliases: []string{"r"},
				Usage:   "Workspace root to analyze (overrides config)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error (overrides config)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the MCP server over stdio",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "no-watch",
						Usage: "Disable workspace file watching",
					},
					&cli.BoolFlag{
						Name:  "prewarm",
						Usage: "Open workspace files up to the document limit at startup",
					},
				},
				Action: serveCommand,
			},
			{
				Name:   "check",
				Usage:  "Resolve and print the effective configuration without starting anything",
				Action: checkCommand,
			},
		},
		// Serving is the default so MCP hosts can launch the binary
		// without a subcommand.
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig layers the file, environment, and CLI flags, then validates.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	if cmd := c.String("server"); cmd != "" {
		cfg.Server.Command = cmd
	}
	if root := c.String("root"); root != "" {
		cfg.Workspace.Root = root
	}
	if level := c.String("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// newLogger builds the stderr logger. Stdout belongs to the MCP
// transport and must stay clean.
func newLogger(cfg config.Logging) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func bridgeOptions(cfg config.Config, logger *slog.Logger) lsp.Options {
	var initOpts any
	if len(cfg.Server.InitializationOptions) > 0 {
		initOpts = cfg.Server.InitializationOptions
	}
	return lsp.Options{
		Engine: lsp.EngineConfig{
			Command:               cfg.Server.Command,
			Args:                  cfg.Server.Args,
			Env:                   cfg.Server.Env,
			WorkDir:               cfg.Server.WorkDir,
			WorkspaceRoot:         cfg.Workspace.Root,
			InitializationOptions: initOpts,
			HandshakeTimeout:      cfg.Server.HandshakeTimeout(),
			ShutdownGrace:         cfg.Server.ShutdownGrace(),
		},
		Supervisor: lsp.SupervisorConfig{
			MaxRestarts:       cfg.Restart.MaxRestarts,
			RestartWindow:     time.Duration(cfg.Restart.WindowSec) * time.Second,
			InitialBackoff:    time.Duration(cfg.Restart.InitialBackoffMs) * time.Millisecond,
			MaxBackoff:        time.Duration(cfg.Restart.MaxBackoffMs) * time.Millisecond,
			BackoffMultiplier: cfg.Restart.Multiplier,
		},
		Retry: lsp.RetryConfig{
			MaxAttempts:    cfg.Requests.MaxAttempts,
			InitialBackoff: time.Duration(cfg.Requests.RetryBackoffMs) * time.Millisecond,
			MaxBackoff:     time.Duration(cfg.Requests.TimeoutSec) * time.Second,
			Multiplier:     2.0,
			Jitter:         0.2,
		},
		MaxOpenDocuments: cfg.Documents.MaxOpen,
		RequestTimeout:   time.Duration(cfg.Requests.TimeoutSec) * time.Second,
		DiagnosticsWait:  time.Duration(cfg.Requests.DiagnosticsWaitMs) * time.Millisecond,
		Logger:           logger,
	}
}

func serveCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Logging)

	root := cfg.Workspace.Root
	if root == "" {
		root, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		cfg.Workspace.Root = root
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bridge, err := lsp.New(bridgeOptions(cfg, logger))
	if err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := bridge.Shutdown(shutdownCtx); err != nil {
			logger.Warn("bridge shutdown", "error", err)
		}
	}()

	if !c.Bool("no-watch") {
		watcher, err := discover.NewWatcher(root, cfg.Workspace.Exclude, cfg.Workspace.WatchDebounce(), func(paths []string) {
			refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			bridge.RefreshFiles(refreshCtx, paths)
		}, logger)
		if err != nil {
			// Queries still work without the watcher; edited files are
			// just served from the engine's last-seen content.
			logger.Warn("file watching disabled", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	if c.Bool("prewarm") {
		go prewarm(ctx, bridge, cfg, logger)
	}

	logger.Info("starting lspbridge",
		"version", version,
		"server", cfg.Server.Command,
		"workspace", root)

	server := mcpsrv.NewServer(bridge, version, logger)
	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	logger.Info("lspbridge stopped")
	return nil
}

// prewarm opens workspace files so first queries hit an engine that has
// already analyzed them. Capped at the document limit; failures are
// logged and skipped.
func prewarm(ctx context.Context, bridge *lsp.Bridge, cfg config.Config, logger *slog.Logger) {
	files, err := discover.Enumerate(cfg.Workspace.Root, cfg.Workspace.Include, cfg.Workspace.Exclude)
	if err != nil {
		logger.Warn("prewarm enumeration failed", "error", err)
		return
	}
	if len(files) > cfg.Documents.MaxOpen {
		files = files[:cfg.Documents.MaxOpen]
	}

	opened := 0
	for _, path := range files {
		if ctx.Err() != nil {
			return
		}
		if _, err := bridge.EnsureFileOpen(ctx, path); err != nil {
			logger.Debug("prewarm skip", "path", path, "error", err)
			continue
		}
		opened++
	}
	logger.Info("prewarm complete", "opened", opened, "matched", len(files))
}

func checkCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	root := cfg.Workspace.Root
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
	}
	files, err := discover.Enumerate(root, cfg.Workspace.Include, cfg.Workspace.Exclude)
	if err != nil {
		return fmt.Errorf("enumerate workspace: %w", err)
	}

	out := map[string]any{
		"server_command": cfg.Server.Command,
		"server_args":    cfg.Server.Args,
		"workspace_root": root,
		"matched_files":  len(files),
		"max_open":       cfg.Documents.MaxOpen,
		"max_restarts":   cfg.Restart.MaxRestarts,
		"log_level":      cfg.Logging.Level,
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
