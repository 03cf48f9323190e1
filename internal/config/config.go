// Package config loads and validates lspbridge configuration.
//
// Configuration is layered: built-in defaults, then an optional TOML
// file, then LSPBRIDGE_* environment variables. The result is validated
// before any process is spawned, so a bad server command fails at
// startup rather than on the first tool call.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// DefaultFileName is the config file looked up in the workspace root.
const DefaultFileName = ".lspbridge.toml"

// Config is the full lspbridge configuration.
type Config struct {
	Server    Server    `toml:"server"`
	Workspace Workspace `toml:"workspace"`
	Documents Documents `toml:"documents"`
	Restart   Restart   `toml:"restart"`
	Requests  Requests  `toml:"requests"`
	Logging   Logging   `toml:"logging"`
}

// Server describes the language server to run.
type Server struct {
	// Command is the server binary, resolved against PATH.
	Command string `toml:"command"`
	// Args are passed to the server verbatim.
	Args []string `toml:"args"`
	// Env adds to the inherited environment.
	Env map[string]string `toml:"env"`
	// WorkDir is the server's working directory. Empty means the
	// workspace root.
	WorkDir string `toml:"workdir"`
	// InitializationOptions are forwarded opaquely in the handshake.
	InitializationOptions map[string]any `toml:"initialization_options"`

	HandshakeTimeoutSec int `toml:"handshake_timeout_sec"`
	ShutdownGraceSec    int `toml:"shutdown_grace_sec"`
}

// Workspace describes the analyzed project tree.
type Workspace struct {
	// Root is the workspace directory. Empty means the current directory.
	Root string `toml:"root"`
	// Include and Exclude are doublestar globs for source discovery.
	Include []string `toml:"include"`
	Exclude []string `toml:"exclude"`
	// WatchDebounceMs coalesces bursts of file change events.
	WatchDebounceMs int `toml:"watch_debounce_ms"`
}

// Documents bounds the engine's open-document set.
type Documents struct {
	MaxOpen int `toml:"max_open"`
}

// Restart is the crash-recovery policy.
type Restart struct {
	MaxRestarts      int     `toml:"max_restarts"`
	WindowSec        int     `toml:"window_sec"`
	InitialBackoffMs int     `toml:"initial_backoff_ms"`
	MaxBackoffMs     int     `toml:"max_backoff_ms"`
	Multiplier       float64 `toml:"multiplier"`
}

// Requests governs individual request behavior.
type Requests struct {
	TimeoutSec        int `toml:"timeout_sec"`
	MaxAttempts       int `toml:"max_attempts"`
	RetryBackoffMs    int `toml:"retry_backoff_ms"`
	DiagnosticsWaitMs int `toml:"diagnostics_wait_ms"`
}

// Logging controls the structured log output on stderr.
type Logging struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// Default returns the built-in configuration. Server.Command is empty
// and must come from the file, the environment, or a flag.
func Default() Config {
	return Config{
		Server: Server{
			HandshakeTimeoutSec: 30,
			ShutdownGraceSec:    5,
		},
		Workspace: Workspace{
			Include:         []string{"**/*"},
			Exclude:         []string{"**/.git/**", "**/node_modules/**", "**/vendor/**"},
			WatchDebounceMs: 300,
		},
		Documents: Documents{MaxOpen: 100},
		Restart: Restart{
			MaxRestarts:      5,
			WindowSec:        300,
			InitialBackoffMs: 1000,
			MaxBackoffMs:     60000,
			Multiplier:       2.0,
		},
		Requests: Requests{
			TimeoutSec:        15,
			MaxAttempts:       3,
			RetryBackoffMs:    200,
			DiagnosticsWaitMs: 2000,
		},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// Load builds the configuration: defaults, then the TOML file at path,
// then environment overrides. An empty path tries DefaultFileName in the
// current directory; a missing default file is not an error, a missing
// explicit file is.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFileName
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// Defaults plus environment only.
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

// Validate checks the configuration and resolves Server.Command against
// PATH, rewriting it to an absolute path.
func (c *Config) Validate() error {
	if c.Server.Command == "" {
		return fmt.Errorf("server.command is required")
	}
	resolved, err := exec.LookPath(c.Server.Command)
	if err != nil {
		return fmt.Errorf("server.command %q not found: %w", c.Server.Command, err)
	}
	c.Server.Command = resolved

	if c.Workspace.Root != "" {
		abs, err := filepath.Abs(c.Workspace.Root)
		if err != nil {
			return fmt.Errorf("workspace.root: %w", err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("workspace.root %q: %w", c.Workspace.Root, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("workspace.root %q is not a directory", c.Workspace.Root)
		}
		c.Workspace.Root = abs
	}

	if c.Documents.MaxOpen <= 0 {
		return fmt.Errorf("documents.max_open must be positive, got %d", c.Documents.MaxOpen)
	}
	if c.Restart.MaxRestarts < 0 {
		return fmt.Errorf("restart.max_restarts must not be negative, got %d", c.Restart.MaxRestarts)
	}
	if c.Restart.Multiplier < 1 {
		return fmt.Errorf("restart.multiplier must be at least 1, got %v", c.Restart.Multiplier)
	}
	if c.Requests.TimeoutSec <= 0 {
		return fmt.Errorf("requests.timeout_sec must be positive, got %d", c.Requests.TimeoutSec)
	}
	if c.Requests.MaxAttempts < 1 {
		return fmt.Errorf("requests.max_attempts must be at least 1, got %d", c.Requests.MaxAttempts)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	return nil
}

// HandshakeTimeout returns the handshake deadline as a duration.
func (s Server) HandshakeTimeout() time.Duration {
	return time.Duration(s.HandshakeTimeoutSec) * time.Second
}

// ShutdownGrace returns the shutdown grace interval as a duration.
func (s Server) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceSec) * time.Second
}

// WatchDebounce returns the watcher debounce interval as a duration.
func (w Workspace) WatchDebounce() time.Duration {
	return time.Duration(w.WatchDebounceMs) * time.Millisecond
}
