package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBinary creates an executable file and puts its directory on PATH.
func fakeBinary(t *testing.T, name string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake binaries are posix-only")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 100, cfg.Documents.MaxOpen)
	assert.Equal(t, 5, cfg.Restart.MaxRestarts)
	assert.Equal(t, 300, cfg.Restart.WindowSec)
	assert.Equal(t, 15, cfg.Requests.TimeoutSec)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Empty(t, cfg.Server.Command)
}

func TestLoadTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
command = "gopls"
args = ["serve", "-rpc.trace"]
handshake_timeout_sec = 10

[server.env]
GOFLAGS = "-mod=mod"

[documents]
max_open = 25

[logging]
level = "debug"
format = "json"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gopls", cfg.Server.Command)
	assert.Equal(t, []string{"serve", "-rpc.trace"}, cfg.Server.Args)
	assert.Equal(t, "-mod=mod", cfg.Server.Env["GOFLAGS"])
	assert.Equal(t, 10, cfg.Server.HandshakeTimeoutSec)
	assert.Equal(t, 25, cfg.Documents.MaxOpen)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Sections absent from the file keep their defaults.
	assert.Equal(t, 5, cfg.Restart.MaxRestarts)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoadMissingDefaultFileOK(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Documents, cfg.Documents)
}

func TestLoadMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\ncommand ="), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "parse")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LSPBRIDGE_SERVER_COMMAND", "rust-analyzer")
	t.Setenv("LSPBRIDGE_SERVER_ARGS", "--log-file /tmp/ra.log")
	t.Setenv("LSPBRIDGE_MAX_OPEN_DOCUMENTS", "17")
	t.Setenv("LSPBRIDGE_LOG_LEVEL", "warn")
	t.Setenv("LSPBRIDGE_MAX_RESTARTS", "not-a-number")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err, "explicit missing file still fails regardless of env")

	cfg = Default()
	applyEnv(&cfg)

	assert.Equal(t, "rust-analyzer", cfg.Server.Command)
	assert.Equal(t, []string{"--log-file", "/tmp/ra.log"}, cfg.Server.Args)
	assert.Equal(t, 17, cfg.Documents.MaxOpen)
	assert.Equal(t, "warn", cfg.Logging.Level)
	// Unparseable numbers keep the default.
	assert.Equal(t, 5, cfg.Restart.MaxRestarts)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\ncommand = \"gopls\"\n"), 0o644))
	t.Setenv("LSPBRIDGE_SERVER_COMMAND", "pyright-langserver")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pyright-langserver", cfg.Server.Command)
}

func TestValidateResolvesCommand(t *testing.T) {
	bin := fakeBinary(t, "fake-ls")

	cfg := Default()
	cfg.Server.Command = "fake-ls"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, bin, cfg.Server.Command)
}

func TestValidateFailures(t *testing.T) {
	base := func() Config {
		cfg := Default()
		cfg.Server.Command = "sh" // always on PATH in test environments
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing command", func(c *Config) { c.Server.Command = "" }, "server.command is required"},
		{"unknown command", func(c *Config) { c.Server.Command = "definitely-not-a-real-ls-binary" }, "not found"},
		{"bad max_open", func(c *Config) { c.Documents.MaxOpen = 0 }, "max_open"},
		{"negative restarts", func(c *Config) { c.Restart.MaxRestarts = -1 }, "max_restarts"},
		{"bad multiplier", func(c *Config) { c.Restart.Multiplier = 0.5 }, "multiplier"},
		{"bad timeout", func(c *Config) { c.Requests.TimeoutSec = 0 }, "timeout_sec"},
		{"bad attempts", func(c *Config) { c.Requests.MaxAttempts = 0 }, "max_attempts"},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidateWorkspaceRoot(t *testing.T) {
	cfg := Default()
	cfg.Server.Command = "sh"

	cfg.Workspace.Root = t.TempDir()
	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.Workspace.Root))

	cfg.Workspace.Root = filepath.Join(t.TempDir(), "does-not-exist")
	assert.Error(t, cfg.Validate())
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "30s", cfg.Server.HandshakeTimeout().String())
	assert.Equal(t, "5s", cfg.Server.ShutdownGrace().String())
	assert.Equal(t, "300ms", cfg.Workspace.WatchDebounce().String())
}
