package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment overrides. Each variable maps onto one config field;
// values that fail to parse are ignored in favor of the current value.
const envPrefix = "LSPBRIDGE_"

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Command, "SERVER_COMMAND")
	if v, ok := lookup("SERVER_ARGS"); ok {
		cfg.Server.Args = splitArgs(v)
	}
	setString(&cfg.Workspace.Root, "WORKSPACE_ROOT")
	setInt(&cfg.Documents.MaxOpen, "MAX_OPEN_DOCUMENTS")
	setInt(&cfg.Restart.MaxRestarts, "MAX_RESTARTS")
	setInt(&cfg.Restart.WindowSec, "RESTART_WINDOW_SEC")
	setInt(&cfg.Requests.TimeoutSec, "REQUEST_TIMEOUT_SEC")
	setInt(&cfg.Requests.MaxAttempts, "REQUEST_MAX_ATTEMPTS")
	setInt(&cfg.Requests.DiagnosticsWaitMs, "DIAGNOSTICS_WAIT_MS")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
}

func lookup(name string) (string, bool) {
	return os.LookupEnv(envPrefix + name)
}

func setString(dst *string, name string) {
	if v, ok := lookup(name); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) {
	if v, ok := lookup(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// splitArgs splits a whitespace-separated argument string. Quoting is
// not supported; arguments with spaces belong in the config file.
func splitArgs(s string) []string {
	return strings.Fields(s)
}
