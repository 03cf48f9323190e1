package lsp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// EngineConfig describes how to start and initialize the analysis engine.
type EngineConfig struct {
	// Command is the engine executable. Resolved against PATH if relative.
	Command string

	// Args are command-line arguments.
	Args []string

	// Env are additional environment variables, merged over the host's.
	Env map[string]string

	// WorkDir is the subprocess working directory. Defaults to
	// WorkspaceRoot when empty.
	WorkDir string

	// WorkspaceRoot is the directory the engine should analyze.
	WorkspaceRoot string

	// InitializationOptions are passed verbatim during the handshake.
	InitializationOptions any

	// HandshakeTimeout bounds the initialize round trip. Default: 30s.
	HandshakeTimeout time.Duration

	// ShutdownGrace bounds the graceful shutdown exchange before the
	// process is force-terminated. Default: 5s.
	ShutdownGrace time.Duration
}

func (c *EngineConfig) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return 30 * time.Second
}

func (c *EngineConfig) shutdownGrace() time.Duration {
	if c.ShutdownGrace > 0 {
		return c.ShutdownGrace
	}
	return 5 * time.Second
}

// process is one spawned engine instance: the OS process, its transport,
// and its handshake results. The Supervisor owns at most one live process
// at a time and replaces it wholesale on restart.
type process struct {
	cmd       *exec.Cmd
	transport *Transport
	logger    *slog.Logger

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	capabilities ServerCapabilities
	serverInfo   *InitializeServerInfo

	exitCh chan error
}

// spawnProcess starts the engine executable and wires its streams. The
// handshake is a separate step so the caller can bound it independently.
func spawnProcess(ctx context.Context, cfg EngineConfig, logger *slog.Logger) (*process, error) {
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)

	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	switch {
	case cfg.WorkDir != "":
		cmd.Dir = cfg.WorkDir
	case cfg.WorkspaceRoot != "":
		cmd.Dir = cfg.WorkspaceRoot
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", ErrSpawn)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", ErrSpawn)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", ErrSpawn)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start %s: %v: %w", cfg.Command, err, ErrSpawn)
	}

	p := &process{
		cmd:    cmd,
		logger: logger,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		exitCh: make(chan error, 1),
	}

	p.transport = NewTransport(stdout, stdin, nil, logger)
	p.transport.Start(ctx)

	go p.drainStderr()
	go p.waitExit()

	return p, nil
}

// newProcessFromStreams builds a process over caller-supplied streams with
// no OS process behind it. Exit is signaled through the returned channel by
// the caller. Used by tests to stand in a fake engine.
func newProcessFromStreams(ctx context.Context, r io.Reader, w io.WriteCloser, logger *slog.Logger) *process {
	p := &process{
		logger: logger,
		stdin:  w,
		exitCh: make(chan error, 1),
	}
	p.transport = NewTransport(r, w, nil, logger)
	p.transport.Start(ctx)
	return p
}

// waitExit blocks until the OS process exits and signals the exit channel.
func (p *process) waitExit() {
	err := p.cmd.Wait()
	select {
	case p.exitCh <- err:
	default:
	}
}

// drainStderr logs the engine's standard error line by line. Stderr is
// never parsed as protocol.
func (p *process) drainStderr() {
	scanner := bufio.NewScanner(p.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Debug("engine stderr", "line", scanner.Text())
	}
}

// exit returns the channel that receives the process's exit error.
func (p *process) exit() <-chan error {
	return p.exitCh
}

// initialize performs the initialize/initialized handshake.
func (p *process) initialize(ctx context.Context, cfg EngineConfig) error {
	var rootURI DocumentURI
	var folders []WorkspaceFolder
	if cfg.WorkspaceRoot != "" {
		rootURI = FilePathToURI(cfg.WorkspaceRoot)
		folders = []WorkspaceFolder{{URI: rootURI, Name: "workspace"}}
	}

	params := InitializeParams{
		ProcessID:             os.Getpid(),
		RootURI:               rootURI,
		Capabilities:          DefaultClientCapabilities(),
		InitializationOptions: cfg.InitializationOptions,
		WorkspaceFolders:      folders,
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.handshakeTimeout())
	defer cancel()

	var result InitializeResult
	if err := p.transport.Call(ctx, "initialize", params, &result); err != nil {
		return fmt.Errorf("initialize: %v: %w", err, ErrHandshake)
	}

	p.capabilities = result.Capabilities
	p.serverInfo = result.ServerInfo

	if err := p.transport.Notify(ctx, "initialized", InitializedParams{}); err != nil {
		return fmt.Errorf("initialized: %v: %w", err, ErrHandshake)
	}
	return nil
}

// shutdown performs the graceful shutdown/exit exchange, waits up to the
// configured grace interval, and force-terminates an unresponsive engine.
func (p *process) shutdown(ctx context.Context, grace time.Duration) {
	if p.transport != nil && !p.transport.IsClosed() {
		shutdownCtx, cancel := context.WithTimeout(ctx, grace)
		_ = p.transport.Call(shutdownCtx, "shutdown", nil, nil)
		_ = p.transport.Notify(shutdownCtx, "exit", nil)
		cancel()
	}

	if p.cmd != nil {
		select {
		case <-p.exitCh:
		case <-time.After(grace):
			p.logger.Warn("engine unresponsive to shutdown, killing")
			p.kill()
		}
	}

	p.teardown(ErrShutdown)
}

// kill force-terminates the OS process.
func (p *process) kill() {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// teardown closes the transport and streams, failing any in-flight
// requests with the given reason.
func (p *process) teardown(reason error) {
	if p.transport != nil {
		_ = p.transport.CloseWithReason(reason)
	}
	if p.stdin != nil {
		p.stdin.Close()
	}
	if p.stdout != nil {
		p.stdout.Close()
	}
	if p.stderr != nil {
		p.stderr.Close()
	}
}
