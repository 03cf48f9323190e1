package lsp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
)

// Options configures a Bridge.
type Options struct {
	// Engine describes the language server to run.
	Engine EngineConfig

	// Supervisor is the crash-recovery policy. Zero value uses
	// DefaultSupervisorConfig.
	Supervisor SupervisorConfig

	// Retry is the per-request transient retry policy. Zero value uses
	// DefaultRetryConfig.
	Retry RetryConfig

	// MaxOpenDocuments bounds the tracked document set.
	// 0 uses DefaultMaxOpenDocuments.
	MaxOpenDocuments int

	// RequestTimeout is the per-request deadline. 0 uses 15 seconds.
	RequestTimeout time.Duration

	// DiagnosticsWait is how long a diagnostics query waits for a publish
	// to arrive before falling back to the cache. 0 uses 2 seconds.
	DiagnosticsWait time.Duration

	// Logger receives structured logs. Nil uses slog.Default.
	Logger *slog.Logger
}

const (
	defaultRequestTimeout  = 15 * time.Second
	defaultDiagnosticsWait = 2 * time.Second
)

func (o *Options) requestTimeout() time.Duration {
	if o.RequestTimeout > 0 {
		return o.RequestTimeout
	}
	return defaultRequestTimeout
}

func (o *Options) diagnosticsWait() time.Duration {
	if o.DiagnosticsWait > 0 {
		return o.DiagnosticsWait
	}
	return defaultDiagnosticsWait
}

// Bridge is the facade over the engine: one long-lived language server
// process behind lazy startup, an LRU-bounded open-document set, a
// push-fed diagnostics cache, and transient-failure retry on every
// request.
type Bridge struct {
	opts   Options
	logger *slog.Logger

	supervisor *Supervisor
	tracker    *DocumentTracker
	diags      *DiagnosticsCache
}

// New wires up a bridge. The engine is not spawned until the first call
// that needs it.
func New(opts Options) (*Bridge, error) {
	if opts.Engine.Command == "" {
		return nil, fmt.Errorf("engine command required: %w", ErrValidation)
	}
	if opts.Supervisor == (SupervisorConfig{}) {
		opts.Supervisor = DefaultSupervisorConfig()
	}
	if opts.Retry == (RetryConfig{}) {
		opts.Retry = DefaultRetryConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bridge{
		opts:       opts,
		logger:     logger,
		supervisor: NewSupervisor(opts.Engine, opts.Supervisor, logger),
	}
	b.tracker = NewDocumentTracker(opts.MaxOpenDocuments, b.sendNotification, logger)
	b.diags = NewDiagnosticsCache(b.tracker.IsOpen, logger)
	b.tracker.SetOnClose(b.diags.ClearForFile)
	b.supervisor.SetOnStarted(b.onEngineStarted)
	return b, nil
}

// onEngineStarted runs after every successful handshake. The transport is
// fresh each time, so notification handlers must be re-registered, and a
// restarted engine must be told about every document that was open.
func (b *Bridge) onEngineStarted(p *process) {
	p.transport.OnNotification("textDocument/publishDiagnostics", b.diags.HandleNotification)

	if b.tracker.OpenCount() == 0 {
		return
	}
	// Restart path: the new engine will republish diagnostics for the
	// documents it is given, so stale entries go first.
	b.diags.Clear()
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.requestTimeout())
	defer cancel()
	b.tracker.ReopenAll(ctx)
}

// sendNotification delivers a notification on the current transport.
func (b *Bridge) sendNotification(ctx context.Context, method string, params any) error {
	tr, err := b.supervisor.transport()
	if err != nil {
		return err
	}
	return tr.Notify(ctx, method, params)
}

// EnsureReady starts the engine if needed and blocks until it is
// initialized.
func (b *Bridge) EnsureReady(ctx context.Context) error {
	return b.supervisor.EnsureReady(ctx)
}

// Prewarm eagerly starts the engine. Identical to EnsureReady; the name
// exists for call sites that start the engine ahead of the first query.
func (b *Bridge) Prewarm(ctx context.Context) error {
	return b.supervisor.EnsureReady(ctx)
}

// EnsureFileOpen guarantees the engine is running and has the document
// open. Returns the cleaned absolute path.
func (b *Bridge) EnsureFileOpen(ctx context.Context, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, ErrValidation)
	}
	abs = filepath.Clean(abs)

	err = Retry(ctx, b.opts.Retry, func(ctx context.Context) error {
		if err := b.supervisor.EnsureReady(ctx); err != nil {
			return err
		}
		return b.tracker.EnsureOpen(ctx, abs)
	})
	if err != nil {
		return "", err
	}
	return abs, nil
}

// Request performs a raw request against the engine with the per-request
// deadline and transient retry. Most callers want the typed query methods
// instead.
func (b *Bridge) Request(ctx context.Context, method string, params, result any) error {
	return Retry(ctx, b.opts.Retry, func(ctx context.Context) error {
		if err := b.supervisor.EnsureReady(ctx); err != nil {
			return err
		}
		tr, err := b.supervisor.transport()
		if err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, b.opts.requestTimeout())
		defer cancel()
		return tr.Call(callCtx, method, params, result)
	})
}

// RefreshFiles re-syncs externally changed documents with the engine.
// Paths that are not open are skipped; the engine only re-analyzes what
// it already has.
func (b *Bridge) RefreshFiles(ctx context.Context, paths []string) {
	for _, path := range paths {
		if !b.tracker.IsOpen(path) {
			continue
		}
		if err := b.tracker.Reopen(ctx, path); err != nil {
			b.logger.Warn("refresh failed", "path", path, "error", err)
		}
	}
}

// CloseFile explicitly closes a tracked document.
func (b *Bridge) CloseFile(ctx context.Context, path string) error {
	return b.tracker.Close(ctx, path)
}

// DiagnosticsResult is the outcome of a diagnostics query.
type DiagnosticsResult struct {
	Path        string
	Diagnostics []Diagnostic
	// Fresh reports whether a publish arrived during this call. False
	// means the result is the cached set (possibly empty if the engine
	// has not published yet).
	Fresh      bool
	ReceivedAt time.Time
}

// Diagnostics returns the latest diagnostics for path, opening it if
// needed. With force set it replays didOpen so the engine re-analyzes
// the file, then waits for the next publish up to the configured window;
// otherwise it waits only when no publish has been received at all (a
// just-opened document). On window expiry the cached set is returned
// with Fresh false.
func (b *Bridge) Diagnostics(ctx context.Context, path string, force bool) (DiagnosticsResult, error) {
	abs, err := b.EnsureFileOpen(ctx, path)
	if err != nil {
		return DiagnosticsResult{}, err
	}

	_, have := b.diags.Get(abs)
	fresh := false
	if force || !have {
		waitCtx, cancel := context.WithTimeout(ctx, b.opts.diagnosticsWait())
		defer cancel()
		wait := b.diags.Subscribe(abs)
		if force && have {
			// An open, already-analyzed document republishes nothing on
			// its own. A version-bumped didOpen triggers re-analysis.
			if err := b.tracker.Reopen(ctx, abs); err != nil {
				cancel()
				wait(waitCtx)
				return DiagnosticsResult{}, err
			}
		}
		if wait(waitCtx) == nil {
			fresh = true
		}
	}

	diagnostics, _ := b.diags.Get(abs)
	receivedAt, _ := b.diags.ReceivedAt(abs)
	return DiagnosticsResult{
		Path:        abs,
		Diagnostics: diagnostics,
		Fresh:       fresh,
		ReceivedAt:  receivedAt,
	}, nil
}

// Status is a snapshot of the bridge for health reporting.
type Status struct {
	State             string
	RestartCount      int
	Uptime            time.Duration
	OpenDocuments     int
	CachedDiagnostics int
	ServerName        string
	ServerVersion     string
	Command           string
}

// Status reports the current bridge state without touching the engine.
func (b *Bridge) Status() Status {
	stats := b.supervisor.SupervisorStats()
	st := Status{
		State:             stats.State.String(),
		RestartCount:      stats.RestartCount,
		Uptime:            stats.Uptime,
		OpenDocuments:     b.tracker.OpenCount(),
		CachedDiagnostics: b.diags.Len(),
		Command:           b.opts.Engine.Command,
	}
	if info := b.supervisor.ServerInfo(); info != nil {
		st.ServerName = info.Name
		st.ServerVersion = info.Version
	}
	return st
}

// Shutdown closes tracked documents while the engine can still hear the
// notifications, then stops it gracefully and drops all cached state.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.tracker.CloseAll(ctx)
	b.diags.Clear()
	return b.supervisor.Shutdown(ctx)
}
