package lsp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State represents the supervisor's view of the engine lifecycle.
type State int32

const (
	// StateStopped means no engine process exists.
	StateStopped State = iota
	// StateStarting means the first spawn and handshake are in flight.
	StateStarting
	// StateReady means the engine is initialized and accepting requests.
	StateReady
	// StateCrashed means the engine exited unexpectedly.
	StateCrashed
	// StateRestarting means a crash-recovery attempt is in flight.
	StateRestarting
	// StateFatal means the restart bound was exceeded; the bridge is dead
	// until explicitly shut down and restarted.
	StateFatal
	// StateShuttingDown means an explicit shutdown is in progress.
	StateShuttingDown
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateCrashed:
		return "crashed"
	case StateRestarting:
		return "restarting"
	case StateFatal:
		return "fatal"
	case StateShuttingDown:
		return "shutting down"
	default:
		return "unknown"
	}
}

// SupervisorConfig configures crash recovery.
type SupervisorConfig struct {
	// MaxRestarts is the maximum number of restart attempts within the
	// restart window before the supervisor goes fatal. Default: 5.
	MaxRestarts int

	// InitialBackoff is the delay before the first restart attempt.
	// Default: 1 second.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff. Default: 60 seconds.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the backoff after each failure. Default: 2.
	BackoffMultiplier float64

	// RestartWindow is the sliding window for counting restarts: if the
	// engine ran longer than this since its last start, the count resets,
	// so isolated crashes far apart never exhaust the bound.
	// Default: 5 minutes.
	RestartWindow time.Duration
}

// DefaultSupervisorConfig returns the default crash-recovery policy.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxRestarts:       5,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
		RestartWindow:     5 * time.Minute,
	}
}

// Supervisor owns the engine process: lazy single-flight start, handshake,
// crash detection, bounded auto-restart, graceful shutdown.
//
// Thread safety: all entry points are safe for concurrent use. The state
// field uses atomic loads for lock-free reads; everything else is guarded
// by mu. Concurrent EnsureReady callers before readiness share one
// in-flight start: a single completion channel closed exactly once.
type Supervisor struct {
	mu sync.Mutex

	engine EngineConfig
	config SupervisorConfig
	logger *slog.Logger

	state atomic.Int32

	proc       *process
	procCancel context.CancelFunc

	// In-flight start/restart completion. Non-nil while a transition to
	// ready is in progress; closed exactly once with inflightErr set.
	inflight    chan struct{}
	inflightErr error

	restartCount int
	lastStart    time.Time
	fatalErr     error

	// onStarted runs after each successful handshake, before the state
	// flips to ready. The bridge uses it to re-register notification
	// handlers and re-open tracked documents on the fresh transport.
	onStarted func(p *process)

	// spawn is the process factory; replaced in tests.
	spawn func(ctx context.Context) (*process, error)
}

// NewSupervisor creates a supervisor for the given engine. Nothing is
// spawned until the first EnsureReady call.
func NewSupervisor(engine EngineConfig, config SupervisorConfig, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		engine: engine,
		config: config,
		logger: logger.With("component", "supervisor"),
	}
	s.spawn = s.spawnAndInitialize
	s.state.Store(int32(StateStopped))
	return s
}

// SetOnStarted registers the post-handshake hook. Must be called before
// the first EnsureReady.
func (s *Supervisor) SetOnStarted(fn func(p *process)) {
	s.mu.Lock()
	s.onStarted = fn
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// RestartCount returns the number of restart attempts within the current
// window.
func (s *Supervisor) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

// Capabilities returns the engine's advertised capabilities. Zero value
// until the first handshake completes.
func (s *Supervisor) Capabilities() ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return ServerCapabilities{}
	}
	return s.proc.capabilities
}

// ServerInfo returns the engine's reported identity, nil before handshake.
func (s *Supervisor) ServerInfo() *InitializeServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return nil
	}
	return s.proc.serverInfo
}

// EnsureReady makes sure the engine is running and initialized. The first
// caller spawns it; concurrent callers block on the same in-flight start.
// In the fatal state it fails immediately without spawning.
func (s *Supervisor) EnsureReady(ctx context.Context) error {
	for {
		s.mu.Lock()

		switch s.State() {
		case StateReady:
			s.mu.Unlock()
			return nil

		case StateFatal:
			err := s.fatalErr
			s.mu.Unlock()
			if err == nil {
				err = ErrFatal
			}
			return err

		case StateStarting, StateCrashed, StateRestarting, StateShuttingDown:
			ch := s.inflight
			s.mu.Unlock()
			if ch == nil {
				// Transient: the owning goroutine is between state
				// transitions. Yield and re-examine.
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Millisecond):
				}
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
			}
			// Re-examine: recovered means ready, exhausted means fatal.
			continue

		case StateStopped:
			// This caller owns the start.
			ch := make(chan struct{})
			s.inflight = ch
			s.state.Store(int32(StateStarting))
			s.mu.Unlock()

			err := s.startOnce(ctx)

			s.mu.Lock()
			if err != nil {
				// Spawn or handshake failure on explicit start is
				// reported, not retried.
				s.state.Store(int32(StateStopped))
			}
			s.resolveInflightLocked(err)
			s.mu.Unlock()
			return err
		}
	}
}

// startOnce spawns and initializes a fresh engine and transitions to
// ready. Called without mu held.
func (s *Supervisor) startOnce(ctx context.Context) error {
	p, cancel, err := s.launch()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.proc = p
	s.procCancel = cancel
	s.lastStart = time.Now()
	onStarted := s.onStarted
	s.mu.Unlock()

	if onStarted != nil {
		onStarted(p)
	}

	s.state.Store(int32(StateReady))
	s.logger.Info("engine ready", "command", s.engine.Command)

	go s.monitor(p)
	return nil
}

// launch spawns one engine instance on a fresh lifetime context.
func (s *Supervisor) launch() (*process, context.CancelFunc, error) {
	procCtx, cancel := context.WithCancel(context.Background())
	p, err := s.spawn(procCtx)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return p, cancel, nil
}

// spawnAndInitialize is the production process factory.
func (s *Supervisor) spawnAndInitialize(ctx context.Context) (*process, error) {
	p, err := spawnProcess(ctx, s.engine, s.logger)
	if err != nil {
		return nil, err
	}
	if err := p.initialize(ctx, s.engine); err != nil {
		p.kill()
		p.teardown(err)
		return nil, err
	}
	return p, nil
}

// monitor waits for the process to exit and drives crash recovery.
func (s *Supervisor) monitor(p *process) {
	exitErr := <-p.exit()
	s.handleExit(p, exitErr)
}

// handleExit handles an unexpected engine exit: bounded, backoff-spaced
// restart attempts within the sliding window, fatal beyond the bound.
func (s *Supervisor) handleExit(p *process, exitErr error) {
	s.mu.Lock()

	switch s.State() {
	case StateShuttingDown, StateStopped:
		s.mu.Unlock()
		return
	default:
	}
	if s.proc != p {
		// Stale monitor for an already-replaced process.
		s.mu.Unlock()
		return
	}

	// Fail in-flight requests with a crash classification.
	crashErr := fmt.Errorf("engine exited: %v: %w", exitErr, ErrCrash)
	p.teardown(crashErr)
	if s.procCancel != nil {
		s.procCancel()
		s.procCancel = nil
	}
	s.proc = nil

	s.state.Store(int32(StateCrashed))
	s.logger.Error("engine crashed", "error", exitErr, "uptime", time.Since(s.lastStart))

	// Crashes far apart do not accumulate.
	if time.Since(s.lastStart) > s.config.RestartWindow {
		s.restartCount = 0
	}

	if s.inflight == nil {
		s.inflight = make(chan struct{})
	}

	lastErr := crashErr
	for {
		s.restartCount++

		if s.restartCount > s.config.MaxRestarts {
			s.fatalErr = fmt.Errorf("%w after %d attempts: %v", ErrFatal, s.restartCount-1, lastErr)
			s.state.Store(int32(StateFatal))
			s.logger.Error("restart bound exceeded, giving up", "attempts", s.restartCount-1)
			s.resolveInflightLocked(s.fatalErr)
			s.mu.Unlock()
			return
		}

		delay := CalculateBackoff(
			s.restartCount,
			s.config.InitialBackoff,
			s.config.MaxBackoff,
			s.config.BackoffMultiplier,
		)
		s.state.Store(int32(StateRestarting))
		s.logger.Info("restarting engine", "attempt", s.restartCount, "backoff", delay)
		s.mu.Unlock()

		time.Sleep(delay)

		s.mu.Lock()
		if st := s.State(); st == StateShuttingDown || st == StateStopped {
			s.resolveInflightLocked(ErrShutdown)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		np, cancel, err := s.launch()

		s.mu.Lock()
		if st := s.State(); st == StateShuttingDown || st == StateStopped {
			if err == nil {
				cancel()
				np.shutdown(context.Background(), s.engine.shutdownGrace())
			}
			s.resolveInflightLocked(ErrShutdown)
			s.mu.Unlock()
			return
		}
		if err != nil {
			lastErr = err
			continue
		}

		s.proc = np
		s.procCancel = cancel
		s.lastStart = time.Now()
		onStarted := s.onStarted
		s.mu.Unlock()

		if onStarted != nil {
			onStarted(np)
		}

		s.mu.Lock()
		s.state.Store(int32(StateReady))
		s.resolveInflightLocked(nil)
		s.mu.Unlock()

		s.logger.Info("engine recovered", "attempt", s.restartCount)
		go s.monitor(np)
		return
	}
}

// resolveInflightLocked completes the shared start future. Must hold mu.
func (s *Supervisor) resolveInflightLocked(err error) {
	if s.inflight == nil {
		return
	}
	s.inflightErr = err
	close(s.inflight)
	s.inflight = nil
}

// transport returns the live transport, or a classified error when the
// engine is not ready.
func (s *Supervisor) transport() (*Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateReady || s.proc == nil {
		return nil, fmt.Errorf("engine not ready (state %s): %w", s.State(), ErrCrash)
	}
	return s.proc.transport, nil
}

// Shutdown gracefully stops the engine: shutdown request, exit
// notification, bounded wait, force-kill if unresponsive. The state ends
// at stopped unconditionally; a later EnsureReady may start fresh.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if st := s.State(); st == StateStopped || st == StateShuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.state.Store(int32(StateShuttingDown))

	proc := s.proc
	cancel := s.procCancel
	s.proc = nil
	s.procCancel = nil
	s.resolveInflightLocked(ErrShutdown)
	s.mu.Unlock()

	if proc != nil {
		proc.shutdown(ctx, s.engine.shutdownGrace())
	}
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	s.state.Store(int32(StateStopped))
	s.restartCount = 0
	s.fatalErr = nil
	s.mu.Unlock()

	s.logger.Info("engine stopped")
	return nil
}

// Stats reports current supervision statistics.
type Stats struct {
	State        State
	RestartCount int
	LastStart    time.Time
	Uptime       time.Duration
}

// SupervisorStats returns a snapshot of the supervisor's state.
func (s *Supervisor) SupervisorStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		State:        s.State(),
		RestartCount: s.restartCount,
		LastStart:    s.lastStart,
	}
	if st.State == StateReady && !s.lastStart.IsZero() {
		st.Uptime = time.Since(s.lastStart)
	}
	return st
}
