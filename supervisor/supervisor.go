// Package supervisor owns the gateway's process-wide state: the engine
// binding factory, the session registry and the query dispatcher. It admits
// work while running and, on shutdown, drains in-flight queries for a
// bounded time, cancels the rest, deletes every session and verifies that no
// engine binding is left open.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentgate/core"
	"github.com/hupe1980/agentgate/dispatch"
	"github.com/hupe1980/agentgate/engine"
	"github.com/hupe1980/agentgate/logging"
	"github.com/hupe1980/agentgate/session"
)

// State is the supervisor's lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

// ErrNotRunning is returned by Admit before Start. It wraps
// core.ErrShuttingDown so transports report it as unavailable.
var ErrNotRunning = fmt.Errorf("%w: supervisor not running", core.ErrShuttingDown)

// errForcedCancel is the terminal error of queries cancelled after the drain
// timeout.
var errForcedCancel = fmt.Errorf("%w: server shutting down", core.ErrCancelled)

// Options configures a Supervisor.
type Options struct {
	// Engine holds per-call limits for every binding.
	Engine engine.Config

	// Defaults are the engine options every session and stateless query
	// starts from.
	Defaults core.Options

	// Backends are registered on top of the built-in engine backends.
	Backends map[string]engine.BackendFunc

	// Callbacks receives engine lifecycle hooks.
	Callbacks *engine.CallbackManager

	// Session configures the registry.
	Session session.Options

	// DrainTimeout bounds how long Shutdown waits for in-flight queries
	// before cancelling them. 0 cancels them immediately.
	DrainTimeout time.Duration

	// Logger provides structured logging. Defaults to NoOpLogger.
	Logger logging.Logger
}

// DefaultOptions are the supervisor defaults.
var DefaultOptions = Options{
	Engine:       engine.DefaultConfig,
	Defaults:     core.Options{Backend: engine.BackendAnthropic},
	Session:      session.DefaultOptions,
	DrainTimeout: 30 * time.Second,
}

// Supervisor controls startup, admission and graceful shutdown.
//
// Supervisor is safe for concurrent use.
type Supervisor struct {
	opts   Options
	logger logging.Logger

	factory    *engine.Factory
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher

	mu          sync.Mutex
	state       State
	inFlight    int
	idle        chan struct{}
	done        chan struct{}
	shutdownErr error
	startedAt   time.Time
}

// New wires the engine factory, session registry and dispatcher.
func New(optFns ...func(o *Options)) *Supervisor {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	factory := engine.New(func(o *engine.Options) {
		o.Config = opts.Engine
		o.Defaults = opts.Defaults
		o.Callbacks = opts.Callbacks
		o.Logger = logging.With(opts.Logger, "component", "engine")
	})
	for name, fn := range opts.Backends {
		factory.Register(name, fn)
	}

	registry := session.NewRegistry(factory, func(o *session.Options) {
		*o = opts.Session
		o.Logger = logging.With(opts.Logger, "component", "session")
	})

	idle := make(chan struct{})
	close(idle)

	s := &Supervisor{
		opts:     opts,
		logger:   opts.Logger,
		factory:  factory,
		registry: registry,
		state:    StateCreated,
		idle:     idle,
		done:     make(chan struct{}),
	}

	s.dispatcher = dispatch.New(factory, registry, func(o *dispatch.Options) {
		o.Admitter = s
		o.Logger = logging.With(opts.Logger, "component", "dispatch")
	})

	return s
}

// Start validates the default engine options and starts accepting work. It
// does not create sessions or open engine bindings.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCreated {
		return fmt.Errorf("supervisor already %s", s.state)
	}
	if err := s.factory.Validate(core.Options{}); err != nil {
		return fmt.Errorf("invalid default engine options: %w", err)
	}

	s.registry.StartJanitor()
	s.state = StateRunning
	s.startedAt = time.Now()

	s.logger.Info("Supervisor started",
		"backend", s.factory.Defaults().Backend,
		"backends", s.factory.Backends(),
		"drain_timeout", s.opts.DrainTimeout,
	)

	return nil
}

// Admit implements dispatch.Admitter.
func (s *Supervisor) Admit() (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateRunning:
	case StateCreated:
		return nil, ErrNotRunning
	default:
		return nil, core.ErrShuttingDown
	}

	if s.inFlight == 0 {
		s.idle = make(chan struct{})
	}
	s.inFlight++

	var once sync.Once
	return func() { once.Do(s.release) }, nil
}

func (s *Supervisor) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inFlight--
	if s.inFlight == 0 {
		close(s.idle)
	}
}

// CreateSession registers a session whose options are the engine defaults
// with opts applied on top. Unknown backends and system prompts that do not
// render are rejected with core.ErrInvalidRequest.
func (s *Supervisor) CreateSession(opts core.Options) (*session.Session, error) {
	if !s.Accepting() {
		return nil, core.ErrShuttingDown
	}
	if err := s.factory.Validate(opts); err != nil {
		return nil, fmt.Errorf("invalid session options: %w", err)
	}
	return s.registry.Create(s.factory.Resolve(opts))
}

// Shutdown stops admitting work, waits up to DrainTimeout for in-flight
// queries, cancels whatever is left, deletes every session and checks that
// no engine binding leaked. Concurrent and repeated calls wait for the first
// one and return its result.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDraining || s.state == StateStopped {
		done := s.done
		s.mu.Unlock()

		select {
		case <-done:
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.shutdownErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.state = StateDraining
	idle := s.idle
	inFlight := s.inFlight
	s.mu.Unlock()

	start := time.Now()
	s.logger.Info("Shutdown started", "in_flight", inFlight, "sessions", s.registry.Len(), "drain_timeout", s.opts.DrainTimeout)

	if !s.drain(ctx, idle) {
		n := s.dispatcher.CancelAll(errForcedCancel)
		s.logger.Warn("Drain timeout exceeded, cancelling queries", "cancelled", n)
	}

	var errs []error
	if err := s.registry.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close sessions: %w", err))
	}
	if !wait(ctx, idle, 0) {
		errs = append(errs, fmt.Errorf("queries still in flight: %w", ctx.Err()))
	}
	if live := s.factory.Live(); live != 0 {
		errs = append(errs, fmt.Errorf("%d engine bindings still open", live))
	}
	err := errors.Join(errs...)

	s.mu.Lock()
	s.state = StateStopped
	s.shutdownErr = err
	close(s.done)
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Shutdown finished with errors", "duration", time.Since(start), "error", err)
	} else {
		s.logger.Info("Shutdown complete", "duration", time.Since(start))
	}

	return err
}

// drain waits for in-flight queries for up to DrainTimeout and reports
// whether they all finished.
func (s *Supervisor) drain(ctx context.Context, idle <-chan struct{}) bool {
	if s.opts.DrainTimeout <= 0 {
		select {
		case <-idle:
			return true
		default:
			return false
		}
	}
	return wait(ctx, idle, s.opts.DrainTimeout)
}

// wait blocks until ch is closed, ctx ends or timeout (if positive) passes.
// It reports whether ch was closed.
func wait(ctx context.Context, ch <-chan struct{}, timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	case <-expired:
		return false
	}
}

// State returns the lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Accepting reports whether new work is admitted.
func (s *Supervisor) Accepting() bool {
	return s.State() == StateRunning
}

// InFlight returns the number of admitted, unfinished queries.
func (s *Supervisor) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Uptime returns the time since Start, 0 before it.
func (s *Supervisor) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// Factory returns the engine binding factory.
func (s *Supervisor) Factory() *engine.Factory { return s.factory }

// Registry returns the session registry.
func (s *Supervisor) Registry() *session.Registry { return s.registry }

// Dispatcher returns the query dispatcher.
func (s *Supervisor) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }
