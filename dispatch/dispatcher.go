package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentgate/core"
	"github.com/hupe1980/agentgate/logging"
	"github.com/hupe1980/agentgate/session"
)

// Admitter gates new work. Admit returns a release func to call exactly once
// when the admitted work is finished, or core.ErrShuttingDown.
type Admitter interface {
	Admit() (release func(), err error)
}

type admitAll struct{}

func (admitAll) Admit() (func(), error) { return func() {}, nil }

// Options configures a Dispatcher.
type Options struct {
	// Admitter gates every dispatch. Defaults to admitting everything.
	Admitter Admitter

	// Logger provides structured logging. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Dispatcher runs queries in stateless or session mode.
//
// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	factory  core.BindingFactory
	registry *session.Registry
	admitter Admitter
	logger   logging.Logger

	mu          sync.Mutex
	active      map[string]*core.Stream
	cancelCause error
}

// New creates a Dispatcher. factory opens stateless bindings; registry
// resolves sessions.
func New(factory core.BindingFactory, registry *session.Registry, optFns ...func(o *Options)) *Dispatcher {
	opts := Options{
		Admitter: admitAll{},
		Logger:   logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Admitter == nil {
		opts.Admitter = admitAll{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &Dispatcher{
		factory:  factory,
		registry: registry,
		admitter: opts.Admitter,
		logger:   opts.Logger,
		active:   make(map[string]*core.Stream),
	}
}

// Stream dispatches q and returns its event stream. An empty sessionID
// selects stateless mode. The caller must drain or Close the stream;
// cancelling ctx cancels the engine call and releases any held slot.
func (d *Dispatcher) Stream(ctx context.Context, sessionID string, q core.Query) (*core.Stream, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	release, err := d.admitter.Admit()
	if err != nil {
		return nil, err
	}

	var stream *core.Stream
	if sessionID == "" {
		stream, err = d.stateless(ctx, q)
	} else {
		stream, err = d.session(ctx, sessionID, q)
	}
	if err != nil {
		release()
		d.logger.Debug("Dispatch rejected", "session_id", sessionID, "error", err)
		return nil, err
	}

	d.track(stream)
	start := time.Now()
	stream.OnClose(func() {
		d.untrack(stream)
		release()
		d.logger.Debug("Dispatch finished",
			"session_id", sessionID,
			"stream_id", stream.ID(),
			"duration", time.Since(start),
			"error", stream.Err(),
		)
	})

	return stream, nil
}

// Do dispatches q and drains its stream into a Result. The returned error
// is the stream's terminal error; the Result then still carries whatever
// content was produced before it. A dispatch that never started returns a nil
// Result.
func (d *Dispatcher) Do(ctx context.Context, sessionID string, q core.Query) (*core.Result, error) {
	start := time.Now()

	stream, err := d.Stream(ctx, sessionID, q)
	if err != nil {
		return nil, err
	}

	res := core.Aggregate(stream.Collect(ctx))
	res.SessionID = sessionID
	err = stream.Wait()

	logging.LogQuery(d.logger, sessionID, time.Since(start), res.Events, err)

	return res, err
}

func (d *Dispatcher) stateless(ctx context.Context, q core.Query) (*core.Stream, error) {
	var opts core.Options
	if q.Options != nil {
		opts = q.Options.Clone()
	}

	b, err := d.factory.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open stateless binding: %w", err)
	}

	stream := b.Submit(ctx, q.Prompt)
	stream.OnClose(func() {
		if err := b.Close(); err != nil {
			d.logger.Warn("Closing stateless binding failed", "error", err)
		}
	})

	return stream, nil
}

func (d *Dispatcher) session(ctx context.Context, sessionID string, q core.Query) (*core.Stream, error) {
	s, err := d.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}

	if q.Options != nil {
		d.logger.Debug("Per-query options ignored in session mode", "session_id", sessionID)
	}

	return s.Run(ctx, q.Prompt)
}

// track registers s. Once CancelAll ran, s is cancelled right away.
func (d *Dispatcher) track(s *core.Stream) {
	d.mu.Lock()
	d.active[s.ID()] = s
	cause := d.cancelCause
	d.mu.Unlock()

	if cause != nil {
		s.CancelCause(cause)
	}
}

func (d *Dispatcher) untrack(s *core.Stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, s.ID())
}

// Active returns the number of dispatched streams not yet closed.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Cancel cancels the stream with the given id.
func (d *Dispatcher) Cancel(streamID string) error {
	d.mu.Lock()
	s, ok := d.active[streamID]
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("stream %s not found", streamID)
	}

	s.Cancel()

	return nil
}

// CancelAll cancels every running stream reporting cause as its terminal
// error, and every stream dispatched after it. It returns the number of
// streams running at the call.
func (d *Dispatcher) CancelAll(cause error) int {
	if cause == nil {
		cause = core.ErrCancelled
	}

	d.mu.Lock()
	d.cancelCause = cause
	streams := make([]*core.Stream, 0, len(d.active))
	for _, s := range d.active {
		streams = append(streams, s)
	}
	d.mu.Unlock()

	for _, s := range streams {
		s.CancelCause(cause)
	}

	return len(streams)
}
