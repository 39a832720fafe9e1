package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Producer generates the non-terminal events of one engine call. It must
// return once ctx is done or emit reports false. The returned ResultInfo (or
// error) becomes the sequence's terminal event.
type Producer func(ctx context.Context, emit func(Event) bool) (ResultInfo, error)

// StreamOptions tunes a Stream.
type StreamOptions struct {
	// Buffer is the events channel capacity.
	Buffer int
	// Timeout bounds the whole call; 0 disables it.
	Timeout time.Duration
	// IdleTimeout bounds the gap before the first and between subsequent
	// events; 0 disables it.
	IdleTimeout time.Duration
	// OnClose hooks run exactly once, as soon as the producer returns. They
	// do not wait for the reader to take the terminal event.
	OnClose []func()
}

// Stream is a cancellable, lazily produced, ordered sequence of events.
//
// Contract:
//   - events are delivered in production order with increasing Seq
//   - exactly one terminal event (result or error) is delivered, then the
//     channel is closed
//   - Cancel stops the producer; a reader still receives a terminal
//     "cancelled" event
//   - Close detaches the reader; callers must Close every stream they obtain
//   - OnClose hooks run exactly once, on every exit path, without waiting
//     for a slow reader
type Stream struct {
	id       string
	events   chan Event
	done     chan struct{}
	detached chan struct{}

	cancel context.CancelCauseFunc

	mu       sync.Mutex
	err      error
	hooks    []func()
	finished bool

	detachOnce sync.Once
}

// NewStream starts p in its own goroutine and returns the handle its events
// flow through. Cancelling parent cancels the producer.
func NewStream(parent context.Context, p Producer, optFns ...func(o *StreamOptions)) *Stream {
	opts := StreamOptions{Buffer: 16}
	for _, fn := range optFns {
		fn(&opts)
	}

	ctx, cancel := context.WithCancelCause(parent)
	s := &Stream{
		id:       uuid.NewString(),
		events:   make(chan Event, opts.Buffer),
		done:     make(chan struct{}),
		detached: make(chan struct{}),
		cancel:   cancel,
		hooks:    opts.OnClose,
	}

	go s.run(ctx, p, opts)

	return s
}

func (s *Stream) run(ctx context.Context, p Producer, opts StreamOptions) {
	start := time.Now()

	runCtx := ctx
	if opts.Timeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(ctx, opts.Timeout, ErrTimeout)
		defer stop()
	}

	var idle *time.Timer
	if opts.IdleTimeout > 0 {
		idle = time.AfterFunc(opts.IdleTimeout, func() { s.cancel(ErrTimeout) })
		defer idle.Stop()
	}

	seq := 0
	emit := func(ev Event) bool {
		if ev.IsTerminal() {
			return false
		}
		if idle != nil {
			idle.Stop()
		}
		seq++
		ev.Seq = seq
		select {
		case <-runCtx.Done():
			return false
		case <-s.detached:
			return false
		case s.events <- ev:
			if idle != nil {
				idle.Reset(opts.IdleTimeout)
			}
			return true
		}
	}

	info, err := s.produce(runCtx, p, emit)

	var terminal Event
	switch {
	case err == nil:
		if info.Duration == 0 {
			info.Duration = time.Since(start)
		}
		terminal = NewResultEvent(info)
	case runCtx.Err() != nil:
		err = Normalize(context.Cause(runCtx))
		terminal = NewErrorEvent(err)
	default:
		err = Normalize(err)
		terminal = NewErrorEvent(err)
	}
	terminal.Seq = seq + 1

	s.finish(err)
	s.deliver(terminal)
}

// produce runs p and converts a panic into an engine error so the sequence
// always terminates.
func (s *Stream) produce(ctx context.Context, p Producer, emit func(Event) bool) (info ResultInfo, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &EngineError{Err: panicError{r}}
		}
	}()
	return p(ctx, emit)
}

// finish records the terminal error and runs the OnClose hooks. It does not
// wait for the reader, so a stalled consumer never holds up the hooks.
func (s *Stream) finish(err error) {
	s.cancel(ErrCancelled)

	s.mu.Lock()
	s.err = err
	s.finished = true
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()

	for _, h := range hooks {
		h()
	}
	close(s.done)
}

// deliver hands the terminal event to the reader, or drops it once the
// reader detaches, then closes the events channel.
func (s *Stream) deliver(terminal Event) {
	defer close(s.events)

	select {
	case s.events <- terminal:
	case <-s.detached:
	}
}

// ID returns the unique stream identifier.
func (s *Stream) ID() string { return s.id }

// Events returns the ordered event channel. It is closed after the terminal
// event has been taken or the reader detached.
func (s *Stream) Events() <-chan Event { return s.events }

// Cancel stops the producer; readers receive a terminal cancelled event.
func (s *Stream) Cancel() { s.cancel(ErrCancelled) }

// CancelCause stops the producer reporting cause as the terminal error.
func (s *Stream) CancelCause(cause error) { s.cancel(cause) }

// Close cancels the producer and detaches the reader; pending events are
// discarded. Safe to call more than once and after completion.
func (s *Stream) Close() {
	s.cancel(ErrCancelled)
	s.detachOnce.Do(func() { close(s.detached) })
}

// Done is closed once the stream terminated and its OnClose hooks ran.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Wait blocks until Done and returns the terminal error, nil on success.
func (s *Stream) Wait() error {
	<-s.done
	return s.Err()
}

// Err returns the terminal error once the stream is done.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// OnClose registers fn to run after the stream terminates. If the stream has
// already terminated fn runs immediately.
func (s *Stream) OnClose(fn func()) {
	s.mu.Lock()
	if !s.finished {
		s.hooks = append(s.hooks, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}

// Collect drains the stream into a slice. If ctx is done first the stream is
// cancelled and draining continues up to the terminal event.
func (s *Stream) Collect(ctx context.Context) []Event {
	defer s.Close()

	var events []Event
	ctxDone := ctx.Done()
	for {
		select {
		case <-ctxDone:
			s.Cancel()
			ctxDone = nil
		case ev, ok := <-s.events:
			if !ok {
				return events
			}
			events = append(events, ev)
		}
	}
}

type panicError struct{ v any }

func (p panicError) Error() string { return fmt.Sprintf("panic: %v", p.v) }
