package session

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/hupe1980/agentgate/core"
)

// SlotOptions bound how queries wait for a busy slot.
type SlotOptions struct {
	// MaxQueue is the number of queries allowed to wait behind the running
	// one. 0 rejects every query against a busy slot with core.ErrSessionBusy.
	MaxQueue int

	// QueueTimeout bounds the wait; 0 waits until the caller gives up.
	QueueTimeout time.Duration
}

// Slot is a session's execution gate. It owns the session's engine binding
// and admits one query at a time, in arrival order.
type Slot struct {
	open func() (core.Binding, error)
	opts SlotOptions

	mu         sync.Mutex
	busy       bool
	closed     bool
	waiters    *list.List
	idle       chan struct{}
	binding    core.Binding
	current    *core.Stream
	queries    int64
	lastActive time.Time
}

type waiter struct {
	ready chan error
}

// NewSlot creates an idle slot. open is called once, by the first query,
// while that query holds the slot.
func NewSlot(open func() (core.Binding, error), opts SlotOptions) *Slot {
	idle := make(chan struct{})
	close(idle)

	return &Slot{
		open:       open,
		opts:       opts,
		waiters:    list.New(),
		idle:       idle,
		lastActive: time.Now(),
	}
}

// Run waits for the slot, submits prompt to the binding and returns the
// call's event stream. The slot is released when the stream terminates,
// whatever the reason. Cancelling ctx cancels both the wait and the call.
func (s *Slot) Run(ctx context.Context, prompt string) (*core.Stream, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}

	b, err := s.bind()
	if err != nil {
		s.release()
		return nil, err
	}

	stream := b.Submit(ctx, prompt)

	s.mu.Lock()
	s.current = stream
	s.queries++
	s.lastActive = time.Now()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		stream.Cancel()
	}
	stream.OnClose(s.release)

	return stream, nil
}

func (s *Slot) acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.ErrSessionNotFound
	}
	if !s.busy {
		s.busy = true
		s.idle = make(chan struct{})
		s.mu.Unlock()
		return nil
	}
	if s.waiters.Len() >= s.opts.MaxQueue {
		s.mu.Unlock()
		return core.ErrSessionBusy
	}

	w := &waiter{ready: make(chan error, 1)}
	el := s.waiters.PushBack(w)
	s.mu.Unlock()

	var timeout <-chan time.Time
	if s.opts.QueueTimeout > 0 {
		t := time.NewTimer(s.opts.QueueTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case err := <-w.ready:
		return err
	case <-ctx.Done():
		return s.abandon(el, w, core.Normalize(ctx.Err()))
	case <-timeout:
		return s.abandon(el, w, core.ErrQueueTimeout)
	}
}

// abandon withdraws a waiter. A grant that raced with the withdrawal is
// passed on.
func (s *Slot) abandon(el *list.Element, w *waiter, cause error) error {
	s.mu.Lock()
	select {
	case err := <-w.ready:
		s.mu.Unlock()
		if err == nil {
			s.release()
			return cause
		}
		return err
	default:
		s.waiters.Remove(el)
		s.mu.Unlock()
		return cause
	}
}

// release hands the slot to the oldest waiter or marks it idle.
func (s *Slot) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = nil
	s.lastActive = time.Now()

	if !s.closed {
		if front := s.waiters.Front(); front != nil {
			s.waiters.Remove(front)
			front.Value.(*waiter).ready <- nil
			return
		}
	}

	s.busy = false
	close(s.idle)
}

// bind returns the binding, opening it on first use. The caller holds the
// slot.
func (s *Slot) bind() (core.Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, core.ErrCancelled
	}
	if s.binding == nil {
		b, err := s.open()
		if err != nil {
			return nil, err
		}
		s.binding = b
	}
	return s.binding, nil
}

// Close cancels the running query, fails every waiter with
// core.ErrCancelled, waits for the slot to be released and closes the
// binding. If ctx ends first the binding is still closed once the running
// query lets go.
func (s *Slot) Close(ctx context.Context) error {
	s.mu.Lock()
	first := !s.closed
	s.closed = true
	current := s.current
	for e := s.waiters.Front(); e != nil; e = e.Next() {
		e.Value.(*waiter).ready <- core.ErrCancelled
	}
	s.waiters.Init()
	idle := s.idle
	s.mu.Unlock()

	if current != nil {
		current.Cancel()
	}

	select {
	case <-idle:
	case <-ctx.Done():
		if first {
			go func() {
				<-idle
				_ = s.closeBinding()
			}()
		}
		return core.Normalize(ctx.Err())
	}

	return s.closeBinding()
}

// CloseIfIdle closes the slot if no query holds or waits for it and it has
// been idle for longer than ttl at now. It reports whether the slot was
// closed; a closed slot rejects every later Run. The binding is disposed by a
// following Close.
func (s *Slot) CloseIfIdle(ttl time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.busy || s.waiters.Len() > 0 || now.Sub(s.lastActive) <= ttl {
		return false
	}
	s.closed = true
	return true
}

func (s *Slot) closeBinding() error {
	s.mu.Lock()
	b := s.binding
	s.binding = nil
	s.mu.Unlock()

	if b == nil {
		return nil
	}
	return b.Close()
}

// Busy reports whether a query holds the slot.
func (s *Slot) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Queued returns the number of waiting queries.
func (s *Slot) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}

// Queries returns the number of queries submitted through the slot.
func (s *Slot) Queries() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

// LastActive returns when the slot was last acquired or released.
func (s *Slot) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Idle returns a channel closed while no query holds the slot.
func (s *Slot) Idle() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}
