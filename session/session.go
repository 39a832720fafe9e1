package session

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/agentgate/core"
)

// Session is one long-lived conversational context. Its options are fixed at
// creation; only the engine state behind its slot changes.
type Session struct {
	id        string
	seq       uint64
	createdAt time.Time
	options   core.Options
	slot      *Slot

	mu     sync.RWMutex
	status core.SessionStatus
}

func newSession(id string, seq uint64, opts core.Options, factory core.BindingFactory, slotOpts SlotOptions) *Session {
	s := &Session{
		id:        id,
		seq:       seq,
		createdAt: time.Now().UTC(),
		options:   opts.Clone(),
		status:    core.SessionActive,
	}
	s.slot = NewSlot(func() (core.Binding, error) {
		return factory.Open(s.options.Clone())
	}, slotOpts)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Options returns a copy of the session's options snapshot.
func (s *Session) Options() core.Options { return s.options.Clone() }

// Status returns the lifecycle state.
func (s *Session) Status() core.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) setStatus(st core.SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
}

// Slot returns the session's execution slot.
func (s *Session) Slot() *Slot { return s.slot }

// Run submits prompt through the session's slot.
func (s *Session) Run(ctx context.Context, prompt string) (*core.Stream, error) {
	if s.Status() != core.SessionActive {
		return nil, core.ErrSessionNotFound
	}
	return s.slot.Run(ctx, prompt)
}

// Summary returns the externally visible snapshot. Env values are masked.
func (s *Session) Summary() core.SessionSummary {
	return core.SessionSummary{
		ID:         s.id,
		Status:     s.Status(),
		CreatedAt:  s.createdAt,
		LastActive: s.slot.LastActive().UTC(),
		Queries:    s.slot.Queries(),
		Busy:       s.slot.Busy(),
		Queued:     s.slot.Queued(),
		Options:    s.options.Redacted(),
	}
}
