package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/agentgate/core"
	"github.com/hupe1980/agentgate/logging"
)

// Options configures a Registry.
type Options struct {
	// Slot bounds queueing on busy sessions.
	Slot SlotOptions

	// IdleTTL deletes sessions idle for longer than the TTL. 0 disables
	// expiry.
	IdleTTL time.Duration

	// SweepInterval is how often idle sessions are looked for. Defaults to
	// IdleTTL / 2.
	SweepInterval time.Duration

	// CloseTimeout bounds how long an expiry waits for a session to close.
	CloseTimeout time.Duration

	// Logger provides structured logging. Defaults to NoOpLogger.
	Logger logging.Logger
}

// DefaultOptions are the registry defaults.
var DefaultOptions = Options{
	Slot: SlotOptions{
		MaxQueue:     16,
		QueueTimeout: 30 * time.Second,
	},
	CloseTimeout: 10 * time.Second,
}

// Registry is the in-memory index of sessions and their sole owner.
//
// Registry is safe for concurrent use. Its lock guards the index only; it is
// never held across engine calls or slot waits.
type Registry struct {
	factory core.BindingFactory
	opts    Options
	logger  logging.Logger
	newID   func() string

	mu       sync.RWMutex
	sessions map[string]*Session
	retired  map[string]struct{}
	created  uint64
	closed   bool

	stopOnce sync.Once
	stop     chan struct{}
	swept    chan struct{}
}

// NewRegistry creates an empty registry opening bindings through factory.
func NewRegistry(factory core.BindingFactory, optFns ...func(o *Options)) *Registry {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultOptions.CloseTimeout
	}

	return &Registry{
		factory:  factory,
		opts:     opts,
		logger:   opts.Logger,
		newID:    uuid.NewString,
		sessions: make(map[string]*Session),
		retired:  make(map[string]struct{}),
		stop:     make(chan struct{}),
	}
}

// Create registers a new session with an idle slot. It never touches the
// engine; the binding is opened by the first query.
func (r *Registry) Create(opts core.Options) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, core.ErrShuttingDown
	}

	id := r.newID()
	for r.taken(id) {
		id = r.newID()
	}

	r.created++
	s := newSession(id, r.created, opts, r.factory, r.opts.Slot)
	r.sessions[id] = s

	r.logger.Info("Session created", "session_id", id, "backend", opts.Backend, "sessions", len(r.sessions))

	return s, nil
}

func (r *Registry) taken(id string) bool {
	if _, ok := r.sessions[id]; ok {
		return true
	}
	_, ok := r.retired[id]
	return ok
}

// Get returns the active session id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok || s.Status() != core.SessionActive {
		return nil, core.ErrSessionNotFound
	}
	return s, nil
}

// List returns summaries of the active sessions, oldest first.
func (r *Registry) List() []core.SessionSummary {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].seq < sessions[j].seq })

	out := make([]core.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		if s.Status() != core.SessionActive {
			continue
		}
		out = append(out, s.Summary())
	}
	return out
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.sessions {
		if s.Status() == core.SessionActive {
			n++
		}
	}
	return n
}

// Delete closes session id and removes it. A running query ends with
// core.ErrCancelled and waiting queries are rejected. Deleting an unknown or
// already deleting session returns core.ErrSessionNotFound.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.Status() != core.SessionActive {
		r.mu.Unlock()
		return core.ErrSessionNotFound
	}
	s.setStatus(core.SessionClosing)
	r.mu.Unlock()

	return r.retire(ctx, s)
}

// retire closes the slot of a session already marked closing and drops it
// from the index.
func (r *Registry) retire(ctx context.Context, s *Session) error {
	id := s.id
	err := s.slot.Close(ctx)

	r.mu.Lock()
	delete(r.sessions, id)
	r.retired[id] = struct{}{}
	remaining := len(r.sessions)
	r.mu.Unlock()

	s.setStatus(core.SessionClosed)

	if err != nil {
		r.logger.Warn("Session closed with error", "session_id", id, "error", err)
	} else {
		r.logger.Info("Session deleted", "session_id", id, "queries", s.slot.Queries(), "sessions", remaining)
	}

	return err
}

// CloseAll deletes every session concurrently.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := r.Delete(ctx, id); err != nil && !errors.Is(err, core.ErrSessionNotFound) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Close stops the janitor, refuses new sessions and deletes every existing
// one. Safe to call more than once.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	swept := r.swept
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stop) })
	if swept != nil {
		<-swept
	}

	return r.CloseAll(ctx)
}

// StartJanitor starts expiring idle sessions when IdleTTL is set. It returns
// immediately; the janitor stops with Close.
func (r *Registry) StartJanitor() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.opts.IdleTTL <= 0 || r.swept != nil || r.closed {
		return
	}

	interval := r.opts.SweepInterval
	if interval <= 0 {
		interval = r.opts.IdleTTL / 2
	}

	swept := make(chan struct{})
	r.swept = swept
	go func() {
		defer close(swept)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stop:
				return
			case now := <-ticker.C:
				r.Sweep(now)
			}
		}
	}()

	r.logger.Info("Session janitor started", "idle_ttl", r.opts.IdleTTL, "interval", interval)
}

// Sweep deletes sessions with no running or queued query that have been
// idle longer than IdleTTL at now. It returns the deleted ids. The idle check
// and the close happen atomically on the slot, so a query that takes the
// slot first keeps its session.
func (r *Registry) Sweep(now time.Time) []string {
	if r.opts.IdleTTL <= 0 {
		return nil
	}

	r.mu.RLock()
	var candidates []string
	for id, s := range r.sessions {
		if s.Status() == core.SessionActive && !s.slot.Busy() && now.Sub(s.slot.LastActive()) > r.opts.IdleTTL {
			candidates = append(candidates, id)
		}
	}
	r.mu.RUnlock()

	var deleted []string
	for _, id := range candidates {
		r.mu.Lock()
		s, ok := r.sessions[id]
		if !ok || s.Status() != core.SessionActive || !s.slot.CloseIfIdle(r.opts.IdleTTL, now) {
			r.mu.Unlock()
			continue
		}
		s.setStatus(core.SessionClosing)
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), r.opts.CloseTimeout)
		err := r.retire(ctx, s)
		cancel()
		if err == nil {
			r.logger.Info("Session expired", "session_id", id, "idle_ttl", r.opts.IdleTTL)
			deleted = append(deleted, id)
		}
	}
	return deleted
}
