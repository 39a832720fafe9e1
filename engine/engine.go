package engine

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/agentgate/core"
	"github.com/hupe1980/agentgate/logging"
)

// ErrUnknownBackend is returned by Open for a backend without constructor.
// It wraps core.ErrInvalidRequest.
var ErrUnknownBackend = fmt.Errorf("%w: unknown engine backend", core.ErrInvalidRequest)

// Config defines per-call limits applied to every binding the factory opens.
type Config struct {
	// QueryTimeout bounds one engine call end to end. 0 disables it.
	QueryTimeout time.Duration

	// FirstEventTimeout bounds the silence before the first event and
	// between subsequent events. 0 disables it.
	FirstEventTimeout time.Duration

	// EventBufferSize is the channel capacity of each call's event stream.
	EventBufferSize int
}

// DefaultConfig provides the limits used when none are configured.
var DefaultConfig = Config{
	QueryTimeout:      5 * time.Minute,
	FirstEventTimeout: 60 * time.Second,
	EventBufferSize:   16,
}

// Options configures a Factory using the functional options pattern.
type Options struct {
	// Config contains per-call limits. Defaults to DefaultConfig.
	Config Config

	// Defaults is the options snapshot every Open call starts from.
	Defaults core.Options

	// Backends maps backend names to model constructors. Defaults to
	// DefaultBackends.
	Backends map[string]BackendFunc

	// Callbacks receives engine lifecycle hooks. Defaults to an empty manager.
	Callbacks *CallbackManager

	// Logger provides structured logging. Defaults to NoOpLogger.
	Logger logging.Logger
}

var _ core.BindingFactory = (*Factory)(nil)

// Factory opens engine bindings and tracks how many are live.
//
// Factory is safe for concurrent use.
type Factory struct {
	config    Config
	defaults  core.Options
	callbacks *CallbackManager
	logger    logging.Logger

	mu       sync.RWMutex
	backends map[string]BackendFunc

	live atomic.Int64
}

// New creates a Factory with sensible defaults.
//
// Example:
//
//	f := New(func(o *Options) {
//	    o.Defaults = core.Options{Backend: BackendAnthropic, SystemPrompt: "be terse"}
//	    o.Config.QueryTimeout = time.Minute
//	})
func New(optFns ...func(o *Options)) *Factory {
	opts := Options{
		Config:    DefaultConfig,
		Defaults:  core.Options{Backend: BackendMock},
		Backends:  DefaultBackends(),
		Callbacks: NewCallbackManager(),
		Logger:    logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}
	if opts.Backends == nil {
		opts.Backends = DefaultBackends()
	}
	if opts.Config.EventBufferSize <= 0 {
		opts.Config.EventBufferSize = DefaultConfig.EventBufferSize
	}

	return &Factory{
		config:    opts.Config,
		defaults:  opts.Defaults.Clone(),
		callbacks: opts.Callbacks,
		logger:    opts.Logger,
		backends:  opts.Backends,
	}
}

// Register adds or replaces a backend constructor.
func (f *Factory) Register(name string, fn BackendFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backends[name] = fn
}

// Backends returns the registered backend names, sorted.
func (f *Factory) Backends() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.backends))
	for name := range f.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defaults returns a copy of the factory's default options.
func (f *Factory) Defaults() core.Options {
	return f.defaults.Clone()
}

// Resolve returns the factory defaults with opts applied on top.
func (f *Factory) Resolve(opts core.Options) core.Options {
	resolved := f.defaults.Clone()
	resolved.Merge(&opts)
	return resolved
}

// Validate reports whether opts resolve to a known backend.
func (f *Factory) Validate(opts core.Options) error {
	resolved := f.Resolve(opts)
	if _, err := f.backend(resolved.Backend); err != nil {
		return err
	}
	_, err := instructions(resolved)
	return err
}

func (f *Factory) backend(name string) (BackendFunc, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	fn, ok := f.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return fn, nil
}

// Open implements core.BindingFactory.
func (f *Factory) Open(opts core.Options) (core.Binding, error) {
	b, err := f.OpenBinding(opts)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// OpenBinding creates a binding from the factory defaults merged with opts.
// The binding counts as live until its Close.
func (f *Factory) OpenBinding(opts core.Options) (*Binding, error) {
	resolved := f.Resolve(opts)

	fn, err := f.backend(resolved.Backend)
	if err != nil {
		return nil, err
	}

	prompt, err := instructions(resolved)
	if err != nil {
		return nil, err
	}

	m, err := fn(resolved)
	if err != nil {
		return nil, &core.EngineError{Backend: resolved.Backend, Err: err}
	}

	b := newBinding(f, resolved, prompt, m)
	live := f.live.Add(1)

	f.logger.Debug("Engine binding opened", "binding_id", b.id, "backend", resolved.Backend, "live", live)

	return b, nil
}

// Live returns the number of open bindings.
func (f *Factory) Live() int {
	return int(f.live.Load())
}

func (f *Factory) released(b *Binding) {
	live := f.live.Add(-1)
	f.logger.Debug("Engine binding closed", "binding_id", b.id, "live", live)
}
