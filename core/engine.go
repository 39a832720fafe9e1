package core

import "context"

// Binding is one conversational context of the underlying agent engine.
//
// Implementations keep conversation state between Submit calls and are NOT
// required to be safe for concurrent Submit; callers (the session execution
// slot) guarantee at most one in-flight call. Close must be idempotent.
type Binding interface {
	// Submit sends prompt and returns the lazily produced event sequence.
	// Cancelling ctx cancels the engine call.
	Submit(ctx context.Context, prompt string) *Stream
	// Close releases the engine resources held by the binding.
	Close() error
}

// BindingFactory opens engine bindings from an options snapshot.
type BindingFactory interface {
	Open(opts Options) (Binding, error)
}
