package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/agentgate/core"
	"github.com/hupe1980/agentgate/logging"
	"github.com/hupe1980/agentgate/model"
)

// CallbackType defines the lifecycle points of an engine call where
// callbacks run.
type CallbackType string

const (
	// CallbackBeforeModel runs before the model request is sent. Returning an
	// error aborts the call.
	CallbackBeforeModel CallbackType = "before_model"

	// CallbackAfterModel runs after the model finished successfully.
	CallbackAfterModel CallbackType = "after_model"

	// CallbackOnError runs when an engine call ends with an error, including
	// cancellation and timeouts.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext carries what a callback may inspect about the current
// engine call.
type CallbackContext struct {
	// BindingID identifies the binding the call runs on.
	BindingID string

	// Backend is the engine backend name.
	Backend string

	// Prompt is the submitted user prompt.
	Prompt string

	// Request is the normalized model request. Set for all callback types.
	Request *model.Request

	// Result is set for CallbackAfterModel.
	Result *core.ResultInfo

	// Err is set for CallbackOnError.
	Err error

	// CallbackType indicates which lifecycle point triggered the callback.
	CallbackType CallbackType
}

// Callback is an engine lifecycle hook.
//
// Callbacks run synchronously on the call's goroutine and should be fast.
type Callback interface {
	// Type returns the lifecycle point this callback handles.
	Type() CallbackType

	// Execute performs the callback logic.
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a Callback.
//
// Example:
//
//	cb := NewFunctionCallback(CallbackBeforeModel,
//	    func(ctx context.Context, cc *CallbackContext) error {
//	        if len(cc.Prompt) > 10_000 {
//	            return errors.New("prompt too long")
//	        }
//	        return nil
//	    },
//	)
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager routes callbacks by type. Callbacks of one type run in
// registration order; the first error stops the chain.
//
// Registration and execution are safe for concurrent use.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback for its type.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks runs every callback registered for callbackType.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	cm.mu.RLock()
	callbacks := cm.callbacks[callbackType]
	cm.mu.RUnlock()

	callbackCtx.CallbackType = callbackType
	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return err
		}
	}

	return nil
}

// LoggingCallback writes one structured log line per lifecycle event.
type LoggingCallback struct {
	callbackType CallbackType
	logger       logging.Logger
}

// NewLoggingCallback creates a logging callback for callbackType.
func NewLoggingCallback(callbackType CallbackType, logger logging.Logger) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute logs the lifecycle event. It never fails.
func (c *LoggingCallback) Execute(_ context.Context, cc *CallbackContext) error {
	if c.logger == nil {
		return nil
	}

	args := []any{"binding_id", cc.BindingID, "backend", cc.Backend, "callback", string(cc.CallbackType)}
	switch cc.CallbackType {
	case CallbackOnError:
		c.logger.Warn("engine call failed", append(args, "error", cc.Err)...)
	case CallbackAfterModel:
		if cc.Result != nil {
			args = append(args, "stop_reason", cc.Result.StopReason, "duration", cc.Result.Duration)
		}
		c.logger.Debug("engine call finished", args...)
	default:
		c.logger.Debug("engine call starting", append(args, "prompt_len", len(cc.Prompt))...)
	}

	return nil
}
