package core

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy shared by the registry, slots, dispatcher and transport.
var (
	// ErrSessionNotFound is returned when a session id is unknown or the
	// session is already being deleted.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionBusy is returned when a session's wait queue is full.
	ErrSessionBusy = errors.New("session busy")
	// ErrQueueTimeout is returned when a queued query waited too long for the
	// session's execution slot.
	ErrQueueTimeout = errors.New("timed out waiting for session")
	// ErrCancelled reports a query ended by client disconnect, session
	// deletion or shutdown.
	ErrCancelled = errors.New("query cancelled")
	// ErrTimeout reports a query that exceeded its configured time ceiling.
	ErrTimeout = errors.New("query timed out")
	// ErrShuttingDown is returned for work submitted after shutdown began.
	ErrShuttingDown = errors.New("server shutting down")
	// ErrInvalidRequest reports a malformed query or session request.
	ErrInvalidRequest = errors.New("invalid request")
)

// Wire codes carried by ErrorInfo.Code.
const (
	CodeEngineError     = "engine_error"
	CodeCancelled       = "cancelled"
	CodeTimeout         = "timeout"
	CodeSessionNotFound = "session_not_found"
	CodeSessionBusy     = "session_busy"
	CodeQueueTimeout    = "queue_timeout"
	CodeShuttingDown    = "shutting_down"
	CodeInvalidRequest  = "invalid_request"
)

// EngineError wraps whatever the underlying engine reported.
type EngineError struct {
	Backend string
	Err     error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("engine error: %v", e.Err)
	}
	return fmt.Sprintf("%s engine error: %v", e.Backend, e.Err)
}

// Unwrap returns the engine's cause.
func (e *EngineError) Unwrap() error { return e.Err }

// ErrorCode maps err to its wire code. Context errors are folded into the
// taxonomy: deadline exceeded is a timeout, cancellation is cancelled.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrSessionBusy):
		return CodeSessionBusy
	case errors.Is(err, ErrQueueTimeout):
		return CodeQueueTimeout
	case errors.Is(err, ErrShuttingDown):
		return CodeShuttingDown
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return CodeCancelled
	default:
		return CodeEngineError
	}
}

// Normalize converts bare context errors into the package sentinels so callers
// only ever see the documented taxonomy.
func Normalize(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrCancelled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	default:
		return err
	}
}
