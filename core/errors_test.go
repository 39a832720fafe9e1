package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{nil, ""},
		{ErrSessionNotFound, CodeSessionNotFound},
		{fmt.Errorf("lookup: %w", ErrSessionNotFound), CodeSessionNotFound},
		{ErrSessionBusy, CodeSessionBusy},
		{ErrQueueTimeout, CodeQueueTimeout},
		{ErrShuttingDown, CodeShuttingDown},
		{fmt.Errorf("%w: empty prompt", ErrInvalidRequest), CodeInvalidRequest},
		{ErrTimeout, CodeTimeout},
		{context.DeadlineExceeded, CodeTimeout},
		{ErrCancelled, CodeCancelled},
		{context.Canceled, CodeCancelled},
		{&EngineError{Backend: "mock", Err: errors.New("x")}, CodeEngineError},
		{errors.New("anything else"), CodeEngineError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, ErrorCode(tt.err), "err=%v", tt.err)
	}
}

func TestNormalize(t *testing.T) {
	assert.ErrorIs(t, Normalize(context.Canceled), ErrCancelled)
	assert.ErrorIs(t, Normalize(context.DeadlineExceeded), ErrTimeout)
	assert.Same(t, ErrTimeout, Normalize(ErrTimeout))
	assert.NoError(t, Normalize(nil))

	engErr := &EngineError{Err: errors.New("x")}
	assert.Equal(t, engErr, Normalize(engErr))
}

func TestEngineError_Unwrap(t *testing.T) {
	cause := errors.New("rate limited")
	err := &EngineError{Backend: "anthropic", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "anthropic engine error: rate limited", err.Error())
}
