package testutil

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/agentgate/core"
	"github.com/hupe1980/agentgate/model"
)

// ScriptedModel is a model.Model whose output, pacing and failures are set by
// the test. It records how many calls overlapped, which lets tests assert that
// a session never runs two engine calls at once.
//
// Example:
//
//	m := NewScriptedModel("The answer ", "is 4")
//	m.Hold = make(chan struct{}) // block before the final response
type ScriptedModel struct {
	// Chunks are streamed as partial responses; the final response carries
	// their concatenation.
	Chunks []string

	// Respond, when set, computes the chunks from the request.
	Respond func(req model.Request) []string

	// ToolCalls are attached to the final response.
	ToolCalls []core.FunctionCall

	// Err, when set, is reported after the chunks instead of a final response.
	Err error

	// Delay is waited before every chunk.
	Delay time.Duration

	// Hold, when non-nil, blocks the call before its final response until the
	// channel is closed or the call is cancelled.
	Hold chan struct{}

	// Started, when non-nil, receives the prompt of every call as it starts.
	Started chan string

	mu      sync.Mutex
	prompts []string

	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	cancelled   atomic.Int32
}

// NewScriptedModel returns a model streaming chunks.
func NewScriptedModel(chunks ...string) *ScriptedModel {
	return &ScriptedModel{Chunks: chunks}
}

// Backend adapts m to an engine backend constructor.
func (m *ScriptedModel) Backend() func(core.Options) (model.Model, error) {
	return func(core.Options) (model.Model, error) { return m, nil }
}

// Calls returns the number of Generate calls.
func (m *ScriptedModel) Calls() int { return int(m.calls.Load()) }

// MaxInFlight returns the highest number of concurrently running calls.
func (m *ScriptedModel) MaxInFlight() int { return int(m.maxInFlight.Load()) }

// InFlight returns the number of running calls.
func (m *ScriptedModel) InFlight() int { return int(m.inFlight.Load()) }

// Cancelled returns the number of calls ended by their context.
func (m *ScriptedModel) Cancelled() int { return int(m.cancelled.Load()) }

// Prompts returns the prompts seen so far in call order.
func (m *ScriptedModel) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// Generate implements model.Model.
func (m *ScriptedModel) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		m.enter(req.LastUserText())
		defer m.inFlight.Add(-1)

		if err := m.run(ctx, req, out); err != nil {
			if ctx.Err() != nil {
				m.cancelled.Add(1)
			}
			errCh <- err
		}
	}()

	return out, errCh
}

func (m *ScriptedModel) enter(prompt string) {
	m.calls.Add(1)
	n := m.inFlight.Add(1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
}

func (m *ScriptedModel) run(ctx context.Context, req model.Request, out chan<- model.Response) error {
	if m.Started != nil {
		select {
		case m.Started <- req.LastUserText():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	chunks := m.Chunks
	if m.Respond != nil {
		chunks = m.Respond(req)
	}

	for _, c := range chunks {
		if m.Delay > 0 {
			select {
			case <-time.After(m.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case out <- model.Response{Partial: true, Content: core.NewTextContent("assistant", c)}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if m.Hold != nil {
		select {
		case <-m.Hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if m.Err != nil {
		return m.Err
	}

	parts := []core.Part{core.TextPart{Text: strings.Join(chunks, "")}}
	for _, fc := range m.ToolCalls {
		parts = append(parts, core.FunctionCallPart{FunctionCall: fc})
	}

	select {
	case out <- model.Response{
		Content:      core.Content{Role: "assistant", Parts: parts},
		FinishReason: "end_turn",
		Usage:        &model.TokenUsage{PromptTokens: 1, CompletionTokens: len(chunks), TotalTokens: 1 + len(chunks)},
	}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info implements model.Model.
func (m *ScriptedModel) Info() model.Info {
	return model.Info{Name: "scripted", Provider: "test"}
}
