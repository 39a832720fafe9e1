package model

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/agentgate/core"
)

// ToolDefinition declaratively exposes a callable function to the model.
// Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized model input produced by an engine binding.
type Request struct {
	Instructions string           `json:"instructions"` // System prompt
	Contents     []core.Content   `json:"contents"`     // Conversation history, oldest first
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// LastUserText returns the text of the most recent user content.
func (r Request) LastUserText() string {
	for i := len(r.Contents) - 1; i >= 0; i-- {
		if r.Contents[i].Role == "user" {
			return r.Contents[i].Text()
		}
	}
	return ""
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a model. Partial chunks
// carry deltas; the final chunk carries the complete assistant content.
type Response struct {
	ID           string       `json:"id"`
	Partial      bool         `json:"partial"`
	Content      core.Content `json:"content"`
	FinishReason string       `json:"finish_reason"` // "stop", "end_turn", "tool_use", ...
	Usage        *TokenUsage  `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock"
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface engine bindings need to drive generation.
// Both channels are closed when generation ends; at most one error is sent.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// MockModel is a lightweight in-memory Model useful for tests, local
// development and the "mock" backend.
type MockModel struct {
	info      Info
	mu        sync.RWMutex
	responses map[string]string
	responder func(req Request) string
}

// NewMockModel constructs a MockModel.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info: Info{
			Name:          name,
			Provider:      provider,
			SupportsTools: true,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// SetResponder installs a function computing the completion from the whole
// request. Canned responses take precedence.
func (m *MockModel) SetResponder(fn func(req Request) string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = fn
}

func (m *MockModel) complete(req Request) string {
	input := req.LastUserText()

	m.mu.RLock()
	defer m.mu.RUnlock()
	if full, ok := m.responses[input]; ok {
		return full
	}
	if m.responder != nil {
		return m.responder(req)
	}
	return fmt.Sprintf("Mock response to: %s", input)
}

// Generate implements Model; emits one partial chunk per word when streaming,
// then the final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)
		if len(req.Contents) == 0 {
			errCh <- fmt.Errorf("no contents provided")
			return
		}
		full := m.complete(req)
		if req.Stream {
			for _, w := range splitKeepSpace(full) {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{
					Partial: true,
					Content: core.NewTextContent("assistant", w),
				}:
				}
			}
		}
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- Response{
			Content:      core.NewTextContent("assistant", full),
			FinishReason: "stop",
			Usage: &TokenUsage{
				PromptTokens:     len(strings.Fields(req.LastUserText())),
				CompletionTokens: len(strings.Fields(full)),
				TotalTokens:      len(strings.Fields(req.LastUserText())) + len(strings.Fields(full)),
			},
		}:
		}
	}()
	return respCh, errCh
}

// splitKeepSpace splits s into words keeping the separating whitespace so
// that concatenating the pieces reproduces s exactly.
func splitKeepSpace(s string) []string {
	var out []string
	start := 0
	for i := 1; i < len(s); i++ {
		if s[i-1] == ' ' && s[i] != ' ' {
			out = append(out, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }
