package core

import (
	"encoding/json"
	"time"
)

// EventType discriminates the variants of Event.
type EventType string

const (
	// EventContent carries an incremental text delta.
	EventContent EventType = "content"
	// EventToolUse reports a tool invocation requested by the engine.
	EventToolUse EventType = "tool_use"
	// EventResult is the terminal success event of a sequence.
	EventResult EventType = "result"
	// EventError is the terminal failure event of a sequence.
	EventError EventType = "error"
)

// ToolUse describes one tool invocation surfaced by the engine.
type ToolUse struct {
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Usage captures token accounting reported by the engine.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ResultInfo is the payload of an EventResult.
type ResultInfo struct {
	Text       string        `json:"text"`
	StopReason string        `json:"stop_reason,omitempty"`
	Usage      *Usage        `json:"usage,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// ErrorInfo is the payload of an EventError and of failed buffered results.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is one unit of an engine's output sequence. Exactly one of Text,
// ToolUse, Result or Error is meaningful, selected by Type. After emission an
// Event should be treated as immutable.
type Event struct {
	Type      EventType   `json:"type"`
	Seq       int         `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
	Text      string      `json:"text,omitempty"`
	ToolUse   *ToolUse    `json:"tool_use,omitempty"`
	Result    *ResultInfo `json:"result,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
}

// NewContentEvent creates an incremental text event.
func NewContentEvent(text string) Event {
	return Event{Type: EventContent, Timestamp: time.Now().UTC(), Text: text}
}

// NewToolUseEvent creates a tool invocation event.
func NewToolUseEvent(tu ToolUse) Event {
	return Event{Type: EventToolUse, Timestamp: time.Now().UTC(), ToolUse: &tu}
}

// NewResultEvent creates the terminal success event.
func NewResultEvent(info ResultInfo) Event {
	return Event{Type: EventResult, Timestamp: time.Now().UTC(), Result: &info}
}

// NewErrorEvent creates the terminal failure event for err.
func NewErrorEvent(err error) Event {
	return Event{
		Type:      EventError,
		Timestamp: time.Now().UTC(),
		Error:     &ErrorInfo{Code: ErrorCode(err), Message: err.Error()},
	}
}

// IsTerminal reports whether the event ends its sequence.
func (e Event) IsTerminal() bool {
	return e.Type == EventResult || e.Type == EventError
}
