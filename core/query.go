package core

import (
	"fmt"
	"strings"
)

// Query is one inbound request against the engine. It exists only for the
// duration of a single dispatch.
type Query struct {
	Prompt string `json:"prompt"`
	// Options overrides engine defaults; honored for stateless queries only.
	Options *Options `json:"options,omitempty"`
	// Stream selects incremental delivery. Defaults to true on the wire.
	Stream bool `json:"stream"`
}

// Validate reports malformed queries.
func (q Query) Validate() error {
	if strings.TrimSpace(q.Prompt) == "" {
		return fmt.Errorf("%w: prompt must not be empty", ErrInvalidRequest)
	}
	return nil
}

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the buffered aggregate of one query's event sequence.
type Result struct {
	SessionID  string     `json:"session_id,omitempty"`
	Status     string     `json:"status"`
	Text       string     `json:"text"`
	Messages   []string   `json:"messages"`
	ToolUses   []ToolUse  `json:"tool_uses,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	Usage      *Usage     `json:"usage,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
	Events     int        `json:"events"`
}

// Aggregate folds an ordered event sequence into a Result. Content deltas are
// concatenated; a terminal error keeps whatever partial content preceded it.
func Aggregate(events []Event) *Result {
	res := &Result{Status: StatusSuccess, Messages: []string{}}
	var sb strings.Builder
	for _, ev := range events {
		res.Events++
		switch ev.Type {
		case EventContent:
			sb.WriteString(ev.Text)
		case EventToolUse:
			if ev.ToolUse != nil {
				res.ToolUses = append(res.ToolUses, *ev.ToolUse)
			}
		case EventResult:
			if ev.Result != nil {
				res.StopReason = ev.Result.StopReason
				res.Usage = ev.Result.Usage
			}
		case EventError:
			res.Status = StatusError
			res.Error = ev.Error
		}
	}
	res.Text = sb.String()
	if res.Text != "" {
		res.Messages = append(res.Messages, res.Text)
	}
	return res
}
