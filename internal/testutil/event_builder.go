package testutil

import (
	"encoding/json"
	"errors"

	"github.com/hupe1980/agentgate/core"
)

// EventBuilder provides a fluent helper for constructing ordered event
// sequences in tests.
// Example:
//
//	evs := NewEventBuilder().Text("2+2 ").Text("is 4").Result("end_turn").Build()
//
// Seq numbers are assigned in call order starting at 1.
type EventBuilder struct {
	events []core.Event
}

// NewEventBuilder creates an empty builder.
func NewEventBuilder() *EventBuilder { return &EventBuilder{} }

// Text appends a content event (chainable).
func (b *EventBuilder) Text(t string) *EventBuilder {
	return b.add(core.NewContentEvent(t))
}

// ToolUse appends a tool_use event with JSON encoded input (chainable).
func (b *EventBuilder) ToolUse(id, name string, input any) *EventBuilder {
	raw, _ := json.Marshal(input)
	return b.add(core.NewToolUseEvent(core.ToolUse{ID: id, Name: name, Input: raw}))
}

// Result appends the terminal result event; its text is the concatenated
// content so far (chainable).
func (b *EventBuilder) Result(stopReason string) *EventBuilder {
	var text string
	for _, ev := range b.events {
		if ev.Type == core.EventContent {
			text += ev.Text
		}
	}
	return b.add(core.NewResultEvent(core.ResultInfo{Text: text, StopReason: stopReason}))
}

// Error appends the terminal error event for err (chainable).
func (b *EventBuilder) Error(err error) *EventBuilder {
	if err == nil {
		err = errors.New("unknown error")
	}
	return b.add(core.NewErrorEvent(err))
}

// Build returns the sequence.
func (b *EventBuilder) Build() []core.Event {
	return append([]core.Event(nil), b.events...)
}

func (b *EventBuilder) add(ev core.Event) *EventBuilder {
	ev.Seq = len(b.events) + 1
	b.events = append(b.events, ev)
	return b
}
