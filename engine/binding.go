package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/agentgate/core"
	"github.com/hupe1980/agentgate/internal/util"
	"github.com/hupe1980/agentgate/model"
)

var (
	// ErrBindingClosed is reported by Submit after Close.
	ErrBindingClosed = errors.New("binding closed")
	// ErrMaxTurns is reported once a binding used up Options.MaxTurns.
	ErrMaxTurns = errors.New("maximum number of turns reached")
	// ErrEmptyResponse is reported when the model ended without output.
	ErrEmptyResponse = errors.New("model returned no response")
	// ErrInvalidSystemPrompt is returned for a system prompt template that
	// does not render. It wraps core.ErrInvalidRequest.
	ErrInvalidSystemPrompt = fmt.Errorf("%w: invalid system prompt", core.ErrInvalidRequest)
)

// Binding is one conversational context on top of a model. It implements
// core.Binding.
type Binding struct {
	id           string
	factory      *Factory
	opts         core.Options
	instructions string
	model        model.Model

	mu      sync.Mutex
	history []core.Content
	turns   int
	closed  bool
}

var _ core.Binding = (*Binding)(nil)

func newBinding(f *Factory, opts core.Options, instructions string, m model.Model) *Binding {
	return &Binding{
		id:           uuid.NewString(),
		factory:      f,
		opts:         opts,
		instructions: instructions,
		model:        m,
	}
}

// ID returns the binding identifier.
func (b *Binding) ID() string { return b.id }

// Options returns the options snapshot the binding was opened with.
func (b *Binding) Options() core.Options { return b.opts.Clone() }

// History returns a copy of the conversation so far, oldest first.
func (b *Binding) History() []core.Content {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]core.Content(nil), b.history...)
}

// Turns returns the number of completed turns.
func (b *Binding) Turns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.turns
}

// Submit sends prompt to the model and returns the call's event stream.
// Only a successful turn is appended to the history.
func (b *Binding) Submit(ctx context.Context, prompt string) *core.Stream {
	cfg := b.factory.config
	return core.NewStream(ctx, func(ctx context.Context, emit func(core.Event) bool) (core.ResultInfo, error) {
		return b.run(ctx, prompt, emit)
	}, func(o *core.StreamOptions) {
		o.Buffer = cfg.EventBufferSize
		o.Timeout = cfg.QueryTimeout
		o.IdleTimeout = cfg.FirstEventTimeout
	})
}

func (b *Binding) run(ctx context.Context, prompt string, emit func(core.Event) bool) (core.ResultInfo, error) {
	start := time.Now()
	user := core.NewTextContent("user", prompt)

	req, err := b.request(user)
	if err != nil {
		return core.ResultInfo{}, b.fail(ctx, &CallbackContext{Prompt: prompt}, err)
	}

	cc := &CallbackContext{BindingID: b.id, Backend: b.opts.Backend, Prompt: prompt, Request: &req}
	if err := b.factory.callbacks.ExecuteCallbacks(ctx, CallbackBeforeModel, cc); err != nil {
		return core.ResultInfo{}, b.fail(ctx, cc, err)
	}

	final, streamed, err := b.generate(ctx, req, emit)
	if err != nil {
		return core.ResultInfo{}, b.fail(ctx, cc, err)
	}

	if !streamed {
		if text := final.Content.Text(); text != "" && !emit(core.NewContentEvent(text)) {
			return core.ResultInfo{}, b.fail(ctx, cc, ctx.Err())
		}
	}
	for _, fc := range final.Content.FunctionCalls() {
		if !emit(core.NewToolUseEvent(toolUse(fc))) {
			return core.ResultInfo{}, b.fail(ctx, cc, ctx.Err())
		}
	}

	b.mu.Lock()
	b.history = append(b.history, user, final.Content)
	b.turns++
	b.mu.Unlock()

	info := core.ResultInfo{
		Text:       final.Content.Text(),
		StopReason: final.FinishReason,
		Duration:   time.Since(start),
	}
	if final.Usage != nil {
		info.Usage = &core.Usage{
			InputTokens:  int64(final.Usage.PromptTokens),
			OutputTokens: int64(final.Usage.CompletionTokens),
		}
	}

	cc.Result = &info
	_ = b.factory.callbacks.ExecuteCallbacks(ctx, CallbackAfterModel, cc)

	return info, nil
}

// request builds the model request for one turn without touching history.
func (b *Binding) request(user core.Content) (model.Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return model.Request{}, ErrBindingClosed
	}
	if b.opts.MaxTurns > 0 && b.turns >= b.opts.MaxTurns {
		return model.Request{}, ErrMaxTurns
	}

	contents := make([]core.Content, 0, len(b.history)+1)
	contents = append(contents, b.history...)
	contents = append(contents, user)

	return model.Request{
		Instructions: b.instructions,
		Contents:     contents,
		Tools:        toolDefinitions(b.opts.AllowedTools),
		Stream:       true,
	}, nil
}

// generate drives the model, forwarding partial text as content events. It
// reports whether any partial text was forwarded.
func (b *Binding) generate(ctx context.Context, req model.Request, emit func(core.Event) bool) (model.Response, bool, error) {
	respCh, errCh := b.model.Generate(ctx, req)

	var (
		final    *model.Response
		streamed bool
	)
	for resp := range respCh {
		if resp.Partial {
			text := resp.Content.Text()
			if text == "" {
				continue
			}
			if !emit(core.NewContentEvent(text)) {
				return model.Response{}, streamed, cancelled(ctx)
			}
			streamed = true
			continue
		}
		r := resp
		final = &r
	}

	if err := <-errCh; err != nil {
		return model.Response{}, streamed, err
	}
	if ctx.Err() != nil {
		return model.Response{}, streamed, ctx.Err()
	}
	if final == nil {
		return model.Response{}, streamed, ErrEmptyResponse
	}

	return *final, streamed, nil
}

// fail runs the error callbacks and wraps err for the stream. Context errors
// pass through untouched so the stream reports them as cancelled or timeout.
func (b *Binding) fail(ctx context.Context, cc *CallbackContext, err error) error {
	if err == nil {
		err = cancelled(ctx)
	}

	cc.BindingID = b.id
	cc.Backend = b.opts.Backend
	cc.Err = err
	_ = b.factory.callbacks.ExecuteCallbacks(context.WithoutCancel(ctx), CallbackOnError, cc)

	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var engErr *core.EngineError
	if errors.As(err, &engErr) {
		return err
	}
	return &core.EngineError{Backend: b.opts.Backend, Err: err}
}

// Close releases the binding. Safe to call more than once.
func (b *Binding) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.history = nil
	b.mu.Unlock()

	b.factory.released(b)
	return nil
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return core.ErrCancelled
}

// instructions renders the system prompt as a template over the binding's
// options and appends the working directory.
func instructions(opts core.Options) (string, error) {
	prompt, err := util.RenderTemplate(opts.SystemPrompt, map[string]any{
		"backend": opts.Backend,
		"model":   opts.Model,
		"cwd":     opts.WorkingDir,
		"tools":   opts.AllowedTools,
	})
	if err != nil {
		return "", fmt.Errorf("%w: system prompt: %v", ErrInvalidSystemPrompt, err)
	}

	if opts.WorkingDir == "" {
		return prompt, nil
	}

	var sb strings.Builder
	sb.WriteString(prompt)
	if sb.Len() > 0 {
		sb.WriteString("\n\n")
	}
	sb.WriteString("Working directory: ")
	sb.WriteString(opts.WorkingDir)

	return sb.String(), nil
}

func toolDefinitions(names []string) []model.ToolDefinition {
	if len(names) == 0 {
		return nil
	}
	tools := make([]model.ToolDefinition, 0, len(names))
	for _, name := range names {
		tools = append(tools, model.ToolDefinition{
			Name:        name,
			Description: name,
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		})
	}
	return tools
}

func toolUse(fc core.FunctionCall) core.ToolUse {
	input := json.RawMessage(fc.Arguments)
	switch {
	case strings.TrimSpace(fc.Arguments) == "":
		input = json.RawMessage("{}")
	case !json.Valid(input):
		raw, _ := json.Marshal(fc.Arguments)
		input = raw
	}
	return core.ToolUse{ID: fc.ID, Name: fc.Name, Input: input}
}
