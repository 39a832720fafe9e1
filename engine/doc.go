// Package engine binds the gateway to a conversational agent engine.
//
// A Factory turns an options snapshot into a Binding: one conversational
// context backed by a model.Model (Anthropic, OpenAI or the in-memory mock).
// A Binding keeps its own conversation history and turns every submitted
// prompt into a core.Stream of content, tool_use and a single terminal
// result or error event.
//
// # Lifecycle
//
// Bindings are cheap to open but hold engine resources until closed. The
// Factory counts live bindings so the lifecycle supervisor can verify that
// shutdown reclaimed every one of them:
//
//	f := engine.New(func(o *engine.Options) {
//	    o.Defaults.Backend = "anthropic"
//	    o.Logger = logger
//	})
//	b, err := f.Open(core.Options{SystemPrompt: "be terse"})
//	if err != nil {
//	    return err
//	}
//	defer b.Close()
//
//	for ev := range b.Submit(ctx, "2+2").Events() {
//	    ...
//	}
//
// # Concurrency
//
// A Binding is not meant for concurrent Submit calls. The session execution
// slot guarantees at most one in-flight call per binding; the Factory itself
// is safe for concurrent use.
//
// # Callbacks
//
// BeforeModel, AfterModel and OnError callbacks hook into every engine call
// without touching the binding logic. A BeforeModel callback returning an
// error aborts the call with an engine error.
package engine
