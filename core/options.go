package core

import (
	"maps"
	"slices"
)

// Options configures an engine binding: which backend to use and how the
// model behaves. A session snapshots its Options at creation; they never change
// afterwards.
type Options struct {
	// Backend selects the engine implementation ("anthropic", "openai", "mock").
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`
	// Model is the backend specific model identifier.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
	// SystemPrompt is prepended to every conversation.
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	// WorkingDir is forwarded to the engine as the agent's working directory.
	WorkingDir string `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	// MaxTokens bounds a single model response.
	MaxTokens int64 `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	// Temperature is passed through when set.
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	// MaxTurns bounds the number of queries a binding accepts; 0 is unlimited.
	MaxTurns int `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`
	// AllowedTools names the tools the engine may request.
	AllowedTools []string `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`
	// Env carries opaque credentials and backend selection settings
	// (API keys, base URLs). Never interpreted outside the engine package.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Merge applies non-zero values from source into o.
func (o *Options) Merge(source *Options) {
	if source == nil {
		return
	}
	if source.Backend != "" {
		o.Backend = source.Backend
	}
	if source.Model != "" {
		o.Model = source.Model
	}
	if source.SystemPrompt != "" {
		o.SystemPrompt = source.SystemPrompt
	}
	if source.WorkingDir != "" {
		o.WorkingDir = source.WorkingDir
	}
	if source.MaxTokens > 0 {
		o.MaxTokens = source.MaxTokens
	}
	if source.Temperature != nil {
		t := *source.Temperature
		o.Temperature = &t
	}
	if source.MaxTurns > 0 {
		o.MaxTurns = source.MaxTurns
	}
	if len(source.AllowedTools) > 0 {
		o.AllowedTools = slices.Clone(source.AllowedTools)
	}
	if len(source.Env) > 0 {
		if o.Env == nil {
			o.Env = make(map[string]string, len(source.Env))
		}
		maps.Copy(o.Env, source.Env)
	}
}

// Clone returns a deep copy safe for independent mutation.
func (o Options) Clone() Options {
	c := o
	if o.Temperature != nil {
		t := *o.Temperature
		c.Temperature = &t
	}
	c.AllowedTools = slices.Clone(o.AllowedTools)
	c.Env = maps.Clone(o.Env)
	return c
}

// Redacted returns a copy with Env values masked, suitable for logs and API
// responses.
func (o Options) Redacted() Options {
	c := o.Clone()
	for k := range c.Env {
		c.Env[k] = "***"
	}
	return c
}
