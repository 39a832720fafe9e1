package engine

import (
	"os"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/hupe1980/agentgate/core"
	"github.com/hupe1980/agentgate/model"
	"github.com/hupe1980/agentgate/model/anthropic"
	"github.com/hupe1980/agentgate/model/openai"
)

// Backend names understood by the default constructor table.
const (
	BackendAnthropic = "anthropic"
	BackendOpenAI    = "openai"
	BackendMock      = "mock"
)

// Credential keys looked up in Options.Env before the process environment.
const (
	EnvAnthropicAPIKey  = "ANTHROPIC_API_KEY"
	EnvAnthropicBaseURL = "ANTHROPIC_BASE_URL"
	EnvOpenAIAPIKey     = "OPENAI_API_KEY"
	EnvOpenAIBaseURL    = "OPENAI_BASE_URL"
)

// BackendFunc constructs the model backing one binding.
type BackendFunc func(opts core.Options) (model.Model, error)

// DefaultBackends returns the built-in constructor table.
func DefaultBackends() map[string]BackendFunc {
	return map[string]BackendFunc{
		BackendAnthropic: newAnthropic,
		BackendOpenAI:    newOpenAI,
		BackendMock:      newMock,
	}
}

func newAnthropic(opts core.Options) (model.Model, error) {
	return anthropic.NewModel(func(o *anthropic.Options) {
		if opts.Model != "" {
			o.Model = anthropicsdk.Model(opts.Model)
		}
		if opts.MaxTokens > 0 {
			o.MaxTokens = opts.MaxTokens
		}
		if opts.Temperature != nil {
			o.Temperature = *opts.Temperature
		}
		o.APIKey = lookupEnv(opts.Env, EnvAnthropicAPIKey)
		o.BaseURL = lookupEnv(opts.Env, EnvAnthropicBaseURL)
	}), nil
}

func newOpenAI(opts core.Options) (model.Model, error) {
	return openai.NewModel(func(o *openai.Options) {
		if opts.Model != "" {
			o.Model = opts.Model
		}
		if opts.MaxTokens > 0 {
			o.MaxCompletionTokens = opts.MaxTokens
		}
		if opts.Temperature != nil {
			o.Temperature = *opts.Temperature
		}
		o.APIKey = lookupEnv(opts.Env, EnvOpenAIAPIKey)
		o.BaseURL = lookupEnv(opts.Env, EnvOpenAIBaseURL)
	}), nil
}

func newMock(opts core.Options) (model.Model, error) {
	name := opts.Model
	if name == "" {
		name = "mock"
	}
	return model.NewMockModel(name, BackendMock), nil
}

func lookupEnv(env map[string]string, key string) string {
	if v, ok := env[key]; ok {
		return v
	}
	return os.Getenv(key)
}
