// Package llm adapts hosted and local chat models to one completion
// interface. The parsing layers only ever see Provider.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// Provider is the interface for LLM completions.
type Provider interface {
	// Complete sends a prompt and returns the response text.
	Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error)
	// Name returns provider/model, e.g. "openrouter/openai/gpt-4o-mini".
	Name() string
}

// CompletionOpts configures a single completion request.
type CompletionOpts struct {
	MaxTokens   int     // 0 = provider default
	Temperature float64 // 0.0-2.0
	Model       string  // overrides the provider's model when set
	Format      string  // "json" for structured output
	System      string
}

// Supported provider names.
const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
	ProviderGoogle     = "google"
	ProviderOllama     = "ollama"
)

// Config holds provider configuration.
type Config struct {
	Provider string
	Model    string
	APIKey   string // empty = read from env
	BaseURL  string // empty = provider default
	Timeout  time.Duration
}

var defaults = map[string]struct {
	model   string
	baseURL string
	envKeys []string
}{
	ProviderOpenRouter: {"openai/gpt-4o-mini", "https://openrouter.ai/api/v1", []string{"OPENROUTER_API_KEY"}},
	ProviderOpenAI:     {"gpt-4o-mini", "https://api.openai.com/v1", []string{"OPENAI_API_KEY"}},
	ProviderGoogle:     {"gemini-2.5-flash", "https://generativelanguage.googleapis.com/v1beta", []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}},
	ProviderOllama:     {"llama3.1:8b", "http://localhost:11434", nil},
}

// NewProvider creates an LLM provider from the given config.
func NewProvider(cfg Config) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	d, ok := defaults[name]
	if !ok {
		return nil, fmt.Errorf("unknown LLM provider: %q (supported: %s)", cfg.Provider, supportedList())
	}

	model := firstNonEmpty(cfg.Model, d.model)
	baseURL := strings.TrimRight(firstNonEmpty(cfg.BaseURL, d.baseURL), "/")
	key := cfg.APIKey
	for _, env := range d.envKeys {
		if key != "" {
			break
		}
		key = os.Getenv(env)
	}
	if key == "" && len(d.envKeys) > 0 {
		return nil, fmt.Errorf("%s provider requires %s env var", name, strings.Join(d.envKeys, " or "))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	switch name {
	case ProviderOpenRouter:
		return newOpenRouterProvider(key, model, baseURL, timeout), nil
	case ProviderOpenAI:
		return newOpenAIProvider(key, model, baseURL, timeout), nil
	case ProviderGoogle:
		return newGoogleProvider(key, model, baseURL, timeout), nil
	default:
		return newOllamaProvider(model, baseURL, timeout), nil
	}
}

// ParseLLMFlag parses a --llm flag value into a Config.
// Format: "provider/model", e.g. "openrouter/openai/gpt-4o-mini" or
// "ollama/llama3.1:8b". A bare provider name uses its default model.
func ParseLLMFlag(flag string) (Config, error) {
	flag = strings.TrimSpace(flag)
	if flag == "" {
		return Config{}, fmt.Errorf("empty --llm value: expected provider/model (e.g., openrouter/openai/gpt-4o-mini)")
	}

	provider, model, _ := strings.Cut(flag, "/")
	provider = strings.ToLower(provider)
	d, ok := defaults[provider]
	if !ok {
		return Config{}, fmt.Errorf("unknown provider %q in --llm flag (supported: %s)", provider, supportedList())
	}
	if model == "" {
		model = d.model
	}
	return Config{Provider: provider, Model: model}, nil
}

func supportedList() string {
	return strings.Join([]string{ProviderOpenRouter, ProviderOpenAI, ProviderGoogle, ProviderOllama}, ", ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
