package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ollamaProvider talks to a local Ollama server's /api/chat endpoint.
// Local models are chatty, so callers should expect prose around JSON.
type ollamaProvider struct {
	model  string
	client *resty.Client
}

func newOllamaProvider(model, baseURL string, timeout time.Duration) *ollamaProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() >= 500
		})
	return &ollamaProvider{model: model, client: client}
}

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error,omitempty"`
}

func (o *ollamaProvider) Name() string {
	return ProviderOllama + "/" + o.model
}

func (o *ollamaProvider) Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error) {
	req := ollamaRequest{
		Model:    firstNonEmpty(opts.Model, o.model),
		Messages: buildMessages(opts.System, prompt),
		Options:  map[string]any{"temperature": opts.Temperature},
	}
	if opts.MaxTokens > 0 {
		req.Options["num_predict"] = opts.MaxTokens
	}
	if strings.EqualFold(opts.Format, "json") {
		req.Format = "json"
	}

	var out ollamaResponse
	resp, err := o.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&out).
		Post("/api/chat")
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	if resp.IsError() {
		return "", &HTTPError{Provider: ProviderOllama, StatusCode: resp.StatusCode(), Body: firstNonEmpty(out.Error, resp.String())}
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama error: %s", out.Error)
	}
	content := strings.TrimSpace(out.Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty response from ollama")
	}
	return content, nil
}
