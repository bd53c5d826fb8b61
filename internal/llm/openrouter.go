package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// openrouterProvider talks to any OpenAI-compatible /chat/completions
// endpoint; OpenRouter is the default host.
type openrouterProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func newOpenRouterProvider(key, model, baseURL string, timeout time.Duration) *openrouterProvider {
	return &openrouterProvider{
		apiKey:  key,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (o *openrouterProvider) Name() string {
	return ProviderOpenRouter + "/" + o.model
}

func (o *openrouterProvider) Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error) {
	req := chatRequest{
		Model:       firstNonEmpty(opts.Model, o.model),
		Messages:    buildMessages(opts.System, prompt),
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	if strings.EqualFold(opts.Format, "json") {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	headers := map[string]string{
		"Authorization": "Bearer " + o.apiKey,
		"HTTP-Referer":  "https://github.com/hurttlocker/tweetfacts",
		"X-Title":       "tweetfacts",
	}
	var resp chatResponse
	if err := postJSON(ctx, o.client, ProviderOpenRouter, o.baseURL+"/chat/completions", headers, req, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("openrouter API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from openrouter API")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func buildMessages(system, prompt string) []chatMessage {
	messages := make([]chatMessage, 0, 2)
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	return append(messages, chatMessage{Role: "user", Content: prompt})
}
