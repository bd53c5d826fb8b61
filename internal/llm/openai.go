package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// openaiProvider uses the official OpenAI SDK. BaseURL lets it point at
// any server speaking the same protocol.
type openaiProvider struct {
	client openai.Client
	model  string
}

func newOpenAIProvider(key, model, baseURL string, timeout time.Duration) *openaiProvider {
	return &openaiProvider{
		client: openai.NewClient(
			option.WithAPIKey(key),
			option.WithBaseURL(baseURL+"/"),
			option.WithRequestTimeout(timeout),
			option.WithMaxRetries(1),
		),
		model: model,
	}
}

func (o *openaiProvider) Name() string {
	return ProviderOpenAI + "/" + o.model
}

func (o *openaiProvider) Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if opts.System != "" {
		messages = append(messages, openai.SystemMessage(opts.System))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(firstNonEmpty(opts.Model, o.model)),
		Messages:    messages,
		Temperature: openai.Float(opts.Temperature),
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(opts.MaxTokens))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from openai API")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
