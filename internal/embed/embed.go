// Package embed turns place names and mention text into vectors for the
// geo-validation backends.
//
// Providers:
//   - ollama, openai, openrouter, custom: OpenAI-compatible /v1/embeddings
//   - voyage: Voyage AI SDK (query/document input types)
//   - onnx: a local sentence-transformer exported to ONNX, tokenized with a
//     HuggingFace tokenizer.json
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Provider names accepted by ParseEmbedFlag.
const (
	ProviderOllama     = "ollama"
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderCustom     = "custom"
	ProviderVoyage     = "voyage"
	ProviderONNX       = "onnx"
)

// Config holds embedding provider configuration.
type Config struct {
	Provider   string
	Model      string // model name, or model directory for onnx
	Endpoint   string // full API URL for HTTP providers
	APIKey     string
	Dimensions int // requested output size (voyage); 0 means model default
	MaxRetries int
	Timeout    time.Duration
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// HTTPError is a non-200 answer from an embeddings endpoint.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// ParseEmbedFlag parses "provider/model". Model names may contain further
// slashes, e.g. "openrouter/sentence-transformers/all-MiniLM-L6-v2".
func ParseEmbedFlag(flag string) (*Config, error) {
	if flag == "" {
		return nil, fmt.Errorf("empty embedding flag")
	}
	provider, model, ok := strings.Cut(flag, "/")
	if !ok {
		return nil, fmt.Errorf("invalid --embed format: expected 'provider/model', got %q", flag)
	}
	if provider == "" {
		return nil, fmt.Errorf("empty provider in --embed flag: %q", flag)
	}
	if model == "" {
		return nil, fmt.Errorf("empty model in --embed flag: %q", flag)
	}

	cfg := &Config{
		Provider:   provider,
		Model:      model,
		MaxRetries: 3,
		Timeout:    60 * time.Second,
	}
	switch provider {
	case ProviderOllama:
		cfg.Endpoint = "http://localhost:11434/v1/embeddings"
	case ProviderOpenAI:
		cfg.Endpoint = "https://api.openai.com/v1/embeddings"
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	case ProviderOpenRouter:
		cfg.Endpoint = "https://openrouter.ai/api/v1/embeddings"
		cfg.APIKey = os.Getenv("OPENROUTER_API_KEY")
	case ProviderCustom:
		cfg.Endpoint = os.Getenv("TWEETFACTS_EMBED_ENDPOINT")
	case ProviderVoyage:
		cfg.APIKey = os.Getenv("VOYAGEAI_API_KEY")
		cfg.Dimensions = DefaultVoyageDimensions
	case ProviderONNX:
	default:
		return nil, fmt.Errorf("unknown provider %q. Supported: ollama, openai, openrouter, custom, voyage, onnx", provider)
	}

	if endpoint := os.Getenv("TWEETFACTS_EMBED_ENDPOINT"); endpoint != "" && isHTTPProvider(provider) {
		cfg.Endpoint = endpoint
	}
	if apiKey := os.Getenv("TWEETFACTS_EMBED_API_KEY"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	return cfg, nil
}

// ResolveConfig returns the embedding config from the CLI flag, else the
// TWEETFACTS_EMBED variable. Nil means no embedder is configured.
func ResolveConfig(cliFlag string) (*Config, error) {
	if cliFlag != "" {
		return ParseEmbedFlag(cliFlag)
	}
	if env := os.Getenv("TWEETFACTS_EMBED"); env != "" {
		cfg, err := ParseEmbedFlag(env)
		if err != nil {
			return nil, fmt.Errorf("parsing TWEETFACTS_EMBED env var: %w", err)
		}
		return cfg, nil
	}
	return nil, nil
}

func isHTTPProvider(p string) bool {
	switch p {
	case ProviderOllama, ProviderOpenAI, ProviderOpenRouter, ProviderCustom:
		return true
	}
	return false
}

// Validate checks that the configuration is complete for its provider.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if isHTTPProvider(c.Provider) && c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	switch c.Provider {
	case ProviderOllama, ProviderONNX:
	default:
		if c.APIKey == "" {
			return fmt.Errorf("API key is required for provider %q (set via environment variable)", c.Provider)
		}
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// New builds the embedder named by cfg.Provider.
func New(cfg *Config) (Embedder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	switch cfg.Provider {
	case ProviderVoyage:
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return NewVoyageEmbedder(cfg.APIKey, cfg.Model, cfg.Dimensions), nil
	case ProviderONNX:
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return NewONNXEmbedder(ONNXConfig{ModelDir: cfg.Model})
	default:
		return NewClient(cfg)
	}
}

// Client implements Embedder against an OpenAI-compatible endpoint.
type Client struct {
	config Config
	http   *http.Client
	dims   atomic.Int64
}

// NewClient creates an HTTP embedding client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: *cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Embed generates an embedding vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty text")
	}
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(vecs))
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request. Blank texts map to nil vectors.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	nonEmpty := make([]string, 0, len(texts))
	indexMap := make([]int, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) != "" {
			nonEmpty = append(nonEmpty, text)
			indexMap = append(indexMap, i)
		}
	}
	if len(nonEmpty) == 0 {
		return make([][]float32, len(texts)), nil
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		vecs, err := c.attempt(ctx, nonEmpty)
		if err == nil {
			out := make([][]float32, len(texts))
			for i, v := range vecs {
				out[indexMap[i]] = v
			}
			if len(vecs[0]) > 0 {
				c.dims.Store(int64(len(vecs[0])))
			}
			return out, nil
		}
		lastErr = err
		if attempt == c.config.MaxRetries {
			break
		}

		wait := time.Duration(1<<attempt) * time.Second
		if httpErr, ok := err.(*HTTPError); ok && httpErr.StatusCode == http.StatusTooManyRequests && httpErr.RetryAfter > 0 {
			wait = httpErr.RetryAfter
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// Dimensions returns the vector size seen so far, or 0 before the first call.
func (c *Client) Dimensions() int {
	return int(c.dims.Load())
}

func (c *Client) attempt(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.config.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	if c.config.Provider == ProviderOpenRouter {
		req.Header.Set("HTTP-Referer", "https://github.com/hurttlocker/tweetfacts")
		req.Header.Set("X-Title", "tweetfacts")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var retryAfter time.Duration
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			retryAfter = time.Duration(s) * time.Second
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: string(raw), RetryAfter: retryAfter}
	}

	var parsed embedResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing response JSON: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(parsed.Data))
	}
	vecs := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("invalid embedding index: %d", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}
