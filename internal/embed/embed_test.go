package embed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/austinfhunter/voyageai"
)

func TestParseEmbedFlag(t *testing.T) {
	t.Setenv("TWEETFACTS_EMBED_ENDPOINT", "")
	t.Setenv("TWEETFACTS_EMBED_API_KEY", "")
	t.Setenv("VOYAGEAI_API_KEY", "voy-key")

	tests := []struct {
		name     string
		flag     string
		provider string
		model    string
		endpoint string
		wantErr  bool
	}{
		{name: "ollama", flag: "ollama/all-minilm", provider: "ollama", model: "all-minilm", endpoint: "http://localhost:11434/v1/embeddings"},
		{name: "openai", flag: "openai/text-embedding-3-small", provider: "openai", model: "text-embedding-3-small", endpoint: "https://api.openai.com/v1/embeddings"},
		{name: "openrouter nested model", flag: "openrouter/sentence-transformers/all-MiniLM-L6-v2", provider: "openrouter", model: "sentence-transformers/all-MiniLM-L6-v2", endpoint: "https://openrouter.ai/api/v1/embeddings"},
		{name: "voyage", flag: "voyage/voyage-3.5-lite", provider: "voyage", model: "voyage-3.5-lite"},
		{name: "onnx model dir", flag: "onnx/models/multilingual-minilm", provider: "onnx", model: "models/multilingual-minilm"},
		{name: "empty", flag: "", wantErr: true},
		{name: "no slash", flag: "ollama", wantErr: true},
		{name: "empty provider", flag: "/model", wantErr: true},
		{name: "empty model", flag: "openai/", wantErr: true},
		{name: "unknown provider", flag: "bert/base", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEmbedFlag(tt.flag)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseEmbedFlag() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Provider != tt.provider || got.Model != tt.model || got.Endpoint != tt.endpoint {
				t.Errorf("got %s/%s @ %q, want %s/%s @ %q", got.Provider, got.Model, got.Endpoint, tt.provider, tt.model, tt.endpoint)
			}
			if got.MaxRetries != 3 || got.Timeout != 60*time.Second {
				t.Errorf("defaults = %d retries, %v timeout", got.MaxRetries, got.Timeout)
			}
		})
	}
}

func TestParseEmbedFlag_VoyageKeyFromEnv(t *testing.T) {
	t.Setenv("TWEETFACTS_EMBED_API_KEY", "")
	t.Setenv("VOYAGEAI_API_KEY", "voy-key")
	cfg, err := ParseEmbedFlag("voyage/voyage-3.5-lite")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIKey != "voy-key" || cfg.Dimensions != DefaultVoyageDimensions {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestResolveConfig(t *testing.T) {
	t.Setenv("TWEETFACTS_EMBED", "")
	cfg, err := ResolveConfig("")
	if err != nil || cfg != nil {
		t.Fatalf("expected no config, got %+v, %v", cfg, err)
	}

	t.Setenv("TWEETFACTS_EMBED", "ollama/nomic-embed-text")
	cfg, err = ResolveConfig("")
	if err != nil || cfg.Model != "nomic-embed-text" {
		t.Fatalf("env config = %+v, %v", cfg, err)
	}

	cfg, err = ResolveConfig("onnx/models/minilm")
	if err != nil || cfg.Provider != ProviderONNX {
		t.Fatalf("flag should win over env: %+v, %v", cfg, err)
	}

	t.Setenv("TWEETFACTS_EMBED", "nonsense")
	if _, err := ResolveConfig(""); err == nil || !strings.Contains(err.Error(), "TWEETFACTS_EMBED") {
		t.Fatalf("expected env parse error, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	base := Config{Provider: "ollama", Model: "all-minilm", Endpoint: "http://localhost:11434/v1/embeddings", MaxRetries: 3, Timeout: time.Minute}
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"valid ollama", func(*Config) {}, true},
		{"valid openai", func(c *Config) { c.Provider, c.APIKey = "openai", "sk-test" }, true},
		{"onnx needs no endpoint or key", func(c *Config) { c.Provider, c.Endpoint = "onnx", "" }, true},
		{"missing provider", func(c *Config) { c.Provider = "" }, false},
		{"missing model", func(c *Config) { c.Model = "" }, false},
		{"missing endpoint", func(c *Config) { c.Endpoint = "" }, false},
		{"openai without key", func(c *Config) { c.Provider = "openai" }, false},
		{"voyage without key", func(c *Config) { c.Provider, c.Endpoint = "voyage", "" }, false},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, false},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err == nil) != tt.valid {
				t.Errorf("Validate() = %v, want valid=%v", err, tt.valid)
			}
		})
	}
}

// mockEmbeddingServer answers every input with a vector of the given size.
func mockEmbeddingServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var resp embedResponse
		for i := range req.Input {
			vec := make([]float32, dims)
			vec[i%dims] = 1
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{vec, i})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func testClient(t *testing.T, url string, retries int) *Client {
	t.Helper()
	client, err := NewClient(&Config{Provider: "ollama", Model: "all-minilm", Endpoint: url, MaxRetries: retries, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestClient_EmbedSingle(t *testing.T) {
	server := mockEmbeddingServer(t, 384)
	defer server.Close()
	client := testClient(t, server.URL, 1)

	if client.Dimensions() != 0 {
		t.Fatalf("Dimensions before first call = %d", client.Dimensions())
	}
	vec, err := client.Embed(context.Background(), "रायगढ़")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 384 || client.Dimensions() != 384 {
		t.Fatalf("len = %d, Dimensions = %d", len(vec), client.Dimensions())
	}
}

func TestClient_EmbedBatchBlankTexts(t *testing.T) {
	server := mockEmbeddingServer(t, 8)
	defer server.Close()
	client := testClient(t, server.URL, 1)
	ctx := context.Background()

	if _, err := client.Embed(ctx, "  "); err == nil {
		t.Error("expected error for blank text")
	}
	if got, err := client.EmbedBatch(ctx, nil); err != nil || got != nil {
		t.Errorf("empty batch = %v, %v", got, err)
	}

	texts := []string{"", "Raigarh", "  ", "Korba"}
	vecs, err := client.EmbedBatch(ctx, texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	for i, v := range vecs {
		blank := strings.TrimSpace(texts[i]) == ""
		if blank != (v == nil) {
			t.Errorf("text %d (%q): vector %v", i, texts[i], v)
		}
	}
}

func TestClient_RetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("boom"))
			return
		}
		w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3],"index":0}]}`))
	}))
	defer server.Close()

	vec, err := testClient(t, server.URL, 2).Embed(context.Background(), "Durg")
	if err != nil {
		t.Fatalf("Embed after retry: %v", err)
	}
	if !reflect.DeepEqual(vec, []float32{0.1, 0.2, 0.3}) {
		t.Errorf("vec = %v", vec)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestClient_RetriesExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("bad key"))
	}))
	defer server.Close()

	_, err := testClient(t, server.URL, 0).Embed(context.Background(), "Durg")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected HTTPError 401, got %v", err)
	}
}

func TestClient_RateLimitRespectsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"data":[{"embedding":[1],"index":0}]}`))
	}))
	defer server.Close()

	start := time.Now()
	if _, err := testClient(t, server.URL, 1).Embed(context.Background(), "Korba"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("expected to wait for Retry-After, elapsed %v", elapsed)
	}
}

func TestClient_CountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"invalid": "json structure"}`))
	}))
	defer server.Close()

	_, err := testClient(t, server.URL, 0).Embed(context.Background(), "Bhilai")
	if err == nil || !strings.Contains(err.Error(), "expected 1 embeddings") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClient_OpenRouterHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer or-key" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-Title"); got != "tweetfacts" {
			t.Errorf("X-Title = %q", got)
		}
		w.Write([]byte(`{"data":[{"embedding":[1,0],"index":0}]}`))
	}))
	defer server.Close()

	client, err := NewClient(&Config{Provider: "openrouter", Model: "m", Endpoint: server.URL, APIKey: "or-key", Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.Embed(context.Background(), "Kunkuri"); err != nil {
		t.Fatal(err)
	}
}

func TestNew_DispatchesByProvider(t *testing.T) {
	e, err := New(&Config{Provider: "voyage", Model: "voyage-3.5-lite", APIKey: "k", Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := e.(*VoyageEmbedder); !ok {
		t.Fatalf("voyage provider built %T", e)
	}

	e, err = New(&Config{Provider: "ollama", Model: "m", Endpoint: "http://localhost:1", Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := e.(*Client); !ok {
		t.Fatalf("ollama provider built %T", e)
	}

	if _, err := New(&Config{Provider: "voyage", Model: "m", Timeout: time.Second}); err == nil {
		t.Fatal("expected missing key error")
	}
}

func TestVoyageEmbedder_PassesInputTypeAndDims(t *testing.T) {
	var gotType string
	var gotDims int
	v := newVoyageEmbedder(func(texts []string, model string, opts *voyageai.EmbeddingRequestOpts) ([]voyageai.EmbeddingObject, error) {
		gotType, gotDims = *opts.InputType, *opts.OutputDimension
		out := make([]voyageai.EmbeddingObject, len(texts))
		for i := range texts {
			out[i].Embedding = []float32{float32(i), 1}
		}
		return out, nil
	}, "", 512)

	vec, err := v.Embed(context.Background(), "Naya Raipur, Chhattisgarh")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 2 || gotType != "query" || gotDims != 512 || v.Dimensions() != 512 {
		t.Fatalf("vec=%v type=%q dims=%d", vec, gotType, gotDims)
	}

	doc := v.WithInputType(VoyageDocument)
	if _, err := doc.EmbedBatch(context.Background(), []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if gotType != "document" {
		t.Fatalf("input type = %q, want document", gotType)
	}
	if v.inputType != VoyageQuery {
		t.Fatal("WithInputType must not mutate the receiver")
	}
}

func TestVoyageEmbedder_Errors(t *testing.T) {
	failing := newVoyageEmbedder(func([]string, string, *voyageai.EmbeddingRequestOpts) ([]voyageai.EmbeddingObject, error) {
		return nil, errors.New("quota exceeded")
	}, "voyage-3.5-lite", 0)
	if _, err := failing.Embed(context.Background(), "Korba"); err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("unexpected error: %v", err)
	}

	short := newVoyageEmbedder(func([]string, string, *voyageai.EmbeddingRequestOpts) ([]voyageai.EmbeddingObject, error) {
		return nil, nil
	}, "", 0)
	if _, err := short.EmbedBatch(context.Background(), []string{"a"}); err == nil {
		t.Fatal("expected count mismatch error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := short.Embed(ctx, "a"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
