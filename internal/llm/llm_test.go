package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseLLMFlag(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantProv string
		wantMod  string
		wantErr  bool
	}{
		{"openrouter nested model", "openrouter/openai/gpt-4o-mini", "openrouter", "openai/gpt-4o-mini", false},
		{"google flash", "google/gemini-2.5-flash", "google", "gemini-2.5-flash", false},
		{"ollama tag", "ollama/llama3.1:8b", "ollama", "llama3.1:8b", false},
		{"bare provider uses default", "openai", "openai", "gpt-4o-mini", false},
		{"case insensitive provider", "OpenRouter/x-ai/grok-4.1-fast", "openrouter", "x-ai/grok-4.1-fast", false},
		{"unknown provider", "anthropic/claude", "", "", true},
		{"empty", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseLLMFlag(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Provider != tt.wantProv {
				t.Errorf("provider: got %q, want %q", cfg.Provider, tt.wantProv)
			}
			if cfg.Model != tt.wantMod {
				t.Errorf("model: got %q, want %q", cfg.Model, tt.wantMod)
			}
		})
	}
}

func TestNewProviderErrors(t *testing.T) {
	if _, err := NewProvider(Config{Provider: "unknown"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}

	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	if _, err := NewProvider(Config{Provider: "google"}); err == nil {
		t.Fatal("expected error for google without API key")
	}

	t.Setenv("OPENROUTER_API_KEY", "")
	if _, err := NewProvider(Config{Provider: "openrouter"}); err == nil {
		t.Fatal("expected error for openrouter without API key")
	}
}

func TestNewProvider_OllamaNeedsNoKey(t *testing.T) {
	p, err := NewProvider(Config{Provider: "ollama"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "ollama/llama3.1:8b" {
		t.Fatalf("unexpected name: %q", p.Name())
	}
}

func TestNewProvider_EnvKeyFallback(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "env-key")
	p, err := NewProvider(Config{Provider: "openrouter", Model: "x-ai/grok-4.1-fast"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	or, ok := p.(*openrouterProvider)
	if !ok {
		t.Fatalf("expected openrouter provider, got %T", p)
	}
	if or.apiKey != "env-key" {
		t.Fatalf("expected env key, got %q", or.apiKey)
	}
}

func TestOpenRouterProviderComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("expected system + user messages, got %+v", req.Messages)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("expected json_object response format")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  {\"event_type\":\"rally\"}  "}}]}`))
	}))
	defer server.Close()

	p := newOpenRouterProvider("test-key", "openai/gpt-4o-mini", server.URL, 5*time.Second)
	got, err := p.Complete(context.Background(), "parse this", CompletionOpts{System: "sys", Format: "json"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `{"event_type":"rally"}` {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestOpenRouterProvider_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer server.Close()

	p := newOpenRouterProvider("k", "m", server.URL, 5*time.Second)
	_, err := p.Complete(context.Background(), "x", CompletionOpts{})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusTooManyRequests || !httpErr.Retryable() {
		t.Fatalf("unexpected error fields: %+v", httpErr)
	}
	if httpErr.RetryAfter != 7*time.Second {
		t.Fatalf("expected Retry-After 7s, got %s", httpErr.RetryAfter)
	}
}

func TestGoogleProviderComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.5-flash:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("missing api key")
		}
		var req googleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.SystemInstruction == nil || req.SystemInstruction.Parts[0].Text != "sys" {
			t.Errorf("expected system instruction")
		}
		if req.GenerationConfig.ResponseMimeType != "application/json" {
			t.Errorf("expected json mime type, got %q", req.GenerationConfig.ResponseMimeType)
		}
		json.NewEncoder(w).Encode(googleResponse{Candidates: []googleCandidate{
			{Content: googleContent{Parts: []googlePart{{Text: `{"confidence":0.8}`}}}},
		}})
	}))
	defer server.Close()

	p := newGoogleProvider("test-key", "gemini-2.5-flash", server.URL, 5*time.Second)
	got, err := p.Complete(context.Background(), "prompt", CompletionOpts{System: "sys", Format: "json"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `{"confidence":0.8}` {
		t.Fatalf("unexpected result %q", got)
	}
}

func TestGoogleProvider_EmptyCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer server.Close()

	p := newGoogleProvider("k", "gemini-2.5-flash", server.URL, 5*time.Second)
	if _, err := p.Complete(context.Background(), "prompt", CompletionOpts{}); err == nil {
		t.Fatal("expected error for empty candidates")
	}
}

func TestOllamaProviderComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Stream {
			t.Errorf("expected stream=false")
		}
		if req.Format != "json" {
			t.Errorf("expected json format, got %q", req.Format)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":{"role":"assistant","content":"Here it is: {\"confidence\":0.5}"},"done":true}`))
	}))
	defer server.Close()

	p := newOllamaProvider("llama3.1:8b", server.URL, 5*time.Second)
	got, err := p.Complete(context.Background(), "prompt", CompletionOpts{Format: "json"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `Here it is: {"confidence":0.5}` {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestOllamaProvider_ModelNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model \"nope\" not found"}`))
	}))
	defer server.Close()

	p := newOllamaProvider("nope", server.URL, 5*time.Second)
	_, err := p.Complete(context.Background(), "prompt", CompletionOpts{})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 HTTPError, got %v", err)
	}
}

func TestOpenAIProviderComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"confidence\":0.9}"}}]}`))
	}))
	defer server.Close()

	p := newOpenAIProvider("test-key", "gpt-4o-mini", server.URL, 5*time.Second)
	got, err := p.Complete(context.Background(), "prompt", CompletionOpts{System: "sys"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `{"confidence":0.9}` {
		t.Fatalf("unexpected content %q", got)
	}
	if p.Name() != "openai/gpt-4o-mini" {
		t.Fatalf("unexpected name %q", p.Name())
	}
}
