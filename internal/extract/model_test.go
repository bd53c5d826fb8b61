package extract

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hurttlocker/tweetfacts/internal/llm"
	"github.com/hurttlocker/tweetfacts/internal/ratelimit"
)

type stubProvider struct {
	mu         sync.Mutex
	response   string
	err        error
	delay      time.Duration
	calls      int
	lastPrompt string
	lastOpts   llm.CompletionOpts
}

func (s *stubProvider) Name() string { return "stub/model" }

func (s *stubProvider) Complete(ctx context.Context, prompt string, opts llm.CompletionOpts) (string, error) {
	s.mu.Lock()
	s.calls++
	s.lastPrompt = prompt
	s.lastOpts = opts
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return s.response, s.err
}

type stubPermits struct {
	err       error
	endpoints []string
}

func (s *stubPermits) Acquire(ctx context.Context, endpoint string) error {
	s.endpoints = append(s.endpoints, endpoint)
	return s.err
}

func primaryConfig() ModelLayerConfig {
	return ModelLayerConfig{Tag: LayerPrimary, Endpoint: ratelimit.EndpointPrimary, Timeout: time.Second}
}

func TestModelLayer_Success(t *testing.T) {
	p := &stubProvider{response: `{"event_type":"meeting","confidence":0.9,"locations":["Raipur"],"people_mentioned":["Amit Shah"],"organizations":[],"schemes_mentioned":[]}`}
	permits := &stubPermits{}
	layer := NewModelLayer(p, permits, primaryConfig())

	ref := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	res, err := layer.Extract(context.Background(), Input{Text: "बैठक रायपुर में", ReferenceDate: ref})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if layer.Provider() != "stub/model" {
		t.Errorf("Provider() = %q", layer.Provider())
	}
	if res.Layer != LayerPrimary || res.EventType != EventMeeting || res.Confidence != 0.9 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(permits.endpoints) != 1 || permits.endpoints[0] != ratelimit.EndpointPrimary {
		t.Fatalf("expected one permit for %s, got %v", ratelimit.EndpointPrimary, permits.endpoints)
	}
	if !strings.Contains(p.lastPrompt, "2026-03-14") {
		t.Errorf("prompt should carry the reference date: %q", p.lastPrompt)
	}
	if p.lastOpts.Format != "json" || p.lastOpts.System == "" {
		t.Errorf("expected json format and a system prompt, got %+v", p.lastOpts)
	}
}

func TestModelLayer_Failures(t *testing.T) {
	tests := []struct {
		name      string
		provider  *stubProvider
		permits   *stubPermits
		cfg       ModelLayerConfig
		wantCause string
	}{
		{
			name:      "timeout",
			provider:  &stubProvider{response: `{"confidence":1}`, delay: 200 * time.Millisecond},
			cfg:       ModelLayerConfig{Tag: LayerPrimary, Timeout: 20 * time.Millisecond},
			wantCause: "primary_timeout",
		},
		{
			name:      "rate limited",
			provider:  &stubProvider{response: `{"confidence":1}`},
			permits:   &stubPermits{err: &ratelimit.RateLimitExceededError{Endpoint: "secondary_model", Limit: 1, Attempts: 3}},
			cfg:       ModelLayerConfig{Tag: LayerSecondary, Endpoint: ratelimit.EndpointSecondary},
			wantCause: "secondary_rate_limited",
		},
		{
			name:      "invalid response",
			provider:  &stubProvider{response: "Sorry, I cannot help with that."},
			cfg:       ModelLayerConfig{Tag: LayerSecondary, Loose: true},
			wantCause: "secondary_invalid_response",
		},
		{
			name:      "missing confidence",
			provider:  &stubProvider{response: `{"event_type":"rally"}`},
			cfg:       primaryConfig(),
			wantCause: "primary_missing_field",
		},
		{
			name:      "transport error",
			provider:  &stubProvider{err: &llm.HTTPError{Provider: "openrouter", StatusCode: 502, Body: "bad gateway"}},
			cfg:       primaryConfig(),
			wantCause: "primary_request_failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var permits Permits
			if tt.permits != nil {
				permits = tt.permits
			}
			layer := NewModelLayer(tt.provider, permits, tt.cfg)
			_, err := layer.Extract(context.Background(), Input{Text: "some post"})
			var le *LayerError
			if !errors.As(err, &le) {
				t.Fatalf("expected LayerError, got %v", err)
			}
			if le.Cause != tt.wantCause {
				t.Fatalf("cause = %q, want %q (err: %v)", le.Cause, tt.wantCause, err)
			}
		})
	}
}

func TestModelLayer_RateLimitedSkipsProvider(t *testing.T) {
	p := &stubProvider{response: `{"confidence":1}`}
	permits := &stubPermits{err: &ratelimit.RateLimitExceededError{Endpoint: "primary_model"}}
	layer := NewModelLayer(p, permits, primaryConfig())
	if _, err := layer.Extract(context.Background(), Input{Text: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if p.calls != 0 {
		t.Fatalf("provider should not be called without a permit, got %d calls", p.calls)
	}
}

func TestModelLayer_SecondaryToleratesProse(t *testing.T) {
	p := &stubProvider{response: "Based on the post, here is the JSON:\n```json\n{\"event_type\":\"condolence\",\"confidence\":0.6}\n```\nLet me know!"}
	layer := NewModelLayer(p, nil, ModelLayerConfig{Tag: LayerSecondary, Loose: true})
	res, err := layer.Extract(context.Background(), Input{Text: "श्रद्धांजलि"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.EventType != EventCondolence || res.Layer != LayerSecondary {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestBuildPrompt_Truncates(t *testing.T) {
	long := strings.Repeat("क", modelMaxTextLen+50)
	prompt := BuildPrompt(Input{Text: long})
	if !strings.Contains(prompt, "[...truncated]") {
		t.Fatalf("expected truncation marker")
	}
	if strings.Contains(prompt, "Reference date") {
		t.Fatalf("zero reference date should be omitted")
	}
}
