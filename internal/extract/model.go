package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hurttlocker/tweetfacts/internal/llm"
)

const (
	// modelMaxTextLen caps the post text sent to a model.
	modelMaxTextLen = 2000

	defaultModelTimeout = 30 * time.Second
)

const modelSystemPrompt = `You extract structured facts from short political social-media posts from Chhattisgarh, India. Posts may be in Hindi, English or a mix.

Return ONLY a JSON object with exactly these keys:
{
  "event_type": "one of: inauguration, meeting, rally, inspection, scheme_announcement, condolence, ceremony, birthday_wishes, other",
  "confidence": 0.0,
  "locations": ["place names as written (district, block, village, city)"],
  "people_mentioned": ["full names of people, without honorifics"],
  "organizations": ["parties, departments, institutions"],
  "schemes_mentioned": ["government schemes or programmes"]
}

RULES:
- Use "other" when no event type fits.
- confidence is 0.0-1.0: how sure you are of the whole extraction.
- Only list entities that appear in the post. Use [] when there are none.
- No explanations, no markdown.`

// Permits is the rate limiter as seen by a layer.
type Permits interface {
	Acquire(ctx context.Context, endpoint string) error
}

// ModelLayerConfig configures a model-backed layer.
type ModelLayerConfig struct {
	Tag      LayerTag
	Endpoint string        // rate-limiter endpoint name
	Timeout  time.Duration // per call
	// Loose accepts prose around the JSON object.
	Loose       bool
	MaxTokens   int
	Temperature float64
}

// ModelLayer asks a language model for the structured record.
type ModelLayer struct {
	provider llm.Provider
	permits  Permits
	cfg      ModelLayerConfig
}

// NewModelLayer creates a model layer. permits may be nil.
func NewModelLayer(provider llm.Provider, permits Permits, cfg ModelLayerConfig) *ModelLayer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultModelTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	return &ModelLayer{provider: provider, permits: permits, cfg: cfg}
}

func (m *ModelLayer) Tag() LayerTag { return m.cfg.Tag }

// Provider returns the provider name, for logging.
func (m *ModelLayer) Provider() string { return m.provider.Name() }

func (m *ModelLayer) Extract(ctx context.Context, in Input) (LayerResult, error) {
	if strings.TrimSpace(in.Text) == "" {
		return LayerResult{}, NewLayerError(m.cfg.Tag, KindEmptyInput, errors.New("empty text"))
	}
	if m.permits != nil {
		if err := m.permits.Acquire(ctx, m.cfg.Endpoint); err != nil {
			return LayerResult{}, ClassifyError(m.cfg.Tag, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	raw, err := m.provider.Complete(callCtx, BuildPrompt(in), llm.CompletionOpts{
		System:      modelSystemPrompt,
		Format:      "json",
		MaxTokens:   m.cfg.MaxTokens,
		Temperature: m.cfg.Temperature,
	})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return LayerResult{}, NewLayerError(m.cfg.Tag, KindTimeout,
				fmt.Errorf("%s did not answer within %s", m.provider.Name(), m.cfg.Timeout))
		}
		return LayerResult{}, ClassifyError(m.cfg.Tag, fmt.Errorf("%s: %w", m.provider.Name(), err))
	}

	resp, err := parseModelResponse(raw, m.cfg.Loose)
	if err != nil {
		kind := KindInvalidResponse
		if errors.Is(err, errMissingKey) {
			kind = KindMissingField
		}
		return LayerResult{}, NewLayerError(m.cfg.Tag, kind, fmt.Errorf("%w (response: %s)", err, truncate(raw, 120)))
	}
	return resp.layerResult(m.cfg.Tag), nil
}

// BuildPrompt renders the user prompt for one post. The reference date lets
// the model resolve relative dates ("today", "कल").
func BuildPrompt(in Input) string {
	text := strings.TrimSpace(in.Text)
	if len([]rune(text)) > modelMaxTextLen {
		text = string([]rune(text)[:modelMaxTextLen]) + "\n[...truncated]"
	}

	var b strings.Builder
	if !in.ReferenceDate.IsZero() {
		fmt.Fprintf(&b, "Reference date: %s\n", in.ReferenceDate.Format("2006-01-02"))
	}
	b.WriteString("Post:\n")
	b.WriteString(text)
	return b.String()
}
