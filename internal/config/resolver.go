// Package config resolves tweetfacts settings from the YAML config file,
// the environment and CLI flags, in increasing precedence, and records where
// each value came from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hurttlocker/tweetfacts/internal/consensus"
	"github.com/hurttlocker/tweetfacts/internal/extract"
	"github.com/hurttlocker/tweetfacts/internal/geo"
	"github.com/hurttlocker/tweetfacts/internal/llm"
	"github.com/hurttlocker/tweetfacts/internal/ratelimit"
	"github.com/hurttlocker/tweetfacts/internal/store"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

// Built-in defaults.
const (
	DefaultPolicy       = "best_effort"
	DefaultPrimaryLLM   = "openrouter/openai/gpt-4o-mini"
	DefaultSecondaryLLM = "ollama/llama3.1:8b"

	defaultPrimaryTimeout   = 30 * time.Second
	defaultSecondaryTimeout = 45 * time.Second
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath  string
	CLIPolicy   string
	CLILLM      string
	CLILocalLLM string
	CLIEmbed    string
	CLIDBPath   string
	CLINoGeo    bool
}

// ResolvedConfig is the merged configuration. String settings carry their
// provenance; numeric tunables are plain values.
type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	Policy           ResolvedValue `json:"policy"`
	PrimaryLLM       ResolvedValue `json:"primary_llm"`
	PrimaryBaseURL   ResolvedValue `json:"primary_base_url"`
	PrimaryTimeout   time.Duration `json:"primary_timeout"`
	SecondaryLLM     ResolvedValue `json:"secondary_llm"`
	SecondaryBaseURL ResolvedValue `json:"secondary_base_url"`
	SecondaryTimeout time.Duration `json:"secondary_timeout"`
	SecondaryEnabled bool          `json:"secondary_enabled"`

	Dictionary   ResolvedValue `json:"heuristic_dictionary"`
	RequireMatch bool          `json:"heuristic_require_match"`

	GeoEnabled         ResolvedValue `json:"geo_enabled"`
	GeoTimeout         time.Duration `json:"geo_timeout"`
	PrimaryThreshold   float64       `json:"geo_primary_threshold"`
	SecondaryThreshold float64       `json:"geo_secondary_threshold"`
	PineconeHost       ResolvedValue `json:"pinecone_host"`
	PineconeNamespace  ResolvedValue `json:"pinecone_namespace"`
	VoyageModel        ResolvedValue `json:"voyage_model"`
	GazetteerPath      ResolvedValue `json:"gazetteer_path"`
	IndexCache         ResolvedValue `json:"index_cache"`
	EmbedProvider      ResolvedValue `json:"embed_provider"`
	EmbedEndpoint      ResolvedValue `json:"embed_endpoint"`

	Consensus  consensus.Config `json:"consensus"`
	RateLimits ratelimit.Config `json:"rate_limits"`

	// Keys maps a provider (openrouter, openai, google, pinecone, voyage,
	// embed) to its API key.
	Keys map[string]ResolvedValue `json:"-"`
}

type fileConfig struct {
	Policy  string `yaml:"policy"`
	Primary struct {
		LLM     string        `yaml:"llm"`
		APIKey  string        `yaml:"api_key"`
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"primary"`
	Secondary struct {
		LLM     string        `yaml:"llm"`
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
		Enabled *bool         `yaml:"enabled"`
	} `yaml:"secondary"`
	Heuristic struct {
		Dictionary   string `yaml:"dictionary"`
		RequireMatch bool   `yaml:"require_match"`
	} `yaml:"heuristic"`
	Geo struct {
		Enabled            *bool         `yaml:"enabled"`
		Timeout            time.Duration `yaml:"timeout"`
		PrimaryThreshold   float64       `yaml:"primary_threshold"`
		SecondaryThreshold float64       `yaml:"secondary_threshold"`
		Gazetteer          string        `yaml:"gazetteer"`
		IndexCache         string        `yaml:"index_cache"`
		Embed              string        `yaml:"embed"`
		EmbedEndpoint      string        `yaml:"embed_endpoint"`
		EmbedAPIKey        string        `yaml:"embed_api_key"`
		Pinecone           struct {
			Host      string `yaml:"host"`
			Namespace string `yaml:"namespace"`
			APIKey    string `yaml:"api_key"`
		} `yaml:"pinecone"`
		Voyage struct {
			Model  string `yaml:"model"`
			APIKey string `yaml:"api_key"`
		} `yaml:"voyage"`
	} `yaml:"geo"`
	Consensus struct {
		Weights             map[string]float64 `yaml:"weights"`
		Threshold           int                `yaml:"threshold"`
		CollectionFraction  float64            `yaml:"collection_fraction"`
		CollectionMinWeight float64            `yaml:"collection_min_weight"`
		ReviewConfidence    *float64           `yaml:"review_confidence"`
		AgreementBonus      *float64           `yaml:"agreement_bonus"`
	} `yaml:"consensus"`
	RateLimits struct {
		Window         time.Duration  `yaml:"window"`
		SafetyMargin   float64        `yaml:"safety_margin"`
		DefaultLimit   int            `yaml:"default_limit"`
		MaxRetries     *int           `yaml:"max_retries"`
		InitialBackoff time.Duration  `yaml:"initial_backoff"`
		Multiplier     float64        `yaml:"multiplier"`
		Limits         map[string]int `yaml:"limits"`
	} `yaml:"rate_limits"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tweetfacts", "config.yaml")
}

func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{
		ConfigPath:         path,
		Policy:             ResolvedValue{Value: DefaultPolicy, Source: SourceDefault, From: "built-in default"},
		PrimaryLLM:         ResolvedValue{Value: DefaultPrimaryLLM, Source: SourceDefault, From: "built-in default"},
		PrimaryTimeout:     defaultPrimaryTimeout,
		SecondaryLLM:       ResolvedValue{Value: DefaultSecondaryLLM, Source: SourceDefault, From: "built-in default"},
		SecondaryTimeout:   defaultSecondaryTimeout,
		SecondaryEnabled:   true,
		GeoEnabled:         ResolvedValue{Value: "true", Source: SourceDefault, From: "built-in default"},
		GeoTimeout:         geo.DefaultValidatorConfig().Timeout,
		PrimaryThreshold:   geo.DefaultPrimaryThreshold,
		SecondaryThreshold: geo.DefaultSecondaryThreshold,
		GazetteerPath:      ResolvedValue{Value: store.DefaultDBPath, Source: SourceDefault, From: "built-in default"},
		Consensus:          consensus.DefaultConfig(),
		RateLimits:         ratelimit.DefaultConfig(),
		Keys:               map[string]ResolvedValue{},
	}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}
	if cfg != nil {
		if err := out.applyFile(cfg, path); err != nil {
			return out, err
		}
	}

	applyEnv(&out.Policy, "TWEETFACTS_POLICY")
	applyEnv(&out.PrimaryLLM, "TWEETFACTS_LLM")
	applyEnv(&out.SecondaryLLM, "TWEETFACTS_LOCAL_LLM")
	applyEnv(&out.SecondaryBaseURL, "OLLAMA_HOST")
	applyEnv(&out.Dictionary, "TWEETFACTS_DICTIONARY")
	applyEnv(&out.GeoEnabled, "TWEETFACTS_GEO")
	applyEnv(&out.GazetteerPath, "TWEETFACTS_DB")
	applyEnv(&out.GazetteerPath, "TWEETFACTS_GAZETTEER")
	applyEnv(&out.EmbedProvider, "TWEETFACTS_EMBED")
	applyEnv(&out.EmbedEndpoint, "TWEETFACTS_EMBED_ENDPOINT")
	applyEnv(&out.PineconeHost, "PINECONE_HOST")
	applyEnv(&out.PineconeNamespace, "PINECONE_NAMESPACE")

	for _, e := range []struct{ env, provider string }{
		{"OPENROUTER_API_KEY", llm.ProviderOpenRouter},
		{"OPENAI_API_KEY", llm.ProviderOpenAI},
		{"GOOGLE_API_KEY", llm.ProviderGoogle},
		{"GEMINI_API_KEY", llm.ProviderGoogle},
		{"PINECONE_API_KEY", "pinecone"},
		{"VOYAGE_API_KEY", "voyage"},
		{"VOYAGEAI_API_KEY", "voyage"},
		{"TWEETFACTS_EMBED_API_KEY", "embed"},
	} {
		if v := strings.TrimSpace(os.Getenv(e.env)); v != "" {
			out.Keys[e.provider] = ResolvedValue{Value: v, Source: SourceEnv, From: e.env}
		}
	}

	apply(&out.Policy, opts.CLIPolicy, SourceCLI, "--policy")
	apply(&out.PrimaryLLM, opts.CLILLM, SourceCLI, "--llm")
	apply(&out.SecondaryLLM, opts.CLILocalLLM, SourceCLI, "--local-llm")
	apply(&out.EmbedProvider, opts.CLIEmbed, SourceCLI, "--embed")
	apply(&out.GazetteerPath, opts.CLIDBPath, SourceCLI, "--db")
	if opts.CLINoGeo {
		out.GeoEnabled = ResolvedValue{Value: "false", Source: SourceCLI, From: "--no-geo"}
	}

	out.GazetteerPath.Value = expandUserPath(out.GazetteerPath.Value)
	if out.IndexCache.Value != "" {
		out.IndexCache.Value = expandUserPath(out.IndexCache.Value)
	}
	if out.Dictionary.Value != "" {
		out.Dictionary.Value = expandUserPath(out.Dictionary.Value)
	}

	return out, out.Validate()
}

func (r *ResolvedConfig) applyFile(cfg *fileConfig, path string) error {
	apply(&r.Policy, cfg.Policy, SourceConfig, path)

	apply(&r.PrimaryLLM, cfg.Primary.LLM, SourceConfig, path)
	apply(&r.PrimaryBaseURL, cfg.Primary.BaseURL, SourceConfig, path)
	if cfg.Primary.Timeout > 0 {
		r.PrimaryTimeout = cfg.Primary.Timeout
	}
	if key := strings.TrimSpace(cfg.Primary.APIKey); key != "" {
		if p := providerOf(firstNonEmpty(cfg.Primary.LLM, DefaultPrimaryLLM)); p != "" {
			r.Keys[p] = ResolvedValue{Value: key, Source: SourceConfig, From: path}
		}
	}

	apply(&r.SecondaryLLM, cfg.Secondary.LLM, SourceConfig, path)
	apply(&r.SecondaryBaseURL, cfg.Secondary.BaseURL, SourceConfig, path)
	if cfg.Secondary.Timeout > 0 {
		r.SecondaryTimeout = cfg.Secondary.Timeout
	}
	if cfg.Secondary.Enabled != nil {
		r.SecondaryEnabled = *cfg.Secondary.Enabled
	}

	apply(&r.Dictionary, cfg.Heuristic.Dictionary, SourceConfig, path)
	r.RequireMatch = cfg.Heuristic.RequireMatch

	g := cfg.Geo
	if g.Enabled != nil {
		r.GeoEnabled = ResolvedValue{Value: strconv.FormatBool(*g.Enabled), Source: SourceConfig, From: path}
	}
	if g.Timeout > 0 {
		r.GeoTimeout = g.Timeout
	}
	if g.PrimaryThreshold > 0 {
		r.PrimaryThreshold = g.PrimaryThreshold
	}
	if g.SecondaryThreshold > 0 {
		r.SecondaryThreshold = g.SecondaryThreshold
	}
	apply(&r.GazetteerPath, g.Gazetteer, SourceConfig, path)
	apply(&r.IndexCache, g.IndexCache, SourceConfig, path)
	apply(&r.EmbedProvider, g.Embed, SourceConfig, path)
	apply(&r.EmbedEndpoint, g.EmbedEndpoint, SourceConfig, path)
	apply(&r.PineconeHost, g.Pinecone.Host, SourceConfig, path)
	apply(&r.PineconeNamespace, g.Pinecone.Namespace, SourceConfig, path)
	apply(&r.VoyageModel, g.Voyage.Model, SourceConfig, path)
	for provider, key := range map[string]string{
		"pinecone": g.Pinecone.APIKey,
		"voyage":   g.Voyage.APIKey,
		"embed":    g.EmbedAPIKey,
	} {
		if key = strings.TrimSpace(key); key != "" {
			r.Keys[provider] = ResolvedValue{Value: key, Source: SourceConfig, From: path}
		}
	}

	c := cfg.Consensus
	for name, w := range c.Weights {
		tag, err := parseLayerTag(name)
		if err != nil {
			return fmt.Errorf("%s: consensus.weights: %w", path, err)
		}
		r.Consensus.Weights[tag] = w
	}
	if c.Threshold > 0 {
		r.Consensus.Threshold = c.Threshold
	}
	if c.CollectionFraction > 0 {
		r.Consensus.CollectionFraction = c.CollectionFraction
	}
	if c.CollectionMinWeight > 0 {
		r.Consensus.CollectionMinWeight = c.CollectionMinWeight
	}
	if c.ReviewConfidence != nil {
		r.Consensus.ReviewConfidence = *c.ReviewConfidence
	}
	if c.AgreementBonus != nil {
		r.Consensus.AgreementBonus = *c.AgreementBonus
	}

	rl := cfg.RateLimits
	if rl.Window > 0 {
		r.RateLimits.Window = rl.Window
	}
	if rl.SafetyMargin > 0 {
		r.RateLimits.SafetyMargin = rl.SafetyMargin
	}
	if rl.DefaultLimit > 0 {
		r.RateLimits.DefaultLimit = rl.DefaultLimit
	}
	if rl.MaxRetries != nil {
		r.RateLimits.MaxRetries = *rl.MaxRetries
	}
	if rl.InitialBackoff > 0 {
		r.RateLimits.InitialBackoff = rl.InitialBackoff
	}
	if rl.Multiplier > 0 {
		r.RateLimits.Multiplier = rl.Multiplier
	}
	for endpoint, n := range rl.Limits {
		r.RateLimits.Limits[endpoint] = n
	}
	return nil
}

// Validate checks values the engine cannot start with.
func (r ResolvedConfig) Validate() error {
	switch strings.ToLower(r.Policy.Value) {
	case "strict", "best_effort", "best-effort":
	default:
		return fmt.Errorf("policy %q (from %s): want strict or best_effort", r.Policy.Value, r.Policy.Source)
	}
	if _, err := strconv.ParseBool(r.GeoEnabled.Value); err != nil {
		return fmt.Errorf("geo enabled %q (from %s): want true or false", r.GeoEnabled.Value, r.GeoEnabled.Source)
	}
	for _, th := range []float64{r.PrimaryThreshold, r.SecondaryThreshold} {
		if th <= 0 || th > 1 {
			return fmt.Errorf("geo threshold must be in (0, 1], got %g", th)
		}
	}
	if err := r.Consensus.Validate(); err != nil {
		return fmt.Errorf("consensus: %w", err)
	}
	if err := r.RateLimits.Validate(); err != nil {
		return fmt.Errorf("rate_limits: %w", err)
	}
	return nil
}

// Geo reports whether geo-validation is enabled.
func (r ResolvedConfig) Geo() bool {
	on, _ := strconv.ParseBool(r.GeoEnabled.Value)
	return on
}

// PrimaryLLMConfig builds the provider config for the primary layer.
func (r ResolvedConfig) PrimaryLLMConfig() (llm.Config, error) {
	return r.llmConfig(r.PrimaryLLM, r.PrimaryBaseURL, r.PrimaryTimeout)
}

// SecondaryLLMConfig builds the provider config for the secondary layer.
func (r ResolvedConfig) SecondaryLLMConfig() (llm.Config, error) {
	return r.llmConfig(r.SecondaryLLM, r.SecondaryBaseURL, r.SecondaryTimeout)
}

func (r ResolvedConfig) llmConfig(model, baseURL ResolvedValue, timeout time.Duration) (llm.Config, error) {
	cfg, err := llm.ParseLLMFlag(model.Value)
	if err != nil {
		return llm.Config{}, fmt.Errorf("%s (from %s): %w", model.Value, model.Source, err)
	}
	cfg.APIKey = r.APIKeyForProvider(cfg.Provider).Value
	cfg.BaseURL = baseURL.Value
	cfg.Timeout = timeout
	return cfg, nil
}

func (r ResolvedConfig) APIKeyForProvider(providerOrModel string) ResolvedValue {
	provider := providerOf(providerOrModel)
	if provider == "" {
		return ResolvedValue{}
	}
	if v, ok := r.Keys[provider]; ok && strings.TrimSpace(v.Value) != "" {
		return v
	}
	return ResolvedValue{}
}

// Redacted returns a copy safe to print: keys are masked but keep their
// provenance.
func (r ResolvedConfig) Redacted() map[string]ResolvedValue {
	out := make(map[string]ResolvedValue, len(r.Keys))
	for p, v := range r.Keys {
		v.Value = mask(v.Value)
		out[p] = v
	}
	return out
}

func mask(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "…" + key[len(key)-4:]
}

func parseLayerTag(name string) (extract.LayerTag, error) {
	for _, tag := range extract.LayerOrder {
		if string(tag) == name {
			return tag, nil
		}
	}
	return "", fmt.Errorf("unknown layer %q", name)
}

func providerOf(providerOrModel string) string {
	v := strings.ToLower(strings.TrimSpace(providerOrModel))
	if v == "" {
		return ""
	}
	if idx := strings.Index(v, "/"); idx > 0 {
		return v[:idx]
	}
	return v
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
