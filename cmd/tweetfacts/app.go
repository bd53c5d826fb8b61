package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/hurttlocker/tweetfacts/internal/config"
	"github.com/hurttlocker/tweetfacts/internal/consensus"
	"github.com/hurttlocker/tweetfacts/internal/embed"
	"github.com/hurttlocker/tweetfacts/internal/engine"
	"github.com/hurttlocker/tweetfacts/internal/extract"
	"github.com/hurttlocker/tweetfacts/internal/geo"
	"github.com/hurttlocker/tweetfacts/internal/llm"
	"github.com/hurttlocker/tweetfacts/internal/metrics"
	"github.com/hurttlocker/tweetfacts/internal/ratelimit"
	"github.com/hurttlocker/tweetfacts/internal/store"
)

// app holds everything one CLI invocation wires together.
type app struct {
	cfg       config.ResolvedConfig
	log       *zap.Logger
	limiter   *ratelimit.Limiter
	metrics   *metrics.Recorder
	parser    *engine.Parser
	gazetteer *store.SQLiteStore
	resolver  geo.HierarchyResolver

	closers []func() error
}

func resolveConfig() (config.ResolvedConfig, error) {
	return config.ResolveConfig(config.ResolveOptions{
		ConfigPath:  globalConfigPath,
		CLIPolicy:   globalPolicy,
		CLILLM:      globalLLM,
		CLILocalLLM: globalLocalLLM,
		CLIEmbed:    globalEmbed,
		CLIDBPath:   globalDBPath,
		CLINoGeo:    globalNoGeo,
	})
}

// newApp builds the parser from resolved configuration. Layers whose
// provider cannot be constructed are skipped with a warning; at least one
// layer (the heuristic) always runs.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: zap.L(), metrics: metrics.NewRecorder()}

	a.limiter, err = ratelimit.New(cfg.RateLimits, ratelimit.WithObserver(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	dict, err := extract.LoadDictionary(cfg.Dictionary.Value)
	if err != nil {
		return nil, fmt.Errorf("heuristic dictionary: %w", err)
	}

	layers := []extract.Layer{extract.NewHeuristic(dict, extract.WithRequireMatch(cfg.RequireMatch))}
	if layer, err := a.modelLayer(extract.LayerPrimary); err != nil {
		a.log.Warn("primary model layer disabled", zap.Error(err))
	} else {
		a.log.Debug("primary model layer", zap.String("provider", layer.Provider()))
		layers = append(layers, layer)
	}
	if cfg.SecondaryEnabled {
		if layer, err := a.modelLayer(extract.LayerSecondary); err != nil {
			a.log.Warn("secondary model layer disabled", zap.Error(err))
		} else {
			a.log.Debug("secondary model layer", zap.String("provider", layer.Provider()))
			layers = append(layers, layer)
		}
	}

	voter, err := consensus.NewVoter(cfg.Consensus, consensus.WithAliases(dict.Aliases()))
	if err != nil {
		return nil, fmt.Errorf("consensus: %w", err)
	}

	policy, err := engine.ParsePolicy(cfg.Policy.Value)
	if err != nil {
		return nil, err
	}
	opts := []engine.Option{engine.WithLogger(a.log), engine.WithMetrics(a.metrics)}

	if cfg.Geo() {
		v, err := a.geoValidator(ctx)
		switch {
		case err != nil:
			a.close()
			return nil, err
		case v == nil:
			a.log.Warn("geo-validation disabled: no backend configured (set PINECONE_API_KEY and PINECONE_HOST, or import a gazetteer)")
		default:
			a.log.Debug("geo-validation enabled", zap.Strings("backends", v.Backends()))
			opts = append(opts, engine.WithGeo(v))
		}
	}
	if globalResolve {
		st, err := a.openGazetteer()
		if err != nil {
			a.close()
			return nil, err
		}
		a.resolver = geo.NewGazetteerResolver(st)
		opts = append(opts, engine.WithResolver(a.resolver))
	}

	a.parser, err = engine.New(policy, voter, layers, opts...)
	if err != nil {
		a.close()
		return nil, err
	}
	a.log.Debug("parser ready",
		zap.String("policy", string(a.parser.Policy())),
		zap.Any("layers", a.parser.Layers()),
		zap.Bool("geo", cfg.Geo()),
	)
	return a, nil
}

func (a *app) modelLayer(tag extract.LayerTag) (*extract.ModelLayer, error) {
	var (
		cfg      llm.Config
		err      error
		endpoint string
		timeout  time.Duration
	)
	if tag == extract.LayerPrimary {
		cfg, err = a.cfg.PrimaryLLMConfig()
		endpoint, timeout = ratelimit.EndpointPrimary, a.cfg.PrimaryTimeout
	} else {
		cfg, err = a.cfg.SecondaryLLMConfig()
		endpoint, timeout = ratelimit.EndpointSecondary, a.cfg.SecondaryTimeout
	}
	if err != nil {
		return nil, err
	}
	provider, err := llm.NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	return extract.NewModelLayer(provider, a.limiter, extract.ModelLayerConfig{
		Tag:      tag,
		Endpoint: endpoint,
		Timeout:  timeout,
		Loose:    tag == extract.LayerSecondary,
	}), nil
}

// geoValidator assembles the backend tiers: Pinecone first when configured,
// then the local gazetteer when its database exists. It returns nil when
// neither is available.
func (a *app) geoValidator(ctx context.Context) (*geo.Validator, error) {
	var tiers []geo.Tier

	pineKey := a.cfg.Keys["pinecone"].Value
	if pineKey != "" && a.cfg.PineconeHost.Value != "" {
		voyageKey := a.cfg.Keys["voyage"].Value
		if voyageKey == "" {
			return nil, fmt.Errorf("pinecone backend needs VOYAGEAI_API_KEY for query embeddings")
		}
		model := a.cfg.VoyageModel.Value
		if model == "" {
			model = embed.DefaultVoyageModel
		}
		voyage := embed.NewVoyageEmbedder(voyageKey, model, embed.DefaultVoyageDimensions)
		pc, err := geo.NewPineconeBackend(geo.PineconeConfig{
			APIKey:    pineKey,
			Host:      a.cfg.PineconeHost.Value,
			Namespace: a.cfg.PineconeNamespace.Value,
		}, voyage, a.limiter)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, geo.Tier{Backend: pc, Threshold: a.cfg.PrimaryThreshold})
	}

	if _, err := os.Stat(a.cfg.GazetteerPath.Value); err == nil {
		st, err := a.openGazetteer()
		if err != nil {
			return nil, err
		}
		emb, err := a.embedder()
		if err != nil {
			return nil, err
		}
		local, err := geo.NewLocalBackend(ctx, st, emb, geo.LocalOptions{IndexPath: a.cfg.IndexCache.Value})
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, geo.Tier{Backend: local, Threshold: a.cfg.SecondaryThreshold})
	}

	if len(tiers) == 0 {
		return nil, nil
	}
	return geo.NewValidator(geo.ValidatorConfig{Timeout: a.cfg.GeoTimeout}, tiers...)
}

// embedder returns the configured embedder or nil when none is set.
func (a *app) embedder() (embed.Embedder, error) {
	ecfg, err := embed.ResolveConfig(a.cfg.EmbedProvider.Value)
	if err != nil || ecfg == nil {
		return nil, err
	}
	if a.cfg.EmbedEndpoint.Value != "" {
		ecfg.Endpoint = a.cfg.EmbedEndpoint.Value
	}
	if key := a.cfg.Keys["embed"].Value; key != "" {
		ecfg.APIKey = key
	}
	if ecfg.Provider == embed.ProviderVoyage && ecfg.APIKey == "" {
		ecfg.APIKey = a.cfg.Keys["voyage"].Value
	}
	emb, err := embed.New(ecfg)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	if c, ok := emb.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	return emb, nil
}

func (a *app) openGazetteer() (*store.SQLiteStore, error) {
	if a.gazetteer != nil {
		return a.gazetteer, nil
	}
	st, err := store.NewStore(store.Config{DBPath: a.cfg.GazetteerPath.Value})
	if err != nil {
		return nil, fmt.Errorf("opening gazetteer: %w", err)
	}
	a.gazetteer = st
	a.closers = append(a.closers, st.Close)
	return st, nil
}

// serveMetrics starts the Prometheus endpoint when --metrics-addr is set.
// The returned func stops it.
func (a *app) serveMetrics() func() {
	if globalMetricsAddr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: globalMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server", zap.Error(err))
		}
	}()
	a.log.Info("serving metrics", zap.String("addr", globalMetricsAddr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close", zap.Error(err))
		}
	}
	a.closers = nil
}
