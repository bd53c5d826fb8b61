package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/hurttlocker/tweetfacts/internal/config"
	"github.com/hurttlocker/tweetfacts/internal/mcp"
	"github.com/hurttlocker/tweetfacts/internal/ratelimit"
	"github.com/hurttlocker/tweetfacts/internal/store"
)

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == name {
			return true
		}
	}
	return false
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func runLimits(args []string) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	lim, err := ratelimit.New(cfg.RateLimits)
	if err != nil {
		return err
	}
	status := lim.Status()
	if hasFlag(args, "--json") {
		return printJSON(status)
	}

	fmt.Printf("Window: %s  Safety margin: %.2f  Retries: %d  Backoff: %s x%.1f\n\n",
		cfg.RateLimits.Window, cfg.RateLimits.SafetyMargin, cfg.RateLimits.MaxRetries,
		cfg.RateLimits.InitialBackoff, cfg.RateLimits.Multiplier)
	fmt.Printf("%-18s %8s %8s %10s\n", "ENDPOINT", "LIMIT", "USED", "REMAINING")
	for _, name := range lim.Endpoints() {
		s := status[name]
		fmt.Printf("%-18s %8d %8d %10d\n", name, s.Limit, s.Used, s.Remaining)
	}
	return nil
}

func runGazetteer(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: tweetfacts gazetteer import <file.csv> | stats")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	a := &app{cfg: cfg, log: zap.L()}
	defer a.close()

	switch args[0] {
	case "import":
		if len(args) < 2 {
			return fmt.Errorf("usage: tweetfacts gazetteer import <file.csv>")
		}
		f, err := os.Open(args[1])
		if err != nil {
			return fmt.Errorf("opening %s: %w", args[1], err)
		}
		defer f.Close()

		st, err := a.openGazetteer()
		if err != nil {
			return err
		}
		emb, err := a.embedder()
		if err != nil {
			return err
		}
		if emb == nil {
			fmt.Fprintln(os.Stderr, "No embedder configured (--embed); importing names only.")
		}

		start := time.Now()
		res, err := store.ImportCSV(ctx, st, f, emb)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d places, %d aliases, %d embeddings (%d rows skipped) in %s\n",
			res.Places, res.Aliases, res.Embeddings, res.Skipped, time.Since(start).Round(time.Millisecond))
		fmt.Printf("Database: %s\n", cfg.GazetteerPath.Value)
		return nil

	case "stats":
		if _, err := os.Stat(cfg.GazetteerPath.Value); err != nil {
			return fmt.Errorf("no gazetteer at %s (run 'tweetfacts gazetteer import' first)", cfg.GazetteerPath.Value)
		}
		st, err := a.openGazetteer()
		if err != nil {
			return err
		}
		stats, err := st.Stats(ctx)
		if err != nil {
			return err
		}
		if hasFlag(args[1:], "--json") {
			return printJSON(stats)
		}
		fmt.Printf("Gazetteer: %s\n", cfg.GazetteerPath.Value)
		fmt.Printf("  Places:     %d\n", stats.Places)
		fmt.Printf("  Aliases:    %d\n", stats.Aliases)
		fmt.Printf("  Embeddings: %d\n", stats.Embeddings)
		fmt.Printf("  Size:       %s\n", formatBytes(stats.DBSizeBytes))
		for _, kind := range []string{store.KindState, store.KindDivision, store.KindDistrict, store.KindBlock, store.KindCity, store.KindVillage} {
			if n := stats.ByKind[kind]; n > 0 {
				fmt.Printf("  %-11s %d\n", kind+":", n)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown gazetteer command: %s", args[0])
	}
}

func runConfig(args []string) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	if hasFlag(args, "--json") {
		return printJSON(struct {
			config.ResolvedConfig
			Keys map[string]config.ResolvedValue `json:"keys"`
		}{cfg, cfg.Redacted()})
	}

	fmt.Printf("Config file: %s\n\n", cfg.ConfigPath)
	rows := []struct {
		name string
		v    config.ResolvedValue
	}{
		{"policy", cfg.Policy},
		{"primary llm", cfg.PrimaryLLM},
		{"secondary llm", cfg.SecondaryLLM},
		{"secondary base url", cfg.SecondaryBaseURL},
		{"dictionary", cfg.Dictionary},
		{"geo enabled", cfg.GeoEnabled},
		{"pinecone host", cfg.PineconeHost},
		{"pinecone namespace", cfg.PineconeNamespace},
		{"voyage model", cfg.VoyageModel},
		{"gazetteer", cfg.GazetteerPath},
		{"embed", cfg.EmbedProvider},
	}
	for _, r := range rows {
		fmt.Printf("  %-20s %s\n", r.name, describeValue(r.v))
	}
	fmt.Println()
	fmt.Println("API keys:")
	red := cfg.Redacted()
	if len(red) == 0 {
		fmt.Println("  (none)")
	}
	for _, p := range []string{"openrouter", "openai", "google", "pinecone", "voyage", "embed"} {
		if v, ok := red[p]; ok {
			fmt.Printf("  %-20s %s\n", p, describeValue(v))
		}
	}
	return nil
}

func describeValue(v config.ResolvedValue) string {
	if strings.TrimSpace(v.Value) == "" {
		return "(unset)"
	}
	from := string(v.Source)
	if v.From != "" {
		from += ": " + v.From
	}
	return fmt.Sprintf("%s  [%s]", v.Value, from)
}

func runMCP(args []string) error {
	var httpAddr string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--http" && i+1 < len(args):
			i++
			httpAddr = args[i]
		case strings.HasPrefix(args[i], "--http="):
			httpAddr = strings.TrimPrefix(args[i], "--http=")
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	defer a.serveMetrics()()

	cfg := mcp.ServerConfig{
		Parser:   a.parser,
		Limiter:  a.limiter,
		Resolver: a.resolver,
		Version:  version,
	}
	if a.gazetteer != nil {
		cfg.Gazetteer = a.gazetteer
	}
	s := mcp.NewServer(cfg)

	if httpAddr != "" {
		fmt.Fprintf(os.Stderr, "MCP streamable HTTP on %s\n", httpAddr)
		return server.NewStreamableHTTPServer(s).Start(httpAddr)
	}
	return server.ServeStdio(s)
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
