package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var version = "0.1.0-dev"

// Global flags, accepted before or after the subcommand.
var (
	globalConfigPath  string
	globalPolicy      string
	globalLLM         string
	globalLocalLLM    string
	globalEmbed       string
	globalDBPath      string
	globalNoGeo       bool
	globalResolve     bool
	globalMetricsAddr string
	globalVerbose     bool
)

func main() {
	_ = godotenv.Load()

	args := parseGlobalFlags(os.Args[1:])
	if len(args) == 0 {
		printUsage()
		os.Exit(0)
	}

	log := newLogger(globalVerbose)
	defer log.Sync() //nolint:errcheck
	zap.ReplaceGlobals(log)

	if err := run(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	switch args[0] {
	case "parse":
		return runParse(args[1:])
	case "batch":
		return runBatch(args[1:])
	case "limits":
		return runLimits(args[1:])
	case "gazetteer":
		return runGazetteer(args[1:])
	case "config":
		return runConfig(args[1:])
	case "mcp":
		return runMCP(args[1:])
	case "version", "--version", "-v":
		fmt.Printf("tweetfacts %s\n", version)
		return nil
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// parseGlobalFlags strips global flags from args and returns the rest.
func parseGlobalFlags(args []string) []string {
	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		value := func(name string) (string, bool) {
			if arg == name && i+1 < len(args) {
				i++
				return args[i], true
			}
			if strings.HasPrefix(arg, name+"=") {
				return strings.TrimPrefix(arg, name+"="), true
			}
			return "", false
		}

		if v, ok := value("--config"); ok {
			globalConfigPath = v
			continue
		}
		if v, ok := value("--policy"); ok {
			globalPolicy = v
			continue
		}
		if v, ok := value("--llm"); ok {
			globalLLM = v
			continue
		}
		if v, ok := value("--local-llm"); ok {
			globalLocalLLM = v
			continue
		}
		if v, ok := value("--embed"); ok {
			globalEmbed = v
			continue
		}
		if v, ok := value("--db"); ok {
			globalDBPath = v
			continue
		}
		if v, ok := value("--metrics-addr"); ok {
			globalMetricsAddr = v
			continue
		}
		switch arg {
		case "--no-geo":
			globalNoGeo = true
		case "--resolve":
			globalResolve = true
		case "--verbose", "-V":
			globalVerbose = true
		default:
			rest = append(rest, arg)
		}
	}
	return rest
}

func newLogger(verbose bool) *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if verbose {
		log, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		log, err = cfg.Build()
	}
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func printUsage() {
	fmt.Printf(`tweetfacts %s: structured facts from Hindi/English political posts

Usage:
  tweetfacts <command> [arguments]

Commands:
  parse [text]                Parse one post (text argument or stdin)
  batch [file.jsonl]          Parse JSONL posts ({"id","text","reference_date"}) to JSONL
  limits                      Show effective rate limits per endpoint
  gazetteer import <file.csv> Import places into the local gazetteer
  gazetteer stats             Show gazetteer statistics
  config                      Show resolved configuration and where each value came from
  mcp                         Run the MCP server on stdio (--http <addr> for streamable HTTP)
  version                     Print version

Parse Flags:
  --id <id>                   Post identifier (generated when empty)
  --date <YYYY-MM-DD>         Reference date (default today)

Batch Flags:
  --concurrency <n>           Posts parsed at once (default 4)
  --output <file>             Write JSONL here instead of stdout

Global Flags:
  --config <path>             Config file (default ~/.tweetfacts/config.yaml)
  --policy strict|best_effort Failure policy (default best_effort)
  --llm <provider/model>      Primary model, e.g. openrouter/openai/gpt-4o-mini
  --local-llm <provider/model> Secondary model, e.g. ollama/llama3.1:8b
  --embed <provider/model>    Embedder for the local gazetteer, e.g. onnx/<model dir>
  --db <path>                 Gazetteer database (default ~/.tweetfacts/gazetteer.db)
  --no-geo                    Skip geo-validation
  --resolve                   Attach district/block hierarchies to accepted locations
  --metrics-addr <addr>       Serve Prometheus metrics on addr (e.g. :9090)
  -V, --verbose               Debug logging
  -h, --help                  Show this help message
  -v, --version               Print version
`, version)
}
