// Package mcp exposes the parsing engine as Model Context Protocol tools:
// parse_post runs the full layer pipeline on one post, rate_limits reports
// limiter usage, and resolve_place looks a name up in the gazetteer.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/tweetfacts/internal/engine"
	"github.com/hurttlocker/tweetfacts/internal/geo"
	"github.com/hurttlocker/tweetfacts/internal/ratelimit"
	"github.com/hurttlocker/tweetfacts/internal/store"
)

// Parser is the engine as seen by the parse_post tool.
type Parser interface {
	Parse(ctx context.Context, req engine.Request) (*engine.Result, error)
}

// Limits reports limiter usage.
type Limits interface {
	Status() map[string]ratelimit.EndpointStatus
}

// ServerConfig holds configuration for the MCP server. Resolver and
// Gazetteer are optional.
type ServerConfig struct {
	Parser    Parser
	Limiter   Limits
	Resolver  geo.HierarchyResolver
	Gazetteer store.Store
	Version   string
}

// failure is the JSON body of a parse_post error result.
type failure struct {
	Error    string   `json:"error"`
	Cause    string   `json:"cause,omitempty"`
	Layer    string   `json:"layer,omitempty"`
	Causes   []string `json:"causes,omitempty"`
	Messages []string `json:"messages,omitempty"`
}

// NewServer creates an MCP server with the tweetfacts tools registered.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"tweetfacts",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	if cfg.Parser != nil {
		registerParseTool(s, cfg.Parser)
	}
	if cfg.Limiter != nil {
		registerLimitsTool(s, cfg.Limiter)
		registerLimitsResource(s, cfg.Limiter)
	}
	if cfg.Resolver != nil {
		registerResolveTool(s, cfg.Resolver)
	}
	if cfg.Gazetteer != nil {
		registerGazetteerResource(s, cfg.Gazetteer)
	}
	return s
}

// --- Tools ---

func registerParseTool(s *server.MCPServer, p Parser) {
	tool := mcp.NewTool("parse_post",
		mcp.WithDescription("Extract event type, locations, people, organizations and government schemes from one Hindi/English political post. Returns a consensus record with confidence, agreement score and a needs_review flag."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(true),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Post text"),
		),
		mcp.WithString("id",
			mcp.Description("Caller's identifier for the post. Generated when empty."),
		),
		mcp.WithString("reference_date",
			mcp.Description("Posting date, YYYY-MM-DD or RFC 3339. Defaults to now."),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil || strings.TrimSpace(text) == "" {
			return mcp.NewToolResultError("text is required"), nil
		}
		preq := engine.Request{ID: req.GetString("id", ""), Text: text}
		if raw := strings.TrimSpace(req.GetString("reference_date", "")); raw != "" {
			d, err := engine.ParseReferenceDate(raw)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			preq.ReferenceDate = d
		}

		res, err := p.Parse(ctx, preq)
		if err != nil {
			data, _ := json.MarshalIndent(describeFailure(err), "", "  ")
			return mcp.NewToolResultError(string(data)), nil
		}
		data, _ := json.MarshalIndent(res, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerLimitsTool(s *server.MCPServer, l Limits) {
	tool := mcp.NewTool("rate_limits",
		mcp.WithDescription("Show per-endpoint usage of the local rate limiter: calls used in the current window, effective limit and remaining permits."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		data, _ := json.MarshalIndent(l.Status(), "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerResolveTool(s *server.MCPServer, r geo.HierarchyResolver) {
	tool := mcp.NewTool("resolve_place",
		mcp.WithDescription("Resolve a place name to its block, district, division and state using the local gazetteer. Ambiguous names are settled by district hints or flagged for review."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("place",
			mcp.Required(),
			mcp.Description("Place name, Hindi or English"),
		),
		mcp.WithArray("districts",
			mcp.Description("Districts already known for the post"),
			mcp.WithStringItems(),
		),
		mcp.WithString("text",
			mcp.Description("Surrounding text, used to spot district names"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		place, err := req.RequireString("place")
		if err != nil || strings.TrimSpace(place) == "" {
			return mcp.NewToolResultError("place is required"), nil
		}
		h, err := r.Resolve(ctx, place, geo.Hints{
			Districts: req.GetStringSlice("districts", nil),
			Text:      req.GetString("text", ""),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("resolve error: %v", err)), nil
		}
		data, _ := json.MarshalIndent(h, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

// --- Resources ---

func registerLimitsResource(s *server.MCPServer, l Limits) {
	resource := mcp.NewResource(
		"tweetfacts://limits",
		"Rate Limits",
		mcp.WithResourceDescription("Per-endpoint rate limiter usage in the current window."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		data, _ := json.MarshalIndent(l.Status(), "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}

func registerGazetteerResource(s *server.MCPServer, st store.Store) {
	resource := mcp.NewResource(
		"tweetfacts://gazetteer/stats",
		"Gazetteer Statistics",
		mcp.WithResourceDescription("Place, alias and embedding counts of the local gazetteer."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := st.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("getting gazetteer stats: %w", err)
		}
		data, _ := json.MarshalIndent(stats, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}

// --- Helpers ---

func describeFailure(err error) failure {
	f := failure{Error: err.Error()}
	var agg *engine.AggregateParsingFailure
	var all *engine.AllLayersFailedError
	switch {
	case errors.As(err, &agg):
		f.Cause, f.Layer, f.Messages = agg.Cause, string(agg.Layer), agg.Messages
	case errors.As(err, &all):
		f.Causes = all.Causes()
	case errors.Is(err, engine.ErrEmptyText):
		f.Cause = "empty_input"
	}
	return f
}
