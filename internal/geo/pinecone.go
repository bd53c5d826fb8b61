package geo

import (
	"context"
	"fmt"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hurttlocker/tweetfacts/internal/embed"
	"github.com/hurttlocker/tweetfacts/internal/extract"
	"github.com/hurttlocker/tweetfacts/internal/ratelimit"
)

// vectorQuerier is the part of *pinecone.IndexConnection the backend uses.
type vectorQuerier interface {
	QueryByVectorValues(ctx context.Context, in *pinecone.QueryByVectorValuesRequest) (*pinecone.QueryVectorsResponse, error)
}

// PineconeConfig locates the places index.
type PineconeConfig struct {
	APIKey    string
	Host      string
	Namespace string
	// Filter is a Pinecone metadata filter, e.g. {"state": {"$eq": "Chhattisgarh"}}.
	Filter map[string]any
}

// PineconeBackend embeds the query with Voyage and searches a Pinecone index
// of place names. Vector metadata carries name, district and match_type.
type PineconeBackend struct {
	index    vectorQuerier
	embedder embed.Embedder
	permits  extract.Permits
	filter   *structpb.Struct
}

// NewPineconeBackend connects to the index at cfg.Host.
func NewPineconeBackend(cfg PineconeConfig, embedder embed.Embedder, permits extract.Permits) (*PineconeBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("pinecone: API key is required (PINECONE_API_KEY)")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("pinecone: index host is required (PINECONE_HOST)")
	}
	client, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("pinecone: creating client: %w", err)
	}
	idx, err := client.Index(pinecone.NewIndexConnParams{Host: cfg.Host, Namespace: cfg.Namespace})
	if err != nil {
		return nil, fmt.Errorf("pinecone: connecting to %s: %w", cfg.Host, err)
	}
	return newPineconeBackend(idx, embedder, permits, cfg.Filter)
}

func newPineconeBackend(index vectorQuerier, embedder embed.Embedder, permits extract.Permits, filter map[string]any) (*PineconeBackend, error) {
	if embedder == nil {
		return nil, fmt.Errorf("pinecone: embedder is required")
	}
	b := &PineconeBackend{index: index, embedder: embedder, permits: permits}
	if len(filter) > 0 {
		f, err := structpb.NewStruct(filter)
		if err != nil {
			return nil, fmt.Errorf("pinecone: invalid metadata filter: %w", err)
		}
		b.filter = f
	}
	return b, nil
}

// Name implements Backend.
func (b *PineconeBackend) Name() string { return "pinecone" }

// Search implements Backend. Both the embedding call and the index query
// take a rate-limit permit first.
func (b *PineconeBackend) Search(ctx context.Context, query string, limit int) ([]Match, error) {
	if err := b.acquire(ctx, ratelimit.EndpointVoyage); err != nil {
		return nil, err
	}
	vec, err := b.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if err := b.acquire(ctx, ratelimit.EndpointPinecone); err != nil {
		return nil, err
	}
	resp, err := b.index.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vec,
		TopK:            uint32(limit),
		IncludeMetadata: true,
		MetadataFilter:  b.filter,
	})
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}

	out := make([]Match, 0, len(resp.Matches))
	for _, sv := range resp.Matches {
		if sv == nil || sv.Vector == nil {
			continue
		}
		m := Match{PlaceID: sv.Vector.Id, Score: float64(sv.Score), MatchType: MatchVector}
		if sv.Vector.Metadata != nil {
			meta := sv.Vector.Metadata.AsMap()
			m.Name, _ = meta["name"].(string)
			m.District, _ = meta["district"].(string)
			if mt, ok := meta["match_type"].(string); ok && mt != "" {
				m.MatchType = MatchType(mt)
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func (b *PineconeBackend) acquire(ctx context.Context, endpoint string) error {
	if b.permits == nil {
		return nil
	}
	return b.permits.Acquire(ctx, endpoint)
}
