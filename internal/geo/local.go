package geo

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hurttlocker/tweetfacts/internal/ann"
	"github.com/hurttlocker/tweetfacts/internal/embed"
	"github.com/hurttlocker/tweetfacts/internal/store"
)

// LocalBackend searches the SQLite gazetteer: exact name and alias lookups
// first, then nearest neighbours over stored name embeddings.
type LocalBackend struct {
	store    store.Store
	embedder embed.Embedder
	index    *ann.Index
	owners   []int64 // index vector id -> place id
}

// LocalOptions configures NewLocalBackend.
type LocalOptions struct {
	// IndexPath caches the built HNSW graph. It is rebuilt when missing or
	// when its size no longer matches the gazetteer.
	IndexPath string
}

// NewLocalBackend loads gazetteer embeddings into an ANN index. With a nil
// embedder only exact and alias lookups are performed.
func NewLocalBackend(ctx context.Context, st store.Store, embedder embed.Embedder, opts LocalOptions) (*LocalBackend, error) {
	b := &LocalBackend{store: st, embedder: embedder}
	if embedder == nil {
		return b, nil
	}
	embs, err := st.ListEmbeddings(ctx)
	if err != nil {
		return nil, fmt.Errorf("local geo backend: %w", err)
	}
	if len(embs) == 0 {
		return b, nil
	}

	b.owners = make([]int64, len(embs))
	for i, e := range embs {
		b.owners[i] = e.PlaceID
	}
	if opts.IndexPath != "" {
		if idx, err := ann.Load(opts.IndexPath); err == nil && idx.Len() == len(embs) && idx.Dims() == len(embs[0].Vector) {
			b.index = idx
			return b, nil
		}
	}

	idx := ann.New(len(embs[0].Vector))
	for i, e := range embs {
		if err := idx.Insert(int64(i), e.Vector); err != nil {
			return nil, fmt.Errorf("local geo backend: indexing %q: %w", e.Text, err)
		}
	}
	b.index = idx
	if opts.IndexPath != "" {
		// a failed cache write only costs a rebuild next time
		_ = idx.Save(opts.IndexPath)
	}
	return b, nil
}

// Name implements Backend.
func (b *LocalBackend) Name() string { return "local" }

// Search implements Backend. Exact name matches score 1.0 and alias matches
// 0.95; vector matches carry their cosine similarity.
func (b *LocalBackend) Search(ctx context.Context, query string, limit int) ([]Match, error) {
	name := stripRegion(query)
	found, err := b.store.FindByName(ctx, name)
	if err != nil {
		return nil, err
	}
	best := map[string]Match{}
	for _, f := range found {
		m := Match{PlaceID: placeIDString(f.Place.ID), Name: f.Place.Name, District: f.Place.District, Score: 1.0, MatchType: MatchExact}
		if f.ByAlias {
			m.Score, m.MatchType = 0.95, MatchAlias
		}
		keepBest(best, m)
	}

	if b.index != nil && b.index.Len() > 0 {
		vec, err := b.embedder.Embed(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("embedding query: %w", err)
		}
		hits := b.index.Search(vec, limit*3)
		ids := make([]int64, 0, len(hits))
		for _, h := range hits {
			ids = append(ids, b.owners[h.ID])
		}
		places, err := b.store.GetPlacesByIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			p, ok := places[b.owners[h.ID]]
			if !ok {
				continue
			}
			keepBest(best, Match{PlaceID: placeIDString(p.ID), Name: p.Name, District: p.District, Score: float64(h.Similarity), MatchType: MatchVector})
		}
	}

	out := make([]Match, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].PlaceID < out[j].PlaceID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func keepBest(best map[string]Match, m Match) {
	if cur, ok := best[m.PlaceID]; !ok || m.Score > cur.Score {
		best[m.PlaceID] = m
	}
}

// stripRegion removes a trailing ", <state>" added to search queries.
func stripRegion(query string) string {
	if i := strings.LastIndex(query, ","); i > 0 {
		return strings.TrimSpace(query[:i])
	}
	return strings.TrimSpace(query)
}
