package geo

import (
	"context"
	"fmt"
	"strings"

	"github.com/hurttlocker/tweetfacts/internal/store"
)

// Hints narrow down ambiguous place names.
type Hints struct {
	Districts []string // districts already known for this post
	Blocks    []string
	Text      string // surrounding text
}

// Hierarchy is a place resolved to its administrative parents, or a
// needs-review marker with the reasons.
type Hierarchy struct {
	Place        string   `json:"place"`
	Kind         string   `json:"kind,omitempty"`
	Block        string   `json:"block,omitempty"`
	District     string   `json:"district,omitempty"`
	Division     string   `json:"division,omitempty"`
	State        string   `json:"state,omitempty"`
	NeedsReview  bool     `json:"needs_review"`
	Explanations []string `json:"explanations,omitempty"`
}

// HierarchyResolver maps a place name to its hierarchy.
type HierarchyResolver interface {
	Resolve(ctx context.Context, place string, hints Hints) (Hierarchy, error)
}

// GazetteerResolver resolves names against the SQLite gazetteer.
type GazetteerResolver struct {
	store store.Store
}

// NewGazetteerResolver creates a resolver backed by st.
func NewGazetteerResolver(st store.Store) *GazetteerResolver {
	return &GazetteerResolver{store: st}
}

// Resolve implements HierarchyResolver. Ambiguous names are settled by
// district and block hints, then by the surrounding text; what remains
// ambiguous is flagged for review.
func (r *GazetteerResolver) Resolve(ctx context.Context, place string, hints Hints) (Hierarchy, error) {
	h := Hierarchy{Place: place}
	found, err := r.store.FindByName(ctx, place)
	if err != nil {
		return h, fmt.Errorf("resolving %q: %w", place, err)
	}
	switch len(found) {
	case 0:
		h.NeedsReview = true
		h.Explanations = []string{fmt.Sprintf("no gazetteer entry for %q", place)}
		return h, nil
	case 1:
		fill(&h, found[0].Place)
		if found[0].ByAlias {
			h.Explanations = []string{fmt.Sprintf("matched alias of %s", found[0].Place.Name)}
		}
		return h, nil
	}

	cands := make([]*store.Place, len(found))
	for i, f := range found {
		cands[i] = f.Place
	}
	if narrowed, why := narrow(cands, hints); len(narrowed) > 0 {
		cands = narrowed
		if why != "" {
			h.Explanations = append(h.Explanations, why)
		}
	}

	if sameDistrict(cands) {
		fill(&h, cands[0])
		if len(cands) > 1 {
			h.Explanations = append(h.Explanations, fmt.Sprintf("%d entries share district %s", len(cands), districtOf(cands[0])))
		}
		return h, nil
	}

	h.NeedsReview = true
	names := make([]string, len(cands))
	for i, p := range cands {
		names[i] = describe(p)
	}
	h.Explanations = append(h.Explanations, fmt.Sprintf("ambiguous: %s", strings.Join(names, "; ")))
	return h, nil
}

// narrow keeps the candidates consistent with the first hint that selects
// any of them.
func narrow(cands []*store.Place, hints Hints) ([]*store.Place, string) {
	filters := []struct {
		values []string
		field  func(*store.Place) string
		label  string
	}{
		{hints.Districts, districtOf, "district hint"},
		{hints.Blocks, func(p *store.Place) string { return p.Block }, "block hint"},
	}
	for _, f := range filters {
		var kept []*store.Place
		var used string
		for _, p := range cands {
			for _, v := range f.values {
				if v != "" && store.NameKey(v) == store.NameKey(f.field(p)) {
					kept = append(kept, p)
					used = v
					break
				}
			}
		}
		if len(kept) > 0 {
			return kept, fmt.Sprintf("disambiguated by %s %s", f.label, used)
		}
	}

	if hints.Text != "" {
		text := strings.ToLower(hints.Text)
		var kept []*store.Place
		for _, p := range cands {
			d := districtOf(p)
			if d != "" && !strings.EqualFold(d, p.Name) && strings.Contains(text, strings.ToLower(d)) {
				kept = append(kept, p)
			}
		}
		if len(kept) > 0 {
			return kept, "disambiguated by district named in text"
		}
	}
	return nil, ""
}

func districtOf(p *store.Place) string {
	if p.Kind == store.KindDistrict {
		return p.Name
	}
	return p.District
}

func sameDistrict(cands []*store.Place) bool {
	d := store.NameKey(districtOf(cands[0]))
	if d == "" {
		return len(cands) == 1
	}
	for _, p := range cands[1:] {
		if store.NameKey(districtOf(p)) != d {
			return false
		}
	}
	return true
}

func fill(h *Hierarchy, p *store.Place) {
	h.Kind = p.Kind
	h.Block = p.Block
	h.District = districtOf(p)
	h.Division = p.Division
	h.State = p.State
	if p.Kind == store.KindBlock {
		h.Block = p.Name
	}
}

func describe(p *store.Place) string {
	if d := districtOf(p); d != "" && d != p.Name {
		return fmt.Sprintf("%s (%s, %s district)", p.Name, p.Kind, d)
	}
	return fmt.Sprintf("%s (%s)", p.Name, p.Kind)
}
