// Package geo confirms extracted place names against vector-search backends
// and resolves accepted places to their administrative hierarchy.
package geo

import (
	"context"
	"strconv"
)

// MatchType says how a backend matched the query.
type MatchType string

const (
	MatchExact  MatchType = "exact"
	MatchAlias  MatchType = "alias"
	MatchVector MatchType = "vector"
)

// Match is one backend hit. Backends return matches best first and do not
// apply thresholds.
type Match struct {
	PlaceID   string    `json:"place_id"`
	Name      string    `json:"name"`
	District  string    `json:"district,omitempty"`
	Score     float64   `json:"score"`
	MatchType MatchType `json:"match_type"`
}

// Backend is a vector-search service over known places.
type Backend interface {
	Name() string
	Search(ctx context.Context, query string, limit int) ([]Match, error)
}

func placeIDString(id int64) string {
	return strconv.FormatInt(id, 10)
}
