package extract

import (
	"strings"
	"unicode"
)

// NormalizeKey folds an entity name into its comparison key: lowercase,
// single-spaced, without surrounding punctuation or a trailing "जी".
func NormalizeKey(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r)
	})
	s = strings.TrimSuffix(s, " जी")
	return s
}

// CleanList trims items, drops empties and removes duplicates by key,
// keeping the first spelling seen.
func CleanList(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.Join(strings.Fields(item), " ")
		key := NormalizeKey(item)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
