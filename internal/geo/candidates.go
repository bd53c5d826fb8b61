package geo

import (
	"strings"
	"unicode"

	"github.com/hurttlocker/tweetfacts/internal/extract"
)

// DefaultRegion is appended to search queries.
const DefaultRegion = "Chhattisgarh"

// contextWindow is the number of tokens kept on each side of a mention.
const contextWindow = 3

// LocationCandidate is one cleaned place name sent for validation.
type LocationCandidate struct {
	Name    string   `json:"name"`
	Context []string `json:"context,omitempty"`
	Query   string   `json:"query"`
}

// trailing words that are not part of the place name
var placeSuffixes = []string{
	" district", " distt", " city", " village", " block",
	" जिला", " जिले", " ज़िला", " ज़िले", " में", " से", " के", " की", " का", " गांव", " ग्राम",
}

// NormalizeCandidates cleans and dedupes location names and attaches the
// tokens around each mention in text.
func NormalizeCandidates(text string, locations []string, region string) []LocationCandidate {
	if region == "" {
		region = DefaultRegion
	}
	tokens := strings.Fields(text)
	out := make([]LocationCandidate, 0, len(locations))
	seen := map[string]bool{}
	for _, loc := range locations {
		name := cleanPlaceName(loc)
		key := extract.NormalizeKey(name)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		query := name
		if !strings.Contains(strings.ToLower(name), strings.ToLower(region)) {
			query = name + ", " + region
		}
		out = append(out, LocationCandidate{
			Name:    name,
			Context: mentionContext(tokens, name),
			Query:   query,
		})
	}
	return out
}

func cleanPlaceName(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimFunc(s, func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSymbol(r) })
	for changed := true; changed; {
		changed = false
		lower := strings.ToLower(s)
		for _, suf := range placeSuffixes {
			if strings.HasSuffix(lower, suf) && len(s) > len(suf) {
				s = strings.TrimSpace(s[:len(s)-len(suf)])
				changed = true
				break
			}
		}
	}
	return s
}

// mentionContext returns up to contextWindow tokens either side of the first
// mention of name, including the mention itself.
func mentionContext(tokens []string, name string) []string {
	words := strings.Fields(strings.ToLower(name))
	if len(words) == 0 {
		return nil
	}
	for i := 0; i+len(words) <= len(tokens); i++ {
		if !tokensMatch(tokens[i:i+len(words)], words) {
			continue
		}
		lo := max(0, i-contextWindow)
		hi := min(len(tokens), i+len(words)+contextWindow)
		return append([]string(nil), tokens[lo:hi]...)
	}
	return nil
}

func tokensMatch(tokens, words []string) bool {
	for j, w := range words {
		t := strings.ToLower(strings.TrimFunc(tokens[j], func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		}))
		// "रायगढ़" matches "रायगढ़," and "Raigarh" matches "Raigarh's"
		if !strings.HasPrefix(t, w) {
			return false
		}
	}
	return true
}
