package extract

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Heuristic confidence: a base plus a step per non-empty field.
const (
	heuristicBase = 0.3
	heuristicStep = 0.1
)

// eventPriority breaks keyword-count ties; more specific events first.
var eventPriority = []EventType{
	EventBirthdayWishes,
	EventCondolence,
	EventInauguration,
	EventRally,
	EventInspection,
	EventMeeting,
	EventSchemeAnnouncement,
	EventCeremony,
}

// devaWord matches one Devanagari word. The danda (।, ॥) is excluded so
// sentence ends split words.
const devaWord = `[\x{0900}-\x{0963}\x{0966}-\x{097F}]+`

// stopwords end a captured name or are trimmed from its front.
var stopwords = map[string]bool{
	"जी": true, "ने": true, "को": true, "से": true, "का": true, "की": true, "के": true,
	"में": true, "और": true, "एवं": true, "द्वारा": true, "ही": true, "भी": true,
	"पर": true, "तथा": true, "साथ": true, "है": true, "हैं": true,
	"The": true, "This": true, "That": true, "Our": true, "Every": true, "Each": true,
	"Under": true, "In": true, "Of": true, "And": true,
}

var (
	hindiPlacePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:ग्राम|गांव|गाँव)\s+(` + devaWord + `)`),
		regexp.MustCompile(`(` + devaWord + `)\s+(?:जिले|जिला|ज़िले|विकासखंड|ब्लॉक)`),
	}
	latinPlacePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b([A-Z][a-z]+)\s+(?:[Dd]istrict|[Bb]lock|[Vv]illage)\b`),
		regexp.MustCompile(`\b[Vv]illage\s+([A-Z][a-z]+)\b`),
	}
	organizationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(` + devaWord + `\s+विभाग)`),
		regexp.MustCompile(`\b((?:[A-Z][a-z]+\s+){1,2}Department)\b`),
	}
	schemePatterns = []*regexp.Regexp{
		regexp.MustCompile(`((?:` + devaWord + `\s+){1,3}(?:योजना|मिशन|अभियान))`),
		regexp.MustCompile(`\b((?:[A-Z][a-z]+\s+){1,3}(?:Yojana|Scheme|Mission|Abhiyan))\b`),
	}
)

// HeuristicOption configures a Heuristic.
type HeuristicOption func(*Heuristic)

// WithRequireMatch makes a post with no recognisable entity a
// heuristic_mismatch failure instead of an empty result.
func WithRequireMatch(require bool) HeuristicOption {
	return func(h *Heuristic) { h.requireMatch = require }
}

// Heuristic extracts facts with regular expressions and a dictionary. It
// never touches the network.
type Heuristic struct {
	places        []entryMatcher
	people        []entryMatcher
	organizations []entryMatcher
	schemes       []entryMatcher
	events        map[EventType]*regexp.Regexp
	honorLatin    *regexp.Regexp
	honorHindi    *regexp.Regexp
	aliases       map[string]string
	requireMatch  bool
}

// NewHeuristic compiles dict. A nil dict uses DefaultDictionary.
func NewHeuristic(dict *Dictionary, opts ...HeuristicOption) *Heuristic {
	if dict == nil {
		dict = DefaultDictionary()
	}
	h := &Heuristic{
		places:        compileEntries(dict.Places),
		people:        compileEntries(dict.People),
		organizations: compileEntries(dict.Organizations),
		schemes:       compileEntries(dict.Schemes),
		events:        map[EventType]*regexp.Regexp{},
		aliases:       dict.Aliases(),
	}
	for et, kws := range dict.EventKeywords {
		if re := termRegexp(kws, true); re != nil {
			h.events[et] = re
		}
	}
	h.honorLatin, h.honorHindi = honorificRegexps(dict.Honorifics)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Heuristic) Tag() LayerTag { return LayerHeuristic }

// Extract runs synchronously. Internal panics surface as
// heuristic_internal errors.
func (h *Heuristic) Extract(ctx context.Context, in Input) (res LayerResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = LayerResult{}
			err = NewLayerError(LayerHeuristic, KindInternal, fmt.Errorf("panic: %v", r))
		}
	}()

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return LayerResult{}, NewLayerError(LayerHeuristic, KindEmptyInput, errors.New("empty text"))
	}

	res = LayerResult{
		Layer:         LayerHeuristic,
		EventType:     h.classifyEvent(text),
		Locations:     h.findLocations(text),
		People:        h.findPeople(text),
		Organizations: h.canonical(append(matchEntries(text, h.organizations), trimLeadingStopwords(capture(text, organizationPatterns))...)),
		Schemes:       h.canonical(append(matchEntries(text, h.schemes), trimLeadingStopwords(capture(text, schemePatterns))...)),
	}
	res.Confidence = heuristicConfidence(res)

	if h.requireMatch && !res.Found() {
		return LayerResult{}, NewLayerError(LayerHeuristic, KindMismatch, errors.New("no known entity or event keyword in text"))
	}
	return res, nil
}

func heuristicConfidence(r LayerResult) float64 {
	conf := heuristicBase
	if r.EventType != EventOther {
		conf += heuristicStep
	}
	for _, field := range [][]string{r.Locations, r.People, r.Organizations, r.Schemes} {
		if len(field) > 0 {
			conf += heuristicStep
		}
	}
	return clamp01(conf)
}

func (h *Heuristic) classifyEvent(text string) EventType {
	best, bestHits := EventOther, 0
	for _, et := range eventPriority {
		re, ok := h.events[et]
		if !ok {
			continue
		}
		if hits := len(re.FindAllStringIndex(text, -1)); hits > bestHits {
			best, bestHits = et, hits
		}
	}
	return best
}

func (h *Heuristic) findLocations(text string) []string {
	found := matchEntries(text, h.places)
	found = append(found, capture(text, hindiPlacePatterns)...)
	found = append(found, capture(text, latinPlacePatterns)...)
	return h.canonical(found)
}

func (h *Heuristic) findPeople(text string) []string {
	found := matchEntries(text, h.people)
	for _, re := range []*regexp.Regexp{h.honorLatin, h.honorHindi} {
		if re == nil {
			continue
		}
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if name := trimName(m[1]); name != "" {
				found = append(found, name)
			}
		}
	}
	return h.canonical(found)
}

// canonical maps known spellings to dictionary names and removes duplicates.
func (h *Heuristic) canonical(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if name, ok := h.aliases[NormalizeKey(item)]; ok {
			item = name
		}
		out = append(out, item)
	}
	return CleanList(out)
}

type span struct {
	start, end int
	name       string
}

// matchEntries returns entry names found in text. When spellings overlap
// ("नवा रायपुर" and "रायपुर") only the longest span counts.
func matchEntries(text string, matchers []entryMatcher) []string {
	var spans []span
	for _, m := range matchers {
		for _, loc := range m.re.FindAllStringIndex(text, -1) {
			spans = append(spans, span{loc[0], loc[1], m.name})
		}
	}
	sort.SliceStable(spans, func(i, j int) bool {
		li, lj := spans[i].end-spans[i].start, spans[j].end-spans[j].start
		if li != lj {
			return li > lj
		}
		return spans[i].start < spans[j].start
	})

	var kept []span
	for _, s := range spans {
		overlaps := false
		for _, k := range kept {
			if s.start < k.end && k.start < s.end {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, s)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].start < kept[j].start })

	names := make([]string, 0, len(kept))
	for _, k := range kept {
		names = append(names, k.name)
	}
	return names
}

// capture returns the first submatch of every pattern hit, skipping
// stopwords.
func capture(text string, patterns []*regexp.Regexp) []string {
	var out []string
	for _, re := range patterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			v := strings.TrimSpace(m[1])
			if v == "" || stopwords[v] {
				continue
			}
			out = append(out, v)
		}
	}
	return out
}

func trimLeadingStopwords(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		words := strings.Fields(item)
		for len(words) > 1 && stopwords[words[0]] {
			words = words[1:]
		}
		out = append(out, strings.Join(words, " "))
	}
	return out
}

// trimName cuts a captured name at the first stopword.
func trimName(raw string) string {
	words := strings.Fields(raw)
	for i, w := range words {
		if stopwords[w] {
			words = words[:i]
			break
		}
	}
	return strings.Join(words, " ")
}

// honorificRegexps builds one pattern for Latin and one for Devanagari
// honorifics. Each captures up to three following name words; honorifics may
// stack ("मुख्यमंत्री श्री ...").
func honorificRegexps(honorifics []string) (latin, hindi *regexp.Regexp) {
	var lat, dev []string
	for _, h := range honorifics {
		h = strings.TrimSuffix(strings.TrimSpace(h), ".")
		if h == "" {
			continue
		}
		if isLatin(h) {
			lat = append(lat, regexp.QuoteMeta(h))
		} else {
			dev = append(dev, regexp.QuoteMeta(h))
		}
	}
	// Longest first so "श्रीमती" wins over "श्री".
	byLen := func(s []string) {
		sort.SliceStable(s, func(i, j int) bool { return len(s[i]) > len(s[j]) })
	}
	byLen(lat)
	byLen(dev)
	if len(lat) > 0 {
		latin = regexp.MustCompile(`\b(?:(?:` + strings.Join(lat, "|") + `)\.?\s+)+([A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+){0,2})`)
	}
	if len(dev) > 0 {
		hindi = regexp.MustCompile(`(?:(?:` + strings.Join(dev, "|") + `)\.?\s+)+(` + devaWord + `(?:\s+` + devaWord + `){0,2})`)
	}
	return latin, hindi
}
