package consensus

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/hurttlocker/tweetfacts/internal/extract"
)

func newTestVoter(t *testing.T, opts ...Option) *Voter {
	t.Helper()
	v, err := NewVoter(DefaultConfig(), opts...)
	if err != nil {
		t.Fatalf("NewVoter: %v", err)
	}
	return v
}

func layer(tag extract.LayerTag, et extract.EventType, conf float64) extract.LayerResult {
	return extract.LayerResult{Layer: tag, EventType: et, Confidence: conf}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-4 }

func TestVote_AllAgreeRally(t *testing.T) {
	v := newTestVoter(t)
	res, err := v.Vote([]extract.LayerResult{
		layer(extract.LayerPrimary, extract.EventRally, 0.9),
		layer(extract.LayerSecondary, extract.EventRally, 0.8),
		layer(extract.LayerHeuristic, extract.EventRally, 0.6),
	})
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if res.EventType != extract.EventRally {
		t.Fatalf("event_type = %q, want rally", res.EventType)
	}
	if res.ConsensusScore != 3 {
		t.Fatalf("consensus_score = %d, want 3", res.ConsensusScore)
	}
	// mean(0.9, 0.8, 0.6) + 0.15
	if !approx(res.OverallConfidence, 0.9167) {
		t.Fatalf("overall_confidence = %v, want 0.9167", res.OverallConfidence)
	}
	if res.NeedsReview {
		t.Fatalf("unexpected review flag: %s", res.Reasoning)
	}
	if !strings.Contains(res.Reasoning, "score 4.90") {
		t.Fatalf("reasoning should report the winning score: %s", res.Reasoning)
	}
}

func TestVote_WeightedScoreBeatsMajority(t *testing.T) {
	v := newTestVoter(t)
	// rally: 3*0.9 = 2.7; meeting: 2*0.6 + 1*0.5 = 1.7
	res, err := v.Vote([]extract.LayerResult{
		layer(extract.LayerPrimary, extract.EventRally, 0.9),
		layer(extract.LayerSecondary, extract.EventMeeting, 0.6),
		layer(extract.LayerHeuristic, extract.EventMeeting, 0.5),
	})
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if res.EventType != extract.EventRally {
		t.Fatalf("event_type = %q, want rally", res.EventType)
	}
	if res.ConsensusScore != 1 {
		t.Fatalf("consensus_score = %d, want 1", res.ConsensusScore)
	}
	if !res.NeedsReview {
		t.Fatalf("agreement below threshold should need review")
	}
}

func TestVote_TieBrokenByLayerPriority(t *testing.T) {
	v := newTestVoter(t)
	// secondary: 2*0.5 = 1.0, heuristic: 1*1.0 = 1.0
	res, err := v.Vote([]extract.LayerResult{
		layer(extract.LayerHeuristic, extract.EventInspection, 1.0),
		layer(extract.LayerSecondary, extract.EventMeeting, 0.5),
	})
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if res.EventType != extract.EventMeeting {
		t.Fatalf("tie should go to the secondary model's value, got %q", res.EventType)
	}
}

func TestVote_SingleLayerNoBonus(t *testing.T) {
	v := newTestVoter(t)
	in := extract.LayerResult{
		Layer:      extract.LayerHeuristic,
		EventType:  extract.EventOther,
		Confidence: 0.3,
		Locations:  []string{},
	}
	res, err := v.Vote([]extract.LayerResult{in})
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if res.OverallConfidence != 0.3 {
		t.Fatalf("overall_confidence = %v, want 0.3", res.OverallConfidence)
	}
	if res.EventType != extract.EventOther || !res.NeedsReview {
		t.Fatalf("expected other + needs_review, got %+v", res)
	}
	if !reflect.DeepEqual(res.LayersUsed, []extract.LayerTag{extract.LayerHeuristic}) {
		t.Fatalf("layers_used = %v", res.LayersUsed)
	}
}

func TestVote_SingleLayerKeepsAllItems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CollectionMinWeight = 5
	v, err := NewVoter(cfg)
	if err != nil {
		t.Fatalf("NewVoter: %v", err)
	}
	res, err := v.Vote([]extract.LayerResult{{
		Layer: extract.LayerHeuristic, EventType: extract.EventMeeting, Confidence: 0.6,
		People: []string{"Arun Sao", "Vijay Sharma"},
	}})
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if len(res.People) != 2 {
		t.Fatalf("single layer should win every field, got %v", res.People)
	}
}

func TestVote_MinWeightNotLoweredForSeveralLayers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CollectionMinWeight = 5
	v, err := NewVoter(cfg)
	if err != nil {
		t.Fatalf("NewVoter: %v", err)
	}
	res, err := v.Vote([]extract.LayerResult{
		{Layer: extract.LayerPrimary, EventType: extract.EventRally, Confidence: 0.9,
			Locations: []string{"Raipur"}},
		{Layer: extract.LayerHeuristic, EventType: extract.EventRally, Confidence: 0.5,
			Locations: []string{"Raipur"}},
	})
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	// Raipur collects 3+1 = 4, below the configured 5.
	if len(res.Locations) != 0 {
		t.Fatalf("locations = %v, want none below min weight 5", res.Locations)
	}
}

func TestVote_CollectionThreshold(t *testing.T) {
	v := newTestVoter(t)
	// Total weight 6, threshold 4.
	res, err := v.Vote([]extract.LayerResult{
		{Layer: extract.LayerPrimary, EventType: extract.EventMeeting, Confidence: 0.9,
			Locations: []string{"Raipur", "Durg"}, People: []string{"Amit Shah"}},
		{Layer: extract.LayerSecondary, EventType: extract.EventMeeting, Confidence: 0.8,
			Locations: []string{"raipur"}, People: []string{"Amit Shah", "Arun Sao"}},
		{Layer: extract.LayerHeuristic, EventType: extract.EventMeeting, Confidence: 0.5,
			Locations: []string{"Durg", "Bhilai"}, People: []string{"Arun Sao"}},
	})
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	// Raipur 5, Durg 4, Bhilai 1.
	if !reflect.DeepEqual(res.Locations, []string{"Raipur", "Durg"}) {
		t.Fatalf("locations = %v, want [Raipur Durg]", res.Locations)
	}
	// Amit Shah 5, Arun Sao 3.
	if !reflect.DeepEqual(res.People, []string{"Amit Shah"}) {
		t.Fatalf("people = %v, want [Amit Shah]", res.People)
	}
	if res.Organizations == nil || len(res.Organizations) != 0 {
		t.Fatalf("organizations should be empty, got %#v", res.Organizations)
	}
}

func TestVote_AcceptedItemsMeetThreshold(t *testing.T) {
	v := newTestVoter(t)
	results := []extract.LayerResult{
		{Layer: extract.LayerPrimary, EventType: extract.EventRally, Confidence: 0.7, Schemes: []string{"A", "B", "C"}},
		{Layer: extract.LayerSecondary, EventType: extract.EventRally, Confidence: 0.7, Schemes: []string{"B", "D"}},
		{Layer: extract.LayerHeuristic, EventType: extract.EventRally, Confidence: 0.4, Schemes: []string{"A", "C", "D", "E"}},
	}
	weights := map[string]float64{}
	for _, r := range results {
		for _, s := range r.Schemes {
			weights[s] += v.Weight(r.Layer)
		}
	}
	res, err := v.Vote(results)
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	threshold := 2.0 / 3.0 * 6
	kept := map[string]bool{}
	for _, s := range res.Schemes {
		kept[s] = true
		if weights[s] < threshold {
			t.Errorf("%s kept with weight %v < %v", s, weights[s], threshold)
		}
	}
	for s, w := range weights {
		if w >= threshold && !kept[s] {
			t.Errorf("%s dropped with weight %v >= %v", s, w, threshold)
		}
	}
}

func TestVote_GeoCoversLocationsOnly(t *testing.T) {
	v := newTestVoter(t)
	res, err := v.Vote([]extract.LayerResult{
		{Layer: extract.LayerPrimary, EventType: extract.EventInspection, Confidence: 0.8,
			Locations: []string{"Kunkuri"}, People: []string{"Vishnu Deo Sai"}},
		{Layer: extract.LayerHeuristic, EventType: extract.EventInspection, Confidence: 0.6,
			People: []string{"Vishnu Deo Sai"}},
		{Layer: extract.LayerGeo, Confidence: 0.9, Locations: []string{"Kunkuri"}, GeoVerified: true},
	})
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	// Locations: total 5, Kunkuri 4 >= 3.33. People: total 4, geo excluded.
	if !reflect.DeepEqual(res.Locations, []string{"Kunkuri"}) {
		t.Fatalf("locations = %v", res.Locations)
	}
	if !reflect.DeepEqual(res.People, []string{"Vishnu Deo Sai"}) {
		t.Fatalf("people = %v", res.People)
	}
	// Geo does not vote on the event type.
	if res.ConsensusScore != 2 {
		t.Fatalf("consensus_score = %d, want 2", res.ConsensusScore)
	}
	if len(res.LayersUsed) != 3 || res.LayersUsed[2] != extract.LayerGeo {
		t.Fatalf("layers_used = %v", res.LayersUsed)
	}
}

func TestVote_AliasesMergeSpellings(t *testing.T) {
	v := newTestVoter(t, WithAliases(map[string]string{
		"रायपुर": "Raipur",
		"raipur": "Raipur",
	}))
	res, err := v.Vote([]extract.LayerResult{
		{Layer: extract.LayerPrimary, EventType: extract.EventRally, Confidence: 0.8, Locations: []string{"रायपुर"}},
		{Layer: extract.LayerHeuristic, EventType: extract.EventRally, Confidence: 0.5, Locations: []string{"Raipur"}},
	})
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if !reflect.DeepEqual(res.Locations, []string{"Raipur"}) {
		t.Fatalf("locations = %v, want [Raipur]", res.Locations)
	}
}

func TestVote_NoEventVotesDefaultsToOther(t *testing.T) {
	v := newTestVoter(t)
	res, err := v.Vote([]extract.LayerResult{
		{Layer: extract.LayerGeo, Confidence: 0.9, Locations: []string{"Durg"}},
	})
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if res.EventType != extract.EventOther || res.ConsensusScore != 0 || !res.NeedsReview {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestVote_OrderIndependent(t *testing.T) {
	v := newTestVoter(t)
	a := []extract.LayerResult{
		{Layer: extract.LayerPrimary, EventType: extract.EventCeremony, Confidence: 0.7, Locations: []string{"Bastar", "Jagdalpur"}},
		{Layer: extract.LayerSecondary, EventType: extract.EventCeremony, Confidence: 0.9, Locations: []string{"Jagdalpur", "Bastar"}},
		{Layer: extract.LayerHeuristic, EventType: extract.EventOther, Confidence: 0.4, Locations: []string{"Jagdalpur"}},
	}
	b := []extract.LayerResult{a[2], a[0], a[1]}
	ra, err := v.Vote(a)
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	rb, err := v.Vote(b)
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if !reflect.DeepEqual(ra, rb) {
		t.Fatalf("vote depends on input order:\n%+v\n%+v", ra, rb)
	}
	// Jagdalpur 6 ranks above Bastar 5.
	if !reflect.DeepEqual(ra.Locations, []string{"Jagdalpur", "Bastar"}) {
		t.Fatalf("locations = %v", ra.Locations)
	}
}

func TestVote_ConfidenceCapped(t *testing.T) {
	v := newTestVoter(t)
	res, err := v.Vote([]extract.LayerResult{
		layer(extract.LayerPrimary, extract.EventRally, 1),
		layer(extract.LayerSecondary, extract.EventRally, 1),
	})
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if res.OverallConfidence != 1 {
		t.Fatalf("overall_confidence = %v, want capped 1", res.OverallConfidence)
	}
}

func TestVote_DegradationNotesCarried(t *testing.T) {
	v := newTestVoter(t)
	r := layer(extract.LayerPrimary, extract.EventOther, 0.5)
	r.Error = `unknown event_type "protest" mapped to other`
	res, err := v.Vote([]extract.LayerResult{r})
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if len(res.LayerErrors) != 1 || !strings.HasPrefix(res.LayerErrors[0], "primary_model:") {
		t.Fatalf("layer_errors = %v", res.LayerErrors)
	}
}

func TestVote_Empty(t *testing.T) {
	v := newTestVoter(t)
	if _, err := v.Vote(nil); !errors.Is(err, ErrNoResults) {
		t.Fatalf("expected ErrNoResults, got %v", err)
	}
}

func TestNewVoter_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"zero weight", func(c *Config) { c.Weights[extract.LayerPrimary] = 0 }},
		{"zero threshold", func(c *Config) { c.Threshold = 0 }},
		{"fraction above one", func(c *Config) { c.CollectionFraction = 1.2 }},
		{"negative min weight", func(c *Config) { c.CollectionMinWeight = -1 }},
		{"review above one", func(c *Config) { c.ReviewConfidence = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mut(&cfg)
			if _, err := NewVoter(cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
