// Package consensus merges per-layer extraction results into one record by
// weighted voting.
package consensus

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/hurttlocker/tweetfacts/internal/extract"
)

const epsilon = 1e-9

// Config controls voting.
type Config struct {
	// Weights per layer. Layers missing from the map get weight 1.
	Weights map[extract.LayerTag]float64
	// Threshold is the number of layers that must agree on the event type
	// for the agreement bonus and to avoid review.
	Threshold int
	// CollectionFraction of the covering weight an item needs to be kept.
	CollectionFraction float64
	// CollectionMinWeight, when > 0, replaces the fractional threshold.
	CollectionMinWeight float64
	// ReviewConfidence is the confidence floor below which a record needs
	// review.
	ReviewConfidence float64
	// AgreementBonus is added to the mean confidence on agreement.
	AgreementBonus float64
}

// DefaultConfig returns the standard weights: primary 3, secondary 2,
// heuristic 1, geo 1.
func DefaultConfig() Config {
	return Config{
		Weights: map[extract.LayerTag]float64{
			extract.LayerPrimary:   3,
			extract.LayerSecondary: 2,
			extract.LayerHeuristic: 1,
			extract.LayerGeo:       1,
		},
		Threshold:          2,
		CollectionFraction: 2.0 / 3.0,
		ReviewConfidence:   0.65,
		AgreementBonus:     0.15,
	}
}

// Validate rejects configs that make voting meaningless.
func (c Config) Validate() error {
	for tag, w := range c.Weights {
		if w <= 0 {
			return fmt.Errorf("weight for %s must be positive, got %g", tag, w)
		}
	}
	if c.Threshold < 1 {
		return fmt.Errorf("consensus threshold must be >= 1, got %d", c.Threshold)
	}
	if c.CollectionFraction <= 0 || c.CollectionFraction > 1 {
		return fmt.Errorf("collection fraction must be in (0, 1], got %g", c.CollectionFraction)
	}
	if c.CollectionMinWeight < 0 {
		return fmt.Errorf("collection min weight must be >= 0, got %g", c.CollectionMinWeight)
	}
	if c.ReviewConfidence < 0 || c.ReviewConfidence > 1 {
		return fmt.Errorf("review confidence must be in [0, 1], got %g", c.ReviewConfidence)
	}
	if c.AgreementBonus < 0 || c.AgreementBonus > 1 {
		return fmt.Errorf("agreement bonus must be in [0, 1], got %g", c.AgreementBonus)
	}
	return nil
}

// Result is the merged record for one input.
type Result struct {
	ID                string             `json:"id,omitempty"`
	EventType         extract.EventType  `json:"event_type"`
	Locations         []string           `json:"locations"`
	People            []string           `json:"people"`
	Organizations     []string           `json:"organizations"`
	Schemes           []string           `json:"schemes"`
	OverallConfidence float64            `json:"overall_confidence"`
	ConsensusScore    int                `json:"consensus_score"`
	NeedsReview       bool               `json:"needs_review"`
	LayersUsed        []extract.LayerTag `json:"layers_used"`
	Reasoning         string             `json:"reasoning"`
	// LayerErrors lists failures tolerated in best-effort mode and
	// degradation notes from layers that still returned data.
	LayerErrors []string `json:"layer_errors,omitempty"`
}

// ErrNoResults is returned when Vote is called without any layer result.
var ErrNoResults = errors.New("consensus: no layer results to vote on")

// Option configures a Voter.
type Option func(*Voter)

// WithAliases maps alternate spellings (normalized keys) to canonical
// names so that "रायपुर" and "Raipur" vote together.
func WithAliases(aliases map[string]string) Option {
	return func(v *Voter) { v.aliases = aliases }
}

// Voter is stateless after construction and safe for concurrent use.
type Voter struct {
	cfg     Config
	aliases map[string]string
}

// NewVoter validates cfg and returns a Voter.
func NewVoter(cfg Config, opts ...Option) (*Voter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	v := &Voter{cfg: cfg}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Weight returns the voting weight of a layer.
func (v *Voter) Weight(tag extract.LayerTag) float64 {
	if w, ok := v.cfg.Weights[tag]; ok {
		return w
	}
	return 1
}

// Vote merges results. It is a pure function of its input: the order of
// results does not matter.
func (v *Voter) Vote(results []extract.LayerResult) (*Result, error) {
	if len(results) == 0 {
		return nil, ErrNoResults
	}
	ordered := make([]extract.LayerResult, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Layer.Priority() < ordered[j].Layer.Priority()
	})

	out := &Result{LayersUsed: make([]extract.LayerTag, 0, len(ordered))}
	for _, r := range ordered {
		out.LayersUsed = append(out.LayersUsed, r.Layer)
		if r.Error != "" {
			out.LayerErrors = append(out.LayerErrors, fmt.Sprintf("%s: %s", r.Layer, r.Error))
		}
	}

	event := v.voteEvent(ordered)
	out.EventType = event.winner
	out.ConsensusScore = event.agreement

	var notes []string
	for _, f := range []struct {
		name    string
		get     func(extract.LayerResult) []string
		dst     *[]string
		geoVote bool
	}{
		{"locations", func(r extract.LayerResult) []string { return r.Locations }, &out.Locations, true},
		{"people", func(r extract.LayerResult) []string { return r.People }, &out.People, false},
		{"organizations", func(r extract.LayerResult) []string { return r.Organizations }, &out.Organizations, false},
		{"schemes", func(r extract.LayerResult) []string { return r.Schemes }, &out.Schemes, false},
	} {
		accepted, note := v.voteCollection(ordered, f.name, f.get, f.geoVote)
		*f.dst = accepted
		if note != "" {
			notes = append(notes, note)
		}
	}

	var sum float64
	for _, r := range ordered {
		sum += r.Confidence
	}
	conf := sum / float64(len(ordered))
	bonus := false
	if len(ordered) > 1 && event.agreement >= v.cfg.Threshold {
		conf += v.cfg.AgreementBonus
		bonus = true
	}
	out.OverallConfidence = round4(math.Min(conf, 1))

	var review []string
	if out.OverallConfidence < v.cfg.ReviewConfidence {
		review = append(review, fmt.Sprintf("confidence %.2f below %.2f", out.OverallConfidence, v.cfg.ReviewConfidence))
	}
	if event.agreement < v.cfg.Threshold {
		review = append(review, fmt.Sprintf("agreement %d below %d", event.agreement, v.cfg.Threshold))
	}
	if out.EventType == extract.EventOther {
		review = append(review, "event type unclassified")
	}
	out.NeedsReview = len(review) > 0

	out.Reasoning = v.reasoning(event, notes, bonus, review)
	return out, nil
}

type eventVote struct {
	winner    extract.EventType
	score     float64
	agreement int
	voters    int
	backers   []extract.LayerTag
	runnerUp  extract.EventType
	runnerSc  float64
}

// voteEvent scores each value by weight*confidence. Ties go to the value
// backed by the highest-priority layer. ordered is sorted by priority, so
// the first layer voting for a value is its best backer.
func (v *Voter) voteEvent(ordered []extract.LayerResult) eventVote {
	scores := map[extract.EventType]float64{}
	bestRank := map[extract.EventType]int{}
	var values []extract.EventType
	voters := 0
	for _, r := range ordered {
		if r.EventType == "" {
			continue
		}
		voters++
		if _, seen := scores[r.EventType]; !seen {
			values = append(values, r.EventType)
			bestRank[r.EventType] = r.Layer.Priority()
		}
		scores[r.EventType] += v.Weight(r.Layer) * r.Confidence
	}
	if len(values) == 0 {
		return eventVote{winner: extract.EventOther}
	}

	sort.SliceStable(values, func(i, j int) bool {
		si, sj := scores[values[i]], scores[values[j]]
		if math.Abs(si-sj) > epsilon {
			return si > sj
		}
		return bestRank[values[i]] < bestRank[values[j]]
	})

	ev := eventVote{winner: values[0], score: scores[values[0]], voters: voters}
	if len(values) > 1 {
		ev.runnerUp, ev.runnerSc = values[1], scores[values[1]]
	}
	for _, r := range ordered {
		if r.EventType == ev.winner {
			ev.agreement++
			ev.backers = append(ev.backers, r.Layer)
		}
	}
	return ev
}

type tally struct {
	display string
	weight  float64
	order   int
}

// voteCollection keeps items whose summed layer weight reaches the
// threshold. Only layers covering the field count toward the total; geo
// validation covers locations alone.
func (v *Voter) voteCollection(ordered []extract.LayerResult, field string, get func(extract.LayerResult) []string, geoVotes bool) ([]string, string) {
	var total float64
	covering := 0
	tallies := map[string]*tally{}
	next := 0
	for _, r := range ordered {
		if r.Layer == extract.LayerGeo && !geoVotes {
			continue
		}
		w := v.Weight(r.Layer)
		total += w
		covering++
		seen := map[string]bool{}
		for _, item := range get(r) {
			display, key := v.canonical(item)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			t, ok := tallies[key]
			if !ok {
				t = &tally{display: display, order: next}
				next++
				tallies[key] = t
			}
			t.weight += w
		}
	}
	if len(tallies) == 0 {
		return []string{}, ""
	}

	threshold := v.cfg.CollectionFraction * total
	if v.cfg.CollectionMinWeight > 0 {
		threshold = v.cfg.CollectionMinWeight
	}
	// A lone covering layer wins the field outright.
	if covering == 1 && threshold > total {
		threshold = total
	}

	kept := make([]*tally, 0, len(tallies))
	dropped := 0
	for _, t := range tallies {
		if t.weight+epsilon >= threshold {
			kept = append(kept, t)
		} else {
			dropped++
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if math.Abs(kept[i].weight-kept[j].weight) > epsilon {
			return kept[i].weight > kept[j].weight
		}
		return kept[i].order < kept[j].order
	})

	out := make([]string, len(kept))
	for i, t := range kept {
		out[i] = t.display
	}
	note := fmt.Sprintf("%s: %d kept", field, len(kept))
	if dropped > 0 {
		note += fmt.Sprintf(", %d below %.2f/%.2f", dropped, threshold, total)
	}
	return out, note
}

// canonical returns the display form and vote key of an item.
func (v *Voter) canonical(item string) (string, string) {
	display := strings.Join(strings.Fields(item), " ")
	key := extract.NormalizeKey(display)
	if name, ok := v.aliases[key]; ok {
		return name, extract.NormalizeKey(name)
	}
	return display, key
}

func (v *Voter) reasoning(ev eventVote, notes []string, bonus bool, review []string) string {
	var b strings.Builder
	if ev.voters == 0 {
		b.WriteString("event_type: no layer voted, defaulting to other")
	} else {
		backers := make([]string, len(ev.backers))
		for i, t := range ev.backers {
			backers[i] = string(t)
		}
		fmt.Fprintf(&b, "event_type=%s (score %.2f from %s; %d/%d layers agree)",
			ev.winner, ev.score, strings.Join(backers, ", "), ev.agreement, ev.voters)
		if ev.runnerUp != "" {
			fmt.Fprintf(&b, ", runner-up %s %.2f", ev.runnerUp, ev.runnerSc)
		}
	}
	for _, n := range notes {
		b.WriteString("; ")
		b.WriteString(n)
	}
	if bonus {
		fmt.Fprintf(&b, "; +%.2f agreement bonus", v.cfg.AgreementBonus)
	}
	if len(review) > 0 {
		b.WriteString("; review: ")
		b.WriteString(strings.Join(review, ", "))
	}
	return b.String()
}

func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}
