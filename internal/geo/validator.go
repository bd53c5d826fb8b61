package geo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hurttlocker/tweetfacts/internal/extract"
)

// Default thresholds for the two backend tiers.
const (
	DefaultPrimaryThreshold   = 0.70
	DefaultSecondaryThreshold = 0.65
)

// Tier is a backend and the minimum score that verifies a candidate.
type Tier struct {
	Backend   Backend
	Threshold float64
}

// ValidatorConfig tunes geo-validation.
type ValidatorConfig struct {
	Timeout              time.Duration // per backend call
	Limit                int           // matches requested per call
	Concurrency          int           // candidates checked at once
	VerifiedConfidence   float64
	UnverifiedConfidence float64
}

// DefaultValidatorConfig returns the standard settings.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		Timeout:              5 * time.Second,
		Limit:                5,
		Concurrency:          4,
		VerifiedConfidence:   0.9,
		UnverifiedConfidence: 0.1,
	}
}

// Verification is the outcome for one candidate.
type Verification struct {
	Candidate LocationCandidate `json:"candidate"`
	Verified  bool              `json:"verified"`
	Backend   string            `json:"backend,omitempty"`
	Match     *Match            `json:"match,omitempty"`
	Errors    []string          `json:"errors,omitempty"`

	searched bool // at least one backend answered
}

// Report is the geo layer's result plus per-candidate detail.
type Report struct {
	Result     extract.LayerResult
	Candidates []Verification
}

// Verified returns the number of verified candidates.
func (r *Report) Verified() int {
	n := 0
	for _, v := range r.Candidates {
		if v.Verified {
			n++
		}
	}
	return n
}

// Validator checks candidates against backend tiers in order; the first
// tier with a match at or above its threshold verifies the candidate.
type Validator struct {
	tiers []Tier
	cfg   ValidatorConfig
}

// NewValidator builds a validator. At least one tier is required.
func NewValidator(cfg ValidatorConfig, tiers ...Tier) (*Validator, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("geo: at least one backend is required")
	}
	for _, t := range tiers {
		if t.Backend == nil {
			return nil, fmt.Errorf("geo: nil backend")
		}
		if t.Threshold <= 0 || t.Threshold > 1 {
			return nil, fmt.Errorf("geo: threshold for %s must be in (0, 1], got %v", t.Backend.Name(), t.Threshold)
		}
	}
	def := DefaultValidatorConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.VerifiedConfidence == 0 && cfg.UnverifiedConfidence == 0 {
		cfg.VerifiedConfidence, cfg.UnverifiedConfidence = def.VerifiedConfidence, def.UnverifiedConfidence
	}
	return &Validator{tiers: tiers, cfg: cfg}, nil
}

// Backends lists the configured backend names in tier order.
func (v *Validator) Backends() []string {
	names := make([]string, len(v.tiers))
	for i, t := range v.tiers {
		names[i] = t.Backend.Name()
	}
	return names
}

// Validate checks every candidate. It fails with geo_empty_input when there
// are no candidates and geo_backend_error when no backend answered for any
// candidate. Unverified candidates are not an error here.
func (v *Validator) Validate(ctx context.Context, cands []LocationCandidate) (*Report, error) {
	if len(cands) == 0 {
		return nil, extract.NewLayerError(extract.LayerGeo, extract.KindEmptyInput, errors.New("no location candidates"))
	}

	checks := make([]Verification, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.Concurrency)
	for i, c := range cands {
		g.Go(func() error {
			checks[i] = v.check(gctx, c)
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{Candidates: checks}
	res := extract.LayerResult{Layer: extract.LayerGeo, Confidence: v.cfg.UnverifiedConfidence}
	var errs []error
	unchecked := 0
	for _, c := range checks {
		if !c.searched {
			unchecked++
			for _, e := range c.Errors {
				errs = append(errs, fmt.Errorf("%s: %s", c.Candidate.Name, e))
			}
			continue
		}
		if c.Verified {
			res.Locations = append(res.Locations, c.Candidate.Name)
			if !res.GeoVerified {
				res.GeoVerified, res.GeoBackend = true, c.Backend
			}
		}
	}
	if unchecked == len(checks) {
		return nil, extract.NewLayerError(extract.LayerGeo, extract.KindBackendError, errors.Join(errs...))
	}
	if res.GeoVerified {
		res.Confidence = v.cfg.VerifiedConfidence
	}
	if unchecked > 0 {
		res.Error = fmt.Sprintf("geo: %d of %d candidates unchecked (backend errors)", unchecked, len(checks))
	}
	report.Result = res
	return report, nil
}

func (v *Validator) check(ctx context.Context, c LocationCandidate) Verification {
	out := Verification{Candidate: c}
	for _, t := range v.tiers {
		matches, err := v.search(ctx, t.Backend, c.Query)
		if err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", t.Backend.Name(), err))
			continue
		}
		out.searched = true
		if best := bestAbove(matches, t.Threshold); best != nil {
			out.Verified, out.Backend, out.Match = true, t.Backend.Name(), best
			return out
		}
	}
	return out
}

func (v *Validator) search(ctx context.Context, b Backend, query string) ([]Match, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()
	return b.Search(ctx, query, v.cfg.Limit)
}

// bestAbove returns the highest-scoring match at or above threshold.
func bestAbove(matches []Match, threshold float64) *Match {
	var best *Match
	for i := range matches {
		m := &matches[i]
		if m.Score >= threshold && (best == nil || m.Score > best.Score) {
			best = m
		}
	}
	return best
}
