// Package engine runs the extraction layers for one post under a failure
// policy, optionally validates locations, and votes the results into one
// record.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hurttlocker/tweetfacts/internal/consensus"
	"github.com/hurttlocker/tweetfacts/internal/extract"
	"github.com/hurttlocker/tweetfacts/internal/geo"
)

// Policy decides how layer failures are handled.
type Policy string

const (
	// PolicyStrict runs layers in priority order and aborts on the first
	// failure.
	PolicyStrict Policy = "strict"
	// PolicyBestEffort runs layers concurrently and votes on whatever
	// succeeded.
	PolicyBestEffort Policy = "best_effort"
)

// ParsePolicy accepts "strict", "best_effort" and "best-effort".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict":
		return PolicyStrict, nil
	case "best_effort", "best-effort", "":
		return PolicyBestEffort, nil
	}
	return "", fmt.Errorf("unknown policy %q (want strict or best_effort)", s)
}

// Request is one post to parse. ID and ReferenceDate are optional.
type Request struct {
	ID            string    `json:"id,omitempty"`
	Text          string    `json:"text"`
	ReferenceDate time.Time `json:"reference_date,omitempty"`
}

// ParseReferenceDate accepts YYYY-MM-DD or RFC 3339.
func ParseReferenceDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid reference date %q: want YYYY-MM-DD or RFC 3339", raw)
	}
	return t, nil
}

// Result is the voted record plus geo and hierarchy detail.
type Result struct {
	consensus.Result
	ReferenceDate time.Time          `json:"reference_date"`
	Geo           []geo.Verification `json:"geo,omitempty"`
	Hierarchies   []geo.Hierarchy    `json:"hierarchies,omitempty"`
}

// GeoValidator checks location candidates.
type GeoValidator interface {
	Validate(ctx context.Context, cands []geo.LocationCandidate) (*geo.Report, error)
}

// Metrics receives engine events.
type Metrics interface {
	Parse(policy, outcome string, d time.Duration)
	Layer(layer, result string, d time.Duration)
	GeoCandidates(verified, total int)
}

// Option configures a Parser.
type Option func(*Parser)

// WithGeo enables geo-validation of extracted locations.
func WithGeo(v GeoValidator) Option { return func(p *Parser) { p.geo = v } }

// WithResolver attaches hierarchy resolution for accepted locations.
func WithResolver(r geo.HierarchyResolver) Option { return func(p *Parser) { p.resolver = r } }

// WithLogger sets the logger. Nil means no logging.
func WithLogger(l *zap.Logger) Option {
	return func(p *Parser) {
		if l != nil {
			p.log = l
		}
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option { return func(p *Parser) { p.metrics = m } }

// WithRegion sets the region appended to geo search queries.
func WithRegion(region string) Option { return func(p *Parser) { p.region = region } }

// WithClock overrides the time source used for default reference dates and
// durations.
func WithClock(now func() time.Time) Option { return func(p *Parser) { p.now = now } }

// Parser is safe for concurrent use; it holds no per-parse state.
type Parser struct {
	policy   Policy
	layers   []extract.Layer
	voter    *consensus.Voter
	geo      GeoValidator
	resolver geo.HierarchyResolver
	region   string
	log      *zap.Logger
	metrics  Metrics
	now      func() time.Time
}

// New builds a parser. Layers are run in priority order whatever order
// they are given in; each tag may appear once.
func New(policy Policy, voter *consensus.Voter, layers []extract.Layer, opts ...Option) (*Parser, error) {
	if policy != PolicyStrict && policy != PolicyBestEffort {
		return nil, fmt.Errorf("engine: unknown policy %q", policy)
	}
	if voter == nil {
		return nil, errors.New("engine: voter is required")
	}
	if len(layers) == 0 {
		return nil, errors.New("engine: at least one layer is required")
	}
	seen := map[extract.LayerTag]bool{}
	ordered := make([]extract.Layer, 0, len(layers))
	for _, l := range layers {
		tag := l.Tag()
		if tag == extract.LayerGeo {
			return nil, errors.New("engine: geo-validation is configured with WithGeo, not as a layer")
		}
		if seen[tag] {
			return nil, fmt.Errorf("engine: duplicate layer %s", tag)
		}
		seen[tag] = true
		ordered = append(ordered, l)
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].Tag().Priority() < ordered[j-1].Tag().Priority(); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	p := &Parser{
		policy: policy,
		layers: ordered,
		voter:  voter,
		region: geo.DefaultRegion,
		log:    zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Policy returns the configured failure policy.
func (p *Parser) Policy() Policy { return p.policy }

// Layers returns the configured layer tags in run order.
func (p *Parser) Layers() []extract.LayerTag {
	tags := make([]extract.LayerTag, len(p.layers))
	for i, l := range p.layers {
		tags[i] = l.Tag()
	}
	return tags
}

// Parse runs the layers on one post. It returns ErrEmptyText,
// *AggregateParsingFailure (strict) or *AllLayersFailedError (best effort)
// on failure.
func (p *Parser) Parse(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}
	start := p.now()
	in := extract.Input{ID: req.ID, Text: req.Text, ReferenceDate: req.ReferenceDate}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.ReferenceDate.IsZero() {
		in.ReferenceDate = start
	}
	log := p.log.With(zap.String("id", in.ID), zap.String("policy", string(p.policy)))

	var res *Result
	var err error
	if p.policy == PolicyStrict {
		res, err = p.parseStrict(ctx, in, log)
	} else {
		res, err = p.parseBestEffort(ctx, in, log)
	}

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "failed"
		log.Warn("engine: parse failed", zap.Error(err))
	case res.NeedsReview:
		outcome = "review"
	}
	if p.metrics != nil {
		p.metrics.Parse(string(p.policy), outcome, p.now().Sub(start))
	}
	if err != nil {
		return nil, err
	}

	res.ID = in.ID
	res.ReferenceDate = in.ReferenceDate
	if p.resolver != nil && len(res.Locations) > 0 {
		p.resolve(ctx, in.Text, res, log)
	}
	log.Debug("engine: parsed",
		zap.String("event_type", string(res.EventType)),
		zap.Float64("confidence", res.OverallConfidence),
		zap.Bool("needs_review", res.NeedsReview),
	)
	return res, nil
}

func (p *Parser) parseStrict(ctx context.Context, in extract.Input, log *zap.Logger) (*Result, error) {
	var results []extract.LayerResult
	var messages []string
	fail := func(le *extract.LayerError) error {
		return &AggregateParsingFailure{
			ID:       in.ID,
			Layer:    le.Layer,
			Cause:    le.Cause,
			Messages: append(messages, le.Error()),
			Err:      le,
		}
	}

	for _, layer := range p.layers {
		res, le := p.runLayer(ctx, layer, in, log)
		if le != nil {
			return nil, fail(le)
		}
		if res.Error != "" {
			messages = append(messages, fmt.Sprintf("%s: %s", res.Layer, res.Error))
		}
		results = append(results, res)
	}

	var report *geo.Report
	if locs := unionLocations(results); p.geo != nil && len(locs) > 0 {
		var le *extract.LayerError
		report, le = p.runGeo(ctx, in.Text, locs, log)
		if le != nil {
			return nil, fail(le)
		}
		if !report.Result.GeoVerified {
			return nil, fail(extract.NewLayerError(extract.LayerGeo, extract.KindNoMatch,
				fmt.Errorf("none of %d location candidates verified", len(report.Candidates))))
		}
		results = append(results, report.Result)
	}
	return p.vote(results, nil, report)
}

func (p *Parser) parseBestEffort(ctx context.Context, in extract.Input, log *zap.Logger) (*Result, error) {
	results := make([]*extract.LayerResult, len(p.layers))
	failures := make([]*extract.LayerError, len(p.layers))

	var g errgroup.Group
	for i, layer := range p.layers {
		g.Go(func() error {
			res, le := p.runLayer(ctx, layer, in, log)
			if le != nil {
				failures[i] = le
				return nil
			}
			results[i] = &res
			return nil
		})
	}
	_ = g.Wait()

	var succeeded []extract.LayerResult
	var failed []*extract.LayerError
	for i := range p.layers {
		if results[i] != nil {
			succeeded = append(succeeded, *results[i])
		} else {
			failed = append(failed, failures[i])
		}
	}

	var report *geo.Report
	if locs := unionLocations(succeeded); p.geo != nil && len(locs) > 0 {
		var le *extract.LayerError
		report, le = p.runGeo(ctx, in.Text, locs, log)
		if le != nil {
			failed = append(failed, le)
		} else {
			succeeded = append(succeeded, report.Result)
		}
	}

	if len(succeeded) == 0 {
		return nil, &AllLayersFailedError{ID: in.ID, Errors: failed}
	}
	return p.vote(succeeded, failed, report)
}

func (p *Parser) vote(results []extract.LayerResult, failed []*extract.LayerError, report *geo.Report) (*Result, error) {
	voted, err := p.voter.Vote(results)
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		msgs := make([]string, 0, len(failed)+len(voted.LayerErrors))
		for _, le := range failed {
			msgs = append(msgs, le.Error())
		}
		voted.LayerErrors = append(msgs, voted.LayerErrors...)
	}
	out := &Result{Result: *voted}
	if report != nil {
		out.Geo = report.Candidates
	}
	return out, nil
}

// runLayer calls one layer and normalizes its error into a LayerError.
func (p *Parser) runLayer(ctx context.Context, layer extract.Layer, in extract.Input, log *zap.Logger) (extract.LayerResult, *extract.LayerError) {
	start := p.now()
	res, err := layer.Extract(ctx, in)
	elapsed := p.now().Sub(start)

	if err != nil {
		le := extract.ClassifyError(layer.Tag(), err)
		p.recordLayer(layer.Tag(), le.Cause, elapsed)
		log.Warn("engine: layer failed",
			zap.String("layer", string(layer.Tag())),
			zap.String("cause", le.Cause),
			zap.Duration("elapsed", elapsed),
			zap.Error(le.Err),
		)
		return extract.LayerResult{}, le
	}
	res.Layer = layer.Tag()
	p.recordLayer(layer.Tag(), "ok", elapsed)
	log.Debug("engine: layer finished",
		zap.String("layer", string(layer.Tag())),
		zap.String("event_type", string(res.EventType)),
		zap.Float64("confidence", res.Confidence),
		zap.Int("locations", len(res.Locations)),
		zap.Duration("elapsed", elapsed),
	)
	return res, nil
}

func (p *Parser) runGeo(ctx context.Context, text string, locations []string, log *zap.Logger) (*geo.Report, *extract.LayerError) {
	cands := geo.NormalizeCandidates(text, locations, p.region)
	start := p.now()
	report, err := p.geo.Validate(ctx, cands)
	elapsed := p.now().Sub(start)
	if err != nil {
		le := extract.ClassifyError(extract.LayerGeo, err)
		p.recordLayer(extract.LayerGeo, le.Cause, elapsed)
		log.Warn("engine: geo-validation failed", zap.String("cause", le.Cause), zap.Error(le.Err))
		return nil, le
	}
	p.recordLayer(extract.LayerGeo, "ok", elapsed)
	if p.metrics != nil {
		p.metrics.GeoCandidates(report.Verified(), len(report.Candidates))
	}
	log.Debug("engine: geo-validation finished",
		zap.Int("candidates", len(report.Candidates)),
		zap.Int("verified", report.Verified()),
		zap.String("backend", report.Result.GeoBackend),
	)
	return report, nil
}

func (p *Parser) recordLayer(tag extract.LayerTag, result string, d time.Duration) {
	if p.metrics != nil {
		p.metrics.Layer(string(tag), result, d)
	}
}

// resolve attaches hierarchies for accepted locations. Other accepted
// locations serve as district hints. An unresolved place flags the record
// for review.
func (p *Parser) resolve(ctx context.Context, text string, res *Result, log *zap.Logger) {
	var unresolved []string
	for _, loc := range res.Locations {
		hints := geo.Hints{Text: text}
		for _, other := range res.Locations {
			if other != loc {
				hints.Districts = append(hints.Districts, other)
			}
		}
		h, err := p.resolver.Resolve(ctx, loc, hints)
		if err != nil {
			log.Warn("engine: hierarchy resolution failed", zap.String("place", loc), zap.Error(err))
			h = geo.Hierarchy{Place: loc, NeedsReview: true, Explanations: []string{err.Error()}}
		}
		if h.NeedsReview {
			unresolved = append(unresolved, loc)
		}
		res.Hierarchies = append(res.Hierarchies, h)
	}
	if len(unresolved) > 0 {
		res.NeedsReview = true
		res.Reasoning += fmt.Sprintf("; hierarchy unresolved for %s", strings.Join(unresolved, ", "))
	}
}

// unionLocations collects locations from all results, first spelling wins.
func unionLocations(results []extract.LayerResult) []string {
	var all []string
	for _, r := range results {
		all = append(all, r.Locations...)
	}
	return extract.CleanList(all)
}
