// Package metrics exposes parse, layer and rate-limiter counters in
// Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tweetfacts"

// Recorder holds the collectors on a private registry so tests and
// multiple engines do not collide on the global one.
type Recorder struct {
	reg *prometheus.Registry

	parses        *prometheus.CounterVec
	parseDuration *prometheus.HistogramVec
	layerCalls    *prometheus.CounterVec
	layerDuration *prometheus.HistogramVec
	limiterWaits  *prometheus.CounterVec
	limiterDelay  *prometheus.HistogramVec
	limiterReject *prometheus.CounterVec
	geoCandidates *prometheus.CounterVec
}

// NewRecorder creates and registers all collectors.
func NewRecorder() *Recorder {
	r := &Recorder{reg: prometheus.NewRegistry()}
	r.parses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "parses_total",
		Help:      "Parses by policy and outcome (ok, review, failed)",
	}, []string{"policy", "outcome"})
	r.parseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "parse_duration_seconds",
		Help:      "Wall time of a full parse",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"policy"})
	r.layerCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "layer_calls_total",
		Help:      "Extraction layer calls by layer and result (ok or cause code)",
	}, []string{"layer", "result"})
	r.layerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "layer_duration_seconds",
		Help:      "Wall time of one extraction layer call",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"layer"})
	r.limiterWaits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_waits_total",
		Help:      "Backoff waits taken by the rate limiter",
	}, []string{"endpoint"})
	r.limiterDelay = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ratelimit_wait_seconds",
		Help:      "Length of rate limiter backoff waits",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8),
	}, []string{"endpoint"})
	r.limiterReject = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_rejections_total",
		Help:      "Acquires that exhausted all retries",
	}, []string{"endpoint"})
	r.geoCandidates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geo_candidates_total",
		Help:      "Location candidates checked by geo-validation",
	}, []string{"verified"})

	r.reg.MustRegister(
		r.parses, r.parseDuration,
		r.layerCalls, r.layerDuration,
		r.limiterWaits, r.limiterDelay, r.limiterReject,
		r.geoCandidates,
	)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Parse records one finished parse. outcome is "ok", "review" or "failed".
func (r *Recorder) Parse(policy, outcome string, d time.Duration) {
	r.parses.WithLabelValues(policy, outcome).Inc()
	r.parseDuration.WithLabelValues(policy).Observe(d.Seconds())
}

// Layer records one layer call. result is "ok" or the failure cause code.
func (r *Recorder) Layer(layer, result string, d time.Duration) {
	r.layerCalls.WithLabelValues(layer, result).Inc()
	r.layerDuration.WithLabelValues(layer).Observe(d.Seconds())
}

// GeoCandidates records how many candidates were and were not verified.
func (r *Recorder) GeoCandidates(verified, total int) {
	r.geoCandidates.WithLabelValues(strconv.FormatBool(true)).Add(float64(verified))
	r.geoCandidates.WithLabelValues(strconv.FormatBool(false)).Add(float64(total - verified))
}

// Waited implements ratelimit.Observer.
func (r *Recorder) Waited(endpoint string, delay time.Duration) {
	r.limiterWaits.WithLabelValues(endpoint).Inc()
	r.limiterDelay.WithLabelValues(endpoint).Observe(delay.Seconds())
}

// Rejected implements ratelimit.Observer.
func (r *Recorder) Rejected(endpoint string) {
	r.limiterReject.WithLabelValues(endpoint).Inc()
}
