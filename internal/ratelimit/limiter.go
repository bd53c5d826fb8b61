// Package ratelimit provides local, per-endpoint admission control for
// remote services. Each endpoint keeps a rolling history of admitted calls;
// a call is admitted only while the history inside the window is below the
// endpoint's effective limit.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Endpoint names used by the parsing layers.
const (
	EndpointPrimary   = "primary_model"
	EndpointSecondary = "secondary_model"
	EndpointPinecone  = "geo_pinecone"
	EndpointVoyage    = "geo_voyage"
)

// Config holds limiter configuration. Limits are nominal provider quotas per
// window; the limiter admits floor(limit * SafetyMargin) of them.
type Config struct {
	Window         time.Duration
	SafetyMargin   float64
	DefaultLimit   int
	Limits         map[string]int
	MaxRetries     int
	InitialBackoff time.Duration
	Multiplier     float64
}

// DefaultConfig returns limits that sit below the free-tier quotas of the
// providers the layers talk to.
func DefaultConfig() Config {
	return Config{
		Window:         60 * time.Second,
		SafetyMargin:   0.9,
		DefaultLimit:   30,
		MaxRetries:     5,
		InitialBackoff: time.Second,
		Multiplier:     2.0,
		Limits: map[string]int{
			EndpointPrimary:   60,
			EndpointSecondary: 120,
			EndpointPinecone:  100,
			EndpointVoyage:    300,
		},
	}
}

// Validate checks the config for values the limiter cannot work with.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %s", c.Window)
	}
	if c.SafetyMargin <= 0 || c.SafetyMargin > 1 {
		return fmt.Errorf("rate limit safety margin must be in (0, 1], got %g", c.SafetyMargin)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("rate limit max retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.InitialBackoff < 0 {
		return fmt.Errorf("rate limit initial backoff must be >= 0, got %s", c.InitialBackoff)
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("rate limit backoff multiplier must be >= 1, got %g", c.Multiplier)
	}
	for name, n := range c.Limits {
		if n <= 0 {
			return fmt.Errorf("rate limit for %q must be positive, got %d", name, n)
		}
	}
	return nil
}

// RateLimitExceededError is returned by Acquire once retries are exhausted.
type RateLimitExceededError struct {
	Endpoint string
	Limit    int
	Attempts int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: all %d slots in use after %d attempts",
		e.Endpoint, e.Limit, e.Attempts)
}

// EndpointStatus is a snapshot of one endpoint's usage.
type EndpointStatus struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// Observer receives limiter events. Implementations must be safe for
// concurrent use.
type Observer interface {
	Waited(endpoint string, delay time.Duration)
	Rejected(endpoint string)
}

// Limiter is safe for concurrent use. The zero value is not usable; use New.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	history map[string][]time.Time

	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	observer Observer
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSleep overrides how backoff delays are waited out.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = sleep }
}

// WithObserver attaches an event observer.
func WithObserver(o Observer) Option {
	return func(l *Limiter) { l.observer = o }
}

// New creates a limiter. Invalid configs are rejected.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	limits := make(map[string]int, len(cfg.Limits))
	for k, v := range cfg.Limits {
		limits[k] = v
	}
	cfg.Limits = limits

	l := &Limiter{
		cfg:     cfg,
		history: make(map[string][]time.Time),
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// EffectiveLimit returns the admitted calls per window for endpoint.
func (l *Limiter) EffectiveLimit(endpoint string) int {
	nominal, ok := l.cfg.Limits[endpoint]
	if !ok {
		nominal = l.cfg.DefaultLimit
	}
	n := int(math.Floor(float64(nominal) * l.cfg.SafetyMargin))
	if n < 1 {
		n = 1
	}
	return n
}

// CanAcquire reports whether a call to endpoint would be admitted now.
// It prunes stale history but never records a call.
func (l *Limiter) CanAcquire(endpoint string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pruneLocked(endpoint)) < l.EffectiveLimit(endpoint)
}

// TryAcquire admits and records a call if a slot is free. The check and the
// record happen under one lock, so two callers can never take the last slot.
func (l *Limiter) TryAcquire(endpoint string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.pruneLocked(endpoint)
	if len(h) >= l.EffectiveLimit(endpoint) {
		return false
	}
	l.history[endpoint] = append(h, l.now())
	return true
}

// Acquire blocks until endpoint admits a call, backing off exponentially
// between attempts. After MaxRetries backoffs it returns
// *RateLimitExceededError. A cancelled ctx aborts the wait.
func (l *Limiter) Acquire(ctx context.Context, endpoint string) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.TryAcquire(endpoint) {
			return nil
		}
		if attempt >= l.cfg.MaxRetries {
			if l.observer != nil {
				l.observer.Rejected(endpoint)
			}
			return &RateLimitExceededError{
				Endpoint: endpoint,
				Limit:    l.EffectiveLimit(endpoint),
				Attempts: attempt + 1,
			}
		}
		delay := l.Backoff(attempt)
		if l.observer != nil {
			l.observer.Waited(endpoint, delay)
		}
		if err := l.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Backoff returns the delay before retry number attempt (0-based).
func (l *Limiter) Backoff(attempt int) time.Duration {
	return time.Duration(float64(l.cfg.InitialBackoff) * math.Pow(l.cfg.Multiplier, float64(attempt)))
}

// Status returns a usage snapshot for every configured or used endpoint.
func (l *Limiter) Status() map[string]EndpointStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make(map[string]struct{}, len(l.cfg.Limits)+len(l.history))
	for name := range l.cfg.Limits {
		names[name] = struct{}{}
	}
	for name := range l.history {
		names[name] = struct{}{}
	}

	out := make(map[string]EndpointStatus, len(names))
	for name := range names {
		used := len(l.pruneLocked(name))
		limit := l.EffectiveLimit(name)
		remaining := limit - used
		if remaining < 0 {
			remaining = 0
		}
		out[name] = EndpointStatus{Used: used, Limit: limit, Remaining: remaining}
	}
	return out
}

// Endpoints returns the sorted endpoint names known to the limiter.
func (l *Limiter) Endpoints() []string {
	status := l.Status()
	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// pruneLocked drops timestamps older than the window. Callers hold l.mu.
func (l *Limiter) pruneLocked(endpoint string) []time.Time {
	h := l.history[endpoint]
	if len(h) == 0 {
		return h
	}
	cutoff := l.now().Add(-l.cfg.Window)
	i := 0
	for i < len(h) && !h[i].After(cutoff) {
		i++
	}
	if i == len(h) {
		delete(l.history, endpoint)
		return nil
	}
	if i > 0 {
		h = append(h[:0:0], h[i:]...)
		l.history[endpoint] = h
	}
	return h
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
