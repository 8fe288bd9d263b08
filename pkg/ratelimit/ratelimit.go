// Package ratelimit throttles tool calls with a token bucket per
// (agent, category). Buckets are in-process state, like the SSE hub: each
// server instance enforces its own budget, which is the intended behavior
// for per-connection abuse control.
package ratelimit

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jeong-sik/masc-mcp-sub011/pkg/room"
)

// Rate is a refill rate with a burst allowance on top of the steady state.
type Rate struct {
	PerMinute float64
	Burst     float64
}

// Default per-category rates. Categories without an entry fall back to
// DefaultRate.
var (
	DefaultRate = Rate{PerMinute: 10, Burst: 5}

	categoryRates = map[string]Rate{
		"core":          {PerMinute: 30, Burst: 10},
		"communication": {PerMinute: 15, Burst: 5},
	}
)

// roleFactor scales the budget by the caller's role.
func roleFactor(role room.Role) float64 {
	switch role {
	case room.RoleReader:
		return 0.5
	case room.RoleAdmin:
		return 2.0
	default:
		return 1.0
	}
}

type bucket struct {
	tokens float64
	last   time.Time
}

// Limiter is a token-bucket rate limiter. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rates   map[string]Rate
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithRate overrides the rate for one category.
func WithRate(category string, rate Rate) Option {
	return func(l *Limiter) { l.rates[category] = rate }
}

// New creates a Limiter with the default category rates.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		rates:   make(map[string]Rate, len(categoryRates)),
		now:     time.Now,
	}
	for c, r := range categoryRates {
		l.rates[c] = r
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow consumes one token from the (agent, category) bucket. When the
// bucket is empty it returns a RateLimitedError carrying the wait until the
// next token.
func (l *Limiter) Allow(agent string, role room.Role, category string) error {
	rate, ok := l.rates[category]
	if !ok {
		rate = DefaultRate
	}
	factor := roleFactor(role)
	perSecond := rate.PerMinute * factor / 60.0
	capacity := rate.PerMinute*factor + rate.Burst

	l.mu.Lock()
	defer l.mu.Unlock()

	key := agent + "|" + category
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, last: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.last).Seconds()
	b.tokens = math.Min(capacity, b.tokens+elapsed*perSecond)
	b.last = now

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / perSecond * float64(time.Second))
		return &room.RateLimitedError{RetryAfter: wait}
	}
	b.tokens--
	return nil
}

// CategoryStatus is one category's effective budget for a role, after the
// role factor is applied.
type CategoryStatus struct {
	Category  string  `json:"category"`
	PerMinute float64 `json:"per_minute"`
	Burst     float64 `json:"burst"`
	Capacity  float64 `json:"capacity"`
}

// Effective reports the budgets a caller with the given role gets, one entry
// per configured category plus the fallback, sorted by category name.
func (l *Limiter) Effective(role room.Role) []CategoryStatus {
	factor := roleFactor(role)
	status := func(category string, r Rate) CategoryStatus {
		return CategoryStatus{
			Category:  category,
			PerMinute: r.PerMinute * factor,
			Burst:     r.Burst,
			Capacity:  r.PerMinute*factor + r.Burst,
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CategoryStatus, 0, len(l.rates)+1)
	for c, r := range l.rates {
		out = append(out, status(c, r))
	}
	out = append(out, status("default", DefaultRate))
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// Sweep drops buckets idle for longer than idle, bounding memory on churny
// agent populations. Called by the orchestrator loop.
func (l *Limiter) Sweep(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	dropped := 0
	for key, b := range l.buckets {
		if b.last.Before(cutoff) {
			delete(l.buckets, key)
			dropped++
		}
	}
	return dropped
}
