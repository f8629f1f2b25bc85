// Package ratelimit provides a per-key fixed-window request governor.
//
// The window is fixed, not sliding: the counter for a key resets wholesale
// once its window boundary passes. State lives in a single in-process map,
// which is correct for a single-instance deployment only; replicas behind a
// load balancer each count independently. Multi-instance deployments need a
// shared backing store behind the Limiter interface.
package ratelimit

import (
	"sync"
	"time"

	"github.com/threadline/relay/internal/config"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	// ResetAt is when the current window for the key ends.
	ResetAt time.Time
}

// Limiter gates entry to the relay. Implementations must be safe for
// concurrent use.
type Limiter interface {
	// Check admits or denies one request for key with the given per-window
	// allowance. A denied request must not mutate limiter state.
	Check(key string, maxPerWindow int) Decision
}

// entry tracks one caller key inside the current window.
type entry struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter is the in-process fixed-window Limiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	window  time.Duration
	maxKeys int

	// now is injectable so tests can drive the window boundary.
	now func() time.Time
}

// Option configures a MemoryLimiter.
type Option func(*MemoryLimiter)

// WithClock injects a clock, used by tests to simulate window expiry.
func WithClock(now func() time.Time) Option {
	return func(l *MemoryLimiter) { l.now = now }
}

// WithMaxKeys caps the number of tracked keys.
func WithMaxKeys(n int) Option {
	return func(l *MemoryLimiter) { l.maxKeys = n }
}

// NewMemoryLimiter creates a fixed-window limiter with the given window.
func NewMemoryLimiter(window time.Duration, opts ...Option) *MemoryLimiter {
	if window <= 0 {
		window = config.DefaultRateLimitWindow
	}
	l := &MemoryLimiter{
		entries: make(map[string]*entry),
		window:  window,
		maxKeys: config.MaxRateLimitKeys,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check implements Limiter.
//
// First request for a key, or a request after the window boundary, resets the
// count to 1. A request that would raise the count past max is denied with no
// side effects; the request that raises it exactly to max is allowed.
func (l *MemoryLimiter) Check(key string, maxPerWindow int) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || now.After(e.resetAt) {
		if !ok && len(l.entries) >= l.maxKeys {
			l.pruneLocked(now)
		}
		e = &entry{count: 1, resetAt: now.Add(l.window)}
		l.entries[key] = e
		return Decision{Allowed: true, Remaining: maxPerWindow - 1, ResetAt: e.resetAt}
	}

	if e.count >= maxPerWindow {
		return Decision{Allowed: false, Remaining: 0, ResetAt: e.resetAt}
	}

	e.count++
	return Decision{Allowed: true, Remaining: maxPerWindow - e.count, ResetAt: e.resetAt}
}

// pruneLocked drops keys whose window already ended. Must hold mu.
func (l *MemoryLimiter) pruneLocked(now time.Time) {
	for k, e := range l.entries {
		if now.After(e.resetAt) {
			delete(l.entries, k)
		}
	}
}
