// Package ratelimit implements exact-count sliding-window admission control.
//
// Each Limiter owns one key space (callers, client IPs, devices). A key is
// admitted while fewer than Max requests have been accepted within the
// trailing Window. Unlike a token bucket there is no refill rate: a burst of
// Max requests is admitted at once and the next slot opens exactly Window
// after the oldest retained request.
package ratelimit

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultCleanupInterval bounds how often a bucket is physically pruned.
const DefaultCleanupInterval = 10 * time.Second

var limiterSeq atomic.Uint64

// Decision is the result of an admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
	// Scope names the limiter that produced the decision.
	Scope string
}

type bucket struct {
	stamps      []time.Time
	lastCleanup time.Time
}

// Limiter is a per-key sliding-window limiter. It is safe for concurrent use.
type Limiter struct {
	id              uint64
	name            string
	max             int
	window          time.Duration
	cleanupInterval time.Duration
	clock           clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithCleanupInterval sets the minimum gap between physical prunes of a bucket.
func WithCleanupInterval(d time.Duration) Option {
	return func(l *Limiter) { l.cleanupInterval = d }
}

// New returns a limiter admitting at most maxRequests per key within window.
func New(name string, maxRequests int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		id:              limiterSeq.Add(1),
		name:            name,
		max:             maxRequests,
		window:          window,
		cleanupInterval: DefaultCleanupInterval,
		clock:           clock.New(),
		buckets:         make(map[string]*bucket),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Name returns the limiter's scope name.
func (l *Limiter) Name() string { return l.name }

// Max returns the per-window request cap.
func (l *Limiter) Max() int { return l.max }

// Window returns the sliding window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Admit checks key and, if admitted, consumes a slot.
func (l *Limiter) Admit(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	d, b := l.decide(key, now)
	if d.Allowed && b != nil {
		b.add(now)
	}
	return d
}

// decide evaluates key at now without consuming a slot. The returned bucket
// is nil when key is not limited. Callers must hold l.mu.
func (l *Limiter) decide(key string, now time.Time) (Decision, *bucket) {
	if key == "" {
		return Decision{Allowed: true, Limit: l.max, Remaining: l.max, ResetAt: now.Add(l.window), Scope: l.name}, nil
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lastCleanup: now}
		l.buckets[key] = b
	}
	cutoff := now.Add(-l.window)
	idx := b.firstAfter(cutoff)
	if now.Sub(b.lastCleanup) >= l.cleanupInterval {
		b.stamps = append(b.stamps[:0:0], b.stamps[idx:]...)
		b.lastCleanup = now
		idx = 0
	}
	count := len(b.stamps) - idx

	if count >= l.max {
		oldest := now
		if count > 0 {
			oldest = b.stamps[idx]
		}
		resetAt := oldest.Add(l.window)
		retry := resetAt.Sub(now)
		if retry <= 0 {
			retry = time.Millisecond
		}
		return Decision{
			Allowed:    false,
			Limit:      l.max,
			Remaining:  0,
			RetryAfter: retry,
			ResetAt:    resetAt,
			Scope:      l.name,
		}, b
	}
	remaining := l.max - count - 1
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   true,
		Limit:     l.max,
		Remaining: remaining,
		ResetAt:   now.Add(l.window),
		Scope:     l.name,
	}, b
}

// Sweep drops keys with no request inside the window and trims the rest.
// It returns the number of keys removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	cutoff := now.Add(-l.window)
	removed := 0
	for k, b := range l.buckets {
		idx := b.firstAfter(cutoff)
		if idx == len(b.stamps) {
			delete(l.buckets, k)
			removed++
			continue
		}
		if idx > 0 {
			b.stamps = append(b.stamps[:0:0], b.stamps[idx:]...)
		}
		b.lastCleanup = now
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// firstAfter returns the index of the first timestamp strictly after t.
func (b *bucket) firstAfter(t time.Time) int {
	return sort.Search(len(b.stamps), func(i int) bool { return b.stamps[i].After(t) })
}

// add inserts now keeping the slice ordered, tolerating a clock that steps back.
func (b *bucket) add(now time.Time) {
	n := len(b.stamps)
	if n == 0 || !now.Before(b.stamps[n-1]) {
		b.stamps = append(b.stamps, now)
		return
	}
	i := b.firstAfter(now)
	b.stamps = append(b.stamps, time.Time{})
	copy(b.stamps[i+1:], b.stamps[i:])
	b.stamps[i] = now
}
