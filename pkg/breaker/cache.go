// Package breaker remembers devices that recently failed to respond so that
// calls to them can be answered locally for a short while.
package breaker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultDuration is how long a device stays marked after first detection.
const DefaultDuration = 30 * time.Second

// Failure echoes the forwarder result that marked the device.
type Failure struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// Entry is a live unreachable mark.
type Entry struct {
	Key        string
	DetectedAt time.Time
	ExpiresAt  time.Time
	Failure    Failure
}

// Cache is a per-device unreachable memo. Entries expire a fixed duration
// after the first detection; marking a live entry again does not extend it.
type Cache struct {
	duration time.Duration
	clock    clock.Clock

	mu      sync.RWMutex
	entries map[string]*Entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(bc *Cache) { bc.clock = c }
}

// New returns a cache whose entries live for d.
func New(d time.Duration, opts ...Option) *Cache {
	if d <= 0 {
		d = DefaultDuration
	}
	c := &Cache{
		duration: d,
		clock:    clock.New(),
		entries:  make(map[string]*Entry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Duration returns the configured entry lifetime.
func (c *Cache) Duration() time.Duration { return c.duration }

// IsKnownUnreachable returns the live entry for key, if any. An entry whose
// lifetime has elapsed is reported absent even before it is swept.
func (c *Cache) IsKnownUnreachable(key string) (Entry, bool) {
	now := c.clock.Now()
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if !now.Before(e.ExpiresAt) {
		c.mu.Lock()
		if cur, still := c.entries[key]; still && !now.Before(cur.ExpiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return Entry{}, false
	}
	return *e, true
}

// MarkUnreachable records key as unreachable. A live entry keeps its original
// detection time; an expired one is replaced by a fresh window.
func (c *Cache) MarkUnreachable(key string, f Failure) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && now.Before(e.ExpiresAt) {
		return
	}
	c.entries[key] = &Entry{
		Key:        key,
		DetectedAt: now,
		ExpiresAt:  now.Add(c.duration),
		Failure:    f,
	}
}

// Remaining returns the time left before e expires, floored at zero.
func (c *Cache) Remaining(e Entry) time.Duration {
	d := e.ExpiresAt.Sub(c.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

// Forget removes key regardless of age.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Sweep removes expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.ExpiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot lists the live entries.
func (c *Cache) Snapshot() []Entry {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if now.Before(e.ExpiresAt) {
			out = append(out, *e)
		}
	}
	return out
}
