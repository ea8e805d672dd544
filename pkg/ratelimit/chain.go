package ratelimit

import (
	"sort"
	"time"
)

// Check pairs a limiter with the key it evaluates.
type Check struct {
	Limiter *Limiter
	Key     string
}

// Chain is a set of checks that admit a call only together.
type Chain []Check

// Admit evaluates every check and consumes a slot in each only if all of them
// admit. On denial nothing is consumed and the denial with the longest
// RetryAfter is returned. On admission the decision with the fewest remaining
// slots is returned.
func (c Chain) Admit() Decision {
	if len(c) == 0 {
		return Decision{Allowed: true}
	}
	if len(c) == 1 {
		return c[0].Limiter.Admit(c[0].Key)
	}

	// Lock each distinct limiter once, in creation order, so that concurrent
	// chains over overlapping limiters cannot deadlock.
	locked := make([]*Limiter, 0, len(c))
	seen := make(map[*Limiter]bool, len(c))
	for _, ch := range c {
		if !seen[ch.Limiter] {
			seen[ch.Limiter] = true
			locked = append(locked, ch.Limiter)
		}
	}
	sort.Slice(locked, func(i, j int) bool { return locked[i].id < locked[j].id })
	for _, l := range locked {
		l.mu.Lock()
	}
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}()

	type pending struct {
		b   *bucket
		now time.Time
	}
	commits := make([]pending, 0, len(c))
	var denied, tightest *Decision
	for _, ch := range c {
		now := ch.Limiter.clock.Now()
		d, b := ch.Limiter.decide(ch.Key, now)
		if !d.Allowed {
			if denied == nil || d.RetryAfter > denied.RetryAfter {
				dd := d
				denied = &dd
			}
			continue
		}
		if tightest == nil || d.Remaining < tightest.Remaining {
			dd := d
			tightest = &dd
		}
		if b != nil {
			commits = append(commits, pending{b: b, now: now})
		}
	}
	if denied != nil {
		return *denied
	}
	for _, p := range commits {
		p.b.add(p.now)
	}
	return *tightest
}
