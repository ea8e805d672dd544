package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// SetHeaders writes the X-RateLimit-* headers for d, plus Retry-After when d
// is a denial. Reset is a unix timestamp in seconds, rounded up.
func SetHeaders(h http.Header, d Decision) {
	if d.Limit <= 0 {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(ceilSeconds(d.ResetAt.UnixMilli()), 10))
	if !d.Allowed {
		h.Set("Retry-After", strconv.FormatInt(RetryAfterSeconds(d.RetryAfter), 10))
	}
}

// RetryAfterSeconds rounds d up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int64 {
	s := ceilSeconds(d.Milliseconds())
	if s < 1 {
		s = 1
	}
	return s
}

func ceilSeconds(ms int64) int64 {
	if ms <= 0 {
		return ms / 1000
	}
	return (ms + 999) / 1000
}
