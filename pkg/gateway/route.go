package gateway

import (
	"fmt"
	"path"
	"strings"

	"github.com/strand-protocol/devgate/pkg/model"
	"github.com/strand-protocol/devgate/pkg/outcome"
	"github.com/strand-protocol/devgate/pkg/ratelimit"
)

// Strategy selects how a route authenticates the call and resolves its device.
type Strategy int

const (
	// SessionStrategy requires a caller session token and device ownership.
	SessionStrategy Strategy = iota
	// DeviceTokenStrategy requires the device's own bearer credential.
	DeviceTokenStrategy
	// PublicStrategy is unauthenticated; only active devices are served.
	PublicStrategy
)

func (s Strategy) String() string {
	switch s {
	case SessionStrategy:
		return "session"
	case DeviceTokenStrategy:
		return "device-token"
	case PublicStrategy:
		return "public"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// Call is an inbound request as the pipeline sees it.
type Call struct {
	ID       string
	DeviceID string
	// Token is the bearer credential: a caller session token or a device
	// token, depending on the route's Strategy.
	Token    string
	ClientIP string
	Method   string
	Endpoint string
	Body     []byte
}

// Subject is what authentication resolved for a call.
type Subject struct {
	Caller *model.Identity
	Device *model.Device
}

// KeyFunc derives a rate-limit key. An empty key is never limited.
type KeyFunc func(Call, Subject) string

// ByCaller keys on the authenticated caller.
func ByCaller(_ Call, s Subject) string {
	if s.Caller == nil {
		return ""
	}
	return s.Caller.ID
}

// ByDevice keys on the resolved device.
func ByDevice(_ Call, s Subject) string {
	if s.Device == nil {
		return ""
	}
	return s.Device.ID
}

// ByClientIP keys on the caller's address.
func ByClientIP(c Call, _ Subject) string { return c.ClientIP }

// LimitRule applies one limiter under a derived key.
type LimitRule struct {
	Limiter *ratelimit.Limiter
	Key     KeyFunc
}

// Route describes one family of gateway endpoints.
type Route struct {
	Name     string
	Strategy Strategy
	Limits   []LimitRule
	// Guard rejects calls before any lookup, e.g. endpoints outside an allowlist.
	Guard func(Call) error
	// Record decides whether the call's outcome enters the metrics. Nil
	// records everything.
	Record func(Call) bool
}

func (r *Route) chain(c Call, s Subject) ratelimit.Chain {
	if len(r.Limits) == 0 {
		return nil
	}
	ch := make(ratelimit.Chain, 0, len(r.Limits))
	for _, l := range r.Limits {
		ch = append(ch, ratelimit.Check{Limiter: l.Limiter, Key: l.Key(c, s)})
	}
	return ch
}

func (r *Route) records(c Call) bool {
	return r.Record == nil || r.Record(c)
}

// RecordNothing is a Record predicate for routes kept out of the metrics.
func RecordNothing(Call) bool { return false }

// AllowEndpoints returns a Guard admitting only endpoints equal to, or nested
// under, one of allowed.
func AllowEndpoints(allowed []string) func(Call) error {
	prefixes := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if a = strings.TrimRight(a, "/"); a != "" {
			prefixes = append(prefixes, path.Clean("/"+strings.TrimLeft(a, "/")))
		}
	}
	return func(c Call) error {
		p, _, _ := strings.Cut(c.Endpoint, "?")
		p = path.Clean("/" + strings.TrimLeft(p, "/"))
		for _, prefix := range prefixes {
			if p == prefix || strings.HasPrefix(p, prefix+"/") {
				return nil
			}
		}
		return outcome.Forbidden(outcome.CodeEndpointNotAllowed,
			fmt.Sprintf("endpoint %s is not available on the public API", p))
	}
}
