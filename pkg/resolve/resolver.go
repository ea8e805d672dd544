// Package resolve turns caller and device credentials into registry records,
// caching successful lookups for a fixed TTL.
package resolve

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/strand-protocol/devgate/pkg/model"
	"github.com/strand-protocol/devgate/pkg/outcome"
	"github.com/strand-protocol/devgate/pkg/registry"
)

// Defaults for Options.
const (
	DefaultTTL           = 5 * time.Minute
	DefaultSize          = 10000
	DefaultLookupTimeout = 5 * time.Second
)

// entry is a cached value with the time it was stored.
type entry[T any] struct {
	value    T
	storedAt time.Time
}

// Options configures a Resolver.
type Options struct {
	TTL  time.Duration
	Size int
	// LookupTimeout bounds a shared registry call. It runs detached from any
	// single caller so that one caller giving up does not fail the others.
	LookupTimeout time.Duration
	Clock         clock.Clock
	Logger        *zap.Logger
}

// Resolver resolves caller identities and devices through bounded TTL caches
// in front of the registry. Concurrent misses for the same key share one
// registry call.
type Resolver struct {
	reg           registry.Client
	ttl           time.Duration
	lookupTimeout time.Duration
	clock         clock.Clock
	logger        *zap.Logger

	identities *lru.Cache[string, entry[model.Identity]]
	devices    *lru.Cache[string, entry[model.Device]]
	group      singleflight.Group
}

// New returns a Resolver backed by reg.
func New(reg registry.Client, opts Options) (*Resolver, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = DefaultLookupTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ids, err := lru.New[string, entry[model.Identity]](opts.Size)
	if err != nil {
		return nil, fmt.Errorf("identity cache: %w", err)
	}
	devs, err := lru.New[string, entry[model.Device]](opts.Size)
	if err != nil {
		return nil, fmt.Errorf("device cache: %w", err)
	}
	return &Resolver{
		reg:           reg,
		ttl:           opts.TTL,
		lookupTimeout: opts.LookupTimeout,
		clock:         opts.Clock,
		logger:        opts.Logger.Named("resolve"),
		identities:    ids,
		devices:       devs,
	}, nil
}

// Fingerprint is the cache key for a credential. The raw credential is never
// stored.
func Fingerprint(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:16])
}

// Caller resolves a caller session token.
func (r *Resolver) Caller(ctx context.Context, token string) (*model.Identity, error) {
	if token == "" {
		return nil, outcome.Auth(outcome.CodeMissingToken, "access token required")
	}
	fp := Fingerprint(token)
	if id, ok := lookup(r, r.identities, fp); ok {
		return &id, nil
	}

	v, err := r.share(ctx, "id:"+fp, func(lctx context.Context) (any, error) {
		id, err := r.reg.VerifyCredential(lctx, token)
		if err != nil {
			return nil, err
		}
		r.identities.Add(fp, entry[model.Identity]{value: *id, storedAt: r.clock.Now()})
		return *id, nil
	})
	if err != nil {
		switch {
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			return nil, err
		case errors.Is(err, registry.ErrExpiredSession):
			return nil, outcome.Auth(outcome.CodeExpiredSession, "session expired").Wrap(err)
		case errors.Is(err, registry.ErrInvalidCredential):
			return nil, outcome.Auth(outcome.CodeInvalidSession, "invalid session").Wrap(err)
		default:
			return nil, outcome.Internal(fmt.Errorf("verify credential: %w", err))
		}
	}
	id := v.(model.Identity)
	return &id, nil
}

// OwnedDevice resolves deviceID for caller, enforcing ownership and the
// active flag. Only devices that pass both checks are cached.
func (r *Resolver) OwnedDevice(ctx context.Context, deviceID string, caller *model.Identity) (*model.Device, error) {
	if deviceID == "" {
		return nil, outcome.Invalid(outcome.CodeMissingDeviceID, "device id required")
	}
	k := "owned:" + deviceID + "|" + caller.ID
	if d, ok := lookup(r, r.devices, k); ok {
		return &d, nil
	}
	d, err := r.fetch(ctx, k, func(lctx context.Context) (*model.Device, error) { return r.reg.GetDeviceByID(lctx, deviceID) }, func(d *model.Device) error {
		if d.OwnerID != caller.ID {
			return outcome.Forbidden(outcome.CodeUnauthorizedAccess, "device does not belong to caller")
		}
		if !d.Active {
			return outcome.Forbidden(outcome.CodeDeviceInactive, "device is inactive")
		}
		return nil
	})
	if err != nil {
		return nil, r.deviceError(ctx, err, deviceID, outcome.Missing(outcome.CodeDeviceNotFound, "device not found"))
	}
	return d, nil
}

// DeviceByToken resolves a device from its own bearer credential. When
// deviceID is set it must name the same device.
func (r *Resolver) DeviceByToken(ctx context.Context, token, deviceID string) (*model.Device, error) {
	if token == "" {
		return nil, outcome.Auth(outcome.CodeMissingToken, "device token required")
	}
	k := "token:" + Fingerprint(token)
	d, ok := lookup(r, r.devices, k)
	if !ok {
		got, err := r.fetch(ctx, k, func(lctx context.Context) (*model.Device, error) { return r.reg.GetDeviceByCredential(lctx, token) }, func(d *model.Device) error {
			if !d.Active {
				return outcome.Forbidden(outcome.CodeDeviceInactive, "device is inactive")
			}
			return nil
		})
		if err != nil {
			return nil, r.deviceError(ctx, err, deviceID, outcome.Auth(outcome.CodeInvalidToken, "invalid device token"))
		}
		d = *got
	}
	if deviceID != "" && d.ID != deviceID {
		return nil, outcome.Forbidden(outcome.CodeTokenDeviceMismatch, "token does not match device")
	}
	return &d, nil
}

// PublicDevice resolves an active device without caller authentication.
func (r *Resolver) PublicDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	if deviceID == "" {
		return nil, outcome.Invalid(outcome.CodeMissingDeviceID, "device id required")
	}
	k := "public:" + deviceID
	if d, ok := lookup(r, r.devices, k); ok {
		return &d, nil
	}
	d, err := r.fetch(ctx, k, func(lctx context.Context) (*model.Device, error) { return r.reg.GetDeviceByID(lctx, deviceID) }, func(d *model.Device) error {
		if !d.Active {
			return outcome.Forbidden(outcome.CodeDeviceInactive, "device is inactive")
		}
		return nil
	})
	if err != nil {
		return nil, r.deviceError(ctx, err, deviceID, outcome.Missing(outcome.CodeDeviceNotFound, "device not found"))
	}
	return d, nil
}

// fetch loads a device once per key across concurrent callers, validates it
// and caches it on success.
func (r *Resolver) fetch(ctx context.Context, k string, load func(context.Context) (*model.Device, error), check func(*model.Device) error) (*model.Device, error) {
	v, err := r.share(ctx, k, func(lctx context.Context) (any, error) {
		d, err := load(lctx)
		if err != nil {
			return nil, err
		}
		if err := check(d); err != nil {
			return nil, err
		}
		r.devices.Add(k, entry[model.Device]{value: *d, storedAt: r.clock.Now()})
		return *d, nil
	})
	if err != nil {
		return nil, err
	}
	d := v.(model.Device)
	return &d, nil
}

// share runs fn once per key across concurrent callers. The call itself is
// detached from ctx and bounded by the lookup timeout; each caller stops
// waiting when its own ctx is done.
func (r *Resolver) share(ctx context.Context, k string, fn func(context.Context) (any, error)) (any, error) {
	ch := r.group.DoChan(k, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.lookupTimeout)
		defer cancel()
		return fn(lctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deviceError translates a lookup failure. notFound is returned for
// registry.ErrDeviceNotFound.
func (r *Resolver) deviceError(ctx context.Context, err error, deviceID string, notFound *outcome.Error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	var oe *outcome.Error
	if errors.As(err, &oe) {
		return oe
	}
	if errors.Is(err, registry.ErrDeviceNotFound) {
		return notFound.Wrap(err)
	}
	r.logger.Error("device lookup failed", zap.String("device_id", deviceID), zap.Error(err))
	return outcome.Internal(fmt.Errorf("device lookup: %w", err))
}

// lookup returns a fresh cached value. A stale entry is removed and reported
// as a miss.
func lookup[T any](r *Resolver, c *lru.Cache[string, entry[T]], k string) (T, bool) {
	e, ok := c.Get(k)
	if !ok {
		var zero T
		return zero, false
	}
	if r.clock.Now().Sub(e.storedAt) >= r.ttl {
		c.Remove(k)
		var zero T
		return zero, false
	}
	return e.value, true
}

// Sweep drops every expired entry from both caches and returns how many were
// removed.
func (r *Resolver) Sweep() int {
	now := r.clock.Now()
	return sweep(r.identities, now, r.ttl) + sweep(r.devices, now, r.ttl)
}

func sweep[T any](c *lru.Cache[string, entry[T]], now time.Time, ttl time.Duration) int {
	n := 0
	for _, k := range c.Keys() {
		if e, ok := c.Peek(k); ok && now.Sub(e.storedAt) >= ttl {
			c.Remove(k)
			n++
		}
	}
	return n
}

// Len returns the number of cached identities and devices.
func (r *Resolver) Len() (identities, devices int) {
	return r.identities.Len(), r.devices.Len()
}
