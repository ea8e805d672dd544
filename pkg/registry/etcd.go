package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/strand-protocol/devgate/pkg/model"
)

// Key-space constants. All devgate keys live under /devgate/v1/ to avoid
// collisions with other etcd tenants.
const (
	keyPrefix = "/devgate/v1"
	// accessRetention bounds how long access records are kept, via a lease.
	accessRetention = 24 * time.Hour
)

// key builds a fully-qualified etcd key for the given collection and ID.
func key(collection, id string) string {
	return fmt.Sprintf("%s/%s/%s", keyPrefix, collection, id)
}

// prefix builds the etcd key prefix for listing a collection.
func prefix(collection string) string {
	return fmt.Sprintf("%s/%s/", keyPrefix, collection)
}

// EtcdRegistry is an etcd-backed Client suitable for multi-replica gateway
// deployments. Sessions are attached to leases so they disappear from etcd
// when they expire.
type EtcdRegistry struct {
	client *clientv3.Client
	now    func() time.Time
}

// NewEtcdRegistry dials the etcd cluster at endpoints. The caller must call
// Close when finished.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	return &EtcdRegistry{client: client, now: time.Now}, nil
}

// Close releases the underlying etcd client connection.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}

// Ping performs a cheap count-only read.
func (r *EtcdRegistry) Ping(ctx context.Context) error {
	if _, err := r.client.Get(ctx, keyPrefix+"/", clientv3.WithPrefix(), clientv3.WithCountOnly()); err != nil {
		return fmt.Errorf("etcd ping: %w", err)
	}
	return nil
}

// PutDevice writes a device and, when token is set, its token index entry in
// one transaction.
func (r *EtcdRegistry) PutDevice(ctx context.Context, d model.Device, token string) error {
	if token != "" {
		d.TokenHash = HashToken(token)
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	ops := []clientv3.Op{clientv3.OpPut(key("devices", d.ID), string(data))}
	if d.TokenHash != "" {
		ops = append(ops, clientv3.OpPut(key("device-tokens", d.TokenHash), d.ID))
	}
	if _, err := r.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		return fmt.Errorf("etcd txn put device %q: %w", d.ID, err)
	}
	return nil
}

// PutSession stores a caller session under a lease that expires with it.
func (r *EtcdRegistry) PutSession(ctx context.Context, token string, s model.Session) error {
	s.TokenHash = HashToken(token)
	ttl := int64(s.ExpiresAt.Sub(r.now()).Seconds())
	if s.ExpiresAt.IsZero() {
		return etcdPut(ctx, r.client, key("sessions", s.TokenHash), s)
	}
	if ttl < 1 {
		return fmt.Errorf("session for %q already expired", s.UserID)
	}
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("etcd grant: %w", err)
	}
	return etcdPut(ctx, r.client, key("sessions", s.TokenHash), s, clientv3.WithLease(lease.ID))
}

func (r *EtcdRegistry) VerifyCredential(ctx context.Context, token string) (*model.Identity, error) {
	var s model.Session
	found, err := etcdGet(ctx, r.client, key("sessions", HashToken(token)), &s)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrInvalidCredential
	}
	if s.Expired(r.now()) {
		return nil, ErrExpiredSession
	}
	return &model.Identity{ID: s.UserID, Email: s.Email}, nil
}

func (r *EtcdRegistry) GetDeviceByID(ctx context.Context, id string) (*model.Device, error) {
	var d model.Device
	found, err := etcdGet(ctx, r.client, key("devices", id), &d)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("device %q: %w", id, ErrDeviceNotFound)
	}
	return &d, nil
}

func (r *EtcdRegistry) GetDeviceByCredential(ctx context.Context, token string) (*model.Device, error) {
	hash := HashToken(token)
	resp, err := r.client.Get(ctx, key("device-tokens", hash))
	if err != nil {
		return nil, fmt.Errorf("etcd get token index: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrDeviceNotFound
	}
	d, err := r.GetDeviceByID(ctx, string(resp.Kvs[0].Value))
	if err != nil {
		return nil, err
	}
	if !hashEqual(d.TokenHash, hash) {
		return nil, ErrDeviceNotFound
	}
	return d, nil
}

func (r *EtcdRegistry) ListDevicesByOwner(ctx context.Context, ownerID string) ([]model.Device, error) {
	all, err := etcdList[model.Device](ctx, r.client, prefix("devices"))
	if err != nil {
		return nil, err
	}
	out := make([]model.Device, 0, len(all))
	for _, d := range all {
		if d.OwnerID == ownerID && d.Active {
			out = append(out, d)
		}
	}
	return out, nil
}

// RecordAccess appends an access record that etcd drops after accessRetention.
func (r *EtcdRegistry) RecordAccess(ctx context.Context, rec model.AccessRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	lease, err := r.client.Grant(ctx, int64(accessRetention.Seconds()))
	if err != nil {
		return fmt.Errorf("etcd grant: %w", err)
	}
	return etcdPut(ctx, r.client, key("access", rec.DeviceID+"/"+rec.ID), rec, clientv3.WithLease(lease.ID))
}

// ListAccess returns the retained access records for a device.
func (r *EtcdRegistry) ListAccess(ctx context.Context, deviceID string) ([]model.AccessRecord, error) {
	return etcdList[model.AccessRecord](ctx, r.client, prefix("access")+deviceID+"/")
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// etcdPut serialises v as JSON and writes it to the given key.
func etcdPut(ctx context.Context, client *clientv3.Client, k string, v any, opts ...clientv3.OpOption) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if _, err := client.Put(ctx, k, string(data), opts...); err != nil {
		return fmt.Errorf("etcd put %q: %w", k, err)
	}
	return nil
}

// etcdGet retrieves the value at key k and deserialises it into v.
// Returns (false, nil) if the key does not exist.
func etcdGet(ctx context.Context, client *clientv3.Client, k string, v any) (bool, error) {
	resp, err := client.Get(ctx, k)
	if err != nil {
		return false, fmt.Errorf("etcd get %q: %w", k, err)
	}
	if len(resp.Kvs) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(resp.Kvs[0].Value, v); err != nil {
		return false, fmt.Errorf("unmarshal %q: %w", k, err)
	}
	return true, nil
}

// etcdList retrieves and decodes every value under pfx.
func etcdList[T any](ctx context.Context, client *clientv3.Client, pfx string) ([]T, error) {
	resp, err := client.Get(ctx, pfx, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd list %q: %w", pfx, err)
	}
	out := make([]T, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var item T
		if err := json.Unmarshal(kv.Value, &item); err != nil {
			return nil, fmt.Errorf("unmarshal %q: %w", string(kv.Key), err)
		}
		out = append(out, item)
	}
	return out, nil
}
