// Package registry defines the device registry the gateway consults for
// caller sessions, device records and access logging. Implementations include
// an in-memory registry (for dev/testing), an etcd-backed registry and a
// PostgreSQL-backed registry.
package registry

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"github.com/strand-protocol/devgate/pkg/model"
)

//go:generate mockgen -destination=mock_client.go -package=registry . Client

// Sentinel errors returned by every Client implementation. Callers match
// them with errors.Is.
var (
	ErrInvalidCredential = errors.New("registry: invalid credential")
	ErrExpiredSession    = errors.New("registry: session expired")
	ErrDeviceNotFound    = errors.New("registry: device not found")
)

// Client is the registry contract consumed by the gateway.
type Client interface {
	// VerifyCredential resolves a caller session token.
	VerifyCredential(ctx context.Context, token string) (*model.Identity, error)
	// GetDeviceByID returns the device record including its transport credentials.
	GetDeviceByID(ctx context.Context, id string) (*model.Device, error)
	// GetDeviceByCredential resolves a device's own bearer token.
	GetDeviceByCredential(ctx context.Context, token string) (*model.Device, error)
	// ListDevicesByOwner returns the active devices owned by ownerID.
	ListDevicesByOwner(ctx context.Context, ownerID string) ([]model.Device, error)
	// RecordAccess appends to the device access log.
	RecordAccess(ctx context.Context, rec model.AccessRecord) error
	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// HashToken returns the hex SHA-256 of a plaintext credential. Only hashes
// are ever persisted.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// hashEqual compares two hex hashes in constant time.
func hashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
