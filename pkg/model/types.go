// Package model defines the core data types shared by the devgate gateway.
package model

import (
	"net"
	"time"
)

// Identity is an authenticated caller, as reported by the registry.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Device is a managed remote device reachable over its REST API.
type Device struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Address  string `json:"address" yaml:"address"`
	Username string `json:"username,omitempty" yaml:"username"`
	Password string `json:"password,omitempty" yaml:"password"`
	OwnerID  string `json:"owner_id" yaml:"owner_id"`
	Active   bool   `json:"active" yaml:"active"`
	// TokenHash is the hex SHA-256 of the device's own bearer credential.
	TokenHash string `json:"token_hash,omitempty" yaml:"token_hash"`
}

// Label is the human-readable key used in metrics breakdowns.
func (d *Device) Label() string {
	if d.Name == "" {
		return d.Address
	}
	return d.Name + " (" + d.Address + ")"
}

// Host returns the address without any port.
func (d *Device) Host() string {
	if h, _, err := net.SplitHostPort(d.Address); err == nil {
		return h
	}
	return d.Address
}

// Redacted returns the public view of the device without secrets.
func (d *Device) Redacted() DeviceView {
	return DeviceView{
		ID:      d.ID,
		Name:    d.Name,
		Address: d.Address,
		Active:  d.Active,
	}
}

// DeviceView is the device shape returned to callers.
type DeviceView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Active  bool   `json:"active"`
}

// Session is a persisted caller session keyed by the hash of its token.
type Session struct {
	TokenHash string    `json:"token_hash" yaml:"token_hash"`
	UserID    string    `json:"user_id" yaml:"user_id"`
	Email     string    `json:"email,omitempty" yaml:"email"`
	ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`
}

// Expired reports whether the session is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// AccessRecord is one forwarded call, reported to the registry's access log.
type AccessRecord struct {
	ID         string        `json:"id"`
	DeviceID   string        `json:"device_id"`
	Endpoint   string        `json:"endpoint"`
	Method     string        `json:"method"`
	Success    bool          `json:"success"`
	Latency    time.Duration `json:"latency"`
	AccessedAt time.Time     `json:"accessed_at"`
}
