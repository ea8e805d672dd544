// Package api is the devgatectl client for the devgate HTTP API.
package api

import (
	"encoding/json"

	"github.com/strand-protocol/devgate/pkg/observability"
)

// APIClient defines the interface for communicating with a devgate server.
type APIClient interface {
	// Server
	Version() (string, error)
	Health() (*Health, error)

	// Metrics dashboard (dashboard password)
	Stats() (*observability.Stats, error)
	Summary() (*observability.Summary, error)
	Debug() (*Debug, error)
	ResetMetrics() error

	// Devices (session token)
	ListDevices() ([]Device, error)
	TestDevice(id string) (*CallResult, error)
	Call(id, method, endpoint string, body []byte) (*CallResult, error)
}

// Health is the detailed health report of a server.
type Health struct {
	Status   string  `json:"status"`
	Registry string  `json:"registry"`
	Uptime   float64 `json:"uptime"`
	Version  string  `json:"version"`
}

// Device is a device owned by the caller.
type Device struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address" yaml:"address"`
	Active  bool   `json:"active" yaml:"active"`
}

// OfflineDevice is an entry of the server's unreachable-device cache.
type OfflineDevice struct {
	DeviceID       string `json:"deviceId" yaml:"device_id"`
	Code           string `json:"code" yaml:"code"`
	Details        string `json:"details,omitempty" yaml:"details,omitempty"`
	CacheExpiresIn int64  `json:"cacheExpiresIn" yaml:"cache_expires_in_ms"`
}

// Debug is the server's debug page.
type Debug struct {
	observability.DebugInfo
	OfflineDevices []OfflineDevice `json:"offlineDevices"`
}

// CallResult is the gateway envelope of a proxied call.
type CallResult struct {
	Status         int             `json:"-" yaml:"status"`
	Success        bool            `json:"success" yaml:"success"`
	Data           json.RawMessage `json:"data,omitempty" yaml:"-"`
	Message        string          `json:"message,omitempty" yaml:"message,omitempty"`
	Error          string          `json:"error,omitempty" yaml:"error,omitempty"`
	Code           string          `json:"code,omitempty" yaml:"code,omitempty"`
	Details        string          `json:"details,omitempty" yaml:"details,omitempty"`
	ResponseTime   int64           `json:"responseTime" yaml:"response_time_ms"`
	Cached         bool            `json:"cached,omitempty" yaml:"cached,omitempty"`
	CacheExpiresIn int64           `json:"cacheExpiresIn,omitempty" yaml:"cache_expires_in_ms,omitempty"`
	Scope          string          `json:"scope,omitempty" yaml:"scope,omitempty"`
	RetryAfter     int64           `json:"retryAfter,omitempty" yaml:"retry_after,omitempty"`
}
