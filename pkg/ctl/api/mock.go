package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/strand-protocol/devgate/pkg/observability"
	"github.com/strand-protocol/devgate/pkg/outcome"
)

// MockClient implements APIClient with canned data for development and testing.
type MockClient struct {
	// Resets counts ResetMetrics calls.
	Resets int
}

var _ APIClient = (*MockClient)(nil)

func (m *MockClient) Version() (string, error) { return "v0.4.2-mock", nil }

func (m *MockClient) Health() (*Health, error) {
	return &Health{Status: "healthy", Registry: "ok", Uptime: 5400, Version: "v0.4.2-mock"}, nil
}

func (m *MockClient) Stats() (*observability.Stats, error) {
	return &observability.Stats{
		StartTime: time.Now().Add(-90 * time.Minute),
		Uptime:    observability.Uptime{Ms: 5400000, Human: "1h 30m 0s"},
		Requests: observability.RequestStats{
			Total: 1200, Successful: 1164, Failed: 36, SuccessRate: 97, PerMinute: 13.33,
		},
		Performance: observability.PerformanceStats{
			AvgResponseMs: 84.5, P50Ms: 61, P95Ms: 240, P99Ms: 610, WindowSamples: 14, RateLimitHits: 9,
		},
		Devices: observability.DeviceStats{OfflineEvents: 22, CachedOffline: 17},
		Errors:  map[string]int64{"RATE_LIMIT_EXCEEDED": 9, "INVALID_SESSION": 20, "ENDPOINT_NOT_FOUND": 7},
		TopEndpoints: []observability.Count{
			{Key: "GET /interface", Count: 540},
			{Key: "GET /system/resource", Count: 310},
			{Key: "POST /ip/hotspot/user/add", Count: 82},
		},
		TopDevices: []observability.Count{
			{Key: "edge-01 (10.0.0.1)", Count: 700},
			{Key: "branch-07 (10.0.7.1)", Count: 500},
		},
	}, nil
}

func (m *MockClient) Summary() (*observability.Summary, error) {
	return &observability.Summary{
		Status:          "healthy",
		Uptime:          "1h 30m 0s",
		TotalRequests:   1200,
		SuccessRate:     97,
		AvgResponseMs:   84.5,
		RateLimitHits:   9,
		OfflineEvents:   22,
		ActiveEndpoints: 3,
		ActiveDevices:   2,
	}, nil
}

func (m *MockClient) Debug() (*Debug, error) {
	return &Debug{
		DebugInfo: observability.DebugInfo{
			ErrorDetails: []observability.Outcome{
				{ID: "req-3", Time: time.Now().Add(-time.Minute), Route: "session", Method: "GET", Endpoint: "/interface",
					Status: http.StatusUnauthorized, Kind: outcome.AuthFailure, Code: "INVALID_SESSION", Message: "invalid or expired session"},
				{ID: "req-2", Time: time.Now().Add(-2 * time.Minute), Route: "public", Method: "GET", Endpoint: "/ip/hotspot/user",
					DeviceID: "branch-07", Status: http.StatusTooManyRequests, Kind: outcome.RateLimited, Code: "RATE_LIMIT_EXCEEDED", Scope: "ip"},
			},
			TotalErrorsStored: 2,
			System:            observability.SystemInfo{GoVersion: "go1.24.0", Platform: "linux/amd64", Goroutines: 42},
		},
		OfflineDevices: []OfflineDevice{
			{DeviceID: "branch-07", Code: "DEVICE_OFFLINE", Details: "connection refused", CacheExpiresIn: 21000},
		},
	}, nil
}

func (m *MockClient) ResetMetrics() error {
	m.Resets++
	return nil
}

func (m *MockClient) ListDevices() ([]Device, error) {
	return []Device{
		{ID: "edge-01", Name: "edge", Address: "10.0.0.1", Active: true},
		{ID: "branch-07", Name: "branch", Address: "10.0.7.1", Active: true},
	}, nil
}

func (m *MockClient) device(id string) error {
	devices, _ := m.ListDevices()
	for _, d := range devices {
		if d.ID == id {
			return nil
		}
	}
	return fmt.Errorf("device %q not found", id)
}

func (m *MockClient) TestDevice(id string) (*CallResult, error) {
	if err := m.device(id); err != nil {
		return nil, err
	}
	if id == "branch-07" {
		return &CallResult{
			Status:         http.StatusOK,
			Error:          "device 10.0.7.1 is offline or unreachable",
			Message:        "device offline (cached)",
			Code:           "DEVICE_OFFLINE",
			Details:        "connection refused",
			Cached:         true,
			CacheExpiresIn: 21000,
		}, nil
	}
	return &CallResult{
		Status:       http.StatusOK,
		Success:      true,
		Message:      "connection established",
		Data:         json.RawMessage(`{"name":"edge"}`),
		ResponseTime: 12,
	}, nil
}

func (m *MockClient) Call(id, method, endpoint string, body []byte) (*CallResult, error) {
	if err := m.device(id); err != nil {
		return nil, err
	}
	data, _ := json.Marshal(map[string]string{
		"method":   strings.ToUpper(method),
		"endpoint": endpoint,
		"body":     string(body),
	})
	return &CallResult{Status: http.StatusOK, Success: true, Data: data, ResponseTime: 31}, nil
}
