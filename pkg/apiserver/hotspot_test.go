package apiserver

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strand-protocol/devgate/pkg/outcome"
)

var hotspotFixtures = map[string]string{
	"/rest/ip/hotspot/user": `[
		{".id":"*1","name":"admin","profile":"default","uptime":"3d2h"},
		{".id":"*2","name":"v-4821","profile":"1h","uptime":"0s","disabled":"false"},
		{".id":"*3","name":"v-7730","profile":"1h","uptime":"12m4s","comment":"lobby"}
	]`,
	"/rest/ip/hotspot/ip-binding": `[
		{".id":"*1","address":"10.5.0.7","mac-address":"AA:BB:CC:00:11:22","type":"bypassed","comment":"kiosk"},
		{".id":"*2","active-address":"10.5.0.9","mac-address":"AA:BB:CC:00:11:33","type":"regular"}
	]`,
}

func TestCheckVoucher(t *testing.T) {
	e := newTestEnv(t, nil)
	tests := []struct {
		name     string
		username string
		exists   bool
		used     bool
	}{
		{"unused", "v-4821", true, false},
		{"used", "v-7730", true, true},
		{"by id", "*3", true, true},
		{"unknown", "v-0000", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := e.do(t, http.MethodPost, "/api/public/r1/check-voucher", "",
				strings.NewReader(`{"username":"`+tt.username+`"}`))
			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, tt.exists, body["success"])
			assert.Equal(t, tt.exists, body["exists"])
			assert.Equal(t, tt.used, body["used"])
			if !tt.exists {
				assert.Equal(t, "voucher not found", body["message"])
			}
		})
	}
}

func TestCheckVoucher_RequiresUsername(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, body := e.do(t, http.MethodPost, "/api/public/r1/check-voucher", "", strings.NewReader(`{}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, outcome.CodeInvalidRequest, body["code"])
	assert.EqualValues(t, 0, e.hits.Load())
	assert.EqualValues(t, 1, e.metrics.Snapshot().Errors[outcome.CodeInvalidRequest])
}

func TestCheckVoucher_InactiveDevice(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, body := e.do(t, http.MethodPost, "/api/public/r2/check-voucher", "", strings.NewReader(`{"username":"v-4821"}`))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, outcome.CodeDeviceInactive, body["code"])
}

func TestCreateHotspotUser(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, body := e.do(t, http.MethodPost, "/api/public/r1/hotspot-user", "",
		strings.NewReader(`{"name":"v-9001","password":"k3y","comment":"front desk"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	record := body["record"].(map[string]any)
	assert.Equal(t, "v-9001", record["name"])
	assert.Equal(t, "default", record["profile"])
	assert.NotContains(t, record, "password")

	sent := body["data"].(map[string]any)["sent"].(map[string]any)
	assert.Equal(t, "k3y", sent["password"], "the device receives the password")
	assert.Equal(t, "default", sent["profile"])

	resp, _ = e.do(t, http.MethodPost, "/api/public/r1/hotspot-user", "", strings.NewReader(`{"name":"v-9001"}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateIPBinding(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, body := e.do(t, http.MethodPost, "/api/public/r1/ip-binding", "",
		strings.NewReader(`{"address":"10.5.0.20","mac_address":"AA:BB:CC:00:11:44"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ip binding created", body["message"])

	sent := body["data"].(map[string]any)["sent"].(map[string]any)
	assert.Equal(t, "10.5.0.20", sent["address"])
	assert.Equal(t, "AA:BB:CC:00:11:44", sent["mac-address"])
	assert.Equal(t, "bypassed", sent["type"])

	resp, body = e.do(t, http.MethodPost, "/api/public/r1/ip-binding", "",
		strings.NewReader(`{"address":"10.5.0.20","mac_address":"not-a-mac"}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, outcome.CodeInvalidRequest, body["code"])
}

func TestCheckIPBinding(t *testing.T) {
	e := newTestEnv(t, nil)
	tests := []struct {
		name   string
		body   string
		exists bool
		id     string
	}{
		{"by mac", `{"mac_address":"aa:bb:cc:00:11:22"}`, true, "*1"},
		{"by address", `{"address":"10.5.0.7"}`, true, "*1"},
		{"by active address", `{"address":"10.5.0.9"}`, true, "*2"},
		{"unknown", `{"address":"10.5.0.99"}`, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := e.do(t, http.MethodPost, "/api/public/r1/check-ip-binding", "", strings.NewReader(tt.body))
			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, tt.exists, body["exists"])
			if tt.exists {
				assert.Equal(t, tt.id, body["binding"].(map[string]any)[".id"])
			}
		})
	}

	resp, _ := e.do(t, http.MethodPost, "/api/public/r1/check-ip-binding", "", strings.NewReader(`{"comment":"x"}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHotspot_DeviceOffline(t *testing.T) {
	e := newTestEnv(t, nil)
	e.device.Close()
	resp, body := e.do(t, http.MethodPost, "/api/public/r1/check-voucher", "", strings.NewReader(`{"username":"v-4821"}`))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, outcome.CodeDeviceOffline, body["code"])
}
