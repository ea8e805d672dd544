package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	dashboard := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Dashboard-Password") != "pw" {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"success":false,"error":"invalid dashboard password","code":"DASHBOARD_INVALID_PASSWORD"}`))
				return
			}
			h(w, r)
		}
	}
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"ok","version":"v1.2.3"}`))
	})
	mux.HandleFunc("GET /health/detailed", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unhealthy","registry":"error","version":"v1.2.3"}`))
	})
	mux.HandleFunc("GET /metrics", dashboard(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"success":true,"metrics":{"requests":{"total":7,"successRate":85.71},"uptime":{"human":"3m 4s"}}}`))
	}))
	mux.HandleFunc("GET /metrics/debug", dashboard(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"success":true,"metrics":{"errorDetails":[{"kind":"EndpointNotFound","code":"ENDPOINT_NOT_FOUND"}],"offlineDevices":[{"deviceId":"r1","code":"DEVICE_OFFLINE","cacheExpiresIn":1200}]}}`))
	}))
	mux.HandleFunc("POST /metrics/reset", dashboard(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"success":true}`))
	}))
	mux.HandleFunc("GET /api/devices", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sess" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"success":false,"error":"invalid session","code":"INVALID_SESSION"}`))
			return
		}
		w.Write([]byte(`{"success":true,"data":[{"id":"r1","name":"edge","address":"10.0.0.1","active":true}],"count":1}`))
	})
	mux.HandleFunc("/api/devices/{id}/rest/{path...}", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.PathValue("path") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"success":false,"error":"endpoint /missing not found on device","code":"ENDPOINT_NOT_FOUND"}`))
			return
		}
		data, _ := json.Marshal(map[string]string{
			"method": r.Method, "path": r.PathValue("path"), "query": r.URL.RawQuery, "body": string(body),
		})
		json.NewEncoder(w).Encode(map[string]any{"success": true, "data": json.RawMessage(data), "responseTime": 5})
	})
	mux.HandleFunc("GET /api/devices/{id}/test", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"success":false,"error":"device 10.0.0.1 is offline or unreachable","message":"device offline (cached)","code":"DEVICE_OFFLINE","cached":true,"cacheExpiresIn":900,"responseTime":0}`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestHTTPClient_Server(t *testing.T) {
	ts := newTestServer(t)
	c := NewHTTPClient(ts.URL+"/", "", "", time.Second)

	v, err := c.Version()
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", v)

	h, err := c.Health()
	require.NoError(t, err, "a 503 health body is still a report")
	assert.Equal(t, "unhealthy", h.Status)
	assert.Equal(t, "error", h.Registry)
}

func TestHTTPClient_Dashboard(t *testing.T) {
	ts := newTestServer(t)

	_, err := NewHTTPClient(ts.URL, "", "", time.Second).Stats()
	assert.ErrorContains(t, err, "no dashboard password")

	_, err = NewHTTPClient(ts.URL, "", "wrong", time.Second).Stats()
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Status)
	assert.Equal(t, "DASHBOARD_INVALID_PASSWORD", se.Code)

	c := NewHTTPClient(ts.URL, "", "pw", time.Second)
	st, err := c.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 7, st.Requests.Total)
	assert.Equal(t, "3m 4s", st.Uptime.Human)

	dbg, err := c.Debug()
	require.NoError(t, err)
	require.Len(t, dbg.OfflineDevices, 1)
	assert.Equal(t, "r1", dbg.OfflineDevices[0].DeviceID)
	require.Len(t, dbg.ErrorDetails, 1)
	assert.Equal(t, "ENDPOINT_NOT_FOUND", dbg.ErrorDetails[0].Code)

	assert.NoError(t, c.ResetMetrics())
}

func TestHTTPClient_Devices(t *testing.T) {
	ts := newTestServer(t)

	_, err := NewHTTPClient(ts.URL, "", "", time.Second).ListDevices()
	assert.ErrorContains(t, err, "no session token")

	_, err = NewHTTPClient(ts.URL, "bad", "", time.Second).ListDevices()
	assert.ErrorContains(t, err, "INVALID_SESSION")

	c := NewHTTPClient(ts.URL, "sess", "", time.Second)
	devices, err := c.ListDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "edge", devices[0].Name)

	res, err := c.Call("r1", "post", "/ip/address/add?x=1", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, http.StatusOK, res.Status)
	var echoed map[string]string
	require.NoError(t, json.Unmarshal(res.Data, &echoed))
	assert.Equal(t, http.MethodPost, echoed["method"])
	assert.Equal(t, "ip/address/add", echoed["path"])
	assert.Equal(t, "x=1", echoed["query"])
	assert.Equal(t, `{"a":1}`, echoed["body"])

	res, err = c.Call("r1", "GET", "missing", nil)
	require.NoError(t, err, "device failures are results")
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.Equal(t, "ENDPOINT_NOT_FOUND", res.Code)

	res, err = c.TestDevice("r1")
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.EqualValues(t, 900, res.CacheExpiresIn)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, ValidateID("edge-01.site_a"))
	assert.Error(t, ValidateID(""))
	assert.Error(t, ValidateID("a/b"))

	m, err := ValidateMethod("patch")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, m)
	_, err = ValidateMethod("TRACE")
	assert.Error(t, err)

	assert.NoError(t, ValidateEndpoint("/interface?.proplist=name"))
	assert.Error(t, ValidateEndpoint(""))
	assert.Error(t, ValidateEndpoint("interface"))
	assert.Error(t, ValidateEndpoint("/../../etc"))
	assert.Error(t, ValidateEndpoint("/x\r\nHost: evil"))
}
