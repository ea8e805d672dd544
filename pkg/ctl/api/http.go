package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/strand-protocol/devgate/pkg/observability"
)

// HTTPClient talks to a devgate server over HTTP.
type HTTPClient struct {
	baseURL           string
	token             string
	dashboardPassword string
	http              *http.Client
}

var _ APIClient = (*HTTPClient)(nil)

// NewHTTPClient returns a client for the server at baseURL. token is the
// caller session token; password unlocks the metrics dashboard.
func NewHTTPClient(baseURL, token, password string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL:           strings.TrimRight(baseURL, "/"),
		token:             token,
		dashboardPassword: password,
		http:              &http.Client{Timeout: timeout},
	}
}

// apiError is the error body every devgate route writes.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Hint  string `json:"hint"`
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

type auth int

const (
	noAuth auth = iota
	sessionAuth
	dashboardAuth
)

func (c *HTTPClient) do(method, path string, a auth, body []byte) (*http.Response, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rd)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch a {
	case sessionAuth:
		if c.token == "" {
			return nil, nil, fmt.Errorf("no session token configured (set token in the config file or pass --token)")
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
	case dashboardAuth:
		if c.dashboardPassword == "" {
			return nil, nil, fmt.Errorf("no dashboard password configured (set dashboard_password or pass --password)")
		}
		req.Header.Set("X-Dashboard-Password", c.dashboardPassword)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s response: %w", path, err)
	}
	return resp, raw, nil
}

// getJSON decodes the body of a 2xx answer into out.
func (c *HTTPClient) getJSON(method, path string, a auth, out any) error {
	resp, raw, err := c.do(method, path, a, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func statusError(status int, raw []byte) error {
	var e apiError
	if json.Unmarshal(raw, &e) != nil || e.Error == "" {
		return &StatusError{Status: status, Message: strings.TrimSpace(string(raw))}
	}
	msg := e.Error
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return &StatusError{Status: status, Code: e.Code, Message: msg}
}

// metricsEnvelope wraps every dashboard answer.
type metricsEnvelope[T any] struct {
	Success bool `json:"success"`
	Metrics T    `json:"metrics"`
}

func (c *HTTPClient) Version() (string, error) {
	var h Health
	if err := c.getJSON(http.MethodGet, "/health", noAuth, &h); err != nil {
		return "", err
	}
	return h.Version, nil
}

func (c *HTTPClient) Health() (*Health, error) {
	var h Health
	resp, raw, err := c.do(http.MethodGet, "/health/detailed", noAuth, nil)
	if err != nil {
		return nil, err
	}
	// An unhealthy server answers 503 with the same body.
	if err := json.Unmarshal(raw, &h); err != nil || h.Status == "" {
		return nil, statusError(resp.StatusCode, raw)
	}
	return &h, nil
}

func (c *HTTPClient) Stats() (*observability.Stats, error) {
	var env metricsEnvelope[observability.Stats]
	if err := c.getJSON(http.MethodGet, "/metrics", dashboardAuth, &env); err != nil {
		return nil, err
	}
	return &env.Metrics, nil
}

func (c *HTTPClient) Summary() (*observability.Summary, error) {
	var env metricsEnvelope[observability.Summary]
	if err := c.getJSON(http.MethodGet, "/metrics/summary", dashboardAuth, &env); err != nil {
		return nil, err
	}
	return &env.Metrics, nil
}

func (c *HTTPClient) Debug() (*Debug, error) {
	var env metricsEnvelope[Debug]
	if err := c.getJSON(http.MethodGet, "/metrics/debug", dashboardAuth, &env); err != nil {
		return nil, err
	}
	return &env.Metrics, nil
}

func (c *HTTPClient) ResetMetrics() error {
	return c.getJSON(http.MethodPost, "/metrics/reset", dashboardAuth, nil)
}

func (c *HTTPClient) ListDevices() ([]Device, error) {
	var body struct {
		Data []Device `json:"data"`
	}
	if err := c.getJSON(http.MethodGet, "/api/devices", sessionAuth, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

func (c *HTTPClient) TestDevice(id string) (*CallResult, error) {
	return c.call(http.MethodGet, "/api/devices/"+url.PathEscape(id)+"/test", nil)
}

// Call proxies method endpoint to device id. endpoint is relative to the
// device's REST root and may carry a query string.
func (c *HTTPClient) Call(id, method, endpoint string, body []byte) (*CallResult, error) {
	return c.call(strings.ToUpper(method), "/api/devices/"+url.PathEscape(id)+"/rest/"+strings.TrimLeft(endpoint, "/"), body)
}

// call returns the gateway envelope for any status; device failures are
// results, not errors.
func (c *HTTPClient) call(method, path string, body []byte) (*CallResult, error) {
	resp, raw, err := c.do(method, path, sessionAuth, body)
	if err != nil {
		return nil, err
	}
	var res CallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, statusError(resp.StatusCode, raw)
	}
	res.Status = resp.StatusCode
	return &res, nil
}
