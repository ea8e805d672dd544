// Package forwarder issues calls to device REST APIs and translates transport
// and HTTP failures into gateway outcome codes.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/strand-protocol/devgate/pkg/breaker"
	"github.com/strand-protocol/devgate/pkg/model"
	"github.com/strand-protocol/devgate/pkg/outcome"
)

// Config controls how device calls are made.
type Config struct {
	Timeout          time.Duration
	CheckTimeout     time.Duration
	Scheme           string
	DefaultPort      int
	PathPrefix       string
	MaxResponseBytes int64
}

// DefaultConfig returns the stock device call settings.
func DefaultConfig() Config {
	return Config{
		Timeout:          10 * time.Second,
		CheckTimeout:     3 * time.Second,
		Scheme:           "http",
		DefaultPort:      80,
		PathPrefix:       "/rest",
		MaxResponseBytes: 10 << 20,
	}
}

// Marker records devices found to be unreachable.
type Marker interface {
	MarkUnreachable(key string, f breaker.Failure)
}

// Call is one request to a device.
type Call struct {
	Device   *model.Device
	Endpoint string
	Method   string
	Body     []byte
}

// Result is the translated outcome of a Call.
type Result struct {
	Success bool
	Status  int
	// Data is the device response body as JSON; non-JSON bodies are wrapped
	// in a JSON string.
	Data    json.RawMessage
	Kind    outcome.Kind
	Code    string
	Message string
	Details string
	Latency time.Duration
}

// Failure returns the breaker echo of r.
func (r Result) Failure() breaker.Failure {
	return breaker.Failure{Message: r.Message, Code: r.Code, Details: r.Details}
}

// Forwarder performs device calls. It never retries.
type Forwarder struct {
	cfg    Config
	client *http.Client
	marker Marker
	clock  clock.Clock
	logger *zap.Logger
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Forwarder) { f.client = c }
}

// WithClock sets the time source used for latency.
func WithClock(c clock.Clock) Option {
	return func(f *Forwarder) { f.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Forwarder) { f.logger = l }
}

// New returns a Forwarder that reports unreachable devices to marker, which
// may be nil.
func New(cfg Config, marker Marker, opts ...Option) *Forwarder {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = def.CheckTimeout
	}
	if cfg.Scheme == "" {
		cfg.Scheme = def.Scheme
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = def.MaxResponseBytes
	}
	f := &Forwarder{
		cfg:    cfg,
		marker: marker,
		clock:  clock.New(),
		logger: zap.NewNop(),
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: cfg.Timeout, KeepAlive: 30 * time.Second}).DialContext,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(f)
	}
	f.logger = f.logger.Named("forwarder")
	return f
}

// Timeout returns the per-call timeout.
func (f *Forwarder) Timeout() time.Duration { return f.cfg.Timeout }

// Forward performs c with the configured timeout.
func (f *Forwarder) Forward(ctx context.Context, c Call) Result {
	return f.do(ctx, c, f.cfg.Timeout)
}

// Check verifies that a device answers: a quick clock read with the check
// timeout, then an identity read with the full timeout.
func (f *Forwarder) Check(ctx context.Context, d *model.Device) Result {
	quick := f.do(ctx, Call{Device: d, Endpoint: "/system/clock", Method: http.MethodGet}, f.cfg.CheckTimeout)
	if !quick.Success {
		return quick
	}
	res := f.do(ctx, Call{Device: d, Endpoint: "/system/identity", Method: http.MethodGet}, f.cfg.Timeout)
	res.Latency += quick.Latency
	return res
}

func (f *Forwarder) do(ctx context.Context, c Call, timeout time.Duration) Result {
	start := f.clock.Now()
	target, err := f.target(c.Device, c.Endpoint)
	if err != nil {
		return Result{
			Status:  http.StatusBadRequest,
			Kind:    outcome.BadRequest,
			Code:    outcome.CodeInvalidRequest,
			Message: err.Error(),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(c.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if hasBody(method) && len(c.Body) > 0 {
		body = bytes.NewReader(c.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Result{
			Status:  http.StatusBadRequest,
			Kind:    outcome.BadRequest,
			Code:    outcome.CodeInvalidRequest,
			Message: fmt.Sprintf("build request: %v", err),
		}
	}
	req.SetBasicAuth(c.Device.Username, c.Device.Password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		res := f.unreachable(c.Device, err, timeout)
		res.Latency = f.clock.Since(start)
		return res
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxResponseBytes+1))
	if err != nil {
		res := f.unreachable(c.Device, err, timeout)
		res.Latency = f.clock.Since(start)
		return res
	}
	if int64(len(raw)) > f.cfg.MaxResponseBytes {
		f.logger.Warn("device response too large",
			zap.String("device_id", c.Device.ID),
			zap.String("endpoint", c.Endpoint),
			zap.Int64("limit", f.cfg.MaxResponseBytes))
		return Result{
			Status:  http.StatusBadGateway,
			Data:    json.RawMessage("null"),
			Kind:    outcome.DownstreamApiError,
			Code:    outcome.CodeResponseTooLarge,
			Message: fmt.Sprintf("device response exceeds %d bytes", f.cfg.MaxResponseBytes),
			Latency: f.clock.Since(start),
		}
	}
	res := mapStatus(resp.StatusCode, raw, c.Endpoint)
	res.Latency = f.clock.Since(start)
	if !res.Success {
		f.logger.Debug("device call failed",
			zap.String("device_id", c.Device.ID),
			zap.String("endpoint", c.Endpoint),
			zap.Int("status", res.Status),
			zap.String("code", res.Code))
	}
	return res
}

// unreachable builds the offline result for a transport error and marks the
// device, unless the error came from the caller cancelling.
func (f *Forwarder) unreachable(d *model.Device, err error, timeout time.Duration) Result {
	res := Result{
		Status:  http.StatusServiceUnavailable,
		Data:    json.RawMessage("null"),
		Kind:    outcome.DeviceUnreachable,
		Code:    outcome.CodeDeviceOffline,
		Message: fmt.Sprintf("device %s is offline or unreachable", d.Host()),
		Details: describe(err, timeout),
	}
	if errors.Is(err, context.Canceled) {
		return res
	}
	f.logger.Info("device unreachable",
		zap.String("device_id", d.ID),
		zap.String("address", d.Address),
		zap.String("details", res.Details))
	if f.marker != nil {
		f.marker.MarkUnreachable(d.ID, res.Failure())
	}
	return res
}

// describe renders a transport error for callers without leaking internals.
func describe(err error, timeout time.Duration) string {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection refused"
	case errors.As(err, &dnsErr):
		return "host not found"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Sprintf("timed out after %s", timeout)
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return "connection reset"
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return "host unreachable"
	default:
		return "network error"
	}
}

// mapStatus translates a completed HTTP exchange.
func mapStatus(status int, raw []byte, endpoint string) Result {
	res := Result{Status: status, Data: asJSON(raw)}
	if status >= 200 && status < 400 {
		res.Success = true
		return res
	}
	res.Details = deviceDetail(raw)
	switch {
	case status == http.StatusUnauthorized:
		res.Kind, res.Code, res.Message = outcome.InvalidDeviceCredentials, outcome.CodeInvalidCredentials, "invalid device credentials"
	case status == http.StatusForbidden:
		res.Kind, res.Code, res.Message = outcome.AccessDenied, outcome.CodeAccessDenied, "access denied by device"
	case status == http.StatusNotFound:
		res.Kind, res.Code, res.Message = outcome.EndpointNotFound, outcome.CodeEndpointNotFound, fmt.Sprintf("endpoint %s not found on device", endpoint)
	case status >= http.StatusInternalServerError:
		res.Kind, res.Code, res.Message = outcome.DownstreamInternalError, outcome.CodeDeviceError, "device internal error"
	default:
		res.Kind, res.Code, res.Message = outcome.DownstreamApiError, outcome.CodeDeviceAPIError, "device API error (status "+strconv.Itoa(status)+")"
	}
	return res
}

// deviceDetail extracts the device's own error text, if it sent one.
func deviceDetail(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return ""
	}
	if body.Detail != "" {
		return body.Detail
	}
	return body.Message
}

func asJSON(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	s, _ := json.Marshal(string(raw))
	return s
}

func hasBody(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

// target builds the device URL, refusing endpoints that escape the prefix.
func (f *Forwarder) target(d *model.Device, endpoint string) (string, error) {
	if d == nil || d.Address == "" {
		return "", errors.New("device has no address")
	}
	rawPath, rawQuery, _ := strings.Cut(endpoint, "?")
	if !strings.HasPrefix(rawPath, "/") {
		rawPath = "/" + rawPath
	}
	prefix := "/" + strings.Trim(f.cfg.PathPrefix, "/")
	if prefix == "/" {
		prefix = ""
	}
	clean := path.Clean(prefix + rawPath)
	if prefix != "" && clean != prefix && !strings.HasPrefix(clean, prefix+"/") {
		return "", fmt.Errorf("endpoint %q escapes %s", endpoint, prefix)
	}

	host := d.Address
	if _, _, err := net.SplitHostPort(host); err != nil && f.cfg.DefaultPort > 0 {
		host = net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(f.cfg.DefaultPort))
	}
	u := url.URL{Scheme: f.cfg.Scheme, Host: host, Path: clean, RawQuery: rawQuery}
	return u.String(), nil
}
