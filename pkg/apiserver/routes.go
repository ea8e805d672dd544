package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/strand-protocol/devgate/pkg/gateway"
	"github.com/strand-protocol/devgate/pkg/model"
	"github.com/strand-protocol/devgate/pkg/outcome"
)

// registerRoutes wires all routes into the server mux.
func (s *Server) registerRoutes() {
	// Health checks
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /health/detailed", s.handleHealthDetailed)
	s.mux.HandleFunc("GET /health/ping", s.handlePing)

	// Caller session routes
	s.mux.HandleFunc("GET /api/devices", s.handleListDevices)
	s.mux.HandleFunc("/api/devices/{deviceID}/rest/{path...}", s.handleProxy(s.routes.session))
	s.mux.HandleFunc("GET /api/devices/{deviceID}/test", s.handleTest(s.routes.session))

	// Device token routes
	s.mux.HandleFunc("/api/token/{deviceID}/rest/{path...}", s.handleProxy(s.routes.token))
	s.mux.HandleFunc("GET /api/token/{deviceID}/test", s.handleTest(s.routes.token))

	// Public routes
	s.mux.HandleFunc("/api/public/{deviceID}/rest/{path...}", s.handleProxy(s.routes.public))
	s.mux.HandleFunc("POST /api/public/{deviceID}/check-voucher", s.handleCheckVoucher)
	s.mux.HandleFunc("POST /api/public/{deviceID}/hotspot-user", s.handleCreateHotspotUser)
	s.mux.HandleFunc("POST /api/public/{deviceID}/ip-binding", s.handleCreateIPBinding)
	s.mux.HandleFunc("POST /api/public/{deviceID}/check-ip-binding", s.handleCheckIPBinding)

	// Metrics dashboard
	s.mux.HandleFunc("GET /metrics", s.dashboard(s.handleStats))
	s.mux.HandleFunc("GET /metrics/detailed", s.dashboard(s.handleDetailed))
	s.mux.HandleFunc("GET /metrics/summary", s.dashboard(s.handleSummary))
	s.mux.HandleFunc("GET /metrics/debug", s.dashboard(s.handleDebug))
	s.mux.HandleFunc("GET /metrics/live", s.dashboard(s.handleLive))
	s.mux.HandleFunc("POST /metrics/reset", s.dashboard(s.handleReset))
	s.mux.HandleFunc("GET /metrics/health", s.handleMetricsHealth)
	if s.deps.Prometheus != nil {
		s.mux.Handle("GET /metrics/prometheus", s.deps.Prometheus.Handler())
	}
}

// ---------------------------------------------------------------------------
// Device proxy
// ---------------------------------------------------------------------------

func (s *Server) handleProxy(route *gateway.Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		call, err := s.callFrom(r, "/"+r.PathValue("path"))
		if err != nil {
			s.respond(w, r, s.deps.Pipeline.Reject(route, call, err), nil)
			return
		}
		resp, err := s.deps.Pipeline.Handle(r.Context(), route, call)
		s.respond(w, r, resp, err)
	}
}

func (s *Server) handleTest(route *gateway.Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		call, err := s.callFrom(r, "/system/identity")
		if err != nil {
			s.respond(w, r, s.deps.Pipeline.Reject(route, call, err), nil)
			return
		}
		resp, err := s.deps.Pipeline.Check(r.Context(), route, call)
		s.respond(w, r, resp, err)
	}
}

// callFrom builds the gateway call for r. The query string is forwarded to
// the device unchanged.
func (s *Server) callFrom(r *http.Request, endpoint string) (gateway.Call, error) {
	if r.URL.RawQuery != "" {
		endpoint += "?" + r.URL.RawQuery
	}
	call := gateway.Call{
		ID:       requestID(r.Context()),
		DeviceID: r.PathValue("deviceID"),
		Token:    bearerToken(r),
		ClientIP: s.clientIP(r),
		Method:   r.Method,
		Endpoint: endpoint,
	}
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return call, &outcome.Error{
					Kind:    outcome.BadRequest,
					Code:    outcome.CodePayloadTooLarge,
					Status:  http.StatusRequestEntityTooLarge,
					Message: "request body too large",
				}
			}
			return call, outcome.Invalid(outcome.CodeInvalidRequest, "could not read request body").Wrap(err)
		}
		if len(body) > 0 && !json.Valid(body) {
			return call, outcome.Invalid(outcome.CodeInvalidRequest, "request body must be JSON")
		}
		call.Body = body
	}
	return call, nil
}

// respond writes a pipeline response. A non-nil err means the caller went
// away before the device answered; there is nobody left to write to.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, resp gateway.Response, err error) {
	if err != nil {
		s.logger.Debug("caller left before device answered",
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err))
		return
	}
	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	writeJSON(w, resp.Status, resp.Body)
}

// ---------------------------------------------------------------------------
// Device listing
// ---------------------------------------------------------------------------

type deviceList struct {
	Success bool               `json:"success"`
	Data    []model.DeviceView `json:"data"`
	Count   int                `json:"count"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	caller, err := s.deps.Resolver.Caller(r.Context(), bearerToken(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	devices, err := s.deps.Registry.ListDevicesByOwner(r.Context(), caller.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]model.DeviceView, 0, len(devices))
	for i := range devices {
		views = append(views, devices[i].Redacted())
	}
	writeJSON(w, http.StatusOK, deviceList{Success: true, Data: views, Count: len(views)})
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// handleHealthz is a liveness check.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz is a readiness check; it fails while the registry is unreachable.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.pingRegistry(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "registry": "error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) pingRegistry(ctx context.Context) error {
	if s.deps.Registry == nil {
		return errors.New("no registry configured")
	}
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	return s.deps.Registry.Ping(ctx)
}

type healthBody struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    float64   `json:"uptime"`
	Version   string    `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	now := s.clock.Now()
	writeJSON(w, http.StatusOK, healthBody{
		Status:    "ok",
		Timestamp: now,
		Uptime:    now.Sub(s.started).Seconds(),
		Version:   s.opts.Version,
	})
}

type memoryStats struct {
	HeapAlloc  uint64 `json:"heapAlloc"`
	HeapSys    uint64 `json:"heapSys"`
	Sys        uint64 `json:"sys"`
	Goroutines int    `json:"goroutines"`
}

type detailedHealth struct {
	Status    string      `json:"status"`
	Registry  string      `json:"registry"`
	Memory    memoryStats `json:"memory"`
	Timestamp time.Time   `json:"timestamp"`
	Uptime    float64     `json:"uptime"`
	Version   string      `json:"version"`
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()
	body := detailedHealth{
		Status:    "healthy",
		Registry:  "ok",
		Timestamp: now,
		Uptime:    now.Sub(s.started).Seconds(),
		Version:   s.opts.Version,
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	body.Memory = memoryStats{HeapAlloc: mem.HeapAlloc, HeapSys: mem.HeapSys, Sys: mem.Sys, Goroutines: runtime.NumGoroutine()}

	status := http.StatusOK
	if err := s.pingRegistry(r.Context()); err != nil {
		s.logger.Warn("registry health check failed", zap.Error(err))
		body.Status, body.Registry = "unhealthy", "error"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pong": true, "timestamp": s.clock.Now().UnixMilli()})
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Scope   string `json:"scope,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// fail writes err as a gateway error envelope. Internal faults are logged in
// full and rendered generically.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	oe := outcome.As(err)
	if oe.Kind == outcome.InternalFault {
		s.logger.Error("internal gateway error",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeFailure(w, oe)
}

func writeFailure(w http.ResponseWriter, oe *outcome.Error) {
	writeJSON(w, oe.Status, errorBody{Error: oe.Message, Code: oe.Code})
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
