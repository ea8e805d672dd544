package apiserver

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/strand-protocol/devgate/pkg/observability"
)

// Dashboard error codes.
const (
	CodeDashboardPasswordNotSet   = "DASHBOARD_PASSWORD_NOT_SET"
	CodeDashboardPasswordRequired = "DASHBOARD_PASSWORD_REQUIRED"
	CodeDashboardInvalidPassword  = "DASHBOARD_INVALID_PASSWORD"
)

// dashboard guards h with the dashboard password, read from the
// X-Dashboard-Password header or the password query parameter.
func (s *Server) dashboard(h http.HandlerFunc) http.HandlerFunc {
	want := sha256.Sum256([]byte(s.opts.DashboardPassword))
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.DashboardPassword == "" {
			writeJSON(w, http.StatusInternalServerError, errorBody{
				Error: "dashboard password is not configured",
				Code:  CodeDashboardPasswordNotSet,
			})
			return
		}
		given := r.Header.Get("X-Dashboard-Password")
		if given == "" {
			given = r.URL.Query().Get("password")
		}
		if given == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Error: "dashboard password required",
				Code:  CodeDashboardPasswordRequired,
				Hint:  "send the X-Dashboard-Password header or the password query parameter",
			})
			return
		}
		got := sha256.Sum256([]byte(given))
		if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
			s.logger.Warn("dashboard access with wrong password",
				zap.String("client_ip", s.clientIP(r)),
				zap.String("user_agent", r.UserAgent()))
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Error: "invalid dashboard password",
				Code:  CodeDashboardInvalidPassword,
			})
			return
		}
		h(w, r)
	}
}

type metricsBody struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Metrics   any       `json:"metrics"`
}

func (s *Server) writeMetrics(w http.ResponseWriter, v any) {
	writeJSON(w, http.StatusOK, metricsBody{Success: true, Timestamp: s.clock.Now(), Metrics: v})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeMetrics(w, s.deps.Metrics.Snapshot())
}

func (s *Server) handleDetailed(w http.ResponseWriter, _ *http.Request) {
	s.writeMetrics(w, s.deps.Metrics.Detailed())
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	s.writeMetrics(w, s.deps.Metrics.Summary())
}

// offlineDevice is a breaker entry as shown on the debug page.
type offlineDevice struct {
	DeviceID       string    `json:"deviceId"`
	DetectedAt     time.Time `json:"detectedAt"`
	CacheExpiresIn int64     `json:"cacheExpiresIn"`
	Code           string    `json:"code"`
	Details        string    `json:"details,omitempty"`
}

type debugBody struct {
	observability.DebugInfo
	OfflineDevices []offlineDevice `json:"offlineDevices"`
}

func (s *Server) handleDebug(w http.ResponseWriter, _ *http.Request) {
	body := debugBody{DebugInfo: s.deps.Metrics.Debug(), OfflineDevices: []offlineDevice{}}
	if s.deps.Breaker != nil {
		for _, e := range s.deps.Breaker.Snapshot() {
			body.OfflineDevices = append(body.OfflineDevices, offlineDevice{
				DeviceID:       e.Key,
				DetectedAt:     e.DetectedAt,
				CacheExpiresIn: s.deps.Breaker.Remaining(e).Milliseconds(),
				Code:           e.Failure.Code,
				Details:        e.Failure.Details,
			})
		}
	}
	s.writeMetrics(w, body)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.deps.Metrics.Reset()
	s.logger.Info("metrics reset", zap.String("client_ip", s.clientIP(r)))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "metrics reset",
		"timestamp": s.clock.Now(),
	})
}

type metricsHealth struct {
	Status        string `json:"status"`
	Collecting    bool   `json:"collecting"`
	TotalRequests int64  `json:"totalRequests"`
	Uptime        string `json:"uptime"`
}

func (s *Server) handleMetricsHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Metrics.Snapshot()
	writeJSON(w, http.StatusOK, metricsHealth{
		Status:        "ok",
		Collecting:    true,
		TotalRequests: st.Requests.Total,
		Uptime:        st.Uptime.Human,
	})
}

type liveEvent struct {
	Timestamp time.Time           `json:"timestamp"`
	Metrics   observability.Stats `json:"metrics"`
}

// handleLive streams a stats snapshot as a server-sent event every
// LiveInterval until the client disconnects.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// The stream outlives the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func() error {
		b, err := json.Marshal(liveEvent{Timestamp: s.clock.Now(), Metrics: s.deps.Metrics.Snapshot()})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return err
		}
		return rc.Flush()
	}
	if err := send(); err != nil {
		return
	}
	ticker := s.clock.Ticker(s.opts.LiveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := send(); err != nil {
				s.logger.Debug("live metrics stream closed", zap.Error(err))
				return
			}
		}
	}
}
