// Package apiserver implements the devgate HTTP surface: the device proxy
// routes, the caller device listing, health checks and the metrics dashboard.
package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/strand-protocol/devgate/pkg/breaker"
	"github.com/strand-protocol/devgate/pkg/gateway"
	"github.com/strand-protocol/devgate/pkg/observability"
	"github.com/strand-protocol/devgate/pkg/ratelimit"
	"github.com/strand-protocol/devgate/pkg/registry"
)

// ServerOptions holds the HTTP-level configuration.
type ServerOptions struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// AllowedOrigins lists origins allowed for CORS. "*" allows any origin;
	// empty denies cross-origin requests.
	AllowedOrigins []string
	// MaxBodyBytes limits request bodies; larger bodies get 413.
	MaxBodyBytes int64
	// GlobalRate and GlobalBurst configure the process-wide flood guard in
	// requests per second. A zero rate disables it.
	GlobalRate  float64
	GlobalBurst int
	// DashboardPassword protects the metrics dashboard. Empty makes the
	// dashboard answer 500 DASHBOARD_PASSWORD_NOT_SET.
	DashboardPassword string
	// LiveInterval is the period of the metrics event stream.
	LiveInterval time.Duration
	// PublicEndpoints are the device endpoints reachable without credentials.
	PublicEndpoints []string
	// TrustProxy takes the client IP from X-Forwarded-For.
	TrustProxy bool
	Version    string
}

// DefaultServerOptions returns sensible defaults.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		MaxBodyBytes: 10 << 20,
		GlobalRate:   1000.0 / 60.0,
		GlobalBurst:  50,
		LiveInterval: 5 * time.Second,
		PublicEndpoints: []string{
			"/ip/hotspot/user",
			"/ip/hotspot/active",
			"/ip/hotspot/ip-binding",
		},
		Version: "dev",
	}
}

// Limiters are the per-route rate limiters.
type Limiters struct {
	User   *ratelimit.Limiter
	Device *ratelimit.Limiter
	IP     *ratelimit.Limiter
}

// Deps are the collaborators the server routes to.
type Deps struct {
	Pipeline   *gateway.Pipeline
	Resolver   gateway.Resolver
	Registry   registry.Client
	Metrics    *observability.Aggregator
	Prometheus *observability.PrometheusExporter
	Breaker    *breaker.Cache
	Limiters   Limiters
	Logger     *zap.Logger
	Clock      clock.Clock
}

// routes is the gateway route table.
type routes struct {
	session *gateway.Route
	token   *gateway.Route
	public  *gateway.Route
}

// Server is the devgate HTTP API server.
type Server struct {
	httpServer *http.Server
	deps       Deps
	routes     routes
	mux        *http.ServeMux
	opts       ServerOptions
	logger     *zap.Logger
	clock      clock.Clock
	started    time.Time
}

// NewServer creates a Server wired to deps.
func NewServer(deps Deps, opts ServerOptions) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if opts.LiveInterval <= 0 {
		opts.LiveInterval = DefaultServerOptions().LiveInterval
	}
	srv := &Server{
		deps:    deps,
		mux:     http.NewServeMux(),
		opts:    opts,
		logger:  deps.Logger.Named("apiserver"),
		clock:   deps.Clock,
		started: deps.Clock.Now(),
	}
	srv.routes = srv.buildRoutes()
	srv.registerRoutes()
	handler := srv.applyMiddleware(srv.mux)
	srv.httpServer = &http.Server{
		Handler:      handler,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
		ErrorLog:     zap.NewStdLog(srv.logger),
	}
	return srv
}

func (s *Server) buildRoutes() routes {
	l := s.deps.Limiters
	return routes{
		session: &gateway.Route{
			Name:     "session",
			Strategy: gateway.SessionStrategy,
			Limits:   limits(gateway.LimitRule{Limiter: l.User, Key: gateway.ByCaller}),
		},
		token: &gateway.Route{
			Name:     "device-token",
			Strategy: gateway.DeviceTokenStrategy,
			Limits:   limits(gateway.LimitRule{Limiter: l.Device, Key: gateway.ByDevice}),
		},
		public: &gateway.Route{
			Name:     "public",
			Strategy: gateway.PublicStrategy,
			Guard:    gateway.AllowEndpoints(s.opts.PublicEndpoints),
			Limits:   limits(gateway.LimitRule{Limiter: l.IP, Key: gateway.ByClientIP}),
		},
	}
}

// limits drops rules whose limiter is not configured.
func limits(rules ...gateway.LimitRule) []gateway.LimitRule {
	out := rules[:0]
	for _, r := range rules {
		if r.Limiter != nil {
			out = append(out, r)
		}
	}
	return out
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("devgate API server listening", zap.String("addr", ln.Addr().String()))
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// GracefulShutdown stops accepting requests, waits for in-flight handlers and
// then for detached device calls to finish.
func (s *Server) GracefulShutdown(ctx context.Context) error {
	s.logger.Info("devgate API server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	if s.deps.Pipeline != nil {
		return s.deps.Pipeline.Wait(ctx)
	}
	return nil
}

// Handler returns the root http.Handler (useful for testing with httptest).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
