package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/strand-protocol/devgate/internal/postgres"
	"github.com/strand-protocol/devgate/pkg/apiserver"
	"github.com/strand-protocol/devgate/pkg/breaker"
	"github.com/strand-protocol/devgate/pkg/config"
	"github.com/strand-protocol/devgate/pkg/controller"
	"github.com/strand-protocol/devgate/pkg/forwarder"
	"github.com/strand-protocol/devgate/pkg/gateway"
	"github.com/strand-protocol/devgate/pkg/logging"
	"github.com/strand-protocol/devgate/pkg/observability"
	"github.com/strand-protocol/devgate/pkg/ratelimit"
	"github.com/strand-protocol/devgate/pkg/registry"
	"github.com/strand-protocol/devgate/pkg/resolve"
)

// Module assembles the gateway from cfg.
func Module(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newClock,
			newRegistry,
			newResolver,
			newLimiters,
			newBreaker,
			newForwarder,
			newMetrics,
			newPipeline,
			newServer,
			newSweeper,
		),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Invoke(run),
	)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Format)
}

func newClock() clock.Clock { return clock.New() }

// newRegistry opens the configured backend. The registry is closed by run's
// stop hook after the HTTP server has drained.
func newRegistry(cfg *config.Config, logger *zap.Logger, clk clock.Clock) (registry.Client, error) {
	rc := cfg.Registry
	var reg registry.Client
	switch rc.Backend {
	case "memory":
		mem := registry.NewMemoryRegistry(clk)
		if rc.SeedFile != "" {
			seed, err := registry.LoadSeed(rc.SeedFile)
			if err != nil {
				return nil, err
			}
			seed.Apply(mem)
			logger.Info("registry seeded",
				zap.String("file", rc.SeedFile),
				zap.Int("devices", len(seed.Devices)),
				zap.Int("sessions", len(seed.Sessions)))
		}
		reg = mem
	case "etcd":
		etcd, err := registry.NewEtcdRegistry(rc.EtcdEndpoints)
		if err != nil {
			return nil, fmt.Errorf("connect to etcd %v: %w", rc.EtcdEndpoints, err)
		}
		logger.Info("connected to etcd", zap.Strings("endpoints", rc.EtcdEndpoints))
		reg = etcd
	case "postgres":
		db, err := postgres.New(rc.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if rc.Migrate {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := db.Migrate(ctx)
			cancel()
			if err != nil {
				return nil, multierr.Append(err, db.Close())
			}
			logger.Info("postgres schema applied")
		}
		reg = registry.NewPostgresRegistry(db.Pool())
	default:
		return nil, fmt.Errorf("unsupported registry backend %q", rc.Backend)
	}
	logger.Info("registry ready", zap.String("backend", rc.Backend))

	if rc.IdentityURL != "" {
		logger.Info("verifying sessions with identity service", zap.String("url", rc.IdentityURL))
		reg = registry.WithIdentityProvider(reg, registry.NewSessionProvider(rc.IdentityURL))
	}
	return reg, nil
}

func newResolver(cfg *config.Config, reg registry.Client, clk clock.Clock, logger *zap.Logger) (*resolve.Resolver, error) {
	return resolve.New(reg, resolve.Options{
		TTL:           cfg.Cache.TTL,
		Size:          cfg.Cache.Size,
		LookupTimeout: cfg.Cache.LookupTimeout,
		Clock:         clk,
		Logger:        logger,
	})
}

func newLimiters(cfg *config.Config, clk clock.Clock) apiserver.Limiters {
	mk := func(name string, lc config.LimitConfig) *ratelimit.Limiter {
		if lc.Max <= 0 {
			return nil
		}
		return ratelimit.New(name, lc.Max, lc.Window, ratelimit.WithClock(clk))
	}
	return apiserver.Limiters{
		User:   mk("user", cfg.Limits.User),
		Device: mk("device", cfg.Limits.Device),
		IP:     mk("ip", cfg.Limits.IP),
	}
}

func newBreaker(cfg *config.Config, clk clock.Clock) *breaker.Cache {
	return breaker.New(cfg.Breaker.Duration, breaker.WithClock(clk))
}

func newForwarder(cfg *config.Config, br *breaker.Cache, clk clock.Clock, logger *zap.Logger) *forwarder.Forwarder {
	fc := cfg.Forwarder
	return forwarder.New(forwarder.Config{
		Timeout:          fc.Timeout,
		CheckTimeout:     fc.CheckTimeout,
		Scheme:           fc.Scheme,
		DefaultPort:      fc.DefaultPort,
		PathPrefix:       fc.PathPrefix,
		MaxResponseBytes: fc.MaxResponseBytes,
	}, br, forwarder.WithClock(clk), forwarder.WithLogger(logger))
}

type metricsOut struct {
	fx.Out

	Aggregator *observability.Aggregator
	// Prometheus is nil when export is disabled.
	Prometheus *observability.PrometheusExporter
}

func newMetrics(cfg *config.Config, clk clock.Clock) metricsOut {
	mc := cfg.Metrics
	opts := []observability.Option{observability.WithClock(clk)}
	var prom *observability.PrometheusExporter
	if mc.Prometheus {
		prom = observability.NewPrometheusExporter(nil)
		opts = append(opts, observability.WithExporter(prom))
	}
	agg := observability.NewAggregator(observability.Config{
		RecentRequests: mc.RecentRequests,
		RecentErrors:   mc.RecentErrors,
		LatencySamples: mc.LatencySamples,
		AverageWindow:  mc.AverageWindow,
		Retention:      mc.Retention,
	}, opts...)
	return metricsOut{Aggregator: agg, Prometheus: prom}
}

func newPipeline(cfg *config.Config, res *resolve.Resolver, br *breaker.Cache, fwd *forwarder.Forwarder,
	agg *observability.Aggregator, reg registry.Client, clk clock.Clock, logger *zap.Logger) *gateway.Pipeline {
	return gateway.New(gateway.Deps{
		Resolver:  res,
		Breaker:   br,
		Forwarder: fwd,
		Recorder:  agg,
		AccessLog: reg,
	}, gateway.WithClock(clk), gateway.WithLogger(logger), gateway.WithAccessLogTimeout(cfg.Server.AccessLogTimeout))
}

type serverIn struct {
	fx.In

	Config     *config.Config
	Pipeline   *gateway.Pipeline
	Resolver   *resolve.Resolver
	Registry   registry.Client
	Metrics    *observability.Aggregator
	Prometheus *observability.PrometheusExporter
	Breaker    *breaker.Cache
	Limiters   apiserver.Limiters
	Logger     *zap.Logger
	Clock      clock.Clock
}

func newServer(in serverIn) *apiserver.Server {
	sc := in.Config.Server
	opts := apiserver.DefaultServerOptions()
	opts.ReadTimeout = sc.ReadTimeout
	opts.WriteTimeout = sc.WriteTimeout
	opts.IdleTimeout = sc.IdleTimeout
	opts.AllowedOrigins = sc.AllowedOrigins
	opts.MaxBodyBytes = sc.MaxBodyBytes
	opts.GlobalRate = sc.GlobalRate
	opts.GlobalBurst = sc.GlobalBurst
	opts.DashboardPassword = sc.DashboardPassword
	opts.LiveInterval = sc.LiveInterval
	opts.PublicEndpoints = sc.PublicEndpoints
	opts.TrustProxy = sc.TrustProxy
	opts.Version = version
	if sc.DashboardPassword == "" {
		in.Logger.Warn("dashboard password not set; metrics dashboard routes will refuse requests")
	}
	return apiserver.NewServer(apiserver.Deps{
		Pipeline:   in.Pipeline,
		Resolver:   in.Resolver,
		Registry:   in.Registry,
		Metrics:    in.Metrics,
		Prometheus: in.Prometheus,
		Breaker:    in.Breaker,
		Limiters:   in.Limiters,
		Logger:     in.Logger,
		Clock:      in.Clock,
	}, opts)
}

func newSweeper(cfg *config.Config, res *resolve.Resolver, lims apiserver.Limiters, br *breaker.Cache,
	agg *observability.Aggregator, clk clock.Clock, logger *zap.Logger) *controller.Sweeper {
	sc := cfg.Sweep
	tasks := []controller.Task{
		{Name: "resolver", Interval: sc.Resolver, Target: res},
		{Name: "breaker", Interval: sc.Breaker, Target: br},
		{Name: "metrics", Interval: sc.Metrics, Target: agg},
	}
	for _, l := range []*ratelimit.Limiter{lims.User, lims.Device, lims.IP} {
		if l != nil {
			tasks = append(tasks, controller.Task{Name: "limiter/" + l.Name(), Interval: sc.Limiters, Target: l})
		}
	}
	return controller.NewSweeper(tasks, controller.WithClock(clk), controller.WithLogger(logger))
}

// run binds the listener on start and, on stop, drains the HTTP server and
// detached device calls before closing the registry.
func run(lc fx.Lifecycle, sd fx.Shutdowner, cfg *config.Config, srv *apiserver.Server,
	sw *controller.Sweeper, reg registry.Client, logger *zap.Logger) {
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Addr, err)
			}
			go func() {
				defer close(sweepDone)
				sw.Start(sweepCtx)
			}()
			go func() {
				if err := srv.Serve(ln); err != nil {
					logger.Error("server error", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()
			err := srv.GracefulShutdown(shutCtx)
			if errors.Is(err, context.DeadlineExceeded) {
				logger.Warn("shutdown deadline reached with requests still in flight")
			}
			stopSweep()
			<-sweepDone
			return multierr.Append(err, reg.Close())
		},
	})
}
