// Package config loads the devgate server configuration from a YAML file and
// DEVGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when none is given.
const DefaultPath = "devgate.yaml"

// Config is the full server configuration.
type Config struct {
	Addr      string          `yaml:"addr" validate:"required"`
	Log       LogConfig       `yaml:"log"`
	Registry  RegistryConfig  `yaml:"registry"`
	Cache     CacheConfig     `yaml:"cache"`
	Limits    LimitsConfig    `yaml:"limits"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Forwarder ForwarderConfig `yaml:"forwarder"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Server    ServerConfig    `yaml:"server"`
	Sweep     SweepConfig     `yaml:"sweep"`
}

// LogConfig selects the logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// RegistryConfig selects and configures the registry backend.
type RegistryConfig struct {
	Backend       string   `yaml:"backend" validate:"oneof=memory etcd postgres"`
	SeedFile      string   `yaml:"seed_file"`
	PostgresDSN   string   `yaml:"postgres_dsn" validate:"required_if=Backend postgres"`
	Migrate       bool     `yaml:"migrate"`
	EtcdEndpoints []string `yaml:"etcd_endpoints" validate:"required_if=Backend etcd,dive,required"`
	// IdentityURL, when set, verifies session tokens against an external
	// identity service instead of the backend's session table.
	IdentityURL string `yaml:"identity_url" validate:"omitempty,url"`
}

// CacheConfig sizes the resolver caches.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl" validate:"gt=0"`
	Size          int           `yaml:"size" validate:"gt=0"`
	LookupTimeout time.Duration `yaml:"lookup_timeout" validate:"gt=0"`
}

// LimitConfig is one sliding-window limit. A zero Max disables the limiter.
type LimitConfig struct {
	Max    int           `yaml:"max" validate:"gte=0"`
	Window time.Duration `yaml:"window" validate:"gt=0"`
}

// LimitsConfig holds the per-route limits.
type LimitsConfig struct {
	User   LimitConfig `yaml:"user"`
	Device LimitConfig `yaml:"device"`
	IP     LimitConfig `yaml:"ip"`
}

// BreakerConfig configures the unreachable-device cache.
type BreakerConfig struct {
	Duration time.Duration `yaml:"duration" validate:"gt=0"`
}

// ForwarderConfig configures device calls.
type ForwarderConfig struct {
	Timeout      time.Duration `yaml:"timeout" validate:"gt=0"`
	CheckTimeout time.Duration `yaml:"check_timeout" validate:"gt=0"`
	Scheme       string        `yaml:"scheme" validate:"oneof=http https"`
	DefaultPort  int           `yaml:"default_port" validate:"gte=0,lte=65535"`
	PathPrefix   string        `yaml:"path_prefix"`
	// MaxResponseBytes caps a device response body. Larger bodies fail the
	// call with RESPONSE_TOO_LARGE.
	MaxResponseBytes int64 `yaml:"max_response_bytes" validate:"gt=0"`
}

// MetricsConfig sizes the metrics aggregator.
type MetricsConfig struct {
	RecentRequests int           `yaml:"recent_requests" validate:"gt=0"`
	RecentErrors   int           `yaml:"recent_errors" validate:"gt=0"`
	LatencySamples int           `yaml:"latency_samples" validate:"gt=0"`
	AverageWindow  time.Duration `yaml:"average_window" validate:"gt=0"`
	Retention      time.Duration `yaml:"retention" validate:"gtefield=AverageWindow"`
	Prometheus     bool          `yaml:"prometheus"`
}

// ServerConfig is the HTTP surface configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout      time.Duration `yaml:"write_timeout" validate:"gte=0"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" validate:"gte=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes" validate:"gte=0"`
	GlobalRate        float64       `yaml:"global_rate" validate:"gte=0"`
	GlobalBurst       int           `yaml:"global_burst" validate:"gte=0"`
	DashboardPassword string        `yaml:"dashboard_password"`
	LiveInterval      time.Duration `yaml:"live_interval" validate:"gt=0"`
	PublicEndpoints   []string      `yaml:"public_endpoints" validate:"dive,startswith=/"`
	TrustProxy        bool          `yaml:"trust_proxy"`
	AccessLogTimeout  time.Duration `yaml:"access_log_timeout" validate:"gt=0"`
}

// SweepConfig sets how often expired state is evicted.
type SweepConfig struct {
	Resolver time.Duration `yaml:"resolver" validate:"gt=0"`
	Limiters time.Duration `yaml:"limiters" validate:"gt=0"`
	Breaker  time.Duration `yaml:"breaker" validate:"gt=0"`
	Metrics  time.Duration `yaml:"metrics" validate:"gt=0"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Addr: ":8080",
		Log:  LogConfig{Level: "info", Format: "json"},
		Registry: RegistryConfig{
			Backend: "memory",
		},
		Cache: CacheConfig{TTL: 5 * time.Minute, Size: 10000, LookupTimeout: 5 * time.Second},
		Limits: LimitsConfig{
			User:   LimitConfig{Max: 60, Window: time.Minute},
			Device: LimitConfig{Max: 30, Window: time.Minute},
			IP:     LimitConfig{Max: 50, Window: time.Minute},
		},
		Breaker: BreakerConfig{Duration: 30 * time.Second},
		Forwarder: ForwarderConfig{
			Timeout:      10 * time.Second,
			CheckTimeout: 3 * time.Second,
			Scheme:       "http",
			DefaultPort:  80,
			PathPrefix:   "/rest",
			// 10 MiB
			MaxResponseBytes: 10 << 20,
		},
		Metrics: MetricsConfig{
			RecentRequests: 50,
			RecentErrors:   100,
			LatencySamples: 1000,
			AverageWindow:  time.Minute,
			Retention:      time.Hour,
			Prometheus:     true,
		},
		Server: ServerConfig{
			ReadTimeout:      15 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      60 * time.Second,
			ShutdownTimeout:  15 * time.Second,
			MaxBodyBytes:     10 << 20,
			GlobalRate:       1000.0 / 60.0,
			GlobalBurst:      50,
			LiveInterval:     5 * time.Second,
			AccessLogTimeout: 5 * time.Second,
			PublicEndpoints: []string{
				"/ip/hotspot/user",
				"/ip/hotspot/active",
				"/ip/hotspot/ip-binding",
			},
		},
		Sweep: SweepConfig{
			Resolver: 2 * time.Minute,
			Limiters: 2 * time.Minute,
			Breaker:  30 * time.Second,
			Metrics:  5 * time.Minute,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file at DefaultPath is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from DEVGATE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("DEVGATE_ADDR", &c.Addr)
	str("DEVGATE_LOG_LEVEL", &c.Log.Level)
	str("DEVGATE_LOG_FORMAT", &c.Log.Format)
	str("DEVGATE_REGISTRY_BACKEND", &c.Registry.Backend)
	str("DEVGATE_SEED_FILE", &c.Registry.SeedFile)
	str("DEVGATE_POSTGRES_DSN", &c.Registry.PostgresDSN)
	str("DEVGATE_IDENTITY_URL", &c.Registry.IdentityURL)
	str("DEVGATE_DASHBOARD_PASSWORD", &c.Server.DashboardPassword)

	if v, ok := lookup("DEVGATE_ETCD_ENDPOINTS"); ok && v != "" {
		c.Registry.EtcdEndpoints = splitList(v)
	}
	if v, ok := lookup("DEVGATE_ALLOWED_ORIGINS"); ok && v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("DEVGATE_FORWARDER_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: DEVGATE_FORWARDER_TIMEOUT: %w", err)
		}
		c.Forwarder.Timeout = d
	}
	if v, ok := lookup("DEVGATE_TRUST_PROXY"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: DEVGATE_TRUST_PROXY: %w", err)
		}
		c.Server.TrustProxy = b
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: invalid: %w", err)
	}
	if c.Limits.User.Max == 0 && c.Limits.Device.Max == 0 && c.Limits.IP.Max == 0 {
		return errors.New("config: invalid: at least one rate limit must be enabled")
	}
	if c.Registry.SeedFile != "" && c.Registry.Backend != "memory" {
		return fmt.Errorf("config: invalid: seed_file is only supported by the memory backend, not %q", c.Registry.Backend)
	}
	return nil
}
