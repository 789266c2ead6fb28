package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "OFFLINEGATE_"

var defaultCacheableRoutes = []string{
	"/api/study/verses",
	"/api/study/achievements",
	"/api/study/profile",
	"/api/study/leaderboard",
	"/api/missions",
}

var defaultPrecache = []string{
	"/",
	"/manifest.json",
	"/icons/icon-192x192.png",
	"/icons/icon-512x512.png",
}

type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Cache     CacheConfig     `yaml:"cache" envPrefix:"CACHE_"`
	Worker    WorkerConfig    `yaml:"worker" envPrefix:"WORKER_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOG_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"OTEL_"`
	Upstream  UpstreamConfig  `yaml:"upstream" envPrefix:"UPSTREAM_"`
	Clusters  []ClusterConfig `yaml:"clusters"`
	Routes    []RouteConfig   `yaml:"routes"`
}

type ServerConfig struct {
	Address      string   `yaml:"address" env:"ADDRESS"`
	PublicOrigin string   `yaml:"publicOrigin" env:"PUBLIC_ORIGIN"`
	ControlPath  string   `yaml:"controlPath" env:"CONTROL_PATH"`
	IPBlockCIDRS []string `yaml:"ipBlockCIDRs" env:"IP_BLOCK_CIDRS"`
	// TrustedProxyCIDRS lists peers whose X-Forwarded-For is believed by
	// the IP filter. Empty means the peer address is always used.
	TrustedProxyCIDRS []string  `yaml:"trustedProxyCIDRs" env:"TRUSTED_PROXY_CIDRS"`
	TLS               TLSConfig `yaml:"tls" envPrefix:"TLS_"`
	// RedirectAddress, when set with TLS enabled, serves plain HTTP that
	// redirects to the TLS listener.
	RedirectAddress string `yaml:"redirectAddress" env:"REDIRECT_ADDRESS"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	CertFile string `yaml:"certFile" env:"CERT_FILE"`
	KeyFile  string `yaml:"keyFile" env:"KEY_FILE"`
}

type CacheConfig struct {
	Name       string `yaml:"name" env:"NAME"`
	Version    string `yaml:"version" env:"VERSION"`
	Backend    string `yaml:"backend" env:"BACKEND"`
	SQLitePath string `yaml:"sqlitePath" env:"SQLITE_PATH"`
	// MaxEntries caps each store as an LRU. Zero keeps every entry until
	// the store is cleared.
	MaxEntries   int   `yaml:"maxEntries" env:"MAX_ENTRIES"`
	MaxBodyBytes int64 `yaml:"maxBodyBytes" env:"MAX_BODY_BYTES"`
}

type WorkerConfig struct {
	APIPrefix            string        `yaml:"apiPrefix" env:"API_PREFIX"`
	CacheableRoutes      []string      `yaml:"cacheableRoutes" env:"CACHEABLE_ROUTES"`
	FreshnessWindow      time.Duration `yaml:"freshnessWindow" env:"FRESHNESS_WINDOW"`
	Precache             []string      `yaml:"precache" env:"PRECACHE"`
	SkipWaitingOnInstall *bool         `yaml:"skipWaitingOnInstall,omitempty" env:"SKIP_WAITING"`
}

type LoggingConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"serviceName" env:"SERVICE_NAME"`
}

type UpstreamConfig struct {
	InsecureSkipVerify bool `yaml:"insecureSkipVerify" env:"INSECURE_SKIP_VERIFY"`
}

type ClusterConfig struct {
	Name           string                `yaml:"name"`
	Endpoints      []string              `yaml:"endpoints"`
	HealthCheck    *HealthCheckConfig    `yaml:"healthCheck,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuitBreaker,omitempty"`
}

type HealthCheckConfig struct {
	Path               string        `yaml:"path"`
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	UnhealthyThreshold int           `yaml:"unhealthyThreshold"`
	HealthyThreshold   int           `yaml:"healthyThreshold"`
}

type CircuitBreakerConfig struct {
	ConsecutiveFailures int           `yaml:"consecutiveFailures"`
	Cooldown            time.Duration `yaml:"cooldown"`
}

type RouteConfig struct {
	Name       string `yaml:"name"`
	PathPrefix string `yaml:"pathPrefix"`
	Cluster    string `yaml:"cluster"`
}

// Load reads the YAML file at path, applies OFFLINEGATE_* environment
// overrides, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ControlPath == "" {
		cfg.Server.ControlPath = "/__sw"
	}
	cfg.Server.ControlPath = "/" + strings.Trim(cfg.Server.ControlPath, "/")

	if cfg.Cache.Name == "" {
		cfg.Cache.Name = "youth-pwa"
	}
	if cfg.Cache.Version == "" {
		cfg.Cache.Version = "v1"
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.MaxBodyBytes <= 0 {
		cfg.Cache.MaxBodyBytes = 1 << 20 // 1 MiB
	}

	if cfg.Worker.APIPrefix == "" {
		cfg.Worker.APIPrefix = "/api/"
	}
	if len(cfg.Worker.CacheableRoutes) == 0 {
		cfg.Worker.CacheableRoutes = append([]string(nil), defaultCacheableRoutes...)
	}
	if cfg.Worker.FreshnessWindow == 0 {
		cfg.Worker.FreshnessWindow = 5 * time.Minute
	}
	if cfg.Worker.Precache == nil {
		cfg.Worker.Precache = append([]string(nil), defaultPrecache...)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "offlinegate"
	}
}

func (cfg *Config) Validate() error {
	var errs []error

	if cfg.Cache.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("cache.maxEntries must not be negative, got %d", cfg.Cache.MaxEntries))
	}

	switch cfg.Cache.Backend {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(cfg.Cache.SQLitePath) == "" {
			errs = append(errs, errors.New("cache.sqlitePath is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend))
	}

	if cfg.Worker.FreshnessWindow < 0 {
		errs = append(errs, fmt.Errorf("worker.freshnessWindow must be positive, got %s", cfg.Worker.FreshnessWindow))
	}
	if !strings.HasPrefix(cfg.Worker.APIPrefix, "/") {
		errs = append(errs, fmt.Errorf("worker.apiPrefix %q must start with /", cfg.Worker.APIPrefix))
	}

	if cfg.Server.TLS.Enabled && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires certFile and keyFile"))
	}
	if cfg.Server.RedirectAddress != "" && !cfg.Server.TLS.Enabled {
		errs = append(errs, errors.New("server.redirectAddress requires server.tls.enabled"))
	}

	if cfg.Server.PublicOrigin != "" {
		u, err := url.Parse(cfg.Server.PublicOrigin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.publicOrigin %q must be an absolute URL", cfg.Server.PublicOrigin))
		}
	}

	clusters := make(map[string]bool, len(cfg.Clusters))
	for _, c := range cfg.Clusters {
		if c.Name == "" {
			errs = append(errs, errors.New("cluster name is required"))
			continue
		}
		if len(c.Endpoints) == 0 {
			errs = append(errs, fmt.Errorf("cluster %q has no endpoints", c.Name))
		}
		clusters[c.Name] = true
	}
	for _, r := range cfg.Routes {
		if !clusters[r.Cluster] {
			errs = append(errs, fmt.Errorf("route %q references unknown cluster %q", r.PathPrefix, r.Cluster))
		}
	}

	return errors.Join(errs...)
}

// StoreName is the version-tagged name of the live cache generation.
func (cfg *Config) StoreName() string {
	return cfg.Cache.Name + "-" + cfg.Cache.Version
}

// SkipWaiting reports whether an installed worker activates without waiting
// for a SKIP_WAITING message. Defaults to true.
func (cfg *Config) SkipWaiting() bool {
	if cfg.Worker.SkipWaitingOnInstall != nil {
		return *cfg.Worker.SkipWaitingOnInstall
	}
	return true
}
