package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "NEXUSHIELD"

// Config holds the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Allocator AllocatorConfig `mapstructure:"allocator"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Sampler   SamplerConfig   `mapstructure:"sampler"`
	Applier   ApplierConfig   `mapstructure:"applier"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Systemd   SystemdConfig   `mapstructure:"systemd"`
}

// ServerConfig defines the HTTP API and metrics listeners
type ServerConfig struct {
	BindAddress     string   `mapstructure:"bind_address"`
	APIPort         int      `mapstructure:"api_port"`
	MetricsPort     int      `mapstructure:"metrics_port"`
	OwnerHeader     string   `mapstructure:"owner_header"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	RateLimit       int      `mapstructure:"rate_limit"`
	RateLimitWindow string   `mapstructure:"rate_limit_window"`
	ShutdownTimeout string   `mapstructure:"shutdown_timeout"`
}

// AllocatorConfig defines how leases are requested from the upstream validator
type AllocatorConfig struct {
	BaseURL                string `mapstructure:"base_url"`
	Timeout                string `mapstructure:"timeout"`
	Format                 string `mapstructure:"format"` // "json" or "text"
	RegionsTTL             string `mapstructure:"regions_ttl"`
	MinLeaseMinutes        int    `mapstructure:"min_lease_minutes"`
	MaxLeaseMinutes        int    `mapstructure:"max_lease_minutes"`
	DefaultLeaseMinutes    int    `mapstructure:"default_lease_minutes"`
	ReleasePath            string `mapstructure:"release_path"` // empty disables release calls
	AllowUnverifiedRegions bool   `mapstructure:"allow_unverified_regions"`
}

// LeaseConfig defines lifecycle timings
type LeaseConfig struct {
	WarningThreshold string `mapstructure:"warning_threshold"`
	SweepInterval    string `mapstructure:"sweep_interval"`
	StatusCacheSize  int    `mapstructure:"status_cache_size"`
	StatusCacheTTL   string `mapstructure:"status_cache_ttl"`
}

// ScheduleConfig defines the schedule engine
type ScheduleConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	TickInterval string `mapstructure:"tick_interval"`
	Timezone     string `mapstructure:"timezone"`
	Concurrency  int    `mapstructure:"concurrency"`
}

// SamplerConfig defines periodic speed/latency sampling
type SamplerConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Interval    string `mapstructure:"interval"`
	Timeout     string `mapstructure:"timeout"`
	ProbeURL    string `mapstructure:"probe_url"`
	DownloadURL string `mapstructure:"download_url"`
	UploadURL   string `mapstructure:"upload_url"`
	ProbeCount  int    `mapstructure:"probe_count"`
	UploadBytes int    `mapstructure:"upload_bytes"`
}

// ApplierConfig defines where peer configs are written for the local tunnel
type ApplierConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ConfigDir string `mapstructure:"config_dir"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type     string         `mapstructure:"type"` // "redis", "bolt" or "postgres"
	Redis    RedisConfig    `mapstructure:"redis"`
	Bolt     BoltConfig     `mapstructure:"bolt"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// BoltConfig defines the embedded store
type BoltConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig defines the PostgreSQL store
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SystemdConfig defines service manager integration
type SystemdConfig struct {
	Watchdog bool `mapstructure:"watchdog"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// ValidKeys returns every configuration key the service understands.
func ValidKeys() map[string]bool {
	v := viper.New()
	SetDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.owner_header", "X-Owner-ID")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.rate_limit", 60)
	v.SetDefault("server.rate_limit_window", "1m")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Allocator defaults
	v.SetDefault("allocator.base_url", "http://localhost:3000")
	v.SetDefault("allocator.timeout", "5s")
	v.SetDefault("allocator.format", "json")
	v.SetDefault("allocator.regions_ttl", "30m")
	v.SetDefault("allocator.min_lease_minutes", 1)
	v.SetDefault("allocator.max_lease_minutes", 1440)
	v.SetDefault("allocator.default_lease_minutes", 60)
	v.SetDefault("allocator.release_path", "")
	v.SetDefault("allocator.allow_unverified_regions", false)

	// Lease lifecycle defaults
	v.SetDefault("lease.warning_threshold", "5m")
	v.SetDefault("lease.sweep_interval", "30s")
	v.SetDefault("lease.status_cache_size", 10000)
	v.SetDefault("lease.status_cache_ttl", "10s")

	// Schedule defaults
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.tick_interval", "1m")
	v.SetDefault("schedule.timezone", "Local")
	v.SetDefault("schedule.concurrency", 8)

	// Sampler defaults
	v.SetDefault("sampler.enabled", false)
	v.SetDefault("sampler.interval", "5m")
	v.SetDefault("sampler.timeout", "30s")
	v.SetDefault("sampler.probe_url", "https://www.cloudflare.com/cdn-cgi/trace")
	v.SetDefault("sampler.download_url", "")
	v.SetDefault("sampler.upload_url", "")
	v.SetDefault("sampler.probe_count", 5)
	v.SetDefault("sampler.upload_bytes", 1<<20)

	// Applier defaults
	v.SetDefault("applier.enabled", false)
	v.SetDefault("applier.config_dir", "/var/lib/nexushield/peers")

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 5)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.bolt.path", "/var/lib/nexushield/nexushield.bolt")
	v.SetDefault("storage.postgres.url", "")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.migrate", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// systemd defaults
	v.SetDefault("systemd.watchdog", true)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}
	if cfg.Server.OwnerHeader == "" {
		return fmt.Errorf("server.owner_header is required")
	}

	if cfg.Allocator.BaseURL == "" {
		return fmt.Errorf("allocator.base_url is required")
	}
	if _, err := url.ParseRequestURI(cfg.Allocator.BaseURL); err != nil {
		return fmt.Errorf("invalid allocator.base_url: %w", err)
	}
	switch cfg.Allocator.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid allocator.format: %s (must be json or text)", cfg.Allocator.Format)
	}
	if cfg.Allocator.MinLeaseMinutes < 1 {
		return fmt.Errorf("allocator.min_lease_minutes must be at least 1")
	}
	if cfg.Allocator.MaxLeaseMinutes < cfg.Allocator.MinLeaseMinutes {
		return fmt.Errorf("allocator.max_lease_minutes must not be below min_lease_minutes")
	}

	for key, raw := range map[string]string{
		"allocator.timeout":       cfg.Allocator.Timeout,
		"allocator.regions_ttl":   cfg.Allocator.RegionsTTL,
		"lease.warning_threshold": cfg.Lease.WarningThreshold,
		"lease.sweep_interval":    cfg.Lease.SweepInterval,
		"schedule.tick_interval":  cfg.Schedule.TickInterval,
		"sampler.interval":        cfg.Sampler.Interval,
	} {
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			return fmt.Errorf("invalid %s: %q", key, raw)
		}
	}

	if _, err := time.LoadLocation(cfg.Schedule.Timezone); err != nil {
		return fmt.Errorf("invalid schedule.timezone: %w", err)
	}

	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", cfg.Logging.Format)
	}

	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "redis"
	case "redis", "postgres":
	case "bolt":
		if cfg.Storage.Bolt.Path == "" {
			return fmt.Errorf("storage.bolt.path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Bolt.Path), 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	if cfg.Storage.Type == "postgres" && cfg.Storage.Postgres.URL == "" {
		return fmt.Errorf("storage.postgres.url is required")
	}

	return nil
}

// Duration parses s, returning fallback when it is empty or malformed.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
