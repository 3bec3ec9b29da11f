// Package config defines the service configuration, its YAML loader with
// environment variable substitution, validation, and a file watcher for hot
// reload of the reloadable fields.
package config

import (
	"fmt"
	"time"

	"github.com/vyrodovalexey/avakeyd/internal/observability"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the root service configuration.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Storage   StorageConfig           `yaml:"storage"`
	Registry  RegistryConfig          `yaml:"registry"`
	RateLimit RateLimitConfig         `yaml:"rateLimit"`
	Sweeper   SweeperConfig           `yaml:"sweeper"`
	Audit     AuditConfig             `yaml:"audit"`
	Logging   observability.LogConfig `yaml:"logging"`
}

// ServerConfig configures the ops/admin HTTP host.
type ServerConfig struct {
	// ListenAddress is the host:port the HTTP server binds to.
	ListenAddress string `yaml:"listenAddress"`

	// AdminRateLimit caps requests per second against the issuance
	// endpoints. Zero disables the cap.
	AdminRateLimit float64 `yaml:"adminRateLimit"`

	// AdminRateBurst is the burst size for the admin rate cap.
	AdminRateBurst int `yaml:"adminRateBurst"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// StorageConfig selects and configures the keystore backend.
type StorageConfig struct {
	// Backend is either "memory" or "redis".
	Backend string `yaml:"backend"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis keystore.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RegistryConfig configures the key registry.
type RegistryConfig struct {
	// CacheTTL bounds cross-process staleness of cached lookups. Zero
	// disables the cache. Reloadable.
	CacheTTL Duration `yaml:"cacheTTL"`
}

// RateLimitConfig configures the per-key rate limiter.
type RateLimitConfig struct {
	// Window is the trailing window over which ceilings apply.
	Window Duration `yaml:"window"`

	// Buckets is the number of sub-window buckets.
	Buckets int `yaml:"buckets"`
}

// SweeperConfig configures the expiry sweeper.
type SweeperConfig struct {
	// Interval is the sweep period. Reloadable.
	Interval Duration `yaml:"interval"`
}

// AuditConfig configures the admin audit logger.
type AuditConfig struct {
	// Output optionally mirrors audit events as JSON lines: "stdout",
	// "stderr", a file path, or empty to disable the mirror.
	Output string `yaml:"output"`
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:   ":8080",
			AdminRateLimit:  50,
			AdminRateBurst:  100,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Redis: RedisConfig{
				Address: "localhost:6379",
				Prefix:  "avakey:",
			},
		},
		Registry: RegistryConfig{
			CacheTTL: Duration(5 * time.Second),
		},
		RateLimit: RateLimitConfig{
			Window:  Duration(time.Minute),
			Buckets: 60,
		},
		Sweeper: SweeperConfig{
			Interval: Duration(time.Minute),
		},
		Logging: observability.DefaultLogConfig(),
	}
}

// Validate checks the configuration for contradictions.
func Validate(cfg *Config) error {
	if cfg.Server.ListenAddress == "" {
		return fmt.Errorf("server.listenAddress must not be empty")
	}
	if cfg.Server.AdminRateLimit < 0 {
		return fmt.Errorf("server.adminRateLimit must not be negative")
	}

	switch cfg.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if cfg.Storage.Redis.Address == "" {
			return fmt.Errorf("storage.redis.address must not be empty")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q",
			BackendMemory, BackendRedis, cfg.Storage.Backend)
	}

	if cfg.Registry.CacheTTL < 0 {
		return fmt.Errorf("registry.cacheTTL must not be negative")
	}
	if cfg.RateLimit.Window <= 0 {
		return fmt.Errorf("rateLimit.window must be positive")
	}
	if cfg.RateLimit.Buckets < 1 {
		return fmt.Errorf("rateLimit.buckets must be at least 1")
	}
	if cfg.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper.interval must be positive")
	}

	return nil
}
