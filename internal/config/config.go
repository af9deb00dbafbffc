// Copyright 2025 James Ross
// Package config loads Guardian's configuration surface (spec.md
// section 6) from YAML with environment-variable overrides, adapted
// from the teacher's viper-based config.Load/defaultConfig/Validate
// triad. The loader itself, like the RPC server, is an external
// collaborator to the decision engine core — this package only shapes
// the data the engine consumes.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Redis configures the coordinator connection used by the Remote and
// Batched backends.
type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Policy configures the token-bucket parameters, shared by every key
// this limiter instance decides for (spec.md section 3).
type Policy struct {
	Capacity       uint64        `mapstructure:"capacity"`
	RefillRate     uint64        `mapstructure:"refill_rate"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// Batch configures the Batched backend's reservation layer.
type Batch struct {
	Size      uint64        `mapstructure:"size"`
	Lease     time.Duration `mapstructure:"lease"`
	CacheSize int           `mapstructure:"cache_size"`
}

// CoordinatorBreaker configures the circuit breaker guarding the Remote
// backend's coordinator connection (internal/cbreaker), a supplement
// to spec.md's bare bound-concurrency requirement.
type CoordinatorBreaker struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// TracingConfig controls optional OpenTelemetry export of decision
// spans, adapted from the teacher's observability.tracing block.
type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
	Insecure         bool    `mapstructure:"insecure"`
}

// Observability configures logging, metrics, and tracing.
type Observability struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// Config is Guardian's full configuration surface.
type Config struct {
	Redis         Redis         `mapstructure:"redis"`
	Policy        Policy        `mapstructure:"policy"`
	FailMode      string        `mapstructure:"fail_mode"`
	Backend       string        `mapstructure:"backend"`
	RoutingPrefix string        `mapstructure:"routing_prefix"`
	KeyTTL        time.Duration `mapstructure:"key_ttl"`
	IdleEviction  time.Duration `mapstructure:"idle_eviction"`
	MaxInFlight   int           `mapstructure:"max_in_flight"`
	Batch         Batch         `mapstructure:"batch"`

	CoordinatorBreaker CoordinatorBreaker `mapstructure:"coordinator_breaker"`
	Observability      Observability      `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Policy: Policy{
			Capacity:       100,
			RefillRate:     100,
			RefillInterval: time.Second,
		},
		FailMode:      "fail_open",
		Backend:       "local",
		RoutingPrefix: "guardian",
		KeyTTL:        time.Hour,
		IdleEviction:  0,
		MaxInFlight:   256,
		Batch: Batch{
			Size:      100,
			Lease:     time.Second,
			CacheSize: 10000,
		},
		CoordinatorBreaker: CoordinatorBreaker{
			Enabled:          true,
			FailureThreshold: 0.5,
			Window:           time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false},
		},
	}
}

// Load reads configuration from a YAML file with environment-variable
// overrides, the way the teacher's config.Load does for the work-queue
// service.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("policy.capacity", def.Policy.Capacity)
	v.SetDefault("policy.refill_rate", def.Policy.RefillRate)
	v.SetDefault("policy.refill_interval", def.Policy.RefillInterval)

	v.SetDefault("fail_mode", def.FailMode)
	v.SetDefault("backend", def.Backend)
	v.SetDefault("routing_prefix", def.RoutingPrefix)
	v.SetDefault("key_ttl", def.KeyTTL)
	v.SetDefault("idle_eviction", def.IdleEviction)
	v.SetDefault("max_in_flight", def.MaxInFlight)

	v.SetDefault("batch.size", def.Batch.Size)
	v.SetDefault("batch.lease", def.Batch.Lease)
	v.SetDefault("batch.cache_size", def.Batch.CacheSize)

	v.SetDefault("coordinator_breaker.enabled", def.CoordinatorBreaker.Enabled)
	v.SetDefault("coordinator_breaker.failure_threshold", def.CoordinatorBreaker.FailureThreshold)
	v.SetDefault("coordinator_breaker.window", def.CoordinatorBreaker.Window)
	v.SetDefault("coordinator_breaker.cooldown_period", def.CoordinatorBreaker.CooldownPeriod)
	v.SetDefault("coordinator_breaker.min_samples", def.CoordinatorBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid
// settings.
func Validate(cfg *Config) error {
	if cfg.Policy.Capacity == 0 {
		return fmt.Errorf("policy.capacity must be > 0")
	}
	if cfg.Policy.RefillInterval <= 0 {
		return fmt.Errorf("policy.refill_interval must be > 0")
	}
	switch cfg.FailMode {
	case "fail_open", "fail_closed":
	default:
		return fmt.Errorf("fail_mode must be fail_open or fail_closed, got %q", cfg.FailMode)
	}
	switch cfg.Backend {
	case "local":
	case "remote", "batched":
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for backend %q", cfg.Backend)
		}
	default:
		return fmt.Errorf("backend must be local, remote, or batched, got %q", cfg.Backend)
	}
	if cfg.Backend == "batched" {
		if cfg.Batch.Size == 0 {
			return fmt.Errorf("batch.size must be > 0 for backend batched")
		}
		if cfg.Batch.Lease <= 0 {
			return fmt.Errorf("batch.lease must be > 0 for backend batched")
		}
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
