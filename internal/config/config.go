// Package config loads and validates the engine configuration from YAML
// and ENGRAM_* environment overrides. Misconfiguration fails fast at
// startup; nothing here is recoverable at runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/engramdb/engram/pkg/logging"
	"github.com/engramdb/engram/pkg/retry"

	"github.com/engramdb/engram/internal/batch"
	"github.com/engramdb/engram/internal/cache"
	"github.com/engramdb/engram/internal/circuit"
	"github.com/engramdb/engram/internal/pool"
	"github.com/engramdb/engram/internal/prepared"
	"github.com/engramdb/engram/internal/syncer"
)

// Configuration represents the complete engine configuration
type Configuration struct {
	Global   GlobalConfig    `yaml:"global"`
	Backend  BackendConfig   `yaml:"backend"`
	Pool     pool.Config     `yaml:"pool"`
	Breaker  circuit.Config  `yaml:"breaker"`
	Retry    retry.Config    `yaml:"retry"`
	Prepared prepared.Config `yaml:"prepared"`
	Cache    cache.Config    `yaml:"cache"`
	Sync     syncer.Config   `yaml:"sync"`
	Batch    batch.Config    `yaml:"batch"`
}

// GlobalConfig represents process-wide settings
type GlobalConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsAddr    string `yaml:"metrics_addr"`
}

// BackendConfig selects and configures the durable tier driver
type BackendConfig struct {
	// One of: postgres, redis, memory
	Driver   string         `yaml:"driver"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// PostgresConfig represents the Postgres driver settings
type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// RedisConfig represents the Redis driver settings
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// NewDefault returns a configuration with sensible defaults. The conflict
// policy is deliberately left unset: Validate rejects it until an operator
// chooses one.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:       "INFO",
			LogFormat:      "text",
			MetricsEnabled: true,
			MetricsAddr:    ":9090",
		},
		Backend: BackendConfig{
			Driver: "memory",
			Postgres: PostgresConfig{
				Table: "engram_records",
			},
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "engram:",
			},
		},
		Pool:     pool.DefaultConfig(),
		Breaker:  circuit.Config{FailureThreshold: 5, Window: time.Minute, Cooldown: 30 * time.Second},
		Retry:    retry.DefaultConfig(),
		Prepared: prepared.DefaultConfig(),
		Cache:    cache.DefaultConfig(),
		Sync:     syncer.DefaultConfig(),
		Batch:    batch.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv applies ENGRAM_* environment overrides
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("ENGRAM_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("ENGRAM_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("ENGRAM_METRICS_ADDR"); val != "" {
		c.Global.MetricsAddr = val
	}

	if val := os.Getenv("ENGRAM_BACKEND_DRIVER"); val != "" {
		c.Backend.Driver = val
	}
	if val := os.Getenv("ENGRAM_POSTGRES_DSN"); val != "" {
		c.Backend.Postgres.DSN = val
	}
	if val := os.Getenv("ENGRAM_POSTGRES_TABLE"); val != "" {
		c.Backend.Postgres.Table = val
	}
	if val := os.Getenv("ENGRAM_REDIS_ADDR"); val != "" {
		c.Backend.Redis.Addr = val
	}
	if val := os.Getenv("ENGRAM_REDIS_PASSWORD"); val != "" {
		c.Backend.Redis.Password = val
	}
	if val := os.Getenv("ENGRAM_REDIS_DB"); val != "" {
		db, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid ENGRAM_REDIS_DB: %w", err)
		}
		c.Backend.Redis.DB = db
	}

	if val := os.Getenv("ENGRAM_POOL_MIN_CONNECTIONS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid ENGRAM_POOL_MIN_CONNECTIONS: %w", err)
		}
		c.Pool.MinConnections = n
	}
	if val := os.Getenv("ENGRAM_POOL_MAX_CONNECTIONS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid ENGRAM_POOL_MAX_CONNECTIONS: %w", err)
		}
		c.Pool.MaxConnections = n
	}
	if val := os.Getenv("ENGRAM_POOL_ACQUIRE_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid ENGRAM_POOL_ACQUIRE_TIMEOUT: %w", err)
		}
		c.Pool.AcquireTimeout = d
	}

	if val := os.Getenv("ENGRAM_BREAKER_FAILURE_THRESHOLD"); val != "" {
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid ENGRAM_BREAKER_FAILURE_THRESHOLD: %w", err)
		}
		c.Breaker.FailureThreshold = uint32(n)
	}
	if val := os.Getenv("ENGRAM_BREAKER_COOLDOWN"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid ENGRAM_BREAKER_COOLDOWN: %w", err)
		}
		c.Breaker.Cooldown = d
	}

	if val := os.Getenv("ENGRAM_RETRY_MAX_ATTEMPTS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid ENGRAM_RETRY_MAX_ATTEMPTS: %w", err)
		}
		c.Retry.MaxAttempts = n
	}

	if val := os.Getenv("ENGRAM_CACHE_MAX_ENTRIES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid ENGRAM_CACHE_MAX_ENTRIES: %w", err)
		}
		c.Cache.MaxEntries = n
	}

	if val := os.Getenv("ENGRAM_SYNC_CONFLICT_POLICY"); val != "" {
		c.Sync.ConflictPolicy = syncer.Policy(val)
	}
	if val := os.Getenv("ENGRAM_SYNC_RECONCILIATION_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid ENGRAM_SYNC_RECONCILIATION_INTERVAL: %w", err)
		}
		c.Sync.ReconciliationInterval = d
	}

	if val := os.Getenv("ENGRAM_BATCH_MAX_SIZE"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid ENGRAM_BATCH_MAX_SIZE: %w", err)
		}
		c.Batch.MaxSize = n
	}
	if val := os.Getenv("ENGRAM_BATCH_MODE"); val != "" {
		c.Batch.Mode = batch.Mode(val)
	}

	return nil
}

// Validate checks the configuration before any traffic is served
func (c *Configuration) Validate() error {
	if _, err := logging.ParseLogLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	if c.Global.LogFormat != "text" && c.Global.LogFormat != "json" {
		return fmt.Errorf("invalid log_format %q (must be text or json)", c.Global.LogFormat)
	}

	switch c.Backend.Driver {
	case "postgres":
		if c.Backend.Postgres.DSN == "" {
			return fmt.Errorf("backend.postgres.dsn is required for the postgres driver")
		}
	case "redis":
		if c.Backend.Redis.Addr == "" {
			return fmt.Errorf("backend.redis.addr is required for the redis driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown backend driver %q (must be one of: postgres, redis, memory)", c.Backend.Driver)
	}

	if c.Pool.MinConnections <= 0 {
		return fmt.Errorf("pool.min_connections must be greater than 0")
	}
	if c.Pool.MinConnections > c.Pool.MaxConnections {
		return fmt.Errorf("pool.min_connections (%d) cannot exceed pool.max_connections (%d)",
			c.Pool.MinConnections, c.Pool.MaxConnections)
	}
	if c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("pool.acquire_timeout must be positive")
	}

	if c.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("breaker.failure_threshold must be greater than 0")
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown must be positive")
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than 0")
	}
	if c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry.base_delay cannot exceed retry.max_delay")
	}

	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be greater than 0")
	}
	if c.Cache.MinTTL > c.Cache.MaxTTL {
		return fmt.Errorf("cache.min_ttl cannot exceed cache.max_ttl")
	}

	if !c.Sync.ConflictPolicy.Valid() {
		return fmt.Errorf("sync.conflict_policy %q must be one of: last_write_wins, durable_wins, merge",
			c.Sync.ConflictPolicy)
	}
	if c.Sync.ReconciliationInterval < 0 {
		return fmt.Errorf("sync.reconciliation_interval cannot be negative")
	}

	if c.Batch.MaxSize <= 0 {
		return fmt.Errorf("batch.max_size must be greater than 0")
	}
	if !c.Batch.Mode.Valid() {
		return fmt.Errorf("batch.mode %q must be one of: atomic, best_effort", c.Batch.Mode)
	}

	return nil
}
