package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/engramdb/engram/internal/batch"
	"github.com/engramdb/engram/internal/syncer"
)

func validConfig() *Configuration {
	cfg := NewDefault()
	cfg.Sync.ConflictPolicy = syncer.PolicyDurableWins
	return cfg
}

func TestValidate_DefaultsNeedConflictPolicy(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected validation to require a conflict policy")
	}

	cfg.Sync.ConflictPolicy = syncer.PolicyLastWriteWins
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected valid config, got %v", err)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"min over max connections", func(c *Configuration) { c.Pool.MinConnections = 50; c.Pool.MaxConnections = 5 }},
		{"zero min connections", func(c *Configuration) { c.Pool.MinConnections = 0 }},
		{"zero acquire timeout", func(c *Configuration) { c.Pool.AcquireTimeout = 0 }},
		{"zero failure threshold", func(c *Configuration) { c.Breaker.FailureThreshold = 0 }},
		{"zero retry attempts", func(c *Configuration) { c.Retry.MaxAttempts = 0 }},
		{"base delay over max delay", func(c *Configuration) { c.Retry.BaseDelay = time.Minute; c.Retry.MaxDelay = time.Second }},
		{"zero cache entries", func(c *Configuration) { c.Cache.MaxEntries = 0 }},
		{"min ttl over max ttl", func(c *Configuration) { c.Cache.MinTTL = time.Hour; c.Cache.MaxTTL = time.Minute }},
		{"unknown conflict policy", func(c *Configuration) { c.Sync.ConflictPolicy = "newest_wins" }},
		{"unknown batch mode", func(c *Configuration) { c.Batch.Mode = "transactional" }},
		{"unknown backend driver", func(c *Configuration) { c.Backend.Driver = "dynamo" }},
		{"postgres without dsn", func(c *Configuration) { c.Backend.Driver = "postgres"; c.Backend.Postgres.DSN = "" }},
		{"redis without addr", func(c *Configuration) { c.Backend.Driver = "redis"; c.Backend.Redis.Addr = "" }},
		{"bad log level", func(c *Configuration) { c.Global.LogLevel = "verbose" }},
		{"bad log format", func(c *Configuration) { c.Global.LogFormat = "xml" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected validation failure for %s", tc.name)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	yaml := `
global:
  log_level: DEBUG
  log_format: json
backend:
  driver: redis
  redis:
    addr: redis.internal:6379
pool:
  min_connections: 4
  max_connections: 40
sync:
  conflict_policy: last_write_wins
batch:
  max_size: 250
  mode: atomic
`
	path := filepath.Join(t.TempDir(), "engram.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(path); err != nil {
		t.Fatal(err)
	}

	if cfg.Global.LogLevel != "DEBUG" || cfg.Global.LogFormat != "json" {
		t.Errorf("Unexpected global config %+v", cfg.Global)
	}
	if cfg.Backend.Driver != "redis" || cfg.Backend.Redis.Addr != "redis.internal:6379" {
		t.Errorf("Unexpected backend config %+v", cfg.Backend)
	}
	if cfg.Pool.MinConnections != 4 || cfg.Pool.MaxConnections != 40 {
		t.Errorf("Unexpected pool config %+v", cfg.Pool)
	}
	if cfg.Sync.ConflictPolicy != syncer.PolicyLastWriteWins {
		t.Errorf("Unexpected conflict policy %q", cfg.Sync.ConflictPolicy)
	}
	if cfg.Batch.MaxSize != 250 || cfg.Batch.Mode != batch.ModeAtomic {
		t.Errorf("Unexpected batch config %+v", cfg.Batch)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected loaded config to validate, got %v", err)
	}
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile("/nonexistent/engram.yaml"); err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("ENGRAM_LOG_LEVEL", "ERROR")
	t.Setenv("ENGRAM_BACKEND_DRIVER", "postgres")
	t.Setenv("ENGRAM_POSTGRES_DSN", "postgres://engram@db/engram?sslmode=disable")
	t.Setenv("ENGRAM_POOL_MAX_CONNECTIONS", "64")
	t.Setenv("ENGRAM_POOL_ACQUIRE_TIMEOUT", "2s")
	t.Setenv("ENGRAM_BREAKER_FAILURE_THRESHOLD", "9")
	t.Setenv("ENGRAM_SYNC_CONFLICT_POLICY", "merge")
	t.Setenv("ENGRAM_BATCH_MODE", "atomic")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatal(err)
	}

	if cfg.Global.LogLevel != "ERROR" {
		t.Errorf("Expected log level override, got %q", cfg.Global.LogLevel)
	}
	if cfg.Backend.Driver != "postgres" || cfg.Backend.Postgres.DSN == "" {
		t.Errorf("Expected backend override, got %+v", cfg.Backend)
	}
	if cfg.Pool.MaxConnections != 64 || cfg.Pool.AcquireTimeout != 2*time.Second {
		t.Errorf("Expected pool overrides, got %+v", cfg.Pool)
	}
	if cfg.Breaker.FailureThreshold != 9 {
		t.Errorf("Expected breaker override, got %d", cfg.Breaker.FailureThreshold)
	}
	if cfg.Sync.ConflictPolicy != syncer.PolicyMerge {
		t.Errorf("Expected policy override, got %q", cfg.Sync.ConflictPolicy)
	}
	if cfg.Batch.Mode != batch.ModeAtomic {
		t.Errorf("Expected batch mode override, got %q", cfg.Batch.Mode)
	}
}

func TestLoadFromEnv_RejectsMalformedValues(t *testing.T) {
	t.Setenv("ENGRAM_POOL_MAX_CONNECTIONS", "many")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err == nil {
		t.Fatal("Expected error for malformed integer")
	}
}
