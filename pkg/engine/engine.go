// Package engine is the public facade over the dual-tier store: an
// adaptive-TTL cache in front of a durable backend wrapped in a pool,
// circuit breaker, and retry stack, kept coherent by a two-phase sync
// engine with periodic reconciliation.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/engramdb/engram/pkg/errors"
	"github.com/engramdb/engram/pkg/health"
	"github.com/engramdb/engram/pkg/logging"
	"github.com/engramdb/engram/pkg/record"

	"github.com/engramdb/engram/internal/batch"
	"github.com/engramdb/engram/internal/cache"
	"github.com/engramdb/engram/internal/circuit"
	"github.com/engramdb/engram/internal/config"
	"github.com/engramdb/engram/internal/durable"
	"github.com/engramdb/engram/internal/metrics"
	"github.com/engramdb/engram/internal/prepared"
	"github.com/engramdb/engram/internal/syncer"
)

// Stats aggregates every tier's counters into one snapshot.
type Stats struct {
	Durable  durable.Stats  `json:"durable"`
	Cache    cache.Stats    `json:"cache"`
	Sync     syncer.Stats   `json:"sync"`
	Prepared prepared.Stats `json:"prepared,omitempty"`
}

// Option adjusts engine construction.
type Option func(*options)

type options struct {
	backend durable.Backend
	merge   syncer.MergeFunc
	logger  *logging.Logger
}

// WithBackend overrides the configured durable backend. Mainly for tests
// and embedders with their own storage driver.
func WithBackend(b durable.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithMerge installs the merge callback required by the merge conflict
// policy.
func WithMerge(m syncer.MergeFunc) Option {
	return func(o *options) { o.merge = m }
}

// WithLogger overrides the logger built from the configuration.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Engine wires the tiers together and owns their lifecycles.
type Engine struct {
	config    *config.Configuration
	logger    *logging.Logger
	backend   durable.Backend
	plans     *prepared.Cache
	store     *durable.Store
	cache     *cache.Store
	syncer    *syncer.Engine
	batcher   *batch.Executor
	collector *metrics.Collector

	mu      sync.Mutex
	started bool
	closed  bool
}

// New validates the configuration, dials the durable tier, and wires the
// cache, sync engine, batch executor, and metrics collector. Background
// loops do not run until Start.
func New(ctx context.Context, cfg *config.Configuration, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.NewError(errors.ErrCodeMissingConfig, "configuration cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewError(errors.ErrCodeConfigValidation, "configuration rejected").WithCause(err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = newLogger(cfg.Global)
	}

	collector := metrics.New(metrics.Config{
		Enabled: cfg.Global.MetricsEnabled,
		Addr:    cfg.Global.MetricsAddr,
	}, logger)

	e := &Engine{
		config:    cfg,
		logger:    logger,
		collector: collector,
	}

	e.backend = o.backend
	if e.backend == nil {
		backend, plans, err := newBackend(cfg)
		if err != nil {
			return nil, err
		}
		e.backend = backend
		e.plans = plans
	}

	durableCfg := durable.Config{
		Pool:    cfg.Pool,
		Breaker: cfg.Breaker,
		Retry:   cfg.Retry,
	}
	durableCfg.Breaker.OnStateChange = e.onBreakerStateChange(cfg.Breaker.OnStateChange)

	store, err := durable.NewStore(ctx, durableCfg, e.backend, logger)
	if err != nil {
		return nil, err
	}
	e.store = store

	e.cache = cache.New(cfg.Cache, logger)

	syncEngine, err := syncer.New(cfg.Sync, store, e.cache, o.merge, logger)
	if err != nil {
		_ = store.Close()
		e.cache.Close()
		return nil, err
	}
	e.syncer = syncEngine

	batcher, err := batch.New(cfg.Batch, store, e.cache, syncEngine, logger)
	if err != nil {
		_ = store.Close()
		e.cache.Close()
		return nil, err
	}
	e.batcher = batcher

	collector.SetSampler(e.snapshot)
	return e, nil
}

func newLogger(global config.GlobalConfig) *logging.Logger {
	level, _ := logging.ParseLogLevel(global.LogLevel)
	format := logging.FormatText
	if global.LogFormat == "json" {
		format = logging.FormatJSON
	}
	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = format
	return logging.New(cfg)
}

func newBackend(cfg *config.Configuration) (durable.Backend, *prepared.Cache, error) {
	switch cfg.Backend.Driver {
	case "postgres":
		plans := prepared.New(cfg.Prepared)
		return durable.NewPostgresBackend(cfg.Backend.Postgres.DSN, cfg.Backend.Postgres.Table, plans), plans, nil
	case "redis":
		r := cfg.Backend.Redis
		return durable.NewRedisBackend(r.Addr, r.Password, r.DB, r.KeyPrefix), nil, nil
	case "memory":
		return durable.NewMemoryBackend(), nil, nil
	default:
		return nil, nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown backend driver %q", cfg.Backend.Driver)
	}
}

func (e *Engine) onBreakerStateChange(next func(from, to circuit.State)) func(from, to circuit.State) {
	return func(from, to circuit.State) {
		e.collector.RecordBreakerTransition(from, to)
		e.logger.Warn("durable breaker state changed", map[string]interface{}{
			"from": from.String(),
			"to":   to.String(),
		})
		if next != nil {
			next(from, to)
		}
	}
}

// Start launches the reconciliation sweep and the metrics endpoint.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.NewError(errors.ErrCodeShutdownInProgress, "engine is closed")
	}
	if e.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "engine already started")
	}
	e.started = true

	e.syncer.Start()
	if err := e.collector.Start(); err != nil {
		return err
	}

	e.logger.Info("engine started", map[string]interface{}{
		"backend":         e.backend.Name(),
		"conflict_policy": string(e.config.Sync.ConflictPolicy),
	})
	return nil
}

// Read serves from the cache when it can; a miss reads the durable tier
// and populates the cache so repeated reads of a hot record stay local.
func (e *Engine) Read(ctx context.Context, identity record.Identity) (*record.Record, error) {
	start := time.Now()

	if rec, ok := e.cache.Get(identity); ok {
		e.collector.RecordOperation("read", time.Since(start), nil)
		return rec, nil
	}

	rec, err := e.store.Get(ctx, identity)
	e.collector.RecordOperation("read", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	e.cache.Put(rec.Clone())
	return rec, nil
}

// Write commits through the two-phase path under the caller's base version.
// Base version 0 means the record must not exist yet; durable.VersionAny
// writes unconditionally.
func (e *Engine) Write(ctx context.Context, rec *record.Record, baseVersion uint64) (uint64, error) {
	start := time.Now()
	version, err := e.syncer.Write(ctx, rec, baseVersion)
	e.collector.RecordOperation("write", time.Since(start), err)
	return version, err
}

// Delete removes the record from both tiers, durable first.
func (e *Engine) Delete(ctx context.Context, identity record.Identity) error {
	start := time.Now()
	err := e.syncer.Delete(ctx, identity)
	e.collector.RecordOperation("delete", time.Since(start), err)
	return err
}

// Batch runs grouped operations in the configured batch mode.
func (e *Engine) Batch(ctx context.Context, ops []batch.Operation) ([]batch.Result, error) {
	start := time.Now()
	results, err := e.batcher.Execute(ctx, ops)
	e.collector.RecordOperation("batch", time.Since(start), err)
	return results, err
}

// BatchMode runs grouped operations under an explicit mode.
func (e *Engine) BatchMode(ctx context.Context, ops []batch.Operation, mode batch.Mode) ([]batch.Result, error) {
	start := time.Now()
	results, err := e.batcher.ExecuteMode(ctx, ops, mode)
	e.collector.RecordOperation("batch", time.Since(start), err)
	return results, err
}

// Reconcile forces a reconciliation sweep outside the periodic schedule.
func (e *Engine) Reconcile(ctx context.Context) error {
	return e.syncer.Reconcile(ctx)
}

// Health probes the durable tier through a live connection.
func (e *Engine) Health(ctx context.Context) error {
	return e.store.Health(ctx)
}

// HealthReport folds tier probes and the breaker state into a service
// state; the durable tier being down degrades the service to read-only
// rather than unavailable as long as the cache can serve.
func (e *Engine) HealthReport(ctx context.Context) health.Report {
	checker := health.NewChecker(
		e.store.Health,
		func(context.Context) error {
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.closed {
				return errors.NewError(errors.ErrCodeShutdownInProgress, "cache tier closed")
			}
			return nil
		},
		e.store.Breaker().State,
	)
	return checker.Check(ctx)
}

// Stats returns a snapshot across all tiers.
func (e *Engine) Stats() Stats {
	stats := Stats{
		Durable: e.store.Stats(),
		Cache:   e.cache.Stats(),
		Sync:    e.syncer.Stats(),
	}
	if e.plans != nil {
		stats.Prepared = e.plans.Stats()
	}
	return stats
}

func (e *Engine) snapshot() metrics.Snapshot {
	durableStats := e.store.Stats()
	return metrics.Snapshot{
		Pool:    durableStats.Pool,
		Breaker: durableStats.Breaker,
		State:   e.store.Breaker().State(),
		Cache:   e.cache.Stats(),
		Sync:    e.syncer.Stats(),
	}
}

// Close stops background loops and releases every connection. Safe to call
// more than once.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.mu.Unlock()

	if started {
		e.syncer.Stop()
	}
	_ = e.collector.Stop(ctx)
	e.cache.Close()
	err := e.store.Close()

	e.logger.Info("engine closed", nil)
	return err
}
