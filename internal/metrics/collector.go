// Package metrics exposes engine instrumentation over Prometheus.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/engramdb/engram/pkg/logging"

	"github.com/engramdb/engram/internal/cache"
	"github.com/engramdb/engram/internal/circuit"
	"github.com/engramdb/engram/internal/pool"
	"github.com/engramdb/engram/internal/syncer"
)

// Config represents metrics configuration
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	Path           string        `yaml:"path"`
	Namespace      string        `yaml:"namespace"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Addr:           ":9090",
		Path:           "/metrics",
		Namespace:      "engram",
		UpdateInterval: 15 * time.Second,
	}
}

// Snapshot carries component stats sampled on each update tick.
type Snapshot struct {
	Pool    pool.Stats
	Cache   cache.Stats
	Breaker circuit.Stats
	State   circuit.State
	Sync    syncer.Stats
}

// Sampler produces a stats snapshot from the live components.
type Sampler func() Snapshot

// Collector registers and serves the engine's Prometheus metrics. Operation
// outcomes are recorded inline on the hot path; component stats are sampled
// on a fixed interval from the Sampler.
type Collector struct {
	config   Config
	registry *prometheus.Registry
	logger   *logging.Logger

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	cacheHits      prometheus.Gauge
	cacheMisses    prometheus.Gauge
	cacheEvictions prometheus.Gauge
	cacheCorrupt   prometheus.Gauge
	cacheHitRate   prometheus.Gauge

	poolSize        prometheus.Gauge
	poolInUse       prometheus.Gauge
	poolUtilization prometheus.Gauge
	poolTimeouts    prometheus.Gauge
	poolStale       prometheus.Gauge

	breakerState       prometheus.Gauge
	breakerTransitions *prometheus.CounterVec

	journalBacklog prometheus.Gauge
	syncSweeps     prometheus.Gauge
	syncConflicts  *prometheus.GaugeVec

	mu      sync.Mutex
	sampler Sampler
	server  *http.Server
	stopCh  chan struct{}
	stopped bool
}

// New creates a collector. A disabled collector accepts records and serves
// nothing.
func New(config Config, logger *logging.Logger) *Collector {
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "engram"
	}
	if config.UpdateInterval <= 0 {
		config.UpdateInterval = 15 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}

	c := &Collector{
		config:   config,
		registry: prometheus.NewRegistry(),
		logger:   logger.WithComponent("metrics"),
		stopCh:   make(chan struct{}),
	}
	c.initMetrics()
	return c
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "operations_total",
		Help:      "Total storage operations by name and status",
	}, []string{"operation", "status"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "operation_duration_seconds",
		Help:      "Storage operation latency",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"operation"})

	c.cacheHits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "cache", Name: "hits", Help: "Cache hits since startup",
	})
	c.cacheMisses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "cache", Name: "misses", Help: "Cache misses since startup",
	})
	c.cacheEvictions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "cache", Name: "evictions", Help: "Cache evictions since startup",
	})
	c.cacheCorrupt = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "cache", Name: "corrupt_entries", Help: "Checksum failures since startup",
	})
	c.cacheHitRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "cache", Name: "hit_rate", Help: "Cache hit rate in [0,1]",
	})

	c.poolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "pool", Name: "size", Help: "Open durable connections",
	})
	c.poolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "pool", Name: "in_use", Help: "Connections checked out",
	})
	c.poolUtilization = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "pool", Name: "utilization", Help: "InUse over size in [0,1]",
	})
	c.poolTimeouts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "pool", Name: "acquire_timeouts", Help: "Acquire timeouts since startup",
	})
	c.poolStale = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "pool", Name: "stale_recycled", Help: "Stale connections recycled since startup",
	})

	c.breakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "breaker", Name: "state", Help: "Breaker state: 0 closed, 1 open, 2 half-open",
	})
	c.breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "breaker", Name: "transitions_total", Help: "Breaker state transitions",
	}, []string{"from", "to"})

	c.journalBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "sync", Name: "journal_backlog", Help: "Write-ahead entries awaiting cache commit",
	})
	c.syncSweeps = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "sync", Name: "sweeps", Help: "Reconciliation sweeps since startup",
	})
	c.syncConflicts = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "sync", Name: "conflicts", Help: "Conflicts by outcome since startup",
	}, []string{"outcome"})

	c.registry.MustRegister(
		c.operationCounter, c.operationDuration,
		c.cacheHits, c.cacheMisses, c.cacheEvictions, c.cacheCorrupt, c.cacheHitRate,
		c.poolSize, c.poolInUse, c.poolUtilization, c.poolTimeouts, c.poolStale,
		c.breakerState, c.breakerTransitions,
		c.journalBacklog, c.syncSweeps, c.syncConflicts,
	)
}

// SetSampler installs the stats source polled by the update loop.
func (c *Collector) SetSampler(s Sampler) {
	c.mu.Lock()
	c.sampler = s
	c.mu.Unlock()
}

// Start serves the metrics endpoint and begins periodic sampling.
func (c *Collector) Start() error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	c.server = &http.Server{
		Addr:              c.config.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	go c.updateLoop()

	c.logger.Info("metrics server started", map[string]interface{}{
		"addr": c.config.Addr,
		"path": c.config.Path,
	})
	return nil
}

// Stop shuts down the metrics endpoint.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stopCh)
	c.mu.Unlock()

	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records one operation outcome on the hot path.
func (c *Collector) RecordOperation(operation string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.operationCounter.WithLabelValues(operation, status).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBreakerTransition records one breaker state change. Wire it to the
// breaker's OnStateChange hook.
func (c *Collector) RecordBreakerTransition(from, to circuit.State) {
	c.breakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// Sample applies one stats snapshot to the gauges.
func (c *Collector) Sample(snap Snapshot) {
	c.cacheHits.Set(float64(snap.Cache.Hits))
	c.cacheMisses.Set(float64(snap.Cache.Misses))
	c.cacheEvictions.Set(float64(snap.Cache.Evictions))
	c.cacheCorrupt.Set(float64(snap.Cache.Corrupt))
	c.cacheHitRate.Set(snap.Cache.HitRate)

	c.poolSize.Set(float64(snap.Pool.Size))
	c.poolInUse.Set(float64(snap.Pool.InUse))
	if snap.Pool.Size > 0 {
		c.poolUtilization.Set(float64(snap.Pool.InUse) / float64(snap.Pool.Size))
	} else {
		c.poolUtilization.Set(0)
	}
	c.poolTimeouts.Set(float64(snap.Pool.Timeouts))
	c.poolStale.Set(float64(snap.Pool.StaleRecycled))

	c.breakerState.Set(float64(snap.State))

	c.journalBacklog.Set(float64(snap.Sync.Journal.Backlog))
	c.syncSweeps.Set(float64(snap.Sync.Sweeps))
	c.syncConflicts.WithLabelValues("resolved").Set(float64(snap.Sync.ConflictsResolved))
	c.syncConflicts.WithLabelValues("rejected").Set(float64(snap.Sync.ConflictsRejected))
}

// Registry exposes the underlying registry, mainly for tests and embedding
// the handler elsewhere.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) updateLoop() {
	ticker := time.NewTicker(c.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			sampler := c.sampler
			c.mu.Unlock()
			if sampler != nil {
				c.Sample(sampler())
			}
		case <-c.stopCh:
			return
		}
	}
}
