package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/engramdb/engram/pkg/errors"
	"github.com/engramdb/engram/pkg/logging"
	"github.com/engramdb/engram/pkg/record"

	"github.com/engramdb/engram/internal/cache"
	"github.com/engramdb/engram/internal/durable"
)

// Config contains sync engine configuration
type Config struct {
	ReconciliationInterval time.Duration `yaml:"reconciliation_interval"`

	// How far back the sweep re-reads durable records
	WatermarkLookback time.Duration `yaml:"watermark_lookback"`

	WriteTimeout time.Duration `yaml:"write_timeout"`
	SweepTimeout time.Duration `yaml:"sweep_timeout"`

	// Required; Valid() policies only
	ConflictPolicy Policy `yaml:"conflict_policy"`
}

// DefaultConfig returns default sync configuration. ConflictPolicy is left
// empty on purpose: choosing one is the operator's job.
func DefaultConfig() Config {
	return Config{
		ReconciliationInterval: time.Minute,
		WatermarkLookback:      time.Hour,
		WriteTimeout:           30 * time.Second,
		SweepTimeout:           60 * time.Second,
	}
}

// Stats tracks sync engine activity
type Stats struct {
	Writes            uint64       `json:"writes"`
	Deletes           uint64       `json:"deletes"`
	ConflictsResolved uint64       `json:"conflicts_resolved"`
	ConflictsRejected uint64       `json:"conflicts_rejected"`
	Sweeps            uint64       `json:"sweeps"`
	SweepFailures     uint64       `json:"sweep_failures"`
	RecordsRefreshed  uint64       `json:"records_refreshed"`
	LastSweepAt       time.Time    `json:"last_sweep_at,omitempty"`
	Journal           JournalStats `json:"journal"`
}

// Engine drives two-phase writes (durable first, cache second) and the
// periodic reconciliation sweep.
type Engine struct {
	config  Config
	store   *durable.Store
	cache   *cache.Store
	journal *Journal
	merge   MergeFunc
	logger  *logging.Logger

	mu    sync.Mutex
	stats Stats

	stopCh  chan struct{}
	stopped chan struct{}
}

// New creates the sync engine. The merge callback may be nil unless the
// conflict policy is PolicyMerge.
func New(config Config, store *durable.Store, cacheStore *cache.Store, merge MergeFunc, logger *logging.Logger) (*Engine, error) {
	if !config.ConflictPolicy.Valid() {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig,
			"conflict policy %q is not one of last_write_wins, durable_wins, merge", config.ConflictPolicy)
	}
	if config.ConflictPolicy == PolicyMerge && merge == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "merge policy requires a merge callback")
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 30 * time.Second
	}
	if config.SweepTimeout <= 0 {
		config.SweepTimeout = 60 * time.Second
	}
	if config.WatermarkLookback <= 0 {
		config.WatermarkLookback = time.Hour
	}
	if logger == nil {
		logger = logging.Discard()
	}

	return &Engine{
		config:  config,
		store:   store,
		cache:   cacheStore,
		journal: NewJournal(),
		merge:   merge,
		logger:  logger.WithComponent("syncer"),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// Start launches the reconciliation sweep.
func (e *Engine) Start() {
	if e.config.ReconciliationInterval > 0 {
		go e.sweepLoop()
	} else {
		close(e.stopped)
	}
}

// Stop halts the sweep. Safe to call more than once.
func (e *Engine) Stop() {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	<-e.stopped
}

// Write performs the two-phase write. Phase 1 commits to the durable tier
// under the caller's base version, resolving conflicts per policy; phase 2
// updates the cache. A caller that cancels between the phases leaves the
// journal entry for the sweep instead of rolling back the durable commit.
func (e *Engine) Write(ctx context.Context, rec *record.Record, baseVersion uint64) (uint64, error) {
	entryID := e.journal.Append(rec.Identity())

	wctx, cancel := context.WithTimeout(ctx, e.config.WriteTimeout)
	defer cancel()

	committed := rec
	version, err := e.store.Put(wctx, rec, baseVersion)
	if err != nil && errors.CodeOf(err) == errors.ErrCodeConflictDetected {
		committed, version, err = e.resolveConflict(wctx, rec, baseVersion)
	}
	if err != nil {
		e.advance(entryID, PhaseRolledBack)
		return 0, err
	}

	e.advance(entryID, PhaseDurableCommitted)
	e.mu.Lock()
	e.stats.Writes++
	e.mu.Unlock()

	if ctx.Err() != nil {
		// Durable commit stands; the sweep finishes phase 2.
		e.logger.Warn("write cancelled after durable commit", map[string]interface{}{
			"identity":       rec.Identity().String(),
			"correlation_id": entryID.String(),
		})
		return version, errors.NewError(errors.ErrCodeOperationCanceled, "write cancelled after durable commit").
			WithCause(ctx.Err()).
			WithDetail("version", version)
	}

	cached := committed.Clone()
	cached.Version = version
	if cached.UpdatedAt.IsZero() {
		cached.UpdatedAt = time.Now()
	}
	e.cache.Put(cached)
	e.advance(entryID, PhaseCacheCommitted)

	return version, nil
}

// advance moves a journal entry to the next phase. A rejected transition
// means the journal invariant is broken; that never happens on the write
// path, so it is logged loudly rather than returned.
func (e *Engine) advance(entryID uuid.UUID, phase Phase) {
	if err := e.journal.Advance(entryID, phase); err != nil {
		e.logger.Error("journal transition rejected", map[string]interface{}{
			"correlation_id": entryID.String(),
			"phase":          phase.String(),
			"error":          err.Error(),
		})
	}
}

// Delete removes the record durable-first, then invalidates the cache. The
// cache entry outliving a failed durable delete is fine; the reverse order
// could serve a read that resurrects deleted data.
func (e *Engine) Delete(ctx context.Context, identity record.Identity) error {
	wctx, cancel := context.WithTimeout(ctx, e.config.WriteTimeout)
	defer cancel()

	if err := e.store.Delete(wctx, identity); err != nil {
		return err
	}
	e.cache.Invalidate(identity)

	e.mu.Lock()
	e.stats.Deletes++
	e.mu.Unlock()
	return nil
}

// Journal exposes the journal for observation.
func (e *Engine) Journal() *Journal {
	return e.journal
}

// Stats returns a snapshot of sync counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	stats := e.stats
	e.mu.Unlock()

	stats.Journal = e.journal.Stats()
	return stats
}

func (e *Engine) sweepLoop() {
	defer close(e.stopped)

	ticker := time.NewTicker(e.config.ReconciliationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			_ = e.Reconcile(context.Background())
		}
	}
}

// Reconcile re-reads durable records modified since the watermark and
// refreshes the cache, then clears the journal backlog those refreshes
// covered. Exposed so the facade can force a sweep.
func (e *Engine) Reconcile(ctx context.Context) error {
	correlationID := uuid.New()
	sctx, cancel := context.WithTimeout(ctx, e.config.SweepTimeout)
	defer cancel()

	watermark := time.Now().Add(-e.config.WatermarkLookback)
	recs, err := e.store.RecordsSince(sctx, watermark)
	if err != nil {
		e.mu.Lock()
		e.stats.SweepFailures++
		e.mu.Unlock()
		e.logger.Warn("reconciliation sweep failed", map[string]interface{}{
			"correlation_id": correlationID.String(),
			"error":          err.Error(),
		})
		return err
	}

	refreshed := make(map[string]bool, len(recs))
	for _, rec := range recs {
		e.cache.Put(rec)
		refreshed[rec.Identity().String()] = true
	}

	cleared := 0
	for _, entry := range e.journal.Backlog() {
		if refreshed[entry.Identity.String()] {
			e.journal.Resolve(entry.ID)
			cleared++
		}
	}

	e.mu.Lock()
	e.stats.Sweeps++
	e.stats.RecordsRefreshed += uint64(len(recs))
	e.stats.LastSweepAt = time.Now()
	e.mu.Unlock()

	e.logger.Debug("reconciliation sweep complete", map[string]interface{}{
		"correlation_id":  correlationID.String(),
		"refreshed":       len(recs),
		"backlog_cleared": cleared,
	})
	return nil
}
