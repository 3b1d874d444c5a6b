package syncer

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/engramdb/engram/pkg/errors"
	"github.com/engramdb/engram/pkg/logging"
	"github.com/engramdb/engram/pkg/record"

	"github.com/engramdb/engram/internal/cache"
	"github.com/engramdb/engram/internal/durable"
)

type fixture struct {
	backend *durable.MemoryBackend
	store   *durable.Store
	cache   *cache.Store
	engine  *Engine
}

func newFixture(t *testing.T, policy Policy, merge MergeFunc) *fixture {
	t.Helper()

	backend := durable.NewMemoryBackend()
	storeCfg := durable.DefaultConfig()
	storeCfg.Pool.MinConnections = 1
	storeCfg.Pool.MaxConnections = 2
	storeCfg.Pool.KeepaliveInterval = 0
	storeCfg.Pool.CheckInterval = 0
	storeCfg.Retry.BaseDelay = time.Millisecond
	store, err := durable.NewStore(context.Background(), storeCfg, backend, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}

	cacheCfg := cache.DefaultConfig()
	cacheCfg.SweepInterval = 0
	cacheStore := cache.New(cacheCfg, nil)

	engCfg := DefaultConfig()
	engCfg.ReconciliationInterval = 0
	engCfg.ConflictPolicy = policy
	engine, err := New(engCfg, store, cacheStore, merge, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	engine.Start()

	t.Cleanup(func() {
		engine.Stop()
		cacheStore.Close()
		_ = store.Close()
	})
	return &fixture{backend: backend, store: store, cache: cacheStore, engine: engine}
}

func episode(id, payload string) *record.Record {
	return &record.Record{
		Kind:      record.KindEpisode,
		ID:        id,
		Payload:   []byte(payload),
		UpdatedAt: time.Now(),
	}
}

func TestEngine_RequiresConflictPolicy(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil, nil, nil)
	if errors.CodeOf(err) != errors.ErrCodeInvalidConfig {
		t.Fatalf("Expected INVALID_CONFIG for missing policy, got %v", err)
	}

	cfg := DefaultConfig()
	cfg.ConflictPolicy = "newest_wins"
	if _, err := New(cfg, nil, nil, nil, nil); errors.CodeOf(err) != errors.ErrCodeInvalidConfig {
		t.Fatalf("Expected INVALID_CONFIG for unknown policy, got %v", err)
	}
}

func TestEngine_MergePolicyRequiresCallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConflictPolicy = PolicyMerge
	_, err := New(cfg, nil, nil, nil, nil)
	if errors.CodeOf(err) != errors.ErrCodeInvalidConfig {
		t.Fatalf("Expected INVALID_CONFIG, got %v", err)
	}
}

func TestEngine_WriteCommitsBothTiers(t *testing.T) {
	f := newFixture(t, PolicyDurableWins, nil)

	version, err := f.engine.Write(context.Background(), episode("e1", "fixed the build"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if version != 1 {
		t.Errorf("Expected version 1, got %d", version)
	}

	identity := record.Identity{Kind: record.KindEpisode, ID: "e1"}
	durableRec, err := f.store.Get(context.Background(), identity)
	if err != nil || durableRec.Version != 1 {
		t.Fatalf("Expected durable copy at version 1, got %v / %v", durableRec, err)
	}
	cachedRec, ok := f.cache.Get(identity)
	if !ok || cachedRec.Version != 1 {
		t.Fatalf("Expected cache copy at version 1, got %v", cachedRec)
	}

	if backlog := f.engine.Journal().Stats().Backlog; backlog != 0 {
		t.Errorf("Expected empty journal backlog, got %d", backlog)
	}
}

func TestEngine_DurableFailureLeavesCacheUntouched(t *testing.T) {
	f := newFixture(t, PolicyDurableWins, nil)

	f.backend.FailOps(errors.NewError(errors.ErrCodeNetworkError, "link down"))

	_, err := f.engine.Write(context.Background(), episode("e1", "v"), 0)
	if err == nil {
		t.Fatal("Expected write failure")
	}

	if _, ok := f.cache.Get(record.Identity{Kind: record.KindEpisode, ID: "e1"}); ok {
		t.Error("Expected cache untouched after durable failure")
	}
	if f.engine.Journal().Stats().RolledBack != 1 {
		t.Errorf("Expected rollback recorded, got %+v", f.engine.Journal().Stats())
	}
}

func TestEngine_DurableWinsRejectsStaleWrite(t *testing.T) {
	f := newFixture(t, PolicyDurableWins, nil)

	if _, err := f.engine.Write(context.Background(), episode("e1", "v1"), 0); err != nil {
		t.Fatal(err)
	}

	// Base version 0 is stale: durable holds version 1.
	_, err := f.engine.Write(context.Background(), episode("e1", "v2"), 0)
	engramErr, ok := err.(*errors.EngramError)
	if !ok || engramErr.Code != errors.ErrCodeConflictDetected {
		t.Fatalf("Expected CONFLICT_DETECTED, got %v", err)
	}
	if engramErr.Details["stored_version"] != uint64(1) {
		t.Errorf("Expected stored version in details, got %v", engramErr.Details)
	}

	stored, _ := f.store.Get(context.Background(), record.Identity{Kind: record.KindEpisode, ID: "e1"})
	if string(stored.Payload) != "v1" {
		t.Errorf("Expected durable copy unchanged, got %q", stored.Payload)
	}
}

func TestEngine_LastWriteWinsNewerIncoming(t *testing.T) {
	f := newFixture(t, PolicyLastWriteWins, nil)

	old := episode("e1", "old")
	old.UpdatedAt = time.Now().Add(-time.Hour)
	if _, err := f.engine.Write(context.Background(), old, 0); err != nil {
		t.Fatal(err)
	}

	newer := episode("e1", "new")
	version, err := f.engine.Write(context.Background(), newer, 0)
	if err != nil {
		t.Fatalf("Expected newer write to win, got %v", err)
	}
	if version != 2 {
		t.Errorf("Expected version 2, got %d", version)
	}

	stored, _ := f.store.Get(context.Background(), record.Identity{Kind: record.KindEpisode, ID: "e1"})
	if string(stored.Payload) != "new" {
		t.Errorf("Expected newer payload stored, got %q", stored.Payload)
	}
	if f.engine.Stats().ConflictsResolved != 1 {
		t.Errorf("Expected 1 resolved conflict, got %+v", f.engine.Stats())
	}
}

func TestEngine_LastWriteWinsOlderIncomingRejected(t *testing.T) {
	f := newFixture(t, PolicyLastWriteWins, nil)

	if _, err := f.engine.Write(context.Background(), episode("e1", "current"), 0); err != nil {
		t.Fatal(err)
	}

	stale := episode("e1", "stale")
	stale.UpdatedAt = time.Now().Add(-time.Hour)
	_, err := f.engine.Write(context.Background(), stale, 0)
	if errors.CodeOf(err) != errors.ErrCodeConflictDetected {
		t.Fatalf("Expected CONFLICT_DETECTED for older incoming, got %v", err)
	}

	stored, _ := f.store.Get(context.Background(), record.Identity{Kind: record.KindEpisode, ID: "e1"})
	if string(stored.Payload) != "current" {
		t.Errorf("Expected stored record kept, got %q", stored.Payload)
	}
}

func TestEngine_MergeCombinesRecords(t *testing.T) {
	merge := func(stored, incoming *record.Record) (*record.Record, error) {
		merged := incoming.Clone()
		merged.Payload = append(append([]byte{}, stored.Payload...), incoming.Payload...)
		return merged, nil
	}
	f := newFixture(t, PolicyMerge, merge)

	if _, err := f.engine.Write(context.Background(), episode("e1", "left+"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Write(context.Background(), episode("e1", "right"), 0); err != nil {
		t.Fatalf("Expected merge to resolve, got %v", err)
	}

	stored, _ := f.store.Get(context.Background(), record.Identity{Kind: record.KindEpisode, ID: "e1"})
	if string(stored.Payload) != "left+right" {
		t.Errorf("Expected merged payload, got %q", stored.Payload)
	}

	cached, ok := f.cache.Get(record.Identity{Kind: record.KindEpisode, ID: "e1"})
	if !ok || string(cached.Payload) != "left+right" {
		t.Errorf("Expected merged payload cached, got %v", cached)
	}
}

func TestEngine_DeleteDurableFirstThenCache(t *testing.T) {
	f := newFixture(t, PolicyDurableWins, nil)

	if _, err := f.engine.Write(context.Background(), episode("e1", "v"), 0); err != nil {
		t.Fatal(err)
	}
	identity := record.Identity{Kind: record.KindEpisode, ID: "e1"}

	if err := f.engine.Delete(context.Background(), identity); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.cache.Get(identity); ok {
		t.Error("Expected cache invalidated after delete")
	}

	// Failed durable delete must leave the cache entry alone.
	if _, err := f.engine.Write(context.Background(), episode("e2", "v"), 0); err != nil {
		t.Fatal(err)
	}
	f.backend.FailOps(errors.NewError(errors.ErrCodeNetworkError, "link down"))
	identity2 := record.Identity{Kind: record.KindEpisode, ID: "e2"}
	if err := f.engine.Delete(context.Background(), identity2); err == nil {
		t.Fatal("Expected delete failure")
	}
	if _, ok := f.cache.Get(identity2); !ok {
		t.Error("Expected cache entry kept when durable delete fails")
	}
}

func TestEngine_ReconcileRefreshesCacheAndClearsBacklog(t *testing.T) {
	f := newFixture(t, PolicyDurableWins, nil)

	// A durable write that never reached the cache, as after a crash or a
	// caller cancelling between the phases.
	rec := episode("e1", "committed durably")
	if _, err := f.store.Put(context.Background(), rec, 0); err != nil {
		t.Fatal(err)
	}
	entryID := f.engine.Journal().Append(rec.Identity())
	if err := f.engine.Journal().Advance(entryID, PhaseDurableCommitted); err != nil {
		t.Fatal(err)
	}

	if err := f.engine.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}

	cached, ok := f.cache.Get(rec.Identity())
	if !ok || string(cached.Payload) != "committed durably" {
		t.Fatalf("Expected sweep to refresh cache, got %v", cached)
	}
	if backlog := f.engine.Journal().Stats().Backlog; backlog != 0 {
		t.Errorf("Expected backlog cleared, got %d", backlog)
	}

	stats := f.engine.Stats()
	if stats.Sweeps != 1 || stats.RecordsRefreshed == 0 {
		t.Errorf("Expected sweep recorded, got %+v", stats)
	}
}

func TestEngine_ReconcileFailureRecorded(t *testing.T) {
	f := newFixture(t, PolicyDurableWins, nil)

	f.backend.FailOps(errors.NewError(errors.ErrCodeNetworkError, "link down"))

	if err := f.engine.Reconcile(context.Background()); err == nil {
		t.Fatal("Expected sweep failure")
	}
	if f.engine.Stats().SweepFailures != 1 {
		t.Errorf("Expected sweep failure recorded, got %+v", f.engine.Stats())
	}
}

func TestEngine_PeriodicSweepConvergesCache(t *testing.T) {
	backend := durable.NewMemoryBackend()
	storeCfg := durable.DefaultConfig()
	storeCfg.Pool.MinConnections = 1
	storeCfg.Pool.KeepaliveInterval = 0
	storeCfg.Pool.CheckInterval = 0
	store, err := durable.NewStore(context.Background(), storeCfg, backend, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	cacheCfg := cache.DefaultConfig()
	cacheCfg.SweepInterval = 0
	cacheStore := cache.New(cacheCfg, nil)
	defer cacheStore.Close()

	engCfg := DefaultConfig()
	engCfg.ReconciliationInterval = 20 * time.Millisecond
	engCfg.ConflictPolicy = PolicyDurableWins
	engine, err := New(engCfg, store, cacheStore, nil, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	engine.Start()
	defer engine.Stop()

	// Durable-only write, bypassing the engine.
	rec := episode("e1", "out of band")
	if _, err := store.Put(context.Background(), rec, 0); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cached, ok := cacheStore.Get(rec.Identity()); ok && string(cached.Payload) == "out of band" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Expected periodic sweep to converge the cache")
}

func TestAdvance_IllegalTransitionLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&logging.Config{Level: logging.ERROR, Output: &buf, Format: logging.FormatText})

	cfg := DefaultConfig()
	cfg.ReconciliationInterval = 0
	cfg.ConflictPolicy = PolicyDurableWins
	engine, err := New(cfg, nil, nil, nil, logger)
	if err != nil {
		t.Fatal(err)
	}

	// Cache commit without a durable commit breaks the journal ordering.
	id := engine.journal.Append(record.Identity{Kind: record.KindEpisode, ID: "e1"})
	engine.advance(id, PhaseCacheCommitted)
	if !strings.Contains(buf.String(), "journal transition rejected") {
		t.Errorf("Expected rejected transition to be logged, got %q", buf.String())
	}

	buf.Reset()
	engine.advance(id, PhaseDurableCommitted)
	if buf.Len() != 0 {
		t.Errorf("Expected legal transition to stay quiet, got %q", buf.String())
	}
}
