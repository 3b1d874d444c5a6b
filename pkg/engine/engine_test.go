package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/pkg/errors"
	"github.com/engramdb/engram/pkg/health"
	"github.com/engramdb/engram/pkg/record"

	"github.com/engramdb/engram/internal/batch"
	"github.com/engramdb/engram/internal/config"
	"github.com/engramdb/engram/internal/durable"
	"github.com/engramdb/engram/internal/syncer"
)

func testConfig() *config.Configuration {
	cfg := config.NewDefault()
	cfg.Global.MetricsEnabled = false
	cfg.Sync.ConflictPolicy = syncer.PolicyDurableWins
	cfg.Sync.ReconciliationInterval = 0
	cfg.Pool.MinConnections = 1
	cfg.Pool.MaxConnections = 2
	cfg.Pool.AcquireTimeout = 100 * time.Millisecond
	cfg.Pool.KeepaliveInterval = 0
	cfg.Pool.CheckInterval = 0
	cfg.Cache.SweepInterval = 0
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Configuration, opts ...Option) (*Engine, *durable.MemoryBackend) {
	t.Helper()

	backend := durable.NewMemoryBackend()
	opts = append([]Option{WithBackend(backend)}, opts...)
	e, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e, backend
}

func episode(id, payload string) *record.Record {
	return &record.Record{
		Kind:      record.KindEpisode,
		ID:        id,
		Payload:   []byte(payload),
		UpdatedAt: time.Now(),
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Sync.ConflictPolicy = "" // operator never chose one

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConfigValidation, errors.CodeOf(err))
}

func TestNew_RejectsNilConfig(t *testing.T) {
	_, err := New(context.Background(), nil)
	assert.Equal(t, errors.ErrCodeMissingConfig, errors.CodeOf(err))
}

func TestLifecycle_DoubleStartAndClose(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())

	err := e.Start()
	assert.Equal(t, errors.ErrCodeAlreadyStarted, errors.CodeOf(err))

	require.NoError(t, e.Close(context.Background()))
	require.NoError(t, e.Close(context.Background()), "close must be idempotent")

	err = e.Start()
	assert.Equal(t, errors.ErrCodeShutdownInProgress, errors.CodeOf(err))
}

func TestWriteThenRead_RoundTrip(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	version, err := e.Write(ctx, episode("ep-1", "saw a bird"), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)

	got, err := e.Read(ctx, record.Identity{Kind: record.KindEpisode, ID: "ep-1"})
	require.NoError(t, err)
	assert.Equal(t, []byte("saw a bird"), got.Payload)
	assert.Equal(t, uint64(1), got.Version)
}

func TestRead_ServedFromCacheWhenDurableDown(t *testing.T) {
	e, backend := newTestEngine(t, testConfig())
	ctx := context.Background()
	identity := record.Identity{Kind: record.KindEpisode, ID: "ep-1"}

	_, err := e.Write(ctx, episode("ep-1", "v1"), 0)
	require.NoError(t, err)

	// The write cached the record; the backend can fail now.
	backend.FailOps(fmt.Errorf("backend down"))

	got, err := e.Read(ctx, identity)
	require.NoError(t, err, "hot reads must not touch the durable tier")
	assert.Equal(t, []byte("v1"), got.Payload)
}

func TestRead_MissPopulatesCache(t *testing.T) {
	e, backend := newTestEngine(t, testConfig())
	ctx := context.Background()
	identity := record.Identity{Kind: record.KindEpisode, ID: "ep-1"}

	// Record exists durably but was never cached by this process.
	rec := episode("ep-1", "cold")
	_, err := e.store.Put(ctx, rec, 0)
	require.NoError(t, err)

	_, err = e.Read(ctx, identity)
	require.NoError(t, err)

	backend.FailOps(fmt.Errorf("backend down"))
	got, err := e.Read(ctx, identity)
	require.NoError(t, err, "second read must come from the cache")
	assert.Equal(t, []byte("cold"), got.Payload)
}

func TestRead_NotFound(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())

	_, err := e.Read(context.Background(), record.Identity{Kind: record.KindEpisode, ID: "missing"})
	assert.Equal(t, errors.ErrCodeRecordNotFound, errors.CodeOf(err))
}

func TestWrite_VersionConflictSurfacesUnderDurableWins(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	_, err := e.Write(ctx, episode("ep-1", "v1"), 0)
	require.NoError(t, err)

	_, err = e.Write(ctx, episode("ep-1", "stale"), 0)
	assert.Equal(t, errors.ErrCodeConflictDetected, errors.CodeOf(err))
}

func TestWrite_LastWriteWinsResolvesConflict(t *testing.T) {
	cfg := testConfig()
	cfg.Sync.ConflictPolicy = syncer.PolicyLastWriteWins
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	_, err := e.Write(ctx, episode("ep-1", "old"), 0)
	require.NoError(t, err)

	newer := episode("ep-1", "new")
	newer.UpdatedAt = time.Now().Add(time.Minute)
	version, err := e.Write(ctx, newer, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)

	got, err := e.Read(ctx, record.Identity{Kind: record.KindEpisode, ID: "ep-1"})
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got.Payload)
}

func TestDelete_RemovesBothTiers(t *testing.T) {
	e, backend := newTestEngine(t, testConfig())
	ctx := context.Background()
	identity := record.Identity{Kind: record.KindEpisode, ID: "ep-1"}

	_, err := e.Write(ctx, episode("ep-1", "v1"), 0)
	require.NoError(t, err)

	require.NoError(t, e.Delete(ctx, identity))
	assert.Equal(t, 0, backend.Len())

	_, err = e.Read(ctx, identity)
	assert.Equal(t, errors.ErrCodeRecordNotFound, errors.CodeOf(err))
}

func TestBreaker_FastFailsWhileDurableDown(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.Breaker.FailureThreshold = 2
	e, backend := newTestEngine(t, cfg)
	ctx := context.Background()

	backend.FailOps(fmt.Errorf("backend down"))
	for i := 0; i < 2; i++ {
		_, err := e.Write(ctx, episode(fmt.Sprintf("ep-%d", i), "v"), 0)
		require.Error(t, err)
	}

	start := time.Now()
	_, err := e.Write(ctx, episode("ep-x", "v"), 0)
	assert.Equal(t, errors.ErrCodeCircuitOpen, errors.CodeOf(err))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "open breaker must fail fast")
}

func TestReconcile_ConvergesCacheWithOutOfBandWrites(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()
	identity := record.Identity{Kind: record.KindEpisode, ID: "ep-1"}

	_, err := e.Write(ctx, episode("ep-1", "local"), 0)
	require.NoError(t, err)

	// Another writer updates the durable tier behind this process's back.
	remote := episode("ep-1", "remote")
	_, err = e.store.Put(ctx, remote, durable.VersionAny)
	require.NoError(t, err)

	require.NoError(t, e.Reconcile(ctx))

	got, err := e.Read(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, []byte("remote"), got.Payload)
}

func TestBatch_BestEffortPartialFailure(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	_, err := e.Write(ctx, episode("existing", "v1"), 0)
	require.NoError(t, err)

	results, err := e.Batch(ctx, []batch.Operation{
		{Kind: batch.OpPut, Record: episode("fresh", "ok")},
		{Kind: batch.OpPut, Record: episode("existing", "stale")},
	})
	assert.Equal(t, errors.ErrCodeBatchPartialFailure, errors.CodeOf(err))
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, errors.ErrCodeConflictDetected, errors.CodeOf(results[1].Err))
}

func TestBatchMode_AtomicAllOrNothing(t *testing.T) {
	e, backend := newTestEngine(t, testConfig())
	ctx := context.Background()

	_, err := e.BatchMode(ctx, []batch.Operation{
		{Kind: batch.OpPut, Record: episode("a", "1")},
		{Kind: batch.OpPut, Record: episode("b", "2"), BaseVersion: 9},
	}, batch.ModeAtomic)
	assert.Equal(t, errors.ErrCodeConflictDetected, errors.CodeOf(err))
	assert.Equal(t, 0, backend.Len())
}

func TestHealth(t *testing.T) {
	e, backend := newTestEngine(t, testConfig())

	require.NoError(t, e.Health(context.Background()))

	backend.FailPings(fmt.Errorf("backend down"))
	assert.Error(t, e.Health(context.Background()))
}

func TestHealthReport_ReadOnlyWhenDurableDown(t *testing.T) {
	e, backend := newTestEngine(t, testConfig())

	report := e.HealthReport(context.Background())
	assert.Equal(t, health.StateHealthy, report.State)

	backend.FailPings(fmt.Errorf("backend down"))
	report = e.HealthReport(context.Background())
	assert.Equal(t, health.StateReadOnly, report.State, "cache still serves, so read-only not unavailable")
}

func TestStats_AggregatesTiers(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	_, err := e.Write(ctx, episode("ep-1", "v1"), 0)
	require.NoError(t, err)
	_, err = e.Read(ctx, record.Identity{Kind: record.KindEpisode, ID: "ep-1"})
	require.NoError(t, err)

	stats := e.Stats()
	assert.Equal(t, "memory", stats.Durable.Backend)
	assert.Equal(t, uint64(1), stats.Sync.Writes)
	assert.Equal(t, uint64(1), stats.Cache.Hits)
	assert.GreaterOrEqual(t, stats.Durable.Pool.Size, 1)
}

// A full outage mid-session: the failed write has no side effect and the
// cache keeps serving the last committed value.
func TestScenario_OutageServesStaleReads(t *testing.T) {
	e, backend := newTestEngine(t, testConfig())
	ctx := context.Background()
	identity := record.Identity{Kind: record.KindEpisode, ID: "42"}

	_, err := e.Write(ctx, episode("42", "X"), 0)
	require.NoError(t, err)

	got, err := e.Read(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, []byte("X"), got.Payload)

	backend.FailOps(errors.NewError(errors.ErrCodeNetworkError, "durable tier unreachable"))

	_, err = e.Write(ctx, episode("42", "Y"), 1)
	assert.Equal(t, errors.ErrCodeDurableUnavailable, errors.CodeOf(err))

	got, err = e.Read(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, []byte("X"), got.Payload, "failed write must not become visible")
}

// 1,000 writers on disjoint identities sharing a 20-connection pool: all
// complete, nothing deadlocks, the pool bound holds.
func TestScenario_ConcurrentDisjointWriters(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.MinConnections = 2
	cfg.Pool.MaxConnections = 20
	cfg.Pool.AcquireTimeout = 10 * time.Second
	e, backend := newTestEngine(t, cfg)
	ctx := context.Background()

	const writers = 1000
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			_, err := e.Write(ctx, episode(fmt.Sprintf("ep-%d", i), "v"), 0)
			errCh <- err
		}(i)
	}
	for i := 0; i < writers; i++ {
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(30 * time.Second):
			t.Fatal("writers deadlocked")
		}
	}

	assert.Equal(t, writers, backend.Len())
	assert.LessOrEqual(t, e.Stats().Durable.Pool.Size, cfg.Pool.MaxConnections)
}

// Two racing writers on the same identity under last-write-wins: the later
// timestamp lands durably, nothing is lost silently.
func TestScenario_RacingWritersLastWriteWins(t *testing.T) {
	cfg := testConfig()
	cfg.Sync.ConflictPolicy = syncer.PolicyLastWriteWins
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()
	identity := record.Identity{Kind: record.KindEpisode, ID: "ep-1"}

	older := episode("ep-1", "older")
	newer := episode("ep-1", "newer")
	newer.UpdatedAt = older.UpdatedAt.Add(time.Minute)

	done := make(chan error, 2)
	go func() { _, err := e.Write(ctx, older, 0); done <- err }()
	go func() { _, err := e.Write(ctx, newer, 0); done <- err }()

	failures := 0
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			// Losing with a typed conflict is allowed; silent loss is not.
			assert.Equal(t, errors.ErrCodeConflictDetected, errors.CodeOf(err))
			failures++
		}
	}
	assert.LessOrEqual(t, failures, 1)

	got, err := e.store.Get(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, []byte("newer"), got.Payload, "later timestamp must win durably")
}

func TestWrite_MergePolicyCombinesPayloads(t *testing.T) {
	cfg := testConfig()
	cfg.Sync.ConflictPolicy = syncer.PolicyMerge
	merge := func(stored, incoming *record.Record) (*record.Record, error) {
		merged := stored.Clone()
		merged.Payload = append(append([]byte{}, stored.Payload...), incoming.Payload...)
		return merged, nil
	}
	e, _ := newTestEngine(t, cfg, WithMerge(merge))
	ctx := context.Background()

	_, err := e.Write(ctx, episode("ep-1", "left"), 0)
	require.NoError(t, err)
	_, err = e.Write(ctx, episode("ep-1", "+right"), 0)
	require.NoError(t, err)

	got, err := e.Read(ctx, record.Identity{Kind: record.KindEpisode, ID: "ep-1"})
	require.NoError(t, err)
	assert.Equal(t, []byte("left+right"), got.Payload)
}
