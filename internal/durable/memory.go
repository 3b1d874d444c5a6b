package durable

import (
	"context"
	"sync"
	"time"

	"github.com/engramdb/engram/pkg/errors"
	"github.com/engramdb/engram/pkg/record"

	"github.com/engramdb/engram/internal/prepared"
)

// MemoryBackend is an in-process Backend used by tests and by the engine's
// ephemeral mode. All connections share one store; failures can be injected
// to exercise the resilience stack.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]*record.Record

	// Failure injection
	dialErr error
	pingErr error
	opErr   error
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[string]*record.Record),
	}
}

// Name identifies the backend
func (b *MemoryBackend) Name() string { return "memory" }

// Dial returns a connection sharing the backend's store
func (b *MemoryBackend) Dial(ctx context.Context) (Conn, error) {
	b.mu.RLock()
	err := b.dialErr
	b.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return &memoryConn{backend: b, id: prepared.NextConnID()}, nil
}

// FailDials makes subsequent dials fail with err; nil restores service.
func (b *MemoryBackend) FailDials(err error) {
	b.mu.Lock()
	b.dialErr = err
	b.mu.Unlock()
}

// FailPings makes keep-alive probes fail with err; nil restores service.
func (b *MemoryBackend) FailPings(err error) {
	b.mu.Lock()
	b.pingErr = err
	b.mu.Unlock()
}

// FailOps makes every record operation fail with err; nil restores service.
func (b *MemoryBackend) FailOps(err error) {
	b.mu.Lock()
	b.opErr = err
	b.mu.Unlock()
}

// Len returns the number of stored records.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

type memoryConn struct {
	backend *MemoryBackend
	id      uint64
}

func (c *memoryConn) ID() uint64 { return c.id }

func (c *memoryConn) Ping(ctx context.Context) error {
	c.backend.mu.RLock()
	defer c.backend.mu.RUnlock()
	return c.backend.pingErr
}

func (c *memoryConn) Close() error { return nil }

func (c *memoryConn) Get(ctx context.Context, identity record.Identity) (*record.Record, error) {
	b := c.backend
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.opErr != nil {
		return nil, b.opErr
	}
	rec, ok := b.records[identity.String()]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeRecordNotFound, "record %s not found", identity)
	}
	return rec.Clone(), nil
}

func (c *memoryConn) Put(ctx context.Context, rec *record.Record, expectedVersion uint64) (uint64, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.opErr != nil {
		return 0, b.opErr
	}
	return b.putLocked(rec, expectedVersion)
}

// putLocked applies the version precondition. Caller holds b.mu.
func (b *MemoryBackend) putLocked(rec *record.Record, expectedVersion uint64) (uint64, error) {
	key := rec.Identity().String()
	var current uint64
	if existing, ok := b.records[key]; ok {
		current = existing.Version
	}

	if expectedVersion != VersionAny && current != expectedVersion {
		return 0, errors.Newf(errors.ErrCodeConflictDetected, "version mismatch for %s", key).
			WithDetail("expected_version", expectedVersion).
			WithDetail("stored_version", current)
	}

	stored := rec.Clone()
	stored.Version = current + 1
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now()
	}
	b.records[key] = stored
	return stored.Version, nil
}

func (c *memoryConn) Delete(ctx context.Context, identity record.Identity) error {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.opErr != nil {
		return b.opErr
	}
	key := identity.String()
	if _, ok := b.records[key]; !ok {
		return errors.Newf(errors.ErrCodeRecordNotFound, "record %s not found", identity)
	}
	delete(b.records, key)
	return nil
}

func (c *memoryConn) BatchGet(ctx context.Context, identities []record.Identity) ([]*record.Record, error) {
	b := c.backend
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.opErr != nil {
		return nil, b.opErr
	}
	out := make([]*record.Record, len(identities))
	for i, identity := range identities {
		if rec, ok := b.records[identity.String()]; ok {
			out[i] = rec.Clone()
		}
	}
	return out, nil
}

func (c *memoryConn) BatchPut(ctx context.Context, recs []*record.Record, expectedVersions []uint64) ([]uint64, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.opErr != nil {
		return nil, b.opErr
	}

	// Validate every precondition before writing anything.
	for i, rec := range recs {
		var current uint64
		if existing, ok := b.records[rec.Identity().String()]; ok {
			current = existing.Version
		}
		if expectedVersions[i] != VersionAny && current != expectedVersions[i] {
			return nil, errors.Newf(errors.ErrCodeConflictDetected, "version mismatch for %s in batch", rec.Identity()).
				WithDetail("batch_index", i).
				WithDetail("stored_version", current)
		}
	}

	versions := make([]uint64, len(recs))
	for i, rec := range recs {
		version, err := b.putLocked(rec, expectedVersions[i])
		if err != nil {
			return nil, err
		}
		versions[i] = version
	}
	return versions, nil
}

func (c *memoryConn) RecordsSince(ctx context.Context, watermark time.Time) ([]*record.Record, error) {
	b := c.backend
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.opErr != nil {
		return nil, b.opErr
	}
	var out []*record.Record
	for _, rec := range b.records {
		if !rec.UpdatedAt.Before(watermark) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}
