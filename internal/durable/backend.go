// Package durable implements the resilient durable tier: a Backend driver
// behind the connection pool, circuit breaker, retry policy and plan cache.
package durable

import (
	"context"
	"time"

	"github.com/engramdb/engram/pkg/record"
)

// VersionAny disables the version precondition on Put: the write overwrites
// whatever is stored. Used by conflict resolution overrides.
const VersionAny = ^uint64(0)

// Conn is a live connection to the durable tier. It carries the pool's
// health-probe surface plus the record operations.
type Conn interface {
	// ID namespaces this connection's prepared plans.
	ID() uint64

	Ping(ctx context.Context) error
	Close() error

	// Get returns the stored record or RECORD_NOT_FOUND.
	Get(ctx context.Context, identity record.Identity) (*record.Record, error)

	// Put writes the record if the stored version equals expectedVersion
	// (0 means "must not exist", VersionAny skips the check) and returns
	// the new version. A mismatch returns CONFLICT_DETECTED carrying the
	// stored version in its details.
	Put(ctx context.Context, rec *record.Record, expectedVersion uint64) (uint64, error)

	// Delete removes the record or returns RECORD_NOT_FOUND.
	Delete(ctx context.Context, identity record.Identity) error

	// BatchGet returns one slot per identity; missing records are nil.
	BatchGet(ctx context.Context, identities []record.Identity) ([]*record.Record, error)

	// BatchPut writes all records atomically under the same version
	// precondition as Put; any mismatch fails the whole batch.
	BatchPut(ctx context.Context, recs []*record.Record, expectedVersions []uint64) ([]uint64, error)

	// RecordsSince returns records updated at or after the watermark,
	// for reconciliation sweeps.
	RecordsSince(ctx context.Context, watermark time.Time) ([]*record.Record, error)
}

// Backend dials connections to one durable store implementation.
type Backend interface {
	Name() string
	Dial(ctx context.Context) (Conn, error)
}
