package durable

import (
	"context"
	"time"

	"github.com/engramdb/engram/pkg/errors"
	"github.com/engramdb/engram/pkg/logging"
	"github.com/engramdb/engram/pkg/record"
	"github.com/engramdb/engram/pkg/retry"

	"github.com/engramdb/engram/internal/circuit"
	"github.com/engramdb/engram/internal/pool"
)

// Config contains durable store configuration
type Config struct {
	Pool    pool.Config    `yaml:"pool"`
	Breaker circuit.Config `yaml:"breaker"`
	Retry   retry.Config   `yaml:"retry"`
}

// DefaultConfig returns default durable store configuration
func DefaultConfig() Config {
	return Config{
		Pool:    pool.DefaultConfig(),
		Breaker: circuit.Config{},
		Retry:   retry.DefaultConfig(),
	}
}

// Stats aggregates the resilience stack's counters
type Stats struct {
	Backend string        `json:"backend"`
	Pool    pool.Stats    `json:"pool"`
	Breaker circuit.Stats `json:"breaker"`
}

// Store is the durable tier facade. Every operation runs
// acquire -> breaker -> retry -> release; the release is deferred so the
// connection goes back to the pool on every exit path.
type Store struct {
	backend Backend
	pool    *pool.Pool
	breaker *circuit.Breaker
	retryer *retry.Retryer
	logger  *logging.Logger
}

// NewStore creates the durable store and dials the initial connections.
func NewStore(ctx context.Context, config Config, backend Backend, logger *logging.Logger) (*Store, error) {
	if backend == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "backend cannot be nil")
	}
	if logger == nil {
		logger = logging.Discard()
	}

	breakerConfig := config.Breaker
	if breakerConfig.IsSuccessful == nil {
		breakerConfig.IsSuccessful = isBackendHealthy
	}

	connPool, err := pool.New(ctx, config.Pool, func(ctx context.Context) (pool.Conn, error) {
		return backend.Dial(ctx)
	}, logger)
	if err != nil {
		return nil, err
	}

	return &Store{
		backend: backend,
		pool:    connPool,
		breaker: circuit.New(breakerConfig),
		retryer: retry.New(config.Retry),
		logger:  logger.WithComponent("durable"),
	}, nil
}

// isBackendHealthy keeps structural outcomes from tripping the breaker:
// a missing record or a version conflict says nothing about backend health.
func isBackendHealthy(err error) bool {
	if err == nil {
		return true
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeRecordNotFound,
		errors.ErrCodeConflictDetected,
		errors.ErrCodeValidationFailed,
		errors.ErrCodeOperationCanceled:
		return true
	}
	return false
}

// execute runs op through the full resilience stack.
func (s *Store) execute(ctx context.Context, name string, op func(ctx context.Context, conn Conn) error) error {
	pc, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}

	discard := false
	defer func() {
		if r := recover(); r != nil {
			s.pool.Discard(ctx, pc)
			panic(r)
		}
		if discard {
			s.pool.Discard(ctx, pc)
		} else {
			s.pool.Release(pc)
		}
	}()

	conn := pc.Handle.(Conn)
	err = s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			return op(ctx, conn)
		})
	})
	if err == nil {
		return nil
	}

	switch errors.CodeOf(err) {
	case errors.ErrCodeRetryExhausted:
		discard = true
		s.logger.Error("durable tier unavailable", map[string]interface{}{
			"operation": name,
			"backend":   s.backend.Name(),
			"error":     err.Error(),
		})
		return errors.Newf(errors.ErrCodeDurableUnavailable, "durable tier unavailable for %s", name).
			WithCause(err).
			WithOperation(name)
	case errors.ErrCodeConnectionFailed, errors.ErrCodeConnectionStale, errors.ErrCodeConnectionTimeout:
		discard = true
	}
	return err
}

// Get returns the stored record or RECORD_NOT_FOUND.
func (s *Store) Get(ctx context.Context, identity record.Identity) (*record.Record, error) {
	var rec *record.Record
	err := s.execute(ctx, "get", func(ctx context.Context, conn Conn) error {
		var opErr error
		rec, opErr = conn.Get(ctx, identity)
		return opErr
	})
	return rec, err
}

// Put writes the record under a version precondition and returns the new
// version. See Conn.Put for the precondition semantics.
func (s *Store) Put(ctx context.Context, rec *record.Record, expectedVersion uint64) (uint64, error) {
	var version uint64
	err := s.execute(ctx, "put", func(ctx context.Context, conn Conn) error {
		var opErr error
		version, opErr = conn.Put(ctx, rec, expectedVersion)
		return opErr
	})
	return version, err
}

// Delete removes the record or returns RECORD_NOT_FOUND.
func (s *Store) Delete(ctx context.Context, identity record.Identity) error {
	return s.execute(ctx, "delete", func(ctx context.Context, conn Conn) error {
		return conn.Delete(ctx, identity)
	})
}

// BatchGet returns one slot per identity; missing records are nil.
func (s *Store) BatchGet(ctx context.Context, identities []record.Identity) ([]*record.Record, error) {
	var recs []*record.Record
	err := s.execute(ctx, "batch_get", func(ctx context.Context, conn Conn) error {
		var opErr error
		recs, opErr = conn.BatchGet(ctx, identities)
		return opErr
	})
	return recs, err
}

// BatchPut writes all records atomically; any version mismatch fails the
// whole batch.
func (s *Store) BatchPut(ctx context.Context, recs []*record.Record, expectedVersions []uint64) ([]uint64, error) {
	if len(recs) != len(expectedVersions) {
		return nil, errors.Newf(errors.ErrCodeValidationFailed,
			"batch has %d records but %d version preconditions", len(recs), len(expectedVersions))
	}
	var versions []uint64
	err := s.execute(ctx, "batch_put", func(ctx context.Context, conn Conn) error {
		var opErr error
		versions, opErr = conn.BatchPut(ctx, recs, expectedVersions)
		return opErr
	})
	return versions, err
}

// RecordsSince returns records updated at or after the watermark.
func (s *Store) RecordsSince(ctx context.Context, watermark time.Time) ([]*record.Record, error) {
	var recs []*record.Record
	err := s.execute(ctx, "records_since", func(ctx context.Context, conn Conn) error {
		var opErr error
		recs, opErr = conn.RecordsSince(ctx, watermark)
		return opErr
	})
	return recs, err
}

// Health pings the backend through the stack without retries inflating the
// result.
func (s *Store) Health(ctx context.Context) error {
	pc, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(pc)
	return pc.Handle.(Conn).Ping(ctx)
}

// Breaker exposes the circuit breaker for observation and manual reset.
func (s *Store) Breaker() *circuit.Breaker {
	return s.breaker
}

// Stats returns a snapshot of the resilience stack counters.
func (s *Store) Stats() Stats {
	return Stats{
		Backend: s.backend.Name(),
		Pool:    s.pool.Stats(),
		Breaker: s.breaker.GetStats(),
	}
}

// Close shuts down the pool and its connections.
func (s *Store) Close() error {
	return s.pool.Close()
}
