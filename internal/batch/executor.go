// Package batch groups write operations for the durable tier.
package batch

import (
	"context"

	"github.com/engramdb/engram/pkg/errors"
	"github.com/engramdb/engram/pkg/logging"
	"github.com/engramdb/engram/pkg/record"

	"github.com/engramdb/engram/internal/cache"
	"github.com/engramdb/engram/internal/durable"
	"github.com/engramdb/engram/internal/syncer"
)

// Mode selects batch execution semantics
type Mode string

const (
	// ModeAtomic - all operations commit in one durable transaction or none do
	ModeAtomic Mode = "atomic"
	// ModeBestEffort - operations execute independently with per-item results
	ModeBestEffort Mode = "best_effort"
)

// Valid reports whether the mode is known.
func (m Mode) Valid() bool {
	return m == ModeAtomic || m == ModeBestEffort
}

// OpKind identifies the operation type
type OpKind int

const (
	// OpPut writes a record under a version precondition
	OpPut OpKind = iota
	// OpDelete removes a record
	OpDelete
)

// Operation is one entry in a batch
type Operation struct {
	Kind        OpKind
	Record      *record.Record  // OpPut
	Identity    record.Identity // OpDelete
	BaseVersion uint64          // OpPut precondition
}

// Result is the outcome of one operation
type Result struct {
	Index   int
	Version uint64
	Err     error
}

// Config contains batch executor configuration
type Config struct {
	// Best-effort chunk size and hard cap for atomic batches
	MaxSize int  `yaml:"max_size"`
	Mode    Mode `yaml:"mode"`
}

// DefaultConfig returns default batch configuration
func DefaultConfig() Config {
	return Config{
		MaxSize: 100,
		Mode:    ModeBestEffort,
	}
}

// Executor runs grouped operations. Atomic batches go through one durable
// transaction so breaker and retry costs are paid once per batch; best-effort
// batches run per item through the two-phase write path and report a result
// vector.
type Executor struct {
	config Config
	store  *durable.Store
	cache  *cache.Store
	engine *syncer.Engine
	logger *logging.Logger
}

// New creates a batch executor
func New(config Config, store *durable.Store, cacheStore *cache.Store, engine *syncer.Engine, logger *logging.Logger) (*Executor, error) {
	if !config.Mode.Valid() {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "batch mode %q is not one of atomic, best_effort", config.Mode)
	}
	if config.MaxSize <= 0 {
		config.MaxSize = 100
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Executor{
		config: config,
		store:  store,
		cache:  cacheStore,
		engine: engine,
		logger: logger.WithComponent("batch"),
	}, nil
}

// Execute runs the operations in the configured mode. Best-effort batches
// are chunked to MaxSize; atomic batches run as one transaction. The result
// slice always has one entry per operation, in order.
func (e *Executor) Execute(ctx context.Context, ops []Operation) ([]Result, error) {
	return e.ExecuteMode(ctx, ops, e.config.Mode)
}

// ExecuteMode runs the operations under an explicit mode, overriding the
// configured one.
func (e *Executor) ExecuteMode(ctx context.Context, ops []Operation, mode Mode) ([]Result, error) {
	if !mode.Valid() {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "batch mode %q is not one of atomic, best_effort", mode)
	}
	if len(ops) == 0 {
		return nil, nil
	}

	// An atomic batch is one durable transaction; splitting it would let a
	// later chunk fail with earlier chunks already committed. MaxSize is a
	// hard cap instead of a chunk size here.
	if mode == ModeAtomic && len(ops) > e.config.MaxSize {
		return nil, errors.Newf(errors.ErrCodeValidationFailed,
			"atomic batch of %d operations exceeds max_size %d", len(ops), e.config.MaxSize)
	}

	results := make([]Result, len(ops))
	for i := range results {
		results[i].Index = i
	}

	if mode == ModeAtomic {
		if err := e.executeAtomic(ctx, ops, results); err != nil {
			return results, err
		}
		return results, nil
	}

	failed := 0
	for start := 0; start < len(ops); start += e.config.MaxSize {
		end := start + e.config.MaxSize
		if end > len(ops) {
			end = len(ops)
		}
		failed += e.executeBestEffort(ctx, ops[start:end], results[start:end])
	}

	if failed > 0 {
		e.logger.Warn("best-effort batch completed with failures", map[string]interface{}{
			"failed": failed,
			"total":  len(ops),
		})
		return results, errors.Newf(errors.ErrCodeBatchPartialFailure, "%d of %d operations failed", failed, len(ops)).
			WithDetail("failed", failed).
			WithDetail("total", len(ops))
	}
	return results, nil
}

// executeAtomic commits the chunk in one durable transaction, then updates
// the cache. Deletes cannot join an atomic chunk: the durable tier has no
// transactional delete surface.
func (e *Executor) executeAtomic(ctx context.Context, ops []Operation, results []Result) error {
	recs := make([]*record.Record, len(ops))
	expected := make([]uint64, len(ops))
	for i, op := range ops {
		if op.Kind != OpPut {
			return errors.Newf(errors.ErrCodeValidationFailed, "atomic batches support puts only (operation %d)", results[i].Index)
		}
		if op.Record == nil || !op.Record.Identity().Valid() {
			return errors.Newf(errors.ErrCodeValidationFailed, "operation %d has no valid record", results[i].Index)
		}
		recs[i] = op.Record
		expected[i] = op.BaseVersion
	}

	versions, err := e.store.BatchPut(ctx, recs, expected)
	if err != nil {
		for i := range results {
			results[i].Err = err
		}
		return err
	}

	for i, rec := range recs {
		cached := rec.Clone()
		cached.Version = versions[i]
		e.cache.Put(cached)
		results[i].Version = versions[i]
	}
	return nil
}

// executeBestEffort runs each operation through the two-phase write path,
// recording per-item outcomes. Returns the number of failed operations.
func (e *Executor) executeBestEffort(ctx context.Context, ops []Operation, results []Result) int {
	failed := 0
	for i, op := range ops {
		switch op.Kind {
		case OpPut:
			if op.Record == nil || !op.Record.Identity().Valid() {
				results[i].Err = errors.Newf(errors.ErrCodeValidationFailed, "operation %d has no valid record", results[i].Index)
				failed++
				continue
			}
			version, err := e.engine.Write(ctx, op.Record, op.BaseVersion)
			results[i].Version = version
			results[i].Err = err
			if err != nil {
				failed++
			}
		case OpDelete:
			if !op.Identity.Valid() {
				results[i].Err = errors.Newf(errors.ErrCodeValidationFailed, "operation %d has no valid identity", results[i].Index)
				failed++
				continue
			}
			results[i].Err = e.engine.Delete(ctx, op.Identity)
			if results[i].Err != nil {
				failed++
			}
		default:
			results[i].Err = errors.Newf(errors.ErrCodeValidationFailed, "operation %d has unknown kind", results[i].Index)
			failed++
		}
	}
	return failed
}
