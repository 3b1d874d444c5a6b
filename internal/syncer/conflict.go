package syncer

import (
	"context"

	"github.com/engramdb/engram/pkg/errors"
	"github.com/engramdb/engram/pkg/record"
)

// Policy selects how a version conflict is resolved. There is no default:
// configuration must choose one explicitly.
type Policy string

const (
	// PolicyLastWriteWins keeps whichever record has the newer timestamp
	PolicyLastWriteWins Policy = "last_write_wins"
	// PolicyDurableWins rejects the incoming write with CONFLICT_DETECTED
	PolicyDurableWins Policy = "durable_wins"
	// PolicyMerge resolves through a caller-supplied merge callback
	PolicyMerge Policy = "merge"
)

// Valid reports whether the policy names a known resolution strategy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyLastWriteWins, PolicyDurableWins, PolicyMerge:
		return true
	}
	return false
}

// MergeFunc combines the stored and incoming records into the record that
// wins the conflict.
type MergeFunc func(stored, incoming *record.Record) (*record.Record, error)

// resolveAttempts bounds the CAS loop when the stored version keeps moving
// under a resolution write.
const resolveAttempts = 3

// resolveConflict runs after a Put failed its version precondition. It
// re-reads the stored record and applies the configured policy, writing the
// winner back under the fresh version. Returns the winning record and its
// new durable version.
func (e *Engine) resolveConflict(ctx context.Context, incoming *record.Record, baseVersion uint64) (*record.Record, uint64, error) {
	for attempt := 0; attempt < resolveAttempts; attempt++ {
		stored, err := e.store.Get(ctx, incoming.Identity())
		if err != nil {
			if errors.CodeOf(err) == errors.ErrCodeRecordNotFound {
				// Deleted underneath us; retry the original write from zero.
				if version, putErr := e.store.Put(ctx, incoming, 0); putErr == nil {
					return incoming, version, nil
				} else if errors.CodeOf(putErr) != errors.ErrCodeConflictDetected {
					return nil, 0, putErr
				}
				continue
			}
			return nil, 0, err
		}

		winner, err := e.pickWinner(stored, incoming, baseVersion)
		if err != nil {
			return nil, 0, err
		}

		version, err := e.store.Put(ctx, winner, stored.Version)
		if err == nil {
			e.mu.Lock()
			e.stats.ConflictsResolved++
			e.mu.Unlock()
			return winner, version, nil
		}
		if errors.CodeOf(err) != errors.ErrCodeConflictDetected {
			return nil, 0, err
		}
		// Lost the race again; re-read and re-resolve.
	}

	e.mu.Lock()
	e.stats.ConflictsRejected++
	e.mu.Unlock()
	return nil, 0, errors.Newf(errors.ErrCodeConflictDetected,
		"conflict on %s unresolved after %d attempts", incoming.Identity(), resolveAttempts)
}

// pickWinner applies the conflict policy.
func (e *Engine) pickWinner(stored, incoming *record.Record, baseVersion uint64) (*record.Record, error) {
	switch e.config.ConflictPolicy {
	case PolicyLastWriteWins:
		if incoming.UpdatedAt.After(stored.UpdatedAt) {
			return incoming, nil
		}
		return nil, e.rejected(stored, baseVersion, "stored record is newer")

	case PolicyDurableWins:
		return nil, e.rejected(stored, baseVersion, "durable version wins")

	case PolicyMerge:
		if e.merge == nil {
			return nil, e.rejected(stored, baseVersion, "no merge callback configured")
		}
		merged, err := e.merge(stored.Clone(), incoming.Clone())
		if err != nil {
			return nil, e.rejected(stored, baseVersion, "merge callback failed").WithCause(err)
		}
		return merged, nil

	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown conflict policy %q", e.config.ConflictPolicy)
	}
}

func (e *Engine) rejected(stored *record.Record, baseVersion uint64, reason string) *errors.EngramError {
	e.mu.Lock()
	e.stats.ConflictsRejected++
	e.mu.Unlock()

	return errors.Newf(errors.ErrCodeConflictDetected, "write to %s rejected: %s", stored.Identity(), reason).
		WithDetail("base_version", baseVersion).
		WithDetail("stored_version", stored.Version).
		WithDetail("policy", string(e.config.ConflictPolicy))
}
