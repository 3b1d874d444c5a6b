// Package syncer keeps the cache tier converged with the durable tier:
// two-phase writes tracked by a journal, plus a reconciliation sweep that
// finishes what a failed or cancelled phase 2 left behind.
package syncer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/engramdb/engram/pkg/errors"
	"github.com/engramdb/engram/pkg/record"
)

// Phase tracks how far a two-phase write has progressed
type Phase int

const (
	// PhasePrepared - journal entry appended, durable write not yet confirmed
	PhasePrepared Phase = iota
	// PhaseDurableCommitted - durable write confirmed, cache not yet updated
	PhaseDurableCommitted
	// PhaseCacheCommitted - both tiers written; terminal
	PhaseCacheCommitted
	// PhaseRolledBack - durable write failed; terminal, cache untouched
	PhaseRolledBack
)

// String returns string representation of the phase
func (p Phase) String() string {
	switch p {
	case PhasePrepared:
		return "PREPARED"
	case PhaseDurableCommitted:
		return "DURABLE_COMMITTED"
	case PhaseCacheCommitted:
		return "CACHE_COMMITTED"
	case PhaseRolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

// Entry is one in-flight two-phase write
type Entry struct {
	ID          uuid.UUID
	Identity    record.Identity
	Phase       Phase
	AttemptedAt time.Time
}

// JournalStats tracks journal activity
type JournalStats struct {
	Appended   uint64 `json:"appended"`
	Committed  uint64 `json:"committed"`
	RolledBack uint64 `json:"rolled_back"`
	Backlog    int    `json:"backlog"`
}

// Journal tracks in-flight two-phase writes. Entries are removed once they
// reach a terminal phase; an entry stuck in DurableCommitted is the
// reconciliation sweep's backlog.
type Journal struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
	stats   JournalStats
}

// NewJournal creates an empty journal
func NewJournal() *Journal {
	return &Journal{entries: make(map[uuid.UUID]*Entry)}
}

// Append records the start of a two-phase write and returns its
// correlation ID.
func (j *Journal) Append(identity record.Identity) uuid.UUID {
	id := uuid.New()

	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries[id] = &Entry{
		ID:          id,
		Identity:    identity,
		Phase:       PhasePrepared,
		AttemptedAt: time.Now(),
	}
	j.stats.Appended++
	return id
}

// Advance moves an entry forward. Illegal transitions are rejected so an
// entry can never reach CacheCommitted without passing DurableCommitted.
func (j *Journal) Advance(id uuid.UUID, phase Phase) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, ok := j.entries[id]
	if !ok {
		return errors.Newf(errors.ErrCodeInvalidState, "journal entry %s not found", id)
	}

	valid := false
	switch phase {
	case PhaseDurableCommitted, PhaseRolledBack:
		valid = entry.Phase == PhasePrepared
	case PhaseCacheCommitted:
		valid = entry.Phase == PhaseDurableCommitted
	}
	if !valid {
		return errors.Newf(errors.ErrCodeInvalidState,
			"illegal journal transition %s -> %s for %s", entry.Phase, phase, entry.Identity)
	}

	entry.Phase = phase
	switch phase {
	case PhaseCacheCommitted:
		j.stats.Committed++
		delete(j.entries, id)
	case PhaseRolledBack:
		j.stats.RolledBack++
		delete(j.entries, id)
	}
	return nil
}

// Backlog returns the entries stuck in DurableCommitted: durable writes
// whose cache update never landed.
func (j *Journal) Backlog() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []Entry
	for _, entry := range j.entries {
		if entry.Phase == PhaseDurableCommitted {
			out = append(out, *entry)
		}
	}
	return out
}

// Resolve removes a backlog entry once the sweep has refreshed its cache
// state.
func (j *Journal) Resolve(id uuid.UUID) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, ok := j.entries[id]
	if ok && entry.Phase == PhaseDurableCommitted {
		j.stats.Committed++
		delete(j.entries, id)
	}
}

// Stats returns a snapshot of journal counters.
func (j *Journal) Stats() JournalStats {
	j.mu.Lock()
	defer j.mu.Unlock()

	stats := j.stats
	for _, entry := range j.entries {
		if entry.Phase == PhaseDurableCommitted {
			stats.Backlog++
		}
	}
	return stats
}
