// Package record defines the opaque record contract shared by the storage
// engine and its collaborators. The engine never inspects payload contents;
// collaborators own serialization to and from the payload bytes.
package record

import (
	"fmt"
	"hash/crc32"
	"time"
)

// Kind discriminates the stored item families. Collaborators may define
// additional kinds; the engine treats the value as opaque.
type Kind string

const (
	KindEpisode   Kind = "episode"
	KindPattern   Kind = "pattern"
	KindHeuristic Kind = "heuristic"
	KindEmbedding Kind = "embedding"
)

// Identity uniquely identifies a record as (kind, id).
type Identity struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// String returns the canonical "kind/id" form used in logs and error context.
func (i Identity) String() string {
	return fmt.Sprintf("%s/%s", i.Kind, i.ID)
}

// Valid reports whether both halves of the identity are present.
func (i Identity) Valid() bool {
	return i.Kind != "" && i.ID != ""
}

// Record is the unit of storage. The durable copy is the single source of
// truth; any cache copy is a possibly-stale mirror.
type Record struct {
	Kind      Kind      `json:"kind"`
	ID        string    `json:"id"`
	Version   uint64    `json:"version"`
	Payload   []byte    `json:"payload"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identity returns the (kind, id) identity of the record.
func (r *Record) Identity() Identity {
	return Identity{Kind: r.Kind, ID: r.ID}
}

// Clone returns a deep copy. Callers across tier boundaries receive clones so
// no caller can mutate a tier's internal copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	dup := *r
	if r.Payload != nil {
		dup.Payload = make([]byte, len(r.Payload))
		copy(dup.Payload, r.Payload)
	}
	return &dup
}

// Checksum returns a CRC-32 over the payload, used by the cache tier to
// detect corrupt entries without interpreting the payload.
func (r *Record) Checksum() uint32 {
	return crc32.ChecksumIEEE(r.Payload)
}
