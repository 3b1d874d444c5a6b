// Package cache implements the in-process hot tier: an LRU with per-entry
// adaptive TTL. Reads never touch the durable tier.
package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"

	"github.com/engramdb/engram/pkg/logging"
	"github.com/engramdb/engram/pkg/record"
)

// Config contains cache store configuration
type Config struct {
	MaxEntries int           `yaml:"max_entries"`
	MinTTL     time.Duration `yaml:"min_ttl"`
	MaxTTL     time.Duration `yaml:"max_ttl"`

	// Entries accessed at least HotThreshold times extend their TTL toward
	// MaxTTL; entries below ColdThreshold decay toward MinTTL.
	HotThreshold   int64   `yaml:"hot_threshold"`
	ColdThreshold  int64   `yaml:"cold_threshold"`
	AdaptationRate float64 `yaml:"adaptation_rate"`

	SweepInterval time.Duration `yaml:"sweep_interval"`
	Shards        int           `yaml:"shards"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() Config {
	return Config{
		MaxEntries:     10000,
		MinTTL:         time.Minute,
		MaxTTL:         30 * time.Minute,
		HotThreshold:   5,
		ColdThreshold:  2,
		AdaptationRate: 0.2,
		SweepInterval:  30 * time.Second,
		Shards:         16,
	}
}

// Stats tracks cache effectiveness
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Expired   uint64  `json:"expired"`
	Corrupt   uint64  `json:"corrupt"`
	Entries   int     `json:"entries"`
	Capacity  int     `json:"capacity"`
	HitRate   float64 `json:"hit_rate"`
}

// cacheEntry holds a cached record with its adaptive TTL state
type cacheEntry struct {
	key          string
	rec          *record.Record
	checksum     uint32
	ttl          time.Duration
	storedAt     time.Time
	lastAccessAt time.Time
	accessCount  int64
	element      *list.Element
}

// shard serializes mutation for one region of the key space
type shard struct {
	mu        sync.Mutex
	items     map[string]*cacheEntry
	evictList *list.List
	capacity  int

	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64
	corrupt   uint64
}

// Store is the sharded hot tier. Locking is per shard so writers to
// different key regions never contend on a single lock.
type Store struct {
	config Config
	shards []*shard
	logger *logging.Logger

	stopCh  chan struct{}
	stopped chan struct{}
}

// New creates the cache store and starts the eviction sweep.
func New(config Config, logger *logging.Logger) *Store {
	if config.MaxEntries <= 0 {
		config.MaxEntries = 10000
	}
	if config.Shards <= 0 {
		config.Shards = 16
	}
	if config.MinTTL <= 0 {
		config.MinTTL = time.Minute
	}
	if config.MaxTTL < config.MinTTL {
		config.MaxTTL = config.MinTTL
	}
	if config.AdaptationRate <= 0 || config.AdaptationRate > 1 {
		config.AdaptationRate = 0.2
	}
	if logger == nil {
		logger = logging.Discard()
	}

	perShard := config.MaxEntries / config.Shards
	if perShard < 1 {
		perShard = 1
	}

	s := &Store{
		config:  config,
		shards:  make([]*shard, config.Shards),
		logger:  logger.WithComponent("cache"),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			items:     make(map[string]*cacheEntry),
			evictList: list.New(),
			capacity:  perShard,
		}
	}

	if config.SweepInterval > 0 {
		go s.sweepLoop()
	} else {
		close(s.stopped)
	}

	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[int(h.Sum32())%len(s.shards)]
}

// Get returns the cached record, if present and fresh. An entry whose
// payload no longer matches its checksum counts as a miss and is evicted.
func (s *Store) Get(identity record.Identity) (*record.Record, bool) {
	key := identity.String()
	sh := s.shardFor(key)
	now := time.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	entry, ok := sh.items[key]
	if !ok {
		sh.misses++
		return nil, false
	}

	if now.Sub(entry.lastAccessAt) > entry.ttl {
		sh.remove(entry)
		sh.expired++
		sh.misses++
		return nil, false
	}

	if entry.rec.Checksum() != entry.checksum {
		sh.remove(entry)
		sh.corrupt++
		sh.misses++
		s.logger.Warn("evicted corrupt cache entry", map[string]interface{}{
			"key": key,
		})
		return nil, false
	}

	entry.lastAccessAt = now
	entry.accessCount++
	s.adaptTTL(entry)
	sh.evictList.MoveToFront(entry.element)
	sh.hits++

	return entry.rec.Clone(), true
}

// Put stores a copy of the record, evicting the least-recently-used entry
// if the shard is at capacity.
func (s *Store) Put(rec *record.Record) {
	if rec == nil {
		return
	}
	key := rec.Identity().String()
	sh := s.shardFor(key)
	now := time.Now()
	stored := rec.Clone()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if entry, ok := sh.items[key]; ok {
		entry.rec = stored
		entry.checksum = stored.Checksum()
		entry.storedAt = now
		entry.lastAccessAt = now
		entry.accessCount++
		s.adaptTTL(entry)
		sh.evictList.MoveToFront(entry.element)
		return
	}

	entry := &cacheEntry{
		key:          key,
		rec:          stored,
		checksum:     stored.Checksum(),
		ttl:          s.config.MinTTL,
		storedAt:     now,
		lastAccessAt: now,
		accessCount:  1,
	}
	entry.element = sh.evictList.PushFront(entry)
	sh.items[key] = entry

	for len(sh.items) > sh.capacity {
		sh.evictOldest()
	}
}

// Invalidate drops the entry for the identity, if cached.
func (s *Store) Invalidate(identity record.Identity) {
	key := identity.String()
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if entry, ok := sh.items[key]; ok {
		sh.remove(entry)
	}
}

// Clear drops every entry.
func (s *Store) Clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.items = make(map[string]*cacheEntry)
		sh.evictList.Init()
		sh.mu.Unlock()
	}
}

// Stats aggregates counters across shards.
func (s *Store) Stats() Stats {
	stats := Stats{Capacity: s.config.MaxEntries}
	for _, sh := range s.shards {
		sh.mu.Lock()
		stats.Hits += sh.hits
		stats.Misses += sh.misses
		stats.Evictions += sh.evictions
		stats.Expired += sh.expired
		stats.Corrupt += sh.corrupt
		stats.Entries += len(sh.items)
		sh.mu.Unlock()
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Close stops the background sweep.
func (s *Store) Close() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.stopped
}

// adaptTTL moves an entry's TTL toward MaxTTL when it is hot and toward
// MinTTL when it is cold. Caller holds the shard lock.
func (s *Store) adaptTTL(entry *cacheEntry) {
	rate := s.config.AdaptationRate
	switch {
	case entry.accessCount >= s.config.HotThreshold:
		entry.ttl += time.Duration(float64(s.config.MaxTTL-entry.ttl) * rate)
	case entry.accessCount < s.config.ColdThreshold:
		entry.ttl -= time.Duration(float64(entry.ttl-s.config.MinTTL) * rate)
	}
	if entry.ttl > s.config.MaxTTL {
		entry.ttl = s.config.MaxTTL
	}
	if entry.ttl < s.config.MinTTL {
		entry.ttl = s.config.MinTTL
	}
}

// remove unlinks an entry. Caller holds the shard lock.
func (sh *shard) remove(entry *cacheEntry) {
	sh.evictList.Remove(entry.element)
	delete(sh.items, entry.key)
}

// evictOldest removes the least-recently-used entry. Caller holds the
// shard lock.
func (sh *shard) evictOldest() {
	element := sh.evictList.Back()
	if element == nil {
		return
	}
	sh.remove(element.Value.(*cacheEntry))
	sh.evictions++
}

// sweepLoop periodically removes expired entries and trims shards beyond
// capacity, oldest last-access first.
func (s *Store) sweepLoop() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	now := time.Now()
	removed := 0

	for _, sh := range s.shards {
		sh.mu.Lock()
		var expired []*cacheEntry
		for _, entry := range sh.items {
			if now.Sub(entry.lastAccessAt) > entry.ttl {
				expired = append(expired, entry)
			}
		}
		for _, entry := range expired {
			sh.remove(entry)
			sh.expired++
		}
		for len(sh.items) > sh.capacity {
			sh.evictOldest()
		}
		removed += len(expired)
		sh.mu.Unlock()
	}

	if removed > 0 {
		s.logger.Debug("cache sweep complete", map[string]interface{}{
			"expired": removed,
		})
	}
}
