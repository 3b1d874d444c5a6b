// Package prepared caches compiled query plans per connection.
package prepared

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Statement is a compiled query plan held by the cache.
type Statement interface {
	Close() error
}

// CompileFunc compiles a query into a plan on a specific connection.
type CompileFunc func(ctx context.Context, query string) (Statement, error)

// Config contains plan cache configuration
type Config struct {
	// Plans kept per connection before LRU eviction
	Capacity int `yaml:"capacity"`

	// Plans older than this are recompiled on next use
	MaxAge time.Duration `yaml:"max_age"`
}

// DefaultConfig returns default plan cache configuration
func DefaultConfig() Config {
	return Config{
		Capacity: 128,
		MaxAge:   time.Hour,
	}
}

// Stats tracks plan cache statistics
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Recompiles  uint64 `json:"recompiles"`
	Connections int    `json:"connections"`
	Plans       int    `json:"plans"`
}

// planEntry represents a cached plan
type planEntry struct {
	query      string
	stmt       Statement
	compiledAt time.Time
	element    *list.Element
}

// connCache holds one connection's plan namespace
type connCache struct {
	plans     map[string]*planEntry
	evictList *list.List
}

// Cache is an LRU of compiled query plans keyed by query shape, namespaced
// per connection. Plans are keyed by SQL text, never by parameter values.
type Cache struct {
	config Config

	mu    sync.Mutex
	conns map[uint64]*connCache
	stats Stats
}

var connIDCounter atomic.Uint64

// NextConnID allocates a process-unique connection ID for namespacing.
func NextConnID() uint64 {
	return connIDCounter.Add(1)
}

// New creates a plan cache
func New(config Config) *Cache {
	if config.Capacity <= 0 {
		config.Capacity = 128
	}
	return &Cache{
		config: config,
		conns:  make(map[uint64]*connCache),
	}
}

// Get returns the cached plan for the query on the given connection,
// compiling and inserting it on a miss. A plan past its max age is closed
// and recompiled.
func (c *Cache) Get(ctx context.Context, connID uint64, query string, compile CompileFunc) (Statement, error) {
	c.mu.Lock()

	cc := c.conns[connID]
	if cc == nil {
		cc = &connCache{
			plans:     make(map[string]*planEntry),
			evictList: list.New(),
		}
		c.conns[connID] = cc
	}

	if entry, ok := cc.plans[query]; ok {
		if c.config.MaxAge <= 0 || time.Since(entry.compiledAt) <= c.config.MaxAge {
			cc.evictList.MoveToFront(entry.element)
			c.stats.Hits++
			stmt := entry.stmt
			c.mu.Unlock()
			return stmt, nil
		}
		// Aged out: drop the stale plan and fall through to recompile.
		c.removeEntry(cc, entry)
		c.stats.Recompiles++
		c.mu.Unlock()
		_ = entry.stmt.Close()
		c.mu.Lock()
	} else {
		c.stats.Misses++
	}
	c.mu.Unlock()

	// Compile outside the lock; plan compilation can hit the backend.
	stmt, err := compile(ctx, query)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cc = c.conns[connID]
	if cc == nil {
		// Connection was closed while compiling; hand the plan back uncached.
		return stmt, nil
	}
	if existing, ok := cc.plans[query]; ok {
		// Another caller compiled the same shape first; keep theirs.
		cc.evictList.MoveToFront(existing.element)
		go func() { _ = stmt.Close() }()
		return existing.stmt, nil
	}

	entry := &planEntry{
		query:      query,
		stmt:       stmt,
		compiledAt: time.Now(),
	}
	entry.element = cc.evictList.PushFront(entry)
	cc.plans[query] = entry

	for len(cc.plans) > c.config.Capacity {
		c.evictOldest(cc)
	}

	return stmt, nil
}

// CloseConn clears a connection's plan namespace, closing every plan.
func (c *Cache) CloseConn(connID uint64) {
	c.mu.Lock()
	cc := c.conns[connID]
	delete(c.conns, connID)
	c.mu.Unlock()

	if cc == nil {
		return
	}
	for _, entry := range cc.plans {
		_ = entry.stmt.Close()
	}
}

// Stats returns a snapshot of plan cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Connections = len(c.conns)
	for _, cc := range c.conns {
		stats.Plans += len(cc.plans)
	}
	return stats
}

// Len returns the number of plans cached for a connection.
func (c *Cache) Len(connID uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cc := c.conns[connID]
	if cc == nil {
		return 0
	}
	return len(cc.plans)
}

// evictOldest removes the least-recently-used plan. Caller holds c.mu.
func (c *Cache) evictOldest(cc *connCache) {
	element := cc.evictList.Back()
	if element == nil {
		return
	}
	entry := element.Value.(*planEntry)
	c.removeEntry(cc, entry)
	c.stats.Evictions++
	go func() { _ = entry.stmt.Close() }()
}

// removeEntry unlinks an entry from the namespace. Caller holds c.mu.
func (c *Cache) removeEntry(cc *connCache, entry *planEntry) {
	cc.evictList.Remove(entry.element)
	delete(cc.plans, entry.query)
}
