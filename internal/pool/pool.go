// Package pool manages the bounded set of durable-tier connections.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/engramdb/engram/pkg/errors"
	"github.com/engramdb/engram/pkg/logging"
)

// Conn is the backend connection handle managed by the pool.
type Conn interface {
	Ping(ctx context.Context) error
	Close() error
}

// Factory dials a new backend connection.
type Factory func(ctx context.Context) (Conn, error)

// ConnState represents the lifecycle state of a pooled connection
type ConnState int

const (
	// StateIdle - connection is available in the pool
	StateIdle ConnState = iota
	// StateInUse - connection is checked out by a caller
	StateInUse
	// StateStale - connection failed a keep-alive probe or idled too long
	StateStale
	// StateClosed - connection has been closed and its slot vacated
	StateClosed
)

// String returns string representation of the connection state
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateInUse:
		return "IN_USE"
	case StateStale:
		return "STALE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// PoolConnection wraps a backend connection with pool bookkeeping.
type PoolConnection struct {
	Handle Conn

	createdAt  time.Time
	lastUsedAt time.Time
	state      ConnState
	slot       int
}

// Config contains connection pool configuration
type Config struct {
	MinConnections int           `yaml:"min_connections"`
	MaxConnections int           `yaml:"max_connections"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// Keep-alive
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	StaleThreshold    time.Duration `yaml:"stale_threshold"`

	// Adaptive sizing
	CheckInterval      time.Duration `yaml:"check_interval"`
	ScaleUpThreshold   float64       `yaml:"scale_up_threshold"`
	ScaleDownThreshold float64       `yaml:"scale_down_threshold"`
	ScaleUpIncrement   int           `yaml:"scale_up_increment"`
	ScaleDownDecrement int           `yaml:"scale_down_decrement"`
	ScaleUpCooldown    time.Duration `yaml:"scale_up_cooldown"`
	ScaleDownCooldown  time.Duration `yaml:"scale_down_cooldown"`
}

// DefaultConfig returns default pool configuration
func DefaultConfig() Config {
	return Config{
		MinConnections:     2,
		MaxConnections:     20,
		AcquireTimeout:     5 * time.Second,
		KeepaliveInterval:  30 * time.Second,
		StaleThreshold:     5 * time.Minute,
		CheckInterval:      5 * time.Second,
		ScaleUpThreshold:   0.7,
		ScaleDownThreshold: 0.3,
		ScaleUpIncrement:   5,
		ScaleDownDecrement: 5,
		ScaleUpCooldown:    10 * time.Second,
		ScaleDownCooldown:  30 * time.Second,
	}
}

// Stats tracks connection pool statistics
type Stats struct {
	Size          int           `json:"size"`
	InUse         int           `json:"in_use"`
	Idle          int           `json:"idle"`
	MinSize       int           `json:"min_size"`
	MaxSize       int           `json:"max_size"`
	Acquired      int64         `json:"acquired"`
	Timeouts      int64         `json:"timeouts"`
	Created       int64         `json:"created"`
	Destroyed     int64         `json:"destroyed"`
	StaleRecycled int64         `json:"stale_recycled"`
	ScaleUps      int64         `json:"scale_ups"`
	ScaleDowns    int64         `json:"scale_downs"`
	TotalWaitTime time.Duration `json:"total_wait_time"`
	LastScaleAt   time.Time     `json:"last_scale_at,omitempty"`
}

// Pool is a bounded connection pool with keep-alive probing and
// utilization-driven resizing. Slots hold connections; the idle channel
// carries indices of slots ready to be handed out.
type Pool struct {
	config  Config
	factory Factory
	logger  *logging.Logger

	mu     sync.Mutex
	slots  []*PoolConnection
	size   int
	inUse  int
	closed bool
	stats  Stats

	lastScaleUp   time.Time
	lastScaleDown time.Time

	idle    chan int
	stopCh  chan struct{}
	stopped sync.WaitGroup
}

// New creates a pool and dials the minimum number of connections. Background
// keep-alive and resize loops start immediately.
func New(ctx context.Context, config Config, factory Factory, logger *logging.Logger) (*Pool, error) {
	if factory == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "connection factory cannot be nil")
	}
	if config.MinConnections <= 0 {
		config.MinConnections = 1
	}
	if config.MaxConnections < config.MinConnections {
		config.MaxConnections = config.MinConnections
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}

	p := &Pool{
		config:  config,
		factory: factory,
		logger:  logger.WithComponent("pool"),
		slots:   make([]*PoolConnection, config.MaxConnections),
		idle:    make(chan int, config.MaxConnections),
		stopCh:  make(chan struct{}),
		stats: Stats{
			MinSize: config.MinConnections,
			MaxSize: config.MaxConnections,
		},
	}

	for i := 0; i < config.MinConnections; i++ {
		if err := p.dialSlot(ctx, i); err != nil {
			_ = p.Close()
			return nil, err
		}
		p.idle <- i
	}

	if config.KeepaliveInterval > 0 {
		p.stopped.Add(1)
		go p.keepaliveLoop()
	}
	if config.CheckInterval > 0 {
		p.stopped.Add(1)
		go p.resizeLoop()
	}

	return p, nil
}

// Acquire checks out a connection, waiting until one is free, the configured
// acquire timeout elapses, or ctx is cancelled. A connection found stale on
// checkout is redialed in place.
func (p *Pool) Acquire(ctx context.Context) (*PoolConnection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.NewError(errors.ErrCodePoolClosed, "connection pool is closed")
	}
	p.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(p.config.AcquireTimeout)
	defer timer.Stop()

	for {
		select {
		case slot, ok := <-p.idle:
			if !ok {
				return nil, errors.NewError(errors.ErrCodePoolClosed, "connection pool is closed")
			}
			conn, err := p.checkout(ctx, slot, time.Since(start))
			if err != nil {
				return nil, err
			}
			if conn == nil {
				// Slot was vacated by a shrink; keep waiting.
				continue
			}
			return conn, nil

		case <-timer.C:
			p.mu.Lock()
			p.stats.Timeouts++
			p.mu.Unlock()
			return nil, errors.NewError(errors.ErrCodePoolTimeout, "timed out waiting for a connection").
				WithDetail("acquire_timeout", p.config.AcquireTimeout.String())

		case <-ctx.Done():
			return nil, errors.NewError(errors.ErrCodeOperationCanceled, "acquire cancelled").
				WithCause(ctx.Err())
		}
	}
}

// checkout transitions a slot to InUse, redialing it first if it went stale.
func (p *Pool) checkout(ctx context.Context, slot int, waited time.Duration) (*PoolConnection, error) {
	p.mu.Lock()
	conn := p.slots[slot]
	if conn == nil {
		p.mu.Unlock()
		return nil, nil
	}

	if conn.state == StateStale || conn.state == StateClosed {
		p.mu.Unlock()
		if err := p.recycleSlot(ctx, slot); err != nil {
			return nil, err
		}
		p.mu.Lock()
		conn = p.slots[slot]
		if conn == nil {
			p.mu.Unlock()
			return nil, nil
		}
	}

	conn.state = StateInUse
	conn.lastUsedAt = time.Now()
	p.inUse++
	p.stats.Acquired++
	p.stats.TotalWaitTime += waited
	p.mu.Unlock()

	return conn, nil
}

// Release returns a connection to the pool. Safe to call on all exit paths;
// releasing into a closed pool closes the connection.
func (p *Pool) Release(conn *PoolConnection) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if conn.state == StateInUse {
		p.inUse--
	}
	if p.closed {
		conn.state = StateClosed
		p.mu.Unlock()
		_ = conn.Handle.Close()
		return
	}
	conn.state = StateIdle
	conn.lastUsedAt = time.Now()
	p.mu.Unlock()

	p.idle <- conn.slot
}

// Discard returns a connection the caller believes is broken. The slot is
// redialed before it rejoins the idle set.
func (p *Pool) Discard(ctx context.Context, conn *PoolConnection) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if conn.state == StateInUse {
		p.inUse--
	}
	conn.state = StateStale
	closed := p.closed
	p.mu.Unlock()

	if closed {
		_ = conn.Handle.Close()
		return
	}

	if err := p.recycleSlot(ctx, conn.slot); err != nil {
		p.logger.Warn("failed to redial discarded connection", map[string]interface{}{
			"slot":  conn.slot,
			"error": err.Error(),
		})
		return
	}
	p.idle <- conn.slot
}

// Stats returns a snapshot of pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	stats.Size = p.size
	stats.InUse = p.inUse
	stats.Idle = len(p.idle)
	return stats
}

// Close stops the background loops and closes every connection. In-use
// connections are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)
	p.stopped.Wait()

	for {
		select {
		case slot := <-p.idle:
			p.closeSlot(slot)
		default:
			return nil
		}
	}
}

// dialSlot dials a fresh connection into the given slot. Caller must ensure
// the slot is not in the idle channel.
func (p *Pool) dialSlot(ctx context.Context, slot int) error {
	handle, err := p.factory(ctx)
	if err != nil {
		return errors.NewError(errors.ErrCodeConnectionFailed, "failed to dial durable tier").
			WithCause(err).
			WithRetryable(true)
	}

	now := time.Now()
	p.mu.Lock()
	if p.slots[slot] == nil {
		p.size++
	}
	p.slots[slot] = &PoolConnection{
		Handle:     handle,
		createdAt:  now,
		lastUsedAt: now,
		state:      StateIdle,
		slot:       slot,
	}
	p.stats.Created++
	p.mu.Unlock()

	return nil
}

// recycleSlot closes the slot's current connection and dials a replacement.
func (p *Pool) recycleSlot(ctx context.Context, slot int) error {
	p.mu.Lock()
	conn := p.slots[slot]
	if conn != nil {
		conn.state = StateClosed
		p.stats.Destroyed++
		p.stats.StaleRecycled++
	}
	p.mu.Unlock()

	if conn != nil {
		_ = conn.Handle.Close()
	}
	if err := p.dialSlot(ctx, slot); err != nil {
		// Vacate the slot; it is refilled when a scale-up needs it.
		p.mu.Lock()
		if p.slots[slot] != nil {
			p.slots[slot] = nil
			p.size--
		}
		p.mu.Unlock()
		return err
	}
	return nil
}

// closeSlot closes and vacates a slot permanently. Used by shrink and Close.
func (p *Pool) closeSlot(slot int) {
	p.mu.Lock()
	conn := p.slots[slot]
	if conn == nil {
		p.mu.Unlock()
		return
	}
	conn.state = StateClosed
	p.slots[slot] = nil
	p.size--
	p.stats.Destroyed++
	p.mu.Unlock()

	_ = conn.Handle.Close()
}
