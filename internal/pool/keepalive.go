package pool

import (
	"context"
	"time"
)

// keepaliveLoop periodically probes idle connections. A connection that
// fails its ping, or has sat idle past the stale threshold, is marked stale
// and recycled before it rejoins the idle set.
func (p *Pool) keepaliveLoop() {
	defer p.stopped.Done()

	ticker := time.NewTicker(p.config.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probeIdle()
		}
	}
}

// probeIdle drains the currently idle slots, pings each, and returns them.
// Only slots idle at sweep start are touched so checked-out connections are
// never probed.
func (p *Pool) probeIdle() {
	count := len(p.idle)
	for i := 0; i < count; i++ {
		var slot int
		select {
		case slot = <-p.idle:
		default:
			return
		}

		if !p.probeSlot(slot) {
			continue
		}

		select {
		case p.idle <- slot:
		case <-p.stopCh:
			p.closeSlot(slot)
			return
		}
	}
}

// probeSlot reports whether the slot should rejoin the idle set.
func (p *Pool) probeSlot(slot int) bool {
	p.mu.Lock()
	conn := p.slots[slot]
	if conn == nil || conn.state != StateIdle {
		p.mu.Unlock()
		return conn != nil
	}
	idleFor := time.Since(conn.lastUsedAt)
	handle := conn.Handle
	p.mu.Unlock()

	stale := idleFor > p.config.StaleThreshold
	if !stale {
		ctx, cancel := context.WithTimeout(context.Background(), p.config.KeepaliveInterval)
		err := handle.Ping(ctx)
		cancel()
		stale = err != nil
	}
	if !stale {
		return true
	}

	p.mu.Lock()
	if p.slots[slot] == conn {
		conn.state = StateStale
	}
	p.mu.Unlock()

	if err := p.recycleSlot(context.Background(), slot); err != nil {
		p.logger.Warn("failed to replace stale connection", map[string]interface{}{
			"slot":     slot,
			"idle_for": idleFor.String(),
			"error":    err.Error(),
		})
		// Slot stays vacated until a scale-up refills it.
		return false
	}
	return true
}
