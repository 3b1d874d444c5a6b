package pool

import (
	"context"
	"time"
)

// resizeLoop adjusts the pool size based on utilization. Growth and shrink
// each have their own cooldown so a bursty workload does not make the pool
// oscillate.
func (p *Pool) resizeLoop() {
	defer p.stopped.Done()

	ticker := time.NewTicker(p.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkUtilization()
		}
	}
}

func (p *Pool) checkUtilization() {
	p.mu.Lock()
	if p.closed || p.size == 0 {
		p.mu.Unlock()
		return
	}
	utilization := float64(p.inUse) / float64(p.size)
	size := p.size
	now := time.Now()
	canGrow := size < p.config.MaxConnections && now.Sub(p.lastScaleUp) >= p.config.ScaleUpCooldown
	canShrink := size > p.config.MinConnections && now.Sub(p.lastScaleDown) >= p.config.ScaleDownCooldown
	p.mu.Unlock()

	switch {
	case utilization >= p.config.ScaleUpThreshold && canGrow:
		p.scaleUp(utilization)
	case utilization <= p.config.ScaleDownThreshold && canShrink:
		p.scaleDown(utilization)
	}
}

func (p *Pool) scaleUp(utilization float64) {
	added := 0
	for i := 0; i < p.config.ScaleUpIncrement; i++ {
		slot := p.freeSlot()
		if slot < 0 {
			break
		}
		if err := p.dialSlot(context.Background(), slot); err != nil {
			p.logger.Warn("scale-up dial failed", map[string]interface{}{
				"error": err.Error(),
			})
			break
		}
		p.idle <- slot
		added++
	}
	if added == 0 {
		return
	}

	p.mu.Lock()
	p.lastScaleUp = time.Now()
	p.stats.ScaleUps++
	p.stats.LastScaleAt = p.lastScaleUp
	size := p.size
	p.mu.Unlock()

	p.logger.Info("pool scaled up", map[string]interface{}{
		"added":       added,
		"size":        size,
		"utilization": utilization,
	})
}

func (p *Pool) scaleDown(utilization float64) {
	p.mu.Lock()
	headroom := p.size - p.config.MinConnections
	p.mu.Unlock()

	target := p.config.ScaleDownDecrement
	if target > headroom {
		target = headroom
	}

	removed := 0
drainLoop:
	for i := 0; i < target; i++ {
		select {
		case slot := <-p.idle:
			p.closeSlot(slot)
			removed++
		default:
			// Nothing idle to reclaim; in-use connections are never closed.
			break drainLoop
		}
	}
	if removed == 0 {
		return
	}

	p.mu.Lock()
	p.lastScaleDown = time.Now()
	p.stats.ScaleDowns++
	p.stats.LastScaleAt = p.lastScaleDown
	size := p.size
	p.mu.Unlock()

	p.logger.Info("pool scaled down", map[string]interface{}{
		"removed":     removed,
		"size":        size,
		"utilization": utilization,
	})
}

// freeSlot returns the index of a vacant slot, or -1 when the pool is at
// capacity.
func (p *Pool) freeSlot() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return -1
	}
	for i, conn := range p.slots {
		if conn == nil {
			return i
		}
	}
	return -1
}
