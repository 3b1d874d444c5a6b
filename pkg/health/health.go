// Package health aggregates tier probes into a single service state. The
// dual-tier layout makes read-only a real state: with the durable tier down
// the cache can still serve hot reads, so the service degrades instead of
// failing outright.
package health

import (
	"context"
	"time"

	"github.com/engramdb/engram/internal/circuit"
)

// State represents the overall service state
type State int

const (
	// StateHealthy - both tiers operational
	StateHealthy State = iota

	// StateDegraded - serving reads and writes with reduced resilience,
	// typically while the breaker probes a recovering backend
	StateDegraded

	// StateReadOnly - durable tier unreachable; cached reads still served
	StateReadOnly

	// StateUnavailable - neither tier can serve
	StateUnavailable
)

// String returns the string representation of a state
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Probe checks one tier. A nil error means the tier can serve.
type Probe func(ctx context.Context) error

// Component is one tier's probe outcome.
type Component struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report is the aggregated outcome of one health check.
type Report struct {
	State        State       `json:"state"`
	BreakerState string      `json:"breaker_state"`
	Components   []Component `json:"components"`
	CheckedAt    time.Time   `json:"checked_at"`
}

// Checker probes the durable and cache tiers and folds the outcomes, plus
// the breaker state, into a Report.
type Checker struct {
	durable Probe
	cache   Probe
	breaker func() circuit.State
}

// NewChecker creates a checker over the two tier probes. The breaker
// function reports the durable tier's circuit state; it may be nil.
func NewChecker(durable, cache Probe, breaker func() circuit.State) *Checker {
	return &Checker{durable: durable, cache: cache, breaker: breaker}
}

// Check runs both probes and classifies the service state.
func (c *Checker) Check(ctx context.Context) Report {
	now := time.Now()

	durableComp := c.run(ctx, "durable", c.durable, now)
	cacheComp := c.run(ctx, "cache", c.cache, now)

	breakerState := circuit.StateClosed
	if c.breaker != nil {
		breakerState = c.breaker()
	}

	report := Report{
		BreakerState: breakerState.String(),
		Components:   []Component{durableComp, cacheComp},
		CheckedAt:    now,
	}

	switch {
	case !durableComp.Healthy && !cacheComp.Healthy:
		report.State = StateUnavailable
	case !durableComp.Healthy || breakerState == circuit.StateOpen:
		report.State = StateReadOnly
	case !cacheComp.Healthy || breakerState == circuit.StateHalfOpen:
		report.State = StateDegraded
	default:
		report.State = StateHealthy
	}
	return report
}

func (c *Checker) run(ctx context.Context, name string, probe Probe, now time.Time) Component {
	comp := Component{Name: name, Healthy: true, CheckedAt: now}
	if probe == nil {
		return comp
	}
	if err := probe(ctx); err != nil {
		comp.Healthy = false
		comp.Error = err.Error()
	}
	return comp
}
