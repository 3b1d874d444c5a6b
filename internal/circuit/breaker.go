// Package circuit implements the circuit breaker guarding the durable tier.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/engramdb/engram/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - circuit breaker is closed, requests pass through
	StateClosed State = iota
	// StateOpen - circuit breaker is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit breaker allows a single trial request to test if the backend recovered
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// Consecutive failures within the rolling window that trip the breaker
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Rolling window over which consecutive failures are counted while closed
	Window time.Duration `yaml:"window"`

	// How long the breaker stays open before allowing a trial request
	Cooldown time.Duration `yaml:"cooldown"`

	// Function called when state changes
	OnStateChange func(from State, to State) `yaml:"-"`

	// Function to determine if an error should be counted as a failure
	IsSuccessful func(err error) bool `yaml:"-"`
}

// Stats holds call outcome counters for monitoring.
type Stats struct {
	TotalCalls          uint64    `json:"total_calls"`
	SuccessfulCalls     uint64    `json:"successful_calls"`
	FailedCalls         uint64    `json:"failed_calls"`
	Rejected            uint64    `json:"rejected"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	CircuitOpenedCount  uint64    `json:"circuit_opened_count"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
}

// Breaker implements the circuit breaker pattern with a single-trial
// half-open state: while a trial call is in flight, concurrent callers are
// rejected so a still-unhealthy backend never sees a retry storm.
type Breaker struct {
	config Config

	mu            sync.Mutex
	state         State
	stats         Stats
	windowStart   time.Time
	openedAt      time.Time
	trialInFlight bool
}

// New creates a new circuit breaker instance
func New(config Config) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.Window <= 0 {
		config.Window = 60 * time.Second
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = func(err error) bool { return err == nil }
	}

	return &Breaker{
		config:      config,
		state:       StateClosed,
		windowStart: time.Now(),
	}
}

// Execute runs fn if the breaker allows it. While open it returns
// CIRCUIT_OPEN immediately without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, err := b.beforeCall()
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	b.afterCall(trial, callErr)
	return callErr
}

// beforeCall decides whether the call may proceed. The bool result reports
// whether this call is the half-open trial.
func (b *Breaker) beforeCall() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.advance(now)

	switch b.state {
	case StateOpen:
		b.stats.Rejected++
		return false, errors.NewError(errors.ErrCodeCircuitOpen, "durable tier circuit is open").
			WithDetail("retry_after", b.openedAt.Add(b.config.Cooldown).Sub(now).String())
	case StateHalfOpen:
		if b.trialInFlight {
			b.stats.Rejected++
			return false, errors.NewError(errors.ErrCodeCircuitOpen, "trial request already in flight")
		}
		b.trialInFlight = true
		b.stats.TotalCalls++
		return true, nil
	default:
		b.stats.TotalCalls++
		return false, nil
	}
}

// afterCall records the call outcome and drives state transitions.
func (b *Breaker) afterCall(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if trial {
		b.trialInFlight = false
	}

	if b.config.IsSuccessful(err) {
		b.stats.SuccessfulCalls++
		b.stats.ConsecutiveFailures = 0
		if b.state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.stats.FailedCalls++
	b.stats.LastFailure = now

	switch b.state {
	case StateClosed:
		// Consecutive failures are counted within a rolling window; a stale
		// window restarts the count at this failure.
		if now.Sub(b.windowStart) > b.config.Window {
			b.windowStart = now
			b.stats.ConsecutiveFailures = 0
		}
		b.stats.ConsecutiveFailures++
		if b.stats.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.stats.ConsecutiveFailures++
		b.setState(StateOpen, now)
	}
}

// advance applies time-based transitions (Open -> HalfOpen after cooldown).
func (b *Breaker) advance(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.config.Cooldown {
		b.setState(StateHalfOpen, now)
	}
}

// setState changes the state of the breaker. Caller holds b.mu.
func (b *Breaker) setState(state State, now time.Time) {
	prev := b.state
	if prev == state {
		return
	}

	b.state = state

	switch state {
	case StateOpen:
		b.openedAt = now
		b.stats.OpenedAt = now
		b.stats.CircuitOpenedCount++
	case StateClosed:
		b.windowStart = now
		b.stats.ConsecutiveFailures = 0
	case StateHalfOpen:
		b.trialInFlight = false
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(prev, state)
	}
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance(time.Now())
	return b.state
}

// GetStats returns a copy of the current stats
func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Reset resets the circuit breaker to its initial closed state. Useful for
// manual intervention and tests.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.ConsecutiveFailures = 0
	b.trialInFlight = false
	b.setState(StateClosed, time.Now())
}
