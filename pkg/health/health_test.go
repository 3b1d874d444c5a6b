package health

import (
	"context"
	"errors"
	"testing"

	"github.com/engramdb/engram/internal/circuit"
)

func okProbe(context.Context) error   { return nil }
func downProbe(context.Context) error { return errors.New("tier down") }

func breakerIn(state circuit.State) func() circuit.State {
	return func() circuit.State { return state }
}

func TestCheck_Healthy(t *testing.T) {
	c := NewChecker(okProbe, okProbe, breakerIn(circuit.StateClosed))

	report := c.Check(context.Background())
	if report.State != StateHealthy {
		t.Fatalf("Expected healthy, got %s", report.State)
	}
	for _, comp := range report.Components {
		if !comp.Healthy {
			t.Errorf("Component %s unexpectedly unhealthy: %s", comp.Name, comp.Error)
		}
	}
}

func TestCheck_DurableDownIsReadOnly(t *testing.T) {
	c := NewChecker(downProbe, okProbe, breakerIn(circuit.StateClosed))

	report := c.Check(context.Background())
	if report.State != StateReadOnly {
		t.Fatalf("Expected read-only with cache alive, got %s", report.State)
	}
	if report.Components[0].Error == "" {
		t.Error("Expected durable component to carry the probe error")
	}
}

func TestCheck_OpenBreakerIsReadOnly(t *testing.T) {
	// The backend may answer a direct ping while the breaker still rejects
	// traffic; the breaker's verdict wins.
	c := NewChecker(okProbe, okProbe, breakerIn(circuit.StateOpen))

	report := c.Check(context.Background())
	if report.State != StateReadOnly {
		t.Fatalf("Expected read-only while breaker open, got %s", report.State)
	}
	if report.BreakerState != circuit.StateOpen.String() {
		t.Errorf("Expected breaker state in report, got %q", report.BreakerState)
	}
}

func TestCheck_HalfOpenBreakerIsDegraded(t *testing.T) {
	c := NewChecker(okProbe, okProbe, breakerIn(circuit.StateHalfOpen))

	if got := c.Check(context.Background()).State; got != StateDegraded {
		t.Fatalf("Expected degraded during recovery trial, got %s", got)
	}
}

func TestCheck_BothTiersDownIsUnavailable(t *testing.T) {
	c := NewChecker(downProbe, downProbe, breakerIn(circuit.StateOpen))

	if got := c.Check(context.Background()).State; got != StateUnavailable {
		t.Fatalf("Expected unavailable, got %s", got)
	}
}

func TestCheck_NilProbesPass(t *testing.T) {
	c := NewChecker(nil, nil, nil)

	if got := c.Check(context.Background()).State; got != StateHealthy {
		t.Fatalf("Expected nil probes to pass, got %s", got)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateHealthy:     "healthy",
		StateDegraded:    "degraded",
		StateReadOnly:    "read-only",
		StateUnavailable: "unavailable",
		State(99):        "unknown",
	}
	for state, want := range cases {
		if state.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", state, state.String(), want)
		}
	}
}
