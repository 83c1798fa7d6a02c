package fsm

import (
	"testing"

	"execflow/internal/domain"
)

func TestValidateTransition_ValidMatrix(t *testing.T) {
	t.Parallel()

	valid := [][2]domain.Status{
		{domain.StatusIdle, domain.StatusAnalyzing},
		{domain.StatusAnalyzing, domain.StatusDispatching},
		{domain.StatusAnalyzing, domain.StatusIdle},
		{domain.StatusDispatching, domain.StatusMonitoring},
		{domain.StatusDispatching, domain.StatusErrorRecovery},
		{domain.StatusMonitoring, domain.StatusCompleted},
		{domain.StatusMonitoring, domain.StatusErrorRecovery},
		{domain.StatusErrorRecovery, domain.StatusIdle},
		{domain.StatusErrorRecovery, domain.StatusFailed},
	}
	for _, pair := range valid {
		if err := ValidateTransition(pair[0], pair[1]); err != nil {
			t.Fatalf("expected valid transition %s->%s, got %v", pair[0], pair[1], err)
		}
	}
}

func TestValidateTransition_InvalidTransitions(t *testing.T) {
	t.Parallel()

	invalid := [][2]domain.Status{
		{domain.StatusIdle, domain.StatusDispatching},
		{domain.StatusIdle, domain.StatusCompleted},
		{domain.StatusAnalyzing, domain.StatusMonitoring},
		{domain.StatusDispatching, domain.StatusCompleted},
		{domain.StatusMonitoring, domain.StatusIdle},
		{domain.StatusCompleted, domain.StatusIdle},
		{domain.StatusFailed, domain.StatusIdle},
		{domain.StatusErrorRecovery, domain.StatusMonitoring},
	}
	for _, pair := range invalid {
		if err := ValidateTransition(pair[0], pair[1]); err == nil {
			t.Fatalf("expected invalid transition %s->%s", pair[0], pair[1])
		}
	}
}

func TestValidateStatus_RejectsUnknown(t *testing.T) {
	t.Parallel()

	if err := ValidateStatus(domain.Status("running")); err == nil {
		t.Fatal("expected unknown status to be rejected")
	}
	if err := ValidateTransition(domain.Status("bogus"), domain.StatusIdle); err == nil {
		t.Fatal("expected unknown from-status to be rejected")
	}
}

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	t.Parallel()

	for _, terminal := range []domain.Status{domain.StatusCompleted, domain.StatusFailed} {
		if !terminal.Terminal() {
			t.Fatalf("%s should be terminal", terminal)
		}
		if len(allowedTransitions[terminal]) != 0 {
			t.Fatalf("%s must have no outgoing edges", terminal)
		}
	}
}
