package fsm

import (
	"fmt"

	"execflow/internal/domain"
)

var allowedTransitions = map[domain.Status]map[domain.Status]struct{}{
	domain.StatusIdle: {
		domain.StatusAnalyzing: {},
	},
	domain.StatusAnalyzing: {
		domain.StatusDispatching: {},
		domain.StatusIdle:        {}, // governor denial, requeued unchanged
	},
	domain.StatusDispatching: {
		domain.StatusMonitoring:    {},
		domain.StatusErrorRecovery: {},
	},
	domain.StatusMonitoring: {
		domain.StatusCompleted:     {},
		domain.StatusErrorRecovery: {},
	},
	domain.StatusErrorRecovery: {
		domain.StatusIdle:   {},
		domain.StatusFailed: {},
	},
	domain.StatusCompleted: {},
	domain.StatusFailed:    {},
}

// ValidateStatus rejects states outside the machine.
func ValidateStatus(s domain.Status) error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("invalid status: %q", s)
	}
	return nil
}

// ValidateTransition rejects edges not in the transition matrix.
func ValidateTransition(from, to domain.Status) error {
	if err := ValidateStatus(from); err != nil {
		return err
	}
	if err := ValidateStatus(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	return nil
}
