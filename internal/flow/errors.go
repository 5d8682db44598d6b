package flow

import (
	"errors"

	"autoforge/internal/crew"
	"autoforge/internal/state"
)

// breakerLimit is the consecutive-failure threshold that forces escalation
// regardless of remaining retry budget (spec §4.6 "A circuit breaker
// tracks consecutive failures per phase; three consecutive failures in the
// same phase force AWAITING_HUMAN or ERROR").
const breakerLimit = 3

// classifyPhaseError maps a phase-runner error into the §7 taxonomy and
// decides whether the phase failure is survivable via AWAITING_HUMAN or
// must terminate the run in ERROR.
//
// Transient and Recoverable (guardrail-soft, shape) errors never reach
// here: they are retried inside internal/worker and internal/crew
// respectively, within the task's own retry budget. By the time a phase
// runner returns an error, the budget for that attempt is exhausted and
// the failure is Guardrail-hard, Budget-exhausted, Invariant-violation, or
// Configuration/unclassified (treated as fatal).
func classifyPhaseError(phase state.Phase, err error) (kind state.ErrorKind, recoverable bool) {
	var taskErr *crew.TaskError
	if errors.As(err, &taskErr) {
		if taskErr.Verdict != nil {
			v := taskErr.Verdict
			if v.IsCritical() || !v.RetryAllowed {
				return state.ErrorKindGuardrailHard, false
			}
			return state.ErrorKindBudgetExhausted, phase.SupportsAwaitingHuman()
		}
		// No verdict: the task's invoke-time retry budget was exhausted
		// (crew.RecoverableError, e.g. a repeated Shape failure) or a
		// non-retryable invoke error propagated straight through.
		if re, ok := taskErr.Cause.(crew.RecoverableError); ok && re.Recoverable() {
			return state.ErrorKindBudgetExhausted, phase.SupportsAwaitingHuman()
		}
		return state.ErrorKindTransient, false
	}

	var cycleErr *crew.ErrCycle
	if errors.As(err, &cycleErr) {
		return state.ErrorKindInvariantViolation, false
	}

	if errors.Is(err, state.ErrInvariantViolation) {
		return state.ErrorKindInvariantViolation, false
	}

	return state.ErrorKindConfiguration, false
}
