package state

// Phase names a stage of a run, per spec §3/§4.6.
type Phase string

const (
	PhaseIntake        Phase = "INTAKE"
	PhasePlanning      Phase = "PLANNING"
	PhaseDevelopment   Phase = "DEVELOPMENT"
	PhaseTesting       Phase = "TESTING"
	PhaseDeployment    Phase = "DEPLOYMENT"
	PhaseAwaitingHuman Phase = "AWAITING_HUMAN"
	PhaseComplete      Phase = "COMPLETE"
	PhaseError         Phase = "ERROR"
)

// edges is the fixed transition table from spec §4.6. AWAITING_HUMAN's
// allowed destinations depend on the phase it was suspended from, so it is
// handled specially in IsValidTransition rather than listed here.
var edges = map[Phase]map[Phase]bool{
	PhaseIntake: {
		PhasePlanning:      true,
		PhaseAwaitingHuman: true,
		PhaseError:         true,
	},
	PhasePlanning: {
		PhaseDevelopment:   true,
		PhaseAwaitingHuman: true,
		PhaseError:         true,
	},
	PhaseDevelopment: {
		PhaseTesting: true,
		PhaseError:   true,
	},
	PhaseTesting: {
		PhaseDeployment:    true,
		PhaseDevelopment:   true,
		PhaseAwaitingHuman: true,
		PhaseError:         true,
	},
	PhaseDeployment: {
		PhaseComplete: true,
		PhaseError:    true,
	},
}

// Terminal reports whether a phase is a terminal state of the run.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// IsValidTransition reports whether from->to is an edge of the state
// machine in spec §4.6. suspendedFrom is the phase AWAITING_HUMAN resumes
// to, required to validate the AWAITING_HUMAN -> <suspended phase> edge.
func IsValidTransition(from, to, suspendedFrom Phase) bool {
	if from == PhaseAwaitingHuman {
		// A parked run may still be cancelled (spec §5 "Run-wide
		// cancellation moves the Flow to ERROR ... regardless" of phase),
		// so ERROR is reachable from AWAITING_HUMAN alongside the resume
		// edge back to the suspended phase.
		return to == suspendedFrom || to == PhaseError
	}
	dests, ok := edges[from]
	if !ok {
		return false
	}
	return dests[to]
}

// SupportsAwaitingHuman reports whether budget exhaustion in this phase
// routes to AWAITING_HUMAN rather than ERROR (spec §7, "Budget-exhausted").
func (p Phase) SupportsAwaitingHuman() bool {
	switch p {
	case PhaseIntake, PhasePlanning, PhaseTesting:
		return true
	default:
		return false
	}
}
