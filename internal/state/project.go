// Package state implements the single authoritative ProjectState record for
// one run (spec §3), with invariant-checked mutators grounded on the
// teacher's mutex-guarded Orchestrator + narrow mutator methods
// (internal/campaign/orchestrator_phases.go, orchestrator_failure.go), but
// replacing its Mangle-fact side channel with a plain in-memory struct —
// five fixed phases need no general-purpose datalog kernel.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvariantViolation is returned (and also recorded as an
// invariant_violation ErrorRecord) when a mutator would break an invariant
// from spec §3/§8. Per spec §7 these are "immediate ERROR, bug flag" — the
// caller decides whether to panic or route to ERROR; this package never
// panics on its own.
var ErrInvariantViolation = errors.New("state: invariant violation")

// ProjectState is the single authoritative record for one run (spec §3).
// All fields are mutated exclusively through the methods below, which hold
// mu for the duration of the mutation and re-check invariants.
type ProjectState struct {
	mu sync.Mutex

	ProjectID   string `json:"project_id"`
	Description string `json:"description"`
	Phase       Phase  `json:"phase"`

	// suspendedFrom records which phase AWAITING_HUMAN was entered from, so
	// the resume transition can be validated against the edge table.
	suspendedFrom Phase

	Requirements *Requirements     `json:"requirements,omitempty"`
	Architecture *Architecture     `json:"architecture,omitempty"`
	Files        []CodeFile        `json:"files"`
	TestResults  *TestRun          `json:"test_results,omitempty"`
	Deployment   *DeploymentBundle `json:"deployment,omitempty"`

	Transitions []Transition  `json:"transitions"`
	Errors      []ErrorRecord `json:"errors"`

	Retries    map[Phase]int `json:"retries"`
	MaxRetries int           `json:"max_retries"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Metadata map[string]string `json:"metadata"`

	// WorkspaceRoots bounds path-security for Files (spec invariant #3).
	WorkspaceRoots []string `json:"workspace_roots"`

	// extra holds snapshot fields written by a newer binary that this one
	// doesn't recognize, so Save round-trips them unchanged (spec §6).
	extra map[string]json.RawMessage
}

// New creates a fresh ProjectState in phase INTAKE, per spec §4.6 ("Initial:
// INTAKE").
func New(description string, maxRetries int, workspaceRoots []string) *ProjectState {
	return &ProjectState{
		ProjectID:      uuid.NewString(),
		Description:    description,
		Phase:          PhaseIntake,
		Retries:        make(map[Phase]int),
		MaxRetries:     maxRetries,
		StartedAt:      time.Now(),
		Metadata:       make(map[string]string),
		WorkspaceRoots: workspaceRoots,
	}
}

// Snapshot returns a deep-enough copy of the state for read-only consumers
// (Workers and Guardrails receive snapshots, never the live pointer, per
// spec §3 "Ownership").
func (s *ProjectState) Snapshot() ProjectState {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *s
	cp.Files = append([]CodeFile(nil), s.Files...)
	cp.Transitions = append([]Transition(nil), s.Transitions...)
	cp.Errors = append([]ErrorRecord(nil), s.Errors...)
	cp.Retries = make(map[Phase]int, len(s.Retries))
	for k, v := range s.Retries {
		cp.Retries[k] = v
	}
	cp.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		cp.Metadata[k] = v
	}
	cp.WorkspaceRoots = append([]string(nil), s.WorkspaceRoots...)
	return cp
}

// AdvancePhase transitions the state machine, appending a Transition entry.
// It enforces invariant #1 (only edges in the §4.6 table) and invariant #5
// (completed_at set iff phase is terminal).
func (s *ProjectState) AdvancePhase(to Phase, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.Phase
	if !IsValidTransition(from, to, s.suspendedFrom) {
		s.recordInvariantViolationLocked(fmt.Sprintf("illegal transition %s -> %s", from, to))
		return fmt.Errorf("%w: illegal transition %s -> %s", ErrInvariantViolation, from, to)
	}

	if from != PhaseAwaitingHuman && to == PhaseAwaitingHuman {
		s.suspendedFrom = from
	}
	if from == PhaseAwaitingHuman && to == s.suspendedFrom {
		s.suspendedFrom = ""
	}

	now := time.Now()
	if len(s.Transitions) > 0 {
		last := s.Transitions[len(s.Transitions)-1].Timestamp
		if now.Before(last) {
			now = last
		}
	}

	s.Phase = to
	s.Transitions = append(s.Transitions, Transition{
		From:      from,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})

	if to.Terminal() {
		completed := now
		s.CompletedAt = &completed
	} else {
		s.CompletedAt = nil
	}
	return nil
}

// IncrementRetry bumps the retry counter for a phase, enforcing invariant
// #2 (retries[p] <= max_retries). Returns (exhausted, err): exhausted is
// true once the counter reaches MaxRetries.
func (s *ProjectState) IncrementRetry(p Phase) (exhausted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.Retries[p] + 1
	if next > s.MaxRetries {
		s.recordInvariantViolationLocked(fmt.Sprintf("retries[%s] would exceed max_retries %d", p, s.MaxRetries))
		return true, fmt.Errorf("%w: retries[%s] would exceed max_retries", ErrInvariantViolation, p)
	}
	s.Retries[p] = next
	return next >= s.MaxRetries, nil
}

// RetryCount returns the current retry count for a phase.
func (s *ProjectState) RetryCount(p Phase) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Retries[p]
}

// AppendFile appends a generated CodeFile, enforcing invariant #3: unique,
// relative paths with no traversal, resolving under a declared workspace
// root.
func (s *ProjectState) AppendFile(f CodeFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validatePathLocked(f.Path); err != nil {
		s.recordInvariantViolationLocked(err.Error())
		return err
	}
	for _, existing := range s.Files {
		if existing.Path == f.Path {
			err := fmt.Errorf("%w: duplicate file path %q", ErrInvariantViolation, f.Path)
			s.recordInvariantViolationLocked(err.Error())
			return err
		}
	}
	s.Files = append(s.Files, f)
	return nil
}

// validatePathLocked delegates to ValidatePath, the path-security rule
// shared by invariant #3 and the Security guardrail family's path-security
// check.
func (s *ProjectState) validatePathLocked(path string) error {
	return ValidatePath(path, s.WorkspaceRoots)
}

// AppendError records one ErrorRecord against the run's error log, e.g. a
// classified phase failure or guardrail-hard verdict. Callers that need to
// advance or suspend the phase do so separately via AdvancePhase/Suspend.
func (s *ProjectState) AppendError(e ErrorRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.Errors = append(s.Errors, e)
}

// recordInvariantViolationLocked appends an ErrorRecord for a detected
// invariant violation. Caller must hold mu.
func (s *ProjectState) recordInvariantViolationLocked(msg string) {
	s.Errors = append(s.Errors, ErrorRecord{
		Phase:       s.Phase,
		Kind:        ErrorKindInvariantViolation,
		Message:     msg,
		Timestamp:   time.Now(),
		Recoverable: false,
	})
}

// SetRequirements records Planning's requirements output.
func (s *ProjectState) SetRequirements(r Requirements) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requirements = &r
}

// SetArchitecture records Planning's architecture output.
func (s *ProjectState) SetArchitecture(a Architecture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Architecture = &a
}

// SetTestResults records Testing's output.
func (s *ProjectState) SetTestResults(t TestRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TestResults = &t
}

// SetDeployment records Deployment's output.
func (s *ProjectState) SetDeployment(d DeploymentBundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Deployment = &d
}

// SetMetadata records a free-form key, used by the human-feedback
// suspension mechanics to attach a parsed FeedbackResponse to state.
func (s *ProjectState) SetMetadata(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Metadata[key] = value
}
