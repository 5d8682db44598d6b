// Package flow implements the top-level Flow state machine from spec
// §4.6: it drives a Crew per phase, routes at each phase boundary,
// enforces the circuit breaker and persistence contracts of §4.6/§5, and
// parks/resumes on human-feedback requests per §6. It is grounded on the
// teacher's Orchestrator phase loop (internal/campaign/orchestrator_phases.go,
// orchestrator_control.go), replacing its Mangle-driven phase dispatch
// with the fixed edge table in internal/state and its failure-escalation
// logic (internal/campaign/orchestrator_failure.go) with the classifier in
// errors.go.
package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"autoforge/internal/config"
	"autoforge/internal/crew"
	"autoforge/internal/guardrail"
	"autoforge/internal/logging"
	"autoforge/internal/state"
)

// PhaseHandler runs one phase's Crew against a read-only state snapshot
// and accumulated feedback (guardrail retry context, or a prior phase's
// structured failure, per spec §4.6 TESTING "a structured feedback object
// ... appended to the next attempt's context"). Handlers are supplied by
// the caller that assembles Workers/Crews per role (cmd/autoforge), so
// Flow itself never constructs an LLM client.
type PhaseHandler func(ctx context.Context, snapshot state.ProjectState, feedback []string) (crew.Output, error)

// Flow drives one run's ProjectState through the phase state machine.
type Flow struct {
	State       *state.ProjectState
	Options     config.Options
	PersistRoot string

	// Handlers runs PLANNING, DEVELOPMENT, TESTING, and DEPLOYMENT.
	// INTAKE has no handler: it is pure validation, not a Crew (spec
	// §4.6).
	Handlers map[state.Phase]PhaseHandler

	// Ambiguity overrides DefaultAmbiguityDetector for INTAKE.
	Ambiguity AmbiguityDetector

	// OnPhaseComplete, when set, is notified after every phase attempt
	// (INTAKE included), letting the composition root record cross-session
	// phase history (spec §4.5's RelationalStore "runs" table) without this
	// package importing internal/memory.
	OnPhaseComplete PhaseRecorder

	breaker         map[state.Phase]int
	pendingFeedback map[state.Phase][]string

	// Request is the currently parked human-feedback request, non-nil
	// only while State.Phase == AWAITING_HUMAN.
	Request *state.FeedbackRequest

	lastErr              error
	lastTransitionCount  int
	lastErrorCount       int
}

// PhaseRecord is one phase attempt's outcome, reported to an optional
// PhaseRecorder (spec §4.5 "append-only records of (run_id, phase,
// started_at, ended_at, outcome, retry_count, token_estimate)").
type PhaseRecord struct {
	Phase         state.Phase
	StartedAt     time.Time
	EndedAt       time.Time
	Outcome       string
	RetryCount    int
	TokenEstimate int
}

// PhaseRecorder observes one phase attempt's outcome.
type PhaseRecorder func(PhaseRecord)

// failureReportFileName is the structured artifact spec §7 requires at
// <persist_dir>/<project_id>/failure_report.json whenever a phase
// escalates to ERROR or AWAITING_HUMAN.
const failureReportFileName = "failure_report.json"

// FailureReport carries the last guardrail verdict and the worker output
// that triggered it, alongside enough context to locate the run (spec §7
// "a structured failure report is written to the persistence directory
// with the last guardrail verdicts and the last worker output that
// triggered it").
type FailureReport struct {
	ProjectID    string          `json:"project_id"`
	Phase        state.Phase     `json:"phase"`
	Kind         state.ErrorKind `json:"kind"`
	Message      string          `json:"message"`
	Verdict      *guardrail.Verdict `json:"verdict,omitempty"`
	WorkerOutput string          `json:"worker_output,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// writeFailureReport persists a FailureReport for a phase escalating to
// ERROR or AWAITING_HUMAN, decomposing cause into its triggering guardrail
// verdict and worker output when it carries a *crew.TaskError.
func (f *Flow) writeFailureReport(phase state.Phase, kind state.ErrorKind, cause error) error {
	if f.PersistRoot == "" {
		return nil
	}
	report := FailureReport{
		ProjectID: f.State.Snapshot().ProjectID,
		Phase:     phase,
		Kind:      kind,
		Message:   cause.Error(),
		Timestamp: time.Now(),
	}
	var taskErr *crew.TaskError
	if errors.As(cause, &taskErr) {
		report.Verdict = taskErr.Verdict
		report.WorkerOutput = taskErr.Output
	}
	return state.WriteFile(f.PersistRoot, report.ProjectID, failureReportFileName, report)
}

// New builds a Flow ready to Run, seeding its bookkeeping from a possibly
// resumed ProjectState (crash-resume replays Transitions/Errors already on
// disk, so the counters start past them rather than re-appending).
func New(s *state.ProjectState, opts config.Options, persistRoot string, handlers map[state.Phase]PhaseHandler) *Flow {
	snap := s.Snapshot()
	return &Flow{
		State:               s,
		Options:             opts,
		PersistRoot:         persistRoot,
		Handlers:            handlers,
		breaker:             make(map[state.Phase]int),
		pendingFeedback:     make(map[state.Phase][]string),
		lastTransitionCount: len(snap.Transitions),
		lastErrorCount:      len(snap.Errors),
	}
}

// Run drives the Flow until it reaches a terminal phase, parks awaiting
// human feedback, or the context is cancelled (spec §5 "a single
// orchestrating thread of control drives the Flow. Phases execute
// strictly in order.").
//
// On OutcomeAwaitingHuman, Run returns immediately rather than blocking:
// the caller persists state and later calls Resume (or CheckTimeout) to
// re-enter the loop, which is how the run(...) / resume(...) entrypoints
// of spec §6 are meant to compose across process restarts.
func (f *Flow) Run(ctx context.Context) RunOutcome {
	for {
		if err := ctx.Err(); err != nil {
			return f.cancel(err)
		}

		phase := f.State.Phase
		if phase.Terminal() {
			return f.terminalOutcome()
		}
		if phase == state.PhaseAwaitingHuman {
			return RunOutcome{Outcome: OutcomeAwaitingHuman, Phase: phase, Request: f.Request}
		}

		started := time.Now()
		runErr := f.runPhase(ctx, phase)
		f.recordPhase(phase, started, runErr)
		if runErr != nil {
			f.lastErr = runErr
			if perr := f.persistAfterTransition(); perr != nil {
				return RunOutcome{Outcome: OutcomeFatal, Phase: f.State.Phase, Err: perr}
			}
			return RunOutcome{Outcome: OutcomeFatal, Phase: f.State.Phase, Err: runErr}
		}
		if err := f.persistAfterTransition(); err != nil {
			return RunOutcome{Outcome: OutcomeFatal, Phase: f.State.Phase, Err: err}
		}
	}
}

// runPhase executes exactly one phase and performs its routing decision
// (advance, suspend, or escalate to error); control-flow outcomes are
// expressed as state transitions, never as a returned error. A non-nil
// return is reserved for plumbing failures the phase runner cannot itself
// classify (e.g. an unregistered handler).
func (f *Flow) runPhase(ctx context.Context, phase state.Phase) error {
	switch phase {
	case state.PhaseIntake:
		return f.runIntake(ctx)
	case state.PhasePlanning:
		return f.runPlanning(ctx)
	case state.PhaseDevelopment:
		return f.runDevelopment(ctx)
	case state.PhaseTesting:
		return f.runTesting(ctx)
	case state.PhaseDeployment:
		return f.runDeployment(ctx)
	default:
		return fmt.Errorf("flow: no runner for phase %s", phase)
	}
}

func (f *Flow) runIntake(ctx context.Context) error {
	ambiguous, question, critical, err := f.validateIntake(ctx)
	if err != nil {
		f.State.AppendError(state.ErrorRecord{
			Phase: state.PhaseIntake, Kind: state.ErrorKindConfiguration,
			Message: err.Error(), Recoverable: false,
		})
		return f.State.AdvancePhase(state.PhaseError, "intake validation error: "+err.Error())
	}
	if critical != nil {
		f.State.AppendError(state.ErrorRecord{
			Phase: state.PhaseIntake, Kind: state.ErrorKindGuardrailHard,
			Message: critical.Message, Recoverable: false,
		})
		logRoute(state.PhaseIntake, state.PhaseError, "critical guardrail: "+critical.Message)
		return f.State.AdvancePhase(state.PhaseError, "critical security guardrail on intake: "+critical.Message)
	}
	if ambiguous {
		logRoute(state.PhaseIntake, state.PhaseAwaitingHuman, question)
		return f.suspend(state.PhaseIntake, question, []string{"clarify", "proceed_with_defaults"}, "proceed_with_defaults")
	}
	logRoute(state.PhaseIntake, state.PhasePlanning, "description validated")
	return f.State.AdvancePhase(state.PhasePlanning, "description validated")
}

func (f *Flow) runPlanning(ctx context.Context) error {
	feedback := f.consumeFeedback(state.PhasePlanning)
	out, err := f.invoke(ctx, state.PhasePlanning, feedback)
	if err != nil {
		return f.handlePhaseError(state.PhasePlanning, err)
	}

	reqOut, hasReq := out.Tasks["requirements"]
	archOut, hasArch := out.Tasks["architecture"]
	if !hasReq || !hasArch {
		logRoute(state.PhasePlanning, state.PhaseAwaitingHuman, "missing requirements or architecture output")
		return f.suspend(state.PhasePlanning, "planning did not produce both requirements and architecture; please clarify scope",
			[]string{"retry", "provide_details"}, "retry")
	}

	req, reqOK := reqOut.Artifact.(state.Requirements)
	arch, archOK := archOut.Artifact.(state.Architecture)
	if !reqOK || !archOK {
		return f.handlePhaseError(state.PhasePlanning, fmt.Errorf("flow: planning artifacts have unexpected shape"))
	}

	floor := f.Options.ConfidenceFloor
	if req.Confidence < floor || arch.Confidence < floor {
		logRoute(state.PhasePlanning, state.PhaseAwaitingHuman, "self-reported confidence below floor")
		return f.suspend(state.PhasePlanning,
			fmt.Sprintf("planning confidence (%.2f requirements, %.2f architecture) is below %.2f; please confirm or revise",
				req.Confidence, arch.Confidence, floor),
			[]string{"approve", "revise"}, "revise")
	}

	f.State.SetRequirements(req)
	f.State.SetArchitecture(arch)
	f.resetBreaker(state.PhasePlanning)
	logRoute(state.PhasePlanning, state.PhaseDevelopment, "requirements and architecture accepted")
	return f.State.AdvancePhase(state.PhaseDevelopment, "requirements and architecture accepted")
}

func (f *Flow) runDevelopment(ctx context.Context) error {
	feedback := f.consumeFeedback(state.PhaseDevelopment)
	out, err := f.invoke(ctx, state.PhaseDevelopment, feedback)
	if err != nil {
		return f.handlePhaseError(state.PhaseDevelopment, err)
	}

	for _, res := range out.Tasks {
		for _, cf := range filesOf(res.Artifact) {
			if err := f.State.AppendFile(cf); err != nil {
				return f.handlePhaseError(state.PhaseDevelopment, err)
			}
		}
	}

	f.resetBreaker(state.PhaseDevelopment)
	logRoute(state.PhaseDevelopment, state.PhaseTesting, "development committed files")
	return f.State.AdvancePhase(state.PhaseTesting, "development committed files")
}

// filesOf normalizes a Development task's artifact, which may be a single
// CodeFile or a slice of them, into a flat list.
func filesOf(artifact interface{}) []state.CodeFile {
	switch v := artifact.(type) {
	case state.CodeFile:
		return []state.CodeFile{v}
	case []state.CodeFile:
		return v
	default:
		return nil
	}
}

func (f *Flow) runTesting(ctx context.Context) error {
	feedback := f.consumeFeedback(state.PhaseTesting)
	out, err := f.invoke(ctx, state.PhaseTesting, feedback)
	if err != nil {
		return f.handlePhaseError(state.PhaseTesting, err)
	}

	execOut, ok := out.Tasks["execute_tests"]
	if !ok {
		return f.handlePhaseError(state.PhaseTesting, fmt.Errorf("flow: testing crew produced no execute_tests output"))
	}
	run, ok := execOut.Artifact.(state.TestRun)
	if !ok {
		return f.handlePhaseError(state.PhaseTesting, fmt.Errorf("flow: execute_tests artifact has unexpected shape"))
	}
	f.State.SetTestResults(run)

	if run.AllPassed() {
		f.resetBreaker(state.PhaseTesting)
		logRoute(state.PhaseTesting, state.PhaseDeployment, "all tests passing")
		return f.State.AdvancePhase(state.PhaseDeployment, "all tests passing")
	}

	exhausted, rerr := f.State.IncrementRetry(state.PhaseTesting)
	if rerr != nil {
		return f.handlePhaseError(state.PhaseTesting, rerr)
	}
	if exhausted {
		logRoute(state.PhaseTesting, state.PhaseAwaitingHuman, "test retry budget exhausted")
		req := fmt.Sprintf("testing failed %d time(s) with %d failing case(s); please advise how to proceed",
			f.State.RetryCount(state.PhaseTesting), run.Failed)
		return f.suspend(state.PhaseTesting, req, []string{"provide_guidance", "accept_failing", "abort"}, "accept_failing")
	}

	f.setFeedback(state.PhaseDevelopment, []string{renderTestFeedback(run)})
	logRoute(state.PhaseTesting, state.PhaseDevelopment, "routing back with failing-test feedback")
	return f.State.AdvancePhase(state.PhaseDevelopment, "routing back to development with failing-test feedback")
}

// renderTestFeedback builds the structured feedback object described in
// spec §4.6 TESTING ("failing tests, traces, suggested fixes") as the
// plain-text context a Worker appends to its next attempt (spec §4.3's
// GuardrailFeedback channel doubles as the carrier here).
func renderTestFeedback(run state.TestRun) string {
	msg := fmt.Sprintf("previous attempt: %d/%d tests passed, coverage %.2f.", run.Passed, run.Total, run.Coverage)
	for _, fc := range run.FailingCases {
		msg += fmt.Sprintf(" failing: %s trace: %s", fc.Name, fc.Trace)
	}
	return msg
}

func (f *Flow) runDeployment(ctx context.Context) error {
	feedback := f.consumeFeedback(state.PhaseDeployment)
	out, err := f.invoke(ctx, state.PhaseDeployment, feedback)
	if err != nil {
		return f.handlePhaseError(state.PhaseDeployment, err)
	}

	bundle, err := assembleDeploymentBundle(out)
	if err != nil {
		return f.handlePhaseError(state.PhaseDeployment, err)
	}

	f.State.SetDeployment(bundle)
	f.resetBreaker(state.PhaseDeployment)
	logRoute(state.PhaseDeployment, state.PhaseComplete, "deployment bundle produced")
	return f.State.AdvancePhase(state.PhaseComplete, "deployment bundle produced")
}

// assembleDeploymentBundle accepts either a single pre-assembled "bundle"
// task output, or the three-task form described in spec §4.6 DEPLOYMENT
// ("infrastructure design -> packaging -> documentation").
func assembleDeploymentBundle(out crew.Output) (state.DeploymentBundle, error) {
	if bundleOut, ok := out.Tasks["bundle"]; ok {
		if b, ok := bundleOut.Artifact.(state.DeploymentBundle); ok {
			return b, nil
		}
		return state.DeploymentBundle{}, fmt.Errorf("flow: deployment bundle artifact has unexpected shape")
	}

	var bundle state.DeploymentBundle
	if infra, ok := out.Tasks["infrastructure"]; ok {
		if m, ok := infra.Artifact.(map[string]string); ok {
			bundle.InfrastructureAsCode = m
		}
	}
	if pkg, ok := out.Tasks["packaging"]; ok {
		if artifacts, ok := pkg.Artifact.([]string); ok {
			bundle.PackagingArtifacts = artifacts
		}
	}
	if docs, ok := out.Tasks["documentation"]; ok {
		if text, ok := docs.Artifact.(string); ok {
			bundle.Documentation = text
		}
	}
	if bundle.InfrastructureAsCode == nil && bundle.PackagingArtifacts == nil && bundle.Documentation == "" {
		return state.DeploymentBundle{}, fmt.Errorf("flow: deployment crew produced no usable bundle artifacts")
	}
	return bundle, nil
}

// invoke looks up and runs the handler for phase, against the state's
// current snapshot.
func (f *Flow) invoke(ctx context.Context, phase state.Phase, feedback []string) (crew.Output, error) {
	h, ok := f.Handlers[phase]
	if !ok {
		return crew.Output{}, fmt.Errorf("flow: no handler registered for phase %s", phase)
	}
	return h(ctx, f.State.Snapshot(), feedback)
}

// handlePhaseError classifies a phase failure (spec §7), records it,
// advances the circuit breaker, and routes to AWAITING_HUMAN or ERROR.
// Returning nil here means the failure was fully absorbed into a state
// transition; a non-nil return means persistence or invariant plumbing
// itself failed and the caller must treat the run as fatally broken.
func (f *Flow) handlePhaseError(phase state.Phase, cause error) error {
	kind, recoverableToHuman := classifyPhaseError(phase, cause)
	f.State.AppendError(state.ErrorRecord{
		Phase: phase, Kind: kind, Message: cause.Error(), Recoverable: recoverableToHuman,
	})
	if err := f.writeFailureReport(phase, kind, cause); err != nil {
		logging.Get(logging.CategoryFlow).Warn("failed to write failure report", zap.Error(err))
	}

	f.breaker[phase]++
	tripped := f.breaker[phase] >= breakerLimit

	logging.Get(logging.CategoryFlow).Warn("phase error",
		zap.String("phase", string(phase)), zap.String("kind", string(kind)),
		zap.Int("consecutive_failures", f.breaker[phase]), zap.Error(cause))

	if tripped {
		if phase.SupportsAwaitingHuman() {
			logRoute(phase, state.PhaseAwaitingHuman, "circuit breaker tripped after 3 consecutive failures")
			return f.suspend(phase, fmt.Sprintf("circuit breaker tripped: phase %s failed 3 consecutive times: %s", phase, cause.Error()),
				[]string{"provide_guidance", "abort"}, "abort")
		}
		logRoute(phase, state.PhaseError, "circuit breaker tripped after 3 consecutive failures")
		return f.State.AdvancePhase(state.PhaseError, "circuit breaker tripped: "+cause.Error())
	}

	if recoverableToHuman && phase.SupportsAwaitingHuman() {
		logRoute(phase, state.PhaseAwaitingHuman, cause.Error())
		return f.suspend(phase, "retry budget exhausted: "+cause.Error(), []string{"provide_guidance", "abort"}, "abort")
	}

	logRoute(phase, state.PhaseError, cause.Error())
	return f.State.AdvancePhase(state.PhaseError, cause.Error())
}

// recordPhase reports one phase attempt to OnPhaseComplete, if set. Outcome
// is the phase reached by the attempt (e.g. "testing", "awaiting_human",
// "error") or "plumbing_error" when runPhase itself returned a non-nil
// error rather than expressing the failure as a state transition.
func (f *Flow) recordPhase(phase state.Phase, started time.Time, runErr error) {
	if f.OnPhaseComplete == nil {
		return
	}
	outcome := string(f.State.Phase)
	if runErr != nil {
		outcome = "plumbing_error"
	}
	f.OnPhaseComplete(PhaseRecord{
		Phase:      phase,
		StartedAt:  started,
		EndedAt:    time.Now(),
		Outcome:    outcome,
		RetryCount: f.State.RetryCount(phase),
	})
}

func (f *Flow) resetBreaker(phase state.Phase) {
	f.breaker[phase] = 0
}

func (f *Flow) consumeFeedback(phase state.Phase) []string {
	fb := f.pendingFeedback[phase]
	delete(f.pendingFeedback, phase)
	return fb
}

func (f *Flow) setFeedback(phase state.Phase, fb []string) {
	f.pendingFeedback[phase] = fb
}

// cancel implements spec §5's run-wide cancellation: move to ERROR with
// reason "cancelled", persist, and return OutcomeCancelled regardless of
// the phase cancellation arrived in (including AWAITING_HUMAN).
func (f *Flow) cancel(cause error) RunOutcome {
	// Cancellation has no dedicated entry in the §7 error taxonomy; it is
	// closest to Configuration (fatal, not retryable, not a bug flag).
	f.State.AppendError(state.ErrorRecord{
		Phase: f.State.Phase, Kind: state.ErrorKindConfiguration,
		Message: "run cancelled: " + cause.Error(), Recoverable: false,
	})
	phase := f.State.Phase
	if err := f.writeFailureReport(phase, state.ErrorKindConfiguration, cause); err != nil {
		logging.Get(logging.CategoryFlow).Warn("failed to write failure report", zap.Error(err))
	}
	if !phase.Terminal() {
		_ = f.State.AdvancePhase(state.PhaseError, "cancelled")
	}
	_ = f.persistAfterTransition()
	return RunOutcome{Outcome: OutcomeCancelled, Phase: f.State.Phase, Err: cause}
}

func (f *Flow) terminalOutcome() RunOutcome {
	if f.State.Phase == state.PhaseComplete {
		return RunOutcome{Outcome: OutcomeComplete, Phase: state.PhaseComplete}
	}
	return RunOutcome{Outcome: OutcomeFatal, Phase: state.PhaseError, Err: f.lastErr}
}

// persistAfterTransition writes a full snapshot and appends any newly
// added Transitions/Errors entries to their append-only logs (spec §4.6
// "Persistence writes a snapshot of state after every transition and
// every error append").
func (f *Flow) persistAfterTransition() error {
	if f.PersistRoot == "" {
		return nil
	}
	snap := f.State.Snapshot()

	for i := f.lastTransitionCount; i < len(snap.Transitions); i++ {
		if err := state.AppendTransitionLog(f.PersistRoot, snap.ProjectID, snap.Transitions[i]); err != nil {
			return err
		}
	}
	for i := f.lastErrorCount; i < len(snap.Errors); i++ {
		if err := state.AppendErrorLog(f.PersistRoot, snap.ProjectID, snap.Errors[i]); err != nil {
			return err
		}
	}
	f.lastTransitionCount = len(snap.Transitions)
	f.lastErrorCount = len(snap.Errors)

	return state.Save(f.PersistRoot, f.State)
}

// Deadline reports the pending feedback request's timeout, if any.
func (f *Flow) Deadline() (time.Time, bool) {
	if f.Request == nil || f.Request.Deadline == nil {
		return time.Time{}, false
	}
	return *f.Request.Deadline, true
}
