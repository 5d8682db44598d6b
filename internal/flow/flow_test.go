package flow

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoforge/internal/config"
	"autoforge/internal/crew"
	"autoforge/internal/guardrail"
	"autoforge/internal/state"
)

func testOptions(t *testing.T) config.Options {
	t.Helper()
	opts := config.Default()
	opts.PersistDir = filepath.Join(t.TempDir(), "runs")
	opts.MaxRetries = 2
	opts.ConfidenceFloor = 0.7
	opts.FeedbackTimeout = 0
	return opts
}

func newFlow(t *testing.T, description string, opts config.Options, handlers map[state.Phase]PhaseHandler) *Flow {
	t.Helper()
	s := state.New(description, opts.MaxRetries, opts.WorkspaceRoots)
	return New(s, opts, opts.PersistDir, handlers)
}

func planningHandler(req state.Requirements, arch state.Architecture) PhaseHandler {
	return func(_ context.Context, _ state.ProjectState, _ []string) (crew.Output, error) {
		return crew.Output{Tasks: map[string]crew.TaskOutput{
			"requirements": {TaskID: "requirements", Artifact: req},
			"architecture": {TaskID: "architecture", Artifact: arch},
		}}, nil
	}
}

func developmentHandler(files ...state.CodeFile) PhaseHandler {
	return func(_ context.Context, _ state.ProjectState, _ []string) (crew.Output, error) {
		return crew.Output{Tasks: map[string]crew.TaskOutput{
			"backend": {TaskID: "backend", Artifact: files},
		}}, nil
	}
}

func testingHandlerSequence(runs ...state.TestRun) PhaseHandler {
	i := 0
	return func(_ context.Context, _ state.ProjectState, _ []string) (crew.Output, error) {
		run := runs[i]
		if i < len(runs)-1 {
			i++
		}
		return crew.Output{Tasks: map[string]crew.TaskOutput{
			"execute_tests": {TaskID: "execute_tests", Artifact: run},
		}}, nil
	}
}

func deploymentHandler(bundle state.DeploymentBundle) PhaseHandler {
	return func(_ context.Context, _ state.ProjectState, _ []string) (crew.Output, error) {
		return crew.Output{Tasks: map[string]crew.TaskOutput{
			"bundle": {TaskID: "bundle", Artifact: bundle},
		}}, nil
	}
}

func happyRequirements() state.Requirements {
	return state.Requirements{ProjectName: "demo", Confidence: 0.9}
}

func happyArchitecture() state.Architecture {
	return state.Architecture{SystemOverview: "simple api", Confidence: 0.9}
}

func TestRun_HappyPathReachesComplete(t *testing.T) {
	opts := testOptions(t)
	handlers := map[state.Phase]PhaseHandler{
		state.PhasePlanning:    planningHandler(happyRequirements(), happyArchitecture()),
		state.PhaseDevelopment: developmentHandler(state.CodeFile{Path: "main.go", Content: "package main"}),
		state.PhaseTesting:     testingHandlerSequence(state.TestRun{Total: 6, Passed: 6, Coverage: 0.9}),
		state.PhaseDeployment:  deploymentHandler(state.DeploymentBundle{Documentation: "readme"}),
	}
	f := newFlow(t, "Create a simple HTTP API with GET /health and GET /items and POST /items; include tests.", opts, handlers)

	out := f.Run(context.Background())
	require.Equal(t, OutcomeComplete, out.Outcome)
	assert.Equal(t, state.PhaseComplete, f.State.Phase)
	assert.Len(t, f.State.Snapshot().Files, 1)
	assert.Equal(t, []state.Phase{
		state.PhaseIntake, state.PhasePlanning, state.PhaseDevelopment, state.PhaseTesting, state.PhaseDeployment,
	}, transitionDests(f, 0, 5))
}

func transitionDests(f *Flow, start, end int) []state.Phase {
	snap := f.State.Snapshot()
	var out []state.Phase
	for i := start; i < end && i < len(snap.Transitions); i++ {
		out = append(out, snap.Transitions[i].From)
	}
	return out
}

func TestRun_AmbiguousIntakeSuspendsWithNoFiles(t *testing.T) {
	opts := testOptions(t)
	f := newFlow(t, "make it fast", opts, map[state.Phase]PhaseHandler{})

	out := f.Run(context.Background())
	require.Equal(t, OutcomeAwaitingHuman, out.Outcome)
	require.NotNil(t, out.Request)
	assert.Equal(t, state.PhaseIntake, out.Request.SuspendedFrom)
	assert.Empty(t, f.State.Snapshot().Files)
}

func TestRun_TestingRetriesToDevelopmentThenSucceeds(t *testing.T) {
	opts := testOptions(t)
	failing := state.TestRun{Total: 2, Passed: 0, Failed: 2, FailingCases: []state.FailingCase{{Name: "TestFoo", Trace: "boom"}}}
	passing := state.TestRun{Total: 2, Passed: 2, Coverage: 0.9}

	handlers := map[state.Phase]PhaseHandler{
		state.PhasePlanning:    planningHandler(happyRequirements(), happyArchitecture()),
		state.PhaseDevelopment: developmentHandler(state.CodeFile{Path: "main.go", Content: "package main"}),
		state.PhaseTesting:     testingHandlerSequence(failing, passing),
		state.PhaseDeployment:  deploymentHandler(state.DeploymentBundle{Documentation: "readme"}),
	}
	f := newFlow(t, "Create a simple HTTP API with routes and tests please build it well", opts, handlers)

	out := f.Run(context.Background())
	require.Equal(t, OutcomeComplete, out.Outcome)

	snap := f.State.Snapshot()
	var seq []string
	for _, tr := range snap.Transitions {
		seq = append(seq, string(tr.From)+"->"+string(tr.To))
	}
	assert.Contains(t, seq, "TESTING->DEVELOPMENT")
	assert.Equal(t, 1, snap.Retries[state.PhaseTesting])
}

func TestRun_TestingBudgetExhaustionSuspends(t *testing.T) {
	opts := testOptions(t)
	opts.MaxRetries = 1
	failing := state.TestRun{Total: 2, Failed: 2, FailingCases: []state.FailingCase{{Name: "TestFoo", Trace: "boom"}}}

	handlers := map[state.Phase]PhaseHandler{
		state.PhasePlanning:    planningHandler(happyRequirements(), happyArchitecture()),
		state.PhaseDevelopment: developmentHandler(state.CodeFile{Path: "main.go", Content: "package main"}),
		state.PhaseTesting:     testingHandlerSequence(failing, failing, failing),
	}
	f := newFlow(t, "Create a simple HTTP API with routes and tests please build it well", opts, handlers)

	out := f.Run(context.Background())
	require.Equal(t, OutcomeAwaitingHuman, out.Outcome)
	assert.Equal(t, state.PhaseTesting, out.Request.SuspendedFrom)
	assert.Equal(t, 1, f.State.Snapshot().Retries[state.PhaseTesting])
}

func TestRun_DevelopmentCriticalGuardrailEndsInError(t *testing.T) {
	opts := testOptions(t)
	critical := guardrail.Fail("security.dangerous_pattern", "shell injection detected", nil, false, guardrail.SeverityCritical)

	handlers := map[state.Phase]PhaseHandler{
		state.PhasePlanning: planningHandler(happyRequirements(), happyArchitecture()),
		state.PhaseDevelopment: func(context.Context, state.ProjectState, []string) (crew.Output, error) {
			return crew.Output{}, &crew.TaskError{TaskID: "backend", Verdict: &critical}
		},
	}
	f := newFlow(t, "Create a simple HTTP API with routes and tests please build it well", opts, handlers)

	out := f.Run(context.Background())
	require.Equal(t, OutcomeFatal, out.Outcome)
	assert.Equal(t, state.PhaseError, f.State.Phase)

	snap := f.State.Snapshot()
	require.NotEmpty(t, snap.Errors)
	assert.Equal(t, state.ErrorKindGuardrailHard, snap.Errors[len(snap.Errors)-1].Kind)
}

func TestRun_LowConfidencePlanningSuspends(t *testing.T) {
	opts := testOptions(t)
	handlers := map[state.Phase]PhaseHandler{
		state.PhasePlanning: planningHandler(
			state.Requirements{Confidence: 0.4}, state.Architecture{Confidence: 0.9}),
	}
	f := newFlow(t, "Create a simple HTTP API with routes and tests please build it well", opts, handlers)

	out := f.Run(context.Background())
	require.Equal(t, OutcomeAwaitingHuman, out.Outcome)
	assert.Equal(t, state.PhasePlanning, out.Request.SuspendedFrom)
}

func TestResume_ReEntersSuspendedPhaseAndCompletes(t *testing.T) {
	opts := testOptions(t)
	handlers := map[state.Phase]PhaseHandler{
		state.PhasePlanning: planningHandler(
			state.Requirements{Confidence: 0.4}, state.Architecture{Confidence: 0.9}),
	}
	f := newFlow(t, "Create a simple HTTP API with routes and tests please build it well", opts, handlers)

	out := f.Run(context.Background())
	require.Equal(t, OutcomeAwaitingHuman, out.Outcome)
	reqID := out.Request.ID

	// swap in a handler that now returns confident output, as if a human
	// had revised the brief before approving.
	f.Handlers[state.PhasePlanning] = planningHandler(happyRequirements(), happyArchitecture())
	f.Handlers[state.PhaseDevelopment] = developmentHandler(state.CodeFile{Path: "main.go", Content: "package main"})
	f.Handlers[state.PhaseTesting] = testingHandlerSequence(state.TestRun{Total: 1, Passed: 1, Coverage: 1})
	f.Handlers[state.PhaseDeployment] = deploymentHandler(state.DeploymentBundle{Documentation: "readme"})

	require.NoError(t, f.Resume(state.FeedbackResponse{RequestID: reqID, Selected: "approve"}))
	assert.Equal(t, state.PhasePlanning, f.State.Phase)

	out2 := f.Run(context.Background())
	require.Equal(t, OutcomeComplete, out2.Outcome)
}

func TestRun_CancelledContextEndsRunCancelled(t *testing.T) {
	opts := testOptions(t)
	f := newFlow(t, "Create a simple HTTP API with routes and tests please build it well", opts, map[state.Phase]PhaseHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := f.Run(ctx)
	require.Equal(t, OutcomeCancelled, out.Outcome)
	assert.Equal(t, state.PhaseError, f.State.Phase)
}
