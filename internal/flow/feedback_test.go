package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoforge/internal/crew"
	"autoforge/internal/guardrail"
	"autoforge/internal/state"
)

func TestAwaitRequest_ReflectsParkedState(t *testing.T) {
	opts := testOptions(t)
	f := newFlow(t, "make it fast", opts, map[state.Phase]PhaseHandler{})

	_, ok := f.AwaitRequest()
	assert.False(t, ok)

	f.Run(context.Background())

	req, ok := f.AwaitRequest()
	require.True(t, ok)
	assert.Equal(t, state.PhaseIntake, req.SuspendedFrom)
}

func TestResume_RejectsMismatchedRequestID(t *testing.T) {
	opts := testOptions(t)
	f := newFlow(t, "make it fast", opts, map[state.Phase]PhaseHandler{})
	f.Run(context.Background())

	err := f.Resume(state.FeedbackResponse{RequestID: "bogus", Selected: "clarify"})
	require.Error(t, err)
}

func TestResume_ErrorsWhenNotParked(t *testing.T) {
	opts := testOptions(t)
	handlers := map[state.Phase]PhaseHandler{
		state.PhasePlanning:    planningHandler(happyRequirements(), happyArchitecture()),
		state.PhaseDevelopment: developmentHandler(state.CodeFile{Path: "main.go", Content: "package main"}),
		state.PhaseTesting:     testingHandlerSequence(state.TestRun{Total: 1, Passed: 1, Coverage: 1}),
		state.PhaseDeployment:  deploymentHandler(state.DeploymentBundle{Documentation: "readme"}),
	}
	f := newFlow(t, "Create a simple HTTP API with routes and tests please build it well", opts, handlers)
	f.Run(context.Background())
	require.Equal(t, state.PhaseComplete, f.State.Phase)

	err := f.Resume(state.FeedbackResponse{RequestID: "anything", Selected: "x"})
	require.Error(t, err)
}

func TestCheckTimeout_AppliesDefaultActionAfterDeadline(t *testing.T) {
	opts := testOptions(t)
	opts.FeedbackTimeout = time.Millisecond
	f := newFlow(t, "make it fast", opts, map[state.Phase]PhaseHandler{})
	f.Run(context.Background())

	fired, err := f.CheckTimeout(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, fired)
	assert.Equal(t, state.PhaseIntake, f.State.Phase)
	_, ok := f.AwaitRequest()
	assert.False(t, ok)
}

func TestCheckTimeout_NoOpBeforeDeadline(t *testing.T) {
	opts := testOptions(t)
	opts.FeedbackTimeout = time.Hour
	f := newFlow(t, "make it fast", opts, map[state.Phase]PhaseHandler{})
	f.Run(context.Background())

	fired, err := f.CheckTimeout(time.Now())
	require.NoError(t, err)
	assert.False(t, fired)
}

func TestCircuitBreaker_TripsAfterThreeConsecutivePhaseFailures(t *testing.T) {
	opts := testOptions(t)
	opts.MaxRetries = 100
	verdict := guardrail.Fail("quality.coverage", "recoverable planning failure", nil, true, guardrail.SeverityWarning)

	attempts := 0
	handlers := map[state.Phase]PhaseHandler{
		state.PhasePlanning: func(context.Context, state.ProjectState, []string) (crew.Output, error) {
			attempts++
			return crew.Output{}, &crew.TaskError{TaskID: "requirements", Verdict: &verdict}
		},
	}
	f := newFlow(t, "Create a simple HTTP API with routes and tests please build it well", opts, handlers)

	// each attempt suspends (recoverable, budget-exhausted-style classification,
	// planning supports AWAITING_HUMAN); resume and retry until the breaker trips.
	for i := 0; i < 3; i++ {
		out := f.Run(context.Background())
		require.Equal(t, OutcomeAwaitingHuman, out.Outcome)
		if i < 2 {
			require.NoError(t, f.Resume(state.FeedbackResponse{RequestID: out.Request.ID, Selected: "retry"}))
		}
	}
	snap := f.State.Snapshot()
	last := snap.Transitions[len(snap.Transitions)-1]
	assert.Contains(t, last.Reason, "circuit breaker tripped")
	assert.Equal(t, 3, attempts)
}
