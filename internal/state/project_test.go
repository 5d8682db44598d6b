package state

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState() *ProjectState {
	return New("build a thing", 2, []string{"workspace"})
}

func TestNew_StartsInIntakeWithEmptyRetries(t *testing.T) {
	s := newTestState()
	assert.Equal(t, PhaseIntake, s.Phase)
	assert.NotEmpty(t, s.ProjectID)
	assert.Empty(t, s.Snapshot().Retries)
	assert.Nil(t, s.Snapshot().CompletedAt)
}

func TestAdvancePhase_ValidEdgeAppendsTransition(t *testing.T) {
	s := newTestState()
	require.NoError(t, s.AdvancePhase(PhasePlanning, "description validated"))

	snap := s.Snapshot()
	assert.Equal(t, PhasePlanning, snap.Phase)
	require.Len(t, snap.Transitions, 1)
	assert.Equal(t, PhaseIntake, snap.Transitions[0].From)
	assert.Equal(t, PhasePlanning, snap.Transitions[0].To)
	assert.Equal(t, "description validated", snap.Transitions[0].Reason)
	assert.Nil(t, snap.CompletedAt)
}

func TestAdvancePhase_InvalidEdgeReturnsInvariantViolationAndRecordsError(t *testing.T) {
	s := newTestState()
	err := s.AdvancePhase(PhaseTesting, "skip ahead")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvariantViolation))

	snap := s.Snapshot()
	assert.Equal(t, PhaseIntake, snap.Phase, "phase must not change on an invalid transition")
	require.Len(t, snap.Errors, 1)
	assert.Equal(t, ErrorKindInvariantViolation, snap.Errors[0].Kind)
}

func TestAdvancePhase_SetsCompletedAtOnlyForTerminalPhases(t *testing.T) {
	s := newTestState()
	require.NoError(t, s.AdvancePhase(PhasePlanning, "ok"))
	assert.Nil(t, s.Snapshot().CompletedAt)

	require.NoError(t, s.AdvancePhase(PhaseDevelopment, "ok"))
	require.NoError(t, s.AdvancePhase(PhaseTesting, "ok"))
	require.NoError(t, s.AdvancePhase(PhaseDeployment, "ok"))
	require.NoError(t, s.AdvancePhase(PhaseComplete, "done"))

	assert.NotNil(t, s.Snapshot().CompletedAt)
}

func TestAdvancePhase_AwaitingHumanResumesOnlyToSuspendedPhase(t *testing.T) {
	s := newTestState()
	require.NoError(t, s.AdvancePhase(PhasePlanning, "ok"))
	require.NoError(t, s.AdvancePhase(PhaseAwaitingHuman, "suspended: low confidence"))

	err := s.AdvancePhase(PhaseDevelopment, "wrong resume target")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvariantViolation))
	assert.Equal(t, PhaseAwaitingHuman, s.Snapshot().Phase)

	require.NoError(t, s.AdvancePhase(PhasePlanning, "resumed"))
	assert.Equal(t, PhasePlanning, s.Snapshot().Phase)
}

func TestAdvancePhase_AwaitingHumanCanAlwaysCancelToError(t *testing.T) {
	s := newTestState()
	require.NoError(t, s.AdvancePhase(PhasePlanning, "ok"))
	require.NoError(t, s.AdvancePhase(PhaseAwaitingHuman, "suspended"))
	require.NoError(t, s.AdvancePhase(PhaseError, "cancelled"))
	assert.Equal(t, PhaseError, s.Snapshot().Phase)
}

func TestIncrementRetry_ExhaustsAtMaxRetries(t *testing.T) {
	s := newTestState() // MaxRetries: 2
	exhausted, err := s.IncrementRetry(PhaseTesting)
	require.NoError(t, err)
	assert.False(t, exhausted)
	assert.Equal(t, 1, s.RetryCount(PhaseTesting))

	exhausted, err = s.IncrementRetry(PhaseTesting)
	require.NoError(t, err)
	assert.True(t, exhausted)
	assert.Equal(t, 2, s.RetryCount(PhaseTesting))
}

func TestIncrementRetry_PastMaxIsInvariantViolation(t *testing.T) {
	s := newTestState()
	_, _ = s.IncrementRetry(PhaseTesting)
	_, _ = s.IncrementRetry(PhaseTesting)

	exhausted, err := s.IncrementRetry(PhaseTesting)
	require.Error(t, err)
	assert.True(t, exhausted)
	assert.True(t, errors.Is(err, ErrInvariantViolation))
	assert.Equal(t, 2, s.RetryCount(PhaseTesting), "retry count must not exceed max_retries")
}

func TestIncrementRetry_PhasesAreIndependent(t *testing.T) {
	s := newTestState()
	_, _ = s.IncrementRetry(PhaseTesting)
	assert.Equal(t, 1, s.RetryCount(PhaseTesting))
	assert.Equal(t, 0, s.RetryCount(PhasePlanning))
}

func TestAppendFile_RejectsDuplicatePath(t *testing.T) {
	s := newTestState()
	require.NoError(t, s.AppendFile(CodeFile{Path: "main.go", Content: "package main"}))

	err := s.AppendFile(CodeFile{Path: "main.go", Content: "package main // different"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvariantViolation))
	assert.Len(t, s.Snapshot().Files, 1)
}

func TestAppendFile_RejectsUnsafePath(t *testing.T) {
	s := newTestState()
	err := s.AppendFile(CodeFile{Path: "../escape.go", Content: "package main"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvariantViolation))
	assert.Empty(t, s.Snapshot().Files)

	snap := s.Snapshot()
	require.Len(t, snap.Errors, 1)
	assert.Equal(t, ErrorKindInvariantViolation, snap.Errors[0].Kind)
}

func TestAppendFile_AcceptsDistinctRelativePaths(t *testing.T) {
	s := newTestState()
	require.NoError(t, s.AppendFile(CodeFile{Path: "main.go"}))
	require.NoError(t, s.AppendFile(CodeFile{Path: "pkg/handler.go"}))
	assert.Len(t, s.Snapshot().Files, 2)
}

func TestAppendError_DefaultsTimestampWhenZero(t *testing.T) {
	s := newTestState()
	s.AppendError(ErrorRecord{Phase: PhaseIntake, Kind: ErrorKindTransient, Message: "llm timeout"})

	snap := s.Snapshot()
	require.Len(t, snap.Errors, 1)
	assert.False(t, snap.Errors[0].Timestamp.IsZero())
}

func TestSnapshot_IsIndependentOfLiveState(t *testing.T) {
	s := newTestState()
	require.NoError(t, s.AppendFile(CodeFile{Path: "main.go"}))

	snap := s.Snapshot()
	require.NoError(t, s.AppendFile(CodeFile{Path: "other.go"}))

	assert.Len(t, snap.Files, 1, "snapshot taken before the second AppendFile must not see it")
	assert.Len(t, s.Snapshot().Files, 2)
}

func TestSetters_RecordLatestArtifact(t *testing.T) {
	s := newTestState()
	s.SetRequirements(Requirements{ProjectName: "demo", Confidence: 0.9})
	s.SetArchitecture(Architecture{SystemOverview: "simple", Confidence: 0.9})
	s.SetTestResults(TestRun{Total: 3, Passed: 3})
	s.SetDeployment(DeploymentBundle{Documentation: "readme"})
	s.SetMetadata("key", "value")

	snap := s.Snapshot()
	require.NotNil(t, snap.Requirements)
	assert.Equal(t, "demo", snap.Requirements.ProjectName)
	require.NotNil(t, snap.Architecture)
	assert.Equal(t, "simple", snap.Architecture.SystemOverview)
	require.NotNil(t, snap.TestResults)
	assert.Equal(t, 3, snap.TestResults.Total)
	require.NotNil(t, snap.Deployment)
	assert.Equal(t, "readme", snap.Deployment.Documentation)
	assert.Equal(t, "value", snap.Metadata["key"])
}
