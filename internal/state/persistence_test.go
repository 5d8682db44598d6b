package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad_RoundTripsFullSnapshot(t *testing.T) {
	root := t.TempDir()
	s := New("build a thing", 2, []string{"workspace"})
	require.NoError(t, s.AdvancePhase(PhasePlanning, "description validated"))
	require.NoError(t, s.AppendFile(CodeFile{Path: "main.go", Content: "package main", Language: "go"}))
	s.SetRequirements(Requirements{ProjectName: "demo", Confidence: 0.9})
	s.AppendError(ErrorRecord{Phase: PhasePlanning, Kind: ErrorKindTransient, Message: "flaky llm call"})

	require.NoError(t, Save(root, s))

	loaded, err := Load(root, s.ProjectID)
	require.NoError(t, err)

	assert.Equal(t, s.ProjectID, loaded.ProjectID)
	assert.Equal(t, PhasePlanning, loaded.Phase)
	require.Len(t, loaded.Files, 1)
	assert.Equal(t, "main.go", loaded.Files[0].Path)
	require.NotNil(t, loaded.Requirements)
	assert.Equal(t, "demo", loaded.Requirements.ProjectName)
	require.Len(t, loaded.Errors, 1)
	assert.Equal(t, ErrorKindTransient, loaded.Errors[0].Kind)
	require.Len(t, loaded.Transitions, 1)
}

func TestSaveLoad_PreservesSuspendedFromAcrossReload(t *testing.T) {
	root := t.TempDir()
	s := New("build a thing", 2, nil)
	require.NoError(t, s.AdvancePhase(PhasePlanning, "ok"))
	require.NoError(t, s.AdvancePhase(PhaseAwaitingHuman, "suspended"))
	require.NoError(t, Save(root, s))

	loaded, err := Load(root, s.ProjectID)
	require.NoError(t, err)

	// a reloaded run must still only be able to resume to the phase it
	// was suspended from.
	err = loaded.AdvancePhase(PhaseDevelopment, "wrong target")
	require.Error(t, err)
	require.NoError(t, loaded.AdvancePhase(PhasePlanning, "resume"))
}

func TestSaveLoad_PreservesUnknownFieldsForForwardCompatibility(t *testing.T) {
	root := t.TempDir()
	s := New("build a thing", 2, nil)
	require.NoError(t, Save(root, s))

	path := filepath.Join(RunDir(root, s.ProjectID), "state.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["future_field"] = json.RawMessage(`"from a newer binary"`)
	rewritten, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, rewritten, 0o644))

	loaded, err := Load(root, s.ProjectID)
	require.NoError(t, err)
	require.NoError(t, Save(root, loaded))

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, `"from a newer binary"`, string(raw["future_field"]))
}

func TestAppendTransitionLog_AndReadBack(t *testing.T) {
	root := t.TempDir()
	projectID := "proj-1"

	require.NoError(t, AppendTransitionLog(root, projectID, Transition{From: PhaseIntake, To: PhasePlanning, Reason: "a"}))
	require.NoError(t, AppendTransitionLog(root, projectID, Transition{From: PhasePlanning, To: PhaseDevelopment, Reason: "b"}))

	got, err := ReadTransitionsLog(root, projectID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, PhaseIntake, got[0].From)
	assert.Equal(t, PhaseDevelopment, got[1].To)
}

func TestReadTransitionsLog_MissingFileReturnsEmpty(t *testing.T) {
	root := t.TempDir()
	got, err := ReadTransitionsLog(root, "nonexistent")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoad_MissingSnapshotErrors(t *testing.T) {
	root := t.TempDir()
	_, err := Load(root, "nonexistent")
	require.Error(t, err)
}
