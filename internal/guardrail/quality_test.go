package guardrail

import (
	"context"
	"strings"
	"testing"

	"autoforge/internal/state"
	"github.com/stretchr/testify/assert"
)

func filesOf(files ...state.CodeFile) func(interface{}) []state.CodeFile {
	return func(interface{}) []state.CodeFile { return files }
}

func TestFileLength_WarnsOverThreshold(t *testing.T) {
	long := strings.Repeat("x\n", 50)
	g := FileLength{MaxLines: 10, Files: filesOf(state.CodeFile{Path: "a.go", Content: long})}
	v := g.Check(context.Background(), CheckContext{})
	assert.Equal(t, StatusWarn, v.Status)
}

func TestFileLength_PassesUnderThreshold(t *testing.T) {
	g := FileLength{MaxLines: 100, Files: filesOf(state.CodeFile{Path: "a.go", Content: "short\nfile\n"})}
	v := g.Check(context.Background(), CheckContext{})
	assert.Equal(t, StatusPass, v.Status)
}

func TestDocstringPresence_FlagsUndocumentedExported(t *testing.T) {
	content := "package p\n\nfunc Exported() {}\n"
	g := DocstringPresence{Files: filesOf(state.CodeFile{Path: "a.go", Content: content, Language: "go"})}
	v := g.Check(context.Background(), CheckContext{})
	assert.Equal(t, StatusWarn, v.Status)
}

func TestDocstringPresence_AcceptsDocumentedExported(t *testing.T) {
	content := "package p\n\n// Exported does a thing.\nfunc Exported() {}\n"
	g := DocstringPresence{Files: filesOf(state.CodeFile{Path: "a.go", Content: content, Language: "go"})}
	v := g.Check(context.Background(), CheckContext{})
	assert.Equal(t, StatusPass, v.Status)
}

func TestCoverageThreshold_FailsBelowThreshold(t *testing.T) {
	g := CoverageThreshold{Threshold: 0.8}
	v := g.Check(context.Background(), CheckContext{Artifact: state.TestRun{Coverage: 0.5}})
	assert.Equal(t, StatusFail, v.Status)
	assert.True(t, v.RetryAllowed)
}

func TestCoverageThreshold_PassesAtOrAboveThreshold(t *testing.T) {
	g := CoverageThreshold{Threshold: 0.8}
	v := g.Check(context.Background(), CheckContext{Artifact: state.TestRun{Coverage: 0.81}})
	assert.Equal(t, StatusPass, v.Status)
}

func TestDependencyPolicy_FlagsBlocklistedDep(t *testing.T) {
	g := DependencyPolicy{
		Blocklist: map[string]bool{"left-pad": true},
		Files:     filesOf(state.CodeFile{Path: "a.go", Deps: []string{"left-pad"}}),
	}
	v := g.Check(context.Background(), CheckContext{})
	assert.Equal(t, StatusFail, v.Status)
}

func TestArchitectureCompliance_FlagsOrphanedFile(t *testing.T) {
	g := ArchitectureCompliance{Files: filesOf(state.CodeFile{Path: "mystery/x.go"})}
	cc := CheckContext{State: state.ProjectState{}}
	cc.State.Architecture = &state.Architecture{Components: []state.Component{{Name: "billing"}}}
	v := g.Check(context.Background(), cc)
	assert.Equal(t, StatusWarn, v.Status)
}
