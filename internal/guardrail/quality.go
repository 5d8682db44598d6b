package guardrail

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"autoforge/internal/state"
)

// FileLength fails generated files exceeding a configurable line-count
// threshold (spec §4.1 "file-length ... thresholds").
type FileLength struct {
	MaxLines int
	Files    func(artifact interface{}) []state.CodeFile
}

func (g FileLength) Name() string { return "quality.file_length" }

func (g FileLength) Check(_ context.Context, cc CheckContext) Verdict {
	if g.Files == nil {
		return Pass(g.Name())
	}
	var offenders []string
	for _, f := range g.Files(cc.Artifact) {
		if lines := strings.Count(f.Content, "\n") + 1; lines > g.MaxLines {
			offenders = append(offenders, fmt.Sprintf("%s (%d lines)", f.Path, lines))
		}
	}
	if len(offenders) == 0 {
		return Pass(g.Name())
	}
	return Warn(g.Name(), fmt.Sprintf("%d file(s) exceed %d lines", len(offenders), g.MaxLines),
		map[string]interface{}{"offenders": offenders})
}

var funcSignaturePattern = regexp.MustCompile(`(?m)^func\s+(?:\([^)]*\)\s*)?[A-Za-z0-9_]+\(`)

// FunctionLength fails functions exceeding a configurable line-count
// threshold, approximated by distance between consecutive `func` lines
// (spec §4.1 "function-length ... thresholds").
type FunctionLength struct {
	MaxLines int
	Files    func(artifact interface{}) []state.CodeFile
}

func (g FunctionLength) Name() string { return "quality.function_length" }

func (g FunctionLength) Check(_ context.Context, cc CheckContext) Verdict {
	if g.Files == nil {
		return Pass(g.Name())
	}
	var offenders []string
	for _, f := range g.Files(cc.Artifact) {
		if f.Language != "go" && f.Language != "" {
			continue
		}
		lines := strings.Split(f.Content, "\n")
		starts := funcSignaturePattern.FindAllStringIndex(f.Content, -1)
		if len(starts) == 0 {
			continue
		}
		offsets := lineOffsetsOf(f.Content, starts)
		for i, start := range offsets {
			end := len(lines)
			if i+1 < len(offsets) {
				end = offsets[i+1]
			}
			if end-start > g.MaxLines {
				offenders = append(offenders, fmt.Sprintf("%s:%d (%d lines)", f.Path, start+1, end-start))
			}
		}
	}
	if len(offenders) == 0 {
		return Pass(g.Name())
	}
	return Warn(g.Name(), fmt.Sprintf("%d function(s) exceed %d lines", len(offenders), g.MaxLines),
		map[string]interface{}{"offenders": offenders})
}

func lineOffsetsOf(content string, byteOffsets [][]int) []int {
	out := make([]int, len(byteOffsets))
	for i, span := range byteOffsets {
		out[i] = strings.Count(content[:span[0]], "\n")
	}
	return out
}

var exportedFuncPattern = regexp.MustCompile(`(?m)^func\s+(?:\([^)]*\)\s*)?([A-Z][A-Za-z0-9_]*)\(`)

// DocstringPresence fails when an exported function lacks a preceding
// `//` doc comment (spec §4.1 "presence of docstrings ... on public
// functions").
type DocstringPresence struct {
	Files func(artifact interface{}) []state.CodeFile
}

func (g DocstringPresence) Name() string { return "quality.docstring_presence" }

func (g DocstringPresence) Check(_ context.Context, cc CheckContext) Verdict {
	if g.Files == nil {
		return Pass(g.Name())
	}
	var undocumented []string
	for _, f := range g.Files(cc.Artifact) {
		if f.Language != "go" && f.Language != "" {
			continue
		}
		lines := strings.Split(f.Content, "\n")
		for _, m := range exportedFuncPattern.FindAllStringSubmatchIndex(f.Content, -1) {
			lineNo := strings.Count(f.Content[:m[0]], "\n")
			if lineNo == 0 || !strings.HasPrefix(strings.TrimSpace(lines[lineNo-1]), "//") {
				name := f.Content[m[2]:m[3]]
				undocumented = append(undocumented, fmt.Sprintf("%s:%s", f.Path, name))
			}
		}
	}
	if len(undocumented) == 0 {
		return Pass(g.Name())
	}
	return Warn(g.Name(), fmt.Sprintf("%d exported function(s) undocumented", len(undocumented)),
		map[string]interface{}{"undocumented": undocumented})
}

// CoverageThreshold fails a TestRun whose coverage falls below the
// configured threshold (spec §4.1 "coverage threshold check on test
// outputs").
type CoverageThreshold struct {
	Threshold float64
}

func (g CoverageThreshold) Name() string { return "quality.coverage_threshold" }

func (g CoverageThreshold) Check(_ context.Context, cc CheckContext) Verdict {
	run, ok := cc.Artifact.(state.TestRun)
	if !ok {
		if p, ok := cc.Artifact.(*state.TestRun); ok && p != nil {
			run = *p
		} else {
			return Pass(g.Name())
		}
	}
	if run.Coverage >= g.Threshold {
		return Pass(g.Name())
	}
	return Fail(g.Name(),
		fmt.Sprintf("coverage %.1f%% below threshold %.1f%%", run.Coverage*100, g.Threshold*100),
		map[string]interface{}{"coverage": run.Coverage, "threshold": g.Threshold},
		true, SeverityWarning)
}

// DocumentationPresence fails a deployment bundle missing top-level
// documentation (spec §4.1 "documentation presence").
type DocumentationPresence struct{}

func (g DocumentationPresence) Name() string { return "quality.documentation_presence" }

func (g DocumentationPresence) Check(_ context.Context, cc CheckContext) Verdict {
	bundle, ok := cc.Artifact.(state.DeploymentBundle)
	if !ok {
		if p, ok := cc.Artifact.(*state.DeploymentBundle); ok && p != nil {
			bundle = *p
		} else {
			return Pass(g.Name())
		}
	}
	if strings.TrimSpace(bundle.Documentation) == "" {
		return Warn(g.Name(), "deployment bundle has no documentation", nil)
	}
	return Pass(g.Name())
}

// DependencyPolicy fails files whose import/require lines pin to "latest"
// or name a blocklisted package (spec §4.1 "dependency policy").
type DependencyPolicy struct {
	Blocklist map[string]bool
	Files     func(artifact interface{}) []state.CodeFile
}

var pinnedLatestPattern = regexp.MustCompile(`(?i)@\s*latest\b|version\s*[:=]\s*["']?latest["']?`)

func (g DependencyPolicy) Name() string { return "quality.dependency_policy" }

func (g DependencyPolicy) Check(_ context.Context, cc CheckContext) Verdict {
	if g.Files == nil {
		return Pass(g.Name())
	}
	var violations []string
	for _, f := range g.Files(cc.Artifact) {
		if pinnedLatestPattern.MatchString(f.Content) {
			violations = append(violations, fmt.Sprintf("%s: pinned to latest", f.Path))
		}
		for _, dep := range f.Deps {
			if g.Blocklist[dep] {
				violations = append(violations, fmt.Sprintf("%s: blocklisted dependency %s", f.Path, dep))
			}
		}
	}
	if len(violations) == 0 {
		return Pass(g.Name())
	}
	return Fail(g.Name(), fmt.Sprintf("%d dependency polic(y/ies) violated", len(violations)),
		map[string]interface{}{"violations": violations}, true, SeverityWarning)
}

// ArchitectureCompliance fails a file whose declared module does not live
// under a component named in the current Architecture (spec §4.1
// "architecture-compliance").
type ArchitectureCompliance struct {
	Files func(artifact interface{}) []state.CodeFile
}

func (g ArchitectureCompliance) Name() string { return "quality.architecture_compliance" }

func (g ArchitectureCompliance) Check(_ context.Context, cc CheckContext) Verdict {
	if g.Files == nil || cc.State.Architecture == nil {
		return Pass(g.Name())
	}
	components := make(map[string]bool, len(cc.State.Architecture.Components))
	for _, c := range cc.State.Architecture.Components {
		components[strings.ToLower(c.Name)] = true
	}
	if len(components) == 0 {
		return Pass(g.Name())
	}
	var orphaned []string
	for _, f := range g.Files(cc.Artifact) {
		top := strings.SplitN(f.Path, "/", 2)[0]
		if !components[strings.ToLower(top)] {
			orphaned = append(orphaned, f.Path)
		}
	}
	if len(orphaned) == 0 {
		return Pass(g.Name())
	}
	return Warn(g.Name(), fmt.Sprintf("%d file(s) outside any declared component", len(orphaned)),
		map[string]interface{}{"files": orphaned})
}
