package state

import "time"

// projectStateJSON mirrors the exported fields of ProjectState for the
// encoding/json boundary; ProjectState itself is never marshaled directly
// because its zero value carries a sync.Mutex and an unexported extra map
// that Save/Load manage separately.
type projectStateJSON struct {
	ProjectID   string `json:"project_id"`
	Description string `json:"description"`
	Phase       Phase  `json:"phase"`

	SuspendedFrom Phase `json:"suspended_from,omitempty"`

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

	WorkspaceRoots []string `json:"workspace_roots"`
}

// knownFieldNames lists every top-level JSON key projectStateJSON decodes,
// used by Load to split a snapshot into known fields and extra (preserved
// verbatim for forward compatibility).
var knownFieldNames = map[string]bool{
	"project_id":      true,
	"description":     true,
	"phase":           true,
	"suspended_from":  true,
	"requirements":    true,
	"architecture":    true,
	"files":           true,
	"test_results":    true,
	"deployment":      true,
	"transitions":     true,
	"errors":          true,
	"retries":         true,
	"max_retries":     true,
	"started_at":      true,
	"completed_at":    true,
	"metadata":        true,
	"workspace_roots": true,
}

// from projects a live ProjectState into its JSON mirror. Caller must hold
// s.mu (Save calls this while locked).
func (*projectStateJSON) from(s *ProjectState) *projectStateJSON {
	return &projectStateJSON{
		ProjectID:      s.ProjectID,
		Description:    s.Description,
		Phase:          s.Phase,
		SuspendedFrom:  s.suspendedFrom,
		Requirements:   s.Requirements,
		Architecture:   s.Architecture,
		Files:          s.Files,
		TestResults:    s.TestResults,
		Deployment:     s.Deployment,
		Transitions:    s.Transitions,
		Errors:         s.Errors,
		Retries:        s.Retries,
		MaxRetries:     s.MaxRetries,
		StartedAt:      s.StartedAt,
		CompletedAt:    s.CompletedAt,
		Metadata:       s.Metadata,
		WorkspaceRoots: s.WorkspaceRoots,
	}
}

// to builds a fresh ProjectState from a decoded JSON mirror. The returned
// state's mutex is zero-valued (unlocked), as required for a freshly loaded
// value.
func (pj *projectStateJSON) to() *ProjectState {
	s := &ProjectState{
		ProjectID:      pj.ProjectID,
		Description:    pj.Description,
		Phase:          pj.Phase,
		suspendedFrom:  pj.SuspendedFrom,
		Requirements:   pj.Requirements,
		Architecture:   pj.Architecture,
		Files:          pj.Files,
		TestResults:    pj.TestResults,
		Deployment:     pj.Deployment,
		Transitions:    pj.Transitions,
		Errors:         pj.Errors,
		Retries:        pj.Retries,
		MaxRetries:     pj.MaxRetries,
		StartedAt:      pj.StartedAt,
		CompletedAt:    pj.CompletedAt,
		Metadata:       pj.Metadata,
		WorkspaceRoots: pj.WorkspaceRoots,
	}
	if s.Retries == nil {
		s.Retries = make(map[Phase]int)
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	return s
}
