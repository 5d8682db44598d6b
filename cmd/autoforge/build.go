// build.go wires the role/task/crew topology that drives each phase,
// grounded on the teacher's Orchestrator+ShardManager wiring
// (cmd/nerd/cmd_campaign.go's runCampaignStart) but fixed to the five
// orchestration roles named here rather than a JIT-registered shard set.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"autoforge/internal/config"
	"autoforge/internal/crew"
	"autoforge/internal/flow"
	"autoforge/internal/guardrail"
	"autoforge/internal/llmclient"
	"autoforge/internal/logging"
	"autoforge/internal/memory"
	"autoforge/internal/state"
	"autoforge/internal/tool"
	"autoforge/internal/worker"

	"go.uber.org/zap"
)

// roleTemplates fixes the identity each worker role presents to the LLM
// (spec's worker roles: requirements_analyst, architect, backend_developer,
// frontend_developer, devops_engineer, test_engineer, code_reviewer,
// deployment_engineer, technical_writer).
var roleTemplates = map[string]worker.RoleTemplate{
	"requirements_analyst": {
		Role:    "requirements_analyst",
		Goal:    "turn a one-paragraph project description into a structured requirements document",
		Persona: "a pragmatic business analyst who favors concrete user stories over vague ambition",
	},
	"architect": {
		Role:    "architect",
		Goal:    "design a system architecture satisfying the accepted requirements",
		Persona: "a systems architect who prefers boring, well-understood technology choices",
	},
	"backend_developer": {
		Role:    "backend_developer",
		Goal:    "implement the backend components named by the architecture",
		Persona: "a backend engineer who writes small, well-tested files",
	},
	"frontend_developer": {
		Role:    "frontend_developer",
		Goal:    "implement the frontend components named by the architecture",
		Persona: "a frontend engineer who keeps components thin and typed",
	},
	"devops_engineer": {
		Role:    "devops_engineer",
		Goal:    "produce the build, CI, and local-dev tooling the project needs",
		Persona: "a devops engineer who automates everything reproducibly",
	},
	"test_engineer": {
		Role:    "test_engineer",
		Goal:    "generate and execute a test suite against the committed files",
		Persona: "a test engineer who writes tests that fail for the right reason",
	},
	"code_reviewer": {
		Role:    "code_reviewer",
		Goal:    "review committed files for correctness and maintainability issues",
		Persona: "a terse, exacting code reviewer",
	},
	"deployment_engineer": {
		Role:    "deployment_engineer",
		Goal:    "produce infrastructure-as-code and packaging artifacts for the finished project",
		Persona: "a deployment engineer who prefers the simplest topology that meets the requirements",
	},
	"technical_writer": {
		Role:    "technical_writer",
		Goal:    "write the documentation a new contributor needs to run this project",
		Persona: "a technical writer who writes for someone seeing the project for the first time",
	},
}

// stores bundles the memory backends a handler set needs, all optional:
// a zero-value stores struct degrades every lookup to a no-op.
type stores struct {
	relational  *memory.RelationalStore
	associative *memory.AssociativeStore
}

// buildRoleWorkers constructs one Worker per role, sharing a single
// GenAIClient across roles but selecting a per-role model id via
// config.Options.ModelFor (spec §9's "lookup table, not runtime type
// selection" role->model dispatch).
func buildRoleWorkers(ctx context.Context, opts config.Options, apiKey string) (flow.RoleWorkers, error) {
	llm, err := llmclient.NewGenAIClient(ctx, apiKey, "")
	if err != nil {
		return nil, fmt.Errorf("build role workers: %w", err)
	}

	workers := make(flow.RoleWorkers, len(roleTemplates))
	for role, tmpl := range roleTemplates {
		workers[role] = &worker.Worker{
			Role:     role,
			ModelID:  opts.ModelFor(role),
			LLM:      llm,
			Template: tmpl,
			Coerce:   coerceFor(role),
			Config:   worker.DefaultConfig(),
		}
	}

	// execute_tests drives a real test run between completions rather than
	// trusting the model's narration of pass/fail (spec §4.2 TestRunner
	// "deterministically parses its results").
	runner := tool.GoTestRunner{}
	workers["test_engineer"].ToolCall = goTestToolCall(runner)

	return workers, nil
}

// goTestToolCall recognizes a RUN_TESTS marker in the model's text, invokes
// runner against the current workspace, and feeds the JSON-encoded result
// back as a tool message; any other text is treated as the model's final
// answer (spec §4.3 step 4).
func goTestToolCall(runner tool.GoTestRunner) func(raw string) (string, bool) {
	return func(raw string) (string, bool) {
		if !strings.Contains(raw, "RUN_TESTS") {
			return "", false
		}
		result, err := runner.Run(context.Background(), ".", ".")
		if err != nil {
			return fmt.Sprintf(`{"error": %q}`, err.Error()), true
		}
		encoded, err := json.Marshal(result)
		if err != nil {
			return fmt.Sprintf(`{"error": %q}`, err.Error()), true
		}
		return string(encoded), true
	}
}

// coerceFor picks the CoerceFunc matching a role's declared artifact type.
// Every role parses its model text as JSON, pulled out of an optional
// markdown code fence the way the teacher's extractJSON helpers do
// (internal/init/strategic_knowledge.go, internal/autopoiesis/toolgen.go),
// except technical_writer which passes raw prose straight through.
func coerceFor(role string) worker.CoerceFunc {
	switch role {
	case "requirements_analyst":
		return coerceJSON[state.Requirements]()
	case "architect":
		return coerceJSON[state.Architecture]()
	case "backend_developer", "frontend_developer", "devops_engineer":
		return coerceCodeFiles
	case "test_engineer":
		return coerceTestEngineerOutput
	case "code_reviewer":
		return coerceJSON[[]guardrail.Verdict]()
	case "deployment_engineer":
		return coerceDeploymentArtifact
	case "technical_writer":
		return func(raw string) (interface{}, error) { return raw, nil }
	default:
		return nil
	}
}

// extractJSON strips an optional ```json fence (or bare ``` fence) around
// a model's JSON payload, grounded on the teacher's extractJSON helpers.
func extractJSON(s string) string {
	if idx := strings.Index(s, "```json"); idx != -1 {
		start := idx + len("```json")
		if end := strings.Index(s[start:], "```"); end != -1 {
			return strings.TrimSpace(s[start : start+end])
		}
	}
	if idx := strings.Index(s, "```"); idx != -1 {
		start := idx + 3
		if nl := strings.Index(s[start:], "\n"); nl != -1 {
			start += nl + 1
		}
		if end := strings.Index(s[start:], "```"); end != -1 {
			return strings.TrimSpace(s[start : start+end])
		}
	}
	return strings.TrimSpace(s)
}

// shapeOf satisfies guardrail.OutputShape.Validate for a task whose
// coercer already produced a concrete T: it fails only when the
// committed artifact isn't that type (e.g. a coercer bug, not a model
// mistake caught earlier in the pipeline).
func shapeOf[T any](artifact interface{}) error {
	if _, ok := artifact.(T); !ok {
		var zero T
		return fmt.Errorf("expected %T, got %T", zero, artifact)
	}
	return nil
}

func coerceJSON[T any]() worker.CoerceFunc {
	return func(raw string) (interface{}, error) {
		var v T
		if err := json.Unmarshal([]byte(extractJSON(raw)), &v); err != nil {
			return nil, fmt.Errorf("parse %T: %w", v, err)
		}
		return v, nil
	}
}

// coerceCodeFiles accepts either a single file object or a JSON array of
// them, matching flow.filesOf's own acceptance of state.CodeFile or
// []state.CodeFile.
func coerceCodeFiles(raw string) (interface{}, error) {
	text := extractJSON(raw)
	var files []state.CodeFile
	if err := json.Unmarshal([]byte(text), &files); err == nil {
		return files, nil
	}
	var one state.CodeFile
	if err := json.Unmarshal([]byte(text), &one); err != nil {
		return nil, fmt.Errorf("parse code file(s): %w", err)
	}
	return one, nil
}

// testEngineerTask discriminates the two test_engineer tasks by the
// schema string the Crew declares, since both share one Worker role.
func coerceTestEngineerOutput(raw string) (interface{}, error) {
	text := extractJSON(raw)
	var run state.TestRun
	if err := json.Unmarshal([]byte(text), &run); err == nil && (run.Total > 0 || run.Passed > 0 || run.Failed > 0) {
		return run, nil
	}
	var files []state.CodeFile
	if err := json.Unmarshal([]byte(text), &files); err == nil {
		return files, nil
	}
	var one state.CodeFile
	if err := json.Unmarshal([]byte(text), &one); err == nil {
		return one, nil
	}
	return nil, fmt.Errorf("parse test_engineer output: unrecognized shape")
}

// coerceDeploymentArtifact accepts the three independent deployment-task
// shapes flow.assembleDeploymentBundle expects: an infra map, a packaging
// list, or a documentation string (deployment_engineer covers the first
// two; technical_writer covers the third via its own raw-passthrough
// coercer).
func coerceDeploymentArtifact(raw string) (interface{}, error) {
	text := extractJSON(raw)
	var m map[string]string
	if err := json.Unmarshal([]byte(text), &m); err == nil {
		return m, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(text), &list); err == nil {
		return list, nil
	}
	return nil, fmt.Errorf("parse deployment artifact: unrecognized shape")
}

// tokenAccumulator totals token usage reported by OnInvocation between
// RecordPhase calls, letting Flow's phase-level recorder attribute a
// coarse token_estimate to each completed phase without threading a token
// count through every PhaseHandler return.
type tokenAccumulator struct {
	mu    sync.Mutex
	total int
}

func (a *tokenAccumulator) add(n int) {
	a.mu.Lock()
	a.total += n
	a.mu.Unlock()
}

// drain returns the accumulated total and resets it to zero.
func (a *tokenAccumulator) drain() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.total
	a.total = 0
	return n
}

// buildHandlers assembles one flow.PhaseHandler per orchestrated phase,
// each building a fresh crew.Crew bound to the current state snapshot and
// phase-level feedback (crew.Crew.InitialFeedback, closing the gap where
// phase feedback previously never reached a task's first attempt). The
// returned tokenAccumulator accrues every worker invocation's reported
// usage for run.go/resume.go to drain into RelationalStore.RecordPhase.
func buildHandlers(workers flow.RoleWorkers, st stores, opts config.Options, runID string) (map[state.Phase]flow.PhaseHandler, *tokenAccumulator) {
	tokens := &tokenAccumulator{}

	invoker := flow.WorkerInvoker{
		Workers: workers,
		MemoryOf: func(taskID string) []string {
			if st.associative == nil {
				return nil
			}
			results, err := st.associative.Recall(context.Background(), runID, taskID, "", 5)
			if err != nil {
				return nil
			}
			out := make([]string, 0, len(results))
			for _, r := range results {
				out = append(out, r.Content)
			}
			return out
		},
		OnInvocation: func(role, modelID string, n int, failed bool) {
			tokens.add(n)
			if st.relational == nil {
				return
			}
			key := memory.RoleMetricKey{Role: role, ModelID: modelID}
			if err := st.relational.RecordRoleInvocation(context.Background(), key, n, failed); err != nil {
				logging.Get(logging.CategoryMemory).Warn("record role invocation failed", zap.Error(err))
			}
		},
	}
	onCommit := rememberCommit(st, runID)

	return map[state.Phase]flow.PhaseHandler{
		state.PhasePlanning:    planningHandler(invoker, onCommit, opts),
		state.PhaseDevelopment: developmentHandler(invoker, onCommit, opts),
		state.PhaseTesting:     testingHandler(invoker, onCommit, opts),
		state.PhaseDeployment:  deploymentHandler(invoker, onCommit, opts),
	}, tokens
}

// rememberCommit remembers each committed task output under runID (the
// associative store's project_id scope), keyed by task id, so a later task
// in the same or a resumed run can recall it (spec §4.5 "remember(scope_path,
// content, metadata)"). Warnings on the committed output raise its
// importance score, matching the teacher's emphasis-by-friction heuristic
// for what's worth recalling later.
func rememberCommit(st stores, runID string) crew.CommitObserver {
	return func(out crew.TaskOutput) {
		if st.associative == nil {
			return
		}
		importance := 0.5
		if len(out.Warnings) > 0 {
			importance = 0.7
		}
		content := fmt.Sprintf("%v", out.Artifact)
		if err := st.associative.Remember(context.Background(), runID, out.TaskID, content, importance); err != nil {
			logging.Get(logging.CategoryMemory).Warn("remember task output failed", zap.Error(err))
		}
	}
}

func planningHandler(invoker flow.WorkerInvoker, onCommit crew.CommitObserver, opts config.Options) flow.PhaseHandler {
	return func(ctx context.Context, snap state.ProjectState, feedback []string) (crew.Output, error) {
		tasks := []crew.Task{
			{
				ID:             "requirements",
				Description:    fmt.Sprintf("produce a Requirements document for: %s", snap.Description),
				WorkerRole:     "requirements_analyst",
				ExpectedSchema: "state.Requirements JSON",
				Guardrails: guardrail.NewChain("requirements",
					guardrail.RoleAdherence{ExpectedRole: "requirements_analyst"},
					guardrail.IterationLimit{},
					guardrail.OutputShape{Validate: shapeOf[state.Requirements]},
					guardrail.NewPIIDetection(),
				),
			},
			{
				ID:                "architecture",
				Description:       "produce an Architecture document satisfying the accepted requirements",
				WorkerRole:        "architect",
				ExpectedSchema:    "state.Architecture JSON",
				DependencyTaskIDs: []string{"requirements"},
				Guardrails: guardrail.NewChain("architecture",
					guardrail.RoleAdherence{ExpectedRole: "architect"},
					guardrail.IterationLimit{},
					guardrail.OutputShape{Validate: shapeOf[state.Architecture]},
				),
			},
		}
		c := crew.Crew{
			Name:              "planning",
			Tasks:             tasks,
			Policy:            crew.PolicySequential,
			Invoker:           invoker,
			MaxRetriesPerTask: opts.MaxRetries,
			State:             snap,
			InitialFeedback:   feedback,
			OnCommit:          onCommit,
		}
		return c.Kickoff(ctx)
	}
}

func developmentHandler(invoker flow.WorkerInvoker, onCommit crew.CommitObserver, opts config.Options) flow.PhaseHandler {
	return func(ctx context.Context, snap state.ProjectState, feedback []string) (crew.Output, error) {
		guardrailsFor := func(role string) guardrail.Chain {
			return guardrail.NewChain("development",
				guardrail.FileLength{MaxLines: 400, Files: filesOfArtifact},
				guardrail.FunctionLength{MaxLines: 80, Files: filesOfArtifact},
				guardrail.DocstringPresence{Files: filesOfArtifact},
				guardrail.DependencyPolicy{Blocklist: blocklistFrom(opts), Files: filesOfArtifact},
				guardrail.ArchitectureCompliance{Files: filesOfArtifact},
				guardrail.PathSecurity{WorkspaceRoots: snap.WorkspaceRoots, Paths: pathsOfArtifact},
				guardrail.NewDangerousPattern(opts.DangerousPatterns),
				guardrail.NewSecretDetection(),
				guardrail.RoleAdherence{ExpectedRole: role},
				guardrail.IterationLimit{},
				guardrail.OutputShape{Validate: shapeOfCodeFiles},
			)
		}

		tasks := []crew.Task{
			{
				ID:             "backend",
				Description:    "implement the backend files named by the architecture's components",
				WorkerRole:     "backend_developer",
				ExpectedSchema: "[]state.CodeFile JSON",
				Guardrails:     guardrailsFor("backend_developer"),
			},
			{
				ID:             "devops",
				Description:    "produce build, CI, and local-dev tooling files",
				WorkerRole:     "devops_engineer",
				ExpectedSchema: "[]state.CodeFile JSON",
				Guardrails:     guardrailsFor("devops_engineer"),
			},
		}
		if snap.Architecture != nil && snap.Architecture.HasFrontend {
			tasks = append(tasks, crew.Task{
				ID:             "frontend",
				Description:    "implement the frontend files named by the architecture's components",
				WorkerRole:     "frontend_developer",
				ExpectedSchema: "[]state.CodeFile JSON",
				Guardrails:     guardrailsFor("frontend_developer"),
			})
		}

		c := crew.Crew{
			Name:              "development",
			Tasks:             tasks,
			Policy:            crew.PolicyCoordinated,
			Invoker:           invoker,
			MaxRetriesPerTask: opts.MaxRetries,
			State:             snap,
			InitialFeedback:   feedback,
			Concurrency:       opts.Concurrency,
			OnCommit:          onCommit,
		}
		return c.Kickoff(ctx)
	}
}

func testingHandler(invoker flow.WorkerInvoker, onCommit crew.CommitObserver, opts config.Options) flow.PhaseHandler {
	return func(ctx context.Context, snap state.ProjectState, feedback []string) (crew.Output, error) {
		tasks := []crew.Task{
			{
				ID:             "generate_tests",
				Description:    "write test files covering the committed backend/frontend/devops files",
				WorkerRole:     "test_engineer",
				ExpectedSchema: "[]state.CodeFile JSON",
				Guardrails: guardrail.NewChain("generate_tests",
					guardrail.RoleAdherence{ExpectedRole: "test_engineer"},
					guardrail.IterationLimit{},
					guardrail.OutputShape{Validate: shapeOfCodeFiles},
				),
			},
			{
				ID:             "review_code",
				Description:    "review the committed files for correctness and maintainability issues",
				WorkerRole:     "code_reviewer",
				ExpectedSchema: "[]guardrail.Verdict JSON",
				Guardrails: guardrail.NewChain("review_code",
					guardrail.RoleAdherence{ExpectedRole: "code_reviewer"},
					guardrail.IterationLimit{},
					guardrail.OutputShape{Validate: shapeOf[[]guardrail.Verdict]},
				),
			},
			{
				ID:                "execute_tests",
				Description:       "run the generated test suite (emit RUN_TESTS to invoke it) and report results as state.TestRun JSON",
				WorkerRole:        "test_engineer",
				ExpectedSchema:    "state.TestRun JSON",
				DependencyTaskIDs: []string{"generate_tests"},
				Guardrails: guardrail.NewChain("execute_tests",
					guardrail.CoverageThreshold{Threshold: opts.CoverageThreshold},
					guardrail.RoleAdherence{ExpectedRole: "test_engineer"},
					guardrail.IterationLimit{},
					guardrail.OutputShape{Validate: shapeOf[state.TestRun]},
				),
			},
		}
		c := crew.Crew{
			Name:              "testing",
			Tasks:             tasks,
			Policy:            crew.PolicyCoordinated,
			Invoker:           invoker,
			MaxRetriesPerTask: opts.MaxRetries,
			State:             snap,
			InitialFeedback:   feedback,
			Concurrency:       opts.Concurrency,
			OnCommit:          onCommit,
		}
		return c.Kickoff(ctx)
	}
}

func deploymentHandler(invoker flow.WorkerInvoker, onCommit crew.CommitObserver, opts config.Options) flow.PhaseHandler {
	return func(ctx context.Context, snap state.ProjectState, feedback []string) (crew.Output, error) {
		tasks := []crew.Task{
			{
				ID:             "infrastructure",
				Description:    "produce infrastructure-as-code files keyed by filename",
				WorkerRole:     "deployment_engineer",
				ExpectedSchema: "map[string]string JSON",
				Guardrails: guardrail.NewChain("infrastructure",
					guardrail.RoleAdherence{ExpectedRole: "deployment_engineer"},
					guardrail.IterationLimit{},
					guardrail.OutputShape{Validate: shapeOf[map[string]string]},
				),
			},
			{
				ID:             "packaging",
				Description:    "produce packaging artifact descriptions",
				WorkerRole:     "deployment_engineer",
				ExpectedSchema: "[]string JSON",
				Guardrails: guardrail.NewChain("packaging",
					guardrail.RoleAdherence{ExpectedRole: "deployment_engineer"},
					guardrail.IterationLimit{},
					guardrail.OutputShape{Validate: shapeOf[[]string]},
				),
			},
			{
				ID:             "documentation",
				Description:    "write the project's top-level documentation",
				WorkerRole:     "technical_writer",
				ExpectedSchema: "raw markdown text",
				Guardrails: guardrail.NewChain("documentation",
					guardrail.DocumentationPresence{},
					guardrail.RoleAdherence{ExpectedRole: "technical_writer"},
					guardrail.IterationLimit{},
					guardrail.NewPIIDetection(),
				),
			},
		}
		c := crew.Crew{
			Name:              "deployment",
			Tasks:             tasks,
			Policy:            crew.PolicyCoordinated,
			Invoker:           invoker,
			MaxRetriesPerTask: opts.MaxRetries,
			State:             snap,
			InitialFeedback:   feedback,
			Concurrency:       opts.Concurrency,
			ActiveCapPerRole:  map[string]int{"deployment_engineer": 1},
			OnCommit:          onCommit,
		}
		return c.Kickoff(ctx)
	}
}

// shapeOfCodeFiles satisfies guardrail.OutputShape.Validate for the three
// code-producing roles, accepting either shape coerceCodeFiles emits.
func shapeOfCodeFiles(artifact interface{}) error {
	switch artifact.(type) {
	case state.CodeFile, []state.CodeFile:
		return nil
	default:
		return fmt.Errorf("expected state.CodeFile or []state.CodeFile, got %T", artifact)
	}
}

func filesOfArtifact(artifact interface{}) []state.CodeFile {
	switch v := artifact.(type) {
	case state.CodeFile:
		return []state.CodeFile{v}
	case []state.CodeFile:
		return v
	default:
		return nil
	}
}

func pathsOfArtifact(artifact interface{}) []string {
	files := filesOfArtifact(artifact)
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	return paths
}

func blocklistFrom(opts config.Options) map[string]bool {
	// No top-level config surface names a dependency blocklist distinct
	// from the dangerous-pattern list; DependencyPolicy's blocklist starts
	// empty and is a seam for future config wiring.
	_ = opts
	return map[string]bool{}
}
