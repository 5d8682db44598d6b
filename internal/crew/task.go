// Package crew implements the Task DAG and two execution policies described
// in spec §4.4, grounded on the teacher's Orchestrator execution loop
// (internal/campaign/orchestrator_execution.go, orchestrator_tasks.go):
// same dependency-gated scheduling and mutex-guarded run state, but driven
// by a fixed topological/coordinated scheduler instead of a Mangle query
// loop, and using golang.org/x/sync/errgroup+semaphore for the Coordinated
// policy's bounded concurrency rather than a hand-rolled worker pool.
package crew

import (
	"time"

	"autoforge/internal/guardrail"
)

// Task declares one unit of Crew work (spec §4.4).
type Task struct {
	ID               string
	Description      string
	WorkerRole       string
	ExpectedSchema   string
	DependencyTaskIDs []string
	Guardrails       guardrail.Chain
	Timeout          time.Duration
}

// TaskOutput is the committed result of one Task.
type TaskOutput struct {
	TaskID   string
	Artifact interface{}
	Warnings []guardrail.Verdict
	// Tokens is the invoker-reported token usage for the attempt that
	// committed this output (0 if the invoker does not report usage).
	Tokens int
}

// TaskError identifies the offending task and verdict on failure (spec
// §4.4 "returning a structured error identifying the offending task and
// verdict").
type TaskError struct {
	TaskID  string
	Verdict *guardrail.Verdict
	Cause   error
	// Output is the raw worker text that triggered the failing verdict,
	// carried so a phase-level failure report can cite it (spec §7
	// "the last worker output that triggered it").
	Output string
}

func (e *TaskError) Error() string {
	if e.Verdict != nil {
		return "crew: task " + e.TaskID + " failed guardrail " + e.Verdict.Category + ": " + e.Verdict.Message
	}
	if e.Cause != nil {
		return "crew: task " + e.TaskID + " failed: " + e.Cause.Error()
	}
	return "crew: task " + e.TaskID + " failed"
}

func (e *TaskError) Unwrap() error { return e.Cause }
