package crew

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"autoforge/internal/guardrail"
	"autoforge/internal/logging"
	"autoforge/internal/state"

	"go.uber.org/zap"
)

// Policy selects a Crew's scheduling discipline (spec §4.4).
type Policy string

const (
	PolicySequential  Policy = "sequential"
	PolicyCoordinated Policy = "coordinated"
)

// Invoker dispatches one Task to its bound worker role and returns the raw
// text, coerced artifact, and reported token usage. Crew is deliberately
// decoupled from internal/worker's concrete type so it can be driven by
// fakes in tests.
type Invoker interface {
	Invoke(ctx context.Context, t Task, deps map[string]TaskOutput, feedback []string) (artifact interface{}, raw string, tokens int, err error)
}

// Crew owns an ordered Task list, its dependency DAG, a process policy, and
// a per-task retry budget (spec §4.4).
type Crew struct {
	Name            string
	Tasks           []Task
	Policy          Policy
	Invoker         Invoker
	MaxRetriesPerTask int

	// State is the read-only snapshot guardrails check against (e.g.
	// ArchitectureCompliance reading the current Architecture). Crews built
	// without one simply run guardrails against the zero value.
	State state.ProjectState

	// InitialFeedback seeds every task's first invocation, carrying
	// phase-level context a PhaseHandler received from Flow (e.g. the
	// previous attempt's failing-test trace) into the Crew it builds fresh
	// each call. Per-task retry feedback still accumulates on top of this
	// independently for each task.
	InitialFeedback []string

	// Concurrency bounds simultaneous task execution under the Coordinated
	// policy (spec §4.4 "independent tasks may execute concurrently").
	Concurrency int

	// ActiveCapPerRole bounds how many tasks may be concurrently assigned
	// to the same worker role (spec §4.4 "active-task-per-worker cap").
	ActiveCapPerRole map[string]int

	// OnCommit, when set, is notified with each task's committed output,
	// letting the composition root remember it in cross-task associative
	// memory (spec §4.5) without this package importing internal/memory.
	OnCommit CommitObserver
}

// CommitObserver observes one task's committed output.
type CommitObserver func(TaskOutput)

// Output is the merged result of Crew.Kickoff: every committed task output
// plus every warning accumulated along the way (spec §4.4).
type Output struct {
	Tasks    map[string]TaskOutput
	Warnings []guardrail.Verdict
}

// DefaultMaxRetriesPerTask is the spec's default task-level retry budget.
const DefaultMaxRetriesPerTask = 3

// Kickoff runs the Crew's Tasks to completion under its Policy, returning
// the merged outputs or failing fast on the first critical guardrail
// verdict or exhausted retry budget (spec §4.4).
func (c Crew) Kickoff(ctx context.Context) (Output, error) {
	if c.MaxRetriesPerTask <= 0 {
		c.MaxRetriesPerTask = DefaultMaxRetriesPerTask
	}
	groups, err := layers(c.Tasks)
	if err != nil {
		return Output{}, err
	}

	switch c.Policy {
	case PolicyCoordinated:
		return c.runCoordinated(ctx, groups)
	default:
		return c.runSequential(ctx, groups)
	}
}

// runSequential executes tasks in topological order, one at a time, per
// spec §4.4.
func (c Crew) runSequential(ctx context.Context, groups [][]Task) (Output, error) {
	out := Output{Tasks: make(map[string]TaskOutput)}
	for _, layer := range groups {
		for _, t := range layer {
			res, err := c.runOneTask(ctx, t, out.Tasks)
			if err != nil {
				return out, err
			}
			out.Tasks[t.ID] = res
			out.Warnings = append(out.Warnings, res.Warnings...)
		}
	}
	return out, nil
}

// runCoordinated executes each topological layer concurrently, bounded by
// Concurrency and ActiveCapPerRole, per spec §4.4. Coordinator assignment
// decisions reduce to "honor the declared WorkerRole per task while
// respecting the per-role concurrency cap" since each Task already names
// its worker role; the cap and the errgroup together are the coordinator's
// enforcement mechanism.
func (c Crew) runCoordinated(ctx context.Context, groups [][]Task) (Output, error) {
	out := Output{Tasks: make(map[string]TaskOutput)}
	var mu sync.Mutex

	concurrency := c.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	sem := semaphore.NewWeighted(int64(concurrency))

	roleSems := make(map[string]*semaphore.Weighted, len(c.ActiveCapPerRole))
	for role, roleCap := range c.ActiveCapPerRole {
		if roleCap > 0 {
			roleSems[role] = semaphore.NewWeighted(int64(roleCap))
		}
	}

	for _, layer := range groups {
		g, gctx := errgroup.WithContext(ctx)
		for _, t := range layer {
			t := t
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)

				if rs, ok := roleSems[t.WorkerRole]; ok {
					if err := rs.Acquire(gctx, 1); err != nil {
						return err
					}
					defer rs.Release(1)
				}

				mu.Lock()
				deps := snapshotDeps(out.Tasks)
				mu.Unlock()

				logging.Get(logging.CategoryCrew).Debug("coordinated task dispatched",
					zap.String("crew", c.Name), zap.String("task", t.ID), zap.String("role", t.WorkerRole))

				res, err := c.runOneTask(gctx, t, deps)
				if err != nil {
					return err
				}

				mu.Lock()
				out.Tasks[t.ID] = res
				out.Warnings = append(out.Warnings, res.Warnings...)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return out, err
		}
	}
	return out, nil
}

func snapshotDeps(tasks map[string]TaskOutput) map[string]TaskOutput {
	cp := make(map[string]TaskOutput, len(tasks))
	for k, v := range tasks {
		cp[k] = v
	}
	return cp
}

// RecoverableError is implemented by Invoke-time errors that should retry
// with the error appended to context rather than fail the task outright —
// the invoke-time counterpart of a guardrail-soft failure (spec §7
// "Shape": "adds the parse diagnostic to the next attempt's context;
// counts against task retry budget").
type RecoverableError interface {
	error
	Recoverable() bool
}

// runOneTask invokes the worker, runs the guardrail chain, and retries
// with accumulated feedback until the task-level budget is exhausted (spec
// §4.4's Sequential description, reused by both policies per task).
func (c Crew) runOneTask(ctx context.Context, t Task, deps map[string]TaskOutput) (TaskOutput, error) {
	feedback := append([]string(nil), c.InitialFeedback...)
	var warnings []guardrail.Verdict

	for attempt := 0; attempt <= c.MaxRetriesPerTask; attempt++ {
		artifact, raw, tokens, err := c.Invoker.Invoke(ctx, t, deps, feedback)
		if err != nil {
			if re, ok := err.(RecoverableError); ok && re.Recoverable() && attempt < c.MaxRetriesPerTask {
				feedback = append(feedback, "invoke error: "+re.Error())
				continue
			}
			return TaskOutput{}, &TaskError{TaskID: t.ID, Cause: err, Output: raw}
		}

		retryBudgetRemaining := c.MaxRetriesPerTask - attempt
		res := t.Guardrails.Run(ctx, guardrail.CheckContext{
			Role:                 t.WorkerRole,
			State:                c.State,
			Artifact:             artifact,
			RawOutput:            raw,
			RetryBudgetRemaining: retryBudgetRemaining,
		})
		warnings = append(warnings, res.Warnings...)

		switch res.Outcome {
		case guardrail.OutcomeContinue:
			committed := TaskOutput{TaskID: t.ID, Artifact: artifact, Warnings: warnings, Tokens: tokens}
			if c.OnCommit != nil {
				c.OnCommit(committed)
			}
			return committed, nil
		case guardrail.OutcomeRetry:
			feedback = append(feedback, res.RetryContext())
			continue
		default: // OutcomeFail
			return TaskOutput{}, &TaskError{TaskID: t.ID, Verdict: res.Failure, Output: raw}
		}
	}
	return TaskOutput{}, fmt.Errorf("crew: task %q exhausted retry budget", t.ID)
}
