package flow

import (
	"context"
	"fmt"

	"autoforge/internal/crew"
	"autoforge/internal/worker"
)

// RoleWorkers binds a crew Task's declared WorkerRole to the concrete
// Worker that executes it.
type RoleWorkers map[string]*worker.Worker

// DependencyRenderer renders a committed dependency's TaskOutput into the
// context string a dependent task's Worker sees (spec §4.3 "rendered prior
// task outputs, in declared dependency order").
type DependencyRenderer func(crew.TaskOutput) string

// InvocationObserver is notified after every worker invocation completes,
// successfully or not, letting the composition root record cross-session
// role metrics (spec §4.5's RelationalStore) without this package
// importing internal/memory.
type InvocationObserver func(role, modelID string, tokens int, failed bool)

// WorkerInvoker adapts a role-keyed set of Workers to crew.Invoker,
// grounded on the teacher's Orchestrator dispatching a Task to the
// SubAgent bound to its declared role (internal/campaign/orchestrator_execution.go).
type WorkerInvoker struct {
	Workers      RoleWorkers
	Render       DependencyRenderer
	MemoryOf     func(taskID string) []string
	OnInvocation InvocationObserver
}

// Invoke satisfies crew.Invoker.
func (wi WorkerInvoker) Invoke(ctx context.Context, t crew.Task, deps map[string]crew.TaskOutput, feedback []string) (interface{}, string, int, error) {
	w, ok := wi.Workers[t.WorkerRole]
	if !ok {
		return nil, "", 0, fmt.Errorf("flow: no worker bound for role %q", t.WorkerRole)
	}

	render := wi.Render
	if render == nil {
		render = defaultDependencyRenderer
	}

	var depCtx []string
	for _, id := range t.DependencyTaskIDs {
		if out, ok := deps[id]; ok {
			depCtx = append(depCtx, render(out))
		}
	}

	var recall []string
	if wi.MemoryOf != nil {
		recall = wi.MemoryOf(t.ID)
	}

	wt := worker.Task{
		ID:                t.ID,
		Description:       t.Description,
		ExpectedSchema:    t.ExpectedSchema,
		DependencyContext: depCtx,
		MemoryRecall:      recall,
		GuardrailFeedback: feedback,
	}

	out, err := w.Invoke(ctx, wt)
	if wi.OnInvocation != nil {
		wi.OnInvocation(t.WorkerRole, w.ModelID, out.Tokens.Total, err != nil)
	}
	if err != nil {
		return nil, "", 0, err
	}
	return out.Artifact, out.Raw, out.Tokens.Total, nil
}

func defaultDependencyRenderer(o crew.TaskOutput) string {
	return fmt.Sprintf("%s: %v", o.TaskID, o.Artifact)
}
