package crew

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoforge/internal/guardrail"
)

type recordingInvoker struct {
	mu    sync.Mutex
	calls []string
	fn    func(t Task) (interface{}, string, error)
}

func (r *recordingInvoker) Invoke(_ context.Context, t Task, _ map[string]TaskOutput, _ []string) (interface{}, string, int, error) {
	r.mu.Lock()
	r.calls = append(r.calls, t.ID)
	r.mu.Unlock()
	artifact, raw, err := r.fn(t)
	return artifact, raw, 0, err
}

func passChain() guardrail.Chain {
	return guardrail.NewChain("always-pass")
}

func TestKickoff_SequentialRunsInTopologicalOrder(t *testing.T) {
	order := []string{}
	var mu sync.Mutex
	inv := &recordingInvoker{fn: func(task Task) (interface{}, string, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return "ok", "ok", nil
	}}
	c := Crew{
		Policy:  PolicySequential,
		Invoker: inv,
		Tasks: []Task{
			{ID: "b", DependencyTaskIDs: []string{"a"}, Guardrails: passChain()},
			{ID: "a", Guardrails: passChain()},
		},
	}
	out, err := c.Kickoff(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Len(t, out.Tasks, 2)
}

func TestKickoff_CycleDetected(t *testing.T) {
	c := Crew{
		Policy: PolicySequential,
		Tasks: []Task{
			{ID: "a", DependencyTaskIDs: []string{"b"}},
			{ID: "b", DependencyTaskIDs: []string{"a"}},
		},
	}
	_, err := c.Kickoff(context.Background())
	var cycleErr *ErrCycle
	require.ErrorAs(t, err, &cycleErr)
}

func TestKickoff_UnknownDependencyFails(t *testing.T) {
	c := Crew{
		Policy: PolicySequential,
		Tasks:  []Task{{ID: "a", DependencyTaskIDs: []string{"ghost"}}},
	}
	_, err := c.Kickoff(context.Background())
	require.Error(t, err)
}

func TestKickoff_RetriesOnGuardrailFailureThenSucceeds(t *testing.T) {
	attempt := 0
	inv := &recordingInvoker{fn: func(task Task) (interface{}, string, error) {
		attempt++
		return attempt, "raw", nil
	}}
	failOnce := fixedGuardrailForTest{
		check: func(cc guardrail.CheckContext) guardrail.Verdict {
			if cc.Artifact.(int) < 2 {
				return guardrail.Fail("quality.x", "needs another pass", nil, true, guardrail.SeverityWarning)
			}
			return guardrail.Pass("quality.x")
		},
	}
	c := Crew{
		Policy:          PolicySequential,
		Invoker:         inv,
		MaxRetriesPerTask: 3,
		Tasks: []Task{
			{ID: "a", Guardrails: guardrail.NewChain("c", failOnce)},
		},
	}
	out, err := c.Kickoff(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, out.Tasks["a"].Artifact)
}

func TestKickoff_FailsFastOnCriticalVerdict(t *testing.T) {
	inv := &recordingInvoker{fn: func(task Task) (interface{}, string, error) { return "x", "x", nil }}
	critical := fixedGuardrailForTest{
		check: func(guardrail.CheckContext) guardrail.Verdict {
			return guardrail.Fail("security.x", "dangerous", nil, true, guardrail.SeverityCritical)
		},
	}
	c := Crew{
		Policy:          PolicySequential,
		Invoker:         inv,
		MaxRetriesPerTask: 3,
		Tasks:           []Task{{ID: "a", Guardrails: guardrail.NewChain("c", critical)}},
	}
	_, err := c.Kickoff(context.Background())
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, "a", taskErr.TaskID)
}

func TestKickoff_CoordinatedRunsIndependentTasksConcurrently(t *testing.T) {
	inv := &recordingInvoker{fn: func(task Task) (interface{}, string, error) { return "ok", "ok", nil }}
	c := Crew{
		Policy:      PolicyCoordinated,
		Invoker:     inv,
		Concurrency: 4,
		Tasks: []Task{
			{ID: "a", Guardrails: passChain()},
			{ID: "b", Guardrails: passChain()},
			{ID: "c", DependencyTaskIDs: []string{"a", "b"}, Guardrails: passChain()},
		},
	}
	out, err := c.Kickoff(context.Background())
	require.NoError(t, err)
	assert.Len(t, out.Tasks, 3)
}

type recoverableTestError struct{ msg string }

func (e *recoverableTestError) Error() string   { return e.msg }
func (e *recoverableTestError) Recoverable() bool { return true }

func TestKickoff_RetriesOnRecoverableInvokeErrorThenSucceeds(t *testing.T) {
	attempt := 0
	inv := &recordingInvoker{fn: func(task Task) (interface{}, string, error) {
		attempt++
		if attempt < 2 {
			return nil, "", &recoverableTestError{msg: "shape mismatch"}
		}
		return "ok", "ok", nil
	}}
	c := Crew{
		Policy:            PolicySequential,
		Invoker:           inv,
		MaxRetriesPerTask: 3,
		Tasks:             []Task{{ID: "a", Guardrails: passChain()}},
	}
	out, err := c.Kickoff(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Tasks["a"].Artifact)
	assert.Equal(t, 2, attempt)
}

func TestKickoff_NonRecoverableInvokeErrorFailsImmediately(t *testing.T) {
	calls := 0
	inv := &recordingInvoker{fn: func(task Task) (interface{}, string, error) {
		calls++
		return nil, "", errors.New("llm down")
	}}
	c := Crew{
		Policy:            PolicySequential,
		Invoker:           inv,
		MaxRetriesPerTask: 3,
		Tasks:             []Task{{ID: "a", Guardrails: passChain()}},
	}
	_, err := c.Kickoff(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestKickoff_ErrorsWhenInvokerFails(t *testing.T) {
	inv := &recordingInvoker{fn: func(task Task) (interface{}, string, error) { return nil, "", errors.New("llm down") }}
	c := Crew{Policy: PolicySequential, Invoker: inv, Tasks: []Task{{ID: "a", Guardrails: passChain()}}}
	_, err := c.Kickoff(context.Background())
	require.Error(t, err)
}

type fixedGuardrailForTest struct {
	check func(guardrail.CheckContext) guardrail.Verdict
}

func (f fixedGuardrailForTest) Name() string { return "test" }
func (f fixedGuardrailForTest) Check(_ context.Context, cc guardrail.CheckContext) guardrail.Verdict {
	return f.check(cc)
}
