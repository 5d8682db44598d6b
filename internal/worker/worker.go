// Package worker implements the role-bound LLM invoker described in spec
// §4.3, grounded on the teacher's SubAgent (internal/session/subagent.go):
// same context-isolated, state-tracked, single-responsibility execution
// unit, but driven by a fixed invoke(task) contract instead of JIT-selected
// tool/behavior config, and with its backoff schedule taken from the
// Orchestrator's computeRetryBackoff (internal/campaign/orchestrator_failure.go).
package worker

import (
	"context"
	"fmt"
	"time"

	"autoforge/internal/tool"
)

// RoleTemplate is the fixed identity a Worker presents to the LLM: role,
// goal, and persona (spec §4.3).
type RoleTemplate struct {
	Role    string
	Goal    string
	Persona string
}

// Task is one unit of work handed to a Worker by a Crew.
type Task struct {
	ID                string
	Description       string
	ExpectedSchema    string
	DependencyContext []string // rendered prior task outputs, in declared dependency order
	MemoryRecall      []string // optional associative-memory recall snippets
	GuardrailFeedback []string // accumulated retry context from guardrail failures
}

// Output is what invoke() produces on success.
type Output struct {
	Raw      string
	Artifact interface{}
	Finish   tool.FinishReason
	Tokens   tool.TokenCounts
}

// CoerceFunc parses raw LLM text into the task's declared typed artifact,
// returning a parse diagnostic on failure (spec §4.3 step 3).
type CoerceFunc func(raw string) (interface{}, error)

// ErrShape is returned when CoerceFunc cannot parse the model's text into
// the declared artifact type (spec §7 "Shape").
type ErrShape struct {
	Diagnostic string
}

func (e *ErrShape) Error() string { return "worker: shape error: " + e.Diagnostic }

// Recoverable marks ErrShape as a crew.RecoverableError: a shape failure
// retries with the diagnostic appended to context and counts against the
// task's retry budget, rather than failing the task outright (spec §7
// "Shape").
func (e *ErrShape) Recoverable() bool { return true }

// Config bounds one Worker's retry and iteration behavior.
type Config struct {
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	IterationCap    int
}

// DefaultConfig mirrors the spec's fixed backoff schedule: 1s, 2s, 4s, 8s,
// capped.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   4,
		BackoffBase:  1 * time.Second,
		BackoffCap:   8 * time.Second,
		IterationCap: 10,
	}
}

// Worker binds a role, an LLM handle with its selected model id, a tool
// subset, and a context assembler (spec §4.3). Workers never see
// guardrails — the Crew layer runs those above invoke()'s result.
type Worker struct {
	Role     string
	ModelID  string
	LLM      tool.LLM
	Tools    map[string]interface{} // capability subset available for this role, opaque to this package
	Template RoleTemplate
	Coerce   CoerceFunc
	Config   Config

	// ToolCall, when set, lets a worker emit structured tool calls between
	// completions (spec §4.3 step 4). Returning ok=false signals the model
	// reached a final answer.
	ToolCall func(raw string) (result string, ok bool)
}

// Invoke runs the assemble -> complete -> coerce -> tool-call loop
// described in spec §4.3.
func (w *Worker) Invoke(ctx context.Context, task Task) (Output, error) {
	messages := w.assemble(task, nil)

	for iteration := 0; ; iteration++ {
		if iteration >= w.Config.IterationCap {
			return Output{}, fmt.Errorf("worker: iteration cap (%d) reached without completion", w.Config.IterationCap)
		}

		text, finish, counts, err := w.completeWithRetry(ctx, messages)
		if err != nil {
			return Output{}, err
		}

		if w.ToolCall != nil {
			if result, ok := w.ToolCall(text); ok {
				messages = w.assemble(task, []string{result})
				continue
			}
		}

		artifact, err := w.coerce(text)
		if err != nil {
			return Output{}, err
		}
		return Output{Raw: text, Artifact: artifact, Finish: finish, Tokens: counts}, nil
	}
}

// assemble builds the message list for one completion: role template, task
// description and schema, dependency context, memory recall, accumulated
// guardrail feedback, then any freshly appended tool results (spec §4.3
// step 1).
func (w *Worker) assemble(task Task, toolResults []string) []tool.Message {
	var messages []tool.Message
	messages = append(messages, tool.Message{
		Role:    "system",
		Content: fmt.Sprintf("role: %s\ngoal: %s\npersona: %s", w.Template.Role, w.Template.Goal, w.Template.Persona),
	})
	messages = append(messages, tool.Message{
		Role:    "user",
		Content: fmt.Sprintf("task: %s\nexpected_schema: %s", task.Description, task.ExpectedSchema),
	})
	for _, dep := range task.DependencyContext {
		messages = append(messages, tool.Message{Role: "user", Content: "dependency_output: " + dep})
	}
	for _, m := range task.MemoryRecall {
		messages = append(messages, tool.Message{Role: "user", Content: "memory_recall: " + m})
	}
	for _, fb := range task.GuardrailFeedback {
		messages = append(messages, tool.Message{Role: "user", Content: "guardrail_feedback: " + fb})
	}
	for _, r := range toolResults {
		messages = append(messages, tool.Message{Role: "tool", Content: r})
	}
	return messages
}

// completeWithRetry calls the LLM, retrying Transient errors with
// exponential backoff (1s, 2s, 4s, 8s, cap) up to Config.MaxRetries (spec
// §4.3 step 2).
func (w *Worker) completeWithRetry(ctx context.Context, messages []tool.Message) (string, tool.FinishReason, tool.TokenCounts, error) {
	var lastErr error
	backoff := w.Config.BackoffBase
	for attempt := 0; attempt <= w.Config.MaxRetries; attempt++ {
		text, finish, counts, err := w.LLM.Complete(ctx, w.Role, messages, w.Template.Role, nil)
		if err == nil {
			return text, finish, counts, nil
		}
		lastErr = err
		if !tool.IsTransient(err) || attempt == w.Config.MaxRetries {
			return "", "", tool.TokenCounts{}, err
		}
		select {
		case <-ctx.Done():
			return "", "", tool.TokenCounts{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > w.Config.BackoffCap {
			backoff = w.Config.BackoffCap
		}
	}
	return "", "", tool.TokenCounts{}, lastErr
}

func (w *Worker) coerce(raw string) (interface{}, error) {
	if w.Coerce == nil {
		return raw, nil
	}
	artifact, err := w.Coerce(raw)
	if err != nil {
		return nil, &ErrShape{Diagnostic: err.Error()}
	}
	return artifact, nil
}
