package guardrail

import (
	"context"
	"fmt"

	"autoforge/internal/state"
)

// CheckContext is everything a Guardrail needs to evaluate one worker
// output. It carries a read-only state snapshot, never the live
// *state.ProjectState, per spec §3 "Workers and Guardrails receive
// snapshots".
type CheckContext struct {
	Role     string
	State    state.ProjectState
	Artifact interface{}
	RawOutput string

	IterationCount int
	IterationCap   int

	RetryBudgetRemaining int
}

// Guardrail is a pure function over (typed output, context) -> verdict
// (spec §4.1).
type Guardrail interface {
	Name() string
	Check(ctx context.Context, cc CheckContext) Verdict
}

// Outcome is the Chain's instruction to its caller (the Worker/Crew task
// loop) after running every guardrail in order.
type Outcome string

const (
	OutcomeContinue Outcome = "continue"
	OutcomeRetry    Outcome = "retry"
	OutcomeFail     Outcome = "fail"
)

// Result is what running a Chain produces.
type Result struct {
	Outcome  Outcome
	Warnings []Verdict
	Failure  *Verdict // set when Outcome is Retry or Fail
}

// Chain composes Guardrails into the ordered, short-circuiting evaluation
// described in spec §4.1.
type Chain struct {
	Name       string
	Guardrails []Guardrail
}

// NewChain builds a named chain from an ordered guardrail list.
func NewChain(name string, guardrails ...Guardrail) Chain {
	return Chain{Name: name, Guardrails: guardrails}
}

// Run evaluates every guardrail in declared order:
//   - pass/warn: continue, warnings accumulate
//   - fail + retry_allowed + retry budget remaining: short-circuit, retry
//   - fail + !retry_allowed, or retry budget exhausted: short-circuit, fail
//   - severity critical: always short-circuits and fails, bypassing warn
//     aggregation, regardless of retry_allowed
func (c Chain) Run(ctx context.Context, cc CheckContext) Result {
	var warnings []Verdict
	for _, g := range c.Guardrails {
		v := g.Check(ctx, cc)
		switch {
		case v.IsCritical():
			return Result{Outcome: OutcomeFail, Warnings: warnings, Failure: ptr(v)}
		case v.IsFail() && v.RetryAllowed && cc.RetryBudgetRemaining > 0:
			return Result{Outcome: OutcomeRetry, Warnings: warnings, Failure: ptr(v)}
		case v.IsFail():
			return Result{Outcome: OutcomeFail, Warnings: warnings, Failure: ptr(v)}
		case v.IsWarn():
			warnings = append(warnings, v)
		}
	}
	return Result{Outcome: OutcomeContinue, Warnings: warnings}
}

func ptr(v Verdict) *Verdict { return &v }

// RetryContext renders a chain failure as the text a Worker appends to its
// next attempt's context (spec §4.1 "retry with the verdict's message
// appended to context").
func (r Result) RetryContext() string {
	if r.Failure == nil {
		return ""
	}
	return fmt.Sprintf("[guardrail:%s] %s", r.Failure.Category, r.Failure.Message)
}
