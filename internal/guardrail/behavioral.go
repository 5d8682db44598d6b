package guardrail

import (
	"context"
	"fmt"
)

// RoleAdherence fails when a worker's output is being checked under a role
// other than the one the task declared it for (spec §4.1 "output's content
// domain matches the worker's declared role").
type RoleAdherence struct {
	ExpectedRole string
}

func (g RoleAdherence) Name() string { return "behavioral.role_adherence" }

func (g RoleAdherence) Check(_ context.Context, cc CheckContext) Verdict {
	if cc.Role == "" || cc.Role == g.ExpectedRole {
		return Pass(g.Name())
	}
	return Fail(g.Name(),
		fmt.Sprintf("output role %q does not match declared role %q", cc.Role, g.ExpectedRole),
		map[string]interface{}{"got": cc.Role, "want": g.ExpectedRole},
		true, SeverityCritical)
}

// ScopeControl fails when an artifact references an item not present in the
// allowed-reference set supplied by the caller (e.g. component names drawn
// from the current Architecture, file paths from the current Files list).
type ScopeControl struct {
	// Referenced extracts the identifiers the artifact claims to reference.
	Referenced func(artifact interface{}) []string
	// Allowed is the set of identifiers currently in scope.
	Allowed []string
}

func (g ScopeControl) Name() string { return "behavioral.scope_control" }

func (g ScopeControl) Check(_ context.Context, cc CheckContext) Verdict {
	if g.Referenced == nil {
		return Pass(g.Name())
	}
	allowed := make(map[string]bool, len(g.Allowed))
	for _, a := range g.Allowed {
		allowed[a] = true
	}
	var outOfScope []string
	for _, ref := range g.Referenced(cc.Artifact) {
		if !allowed[ref] {
			outOfScope = append(outOfScope, ref)
		}
	}
	if len(outOfScope) == 0 {
		return Pass(g.Name())
	}
	return Fail(g.Name(),
		fmt.Sprintf("references %d item(s) outside current scope: %v", len(outOfScope), outOfScope),
		map[string]interface{}{"out_of_scope": outOfScope},
		true, SeverityWarning)
}

// DelegationLegality fails when a non-coordinator role attempts to delegate,
// or when a delegation chain would introduce a cycle (spec §4.1 "only
// designated coordinator roles may delegate; no cycles").
type DelegationLegality struct {
	CoordinatorRoles map[string]bool
	// Chain is the delegation path so far, ending at the role requesting
	// this delegation; the caller appends the candidate delegate before
	// calling Check isn't required — DelegationLegality checks Chain as
	// given plus Target.
	Chain  []string
	Target string
}

func (g DelegationLegality) Name() string { return "behavioral.delegation_legality" }

func (g DelegationLegality) Check(_ context.Context, cc CheckContext) Verdict {
	if !g.CoordinatorRoles[cc.Role] {
		return Fail(g.Name(),
			fmt.Sprintf("role %q is not a designated coordinator and may not delegate", cc.Role),
			map[string]interface{}{"role": cc.Role}, false, SeverityCritical)
	}
	for _, r := range g.Chain {
		if r == g.Target {
			return Fail(g.Name(),
				fmt.Sprintf("delegation to %q would introduce a cycle", g.Target),
				map[string]interface{}{"chain": g.Chain, "target": g.Target}, false, SeverityCritical)
		}
	}
	return Pass(g.Name())
}

// OutputShape fails when an artifact does not parse as its declared typed
// output (spec §4.1 "parses as the declared typed artifact").
type OutputShape struct {
	Validate func(artifact interface{}) error
}

func (g OutputShape) Name() string { return "behavioral.output_shape" }

func (g OutputShape) Check(_ context.Context, cc CheckContext) Verdict {
	if g.Validate == nil {
		return Pass(g.Name())
	}
	if err := g.Validate(cc.Artifact); err != nil {
		return Fail(g.Name(), fmt.Sprintf("output does not match declared shape: %v", err),
			map[string]interface{}{"error": err.Error()}, true, SeverityCritical)
	}
	return Pass(g.Name())
}

// IterationLimit warns at 80% and fails at 100% of a worker's inner
// tool-call iteration cap (spec §4.1).
type IterationLimit struct{}

func (g IterationLimit) Name() string { return "behavioral.iteration_limit" }

func (g IterationLimit) Check(_ context.Context, cc CheckContext) Verdict {
	if cc.IterationCap <= 0 {
		return Pass(g.Name())
	}
	ratio := float64(cc.IterationCount) / float64(cc.IterationCap)
	detail := map[string]interface{}{"iteration": cc.IterationCount, "cap": cc.IterationCap}
	switch {
	case ratio >= 1.0:
		return Fail(g.Name(), "worker reached its iteration cap without a final answer", detail, false, SeverityCritical)
	case ratio >= 0.8:
		return Warn(g.Name(), "worker is approaching its iteration cap", detail)
	default:
		return Pass(g.Name())
	}
}
