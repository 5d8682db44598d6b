// Package llmclient adapts google.golang.org/genai to the tool.LLM
// capability interface (spec §4.2, §4.3), grounded on the teacher's
// embedding client construction (internal/embedding/genai.go) for the
// genai.Client wiring, and on its error-classification heuristic
// (internal/campaign/orchestrator_failure.go's classifyTaskError) for
// sorting completion failures into tool.ErrorClassTransient vs Permanent.
package llmclient

import (
	"strings"

	"autoforge/internal/tool"
)

var transientHints = []string{
	"timeout",
	"context deadline",
	"rate limit",
	"too many requests",
	"temporar",
	"connection",
	"unavailable",
	"network",
	"i/o",
	"503",
	"429",
}

// classify buckets a raw completion error into Transient or Permanent using
// the same substring-heuristic approach as the teacher's classifyTaskError.
func classify(err error) tool.ErrorClass {
	if err == nil {
		return tool.ErrorClassPermanent
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return tool.ErrorClassTransient
		}
	}
	return tool.ErrorClassPermanent
}
