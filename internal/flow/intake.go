package flow

import (
	"context"
	"fmt"
	"strings"

	"autoforge/internal/guardrail"
)

// AmbiguityDetector inspects a validated description and reports whether
// it is too vague to plan from, along with the clarification question to
// surface in the resulting FeedbackRequest (spec §4.6 INTAKE: "On
// ambiguity signal from validator: AWAITING_HUMAN", §9 Open Question:
// "Confidence scoring ... the exact prompt and threshold may be tunable").
type AmbiguityDetector func(ctx context.Context, description string) (ambiguous bool, question string)

// DefaultAmbiguityDetector flags descriptions with too few words to
// support a Requirements/Architecture pass, the deterministic stand-in for
// the source's LLM self-reported confidence score. Callers may supply an
// LLM-backed detector instead via Flow.Ambiguity.
func DefaultAmbiguityDetector(_ context.Context, description string) (bool, string) {
	words := strings.Fields(description)
	if len(words) < minIntakeWords {
		return true, fmt.Sprintf(
			"the description %q is too brief to plan from; please add target users, core features, or constraints",
			description,
		)
	}
	return false, ""
}

// minIntakeWords is the word-count floor below which a description is
// treated as ambiguous by the default detector.
const minIntakeWords = 5

// validateIntake runs spec §4.6's INTAKE checks in order: non-empty,
// length cap, prompt-injection guardrail, then ambiguity. It returns the
// guardrail verdict that triggered a fatal outcome (nil otherwise) so the
// caller can log/record it.
func (f *Flow) validateIntake(ctx context.Context) (ambiguous bool, question string, critical *guardrail.Verdict, err error) {
	desc := f.State.Description
	if strings.TrimSpace(desc) == "" {
		return false, "", nil, fmt.Errorf("flow: empty description")
	}
	maxLen := f.Options.DescriptionMaxLength
	if maxLen > 0 && len(desc) > maxLen {
		return false, "", nil, fmt.Errorf("flow: description exceeds max length %d", maxLen)
	}

	injection := guardrail.NewPromptInjection()
	verdict := injection.Check(ctx, guardrail.CheckContext{Role: "intake", RawOutput: desc})
	if verdict.IsCritical() {
		return false, "", &verdict, nil
	}

	detect := f.Ambiguity
	if detect == nil {
		detect = DefaultAmbiguityDetector
	}
	amb, q := detect(ctx, desc)
	return amb, q, nil, nil
}
