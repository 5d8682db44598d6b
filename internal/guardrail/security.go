package guardrail

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"regexp"
	"strings"

	"autoforge/internal/state"
)

// DangerousPattern fails generated code matching a configurable list of
// dangerous-construct regexes (spec §4.1: eval/exec primitives, shell
// invocation with untrusted input, unsafe deserialization, dynamic import,
// insecure YAML loaders). Patterns are sourced from config so the built-in
// set is a default, not a hard ceiling (spec §9 Open Question).
type DangerousPattern struct {
	Patterns []*regexp.Regexp
}

// NewDangerousPattern compiles a DangerousPattern guardrail from the raw
// regex strings in config.Options.DangerousPatterns. Malformed patterns are
// dropped rather than panicking — a guardrail family must never crash a run.
func NewDangerousPattern(patterns []string) DangerousPattern {
	var compiled []*regexp.Regexp
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			compiled = append(compiled, re)
		}
	}
	return DangerousPattern{Patterns: compiled}
}

func (g DangerousPattern) Name() string { return "security.dangerous_pattern" }

func (g DangerousPattern) Check(_ context.Context, cc CheckContext) Verdict {
	var matches []string
	for _, re := range g.Patterns {
		if re.MatchString(cc.RawOutput) {
			matches = append(matches, re.String())
		}
	}
	if len(matches) == 0 {
		return Pass(g.Name())
	}
	return Fail(g.Name(), fmt.Sprintf("output matches %d dangerous pattern(s)", len(matches)),
		map[string]interface{}{"patterns": matches}, false, SeverityCritical)
}

var (
	awsKeyPattern    = regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)
	genericTokenPattern = regexp.MustCompile(`(?i)\b(api[_-]?key|secret|token|password)\b\s*[:=]\s*['"][A-Za-z0-9+/_\-\.]{16,}['"]`)
)

// SecretDetection fails on AWS-style access keys, generic tokens, and
// high-entropy strings bound with assignment syntax (spec §4.1).
type SecretDetection struct {
	MinEntropyLength int
}

func NewSecretDetection() SecretDetection {
	return SecretDetection{MinEntropyLength: 24}
}

func (g SecretDetection) Name() string { return "security.secret_detection" }

func (g SecretDetection) Check(_ context.Context, cc CheckContext) Verdict {
	var findings []string
	if awsKeyPattern.MatchString(cc.RawOutput) {
		findings = append(findings, "aws_access_key")
	}
	if genericTokenPattern.MatchString(cc.RawOutput) {
		findings = append(findings, "assigned_secret")
	}
	if entropy := highEntropyAssignment(cc.RawOutput, g.MinEntropyLength); entropy != "" {
		findings = append(findings, entropy)
	}
	if len(findings) == 0 {
		return Pass(g.Name())
	}
	return Fail(g.Name(), fmt.Sprintf("possible secret(s) found: %v", findings),
		map[string]interface{}{"findings": findings}, false, SeverityCritical)
}

var assignmentLiteralPattern = regexp.MustCompile(`[:=]\s*['"]([A-Za-z0-9+/=_\-]{16,})['"]`)

// highEntropyAssignment scans for string literals bound by assignment whose
// Shannon entropy suggests random key material rather than natural text.
func highEntropyAssignment(text string, minLen int) string {
	for _, m := range assignmentLiteralPattern.FindAllStringSubmatch(text, -1) {
		lit := m[1]
		if len(lit) < minLen {
			continue
		}
		if shannonEntropy(lit) >= 3.5 {
			return "high_entropy_literal"
		}
	}
	return ""
}

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	var entropy float64
	n := float64(len(s))
	for _, c := range counts {
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

var (
	emailPattern   = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
	phonePattern   = regexp.MustCompile(`\b(\+?\d{1,2}[\s.\-]?)?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`)
	nationalIDPattern = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	paymentCardPattern = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// PIIDetection fails on emails, phone formats, national-ID patterns, and
// Luhn-valid payment-card numbers, returning a redacted copy of the text
// alongside its findings (spec §4.1 "matched-span redactor that returns the
// redacted text alongside findings").
type PIIDetection struct{}

func NewPIIDetection() PIIDetection { return PIIDetection{} }

func (g PIIDetection) Name() string { return "security.pii_detection" }

func (g PIIDetection) Check(_ context.Context, cc CheckContext) Verdict {
	redacted := cc.RawOutput
	findings := map[string][]string{}

	if spans := emailPattern.FindAllString(redacted, -1); len(spans) > 0 {
		findings["email"] = spans
		redacted = emailPattern.ReplaceAllString(redacted, "[REDACTED_EMAIL]")
	}
	if spans := phonePattern.FindAllString(redacted, -1); len(spans) > 0 {
		findings["phone"] = spans
		redacted = phonePattern.ReplaceAllString(redacted, "[REDACTED_PHONE]")
	}
	if spans := nationalIDPattern.FindAllString(redacted, -1); len(spans) > 0 {
		findings["national_id"] = spans
		redacted = nationalIDPattern.ReplaceAllString(redacted, "[REDACTED_ID]")
	}
	for _, span := range paymentCardPattern.FindAllString(redacted, -1) {
		if luhnValid(span) {
			findings["payment_card"] = append(findings["payment_card"], span)
			redacted = strings.Replace(redacted, span, "[REDACTED_CARD]", 1)
		}
	}

	if len(findings) == 0 {
		return Pass(g.Name())
	}
	return Warn(g.Name(), fmt.Sprintf("found %d categor(y/ies) of PII", len(findings)),
		map[string]interface{}{"findings": findings, "redacted": redacted})
}

// luhnValid checks a digit string (ignoring separators) against the Luhn
// checksum used by payment-card numbers.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 {
		return false
	}
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

var promptInjectionPhrases = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"disregard the above",
	"you are now",
	"act as if",
	"pretend you are",
	"system prompt:",
}

// PromptInjection fails external text carrying override phrases, role-play
// attacks, or base64-encoded payloads above a length threshold (spec §4.1).
type PromptInjection struct {
	Base64LengthThreshold int
}

func NewPromptInjection() PromptInjection {
	return PromptInjection{Base64LengthThreshold: 200}
}

func (g PromptInjection) Name() string { return "security.prompt_injection" }

func (g PromptInjection) Check(_ context.Context, cc CheckContext) Verdict {
	lower := strings.ToLower(cc.RawOutput)
	for _, phrase := range promptInjectionPhrases {
		if strings.Contains(lower, phrase) {
			return Fail(g.Name(), fmt.Sprintf("matched override phrase %q", phrase),
				map[string]interface{}{"phrase": phrase}, true, SeverityCritical)
		}
	}
	if span := longBase64Span(cc.RawOutput, g.Base64LengthThreshold); span != "" {
		return Warn(g.Name(), "long base64-like payload found in external text",
			map[string]interface{}{"length": len(span)})
	}
	return Pass(g.Name())
}

var base64SpanPattern = regexp.MustCompile(`[A-Za-z0-9+/]{32,}={0,2}`)

func longBase64Span(text string, threshold int) string {
	for _, span := range base64SpanPattern.FindAllString(text, -1) {
		if len(span) < threshold {
			continue
		}
		if _, err := base64.StdEncoding.DecodeString(span); err == nil {
			return span
		}
	}
	return ""
}

// PathSecurity fails path-traversal, absolute, or out-of-root file paths
// (spec §4.1), delegating to the same rule as ProjectState invariant #3 so
// the two checks can never disagree.
type PathSecurity struct {
	WorkspaceRoots []string
	// Paths extracts candidate file paths from the artifact.
	Paths func(artifact interface{}) []string
}

func (g PathSecurity) Name() string { return "security.path_security" }

func (g PathSecurity) Check(_ context.Context, cc CheckContext) Verdict {
	if g.Paths == nil {
		return Pass(g.Name())
	}
	var bad []string
	for _, p := range g.Paths(cc.Artifact) {
		if err := state.ValidatePath(p, g.WorkspaceRoots); err != nil {
			bad = append(bad, p)
		}
	}
	if len(bad) == 0 {
		return Pass(g.Name())
	}
	return Fail(g.Name(), fmt.Sprintf("%d path(s) failed path-security", len(bad)),
		map[string]interface{}{"paths": bad}, false, SeverityCritical)
}
