// Package guardrail implements pure (output, context) -> verdict validators
// and their chain composition (spec §4.1), grounded on the teacher's
// ValidationResult/Validator pair (internal/core/validator_paranoid.go) —
// same "run several independent checks, accumulate a detail bag" shape,
// generalized from one hard-coded file-write check into three configurable
// families.
package guardrail

// Status is the three-way verdict outcome.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Severity classifies how seriously a fail/warn should be treated. Critical
// always bypasses warn aggregation and fails the task immediately (spec
// §4.1).
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Verdict is the result of one Guardrail's Check, mirroring the teacher's
// ValidationResult{Verified, Confidence, Method, Error, Details} but
// widened to the spec's three-way pass/warn/fail outcome plus retry intent.
type Verdict struct {
	Status       Status
	Category     string
	Message      string
	Detail       map[string]interface{}
	RetryAllowed bool
	Severity     Severity
}

// Pass builds a passing verdict from the given category.
func Pass(category string) Verdict {
	return Verdict{Status: StatusPass, Category: category, Severity: SeverityInfo}
}

// Warn builds a warning verdict.
func Warn(category, message string, detail map[string]interface{}) Verdict {
	return Verdict{
		Status:   StatusWarn,
		Category: category,
		Message:  message,
		Detail:   detail,
		Severity: SeverityWarning,
	}
}

// Fail builds a failing verdict.
func Fail(category, message string, detail map[string]interface{}, retryAllowed bool, severity Severity) Verdict {
	return Verdict{
		Status:       StatusFail,
		Category:     category,
		Message:      message,
		Detail:       detail,
		RetryAllowed: retryAllowed,
		Severity:     severity,
	}
}

func (v Verdict) IsFail() bool { return v.Status == StatusFail }
func (v Verdict) IsWarn() bool { return v.Status == StatusWarn }
func (v Verdict) IsCritical() bool {
	return v.Status == StatusFail && v.Severity == SeverityCritical
}
