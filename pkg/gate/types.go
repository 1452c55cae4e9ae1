package gate

import (
	"time"

	"github.com/ihoward40/SintraPrime-sub012/pkg/redact"
)

// Reason is the outcome code attached to every decision.
type Reason string

const (
	ReasonOK                  Reason = "OK"
	ReasonLowConfidence       Reason = "LOW_CONFIDENCE"
	ReasonBudgetExhausted     Reason = "BUDGET_EXHAUSTED"
	ReasonSilenceWindowActive Reason = "SILENCE_WINDOW_ACTIVE"
	ReasonDeltaNoChange       Reason = "DELTA_NO_CHANGE"
	ReasonRateLimit           Reason = "RATE_LIMIT"
)

// Severity of the event being announced.
type Severity string

const (
	SeverityNone    Severity = "none"
	SeverityWarning Severity = "warning"
	SeverityUrgent  Severity = "urgent"
)

// ParseSeverity maps unknown values to SeverityNone.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityWarning:
		return SeverityWarning
	case SeverityUrgent:
		return SeverityUrgent
	default:
		return SeverityNone
	}
}

// Policy holds the thresholds used by Decide.
type Policy struct {
	LowConfidenceThreshold float64       // below this, speech is denied
	StrictConfidence       float64       // below this, redaction is at least strict
	CooldownMin            time.Duration // silence imposed just under the threshold
	CooldownMax            time.Duration // silence imposed at zero confidence
}

// DefaultPolicy returns the shipped thresholds.
func DefaultPolicy() Policy {
	return Policy{
		LowConfidenceThreshold: 0.4,
		StrictConfidence:       0.6,
		CooldownMin:            30 * time.Second,
		CooldownMax:            5 * time.Minute,
	}
}

// Input is everything Decide looks at.
type Input struct {
	Confidence      float64
	Severity        Severity
	BudgetRemaining float64 // math.Inf(1) when unbounded
	LastSpokenAt    *time.Time
	Now             time.Time
}

// Decision is the output of the gate evaluation.
type Decision struct {
	Allow          bool         `json:"allow"`
	Reason         Reason       `json:"reason"`
	RedactionLevel redact.Level `json:"redaction_level"`
	SilenceUntil   *time.Time   `json:"silence_until,omitempty"`
	SinceLastMs    *int64       `json:"since_last_ms,omitempty"`
}

// Deny builds a denial with the given reason, keeping the redaction level.
func (d Decision) Deny(reason Reason) Decision {
	d.Allow = false
	d.Reason = reason
	d.SilenceUntil = nil
	return d
}
