// Package gate holds the pure speech decision function. It performs no I/O
// and reads no shared state.
package gate

import (
	"math"
	"time"

	"github.com/ihoward40/SintraPrime-sub012/pkg/redact"
)

// Decide evaluates one candidate emission.
//
// Low confidence is checked first and imposes a cooldown that grows the
// further confidence sits below the threshold. Budget is checked second.
func Decide(p Policy, in Input) Decision {
	d := Decision{
		Allow:          true,
		Reason:         ReasonOK,
		RedactionLevel: RedactionLevel(p, in.Severity, in.Confidence),
	}
	if in.LastSpokenAt != nil {
		ms := in.Now.Sub(*in.LastSpokenAt).Milliseconds()
		d.SinceLastMs = &ms
	}

	if in.Confidence < p.LowConfidenceThreshold || math.IsNaN(in.Confidence) {
		until := in.Now.Add(Cooldown(p, in.Confidence))
		d.Allow = false
		d.Reason = ReasonLowConfidence
		d.SilenceUntil = &until
		return d
	}

	if in.BudgetRemaining <= 0 {
		return d.Deny(ReasonBudgetExhausted)
	}

	return d
}

// RedactionLevel escalates with severity; confidence under
// Policy.StrictConfidence raises a normal level to strict.
func RedactionLevel(p Policy, sev Severity, confidence float64) redact.Level {
	level := redact.LevelNormal
	switch sev {
	case SeverityWarning:
		level = redact.LevelStrict
	case SeverityUrgent:
		level = redact.LevelParanoid
	}
	if confidence < p.StrictConfidence {
		level = redact.Stricter(level, redact.LevelStrict)
	}
	return level
}

// Cooldown returns the silence imposed for a low-confidence denial.
func Cooldown(p Policy, confidence float64) time.Duration {
	if p.LowConfidenceThreshold <= 0 {
		return p.CooldownMin
	}
	c := confidence
	if math.IsNaN(c) || c < 0 {
		c = 0
	}
	gap := (p.LowConfidenceThreshold - c) / p.LowConfidenceThreshold
	if gap < 0 {
		gap = 0
	}
	if gap > 1 {
		gap = 1
	}
	span := p.CooldownMax - p.CooldownMin
	if span < 0 {
		span = 0
	}
	return p.CooldownMin + time.Duration(gap*float64(span))
}
