// Package budget tracks per-key speech budgets, silence windows and recent
// emission pressure. State is process-local; see Checkpoint for persistence.
package budget

import (
	"math"
	"time"

	"github.com/ihoward40/SintraPrime-sub012/pkg/gate"
)

// Unbounded is the budget base used when no voice budget is configured.
const Unbounded int64 = -1

// Budget is a key's emission allowance. Used only ever increases.
type Budget struct {
	Base int64 `json:"base"` // Unbounded (-1) or a non-negative limit
	Used int64 `json:"used"`
}

// Remaining returns how many emissions are left, or +Inf when unbounded.
func (b Budget) Remaining() float64 {
	if b.Base < 0 {
		return math.Inf(1)
	}
	r := b.Base - b.Used
	if r < 0 {
		return 0
	}
	return float64(r)
}

// Deny is the most recent denial for a key.
type Deny struct {
	Reason       gate.Reason `json:"reason"`
	At           time.Time   `json:"at"`
	SilenceUntil *time.Time  `json:"silence_until,omitempty"`
}

// GateState is everything tracked for one gate key. It is only mutated
// while the Tracker holds the key's lock.
type GateState struct {
	Key              string      `json:"gate_key"`
	Budget           Budget      `json:"budget"`
	SilenceUntil     *time.Time  `json:"silence_until,omitempty"`
	LastSpokenAt     *time.Time  `json:"last_spoken_at,omitempty"`
	SpokenTimestamps []time.Time `json:"spoken_timestamps,omitempty"`
	LastDeny         *Deny       `json:"last_deny,omitempty"`
}

// Silenced reports whether a silence window is still open at now.
func (s *GateState) Silenced(now time.Time) bool {
	return s.SilenceUntil != nil && now.Before(*s.SilenceUntil)
}

// RecordDeny stores the denial. A silenceUntil only ever extends the
// current window.
func (s *GateState) RecordDeny(reason gate.Reason, now time.Time, silenceUntil *time.Time) {
	if silenceUntil != nil && (s.SilenceUntil == nil || silenceUntil.After(*s.SilenceUntil)) {
		until := *silenceUntil
		s.SilenceUntil = &until
	}
	deny := &Deny{Reason: reason, At: now}
	if silenceUntil != nil {
		until := *silenceUntil
		deny.SilenceUntil = &until
	}
	s.LastDeny = deny
}

// WindowCount prunes the emission window and returns its size.
func (s *GateState) WindowCount(now time.Time) int {
	s.SpokenTimestamps = pruneWindow(s.SpokenTimestamps, now)
	return len(s.SpokenTimestamps)
}

// Commit consumes one unit of budget and records the emission.
func (s *GateState) Commit(now time.Time) {
	s.Budget.Used++
	at := now
	s.LastSpokenAt = &at
	s.SpokenTimestamps = appendWindow(pruneWindow(s.SpokenTimestamps, now), now)
}

func (s *GateState) clone() GateState {
	c := *s
	c.SpokenTimestamps = append([]time.Time(nil), s.SpokenTimestamps...)
	if s.SilenceUntil != nil {
		v := *s.SilenceUntil
		c.SilenceUntil = &v
	}
	if s.LastSpokenAt != nil {
		v := *s.LastSpokenAt
		c.LastSpokenAt = &v
	}
	if s.LastDeny != nil {
		d := *s.LastDeny
		c.LastDeny = &d
	}
	return c
}

// Status is the externally visible summary of a gate key.
type Status struct {
	GateKey         string      `json:"gate_key"`
	BudgetRemaining int64       `json:"budget_remaining"` // -1 when unbounded
	Unbounded       bool        `json:"unbounded"`
	SilenceUntil    *time.Time  `json:"silence_until,omitempty"`
	LastDenyReason  gate.Reason `json:"last_deny_reason,omitempty"`
	LastSpokenAt    *time.Time  `json:"last_spoken_at,omitempty"`
}

func statusOf(s GateState) Status {
	st := Status{
		GateKey:      s.Key,
		SilenceUntil: s.SilenceUntil,
		LastSpokenAt: s.LastSpokenAt,
	}
	if rem := s.Budget.Remaining(); math.IsInf(rem, 1) {
		st.BudgetRemaining = Unbounded
		st.Unbounded = true
	} else {
		st.BudgetRemaining = int64(rem)
	}
	if s.LastDeny != nil {
		st.LastDenyReason = s.LastDeny.Reason
	}
	return st
}
