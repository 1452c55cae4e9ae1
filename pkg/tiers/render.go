package tiers

import (
	"fmt"
	"math"
	"strings"
)

// ModeOff is the autonomy mode under which the status snapshot is silent.
const ModeOff = "OFF"

// Snapshot is one observation of an execution's autonomy state.
type Snapshot struct {
	Status          string   `json:"status,omitempty"`
	Mode            string   `json:"mode,omitempty"`
	Throttle        string   `json:"throttle,omitempty"`
	Confidence      *float64 `json:"confidence,omitempty"`
	Requalification string   `json:"requalification,omitempty"`
}

// Change is one field that differs between two snapshots.
type Change struct {
	Field string `json:"field"`
	From  string `json:"from"`
	To    string `json:"to"`
}

func formatConfidence(c *float64) string {
	if c == nil {
		return ""
	}
	return fmt.Sprintf("%.2f", *c)
}

// Diff lists changed fields in a fixed order.
func Diff(prior, current Snapshot) []Change {
	var out []Change
	add := func(field, from, to string) {
		if from != to {
			out = append(out, Change{Field: field, From: from, To: to})
		}
	}
	add("status", prior.Status, current.Status)
	add("mode", prior.Mode, current.Mode)
	add("throttle", prior.Throttle, current.Throttle)
	add("confidence", formatConfidence(prior.Confidence), formatConfidence(current.Confidence))
	add("requalification", prior.Requalification, current.Requalification)
	return out
}

func renderChanges(changes []Change) string {
	parts := make([]string, 0, len(changes))
	for _, c := range changes {
		from := c.From
		if from == "" {
			from = "unset"
		}
		to := c.To
		if to == "" {
			to = "unset"
		}
		parts = append(parts, fmt.Sprintf("%s %s to %s", c.Field, from, to))
	}
	return "Autonomy update: " + strings.Join(parts, ", ") + "."
}

func renderSnapshot(s Snapshot, mode string) string {
	parts := []string{}
	if s.Status != "" {
		parts = append(parts, "status "+s.Status)
	}
	parts = append(parts, "mode "+mode)
	if s.Throttle != "" {
		parts = append(parts, "throttle "+s.Throttle)
	}
	if s.Confidence != nil {
		parts = append(parts, fmt.Sprintf("confidence %d%%", int(math.Round(*s.Confidence*100))))
	}
	if s.Requalification != "" {
		parts = append(parts, "requalification "+s.Requalification)
	}
	return "Autonomy snapshot: " + strings.Join(parts, ", ") + "."
}

// Band buckets a confidence value.
func Band(c float64) string {
	switch {
	case c < 0.4:
		return "low"
	case c < 0.7:
		return "medium"
	default:
		return "high"
	}
}

// FeedbackMoveThreshold is the confidence change that is always reported.
const FeedbackMoveThreshold = 0.10

// renderFeedback returns "" when there is no transition worth saying.
func renderFeedback(prior, current Snapshot) string {
	var parts []string
	if current.Requalification != "" && prior.Requalification != current.Requalification {
		if prior.Requalification == "" {
			parts = append(parts, "requalification is "+current.Requalification)
		} else {
			parts = append(parts, fmt.Sprintf("requalification moved from %s to %s", prior.Requalification, current.Requalification))
		}
	}
	if prior.Confidence != nil && current.Confidence != nil {
		from, to := *prior.Confidence, *current.Confidence
		// epsilon keeps 0.10 steps from losing to float rounding
		if Band(from) != Band(to) || math.Abs(to-from) >= FeedbackMoveThreshold-1e-9 {
			verb := "rose"
			if to < from {
				verb = "fell"
			}
			parts = append(parts, fmt.Sprintf("confidence %s from %d%% to %d%% (%s)",
				verb, int(math.Round(from*100)), int(math.Round(to*100)), Band(to)))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	s := strings.Join(parts, "; ")
	return strings.ToUpper(s[:1]) + s[1:] + "."
}
