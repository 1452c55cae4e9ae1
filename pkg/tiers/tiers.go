// Package tiers defines the three structured artifact families built per
// autonomy status update and routes each update to the enabled ones.
package tiers

import (
	"fmt"
	"strings"
)

// TierID identifies a tier.
type TierID string

const (
	TierDeltaLog       TierID = "delta-log"
	TierStatusSnapshot TierID = "status-snapshot"
	TierFeedback       TierID = "feedback"
)

// Speech categories used when a tier speaks its line.
const (
	CategoryAutonomy   = "autonomy"
	CategoryConfidence = "confidence"
)

// Tier describes one artifact family.
type Tier struct {
	ID          TierID
	Code        string // single-letter alias accepted in configuration
	Category    string // speech category of the rendered line
	Description string
}

// All available tiers
var (
	DeltaLog = Tier{
		ID:          TierDeltaLog,
		Code:        "D",
		Category:    CategoryAutonomy,
		Description: "Field-level changes since the prior snapshot",
	}

	StatusSnapshot = Tier{
		ID:          TierStatusSnapshot,
		Code:        "S",
		Category:    CategoryAutonomy,
		Description: "Current status, throttle, confidence and requalification; silent while autonomy is OFF",
	}

	Feedback = Tier{
		ID:          TierFeedback,
		Code:        "F",
		Category:    CategoryConfidence,
		Description: "Requalification and confidence transitions",
	}

	// AllTiers contains all available tiers
	AllTiers = map[TierID]Tier{
		TierDeltaLog:       DeltaLog,
		TierStatusSnapshot: StatusSnapshot,
		TierFeedback:       Feedback,
	}

	// order is the evaluation order within one Route call.
	order = []TierID{TierDeltaLog, TierStatusSnapshot, TierFeedback}
)

// Get returns a tier by ID, or nil if not found.
func Get(id TierID) *Tier {
	tier, ok := AllTiers[id]
	if !ok {
		return nil
	}
	return &tier
}

// Parse accepts tier names or their codes, in any case, and returns the
// distinct tiers in evaluation order.
func Parse(items []string) ([]TierID, error) {
	want := make(map[TierID]bool)
	for _, raw := range items {
		item := strings.TrimSpace(raw)
		if item == "" {
			continue
		}
		found := false
		for id, t := range AllTiers {
			if strings.EqualFold(item, string(id)) || strings.EqualFold(item, t.Code) {
				want[id] = true
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown tier %q", item)
		}
	}
	out := make([]TierID, 0, len(want))
	for _, id := range order {
		if want[id] {
			out = append(out, id)
		}
	}
	return out, nil
}
