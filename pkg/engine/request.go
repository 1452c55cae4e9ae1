package engine

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ihoward40/SintraPrime-sub012/pkg/gate"
	"github.com/ihoward40/SintraPrime-sub012/pkg/sink"
)

// ErrMalformedRequest is returned by Validate for requests missing text or
// category.
var ErrMalformedRequest = errors.New("malformed speak request")

// GlobalGateKey is used when a request names neither a gate key nor a thread.
const GlobalGateKey = "global"

// Meta is the optional request metadata as supplied by callers.
type Meta struct {
	// Confidence accepts [0,1] or (1,100]; nil means 1.0.
	Confidence        *float64 `json:"confidence,omitempty"`
	Severity          string   `json:"severity,omitempty"`
	Source            string   `json:"source,omitempty"`
	AutoplayRequested bool     `json:"autoplay_requested,omitempty"`
	AlertKind         string   `json:"alert_kind,omitempty"`
}

// SpeakRequest is one notification candidate.
type SpeakRequest struct {
	Text        string    `json:"text"`
	Category    string    `json:"category"`
	GateKey     string    `json:"gate_key,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	ThreadID    string    `json:"thread_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Meta        *Meta     `json:"meta,omitempty"`
	// Simulation skips every stateful check and every artifact.
	Simulation bool `json:"simulation,omitempty"`
}

// Validate reports ErrMalformedRequest when text or category is blank.
func (r SpeakRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.Text) == "" {
		missing = append(missing, "text")
	}
	if strings.TrimSpace(r.Category) == "" {
		missing = append(missing, "category")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedRequest, strings.Join(missing, ", "))
	}
	return nil
}

// ResolveGateKey returns the explicit key, else the thread, else "global".
func (r SpeakRequest) ResolveGateKey() string {
	if k := strings.TrimSpace(r.GateKey); k != "" {
		return k
	}
	if t := strings.TrimSpace(r.ThreadID); t != "" {
		return t
	}
	return GlobalGateKey
}

// NormalizeConfidence scales percentages, clamps to [0,1] and defaults to 1.
// NaN becomes 0 so it fails toward silence.
func NormalizeConfidence(c *float64) float64 {
	if c == nil {
		return 1.0
	}
	v := *c
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1 && v <= 100:
		v /= 100
	}
	return math.Max(0, math.Min(1, v))
}

// NormalizeSource maps unknown sources to operator.
func NormalizeSource(s string) string {
	if strings.EqualFold(strings.TrimSpace(s), sink.SourceAlert) {
		return sink.SourceAlert
	}
	return sink.SourceOperator
}

// normalized is a request with every default applied.
type normalized struct {
	SpeakRequest
	key      string
	severity gate.Severity
	meta     sink.Meta
}

func normalize(r SpeakRequest, now time.Time) normalized {
	n := normalized{SpeakRequest: r, key: r.ResolveGateKey()}
	n.Category = strings.TrimSpace(r.Category)
	if n.Timestamp.IsZero() {
		n.Timestamp = now
	}
	n.Timestamp = n.Timestamp.UTC()

	var m Meta
	if r.Meta != nil {
		m = *r.Meta
	}
	n.severity = gate.ParseSeverity(strings.ToLower(strings.TrimSpace(m.Severity)))
	n.meta = sink.Meta{
		Confidence:        NormalizeConfidence(m.Confidence),
		Severity:          string(n.severity),
		Source:            NormalizeSource(m.Source),
		AutoplayRequested: m.AutoplayRequested,
		AlertKind:         m.AlertKind,
	}
	return n
}
