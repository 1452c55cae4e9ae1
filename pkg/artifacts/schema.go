package artifacts

import (
	"time"

	"github.com/ihoward40/SintraPrime-sub012/pkg/gate"
	"github.com/ihoward40/SintraPrime-sub012/pkg/redact"
	"github.com/ihoward40/SintraPrime-sub012/pkg/sink"
)

// Schema identifiers stamped on every record.
const (
	SchemaDecision = "speechgate.decision/v1"
	SchemaTier     = "speechgate.tier/v1"
)

// PreviewRunes bounds DecisionArtifact.TextPreview.
const PreviewRunes = 180

// DecisionArtifact is the audit record of one gate evaluation.
type DecisionArtifact struct {
	Schema        string        `json:"schema"`
	ID            string        `json:"id"`
	GateKey       string        `json:"gate_key"`
	ExecutionID   string        `json:"execution_id,omitempty"`
	ThreadID      string        `json:"thread_id,omitempty"`
	Category      string        `json:"category"`
	Timestamp     time.Time     `json:"timestamp"`
	TextPreview   string        `json:"text_preview"`
	Decision      gate.Decision `json:"decision"`
	Meta          *sink.Meta    `json:"meta,omitempty"`
	RedactionHits []redact.Hit  `json:"redaction_hits,omitempty"`
	// Digest is the canonical hash of the record with Digest empty.
	Digest string `json:"digest"`
}

// TierArtifact is the record written when a tier fires.
type TierArtifact struct {
	Schema      string                 `json:"schema"`
	ID          string                 `json:"id"`
	Tier        string                 `json:"tier"`
	Fingerprint string                 `json:"fingerprint"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Line        string                 `json:"line,omitempty"`
	Body        map[string]interface{} `json:"body"`
	Digest      string                 `json:"digest"`
}
