package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ihoward40/SintraPrime-sub012/pkg/canonicalize"
)

// TimestampLayout names artifact files; it sorts lexically by time.
const TimestampLayout = "20060102T150405.000Z"

// DecisionWriter persists one DecisionArtifact per gate evaluation. A nil
// writer discards records.
type DecisionWriter struct {
	store  Store
	logger *slog.Logger
}

// NewDecisionWriter writes through store.
func NewDecisionWriter(store Store, logger *slog.Logger) *DecisionWriter {
	if logger == nil {
		logger = slog.Default().With("component", "artifacts")
	}
	return &DecisionWriter{store: store, logger: logger}
}

// DecisionKey returns the store key for rec:
// decisions/<category>/<ts>_<category>_<thread>_<reason>_<hash8>.json
// The hash covers the record ID, so sealed records never share a key.
func DecisionKey(rec *DecisionArtifact) string {
	cat := canonicalize.Slug(rec.Category, "uncategorized", 40)
	thread := canonicalize.Slug(rec.ThreadID, "nothread", 40)
	reason := canonicalize.Slug(string(rec.Decision.Reason), "unknown", 40)
	return fmt.Sprintf("decisions/%s/%s_%s_%s_%s_%s.json",
		cat,
		rec.Timestamp.UTC().Format(TimestampLayout),
		cat, thread, reason,
		canonicalize.ShortHash(rec.ID+"|"+rec.GateKey+"|"+rec.TextPreview, 8))
}

// Seal fills the schema, ID, bounded preview and digest of rec.
func Seal(rec *DecisionArtifact) error {
	rec.Schema = SchemaDecision
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.TextPreview = canonicalize.Preview(rec.TextPreview, PreviewRunes)
	rec.Digest = ""
	d, err := canonicalize.CanonicalHash(rec)
	if err != nil {
		return err
	}
	rec.Digest = "sha256:" + d
	return nil
}

// Write seals and stores rec and returns its key. Failures are logged and
// yield an empty key; they never reach the caller as errors.
func (w *DecisionWriter) Write(ctx context.Context, rec DecisionArtifact) string {
	if w == nil || w.store == nil {
		return ""
	}
	if err := Seal(&rec); err != nil {
		w.logger.Warn("decision artifact seal failed", "error", err)
		return ""
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		w.logger.Warn("decision artifact encode failed", "error", err)
		return ""
	}
	key := DecisionKey(&rec)
	if err := w.store.Put(ctx, key, data); err != nil {
		w.logger.Warn("decision artifact write failed", "key", key, "error", err)
		return ""
	}
	return key
}

// Verify recomputes the digest of a stored record.
func Verify(data []byte) (bool, error) {
	var rec DecisionArtifact
	if err := json.Unmarshal(data, &rec); err != nil {
		return false, fmt.Errorf("corrupt artifact data: %w", err)
	}
	want := rec.Digest
	rec.Digest = ""
	got, err := canonicalize.CanonicalHash(rec)
	if err != nil {
		return false, err
	}
	return "sha256:"+got == want, nil
}
