package tiers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ihoward40/SintraPrime-sub012/pkg/artifacts"
	"github.com/ihoward40/SintraPrime-sub012/pkg/canonicalize"
)

// Line is a rendered tier line handed to the speak path.
type Line struct {
	Category    string
	Text        string
	Fingerprint string
	ExecutionID string
	ThreadID    string
	Timestamp   time.Time
}

// Speaker receives lines from fired tiers.
type Speaker interface {
	SpeakLine(ctx context.Context, l Line)
}

// Config selects tiers and routing behavior.
type Config struct {
	Enabled    []TierID
	SpeakTiers bool
	// ModeOverride, when set, replaces the snapshot's autonomy mode.
	ModeOverride string
}

// Context is one status update to route.
type Context struct {
	Fingerprint string    `json:"fingerprint"`
	ExecutionID string    `json:"execution_id,omitempty"`
	ThreadID    string    `json:"thread_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	// Prior defaults to the last snapshot routed for Fingerprint.
	Prior   *Snapshot `json:"prior,omitempty"`
	Current Snapshot  `json:"current"`
}

// Fired describes one tier that produced output.
type Fired struct {
	Tier   TierID `json:"tier"`
	Key    string `json:"key,omitempty"`
	Line   string `json:"line"`
	Spoken bool   `json:"spoken"`
}

// Result reports what Route did.
type Result struct {
	Fired   []Fired           `json:"fired"`
	Skipped map[TierID]string `json:"skipped,omitempty"`
}

// Router evaluates enabled tiers for each status update.
type Router struct {
	cfg     Config
	store   artifacts.Store
	speaker Speaker
	logger  *slog.Logger

	mu   sync.Mutex
	last map[string]Snapshot
}

// NewRouter builds a router. A nil store disables artifact writes; a nil
// speaker disables speaking regardless of cfg.SpeakTiers.
func NewRouter(cfg Config, store artifacts.Store, speaker Speaker, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default().With("component", "tiers")
	}
	return &Router{
		cfg:     cfg,
		store:   store,
		speaker: speaker,
		logger:  logger,
		last:    make(map[string]Snapshot),
	}
}

// Enabled returns the configured tiers.
func (r *Router) Enabled() []TierID {
	return append([]TierID(nil), r.cfg.Enabled...)
}

// EffectiveMode returns the autonomy mode used for s.
func (r *Router) EffectiveMode(s Snapshot) string {
	mode := s.Mode
	if r.cfg.ModeOverride != "" {
		mode = r.cfg.ModeOverride
	}
	return strings.ToUpper(strings.TrimSpace(mode))
}

// Route runs every enabled tier against c. Artifact and speak failures are
// logged and never returned.
func (r *Router) Route(ctx context.Context, c Context) Result {
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
	c.Timestamp = c.Timestamp.UTC()
	if c.Fingerprint == "" {
		c.Fingerprint = "unknown"
	}

	r.mu.Lock()
	prior := r.last[c.Fingerprint]
	if c.Prior != nil {
		prior = *c.Prior
	}
	r.last[c.Fingerprint] = c.Current
	r.mu.Unlock()

	res := Result{Skipped: make(map[TierID]string)}
	for _, id := range r.cfg.Enabled {
		line, body, skip := r.render(id, prior, c.Current)
		if skip != "" {
			res.Skipped[id] = skip
			continue
		}
		f := Fired{Tier: id, Line: line}
		f.Key = r.write(ctx, id, c, line, body)
		if r.cfg.SpeakTiers && r.speaker != nil {
			r.speaker.SpeakLine(ctx, Line{
				Category:    AllTiers[id].Category,
				Text:        line,
				Fingerprint: c.Fingerprint,
				ExecutionID: c.ExecutionID,
				ThreadID:    c.ThreadID,
				Timestamp:   c.Timestamp,
			})
			f.Spoken = true
		}
		res.Fired = append(res.Fired, f)
	}
	if len(res.Skipped) == 0 {
		res.Skipped = nil
	}
	return res
}

func (r *Router) render(id TierID, prior, current Snapshot) (string, map[string]interface{}, string) {
	switch id {
	case TierDeltaLog:
		changes := Diff(prior, current)
		if len(changes) == 0 {
			return "", nil, "no changes"
		}
		return renderChanges(changes), map[string]interface{}{
			"changes": changes,
			"prior":   prior,
			"current": current,
		}, ""
	case TierStatusSnapshot:
		mode := r.EffectiveMode(current)
		if mode == ModeOff {
			return "", nil, "autonomy mode OFF"
		}
		return renderSnapshot(current, mode), map[string]interface{}{
			"snapshot":       current,
			"effective_mode": mode,
		}, ""
	case TierFeedback:
		line := renderFeedback(prior, current)
		if line == "" {
			return "", nil, "no transition"
		}
		body := map[string]interface{}{
			"requalification_from": prior.Requalification,
			"requalification_to":   current.Requalification,
		}
		if prior.Confidence != nil {
			body["confidence_from"] = *prior.Confidence
		}
		if current.Confidence != nil {
			body["confidence_to"] = *current.Confidence
			body["band"] = Band(*current.Confidence)
		}
		return line, body, ""
	default:
		return "", nil, "unknown tier"
	}
}

func (r *Router) write(ctx context.Context, id TierID, c Context, line string, body map[string]interface{}) string {
	if r.store == nil {
		return ""
	}
	rec := artifacts.TierArtifact{
		Schema:      artifacts.SchemaTier,
		ID:          uuid.NewString(),
		Tier:        string(id),
		Fingerprint: c.Fingerprint,
		ExecutionID: c.ExecutionID,
		Timestamp:   c.Timestamp,
		Line:        line,
		Body:        body,
	}
	digest, err := canonicalize.CanonicalHash(rec)
	if err != nil {
		r.logger.Warn("tier artifact hash failed", "tier", id, "error", err)
		return ""
	}
	rec.Digest = "sha256:" + digest
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		r.logger.Warn("tier artifact encode failed", "tier", id, "error", err)
		return ""
	}
	key := fmt.Sprintf("tiers/%s/%s/%s_%s.json",
		id,
		canonicalize.Slug(c.Fingerprint, "unknown", 64),
		c.Timestamp.Format(artifacts.TimestampLayout),
		digest[:8])
	if err := r.store.Put(ctx, key, data); err != nil {
		r.logger.Warn("tier artifact write failed", "key", key, "error", err)
		return ""
	}
	return key
}
