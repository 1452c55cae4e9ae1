// Package engine orchestrates one speak request: emission filter, per-key
// gate evaluation, redaction, dedup, rate cap, decision artifact and the
// asynchronous hand-off to the sink dispatcher.
package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ihoward40/SintraPrime-sub012/pkg/artifacts"
	"github.com/ihoward40/SintraPrime-sub012/pkg/budget"
	"github.com/ihoward40/SintraPrime-sub012/pkg/delta"
	"github.com/ihoward40/SintraPrime-sub012/pkg/gate"
	"github.com/ihoward40/SintraPrime-sub012/pkg/observability"
	"github.com/ihoward40/SintraPrime-sub012/pkg/policy"
	"github.com/ihoward40/SintraPrime-sub012/pkg/redact"
	"github.com/ihoward40/SintraPrime-sub012/pkg/sink"
	"github.com/ihoward40/SintraPrime-sub012/pkg/tiers"
)

// Reasons a request never reached the gate or the queue.
const (
	DropDisabled  = "disabled"
	DropMalformed = "malformed"
	DropFiltered  = "filtered"
	DropQueueFull = "queue_full"
	DropClosed    = "closed"
)

// Config holds the engine's own settings.
type Config struct {
	Enabled               bool
	RedactAllowCategories []string
	VoiceBudget           int64 // budget.Unbounded for no limit
	MaxPerMinute          int
	DeltaOnly             bool
	Gate                  gate.Policy
	QueueSize             int
	Workers               int
}

// DefaultConfig returns an enabled engine with unbounded budget.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		VoiceBudget: budget.Unbounded,
		Gate:        gate.DefaultPolicy(),
		QueueSize:   256,
		Workers:     2,
	}
}

// Metrics receives engine-level observations.
type Metrics interface {
	Decision(ctx context.Context, reason, category string)
	QueueDropped(ctx context.Context, category string)
	TrackDispatch(ctx context.Context, attrs ...attribute.KeyValue) func()
}

type nopMetrics struct{}

func (nopMetrics) Decision(context.Context, string, string) {}
func (nopMetrics) QueueDropped(context.Context, string) {}
func (nopMetrics) TrackDispatch(context.Context, ...attribute.KeyValue) func() {
	return func() {}
}

// Result describes what Evaluate did with a request. Speak discards it.
type Result struct {
	GateKey       string         `json:"gate_key"`
	Decision      *gate.Decision `json:"decision,omitempty"`
	Dropped       string         `json:"dropped,omitempty"`
	Enqueued      bool           `json:"enqueued"`
	Simulation    bool           `json:"simulation,omitempty"`
	ArtifactKey   string         `json:"artifact_key,omitempty"`
	RedactionHits []redact.Hit   `json:"redaction_hits,omitempty"`
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg        Config
	base       atomic.Int64
	dispatcher *sink.Dispatcher
	tracker    *budget.Tracker
	delta      *delta.Store
	redactor   *redact.Engine
	filter     *policy.Filter
	decisions  *artifacts.DecisionWriter
	router     *tiers.Router
	metrics    Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
	queue      *queue
	closers    []io.Closer
	closed     atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithTracker shares a tracker, e.g. one restored from a checkpoint.
func WithTracker(t *budget.Tracker) Option { return func(e *Engine) { e.tracker = t } }

// WithDelta sets the dedup store. The default is in-memory with a 24h TTL.
func WithDelta(s *delta.Store) Option { return func(e *Engine) { e.delta = s } }

// WithFilter sets the emission filter.
func WithFilter(f *policy.Filter) Option { return func(e *Engine) { e.filter = f } }

// WithDecisionWriter enables decision artifacts.
func WithDecisionWriter(w *artifacts.DecisionWriter) Option {
	return func(e *Engine) { e.decisions = w }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithCloser registers a resource released by Close.
func WithCloser(c io.Closer) Option {
	return func(e *Engine) { e.closers = append(e.closers, c) }
}

// New builds an engine that dispatches through d.
func New(cfg Config, d *sink.Dispatcher, opts ...Option) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	e := &Engine{
		cfg:        cfg,
		dispatcher: d,
		redactor:   redact.New(),
		metrics:    nopMetrics{},
		logger:     slog.Default().With("component", "engine"),
		tracer:     otel.Tracer("speechgate/engine"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracker == nil {
		e.tracker = budget.NewTracker()
	}
	if e.delta == nil {
		e.delta = delta.NewMemoryStore(delta.DefaultTTL)
	}
	e.SetVoiceBudget(cfg.VoiceBudget)
	e.queue = newQueue(cfg.QueueSize, cfg.Workers, e.run)
	return e
}

// EnableTiers attaches a tier router whose spoken lines flow back through
// Speak. A nil store disables tier artifacts.
func (e *Engine) EnableTiers(cfg tiers.Config, store artifacts.Store) {
	e.router = tiers.NewRouter(cfg, store, e, e.logger.With("component", "tiers"))
}

// Route runs the tier router. It is a no-op without EnableTiers.
func (e *Engine) Route(ctx context.Context, c tiers.Context) tiers.Result {
	if e.router == nil {
		return tiers.Result{}
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = e.now()
	}
	return e.router.Route(ctx, c)
}

// SpeakLine lets the tier router speak through the gate.
func (e *Engine) SpeakLine(ctx context.Context, l tiers.Line) {
	e.Speak(ctx, SpeakRequest{
		Text:        l.Text,
		Category:    l.Category,
		GateKey:     l.Fingerprint,
		ExecutionID: l.ExecutionID,
		ThreadID:    l.ThreadID,
		Timestamp:   l.Timestamp,
	})
}

// SetVoiceBudget reconfigures the budget base for every key. Negative
// values mean unbounded.
func (e *Engine) SetVoiceBudget(n int64) {
	if n < 0 {
		n = budget.Unbounded
	}
	e.base.Store(n)
	e.tracker.SetDefaultBase(n)
}

// GateStatus reports the budget, silence window and last denial of key.
func (e *Engine) GateStatus(key string) budget.Status {
	return e.tracker.StatusAt(key, e.base.Load())
}

// Tracker exposes the gate state store for checkpointing.
func (e *Engine) Tracker() *budget.Tracker { return e.tracker }

// Dispatcher exposes the resolved sink chain.
func (e *Engine) Dispatcher() *sink.Dispatcher { return e.dispatcher }

// Speak evaluates req and schedules delivery. It never blocks on sinks and
// never reports failures; malformed requests are logged at debug.
func (e *Engine) Speak(ctx context.Context, req SpeakRequest) {
	_ = e.Evaluate(ctx, req)
}

// Evaluate is Speak with the outcome returned for callers that want it.
func (e *Engine) Evaluate(ctx context.Context, req SpeakRequest) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("speak panicked", "panic", r)
			res = Result{GateKey: req.ResolveGateKey(), Dropped: DropMalformed}
		}
	}()

	res.GateKey = req.ResolveGateKey()
	if !e.cfg.Enabled {
		res.Dropped = DropDisabled
		return res
	}
	if err := req.Validate(); err != nil {
		e.logger.Debug("dropping speak request", "error", err)
		res.Dropped = DropMalformed
		return res
	}
	if e.closed.Load() {
		res.Dropped = DropClosed
		return res
	}

	ctx, span := e.tracer.Start(ctx, "engine.speak", trace.WithAttributes(
		observability.AttrCategory.String(req.Category),
		observability.AttrGateKey.String(res.GateKey),
	))
	defer span.End()

	now := e.now()
	n := normalize(req, now)

	if n.Simulation {
		return e.simulate(ctx, n)
	}

	if !e.filter.Allow(policy.Input{
		Category:   n.Category,
		Text:       n.Text,
		Confidence: n.meta.Confidence,
		Severity:   n.meta.Severity,
		Source:     n.meta.Source,
		GateKey:    n.key,
		ThreadID:   n.ThreadID,
		AlertKind:  n.meta.AlertKind,
	}) {
		e.logger.Debug("speak filtered", "category", n.Category, "gate_key", n.key)
		observability.AddSpanEvent(ctx, "speech.filtered")
		res.Dropped = DropFiltered
		return res
	}

	dec, red, allowed := e.decide(ctx, n, now)
	res.Decision = &dec
	res.RedactionHits = red.Hits
	e.metrics.Decision(ctx, string(dec.Reason), n.Category)
	span.SetAttributes(observability.AttrReason.String(string(dec.Reason)))

	res.ArtifactKey = e.decisions.Write(ctx, artifacts.DecisionArtifact{
		GateKey:       n.key,
		ExecutionID:   n.ExecutionID,
		ThreadID:      n.ThreadID,
		Category:      n.Category,
		Timestamp:     n.Timestamp,
		TextPreview:   red.Text,
		Decision:      dec,
		Meta:          &n.meta,
		RedactionHits: red.Hits,
	})

	if !allowed {
		e.logger.Debug("speak denied", "gate_key", n.key, "category", n.Category, "reason", dec.Reason)
		return res
	}

	res.Enqueued = e.enqueue(ctx, n, red.Text, true)
	if !res.Enqueued {
		res.Dropped = DropQueueFull
	}
	return res
}

// decide runs every stateful check inside the key's critical section. The
// returned redaction result is always populated so previews never carry
// raw text.
func (e *Engine) decide(ctx context.Context, n normalized, now time.Time) (gate.Decision, redact.Result, bool) {
	var (
		dec     gate.Decision
		red     redact.Result
		allowed bool
		nowMs   = now.UnixMilli()
	)

	e.tracker.Do(n.key, e.base.Load(), func(s *budget.GateState) {
		if s.Silenced(now) {
			dec = gate.Decision{
				Reason:         gate.ReasonSilenceWindowActive,
				RedactionLevel: gate.RedactionLevel(e.cfg.Gate, n.severity, n.meta.Confidence),
			}
			s.RecordDeny(dec.Reason, now, nil)
			return
		}

		dec = gate.Decide(e.cfg.Gate, gate.Input{
			Confidence:      n.meta.Confidence,
			Severity:        n.severity,
			BudgetRemaining: s.Budget.Remaining(),
			LastSpokenAt:    s.LastSpokenAt,
			Now:             now,
		})
		if !dec.Allow {
			s.RecordDeny(dec.Reason, now, dec.SilenceUntil)
			return
		}

		red = e.redactor.Redact(n.Text, e.cfg.RedactAllowCategories, n.Category, dec.RedactionLevel)

		if e.cfg.DeltaOnly {
			if r := e.delta.ShouldSuppress(ctx, n.key, n.Category, red.Text, nowMs); r.Suppress {
				dec = dec.Deny(gate.ReasonDeltaNoChange)
				s.RecordDeny(dec.Reason, now, nil)
				return
			}
		}

		if budget.OverCap(s.WindowCount(now), e.cfg.MaxPerMinute) {
			dec = dec.Deny(gate.ReasonRateLimit)
			s.RecordDeny(dec.Reason, now, nil)
			return
		}

		s.Commit(now)
		if e.cfg.DeltaOnly {
			e.delta.Record(ctx, n.key, n.Category, red.Text, nowMs)
		}
		allowed = true
	})

	if red.Text == "" && !red.Bypassed {
		red = e.redactor.Redact(n.Text, e.cfg.RedactAllowCategories, n.Category, dec.RedactionLevel)
	}
	return dec, red, allowed
}

// simulate redacts and dispatches without touching gate state, dedup or
// artifacts. The dispatcher still applies the production alert rule.
func (e *Engine) simulate(ctx context.Context, n normalized) Result {
	level := gate.RedactionLevel(e.cfg.Gate, n.severity, n.meta.Confidence)
	red := e.redactor.Redact(n.Text, e.cfg.RedactAllowCategories, n.Category, level)
	dec := gate.Decision{Allow: true, Reason: gate.ReasonOK, RedactionLevel: level}
	res := Result{
		GateKey:       n.key,
		Decision:      &dec,
		Simulation:    true,
		RedactionHits: red.Hits,
	}
	res.Enqueued = e.enqueue(ctx, n, red.Text, false)
	if !res.Enqueued {
		res.Dropped = DropQueueFull
	}
	return res
}

func (e *Engine) enqueue(ctx context.Context, n normalized, text string, auditable bool) bool {
	meta := n.meta
	j := job{
		// dispatch outlives the caller but keeps its trace
		ctx: context.WithoutCancel(ctx),
		req: sink.Request{
			Payload: sink.Payload{
				Text:      text,
				Category:  n.Category,
				ThreadID:  n.ThreadID,
				Timestamp: n.Timestamp,
				Meta:      &meta,
			},
			Source:            meta.Source,
			AutoplayRequested: meta.AutoplayRequested,
			AlertKind:         meta.AlertKind,
			Audit:             auditable,
		},
	}
	if e.queue.push(j) {
		return true
	}
	e.logger.Warn("dispatch queue full; dropping speech", "category", n.Category, "gate_key", n.key)
	e.metrics.QueueDropped(ctx, n.Category)
	return false
}

func (e *Engine) run(j job) {
	done := e.metrics.TrackDispatch(j.ctx, observability.AttrCategory.String(j.req.Payload.Category))
	defer done()
	out := e.dispatcher.Dispatch(j.ctx, j.req)
	switch {
	case out.Suppressed != "":
		e.logger.Debug("dispatch suppressed", "reason", out.Suppressed, "category", j.req.Payload.Category)
	case out.Delivered:
		e.logger.Debug("speech delivered", "sink", out.Sink, "fallback_used", out.FallbackUsed)
	}
}

// SaveCheckpoint writes all gate state to path.
func (e *Engine) SaveCheckpoint(path string) error {
	return e.tracker.SaveFile(path, e.now())
}

// LoadCheckpoint restores gate state from path and returns the key count.
func (e *Engine) LoadCheckpoint(path string) (int, error) {
	return e.tracker.LoadFile(path)
}

// Close stops intake, drains queued dispatches until ctx is done and
// releases owned resources.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if err := e.queue.close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.delta.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
