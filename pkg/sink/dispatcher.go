package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ihoward40/SintraPrime-sub012/pkg/audit"
)

// DefaultFallbackTimeout bounds each non-console sink attempt.
const DefaultFallbackTimeout = 2500 * time.Millisecond

// Source values carried in Meta.Source.
const (
	SourceOperator = "operator"
	SourceAlert    = "alert"
)

// Attempt outcomes reported to Metrics.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Config holds the dispatcher's process-wide settings.
type Config struct {
	Chain           []string // configured order; console is appended
	FallbackTimeout time.Duration
	Production      bool
	AutoplayEnabled bool
	EnvironmentName string
}

// Metrics receives one observation per sink attempt.
type Metrics interface {
	SinkAttempt(ctx context.Context, sink, outcome string, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) SinkAttempt(context.Context, string, string, time.Duration) {}

// Request is one dispatch.
type Request struct {
	Payload           Payload
	Source            string
	AutoplayRequested bool
	AlertKind         string
	// Audit enables the autoplay log for this request. Simulations leave it off.
	Audit bool
}

// Attempt records one sink call.
type Attempt struct {
	Sink     string        `json:"sink"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Outcome summarizes a dispatch. Callers of Speak never see it; it exists for
// tests, the CLI and the audit log.
type Outcome struct {
	Delivered    bool      `json:"delivered"`
	Sink         string    `json:"sink,omitempty"`
	Attempts     []Attempt `json:"attempts,omitempty"`
	FallbackUsed bool      `json:"fallback_used"`
	Suppressed   string    `json:"suppressed,omitempty"`
}

// Dispatcher walks the sink chain for each request.
type Dispatcher struct {
	registry *Registry
	cfg      Config
	chain    []string
	audit    audit.Logger
	metrics  Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAudit sets the autoplay log.
func WithAudit(l audit.Logger) Option { return func(d *Dispatcher) { d.audit = l } }

// WithMetrics sets the attempt observer.
func WithMetrics(m Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// NewDispatcher resolves the chain once against reg.
func NewDispatcher(reg *Registry, cfg Config, opts ...Option) *Dispatcher {
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = DefaultFallbackTimeout
	}
	d := &Dispatcher{
		registry: reg,
		cfg:      cfg,
		metrics:  nopMetrics{},
		logger:   slog.Default().With("component", "sink"),
		tracer:   otel.Tracer("speechgate/sink"),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.chain = d.Resolve(cfg.Chain)
	return d
}

// Chain returns the resolved sink order.
func (d *Dispatcher) Chain() []string {
	return append([]string(nil), d.chain...)
}

// Resolve drops unknown and repeated names and appends console last. A
// console listed ahead of other sinks is moved to the end with a warning.
func (d *Dispatcher) Resolve(names []string) []string {
	seen := make(map[string]bool, len(names)+1)
	out := make([]string, 0, len(names)+1)
	consoleAt := -1
	for _, n := range names {
		if n == NameConsole && consoleAt < 0 {
			consoleAt = len(out)
		}
		if n == "" || n == NameConsole || seen[n] {
			continue
		}
		if _, err := d.registry.Get(n); err != nil {
			d.logger.Warn("dropping sink from chain", "sink", n, "error", err)
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	if consoleAt >= 0 && consoleAt < len(out) {
		d.logger.Warn("console sink moved to end of chain",
			"configured_position", consoleAt+1, "chain", append(append([]string(nil), out...), NameConsole))
	}
	return append(out, NameConsole)
}

// Dispatch delivers req.Payload through the chain. It never returns an
// error; failures are logged and reported in the Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Outcome {
	ctx, span := d.tracer.Start(ctx, "sink.dispatch", trace.WithAttributes(
		attribute.String("speech.category", req.Payload.Category),
		attribute.String("speech.source", req.Source),
	))
	defer span.End()

	alert := req.Source == SourceAlert
	line := audit.AutoplayLine{
		Timestamp:         time.Now().UTC(),
		Mode:              d.chain[0],
		Source:            req.Source,
		Kind:              req.AlertKind,
		RequestedAutoplay: req.AutoplayRequested,
		Env: audit.Env{
			AutoplayEnabled: d.cfg.AutoplayEnabled,
			EnvironmentName: d.cfg.EnvironmentName,
		},
	}

	if alert && d.cfg.Production {
		span.SetAttributes(attribute.String("speech.suppressed", audit.ReasonDisabledInProduction))
		line.Reason = audit.ReasonDisabledInProduction
		d.writeAudit(req, line)
		return Outcome{Suppressed: audit.ReasonDisabledInProduction}
	}
	if alert && !d.cfg.AutoplayEnabled {
		span.SetAttributes(attribute.String("speech.suppressed", audit.ReasonAutoplayDisabled))
		line.Reason = audit.ReasonAutoplayDisabled
		d.writeAudit(req, line)
		return Outcome{Suppressed: audit.ReasonAutoplayDisabled}
	}

	var out Outcome
	denied := false
	for _, name := range d.chain {
		s, err := d.registry.Get(name)
		if err != nil {
			continue
		}
		a, err := d.attempt(ctx, s, req.Payload)
		out.Attempts = append(out.Attempts, a)
		if a.Outcome == OutcomeOK {
			out.Delivered = true
			out.Sink = name
			out.FallbackUsed = len(out.Attempts) > 1 || denied
			break
		}
		if errors.Is(err, ErrAutoplayDenied) {
			denied = true
		}
		d.logger.Warn("sink attempt failed", "sink", name, "outcome", a.Outcome, "error", a.Error)
	}

	line.Attempted = true
	line.Count = len(out.Attempts)
	line.FallbackUsed = out.FallbackUsed
	if out.Delivered {
		line.Reason = audit.ReasonDelivered
	} else {
		line.Reason = audit.ReasonAllSinksFailed
		line.FallbackUsed = denied
		out.FallbackUsed = denied
		span.SetStatus(codes.Error, "all sinks failed")
		d.logger.Warn("speech not delivered", "category", req.Payload.Category, "attempts", len(out.Attempts))
	}
	span.SetAttributes(attribute.String("speech.sink", out.Sink), attribute.Bool("speech.fallback_used", out.FallbackUsed))
	d.writeAudit(req, line)
	return out
}

func (d *Dispatcher) writeAudit(req Request, line audit.AutoplayLine) {
	if !req.Audit || d.audit == nil || req.Source != SourceAlert || !req.AutoplayRequested {
		return
	}
	if err := d.audit.Record(line); err != nil {
		d.logger.Warn("autoplay audit write failed", "error", err)
	}
}

// attempt runs one sink. Console runs inline; other sinks run under the
// fallback timeout and are abandoned if they ignore cancellation.
func (d *Dispatcher) attempt(ctx context.Context, s Sink, p Payload) (Attempt, error) {
	start := time.Now()
	a := Attempt{Sink: s.Name()}

	var err error
	if s.Name() == NameConsole {
		err = safeSpeak(ctx, s, p)
	} else {
		tctx, cancel := context.WithTimeout(ctx, d.cfg.FallbackTimeout)
		done := make(chan error, 1)
		go func() { done <- safeSpeak(tctx, s, p) }()
		select {
		case err = <-done:
		case <-tctx.Done():
			err = tctx.Err()
		}
		cancel()
	}

	a.Duration = time.Since(start)
	switch {
	case err == nil:
		a.Outcome = OutcomeOK
	case errors.Is(err, context.DeadlineExceeded):
		a.Outcome = OutcomeTimeout
		a.Error = err.Error()
	default:
		a.Outcome = OutcomeError
		a.Error = err.Error()
	}
	d.metrics.SinkAttempt(ctx, a.Sink, a.Outcome, a.Duration)
	return a, err
}

func safeSpeak(ctx context.Context, s Sink, p Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Speak(ctx, p)
}
