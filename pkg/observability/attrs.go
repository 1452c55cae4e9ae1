package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Speech gate attribute keys.
var (
	AttrCategory = attribute.Key("speech.category")
	AttrReason   = attribute.Key("speech.reason")
	AttrGateKey  = attribute.Key("speech.gate_key")
	AttrSource   = attribute.Key("speech.source")
	AttrSink     = attribute.Key("speech.sink")
	AttrOutcome  = attribute.Key("speech.outcome")
	AttrTier     = attribute.Key("speech.tier")
)

// DecisionAttrs creates attributes for a gate decision.
func DecisionAttrs(reason, category string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrReason.String(reason),
		AttrCategory.String(category),
	}
}

// SinkAttrs creates attributes for a sink attempt.
func SinkAttrs(sinkName, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSink.String(sinkName),
		AttrOutcome.String(outcome),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the current span failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
