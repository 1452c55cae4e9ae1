// Package observability provides OpenTelemetry tracing and metrics for the
// speech gate.
//
// # Setup
//
// Initialize the provider at startup and shut it down on exit:
//
//	p, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "speechgate",
//		OTLPEndpoint: "otel-collector:4317",
//		Enabled:      true,
//	})
//	defer p.Shutdown(ctx)
//
// # Instruments
//
//	speechgate.decisions.total   counter   {reason, category}
//	speechgate.dispatch.total    counter   {sink, outcome}
//	speechgate.sink.duration     histogram {sink}
//	speechgate.queue.dropped     counter   {category}
//
// The provider satisfies the dispatcher's Metrics interface, so it can be
// passed straight to sink.WithMetrics. Each sink attempt also feeds the
// per-sink delivery objectives tracked by SLOTracker.
package observability
