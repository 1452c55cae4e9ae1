package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "speechgate"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g., "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0, default 1.0 (sample all)
	BatchTimeout   time.Duration // How long to wait before sending batched spans
	Enabled        bool          // Enable/disable OTLP export
	Insecure       bool          // Use insecure connection (dev only)

	// Reader, when set, collects metrics in-process instead of exporting
	// them. Tracing stays on the global provider.
	Reader sdkmetric.Reader

	// SinkObjective is applied to every sink seen by SinkAttempt. Zero
	// values disable SLO tracking.
	SinkObjective SLOTarget
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "speechgate",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       false,
		SinkObjective: SLOTarget{
			LatencyP99:  2500 * time.Millisecond,
			SuccessRate: 0.95,
			WindowHours: 1,
		},
	}
}

// Provider manages OpenTelemetry trace and metric providers and owns the
// speech gate's instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger
	slo            *SLOTracker

	decisions      metric.Int64Counter
	dispatches     metric.Int64Counter
	sinkDuration   metric.Float64Histogram
	queueDropped   metric.Int64Counter
	activeDispatch metric.Int64UpDownCounter
}

// New creates a new observability provider. With neither Enabled nor a
// Reader, instruments are bound to the global (no-op by default) meter.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
		slo:    NewSLOTracker(),
	}

	switch {
	case config.Reader != nil:
		p.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(config.Reader))
		p.meter = p.meterProvider.Meter(instrumentationName)
	case config.Enabled:
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
				semconv.DeploymentEnvironment(config.Environment),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
		if err := p.initTraceProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to init trace provider: %w", err)
		}
		if err := p.initMetricProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to init metric provider: %w", err)
		}
		p.logger.InfoContext(ctx, "observability initialized",
			"service", config.ServiceName,
			"environment", config.Environment,
			"endpoint", config.OTLPEndpoint,
			"sample_rate", config.SampleRate,
			"insecure", config.Insecure,
		)
	default:
		p.logger.DebugContext(ctx, "otlp export disabled")
	}

	if p.meter == nil {
		p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	}
	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	if p.config.SampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else if p.config.SampleRate <= 0.0 {
		sampler = sdktrace.NeverSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	batchTimeout := p.config.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(p.config.ServiceVersion))
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.decisions, err = p.meter.Int64Counter("speechgate.decisions.total",
		metric.WithDescription("Gate decisions by reason and category"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}

	p.dispatches, err = p.meter.Int64Counter("speechgate.dispatch.total",
		metric.WithDescription("Sink attempts by sink and outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return err
	}

	p.sinkDuration, err = p.meter.Float64Histogram("speechgate.sink.duration",
		metric.WithDescription("Sink attempt duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		return err
	}

	p.queueDropped, err = p.meter.Int64Counter("speechgate.queue.dropped",
		metric.WithDescription("Dispatches dropped because the queue was full"),
		metric.WithUnit("{dispatch}"),
	)
	if err != nil {
		return err
	}

	p.activeDispatch, err = p.meter.Int64UpDownCounter("speechgate.dispatch.active",
		metric.WithDescription("Dispatches currently walking the sink chain"),
		metric.WithUnit("{dispatch}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter { return p.meter }

// SLO returns the per-sink objective tracker.
func (p *Provider) SLO() *SLOTracker { return p.slo }

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}

// Decision counts one gate evaluation.
func (p *Provider) Decision(ctx context.Context, reason, category string) {
	p.decisions.Add(ctx, 1, metric.WithAttributes(DecisionAttrs(reason, category)...))
}

// SinkAttempt records one sink call. It satisfies sink.Metrics.
func (p *Provider) SinkAttempt(ctx context.Context, sinkName, outcome string, d time.Duration) {
	p.dispatches.Add(ctx, 1, metric.WithAttributes(SinkAttrs(sinkName, outcome)...))
	p.sinkDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrSink.String(sinkName)))

	obj := p.config.SinkObjective
	if obj.WindowHours <= 0 {
		return
	}
	if !p.slo.HasTarget(sinkName) {
		obj.SLOID = "sink-" + sinkName
		obj.Sink = sinkName
		p.slo.SetTarget(&obj)
	}
	p.slo.Record(SLOObservation{Sink: sinkName, Latency: d, Success: outcome == "ok"})
}

// QueueDropped counts a dispatch discarded on a full queue.
func (p *Provider) QueueDropped(ctx context.Context, category string) {
	p.queueDropped.Add(ctx, 1, metric.WithAttributes(AttrCategory.String(category)))
}

// TrackDispatch marks a dispatch in flight and returns its completion func.
func (p *Provider) TrackDispatch(ctx context.Context, attrs ...attribute.KeyValue) func() {
	p.activeDispatch.Add(ctx, 1, metric.WithAttributes(attrs...))
	return func() {
		p.activeDispatch.Add(ctx, -1, metric.WithAttributes(attrs...))
	}
}
