// Package telemetry wires OpenTelemetry tracing and metrics for aegisd:
// safety-kernel decisions, tool-invocation outcomes, shadow-state
// freshness, and job-monitor poll results, all exported over OTLP.
package telemetry

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

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "aegis-agent",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider manages OpenTelemetry trace and metric providers plus the
// agent's domain-specific RED instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter

	// Safety kernel
	kernelDecisions metric.Int64Counter

	// Resilience substrate
	breakerTransitions metric.Int64Counter
	rateLimitRejects   metric.Int64Counter

	// Shadow State Manager
	shadowEventLatency    metric.Float64Histogram
	shadowFreshnessGauge  metric.Float64ObservableGauge
	freshnessFn           func() float64

	// Capability Index
	capabilityQueryLatency metric.Float64Histogram

	// Orchestrator job monitor
	jobPollOutcomes metric.Int64Counter

	// Audit log
	auditAppendLatency metric.Float64Histogram
}

// New creates a new telemetry provider. When config.Enabled is false,
// every instrument method becomes a silent no-op (matching the
// teacher's disabled-by-flag shape); this lets aegisd run in
// environments with no collector reachable without branching at every
// call site.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "telemetry"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("aegis.component", "agent"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("telemetry: init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("telemetry: init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("aegis.agent", trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("aegis.agent", metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("telemetry: init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)

	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error

	if p.requestCounter, err = p.meter.Int64Counter("aegis.requests.total",
		metric.WithDescription("Total number of orchestrator requests processed"),
		metric.WithUnit("{request}")); err != nil {
		return err
	}
	if p.errorCounter, err = p.meter.Int64Counter("aegis.errors.total",
		metric.WithDescription("Total number of errors"),
		metric.WithUnit("{error}")); err != nil {
		return err
	}
	if p.durationHist, err = p.meter.Float64Histogram("aegis.request.duration",
		metric.WithDescription("Request duration in seconds"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0)); err != nil {
		return err
	}
	if p.activeOperations, err = p.meter.Int64UpDownCounter("aegis.operations.active",
		metric.WithDescription("Number of currently active operations"),
		metric.WithUnit("{operation}")); err != nil {
		return err
	}
	if p.kernelDecisions, err = p.meter.Int64Counter("aegis.kernel.decisions",
		metric.WithDescription("Safety kernel evaluation decisions, by allowed/require_approval"),
		metric.WithUnit("{decision}")); err != nil {
		return err
	}
	if p.breakerTransitions, err = p.meter.Int64Counter("aegis.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}")); err != nil {
		return err
	}
	if p.rateLimitRejects, err = p.meter.Int64Counter("aegis.ratelimit.rejected",
		metric.WithDescription("Requests rejected by the token-bucket rate limiter"),
		metric.WithUnit("{request}")); err != nil {
		return err
	}
	if p.shadowEventLatency, err = p.meter.Float64Histogram("aegis.shadow.event_apply.duration",
		metric.WithDescription("Time to apply one shadow-state delta event"), metric.WithUnit("s")); err != nil {
		return err
	}
	if p.capabilityQueryLatency, err = p.meter.Float64Histogram("aegis.capability.query.duration",
		metric.WithDescription("Capability index retrieval latency"), metric.WithUnit("s")); err != nil {
		return err
	}
	if p.jobPollOutcomes, err = p.meter.Int64Counter("aegis.orchestrator.job_poll",
		metric.WithDescription("Job-monitor poll outcomes, by result"),
		metric.WithUnit("{poll}")); err != nil {
		return err
	}
	if p.auditAppendLatency, err = p.meter.Float64Histogram("aegis.audit.append.duration",
		metric.WithDescription("Time to append and fsync one audit record"), metric.WithUnit("s")); err != nil {
		return err
	}
	if p.shadowFreshnessGauge, err = p.meter.Float64ObservableGauge("aegis.shadow.freshness_seconds",
		metric.WithDescription("Seconds since the shadow state's last full resync or applied submodel update"),
		metric.WithUnit("s"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			if p.freshnessFn != nil {
				o.Observe(p.freshnessFn())
			}
			return nil
		}),
	); err != nil {
		return err
	}

	return nil
}

// ObserveShadowFreshness registers the callback used to report
// aegis.shadow.freshness_seconds on each collection cycle.
func (p *Provider) ObserveShadowFreshness(fn func() float64) {
	p.freshnessFn = fn
}

// Shutdown flushes and shuts down the trace and metric providers.
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
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("aegis.agent")
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("aegis.agent")
	}
	return p.meter
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordRequest records a request with the given attributes.
func (p *Provider) RecordRequest(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordError records an error with the given attributes.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.errorCounter != nil {
		allAttrs := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(allAttrs...))
	}
}

// RecordDuration records the duration of an operation.
func (p *Provider) RecordDuration(ctx context.Context, duration time.Duration, attrs ...attribute.KeyValue) {
	if p.durationHist != nil {
		p.durationHist.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// TrackOperation tracks an operation from start to finish, returning a
// completion function to call with the operation's error (nil on
// success).
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))

	if p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	p.RecordRequest(ctx, attrs...)

	return ctx, func(err error) {
		duration := time.Since(start)
		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		p.RecordDuration(ctx, duration, attrs...)
		if err != nil {
			span.RecordError(err)
			p.RecordError(ctx, err, attrs...)
		}
		span.End()
	}
}

// RecordDecision implements kernel.MetricsRecorder: one count per
// safety-kernel Evaluate call, broken down by allowed/require_approval.
func (p *Provider) RecordDecision(allowed, requireApproval bool) {
	if p.kernelDecisions == nil {
		return
	}
	p.kernelDecisions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Bool("allowed", allowed),
		attribute.Bool("require_approval", requireApproval),
	))
}

// RecordBreakerTransition implements breaker.TransitionObserver-style
// reporting for circuit-breaker state changes.
func (p *Provider) RecordBreakerTransition(ctx context.Context, name, from, to string) {
	if p.breakerTransitions == nil {
		return
	}
	p.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordRateLimitReject counts one request rejected by the token-bucket
// limiter, tagged with the client id that was throttled.
func (p *Provider) RecordRateLimitReject(ctx context.Context, clientID string) {
	if p.rateLimitRejects == nil {
		return
	}
	p.rateLimitRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordShadowEventApply records how long one shadow-state delta event
// took to apply.
func (p *Provider) RecordShadowEventApply(ctx context.Context, d time.Duration, topic string) {
	if p.shadowEventLatency == nil {
		return
	}
	p.shadowEventLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("topic", topic)))
}

// RecordCapabilityQuery records how long one capability-index retrieval
// took.
func (p *Provider) RecordCapabilityQuery(ctx context.Context, d time.Duration, k int) {
	if p.capabilityQueryLatency == nil {
		return
	}
	p.capabilityQueryLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Int("top_k", k)))
}

// RecordJobPoll counts one job-status poll outcome (pending, completed,
// failed, stale, http_fallback, timeout).
func (p *Provider) RecordJobPoll(ctx context.Context, outcome string) {
	if p.jobPollOutcomes == nil {
		return
	}
	p.jobPollOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordAuditAppend records how long one audit-log append (including
// its fsync) took.
func (p *Provider) RecordAuditAppend(ctx context.Context, d time.Duration) {
	if p.auditAppendLatency == nil {
		return
	}
	p.auditAppendLatency.Record(ctx, d.Seconds())
}
