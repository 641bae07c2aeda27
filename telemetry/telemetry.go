// Package telemetry wires OpenTelemetry metrics around the lifecycle
// core's hot paths: tree healing, context compaction, the retry loop and
// procedure extraction, and exposes a tracer through StartSpan; the core
// itself opens no spans. It mirrors the teacher's single-provider-
// object shape (OTelProvider) but stays exporter-agnostic: callers supply
// their own trace.SpanExporter / metric.Reader (OTLP, stdout, whatever
// their deployment uses) rather than this package hard-wiring one.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Telemetry bundles the tracer and meter the rest of the module emits
// through, plus the lazily-created instrument cache.
type Telemetry struct {
	tracer trace.Tracer
	meter  metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram

	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Option configures provider construction.
type Option func(*options)

type options struct {
	serviceName    string
	spanProcessors []sdktrace.SpanProcessor
	readers        []sdkmetric.Reader
}

// WithServiceName sets the resource's service.name attribute.
func WithServiceName(name string) Option {
	return func(o *options) { o.serviceName = name }
}

// WithSpanProcessor registers a span processor (e.g. a batch processor
// wrapping an OTLP exporter). May be called more than once.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) { o.spanProcessors = append(o.spanProcessors, sp) }
}

// WithMetricReader registers a metric reader (e.g. a periodic reader
// wrapping an OTLP exporter). May be called more than once.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.readers = append(o.readers, r) }
}

// New builds a Telemetry, registers its providers globally via
// otel.SetTracerProvider/SetMeterProvider, and returns it. With no
// exporters configured, spans and metrics are still created and can be
// asserted on in-process; nothing leaves the binary until a processor or
// reader is attached.
func New(opts ...Option) (*Telemetry, error) {
	o := &options{serviceName: "chitragupta"}
	for _, opt := range opts {
		opt(o)
	}

	res := resource.NewSchemaless(attribute.String("service.name", o.serviceName))

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	for _, sp := range o.spanProcessors {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range o.readers {
		mpOpts = append(mpOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)
	otel.SetMeterProvider(mp)

	return &Telemetry{
		tracer:     tp.Tracer(o.serviceName),
		meter:      mp.Meter(o.serviceName),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		tp:         tp,
		mp:         mp,
	}, nil
}

// NoOp returns a Telemetry with a no-op tracer, for tests and hosts that
// haven't opted into tracing. Its meter comes from the global
// MeterProvider, which is a no-op unless New or the host registered one.
func NoOp() *Telemetry {
	return &Telemetry{
		tracer:     noop.NewTracerProvider().Tracer("chitragupta"),
		meter:      otel.GetMeterProvider().Meter("chitragupta"),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// StartSpan opens a span on the configured tracer.
func (t *Telemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (t *Telemetry) counter(name, description string) metric.Int64Counter {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.counters[name]; ok {
		return c
	}
	c, _ := t.meter.Int64Counter(name, metric.WithDescription(description))
	t.counters[name] = c
	return c
}

func (t *Telemetry) histogram(name, description, unit string) metric.Float64Histogram {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.histograms[name]; ok {
		return h
	}
	h, _ := t.meter.Float64Histogram(name, metric.WithDescription(description), metric.WithUnit(unit))
	t.histograms[name] = h
	return h
}

// RecordKillCascade records how many agents a single healTree sweep killed.
func (t *Telemetry) RecordKillCascade(ctx context.Context, killed int, reason string) {
	t.counter("kaala.kill_cascade.count", "agents killed per healTree sweep").
		Add(ctx, int64(killed), metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordCompactionTier records a context compaction decision.
func (t *Telemetry) RecordCompactionTier(ctx context.Context, tier string) {
	t.counter("autonomy.compaction.count", "context compactions by tier").
		Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordRetryAttempt records one withRetry attempt.
func (t *Telemetry) RecordRetryAttempt(ctx context.Context, classification string, succeeded bool) {
	t.counter("autonomy.retry.attempts", "retry attempts by error classification").
		Add(ctx, 1, metric.WithAttributes(
			attribute.String("classification", classification),
			attribute.Bool("succeeded", succeeded),
		))
}

// RecordVidhiMatch records a procedure-hint lookup and whether it hit.
func (t *Telemetry) RecordVidhiMatch(ctx context.Context, project string, hit bool) {
	t.counter("vidhi.match.count", "procedure lookups by hit/miss").
		Add(ctx, 1, metric.WithAttributes(
			attribute.String("project", project),
			attribute.Bool("hit", hit),
		))
}

// RecordExtractionLatency records how long one extraction pass over a
// project's sessions took, in milliseconds.
func (t *Telemetry) RecordExtractionLatency(ctx context.Context, project string, ms float64) {
	t.histogram("vidhi.extraction.latency_ms", "procedure extraction latency", "ms").
		Record(ctx, ms, metric.WithAttributes(attribute.String("project", project)))
}

// Shutdown flushes and releases the underlying providers. Safe to call on
// a NoOp Telemetry.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.tp != nil {
		if err := t.tp.Shutdown(ctx); err != nil {
			return err
		}
	}
	if t.mp != nil {
		return t.mp.Shutdown(ctx)
	}
	return nil
}
