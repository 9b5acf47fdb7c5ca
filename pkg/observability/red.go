package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metric names.
const (
	MetricOperations = "helm.proposals.operations.total"
	MetricErrors     = "helm.proposals.errors.total"
	MetricDuration   = "helm.proposals.operation.duration"
	MetricInFlight   = "helm.proposals.operations.active"
)

var latencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

type instruments struct {
	ops      metric.Int64Counter
	errs     metric.Int64Counter
	latency  metric.Float64Histogram
	inflight metric.Int64UpDownCounter
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var (
		in  instruments
		err error
	)
	if in.ops, err = m.Int64Counter(MetricOperations,
		metric.WithDescription("Orchestrator operations started"),
		metric.WithUnit("{operation}")); err != nil {
		return nil, err
	}
	if in.errs, err = m.Int64Counter(MetricErrors,
		metric.WithDescription("Orchestrator operations that returned an error"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if in.latency, err = m.Float64Histogram(MetricDuration,
		metric.WithDescription("Orchestrator operation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if in.inflight, err = m.Int64UpDownCounter(MetricInFlight,
		metric.WithDescription("Orchestrator operations in flight"),
		metric.WithUnit("{operation}")); err != nil {
		return nil, err
	}
	return &in, nil
}

// StartSpan starts a span on the provider's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordRequest counts one operation.
func (p *Provider) RecordRequest(ctx context.Context, attrs ...attribute.KeyValue) {
	if p == nil || p.red == nil {
		return
	}
	p.red.ops.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordError counts one failure tagged with the error's Go type.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p == nil || p.red == nil {
		return
	}
	attrs = append(attrs[:len(attrs):len(attrs)], attribute.String("error.type", fmt.Sprintf("%T", err)))
	p.red.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDuration records one operation latency.
func (p *Provider) RecordDuration(ctx context.Context, d time.Duration, attrs ...attribute.KeyValue) {
	if p == nil || p.red == nil {
		return
	}
	p.red.latency.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

// TrackOperation opens a span named name and the RED bookkeeping for it.
// The returned func closes both; pass it the operation's error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append(attrs[:len(attrs):len(attrs)], AttrOperation.String(name))
	set := metric.WithAttributes(attrs...)

	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	p.RecordRequest(ctx, attrs...)
	if p != nil && p.red != nil {
		p.red.inflight.Add(ctx, 1, set)
	}

	return ctx, func(err error) {
		if p != nil && p.red != nil {
			p.red.inflight.Add(ctx, -1, set)
		}
		p.RecordDuration(ctx, time.Since(start), attrs...)
		if err != nil {
			span.RecordError(err)
			p.RecordError(ctx, err, attrs...)
		}
		span.End()
	}
}

// ObserveGauges registers int64 gauges sampled at collection time. It is a
// no-op on a disabled provider.
func (p *Provider) ObserveGauges(gauges map[string]func() int64) error {
	if !p.Enabled() {
		return nil
	}
	for name, read := range gauges {
		cb := func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(read())
			return nil
		}
		if _, err := p.meter.Int64ObservableGauge(name, metric.WithInt64Callback(cb)); err != nil {
			return fmt.Errorf("observability: gauge %s: %w", name, err)
		}
	}
	return nil
}
