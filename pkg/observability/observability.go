// Package observability wires OpenTelemetry tracing and RED metrics (rate,
// errors, duration) for the proposal orchestrator.
//
// A Provider built from a disabled Config, and a nil *Provider, accept
// every call and record nothing, so components never branch on telemetry.
package observability

import (
	"context"
	"errors"
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
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

const scope = "helm.proposals"

// Config selects the OTLP collector and sampling.
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	Environment    string        `yaml:"environment"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"` // gRPC, e.g. "localhost:4317"
	Insecure       bool          `yaml:"insecure"`
	SampleRate     float64       `yaml:"sample_rate"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	ExportInterval time.Duration `yaml:"export_interval"`
}

// DefaultConfig is disabled; enabling it exports to a local collector.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "helm-proposals",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
	}
}

// Option customizes a Provider.
type Option func(*Provider)

// WithMetricReader collects metrics into r instead of the OTLP exporter,
// e.g. a sdkmetric.ManualReader in tests.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(p *Provider) { p.reader = r }
}

// WithSpanExporter sends spans synchronously to e instead of the OTLP
// exporter.
func WithSpanExporter(e sdktrace.SpanExporter) Option {
	return func(p *Provider) { p.spans = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// Provider owns the SDK trace and meter providers.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	// test sinks; either one enables the SDK without a collector
	reader sdkmetric.Reader
	spans  sdktrace.SpanExporter

	traces *sdktrace.TracerProvider
	meters *sdkmetric.MeterProvider
	tracer trace.Tracer
	meter  metric.Meter
	red    *instruments
}

// New builds a Provider. Only the OTLP pipeline is installed as the
// process-wide otel provider.
func New(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	p := &Provider{cfg: cfg, logger: slog.Default().With("component", "observability")}
	for _, opt := range opts {
		opt(p)
	}
	if !cfg.Enabled && p.reader == nil && p.spans == nil {
		p.logger.DebugContext(ctx, "telemetry off")
		return p, nil
	}

	// semconv must track the schema of resource.Default or Merge refuses.
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.Environment),
		attribute.String("helm.component", "proposals"),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	spanOpt, err := p.spanProcessor(ctx)
	if err != nil {
		return nil, err
	}
	p.traces = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
		spanOpt,
	)

	reader, err := p.metricReader(ctx)
	if err != nil {
		_ = p.traces.Shutdown(ctx)
		return nil, err
	}
	p.meters = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))

	p.tracer = p.traces.Tracer(scope, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = p.meters.Meter(scope, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	if p.red, err = newInstruments(p.meter); err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}

	if p.reader == nil && p.spans == nil {
		otel.SetTracerProvider(p.traces)
		otel.SetMeterProvider(p.meters)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}
	p.logger.InfoContext(ctx, "telemetry on",
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate,
	)
	return p, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func (p *Provider) spanProcessor(ctx context.Context) (sdktrace.TracerProviderOption, error) {
	if p.spans != nil {
		return sdktrace.WithSyncer(p.spans), nil
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
	if p.cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	return sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(p.cfg.BatchTimeout)), nil
}

func (p *Provider) metricReader(ctx context.Context) (sdkmetric.Reader, error) {
	if p.reader != nil {
		return p.reader, nil
	}
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
	if p.cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	every := p.cfg.ExportInterval
	if every <= 0 {
		every = DefaultConfig().ExportInterval
	}
	return sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(every)), nil
}

// Enabled reports whether the SDK is wired.
func (p *Provider) Enabled() bool {
	return p != nil && p.meters != nil
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.traces != nil {
		errs = append(errs, p.traces.Shutdown(ctx))
	}
	if p.meters != nil {
		errs = append(errs, p.meters.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.ErrorContext(ctx, "telemetry shutdown", "error", err)
		return err
	}
	return nil
}

// Tracer returns the provider's tracer, or the global one when disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(scope)
	}
	return p.tracer
}

// Meter returns the provider's meter, or the global one when disabled.
func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meter == nil {
		return otel.Meter(scope)
	}
	return p.meter
}
