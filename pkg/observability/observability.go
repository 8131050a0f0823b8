// Package observability provides OpenTelemetry tracing and RED metrics
// for the arbitration core, plus the shared slog setup. Disabled cleanly
// when no OTLP endpoint is configured.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
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

// NewLogger builds the process-wide slog logger at the given level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// Provider manages the OpenTelemetry trace and metric providers.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer

	// RED metrics over arbitration use cases.
	useCaseCounter  metric.Int64Counter
	useCaseErrors   metric.Int64Counter
	useCaseDuration metric.Float64Histogram
}

// New creates a provider exporting to the given OTLP gRPC endpoint. An
// empty endpoint disables export; the no-op globals stay in place and
// Tracer()/Record() remain safe to call.
func New(ctx context.Context, endpoint string) (*Provider, error) {
	p := &Provider{}
	if endpoint == "" {
		p.tracer = otel.Tracer("concent.core")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("concent-core"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.tracer = otel.Tracer("concent.core")
	meter := otel.Meter("concent.core")

	if p.useCaseCounter, err = meter.Int64Counter("concent.usecase.requests"); err != nil {
		return nil, err
	}
	if p.useCaseErrors, err = meter.Int64Counter("concent.usecase.errors"); err != nil {
		return nil, err
	}
	if p.useCaseDuration, err = meter.Float64Histogram("concent.usecase.duration_ms"); err != nil {
		return nil, err
	}
	return p, nil
}

// Tracer returns the core tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Record records one use-case invocation.
func (p *Provider) Record(ctx context.Context, useCase string, duration time.Duration, err error) {
	if p.useCaseCounter == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("use_case", useCase))
	p.useCaseCounter.Add(ctx, 1, attrs)
	if err != nil {
		p.useCaseErrors.Add(ctx, 1, attrs)
	}
	p.useCaseDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	if p.meterProvider != nil {
		return p.meterProvider.Shutdown(ctx)
	}
	return nil
}
