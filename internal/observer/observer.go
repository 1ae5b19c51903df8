// Package observer provides opt-in OTEL observability for the digest
// service. Exporters are configured through the standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT and friends).
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/aquispe/newsbrief/internal/observer"

// Instruments holds the tracer and metric instruments the pipeline and
// delivery paths record to.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	PipelineRuns metric.Int64Counter
	Deliveries   metric.Int64Counter

	PipelineDuration metric.Float64Histogram
}

// Init sets up OTEL trace and metric providers with OTLP HTTP exporters.
// The returned shutdown function must be called on exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("newsbrief")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
		)
	}
	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)

	pipelineRuns, err := meter.Int64Counter("pipeline.runs",
		metric.WithDescription("Pipeline run count"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter("delivery.attempts",
		metric.WithDescription("Delivery attempts by outcome"),
		metric.WithUnit("{attempt}"))
	if err != nil {
		return nil, err
	}

	pipelineDuration, err := meter.Float64Histogram("pipeline.duration",
		metric.WithDescription("Full pipeline run duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:           tracer,
		Meter:            meter,
		PipelineRuns:     pipelineRuns,
		Deliveries:       deliveries,
		PipelineDuration: pipelineDuration,
	}, nil
}
