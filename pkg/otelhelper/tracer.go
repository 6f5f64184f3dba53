// Package otelhelper sets up OpenTelemetry tracing for the engine and its adapters.
package otelhelper

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// Common attribute keys.
	WorkflowIDKey      = "cadmaflow.workflow.id"
	RootWorkflowIDKey  = "cadmaflow.workflow.root_id"
	ExecutionIDKey     = "cadmaflow.execution.id"
	StepExecutionIDKey = "cadmaflow.step_execution.id"
	StepNameKey        = "cadmaflow.step.name"
	StepTypeKey        = "cadmaflow.step.type"
	StepIndexKey       = "cadmaflow.step.index"
	ProviderIDKey      = "cadmaflow.provider.id"
	RecordIDKey        = "cadmaflow.record.id"
	FingerprintKey     = "cadmaflow.snapshot.fingerprint"
	ServiceIDKey       = "cadmaflow.service.id"
)

// Shutdown flushes buffered spans and stops the exporter.
type Shutdown func(ctx context.Context) error

// NewTracer installs a global OTLP/HTTP tracer provider for serviceName. The
// exporter reads its endpoint from the standard OTEL_EXPORTER_OTLP_* variables.
//
// nolint:ireturn // trace.Tracer is the OpenTelemetry API type
func NewTracer(ctx context.Context, serviceName string) (trace.Tracer, Shutdown, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			attribute.String(ServiceIDKey, serviceName),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider.Tracer(serviceName), provider.Shutdown, nil
}

// nolint:ireturn,spancheck // callers end the span
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
