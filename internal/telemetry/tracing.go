// Package telemetry sets up OpenTelemetry tracing and opens one span per fetch attempt.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/fetchkit/internal/fetch"
)

const instrumentationName = "github.com/JakeFAU/fetchkit"

// InitTracerProvider initializes the global trace provider.
// No exporter is attached here; callers register one with RegisterSpanProcessor.
func InitTracerProvider(ctx context.Context, serviceName, version string, sampleRatio float64) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}

// NewOTLPExporter builds an OTLP/HTTP span exporter for endpoint (host:port).
func NewOTLPExporter(ctx context.Context, endpoint string, insecure bool) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}
	return exp, nil
}

// Attempts opens spans around individual fetch attempts.
type Attempts struct {
	tracer trace.Tracer
}

// NewAttempts uses tp, or the global provider when tp is nil.
func NewAttempts(tp trace.TracerProvider) *Attempts {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Attempts{tracer: tp.Tracer(instrumentationName)}
}

// Start opens the span for the task's current attempt.
func (a *Attempts) Start(ctx context.Context, task fetch.Task) (context.Context, trace.Span) {
	return a.tracer.Start(ctx, "fetch.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("fetch.task_id", task.ID),
			attribute.String("url.full", task.URL),
			attribute.String("server.address", task.Host()),
			attribute.Int("fetch.attempt", task.Attempt),
			attribute.Bool("fetch.browser", task.UseBrowser),
		),
	)
}

// End records the attempt's status code and error, then ends the span.
func End(span trace.Span, statusCode int, err error) {
	if statusCode > 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", statusCode))
	}
	if err != nil {
		span.SetAttributes(attribute.String("fetch.error_kind", string(fetch.KindOf(err))))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
