package engine

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/seantiz/kiln/internal/engine"

// InitTracing installs a global tracer provider exporting spans as JSON to w.
// The returned function flushes and shuts the provider down.
func InitTracing(serviceName, serviceVersion string, w io.Writer) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// startJobSpan opens the span covering one runner invocation.
func startJobSpan(ctx context.Context, token string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "kiln.job",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("kiln.token", token)),
	)
}

// endJobSpan records the job outcome and ends span.
func endJobSpan(span trace.Span, device string, jobErr *JobError, err error) {
	if device != "" {
		span.SetAttributes(attribute.String("kiln.device", device))
	}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case jobErr != nil:
		span.SetStatus(codes.Error, firstLine(jobErr.Message))
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
