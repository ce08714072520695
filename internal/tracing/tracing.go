// Package tracing wraps every request-dispatcher verb in an
// OpenTelemetry span, exporting over OTLP/gRPC when
// OTEL_EXPORTER_OTLP_ENDPOINT is set. This is ambient observability
// infrastructure carried regardless of the Non-goal excluding a
// metrics policy surface (it is tracing, not policy), using the
// go.opentelemetry.io/otel* stack already present in go.mod but
// previously unused by any package.
package tracing

import (
	"context"
	"encoding/json"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/banksean/vminitd/internal/agenterr"
	"github.com/banksean/vminitd/internal/dispatcher"
)

// Shutdown flushes and stops the tracer provider installed by Setup.
type Shutdown func(ctx context.Context) error

// Setup installs a global TracerProvider. When
// OTEL_EXPORTER_OTLP_ENDPOINT is unset, spans are created but never
// exported (a no-op batcher-less provider), so instrumentation imposes
// no network dependency by default.
func Setup(ctx context.Context, serviceName string) (trace.Tracer, Shutdown, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, nil, agenterr.Wrap(agenterr.Internal, "tracing.Setup", "build resource", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint != "" {
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithBlock()),
		)
		if err != nil {
			return nil, nil, agenterr.Wrap(agenterr.Internal, "tracing.Setup", "dial OTLP exporter", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	tracer := tp.Tracer("github.com/banksean/vminitd/internal/dispatcher")
	return tracer, tp.Shutdown, nil
}

// InstrumentDispatcher wraps every verb registered on d in a span
// named "dispatcher.<verb>", recording the outcome's agenterr.Code as
// a span attribute and marking the span an error on failure.
func InstrumentDispatcher(tracer trace.Tracer, d *dispatcher.Dispatcher) {
	d.Wrap(func(verb string, fn dispatcher.HandlerFunc) dispatcher.HandlerFunc {
		return func(ctx context.Context, payload json.RawMessage) (any, error) {
			ctx, span := tracer.Start(ctx, "dispatcher."+verb)
			defer span.End()

			result, err := fn(ctx, payload)
			if err != nil {
				span.SetAttributes(attribute.String("vminitd.error_code", string(agenterr.CodeOf(err))))
				span.RecordError(err)
			}
			return result, err
		}
	})
}
