package cttso_pieriandx_gateway

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

const tracerName = "cttso-pieriandx-gateway"

// InitTracerProvider exports spans over OTLP/gRPC. With no host configured
// the global no-op provider stays in place.
func InitTracerProvider(ctx context.Context, hostName string, port int, serviceName, env string) (func(), error) {
	if hostName == "" {
		log.Debug().Msg("No OTel collector configured, tracing disabled")
		return func() {}, nil
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			// the service name used to display traces in backends
			semconv.ServiceNameKey.String(serviceName),
			semconv.DeploymentEnvironmentKey.String(env),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("Cannot create OTel resource: %w", err)
	}

	endpoint := fmt.Sprintf("%s:%d", hostName, port)
	log.Info().Str("endpoint", endpoint).Msg("Sending traces to gRPC endpoint")
	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithBlock()),
	)
	if err != nil {
		return nil, fmt.Errorf("Cannot create OTel trace exporter: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func() {
		log.Info().Msg("Shutting down OTel trace provider")
		if err := tracerProvider.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("OTel trace provider shutdown failed")
		}
	}, nil
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// handleError records err on span and ends it. It reports whether err was set.
func handleError(err error, message string, span trace.Span) bool {
	if err != nil {
		msg := fmt.Sprintf("%s: %v", message, err)
		span.AddEvent(msg)
		span.SetStatus(codes.Error, msg)
		span.End()
		return true
	}
	return false
}
