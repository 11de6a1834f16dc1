// Package apm bootstraps the OpenTelemetry trace provider.
package apm

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"

	"github.com/stablepay/chainexec/internal/logger"
)

// Provider selects a trace exporter backend.
type Provider string

const (
	ZipkinProvider   Provider = "zipkin"
	OTLPGRPCProvider Provider = "otlp-grpc"
	OTLPHTTPProvider Provider = "otlp-http"
	ConsoleProvider  Provider = "console"
	EmptyProvider    Provider = "empty"
)

// TraceProvider is the stoppable handle returned by NewTraceProvider.
type TraceProvider interface {
	Stop() error
}

type traceProvider struct {
	tp *sdktrace.TracerProvider
}

type emptyTraceProvider struct{}

func (emptyTraceProvider) Stop() error { return nil }

// NewTraceProvider installs a global trace provider for the given backend.
// Endpoint and service name come from the standard OTEL environment variables.
func NewTraceProvider(provider Provider, serviceName string, log logger.LoggerInterface) TraceProvider {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	var exp sdktrace.SpanExporter
	var err error

	switch provider {
	case ZipkinProvider:
		exp, err = zipkin.New(endpoint)
	case OTLPGRPCProvider:
		exp, err = otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpointURL(endpoint))
	case OTLPHTTPProvider:
		exp, err = otlptracehttp.New(context.Background(),
			otlptracehttp.WithEndpointURL(endpoint))
	case ConsoleProvider:
		exp, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return emptyTraceProvider{}
	}
	if err != nil {
		log.Warn(context.Background(), "trace exporter init failed, tracing disabled",
			"provider", string(provider), "error", err)
		return emptyTraceProvider{}
	}

	rsrc, _ := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			attribute.String("otel.provider", string(provider)),
		))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(rsrc),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &traceProvider{tp: tp}
}

// Stop flushes and shuts down the provider.
func (p *traceProvider) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(ctx)
}
