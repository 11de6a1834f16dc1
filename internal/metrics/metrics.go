// Package metrics bootstraps the OpenTelemetry meter provider and the
// Prometheus scrape endpoint.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
)

// Provider selects a metrics backend.
type Provider string

const (
	PrometheusProvider Provider = "prometheus"
	OTLPProvider       Provider = "otlp"
)

// Config holds meter provider configuration.
type Config struct {
	ServiceName string
	Provider    Provider
	// OTLPEndpoint is used only with OTLPProvider.
	OTLPEndpoint string
	OTLPInsecure bool
}

// OptionFn mutates Config.
type OptionFn func(Config) Config

// WithServiceName sets the service name resource attribute.
func WithServiceName(name string) OptionFn {
	return func(cfg Config) Config {
		cfg.ServiceName = name
		return cfg
	}
}

// WithProvider selects the exporter backend.
func WithProvider(p Provider) OptionFn {
	return func(cfg Config) Config {
		cfg.Provider = p
		return cfg
	}
}

// WithOTLPEndpoint sets the collector endpoint for OTLPProvider.
func WithOTLPEndpoint(endpoint string, insecure bool) OptionFn {
	return func(cfg Config) Config {
		cfg.OTLPEndpoint = endpoint
		cfg.OTLPInsecure = insecure
		return cfg
	}
}

// NewMeterProvider builds the global meter provider and installs it.
func NewMeterProvider(options ...OptionFn) (*sdkmetric.MeterProvider, error) {
	cfg := Config{Provider: PrometheusProvider}
	for _, opt := range options {
		cfg = opt(cfg)
	}

	var reader sdkmetric.Reader
	switch cfg.Provider {
	case OTLPProvider:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpointURL(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exp, err := otlpmetricgrpc.New(context.Background(), opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp)
	default:
		exp, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("prometheus exporter: %w", err)
		}
		reader = exp
	}

	opts := []sdkmetric.Option{sdkmetric.WithReader(reader)}
	if cfg.ServiceName != "" {
		opts = append(opts, sdkmetric.WithResource(
			resource.NewSchemaless(semconv.ServiceNameKey.String(cfg.ServiceName)),
		))
	}

	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)
	return provider, nil
}

// ServePrometheus serves /metrics on the given port; it blocks.
func ServePrometheus(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}
