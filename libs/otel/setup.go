// Package otelx wires the global OpenTelemetry tracer provider and carries
// trace context through persisted event metadata.
package otelx

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/md-rashed-zaman/tenancy/libs/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const DefaultEndpoint = "localhost:4317"

type Config struct {
	Enabled      bool
	ServiceName  string
	Version      string
	OTLPEndpoint string
	SampleRatio  float64
}

// ConfigFromEnv reads OTEL_ENABLED, OTEL_EXPORTER_OTLP_ENDPOINT,
// OTEL_SAMPLING_RATIO and SERVICE_VERSION. Tracing is on unless disabled.
func ConfigFromEnv(serviceName string) (Config, error) {
	enabled, err := config.Bool("OTEL_ENABLED", true)
	if err != nil {
		return Config{}, err
	}
	ratio, err := config.Ratio("OTEL_SAMPLING_RATIO", 1)
	if err != nil {
		return Config{}, err
	}
	endpoint := strings.TrimSpace(config.String("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultEndpoint))
	// The gRPC exporter wants host:port.
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
	return Config{
		Enabled:      enabled,
		ServiceName:  serviceName,
		Version:      config.String("SERVICE_VERSION", "dev"),
		OTLPEndpoint: endpoint,
		SampleRatio:  ratio,
	}, nil
}

// Setup installs the propagators and, when enabled, a batching OTLP tracer
// provider. The returned func flushes and stops it.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		return nil, errors.New("otel: service name is required")
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(3*time.Second),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
