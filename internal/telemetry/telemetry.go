// Package telemetry installs the process-wide OpenTelemetry tracer provider
// and propagators used by the HTTP and Postgres instrumentation.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
)

type Config struct {
	ServiceName string
	// Endpoint enables OTLP export. Empty leaves the global no-op provider.
	Endpoint    string
	SampleRatio float64
}

// ShutdownFunc flushes pending spans and releases the exporter.
type ShutdownFunc func(context.Context) error

// Setup installs W3C trace context propagation and, when an endpoint is
// configured, a batching OTLP/gRPC tracer provider as the global provider.
func Setup(ctx context.Context, cfg Config, log *zap.Logger) (ShutdownFunc, error) {
	if log == nil {
		log = zap.NewNop()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Endpoint == "" {
		log.Info("[startup] trace export disabled")
		return func(context.Context) error { return nil }, nil
	}

	// The exporter picks up OTEL_EXPORTER_OTLP_* (endpoint, headers, TLS) itself.
	exp, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	tp := NewTracerProvider(cfg, sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		log.Warn("otel export error", zap.Error(err))
	}))

	log.Info("[startup] trace export enabled",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("service", cfg.ServiceName),
		zap.Float64("sample_ratio", cfg.SampleRatio))
	return tp.Shutdown, nil
}

// NewTracerProvider builds a provider tagged with the service name and
// sampling cfg.SampleRatio of root spans. Child spans follow their parent.
func NewTracerProvider(cfg Config, opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	name := cfg.ServiceName
	if name == "" {
		name = "bank-ledger"
	}
	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewSchemaless(semconv.ServiceName(name)),
	)
	if err != nil {
		res = sdkresource.NewSchemaless(semconv.ServiceName(name))
	}

	opts = append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}, opts...)
	return sdktrace.NewTracerProvider(opts...)
}
