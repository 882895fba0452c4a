// Package observability sets up tracing for the relay: an OTLP/gRPC trace
// pipeline for the process, and span instrumentation for the database.
package observability

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/persona-relay/internal/config"
)

// Shutdown flushes and stops whatever Setup started.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Seams replaced by tests.
var (
	newExporter = func(ctx context.Context, opts ...otlptracegrpc.Option) (*otlptrace.Exporter, error) {
		return otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	}

	newResource = func(ctx context.Context, service, version string) (*resource.Resource, error) {
		return resource.New(ctx,
			resource.WithHost(),
			resource.WithAttributes(
				semconv.ServiceName(service),
				semconv.ServiceVersion(version),
			),
		)
	}
)

func exporterOptions(cfg config.OTELConfig) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		return append(opts, otlptracegrpc.WithInsecure())
	}
	return append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
}

// Setup installs a global tracer provider exporting to cfg.Endpoint. When
// tracing is disabled it changes nothing and returns a no-op Shutdown. On
// error the globals are left untouched.
func Setup(ctx context.Context, cfg config.OTELConfig, version string) (Shutdown, error) {
	if !cfg.Enabled {
		return noop, nil
	}

	exp, err := newExporter(ctx, exporterOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	res, err := newResource(ctx, cfg.ServiceName, version)
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	log.Info().
		Str("endpoint", cfg.Endpoint).
		Float64("sample_ratio", cfg.SampleRatio).
		Msg("tracing enabled")
	return tp.Shutdown, nil
}

// InstrumentDB adds query spans to db. Bound values are left out of the
// spans because they carry transcript text.
func InstrumentDB(db *gorm.DB, cfg config.OTELConfig) error {
	if !cfg.Enabled {
		return nil
	}
	return db.Use(tracing.NewPlugin(
		tracing.WithoutMetrics(),
		tracing.WithoutQueryVariables(),
	))
}
