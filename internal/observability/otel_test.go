package observability

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/persona-relay/internal/config"
)

func keepGlobals(t *testing.T) {
	t.Helper()
	tp := otel.GetTracerProvider()
	prop := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

func enabled(insecure bool) config.OTELConfig {
	return config.OTELConfig{
		Enabled:     true,
		Insecure:    insecure,
		Endpoint:    "localhost:4317",
		ServiceName: "relay-test",
		SampleRatio: 1,
	}
}

func TestSetupDisabledIsNoop(t *testing.T) {
	keepGlobals(t)
	before := otel.GetTracerProvider()

	shutdown, err := Setup(context.Background(), config.OTELConfig{Enabled: false}, "v0")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Fatalf("disabled setup replaced the tracer provider")
	}
}

func TestSetupInstallsProvider(t *testing.T) {
	for _, insecure := range []bool{true, false} {
		keepGlobals(t)
		shutdown, err := Setup(context.Background(), enabled(insecure), "v1.2.3")
		if err != nil {
			t.Fatalf("Setup(insecure=%v): %v", insecure, err)
		}
		if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
			t.Fatalf("expected sdk tracer provider")
		}

		carrier := propagation.MapCarrier{}
		ctx, span := otel.Tracer("test").Start(context.Background(), "span")
		otel.GetTextMapPropagator().Inject(ctx, carrier)
		span.End()
		if carrier.Get("traceparent") == "" {
			t.Fatalf("traceparent not propagated")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		_ = shutdown(ctx)
		cancel()
	}
}

func TestSetupFailuresLeaveGlobals(t *testing.T) {
	keepGlobals(t)

	origExp, origRes := newExporter, newResource
	t.Cleanup(func() { newExporter, newResource = origExp, origRes })

	cases := []struct {
		name  string
		patch func()
	}{
		{"exporter", func() {
			newExporter = func(context.Context, ...otlptracegrpc.Option) (*otlptrace.Exporter, error) {
				return nil, errors.New("boom")
			}
		}},
		{"resource", func() {
			newResource = func(context.Context, string, string) (*resource.Resource, error) {
				return nil, errors.New("boom")
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			newExporter, newResource = origExp, origRes
			tc.patch()
			prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()

			if _, err := Setup(context.Background(), enabled(true), "v0"); err == nil {
				t.Fatalf("expected error")
			}
			if otel.GetTracerProvider() != prevTP || otel.GetTextMapPropagator() != prevProp {
				t.Fatalf("globals changed on failure")
			}
		})
	}
}

func TestInstrumentDB(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "otel.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if err := InstrumentDB(db, config.OTELConfig{Enabled: false}); err != nil {
		t.Fatalf("disabled: %v", err)
	}
	if err := InstrumentDB(db, enabled(true)); err != nil {
		t.Fatalf("enabled: %v", err)
	}
	if err := db.Exec("SELECT 1").Error; err != nil {
		t.Fatalf("query through plugin: %v", err)
	}
}
