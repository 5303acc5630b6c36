package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// InitTracer builds a tracer provider backed by an OTLP gRPC exporter and
// installs it as the global provider. A dial failure degrades to a no-op
// shutdown rather than failing process startup.
func InitTracer(ctx context.Context, service string) (shutdown func(context.Context) error) {
	endpoint := getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		slog.Warn("otlp trace exporter init failed, tracing disabled", "error", err)
		return func(context.Context) error { return nil }
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(service)))
	if err != nil {
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// WithSpan starts a span named name on the global tracer for component and
// returns a context plus an end function.
func WithSpan(ctx context.Context, component, name string) (context.Context, func()) {
	tracer := otel.Tracer(component)
	ctx, span := tracer.Start(ctx, name)
	return ctx, func() { span.End() }
}

// Flush shuts down a previously returned shutdown func with a bounded
// deadline so process exit is never blocked indefinitely on exporter drain.
func Flush(ctx context.Context, shutdown func(context.Context) error) {
	if shutdown == nil {
		return
	}
	fctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := shutdown(fctx); err != nil {
		slog.Warn("telemetry shutdown error", "error", err)
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
