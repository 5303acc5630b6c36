package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "sagaengine"

// Instruments holds the named counters and histograms shared across the
// engine's components, created once at startup.
type Instruments struct {
	SegmentDuration    metric.Float64Histogram
	StepDuration       metric.Float64Histogram
	StepRetries        metric.Int64Counter
	StepFailures       metric.Int64Counter
	CompensationRuns   metric.Int64Counter
	CompensationFails  metric.Int64Counter
	BreakerTrips       metric.Int64Counter
	BreakerResets      metric.Int64Counter
	ActiveLocks        metric.Int64UpDownCounter
	DLQZombiesFound    metric.Int64Counter
	OCCConflicts       metric.Int64Counter
	OCCRebaseExhausted metric.Int64Counter
}

// InitMetrics configures a global OTLP metrics exporter and returns a
// shutdown func plus the shared instrument set. An exporter dial failure
// degrades to a no-op shutdown rather than failing startup.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, instruments Instruments) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))

	endpoint := getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "")
	if endpoint == "" {
		endpoint = getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	}

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(initCtx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed, metrics disabled", "error", err)
		return func(context.Context) error { return nil }, createInstruments()
	}

	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	return mp.Shutdown, createInstruments()
}

func createInstruments() Instruments {
	meter := otel.Meter(meterName)
	segDur, _ := meter.Float64Histogram("sagaengine_segment_duration_seconds")
	stepDur, _ := meter.Float64Histogram("sagaengine_step_duration_seconds")
	stepRetries, _ := meter.Int64Counter("sagaengine_step_retries_total")
	stepFailures, _ := meter.Int64Counter("sagaengine_step_failures_total")
	compRuns, _ := meter.Int64Counter("sagaengine_compensation_runs_total")
	compFails, _ := meter.Int64Counter("sagaengine_compensation_failures_total")
	breakerTrips, _ := meter.Int64Counter("sagaengine_breaker_trips_total")
	breakerResets, _ := meter.Int64Counter("sagaengine_breaker_resets_total")
	activeLocks, _ := meter.Int64UpDownCounter("sagaengine_active_locks")
	dlqZombies, _ := meter.Int64Counter("sagaengine_dlq_zombies_total")
	occConflicts, _ := meter.Int64Counter("sagaengine_occ_conflicts_total")
	occExhausted, _ := meter.Int64Counter("sagaengine_occ_rebase_exhausted_total")
	return Instruments{
		SegmentDuration:    segDur,
		StepDuration:       stepDur,
		StepRetries:        stepRetries,
		StepFailures:       stepFailures,
		CompensationRuns:   compRuns,
		CompensationFails:  compFails,
		BreakerTrips:       breakerTrips,
		BreakerResets:      breakerResets,
		ActiveLocks:        activeLocks,
		DLQZombiesFound:    dlqZombies,
		OCCConflicts:       occConflicts,
		OCCRebaseExhausted: occExhausted,
	}
}
