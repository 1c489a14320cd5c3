// Package telemetry is the one-stop OpenTelemetry setup for KageDB:
// a Prometheus-backed meter for counters and a sampled tracer, plus
// the /metrics HTTP endpoint that exposes them.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Config holds all the configuration for the telemetry system.
type Config struct {
	// Enabled toggles the entire telemetry system on or off.
	Enabled bool `yaml:"enabled"`
	// ServiceName appears on all metrics and traces; defaults to "kagedb".
	ServiceName string `yaml:"service_name"`
	// PrometheusPort is the port the /metrics endpoint listens on.
	PrometheusPort int `yaml:"prometheus_port"`
	// TraceSampleRatio is the fraction of traces to sample; values
	// outside (0, 1] fall back to always sampling.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// Telemetry carries the active meter and tracer. When telemetry is
// disabled both are no-ops and nothing listens on the network.
type Telemetry struct {
	Meter  metric.Meter
	Tracer trace.Tracer
}

// ShutdownFunc gracefully stops the telemetry providers and the
// metrics endpoint.
type ShutdownFunc func(ctx context.Context) error

// New initializes metrics and tracing and starts the /metrics server.
func New(config Config) (*Telemetry, ShutdownFunc, error) {
	if !config.Enabled {
		return &Telemetry{
			Meter:  metricnoop.NewMeterProvider().Meter(""),
			Tracer: tracenoop.NewTracerProvider().Tracer(""),
		}, func(context.Context) error { return nil }, nil
	}

	name := config.ServiceName
	if name == "" {
		name = "kagedb"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(name)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otelprom.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	sampleRatio := config.TraceSampleRatio
	if sampleRatio <= 0 || sampleRatio > 1 {
		sampleRatio = 1.0
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampleRatio)),
	)

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			otel.Handle(fmt.Errorf("prometheus http server failed: %w", err))
		}
	}()

	shutdown := func(ctx context.Context) error {
		err := srv.Shutdown(ctx)
		if merr := meterProvider.Shutdown(ctx); err == nil {
			err = merr
		}
		if terr := tracerProvider.Shutdown(ctx); err == nil {
			err = terr
		}
		return err
	}

	return &Telemetry{
		Meter:  meterProvider.Meter(name),
		Tracer: tracerProvider.Tracer(name),
	}, shutdown, nil
}
