// Package otel wires the OpenTelemetry SDK for the node source: OTLP
// push of traces and metrics, optional stdout dumps, and a Prometheus
// scrape handler the API mounts on /metrics.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"github.com/terrpan/nodesource/internal/buildinfo"
)

const exportInterval = 10 * time.Second

// Config selects the telemetry outputs.
type Config struct {
	// Enabled turns on OTLP HTTP export of traces and metrics.
	Enabled bool

	// Endpoint is the collector address, e.g. "otel-collector:4318".
	// Empty defers to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string

	// Insecure sends OTLP over plain HTTP.
	Insecure bool

	// StdOut mirrors traces and metrics to stdout.
	StdOut bool

	// Prometheus collects metrics into a private registry served by
	// SDK.MetricsHandler.
	Prometheus bool
}

// SDK is the result of SetupOTelSDK.
type SDK struct {
	// Shutdown flushes and stops every provider that was installed.
	Shutdown func(context.Context) error

	// MetricsHandler is the Prometheus scrape endpoint, nil unless
	// Config.Prometheus is set.
	MetricsHandler http.Handler
}

// SetupOTelSDK installs global tracer and meter providers for
// serviceName.  The tracer provider exists only with OTLP export; the
// meter provider exists when either OTLP or Prometheus is on.  With
// everything off the global no-op providers are left alone and
// Shutdown is a no-op.
func SetupOTelSDK(ctx context.Context, serviceName string, cfg Config) (*SDK, error) {
	var stops []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var err error
		for _, stop := range stops {
			err = errors.Join(err, stop(ctx))
		}
		stops = nil
		return err
	}
	fail := func(err error) (*SDK, error) {
		return nil, errors.Join(err, shutdown(ctx))
	}

	// Schemaless so the merge never disagrees with the SDK's own
	// default schema version.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(buildinfo.Version),
		),
	)
	if err != nil {
		return fail(fmt.Errorf("building resource: %w", err))
	}

	sdk := &SDK{Shutdown: shutdown}

	if cfg.Enabled {
		tp, err := newTraceProvider(ctx, res, cfg)
		if err != nil {
			return fail(fmt.Errorf("creating tracer provider: %w", err))
		}
		stops = append(stops, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.Enabled || cfg.Prometheus {
		var registry *prometheus.Registry
		if cfg.Prometheus {
			registry = prometheus.NewRegistry()
			sdk.MetricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		}

		mp, err := newMeterProvider(ctx, res, cfg, registry)
		if err != nil {
			return fail(fmt.Errorf("creating meter provider: %w", err))
		}
		stops = append(stops, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	return sdk, nil
}

func newTraceProvider(ctx context.Context, res *resource.Resource, cfg Config) (*trace.TracerProvider, error) {
	var opts []otlptracehttp.Option
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	otlp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	providerOpts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithBatcher(otlp, trace.WithBatchTimeout(time.Second)),
	}
	if cfg.StdOut {
		stdout, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		providerOpts = append(providerOpts, trace.WithBatcher(stdout, trace.WithBatchTimeout(time.Second)))
	}
	return trace.NewTracerProvider(providerOpts...), nil
}

// newMeterProvider attaches a reader per enabled output: OTLP when
// cfg.Enabled, stdout when cfg.StdOut, Prometheus when registry is set.
func newMeterProvider(ctx context.Context, res *resource.Resource, cfg Config, registry *prometheus.Registry) (*metric.MeterProvider, error) {
	providerOpts := []metric.Option{metric.WithResource(res)}

	if cfg.Enabled {
		var opts []otlpmetrichttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		otlp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		providerOpts = append(providerOpts, metric.WithReader(
			metric.NewPeriodicReader(otlp, metric.WithInterval(exportInterval))))
	}

	if cfg.StdOut {
		stdout, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		providerOpts = append(providerOpts, metric.WithReader(
			metric.NewPeriodicReader(stdout, metric.WithInterval(exportInterval))))
	}

	if registry != nil {
		prom, err := promexporter.New(promexporter.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		providerOpts = append(providerOpts, metric.WithReader(prom))
	}

	return metric.NewMeterProvider(providerOpts...), nil
}
