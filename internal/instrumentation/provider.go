package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ScopeName identifies the instrumentation scope of all kubedeck telemetry.
const ScopeName = "github.com/giantswarm/kubedeck"

// otlpExportInterval is how often the periodic reader pushes metrics.
const otlpExportInterval = 15 * time.Second

// Provider owns the OpenTelemetry pipelines. A disabled provider is fully
// inert: Metrics returns a recorder whose methods do nothing and no global
// providers are installed.
type Provider struct {
	config  Config
	metrics *Metrics

	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
}

// NewProvider builds the configured exporters and installs the global meter
// and tracer providers. When config.Enabled is false it returns an inert
// provider without touching any globals.
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	p := &Provider{
		config:  config,
		metrics: &Metrics{},
	}
	if !config.Enabled {
		return p, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", config.ServiceName),
		attribute.String("service.version", config.ServiceVersion),
	)

	reader, err := newMetricReader(ctx, config)
	if err != nil {
		return nil, err
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(p.meterProvider)

	metrics, err := NewMetrics(p.meterProvider.Meter(ScopeName), config.DetailedLabels)
	if err != nil {
		return nil, errors.Join(err, p.meterProvider.Shutdown(ctx))
	}
	p.metrics = metrics

	if config.TracingExporter != "" && config.TracingExporter != "none" {
		exporter, err := newTraceExporter(ctx, config)
		if err != nil {
			return nil, errors.Join(err, p.meterProvider.Shutdown(ctx))
		}
		p.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.TraceSamplingRate))),
		)
		otel.SetTracerProvider(p.tracerProvider)
	}

	return p, nil
}

// newMetricReader creates the metric reader for the configured exporter.
func newMetricReader(ctx context.Context, config Config) (sdkmetric.Reader, error) {
	switch config.MetricsExporter {
	case "", "prometheus":
		// The exporter registers its collector on the default Prometheus
		// registry, which the HTTP server exposes on /metrics.
		exporter, err := otelprom.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		return exporter, nil

	case "otlp":
		var opts []otlpmetrichttp.Option
		if config.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpointURL(config.OTLPEndpoint))
		}
		if config.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp metrics exporter: %w", err)
		}
		return sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(otlpExportInterval)), nil

	case "stdout":
		exporter, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout metrics exporter: %w", err)
		}
		return sdkmetric.NewPeriodicReader(exporter), nil

	default:
		return nil, fmt.Errorf("unknown metrics exporter %q", config.MetricsExporter)
	}
}

// newTraceExporter creates the span exporter for the configured backend.
func newTraceExporter(ctx context.Context, config Config) (sdktrace.SpanExporter, error) {
	switch config.TracingExporter {
	case "otlp":
		var opts []otlptracehttp.Option
		if config.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpointURL(config.OTLPEndpoint))
		}
		if config.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp trace exporter: %w", err)
		}
		return exporter, nil

	case "stdout":
		exporter, err := stdouttrace.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		return exporter, nil

	default:
		return nil, fmt.Errorf("unknown tracing exporter %q", config.TracingExporter)
	}
}

// Enabled reports whether the telemetry pipelines are active.
func (p *Provider) Enabled() bool {
	return p != nil && p.config.Enabled && p.meterProvider != nil
}

// Metrics returns the instrument recorder. The recorder of a disabled
// provider is inert but safe to call.
func (p *Provider) Metrics() *Metrics {
	if p == nil {
		return nil
	}
	return p.metrics
}

// Observers supplies the callbacks behind the fleet occupancy gauges.
// Nil callbacks are skipped, so callers register only what they run.
type Observers struct {
	// PoolClusters is the number of clusters with pooled clients.
	PoolClusters func() int64

	// PoolClientsInUse is the number of clients currently borrowed.
	PoolClientsInUse func() int64

	// HubConnections is the number of active WebSocket connections.
	HubConnections func() int64

	// HubRooms is the number of rooms with at least one subscriber.
	HubRooms func() int64

	// WatchedClusters is the number of clusters with a running watch stream.
	WatchedClusters func() int64
}

// RegisterObservers registers observable gauges backed by the given
// callbacks. Call once at startup after the observed components exist.
// A disabled provider registers nothing.
func (p *Provider) RegisterObservers(obs Observers) error {
	if !p.Enabled() {
		return nil
	}
	meter := p.meterProvider.Meter(ScopeName)

	register := func(name, description string, fn func() int64) error {
		if fn == nil {
			return nil
		}
		_, err := meter.Int64ObservableGauge(name,
			metric.WithDescription(description),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(fn())
				return nil
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to create %s gauge: %w", name, err)
		}
		return nil
	}

	if err := register("client_pool_clusters", "Number of clusters with pooled Kubernetes clients", obs.PoolClusters); err != nil {
		return err
	}
	if err := register("client_pool_clients_in_use", "Number of pooled Kubernetes clients currently borrowed", obs.PoolClientsInUse); err != nil {
		return err
	}
	if err := register("websocket_connections_active", "Number of active WebSocket connections", obs.HubConnections); err != nil {
		return err
	}
	if err := register("websocket_rooms_active", "Number of WebSocket rooms with subscribers", obs.HubRooms); err != nil {
		return err
	}
	if err := register("cluster_watch_streams", "Number of clusters with a running resource watch", obs.WatchedClusters); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the telemetry pipelines. It is safe to call on
// a disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
