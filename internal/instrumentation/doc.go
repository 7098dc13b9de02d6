// Package instrumentation provides OpenTelemetry instrumentation for the
// kubedeck server.
//
// This package enables production-grade observability through:
//   - OpenTelemetry metrics for HTTP requests and fleet Kubernetes operations
//   - Distributed tracing for mutations against fleet clusters
//   - Prometheus metrics export via the /metrics endpoint
//   - OTLP export support for modern observability platforms
//
// # Metrics
//
// The package exposes the following metric categories:
//
// Server/HTTP Metrics:
//   - http_requests_total: Counter of HTTP requests by method, route, and status
//   - http_request_duration_seconds: Histogram of HTTP request durations
//
// Kubernetes Operation Metrics:
//   - kubernetes_operations_total: Counter of K8s operations by operation and status
//   - kubernetes_operation_duration_seconds: Histogram of K8s operation durations
//   - kubernetes_pod_operations_total: Counter of pod operations
//   - kubernetes_pod_operation_duration_seconds: Histogram of pod operation durations
//
// Client Pool Metrics (*Metrics satisfies kube.PoolMetricsRecorder):
//   - client_pool_borrows_total: Counter of borrows by reuse
//   - client_pool_evictions_total: Counter of evictions by reason
//   - client_pool_health_failures_total: Counter of failed health probes
//   - client_pool_size: Gauge of pooled connections
//
// Fleet Occupancy Gauges (registered via Provider.RegisterObservers):
//   - client_pool_clusters, client_pool_clients_in_use
//   - websocket_connections_active, websocket_rooms_active
//   - cluster_watch_streams
//
// # Cardinality Considerations
//
// Operation metrics carry only operation and status labels by default.
// Setting DetailedLabels (METRICS_DETAILED_LABELS=true) adds resource_type
// and namespace, which can create high cardinality across large fleets.
// Keep it disabled in production and use tracing for per-resource debugging.
//
// # Configuration
//
// Instrumentation can be configured via environment variables:
//   - INSTRUMENTATION_ENABLED: Enable/disable instrumentation (default: false)
//   - METRICS_EXPORTER: Metrics exporter type (prometheus, otlp, stdout, default: prometheus)
//   - TRACING_EXPORTER: Tracing exporter type (otlp, stdout, none, default: none)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint for traces/metrics
//   - OTEL_TRACES_SAMPLER_ARG: Sampling rate (0.0 to 1.0, default: 0.1)
//   - OTEL_SERVICE_NAME: Service name (default: kubedeck)
//   - METRICS_DETAILED_LABELS: Include namespace/resource_type labels (default: false)
//
// # Example Usage
//
//	// Initialize instrumentation
//	provider, err := instrumentation.NewProvider(ctx, instrumentation.Config{
//		ServiceName:    "kubedeck",
//		ServiceVersion: "0.1.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		return err
//	}
//	defer provider.Shutdown(ctx)
//
//	// Get metrics recorder
//	recorder := provider.Metrics()
//
//	// Record an HTTP request
//	recorder.RecordHTTPRequest(ctx, "POST", "/api/clusters", 201, time.Since(start))
//
//	// Record a Kubernetes operation
//	recorder.RecordK8sOperation(ctx, "scale", "deployments", "default", "success", time.Since(start))
package instrumentation
