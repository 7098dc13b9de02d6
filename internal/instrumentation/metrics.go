package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys - using constants for consistency and DRY
const (
	attrMethod       = "method"
	attrRoute        = "route"
	attrStatus       = "status"
	attrOperation    = "operation"
	attrResourceType = "resource_type"
	attrNamespace    = "namespace"
	attrClusterID    = "cluster_id"
	attrReused       = "reused"
	attrReason       = "reason"
)

// Metrics provides methods for recording observability metrics.
// A nil *Metrics is safe to call: every method becomes a no-op, so call
// sites never need to gate on whether instrumentation is enabled.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	// Kubernetes operation metrics
	k8sOperationsTotal      metric.Int64Counter
	k8sOperationDuration    metric.Float64Histogram
	k8sPodOperationsTotal   metric.Int64Counter
	k8sPodOperationDuration metric.Float64Histogram

	// Client pool metrics
	poolBorrowsTotal        metric.Int64Counter
	poolEvictionsTotal      metric.Int64Counter
	poolHealthFailuresTotal metric.Int64Counter
	poolSize                metric.Int64Gauge

	// detailedLabels controls whether high-cardinality labels (namespace,
	// resource_type, cluster_id) are included
	detailedLabels bool
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
// The detailedLabels parameter controls whether high-cardinality labels are included.
func NewMetrics(meter metric.Meter, detailedLabels bool) (*Metrics, error) {
	m := &Metrics{
		detailedLabels: detailedLabels,
	}

	var err error

	// HTTP Metrics
	m.httpRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration_seconds histogram: %w", err)
	}

	// Kubernetes Operation Metrics
	m.k8sOperationsTotal, err = meter.Int64Counter(
		"kubernetes_operations_total",
		metric.WithDescription("Total number of Kubernetes operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes_operations_total counter: %w", err)
	}

	m.k8sOperationDuration, err = meter.Float64Histogram(
		"kubernetes_operation_duration_seconds",
		metric.WithDescription("Kubernetes operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes_operation_duration_seconds histogram: %w", err)
	}

	// Pod Operation Metrics
	m.k8sPodOperationsTotal, err = meter.Int64Counter(
		"kubernetes_pod_operations_total",
		metric.WithDescription("Total number of Kubernetes pod operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes_pod_operations_total counter: %w", err)
	}

	m.k8sPodOperationDuration, err = meter.Float64Histogram(
		"kubernetes_pod_operation_duration_seconds",
		metric.WithDescription("Kubernetes pod operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes_pod_operation_duration_seconds histogram: %w", err)
	}

	// Client Pool Metrics
	m.poolBorrowsTotal, err = meter.Int64Counter(
		"client_pool_borrows_total",
		metric.WithDescription("Total number of client pool borrows"),
		metric.WithUnit("{borrow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client_pool_borrows_total counter: %w", err)
	}

	m.poolEvictionsTotal, err = meter.Int64Counter(
		"client_pool_evictions_total",
		metric.WithDescription("Total number of pooled connections evicted"),
		metric.WithUnit("{eviction}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client_pool_evictions_total counter: %w", err)
	}

	m.poolHealthFailuresTotal, err = meter.Int64Counter(
		"client_pool_health_failures_total",
		metric.WithDescription("Total number of failed pooled connection health probes"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client_pool_health_failures_total counter: %w", err)
	}

	m.poolSize, err = meter.Int64Gauge(
		"client_pool_size",
		metric.WithDescription("Current number of pooled client connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client_pool_size gauge: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with method, route, status code, and duration.
// Route should be the matched route pattern, not the raw path, to keep cardinality bounded.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration) {
	if m == nil || m.httpRequestsTotal == nil || m.httpRequestDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrMethod, method),
		attribute.String(attrRoute, route),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	}

	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordK8sOperation records a Kubernetes operation with operation type, resource type,
// namespace, status, and duration.
//
// CARDINALITY NOTE: When detailedLabels is false (default), only operation and status
// labels are recorded to avoid cardinality explosion across large fleets.
// When detailedLabels is true, namespace and resource_type are also included.
// For fleets with many namespaces, keep detailedLabels disabled and use
// traces for per-namespace/resource debugging instead.
func (m *Metrics) RecordK8sOperation(ctx context.Context, operation, resourceType, namespace, status string, duration time.Duration) {
	if m == nil || m.k8sOperationsTotal == nil || m.k8sOperationDuration == nil {
		return
	}

	// Always include operation and status (low cardinality)
	attrs := []attribute.KeyValue{
		attribute.String(attrOperation, operation),
		attribute.String(attrStatus, status),
	}

	// Only add high-cardinality labels if explicitly enabled
	if m.detailedLabels {
		attrs = append(attrs,
			attribute.String(attrResourceType, resourceType),
			attribute.String(attrNamespace, namespace),
		)
	}

	m.k8sOperationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.k8sOperationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordPodOperation records a Kubernetes pod operation with operation type, namespace,
// status, and duration. Batch mutations report one pod operation per pod.
//
// CARDINALITY NOTE: When detailedLabels is false (default), only operation and status
// labels are recorded. When detailedLabels is true, namespace is also included.
func (m *Metrics) RecordPodOperation(ctx context.Context, operation, namespace, status string, duration time.Duration) {
	if m == nil || m.k8sPodOperationsTotal == nil || m.k8sPodOperationDuration == nil {
		return
	}

	// Always include operation and status (low cardinality)
	attrs := []attribute.KeyValue{
		attribute.String(attrOperation, operation),
		attribute.String(attrStatus, status),
	}

	// Only add high-cardinality labels if explicitly enabled
	if m.detailedLabels {
		attrs = append(attrs, attribute.String(attrNamespace, namespace))
	}

	m.k8sPodOperationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.k8sPodOperationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordBorrow records one successful client pool borrow. The reused label
// separates pool hits from fresh syntheses. The cluster id is only recorded
// when detailed labels are enabled.
func (m *Metrics) RecordBorrow(ctx context.Context, clusterID int64, reused bool) {
	if m == nil || m.poolBorrowsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.Bool(attrReused, reused)}
	if m.detailedLabels {
		attrs = append(attrs, attribute.Int64(attrClusterID, clusterID))
	}
	m.poolBorrowsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEviction records one pooled connection eviction. The reason label is
// bounded ("expired", "manual", "health", "shutdown").
func (m *Metrics) RecordEviction(ctx context.Context, reason string) {
	if m == nil || m.poolEvictionsTotal == nil {
		return
	}
	m.poolEvictionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrReason, reason)))
}

// RecordHealthFailure records one failed health probe against a pooled
// connection. The cluster id is only recorded when detailed labels are enabled.
func (m *Metrics) RecordHealthFailure(ctx context.Context, clusterID int64) {
	if m == nil || m.poolHealthFailuresTotal == nil {
		return
	}

	var attrs []attribute.KeyValue
	if m.detailedLabels {
		attrs = append(attrs, attribute.Int64(attrClusterID, clusterID))
	}
	m.poolHealthFailuresTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// SetPoolSize sets the current total pooled connection count.
func (m *Metrics) SetPoolSize(ctx context.Context, size int) {
	if m == nil || m.poolSize == nil {
		return
	}
	m.poolSize.Record(ctx, int64(size))
}

// StatusLabel maps an operation outcome to the status metric label.
func StatusLabel(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}
