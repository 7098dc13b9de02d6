package instrumentation

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// mockMeterProvider creates a simple meter for testing
func mockMeterProvider() metric.Meter {
	provider := sdkmetric.NewMeterProvider()
	return provider.Meter("test")
}

func TestNewMetrics(t *testing.T) {
	meter := mockMeterProvider()
	metrics, err := NewMetrics(meter, false) // false = no detailed labels
	if err != nil {
		t.Fatalf("expected no error creating metrics, got %v", err)
	}

	if metrics == nil {
		t.Fatal("expected metrics to be non-nil")
	}

	// Verify all instruments are initialized (non-nil)
	if metrics.httpRequestsTotal == nil {
		t.Error("expected httpRequestsTotal to be initialized")
	}
	if metrics.httpRequestDuration == nil {
		t.Error("expected httpRequestDuration to be initialized")
	}
	if metrics.k8sOperationsTotal == nil {
		t.Error("expected k8sOperationsTotal to be initialized")
	}
	if metrics.k8sOperationDuration == nil {
		t.Error("expected k8sOperationDuration to be initialized")
	}
	if metrics.k8sPodOperationsTotal == nil {
		t.Error("expected k8sPodOperationsTotal to be initialized")
	}
	if metrics.k8sPodOperationDuration == nil {
		t.Error("expected k8sPodOperationDuration to be initialized")
	}
	if metrics.poolBorrowsTotal == nil {
		t.Error("expected poolBorrowsTotal to be initialized")
	}
	if metrics.poolEvictionsTotal == nil {
		t.Error("expected poolEvictionsTotal to be initialized")
	}
	if metrics.poolHealthFailuresTotal == nil {
		t.Error("expected poolHealthFailuresTotal to be initialized")
	}
	if metrics.poolSize == nil {
		t.Error("expected poolSize to be initialized")
	}

	if metrics.detailedLabels != false {
		t.Error("expected detailedLabels to be false")
	}
}

func TestNewMetrics_DetailedLabels(t *testing.T) {
	meter := mockMeterProvider()
	metrics, err := NewMetrics(meter, true) // true = detailed labels
	if err != nil {
		t.Fatalf("expected no error creating metrics, got %v", err)
	}

	if metrics.detailedLabels != true {
		t.Error("expected detailedLabels to be true")
	}
}

func TestMetrics_RecordHTTPRequest(t *testing.T) {
	meter := mockMeterProvider()
	metrics, err := NewMetrics(meter, false)
	if err != nil {
		t.Fatalf("expected no error creating metrics, got %v", err)
	}

	ctx := context.Background()
	metrics.RecordHTTPRequest(ctx, "POST", "/api/clusters", 201, 100*time.Millisecond)
	metrics.RecordHTTPRequest(ctx, "GET", "/api/clusters", 200, 50*time.Millisecond)
	metrics.RecordHTTPRequest(ctx, "GET", "/api/clusters/{clusterID}/stats", 502, 200*time.Millisecond)
}

func TestMetrics_RecordHTTPRequest_ZeroValue(t *testing.T) {
	// A zero-valued recorder (disabled instrumentation) must not panic.
	metrics := &Metrics{}
	ctx := context.Background()

	metrics.RecordHTTPRequest(ctx, "POST", "/api/clusters", 200, 100*time.Millisecond)
}

func TestMetrics_NilReceiver(t *testing.T) {
	// A nil recorder must not panic either: the fabric holds one without
	// checking whether instrumentation was wired.
	var metrics *Metrics
	ctx := context.Background()

	metrics.RecordHTTPRequest(ctx, "GET", "/healthz", 200, time.Millisecond)
	metrics.RecordK8sOperation(ctx, "scale", "deployments", "default", StatusSuccess, time.Millisecond)
	metrics.RecordPodOperation(ctx, "batch_delete", "default", StatusSuccess, time.Millisecond)
	metrics.RecordBorrow(ctx, 1, true)
	metrics.RecordEviction(ctx, "expired")
	metrics.RecordHealthFailure(ctx, 1)
	metrics.SetPoolSize(ctx, 3)
}

func TestMetrics_RecordK8sOperation(t *testing.T) {
	meter := mockMeterProvider()
	metrics, err := NewMetrics(meter, false)
	if err != nil {
		t.Fatalf("expected no error creating metrics, got %v", err)
	}

	ctx := context.Background()
	metrics.RecordK8sOperation(ctx, "create", "deployments", "default", StatusSuccess, 50*time.Millisecond)
	metrics.RecordK8sOperation(ctx, "scale", "statefulsets", "kube-system", StatusSuccess, 100*time.Millisecond)
	metrics.RecordK8sOperation(ctx, "delete", "pods", "default", StatusError, 75*time.Millisecond)
}

func TestMetrics_RecordPodOperation(t *testing.T) {
	meter := mockMeterProvider()
	metrics, err := NewMetrics(meter, false)
	if err != nil {
		t.Fatalf("expected no error creating metrics, got %v", err)
	}

	ctx := context.Background()
	metrics.RecordPodOperation(ctx, "batch_delete", "default", StatusSuccess, 100*time.Millisecond)
	metrics.RecordPodOperation(ctx, "batch_restart", "kube-system", StatusError, 200*time.Millisecond)
}

func TestMetrics_RecordBorrow(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewMetrics(provider.Meter("test"), false)
	if err != nil {
		t.Fatalf("expected no error creating metrics, got %v", err)
	}

	ctx := context.Background()
	metrics.RecordBorrow(ctx, 42, true)

	points := collectCounter(t, reader, "client_pool_borrows_total")
	if len(points) != 1 {
		t.Fatalf("expected 1 data point, got %d", len(points))
	}

	point := points[0]
	if reused, ok := point.Attributes.Value(attribute.Key(attrReused)); !ok || !reused.AsBool() {
		t.Error("expected reused label to be true")
	}
	if _, ok := point.Attributes.Value(attribute.Key(attrClusterID)); ok {
		t.Error("expected no cluster_id label with detailed labels disabled")
	}
}

func TestMetrics_RecordBorrow_DetailedLabels(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewMetrics(provider.Meter("test"), true)
	if err != nil {
		t.Fatalf("expected no error creating metrics, got %v", err)
	}

	ctx := context.Background()
	metrics.RecordBorrow(ctx, 42, false)

	points := collectCounter(t, reader, "client_pool_borrows_total")
	if len(points) != 1 {
		t.Fatalf("expected 1 data point, got %d", len(points))
	}

	point := points[0]
	if id, ok := point.Attributes.Value(attribute.Key(attrClusterID)); !ok || id.AsInt64() != 42 {
		t.Errorf("expected cluster_id label 42, got %v", id.AsInt64())
	}
}

func TestMetrics_RecordEviction(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewMetrics(provider.Meter("test"), false)
	if err != nil {
		t.Fatalf("expected no error creating metrics, got %v", err)
	}

	ctx := context.Background()
	metrics.RecordEviction(ctx, "expired")
	metrics.RecordEviction(ctx, "expired")
	metrics.RecordEviction(ctx, "manual")

	points := collectCounter(t, reader, "client_pool_evictions_total")
	if len(points) != 2 {
		t.Fatalf("expected 2 data points (one per reason), got %d", len(points))
	}

	byReason := make(map[string]int64)
	for _, point := range points {
		reason, ok := point.Attributes.Value(attribute.Key(attrReason))
		if !ok {
			t.Fatal("expected reason label on eviction counter")
		}
		byReason[reason.AsString()] = point.Value
	}
	if byReason["expired"] != 2 {
		t.Errorf("expected 2 expired evictions, got %d", byReason["expired"])
	}
	if byReason["manual"] != 1 {
		t.Errorf("expected 1 manual eviction, got %d", byReason["manual"])
	}
}

// collectCounter collects from the reader and returns the data points of the
// named int64 counter.
func collectCounter(t *testing.T, reader *sdkmetric.ManualReader, name string) []metricdata.DataPoint[int64] {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s has unexpected data type %T", name, m.Data)
			}
			return sum.DataPoints
		}
	}
	t.Fatalf("metric %s not collected", name)
	return nil
}

func TestMetrics_DefaultLabelsOmitNamespace(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewMetrics(provider.Meter("test"), false)
	if err != nil {
		t.Fatalf("expected no error creating metrics, got %v", err)
	}

	ctx := context.Background()
	metrics.RecordK8sOperation(ctx, "scale", "deployments", "production", StatusSuccess, 50*time.Millisecond)

	points := collectCounter(t, reader, "kubernetes_operations_total")
	if len(points) != 1 {
		t.Fatalf("expected 1 data point, got %d", len(points))
	}

	point := points[0]
	if point.Value != 1 {
		t.Errorf("expected counter value 1, got %d", point.Value)
	}

	if op, ok := point.Attributes.Value(attribute.Key(attrOperation)); !ok || op.AsString() != "scale" {
		t.Errorf("expected operation label 'scale', got %v", op.AsString())
	}
	if status, ok := point.Attributes.Value(attribute.Key(attrStatus)); !ok || status.AsString() != StatusSuccess {
		t.Errorf("expected status label 'success', got %v", status.AsString())
	}

	// Without detailed labels the high-cardinality attributes stay off.
	if _, ok := point.Attributes.Value(attribute.Key(attrNamespace)); ok {
		t.Error("expected no namespace label with detailed labels disabled")
	}
	if _, ok := point.Attributes.Value(attribute.Key(attrResourceType)); ok {
		t.Error("expected no resource_type label with detailed labels disabled")
	}
}

func TestMetrics_DetailedLabelsIncludeNamespace(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewMetrics(provider.Meter("test"), true)
	if err != nil {
		t.Fatalf("expected no error creating metrics, got %v", err)
	}

	ctx := context.Background()
	metrics.RecordK8sOperation(ctx, "delete", "pods", "production", StatusError, 50*time.Millisecond)

	points := collectCounter(t, reader, "kubernetes_operations_total")
	if len(points) != 1 {
		t.Fatalf("expected 1 data point, got %d", len(points))
	}

	point := points[0]
	if ns, ok := point.Attributes.Value(attribute.Key(attrNamespace)); !ok || ns.AsString() != "production" {
		t.Errorf("expected namespace label 'production', got %v", ns.AsString())
	}
	if rt, ok := point.Attributes.Value(attribute.Key(attrResourceType)); !ok || rt.AsString() != "pods" {
		t.Errorf("expected resource_type label 'pods', got %v", rt.AsString())
	}
}

func TestStatusLabel(t *testing.T) {
	if got := StatusLabel(nil); got != StatusSuccess {
		t.Errorf("expected %q for nil error, got %q", StatusSuccess, got)
	}
	if got := StatusLabel(context.DeadlineExceeded); got != StatusError {
		t.Errorf("expected %q for error, got %q", StatusError, got)
	}
}

func TestMetrics_ConcurrentHTTPRecording(t *testing.T) {
	meter := mockMeterProvider()
	metrics, err := NewMetrics(meter, false)
	if err != nil {
		t.Fatalf("expected no error creating metrics, got %v", err)
	}

	ctx := context.Background()
	const numGoroutines = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			method := "GET"
			if id%2 == 0 {
				method = "POST"
			}
			statusCode := 200
			if id%3 == 0 {
				statusCode = 500
			}
			metrics.RecordHTTPRequest(ctx, method, "/api/clusters", statusCode, 10*time.Millisecond)
		}(i)
	}

	wg.Wait()
}

func TestMetrics_ConcurrentK8sOperationRecording(t *testing.T) {
	meter := mockMeterProvider()
	metrics, err := NewMetrics(meter, false)
	if err != nil {
		t.Fatalf("expected no error creating metrics, got %v", err)
	}

	ctx := context.Background()
	const numGoroutines = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			operation := "create"
			if id%2 == 0 {
				operation = "delete"
			}
			namespace := "default"
			if id%3 == 0 {
				namespace = "kube-system"
			}
			metrics.RecordK8sOperation(ctx, operation, "pods", namespace, StatusSuccess, 50*time.Millisecond)
		}(i)
	}

	wg.Wait()
}
