package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys for Kubernetes operations.
const (
	// SpanAttrClusterID is the kubedeck cluster registry id.
	SpanAttrClusterID = "kubedeck.cluster_id"

	// SpanAttrOperation is the operation type (create, scale, delete, etc.).
	SpanAttrOperation = "k8s.operation"

	// SpanAttrResourceType is the Kubernetes resource type.
	SpanAttrResourceType = "k8s.resource_type"

	// SpanAttrNamespace is the Kubernetes namespace.
	SpanAttrNamespace = "k8s.namespace"

	// SpanAttrResourceName is the Kubernetes resource name.
	SpanAttrResourceName = "k8s.resource_name"
)

// StartK8sSpan starts a span for one Kubernetes API operation against a
// fleet cluster. The caller is responsible for ending the span.
func StartK8sSpan(ctx context.Context, operation string, clusterID int64, resourceType, namespace, name string) (context.Context, trace.Span) {
	attrs := make([]attribute.KeyValue, 0, 5)
	attrs = append(attrs,
		attribute.String(SpanAttrOperation, operation),
		attribute.Int64(SpanAttrClusterID, clusterID),
		attribute.String(SpanAttrResourceType, resourceType),
	)
	if namespace != "" {
		attrs = append(attrs, attribute.String(SpanAttrNamespace, namespace))
	}
	if name != "" {
		attrs = append(attrs, attribute.String(SpanAttrResourceName, name))
	}

	tracer := otel.GetTracerProvider().Tracer(ScopeName)
	return tracer.Start(ctx, "k8s."+operation,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// SetSpanError records an error on the span and sets the status to error.
func SetSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess sets the span status to OK.
func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
