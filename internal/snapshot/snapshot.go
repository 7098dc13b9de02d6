// Package snapshot turns upstream Kubernetes objects into the normalized
// dictionary views served over HTTP and pushed over WebSocket. The read
// facade and the resource watchers share these transforms so list rows and
// live events never drift apart.
package snapshot

import (
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Summary is the normalized view of one upstream object. Keys are stable
// per kind; values are JSON-friendly scalars, lists and string maps.
type Summary map[string]any

// Age renders the elapsed time since creation in the greatest nonzero unit
// among days, hours, minutes and seconds. A missing timestamp renders as
// "Unknown".
func Age(created, now time.Time) string {
	if created.IsZero() {
		return "Unknown"
	}
	d := now.Sub(created)
	if d < 0 {
		d = 0
	}
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	case d >= time.Minute:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}

// Summarize builds the list-row view for the given kind. Unknown kinds fall
// back to the generic identity/age/labels row.
func Summarize(kindName string, obj *unstructured.Unstructured, now time.Time) Summary {
	s := baseSummary(obj, now)
	if build, ok := kindBuilders[kindName]; ok {
		build(s, obj, now)
	}
	return s
}

// Detail builds the detail view: the list row plus annotations, the upstream
// condition list, and a sanitized copy of the full object for YAML fidelity.
func Detail(kindName string, obj *unstructured.Unstructured, now time.Time) Summary {
	s := Summarize(kindName, obj, now)

	annotations := obj.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	s["annotations"] = annotations
	s["conditions"] = Conditions(obj)
	s["object"] = SanitizeObject(obj)
	return s
}

// Conditions extracts status.conditions entries with their standard fields.
func Conditions(obj *unstructured.Unstructured) []map[string]any {
	raw, _, _ := unstructured.NestedSlice(obj.Object, "status", "conditions")
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		cond, ok := item.(map[string]any)
		if !ok {
			continue
		}
		entry := map[string]any{}
		for _, field := range []string{"type", "status", "reason", "message", "lastTransitionTime"} {
			if v, ok := cond[field]; ok {
				entry[field] = v
			}
		}
		out = append(out, entry)
	}
	return out
}

// SanitizeObject deep-copies the object and strips server bookkeeping that
// has no place in a YAML round-trip. managedFields is the only field removed;
// resourceVersion stays because replace-from-YAML needs it for optimistic
// concurrency.
func SanitizeObject(obj *unstructured.Unstructured) map[string]any {
	clean := obj.DeepCopy().Object
	unstructured.RemoveNestedField(clean, "metadata", "managedFields")
	return clean
}

// baseSummary carries the fields every kind shares.
func baseSummary(obj *unstructured.Unstructured, now time.Time) Summary {
	labels := obj.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	s := Summary{
		"name":   obj.GetName(),
		"age":    Age(obj.GetCreationTimestamp().Time, now),
		"labels": labels,
	}
	if ns := obj.GetNamespace(); ns != "" {
		s["namespace"] = ns
	}
	return s
}

// nestedString returns the string at the path, or "" when absent.
func nestedString(obj *unstructured.Unstructured, fields ...string) string {
	v, _, _ := unstructured.NestedString(obj.Object, fields...)
	return v
}

// nestedInt returns the integer at the path, or 0 when absent. Both int64
// (typed decode) and float64 (JSON decode) representations are accepted.
func nestedInt(obj *unstructured.Unstructured, fields ...string) int64 {
	v, found, err := unstructured.NestedInt64(obj.Object, fields...)
	if found && err == nil {
		return v
	}
	f, found, err := unstructured.NestedFloat64(obj.Object, fields...)
	if found && err == nil {
		return int64(f)
	}
	return 0
}

// nestedSlice returns the slice at the path, or nil when absent.
func nestedSlice(obj *unstructured.Unstructured, fields ...string) []any {
	v, _, _ := unstructured.NestedSlice(obj.Object, fields...)
	return v
}

// asInt coerces an untyped JSON number to int64.
func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}
