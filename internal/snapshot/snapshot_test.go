package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestAge(t *testing.T) {
	tests := []struct {
		name    string
		created time.Time
		want    string
	}{
		{name: "missing timestamp", created: time.Time{}, want: "Unknown"},
		{name: "seconds", created: testNow.Add(-30 * time.Second), want: "30s"},
		{name: "last second before a minute", created: testNow.Add(-59 * time.Second), want: "59s"},
		{name: "minutes", created: testNow.Add(-90 * time.Second), want: "1m"},
		{name: "last minute before an hour", created: testNow.Add(-59 * time.Minute), want: "59m"},
		{name: "hours", created: testNow.Add(-90 * time.Minute), want: "1h"},
		{name: "last hour before a day", created: testNow.Add(-23 * time.Hour), want: "23h"},
		{name: "days", created: testNow.Add(-25 * time.Hour), want: "1d"},
		{name: "many days", created: testNow.Add(-10 * 24 * time.Hour), want: "10d"},
		{name: "future timestamp clamps to zero", created: testNow.Add(time.Hour), want: "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Age(tt.created, testNow))
		})
	}
}

func podObject(mutate func(map[string]any)) *unstructured.Unstructured {
	obj := map[string]any{
		"apiVersion": "v1",
		"kind":       "Pod",
		"metadata": map[string]any{
			"name":              "web-0",
			"namespace":         "default",
			"creationTimestamp": "2025-06-01T10:00:00Z",
			"labels":            map[string]any{"app": "web"},
		},
		"spec": map[string]any{
			"nodeName": "node-1",
		},
		"status": map[string]any{
			"phase": "Running",
			"podIP": "10.42.0.9",
			"containerStatuses": []any{
				map[string]any{"ready": true, "restartCount": int64(3)},
				map[string]any{"ready": false, "restartCount": float64(2)},
			},
		},
	}
	if mutate != nil {
		mutate(obj)
	}
	return &unstructured.Unstructured{Object: obj}
}

func TestSummarizePod(t *testing.T) {
	s := Summarize("pods", podObject(nil), testNow)

	assert.Equal(t, "web-0", s["name"])
	assert.Equal(t, "default", s["namespace"])
	assert.Equal(t, "2h", s["age"])
	assert.Equal(t, "1/2", s["ready"])
	assert.Equal(t, int64(5), s["restarts"])
	assert.Equal(t, "Running", s["status"])
	assert.Equal(t, "node-1", s["node"])
	assert.Equal(t, "10.42.0.9", s["pod_ip"])
	assert.Equal(t, map[string]string{"app": "web"}, s["labels"])
}

func TestSummarizePodStatusOverrides(t *testing.T) {
	t.Run("waiting reason beats phase", func(t *testing.T) {
		obj := podObject(func(o map[string]any) {
			status := o["status"].(map[string]any)
			status["containerStatuses"] = []any{
				map[string]any{
					"ready":        false,
					"restartCount": int64(7),
					"state": map[string]any{
						"waiting": map[string]any{"reason": "CrashLoopBackOff"},
					},
				},
			}
		})
		s := Summarize("pods", obj, testNow)
		assert.Equal(t, "CrashLoopBackOff", s["status"])
	})

	t.Run("deletion timestamp beats everything", func(t *testing.T) {
		obj := podObject(func(o map[string]any) {
			meta := o["metadata"].(map[string]any)
			meta["deletionTimestamp"] = "2025-06-01T11:59:00Z"
		})
		s := Summarize("pods", obj, testNow)
		assert.Equal(t, "Terminating", s["status"])
	})

	t.Run("no statuses and no phase", func(t *testing.T) {
		obj := podObject(func(o map[string]any) {
			o["status"] = map[string]any{}
		})
		s := Summarize("pods", obj, testNow)
		assert.Equal(t, "Unknown", s["status"])
		assert.Equal(t, "0/0", s["ready"])
		assert.Equal(t, int64(0), s["restarts"])
	})
}

func TestSummarizeDeployment(t *testing.T) {
	obj := &unstructured.Unstructured{Object: map[string]any{
		"metadata": map[string]any{
			"name":              "api",
			"namespace":         "prod",
			"creationTimestamp": "2025-05-29T12:00:00Z",
		},
		"spec": map[string]any{"replicas": int64(5)},
		"status": map[string]any{
			"readyReplicas":     int64(4),
			"updatedReplicas":   int64(5),
			"availableReplicas": int64(4),
		},
	}}

	s := Summarize("deployments", obj, testNow)
	assert.Equal(t, "4/5", s["ready"])
	assert.Equal(t, int64(5), s["replicas"])
	assert.Equal(t, int64(5), s["up_to_date"])
	assert.Equal(t, int64(4), s["available"])
	assert.Equal(t, "3d", s["age"])
}

func TestSummarizeServiceExternalIP(t *testing.T) {
	build := func(ingress []any) *unstructured.Unstructured {
		return &unstructured.Unstructured{Object: map[string]any{
			"metadata": map[string]any{"name": "lb", "namespace": "default"},
			"spec": map[string]any{
				"type":      "LoadBalancer",
				"clusterIP": "10.96.0.10",
				"ports": []any{
					map[string]any{"port": int64(443), "protocol": "TCP"},
					map[string]any{"port": int64(80), "protocol": "TCP", "nodePort": int64(30080)},
				},
			},
			"status": map[string]any{
				"loadBalancer": map[string]any{"ingress": ingress},
			},
		}}
	}

	t.Run("hostname wins over earlier ip", func(t *testing.T) {
		obj := build([]any{
			map[string]any{"ip": "203.0.113.7"},
			map[string]any{"hostname": "lb.example.com"},
		})
		s := Summarize("services", obj, testNow)
		assert.Equal(t, "lb.example.com", s["external_ip"])
	})

	t.Run("falls back to ip", func(t *testing.T) {
		obj := build([]any{map[string]any{"ip": "203.0.113.7"}})
		s := Summarize("services", obj, testNow)
		assert.Equal(t, "203.0.113.7", s["external_ip"])
	})

	t.Run("empty without load balancer", func(t *testing.T) {
		obj := build(nil)
		s := Summarize("services", obj, testNow)
		assert.Equal(t, "", s["external_ip"])
		assert.Equal(t, []string{"443/TCP", "80:30080/TCP"}, s["ports"])
	})
}

func TestSummarizeIngress(t *testing.T) {
	obj := &unstructured.Unstructured{Object: map[string]any{
		"metadata": map[string]any{"name": "web", "namespace": "default"},
		"spec": map[string]any{
			"ingressClassName": "nginx",
			"rules": []any{
				map[string]any{"host": "a.example.com"},
				map[string]any{},
				map[string]any{"host": "b.example.com"},
			},
		},
		"status": map[string]any{
			"loadBalancer": map[string]any{
				"ingress": []any{
					map[string]any{"hostname": "lb.example.com"},
					map[string]any{"ip": "203.0.113.9"},
				},
			},
		},
	}}

	s := Summarize("ingresses", obj, testNow)
	assert.Equal(t, "nginx", s["class"])
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, s["hosts"])
	assert.Equal(t, []string{"lb.example.com", "203.0.113.9"}, s["addresses"])
}

func TestSummarizeNode(t *testing.T) {
	build := func(readyStatus any) *unstructured.Unstructured {
		conditions := []any{
			map[string]any{"type": "MemoryPressure", "status": "False"},
		}
		if readyStatus != nil {
			conditions = append(conditions, map[string]any{"type": "Ready", "status": readyStatus})
		}
		return &unstructured.Unstructured{Object: map[string]any{
			"metadata": map[string]any{
				"name": "node-1",
				"labels": map[string]any{
					"node-role.kubernetes.io/control-plane": "",
					"kubernetes.io/os":                      "linux",
				},
			},
			"status": map[string]any{
				"conditions": conditions,
				"nodeInfo":   map[string]any{"kubeletVersion": "v1.31.2"},
				"addresses": []any{
					map[string]any{"type": "ExternalIP", "address": "198.51.100.4"},
					map[string]any{"type": "InternalIP", "address": "10.0.0.4"},
				},
			},
		}}
	}

	t.Run("ready", func(t *testing.T) {
		s := Summarize("nodes", build("True"), testNow)
		assert.Equal(t, "Ready", s["status"])
		assert.Equal(t, []string{"control-plane"}, s["roles"])
		assert.Equal(t, "v1.31.2", s["version"])
		assert.Equal(t, "10.0.0.4", s["internal_ip"])
	})

	t.Run("not ready", func(t *testing.T) {
		s := Summarize("nodes", build("False"), testNow)
		assert.Equal(t, "NotReady", s["status"])
	})

	t.Run("unknown condition status", func(t *testing.T) {
		s := Summarize("nodes", build("Unknown"), testNow)
		assert.Equal(t, "Unknown", s["status"])
	})

	t.Run("missing ready condition", func(t *testing.T) {
		s := Summarize("nodes", build(nil), testNow)
		assert.Equal(t, "Unknown", s["status"])
	})
}

func TestSummarizeJob(t *testing.T) {
	obj := &unstructured.Unstructured{Object: map[string]any{
		"metadata": map[string]any{"name": "migrate", "namespace": "default"},
		"spec":     map[string]any{"completions": int64(2)},
		"status": map[string]any{
			"succeeded": int64(2),
			"conditions": []any{
				map[string]any{"type": "Complete", "status": "True"},
			},
		},
	}}

	s := Summarize("jobs", obj, testNow)
	assert.Equal(t, "2/2", s["completions"])
	assert.Equal(t, "Complete", s["status"])
}

func TestSummarizeUnknownKindFallsBack(t *testing.T) {
	obj := &unstructured.Unstructured{Object: map[string]any{
		"metadata": map[string]any{
			"name":              "thing",
			"namespace":         "default",
			"creationTimestamp": "2025-06-01T11:59:30Z",
		},
	}}

	s := Summarize("widgets", obj, testNow)
	assert.Equal(t, "thing", s["name"])
	assert.Equal(t, "30s", s["age"])
	assert.Equal(t, map[string]string{}, s["labels"])
	assert.NotContains(t, s, "status")
}

func TestDetail(t *testing.T) {
	obj := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]any{
			"name":            "api",
			"namespace":       "prod",
			"resourceVersion": "12345",
			"annotations":     map[string]any{"team": "platform"},
			"managedFields":   []any{map[string]any{"manager": "kubectl"}},
		},
		"spec": map[string]any{"replicas": int64(2)},
		"status": map[string]any{
			"conditions": []any{
				map[string]any{
					"type":    "Available",
					"status":  "True",
					"reason":  "MinimumReplicasAvailable",
					"message": "Deployment has minimum availability.",
				},
			},
		},
	}}

	d := Detail("deployments", obj, testNow)

	assert.Equal(t, map[string]string{"team": "platform"}, d["annotations"])

	conditions, ok := d["conditions"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, conditions, 1)
	assert.Equal(t, "Available", conditions[0]["type"])
	assert.Equal(t, "True", conditions[0]["status"])

	sanitized, ok := d["object"].(map[string]any)
	require.True(t, ok)
	meta, ok := sanitized["metadata"].(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, meta, "managedFields")
	assert.Equal(t, "12345", meta["resourceVersion"])

	// Sanitizing must not mutate the source object.
	_, found, _ := unstructured.NestedSlice(obj.Object, "metadata", "managedFields")
	assert.True(t, found)
}
