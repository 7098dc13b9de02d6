package fabric

import (
	"context"
	"errors"
	"fmt"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"sigs.k8s.io/yaml"

	"github.com/giantswarm/kubedeck/internal/auth"
	"github.com/giantswarm/kubedeck/internal/instrumentation"
	"github.com/giantswarm/kubedeck/internal/kube"
	"github.com/giantswarm/kubedeck/internal/logging"
	"github.com/giantswarm/kubedeck/internal/snapshot"
)

// Audit action names, one per audited operation.
const (
	ActionCreate          = "create"
	ActionUpdate          = "update"
	ActionScale           = "scale"
	ActionRestart         = "restart"
	ActionRollingRestart  = "rolling_restart"
	ActionDelete          = "delete"
	ActionBatchDelete     = "batch_delete"
	ActionBatchRestart    = "batch_restart"
	ActionCreateNamespace = "create_namespace"
	ActionDeleteNamespace = "delete_namespace"
	ActionPodLogs         = "pod_logs"
)

// ErrBadManifest reports a manifest that could not be parsed into an object.
var ErrBadManifest = errors.New("manifest could not be parsed")

// ErrProtectedNamespace refuses deletion of namespaces the control plane
// must never remove. The check runs before any upstream call.
var ErrProtectedNamespace = errors.New("namespace is protected")

// restartedAtAnnotation is the pod template annotation kubectl uses to force
// a rolling restart. Writing it is the only change a restart makes.
const restartedAtAnnotation = "kubectl.kubernetes.io/restartedAt"

// mutate runs one upstream write with the shared post-conditions: on success
// the kind's cached payloads for the cluster are dropped, and exactly one
// audit entry and one operation metric record the outcome either way. The
// upstream result is passed through verbatim.
func (f *Fabric) mutate(ctx context.Context, clusterID int64, kind kube.Kind, action, namespace, name string, details map[string]any, op func(ri dynamic.ResourceInterface) (*unstructured.Unstructured, error)) (*unstructured.Unstructured, error) {
	ctx, span := instrumentation.StartK8sSpan(ctx, action, clusterID, kind.Name, namespace, name)
	start := time.Now()

	obj, err := f.runUpstream(ctx, clusterID, kind, namespace, op)
	if err == nil {
		f.invalidate(ctx, clusterID, kind.Name)
	}
	f.record(ctx, clusterID, action, kind.Name, namespace, name, details, err)

	f.metrics.RecordK8sOperation(ctx, action, kind.Name, namespace, instrumentation.StatusLabel(err), time.Since(start))
	if err != nil {
		instrumentation.SetSpanError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.End()
	return obj, err
}

// runUpstream borrows a client and applies op to the kind's resource
// interface, classifying any failure.
func (f *Fabric) runUpstream(ctx context.Context, clusterID int64, kind kube.Kind, namespace string, op func(ri dynamic.ResourceInterface) (*unstructured.Unstructured, error)) (*unstructured.Unstructured, error) {
	client, release, err := f.borrow(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	defer release()

	dyn, err := client.Dynamic()
	if err != nil {
		return nil, kube.WrapUpstream(clusterID, err)
	}
	obj, err := op(resourceFor(dyn, kind, namespace))
	if err != nil {
		return nil, kube.WrapUpstream(clusterID, err)
	}
	return obj, nil
}

// decodeManifest parses a YAML or JSON manifest into an unstructured object.
// Decoding goes through JSON so integral numbers come out as int64, matching
// what the dynamic client expects.
func decodeManifest(manifest []byte) (*unstructured.Unstructured, error) {
	jsonBytes, err := yaml.YAMLToJSON(manifest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadManifest, err)
	}

	// UnmarshalJSON rejects manifests without apiVersion/kind.
	obj := &unstructured.Unstructured{}
	if err := obj.UnmarshalJSON(jsonBytes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadManifest, err)
	}
	return obj, nil
}

// Create builds an object from a manifest. The URL decides placement: the
// target namespace always overrides whatever the manifest says, and the
// server-owned status block is stripped.
func (f *Fabric) Create(ctx context.Context, clusterID int64, kindName, namespace string, manifest []byte) (snapshot.Summary, error) {
	kind, err := resolveKind(kindName)
	if err != nil {
		return nil, err
	}

	obj, err := decodeManifest(manifest)
	if err != nil {
		f.record(ctx, clusterID, ActionCreate, kind.Name, namespace, "", nil, err)
		return nil, err
	}

	if kind.Namespaced {
		obj.SetNamespace(namespace)
	}
	unstructured.RemoveNestedField(obj.Object, "status")

	created, err := f.mutate(ctx, clusterID, kind, ActionCreate, namespace, obj.GetName(), map[string]any{"manifest_kind": obj.GetKind()}, func(ri dynamic.ResourceInterface) (*unstructured.Unstructured, error) {
		return ri.Create(ctx, obj, metav1.CreateOptions{})
	})
	if err != nil {
		return nil, err
	}
	return snapshot.Detail(kind.Name, created, f.now()), nil
}

// Update replaces an object from a manifest. Replacement always targets the
// URL object: name and namespace are forced, status is stripped.
func (f *Fabric) Update(ctx context.Context, clusterID int64, kindName, namespace, name string, manifest []byte) (snapshot.Summary, error) {
	kind, err := resolveKind(kindName)
	if err != nil {
		return nil, err
	}

	obj, err := decodeManifest(manifest)
	if err != nil {
		f.record(ctx, clusterID, ActionUpdate, kind.Name, namespace, name, nil, err)
		return nil, err
	}

	obj.SetName(name)
	if kind.Namespaced {
		obj.SetNamespace(namespace)
	}
	unstructured.RemoveNestedField(obj.Object, "status")

	updated, err := f.mutate(ctx, clusterID, kind, ActionUpdate, namespace, name, nil, func(ri dynamic.ResourceInterface) (*unstructured.Unstructured, error) {
		return ri.Update(ctx, obj, metav1.UpdateOptions{})
	})
	if err != nil {
		return nil, err
	}
	return snapshot.Detail(kind.Name, updated, f.now()), nil
}

// Scale sets the replica count of a scalable kind with a merge patch against
// spec.replicas.
func (f *Fabric) Scale(ctx context.Context, clusterID int64, kindName, namespace, name string, replicas int32) (snapshot.Summary, error) {
	kind, err := resolveKind(kindName)
	if err != nil {
		return nil, err
	}
	if !kind.Scalable {
		return nil, fmt.Errorf("%w: %s", kube.ErrNotScalable, kind.Name)
	}

	patch := fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas)
	scaled, err := f.mutate(ctx, clusterID, kind, ActionScale, namespace, name, map[string]any{"replicas": replicas}, func(ri dynamic.ResourceInterface) (*unstructured.Unstructured, error) {
		return ri.Patch(ctx, name, types.MergePatchType, []byte(patch), metav1.PatchOptions{})
	})
	if err != nil {
		return nil, err
	}
	return snapshot.Summarize(kind.Name, scaled, f.now()), nil
}

// RollingRestart triggers a controller-mediated restart of a deployment by
// patching the restartedAt pod template annotation. Nothing else changes:
// replicas and images stay as they are.
func (f *Fabric) RollingRestart(ctx context.Context, clusterID int64, namespace, name string) (snapshot.Summary, error) {
	kind, _ := kube.LookupKind("deployments")
	stamp := f.now().UTC().Format(time.RFC3339)

	patch := fmt.Sprintf(`{"spec":{"template":{"metadata":{"annotations":{%q:%q}}}}}`, restartedAtAnnotation, stamp)
	restarted, err := f.mutate(ctx, clusterID, kind, ActionRollingRestart, namespace, name, map[string]any{"restarted_at": stamp}, func(ri dynamic.ResourceInterface) (*unstructured.Unstructured, error) {
		return ri.Patch(ctx, name, types.MergePatchType, []byte(patch), metav1.PatchOptions{})
	})
	if err != nil {
		return nil, err
	}
	return snapshot.Summarize(kind.Name, restarted, f.now()), nil
}

// Delete removes one object. force skips the grace period and detaches
// dependents to background cleanup.
func (f *Fabric) Delete(ctx context.Context, clusterID int64, kindName, namespace, name string, force bool) error {
	kind, err := resolveKind(kindName)
	if err != nil {
		return err
	}
	return f.delete(ctx, clusterID, kind, ActionDelete, namespace, name, force)
}

func (f *Fabric) delete(ctx context.Context, clusterID int64, kind kube.Kind, action, namespace, name string, force bool) error {
	if kind.Name == "namespaces" && auth.IsProtectedNamespace(name) {
		err := fmt.Errorf("%w: %q", ErrProtectedNamespace, name)
		f.record(ctx, clusterID, action, kind.Name, namespace, name, nil, err)
		return err
	}

	opts := metav1.DeleteOptions{}
	if force {
		var zero int64
		policy := metav1.DeletePropagationBackground
		opts.GracePeriodSeconds = &zero
		opts.PropagationPolicy = &policy
	}

	_, err := f.mutate(ctx, clusterID, kind, action, namespace, name, map[string]any{"force": force}, func(ri dynamic.ResourceInterface) (*unstructured.Unstructured, error) {
		return nil, ri.Delete(ctx, name, opts)
	})
	return err
}

// RestartPod deletes one pod so its controller replaces it.
func (f *Fabric) RestartPod(ctx context.Context, clusterID int64, namespace, name string) error {
	kind, _ := kube.LookupKind("pods")
	_, err := f.mutate(ctx, clusterID, kind, ActionRestart, namespace, name, nil, func(ri dynamic.ResourceInterface) (*unstructured.Unstructured, error) {
		return nil, ri.Delete(ctx, name, metav1.DeleteOptions{})
	})
	return err
}

// CreateNamespace creates a namespace, optionally labeled.
func (f *Fabric) CreateNamespace(ctx context.Context, clusterID int64, name string, labels map[string]string) (snapshot.Summary, error) {
	kind, _ := kube.LookupKind("namespaces")

	obj := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "v1",
		"kind":       "Namespace",
		"metadata":   map[string]any{"name": name},
	}}
	if len(labels) > 0 {
		obj.SetLabels(labels)
	}

	created, err := f.mutate(ctx, clusterID, kind, ActionCreateNamespace, "", name, nil, func(ri dynamic.ResourceInterface) (*unstructured.Unstructured, error) {
		return ri.Create(ctx, obj, metav1.CreateOptions{})
	})
	if err != nil {
		return nil, err
	}
	return snapshot.Summarize(kind.Name, created, f.now()), nil
}

// DeleteNamespace removes a namespace. System namespaces are refused before
// any upstream call, whatever the caller's role.
func (f *Fabric) DeleteNamespace(ctx context.Context, clusterID int64, name string) error {
	kind, _ := kube.LookupKind("namespaces")
	return f.delete(ctx, clusterID, kind, ActionDeleteNamespace, "", name, false)
}

// PodRef addresses one pod in a batch operation.
type PodRef struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// String renders the "namespace/name" form used as a batch result key.
func (r PodRef) String() string {
	return r.Namespace + "/" + r.Name
}

// BatchResult reports the per-item outcomes of a batch operation, keyed by
// "namespace/name".
type BatchResult struct {
	Results      map[string]bool `json:"results"`
	SuccessCount int             `json:"success_count"`
	FailureCount int             `json:"failure_count"`
}

// BatchDeletePods deletes the listed pods sequentially. One failed item
// never aborts the batch; the result carries every item's outcome.
func (f *Fabric) BatchDeletePods(ctx context.Context, clusterID int64, refs []PodRef) (*BatchResult, error) {
	return f.batchPods(ctx, clusterID, ActionBatchDelete, refs)
}

// BatchRestartPods restarts the listed pods by deleting them sequentially;
// their controllers bring replacements up.
func (f *Fabric) BatchRestartPods(ctx context.Context, clusterID int64, refs []PodRef) (*BatchResult, error) {
	return f.batchPods(ctx, clusterID, ActionBatchRestart, refs)
}

// batchPods runs one delete per ref on a single borrowed client. The whole
// batch is one audited operation: its entry carries the outcome map, and its
// success flag is truthful about partial failure.
func (f *Fabric) batchPods(ctx context.Context, clusterID int64, action string, refs []PodRef) (*BatchResult, error) {
	kind, _ := kube.LookupKind("pods")

	client, release, err := f.borrow(ctx, clusterID)
	if err != nil {
		f.record(ctx, clusterID, action, kind.Name, "", "", map[string]any{"requested": len(refs)}, err)
		return nil, err
	}
	defer release()

	dyn, err := client.Dynamic()
	if err != nil {
		err = kube.WrapUpstream(clusterID, err)
		f.record(ctx, clusterID, action, kind.Name, "", "", map[string]any{"requested": len(refs)}, err)
		return nil, err
	}

	result := &BatchResult{Results: make(map[string]bool, len(refs))}
	for _, ref := range refs {
		itemStart := time.Now()
		itemErr := dyn.Resource(kind.GVR).Namespace(ref.Namespace).Delete(ctx, ref.Name, metav1.DeleteOptions{})
		f.metrics.RecordPodOperation(ctx, action, ref.Namespace, instrumentation.StatusLabel(itemErr), time.Since(itemStart))
		if itemErr != nil {
			result.Results[ref.String()] = false
			result.FailureCount++
			f.logger.Warn("Batch pod operation item failed",
				logging.ClusterID(clusterID),
				logging.Action(action),
				logging.Namespace(ref.Namespace),
				logging.ResourceName(ref.Name),
				logging.Err(itemErr))
			continue
		}
		result.Results[ref.String()] = true
		result.SuccessCount++
	}

	if result.SuccessCount > 0 {
		f.invalidate(ctx, clusterID, kind.Name)
	}

	var outcome error
	if result.FailureCount > 0 {
		outcome = fmt.Errorf("%d of %d pods failed", result.FailureCount, len(refs))
	}
	f.record(ctx, clusterID, action, kind.Name, "", "", map[string]any{
		"results":       result.Results,
		"success_count": result.SuccessCount,
		"failure_count": result.FailureCount,
	}, outcome)

	return result, nil
}
