package fabric

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/yaml"

	"github.com/giantswarm/kubedeck/internal/cache"
	"github.com/giantswarm/kubedeck/internal/kube"
	"github.com/giantswarm/kubedeck/internal/logging"
	"github.com/giantswarm/kubedeck/internal/snapshot"
)

// Page size bounds. Requests outside the range are clamped, never rejected.
const (
	DefaultPageLimit = int64(100)
	MaxPageLimit     = int64(1000)
)

// ListOptions narrow an upstream list call. Zero values mean no filter and
// the default page size.
type ListOptions struct {
	Limit         int64
	Continue      string
	LabelSelector string
	FieldSelector string
}

// Page is one upstream page of normalized rows. Continue, when set, resumes
// the listing where this page ended; Remaining is the upstream estimate of
// rows after this page when the API server provides one. Pages are served
// as the upstream returns them, never stitched together.
type Page struct {
	Items     []snapshot.Summary `json:"items"`
	Continue  string             `json:"continue,omitempty"`
	Remaining *int64             `json:"remaining,omitempty"`
}

// clampLimit forces a requested page size into [1, MaxPageLimit], defaulting
// when unset.
func clampLimit(limit int64) int64 {
	switch {
	case limit <= 0:
		return DefaultPageLimit
	case limit > MaxPageLimit:
		return MaxPageLimit
	default:
		return limit
	}
}

// List returns one page of normalized rows for a kind, scoped to a namespace
// when one is given. The plain first page of the namespace and node listings
// is served read-through from the cache; every other request goes upstream.
func (f *Fabric) List(ctx context.Context, clusterID int64, kindName, namespace string, opts ListOptions) (*Page, error) {
	kind, err := resolveKind(kindName)
	if err != nil {
		return nil, err
	}
	opts.Limit = clampLimit(opts.Limit)

	key, ttl := listCacheKey(kind, clusterID, opts)
	if key != "" {
		var cached Page
		if ok, err := cache.GetJSON(ctx, f.cache, key, &cached); err == nil && ok {
			return &cached, nil
		}
	}

	client, release, err := f.borrow(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	defer release()

	dyn, err := client.Dynamic()
	if err != nil {
		return nil, kube.WrapUpstream(clusterID, err)
	}

	list, err := resourceFor(dyn, kind, namespace).List(ctx, metav1.ListOptions{
		Limit:         opts.Limit,
		Continue:      opts.Continue,
		LabelSelector: opts.LabelSelector,
		FieldSelector: opts.FieldSelector,
	})
	if err != nil {
		return nil, kube.WrapUpstream(clusterID, err)
	}

	page := buildPage(kind, list, f.now())

	if key != "" {
		if err := cache.SetJSON(ctx, f.cache, key, page, ttl); err != nil {
			f.logger.Warn("Cache write failed",
				logging.ClusterID(clusterID),
				logging.ResourceType(kind.Name),
				logging.Err(err))
		}
	}
	return page, nil
}

// buildPage normalizes one upstream page. The page carries exactly what the
// upstream returned: the continue token and remaining estimate pass through,
// and items from successive pages are never stitched together.
func buildPage(kind kube.Kind, list *unstructured.UnstructuredList, now time.Time) *Page {
	page := &Page{
		Items:     make([]snapshot.Summary, 0, len(list.Items)),
		Continue:  list.GetContinue(),
		Remaining: list.GetRemainingItemCount(),
	}
	for i := range list.Items {
		page.Items = append(page.Items, snapshot.Summarize(kind.Name, &list.Items[i], now))
	}
	return page
}

// listCacheKey returns the read-through key for the request, or "" when the
// request must go upstream. Only the plain first page of the namespace and
// node listings is cached; filtered, resumed, or custom-sized pages always
// hit the cluster.
func listCacheKey(kind kube.Kind, clusterID int64, opts ListOptions) (string, time.Duration) {
	if opts.Continue != "" || opts.LabelSelector != "" || opts.FieldSelector != "" || opts.Limit != DefaultPageLimit {
		return "", 0
	}
	switch kind.Name {
	case "namespaces":
		return cache.NamespacesKey(clusterID), cache.TTLNamespaces
	case "nodes":
		return cache.NodesKey(clusterID), cache.TTLNodes
	default:
		return "", 0
	}
}

// Detail returns the detail view of one object: the list row plus
// annotations, conditions, and the sanitized full object. Details are never
// cached.
func (f *Fabric) Detail(ctx context.Context, clusterID int64, kindName, namespace, name string) (snapshot.Summary, error) {
	kind, err := resolveKind(kindName)
	if err != nil {
		return nil, err
	}
	obj, err := f.get(ctx, clusterID, kind, namespace, name)
	if err != nil {
		return nil, err
	}
	return snapshot.Detail(kind.Name, obj, f.now()), nil
}

// YAML renders the sanitized object as YAML. Marshaling goes through JSON,
// so map keys come out in deterministic order and the output round-trips
// against the detail view's object blob.
func (f *Fabric) YAML(ctx context.Context, clusterID int64, kindName, namespace, name string) (string, error) {
	kind, err := resolveKind(kindName)
	if err != nil {
		return "", err
	}
	obj, err := f.get(ctx, clusterID, kind, namespace, name)
	if err != nil {
		return "", err
	}
	raw, err := yaml.Marshal(snapshot.SanitizeObject(obj))
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s %s: %w", kind.Singular, name, err)
	}
	return string(raw), nil
}

// get fetches one object through a pooled client.
func (f *Fabric) get(ctx context.Context, clusterID int64, kind kube.Kind, namespace, name string) (*unstructured.Unstructured, error) {
	client, release, err := f.borrow(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	defer release()

	dyn, err := client.Dynamic()
	if err != nil {
		return nil, kube.WrapUpstream(clusterID, err)
	}
	obj, err := resourceFor(dyn, kind, namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, kube.WrapUpstream(clusterID, err)
	}
	return obj, nil
}

// ClusterStats are the aggregate counts served by the monitoring endpoints
// and consumed by the alert evaluator.
type ClusterStats struct {
	ClusterID      int64     `json:"cluster_id"`
	Nodes          int       `json:"nodes"`
	NodesReady     int       `json:"nodes_ready"`
	Namespaces     int       `json:"namespaces"`
	Pods           int       `json:"pods"`
	PodsRunning    int       `json:"pods_running"`
	MaxPodRestarts int64     `json:"max_pod_restarts"`
	Deployments    int       `json:"deployments"`
	Services       int       `json:"services"`
	CollectedAt    time.Time `json:"collected_at"`
}

// ClusterStats aggregates object counts for one cluster. Results are cached
// for cache.TTLStats, and concurrent collections for the same cluster are
// collapsed into a single upstream pass.
func (f *Fabric) ClusterStats(ctx context.Context, clusterID int64) (*ClusterStats, error) {
	key := cache.StatsKey(clusterID)

	var cached ClusterStats
	if ok, err := cache.GetJSON(ctx, f.cache, key, &cached); err == nil && ok {
		return &cached, nil
	}

	v, err, _ := f.statsGroup.Do(key, func() (any, error) {
		stats, err := f.collectStats(ctx, clusterID)
		if err != nil {
			return nil, err
		}
		if err := cache.SetJSON(ctx, f.cache, key, stats, cache.TTLStats); err != nil {
			f.logger.Warn("Stats cache write failed",
				logging.ClusterID(clusterID),
				logging.Err(err))
		}
		return stats, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ClusterStats), nil
}

// collectStats tallies the cluster's workload counts in one upstream pass.
func (f *Fabric) collectStats(ctx context.Context, clusterID int64) (*ClusterStats, error) {
	client, release, err := f.borrow(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	defer release()

	dyn, err := client.Dynamic()
	if err != nil {
		return nil, kube.WrapUpstream(clusterID, err)
	}

	stats := &ClusterStats{ClusterID: clusterID, CollectedAt: f.now().UTC()}
	for _, name := range []string{"nodes", "namespaces", "pods", "deployments", "services"} {
		kind, _ := kube.LookupKind(name)
		list, err := dyn.Resource(kind.GVR).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, kube.WrapUpstream(clusterID, err)
		}

		switch name {
		case "nodes":
			stats.Nodes = len(list.Items)
			for i := range list.Items {
				if snapshot.NodeReadiness(&list.Items[i]) == "Ready" {
					stats.NodesReady++
				}
			}
		case "namespaces":
			stats.Namespaces = len(list.Items)
		case "pods":
			stats.Pods = len(list.Items)
			for i := range list.Items {
				phase, _, _ := unstructured.NestedString(list.Items[i].Object, "status", "phase")
				if phase == "Running" {
					stats.PodsRunning++
				}
				if restarts := snapshot.PodRestarts(&list.Items[i]); restarts > stats.MaxPodRestarts {
					stats.MaxPodRestarts = restarts
				}
			}
		case "deployments":
			stats.Deployments = len(list.Items)
		case "services":
			stats.Services = len(list.Items)
		}
	}
	return stats, nil
}

// PodLogs returns up to tailLines of a container's log. Logs expose workload
// internals, so every call leaves an audit record even though it is a read.
func (f *Fabric) PodLogs(ctx context.Context, clusterID int64, namespace, name, container string, tailLines *int64) (string, error) {
	logs, err := f.podLogs(ctx, clusterID, namespace, name, container, tailLines)

	details := map[string]any{}
	if container != "" {
		details["container"] = container
	}
	if tailLines != nil {
		details["tail_lines"] = *tailLines
	}
	f.record(ctx, clusterID, ActionPodLogs, "pods", namespace, name, details, err)

	return logs, err
}

func (f *Fabric) podLogs(ctx context.Context, clusterID int64, namespace, name, container string, tailLines *int64) (string, error) {
	client, release, err := f.borrow(ctx, clusterID)
	if err != nil {
		return "", err
	}
	defer release()

	clientset, err := client.Clientset()
	if err != nil {
		return "", kube.WrapUpstream(clusterID, err)
	}

	req := clientset.CoreV1().Pods(namespace).GetLogs(name, &corev1.PodLogOptions{
		Container: container,
		TailLines: tailLines,
	})
	raw, err := req.DoRaw(ctx)
	if err != nil {
		return "", kube.WrapUpstream(clusterID, err)
	}
	return string(raw), nil
}
