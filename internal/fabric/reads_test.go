package fabric

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	k8stesting "k8s.io/client-go/testing"
	"sigs.k8s.io/yaml"

	"github.com/giantswarm/kubedeck/internal/cache"
	"github.com/giantswarm/kubedeck/internal/kube"
)

func TestListScopesToNamespace(t *testing.T) {
	env := newFabricEnv(t,
		podObject("team-a", "web-0"),
		podObject("team-a", "web-1"),
		podObject("team-b", "api-0"),
	)

	page, err := env.fabric.List(context.Background(), testClusterID, "pods", "team-a", ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)

	names := []string{}
	for _, row := range page.Items {
		names = append(names, row["name"].(string))
		assert.Equal(t, "team-a", row["namespace"])
		assert.Equal(t, "Running", row["status"])
		assert.Equal(t, "1/1", row["ready"])
		assert.EqualValues(t, 2, row["restarts"])
		assert.Equal(t, "2h", row["age"])
	}
	assert.ElementsMatch(t, []string{"web-0", "web-1"}, names)
}

func TestListAllNamespaces(t *testing.T) {
	env := newFabricEnv(t,
		podObject("team-a", "web-0"),
		podObject("team-b", "api-0"),
	)

	page, err := env.fabric.List(context.Background(), testClusterID, "pods", "", ListOptions{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
}

func TestListAcceptsKindAliases(t *testing.T) {
	env := newFabricEnv(t, deploymentObject("team-a", "web", 3))

	for _, alias := range []string{"deployments", "deployment", "deploy"} {
		page, err := env.fabric.List(context.Background(), testClusterID, alias, "team-a", ListOptions{})
		require.NoError(t, err, "alias %q", alias)
		assert.Len(t, page.Items, 1)
	}
}

func TestBuildPagePassesPaginationThrough(t *testing.T) {
	kind, ok := kube.LookupKind("pods")
	require.True(t, ok)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	remaining := int64(250)
	list := &unstructured.UnstructuredList{
		Object: map[string]any{
			"apiVersion": "v1",
			"kind":       "PodList",
			"metadata": map[string]any{
				"continue":           "next-token",
				"remainingItemCount": remaining,
			},
		},
		Items: []unstructured.Unstructured{*podObject("team-a", "web-0")},
	}

	page := buildPage(kind, list, now)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, "next-token", page.Continue)
	require.NotNil(t, page.Remaining)
	assert.Equal(t, remaining, *page.Remaining)

	// The final page carries neither a token nor an estimate.
	last := &unstructured.UnstructuredList{
		Object: map[string]any{"apiVersion": "v1", "kind": "PodList"},
		Items:  []unstructured.Unstructured{*podObject("team-a", "web-1")},
	}
	page = buildPage(kind, last, now)
	assert.Empty(t, page.Continue)
	assert.Nil(t, page.Remaining)
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int64
		want  int64
	}{
		{name: "zero defaults", limit: 0, want: 100},
		{name: "negative defaults", limit: -5, want: 100},
		{name: "floor", limit: 1, want: 1},
		{name: "in range", limit: 42, want: 42},
		{name: "ceiling", limit: 1000, want: 1000},
		{name: "above ceiling", limit: 5000, want: 1000},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, clampLimit(tc.limit))
		})
	}
}

func TestListCachesNamespaceListing(t *testing.T) {
	env := newFabricEnv(t, namespaceObject("team-a"), namespaceObject("team-b"))
	ctx := context.Background()

	page, err := env.fabric.List(ctx, testClusterID, "namespaces", "", ListOptions{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)

	borrowed, _ := env.pool.counts()
	assert.Equal(t, 1, borrowed)

	// A namespace appears upstream, but the cached page keeps serving until
	// its TTL runs out.
	require.NoError(t, env.dyn.Tracker().Add(namespaceObject("team-c")))

	page, err = env.fabric.List(ctx, testClusterID, "namespaces", "", ListOptions{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)

	borrowed, _ = env.pool.counts()
	assert.Equal(t, 1, borrowed, "second listing must come from the cache")

	env.redis.FastForward(cache.TTLNamespaces + time.Second)

	page, err = env.fabric.List(ctx, testClusterID, "namespaces", "", ListOptions{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 3)

	borrowed, _ = env.pool.counts()
	assert.Equal(t, 2, borrowed)
}

func TestListFilteredRequestSkipsCache(t *testing.T) {
	env := newFabricEnv(t, namespaceObject("team-a"))
	ctx := context.Background()

	// Warm the cache with the plain listing.
	_, err := env.fabric.List(ctx, testClusterID, "namespaces", "", ListOptions{})
	require.NoError(t, err)

	for name, opts := range map[string]ListOptions{
		"label selector": {LabelSelector: "team=a"},
		"field selector": {FieldSelector: "metadata.name=team-a"},
		"continue token": {Continue: "tok"},
		"custom limit":   {Limit: 50},
	} {
		before, _ := env.pool.counts()
		_, err := env.fabric.List(ctx, testClusterID, "namespaces", "", opts)
		require.NoError(t, err, name)
		after, _ := env.pool.counts()
		assert.Equal(t, before+1, after, "%s must bypass the cache", name)
	}
}

func TestListPodsNeverCached(t *testing.T) {
	env := newFabricEnv(t, podObject("team-a", "web-0"))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.fabric.List(ctx, testClusterID, "pods", "team-a", ListOptions{})
		require.NoError(t, err)
	}

	borrowed, _ := env.pool.counts()
	assert.Equal(t, 3, borrowed)
}

func TestDetailViewShape(t *testing.T) {
	obj := deploymentObject("team-a", "web", 3)
	obj.Object["metadata"].(map[string]any)["annotations"] = map[string]any{"owner": "platform"}
	obj.Object["metadata"].(map[string]any)["managedFields"] = []any{
		map[string]any{"manager": "kubectl"},
	}
	obj.Object["status"].(map[string]any)["conditions"] = []any{
		map[string]any{"type": "Available", "status": "True", "reason": "MinimumReplicasAvailable"},
	}
	env := newFabricEnv(t, obj)

	detail, err := env.fabric.Detail(context.Background(), testClusterID, "deployments", "team-a", "web")
	require.NoError(t, err)

	assert.Equal(t, "web", detail["name"])
	assert.Equal(t, map[string]string{"owner": "platform"}, detail["annotations"])

	conditions, ok := detail["conditions"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, conditions, 1)
	assert.Equal(t, "Available", conditions[0]["type"])
	assert.Equal(t, "True", conditions[0]["status"])

	blob, ok := detail["object"].(map[string]any)
	require.True(t, ok)
	metadata, ok := blob["metadata"].(map[string]any)
	require.True(t, ok)
	_, hasManagedFields := metadata["managedFields"]
	assert.False(t, hasManagedFields, "managedFields must be stripped from the object blob")
}

func TestYAMLRoundTripsAgainstDetail(t *testing.T) {
	env := newFabricEnv(t, deploymentObject("team-a", "web", 3))
	ctx := context.Background()

	out, err := env.fabric.YAML(ctx, testClusterID, "deployments", "team-a", "web")
	require.NoError(t, err)
	assert.NotContains(t, out, "managedFields")

	detail, err := env.fabric.Detail(ctx, testClusterID, "deployments", "team-a", "web")
	require.NoError(t, err)

	fromYAML, err := yaml.YAMLToJSON([]byte(out))
	require.NoError(t, err)
	fromDetail, err := json.Marshal(detail["object"])
	require.NoError(t, err)

	assert.JSONEq(t, string(fromDetail), string(fromYAML))
}

func TestClusterStats(t *testing.T) {
	restarting := podObject("team-b", "api-0")
	restarting.Object["status"] = map[string]any{
		"phase": "Pending",
		"containerStatuses": []any{
			map[string]any{"ready": false, "restartCount": int64(7)},
		},
	}

	env := newFabricEnv(t,
		nodeObject("node-1", true),
		nodeObject("node-2", false),
		namespaceObject("team-a"),
		namespaceObject("team-b"),
		podObject("team-a", "web-0"),
		restarting,
		deploymentObject("team-a", "web", 3),
		serviceObject("team-a", "web"),
	)

	stats, err := env.fabric.ClusterStats(context.Background(), testClusterID)
	require.NoError(t, err)

	assert.Equal(t, testClusterID, stats.ClusterID)
	assert.Equal(t, 2, stats.Nodes)
	assert.Equal(t, 1, stats.NodesReady)
	assert.Equal(t, 2, stats.Namespaces)
	assert.Equal(t, 2, stats.Pods)
	assert.Equal(t, 1, stats.PodsRunning)
	assert.EqualValues(t, 7, stats.MaxPodRestarts)
	assert.Equal(t, 1, stats.Deployments)
	assert.Equal(t, 1, stats.Services)
	assert.Equal(t, env.now, stats.CollectedAt)

	borrowed, _ := env.pool.counts()
	assert.Equal(t, 1, borrowed, "stats collection uses a single borrowed client")

	// Second read is served from the cache.
	again, err := env.fabric.ClusterStats(context.Background(), testClusterID)
	require.NoError(t, err)
	assert.Equal(t, stats.Pods, again.Pods)

	borrowed, _ = env.pool.counts()
	assert.Equal(t, 1, borrowed)
}

func TestClusterStatsCollapsesConcurrentCollections(t *testing.T) {
	env := newFabricEnv(t, nodeObject("node-1", true))

	gate := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	env.dyn.PrependReactor("list", "nodes", func(_ k8stesting.Action) (bool, runtime.Object, error) {
		once.Do(func() { close(entered) })
		<-gate
		return false, nil, nil
	})

	results := make(chan error, 8)
	call := func() {
		_, err := env.fabric.ClusterStats(context.Background(), testClusterID)
		results <- err
	}

	go call()
	<-entered

	// The first collection is parked on the gate; later callers must join
	// its flight instead of starting their own.
	for i := 0; i < 7; i++ {
		go call()
	}
	time.Sleep(100 * time.Millisecond)
	close(gate)

	for i := 0; i < 8; i++ {
		require.NoError(t, <-results)
	}

	borrowed, _ := env.pool.counts()
	assert.Equal(t, 1, borrowed, "concurrent collections must share one upstream pass")
}

func TestPodLogs(t *testing.T) {
	env := newFabricEnv(t)

	tail := int64(100)
	logs, err := env.fabric.PodLogs(context.Background(), testClusterID, "team-a", "web-0", "app", &tail)
	require.NoError(t, err)
	assert.Equal(t, "fake logs", logs)

	entries := env.recorder.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, ActionPodLogs, entries[0].Action)
	assert.Equal(t, "pods", entries[0].ResourceKind)
	assert.Equal(t, "web-0", entries[0].ResourceName)
	assert.Equal(t, "team-a", entries[0].Namespace)
	assert.True(t, entries[0].Success)
	assert.Equal(t, "app", entries[0].Details["container"])
	assert.EqualValues(t, 100, entries[0].Details["tail_lines"])
}
