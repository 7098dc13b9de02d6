package cache

import (
	"fmt"
	"time"
)

// TTLs per resource class. List-style payloads turn over quickly; identity
// and registry payloads are stable enough to hold for minutes.
const (
	TTLStats       = 30 * time.Second
	TTLList        = 60 * time.Second
	TTLNodes       = 60 * time.Second
	TTLNamespaces  = 300 * time.Second
	TTLClusterList = 600 * time.Second
	TTLUserInfo    = 1800 * time.Second
)

// ListKey addresses a paged list for one kind on one cluster, optionally
// scoped to a namespace: "k8s:<kind>:cluster:<id>[:ns:<ns>]".
func ListKey(kind string, clusterID int64, namespace string) string {
	if namespace == "" {
		return fmt.Sprintf("k8s:%s:cluster:%d", kind, clusterID)
	}
	return fmt.Sprintf("k8s:%s:cluster:%d:ns:%s", kind, clusterID, namespace)
}

// StatsKey addresses the aggregated cluster stats payload.
func StatsKey(clusterID int64) string {
	return fmt.Sprintf("k8s:cluster_stats:cluster:%d", clusterID)
}

// NodesKey addresses the node list payload.
func NodesKey(clusterID int64) string {
	return fmt.Sprintf("k8s:nodes:cluster:%d", clusterID)
}

// NamespacesKey addresses the namespace list payload.
func NamespacesKey(clusterID int64) string {
	return fmt.Sprintf("k8s:namespaces:cluster:%d", clusterID)
}

// ClusterListKey addresses the cluster registry listing.
func ClusterListKey() string {
	return "k8s:cluster_list"
}

// UserInfoKey addresses one user's resolved identity payload.
func UserInfoKey(userID int64) string {
	return fmt.Sprintf("k8s:user_info:%d", userID)
}

// ClusterPatterns matches every cached payload for one cluster, across kinds
// and namespaces. Two patterns because a bare "%d*" suffix would also match
// longer cluster IDs sharing the prefix (cluster 1 vs cluster 10).
func ClusterPatterns(clusterID int64) []string {
	return []string{
		fmt.Sprintf("k8s:*:cluster:%d", clusterID),
		fmt.Sprintf("k8s:*:cluster:%d:*", clusterID),
	}
}

// KindPatterns matches every cached payload for one kind on one cluster,
// across namespaces.
func KindPatterns(kind string, clusterID int64) []string {
	return []string{
		fmt.Sprintf("k8s:%s:cluster:%d", kind, clusterID),
		fmt.Sprintf("k8s:%s:cluster:%d:*", kind, clusterID),
	}
}
