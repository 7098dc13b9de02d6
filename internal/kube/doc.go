// Package kube provides pooled, per-cluster Kubernetes client handles for the
// kubedeck control plane.
//
// # Architecture Overview
//
// Every registered cluster is described by a ClusterSpec carrying its
// credentials, either a raw kubeconfig blob or an endpoint plus bearer token.
// The Pool synthesizes Client handles from specs on demand and lends them out
// exclusively:
//
//	pool := kube.NewPool(
//		kube.WithPoolLogger(logger),
//		kube.WithPoolMetrics(recorder),
//	)
//	defer pool.Close()
//
//	client, err := pool.Borrow(ctx, spec)
//	if err != nil {
//		return err
//	}
//	defer pool.Return(ctx, client)
//
//	clientset, err := client.Clientset()
//
// # Exclusive Leases
//
// Unlike a shared client cache, a borrowed Client belongs to exactly one
// caller until it is returned. This keeps per-request QPS budgets isolated
// and makes connection recycling safe: the pool never closes a handle that a
// request still holds.
//
// # Connection Hygiene
//
// Pooled connections are recycled after a TTL (default 30 minutes) and
// re-verified with a discovery ping when their last health probe is older
// than the health interval (default 60 seconds). Probes and synthesis run
// behind a per-cluster circuit breaker, so a cluster that stops answering
// fails fast instead of tying up every request that names it.
//
// # Credential Handling
//
// Kubeconfig blobs are parsed in memory and never written to disk. Bearer
// auth requires a CA bundle, which rest.Config consumes by file path; the
// pool writes it to a temp file that is removed exactly once when the handle
// is closed, regardless of how eviction and shutdown interleave.
//
// # Resource Kinds
//
// The package also carries the registry of resource kinds the control plane
// serves (LookupKind, AllKinds, RoutedKinds). Each Kind binds a URL route
// segment to its GroupVersionResource and records whether it is namespaced
// and scalable.
//
// # Error Handling
//
// The package defines specific error types for common failure scenarios:
//   - ErrClusterNotFound: the cluster is not registered or not visible
//   - ErrPoolExhausted: the per-cluster connection limit is reached
//   - ErrUpstreamUnreachable: the cluster API server cannot be dialed
//   - ErrUpstream: the cluster API server answered with an error status
//   - ErrInvalidClusterSpec: the cluster descriptor is malformed
//
// User-facing messages for cluster lookup failures are uniform to prevent
// cluster enumeration through error text.
package kube
