// Package fabric is the operation layer between the HTTP surface and the
// cluster fleet. It resolves registry ids to pooled clients, serves the
// normalized read views, executes mutations, and keeps the cache and the
// audit trail consistent with every write.
package fabric

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/client-go/dynamic"

	"github.com/giantswarm/kubedeck/internal/audit"
	"github.com/giantswarm/kubedeck/internal/auth"
	"github.com/giantswarm/kubedeck/internal/cache"
	"github.com/giantswarm/kubedeck/internal/instrumentation"
	"github.com/giantswarm/kubedeck/internal/kube"
	"github.com/giantswarm/kubedeck/internal/logging"
)

// SpecSource resolves a registry cluster id to connection credentials.
// *store.Store satisfies it. Unknown ids must surface as an error matching
// kube.ErrClusterNotFound.
type SpecSource interface {
	ClusterSpec(ctx context.Context, clusterID int64) (kube.ClusterSpec, error)
}

// ClientSource lends exclusive cluster clients. *kube.Pool satisfies it.
type ClientSource interface {
	Borrow(ctx context.Context, spec kube.ClusterSpec) (*kube.Client, error)
	Return(ctx context.Context, client *kube.Client)
}

// Recorder receives one audit entry per mutation. *audit.Sink satisfies it.
type Recorder interface {
	Record(entry audit.Entry)
}

// noopRecorder drops entries, for wiring without an audit sink.
type noopRecorder struct{}

func (noopRecorder) Record(audit.Entry) {}

// Fabric executes reads and mutations against registered clusters.
type Fabric struct {
	pool    ClientSource
	specs   SpecSource
	cache   cache.Cache
	audit   Recorder
	metrics *instrumentation.Metrics
	logger  *slog.Logger
	now     func() time.Time

	// statsGroup collapses concurrent stats collection for one cluster
	// into a single upstream pass.
	statsGroup singleflight.Group
}

// Option configures a Fabric.
type Option func(*Fabric)

// WithCache sets the read-through cache. Without it the fabric runs
// uncached.
func WithCache(c cache.Cache) Option {
	return func(f *Fabric) {
		f.cache = c
	}
}

// WithRecorder sets the audit recorder mutations report to.
func WithRecorder(r Recorder) Option {
	return func(f *Fabric) {
		f.audit = r
	}
}

// WithMetrics sets the telemetry recorder mutations report to. A nil
// recorder is valid and records nothing.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(f *Fabric) {
		f.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fabric) {
		f.logger = logger
	}
}

// withClock overrides the time source in tests.
func withClock(now func() time.Time) Option {
	return func(f *Fabric) {
		f.now = now
	}
}

// New builds a Fabric over the given client pool and spec source.
func New(pool ClientSource, specs SpecSource, opts ...Option) *Fabric {
	f := &Fabric{
		pool:   pool,
		specs:  specs,
		cache:  cache.NoopCache{},
		audit:  noopRecorder{},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = logging.WithComponent(f.logger, "fabric")
	return f
}

// borrow resolves the cluster's credentials and leases a pooled client.
// The release func must be called exactly once when the client is no
// longer in use.
func (f *Fabric) borrow(ctx context.Context, clusterID int64) (*kube.Client, func(), error) {
	spec, err := f.specs.ClusterSpec(ctx, clusterID)
	if err != nil {
		return nil, nil, err
	}
	client, err := f.pool.Borrow(ctx, spec)
	if err != nil {
		return nil, nil, err
	}
	release := func() { f.pool.Return(ctx, client) }
	return client, release, nil
}

// resolveKind looks a kind up in the registry.
func resolveKind(name string) (kube.Kind, error) {
	kind, ok := kube.LookupKind(name)
	if !ok {
		return kube.Kind{}, fmt.Errorf("%w: %q", kube.ErrKindUnknown, name)
	}
	return kind, nil
}

// resourceFor picks the namespaced or cluster-scoped interface for a kind.
// Namespaced kinds with an empty namespace list across all namespaces.
func resourceFor(dyn dynamic.Interface, kind kube.Kind, namespace string) dynamic.ResourceInterface {
	if kind.Namespaced && namespace != "" {
		return dyn.Resource(kind.GVR).Namespace(namespace)
	}
	return dyn.Resource(kind.GVR)
}

// record emits the single audit entry for one mutation. The actor comes from
// the request's auth context, transport attributes from the request metadata
// carrier; both are optional so internal callers still leave a trail.
func (f *Fabric) record(ctx context.Context, clusterID int64, action, kindName, namespace, name string, details map[string]any, opErr error) {
	entry := audit.Entry{
		Time:         f.now(),
		ClusterID:    &clusterID,
		Action:       action,
		ResourceKind: kindName,
		ResourceName: name,
		Namespace:    namespace,
		Details:      details,
		Success:      opErr == nil,
	}
	if opErr != nil {
		entry.Error = opErr.Error()
	}
	if actx, ok := auth.FromContext(ctx); ok && actx != nil {
		uid := actx.UserID
		entry.UserID = &uid
	}
	if meta, ok := audit.MetaFromContext(ctx); ok {
		entry.IP = meta.IP
		entry.UserAgent = meta.UserAgent
	}
	f.audit.Record(entry)
}

// invalidate drops the cached payloads a successful mutation may have
// outdated: every key for the kind on the cluster, plus the aggregate stats.
// Invalidation failures never fail the mutation; the TTLs bound staleness.
func (f *Fabric) invalidate(ctx context.Context, clusterID int64, kindName string) {
	if _, err := cache.InvalidateKind(ctx, f.cache, kindName, clusterID); err != nil {
		f.logger.Warn("Cache invalidation failed",
			logging.ClusterID(clusterID),
			logging.ResourceType(kindName),
			logging.Err(err))
	}
	if err := f.cache.Delete(ctx, cache.StatsKey(clusterID)); err != nil {
		f.logger.Warn("Stats cache invalidation failed",
			logging.ClusterID(clusterID),
			logging.Err(err))
	}
}
