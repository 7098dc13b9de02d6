package kube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/giantswarm/kubedeck/internal/logging"
)

// PoolConfig holds configuration options for the connection pool.
//
// # Capacity Planning
//
// Entries are grouped per cluster. With the default MaxPerCluster of 10, a
// deployment managing 50 clusters can hold at most 500 live API connections.
// Borrow returns PoolExhaustedError once a cluster is saturated; callers are
// expected to retry rather than queue.
type PoolConfig struct {
	// MaxPerCluster is the maximum number of live connections per cluster.
	// Borrow fails with PoolExhaustedError when the limit is reached and no
	// idle connection is available.
	//
	// Default: 10.
	MaxPerCluster int

	// ConnTTL is how long a connection lives before it is recycled,
	// measured from creation. Expired idle connections are dropped during
	// Borrow and Sweep; borrowed connections are never recycled mid-use.
	//
	// Default: 30 minutes.
	ConnTTL time.Duration

	// HealthInterval is the minimum time between health probes for a
	// pooled connection. A connection due for a probe is verified before
	// being lent out again; probe failure evicts it.
	//
	// Default: 60 seconds.
	HealthInterval time.Duration
}

// DefaultPoolConfig returns a PoolConfig with sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxPerCluster:  10,
		ConnTTL:        30 * time.Minute,
		HealthInterval: 60 * time.Second,
	}
}

// Circuit breaker tuning for cluster connection synthesis and health probes.
const (
	breakerFailureThreshold = 3
	breakerCooldown         = 30 * time.Second
)

// maxBorrowAttempts bounds the evict-and-retry loop when pooled connections
// turn out to be stale.
const maxBorrowAttempts = 3

// poolEntry tracks one pooled connection and its lease state.
type poolEntry struct {
	client *Client

	createdAt  time.Time
	lastUsed   time.Time
	lastHealth time.Time

	// inUse marks the entry as exclusively lent out. Entries in use are
	// never shared, recycled or swept.
	inUse bool
}

// isExpired returns true once the connection has outlived its TTL.
// Expiry runs on age from createdAt, not idle time: an entry is rebuilt
// after ConnTTL even when it is still being used, which bounds how long
// stale credentials or TLS material can keep serving.
func (e *poolEntry) isExpired(now time.Time, ttl time.Duration) bool {
	return now.After(e.createdAt.Add(ttl))
}

// PoolMetricsRecorder defines the interface for recording pool metrics.
// This allows decoupling from the concrete instrumentation implementation.
type PoolMetricsRecorder interface {
	// RecordBorrow records a successful borrow, distinguishing reused
	// connections from freshly synthesized ones.
	RecordBorrow(ctx context.Context, clusterID int64, reused bool)

	// RecordEviction records a connection eviction event.
	RecordEviction(ctx context.Context, reason string)

	// RecordHealthFailure records a failed health probe.
	RecordHealthFailure(ctx context.Context, clusterID int64)

	// SetPoolSize sets the current total pool size gauge.
	SetPoolSize(ctx context.Context, size int)
}

// noopPoolMetrics is a no-op implementation of PoolMetricsRecorder.
type noopPoolMetrics struct{}

func (n *noopPoolMetrics) RecordBorrow(context.Context, int64, bool)    {}
func (n *noopPoolMetrics) RecordEviction(context.Context, string)       {}
func (n *noopPoolMetrics) RecordHealthFailure(context.Context, int64)   {}
func (n *noopPoolMetrics) SetPoolSize(context.Context, int)             {}

// Pool lends exclusive Kubernetes client handles, grouped per cluster.
//
// A borrowed client is owned by exactly one caller until Return; two callers
// never share a handle. Synthesis and health probes run behind a per-cluster
// circuit breaker so a dead cluster cannot stall every request that names it.
type Pool struct {
	mu      sync.Mutex
	entries map[int64][]*poolEntry

	// pending counts in-flight syntheses per cluster so concurrent borrows
	// cannot overshoot MaxPerCluster.
	pending map[int64]int

	breakers map[int64]*gobreaker.CircuitBreaker

	// Configuration
	config  PoolConfig
	logger  *slog.Logger
	metrics PoolMetricsRecorder

	// factory synthesizes a client from a spec; health verifies a client
	// answers. Both are replaceable for testing.
	factory func(spec ClusterSpec) (*Client, error)
	health  func(ctx context.Context, client *Client) error

	// Lifecycle
	closed bool

	// Clock abstraction for testing
	now func() time.Time
}

// PoolOption is a functional option for configuring the Pool.
type PoolOption func(*Pool)

// WithPoolConfig sets the pool configuration.
func WithPoolConfig(config PoolConfig) PoolOption {
	return func(p *Pool) {
		p.config = config
	}
}

// WithPoolLogger sets the logger for the pool.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithPoolMetrics sets the metrics recorder for the pool.
func WithPoolMetrics(metrics PoolMetricsRecorder) PoolOption {
	return func(p *Pool) {
		p.metrics = metrics
	}
}

// withPoolClock sets the clock function for testing.
func withPoolClock(now func() time.Time) PoolOption {
	return func(p *Pool) {
		p.now = now
	}
}

// withPoolFactory sets the client factory for testing.
func withPoolFactory(factory func(spec ClusterSpec) (*Client, error)) PoolOption {
	return func(p *Pool) {
		p.factory = factory
	}
}

// withPoolHealthCheck sets the health probe for testing.
func withPoolHealthCheck(health func(ctx context.Context, client *Client) error) PoolOption {
	return func(p *Pool) {
		p.health = health
	}
}

// NewPool creates a new connection pool with the provided options.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		entries:  make(map[int64][]*poolEntry),
		pending:  make(map[int64]int),
		breakers: make(map[int64]*gobreaker.CircuitBreaker),
		config:   DefaultPoolConfig(),
		logger:   slog.Default(),
		metrics:  &noopPoolMetrics{},
		now:      time.Now,
	}
	p.factory = newClient
	p.health = func(_ context.Context, client *Client) error {
		return client.ping()
	}

	for _, opt := range opts {
		opt(p)
	}

	// Validate configuration
	if p.config.MaxPerCluster <= 0 {
		p.config.MaxPerCluster = DefaultPoolConfig().MaxPerCluster
	}
	if p.config.ConnTTL <= 0 {
		p.config.ConnTTL = DefaultPoolConfig().ConnTTL
	}
	if p.config.HealthInterval <= 0 {
		p.config.HealthInterval = DefaultPoolConfig().HealthInterval
	}

	p.logger.Info("Cluster connection pool initialized",
		"max_per_cluster", p.config.MaxPerCluster,
		"conn_ttl", p.config.ConnTTL,
		"health_interval", p.config.HealthInterval)

	return p
}

// Borrow lends an exclusive client for the given cluster, reusing an idle
// healthy connection when one exists and synthesizing a new one otherwise.
// Stale connections discovered on the way are evicted and the borrow retried.
//
// The caller must hand the client back with Return when done.
func (p *Pool) Borrow(ctx context.Context, spec ClusterSpec) (*Client, error) {
	for attempt := 0; attempt < maxBorrowAttempts; attempt++ {
		client, retry, err := p.borrowOnce(ctx, spec)
		if err != nil {
			return nil, err
		}
		if client != nil {
			return client, nil
		}
		if !retry {
			break
		}
	}
	return nil, &UnreachableError{ClusterID: spec.ID, Err: errors.New("no healthy pooled connection")}
}

// borrowOnce performs a single borrow attempt. It returns a nil client with
// retry=true when a stale entry was evicted and the caller should try again.
func (p *Pool) borrowOnce(ctx context.Context, spec ClusterSpec) (client *Client, retry bool, err error) {
	now := p.now()

	// Expired idle entries pruned under the lock are closed after every
	// unlock path via this defer.
	var victims []*poolEntry
	defer func() {
		for _, v := range victims {
			v.client.Close()
			p.metrics.RecordEviction(ctx, "expired")
		}
	}()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, ErrPoolClosed
	}

	victims = p.pruneExpiredLocked(spec.ID, now)

	var entry *poolEntry
	for _, e := range p.entries[spec.ID] {
		if !e.inUse {
			entry = e
			break
		}
	}

	if entry != nil {
		entry.inUse = true
		healthDue := now.Sub(entry.lastHealth) >= p.config.HealthInterval
		breaker := p.breakerLocked(spec.ID)
		p.mu.Unlock()

		if !healthDue {
			p.metrics.RecordBorrow(ctx, spec.ID, true)
			return entry.client, false, nil
		}

		// Probe outside the lock so a slow cluster does not stall the pool.
		if err := p.probe(ctx, breaker, entry.client); err != nil {
			p.logger.Warn("Evicting unhealthy pooled connection",
				logging.ClusterID(spec.ID),
				logging.Err(err))
			p.metrics.RecordHealthFailure(ctx, spec.ID)
			p.removeEntry(ctx, spec.ID, entry, "unhealthy")
			return nil, true, nil
		}

		p.mu.Lock()
		entry.lastHealth = p.now()
		p.mu.Unlock()
		p.metrics.RecordBorrow(ctx, spec.ID, true)
		return entry.client, false, nil
	}

	// No idle connection; synthesize if capacity allows. In-flight
	// syntheses count against the limit.
	if len(p.entries[spec.ID])+p.pending[spec.ID] >= p.config.MaxPerCluster {
		p.mu.Unlock()
		return nil, false, &PoolExhaustedError{ClusterID: spec.ID, Limit: p.config.MaxPerCluster}
	}
	p.pending[spec.ID]++
	breaker := p.breakerLocked(spec.ID)
	p.mu.Unlock()

	created, err := p.synthesize(ctx, breaker, spec)

	p.mu.Lock()
	p.pending[spec.ID]--
	if err != nil {
		p.mu.Unlock()
		return nil, false, err
	}
	if p.closed {
		p.mu.Unlock()
		created.Close()
		return nil, false, ErrPoolClosed
	}

	now = p.now()
	p.entries[spec.ID] = append(p.entries[spec.ID], &poolEntry{
		client:     created,
		createdAt:  now,
		lastUsed:   now,
		lastHealth: now,
		inUse:      true,
	})
	size := p.sizeLocked()
	p.mu.Unlock()

	p.metrics.RecordBorrow(ctx, spec.ID, false)
	p.metrics.SetPoolSize(ctx, size)
	p.logger.Debug("Synthesized cluster connection",
		logging.ClusterID(spec.ID),
		logging.Host(logging.SanitizeHost(created.Host())))
	return created, false, nil
}

// Return hands a borrowed client back to the pool. If the entry was evicted
// or the pool closed while the client was out, the borrower's return is the
// last reference and the client is closed here.
func (p *Pool) Return(ctx context.Context, client *Client) {
	if client == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		client.Close()
		return
	}
	for _, e := range p.entries[client.ClusterID()] {
		if e.client == client {
			e.inUse = false
			e.lastUsed = p.now()
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	client.Close()
}

// EvictCluster drops every pooled connection for the given cluster, for use
// when its credentials change or it is deregistered. Connections currently
// borrowed are closed when returned.
func (p *Pool) EvictCluster(ctx context.Context, clusterID int64) int {
	p.mu.Lock()
	evicted := p.entries[clusterID]
	delete(p.entries, clusterID)
	delete(p.breakers, clusterID)
	size := p.sizeLocked()
	p.mu.Unlock()

	for _, e := range evicted {
		if !e.inUse {
			e.client.Close()
		}
		p.metrics.RecordEviction(ctx, "manual")
	}
	p.metrics.SetPoolSize(ctx, size)

	if len(evicted) > 0 {
		p.logger.Debug("Evicted cluster connections",
			logging.ClusterID(clusterID),
			"count", len(evicted))
	}
	return len(evicted)
}

// Sweep drops idle connections that have outlived their TTL across all
// clusters and returns the eviction count. Borrowed connections are skipped.
func (p *Pool) Sweep(ctx context.Context) int {
	now := p.now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	var victims []*poolEntry
	for id := range p.entries {
		victims = append(victims, p.pruneExpiredLocked(id, now)...)
	}
	size := p.sizeLocked()
	p.mu.Unlock()

	for _, v := range victims {
		v.client.Close()
		p.metrics.RecordEviction(ctx, "expired")
	}
	p.metrics.SetPoolSize(ctx, size)

	if len(victims) > 0 {
		p.logger.Debug("Swept expired cluster connections",
			"evicted", len(victims),
			"remaining", size)
	}
	return len(victims)
}

// Close shuts the pool down. Idle connections are closed immediately;
// borrowed ones are closed as they come back.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	all := p.entries
	p.entries = make(map[int64][]*poolEntry)
	p.breakers = make(map[int64]*gobreaker.CircuitBreaker)
	p.mu.Unlock()

	for _, list := range all {
		for _, e := range list {
			if !e.inUse {
				e.client.Close()
			}
		}
	}

	p.logger.Info("Connection pool closed")
	return nil
}

// ClusterPoolStats describes pool occupancy for one cluster.
type ClusterPoolStats struct {
	Total int `json:"total"`
	InUse int `json:"in_use"`
}

// PoolStats describes pool occupancy across all clusters.
type PoolStats struct {
	Clusters   int                        `json:"clusters"`
	Entries    int                        `json:"entries"`
	InUse      int                        `json:"in_use"`
	PerCluster map[int64]ClusterPoolStats `json:"per_cluster"`
}

// Stats returns current pool statistics for monitoring.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{PerCluster: make(map[int64]ClusterPoolStats, len(p.entries))}
	for id, list := range p.entries {
		if len(list) == 0 {
			continue
		}
		cs := ClusterPoolStats{Total: len(list)}
		for _, e := range list {
			if e.inUse {
				cs.InUse++
			}
		}
		stats.PerCluster[id] = cs
		stats.Clusters++
		stats.Entries += cs.Total
		stats.InUse += cs.InUse
	}
	return stats
}

// probe runs the health check behind the cluster's circuit breaker.
func (p *Pool) probe(ctx context.Context, breaker *gobreaker.CircuitBreaker, client *Client) error {
	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, p.health(ctx, client)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &UnreachableError{ClusterID: client.ClusterID(), Err: err}
	}
	return err
}

// synthesize creates and verifies a fresh client behind the circuit breaker.
func (p *Pool) synthesize(ctx context.Context, breaker *gobreaker.CircuitBreaker, spec ClusterSpec) (*Client, error) {
	result, err := breaker.Execute(func() (interface{}, error) {
		client, err := p.factory(spec)
		if err != nil {
			return nil, err
		}
		if err := p.health(ctx, client); err != nil {
			client.Close()
			return nil, err
		}
		return client, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &UnreachableError{ClusterID: spec.ID, Err: err}
		}
		if errors.Is(err, ErrInvalidClusterSpec) {
			return nil, err
		}
		return nil, WrapUpstream(spec.ID, err)
	}
	return result.(*Client), nil
}

// removeEntry unlinks a single entry and closes its client.
func (p *Pool) removeEntry(ctx context.Context, clusterID int64, entry *poolEntry, reason string) {
	p.mu.Lock()
	list := p.entries[clusterID]
	for i, e := range list {
		if e == entry {
			p.entries[clusterID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(p.entries[clusterID]) == 0 {
		delete(p.entries, clusterID)
	}
	size := p.sizeLocked()
	p.mu.Unlock()

	entry.client.Close()
	p.metrics.RecordEviction(ctx, reason)
	p.metrics.SetPoolSize(ctx, size)
}

// pruneExpiredLocked unlinks expired idle entries for one cluster and returns
// them for the caller to close outside the lock. Must be called with p.mu held.
func (p *Pool) pruneExpiredLocked(clusterID int64, now time.Time) []*poolEntry {
	list := p.entries[clusterID]
	var victims []*poolEntry
	kept := list[:0]
	for _, e := range list {
		if !e.inUse && e.isExpired(now, p.config.ConnTTL) {
			victims = append(victims, e)
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(p.entries, clusterID)
	} else {
		p.entries[clusterID] = kept
	}
	return victims
}

// breakerLocked returns the cluster's circuit breaker, creating it on first
// use. Must be called with p.mu held.
func (p *Pool) breakerLocked(clusterID int64) *gobreaker.CircuitBreaker {
	if cb, ok := p.breakers[clusterID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("cluster-%d", clusterID),
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("Cluster circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	p.breakers[clusterID] = cb
	return cb
}

// sizeLocked returns the total entry count. Must be called with p.mu held.
func (p *Pool) sizeLocked() int {
	total := 0
	for _, list := range p.entries {
		total += len(list)
	}
	return total
}
