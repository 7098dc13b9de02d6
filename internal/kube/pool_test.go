package kube

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockPoolMetrics tracks pool metrics for testing.
type mockPoolMetrics struct {
	mu             sync.Mutex
	borrowsFresh   int
	borrowsReused  int
	evictions      map[string]int
	healthFailures int
	sizeUpdates    []int
}

func newMockPoolMetrics() *mockPoolMetrics {
	return &mockPoolMetrics{evictions: make(map[string]int)}
}

func (m *mockPoolMetrics) RecordBorrow(_ context.Context, _ int64, reused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reused {
		m.borrowsReused++
	} else {
		m.borrowsFresh++
	}
}

func (m *mockPoolMetrics) RecordEviction(_ context.Context, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictions[reason]++
}

func (m *mockPoolMetrics) RecordHealthFailure(_ context.Context, _ int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthFailures++
}

func (m *mockPoolMetrics) SetPoolSize(_ context.Context, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizeUpdates = append(m.sizeUpdates, size)
}

func (m *mockPoolMetrics) getEvictions(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictions[reason]
}

func (m *mockPoolMetrics) getHealthFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthFailures
}

// fakeClock is a mutable clock for driving TTL and health-interval logic.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingFactory synthesizes bare client handles and counts attempts. When
// caDir is set, every client gets a real temp file so tests can observe Close.
type countingFactory struct {
	mu       sync.Mutex
	attempts int
	created  int
	fail     error
	caDir    string
}

func (f *countingFactory) make(spec ClusterSpec) (*Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.fail != nil {
		return nil, f.fail
	}
	c := &Client{clusterID: spec.ID, name: spec.Name, host: "https://10.0.0.1:6443"}
	if f.caDir != "" {
		file, err := os.CreateTemp(f.caDir, "ca-*.crt")
		if err != nil {
			return nil, err
		}
		file.Close()
		c.caFile = file.Name()
	}
	f.created++
	return c, nil
}

func (f *countingFactory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func (f *countingFactory) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func healthAlwaysOK(context.Context, *Client) error { return nil }

var testPoolSpec = ClusterSpec{
	ID:              1,
	Name:            "alpha",
	AuthMode:        AuthBearer,
	Endpoint:        "https://10.0.0.1:6443",
	BearerToken:     "tok",
	InsecureSkipTLS: true,
}

func newTestPool(t *testing.T, clock *fakeClock, factory *countingFactory, opts ...PoolOption) *Pool {
	t.Helper()
	base := []PoolOption{
		WithPoolLogger(quietLogger()),
		withPoolClock(clock.Now),
		withPoolFactory(factory.make),
		withPoolHealthCheck(healthAlwaysOK),
	}
	pool := NewPool(append(base, opts...)...)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestPoolBorrowReusesReturnedConnection(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	factory := &countingFactory{}
	pool := newTestPool(t, clock, factory)

	first, err := pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)
	pool.Return(ctx, first)

	second, err := pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, factory.createdCount())
}

func TestPoolBorrowIsExclusive(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	factory := &countingFactory{}
	pool := newTestPool(t, clock, factory)

	first, err := pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)
	second, err := pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)

	// Without a Return in between, the second borrow must get its own handle.
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, factory.createdCount())

	stats := pool.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, 2, stats.InUse)
}

func TestPoolCapacityLimit(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	factory := &countingFactory{}
	cfg := DefaultPoolConfig()
	cfg.MaxPerCluster = 2
	pool := newTestPool(t, clock, factory, WithPoolConfig(cfg))

	first, err := pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)
	_, err = pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)

	_, err = pool.Borrow(ctx, testPoolSpec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPoolExhausted))

	var exhausted *PoolExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, int64(1), exhausted.ClusterID)
	assert.Equal(t, 2, exhausted.Limit)

	// Returning a handle frees capacity again.
	pool.Return(ctx, first)
	reused, err := pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)
	assert.Same(t, first, reused)
	assert.Equal(t, 2, factory.createdCount())
}

func TestPoolPendingSynthesisCountsTowardCapacity(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cfg := DefaultPoolConfig()
	cfg.MaxPerCluster = 1

	release := make(chan struct{})
	blockingFactory := func(spec ClusterSpec) (*Client, error) {
		<-release
		return &Client{clusterID: spec.ID, name: spec.Name}, nil
	}

	pool := NewPool(
		WithPoolLogger(quietLogger()),
		WithPoolConfig(cfg),
		withPoolClock(clock.Now),
		withPoolFactory(blockingFactory),
		withPoolHealthCheck(healthAlwaysOK),
	)
	defer pool.Close()

	var (
		wg       sync.WaitGroup
		borrowed *Client
		firstErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		borrowed, firstErr = pool.Borrow(ctx, testPoolSpec)
	}()

	// Wait until the first borrow has reserved its synthesis slot.
	require.Eventually(t, func() bool {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		return pool.pending[testPoolSpec.ID] == 1
	}, time.Second, time.Millisecond)

	_, err := pool.Borrow(ctx, testPoolSpec)
	assert.True(t, errors.Is(err, ErrPoolExhausted))

	close(release)
	wg.Wait()
	require.NoError(t, firstErr)
	require.NotNil(t, borrowed)
}

func TestPoolEvictsStaleConnectionOnBorrow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	factory := &countingFactory{caDir: t.TempDir()}
	metrics := newMockPoolMetrics()

	unhealthy := make(map[*Client]bool)
	probe := func(_ context.Context, c *Client) error {
		if unhealthy[c] {
			return errors.New("the server is currently unable to handle the request")
		}
		return nil
	}

	pool := NewPool(
		WithPoolLogger(quietLogger()),
		WithPoolMetrics(metrics),
		withPoolClock(clock.Now),
		withPoolFactory(factory.make),
		withPoolHealthCheck(probe),
	)
	defer pool.Close()

	first, err := pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)
	pool.Return(ctx, first)

	// The connection goes stale while idle; the next borrow probes it,
	// evicts it and hands out a fresh one.
	unhealthy[first] = true
	clock.Advance(61 * time.Second)

	second, err := pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, factory.createdCount())

	assert.Equal(t, 1, metrics.getHealthFailures())
	assert.Equal(t, 1, metrics.getEvictions("unhealthy"))

	// Eviction closed the stale handle and removed its CA temp file.
	_, statErr := os.Stat(first.caFile)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(second.caFile)
	assert.NoError(t, statErr)
}

func TestPoolHealthProbeSkippedWhenFresh(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	factory := &countingFactory{}

	probes := 0
	probe := func(context.Context, *Client) error {
		probes++
		return nil
	}

	pool := NewPool(
		WithPoolLogger(quietLogger()),
		withPoolClock(clock.Now),
		withPoolFactory(factory.make),
		withPoolHealthCheck(probe),
	)
	defer pool.Close()

	first, err := pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)
	pool.Return(ctx, first)
	require.Equal(t, 1, probes, "synthesis verifies the fresh connection")

	// Within the health interval the pooled connection is trusted.
	clock.Advance(10 * time.Second)
	_, err = pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)
	assert.Equal(t, 1, probes)
}

func TestPoolBorrowRecyclesExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	factory := &countingFactory{caDir: t.TempDir()}
	metrics := newMockPoolMetrics()

	pool := NewPool(
		WithPoolLogger(quietLogger()),
		WithPoolMetrics(metrics),
		withPoolClock(clock.Now),
		withPoolFactory(factory.make),
		withPoolHealthCheck(healthAlwaysOK),
	)
	defer pool.Close()

	first, err := pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)
	pool.Return(ctx, first)

	// Recent use does not stretch the lifetime: the entry is touched at
	// 20 minutes yet still recycled once its age passes the TTL.
	clock.Advance(20 * time.Minute)
	again, err := pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)
	assert.Same(t, first, again)
	pool.Return(ctx, again)

	clock.Advance(11 * time.Minute)

	second, err := pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, factory.createdCount())
	assert.Equal(t, 1, metrics.getEvictions("expired"))

	_, statErr := os.Stat(first.caFile)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPoolSweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	factory := &countingFactory{caDir: t.TempDir()}
	pool := newTestPool(t, clock, factory)

	idle, err := pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)
	pool.Return(ctx, idle)

	clock.Advance(31 * time.Minute)

	held, err := pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)
	assert.NotSame(t, idle, held, "expired idle entry must not be reused")

	clock.Advance(31 * time.Minute)

	// The held connection has outlived its TTL but is borrowed, so the
	// sweep must leave it alone.
	assert.Equal(t, 0, pool.Sweep(ctx))
	stats := pool.Stats()
	assert.Equal(t, 1, stats.Entries)

	pool.Return(ctx, held)
	assert.Equal(t, 1, pool.Sweep(ctx))
	assert.Equal(t, 0, pool.Stats().Entries)

	_, statErr := os.Stat(held.caFile)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPoolEvictCluster(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	factory := &countingFactory{}
	pool := newTestPool(t, clock, factory)

	specB := testPoolSpec
	specB.ID = 2
	specB.Name = "bravo"

	a, err := pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)
	pool.Return(ctx, a)
	b, err := pool.Borrow(ctx, specB)
	require.NoError(t, err)
	pool.Return(ctx, b)

	assert.Equal(t, 1, pool.EvictCluster(ctx, testPoolSpec.ID))

	stats := pool.Stats()
	assert.Equal(t, 1, stats.Clusters)
	assert.Contains(t, stats.PerCluster, specB.ID)
	assert.NotContains(t, stats.PerCluster, testPoolSpec.ID)

	// The evicted cluster synthesizes from scratch on the next borrow.
	_, err = pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)
	assert.Equal(t, 3, factory.createdCount())
}

func TestPoolReturnAfterEvictClosesClient(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	factory := &countingFactory{caDir: t.TempDir()}
	pool := newTestPool(t, clock, factory)

	client, err := pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)

	assert.Equal(t, 1, pool.EvictCluster(ctx, testPoolSpec.ID))

	// The handle stays usable until the borrower returns it; only then is
	// it closed.
	_, statErr := os.Stat(client.caFile)
	require.NoError(t, statErr)

	pool.Return(ctx, client)
	_, statErr = os.Stat(client.caFile)
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, 0, pool.Stats().Entries)
}

func TestPoolClose(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	factory := &countingFactory{caDir: t.TempDir()}
	pool := NewPool(
		WithPoolLogger(quietLogger()),
		withPoolClock(clock.Now),
		withPoolFactory(factory.make),
		withPoolHealthCheck(healthAlwaysOK),
	)

	idle, err := pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)
	held, err := pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)
	require.NotSame(t, idle, held)
	pool.Return(ctx, idle)

	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())

	_, err = pool.Borrow(ctx, testPoolSpec)
	assert.True(t, errors.Is(err, ErrPoolClosed))

	// Idle entries were closed at shutdown; the held one closes on return.
	_, statErr := os.Stat(idle.caFile)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(held.caFile)
	require.NoError(t, statErr)

	pool.Return(ctx, held)
	_, statErr = os.Stat(held.caFile)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPoolCircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	factory := &countingFactory{fail: errors.New("dial tcp 10.0.0.1:6443: connection refused")}
	pool := newTestPool(t, clock, factory)

	for i := 0; i < breakerFailureThreshold; i++ {
		_, err := pool.Borrow(ctx, testPoolSpec)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUpstreamUnreachable))
	}
	require.Equal(t, breakerFailureThreshold, factory.attemptCount())

	// The breaker is open now: borrows fail fast without hitting the factory.
	_, err := pool.Borrow(ctx, testPoolSpec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstreamUnreachable))
	assert.Equal(t, breakerFailureThreshold, factory.attemptCount())
}

func TestPoolStats(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	factory := &countingFactory{}
	pool := newTestPool(t, clock, factory)

	specB := testPoolSpec
	specB.ID = 2

	a1, err := pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)
	_, err = pool.Borrow(ctx, testPoolSpec)
	require.NoError(t, err)
	_, err = pool.Borrow(ctx, specB)
	require.NoError(t, err)
	pool.Return(ctx, a1)

	stats := pool.Stats()
	assert.Equal(t, 2, stats.Clusters)
	assert.Equal(t, 3, stats.Entries)
	assert.Equal(t, 2, stats.InUse)
	assert.Equal(t, ClusterPoolStats{Total: 2, InUse: 1}, stats.PerCluster[testPoolSpec.ID])
	assert.Equal(t, ClusterPoolStats{Total: 1, InUse: 1}, stats.PerCluster[specB.ID])
}
