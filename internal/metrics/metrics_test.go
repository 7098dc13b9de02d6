package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	r := NewRecorder()

	r.RecordRequest("GET", "/api/clusters", 200, 10*time.Millisecond)
	r.RecordRequest("GET", "/api/clusters", 200, 20*time.Millisecond)
	r.RecordRequest("POST", "/api/clusters", 201, 30*time.Millisecond)
	r.RecordRequest("GET", "/api/clusters/{id}/pods", 502, 40*time.Millisecond)

	snap := r.Snapshot()
	assert.Equal(t, int64(4), snap.TotalRequests)
	assert.Equal(t, int64(2), snap.ByStatus["200"])
	assert.Equal(t, int64(1), snap.ByStatus["201"])
	assert.Equal(t, int64(1), snap.ByStatus["502"])

	require.NotEmpty(t, snap.TopRoutes)
	assert.Equal(t, "GET /api/clusters", snap.TopRoutes[0].Route)
	assert.Equal(t, int64(2), snap.TopRoutes[0].Count)
}

func TestRecorderLatencySummary(t *testing.T) {
	r := NewRecorder()

	// 1..100 ms: avg 50.5, p95 95, max 100.
	for i := 1; i <= 100; i++ {
		r.RecordRequest("GET", "/api/x", 200, time.Duration(i)*time.Millisecond)
	}

	lat := r.Snapshot().Latency
	assert.Equal(t, 100, lat.SampleCount)
	assert.InDelta(t, 50.5, lat.AvgMS, 0.01)
	assert.InDelta(t, 95.0, lat.P95MS, 0.01)
	assert.InDelta(t, 100.0, lat.MaxMS, 0.01)
}

func TestRecorderRingEvictsOldest(t *testing.T) {
	r := NewRecorder(WithRingSize(4))

	// These four fall out of the ring once four more arrive.
	for i := 0; i < 4; i++ {
		r.RecordRequest("GET", "/api/x", 200, time.Hour)
	}
	for i := 0; i < 4; i++ {
		r.RecordRequest("GET", "/api/x", 200, 10*time.Millisecond)
	}

	snap := r.Snapshot()
	assert.Equal(t, int64(8), snap.TotalRequests, "counters are not ring-bounded")
	assert.Equal(t, 4, snap.Latency.SampleCount)
	assert.InDelta(t, 10.0, snap.Latency.MaxMS, 0.01)
}

func TestRecorderUptime(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewRecorder(withRecorderClock(func() time.Time { return clock }))

	clock = clock.Add(90 * time.Second)
	assert.InDelta(t, 90.0, r.Snapshot().UptimeSeconds, 0.01)
}

func TestRecorderEmptySnapshot(t *testing.T) {
	snap := NewRecorder().Snapshot()
	assert.Zero(t, snap.TotalRequests)
	assert.Empty(t, snap.TopRoutes)
	assert.Zero(t, snap.Latency.SampleCount)
	assert.Zero(t, snap.Latency.P95MS)
}

func TestRecorderTopRoutesBounded(t *testing.T) {
	r := NewRecorder()
	for i := 0; i < 50; i++ {
		r.RecordRequest("GET", "/api/route-"+string(rune('a'+i%26))+string(rune('a'+i/26)), 200, time.Millisecond)
	}

	snap := r.Snapshot()
	assert.LessOrEqual(t, len(snap.TopRoutes), topRouteCount)
}

func TestRecorderProviders(t *testing.T) {
	r := NewRecorder()

	type poolView struct{ Entries int }
	r.RegisterProvider("pool", func() any { return poolView{Entries: 3} })

	got, ok := r.ProviderSnapshot("pool")
	require.True(t, ok)
	assert.Equal(t, poolView{Entries: 3}, got)

	_, ok = r.ProviderSnapshot("missing")
	assert.False(t, ok)
}

func TestRecorderConcurrentUse(t *testing.T) {
	r := NewRecorder(WithRingSize(64))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.RecordRequest("GET", "/api/clusters", 200, time.Millisecond)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(800), r.Snapshot().TotalRequests)
}
