// Package metrics keeps cheap in-process request statistics for the
// monitoring endpoints: a fixed ring of recent request latencies plus
// counters by status and route. This is deliberately separate from the
// OpenTelemetry instrumentation — it answers "how is this process doing
// right now" without any collector in the path.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultRingSize is how many recent request latencies the recorder keeps.
const DefaultRingSize = 2000

// topRouteCount bounds how many (method, route) counters a snapshot reports.
const topRouteCount = 20

// Recorder accumulates request statistics. All methods are safe for
// concurrent use.
type Recorder struct {
	mu        sync.Mutex
	startedAt time.Time
	now       func() time.Time

	ring     []time.Duration
	ringNext int
	ringLen  int

	total    int64
	byStatus map[int]int64
	byRoute  map[string]int64

	providers map[string]func() any
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithRingSize overrides the latency ring capacity.
func WithRingSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.ring = make([]time.Duration, n)
		}
	}
}

// withRecorderClock replaces the time source in tests.
func withRecorderClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

// NewRecorder creates an empty Recorder; uptime counts from now.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		now:       time.Now,
		ring:      make([]time.Duration, DefaultRingSize),
		byStatus:  make(map[int]int64),
		byRoute:   make(map[string]int64),
		providers: make(map[string]func() any),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.startedAt = r.now()
	return r
}

// RecordRequest adds one completed request. The route should be the chi
// route template, not the raw path, so cardinality stays bounded.
func (r *Recorder) RecordRequest(method, route string, status int, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	r.byStatus[status]++
	r.byRoute[method+" "+route]++

	r.ring[r.ringNext] = duration
	r.ringNext = (r.ringNext + 1) % len(r.ring)
	if r.ringLen < len(r.ring) {
		r.ringLen++
	}
}

// RegisterProvider attaches a named stats source, e.g. the client pool or
// the WebSocket hub. The function is called on demand by the monitoring
// endpoints.
func (r *Recorder) RegisterProvider(name string, fn func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = fn
}

// ProviderSnapshot invokes one registered stats source.
func (r *Recorder) ProviderSnapshot(name string) (any, bool) {
	r.mu.Lock()
	fn, ok := r.providers[name]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return fn(), true
}

// RouteCount is one (method, route) counter in a snapshot.
type RouteCount struct {
	Route string `json:"route"`
	Count int64  `json:"count"`
}

// LatencySummary describes the latency ring at snapshot time.
type LatencySummary struct {
	SampleCount int     `json:"sample_count"`
	AvgMS       float64 `json:"avg_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
}

// Snapshot is the monitoring view of the recorder.
type Snapshot struct {
	UptimeSeconds float64          `json:"uptime_seconds"`
	TotalRequests int64            `json:"total_requests"`
	ByStatus      map[string]int64 `json:"requests_by_status"`
	TopRoutes     []RouteCount     `json:"top_routes"`
	Latency       LatencySummary   `json:"latency"`
}

// Snapshot computes the current statistics. The latency summary covers at
// most the last ring-size requests.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()

	snap := Snapshot{
		UptimeSeconds: r.now().Sub(r.startedAt).Seconds(),
		TotalRequests: r.total,
		ByStatus:      make(map[string]int64, len(r.byStatus)),
	}
	for status, count := range r.byStatus {
		snap.ByStatus[fmt.Sprintf("%d", status)] = count
	}

	routes := make([]RouteCount, 0, len(r.byRoute))
	for route, count := range r.byRoute {
		routes = append(routes, RouteCount{Route: route, Count: count})
	}

	samples := make([]time.Duration, r.ringLen)
	copy(samples, r.ring[:r.ringLen])
	r.mu.Unlock()

	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Count != routes[j].Count {
			return routes[i].Count > routes[j].Count
		}
		return routes[i].Route < routes[j].Route
	})
	if len(routes) > topRouteCount {
		routes = routes[:topRouteCount]
	}
	snap.TopRoutes = routes
	snap.Latency = summarize(samples)
	return snap
}

// summarize computes avg, p95 and max over the collected samples.
func summarize(samples []time.Duration) LatencySummary {
	if len(samples) == 0 {
		return LatencySummary{}
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	// Nearest-rank percentile: the smallest sample covering 95% of requests.
	rank := (95*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}

	return LatencySummary{
		SampleCount: len(sorted),
		AvgMS:       float64(sum.Microseconds()) / float64(len(sorted)) / 1000.0,
		P95MS:       float64(sorted[rank-1].Microseconds()) / 1000.0,
		MaxMS:       float64(sorted[len(sorted)-1].Microseconds()) / 1000.0,
	}
}
