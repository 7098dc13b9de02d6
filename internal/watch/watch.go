// Package watch runs the per-cluster resource watchers that feed live
// updates into the WebSocket hub. Each active cluster holds one dedicated
// pooled client carrying four upstream watch streams: pods, deployments,
// jobs and services.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	k8swatch "k8s.io/apimachinery/pkg/watch"

	"github.com/giantswarm/kubedeck/internal/hub"
	"github.com/giantswarm/kubedeck/internal/kube"
	"github.com/giantswarm/kubedeck/internal/logging"
	"github.com/giantswarm/kubedeck/internal/snapshot"
)

// watchedKinds names the resource kinds every cluster watcher streams.
var watchedKinds = []string{"pods", "deployments", "jobs", "services"}

// startWorkers bounds how many cluster watchers may be starting up at once.
// Activating a cluster enqueues the start and returns immediately.
const startWorkers = 2

// ErrManagerClosed is returned by Start after StopAll.
var ErrManagerClosed = errors.New("watch manager closed")

// ClientSource lends dedicated cluster clients. Satisfied by *kube.Pool.
type ClientSource interface {
	Borrow(ctx context.Context, spec kube.ClusterSpec) (*kube.Client, error)
	Return(ctx context.Context, client *kube.Client)
}

// Publisher fans resource events out to connected clients. Satisfied by
// *hub.Hub.
type Publisher interface {
	Publish(ctx context.Context, ev hub.ResourceEvent) int
}

// clusterWatcher is the per-cluster record: one cancel scope covering the
// borrowed client and all four streams.
type clusterWatcher struct {
	clusterID int64
	cancel    context.CancelFunc

	// done closes when the run loop has ended and the client is back in
	// the pool.
	done chan struct{}
}

// Manager supervises one watcher per active cluster.
//
// Start is idempotent and asynchronous: the caller gets control back
// immediately while the startup (client borrow plus stream establishment)
// runs on a bounded worker pool. A stream that fails mid-flight is logged
// and terminated without restart; operators recover by toggling the cluster
// active flag.
type Manager struct {
	mu       sync.Mutex
	watchers map[int64]*clusterWatcher
	closed   bool

	pool      ClientSource
	publisher Publisher
	logger    *slog.Logger

	startSem chan struct{}

	// Clock abstraction for testing
	now func() time.Time
}

// Option is a functional option for configuring the Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// withClock sets the clock function for testing.
func withClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a watch manager publishing through the given hub.
func NewManager(pool ClientSource, publisher Publisher, opts ...Option) *Manager {
	m := &Manager{
		watchers:  make(map[int64]*clusterWatcher),
		pool:      pool,
		publisher: publisher,
		logger:    slog.Default(),
		startSem:  make(chan struct{}, startWorkers),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the watcher for a cluster. Starting a cluster that already
// has one is a no-op. The actual startup happens off the calling goroutine.
func (m *Manager) Start(spec kube.ClusterSpec) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if _, exists := m.watchers[spec.ID]; exists {
		m.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &clusterWatcher{
		clusterID: spec.ID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.watchers[spec.ID] = w
	m.mu.Unlock()

	go m.run(ctx, w, spec)
	return nil
}

// Stop tears the cluster's watcher down and waits until its streams have
// ended and the client is returned. Stopping an unknown cluster is a no-op.
func (m *Manager) Stop(clusterID int64) {
	m.mu.Lock()
	w, ok := m.watchers[clusterID]
	if ok {
		delete(m.watchers, clusterID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	w.cancel()
	<-w.done
}

// StopAll stops every watcher and refuses further starts. Invoked at process
// shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	m.closed = true
	stopped := make([]*clusterWatcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		stopped = append(stopped, w)
	}
	m.watchers = make(map[int64]*clusterWatcher)
	m.mu.Unlock()

	for _, w := range stopped {
		w.cancel()
	}
	for _, w := range stopped {
		<-w.done
	}

	if len(stopped) > 0 {
		m.logger.Info("Stopped all cluster watchers", "count", len(stopped))
	}
}

// Watching reports whether the cluster currently has a watcher record.
func (m *Manager) Watching(clusterID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watchers[clusterID]
	return ok
}

// Count returns the number of clusters currently being watched.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

// run borrows the dedicated client, opens the four streams and consumes them
// until the watcher is stopped or every stream has ended.
func (m *Manager) run(ctx context.Context, w *clusterWatcher, spec kube.ClusterSpec) {
	defer close(w.done)
	defer m.unregister(spec.ID, w)

	// Bounded startup window.
	select {
	case m.startSem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	released := false
	release := func() {
		if !released {
			released = true
			<-m.startSem
		}
	}
	defer release()

	client, err := m.pool.Borrow(ctx, spec)
	if err != nil {
		m.logger.Error("Failed to borrow client for cluster watcher",
			logging.ClusterID(spec.ID),
			logging.Err(err))
		return
	}
	// The stream holds the client for the watcher's lifetime; hand it back
	// on a fresh context because ctx is already canceled on the stop path.
	defer m.pool.Return(context.Background(), client)

	dyn, err := client.Dynamic()
	if err != nil {
		m.logger.Error("Failed to build dynamic client for cluster watcher",
			logging.ClusterID(spec.ID),
			logging.Err(err))
		return
	}

	var streams sync.WaitGroup
	opened := 0
	for _, kindName := range watchedKinds {
		kind, ok := kube.LookupKind(kindName)
		if !ok {
			continue
		}
		stream, err := dyn.Resource(kind.GVR).Watch(ctx, metav1.ListOptions{})
		if err != nil {
			// That stream only; the remaining kinds still get theirs.
			m.logger.Error("Failed to open watch stream",
				logging.ClusterID(spec.ID),
				logging.ResourceType(kind.Name),
				logging.Err(err))
			continue
		}
		opened++
		streams.Add(1)
		go func() {
			defer streams.Done()
			m.consume(ctx, spec.ID, kind, stream)
		}()
	}
	release()

	if opened == 0 {
		m.logger.Error("Cluster watcher has no streams, giving up",
			logging.ClusterID(spec.ID))
		return
	}
	m.logger.Info("Cluster watcher started",
		logging.ClusterID(spec.ID),
		"streams", opened)

	streams.Wait()
	m.logger.Info("Cluster watcher stopped",
		logging.ClusterID(spec.ID))
}

// consume drains one upstream stream until it ends or the watcher stops.
// A closed or erroring stream terminates quietly; it is not restarted within
// the same activation.
func (m *Manager) consume(ctx context.Context, clusterID int64, kind kube.Kind, stream k8swatch.Interface) {
	defer stream.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream.ResultChan():
			if !ok {
				m.logger.Warn("Watch stream closed upstream",
					logging.ClusterID(clusterID),
					logging.ResourceType(kind.Name))
				return
			}
			if err := m.handleEvent(ctx, clusterID, kind, ev); err != nil {
				m.logger.Warn("Watch stream terminated",
					logging.ClusterID(clusterID),
					logging.ResourceType(kind.Name),
					logging.Err(err))
				return
			}
		}
	}
}

// handleEvent publishes one upstream event. A non-nil error terminates the
// stream.
func (m *Manager) handleEvent(ctx context.Context, clusterID int64, kind kube.Kind, ev k8swatch.Event) error {
	switch ev.Type {
	case k8swatch.Added, k8swatch.Modified, k8swatch.Deleted:
	case k8swatch.Error:
		return fmt.Errorf("upstream error event: %v", ev.Object)
	default:
		// Bookmarks carry no resource payload.
		return nil
	}

	obj, ok := ev.Object.(*unstructured.Unstructured)
	if !ok {
		return nil
	}

	data := snapshot.Summarize(kind.Name, obj, m.now())
	data["event_type"] = string(ev.Type)

	m.publisher.Publish(ctx, hub.ResourceEvent{
		ResourceType: kind.Name,
		ClusterID:    clusterID,
		Namespace:    obj.GetNamespace(),
		Data:         data,
	})
	return nil
}

// unregister drops the record if it still belongs to this watcher. A Stop
// that already removed it wins.
func (m *Manager) unregister(clusterID int64, w *clusterWatcher) {
	m.mu.Lock()
	if cur, ok := m.watchers[clusterID]; ok && cur == w {
		delete(m.watchers, clusterID)
	}
	m.mu.Unlock()
}
