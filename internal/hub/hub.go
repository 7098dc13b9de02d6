package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/kubedeck/internal/logging"
)

// Config holds configuration options for the hub.
type Config struct {
	// MaxConnections bounds the number of registered connections. Accept
	// closes surplus sockets with close code 1013 (try again later).
	//
	// Default: 1000.
	MaxConnections int

	// HeartbeatInterval is how often the hub pings every live connection.
	// Connections silent for twice this interval are disconnected.
	//
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// WriteTimeout bounds every single frame write. A slow client fails
	// its own write and is disconnected; it never stalls a broadcast.
	//
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// SendWindow bounds how many sends a broadcast keeps in flight.
	//
	// Default: 50.
	SendWindow int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:    1000,
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
		SendWindow:        50,
	}
}

// ErrHubFull is returned by Accept when the connection limit is reached.
var ErrHubFull = errors.New("hub: connection limit reached")

// ErrHubClosed is returned by Accept after Close.
var ErrHubClosed = errors.New("hub: closed")

type namespaceKey struct {
	ClusterID int64
	Namespace string
}

type kindKey struct {
	ClusterID int64
	Kind      string
}

// Hub is the WebSocket connection registry and room-based fan-out.
//
// Rooms come in three kinds: per cluster, per (cluster, namespace) and per
// (cluster, resource kind). A connection holds at most one membership of
// each kind; joining a second room of the same kind moves it. Rooms
// materialize on first join and are deleted when their last member leaves.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	clusterRooms   map[int64]map[string]*Conn
	namespaceRooms map[namespaceKey]map[string]*Conn
	kindRooms      map[kindKey]map[string]*Conn

	config Config
	logger *slog.Logger

	delivered atomic.Int64
	dropped   atomic.Int64

	closed bool

	// Clock abstraction for testing
	now func() time.Time
}

// Option is a functional option for configuring the Hub.
type Option func(*Hub)

// WithConfig sets the hub configuration.
func WithConfig(config Config) Option {
	return func(h *Hub) {
		h.config = config
	}
}

// WithLogger sets the logger for the hub.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// withClock sets the clock function for testing.
func withClock(now func() time.Time) Option {
	return func(h *Hub) {
		h.now = now
	}
}

// New creates a new hub with the provided options.
func New(opts ...Option) *Hub {
	h := &Hub{
		conns:          make(map[string]*Conn),
		clusterRooms:   make(map[int64]map[string]*Conn),
		namespaceRooms: make(map[namespaceKey]map[string]*Conn),
		kindRooms:      make(map[kindKey]map[string]*Conn),
		config:         DefaultConfig(),
		logger:         slog.Default(),
		now:            time.Now,
	}

	for _, opt := range opts {
		opt(h)
	}

	// Validate configuration
	if h.config.MaxConnections <= 0 {
		h.config.MaxConnections = DefaultConfig().MaxConnections
	}
	if h.config.HeartbeatInterval <= 0 {
		h.config.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if h.config.WriteTimeout <= 0 {
		h.config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if h.config.SendWindow <= 0 {
		h.config.SendWindow = DefaultConfig().SendWindow
	}

	return h
}

// Accept registers an upgraded socket. At capacity the socket is closed with
// close code 1013 and ErrHubFull is returned; otherwise the connection is
// registered and greeted with a status frame.
func (h *Hub) Accept(sock *websocket.Conn, userID int64) (*Conn, error) {
	now := h.now()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sock.Close()
		return nil, ErrHubClosed
	}
	if len(h.conns) >= h.config.MaxConnections {
		h.mu.Unlock()
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "try again later")
		_ = sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.config.WriteTimeout))
		sock.Close()
		h.logger.Warn("WebSocket connection rejected at capacity",
			"limit", h.config.MaxConnections)
		return nil, ErrHubFull
	}

	conn := &Conn{
		ID:          uuid.NewString(),
		UserID:      userID,
		sock:        sock,
		connectedAt: now,
	}
	conn.touch(now)
	h.conns[conn.ID] = conn
	active := len(h.conns)
	h.mu.Unlock()

	if err := conn.writeFrame(statusFrame(), h.config.WriteTimeout); err != nil {
		h.Disconnect(conn)
		return nil, err
	}

	h.logger.Debug("WebSocket connected",
		logging.Connection(conn.ID),
		logging.UserID(userID),
		"active", active)
	return conn, nil
}

// Serve runs the read loop for a registered connection until the socket
// drops or the context is canceled, then disconnects it. Every inbound frame
// refreshes the heartbeat; recognized actions manage room membership.
func (h *Hub) Serve(ctx context.Context, conn *Conn) {
	defer h.Disconnect(conn)

	stop := context.AfterFunc(ctx, func() {
		h.Disconnect(conn)
	})
	defer stop()

	for {
		_, payload, err := conn.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("WebSocket read failed",
					logging.Connection(conn.ID),
					logging.Err(err))
			}
			return
		}
		conn.touch(h.now())

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.send(conn, errorFrame("malformed message"))
			continue
		}
		h.dispatch(conn, msg)
	}
}

// dispatch applies one client action.
func (h *Hub) dispatch(conn *Conn, msg clientMessage) {
	switch msg.Action {
	case ActionJoinCluster:
		h.JoinCluster(conn, msg.ClusterID)
	case ActionLeaveCluster:
		h.LeaveCluster(conn, msg.ClusterID)
	case ActionJoinNamespace:
		h.JoinNamespace(conn, msg.ClusterID, msg.Namespace)
	case ActionLeaveNamespace:
		h.LeaveNamespace(conn, msg.ClusterID, msg.Namespace)
	case ActionJoinKind:
		h.JoinKind(conn, msg.ClusterID, msg.ResourceType)
	case ActionLeaveKind:
		h.LeaveKind(conn, msg.ClusterID, msg.ResourceType)
	case ActionPing:
		h.send(conn, Frame{Type: FramePong})
	case ActionPong:
		// Heartbeat already refreshed by the read loop.
	default:
		h.send(conn, errorFrame("unknown action: "+msg.Action))
	}
}

// JoinCluster adds the connection to the cluster room, leaving any cluster
// room it was in before.
func (h *Hub) JoinCluster(conn *Conn, clusterID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, live := h.conns[conn.ID]; !live {
		return
	}
	if conn.clusterRoom != nil {
		if *conn.clusterRoom == clusterID {
			return
		}
		h.leaveClusterLocked(conn)
	}
	room, ok := h.clusterRooms[clusterID]
	if !ok {
		room = make(map[string]*Conn)
		h.clusterRooms[clusterID] = room
	}
	room[conn.ID] = conn
	conn.clusterRoom = &clusterID
}

// LeaveCluster removes the connection from the cluster room. Leaving a room
// the connection is not in is a no-op.
func (h *Hub) LeaveCluster(conn *Conn, clusterID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conn.clusterRoom == nil || *conn.clusterRoom != clusterID {
		return
	}
	h.leaveClusterLocked(conn)
}

// JoinNamespace adds the connection to the (cluster, namespace) room,
// leaving any namespace room it was in before.
func (h *Hub) JoinNamespace(conn *Conn, clusterID int64, namespace string) {
	key := namespaceKey{ClusterID: clusterID, Namespace: namespace}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, live := h.conns[conn.ID]; !live {
		return
	}
	if conn.namespaceRoom != nil {
		if *conn.namespaceRoom == key {
			return
		}
		h.leaveNamespaceLocked(conn)
	}
	room, ok := h.namespaceRooms[key]
	if !ok {
		room = make(map[string]*Conn)
		h.namespaceRooms[key] = room
	}
	room[conn.ID] = conn
	conn.namespaceRoom = &key
}

// LeaveNamespace removes the connection from the (cluster, namespace) room.
func (h *Hub) LeaveNamespace(conn *Conn, clusterID int64, namespace string) {
	key := namespaceKey{ClusterID: clusterID, Namespace: namespace}

	h.mu.Lock()
	defer h.mu.Unlock()

	if conn.namespaceRoom == nil || *conn.namespaceRoom != key {
		return
	}
	h.leaveNamespaceLocked(conn)
}

// JoinKind adds the connection to the (cluster, resource kind) room, leaving
// any kind room it was in before.
func (h *Hub) JoinKind(conn *Conn, clusterID int64, kind string) {
	key := kindKey{ClusterID: clusterID, Kind: kind}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, live := h.conns[conn.ID]; !live {
		return
	}
	if conn.kindRoom != nil {
		if *conn.kindRoom == key {
			return
		}
		h.leaveKindLocked(conn)
	}
	room, ok := h.kindRooms[key]
	if !ok {
		room = make(map[string]*Conn)
		h.kindRooms[key] = room
	}
	room[conn.ID] = conn
	conn.kindRoom = &key
}

// LeaveKind removes the connection from the (cluster, resource kind) room.
func (h *Hub) LeaveKind(conn *Conn, clusterID int64, kind string) {
	key := kindKey{ClusterID: clusterID, Kind: kind}

	h.mu.Lock()
	defer h.mu.Unlock()

	if conn.kindRoom == nil || *conn.kindRoom != key {
		return
	}
	h.leaveKindLocked(conn)
}

func (h *Hub) leaveClusterLocked(conn *Conn) {
	if conn.clusterRoom == nil {
		return
	}
	id := *conn.clusterRoom
	if room, ok := h.clusterRooms[id]; ok {
		delete(room, conn.ID)
		if len(room) == 0 {
			delete(h.clusterRooms, id)
		}
	}
	conn.clusterRoom = nil
}

func (h *Hub) leaveNamespaceLocked(conn *Conn) {
	if conn.namespaceRoom == nil {
		return
	}
	key := *conn.namespaceRoom
	if room, ok := h.namespaceRooms[key]; ok {
		delete(room, conn.ID)
		if len(room) == 0 {
			delete(h.namespaceRooms, key)
		}
	}
	conn.namespaceRoom = nil
}

func (h *Hub) leaveKindLocked(conn *Conn) {
	if conn.kindRoom == nil {
		return
	}
	key := *conn.kindRoom
	if room, ok := h.kindRooms[key]; ok {
		delete(room, conn.ID)
		if len(room) == 0 {
			delete(h.kindRooms, key)
		}
	}
	conn.kindRoom = nil
}

// Disconnect unregisters the connection and closes its socket. Memberships
// are removed before the socket closes, atomically under the hub lock, so a
// concurrent broadcast never addresses a half-live connection. A duplicate
// disconnect is swallowed.
func (h *Hub) Disconnect(conn *Conn) {
	h.mu.Lock()
	_, live := h.conns[conn.ID]
	delete(h.conns, conn.ID)
	h.leaveClusterLocked(conn)
	h.leaveNamespaceLocked(conn)
	h.leaveKindLocked(conn)
	active := len(h.conns)
	h.mu.Unlock()

	if !live {
		h.logger.Debug("Duplicate websocket disconnect swallowed",
			logging.Connection(conn.ID))
		return
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.sock.Close()

	h.logger.Debug("WebSocket disconnected",
		logging.Connection(conn.ID),
		"active", active)
}

// Publish fans a resource event out to the union of the cluster room, the
// (cluster, namespace) room and the (cluster, kind) room. A connection in
// several of those rooms receives the frame once. Returns the delivery count.
func (h *Hub) Publish(ctx context.Context, ev ResourceEvent) int {
	frame := Frame{
		Type: FrameResourceUpdate,
		Data: map[string]any{
			"resource_type": ev.ResourceType,
			"cluster_id":    ev.ClusterID,
			"namespace":     ev.Namespace,
			"resource_data": ev.Data,
		},
		Timestamp: h.now().UTC().Format(time.RFC3339),
	}

	h.mu.RLock()
	seen := make(map[string]*Conn)
	for id, c := range h.clusterRooms[ev.ClusterID] {
		seen[id] = c
	}
	for id, c := range h.namespaceRooms[namespaceKey{ClusterID: ev.ClusterID, Namespace: ev.Namespace}] {
		seen[id] = c
	}
	for id, c := range h.kindRooms[kindKey{ClusterID: ev.ClusterID, Kind: ev.ResourceType}] {
		seen[id] = c
	}
	h.mu.RUnlock()

	targets := make([]*Conn, 0, len(seen))
	for _, c := range seen {
		targets = append(targets, c)
	}
	return h.fanOut(ctx, targets, frame)
}

// BroadcastToCluster sends a frame to every member of the cluster room.
func (h *Hub) BroadcastToCluster(ctx context.Context, clusterID int64, frame Frame) int {
	h.mu.RLock()
	targets := snapshotRoom(h.clusterRooms[clusterID])
	h.mu.RUnlock()
	return h.fanOut(ctx, targets, frame)
}

// BroadcastToNamespace sends a frame to every member of the (cluster,
// namespace) room.
func (h *Hub) BroadcastToNamespace(ctx context.Context, clusterID int64, namespace string, frame Frame) int {
	h.mu.RLock()
	targets := snapshotRoom(h.namespaceRooms[namespaceKey{ClusterID: clusterID, Namespace: namespace}])
	h.mu.RUnlock()
	return h.fanOut(ctx, targets, frame)
}

// BroadcastToKind sends a frame to every member of the (cluster, resource
// kind) room.
func (h *Hub) BroadcastToKind(ctx context.Context, clusterID int64, kind string, frame Frame) int {
	h.mu.RLock()
	targets := snapshotRoom(h.kindRooms[kindKey{ClusterID: clusterID, Kind: kind}])
	h.mu.RUnlock()
	return h.fanOut(ctx, targets, frame)
}

func snapshotRoom(room map[string]*Conn) []*Conn {
	if len(room) == 0 {
		return nil
	}
	targets := make([]*Conn, 0, len(room))
	for _, c := range room {
		targets = append(targets, c)
	}
	return targets
}

// fanOut dispatches one frame to every target through a bounded concurrency
// window. A failed send disconnects that one connection and never aborts the
// rest of the broadcast.
func (h *Hub) fanOut(ctx context.Context, targets []*Conn, frame Frame) int {
	if len(targets) == 0 {
		return 0
	}

	var delivered atomic.Int64
	var g errgroup.Group
	g.SetLimit(h.config.SendWindow)
	for _, conn := range targets {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := h.send(conn, frame); err != nil {
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(delivered.Load())
}

// send writes one frame and disconnects the connection on failure.
func (h *Hub) send(conn *Conn, frame Frame) error {
	if err := conn.writeFrame(frame, h.config.WriteTimeout); err != nil {
		h.dropped.Add(1)
		h.logger.Debug("Dropping websocket send",
			logging.Connection(conn.ID),
			logging.Err(err))
		h.Disconnect(conn)
		return err
	}
	h.delivered.Add(1)
	return nil
}

// Run drives the heartbeat loop until the context is canceled. Every
// interval it evicts connections silent for twice the interval and pings the
// rest.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.heartbeat(ctx)
		}
	}
}

// heartbeat evicts stale connections and pings live ones.
func (h *Hub) heartbeat(ctx context.Context) {
	cutoff := h.now().Add(-2 * h.config.HeartbeatInterval)

	h.mu.RLock()
	all := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()

	live := all[:0]
	for _, c := range all {
		if c.heartbeatAt().Before(cutoff) {
			h.logger.Debug("Disconnecting stale websocket",
				logging.Connection(c.ID),
				"last_heartbeat", c.heartbeatAt())
			h.Disconnect(c)
			continue
		}
		live = append(live, c)
	}

	h.fanOut(ctx, live, Frame{Type: FramePing})
}

// Stats describes hub occupancy and delivery counters.
type Stats struct {
	ActiveConnections int   `json:"active_connections"`
	Rooms             int   `json:"rooms"`
	Delivered         int64 `json:"delivered"`
	Dropped           int64 `json:"dropped"`
}

// Stats returns current hub statistics for monitoring.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return Stats{
		ActiveConnections: len(h.conns),
		Rooms:             len(h.clusterRooms) + len(h.namespaceRooms) + len(h.kindRooms),
		Delivered:         h.delivered.Load(),
		Dropped:           h.dropped.Load(),
	}
}

// Close disconnects every connection and refuses further accepts.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
		c.clusterRoom = nil
		c.namespaceRoom = nil
		c.kindRoom = nil
	}
	h.conns = make(map[string]*Conn)
	h.clusterRooms = make(map[int64]map[string]*Conn)
	h.namespaceRooms = make(map[namespaceKey]map[string]*Conn)
	h.kindRooms = make(map[kindKey]map[string]*Conn)
	h.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range conns {
		_ = c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.sock.Close()
	}

	h.logger.Info("WebSocket hub closed", "disconnected", len(conns))
	return nil
}
