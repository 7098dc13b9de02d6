package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one registered client connection.
//
// Frame writes are serialized by an internal mutex so broadcasts, heartbeat
// pings and action replies never interleave on the wire. Room membership
// fields are guarded by the hub lock, never touched directly.
type Conn struct {
	// ID is the server-assigned connection identifier.
	ID string

	// UserID identifies the authenticated user behind the socket.
	UserID int64

	sock        *websocket.Conn
	connectedAt time.Time

	// lastHeartbeat holds the unix-nano timestamp of the last inbound
	// frame. Updated lock-free from the read loop.
	lastHeartbeat atomic.Int64

	writeMu sync.Mutex

	// Room memberships, at most one per room kind. Guarded by the hub
	// lock; nil means not joined.
	clusterRoom   *int64
	namespaceRoom *namespaceKey
	kindRoom      *kindKey
}

// ConnectedAt reports when the connection was registered.
func (c *Conn) ConnectedAt() time.Time {
	return c.connectedAt
}

// touch refreshes the heartbeat timestamp.
func (c *Conn) touch(now time.Time) {
	c.lastHeartbeat.Store(now.UnixNano())
}

// heartbeatAt returns the last inbound-frame time.
func (c *Conn) heartbeatAt() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// writeFrame sends one frame under the write mutex with a deadline. A
// deadline hit fails the write and surfaces as a send error to the caller.
func (c *Conn) writeFrame(frame Frame, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.sock.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.sock.WriteJSON(frame)
}
