package hub

// Frame types pushed to clients.
const (
	FrameStatus         = "status"
	FramePing           = "ping"
	FramePong           = "pong"
	FrameError          = "error"
	FrameResourceUpdate = "resource_update"
)

// Client actions accepted over the socket.
const (
	ActionJoinCluster    = "join_cluster"
	ActionLeaveCluster   = "leave_cluster"
	ActionJoinNamespace  = "join_namespace"
	ActionLeaveNamespace = "leave_namespace"
	ActionJoinKind       = "join_kind"
	ActionLeaveKind      = "leave_kind"
	ActionPing           = "ping"
	ActionPong           = "pong"
)

// Frame is a single outbound protocol message. Timestamp is set on
// resource_update frames only.
type Frame struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// statusFrame builds the post-accept handshake frame.
func statusFrame() Frame {
	return Frame{Type: FrameStatus, Data: map[string]any{"status": "connected"}}
}

// errorFrame builds an error frame with a client-facing message.
func errorFrame(message string) Frame {
	return Frame{Type: FrameError, Data: map[string]any{"message": message}}
}

// clientMessage is the inbound frame shape. Fields beyond Action are
// interpreted per action.
type clientMessage struct {
	Action       string `json:"action"`
	ClusterID    int64  `json:"cluster_id"`
	Namespace    string `json:"namespace"`
	ResourceType string `json:"resource_type"`
}

// ResourceEvent is one upstream resource change addressed to the cluster
// room, the (cluster, namespace) room and the (cluster, kind) room. Data is
// the normalized resource snapshot, including its event_type annotation.
type ResourceEvent struct {
	ResourceType string
	ClusterID    int64
	Namespace    string
	Data         map[string]any
}
