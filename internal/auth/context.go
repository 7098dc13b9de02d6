package auth

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors separating the two HTTP failure modes: ErrUnauthorized
// maps to 401, ErrForbidden to 403.
var (
	ErrUnauthorized = errors.New("authentication required")
	ErrForbidden    = errors.New("permission denied")
)

// Role is the coarse account class assigned to a user.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleUser     Role = "user"
	RoleViewer   Role = "viewer"
)

// ParseRole validates a role string from storage or a token.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleOperator, RoleUser, RoleViewer:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Level is the strength of an operation or a grant. Levels are ordered:
// a grant satisfies any requirement at or below its own level.
type Level int

const (
	// LevelRead covers list, get, yaml, logs and watch subscriptions.
	LevelRead Level = iota + 1

	// LevelManage covers workload mutations: create, update, scale,
	// restart, delete.
	LevelManage

	// LevelAdmin covers control-plane state: the cluster registry, user
	// grants and alert rules.
	LevelAdmin
)

// String returns the storage spelling of the level.
func (l Level) String() string {
	switch l {
	case LevelRead:
		return "read"
	case LevelManage:
		return "manage"
	case LevelAdmin:
		return "admin"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel converts a stored grant level. Unknown strings come back as an
// error so a corrupted grant row fails closed instead of granting read.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "read":
		return LevelRead, nil
	case "manage":
		return LevelManage, nil
	case "admin":
		return LevelAdmin, nil
	default:
		return 0, fmt.Errorf("unknown permission level %q", s)
	}
}

// Context is the resolved identity of one request. It is immutable after
// resolution; Decide reads it without further I/O.
type Context struct {
	UserID   int64
	Username string
	Role     Role
	TenantID string

	// ClusterGrants maps cluster id to the strongest level granted on the
	// whole cluster.
	ClusterGrants map[int64]Level

	// NamespaceGrants maps cluster id to namespace to granted level.
	NamespaceGrants map[int64]map[string]Level
}

// clusterLevel returns the caller's cluster-wide grant, zero when absent.
func (c *Context) clusterLevel(clusterID int64) Level {
	return c.ClusterGrants[clusterID]
}

// namespaceLevel returns the caller's grant on one namespace, zero when
// absent.
func (c *Context) namespaceLevel(clusterID int64, namespace string) Level {
	return c.NamespaceGrants[clusterID][namespace]
}

type ctxKey struct{}

// WithContext attaches the resolved identity to a request context.
func WithContext(ctx context.Context, actx *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, actx)
}

// FromContext retrieves the identity stored by the authentication
// middleware.
func FromContext(ctx context.Context) (*Context, bool) {
	actx, ok := ctx.Value(ctxKey{}).(*Context)
	return actx, ok
}
