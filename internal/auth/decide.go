package auth

import (
	"fmt"
	"sort"
)

// ProtectedNamespaces are system namespaces whose deletion is always
// refused, for every role, before any upstream call is attempted.
var ProtectedNamespaces = map[string]struct{}{
	"default":         {},
	"kube-system":     {},
	"kube-public":     {},
	"kube-node-lease": {},
}

// IsProtectedNamespace reports whether ns may never be deleted.
func IsProtectedNamespace(ns string) bool {
	_, ok := ProtectedNamespaces[ns]
	return ok
}

// Decide reports whether the caller may perform an operation of the given
// level against a cluster, optionally scoped to a namespace. It is a pure
// function of the Context; a nil return means allowed.
//
// The role matrix:
//
//   - admin: everything.
//   - operator: read and manage everywhere; admin-level refused.
//   - user: read everywhere; manage where a cluster or namespace grant says
//     manage or above; admin-level refused.
//   - viewer: read inside granted clusters only; everything else refused.
func Decide(actx *Context, level Level, clusterID int64, namespace string) error {
	if actx == nil {
		return ErrUnauthorized
	}

	switch actx.Role {
	case RoleAdmin:
		return nil

	case RoleOperator:
		if level <= LevelManage {
			return nil
		}
		return forbidden("role operator cannot modify control-plane state")

	case RoleUser:
		switch level {
		case LevelRead:
			return nil
		case LevelManage:
			if actx.clusterLevel(clusterID) >= LevelManage {
				return nil
			}
			if namespace != "" && actx.namespaceLevel(clusterID, namespace) >= LevelManage {
				return nil
			}
			return forbidden("no manage grant for this scope")
		default:
			return forbidden("role user cannot modify control-plane state")
		}

	case RoleViewer:
		if level != LevelRead {
			return forbidden("role viewer is read-only")
		}
		if actx.clusterLevel(clusterID) >= LevelRead {
			return nil
		}
		if len(actx.NamespaceGrants[clusterID]) > 0 {
			return nil
		}
		return forbidden("cluster not granted")

	default:
		return forbidden("unknown role")
	}
}

// AllowedClusters returns the cluster ids the caller may see. For every role
// except viewer the second return is true, meaning "all clusters"; viewers
// get the sorted union of their cluster and namespace grants.
func AllowedClusters(actx *Context) ([]int64, bool) {
	if actx == nil {
		return nil, false
	}
	if actx.Role != RoleViewer {
		return nil, true
	}

	seen := make(map[int64]struct{}, len(actx.ClusterGrants))
	for id := range actx.ClusterGrants {
		seen[id] = struct{}{}
	}
	for id := range actx.NamespaceGrants {
		seen[id] = struct{}{}
	}

	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, false
}

func forbidden(reason string) error {
	return fmt.Errorf("%w: %s", ErrForbidden, reason)
}
