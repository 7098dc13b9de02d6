package server

import (
	"errors"
	"net/http"

	"github.com/giantswarm/kubedeck/internal/audit"
	"github.com/giantswarm/kubedeck/internal/auth"
	"github.com/giantswarm/kubedeck/internal/cache"
	"github.com/giantswarm/kubedeck/internal/kube"
	"github.com/giantswarm/kubedeck/internal/logging"
	"github.com/giantswarm/kubedeck/internal/store"
)

// Audit action names for cluster registry writes.
const (
	actionCreateCluster   = "create_cluster"
	actionUpdateCluster   = "update_cluster"
	actionDeleteCluster   = "delete_cluster"
	actionActivateCluster = "activate_cluster"
)

// clusterRequest is the create/update payload. Credentials are write-only:
// responses never echo them back.
type clusterRequest struct {
	Name            string `json:"name" validate:"required,max=100"`
	Description     string `json:"description" validate:"max=500"`
	AuthMode        string `json:"auth_mode" validate:"required,oneof=kubeconfig bearer"`
	Kubeconfig      string `json:"kubeconfig" validate:"required_if=AuthMode kubeconfig"`
	Endpoint        string `json:"endpoint" validate:"required_if=AuthMode bearer,omitempty,url"`
	BearerToken     string `json:"bearer_token" validate:"required_if=AuthMode bearer"`
	CACert          string `json:"ca_cert"`
	InsecureSkipTLS bool   `json:"insecure_skip_tls"`
}

// apply copies the payload onto a cluster row.
func (req *clusterRequest) apply(c *store.Cluster) {
	c.Name = req.Name
	c.Description = req.Description
	c.AuthMode = req.AuthMode
	c.Kubeconfig = []byte(req.Kubeconfig)
	c.Endpoint = req.Endpoint
	c.BearerToken = req.BearerToken
	c.CACert = []byte(req.CACert)
	c.InsecureSkipTLS = req.InsecureSkipTLS
}

// validateCredentials covers the one constraint the field tags cannot: bearer
// auth must either pin a CA or explicitly skip verification.
func (req *clusterRequest) validateCredentials() error {
	if req.AuthMode == string(kube.AuthBearer) && req.CACert == "" && !req.InsecureSkipTLS {
		return &kube.ClusterSpecError{Field: "ca_cert", Reason: "CA certificate is required unless TLS verification is disabled"}
	}
	return nil
}

// handleListClusters returns the registry. Viewers only see clusters they
// hold a grant on; every other role sees the full list.
func (s *Server) handleListClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := s.listClusters(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	actx, _ := auth.FromContext(r.Context())
	if allowed, all := auth.AllowedClusters(actx); !all {
		visible := make(map[int64]struct{}, len(allowed))
		for _, id := range allowed {
			visible[id] = struct{}{}
		}
		filtered := make([]store.Cluster, 0, len(allowed))
		for _, c := range clusters {
			if _, ok := visible[c.ID]; ok {
				filtered = append(filtered, c)
			}
		}
		clusters = filtered
	}

	writeJSON(w, http.StatusOK, clusters)
}

// listClusters serves the registry listing read-through from the cache.
func (s *Server) listClusters(r *http.Request) ([]store.Cluster, error) {
	ctx := r.Context()
	key := cache.ClusterListKey()

	var cached []store.Cluster
	if ok, err := cache.GetJSON(ctx, s.cache, key, &cached); err == nil && ok {
		return cached, nil
	}

	clusters, err := s.registry.ListClusters(ctx)
	if err != nil {
		return nil, err
	}
	if err := cache.SetJSON(ctx, s.cache, key, clusters, cache.TTLClusterList); err != nil {
		s.logger.Warn("Cluster list cache write failed", logging.Err(err))
	}
	return clusters, nil
}

func (s *Server) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "clusterID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := authorize(r, auth.LevelRead, id, ""); err != nil {
		s.respondError(w, r, err)
		return
	}

	cluster, err := s.registry.GetCluster(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

func (s *Server) handleCreateCluster(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, auth.LevelAdmin, 0, ""); err != nil {
		s.respondError(w, r, err)
		return
	}

	var req clusterRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := req.validateCredentials(); err != nil {
		s.respondError(w, r, err)
		return
	}

	cluster := &store.Cluster{}
	req.apply(cluster)
	if err := s.registry.CreateCluster(r.Context(), cluster); err != nil {
		s.record(r, audit.Entry{Action: actionCreateCluster, ResourceKind: "cluster",
			ResourceName: req.Name, Success: false, Error: err.Error()})
		s.respondError(w, r, err)
		return
	}

	s.invalidateClusterList(r)
	s.record(r, audit.Entry{ClusterID: &cluster.ID, Action: actionCreateCluster,
		ResourceKind: "cluster", ResourceName: cluster.Name, Success: true})
	s.logger.Info("Cluster registered", logging.ClusterID(cluster.ID), logging.Cluster(cluster.Name))
	writeJSON(w, http.StatusCreated, cluster)
}

func (s *Server) handleUpdateCluster(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "clusterID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := authorize(r, auth.LevelAdmin, id, ""); err != nil {
		s.respondError(w, r, err)
		return
	}

	var req clusterRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := req.validateCredentials(); err != nil {
		s.respondError(w, r, err)
		return
	}

	cluster, err := s.registry.GetCluster(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	req.apply(cluster)
	if err := s.registry.UpdateCluster(r.Context(), cluster); err != nil {
		s.record(r, audit.Entry{ClusterID: &id, Action: actionUpdateCluster,
			ResourceKind: "cluster", ResourceName: req.Name, Success: false, Error: err.Error()})
		s.respondError(w, r, err)
		return
	}

	// Pooled clients and the watcher still hold the old credentials; drop
	// them so the next use picks up the new ones.
	if s.pool != nil {
		s.pool.EvictCluster(r.Context(), id)
	}
	if s.watcher != nil && s.watcher.Watching(id) {
		s.watcher.Stop(id)
		if err := s.watcher.Start(cluster.Spec()); err != nil {
			s.logger.Warn("Watcher restart after cluster update failed",
				logging.ClusterID(id), logging.Err(err))
		}
	}

	s.invalidateClusterList(r)
	s.record(r, audit.Entry{ClusterID: &id, Action: actionUpdateCluster,
		ResourceKind: "cluster", ResourceName: cluster.Name, Success: true})
	writeJSON(w, http.StatusOK, cluster)
}

// handleDeleteCluster removes a cluster from the registry. Its watcher stops,
// its pooled connections are dropped, grant rows cascade away in the store,
// and every cached payload for the cluster is invalidated.
func (s *Server) handleDeleteCluster(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "clusterID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := authorize(r, auth.LevelAdmin, id, ""); err != nil {
		s.respondError(w, r, err)
		return
	}

	cluster, err := s.registry.GetCluster(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if s.watcher != nil {
		s.watcher.Stop(id)
	}
	if s.pool != nil {
		s.pool.EvictCluster(r.Context(), id)
	}

	if err := s.registry.DeleteCluster(r.Context(), id); err != nil {
		s.record(r, audit.Entry{ClusterID: &id, Action: actionDeleteCluster,
			ResourceKind: "cluster", ResourceName: cluster.Name, Success: false, Error: err.Error()})
		s.respondError(w, r, err)
		return
	}

	if _, err := cache.InvalidateCluster(r.Context(), s.cache, id); err != nil {
		s.logger.Warn("Cluster cache invalidation failed", logging.ClusterID(id), logging.Err(err))
	}
	s.invalidateClusterList(r)
	s.record(r, audit.Entry{ClusterID: &id, Action: actionDeleteCluster,
		ResourceKind: "cluster", ResourceName: cluster.Name, Success: true})
	s.logger.Info("Cluster removed", logging.ClusterID(id), logging.Cluster(cluster.Name))
	w.WriteHeader(http.StatusNoContent)
}

// handleActivateCluster marks one cluster as the default for requests that
// omit cluster_id. The store transaction keeps at most one cluster active;
// the watcher follows the active cluster.
func (s *Server) handleActivateCluster(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "clusterID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := authorize(r, auth.LevelAdmin, id, ""); err != nil {
		s.respondError(w, r, err)
		return
	}

	previous, err := s.registry.GetActiveCluster(r.Context())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.respondError(w, r, err)
		return
	}

	if err := s.registry.ActivateCluster(r.Context(), id); err != nil {
		s.record(r, audit.Entry{ClusterID: &id, Action: actionActivateCluster,
			ResourceKind: "cluster", Success: false, Error: err.Error()})
		s.respondError(w, r, err)
		return
	}

	if s.watcher != nil {
		if previous != nil && previous.ID != id {
			s.watcher.Stop(previous.ID)
		}
		if spec, err := s.registry.ClusterSpec(r.Context(), id); err == nil {
			if err := s.watcher.Start(spec); err != nil {
				s.logger.Warn("Watcher start for activated cluster failed",
					logging.ClusterID(id), logging.Err(err))
			}
		}
	}

	s.invalidateClusterList(r)
	s.record(r, audit.Entry{ClusterID: &id, Action: actionActivateCluster,
		ResourceKind: "cluster", Success: true})
	s.logger.Info("Cluster activated", logging.ClusterID(id))
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": true})
}

// handleTestConnection borrows a pooled client for the cluster and reports
// whether the API server answered. Nothing is mutated; permission follows
// the read level so viewers can only probe clusters they see.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "clusterID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := authorize(r, auth.LevelRead, id, ""); err != nil {
		s.respondError(w, r, err)
		return
	}
	if s.pool == nil {
		s.respondError(w, r, kube.ErrPoolClosed)
		return
	}

	spec, err := s.registry.ClusterSpec(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	client, err := s.pool.Borrow(r.Context(), spec)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.pool.Return(r.Context(), client)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "connected",
		"cluster_id": id,
		"name":       client.Name(),
	})
}

// invalidateClusterList drops the cached registry listing after any write.
func (s *Server) invalidateClusterList(r *http.Request) {
	if err := s.cache.Delete(r.Context(), cache.ClusterListKey()); err != nil {
		s.logger.Warn("Cluster list cache invalidation failed", logging.Err(err))
	}
}
