package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/giantswarm/kubedeck/internal/auth"
	"github.com/giantswarm/kubedeck/internal/fabric"
	"github.com/giantswarm/kubedeck/internal/kube"
)

// mountKindRoutes wires the endpoint family shared by every resource kind.
// The handlers are written once and parameterized by the kind; the route
// shape differs only between namespaced and cluster-scoped kinds.
func (s *Server) mountKindRoutes(r chi.Router, kind kube.Kind) {
	r.Get("/", s.listResources(kind))

	if kind.Namespaced {
		r.Get("/{namespace}/{name}", s.getResource(kind))
		r.Get("/{namespace}/{name}/yaml", s.getResourceYAML(kind))
		r.Post("/{namespace}", s.createResource(kind))
		r.Put("/{namespace}/{name}", s.updateResource(kind))
		r.Delete("/{namespace}/{name}", s.deleteResource(kind))
	} else {
		r.Get("/{name}", s.getResource(kind))
		r.Get("/{name}/yaml", s.getResourceYAML(kind))
		r.Post("/", s.createResource(kind))
		r.Put("/{name}", s.updateResource(kind))
		r.Delete("/{name}", s.deleteResource(kind))
	}

	if kind.Scalable {
		r.Post("/{namespace}/{name}/scale", s.scaleResource(kind))
	}
	if kind.Name == "deployments" {
		r.Post("/{namespace}/{name}/restart", s.restartDeployment())
	}
}

// resourceCoords extracts the path coordinates for one object.
func resourceCoords(r *http.Request, kind kube.Kind) (namespace, name string) {
	if kind.Namespaced {
		return chi.URLParam(r, "namespace"), chi.URLParam(r, "name")
	}
	return "", chi.URLParam(r, "name")
}

// listResources serves one upstream page. Namespaced kinds accept a
// namespace query parameter; without one the listing spans all namespaces.
func (s *Server) listResources(kind kube.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clusterID, err := s.activeClusterID(r)
		if err != nil {
			s.respondError(w, r, err)
			return
		}

		q := r.URL.Query()
		namespace := ""
		if kind.Namespaced {
			namespace = q.Get("namespace")
		}
		if err := authorize(r, auth.LevelRead, clusterID, namespace); err != nil {
			s.respondError(w, r, err)
			return
		}

		limit, err := queryInt64(r, "limit", 0)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		page, err := s.fabric.List(r.Context(), clusterID, kind.Name, namespace, fabric.ListOptions{
			Limit:         limit,
			Continue:      q.Get("continue"),
			LabelSelector: q.Get("label_selector"),
			FieldSelector: q.Get("field_selector"),
		})
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func (s *Server) getResource(kind kube.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clusterID, err := s.activeClusterID(r)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		namespace, name := resourceCoords(r, kind)
		if err := authorize(r, auth.LevelRead, clusterID, namespace); err != nil {
			s.respondError(w, r, err)
			return
		}

		summary, err := s.fabric.Detail(r.Context(), clusterID, kind.Name, namespace, name)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func (s *Server) getResourceYAML(kind kube.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clusterID, err := s.activeClusterID(r)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		namespace, name := resourceCoords(r, kind)
		if err := authorize(r, auth.LevelRead, clusterID, namespace); err != nil {
			s.respondError(w, r, err)
			return
		}

		manifest, err := s.fabric.YAML(r.Context(), clusterID, kind.Name, namespace, name)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, manifest)
	}
}

// createResource applies a raw manifest body. For namespaced kinds the
// target namespace comes from the URL and overrides whatever the manifest
// carries.
func (s *Server) createResource(kind kube.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clusterID, err := s.activeClusterID(r)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		namespace := ""
		if kind.Namespaced {
			namespace = chi.URLParam(r, "namespace")
		}
		if err := authorize(r, auth.LevelManage, clusterID, namespace); err != nil {
			s.respondError(w, r, err)
			return
		}

		manifest, err := readManifest(r)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		summary, err := s.fabric.Create(r.Context(), clusterID, kind.Name, namespace, manifest)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, summary)
	}
}

func (s *Server) updateResource(kind kube.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clusterID, err := s.activeClusterID(r)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		namespace, name := resourceCoords(r, kind)
		if err := authorize(r, auth.LevelManage, clusterID, namespace); err != nil {
			s.respondError(w, r, err)
			return
		}

		manifest, err := readManifest(r)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		summary, err := s.fabric.Update(r.Context(), clusterID, kind.Name, namespace, name, manifest)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func (s *Server) deleteResource(kind kube.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clusterID, err := s.activeClusterID(r)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		namespace, name := resourceCoords(r, kind)
		if err := authorize(r, auth.LevelManage, clusterID, namespace); err != nil {
			s.respondError(w, r, err)
			return
		}

		force, err := queryBool(r, "force")
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		if err := s.fabric.Delete(r.Context(), clusterID, kind.Name, namespace, name, force); err != nil {
			s.respondError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type scaleRequest struct {
	// Replicas is a pointer so scaling to zero passes validation.
	Replicas *int32 `json:"replicas" validate:"required,min=0"`
}

func (s *Server) scaleResource(kind kube.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clusterID, err := s.activeClusterID(r)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		namespace, name := resourceCoords(r, kind)
		if err := authorize(r, auth.LevelManage, clusterID, namespace); err != nil {
			s.respondError(w, r, err)
			return
		}

		var req scaleRequest
		if err := s.decodeJSON(r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}
		summary, err := s.fabric.Scale(r.Context(), clusterID, kind.Name, namespace, name, *req.Replicas)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

// restartDeployment triggers a rolling restart by stamping the restart
// annotation, the same thing kubectl rollout restart does.
func (s *Server) restartDeployment() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clusterID, err := s.activeClusterID(r)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		namespace := chi.URLParam(r, "namespace")
		name := chi.URLParam(r, "name")
		if err := authorize(r, auth.LevelManage, clusterID, namespace); err != nil {
			s.respondError(w, r, err)
			return
		}

		summary, err := s.fabric.RollingRestart(r.Context(), clusterID, namespace, name)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

// mountPodRoutes adds the pod-only operations on top of the generic family:
// the log view, single-pod restart, and the batch endpoints.
func (s *Server) mountPodRoutes(r chi.Router) {
	r.Get("/{namespace}/{name}/logs", s.handlePodLogs)
	r.Post("/{namespace}/{name}/restart", s.handleRestartPod)
	r.Post("/batch-delete", s.handleBatchDeletePods)
	r.Post("/batch-restart", s.handleBatchRestartPods)
}

func (s *Server) handlePodLogs(w http.ResponseWriter, r *http.Request) {
	clusterID, err := s.activeClusterID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	namespace := chi.URLParam(r, "namespace")
	name := chi.URLParam(r, "name")
	if err := authorize(r, auth.LevelRead, clusterID, namespace); err != nil {
		s.respondError(w, r, err)
		return
	}

	var tailLines *int64
	if n, err := queryInt64(r, "tail_lines", 0); err != nil {
		s.respondError(w, r, err)
		return
	} else if n > 0 {
		tailLines = &n
	}

	logs, err := s.fabric.PodLogs(r.Context(), clusterID, namespace, name,
		r.URL.Query().Get("container"), tailLines)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cluster_id": clusterID,
		"namespace":  namespace,
		"name":       name,
		"logs":       logs,
	})
}

func (s *Server) handleRestartPod(w http.ResponseWriter, r *http.Request) {
	clusterID, err := s.activeClusterID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	namespace := chi.URLParam(r, "namespace")
	name := chi.URLParam(r, "name")
	if err := authorize(r, auth.LevelManage, clusterID, namespace); err != nil {
		s.respondError(w, r, err)
		return
	}

	if err := s.fabric.RestartPod(r.Context(), clusterID, namespace, name); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// podBatchRequest names the pods a batch operation covers.
type podBatchRequest struct {
	Pods []fabric.PodRef `json:"pods" validate:"required,min=1,max=100,dive"`
}

// authorizeBatch checks the manage level against every referenced namespace
// before anything is deleted: one refused pod refuses the whole batch.
func (s *Server) authorizeBatch(r *http.Request, clusterID int64, refs []fabric.PodRef) error {
	for _, ref := range refs {
		if ref.Namespace == "" || ref.Name == "" {
			return fmt.Errorf("%w: batch items need namespace and name", ErrBadRequest)
		}
		if err := authorize(r, auth.LevelManage, clusterID, ref.Namespace); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleBatchDeletePods(w http.ResponseWriter, r *http.Request) {
	s.handlePodBatch(w, r, s.fabric.BatchDeletePods)
}

func (s *Server) handleBatchRestartPods(w http.ResponseWriter, r *http.Request) {
	s.handlePodBatch(w, r, s.fabric.BatchRestartPods)
}

func (s *Server) handlePodBatch(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, clusterID int64, refs []fabric.PodRef) (*fabric.BatchResult, error),
) {
	clusterID, err := s.activeClusterID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var req podBatchRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.authorizeBatch(r, clusterID, req.Pods); err != nil {
		s.respondError(w, r, err)
		return
	}

	result, err := op(r.Context(), clusterID, req.Pods)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// readManifest returns the raw request body for the manifest endpoints,
// which accept YAML or JSON as-is.
func readManifest(r *http.Request) ([]byte, error) {
	manifest, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body: %v", ErrBadRequest, err)
	}
	if len(manifest) == 0 {
		return nil, fmt.Errorf("%w: empty manifest body", ErrBadRequest)
	}
	return manifest, nil
}
