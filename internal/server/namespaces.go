package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/giantswarm/kubedeck/internal/auth"
	"github.com/giantswarm/kubedeck/internal/kube"
)

// mountNamespaceRoutes wires the namespace family. Reads come from the
// generic handlers; create and delete are custom because namespaces are
// created from a name plus labels rather than a manifest, and deletion is
// guarded against system namespaces.
func (s *Server) mountNamespaceRoutes(r chi.Router, kind kube.Kind) {
	r.Get("/", s.listResources(kind))
	r.Get("/{name}", s.getResource(kind))
	r.Get("/{name}/yaml", s.getResourceYAML(kind))
	r.Post("/", s.handleCreateNamespace)
	r.Delete("/{name}", s.handleDeleteNamespace)
}

type createNamespaceRequest struct {
	Name   string            `json:"name" validate:"required,max=63"`
	Labels map[string]string `json:"labels"`
}

func (s *Server) handleCreateNamespace(w http.ResponseWriter, r *http.Request) {
	clusterID, err := s.activeClusterID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := authorize(r, auth.LevelManage, clusterID, ""); err != nil {
		s.respondError(w, r, err)
		return
	}

	var req createNamespaceRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	summary, err := s.fabric.CreateNamespace(r.Context(), clusterID, req.Name, req.Labels)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

// handleDeleteNamespace removes a namespace. Protected system namespaces are
// refused inside the fabric before any upstream call.
func (s *Server) handleDeleteNamespace(w http.ResponseWriter, r *http.Request) {
	clusterID, err := s.activeClusterID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	name := chi.URLParam(r, "name")
	if err := authorize(r, auth.LevelManage, clusterID, ""); err != nil {
		s.respondError(w, r, err)
		return
	}

	if err := s.fabric.DeleteNamespace(r.Context(), clusterID, name); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
