package server

import (
	"net/http"

	"github.com/giantswarm/kubedeck/internal/logging"
)

// healthResponse is the body served by the probe endpoints.
type healthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Version string            `json:"version,omitempty"`
}

// handleHealthz answers the liveness probe. If the process can respond, it
// is alive; nothing downstream is consulted.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: s.config.Version,
	})
}

// handleReadyz answers the readiness probe: the database must answer, and so
// must the cache when one is configured. A cluster fleet in trouble never
// makes the control plane unready.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, 2)
	ready := true

	if err := s.registry.Ping(r.Context()); err != nil {
		checks["database"] = "unreachable"
		ready = false
		s.logger.Warn("Readiness check failed", logging.Status("database"), logging.Err(err))
	} else {
		checks["database"] = "ok"
	}

	if s.cache.Enabled() {
		if err := s.cache.Ping(r.Context()); err != nil {
			checks["cache"] = "unreachable"
			ready = false
			s.logger.Warn("Readiness check failed", logging.Status("cache"), logging.Err(err))
		} else {
			checks["cache"] = "ok"
		}
	} else {
		checks["cache"] = "disabled"
	}

	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not ready", Checks: checks})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Checks: checks})
}
