package server

import (
	"net/http"

	"github.com/giantswarm/kubedeck/internal/auth"
	"github.com/giantswarm/kubedeck/internal/store"
)

// handleMonitoringStats serves the in-process request statistics: totals,
// status and route counters, and the latency summary over the recent ring.
func (s *Server) handleMonitoringStats(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, auth.LevelRead, 0, ""); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.recorder.Snapshot())
}

// handleMonitoringPool serves the client pool occupancy. Infrastructure
// internals name every registered cluster, so this is admin-only.
func (s *Server) handleMonitoringPool(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, auth.LevelAdmin, 0, ""); err != nil {
		s.respondError(w, r, err)
		return
	}
	snap, ok := s.recorder.ProviderSnapshot("pool")
	if !ok {
		snap = struct{}{}
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleMonitoringWS serves hub occupancy and delivery counters.
func (s *Server) handleMonitoringWS(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, auth.LevelAdmin, 0, ""); err != nil {
		s.respondError(w, r, err)
		return
	}
	snap, ok := s.recorder.ProviderSnapshot("ws")
	if !ok {
		snap = struct{}{}
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleMonitoringAudit lists the audit trail newest first, optionally
// filtered by user, cluster or action.
func (s *Server) handleMonitoringAudit(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, auth.LevelAdmin, 0, ""); err != nil {
		s.respondError(w, r, err)
		return
	}

	filter := store.AuditFilter{Action: r.URL.Query().Get("action")}
	if id, err := queryInt64(r, "user_id", 0); err != nil {
		s.respondError(w, r, err)
		return
	} else if id > 0 {
		filter.UserID = &id
	}
	if id, err := queryInt64(r, "cluster_id", 0); err != nil {
		s.respondError(w, r, err)
		return
	} else if id > 0 {
		filter.ClusterID = &id
	}
	if n, err := queryInt64(r, "limit", 0); err != nil {
		s.respondError(w, r, err)
		return
	} else {
		filter.Limit = int(n)
	}
	if n, err := queryInt64(r, "offset", 0); err != nil {
		s.respondError(w, r, err)
		return
	} else {
		filter.Offset = int(n)
	}

	records, err := s.registry.ListAuditLogs(r.Context(), filter)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var dropped int64
	if s.audit != nil {
		dropped = s.audit.Dropped()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":   records,
		"dropped": dropped,
	})
}
