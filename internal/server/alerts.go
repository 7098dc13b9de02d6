package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/giantswarm/kubedeck/internal/alerts"
	"github.com/giantswarm/kubedeck/internal/audit"
	"github.com/giantswarm/kubedeck/internal/auth"
	"github.com/giantswarm/kubedeck/internal/store"
)

const (
	actionCreateAlertRule = "create_alert_rule"
	actionUpdateAlertRule = "update_alert_rule"
	actionDeleteAlertRule = "delete_alert_rule"
)

// alertRuleRequest is the payload for creating or updating an alert rule.
type alertRuleRequest struct {
	Name      string   `json:"name" validate:"required,max=100"`
	Metric    string   `json:"metric" validate:"required,oneof=cluster_unreachable node_not_ready pod_restarts"`
	Threshold *float64 `json:"threshold" validate:"required,gte=0"`
	Enabled   *bool    `json:"enabled"`
}

func (req alertRuleRequest) apply(rule *store.AlertRule) {
	rule.Name = strings.TrimSpace(req.Name)
	rule.Metric = req.Metric
	rule.Threshold = *req.Threshold
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
}

func (s *Server) handleListAlertRules(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, auth.LevelRead, 0, ""); err != nil {
		s.respondError(w, r, err)
		return
	}
	rules, err := s.registry.ListAlertRules(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleCreateAlertRule(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, auth.LevelAdmin, 0, ""); err != nil {
		s.respondError(w, r, err)
		return
	}

	var req alertRuleRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	rule := &store.AlertRule{Enabled: true}
	req.apply(rule)
	if err := s.registry.CreateAlertRule(r.Context(), rule); err != nil {
		s.respondError(w, r, err)
		return
	}

	s.record(r, audit.Entry{
		Action:       actionCreateAlertRule,
		ResourceKind: "alert_rule",
		ResourceName: rule.Name,
		Details:      map[string]any{"metric": rule.Metric, "threshold": rule.Threshold},
		Success:      true,
	})
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleGetAlertRule(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, auth.LevelRead, 0, ""); err != nil {
		s.respondError(w, r, err)
		return
	}
	id, err := pathID(r, "ruleID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	rule, err := s.registry.GetAlertRule(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateAlertRule(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, auth.LevelAdmin, 0, ""); err != nil {
		s.respondError(w, r, err)
		return
	}
	id, err := pathID(r, "ruleID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var req alertRuleRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	rule, err := s.registry.GetAlertRule(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	req.apply(rule)
	if err := s.registry.UpdateAlertRule(r.Context(), rule); err != nil {
		s.respondError(w, r, err)
		return
	}

	s.record(r, audit.Entry{
		Action:       actionUpdateAlertRule,
		ResourceKind: "alert_rule",
		ResourceName: rule.Name,
		Details:      map[string]any{"metric": rule.Metric, "threshold": rule.Threshold, "enabled": rule.Enabled},
		Success:      true,
	})
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteAlertRule(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, auth.LevelAdmin, 0, ""); err != nil {
		s.respondError(w, r, err)
		return
	}
	id, err := pathID(r, "ruleID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	rule, err := s.registry.GetAlertRule(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.registry.DeleteAlertRule(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}

	s.record(r, audit.Entry{
		Action:       actionDeleteAlertRule,
		ResourceKind: "alert_rule",
		ResourceName: rule.Name,
		Success:      true,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAlertEvents(w http.ResponseWriter, r *http.Request) {
	filter := store.AlertEventFilter{Status: r.URL.Query().Get("status")}

	clusterID, err := queryInt64(r, "cluster_id", 0)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if clusterID > 0 {
		filter.ClusterID = &clusterID
	}
	if err := authorize(r, auth.LevelRead, clusterID, ""); err != nil {
		s.respondError(w, r, err)
		return
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

	events, err := s.registry.ListAlertEvents(r.Context(), filter)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleAlertWebhook accepts Alertmanager-compatible notifications on a
// public route. When a webhook secret is configured the caller must present
// it; without one the endpoint accepts any delivery.
func (s *Server) handleAlertWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.webhookAuthorized(r) {
		s.respondError(w, r, auth.ErrUnauthorized)
		return
	}

	// Alertmanager payloads carry fields beyond the ones modeled here, so
	// unknown fields are tolerated rather than rejected.
	var payload alerts.WebhookPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		s.respondError(w, r, fmt.Errorf("%w: invalid JSON body: %v", ErrBadRequest, err))
		return
	}

	stored, err := s.ingestor.Ingest(r.Context(), payload)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "stored": stored})
}

// webhookAuthorized checks the shared secret from the X-Alert-Secret header
// or the token query parameter in constant time.
func (s *Server) webhookAuthorized(r *http.Request) bool {
	if s.config.WebhookSecret == "" {
		return true
	}
	presented := r.Header.Get("X-Alert-Secret")
	if presented == "" {
		presented = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.config.WebhookSecret)) == 1
}
