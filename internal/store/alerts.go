package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Alert rule metrics the evaluator understands.
const (
	MetricClusterUnreachable = "cluster_unreachable"
	MetricNodeNotReady       = "node_not_ready"
	MetricPodRestarts        = "pod_restarts"
)

// AlertRule is an operator-defined condition evaluated against cluster stats.
type AlertRule struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Metric    string    `db:"metric" json:"metric"`
	Threshold float64   `db:"threshold" json:"threshold"`
	Enabled   bool      `db:"enabled" json:"enabled"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// AlertEvent is one firing or resolution, produced by the evaluator or
// ingested from an external webhook.
type AlertEvent struct {
	ID        int64     `db:"id" json:"id"`
	RuleID    *int64    `db:"rule_id" json:"rule_id,omitempty"`
	ClusterID *int64    `db:"cluster_id" json:"cluster_id,omitempty"`
	Name      string    `db:"name" json:"name"`
	Severity  string    `db:"severity" json:"severity"`
	Message   string    `db:"message" json:"message"`
	Value     float64   `db:"value" json:"value"`
	Labels    JSONMap   `db:"labels" json:"labels,omitempty"`
	Source    string    `db:"source" json:"source"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// AlertStatus tracks whether a (rule, cluster) condition currently holds.
type AlertStatus struct {
	ID               int64     `db:"id"`
	RuleID           int64     `db:"rule_id"`
	ClusterID        int64     `db:"cluster_id"`
	Firing           bool      `db:"firing"`
	LastValue        float64   `db:"last_value"`
	LastTransitionAt time.Time `db:"last_transition_at"`
}

// AlertEventFilter narrows ListAlertEvents. Zero values mean "any".
type AlertEventFilter struct {
	ClusterID *int64
	Status    string
	Limit     int
	Offset    int
}

const alertRuleColumns = `id, name, metric, threshold, enabled, created_at, updated_at`

// ListAlertRules returns all alert rules ordered by id.
func (s *Store) ListAlertRules(ctx context.Context) ([]AlertRule, error) {
	var rules []AlertRule
	query := `SELECT ` + alertRuleColumns + ` FROM alert_rules ORDER BY id`
	if err := s.db.SelectContext(ctx, &rules, query); err != nil {
		return nil, fmt.Errorf("failed to list alert rules: %w", err)
	}
	return rules, nil
}

// ListEnabledAlertRules returns only rules the evaluator should run.
func (s *Store) ListEnabledAlertRules(ctx context.Context) ([]AlertRule, error) {
	var rules []AlertRule
	query := `SELECT ` + alertRuleColumns + ` FROM alert_rules WHERE enabled ORDER BY id`
	if err := s.db.SelectContext(ctx, &rules, query); err != nil {
		return nil, fmt.Errorf("failed to list enabled alert rules: %w", err)
	}
	return rules, nil
}

// GetAlertRule returns one alert rule, or ErrNotFound.
func (s *Store) GetAlertRule(ctx context.Context, id int64) (*AlertRule, error) {
	var r AlertRule
	query := `SELECT ` + alertRuleColumns + ` FROM alert_rules WHERE id = $1`
	if err := s.db.GetContext(ctx, &r, query, id); err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// CreateAlertRule inserts a rule and fills in the generated fields.
func (s *Store) CreateAlertRule(ctx context.Context, r *AlertRule) error {
	query := `INSERT INTO alert_rules (name, metric, threshold, enabled) VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`
	if err := s.db.GetContext(ctx, r, query, r.Name, r.Metric, r.Threshold, r.Enabled); err != nil {
		return fmt.Errorf("failed to create alert rule: %w", writeErr(err))
	}
	return nil
}

// UpdateAlertRule replaces a rule's mutable fields.
func (s *Store) UpdateAlertRule(ctx context.Context, r *AlertRule) error {
	query := `UPDATE alert_rules SET name = $1, metric = $2, threshold = $3, enabled = $4, updated_at = now()
		WHERE id = $5 RETURNING updated_at`
	if err := s.db.GetContext(ctx, r, query, r.Name, r.Metric, r.Threshold, r.Enabled, r.ID); err != nil {
		return fmt.Errorf("failed to update alert rule: %w", writeErr(notFound(err)))
	}
	return nil
}

// DeleteAlertRule removes a rule; its status rows cascade away.
func (s *Store) DeleteAlertRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete alert rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertAlertEvent appends one alert event.
func (s *Store) InsertAlertEvent(ctx context.Context, e *AlertEvent) error {
	query := `INSERT INTO alert_events (rule_id, cluster_id, name, severity, message, value, labels, source, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`
	err := s.db.GetContext(ctx, e, query,
		e.RuleID, e.ClusterID, e.Name, e.Severity, e.Message, e.Value, e.Labels, e.Source, e.Status)
	if err != nil {
		return fmt.Errorf("failed to insert alert event: %w", err)
	}
	return nil
}

// ListAlertEvents returns alert events newest first, optionally filtered.
func (s *Store) ListAlertEvents(ctx context.Context, filter AlertEventFilter) ([]AlertEvent, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.ClusterID != nil {
		conds = append(conds, "cluster_id = "+arg(*filter.ClusterID))
	}
	if filter.Status != "" {
		conds = append(conds, "status = "+arg(filter.Status))
	}

	query := `SELECT id, rule_id, cluster_id, name, severity, message, value, labels, source, status, created_at FROM alert_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	query += " LIMIT " + arg(clampLimit(filter.Limit))
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	var events []AlertEvent
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list alert events: %w", err)
	}
	return events, nil
}

// ListAlertStatuses returns the current condition state for every
// (rule, cluster) pair the evaluator has seen.
func (s *Store) ListAlertStatuses(ctx context.Context) ([]AlertStatus, error) {
	var statuses []AlertStatus
	query := `SELECT id, rule_id, cluster_id, firing, last_value, last_transition_at FROM alert_status`
	if err := s.db.SelectContext(ctx, &statuses, query); err != nil {
		return nil, fmt.Errorf("failed to list alert statuses: %w", err)
	}
	return statuses, nil
}

// UpsertAlertStatus records the latest evaluation of a (rule, cluster) pair.
// The transition timestamp only moves when the firing state flips.
func (s *Store) UpsertAlertStatus(ctx context.Context, ruleID, clusterID int64, firing bool, value float64) error {
	query := `INSERT INTO alert_status (rule_id, cluster_id, firing, last_value) VALUES ($1, $2, $3, $4)
		ON CONFLICT (rule_id, cluster_id) DO UPDATE SET
			firing = EXCLUDED.firing,
			last_value = EXCLUDED.last_value,
			last_transition_at = CASE WHEN alert_status.firing <> EXCLUDED.firing THEN now() ELSE alert_status.last_transition_at END`
	if _, err := s.db.ExecContext(ctx, query, ruleID, clusterID, firing, value); err != nil {
		return fmt.Errorf("failed to upsert alert status: %w", err)
	}
	return nil
}
