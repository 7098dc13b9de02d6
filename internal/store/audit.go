package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// AuditRecord is one row of the mutation audit trail.
type AuditRecord struct {
	ID           int64     `db:"id" json:"id"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UserID       *int64    `db:"user_id" json:"user_id,omitempty"`
	ClusterID    *int64    `db:"cluster_id" json:"cluster_id,omitempty"`
	Action       string    `db:"action" json:"action"`
	ResourceKind string    `db:"resource_kind" json:"resource_kind,omitempty"`
	ResourceName string    `db:"resource_name" json:"resource_name,omitempty"`
	Namespace    string    `db:"namespace" json:"namespace,omitempty"`
	Details      JSONMap   `db:"details" json:"details,omitempty"`
	IP           string    `db:"ip" json:"ip,omitempty"`
	UserAgent    string    `db:"user_agent" json:"user_agent,omitempty"`
	Success      bool      `db:"success" json:"success"`
	Error        string    `db:"error" json:"error,omitempty"`
}

// AuditFilter narrows ListAuditLogs. Zero values mean "any".
type AuditFilter struct {
	UserID    *int64
	ClusterID *int64
	Action    string
	Limit     int
	Offset    int
}

const insertAuditQuery = `INSERT INTO audit_logs (created_at, user_id, cluster_id, action, resource_kind, resource_name, namespace, details, ip, user_agent, success, error)
	VALUES (COALESCE($1, now()), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

// InsertAuditLogs appends a batch of audit records in one transaction. The
// audit sink hands over whatever accumulated since its last flush; the
// record keeps the time the action happened, not the time it was flushed.
func (s *Store) InsertAuditLogs(ctx context.Context, records []AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, r := range records {
			_, err := tx.ExecContext(ctx, insertAuditQuery,
				nullTime(r.CreatedAt), r.UserID, r.ClusterID, r.Action, r.ResourceKind, r.ResourceName, r.Namespace, r.Details, r.IP, r.UserAgent, r.Success, r.Error)
			if err != nil {
				return fmt.Errorf("failed to insert audit record: %w", err)
			}
		}
		return nil
	})
}

// nullTime maps the zero time to NULL so the column default applies.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// ListAuditLogs returns audit records newest first, optionally filtered.
func (s *Store) ListAuditLogs(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.UserID != nil {
		conds = append(conds, "user_id = "+arg(*filter.UserID))
	}
	if filter.ClusterID != nil {
		conds = append(conds, "cluster_id = "+arg(*filter.ClusterID))
	}
	if filter.Action != "" {
		conds = append(conds, "action = "+arg(filter.Action))
	}

	query := `SELECT id, created_at, user_id, cluster_id, action, resource_kind, resource_name, namespace, details, ip, user_agent, success, error FROM audit_logs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	query += " LIMIT " + arg(clampLimit(filter.Limit))
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	var records []AuditRecord
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	return records, nil
}

// DeleteAuditBefore removes up to limit audit records older than cutoff and
// returns how many went. The retention loop calls it repeatedly until it
// returns zero, keeping each delete's lock footprint small.
func (s *Store) DeleteAuditBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	query := `DELETE FROM audit_logs WHERE id IN (
		SELECT id FROM audit_logs WHERE created_at < $1 ORDER BY id LIMIT $2)`
	res, err := s.db.ExecContext(ctx, query, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// clampLimit keeps page sizes sane: default 100, ceiling 1000.
func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
