package store

import (
	"context"
	"fmt"
	"time"
)

// JobTemplate is a stored Job manifest runnable on demand.
type JobTemplate struct {
	ID               int64     `db:"id" json:"id"`
	Name             string    `db:"name" json:"name"`
	Description      string    `db:"description" json:"description"`
	Manifest         string    `db:"manifest" json:"manifest"`
	DefaultNamespace string    `db:"default_namespace" json:"default_namespace"`
	CreatedBy        *int64    `db:"created_by" json:"created_by,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// JobRun is one execution of a template, kept in job_history.
type JobRun struct {
	ID         int64     `db:"id" json:"id"`
	TemplateID *int64    `db:"template_id" json:"template_id,omitempty"`
	ClusterID  int64     `db:"cluster_id" json:"cluster_id"`
	Namespace  string    `db:"namespace" json:"namespace"`
	JobName    string    `db:"job_name" json:"job_name"`
	Status     string    `db:"status" json:"status"`
	Message    string    `db:"message" json:"message,omitempty"`
	StartedBy  *int64    `db:"started_by" json:"started_by,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

const jobTemplateColumns = `id, name, description, manifest, default_namespace, created_by, created_at, updated_at`

// ListJobTemplates returns all job templates ordered by name.
func (s *Store) ListJobTemplates(ctx context.Context) ([]JobTemplate, error) {
	var templates []JobTemplate
	query := `SELECT ` + jobTemplateColumns + ` FROM job_templates ORDER BY name`
	if err := s.db.SelectContext(ctx, &templates, query); err != nil {
		return nil, fmt.Errorf("failed to list job templates: %w", err)
	}
	return templates, nil
}

// GetJobTemplate returns one template, or ErrNotFound.
func (s *Store) GetJobTemplate(ctx context.Context, id int64) (*JobTemplate, error) {
	var t JobTemplate
	query := `SELECT ` + jobTemplateColumns + ` FROM job_templates WHERE id = $1`
	if err := s.db.GetContext(ctx, &t, query, id); err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// CreateJobTemplate inserts a template and fills in the generated fields.
func (s *Store) CreateJobTemplate(ctx context.Context, t *JobTemplate) error {
	query := `INSERT INTO job_templates (name, description, manifest, default_namespace, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`
	err := s.db.GetContext(ctx, t, query, t.Name, t.Description, t.Manifest, t.DefaultNamespace, t.CreatedBy)
	if err != nil {
		return fmt.Errorf("failed to create job template: %w", writeErr(err))
	}
	return nil
}

// UpdateJobTemplate replaces a template's mutable fields.
func (s *Store) UpdateJobTemplate(ctx context.Context, t *JobTemplate) error {
	query := `UPDATE job_templates SET name = $1, description = $2, manifest = $3, default_namespace = $4, updated_at = now()
		WHERE id = $5 RETURNING updated_at`
	err := s.db.GetContext(ctx, t, query, t.Name, t.Description, t.Manifest, t.DefaultNamespace, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update job template: %w", writeErr(notFound(err)))
	}
	return nil
}

// DeleteJobTemplate removes a template. History rows keep their run record
// with the template reference nulled.
func (s *Store) DeleteJobTemplate(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertJobRun records a template execution.
func (s *Store) InsertJobRun(ctx context.Context, run *JobRun) error {
	query := `INSERT INTO job_history (template_id, cluster_id, namespace, job_name, status, message, started_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`
	err := s.db.GetContext(ctx, run, query,
		run.TemplateID, run.ClusterID, run.Namespace, run.JobName, run.Status, run.Message, run.StartedBy)
	if err != nil {
		return fmt.Errorf("failed to insert job run: %w", err)
	}
	return nil
}

// UpdateJobRunStatus moves a run to a new status with an optional message.
func (s *Store) UpdateJobRunStatus(ctx context.Context, id int64, status, message string) error {
	query := `UPDATE job_history SET status = $1, message = $2, updated_at = now() WHERE id = $3`
	res, err := s.db.ExecContext(ctx, query, status, message, id)
	if err != nil {
		return fmt.Errorf("failed to update job run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJobRun returns one run, or ErrNotFound.
func (s *Store) GetJobRun(ctx context.Context, id int64) (*JobRun, error) {
	var run JobRun
	query := `SELECT id, template_id, cluster_id, namespace, job_name, status, message, started_by, created_at, updated_at FROM job_history WHERE id = $1`
	if err := s.db.GetContext(ctx, &run, query, id); err != nil {
		return nil, notFound(err)
	}
	return &run, nil
}

// ListJobRuns returns runs of one template newest first.
func (s *Store) ListJobRuns(ctx context.Context, templateID int64, limit int) ([]JobRun, error) {
	var runs []JobRun
	query := `SELECT id, template_id, cluster_id, namespace, job_name, status, message, started_by, created_at, updated_at
		FROM job_history WHERE template_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
	if err := s.db.SelectContext(ctx, &runs, query, templateID, clampLimit(limit)); err != nil {
		return nil, fmt.Errorf("failed to list job runs: %w", err)
	}
	return runs, nil
}
