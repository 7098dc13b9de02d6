package server

import (
	"context"
	"time"

	"github.com/giantswarm/kubedeck/internal/kube"
	"github.com/giantswarm/kubedeck/internal/store"
)

// ClusterRegistry is the cluster-registry slice of the store.
type ClusterRegistry interface {
	ListClusters(ctx context.Context) ([]store.Cluster, error)
	GetCluster(ctx context.Context, id int64) (*store.Cluster, error)
	GetActiveCluster(ctx context.Context) (*store.Cluster, error)
	ClusterSpec(ctx context.Context, id int64) (kube.ClusterSpec, error)
	CreateCluster(ctx context.Context, c *store.Cluster) error
	UpdateCluster(ctx context.Context, c *store.Cluster) error
	DeleteCluster(ctx context.Context, id int64) error
	ActivateCluster(ctx context.Context, id int64) error
}

// UserRegistry is the account and session slice of the store.
type UserRegistry interface {
	GetUserByID(ctx context.Context, id int64) (*store.User, error)
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
	CreateRefreshToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error
	GetRefreshToken(ctx context.Context, tokenHash string) (*store.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, tokenHash string) error
	CreateSession(ctx context.Context, session *store.UserSession) error
}

// AlertRegistry is the alerting slice of the store.
type AlertRegistry interface {
	ListAlertRules(ctx context.Context) ([]store.AlertRule, error)
	GetAlertRule(ctx context.Context, id int64) (*store.AlertRule, error)
	CreateAlertRule(ctx context.Context, r *store.AlertRule) error
	UpdateAlertRule(ctx context.Context, r *store.AlertRule) error
	DeleteAlertRule(ctx context.Context, id int64) error
	InsertAlertEvent(ctx context.Context, e *store.AlertEvent) error
	ListAlertEvents(ctx context.Context, filter store.AlertEventFilter) ([]store.AlertEvent, error)
}

// JobRegistry is the job-template and run-history slice of the store.
type JobRegistry interface {
	ListJobTemplates(ctx context.Context) ([]store.JobTemplate, error)
	GetJobTemplate(ctx context.Context, id int64) (*store.JobTemplate, error)
	CreateJobTemplate(ctx context.Context, t *store.JobTemplate) error
	UpdateJobTemplate(ctx context.Context, t *store.JobTemplate) error
	DeleteJobTemplate(ctx context.Context, id int64) error
	InsertJobRun(ctx context.Context, run *store.JobRun) error
	UpdateJobRunStatus(ctx context.Context, id int64, status, message string) error
	GetJobRun(ctx context.Context, id int64) (*store.JobRun, error)
	ListJobRuns(ctx context.Context, templateID int64, limit int) ([]store.JobRun, error)
}

// AuditLog is the audit-trail read slice of the store.
type AuditLog interface {
	ListAuditLogs(ctx context.Context, filter store.AuditFilter) ([]store.AuditRecord, error)
}

// Registry is everything the HTTP surface needs from persistent storage.
// *store.Store satisfies it; handler tests substitute an in-memory fake.
type Registry interface {
	ClusterRegistry
	UserRegistry
	AlertRegistry
	JobRegistry
	AuditLog

	// Ping verifies the database answers, for the readiness probe.
	Ping(ctx context.Context) error
}
