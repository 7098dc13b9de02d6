package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"sigs.k8s.io/yaml"

	"github.com/giantswarm/kubedeck/internal/audit"
	"github.com/giantswarm/kubedeck/internal/auth"
	"github.com/giantswarm/kubedeck/internal/fabric"
	"github.com/giantswarm/kubedeck/internal/kube"
	"github.com/giantswarm/kubedeck/internal/logging"
	"github.com/giantswarm/kubedeck/internal/store"
)

const (
	actionCreateJobTemplate = "create_job_template"
	actionUpdateJobTemplate = "update_job_template"
	actionDeleteJobTemplate = "delete_job_template"
)

// Job run lifecycle. A run starts as "started" and is promoted when a poll of
// the run endpoint observes the upstream Job's terminal condition.
const (
	jobRunStarted   = "started"
	jobRunSucceeded = "succeeded"
	jobRunFailed    = "failed"
	jobRunUnknown   = "unknown"
)

// jobTemplateRequest is the payload for creating or updating a job template.
type jobTemplateRequest struct {
	Name             string `json:"name" validate:"required,max=100"`
	Description      string `json:"description" validate:"max=500"`
	Manifest         string `json:"manifest" validate:"required"`
	DefaultNamespace string `json:"default_namespace" validate:"omitempty,max=63"`
}

func (req jobTemplateRequest) apply(t *store.JobTemplate) {
	t.Name = strings.TrimSpace(req.Name)
	t.Description = req.Description
	t.Manifest = req.Manifest
	t.DefaultNamespace = req.DefaultNamespace
	if t.DefaultNamespace == "" {
		t.DefaultNamespace = "default"
	}
}

// runJobRequest optionally overrides where a template runs. An empty body
// runs on the active cluster in the template's default namespace.
type runJobRequest struct {
	ClusterID int64  `json:"cluster_id"`
	Namespace string `json:"namespace"`
}

func (s *Server) handleListJobTemplates(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, auth.LevelRead, 0, ""); err != nil {
		s.respondError(w, r, err)
		return
	}
	templates, err := s.registry.ListJobTemplates(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

func (s *Server) handleCreateJobTemplate(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, auth.LevelManage, 0, ""); err != nil {
		s.respondError(w, r, err)
		return
	}

	var req jobTemplateRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if _, err := parseJobManifest(req.Manifest); err != nil {
		s.respondError(w, r, err)
		return
	}

	template := &store.JobTemplate{}
	if actx, ok := auth.FromContext(r.Context()); ok && actx != nil {
		uid := actx.UserID
		template.CreatedBy = &uid
	}
	req.apply(template)
	if err := s.registry.CreateJobTemplate(r.Context(), template); err != nil {
		s.respondError(w, r, err)
		return
	}

	s.record(r, audit.Entry{
		Action:       actionCreateJobTemplate,
		ResourceKind: "job_template",
		ResourceName: template.Name,
		Details:      map[string]any{"default_namespace": template.DefaultNamespace},
		Success:      true,
	})
	writeJSON(w, http.StatusCreated, template)
}

func (s *Server) handleGetJobTemplate(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, auth.LevelRead, 0, ""); err != nil {
		s.respondError(w, r, err)
		return
	}
	id, err := pathID(r, "templateID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	template, err := s.registry.GetJobTemplate(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, template)
}

func (s *Server) handleUpdateJobTemplate(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, auth.LevelManage, 0, ""); err != nil {
		s.respondError(w, r, err)
		return
	}
	id, err := pathID(r, "templateID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var req jobTemplateRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if _, err := parseJobManifest(req.Manifest); err != nil {
		s.respondError(w, r, err)
		return
	}

	template, err := s.registry.GetJobTemplate(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	req.apply(template)
	if err := s.registry.UpdateJobTemplate(r.Context(), template); err != nil {
		s.respondError(w, r, err)
		return
	}

	s.record(r, audit.Entry{
		Action:       actionUpdateJobTemplate,
		ResourceKind: "job_template",
		ResourceName: template.Name,
		Success:      true,
	})
	writeJSON(w, http.StatusOK, template)
}

func (s *Server) handleDeleteJobTemplate(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, auth.LevelManage, 0, ""); err != nil {
		s.respondError(w, r, err)
		return
	}
	id, err := pathID(r, "templateID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	template, err := s.registry.GetJobTemplate(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.registry.DeleteJobTemplate(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}

	s.record(r, audit.Entry{
		Action:       actionDeleteJobTemplate,
		ResourceKind: "job_template",
		ResourceName: template.Name,
		Success:      true,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleRunJobTemplate instantiates a template as a uniquely named Job on the
// target cluster and opens a history row for it. The Job creation itself is
// audited by the fabric; the history row is what clients poll for completion.
func (s *Server) handleRunJobTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "templateID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	template, err := s.registry.GetJobTemplate(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	// The body is optional; absent overrides fall back to the active
	// cluster and the template's default namespace.
	var req runJobRequest
	_ = json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req)

	clusterID := req.ClusterID
	if clusterID <= 0 {
		clusterID, err = s.activeClusterID(r)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	namespace := req.Namespace
	if namespace == "" {
		namespace = template.DefaultNamespace
	}
	if namespace == "" {
		namespace = "default"
	}

	if err := authorize(r, auth.LevelManage, clusterID, namespace); err != nil {
		s.respondError(w, r, err)
		return
	}

	obj, err := parseJobManifest(template.Manifest)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	jobName := jobRunName(template.Name)
	manifest, err := renderJobManifest(obj, jobName, namespace)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var startedBy *int64
	if actx, ok := auth.FromContext(r.Context()); ok && actx != nil {
		uid := actx.UserID
		startedBy = &uid
	}
	run := &store.JobRun{
		TemplateID: &template.ID,
		ClusterID:  clusterID,
		Namespace:  namespace,
		JobName:    jobName,
		StartedBy:  startedBy,
	}

	if _, err := s.fabric.Create(r.Context(), clusterID, "jobs", namespace, manifest); err != nil {
		// Failed attempts still show up in history.
		run.Status = jobRunFailed
		run.Message = userMessage(err, "job creation failed")
		if insertErr := s.registry.InsertJobRun(r.Context(), run); insertErr != nil {
			s.logger.Warn("Failed to record job run",
				logging.ClusterID(clusterID),
				logging.Err(insertErr))
		}
		s.respondError(w, r, err)
		return
	}

	run.Status = jobRunStarted
	if err := s.registry.InsertJobRun(r.Context(), run); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleJobTemplateHistory(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, auth.LevelRead, 0, ""); err != nil {
		s.respondError(w, r, err)
		return
	}
	id, err := pathID(r, "templateID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if _, err := s.registry.GetJobTemplate(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}

	limit, err := queryInt64(r, "limit", 0)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	runs, err := s.registry.ListJobRuns(r.Context(), id, int(limit))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleGetJobRun returns one history row. Runs still marked started are
// refreshed against the upstream Job before answering, so polling this
// endpoint tracks the Job to completion.
func (s *Server) handleGetJobRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "runID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	run, err := s.registry.GetJobRun(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := authorize(r, auth.LevelRead, run.ClusterID, run.Namespace); err != nil {
		s.respondError(w, r, err)
		return
	}

	if run.Status == jobRunStarted && s.fabric != nil {
		s.refreshJobRun(r.Context(), run)
	}
	writeJSON(w, http.StatusOK, run)
}

// refreshJobRun reconciles a started run with the upstream Job's condition.
// Upstream lookup failures other than 404 leave the row untouched.
func (s *Server) refreshJobRun(ctx context.Context, run *store.JobRun) {
	summary, err := s.fabric.Detail(ctx, run.ClusterID, "jobs", run.Namespace, run.JobName)
	if err != nil {
		var upstream *kube.UpstreamError
		if errors.As(err, &upstream) && upstream.StatusCode == http.StatusNotFound {
			s.setJobRunStatus(ctx, run, jobRunUnknown, "job no longer exists upstream")
			return
		}
		s.logger.Warn("Job run refresh failed",
			logging.ClusterID(run.ClusterID),
			logging.Namespace(run.Namespace),
			logging.SanitizedErr(err))
		return
	}

	switch status, _ := summary["status"].(string); status {
	case "Complete":
		completions, _ := summary["completions"].(string)
		s.setJobRunStatus(ctx, run, jobRunSucceeded, completions)
	case "Failed":
		s.setJobRunStatus(ctx, run, jobRunFailed, "job failed upstream")
	}
}

func (s *Server) setJobRunStatus(ctx context.Context, run *store.JobRun, status, message string) {
	if err := s.registry.UpdateJobRunStatus(ctx, run.ID, status, message); err != nil {
		s.logger.Warn("Failed to persist job run status",
			logging.Status(status),
			logging.Err(err))
	}
	run.Status = status
	run.Message = message
}

// parseJobManifest decodes a template manifest and confirms it describes a
// Job. Decoding goes through JSON the same way the fabric parses manifests.
func parseJobManifest(manifest string) (map[string]any, error) {
	jsonBytes, err := yaml.YAMLToJSON([]byte(manifest))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fabric.ErrBadManifest, err)
	}
	var obj map[string]any
	if err := json.Unmarshal(jsonBytes, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", fabric.ErrBadManifest, err)
	}
	if kind, _ := obj["kind"].(string); kind != "Job" {
		return nil, fmt.Errorf("%w: template manifest must describe a batch/v1 Job", fabric.ErrBadManifest)
	}
	return obj, nil
}

// renderJobManifest stamps the generated name and target namespace into a
// parsed template manifest.
func renderJobManifest(obj map[string]any, name, namespace string) ([]byte, error) {
	meta, _ := obj["metadata"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
		obj["metadata"] = meta
	}
	meta["name"] = name
	meta["namespace"] = namespace
	delete(meta, "generateName")
	return json.Marshal(obj)
}

// jobRunName derives a unique DNS-safe Job name from the template name.
func jobRunName(templateName string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(templateName) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == ' ', r == '.':
			b.WriteByte('-')
		}
	}
	base := strings.Trim(b.String(), "-")
	if base == "" {
		base = "job"
	}
	if len(base) > 40 {
		base = strings.Trim(base[:40], "-")
	}
	return base + "-" + uuid.NewString()[:8]
}
