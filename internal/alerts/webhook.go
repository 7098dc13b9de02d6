package alerts

import (
	"context"
	"log/slog"
	"time"

	"github.com/giantswarm/kubedeck/internal/logging"
	"github.com/giantswarm/kubedeck/internal/store"
)

// WebhookPayload is the Alertmanager-compatible notification shape accepted
// on the public webhook endpoint.
type WebhookPayload struct {
	Version           string            `json:"version"`
	GroupKey          string            `json:"groupKey"`
	Status            string            `json:"status"`
	Receiver          string            `json:"receiver"`
	GroupLabels       map[string]string `json:"groupLabels"`
	CommonLabels      map[string]string `json:"commonLabels"`
	CommonAnnotations map[string]string `json:"commonAnnotations"`
	ExternalURL       string            `json:"externalURL"`
	Alerts            []WebhookAlert    `json:"alerts"`
}

// WebhookAlert is one alert within a webhook payload.
type WebhookAlert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
	Fingerprint  string            `json:"fingerprint"`
}

// EventWriter appends alert events. Satisfied by *store.Store.
type EventWriter interface {
	InsertAlertEvent(ctx context.Context, e *store.AlertEvent) error
}

// Ingestor turns webhook payloads into alert_events rows.
type Ingestor struct {
	events EventWriter
	logger *slog.Logger
}

// IngestorOption is a functional option for configuring the Ingestor.
type IngestorOption func(*Ingestor)

// WithIngestorLogger sets the logger for the ingestor.
func WithIngestorLogger(logger *slog.Logger) IngestorOption {
	return func(i *Ingestor) {
		i.logger = logger
	}
}

// NewIngestor creates a webhook ingestor writing through the given store.
func NewIngestor(events EventWriter, opts ...IngestorOption) *Ingestor {
	i := &Ingestor{
		events: events,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest appends one event per alert in the payload and returns how many
// were stored. Individual insert failures are logged and skipped; an error
// is returned only when nothing could be stored.
func (i *Ingestor) Ingest(ctx context.Context, payload WebhookPayload) (int, error) {
	inserted := 0
	var lastErr error

	for _, alert := range payload.Alerts {
		event := ingestedEvent(payload, alert)
		if err := i.events.InsertAlertEvent(ctx, event); err != nil {
			i.logger.Error("Failed to store webhook alert",
				"alert", event.Name,
				logging.Err(err))
			lastErr = err
			continue
		}
		inserted++
	}

	if inserted == 0 && lastErr != nil {
		return 0, lastErr
	}
	if inserted > 0 {
		i.logger.Info("Ingested webhook alerts",
			"received", len(payload.Alerts),
			"stored", inserted)
	}
	return inserted, nil
}

// ingestedEvent maps one webhook alert onto the stored event shape.
func ingestedEvent(payload WebhookPayload, alert WebhookAlert) *store.AlertEvent {
	name := alert.Labels["alertname"]
	if name == "" {
		name = "external_alert"
	}

	severity := alert.Labels["severity"]
	if severity == "" {
		severity = "warning"
	}

	message := alert.Annotations["summary"]
	if message == "" {
		message = alert.Annotations["description"]
	}
	if message == "" {
		message = name
	}

	status := alert.Status
	if status == "" {
		status = payload.Status
	}
	if status == "" {
		status = "firing"
	}

	labels := make(store.JSONMap, len(alert.Labels))
	for k, v := range alert.Labels {
		labels[k] = v
	}

	return &store.AlertEvent{
		Name:     name,
		Severity: severity,
		Message:  message,
		Labels:   labels,
		Source:   "webhook",
		Status:   status,
	}
}
