// Package alerts evaluates operator-defined alert rules against cluster
// stats and ingests externally produced alerts. Rule evaluation dedupes
// through the alert_status table so a condition fires once per transition,
// not once per cycle.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/giantswarm/kubedeck/internal/fabric"
	"github.com/giantswarm/kubedeck/internal/logging"
	"github.com/giantswarm/kubedeck/internal/store"
)

// DefaultInterval is how often rules are evaluated.
const DefaultInterval = 60 * time.Second

// RuleStore is the persisted evaluation state. Satisfied by *store.Store.
type RuleStore interface {
	ListEnabledAlertRules(ctx context.Context) ([]store.AlertRule, error)
	ListClusters(ctx context.Context) ([]store.Cluster, error)
	ListAlertStatuses(ctx context.Context) ([]store.AlertStatus, error)
	UpsertAlertStatus(ctx context.Context, ruleID, clusterID int64, firing bool, value float64) error
	InsertAlertEvent(ctx context.Context, e *store.AlertEvent) error
}

// StatsSource collects per-cluster stats. Satisfied by *fabric.Fabric.
type StatsSource interface {
	ClusterStats(ctx context.Context, clusterID int64) (*fabric.ClusterStats, error)
}

// Evaluator runs the periodic rule evaluation loop.
//
// Each cycle evaluates every enabled rule against every active cluster. A
// rule whose condition flips to firing appends a firing event; flipping back
// appends a resolved event; a condition that merely keeps holding appends
// nothing. Stats are collected once per cluster per cycle.
type Evaluator struct {
	rules RuleStore
	stats StatsSource

	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// EvaluatorOption is a functional option for configuring the Evaluator.
type EvaluatorOption func(*Evaluator)

// WithInterval sets the evaluation interval.
func WithInterval(interval time.Duration) EvaluatorOption {
	return func(e *Evaluator) {
		if interval > 0 {
			e.interval = interval
		}
	}
}

// WithEvaluatorLogger sets the logger for the evaluator.
func WithEvaluatorLogger(logger *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

// NewEvaluator creates an alert rule evaluator.
func NewEvaluator(rules RuleStore, stats StatsSource, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		rules:    rules,
		stats:    stats,
		interval: DefaultInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the evaluation loop on its own goroutine. Starting a
// running evaluator is a no-op.
func (e *Evaluator) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		e.loop(ctx)
	}(e.done)

	e.logger.Info("Alert evaluator started", "interval", e.interval)
}

// Stop terminates the loop and waits for the in-flight cycle to finish.
// Stopping a stopped evaluator is a no-op.
func (e *Evaluator) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	<-done
	e.logger.Info("Alert evaluator stopped")
}

func (e *Evaluator) loop(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.EvaluateOnce(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("Alert evaluation cycle failed", logging.Err(err))
			}
		}
	}
}

// EvaluateOnce runs a single evaluation cycle.
func (e *Evaluator) EvaluateOnce(ctx context.Context) error {
	rules, err := e.rules.ListEnabledAlertRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load alert rules: %w", err)
	}
	if len(rules) == 0 {
		return nil
	}

	clusters, err := e.rules.ListClusters(ctx)
	if err != nil {
		return fmt.Errorf("failed to load clusters: %w", err)
	}

	statuses, err := e.rules.ListAlertStatuses(ctx)
	if err != nil {
		return fmt.Errorf("failed to load alert statuses: %w", err)
	}
	firing := make(map[statusKey]bool, len(statuses))
	for _, s := range statuses {
		firing[statusKey{RuleID: s.RuleID, ClusterID: s.ClusterID}] = s.Firing
	}

	for _, cluster := range clusters {
		if !cluster.Active {
			continue
		}
		stats, statsErr := e.stats.ClusterStats(ctx, cluster.ID)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if statsErr != nil {
			e.logger.Warn("Stats collection failed during alert evaluation",
				logging.ClusterID(cluster.ID),
				logging.Err(statsErr))
		}

		for _, rule := range rules {
			value, ok := metricValue(rule.Metric, stats, statsErr)
			if !ok {
				// Without stats only reachability is decidable; other
				// rules keep their previous state this cycle.
				continue
			}
			e.apply(ctx, rule, cluster, value, firing)
		}
	}
	return nil
}

type statusKey struct {
	RuleID    int64
	ClusterID int64
}

// metricValue computes the rule's metric for one cluster. ok is false when
// the metric cannot be decided this cycle.
func metricValue(metric string, stats *fabric.ClusterStats, statsErr error) (float64, bool) {
	switch metric {
	case store.MetricClusterUnreachable:
		if statsErr != nil {
			return 1, true
		}
		return 0, true
	case store.MetricNodeNotReady:
		if stats == nil {
			return 0, false
		}
		return float64(stats.Nodes - stats.NodesReady), true
	case store.MetricPodRestarts:
		if stats == nil {
			return 0, false
		}
		return float64(stats.MaxPodRestarts), true
	default:
		return 0, false
	}
}

// apply records the evaluation and appends an event on state transitions.
func (e *Evaluator) apply(ctx context.Context, rule store.AlertRule, cluster store.Cluster, value float64, firing map[statusKey]bool) {
	key := statusKey{RuleID: rule.ID, ClusterID: cluster.ID}
	wasFiring := firing[key]
	isFiring := value >= rule.Threshold

	if err := e.rules.UpsertAlertStatus(ctx, rule.ID, cluster.ID, isFiring, value); err != nil {
		e.logger.Error("Failed to record alert status",
			logging.ClusterID(cluster.ID),
			"rule", rule.Name,
			logging.Err(err))
		return
	}
	firing[key] = isFiring

	if isFiring == wasFiring {
		return
	}

	status := "resolved"
	if isFiring {
		status = "firing"
	}
	event := &store.AlertEvent{
		RuleID:    &rule.ID,
		ClusterID: &cluster.ID,
		Name:      rule.Name,
		Severity:  metricSeverity(rule.Metric),
		Message:   transitionMessage(rule, cluster, value, isFiring),
		Value:     value,
		Labels: store.JSONMap{
			"metric":  rule.Metric,
			"cluster": cluster.Name,
		},
		Source: "evaluator",
		Status: status,
	}
	if err := e.rules.InsertAlertEvent(ctx, event); err != nil {
		e.logger.Error("Failed to append alert event",
			logging.ClusterID(cluster.ID),
			"rule", rule.Name,
			logging.Err(err))
		return
	}

	e.logger.Info("Alert state transition",
		logging.ClusterID(cluster.ID),
		"rule", rule.Name,
		logging.Status(status),
		"value", value)
}

// metricSeverity maps a metric to the severity its events carry.
func metricSeverity(metric string) string {
	if metric == store.MetricClusterUnreachable {
		return "critical"
	}
	return "warning"
}

// transitionMessage renders the human-readable event text.
func transitionMessage(rule store.AlertRule, cluster store.Cluster, value float64, isFiring bool) string {
	if !isFiring {
		return fmt.Sprintf("%s resolved on cluster %s", rule.Name, cluster.Name)
	}
	switch rule.Metric {
	case store.MetricClusterUnreachable:
		return fmt.Sprintf("cluster %s is unreachable", cluster.Name)
	case store.MetricNodeNotReady:
		return fmt.Sprintf("%d nodes not ready on cluster %s", int64(value), cluster.Name)
	case store.MetricPodRestarts:
		return fmt.Sprintf("pod restarts reached %d on cluster %s", int64(value), cluster.Name)
	default:
		return fmt.Sprintf("%s fired on cluster %s (value %.0f)", rule.Name, cluster.Name, value)
	}
}
