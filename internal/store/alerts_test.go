package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListEnabledAlertRules(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + alertRuleColumns + ` FROM alert_rules WHERE enabled ORDER BY id`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "metric", "threshold", "enabled", "created_at", "updated_at"}).
			AddRow(int64(1), "unreachable", MetricClusterUnreachable, float64(0), true, now, now).
			AddRow(int64(2), "crashloops", MetricPodRestarts, float64(50), true, now, now))

	rules, err := s.ListEnabledAlertRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, MetricClusterUnreachable, rules[0].Metric)
	assert.InDelta(t, 50, rules[1].Threshold, 0.001)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAlertRuleDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO alert_rules`)).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "alert_rules_name_key"})

	err := s.CreateAlertRule(context.Background(), &AlertRule{Name: "unreachable", Metric: MetricClusterUnreachable})
	assert.ErrorIs(t, err, ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAlertEvent(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO alert_events`)).
		WithArgs(int64p(1), int64p(7), "cluster unreachable", "critical", "cluster prod-eu is unreachable",
			float64(1), []byte(`{}`), "evaluator", "firing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(33), now))

	e := &AlertEvent{
		RuleID:    int64p(1),
		ClusterID: int64p(7),
		Name:      "cluster unreachable",
		Severity:  "critical",
		Message:   "cluster prod-eu is unreachable",
		Value:     1,
		Source:    "evaluator",
		Status:    "firing",
	}
	require.NoError(t, s.InsertAlertEvent(context.Background(), e))
	assert.Equal(t, int64(33), e.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAlertEventsFilter(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	query := `SELECT id, rule_id, cluster_id, name, severity, message, value, labels, source, status, created_at FROM alert_events` +
		` WHERE status = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
	mock.ExpectQuery(regexp.QuoteMeta(query)).
		WithArgs("firing", 100).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "rule_id", "cluster_id", "name", "severity", "message",
			"value", "labels", "source", "status", "created_at",
		}).AddRow(int64(33), int64(1), int64(7), "cluster unreachable", "critical", "",
			float64(1), []byte(`{"env":"prod"}`), "evaluator", "firing", now))

	events, err := s.ListAlertEvents(context.Background(), AlertEventFilter{Status: "firing"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "cluster unreachable", events[0].Name)
	assert.Equal(t, JSONMap{"env": "prod"}, events[0].Labels)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAlertStatus(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO alert_status`)).
		WithArgs(int64(1), int64(7), true, float64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpsertAlertStatus(context.Background(), 1, 7, true, 1))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAlertStatuses(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, rule_id, cluster_id, firing, last_value, last_transition_at FROM alert_status`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "rule_id", "cluster_id", "firing", "last_value", "last_transition_at"}).
			AddRow(int64(1), int64(1), int64(7), true, float64(1), now).
			AddRow(int64(2), int64(2), int64(7), false, float64(12), now))

	statuses, err := s.ListAlertStatuses(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Firing)
	assert.False(t, statuses[1].Firing)
	require.NoError(t, mock.ExpectationsWereMet())
}
