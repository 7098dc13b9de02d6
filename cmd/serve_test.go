package cmd

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServeCmdProperties(t *testing.T) {
	cmd := newServeCmd()

	assert.Equal(t, "serve", cmd.Use)
	assert.Equal(t, "Start the kubedeck control plane", cmd.Short)
	assert.True(t, strings.Contains(cmd.Long, "singleton lock"))
	assert.True(t, strings.Contains(cmd.Long, "environment variables"))
}

func TestServeCmdFlags(t *testing.T) {
	cmd := newServeCmd()

	// Every documented flag must exist.
	flagNames := []string{
		"addr",
		"cors-origins",
		"allowed-hosts",
		"enable-hsts",
		"webhook-secret",
		"database-url",
		"redis-url",
		"jwt-secret",
		"access-token-ttl",
		"pool-max-per-cluster",
		"pool-conn-ttl",
		"pool-health-interval",
		"ws-max-connections",
		"enable-background-tasks",
		"lock-file",
		"audit-retention-days",
		"audit-cleanup-interval",
		"audit-cleanup-batch-size",
		"sweep-interval",
		"eval-interval",
		"audit-buffer-size",
		"log-level",
		"log-format",
	}

	for _, flagName := range flagNames {
		flag := cmd.Flags().Lookup(flagName)
		assert.NotNil(t, flag, "Flag %s should exist", flagName)
	}
}

func TestServeCmdFlagDefaults(t *testing.T) {
	cmd := newServeCmd()

	tests := []struct {
		flag     string
		expected string
	}{
		{"addr", ":8000"},
		{"pool-max-per-cluster", "10"},
		{"pool-conn-ttl", (30 * time.Minute).String()},
		{"pool-health-interval", time.Minute.String()},
		{"ws-max-connections", "1000"},
		{"enable-background-tasks", "true"},
		{"audit-retention-days", "30"},
		{"audit-cleanup-interval", (24 * time.Hour).String()},
		{"audit-cleanup-batch-size", "5000"},
		{"sweep-interval", time.Minute.String()},
		{"log-level", "info"},
		{"log-format", "text"},
	}

	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			flag := cmd.Flags().Lookup(tt.flag)
			if assert.NotNil(t, flag) {
				assert.Equal(t, tt.expected, flag.DefValue)
			}
		})
	}
}

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		t.Run(level, func(t *testing.T) {
			assert.NotNil(t, newLogger(level, "text"))
			assert.NotNil(t, newLogger(level, "json"))
		})
	}
}
