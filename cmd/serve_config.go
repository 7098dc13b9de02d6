package cmd

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// ServeConfig holds all configuration for the serve command.
type ServeConfig struct {
	// HTTP surface
	Addr          string
	CORSOrigins   []string
	AllowedHosts  []string
	EnableHSTS    bool
	WebhookSecret string

	// Persistence and cache
	DatabaseURL string
	RedisURL    string

	// Credentials
	JWTSecret      string
	AccessTokenTTL time.Duration

	// Client pool
	PoolMaxPerCluster  int
	PoolConnTTL        time.Duration
	PoolHealthInterval time.Duration

	// WebSocket hub
	WSMaxConnections int

	// Background tasks
	EnableBackgroundTasks bool
	LockFile              string
	RetentionDays         int
	CleanupInterval       time.Duration
	CleanupBatchSize      int
	SweepInterval         time.Duration
	EvalInterval          time.Duration

	// Audit sink
	AuditBufferSize int

	// Logging
	LogLevel  string
	LogFormat string
}

// Validate checks the configuration before any component is constructed, so
// misconfiguration fails fast instead of halfway through the bootstrap.
func (c ServeConfig) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database URL is required (--database-url or DATABASE_URL)")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT signing secret is required (--jwt-secret or JWT_SECRET_KEY)")
	}
	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("access token TTL must be positive, got %s", c.AccessTokenTTL)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("audit retention must be at least 1 day, got %d", c.RetentionDays)
	}
	if c.CleanupBatchSize < 1 {
		return fmt.Errorf("audit cleanup batch size must be positive, got %d", c.CleanupBatchSize)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q (expected debug, info, warn or error)", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (expected text or json)", c.LogFormat)
	}
	return nil
}

// loadEnvIfEmpty loads an environment variable into a string pointer if it's empty.
func loadEnvIfEmpty(target *string, envKey string) {
	if *target == "" {
		*target = os.Getenv(envKey)
	}
}

// parseDurationEnv parses a duration from an environment variable value.
// Returns the parsed duration and true if successful, or zero and false if parsing fails.
// Logs a warning if the value is present but invalid.
func parseDurationEnv(value, envName string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Warning: invalid duration for %s=%q: %v", envName, value, err)
		return 0, false
	}
	return d, true
}

// parseIntEnv parses an integer from an environment variable value.
// Returns the parsed int and true if successful, or zero and false if parsing fails.
// Logs a warning if the value is present but invalid.
func parseIntEnv(value, envName string) (int, bool) {
	if value == "" {
		return 0, false
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: invalid integer for %s=%q: %v", envName, value, err)
		return 0, false
	}
	return n, true
}

// parseBoolEnv parses a boolean from an environment variable value.
// Returns the parsed bool and true if successful, or false and false if parsing fails.
// Logs a warning if the value is present but invalid.
func parseBoolEnv(value, envName string) (bool, bool) {
	if value == "" {
		return false, false
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("Warning: invalid boolean for %s=%q: %v", envName, value, err)
		return false, false
	}
	return b, true
}

// splitList splits a comma-separated environment value into trimmed,
// non-empty entries.
func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// redisURLFromEnv assembles a Redis URL from the discrete REDIS_* variables
// used by container deployments that do not pass a full URL. Returns "" when
// REDIS_HOST is unset.
func redisURLFromEnv() string {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		return ""
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}

	u := url.URL{Scheme: "redis", Host: net.JoinHostPort(host, port)}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		u.User = url.UserPassword("", password)
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		u.Path = "/" + db
	}
	return u.String()
}

// loadServeEnvVars loads serve configuration from environment variables.
// Environment variables only apply to flags the user did not explicitly set,
// so an explicit flag always wins over the deployment environment.
func loadServeEnvVars(cmd *cobra.Command, config *ServeConfig) {
	if !cmd.Flags().Changed("database-url") {
		loadEnvIfEmpty(&config.DatabaseURL, "DATABASE_URL")
	}

	// A full REDIS_URL wins; the discrete REDIS_* variables are the fallback.
	if !cmd.Flags().Changed("redis-url") {
		loadEnvIfEmpty(&config.RedisURL, "REDIS_URL")
		if config.RedisURL == "" {
			config.RedisURL = redisURLFromEnv()
		}
	}

	// JWT_SECRET_KEY is the documented name; SECRET_KEY is the legacy alias.
	if !cmd.Flags().Changed("jwt-secret") {
		loadEnvIfEmpty(&config.JWTSecret, "JWT_SECRET_KEY")
		loadEnvIfEmpty(&config.JWTSecret, "SECRET_KEY")
	}

	if !cmd.Flags().Changed("access-token-ttl") {
		if minutes, ok := parseIntEnv(os.Getenv("ACCESS_TOKEN_EXPIRE_MINUTES"), "ACCESS_TOKEN_EXPIRE_MINUTES"); ok {
			config.AccessTokenTTL = time.Duration(minutes) * time.Minute
		}
	}

	if !cmd.Flags().Changed("cors-origins") {
		if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
			config.CORSOrigins = splitList(origins)
		}
	}
	if !cmd.Flags().Changed("allowed-hosts") {
		if hosts := os.Getenv("ALLOWED_HOSTS"); hosts != "" {
			config.AllowedHosts = splitList(hosts)
		}
	}
	if !cmd.Flags().Changed("webhook-secret") {
		loadEnvIfEmpty(&config.WebhookSecret, "ALERT_WEBHOOK_SECRET")
	}

	if !cmd.Flags().Changed("pool-conn-ttl") {
		if ttl, ok := parseDurationEnv(os.Getenv("POOL_CONN_TTL"), "POOL_CONN_TTL"); ok {
			config.PoolConnTTL = ttl
		}
	}

	if !cmd.Flags().Changed("ws-max-connections") {
		if n, ok := parseIntEnv(os.Getenv("WS_MAX_CONNECTIONS"), "WS_MAX_CONNECTIONS"); ok {
			config.WSMaxConnections = n
		}
	}

	// This properly handles the case where the user explicitly sets
	// --enable-background-tasks=false.
	if !cmd.Flags().Changed("enable-background-tasks") {
		if enabled, ok := parseBoolEnv(os.Getenv("ENABLE_BACKGROUND_TASKS"), "ENABLE_BACKGROUND_TASKS"); ok {
			config.EnableBackgroundTasks = enabled
		}
	}
	if !cmd.Flags().Changed("lock-file") {
		loadEnvIfEmpty(&config.LockFile, "BACKGROUND_TASKS_LOCKFILE")
	}

	if !cmd.Flags().Changed("audit-retention-days") {
		if days, ok := parseIntEnv(os.Getenv("AUDIT_LOG_RETENTION_DAYS"), "AUDIT_LOG_RETENTION_DAYS"); ok {
			config.RetentionDays = days
		}
	}
	if !cmd.Flags().Changed("audit-cleanup-interval") {
		if hours, ok := parseIntEnv(os.Getenv("AUDIT_LOG_CLEANUP_INTERVAL_HOURS"), "AUDIT_LOG_CLEANUP_INTERVAL_HOURS"); ok {
			config.CleanupInterval = time.Duration(hours) * time.Hour
		}
	}
	if !cmd.Flags().Changed("audit-cleanup-batch-size") {
		if n, ok := parseIntEnv(os.Getenv("AUDIT_LOG_CLEANUP_BATCH_SIZE"), "AUDIT_LOG_CLEANUP_BATCH_SIZE"); ok {
			config.CleanupBatchSize = n
		}
	}
}
