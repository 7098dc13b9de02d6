package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/kubedeck/internal/alerts"
	"github.com/giantswarm/kubedeck/internal/audit"
	"github.com/giantswarm/kubedeck/internal/auth"
	"github.com/giantswarm/kubedeck/internal/background"
	"github.com/giantswarm/kubedeck/internal/cache"
	"github.com/giantswarm/kubedeck/internal/fabric"
	"github.com/giantswarm/kubedeck/internal/hub"
	"github.com/giantswarm/kubedeck/internal/instrumentation"
	"github.com/giantswarm/kubedeck/internal/kube"
	"github.com/giantswarm/kubedeck/internal/logging"
	"github.com/giantswarm/kubedeck/internal/metrics"
	"github.com/giantswarm/kubedeck/internal/server"
	"github.com/giantswarm/kubedeck/internal/singleton"
	"github.com/giantswarm/kubedeck/internal/store"
	"github.com/giantswarm/kubedeck/internal/watch"
)

// closeTimeout bounds each teardown step on shutdown so one stuck component
// cannot hold the process open indefinitely.
const closeTimeout = 10 * time.Second

// newServeCmd creates the Cobra command for starting the control plane.
func newServeCmd() *cobra.Command {
	var (
		addr          string
		corsOrigins   []string
		allowedHosts  []string
		enableHSTS    bool
		webhookSecret string

		databaseURL string
		redisURL    string

		jwtSecret      string
		accessTokenTTL time.Duration

		poolMaxPerCluster  int
		poolConnTTL        time.Duration
		poolHealthInterval time.Duration

		wsMaxConnections int

		enableBackgroundTasks bool
		lockFile              string
		retentionDays         int
		cleanupInterval       time.Duration
		cleanupBatchSize      int
		sweepInterval         time.Duration
		evalInterval          time.Duration

		auditBufferSize int

		logLevel  string
		logFormat string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the kubedeck control plane",
		Long: `Start the kubedeck control plane: the HTTP and WebSocket API over the
registered cluster fleet, plus the background loops (alert evaluation, audit
retention, client pool sweeping) when this replica wins the singleton lock.

Most settings can also come from environment variables (DATABASE_URL,
REDIS_URL, JWT_SECRET_KEY, CORS_ORIGINS, ...); an explicitly set flag always
wins over the environment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			config := ServeConfig{
				Addr:                  addr,
				CORSOrigins:           corsOrigins,
				AllowedHosts:          allowedHosts,
				EnableHSTS:            enableHSTS,
				WebhookSecret:         webhookSecret,
				DatabaseURL:           databaseURL,
				RedisURL:              redisURL,
				JWTSecret:             jwtSecret,
				AccessTokenTTL:        accessTokenTTL,
				PoolMaxPerCluster:     poolMaxPerCluster,
				PoolConnTTL:           poolConnTTL,
				PoolHealthInterval:    poolHealthInterval,
				WSMaxConnections:      wsMaxConnections,
				EnableBackgroundTasks: enableBackgroundTasks,
				LockFile:              lockFile,
				RetentionDays:         retentionDays,
				CleanupInterval:       cleanupInterval,
				CleanupBatchSize:      cleanupBatchSize,
				SweepInterval:         sweepInterval,
				EvalInterval:          evalInterval,
				AuditBufferSize:       auditBufferSize,
				LogLevel:              logLevel,
				LogFormat:             logFormat,
			}
			// Load env vars only for flags not explicitly set by user
			loadServeEnvVars(cmd, &config)

			// Security warning: CLI secret flags may be visible in process listings
			if cmd.Flags().Changed("jwt-secret") {
				log.Printf("WARNING: JWT secret provided via CLI flag - secret may be visible in process listings (ps aux)")
				log.Printf("         For better security, use the JWT_SECRET_KEY environment variable instead")
			}

			if err := config.Validate(); err != nil {
				return err
			}
			return runServe(config)
		},
	}

	// HTTP surface flags
	cmd.Flags().StringVar(&addr, "addr", ":8000", "HTTP listen address")
	cmd.Flags().StringSliceVar(&corsOrigins, "cors-origins", nil, "Allowed browser origins, comma-separated (can also be set via CORS_ORIGINS env var)")
	cmd.Flags().StringSliceVar(&allowedHosts, "allowed-hosts", nil, "Allowed Host header values, comma-separated; empty allows any (can also be set via ALLOWED_HOSTS env var)")
	cmd.Flags().BoolVar(&enableHSTS, "enable-hsts", false, "Send Strict-Transport-Security even on plaintext listeners (for TLS-terminating proxies)")
	cmd.Flags().StringVar(&webhookSecret, "webhook-secret", "", "Shared secret required on alert webhook deliveries (can also be set via ALERT_WEBHOOK_SECRET env var)")

	// Persistence flags
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (can also be set via DATABASE_URL env var)")
	cmd.Flags().StringVar(&redisURL, "redis-url", "", "Redis URL for the response cache; empty disables caching (can also be set via REDIS_URL or REDIS_HOST/REDIS_PORT env vars)")

	// Credential flags
	cmd.Flags().StringVar(&jwtSecret, "jwt-secret", "", "HS256 signing secret for access tokens (can also be set via JWT_SECRET_KEY env var)")
	cmd.Flags().DurationVar(&accessTokenTTL, "access-token-ttl", auth.DefaultAccessTokenTTL, "Access token lifetime (can also be set in minutes via ACCESS_TOKEN_EXPIRE_MINUTES env var)")

	// Client pool flags
	cmd.Flags().IntVar(&poolMaxPerCluster, "pool-max-per-cluster", 10, "Maximum live API connections per cluster")
	cmd.Flags().DurationVar(&poolConnTTL, "pool-conn-ttl", 30*time.Minute, "Lifetime of a pooled cluster connection (can also be set via POOL_CONN_TTL env var)")
	cmd.Flags().DurationVar(&poolHealthInterval, "pool-health-interval", time.Minute, "Minimum time between health probes for a pooled connection")

	// WebSocket flags
	cmd.Flags().IntVar(&wsMaxConnections, "ws-max-connections", 1000, "Maximum concurrent WebSocket connections (can also be set via WS_MAX_CONNECTIONS env var)")

	// Background task flags
	cmd.Flags().BoolVar(&enableBackgroundTasks, "enable-background-tasks", true, "Run the background loops when the singleton lock is won (can also be set via ENABLE_BACKGROUND_TASKS env var)")
	cmd.Flags().StringVar(&lockFile, "lock-file", "", "Singleton lock file path; empty uses the per-host default (can also be set via BACKGROUND_TASKS_LOCKFILE env var)")
	cmd.Flags().IntVar(&retentionDays, "audit-retention-days", 30, "Days of audit history to keep (can also be set via AUDIT_LOG_RETENTION_DAYS env var)")
	cmd.Flags().DurationVar(&cleanupInterval, "audit-cleanup-interval", 24*time.Hour, "How often audit retention runs (can also be set in hours via AUDIT_LOG_CLEANUP_INTERVAL_HOURS env var)")
	cmd.Flags().IntVar(&cleanupBatchSize, "audit-cleanup-batch-size", 5000, "Rows deleted per retention batch (can also be set via AUDIT_LOG_CLEANUP_BATCH_SIZE env var)")
	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", time.Minute, "How often expired pool connections are swept")
	cmd.Flags().DurationVar(&evalInterval, "eval-interval", alerts.DefaultInterval, "How often alert rules are evaluated")

	// Audit flags
	cmd.Flags().IntVar(&auditBufferSize, "audit-buffer-size", audit.DefaultBufferSize, "Audit entries buffered before the store writer")

	// Logging flags
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")

	return cmd
}

// newLogger builds the process logger from validated serve flags.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// runServe bootstraps every component in dependency order, serves until a
// termination signal arrives, and tears down in reverse order.
func runServe(config ServeConfig) error {
	logger := newLogger(config.LogLevel, config.LogFormat)
	slog.SetDefault(logger)

	// Setup graceful shutdown - listen for both SIGINT and SIGTERM
	shutdownCtx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Initialize OpenTelemetry instrumentation provider
	instrumentationConfig := instrumentation.DefaultConfig()
	instrumentationConfig.ServiceVersion = rootCmd.Version
	instrumentationProvider, err := instrumentation.NewProvider(shutdownCtx, instrumentationConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		if shutdownErr := instrumentationProvider.Shutdown(context.Background()); shutdownErr != nil {
			logger.Error("Instrumentation shutdown failed", logging.Err(shutdownErr))
		}
	}()
	if instrumentationProvider.Enabled() {
		logger.Info("OpenTelemetry instrumentation enabled",
			slog.String("metrics", instrumentationConfig.MetricsExporter),
			slog.String("tracing", instrumentationConfig.TracingExporter))
	}

	// Store and schema
	st, err := store.Open(shutdownCtx, config.DatabaseURL, store.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Warn("Store close failed", logging.Err(closeErr))
		}
	}()

	if err := st.Migrate(shutdownCtx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Response cache; cache.New returns a disabled cache for an empty URL.
	cacheLayer, err := cache.New(config.RedisURL, cache.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to configure cache: %w", err)
	}
	defer func() {
		if closeErr := cacheLayer.Close(); closeErr != nil {
			logger.Warn("Cache close failed", logging.Err(closeErr))
		}
	}()

	// Cluster client pool
	poolConfig := kube.DefaultPoolConfig()
	if config.PoolMaxPerCluster > 0 {
		poolConfig.MaxPerCluster = config.PoolMaxPerCluster
	}
	if config.PoolConnTTL > 0 {
		poolConfig.ConnTTL = config.PoolConnTTL
	}
	if config.PoolHealthInterval > 0 {
		poolConfig.HealthInterval = config.PoolHealthInterval
	}
	pool := kube.NewPool(
		kube.WithPoolConfig(poolConfig),
		kube.WithPoolLogger(logger),
		kube.WithPoolMetrics(instrumentationProvider.Metrics()),
	)
	defer func() {
		if closeErr := pool.Close(); closeErr != nil {
			logger.Warn("Pool close failed", logging.Err(closeErr))
		}
	}()

	// Audit sink
	auditSink := audit.NewSink(st,
		audit.WithSinkLogger(logger),
		audit.WithBufferSize(config.AuditBufferSize))
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), closeTimeout)
		defer flushCancel()
		if closeErr := auditSink.Close(flushCtx); closeErr != nil {
			logger.Warn("Audit sink close timed out", logging.Err(closeErr))
		}
	}()

	// Operation fabric over pool and registry
	fab := fabric.New(pool, st,
		fabric.WithCache(cacheLayer),
		fabric.WithRecorder(auditSink),
		fabric.WithMetrics(instrumentationProvider.Metrics()),
		fabric.WithLogger(logger),
	)

	// WebSocket hub and cluster watchers
	hubConfig := hub.DefaultConfig()
	if config.WSMaxConnections > 0 {
		hubConfig.MaxConnections = config.WSMaxConnections
	}
	h := hub.New(hub.WithConfig(hubConfig), hub.WithLogger(logger))
	defer func() {
		if closeErr := h.Close(); closeErr != nil {
			logger.Warn("Hub close failed", logging.Err(closeErr))
		}
	}()
	// Heartbeat loop: pings live connections and evicts silent ones.
	go func() {
		if runErr := h.Run(shutdownCtx); runErr != nil {
			logger.Error("Hub heartbeat loop failed", logging.Err(runErr))
		}
	}()

	watcher := watch.NewManager(pool, h, watch.WithLogger(logger))
	defer watcher.StopAll()

	// Resume watchers for clusters that were active before this start.
	clusters, err := st.ListClusters(shutdownCtx)
	if err != nil {
		return fmt.Errorf("failed to list clusters: %w", err)
	}
	for _, c := range clusters {
		if !c.Active {
			continue
		}
		if err := watcher.Start(c.Spec()); err != nil {
			logger.Warn("Failed to start cluster watcher",
				logging.ClusterID(c.ID), logging.Err(err))
		}
	}

	// Credentials
	verifier, err := auth.NewVerifier(config.JWTSecret,
		auth.WithAccessTokenTTL(config.AccessTokenTTL))
	if err != nil {
		return fmt.Errorf("failed to configure token verifier: %w", err)
	}
	resolver := auth.NewResolver(st, verifier, logger)

	// Fleet occupancy gauges; a no-op when instrumentation is disabled.
	err = instrumentationProvider.RegisterObservers(instrumentation.Observers{
		PoolClusters:     func() int64 { return int64(pool.Stats().Clusters) },
		PoolClientsInUse: func() int64 { return int64(pool.Stats().InUse) },
		HubConnections:   func() int64 { return int64(h.Stats().ActiveConnections) },
		HubRooms:         func() int64 { return int64(h.Stats().Rooms) },
		WatchedClusters:  func() int64 { return int64(watcher.Count()) },
	})
	if err != nil {
		return fmt.Errorf("failed to register fleet gauges: %w", err)
	}

	// Background loops run on whichever replica wins the singleton lock.
	if config.EnableBackgroundTasks {
		evaluator := alerts.NewEvaluator(st, fab,
			alerts.WithInterval(config.EvalInterval),
			alerts.WithEvaluatorLogger(logger))

		runnerConfig := background.DefaultConfig()
		if config.RetentionDays > 0 {
			runnerConfig.RetentionDays = config.RetentionDays
		}
		if config.CleanupInterval > 0 {
			runnerConfig.CleanupInterval = config.CleanupInterval
		}
		if config.CleanupBatchSize > 0 {
			runnerConfig.CleanupBatchSize = config.CleanupBatchSize
		}
		if config.SweepInterval > 0 {
			runnerConfig.SweepInterval = config.SweepInterval
		}

		runner := background.NewRunner(singleton.New(config.LockFile), evaluator, st, pool,
			background.WithConfig(runnerConfig),
			background.WithLogger(logger))
		go func() {
			if runErr := runner.Run(shutdownCtx); runErr != nil {
				logger.Error("Background runner failed", logging.Err(runErr))
			}
		}()
		defer func() {
			if closeErr := runner.Close(closeTimeout); closeErr != nil {
				logger.Warn("Background runner close timed out", logging.Err(closeErr))
			}
		}()
	} else {
		logger.Info("Background tasks disabled")
	}

	// HTTP surface
	serverConfig := server.DefaultConfig()
	serverConfig.Addr = config.Addr
	serverConfig.Version = rootCmd.Version
	serverConfig.CORSOrigins = config.CORSOrigins
	serverConfig.AllowedHosts = config.AllowedHosts
	serverConfig.WebhookSecret = config.WebhookSecret
	serverConfig.EnableHSTS = config.EnableHSTS

	srv, err := server.New(serverConfig, server.Deps{
		Registry: st,
		Fabric:   fab,
		Resolver: resolver,
		Verifier: verifier,
		Pool:     pool,
		Hub:      h,
		Watcher:  watcher,
		Cache:    cacheLayer,
		Audit:    auditSink,
		Recorder: metrics.NewRecorder(),
		Provider: instrumentationProvider,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to assemble server: %w", err)
	}

	logger.Info("kubedeck starting",
		slog.String("version", rootCmd.Version),
		slog.String("addr", config.Addr))
	return srv.Start(shutdownCtx)
}
