package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/giantswarm/kubedeck/internal/alerts"
	"github.com/giantswarm/kubedeck/internal/audit"
	"github.com/giantswarm/kubedeck/internal/auth"
	"github.com/giantswarm/kubedeck/internal/cache"
	"github.com/giantswarm/kubedeck/internal/fabric"
	"github.com/giantswarm/kubedeck/internal/hub"
	"github.com/giantswarm/kubedeck/internal/instrumentation"
	"github.com/giantswarm/kubedeck/internal/kube"
	"github.com/giantswarm/kubedeck/internal/logging"
	"github.com/giantswarm/kubedeck/internal/metrics"
	serverMiddleware "github.com/giantswarm/kubedeck/internal/server/middleware"
	"github.com/giantswarm/kubedeck/internal/store"
	"github.com/giantswarm/kubedeck/internal/watch"
)

// Dependency validation errors returned by New.
var (
	ErrMissingRegistry = errors.New("registry is required")
	ErrMissingFabric   = errors.New("fabric is required")
	ErrMissingResolver = errors.New("auth resolver is required")
	ErrMissingVerifier = errors.New("token verifier is required")
)

// Config holds the HTTP surface settings.
type Config struct {
	// Addr is the listen address, e.g. ":8000".
	Addr string

	// Version is reported on the liveness endpoint.
	Version string

	// CORSOrigins are the allowed browser origins. "*" allows any origin.
	// Empty means no cross-origin access.
	CORSOrigins []string

	// AllowedHosts restricts the Host header when non-empty.
	AllowedHosts []string

	// WebhookSecret, when set, must accompany alert webhook deliveries as
	// an X-Alert-Secret header or token query parameter.
	WebhookSecret string

	// EnableHSTS forces the Strict-Transport-Security header even on
	// plaintext listeners, for deployments behind a TLS terminator.
	EnableHSTS bool

	// ReadHeaderTimeout bounds how long a client may take to send headers.
	ReadHeaderTimeout time.Duration

	// IdleTimeout bounds keep-alive connections between requests.
	IdleTimeout time.Duration

	// ShutdownTimeout bounds the graceful drain on shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8000",
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
	}
}

// Deps are the components the server dispatches to. Registry, Fabric,
// Resolver and Verifier are mandatory; everything else degrades to a no-op
// when absent.
type Deps struct {
	Registry Registry
	Fabric   *fabric.Fabric
	Resolver *auth.Resolver
	Verifier *auth.Verifier

	Pool     *kube.Pool
	Hub      *hub.Hub
	Watcher  *watch.Manager
	Cache    cache.Cache
	Audit    *audit.Sink
	Recorder *metrics.Recorder
	Provider *instrumentation.Provider
	Logger   *slog.Logger
}

// Server is the HTTP and WebSocket surface of the control plane.
type Server struct {
	config   Config
	registry Registry
	fabric   *fabric.Fabric
	resolver *auth.Resolver
	verifier *auth.Verifier
	pool     *kube.Pool
	hub      *hub.Hub
	watcher  *watch.Manager
	cache    cache.Cache
	audit    *audit.Sink
	recorder *metrics.Recorder
	provider *instrumentation.Provider
	ingestor *alerts.Ingestor
	validate *validator.Validate
	upgrader websocket.Upgrader
	logger   *slog.Logger
	now      func() time.Time

	httpServer *http.Server
}

// New assembles the server. The alert webhook ingestor is built here from
// the registry; pool and hub stats are registered on the recorder so the
// monitoring endpoints can serve them.
func New(config Config, deps Deps) (*Server, error) {
	switch {
	case deps.Registry == nil:
		return nil, ErrMissingRegistry
	case deps.Fabric == nil:
		return nil, ErrMissingFabric
	case deps.Resolver == nil:
		return nil, ErrMissingResolver
	case deps.Verifier == nil:
		return nil, ErrMissingVerifier
	}

	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = DefaultConfig().ReadHeaderTimeout
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "server")

	cacheLayer := deps.Cache
	if cacheLayer == nil {
		cacheLayer = cache.NoopCache{}
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = metrics.NewRecorder()
	}

	s := &Server{
		config:   config,
		registry: deps.Registry,
		fabric:   deps.Fabric,
		resolver: deps.Resolver,
		verifier: deps.Verifier,
		pool:     deps.Pool,
		hub:      deps.Hub,
		watcher:  deps.Watcher,
		cache:    cacheLayer,
		audit:    deps.Audit,
		recorder: recorder,
		provider: deps.Provider,
		ingestor: alerts.NewIngestor(deps.Registry, alerts.WithIngestorLogger(logger)),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		now:      time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(config.CORSOrigins),
	}

	if deps.Pool != nil {
		recorder.RegisterProvider("pool", func() any { return deps.Pool.Stats() })
	}
	if deps.Hub != nil {
		recorder.RegisterProvider("ws", func() any { return deps.Hub.Stats() })
	}

	return s, nil
}

// Router assembles the full middleware chain and route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(serverMiddleware.Recoverer(s.logger))
	r.Use(serverMiddleware.RequestID)
	if len(s.config.AllowedHosts) > 0 {
		r.Use(serverMiddleware.AllowedHosts(s.config.AllowedHosts))
	}
	r.Use(serverMiddleware.SecurityHeaders(serverMiddleware.SecurityHeadersConfig{
		EnableHSTS: s.config.EnableHSTS,
	}))
	if len(s.config.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.config.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(serverMiddleware.Metrics(s.recorder, s.provider))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		// Credential exchange and external alert delivery carry their own
		// authentication; everything else goes through the authenticator.
		api.Post("/auth/login", s.handleLogin)
		api.Post("/auth/refresh", s.handleRefresh)
		api.Post("/alerts/webhook", s.handleAlertWebhook)

		api.Group(func(priv chi.Router) {
			priv.Use(serverMiddleware.Authenticator(s.resolver, s.logger))

			priv.Post("/auth/logout", s.handleLogout)
			priv.Get("/auth/me", s.handleMe)

			priv.Route("/clusters", func(cr chi.Router) {
				cr.Get("/", s.handleListClusters)
				cr.Post("/", s.handleCreateCluster)
				cr.Get("/{clusterID}", s.handleGetCluster)
				cr.Put("/{clusterID}", s.handleUpdateCluster)
				cr.Delete("/{clusterID}", s.handleDeleteCluster)
				cr.Post("/{clusterID}/activate", s.handleActivateCluster)
				cr.Post("/{clusterID}/test-connection", s.handleTestConnection)
			})

			for _, kind := range kube.RoutedKinds() {
				switch kind.Name {
				case "namespaces":
					priv.Route("/"+kind.Route, func(kr chi.Router) {
						s.mountNamespaceRoutes(kr, kind)
					})
				case "pods":
					priv.Route("/"+kind.Route, func(kr chi.Router) {
						s.mountKindRoutes(kr, kind)
						s.mountPodRoutes(kr)
					})
				default:
					priv.Route("/"+kind.Route, func(kr chi.Router) {
						s.mountKindRoutes(kr, kind)
					})
				}
			}

			priv.Route("/monitoring", func(mr chi.Router) {
				mr.Get("/stats", s.handleMonitoringStats)
				mr.Get("/pool", s.handleMonitoringPool)
				mr.Get("/ws", s.handleMonitoringWS)
				mr.Get("/audit", s.handleMonitoringAudit)
			})

			priv.Route("/alerts", func(ar chi.Router) {
				ar.Get("/rules", s.handleListAlertRules)
				ar.Post("/rules", s.handleCreateAlertRule)
				ar.Get("/rules/{ruleID}", s.handleGetAlertRule)
				ar.Put("/rules/{ruleID}", s.handleUpdateAlertRule)
				ar.Delete("/rules/{ruleID}", s.handleDeleteAlertRule)
				ar.Get("/events", s.handleListAlertEvents)
			})

			priv.Route("/job-templates", func(jr chi.Router) {
				jr.Get("/", s.handleListJobTemplates)
				jr.Post("/", s.handleCreateJobTemplate)
				jr.Get("/{templateID}", s.handleGetJobTemplate)
				jr.Put("/{templateID}", s.handleUpdateJobTemplate)
				jr.Delete("/{templateID}", s.handleDeleteJobTemplate)
				jr.Post("/{templateID}/run", s.handleRunJobTemplate)
				jr.Get("/{templateID}/history", s.handleJobTemplateHistory)
			})
			priv.Get("/job-runs/{runID}", s.handleGetJobRun)

			priv.Get("/ws", s.handleWS)
		})
	})

	return r
}

// Start serves until the context is canceled, then drains connections for at
// most ShutdownTimeout. A clean shutdown returns nil.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", slog.String("addr", s.config.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("HTTP server shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return <-errCh
}

// activeClusterID resolves the cluster a request addresses: the cluster_id
// query parameter when present, the active cluster otherwise.
func (s *Server) activeClusterID(r *http.Request) (int64, error) {
	id, err := queryInt64(r, "cluster_id", 0)
	if err != nil {
		return 0, err
	}
	if id > 0 {
		return id, nil
	}

	active, err := s.registry.GetActiveCluster(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, ErrNoActiveCluster
		}
		return 0, err
	}
	return active.ID, nil
}

// authorize runs the permission gate for the request's resolved identity.
func authorize(r *http.Request, level auth.Level, clusterID int64, namespace string) error {
	actx, _ := auth.FromContext(r.Context())
	return auth.Decide(actx, level, clusterID, namespace)
}

// record emits one audit entry for a mutation the server handles directly:
// registry writes, auth events, alert rules, job templates. Fleet mutations
// are audited by the fabric instead.
func (s *Server) record(r *http.Request, entry audit.Entry) {
	if s.audit == nil {
		return
	}
	entry.Time = s.now()
	if entry.UserID == nil {
		if actx, ok := auth.FromContext(r.Context()); ok && actx != nil {
			uid := actx.UserID
			entry.UserID = &uid
		}
	}
	if meta, ok := audit.MetaFromContext(r.Context()); ok {
		entry.IP = meta.IP
		entry.UserAgent = meta.UserAgent
	} else {
		entry.IP = serverMiddleware.ClientIP(r)
		entry.UserAgent = r.UserAgent()
	}
	s.audit.Record(entry)
}
