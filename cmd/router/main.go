// FlowCatalyst Message Router
//
// Standalone message router binary for production deployments.
// Consumes messages from queue (NATS/SQS) and delivers via HTTP mediation.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.flowcatalyst.tech/internal/common/health"
	"go.flowcatalyst.tech/internal/common/lifecycle"
	"go.flowcatalyst.tech/internal/common/secrets"
	"go.flowcatalyst.tech/internal/config"
	"go.flowcatalyst.tech/internal/queue"
	embeddedqueue "go.flowcatalyst.tech/internal/queue/embedded"
	natsqueue "go.flowcatalyst.tech/internal/queue/nats"
	sqsqueue "go.flowcatalyst.tech/internal/queue/sqs"
	"go.flowcatalyst.tech/internal/router/api"
	routerhealth "go.flowcatalyst.tech/internal/router/health"
	"go.flowcatalyst.tech/internal/router/manager"
	"go.flowcatalyst.tech/internal/router/mediator"
	"go.flowcatalyst.tech/internal/router/standby"
	"go.flowcatalyst.tech/internal/router/traffic"
	"go.flowcatalyst.tech/internal/router/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Configure logging
	setupLogging()

	slog.Info("Starting FlowCatalyst Message Router",
		"version", version,
		"build_time", buildTime,
		"component", "router")

	ctx := context.Background()

	// ========================================
	// 1. INFRASTRUCTURE INITIALIZATION
	// ========================================
	// Router doesn't need MongoDB, just config
	app, cleanup, err := lifecycle.Initialize(ctx, lifecycle.AppOptions{
		NeedsMongoDB: false,
	})
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// ========================================
	// 2. QUEUE SETUP
	// ========================================
	queueConsumer, queuePublisher, queueHealthCheck, err := setupQueue(ctx, app)
	if err != nil {
		slog.Error("Failed to setup queue", "error", err)
		os.Exit(1)
	}

	// ========================================
	// 3. COMPONENT WIRING
	// ========================================
	// Create components by passing ready infrastructure

	// Health checker
	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(queueHealthCheck)

	// Warning service
	warningService := warning.NewInMemoryService()
	warningHandler := warning.NewHandler(warningService)

	// Message router
	mediatorCfg := setupMediatorConfig(ctx, app.Config)
	messageRouter := manager.NewRouter(queueConsumer, mediatorCfg)
	messageRouter.Manager().
		WithWarningService(warningService).
		WithPoolLimits(&manager.PoolLimitsConfig{
			MaxPools:           app.Config.Router.MaxPools,
			WarningThreshold:   app.Config.Router.PoolWarningThreshold,
			DefaultConcurrency: app.Config.Router.DefaultConnections,
		})
	routerService := manager.NewRouterService(messageRouter)

	// Standby service for leader election
	standbyService := setupStandbyService(app.Config, routerService, warningService)

	// Traffic management (load-balancer registration), driven by standby role transitions
	trafficService := traffic.NewService(traffic.DefaultConfig())

	// Monitoring/health aggregation surfaced at /monitoring/* and /health/*
	monitoringHandler, kubeHealthHandler, healthCheckHandler, brokerHealth := setupMonitoring(
		app.Config, messageRouter, standbyService, trafficService, warningService)

	// Backlog/growth detection and periodic broker probing
	queueMonitor := routerhealth.NewQueueHealthMonitor(&routerhealth.QueueHealthMonitorConfig{
		CheckInterval:    app.Config.Health.CheckInterval,
		BacklogThreshold: app.Config.Health.BacklogThreshold,
		GrowthThreshold:  app.Config.Health.GrowthThreshold,
		GrowthPeriods:    app.Config.Health.GrowthPeriods,
	}, messageRouter, warningService)
	queueMonitor.Start()
	app.AddCleanup(func() error {
		queueMonitor.Stop()
		return nil
	})

	brokerMonitor := routerhealth.NewBrokerHealthMonitor(&routerhealth.BrokerHealthMonitorConfig{
		CheckInterval:    app.Config.Health.CheckInterval,
		FailureThreshold: app.Config.Health.FailureThreshold,
	}, brokerHealth, warningService)
	brokerMonitor.Start()
	app.AddCleanup(func() error {
		brokerMonitor.Stop()
		return nil
	})

	// Deterministic seed/test endpoints backing integration tests
	seedHandler := api.NewSeedHandler(queuePublisher)
	testEndpointsHandler := api.NewTestEndpointsHandler()

	// HTTP Router
	httpRouter := setupHTTPRouter(app.Config.HTTP.CORSOrigins, healthChecker, standbyService, warningHandler,
		monitoringHandler, kubeHealthHandler, healthCheckHandler, seedHandler, testEndpointsHandler)

	// HTTP Server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", app.Config.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ========================================
	// 4. SERVICE STARTUP
	// ========================================
	// Build the service list based on configuration
	var services []lifecycle.Service

	// HTTP service (always runs)
	httpService := lifecycle.NewHTTPService("http-server", httpServer)
	services = append(services, httpService)

	// Standby service wraps router lifecycle when leader election is enabled
	if app.Config.Leader.Enabled {
		standbyServiceWrapper := newStandbyServiceWrapper(standbyService)
		services = append(services, standbyServiceWrapper)
	} else {
		// No leader election - run router directly
		services = append(services, routerService)
	}

	slog.Info("Router ready",
		"port", app.Config.HTTP.Port,
		"queueType", app.Config.Queue.Type,
		"leaderElection", app.Config.Leader.Enabled)

	// ========================================
	// 5. RUN UNTIL SHUTDOWN
	// ========================================
	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst Message Router stopped")
}

// setupMediatorConfig builds the mediator configuration from the mediation
// settings, fetching the webhook signing secret from the configured secrets
// provider when one is available.
func setupMediatorConfig(ctx context.Context, cfg *config.Config) *mediator.HTTPMediatorConfig {
	mediatorCfg := mediator.DefaultHTTPMediatorConfig()
	if cfg.DevMode {
		mediatorCfg = mediator.DevHTTPMediatorConfig()
	}

	if cfg.Mediation.RequestTimeout > 0 {
		mediatorCfg.Timeout = cfg.Mediation.RequestTimeout
	}
	if cfg.Mediation.ConnectTimeout > 0 {
		mediatorCfg.ConnectTimeout = cfg.Mediation.ConnectTimeout
	}
	if cfg.Mediation.HeadersTimeout > 0 {
		mediatorCfg.HeadersTimeout = cfg.Mediation.HeadersTimeout
	}
	if cfg.Mediation.Retries > 0 {
		mediatorCfg.MaxRetries = cfg.Mediation.Retries
	}
	if cfg.Mediation.RetryDelay > 0 {
		mediatorCfg.BaseBackoff = cfg.Mediation.RetryDelay
	}

	provider, err := secrets.NewProvider(nil)
	if err != nil {
		slog.Warn("Failed to initialize secrets provider, webhook signing disabled", "error", err)
		return mediatorCfg
	}
	secret, err := provider.Get(ctx, "webhook-signing-secret")
	if err != nil {
		slog.Info("No webhook signing secret configured", "provider", provider.Name())
		return mediatorCfg
	}
	mediatorCfg.DefaultSigningSecret = secret
	return mediatorCfg
}

// setupLogging configures the slog default logger.
func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// setupQueue initializes the queue consumer and publisher based on configuration.
// Returns the consumer, a publisher (used by the seed endpoint), a health
// check function, and any error.
func setupQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, queue.Publisher, health.CheckFunc, error) {
	cfg := app.Config

	factory := queue.NewFactory(&queue.Config{
		Type:    cfg.Queue.Type,
		DataDir: cfg.Queue.NATS.DataDir,
	})

	switch {
	case factory.IsNATS():
		return setupNATSQueue(ctx, app)
	case factory.IsSQS():
		return setupSQSQueue(ctx, app)
	case factory.IsEmbedded():
		return setupEmbeddedQueue(ctx, app)
	default:
		return nil, nil, nil, fmt.Errorf("unknown queue type: %s (use 'embedded', 'nats' or 'sqs')", cfg.Queue.Type)
	}
}

func setupNATSQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, queue.Publisher, health.CheckFunc, error) {
	cfg := app.Config

	// An in-process JetStream server backs local/dev deployments without an
	// external broker
	if cfg.Queue.NATS.Embedded {
		embeddedCfg := natsqueue.DefaultEmbeddedConfig()
		embeddedCfg.DataDir = cfg.Queue.NATS.DataDir

		embeddedServer, err := natsqueue.NewEmbeddedServer(embeddedCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to start embedded NATS server: %w", err)
		}

		app.AddCleanup(func() error {
			slog.Info("Shutting down embedded NATS server")
			return embeddedServer.Close()
		})

		consumer, err := embeddedServer.CreateConsumer(ctx, "router-consumer", "dispatch.>", nil)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create embedded NATS consumer: %w", err)
		}

		healthCheck := health.NATSCheck(func() bool {
			return embeddedServer.Connection().IsConnected()
		})

		return consumer, embeddedServer.Publisher(), healthCheck, nil
	}

	slog.Info("Connecting to NATS server", "url", cfg.Queue.NATS.URL)

	natsClient, err := natsqueue.NewClient(&queue.NATSConfig{
		URL:        cfg.Queue.NATS.URL,
		StreamName: "DISPATCH",
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	// Register cleanup
	app.AddCleanup(func() error {
		slog.Info("Disconnecting from NATS")
		return natsClient.Close()
	})

	consumer, err := natsClient.CreateConsumer(ctx, "router-consumer", "dispatch.>")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create NATS consumer: %w", err)
	}

	healthCheck := health.NATSCheck(func() bool {
		return true // NATS client doesn't expose connection state easily
	})

	slog.Info("Connected to NATS server")
	return consumer, natsClient.Publisher(), healthCheck, nil
}

func setupSQSQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, queue.Publisher, health.CheckFunc, error) {
	cfg := app.Config

	slog.Info("Connecting to AWS SQS",
		"region", cfg.Queue.SQS.Region,
		"queueURL", cfg.Queue.SQS.QueueURL)

	sqsCfg := &queue.SQSConfig{
		QueueURL:            cfg.Queue.SQS.QueueURL,
		Region:              cfg.Queue.SQS.Region,
		WaitTimeSeconds:     int32(cfg.Queue.SQS.WaitTimeSeconds),
		VisibilityTimeout:   int32(cfg.Queue.SQS.VisibilityTimeout),
		MaxNumberOfMessages: 10,
	}

	sqsClient, err := sqsqueue.NewClient(ctx, sqsCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create SQS client: %w", err)
	}

	// Register cleanup
	app.AddCleanup(func() error {
		slog.Info("Disconnecting from SQS")
		return sqsClient.Close()
	})

	consumer, err := sqsClient.CreateConsumer(ctx, "router-consumer", "")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create SQS consumer: %w", err)
	}

	healthCheck := health.SQSCheck(func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return sqsClient.HealthCheck(checkCtx)
	})

	slog.Info("Connected to AWS SQS")
	return consumer, sqsClient.Publisher(), healthCheck, nil
}

// setupEmbeddedQueue backs the router with the SQLite-backed embedded queue
// engine, used for local development and for the deterministic seed/test
// endpoints without any external broker.
func setupEmbeddedQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, queue.Publisher, health.CheckFunc, error) {
	cfg := app.Config

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create embedded queue data dir: %w", err)
	}

	storeCfg := embeddedqueue.DefaultStoreConfig()
	storeCfg.Path = dataDir + "/queue.db"
	if cfg.Queue.Embedded.DBPath != "" {
		storeCfg.Path = cfg.Queue.Embedded.DBPath
	}
	if cfg.Queue.Embedded.VisibilityTimeout > 0 {
		storeCfg.VisibilityTimeout = cfg.Queue.Embedded.VisibilityTimeout
	}
	if cfg.Queue.Embedded.SnapshotInterval > 0 {
		storeCfg.SnapshotInterval = cfg.Queue.Embedded.SnapshotInterval
	}

	store, err := embeddedqueue.NewStore(storeCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open embedded queue store: %w", err)
	}

	app.AddCleanup(func() error {
		slog.Info("Closing embedded queue store")
		return store.Close()
	})

	embeddedQueue := embeddedqueue.NewQueue(store)

	healthCheck := health.CheckFunc(func() health.Check {
		return health.Check{Name: "embedded-queue", Status: health.StatusUp}
	})

	slog.Info("Using embedded queue store", "path", storeCfg.Path)
	return embeddedQueue, embeddedQueue, healthCheck, nil
}

// setupStandbyService configures leader election. With leader election
// enabled the Redis lock provider coordinates PRIMARY/STANDBY across
// instances; if Redis is unreachable the service degrades to an
// uncoordinated no-op lock and raises a STANDBY_REDIS warning.
func setupStandbyService(cfg *config.Config, routerService *manager.RouterService, warningService warning.Service) *standby.Service {
	standbyCfg := &standby.Config{
		Enabled:         cfg.Leader.Enabled,
		InstanceID:      cfg.Leader.InstanceID,
		LockKey:         "flowcatalyst:router:leader",
		LockTTL:         cfg.Leader.TTL,
		RefreshInterval: cfg.Leader.RefreshInterval,
	}

	callbacks := &standby.Callbacks{
		OnBecomePrimary: func() {
			slog.Info("Became PRIMARY - starting message processing")
			routerService.Resume()
		},
		OnBecomeStandby: func() {
			slog.Info("Became STANDBY - stopping message processing")
			routerService.Pause()
		},
	}

	svc := standby.NewService(standbyCfg, callbacks)

	if cfg.Leader.Enabled {
		provider, err := standby.NewRedisLockProvider(cfg.Leader.RedisURL)
		if err != nil {
			slog.Error("Redis lock provider unavailable, running uncoordinated", "error", err)
			warningService.AddWarning(warning.CategoryStandbyRedis, warning.SeverityError,
				"redis lock provider unavailable: "+err.Error(), "StandbyService")
			svc.SetLockProvider(standby.NewNoOpLockProvider(svc.GetInstanceID()))
		} else {
			svc.SetLockProvider(provider)
		}
	}

	return svc
}

// setupMonitoring wires the message router, standby service, traffic service and
// warning service into the JSON monitoring/health API described for operators
// and load balancers alongside the Prometheus metrics surface.
func setupMonitoring(
	cfg *config.Config,
	messageRouter *manager.Router,
	standbyService *standby.Service,
	trafficService *traffic.Service,
	warningService warning.Service,
) (*api.MonitoringHandler, *api.KubernetesHealthHandler, *api.HealthCheckHandler, *routerhealth.BrokerHealthService) {
	var queueType routerhealth.QueueType
	switch cfg.Queue.Type {
	case "nats":
		queueType = routerhealth.QueueTypeNATS
	case "sqs":
		queueType = routerhealth.QueueTypeSQS
	default:
		queueType = routerhealth.QueueTypeEmbedded
	}

	infraHealth := routerhealth.NewInfrastructureHealthService(true, messageRouter)
	infraHealth.SetQueueManagerStatus(true)
	brokerHealth := routerhealth.NewBrokerHealthService(true, queueType, nil)

	healthStatus := routerhealth.NewHealthStatusService(infraHealth, brokerHealth, messageRouter)
	healthStatus.SetCircuitBreakerGetter(messageRouter)
	healthStatus.SetQueueStatsGetter(messageRouter)

	warningAdapter := warning.NewHealthAdapter(warningService)
	healthStatus.SetWarningGetter(warningAdapter)

	monitoringHandler := api.NewMonitoringHandler(healthStatus, messageRouter)
	monitoringHandler.SetQueueMetrics(messageRouter)
	monitoringHandler.SetCircuitBreakerService(messageRouter, messageRouter)
	monitoringHandler.SetInFlightGetter(messageRouter)
	monitoringHandler.SetWarningService(warningAdapter, warningAdapter)
	monitoringHandler.SetStandbyService(standbyService)
	monitoringHandler.SetTrafficService(traffic.NewHealthAdapter(trafficService))
	monitoringHandler.SetInfrastructureHealth(infraHealth)
	monitoringHandler.SetConsumerHealth(messageRouter)

	kubeHealthHandler := api.NewKubernetesHealthHandler(infraHealth, brokerHealth)
	healthCheckHandler := api.NewHealthCheckHandler(infraHealth)

	return monitoringHandler, kubeHealthHandler, healthCheckHandler, brokerHealth
}

// setupHTTPRouter creates the HTTP router with health/metrics endpoints.
func setupHTTPRouter(
	corsOrigins []string,
	healthChecker *health.Checker,
	standbyService *standby.Service,
	warningHandler *warning.Handler,
	monitoringHandler *api.MonitoringHandler,
	kubeHealthHandler *api.KubernetesHealthHandler,
	healthCheckHandler *api.HealthCheckHandler,
	seedHandler *api.SeedHandler,
	testEndpointsHandler *api.TestEndpointsHandler,
) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	// Health endpoints
	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	// Standby status endpoint
	r.Get("/router/status", func(w http.ResponseWriter, req *http.Request) {
		status := standbyService.GetStatus()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"role":"%s","instanceId":"%s","standbyEnabled":%v}`,
			standbyService.GetRole(), standbyService.GetInstanceID(), status.StandbyEnabled)
	})

	// Warning endpoints
	warningHandler.RegisterRoutes(r)

	// Operator/load-balancer facing health probes
	kubeMux := http.NewServeMux()
	kubeMux.Handle("/health", healthCheckHandler)
	kubeHealthHandler.RegisterRoutes(kubeMux)
	r.Mount("/health", kubeMux)

	// Monitoring/dashboard JSON API
	monitoringMux := http.NewServeMux()
	monitoringHandler.RegisterRoutes(monitoringMux)
	r.Mount("/monitoring", monitoringMux)

	// Deterministic seed/test endpoints backing integration tests
	testMux := http.NewServeMux()
	seedHandler.RegisterRoutes(testMux)
	testEndpointsHandler.RegisterRoutes(testMux)
	r.Mount("/api", testMux)

	return r
}

// standbyServiceWrapper wraps standby.Service to implement lifecycle.Service.
type standbyServiceWrapper struct {
	service *standby.Service
}

func newStandbyServiceWrapper(svc *standby.Service) *standbyServiceWrapper {
	return &standbyServiceWrapper{service: svc}
}

func (s *standbyServiceWrapper) Name() string { return "standby-service" }

func (s *standbyServiceWrapper) Start(ctx context.Context) error {
	if err := s.service.Start(); err != nil {
		return err
	}
	// Block until context cancelled
	<-ctx.Done()
	return nil
}

func (s *standbyServiceWrapper) Stop(ctx context.Context) error {
	s.service.Stop()
	return nil
}

func (s *standbyServiceWrapper) Health() error {
	return nil
}
