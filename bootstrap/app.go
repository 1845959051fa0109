package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"warden/api"
	"warden/config"
	"warden/core"
	"warden/correlate"
	"warden/ingest"
	"warden/notify"
	"warden/orchestrator"
	"warden/soar"
	"warden/storage"
	"warden/threat"
	"warden/util/goroutine"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// App is the Warden service with all of its components wired together
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Broker       *notify.Broker
	Store        storage.Store
	Enricher     *threat.Enricher
	Correlator   *correlate.Engine
	Registry     *soar.Registry
	Executor     *soar.Executor
	Orchestrator *orchestrator.Orchestrator
	APIServer    *api.API

	notifier    *notify.Notifier
	nats        *notify.NATSForwarder
	kafka       *ingest.KafkaSource
	redisCache  *threat.RedisCache
	tracer      trace.Tracer
	stopTracing func(context.Context) error

	// ctx stops background consumers on shutdown
	ctx          context.Context
	cancel       context.CancelFunc
	serviceWg    *sync.WaitGroup
	shutdownOnce sync.Once
}

// NewApp loads configuration from configPath and builds every component
func NewApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := InitConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, sugar, err := InitLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	sugar.Info("Warden starting...")
	logConfig(cfg, sugar)

	return NewAppWithConfig(ctx, cfg, logger)
}

// NewAppWithConfig builds every component from an already loaded configuration.
// Components that fail after the store is open are closed before returning.
func NewAppWithConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	appCtx, cancel := context.WithCancel(ctx)
	app := &App{
		Config:    cfg,
		Logger:    logger,
		Sugar:     logger.Sugar(),
		ctx:       appCtx,
		cancel:    cancel,
		serviceWg: &sync.WaitGroup{},
	}
	built := false
	defer func() {
		if !built {
			app.closeResources()
			cancel()
		}
	}()
	sugar := app.Sugar
	var err error

	app.tracer, app.stopTracing = InitTracer(cfg.Tracing, sugar)
	app.Broker = notify.NewBroker(sugar.Named("notify"))

	if app.Store, err = InitStore(cfg, app.Broker, sugar.Named("storage")); err != nil {
		return nil, err
	}
	if err = app.initNotifications(); err != nil {
		return nil, err
	}
	if err = app.initEnrichment(); err != nil {
		return nil, err
	}
	if err = app.initCorrelation(); err != nil {
		return nil, err
	}
	if err = app.initResponse(); err != nil {
		return nil, err
	}

	app.Orchestrator, err = orchestrator.New(orchestrator.Deps{
		Normalizer:    ingest.NewNormalizer(),
		Enricher:      app.Enricher,
		Correlator:    app.Correlator,
		Store:         app.Store,
		Responder:     app.Executor,
		StatusChanges: app.Broker,
	}, orchestrator.Config{
		Shards:             cfg.Pipeline.Shards,
		QueueSize:          cfg.Pipeline.QueueSize,
		StageTimeout:       cfg.Pipeline.StageTimeout,
		ReenrichInterval:   cfg.Pipeline.ReenrichInterval,
		ReenrichAttempts:   cfg.Pipeline.ReenrichAttempts,
		MaxConflictRetries: cfg.Pipeline.MaxConflictRetries,
		StatusBuffer:       cfg.Notify.Buffer,
	}, app.tracer, sugar.Named("pipeline"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	if cfg.Kafka.Enabled {
		topics := make(map[string]core.SensorKind, len(cfg.Kafka.Topics))
		for topic, sensor := range cfg.Kafka.Topics {
			topics[topic] = core.SensorKind(sensor)
		}
		app.kafka, err = ingest.NewKafkaSource(ingest.KafkaConfig{
			Brokers:  cfg.Kafka.Brokers,
			GroupID:  cfg.Kafka.GroupID,
			Topics:   topics,
			MinBytes: cfg.Kafka.MinBytes,
			MaxBytes: cfg.Kafka.MaxBytes,
			MaxWait:  cfg.Kafka.MaxWait,
		}, app.Orchestrator, sugar.Named("kafka"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Kafka source: %w", err)
		}
	}

	app.APIServer, err = api.NewAPI(api.Deps{
		Ingestor:  app.Orchestrator,
		Incidents: app.Store,
		Operator:  app.Orchestrator,
		Playbooks: app.Executor,
		Broker:    app.Broker,
	}, cfg, sugar.Named("api"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize API: %w", err)
	}

	built = true
	return app, nil
}

// initNotifications creates the webhook notifier and the optional NATS forwarder
func (a *App) initNotifications() error {
	a.notifier = notify.NewNotifier(a.Config.Notify.Webhooks, a.Sugar.Named("webhook"))

	nc := a.Config.Notify.NATS
	if !nc.Enabled {
		return nil
	}
	fwd, err := notify.NewNATSForwarder(notify.NATSConfig{
		URL:           nc.URL,
		SubjectPrefix: nc.SubjectPrefix,
		Name:          nc.Name,
	}, a.Sugar.Named("nats"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ClassifyConnectionError(err, "NATS", nc.URL))
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	a.nats = fwd
	return nil
}

// initEnrichment builds the provider chain, the cache tiers and the enricher
func (a *App) initEnrichment() error {
	ec := a.Config.Enrichment

	var providers []threat.Provider
	for _, pc := range ec.Providers {
		breaker := core.DefaultCircuitBreakerConfig("intel:" + pc.Name)
		if pc.MaxFailures > 0 {
			breaker.MaxFailures = pc.MaxFailures
		}
		if pc.BreakerTimeout > 0 {
			breaker.Timeout = pc.BreakerTimeout
		}
		p, err := threat.NewHTTPProvider(threat.HTTPProviderConfig{
			Name:              pc.Name,
			BaseURL:           pc.BaseURL,
			APIKey:            pc.APIKey,
			Timeout:           pc.Timeout,
			RequestsPerSecond: pc.RequestsPerSecond,
			Burst:             pc.Burst,
			Breaker:           breaker,
		}, a.Sugar.Named("intel"))
		if err != nil {
			return fmt.Errorf("failed to initialize intel provider %s: %w", pc.Name, err)
		}
		providers = append(providers, p)
	}
	if ec.InventoryFile != "" {
		inv, err := threat.LoadAssetInventory(ec.InventoryFile)
		if err != nil {
			return fmt.Errorf("failed to load asset inventory: %w", err)
		}
		providers = append(providers, inv)
	}
	if len(providers) == 0 {
		a.Sugar.Warn("No threat intel providers configured: every indicator enriches as not_found")
	}

	var shared threat.SharedCache
	if ec.Redis.Enabled {
		a.redisCache = threat.NewRedisCache(threat.RedisOptions{
			Addr:      ec.Redis.Addr,
			Password:  ec.Redis.Password,
			DB:        ec.Redis.DB,
			PoolSize:  ec.Redis.PoolSize,
			KeyPrefix: ec.Redis.KeyPrefix,
		}, a.Sugar.Named("redis"))
		ctx, cancel := context.WithTimeout(a.ctx, 3*time.Second)
		if err := a.redisCache.Ping(ctx); err != nil {
			a.Sugar.Warnw("Redis cache unreachable, lookups fall back to the local cache",
				"detail", ClassifyConnectionError(err, "Redis", ec.Redis.Addr))
		}
		cancel()
		shared = a.redisCache
	}

	cache, err := threat.NewIndicatorCache(threat.CacheConfig{
		Size:        ec.Cache.Size,
		PositiveTTL: ec.Cache.PositiveTTL,
		NegativeTTL: ec.Cache.NegativeTTL,
	}, shared, a.Sugar.Named("cache"))
	if err != nil {
		return fmt.Errorf("failed to initialize enrichment cache: %w", err)
	}

	a.Enricher = threat.NewEnricher(threat.NewComposite(a.Sugar.Named("intel"), providers...), cache, threat.EnricherConfig{
		LookupTimeout:  ec.LookupTimeout,
		MaxConcurrency: ec.MaxConcurrency,
	}, a.Sugar.Named("enrich"))
	return nil
}

func (a *App) initCorrelation() error {
	cc := a.Config.Correlation
	kinds := make([]core.IndicatorKind, 0, len(cc.Kinds))
	for _, k := range cc.Kinds {
		kinds = append(kinds, core.IndicatorKind(k))
	}

	engine, err := correlate.NewEngine(a.Store, correlate.Config{
		Window:             cc.Window,
		MinOverlap:         cc.MinOverlap,
		MaxConflictRetries: a.Config.Pipeline.MaxConflictRetries,
		DedupCacheSize:     cc.DedupCacheSize,
		Kinds:              kinds,
	}, a.Sugar.Named("correlate"))
	if err != nil {
		return fmt.Errorf("failed to initialize correlation engine: %w", err)
	}
	a.Correlator = engine
	return nil
}

// initResponse loads playbooks, routes their actions and creates the executor
func (a *App) initResponse() error {
	pc := a.Config.Playbooks

	a.Registry = soar.NewRegistry()
	if pc.Dir != "" {
		n, err := a.Registry.LoadDir(pc.Dir)
		if err != nil {
			return fmt.Errorf("failed to load playbooks: %w", err)
		}
		a.Sugar.Infow("Playbooks loaded", "dir", pc.Dir, "count", n)
	}

	router := soar.NewRouter(a.Sugar.Named("actions"))
	router.Handle(soar.ActionIntelCheck, soar.NewIntelCheckAction(a.Enricher, a.Sugar.Named("actions")))
	router.Handle(soar.ActionNotify, soar.NewNotifyAction(a.notifier, a.Sugar.Named("actions")))
	for _, ap := range pc.ActionProviders {
		provider, err := soar.NewHTTPActionProvider(soar.HTTPActionConfig{
			Name:         ap.Name,
			BaseURL:      ap.BaseURL,
			APIKey:       ap.APIKey,
			Timeout:      ap.Timeout,
			MaxFailures:  ap.MaxFailures,
			BreakerReset: ap.BreakerReset,
		}, a.Sugar.Named("actions"))
		if err != nil {
			return fmt.Errorf("failed to initialize action provider %s: %w", ap.Name, err)
		}
		for _, action := range ap.Actions {
			router.Handle(action, provider)
		}
	}

	retry := soar.DefaultRetryConfig()
	retry.MaxAttempts = pc.Retry.MaxAttempts
	retry.BaseDelay = pc.Retry.BaseDelay
	retry.MaxDelay = pc.Retry.MaxDelay
	retry.Jitter = pc.Retry.Jitter

	a.Executor = soar.NewExecutor(a.Registry, a.Store, router, soar.ExecutorConfig{
		MaxConcurrent:      pc.MaxConcurrent,
		DefaultStepTimeout: pc.DefaultStepTimeout,
		Retry:              retry,
		MaxConflictRetries: a.Config.Pipeline.MaxConflictRetries,
	}, a.Sugar.Named("soar"), soar.NewZapAuditLogger(a.Logger.Named("audit"), pc.AuditRetention))
	return nil
}

// Start fails runs a previous process left unfinished, then launches the pipeline, notification consumers, Kafka ingestion and the API server
func (a *App) Start(ctx context.Context) error {
	if _, err := a.Executor.RecoverInterrupted(ctx); err != nil {
		a.Sugar.Errorw("Failed to recover interrupted playbook runs", "error", err)
	}
	a.Orchestrator.Start()

	webhooks := a.Broker.Subscribe("webhooks", notify.SubscribeOptions{Buffer: a.Config.Notify.Buffer, Mode: notify.DropNewest})
	goroutine.Go(a.serviceWg, "webhook-notifier", a.Sugar, func() { a.notifier.Run(a.ctx, webhooks) })

	if a.nats != nil {
		sub := a.Broker.Subscribe("nats", notify.SubscribeOptions{Buffer: a.Config.Notify.Buffer, Mode: notify.DropNewest})
		goroutine.Go(a.serviceWg, "nats-forwarder", a.Sugar, func() { a.nats.Run(a.ctx, sub) })
	}

	if a.kafka != nil {
		a.kafka.Start(a.ctx)
	}

	errCh := make(chan error, 1)
	goroutine.Go(a.serviceWg, "api-server", a.Sugar, func() {
		a.Sugar.Infow("API server listening", "addr", a.Config.API.Addr)
		if err := a.APIServer.Start(); err != nil {
			errCh <- err
		}
	})

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}

	a.Sugar.Infow("Warden started", "playbooks", a.Registry.Len())
	return nil
}

// WaitForShutdown blocks until a shutdown signal is received or ctx ends
func (a *App) WaitForShutdown(ctx context.Context) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}
}

// Shutdown stops intake first, drains the pipeline and running playbooks,
// then closes connections. It is safe to call more than once.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(a.shutdown)
}

func (a *App) shutdown() {
	a.Sugar.Info("Shutting down...")
	timeout := a.Config.API.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.Sugar.Info("Phase 1: Stopping intake...")
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.Sugar.Errorw("Failed to close Kafka source", "error", err)
		}
	}
	if a.APIServer != nil {
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
	}

	a.Sugar.Info("Phase 2: Draining pipeline...")
	if a.Orchestrator != nil {
		if err := a.Orchestrator.Shutdown(ctx); err != nil {
			a.Sugar.Errorw("Pipeline drain incomplete", "error", err)
		}
	}

	a.Sugar.Info("Phase 3: Stopping playbook executor...")
	if a.Executor != nil {
		if err := a.Executor.Shutdown(ctx); err != nil {
			a.Sugar.Errorw("Playbook executor shutdown incomplete", "error", err)
		}
	}

	a.Sugar.Info("Phase 4: Stopping notification consumers...")
	a.cancel()
	if a.Broker != nil {
		a.Broker.Close()
	}
	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.Sugar.Info("All service goroutines stopped")
	case <-ctx.Done():
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}

	a.Sugar.Info("Phase 5: Closing connections...")
	a.closeResources()

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}

// closeResources releases connections and flushes spans
func (a *App) closeResources() {
	var errs []error
	if a.nats != nil {
		errs = append(errs, a.nats.Close())
	}
	if a.redisCache != nil {
		errs = append(errs, a.redisCache.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.stopTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.stopTracing(ctx))
		cancel()
	}
	if err := errors.Join(errs...); err != nil {
		a.Sugar.Errorw("Failed to close resources", "error", err)
	}
}
