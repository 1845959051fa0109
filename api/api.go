// Package api serves event ingestion, incident queries, operator actions and
// the notification stream over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"warden/config"
	"warden/core"
	"warden/ingest"
	"warden/notify"
	"warden/storage"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// rateLimiterEntry holds a rate limiter with last seen time
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Ingestor accepts raw sensor payloads
type Ingestor interface {
	Submit(ctx context.Context, p ingest.RawPayload) (string, error)
}

// IncidentReader answers incident and run queries
type IncidentReader interface {
	Get(ctx context.Context, id string) (*core.Incident, error)
	List(ctx context.Context, filter storage.IncidentFilter) ([]*core.Incident, int, error)
	GetRun(ctx context.Context, id string) (*core.PlaybookRun, error)
	ListRuns(ctx context.Context, incidentID string) ([]*core.PlaybookRun, error)
}

// IncidentOperator applies operator lifecycle decisions
type IncidentOperator interface {
	CloseIncident(ctx context.Context, id, operator, reason string) (*core.Incident, error)
	ReopenIncident(ctx context.Context, id, operator, reason string) (*core.Incident, error)
}

// PlaybookRunner starts and cancels playbook runs
type PlaybookRunner interface {
	TriggerAs(ctx context.Context, incidentID, playbook string, indicators core.IndicatorSet, actor string) (*core.PlaybookRun, error)
	Cancel(ctx context.Context, runID, actor string) error
}

// Deps are the components the API fronts. Broker is optional; without it the
// notification stream has no source.
type Deps struct {
	Ingestor  Ingestor
	Incidents IncidentReader
	Operator  IncidentOperator
	Playbooks PlaybookRunner
	Broker    *notify.Broker
}

// API holds the API server
type API struct {
	router         *mux.Router
	server         *http.Server
	deps           Deps
	config         *config.Config
	logger         *zap.SugaredLogger
	hub            *Hub
	hubSub         *notify.Subscription
	ingestLimiter  *rate.Limiter
	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	stopCh         chan struct{}
	stopOnce       sync.Once
}

// NewAPI creates a new API server and starts its notification hub
func NewAPI(deps Deps, cfg *config.Config, logger *zap.SugaredLogger) (*API, error) {
	if deps.Ingestor == nil || deps.Incidents == nil || deps.Operator == nil || deps.Playbooks == nil {
		return nil, errors.New("api: ingestor, incident reader, operator and playbook runner are required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	a := &API{
		router:        mux.NewRouter(),
		deps:          deps,
		config:        cfg,
		logger:        logger,
		hub:           NewHub(context.Background(), logger),
		ingestLimiter: rate.NewLimiter(rate.Limit(cfg.API.IngestRateLimit.RequestsPerSecond), cfg.API.IngestRateLimit.Burst),
		rateLimiters:  make(map[string]*rateLimiterEntry),
		stopCh:        make(chan struct{}),
	}

	go a.hub.Start()
	if deps.Broker != nil {
		a.hubSub = deps.Broker.Subscribe("websocket", notify.SubscribeOptions{
			Buffer: cfg.Notify.Buffer,
			Mode:   notify.DropNewest,
		})
		go a.hub.Relay(a.hubSub)
	}

	a.setupRoutes()
	go a.cleanupRateLimiters()
	return a, nil
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	a.router.Use(a.metricsMiddleware)
	a.router.Use(a.corsMiddleware)
	a.router.Use(a.rateLimitMiddleware)

	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler())

	v1 := a.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(a.identityMiddleware)
	v1.HandleFunc("/events", a.ingestEvent).Methods("POST")
	v1.HandleFunc("/incidents", a.listIncidents).Methods("GET")
	v1.HandleFunc("/incidents/{id}", a.getIncident).Methods("GET")
	v1.HandleFunc("/incidents/{id}/runs", a.listIncidentRuns).Methods("GET")
	v1.HandleFunc("/incidents/{id}/close", a.closeIncident).Methods("POST")
	v1.HandleFunc("/incidents/{id}/reopen", a.reopenIncident).Methods("POST")
	v1.HandleFunc("/incidents/{id}/playbooks/{name}", a.triggerPlaybook).Methods("POST")
	v1.HandleFunc("/runs/{id}", a.getRun).Methods("GET")
	v1.HandleFunc("/runs/{id}/cancel", a.cancelRun).Methods("POST")
	v1.HandleFunc("/stream", a.serveStream).Methods("GET")
}

// Handler returns the routed handler
func (a *API) Handler() http.Handler {
	return a.router
}

// Start starts the API server and blocks until it stops
func (a *API) Start() error {
	a.server = &http.Server{
		Addr:         a.config.API.Addr,
		Handler:      a.router,
		ReadTimeout:  a.config.API.ReadTimeout,
		WriteTimeout: a.config.API.WriteTimeout,
		IdleTimeout:  a.config.API.IdleTimeout,
	}
	a.logger.Infof("API server listening on %s", a.config.API.Addr)
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the API server and disconnects stream clients
func (a *API) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	if a.hubSub != nil {
		a.hubSub.Close()
	}
	a.hub.Stop()
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}
