package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_events_ingested_total",
			Help: "Total number of raw payloads accepted for normalization",
		},
		[]string{"sensor", "result"},
	)

	EventProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_event_processing_duration_seconds",
			Help:    "Time taken per pipeline stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	PipelineQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_pipeline_queue_depth",
			Help: "Events waiting per stream worker shard",
		},
		[]string{"shard"},
	)

	EnrichmentLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_enrichment_lookups_total",
			Help: "Enrichment lookups by indicator kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	EnrichmentCacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_enrichment_cache_events_total",
			Help: "Enrichment cache hits, misses and evictions per tier",
		},
		[]string{"tier", "event"},
	)

	EnrichmentCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_enrichment_coalesced_total",
			Help: "Lookups served by an in-flight call for the same indicator",
		},
	)

	IncidentsCorrelated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_incidents_correlated_total",
			Help: "Correlation outcomes: created, attached, merged, duplicate",
		},
		[]string{"outcome"},
	)

	IncidentConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_incident_version_conflicts_total",
			Help: "Compare-and-swap conflicts retried by the correlation engine",
		},
	)

	IncidentStatusChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_incident_status_changes_total",
			Help: "Incident status transitions by target status",
		},
		[]string{"status"},
	)

	PlaybookRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_playbook_runs_total",
			Help: "Playbook runs by playbook and final status",
		},
		[]string{"playbook", "status"},
	)

	PlaybookStepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_playbook_step_retries_total",
			Help: "Playbook step retries by action and error type",
		},
		[]string{"action", "error_type"},
	)

	PlaybookStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_playbook_step_duration_seconds",
			Help:    "Duration of playbook steps including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action", "status"},
	)

	PlaybooksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_playbooks_active",
			Help: "Playbook runs currently executing",
		},
	)

	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_notifications_dropped_total",
			Help: "Notifications dropped because a subscriber buffer was full",
		},
		[]string{"subscriber"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_circuit_breaker_open",
			Help: "1 when the named provider circuit breaker is open",
		},
		[]string{"name"},
	)

	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_api_requests_total",
			Help: "API requests by route template and status code",
		},
		[]string{"route", "code"},
	)

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_websocket_clients",
			Help: "Connected notification stream clients",
		},
	)
)
