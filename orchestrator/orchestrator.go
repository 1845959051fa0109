// Package orchestrator wires normalization, enrichment, correlation and response
// into one pipeline. Events from the same sensor stream are processed in arrival
// order; different streams proceed concurrently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"warden/core"
	"warden/correlate"
	"warden/ingest"
	"warden/metrics"
	"warden/notify"
	"warden/storage"
	"warden/util/goroutine"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrClosed is returned for events submitted after Shutdown
var ErrClosed = errors.New("orchestrator is shut down")

// Normalizer turns raw sensor payloads into events
type Normalizer interface {
	Normalize(p ingest.RawPayload) (*core.Event, error)
}

// Enricher attaches intel to events and retries failed indicators
type Enricher interface {
	EnrichEvent(ctx context.Context, ev *core.Event) *core.EnrichedEvent
	Enrich(ctx context.Context, set core.IndicatorSet) map[string]core.Enrichment
}

// Correlator assigns enriched events to incidents
type Correlator interface {
	Correlate(ctx context.Context, ee *core.EnrichedEvent) (*correlate.Result, error)
}

// Responder starts the playbooks whose trigger matches an incident
type Responder interface {
	TriggerMatching(ctx context.Context, inc *core.Incident) ([]*core.PlaybookRun, error)
}

// Subscriber delivers notifications of committed store writes
type Subscriber interface {
	Subscribe(name string, opts notify.SubscribeOptions) *notify.Subscription
}

// Config tunes the pipeline
type Config struct {
	// Shards is the number of ordered stream workers
	Shards    int
	QueueSize int
	// StageTimeout bounds the processing of one event
	StageTimeout time.Duration
	// ReenrichInterval is the wait before each retry of failed indicator lookups
	ReenrichInterval time.Duration
	// ReenrichAttempts caps retries before an ENRICHING incident is triaged anyway
	ReenrichAttempts   int
	MaxConflictRetries int
	// StatusBuffer is the queue of status changes waiting to trigger playbooks
	StatusBuffer int
}

// DefaultConfig returns the pipeline defaults
func DefaultConfig() Config {
	return Config{
		Shards:             8,
		QueueSize:          1024,
		StageTimeout:       30 * time.Second,
		ReenrichInterval:   time.Minute,
		ReenrichAttempts:   3,
		MaxConflictRetries: 5,
		StatusBuffer:       256,
	}
}

// Deps are the pipeline stages
type Deps struct {
	Normalizer Normalizer
	Enricher   Enricher
	Correlator Correlator
	Store      storage.IncidentStore
	// Responder is optional; without it incidents are triaged but no playbook runs
	Responder Responder
	// StatusChanges feeds the Responder. It must be the subscriber side of the
	// publisher Store writes to.
	StatusChanges Subscriber
}

// Orchestrator runs events through the pipeline
type Orchestrator struct {
	deps   Deps
	config Config
	pool   *StreamPool
	tracer trace.Tracer
	logger *zap.SugaredLogger
	now    func() time.Time

	ctx  context.Context
	stop context.CancelFunc

	reenrichMu  sync.Mutex
	reenriching map[string]bool
	reenrichWG  sync.WaitGroup

	changes   *notify.Subscription
	respondWG sync.WaitGroup
}

// New creates an orchestrator. A nil tracer uses the global provider.
func New(deps Deps, config Config, tracer trace.Tracer, logger *zap.SugaredLogger) (*Orchestrator, error) {
	if deps.Normalizer == nil || deps.Enricher == nil || deps.Correlator == nil || deps.Store == nil {
		return nil, errors.New("orchestrator: normalizer, enricher, correlator and store are required")
	}
	if deps.Responder != nil && deps.StatusChanges == nil {
		return nil, errors.New("orchestrator: a responder needs a status change subscriber")
	}
	defaults := DefaultConfig()
	if config.Shards <= 0 {
		config.Shards = defaults.Shards
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.StageTimeout <= 0 {
		config.StageTimeout = defaults.StageTimeout
	}
	if config.ReenrichInterval <= 0 {
		config.ReenrichInterval = defaults.ReenrichInterval
	}
	if config.ReenrichAttempts < 0 {
		config.ReenrichAttempts = 0
	}
	if config.MaxConflictRetries <= 0 {
		config.MaxConflictRetries = defaults.MaxConflictRetries
	}
	if config.StatusBuffer <= 0 {
		config.StatusBuffer = defaults.StatusBuffer
	}
	if tracer == nil {
		tracer = otel.Tracer("warden/orchestrator")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:        deps,
		config:      config,
		pool:        NewStreamPool(config.Shards, config.QueueSize, logger),
		tracer:      tracer,
		logger:      logger,
		now:         time.Now,
		ctx:         ctx,
		stop:        stop,
		reenriching: make(map[string]bool),
	}, nil
}

// Start launches the stream workers and, with a Responder, the consumer that
// offers every incident status change to it
func (o *Orchestrator) Start() {
	if o.deps.Responder != nil && o.changes == nil {
		o.changes = o.deps.StatusChanges.Subscribe("playbook-trigger", notify.SubscribeOptions{
			Buffer: o.config.StatusBuffer,
			Mode:   notify.Block,
			Types:  []notify.Type{notify.IncidentStatusChanged},
		})
		goroutine.Go(&o.respondWG, "playbook-trigger", o.logger, func() { o.watchStatusChanges(o.changes) })
	}
	o.pool.Start()
}

// Submit normalizes a raw payload and queues the event. Normalization errors are
// returned to the caller; nothing is queued for them.
func (o *Orchestrator) Submit(ctx context.Context, p ingest.RawPayload) (string, error) {
	ev, err := o.deps.Normalizer.Normalize(p)
	if err != nil {
		metrics.EventsIngested.WithLabelValues(string(p.Sensor), "rejected").Inc()
		return "", err
	}
	if err := o.SubmitEvent(ctx, ev); err != nil {
		return "", err
	}
	return ev.ID(), nil
}

// SubmitEvent queues an already normalized event on its stream's worker
func (o *Orchestrator) SubmitEvent(ctx context.Context, ev *core.Event) error {
	key := string(ev.Sensor()) + "/" + ev.Stream()
	err := o.pool.Submit(ctx, key, func() { o.process(ev) })
	if errors.Is(err, ErrPoolNotRunning) {
		err = ErrClosed
	}
	if err != nil {
		metrics.EventsIngested.WithLabelValues(string(ev.Sensor()), "dropped").Inc()
		return err
	}
	metrics.EventsIngested.WithLabelValues(string(ev.Sensor()), "accepted").Inc()
	return nil
}

// Shutdown drains queued events, stops background re-enrichment, then triggers
// playbooks for the status changes already delivered
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	err := o.pool.Stop(ctx)
	o.stop()

	if werr := waitFor(ctx, &o.reenrichWG); err == nil {
		err = werr
	}
	if o.changes != nil {
		o.changes.Close()
	}
	if werr := waitFor(ctx, &o.respondWG); err == nil {
		err = werr
	}
	return err
}

func waitFor(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// process runs one event through enrichment, correlation and triage
func (o *Orchestrator) process(ev *core.Event) {
	ctx, cancel := context.WithTimeout(o.ctx, o.config.StageTimeout)
	defer cancel()

	ctx, span := o.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("event.id", ev.ID()),
		attribute.String("event.sensor", string(ev.Sensor())),
		attribute.String("event.stream", ev.Stream()),
	))
	defer span.End()

	start := time.Now()
	ee := o.enrich(ctx, ev)
	metrics.EventProcessingDuration.WithLabelValues("enrich").Observe(time.Since(start).Seconds())

	res, err := o.correlate(ctx, ee)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "correlation failed")
		o.logger.Errorw("Failed to correlate event", "event_id", ev.ID(), "sensor", ev.Sensor(), "error", err)
		return
	}
	span.SetAttributes(attribute.String("incident.id", res.Incident.ID))
	if res.Duplicate || res.Suppressed {
		return
	}

	if _, err := o.triage(ctx, res.Incident); err != nil {
		span.RecordError(err)
		o.logger.Errorw("Failed to triage incident", "incident_id", res.Incident.ID, "error", err)
	}
}

func (o *Orchestrator) enrich(ctx context.Context, ev *core.Event) *core.EnrichedEvent {
	ctx, span := o.tracer.Start(ctx, "pipeline.enrich")
	defer span.End()

	ee := o.deps.Enricher.EnrichEvent(ctx, ev)
	unavailable := 0
	for _, e := range ee.Enrichment {
		if e.Unavailable() {
			unavailable++
		}
	}
	span.SetAttributes(
		attribute.Int("indicators", len(ee.Enrichment)),
		attribute.Int("indicators.unavailable", unavailable),
	)
	return ee
}

func (o *Orchestrator) correlate(ctx context.Context, ee *core.EnrichedEvent) (*correlate.Result, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.correlate")
	defer span.End()

	res, err := o.deps.Correlator.Correlate(ctx, ee)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("created", res.Created),
		attribute.Int("merged", len(res.Merged)),
	)
	return res, nil
}

// triage moves a fresh incident forward: to ENRICHING while some indicator lookups
// failed, otherwise to TRIAGED. Incidents already past triage are left alone, but a
// failed lookup still schedules background re-enrichment.
func (o *Orchestrator) triage(ctx context.Context, inc *core.Incident) (*core.Incident, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.triage", trace.WithAttributes(attribute.String("incident.id", inc.ID)))
	defer span.End()

	updated, err := o.mutate(ctx, inc, func(cur *core.Incident) (bool, error) {
		target := core.IncidentTriaged
		if len(cur.UnavailableIndicators()) > 0 {
			target = core.IncidentEnriching
		}
		if cur.Status == target || !cur.CanTransitionTo(target) {
			return false, nil
		}
		reason := "enrichment complete"
		if target == core.IncidentEnriching {
			reason = "enrichment unavailable for some indicators"
		}
		return true, cur.TransitionTo(target, "system", reason, o.now().UTC())
	})
	if err != nil {
		return nil, err
	}

	if updated.IsOpen() && len(updated.UnavailableIndicators()) > 0 {
		o.scheduleReenrich(updated.ID)
	}
	return updated, nil
}

// watchStatusChanges offers each incident to the Responder in the status it
// changed to
func (o *Orchestrator) watchStatusChanges(sub *notify.Subscription) {
	for n := range sub.C() {
		if n.Incident == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), o.config.StageTimeout)
		o.respond(ctx, n.Incident, n.From)
		cancel()
	}
}

func (o *Orchestrator) respond(ctx context.Context, inc *core.Incident, from core.IncidentStatus) {
	if !inc.IsOpen() {
		return
	}
	ctx, span := o.tracer.Start(ctx, "pipeline.respond", trace.WithAttributes(
		attribute.String("incident.id", inc.ID),
		attribute.String("incident.from", string(from)),
		attribute.String("incident.status", string(inc.Status)),
	))
	defer span.End()

	runs, err := o.deps.Responder.TriggerMatching(ctx, inc)
	span.SetAttributes(attribute.Int("runs", len(runs)))
	if err != nil {
		span.RecordError(err)
		o.logger.Warnw("Failed to trigger playbooks", "incident_id", inc.ID, "error", err)
	}
}

// mutate applies fn to the latest version of the incident and writes it back,
// re-reading on version conflicts. fn reports whether it changed anything.
func (o *Orchestrator) mutate(ctx context.Context, inc *core.Incident, fn func(*core.Incident) (bool, error)) (*core.Incident, error) {
	cur := inc.Clone()
	for attempt := 0; ; attempt++ {
		changed, err := fn(cur)
		if err != nil {
			return nil, err
		}
		if !changed {
			return cur, nil
		}

		err = o.deps.Store.Update(ctx, cur)
		if err == nil {
			metrics.IncidentStatusChanges.WithLabelValues(string(cur.Status)).Inc()
			return cur, nil
		}
		if !errors.Is(err, core.ErrStaleIncidentVersion) || attempt >= o.config.MaxConflictRetries {
			if errors.Is(err, core.ErrStaleIncidentVersion) {
				return nil, fmt.Errorf("%w: incident %s: %v", core.ErrIncidentContention, inc.ID, err)
			}
			return nil, err
		}

		cur, err = o.deps.Store.Get(ctx, inc.ID)
		if err != nil {
			return nil, err
		}
	}
}

// CloseIncident closes an incident on operator confirmation
func (o *Orchestrator) CloseIncident(ctx context.Context, id, operator, reason string) (*core.Incident, error) {
	inc, err := o.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := o.mutate(ctx, inc, func(cur *core.Incident) (bool, error) {
		return true, cur.TransitionTo(core.IncidentClosed, operator, reason, o.now().UTC())
	})
	if err != nil {
		return nil, err
	}
	o.logger.Infow("Incident closed", "incident_id", id, "operator", operator)
	return updated, nil
}

// ReopenIncident moves a closed incident back to OPEN, which offers it to
// playbooks triggered on OPEN. The next attached event triages it again.
func (o *Orchestrator) ReopenIncident(ctx context.Context, id, operator, reason string) (*core.Incident, error) {
	inc, err := o.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := o.mutate(ctx, inc, func(cur *core.Incident) (bool, error) {
		return true, cur.Reopen(operator, reason, o.now().UTC())
	})
	if err != nil {
		return nil, err
	}
	o.logger.Infow("Incident reopened", "incident_id", id, "operator", operator)
	return updated, nil
}

// scheduleReenrich starts one background retry loop per incident
func (o *Orchestrator) scheduleReenrich(id string) {
	if o.config.ReenrichAttempts == 0 {
		return
	}
	o.reenrichMu.Lock()
	defer o.reenrichMu.Unlock()
	if o.reenriching[id] || o.ctx.Err() != nil {
		return
	}
	o.reenriching[id] = true

	goroutine.Go(&o.reenrichWG, "reenrich-"+id, o.logger, func() {
		defer func() {
			o.reenrichMu.Lock()
			delete(o.reenriching, id)
			o.reenrichMu.Unlock()
		}()
		o.reenrich(id)
	})
}

// reenrich retries failed lookups until they resolve or attempts run out. An
// incident still ENRICHING after the last attempt is triaged with partial context.
func (o *Orchestrator) reenrich(id string) {
	timer := time.NewTimer(o.config.ReenrichInterval)
	defer timer.Stop()

	for attempt := 1; attempt <= o.config.ReenrichAttempts; attempt++ {
		select {
		case <-o.ctx.Done():
			return
		case <-timer.C:
		}
		timer.Reset(o.config.ReenrichInterval)

		done, err := o.reenrichOnce(id, attempt == o.config.ReenrichAttempts)
		if err != nil {
			o.logger.Warnw("Re-enrichment failed", "incident_id", id, "attempt", attempt, "error", err)
			if errors.Is(err, core.ErrIncidentNotFound) {
				return
			}
			continue
		}
		if done {
			return
		}
	}
}

// reenrichOnce reports whether nothing is left to retry. The final attempt
// triages the incident even when lookups still fail.
func (o *Orchestrator) reenrichOnce(id string, final bool) (bool, error) {
	ctx, cancel := context.WithTimeout(o.ctx, o.config.StageTimeout)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "pipeline.reenrich", trace.WithAttributes(attribute.String("incident.id", id)))
	defer span.End()

	inc, err := o.deps.Store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !inc.IsOpen() {
		return true, nil
	}
	failed := inc.UnavailableIndicators()
	if len(failed) == 0 {
		return true, nil
	}

	results := o.deps.Enricher.Enrich(ctx, failed)
	resolved := make(map[string]core.Enrichment, len(results))
	for k, e := range results {
		if !e.Unavailable() {
			resolved[k] = e
		}
	}
	span.SetAttributes(attribute.Int("indicators", len(failed)), attribute.Int("resolved", len(resolved)))

	updated, err := o.mutate(ctx, inc, func(cur *core.Incident) (bool, error) {
		if !cur.IsOpen() {
			return false, nil
		}
		changed := false
		if len(resolved) > 0 {
			cur.UpdateEnrichment(resolved, o.now().UTC())
			changed = true
		}
		if cur.Status != core.IncidentEnriching {
			return changed, nil
		}
		reason := "enrichment complete"
		if len(cur.UnavailableIndicators()) > 0 {
			if !final {
				return changed, nil
			}
			reason = "enrichment unavailable; triaged with partial context"
		}
		return true, cur.TransitionTo(core.IncidentTriaged, "system", reason, o.now().UTC())
	})
	if err != nil {
		return false, err
	}
	if len(resolved) > 0 {
		o.logger.Infow("Re-enriched incident", "incident_id", id, "resolved", len(resolved), "remaining", len(updated.UnavailableIndicators()))
	}
	return len(updated.UnavailableIndicators()) == 0 || !updated.IsOpen(), nil
}
