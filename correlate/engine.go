package correlate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"warden/core"
	"warden/metrics"
	"warden/storage"
	"warden/util/keylock"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Config controls how events are grouped
type Config struct {
	// Window is how far an event may be from an incident's nearest member event
	Window time.Duration
	// MinOverlap is the number of shared indicators required to join an incident
	MinOverlap int
	// MaxConflictRetries bounds re-reads after a concurrent incident update
	MaxConflictRetries int
	// DedupCacheSize bounds the repeated-detection fingerprint cache
	DedupCacheSize int
	// Kinds restricts which indicator kinds group events; empty means all
	Kinds []core.IndicatorKind
}

// DefaultConfig returns the defaults used when nothing is configured
func DefaultConfig() Config {
	return Config{
		Window:             30 * time.Minute,
		MinOverlap:         1,
		MaxConflictRetries: 5,
		DedupCacheSize:     100000,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Window <= 0 {
		return errors.New("correlation window must be positive")
	}
	if c.MinOverlap < 1 {
		return errors.New("correlation min_overlap must be at least 1")
	}
	if c.MaxConflictRetries < 0 {
		return errors.New("correlation max_conflict_retries must not be negative")
	}
	if c.DedupCacheSize <= 0 {
		return errors.New("correlation dedup_cache_size must be positive")
	}
	for _, k := range c.Kinds {
		if !k.IsValid() {
			return fmt.Errorf("unknown indicator kind %q", k)
		}
	}
	return nil
}

// Result describes what Correlate did with an event
type Result struct {
	Incident *core.Incident
	// Created is set when the event opened a new incident
	Created bool
	// Attached is set when the event joined an existing incident
	Attached bool
	// Merged lists incidents absorbed into Incident
	Merged []string
	// Duplicate is set when the event ID was already a member; nothing changed
	Duplicate bool
	// Suppressed is set for a repeated detection counted but not added
	Suppressed bool
}

func (r *Result) outcome() string {
	switch {
	case r.Duplicate:
		return "duplicate"
	case r.Suppressed:
		return "suppressed"
	case len(r.Merged) > 0:
		return "merged"
	case r.Created:
		return "created"
	default:
		return "attached"
	}
}

// Engine groups enriched events into incidents
type Engine struct {
	store  storage.IncidentStore
	config Config
	locks  *keylock.Locker
	seen   *lru.Cache[string, string] // event fingerprint -> incident ID
	logger *zap.SugaredLogger
	now    func() time.Time
	newID  func() string
}

// NewEngine creates a correlation engine over store
func NewEngine(store storage.IncidentStore, config Config, logger *zap.SugaredLogger) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	seen, err := lru.New[string, string](config.DedupCacheSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{
		store:  store,
		config: config,
		locks:  keylock.New(),
		seen:   seen,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

// Correlate assigns an enriched event to an incident.
// Every indicator of the event is locked for the duration, so two events sharing an
// indicator are never correlated at the same time.
func (e *Engine) Correlate(ctx context.Context, ee *core.EnrichedEvent) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.EventProcessingDuration.WithLabelValues("correlate").Observe(time.Since(start).Seconds())
	}()

	unlock := e.locks.Lock(ee.Event.Indicators().Keys())
	defer unlock()

	var lastErr error
	for attempt := 0; attempt <= e.config.MaxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := e.correlateOnce(ctx, ee)
		if err == nil {
			metrics.IncidentsCorrelated.WithLabelValues(res.outcome()).Inc()
			return res, nil
		}
		if !errors.Is(err, core.ErrStaleIncidentVersion) && !errors.Is(err, core.ErrEventAlreadyAssigned) {
			return nil, err
		}
		// Another writer touched one of the incidents; re-read and decide again.
		metrics.IncidentConflicts.Inc()
		lastErr = err
		e.logger.Debugw("Incident conflict, retrying", "event_id", ee.Event.ID(), "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("%w: event %s after %d attempts: %v", core.ErrIncidentContention, ee.Event.ID(), e.config.MaxConflictRetries+1, lastErr)
}

func (e *Engine) correlateOnce(ctx context.Context, ee *core.EnrichedEvent) (*Result, error) {
	ev := ee.Event
	now := e.now().UTC()

	if owner, ok, err := e.store.IncidentForEvent(ctx, ev.ID()); err != nil {
		return nil, err
	} else if ok {
		inc, err := e.store.Get(ctx, owner)
		if err != nil {
			return nil, err
		}
		return &Result{Incident: inc, Duplicate: true}, nil
	}

	if res, err := e.suppressRepeat(ctx, ev, now); res != nil || err != nil {
		return res, err
	}

	candidates, err := e.candidates(ctx, ev)
	if err != nil {
		return nil, err
	}

	var res *Result
	switch len(candidates) {
	case 0:
		inc := core.NewIncident(e.newID(), ee, now)
		if err := e.store.Create(ctx, inc); err != nil {
			return nil, err
		}
		e.logger.Infow("Incident opened", "incident_id", inc.ID, "event_id", ev.ID(), "severity", inc.Severity)
		res = &Result{Incident: inc, Created: true}

	case 1:
		inc := candidates[0]
		if err := inc.AttachEvent(ee, now); err != nil {
			return nil, err
		}
		if err := e.store.Update(ctx, inc); err != nil {
			return nil, err
		}
		res = &Result{Incident: inc, Attached: true}

	default:
		core.OldestFirst(candidates)
		target, sources := candidates[0], candidates[1:]
		merged := make([]string, 0, len(sources))
		for _, src := range sources {
			target.AbsorbMerge(src, now)
			src.MarkMergedInto(target.ID, now)
			merged = append(merged, src.ID)
		}
		if err := target.AttachEvent(ee, now); err != nil {
			return nil, err
		}
		if err := e.store.Merge(ctx, target, sources); err != nil {
			return nil, err
		}
		e.logger.Infow("Incidents merged", "incident_id", target.ID, "merged", merged, "event_id", ev.ID())
		res = &Result{Incident: target, Attached: true, Merged: merged}
	}

	e.seen.Add(ev.Fingerprint(), res.Incident.ID)
	return res, nil
}

// suppressRepeat counts a detection already seen under another event ID
func (e *Engine) suppressRepeat(ctx context.Context, ev *core.Event, now time.Time) (*Result, error) {
	id, ok := e.seen.Get(ev.Fingerprint())
	if !ok {
		return nil, nil
	}

	inc, err := e.followMerges(ctx, id)
	if errors.Is(err, core.ErrIncidentNotFound) {
		e.seen.Remove(ev.Fingerprint())
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !inc.IsOpen() || !inc.InWindow(ev.Timestamp(), e.config.Window) {
		return nil, nil
	}

	inc.RecordDuplicate(ev.ID(), now)
	if err := e.store.Update(ctx, inc); err != nil {
		return nil, err
	}
	return &Result{Incident: inc, Suppressed: true}, nil
}

// followMerges resolves an incident ID through merged_into links
func (e *Engine) followMerges(ctx context.Context, id string) (*core.Incident, error) {
	for hops := 0; ; hops++ {
		inc, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if inc.MergedInto == "" || hops >= 16 {
			return inc, nil
		}
		id = inc.MergedInto
	}
}

// candidates returns open incidents the event may join
func (e *Engine) candidates(ctx context.Context, ev *core.Event) ([]*core.Incident, error) {
	set := ev.Indicators().Filter(e.config.Kinds...)
	if len(set) == 0 {
		return nil, nil
	}
	open, err := e.store.FindOpenByIndicators(ctx, set)
	if err != nil {
		return nil, err
	}
	out := open[:0]
	for _, inc := range open {
		if inc.Indicators.Overlap(set) >= e.config.MinOverlap && inc.InWindow(ev.Timestamp(), e.config.Window) {
			out = append(out, inc)
		}
	}
	return out, nil
}
