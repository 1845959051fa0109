package correlate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"warden/core"
	"warden/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, store storage.IncidentStore, mutate ...func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := NewEngine(store, cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	var clock atomic.Int64
	e.now = func() time.Time { return t0.Add(time.Duration(clock.Add(1)) * time.Millisecond) }
	var seq atomic.Int64
	e.newID = func() string { return fmt.Sprintf("inc-%03d", seq.Add(1)) }
	return e
}

func indicator(t *testing.T, kind core.IndicatorKind, v string) core.Indicator {
	t.Helper()
	ind, err := core.NewIndicator(kind, v)
	require.NoError(t, err)
	return ind
}

func event(t *testing.T, id string, at time.Duration, sev core.Severity, inds ...core.Indicator) *core.EnrichedEvent {
	t.Helper()
	ev, err := core.NewEvent(core.EventParams{
		ID:         id,
		Sensor:     core.SensorSuricata,
		Timestamp:  t0.Add(at),
		Severity:   sev,
		Signature:  "sig-" + id,
		Indicators: inds,
	})
	require.NoError(t, err)
	return &core.EnrichedEvent{Event: ev, Enrichment: map[string]core.Enrichment{}}
}

func TestEngine_WindowScenario(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(nil)
	e := newTestEngine(t, store)
	ip := indicator(t, core.IndicatorIP, "1.2.3.4")

	a, err := e.Correlate(ctx, event(t, "A", 0, core.SeverityMedium, ip))
	require.NoError(t, err)
	assert.True(t, a.Created)

	b, err := e.Correlate(ctx, event(t, "B", 10*time.Minute, core.SeverityMedium, ip))
	require.NoError(t, err)
	assert.True(t, b.Attached)
	assert.Equal(t, a.Incident.ID, b.Incident.ID)
	assert.Equal(t, []string{"A", "B"}, b.Incident.EventIDs)

	c, err := e.Correlate(ctx, event(t, "C", 40*time.Minute, core.SeverityMedium, ip))
	require.NoError(t, err)
	assert.True(t, c.Created, "an event a full window after the latest member opens a new incident")
	assert.NotEqual(t, a.Incident.ID, c.Incident.ID)
}

func TestEngine_SeverityRaised(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, storage.NewMemoryStore(nil))
	host := indicator(t, core.IndicatorHost, "ws-01")

	_, err := e.Correlate(ctx, event(t, "e1", 0, core.SeverityMedium, host))
	require.NoError(t, err)
	res, err := e.Correlate(ctx, event(t, "e2", time.Minute, core.SeverityHigh, host))
	require.NoError(t, err)
	assert.Equal(t, core.SeverityHigh, res.Incident.Severity)

	res, err = e.Correlate(ctx, event(t, "e3", 2*time.Minute, core.SeverityLow, host))
	require.NoError(t, err)
	assert.Equal(t, core.SeverityHigh, res.Incident.Severity, "severity never decreases")
}

func TestEngine_NoSharedIndicatorsAreDistinct(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, storage.NewMemoryStore(nil))

	a, err := e.Correlate(ctx, event(t, "e1", 0, core.SeverityLow, indicator(t, core.IndicatorIP, "10.0.0.1")))
	require.NoError(t, err)
	b, err := e.Correlate(ctx, event(t, "e2", time.Minute, core.SeverityLow, indicator(t, core.IndicatorIP, "10.0.0.2")))
	require.NoError(t, err)
	assert.NotEqual(t, a.Incident.ID, b.Incident.ID)
}

func TestEngine_MergeIntoOldest(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(nil)
	e := newTestEngine(t, store)
	ipA := indicator(t, core.IndicatorIP, "10.0.0.1")
	ipB := indicator(t, core.IndicatorIP, "10.0.0.2")

	first, err := e.Correlate(ctx, event(t, "e1", 0, core.SeverityLow, ipA))
	require.NoError(t, err)
	second, err := e.Correlate(ctx, event(t, "e2", time.Minute, core.SeverityCritical, ipB))
	require.NoError(t, err)
	require.NotEqual(t, first.Incident.ID, second.Incident.ID)

	bridge, err := e.Correlate(ctx, event(t, "e3", 2*time.Minute, core.SeverityMedium, ipA, ipB))
	require.NoError(t, err)
	assert.Equal(t, first.Incident.ID, bridge.Incident.ID, "the oldest incident survives")
	assert.Equal(t, []string{second.Incident.ID}, bridge.Merged)
	assert.ElementsMatch(t, []string{"e1", "e2", "e3"}, bridge.Incident.EventIDs)
	assert.Equal(t, core.SeverityCritical, bridge.Incident.Severity)
	assert.Equal(t, core.NewIndicatorSet(ipA, ipB), bridge.Incident.Indicators)

	absorbed, err := store.Get(ctx, second.Incident.ID)
	require.NoError(t, err)
	assert.Equal(t, core.IncidentClosed, absorbed.Status)
	assert.Equal(t, first.Incident.ID, absorbed.MergedInto)
	last := absorbed.History[len(absorbed.History)-1]
	assert.Equal(t, core.TransitionMergedInto, last.Kind)
	assert.Equal(t, []string{"e2"}, last.EventIDs)

	// Later events for the absorbed indicator land in the survivor.
	next, err := e.Correlate(ctx, event(t, "e4", 3*time.Minute, core.SeverityLow, ipB))
	require.NoError(t, err)
	assert.Equal(t, first.Incident.ID, next.Incident.ID)
}

func TestEngine_DuplicateEventID(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, storage.NewMemoryStore(nil))
	ip := indicator(t, core.IndicatorIP, "10.0.0.1")

	first, err := e.Correlate(ctx, event(t, "same", 0, core.SeverityLow, ip))
	require.NoError(t, err)
	again, err := e.Correlate(ctx, event(t, "same", 0, core.SeverityLow, ip))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Incident.ID, again.Incident.ID)
	assert.Len(t, again.Incident.EventIDs, 1)
}

func TestEngine_RepeatedDetectionSuppressed(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, storage.NewMemoryStore(nil))
	ip := indicator(t, core.IndicatorIP, "10.0.0.1")

	mk := func(id string) *core.EnrichedEvent {
		ev, err := core.NewEvent(core.EventParams{
			ID: id, Sensor: core.SensorWazuh, Timestamp: t0, Severity: core.SeverityHigh,
			Signature: "ssh brute force", Indicators: []core.Indicator{ip},
		})
		require.NoError(t, err)
		return &core.EnrichedEvent{Event: ev}
	}

	first, err := e.Correlate(ctx, mk("r1"))
	require.NoError(t, err)
	repeat, err := e.Correlate(ctx, mk("r2"))
	require.NoError(t, err)
	assert.True(t, repeat.Suppressed)
	assert.Equal(t, first.Incident.ID, repeat.Incident.ID)
	assert.Equal(t, 1, repeat.Incident.DuplicateCount)
	assert.Equal(t, []string{"r1"}, repeat.Incident.EventIDs)
	assert.Equal(t, core.TransitionDuplicateSuppressed, repeat.Incident.History[len(repeat.Incident.History)-1].Kind)
}

func TestEngine_ClosedIncidentsAreNotCandidates(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(nil)
	e := newTestEngine(t, store)
	ip := indicator(t, core.IndicatorIP, "10.0.0.1")

	first, err := e.Correlate(ctx, event(t, "e1", 0, core.SeverityLow, ip))
	require.NoError(t, err)
	inc := first.Incident
	require.NoError(t, inc.TransitionTo(core.IncidentClosed, "op", "resolved", t0))
	require.NoError(t, store.Update(ctx, inc))

	next, err := e.Correlate(ctx, event(t, "e2", time.Minute, core.SeverityLow, ip))
	require.NoError(t, err)
	assert.True(t, next.Created)
}

func TestEngine_MinOverlapAndKinds(t *testing.T) {
	ctx := context.Background()
	user := indicator(t, core.IndicatorUser, "admin")
	ipA := indicator(t, core.IndicatorIP, "10.0.0.1")
	ipB := indicator(t, core.IndicatorIP, "10.0.0.2")

	e := newTestEngine(t, storage.NewMemoryStore(nil), func(c *Config) { c.MinOverlap = 2 })
	a, err := e.Correlate(ctx, event(t, "e1", 0, core.SeverityLow, user, ipA))
	require.NoError(t, err)
	b, err := e.Correlate(ctx, event(t, "e2", time.Minute, core.SeverityLow, user, ipB))
	require.NoError(t, err)
	assert.NotEqual(t, a.Incident.ID, b.Incident.ID, "one shared indicator is below the overlap threshold")

	e = newTestEngine(t, storage.NewMemoryStore(nil), func(c *Config) { c.Kinds = []core.IndicatorKind{core.IndicatorIP} })
	a, err = e.Correlate(ctx, event(t, "e1", 0, core.SeverityLow, user, ipA))
	require.NoError(t, err)
	b, err = e.Correlate(ctx, event(t, "e2", time.Minute, core.SeverityLow, user, ipB))
	require.NoError(t, err)
	assert.NotEqual(t, a.Incident.ID, b.Incident.ID, "user indicators do not group when only IPs are configured")
}

func TestEngine_OrderIndependent(t *testing.T) {
	ip := indicator(t, core.IndicatorIP, "1.2.3.4")
	other := indicator(t, core.IndicatorDomain, "evil.example")
	offsets := map[string]time.Duration{"a": 0, "b": 25 * time.Minute, "c": 50 * time.Minute, "d": 120 * time.Minute}
	orders := [][]string{
		{"a", "b", "c", "d"},
		{"d", "c", "b", "a"},
		{"a", "c", "d", "b"},
		{"c", "a", "b", "d"},
	}

	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			ctx := context.Background()
			store := storage.NewMemoryStore(nil)
			e := newTestEngine(t, store)
			for _, id := range order {
				inds := []core.Indicator{ip}
				if id == "c" {
					inds = append(inds, other)
				}
				_, err := e.Correlate(ctx, event(t, id, offsets[id], core.SeverityLow, inds...))
				require.NoError(t, err)
			}

			owner := func(id string) string {
				inc, ok, err := store.IncidentForEvent(ctx, id)
				require.NoError(t, err)
				require.True(t, ok)
				return inc
			}
			assert.Equal(t, owner("a"), owner("b"))
			assert.Equal(t, owner("b"), owner("c"))
			assert.NotEqual(t, owner("a"), owner("d"))
		})
	}
}

func TestEngine_ConcurrentEventsSameIndicator(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(nil)
	e := newTestEngine(t, store)
	ip := indicator(t, core.IndicatorIP, "10.9.9.9")

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Correlate(ctx, event(t, fmt.Sprintf("e%d", i), time.Duration(i)*time.Second, core.SeverityLow, ip))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	open, err := store.FindOpenByIndicators(ctx, core.NewIndicatorSet(ip))
	require.NoError(t, err)
	require.Len(t, open, 1, "serialized correlation never opens duplicate incidents for one indicator")
	assert.Len(t, open[0].EventIDs, 25)
	assert.Equal(t, 0, e.locks.Len())
}

func TestEngine_ConcurrentBridgingEvents(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(nil)
	// Events with disjoint locks can still touch the same merged incident.
	e := newTestEngine(t, store, func(c *Config) { c.MaxConflictRetries = 100 })

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a := indicator(t, core.IndicatorIP, fmt.Sprintf("10.0.0.%d", i))
			b := indicator(t, core.IndicatorIP, fmt.Sprintf("10.0.0.%d", i+1))
			_, err := e.Correlate(ctx, event(t, fmt.Sprintf("e%d", i), time.Duration(i)*time.Second, core.SeverityLow, a, b))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	open, err := store.FindOpenByIndicators(ctx, core.NewIndicatorSet(indicator(t, core.IndicatorIP, "10.0.0.0")))
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Len(t, open[0].EventIDs, 20, "a chain of overlapping events collapses into one incident")
}

// conflictStore fails the first N updates with a version conflict
type conflictStore struct {
	storage.IncidentStore
	failures atomic.Int32
}

func (c *conflictStore) Update(ctx context.Context, inc *core.Incident) error {
	if c.failures.Add(-1) >= 0 {
		return fmt.Errorf("%w: injected", core.ErrStaleIncidentVersion)
	}
	return c.IncidentStore.Update(ctx, inc)
}

func TestEngine_ConflictRetries(t *testing.T) {
	ctx := context.Background()
	ip := indicator(t, core.IndicatorIP, "10.0.0.1")

	store := &conflictStore{IncidentStore: storage.NewMemoryStore(nil)}
	e := newTestEngine(t, store)
	_, err := e.Correlate(ctx, event(t, "e1", 0, core.SeverityLow, ip))
	require.NoError(t, err)

	store.failures.Store(2)
	res, err := e.Correlate(ctx, event(t, "e2", time.Minute, core.SeverityLow, ip))
	require.NoError(t, err)
	assert.True(t, res.Attached)

	store.failures.Store(100)
	_, err = e.Correlate(ctx, event(t, "e3", 2*time.Minute, core.SeverityLow, ip))
	assert.ErrorIs(t, err, core.ErrIncidentContention)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Window = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MinOverlap = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Kinds = []core.IndicatorKind{"mac"}
	assert.Error(t, bad.Validate())
}
