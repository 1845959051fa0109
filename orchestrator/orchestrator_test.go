package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"warden/core"
	"warden/correlate"
	"warden/ingest"
	"warden/notify"
	"warden/soar"
	"warden/storage"
	"warden/threat"
	"warden/util/leakcheck"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// intelFeed is a provider whose answers and outages tests can change
type intelFeed struct {
	mu    sync.Mutex
	known map[string]*threat.Intel
	down  map[string]bool
	calls int
}

func newIntelFeed() *intelFeed {
	return &intelFeed{known: map[string]*threat.Intel{}, down: map[string]bool{}}
}

func (f *intelFeed) Name() string { return "feed" }

func (f *intelFeed) Lookup(ctx context.Context, ind core.Indicator) (*threat.Intel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.down[ind.Key()] {
		return nil, core.ErrProviderError
	}
	if intel, ok := f.known[ind.Key()]; ok {
		return intel, nil
	}
	return nil, threat.ErrNotFound
}

func (f *intelFeed) setDown(key string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[key] = down
}

type recordingResponder struct {
	mu        sync.Mutex
	incidents []*core.Incident
}

func (r *recordingResponder) TriggerMatching(ctx context.Context, inc *core.Incident) ([]*core.PlaybookRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents = append(r.incidents, inc.Clone())
	return nil, nil
}

func (r *recordingResponder) statuses() []core.IncidentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.IncidentStatus, len(r.incidents))
	for i, inc := range r.incidents {
		out[i] = inc.Status
	}
	return out
}

type harness struct {
	orch  *Orchestrator
	store *storage.MemoryStore
	feed  *intelFeed
}

func newHarness(t *testing.T, cfg Config, responder Responder, tracer trace.Tracer) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	broker := notify.NewBroker(logger)
	t.Cleanup(broker.Close)
	store := storage.NewMemoryStore(broker)
	feed := newIntelFeed()
	cache, err := threat.NewIndicatorCache(threat.DefaultCacheConfig(), nil, logger)
	require.NoError(t, err)
	enricher := threat.NewEnricher(feed, cache, threat.EnricherConfig{LookupTimeout: time.Second}, logger)
	engine, err := correlate.NewEngine(store, correlate.DefaultConfig(), logger)
	require.NoError(t, err)

	deps := Deps{
		Normalizer:    ingest.NewNormalizer(),
		Enricher:      enricher,
		Correlator:    engine,
		Store:         store,
		StatusChanges: broker,
	}
	if responder != nil {
		deps.Responder = responder
	}
	orch, err := New(deps, cfg, tracer, logger)
	require.NoError(t, err)
	orch.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &harness{orch: orch, store: store, feed: feed}
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))
}

func (h *harness) incidents(t *testing.T) []*core.Incident {
	t.Helper()
	list, _, err := h.store.List(context.Background(), storage.IncidentFilter{})
	require.NoError(t, err)
	return list
}

func event(t *testing.T, id, stream string, at time.Time, sev core.Severity, inds ...core.Indicator) *core.Event {
	t.Helper()
	ev, err := core.NewEvent(core.EventParams{
		ID:         id,
		Sensor:     core.SensorSuricata,
		Stream:     stream,
		Timestamp:  at,
		Severity:   sev,
		Signature:  "ET MALWARE beacon " + id,
		Indicators: inds,
	})
	require.NoError(t, err)
	return ev
}

func ip(t *testing.T, v string) core.Indicator {
	t.Helper()
	ind, err := core.NewIndicator(core.IndicatorIP, v)
	require.NoError(t, err)
	return ind
}

func testConfig() Config {
	return Config{Shards: 4, QueueSize: 16, StageTimeout: 5 * time.Second, ReenrichInterval: 10 * time.Millisecond, ReenrichAttempts: 3}
}

func TestOrchestrator_CorrelationWindow(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)
	ctx := context.Background()
	shared := ip(t, "1.2.3.4")

	require.NoError(t, h.orch.SubmitEvent(ctx, event(t, "a", "eth0", t0, core.SeverityMedium, shared)))
	require.NoError(t, h.orch.SubmitEvent(ctx, event(t, "b", "eth0", t0.Add(10*time.Minute), core.SeverityHigh, shared)))
	require.NoError(t, h.orch.SubmitEvent(ctx, event(t, "c", "eth0", t0.Add(40*time.Minute), core.SeverityLow, shared)))
	h.drain(t)

	incidents := h.incidents(t)
	require.Len(t, incidents, 2)

	byEvents := map[int]*core.Incident{}
	for _, inc := range incidents {
		byEvents[len(inc.EventIDs)] = inc
		assert.Equal(t, core.IncidentTriaged, inc.Status)
	}
	require.Contains(t, byEvents, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, byEvents[2].EventIDs)
	assert.Equal(t, core.SeverityHigh, byEvents[2].Severity, "severity is raised by the attached event")
	require.Contains(t, byEvents, 1)
	assert.Equal(t, []string{"c"}, byEvents[1].EventIDs)
}

func TestOrchestrator_SubmitNormalizes(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)
	ctx := context.Background()

	id, err := h.orch.Submit(ctx, ingest.RawPayload{
		Sensor: core.SensorYara,
		Body: []byte(`{"timestamp":"2026-03-01T12:00:00Z","rule":"Cobalt_Strike_Beacon","host":"ws-7",
			"file":{"path":"C:\\tmp\\a.exe","sha256":"E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855"}}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = h.orch.Submit(ctx, ingest.RawPayload{Sensor: "nmap", Body: []byte(`{}`)})
	assert.ErrorIs(t, err, core.ErrUnsupportedSource)
	_, err = h.orch.Submit(ctx, ingest.RawPayload{Sensor: core.SensorYara, Body: []byte(`{"rule":"x"}`)})
	assert.ErrorIs(t, err, core.ErrMalformedPayload)

	h.drain(t)
	incidents := h.incidents(t)
	require.Len(t, incidents, 1)
	assert.Equal(t, []string{id}, incidents[0].EventIDs)
}

func TestOrchestrator_SubmitAfterShutdown(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)
	h.drain(t)

	err := h.orch.SubmitEvent(context.Background(), event(t, "late", "eth0", t0, core.SeverityLow, ip(t, "1.2.3.4")))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOrchestrator_EnrichmentOutageThenRecovery(t *testing.T) {
	responder := &recordingResponder{}
	cfg := testConfig()
	cfg.ReenrichInterval = 20 * time.Millisecond
	cfg.ReenrichAttempts = 50
	h := newHarness(t, cfg, responder, nil)
	h.feed.setDown("ip:6.6.6.6", true)
	ctx := context.Background()

	require.NoError(t, h.orch.SubmitEvent(ctx, event(t, "a", "eth0", t0, core.SeverityHigh, ip(t, "6.6.6.6"), ip(t, "10.0.0.5"))))

	var incID string
	require.Eventually(t, func() bool {
		list := h.incidents(t)
		if len(list) != 1 {
			return false
		}
		incID = list[0].ID
		return list[0].Status == core.IncidentEnriching
	}, 2*time.Second, 5*time.Millisecond, "incident is created despite the outage")

	inc, err := h.store.Get(ctx, incID)
	require.NoError(t, err)
	assert.True(t, inc.Enrichment["ip:6.6.6.6"].Unavailable())
	assert.Equal(t, core.EnrichmentNotFound, inc.Enrichment["ip:10.0.0.5"].Status)

	h.feed.setDown("ip:6.6.6.6", false)
	require.Eventually(t, func() bool {
		inc, err := h.store.Get(ctx, incID)
		return err == nil && inc.Status == core.IncidentTriaged
	}, 2*time.Second, 5*time.Millisecond)

	inc, err = h.store.Get(ctx, incID)
	require.NoError(t, err)
	assert.Equal(t, core.EnrichmentNotFound, inc.Enrichment["ip:6.6.6.6"].Status)
	require.Eventually(t, func() bool {
		statuses := responder.statuses()
		return len(statuses) > 0 && statuses[len(statuses)-1] == core.IncidentTriaged
	}, time.Second, 5*time.Millisecond, "playbooks are offered the triaged incident")
}

func TestOrchestrator_ReenrichGivesUpAndTriages(t *testing.T) {
	cfg := testConfig()
	cfg.ReenrichAttempts = 2
	h := newHarness(t, cfg, nil, nil)
	h.feed.setDown("ip:6.6.6.6", true)
	ctx := context.Background()

	require.NoError(t, h.orch.SubmitEvent(ctx, event(t, "a", "eth0", t0, core.SeverityHigh, ip(t, "6.6.6.6"))))

	require.Eventually(t, func() bool {
		list := h.incidents(t)
		return len(list) == 1 && list[0].Status == core.IncidentTriaged
	}, 2*time.Second, 5*time.Millisecond)

	inc := h.incidents(t)[0]
	assert.True(t, inc.Enrichment["ip:6.6.6.6"].Unavailable(), "context stays degraded")
	last := inc.History[len(inc.History)-1]
	assert.Equal(t, core.TransitionStatusChanged, last.Kind)
	assert.Contains(t, last.Detail, "partial context")
}

func TestOrchestrator_CloseAndReopen(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)
	ctx := context.Background()
	require.NoError(t, h.orch.SubmitEvent(ctx, event(t, "a", "eth0", t0, core.SeverityHigh, ip(t, "1.2.3.4"))))
	h.drain(t)
	id := h.incidents(t)[0].ID

	_, err := h.orch.ReopenIncident(ctx, id, "alice", "")
	assert.ErrorIs(t, err, core.ErrInvalidTransition, "only closed incidents reopen")

	inc, err := h.orch.CloseIncident(ctx, id, "alice", "remediated")
	require.NoError(t, err)
	assert.Equal(t, core.IncidentClosed, inc.Status)

	_, err = h.orch.CloseIncident(ctx, id, "alice", "again")
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	inc, err = h.orch.ReopenIncident(ctx, id, "bob", "reinfection")
	require.NoError(t, err)
	assert.Equal(t, core.IncidentOpen, inc.Status)
	last := inc.History[len(inc.History)-1]
	assert.Equal(t, "bob", last.Actor)

	_, err = h.orch.CloseIncident(ctx, "missing", "alice", "")
	assert.ErrorIs(t, err, core.ErrIncidentNotFound)
}

func TestOrchestrator_Spans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	h := newHarness(t, testConfig(), &recordingResponder{}, tp.Tracer("test"))
	require.NoError(t, h.orch.SubmitEvent(context.Background(), event(t, "a", "eth0", t0, core.SeverityHigh, ip(t, "1.2.3.4"))))
	h.drain(t)

	spans := exporter.GetSpans()
	names := make([]string, 0, len(spans))
	var root tracetest.SpanStub
	var responds []tracetest.SpanStub
	for _, s := range spans {
		names = append(names, s.Name)
		switch s.Name {
		case "pipeline.process":
			root = s
		case "pipeline.respond":
			responds = append(responds, s)
		}
	}
	assert.Subset(t, names, []string{"pipeline.process", "pipeline.enrich", "pipeline.correlate", "pipeline.triage", "pipeline.respond"})
	for _, s := range spans {
		if s.Name != "pipeline.respond" {
			assert.Equal(t, root.SpanContext.TraceID(), s.SpanContext.TraceID(), s.Name)
		}
	}
	require.Len(t, responds, 1, "one status change: OPEN to TRIAGED")
	assert.Contains(t, responds[0].Attributes, attribute.String("incident.status", string(core.IncidentTriaged)))
	assert.Contains(t, responds[0].Attributes, attribute.String("incident.from", string(core.IncidentOpen)))
}

func TestOrchestrator_TriggersPlaybooks(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	registry := soar.NewRegistry()
	pb, err := registry.ParsePlaybook([]byte(`
name: contain
trigger:
  on_status: [TRIAGED]
  min_severity: high
  indicator_kinds: [ip]
steps:
  - name: block
    action: block_indicator
    idempotent: true
    params:
      ip: "{{indicator.ip}}"
`))
	require.NoError(t, err)
	require.NoError(t, registry.Register(pb))

	var mu sync.Mutex
	var blocked []string
	router := soar.NewRouter(logger)
	router.Handle("block_indicator", soar.ActionFunc(func(ctx context.Context, action string, params map[string]string) (*soar.ActionResult, error) {
		mu.Lock()
		defer mu.Unlock()
		blocked = append(blocked, params["ip"])
		return &soar.ActionResult{Status: soar.ResultApplied}, nil
	}))

	broker := notify.NewBroker(logger)
	t.Cleanup(broker.Close)
	store := storage.NewMemoryStore(broker)
	exec := soar.NewExecutor(registry, store, router, soar.DefaultExecutorConfig(), logger, &soar.NoOpAuditLogger{})
	t.Cleanup(func() { _ = exec.Shutdown(context.Background()) })

	cache, err := threat.NewIndicatorCache(threat.DefaultCacheConfig(), nil, logger)
	require.NoError(t, err)
	engine, err := correlate.NewEngine(store, correlate.DefaultConfig(), logger)
	require.NoError(t, err)
	orch, err := New(Deps{
		Normalizer:    ingest.NewNormalizer(),
		Enricher:      threat.NewEnricher(newIntelFeed(), cache, threat.DefaultEnricherConfig(), logger),
		Correlator:    engine,
		Store:         store,
		Responder:     exec,
		StatusChanges: broker,
	}, testConfig(), nil, logger)
	require.NoError(t, err)
	orch.Start()

	ctx := context.Background()
	require.NoError(t, orch.SubmitEvent(ctx, event(t, "low", "eth0", t0, core.SeverityLow, ip(t, "9.9.9.9"))))
	require.NoError(t, orch.SubmitEvent(ctx, event(t, "high", "eth1", t0, core.SeverityCritical, ip(t, "1.2.3.4"))))
	require.NoError(t, orch.Shutdown(ctx))

	list, _, err := store.List(ctx, storage.IncidentFilter{MinSeverity: core.SeverityHigh})
	require.NoError(t, err)
	require.Len(t, list, 1)

	var run *core.PlaybookRun
	require.Eventually(t, func() bool {
		runs, err := store.ListRuns(ctx, list[0].ID)
		if err != nil || len(runs) != 1 {
			return false
		}
		run = runs[0]
		return run.Status == core.RunSucceeded
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "contain", run.Playbook)
	assert.Equal(t, "auto", run.TriggeredBy)

	inc, err := store.Get(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.IncidentResponding, inc.Status)

	mu.Lock()
	assert.Equal(t, []string{"1.2.3.4"}, blocked, "low severity incident does not match")
	mu.Unlock()
}

const statusPlaybooks = `
name: contain
trigger:
  on_status: [TRIAGED]
  min_severity: high
  indicator_kinds: [ip]
steps:
  - name: block
    action: block_indicator
    idempotent: true
    params:
      ip: "{{indicator.ip}}"
---
name: page-oncall
trigger:
  on_status: [RESPONDING]
  indicator_kinds: [ip]
steps:
  - name: page
    action: page
    params:
      incident: "{{incident.id}}"
---
name: recheck
trigger:
  on_status: [OPEN]
  indicator_kinds: [ip]
steps:
  - name: rescan
    action: rescan
    idempotent: true
`

func TestOrchestrator_TriggersOnStatusChange(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	registry := soar.NewRegistry()
	for _, doc := range strings.Split(statusPlaybooks, "---\n") {
		pb, err := registry.ParsePlaybook([]byte(doc))
		require.NoError(t, err)
		require.NoError(t, registry.Register(pb))
	}

	var mu sync.Mutex
	calls := map[string]int{}
	router := soar.NewRouter(logger)
	record := soar.ActionFunc(func(ctx context.Context, action string, params map[string]string) (*soar.ActionResult, error) {
		mu.Lock()
		defer mu.Unlock()
		calls[action]++
		return &soar.ActionResult{Status: soar.ResultOK}, nil
	})
	for _, action := range []string{"block_indicator", "page", "rescan"} {
		router.Handle(action, record)
	}
	called := func(action string) int {
		mu.Lock()
		defer mu.Unlock()
		return calls[action]
	}

	broker := notify.NewBroker(logger)
	t.Cleanup(broker.Close)
	store := storage.NewMemoryStore(broker)
	exec := soar.NewExecutor(registry, store, router, soar.DefaultExecutorConfig(), logger, nil)
	t.Cleanup(func() { _ = exec.Shutdown(context.Background()) })

	cache, err := threat.NewIndicatorCache(threat.DefaultCacheConfig(), nil, logger)
	require.NoError(t, err)
	engine, err := correlate.NewEngine(store, correlate.DefaultConfig(), logger)
	require.NoError(t, err)
	orch, err := New(Deps{
		Normalizer:    ingest.NewNormalizer(),
		Enricher:      threat.NewEnricher(newIntelFeed(), cache, threat.DefaultEnricherConfig(), logger),
		Correlator:    engine,
		Store:         store,
		Responder:     exec,
		StatusChanges: broker,
	}, testConfig(), nil, logger)
	require.NoError(t, err)
	orch.Start()
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	ctx := context.Background()
	require.NoError(t, orch.SubmitEvent(ctx, event(t, "a", "eth0", t0, core.SeverityHigh, ip(t, "1.2.3.4"))))

	runsByPlaybook := func(id string) map[string]*core.PlaybookRun {
		runs, _ := store.ListRuns(ctx, id)
		out := make(map[string]*core.PlaybookRun, len(runs))
		for _, r := range runs {
			out[r.Playbook] = r
		}
		return out
	}

	var incID string
	require.Eventually(t, func() bool {
		list, _, err := store.List(ctx, storage.IncidentFilter{})
		if err != nil || len(list) != 1 {
			return false
		}
		incID = list[0].ID
		runs := runsByPlaybook(incID)
		return runs["contain"] != nil && runs["contain"].Status == core.RunSucceeded &&
			runs["page-oncall"] != nil && runs["page-oncall"].Status == core.RunSucceeded
	}, 2*time.Second, 5*time.Millisecond, "the executor moving the incident to RESPONDING starts page-oncall")
	assert.Equal(t, "auto", runsByPlaybook(incID)["page-oncall"].TriggeredBy)
	assert.Nil(t, runsByPlaybook(incID)["recheck"], "creation is not a status change")
	assert.Equal(t, 0, called("rescan"))

	_, err = orch.CloseIncident(ctx, incID, "alice", "remediated")
	require.NoError(t, err)
	_, err = orch.ReopenIncident(ctx, incID, "bob", "reinfection")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run := runsByPlaybook(incID)["recheck"]
		return run != nil && run.Status == core.RunSucceeded
	}, 2*time.Second, 5*time.Millisecond, "reopening offers the incident to OPEN playbooks")
	assert.Equal(t, 1, called("rescan"))
	assert.Equal(t, 1, called("block_indicator"), "contain is not repeated")
	assert.Equal(t, 1, called("page"), "page-oncall is not repeated")
}

func TestStreamPool_PreservesOrderPerKey(t *testing.T) {
	defer leakcheck.Check(t)()
	pool := NewStreamPool(4, 8, zaptest.NewLogger(t).Sugar())
	pool.Start()

	var mu sync.Mutex
	got := map[string][]int{}
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		key := []string{"suricata/eth0", "wazuh/003", "zeek/c1"}[i%3]
		n := i
		require.NoError(t, pool.Submit(ctx, key, func() {
			mu.Lock()
			defer mu.Unlock()
			got[key] = append(got[key], n)
		}))
	}
	require.NoError(t, pool.Stop(ctx))

	for key, seq := range got {
		for i := 1; i < len(seq); i++ {
			assert.Less(t, seq[i-1], seq[i], key)
		}
	}
	assert.Equal(t, pool.Shard("wazuh/003"), pool.Shard("wazuh/003"))
}

func TestStreamPool_PanicDoesNotStopShard(t *testing.T) {
	defer leakcheck.Check(t)()
	pool := NewStreamPool(1, 4, zaptest.NewLogger(t).Sugar())
	pool.Start()
	ctx := context.Background()

	ran := make(chan struct{})
	require.NoError(t, pool.Submit(ctx, "k", func() { panic("boom") }))
	require.NoError(t, pool.Submit(ctx, "k", func() { close(ran) }))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task after a panic did not run")
	}
	require.NoError(t, pool.Stop(ctx))
	assert.True(t, errors.Is(pool.Submit(ctx, "k", func() {}), ErrPoolNotRunning))
}
