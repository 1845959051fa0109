package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"warden/config"
	"warden/core"
	"warden/ingest"
	"warden/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const blockPlaybook = `
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
`

// actionServer is a response integration that records the IPs it blocks
type actionServer struct {
	mu      sync.Mutex
	blocked []string
}

func (s *actionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string            `json:"action"`
		Params map[string]string `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || r.URL.Path != "/api/v1/actions/block_indicator" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.blocked = append(s.blocked, req.Params["ip"])
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"applied"}`))
}

func (s *actionServer) ips() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.blocked...)
}

func rawCanonical() ingest.RawPayload {
	return ingest.RawPayload{
		Sensor: core.SensorCanonical,
		Body:   []byte(`{"timestamp":"2026-05-04T09:00:00Z","indicators":[{"kind":"host","value":"ws-7"}]}`),
	}
}

func loadTestConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	playbooks := filepath.Join(dir, "playbooks")
	require.NoError(t, os.MkdirAll(playbooks, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(playbooks, "contain.yaml"), []byte(blockPlaybook), 0644))

	doc := fmt.Sprintf(`
api:
  addr: "127.0.0.1:0"
logging:
  level: debug
pipeline:
  shards: 2
  reenrich_interval: 50ms
playbooks:
  dir: %q
  retry:
    base_delay: 10ms
    max_delay: 50ms
%s`, playbooks, extra)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := InitConfig(path)
	require.NoError(t, err)
	return cfg
}

func TestApp_EventToPlaybookRun(t *testing.T) {
	actions := &actionServer{}
	server := httptest.NewServer(actions)
	defer server.Close()

	cfg := loadTestConfig(t, fmt.Sprintf(`  action_providers:
    - name: firewall
      base_url: %q
      actions: [block_indicator]
`, server.URL))

	ctx := context.Background()
	app, err := NewAppWithConfig(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, app.Start(ctx))
	defer app.Shutdown()
	assert.Equal(t, 1, app.Registry.Len())

	body := []byte(`{"timestamp":"2026-05-04T09:00:00Z","severity":"high","signature":"C2 beacon",
		"indicators":[{"kind":"ip","value":"203.0.113.7"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events?sensor=canonical&stream=edge", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	app.APIServer.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var incidentID string
	require.Eventually(t, func() bool {
		list, _, err := app.Store.List(ctx, storage.IncidentFilter{})
		if err != nil || len(list) != 1 {
			return false
		}
		incidentID = list[0].ID
		runs, err := app.Store.ListRuns(ctx, incidentID)
		return err == nil && len(runs) == 1 && runs[0].Status == core.RunSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"203.0.113.7"}, actions.ips())
	inc, err := app.Store.Get(ctx, incidentID)
	require.NoError(t, err)
	assert.Equal(t, core.IncidentResponding, inc.Status)
	assert.Equal(t, core.SeverityHigh, inc.Severity)
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	cfg := loadTestConfig(t, "")
	ctx := context.Background()

	app, err := NewAppWithConfig(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, app.Start(ctx))

	app.Shutdown()
	app.Shutdown()

	_, err = app.Orchestrator.Submit(ctx, rawCanonical())
	assert.Error(t, err, "intake is closed after shutdown")
}

func TestApp_SQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "db", "warden.db")
	cfg := loadTestConfig(t, fmt.Sprintf("storage:\n  driver: sqlite\n  sqlite_path: %q\n", dbPath))

	app, err := NewAppWithConfig(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, isSQLite := app.Store.(*storage.SQLite)
	assert.True(t, isSQLite)
	app.Shutdown()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestApp_StartFailsInterruptedRuns(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "warden.db")
	cfg := loadTestConfig(t, fmt.Sprintf("storage:\n  driver: sqlite\n  sqlite_path: %q\n", dbPath))
	ctx := context.Background()

	first, err := NewAppWithConfig(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	ip, err := core.NewIndicator(core.IndicatorIP, "203.0.113.7")
	require.NoError(t, err)
	ev, err := core.NewEvent(core.EventParams{
		ID:         "ev-1",
		Sensor:     core.SensorCanonical,
		Timestamp:  time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
		Severity:   core.SeverityHigh,
		Signature:  "C2 beacon",
		Indicators: []core.Indicator{ip},
	})
	require.NoError(t, err)
	inc := core.NewIncident("inc-1", &core.EnrichedEvent{Event: ev, Enrichment: map[string]core.Enrichment{}}, ev.Timestamp())
	require.NoError(t, first.Store.Create(ctx, inc))
	_, _, err = first.Store.CreateRunIfAbsent(ctx, &core.PlaybookRun{
		ID:          "run-1",
		Key:         core.NewRunKey(inc.ID, "contain", inc.Indicators),
		IncidentID:  inc.ID,
		Playbook:    "contain",
		Indicators:  inc.Indicators.Clone(),
		Status:      core.RunPending,
		Attempts:    1,
		MaxAttempts: 3,
		TriggeredBy: "auto",
		CreatedAt:   ev.Timestamp(),
	})
	require.NoError(t, err)
	first.Shutdown()

	second, err := NewAppWithConfig(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, second.Start(ctx))
	defer second.Shutdown()

	run, err := second.Store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, run.Status)
	assert.Contains(t, run.Error, "interrupted")
	assert.True(t, run.CanRetry())
}

func TestApp_InvalidComponents(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
		errMsg string
	}{
		{"missing playbooks dir", func(cfg *config.Config) { cfg.Playbooks.Dir = "/nonexistent/playbooks" }, "failed to load playbooks"},
		{"missing inventory", func(cfg *config.Config) { cfg.Enrichment.InventoryFile = "/nonexistent/assets.yaml" }, "asset inventory"},
		{"unknown storage", func(cfg *config.Config) { cfg.Storage.Driver = "postgres" }, "unknown storage driver"},
		{"kafka without topics", func(cfg *config.Config) {
			cfg.Kafka.Enabled = true
			cfg.Kafka.Topics = nil
		}, "Kafka"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadTestConfig(t, "")
			tt.mutate(cfg)
			_, err := NewAppWithConfig(context.Background(), cfg, zaptest.NewLogger(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestInitLogger(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		logger, sugar, err := InitLogger(config.LoggingConfig{Level: "warn", Format: format})
		require.NoError(t, err, format)
		require.NotNil(t, sugar)
		assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
		assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
	}

	_, _, err := InitLogger(config.LoggingConfig{Level: "loud", Format: "console"})
	assert.Error(t, err)
}

func TestInitTracer(t *testing.T) {
	tracer, shutdown := InitTracer(config.TracingConfig{Enabled: false}, zap.NewNop().Sugar())
	_, span := tracer.Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, shutdown(context.Background()))

	tracer, shutdown = InitTracer(config.TracingConfig{Enabled: true, SampleRatio: 1, ServiceName: "warden-test"}, zap.NewNop().Sugar())
	_, span = tracer.Start(context.Background(), "sampled")
	assert.True(t, span.SpanContext().IsSampled())
	span.End()
	require.NoError(t, shutdown(context.Background()))
}

func TestZapSpanExporter(t *testing.T) {
	obs, logs := observer.New(zapcore.DebugLevel)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(&zapSpanExporter{logger: zap.New(obs).Sugar()}),
	)
	defer func() { _ = provider.Shutdown(context.Background()) }()

	ctx, parent := provider.Tracer("test").Start(context.Background(), "event")
	_, child := provider.Tracer("test").Start(ctx, "correlate")
	child.SetAttributes(attribute.String("incident.id", "inc-1"))
	child.End()
	parent.End()

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "span correlate", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "inc-1", fields["incident.id"])
	assert.Equal(t, parent.SpanContext().SpanID().String(), fields["parent_id"])
	assert.Equal(t, parent.SpanContext().TraceID().String(), fields["trace_id"])
	assert.Equal(t, "span event", entries[1].Message)
	assert.NotContains(t, entries[1].ContextMap(), "parent_id")
}
