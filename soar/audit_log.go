package soar

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Audit event types
const (
	AuditRunStarted      = "run_started"
	AuditStepCompleted   = "step_completed"
	AuditRunCompleted    = "run_completed"
	AuditCancelRequested = "cancel_requested"
)

// AuditLogger records playbook and action execution
type AuditLogger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *AuditEvent) error

	// QueryAuditLogs queries audit logs with filters
	QueryAuditLogs(ctx context.Context, filters AuditLogFilters) ([]*AuditEvent, int64, error)
}

// AuditEvent represents an audit log entry for one run or step outcome
type AuditEvent struct {
	Timestamp    time.Time         `json:"timestamp"`
	EventType    string            `json:"event_type"`
	RunID        string            `json:"run_id"`
	IncidentID   string            `json:"incident_id"`
	Playbook     string            `json:"playbook"`
	StepName     string            `json:"step_name,omitempty"`
	Action       string            `json:"action,omitempty"`
	Actor        string            `json:"actor,omitempty"`
	Attempts     int               `json:"attempts,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	Result       string            `json:"result"`
	ErrorMessage string            `json:"error_message,omitempty"`
	DurationMs   uint32            `json:"duration_ms"`
}

// AuditLogFilters represents filters for querying audit logs
type AuditLogFilters struct {
	RunID      string
	IncidentID string
	Playbook   string
	EventType  string
	StartTime  time.Time
	EndTime    time.Time
	Limit      int
	Offset     int
}

func (f AuditLogFilters) matches(e *AuditEvent) bool {
	switch {
	case f.RunID != "" && e.RunID != f.RunID,
		f.IncidentID != "" && e.IncidentID != f.IncidentID,
		f.Playbook != "" && e.Playbook != f.Playbook,
		f.EventType != "" && e.EventType != f.EventType,
		!f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime),
		!f.EndTime.IsZero() && e.Timestamp.After(f.EndTime):
		return false
	}
	return true
}

// NoOpAuditLogger is a no-op implementation that discards all audit events
type NoOpAuditLogger struct{}

// Log discards the audit event
func (n *NoOpAuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	return nil
}

// QueryAuditLogs returns empty results
func (n *NoOpAuditLogger) QueryAuditLogs(ctx context.Context, filters AuditLogFilters) ([]*AuditEvent, int64, error) {
	return []*AuditEvent{}, 0, nil
}

// DefaultAuditRetention is the number of recent events kept for queries
const DefaultAuditRetention = 10000

// ZapAuditLogger writes audit events to a dedicated zap logger and keeps
// a bounded window of recent events for queries
type ZapAuditLogger struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	events    []*AuditEvent
	next      int
	full      bool
	retention int
}

// NewZapAuditLogger creates an audit logger. retention <= 0 uses DefaultAuditRetention.
func NewZapAuditLogger(logger *zap.Logger, retention int) *ZapAuditLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retention <= 0 {
		retention = DefaultAuditRetention
	}
	return &ZapAuditLogger{
		logger:    logger.Named("audit"),
		events:    make([]*AuditEvent, retention),
		retention: retention,
	}
}

// Log writes the event and stores a copy
func (z *ZapAuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	e := *event
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	fields := []zap.Field{
		zap.String("event_type", e.EventType),
		zap.String("run_id", e.RunID),
		zap.String("incident_id", e.IncidentID),
		zap.String("playbook", e.Playbook),
		zap.String("result", e.Result),
		zap.Uint32("duration_ms", e.DurationMs),
	}
	if e.StepName != "" {
		fields = append(fields, zap.String("step", e.StepName), zap.String("action", e.Action), zap.Int("attempts", e.Attempts))
	}
	if e.Actor != "" {
		fields = append(fields, zap.String("actor", e.Actor))
	}
	if len(e.Parameters) > 0 {
		fields = append(fields, zap.Any("parameters", e.Parameters))
	}
	if e.ErrorMessage != "" {
		fields = append(fields, zap.String("error", e.ErrorMessage))
		z.logger.Warn("playbook audit", fields...)
	} else {
		z.logger.Info("playbook audit", fields...)
	}

	z.mu.Lock()
	z.events[z.next] = &e
	z.next = (z.next + 1) % z.retention
	if z.next == 0 {
		z.full = true
	}
	z.mu.Unlock()
	return nil
}

// QueryAuditLogs returns matching retained events, newest first, and the total match count
func (z *ZapAuditLogger) QueryAuditLogs(ctx context.Context, filters AuditLogFilters) ([]*AuditEvent, int64, error) {
	z.mu.RLock()
	defer z.mu.RUnlock()

	n := z.next
	if z.full {
		n = z.retention
	}

	var matched []*AuditEvent
	for i := 0; i < n; i++ {
		idx := (z.next - 1 - i + z.retention) % z.retention
		e := z.events[idx]
		if filters.matches(e) {
			matched = append(matched, e)
		}
	}

	total := int64(len(matched))
	if filters.Offset >= len(matched) {
		return []*AuditEvent{}, total, nil
	}
	matched = matched[filters.Offset:]
	if filters.Limit > 0 && len(matched) > filters.Limit {
		matched = matched[:filters.Limit]
	}

	out := make([]*AuditEvent, len(matched))
	for i, e := range matched {
		c := *e
		out[i] = &c
	}
	return out, total, nil
}

func durationMs(d time.Duration) uint32 {
	ms := uint32(d.Milliseconds())
	if ms == 0 && d > 0 {
		ms = 1
	}
	return ms
}
