package storage

import (
	"context"
	"time"

	"warden/core"
	"warden/notify"
)

// IncidentFilter selects incidents for List. Zero values do not filter.
type IncidentFilter struct {
	Statuses    []core.IncidentStatus
	MinSeverity core.Severity
	Since       time.Time
	Until       time.Time
	Limit       int
	Offset      int
}

// DefaultListLimit applies when IncidentFilter.Limit is zero
const DefaultListLimit = 100

// IncidentStore persists incidents with optimistic concurrency.
// Every write compares the caller's Version with the stored one and bumps it on success;
// history already stored is never rewritten.
type IncidentStore interface {
	// Create stores a new incident with Version 1
	Create(ctx context.Context, inc *core.Incident) error
	// Get returns a copy of the incident
	Get(ctx context.Context, id string) (*core.Incident, error)
	// Update replaces the incident if inc.Version matches the stored version
	Update(ctx context.Context, inc *core.Incident) error
	// Merge writes target and every source atomically, moving source events to target
	Merge(ctx context.Context, target *core.Incident, sources []*core.Incident) error
	// FindOpenByIndicators returns open incidents sharing at least one indicator, oldest first
	FindOpenByIndicators(ctx context.Context, set core.IndicatorSet) ([]*core.Incident, error)
	// IncidentForEvent returns the ID of the incident owning eventID
	IncidentForEvent(ctx context.Context, eventID string) (string, bool, error)
	// List returns matching incidents newest first and the total before paging
	List(ctx context.Context, filter IncidentFilter) ([]*core.Incident, int, error)
}

// RunStore persists playbook runs keyed by (incident, playbook, indicator fingerprint)
type RunStore interface {
	// CreateRunIfAbsent stores run unless a run with the same key exists, which is returned instead
	CreateRunIfAbsent(ctx context.Context, run *core.PlaybookRun) (*core.PlaybookRun, bool, error)
	GetRun(ctx context.Context, id string) (*core.PlaybookRun, error)
	GetRunByKey(ctx context.Context, key core.RunKey) (*core.PlaybookRun, error)
	// UpdateRun replaces the run if run.Version matches the stored version
	UpdateRun(ctx context.Context, run *core.PlaybookRun) error
	// ListRuns returns the runs of an incident oldest first
	ListRuns(ctx context.Context, incidentID string) ([]*core.PlaybookRun, error)
	// ListUnfinishedRuns returns every PENDING, RUNNING or RETRYING run oldest first
	ListUnfinishedRuns(ctx context.Context) ([]*core.PlaybookRun, error)
}

// Store is a complete backend
type Store interface {
	IncidentStore
	RunStore
	Close() error
}

func (f IncidentFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

func (f IncidentFilter) matches(inc *core.Incident) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if inc.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinSeverity != "" && !inc.Severity.AtLeast(f.MinSeverity) {
		return false
	}
	if !f.Since.IsZero() && inc.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !inc.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// incidentNotifications builds what to publish after a committed incident write
func incidentNotifications(before core.IncidentStatus, after *core.Incident, created bool) []notify.Notification {
	snap := after.Clone()
	if created {
		return []notify.Notification{{Type: notify.IncidentCreated, IncidentID: after.ID, To: after.Status, Incident: snap}}
	}
	out := []notify.Notification{{Type: notify.IncidentUpdated, IncidentID: after.ID, Incident: snap}}
	if before != after.Status {
		out = append(out, notify.Notification{
			Type:       notify.IncidentStatusChanged,
			IncidentID: after.ID,
			From:       before,
			To:         after.Status,
			Incident:   snap,
		})
	}
	return out
}

// runNotifications builds what to publish after a committed run write
func runNotifications(before core.RunStatus, after *core.PlaybookRun) []notify.Notification {
	snap := after.Clone()
	out := []notify.Notification{{Type: notify.RunUpdated, IncidentID: after.IncidentID, Run: snap}}
	if after.Status.IsTerminal() && before != after.Status {
		out = append(out, notify.Notification{Type: notify.RunCompleted, IncidentID: after.IncidentID, Run: snap})
	}
	return out
}

func publishAll(p notify.Publisher, notes []notify.Notification) {
	for _, n := range notes {
		p.Publish(n)
	}
}
