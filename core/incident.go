package core

import (
	"fmt"
	"sort"
	"time"
)

// IncidentStatus is the lifecycle state of an incident
type IncidentStatus string

const (
	IncidentOpen       IncidentStatus = "OPEN"
	IncidentEnriching  IncidentStatus = "ENRICHING"
	IncidentTriaged    IncidentStatus = "TRIAGED"
	IncidentResponding IncidentStatus = "RESPONDING"
	IncidentClosed     IncidentStatus = "CLOSED"
)

// IsValid reports whether s is a known incident status
func (s IncidentStatus) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// TransitionKind classifies an entry in an incident's history
type TransitionKind string

const (
	TransitionCreated             TransitionKind = "created"
	TransitionEventAttached       TransitionKind = "event_attached"
	TransitionStatusChanged       TransitionKind = "status_changed"
	TransitionMergedFrom          TransitionKind = "merged_from"
	TransitionMergedInto          TransitionKind = "merged_into"
	TransitionDuplicateSuppressed TransitionKind = "duplicate_suppressed"
	TransitionEnrichmentUpdated   TransitionKind = "enrichment_updated"
	TransitionPlaybookRun         TransitionKind = "playbook_run"
)

// Transition is one append-only history record
type Transition struct {
	Seq        int            `json:"seq"`
	Kind       TransitionKind `json:"kind"`
	At         time.Time      `json:"at"`
	Actor      string         `json:"actor,omitempty"`
	From       IncidentStatus `json:"from,omitempty"`
	To         IncidentStatus `json:"to,omitempty"`
	EventIDs   []string       `json:"event_ids,omitempty"`
	IncidentID string         `json:"incident_id,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	Playbook   string         `json:"playbook,omitempty"`
	RunStatus  RunStatus      `json:"run_status,omitempty"`
	Detail     string         `json:"detail,omitempty"`
}

// Incident groups correlated events believed to represent one security condition
type Incident struct {
	ID             string                `json:"id"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	Status         IncidentStatus        `json:"status"`
	Severity       Severity              `json:"severity"`
	EventIDs       []string              `json:"event_ids"`
	Indicators     IndicatorSet          `json:"indicators"`
	FirstEventAt   time.Time             `json:"first_event_at"`
	LastEventAt    time.Time             `json:"last_event_at"`
	Enrichment     map[string]Enrichment `json:"enrichment,omitempty"`
	DuplicateCount int                   `json:"duplicate_count"`
	MergedInto     string                `json:"merged_into,omitempty"`
	Version        int64                 `json:"version"`
	History        []Transition          `json:"history"`
}

// NewIncident opens an incident seeded with one enriched event
func NewIncident(id string, ee *EnrichedEvent, now time.Time) *Incident {
	ev := ee.Event
	inc := &Incident{
		ID:           id,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
		Status:       IncidentOpen,
		Severity:     ev.Severity(),
		EventIDs:     []string{ev.ID()},
		Indicators:   ev.Indicators(),
		FirstEventAt: ev.Timestamp(),
		LastEventAt:  ev.Timestamp(),
		Enrichment:   make(map[string]Enrichment),
	}
	inc.mergeEnrichment(ee.Enrichment)
	inc.appendTransition(Transition{Kind: TransitionCreated, To: IncidentOpen, At: now, EventIDs: []string{ev.ID()}})
	return inc
}

// IsOpen reports whether the incident can still absorb events
func (i *Incident) IsOpen() bool {
	return i.Status != IncidentClosed
}

// HasEvent reports whether eventID is a member
func (i *Incident) HasEvent(eventID string) bool {
	for _, id := range i.EventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// InWindow reports whether ts falls within window of the incident's member events.
// The bound is strict, so an event exactly window after the latest member starts a new incident.
func (i *Incident) InWindow(ts time.Time, window time.Duration) bool {
	return ts.After(i.FirstEventAt.Add(-window)) && ts.Before(i.LastEventAt.Add(window))
}

// AttachEvent adds a member event, raising severity and extending the window
func (i *Incident) AttachEvent(ee *EnrichedEvent, now time.Time) error {
	ev := ee.Event
	if i.HasEvent(ev.ID()) {
		return fmt.Errorf("%w: %s in %s", ErrEventAlreadyAssigned, ev.ID(), i.ID)
	}
	if !i.IsOpen() {
		return fmt.Errorf("%w: incident %s is closed", ErrInvalidTransition, i.ID)
	}

	i.EventIDs = append(i.EventIDs, ev.ID())
	i.Indicators = i.Indicators.Union(ev.Indicators())
	i.Severity = MaxSeverity(i.Severity, ev.Severity())
	i.extendWindow(ev.Timestamp(), ev.Timestamp())
	i.mergeEnrichment(ee.Enrichment)
	i.appendTransition(Transition{Kind: TransitionEventAttached, At: now, EventIDs: []string{ev.ID()}})
	return nil
}

// RecordDuplicate counts a repeated detection without adding a member
func (i *Incident) RecordDuplicate(eventID string, now time.Time) {
	i.DuplicateCount++
	i.appendTransition(Transition{Kind: TransitionDuplicateSuppressed, At: now, EventIDs: []string{eventID}})
}

// AbsorbMerge moves every member of src into i and records merged_from.
// The caller must also call MarkMergedInto on src so both sides carry history.
func (i *Incident) AbsorbMerge(src *Incident, now time.Time) {
	moved := append([]string(nil), src.EventIDs...)
	for _, id := range moved {
		if !i.HasEvent(id) {
			i.EventIDs = append(i.EventIDs, id)
		}
	}
	i.Indicators = i.Indicators.Union(src.Indicators)
	i.Severity = MaxSeverity(i.Severity, src.Severity)
	i.extendWindow(src.FirstEventAt, src.LastEventAt)
	i.DuplicateCount += src.DuplicateCount
	i.mergeEnrichment(src.Enrichment)
	i.appendTransition(Transition{Kind: TransitionMergedFrom, At: now, IncidentID: src.ID, EventIDs: moved})
}

// MarkMergedInto closes the incident as absorbed by target and releases its events
func (i *Incident) MarkMergedInto(targetID string, now time.Time) {
	moved := i.EventIDs
	from := i.Status
	i.EventIDs = []string{}
	i.MergedInto = targetID
	i.Status = IncidentClosed
	i.appendTransition(Transition{Kind: TransitionMergedInto, At: now, From: from, To: IncidentClosed, IncidentID: targetID, EventIDs: moved})
}

// UpdateEnrichment replaces enrichment context for the given indicators
func (i *Incident) UpdateEnrichment(results map[string]Enrichment, now time.Time) {
	if len(results) == 0 {
		return
	}
	i.mergeEnrichment(results)
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	i.appendTransition(Transition{Kind: TransitionEnrichmentUpdated, At: now, Detail: fmt.Sprintf("%v", keys)})
}

// UnavailableIndicators lists indicators whose latest lookup failed
func (i *Incident) UnavailableIndicators() IndicatorSet {
	var failed []Indicator
	for _, e := range i.Enrichment {
		if e.Unavailable() {
			failed = append(failed, e.Indicator)
		}
	}
	return NewIndicatorSet(failed...)
}

// RecordRun appends a playbook_run entry for a run state change
func (i *Incident) RecordRun(run *PlaybookRun, now time.Time) {
	i.appendTransition(Transition{
		Kind:      TransitionPlaybookRun,
		At:        now,
		Actor:     run.TriggeredBy,
		RunID:     run.ID,
		Playbook:  run.Playbook,
		RunStatus: run.Status,
		Detail:    run.Error,
	})
}

// mergeEnrichment keeps the newest result per indicator; a found or not_found result
// is never replaced by a later unavailable one
func (i *Incident) mergeEnrichment(results map[string]Enrichment) {
	if i.Enrichment == nil {
		i.Enrichment = make(map[string]Enrichment, len(results))
	}
	for k, e := range results {
		if cur, ok := i.Enrichment[k]; ok && e.Unavailable() && !cur.Unavailable() {
			continue
		}
		i.Enrichment[k] = e.Clone()
	}
}

func (i *Incident) extendWindow(first, last time.Time) {
	if i.FirstEventAt.IsZero() || first.Before(i.FirstEventAt) {
		i.FirstEventAt = first
	}
	if last.After(i.LastEventAt) {
		i.LastEventAt = last
	}
}

func (i *Incident) appendTransition(t Transition) {
	t.Seq = len(i.History) + 1
	t.At = t.At.UTC()
	i.History = append(i.History, t)
	i.UpdatedAt = t.At
}

// Clone returns a deep copy so callers can mutate without affecting stored state
func (i *Incident) Clone() *Incident {
	out := *i
	out.EventIDs = append([]string{}, i.EventIDs...)
	out.Indicators = i.Indicators.Clone()
	out.Enrichment = make(map[string]Enrichment, len(i.Enrichment))
	for k, e := range i.Enrichment {
		out.Enrichment[k] = e.Clone()
	}
	out.History = make([]Transition, len(i.History))
	for n, t := range i.History {
		t.EventIDs = append([]string(nil), t.EventIDs...)
		out.History[n] = t
	}
	return &out
}

// OldestFirst orders incidents by creation time, then by smaller ID
func OldestFirst(incidents []*Incident) {
	sort.SliceStable(incidents, func(a, b int) bool {
		if !incidents[a].CreatedAt.Equal(incidents[b].CreatedAt) {
			return incidents[a].CreatedAt.Before(incidents[b].CreatedAt)
		}
		return incidents[a].ID < incidents[b].ID
	})
}
