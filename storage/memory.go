package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"warden/core"
	"warden/notify"
)

// MemoryStore keeps incidents and runs in process memory.
// Callers always receive copies; the mutex is held only for the map work.
type MemoryStore struct {
	mu          sync.RWMutex
	incidents   map[string]*core.Incident
	eventOwner  map[string]string
	byIndicator map[string]map[string]struct{}
	runs        map[string]*core.PlaybookRun
	runByKey    map[string]string
	publisher   notify.Publisher
	closed      bool
}

// NewMemoryStore creates an empty store; publisher may be nil
func NewMemoryStore(publisher notify.Publisher) *MemoryStore {
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}
	return &MemoryStore{
		incidents:   make(map[string]*core.Incident),
		eventOwner:  make(map[string]string),
		byIndicator: make(map[string]map[string]struct{}),
		runs:        make(map[string]*core.PlaybookRun),
		runByKey:    make(map[string]string),
		publisher:   publisher,
	}
}

// Create stores a new incident
func (m *MemoryStore) Create(ctx context.Context, inc *core.Incident) error {
	m.mu.Lock()
	if err := m.checkOpen(); err != nil {
		m.mu.Unlock()
		return err
	}
	if _, exists := m.incidents[inc.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrIncidentExists, inc.ID)
	}
	if err := m.checkOwnership(inc, nil); err != nil {
		m.mu.Unlock()
		return err
	}
	inc.Version = 1
	m.put(inc)
	m.mu.Unlock()

	publishAll(m.publisher, incidentNotifications("", inc, true))
	return nil
}

// Get returns a copy of an incident
func (m *MemoryStore) Get(ctx context.Context, id string) (*core.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrIncidentNotFound, id)
	}
	return inc.Clone(), nil
}

// Update replaces an incident if its version is current
func (m *MemoryStore) Update(ctx context.Context, inc *core.Incident) error {
	m.mu.Lock()
	if err := m.checkOpen(); err != nil {
		m.mu.Unlock()
		return err
	}
	before, err := m.checkWrite(inc)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.checkOwnership(inc, nil); err != nil {
		m.mu.Unlock()
		return err
	}
	inc.Version++
	m.put(inc)
	m.mu.Unlock()

	publishAll(m.publisher, incidentNotifications(before.Status, inc, false))
	return nil
}

// Merge writes target and sources in one critical section
func (m *MemoryStore) Merge(ctx context.Context, target *core.Incident, sources []*core.Incident) error {
	if err := validateMerge(target, sources); err != nil {
		return err
	}

	m.mu.Lock()
	if err := m.checkOpen(); err != nil {
		m.mu.Unlock()
		return err
	}
	all := append([]*core.Incident{target}, sources...)
	befores := make([]core.IncidentStatus, len(all))
	released := make(map[string]bool, len(sources))
	for i, inc := range all {
		before, err := m.checkWrite(inc)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		befores[i] = before.Status
		if i > 0 {
			released[inc.ID] = true
		}
	}
	if err := m.checkOwnership(target, released); err != nil {
		m.mu.Unlock()
		return err
	}
	for _, inc := range sources {
		inc.Version++
		m.put(inc)
	}
	target.Version++
	m.put(target)
	m.mu.Unlock()

	for i, inc := range all {
		publishAll(m.publisher, incidentNotifications(befores[i], inc, false))
	}
	return nil
}

// FindOpenByIndicators returns open incidents sharing an indicator with set
func (m *MemoryStore) FindOpenByIndicators(ctx context.Context, set core.IndicatorSet) ([]*core.Incident, error) {
	m.mu.RLock()
	ids := make(map[string]struct{})
	for _, key := range set.Keys() {
		for id := range m.byIndicator[key] {
			ids[id] = struct{}{}
		}
	}
	out := make([]*core.Incident, 0, len(ids))
	for id := range ids {
		if inc := m.incidents[id]; inc.IsOpen() {
			out = append(out, inc.Clone())
		}
	}
	m.mu.RUnlock()

	core.OldestFirst(out)
	return out, nil
}

// IncidentForEvent returns the owner of an event
func (m *MemoryStore) IncidentForEvent(ctx context.Context, eventID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.eventOwner[eventID]
	return id, ok, nil
}

// List returns matching incidents newest first
func (m *MemoryStore) List(ctx context.Context, filter IncidentFilter) ([]*core.Incident, int, error) {
	m.mu.RLock()
	var matched []*core.Incident
	for _, inc := range m.incidents {
		if filter.matches(inc) {
			matched = append(matched, inc)
		}
	}
	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].ID > matched[b].ID
	})

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := start + filter.limit()
	if end > total {
		end = total
	}
	out := make([]*core.Incident, 0, end-start)
	for _, inc := range matched[start:end] {
		out = append(out, inc.Clone())
	}
	m.mu.RUnlock()
	return out, total, nil
}

// CreateRunIfAbsent stores run unless its key is taken
func (m *MemoryStore) CreateRunIfAbsent(ctx context.Context, run *core.PlaybookRun) (*core.PlaybookRun, bool, error) {
	m.mu.Lock()
	if err := m.checkOpen(); err != nil {
		m.mu.Unlock()
		return nil, false, err
	}
	if id, ok := m.runByKey[run.Key.String()]; ok {
		existing := m.runs[id].Clone()
		m.mu.Unlock()
		return existing, false, nil
	}
	run.Version = 1
	m.runs[run.ID] = run.Clone()
	m.runByKey[run.Key.String()] = run.ID
	m.mu.Unlock()

	publishAll(m.publisher, runNotifications("", run))
	return run.Clone(), true, nil
}

// GetRun returns a copy of a run
func (m *MemoryStore) GetRun(ctx context.Context, id string) (*core.PlaybookRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrRunNotFound, id)
	}
	return run.Clone(), nil
}

// GetRunByKey returns the run for an identity
func (m *MemoryStore) GetRunByKey(ctx context.Context, key core.RunKey) (*core.PlaybookRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.runByKey[key.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrRunNotFound, key)
	}
	return m.runs[id].Clone(), nil
}

// UpdateRun replaces a run if its version is current
func (m *MemoryStore) UpdateRun(ctx context.Context, run *core.PlaybookRun) error {
	m.mu.Lock()
	if err := m.checkOpen(); err != nil {
		m.mu.Unlock()
		return err
	}
	stored, ok := m.runs[run.ID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrRunNotFound, run.ID)
	}
	if stored.Version != run.Version {
		m.mu.Unlock()
		return fmt.Errorf("%w: run %s at version %d, have %d", core.ErrStaleRunVersion, run.ID, stored.Version, run.Version)
	}
	before := stored.Status
	run.Version++
	m.runs[run.ID] = run.Clone()
	m.mu.Unlock()

	publishAll(m.publisher, runNotifications(before, run))
	return nil
}

// ListRuns returns an incident's runs oldest first
func (m *MemoryStore) ListRuns(ctx context.Context, incidentID string) ([]*core.PlaybookRun, error) {
	m.mu.RLock()
	var out []*core.PlaybookRun
	for _, run := range m.runs {
		if run.IncidentID == incidentID {
			out = append(out, run.Clone())
		}
	}
	m.mu.RUnlock()
	sortRuns(out)
	return out, nil
}

// ListUnfinishedRuns returns runs not yet SUCCEEDED or FAILED, oldest first
func (m *MemoryStore) ListUnfinishedRuns(ctx context.Context) ([]*core.PlaybookRun, error) {
	m.mu.RLock()
	var out []*core.PlaybookRun
	for _, run := range m.runs {
		if !run.Status.IsTerminal() {
			out = append(out, run.Clone())
		}
	}
	m.mu.RUnlock()
	sortRuns(out)
	return out, nil
}

// Close marks the store closed
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStore) checkOpen() error {
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

// checkWrite verifies the CAS version and history of an existing incident; caller holds mu
func (m *MemoryStore) checkWrite(inc *core.Incident) (*core.Incident, error) {
	stored, ok := m.incidents[inc.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrIncidentNotFound, inc.ID)
	}
	if stored.Version != inc.Version {
		return nil, fmt.Errorf("%w: incident %s at version %d, have %d", core.ErrStaleIncidentVersion, inc.ID, stored.Version, inc.Version)
	}
	if len(inc.History) < len(stored.History) {
		return nil, fmt.Errorf("%w: incident %s has %d entries, update carries %d", ErrHistoryRewrite, inc.ID, len(stored.History), len(inc.History))
	}
	return stored, nil
}

// checkOwnership rejects events owned by another incident; events of released incidents may move
func (m *MemoryStore) checkOwnership(inc *core.Incident, released map[string]bool) error {
	for _, id := range inc.EventIDs {
		owner, ok := m.eventOwner[id]
		if ok && owner != inc.ID && !released[owner] {
			return fmt.Errorf("%w: %s belongs to %s", core.ErrEventAlreadyAssigned, id, owner)
		}
	}
	return nil
}

// put stores a copy and refreshes the indexes; caller holds mu
func (m *MemoryStore) put(inc *core.Incident) {
	stored := inc.Clone()
	if prev, ok := m.incidents[inc.ID]; ok {
		// Stored history entries are kept as they were.
		copy(stored.History, prev.History)
		for _, id := range prev.EventIDs {
			if m.eventOwner[id] == inc.ID {
				delete(m.eventOwner, id)
			}
		}
		for _, key := range prev.Indicators.Keys() {
			delete(m.byIndicator[key], inc.ID)
		}
	}
	m.incidents[inc.ID] = stored
	for _, id := range stored.EventIDs {
		m.eventOwner[id] = inc.ID
	}
	for _, key := range stored.Indicators.Keys() {
		set, ok := m.byIndicator[key]
		if !ok {
			set = make(map[string]struct{})
			m.byIndicator[key] = set
		}
		set[inc.ID] = struct{}{}
	}
}

func validateMerge(target *core.Incident, sources []*core.Incident) error {
	if len(sources) == 0 {
		return fmt.Errorf("%w: no sources", ErrInvalidMerge)
	}
	if !target.IsOpen() {
		return fmt.Errorf("%w: target %s is closed", ErrInvalidMerge, target.ID)
	}
	seen := map[string]bool{target.ID: true}
	for _, s := range sources {
		if seen[s.ID] {
			return fmt.Errorf("%w: %s listed twice", ErrInvalidMerge, s.ID)
		}
		seen[s.ID] = true
		if s.MergedInto != target.ID {
			return fmt.Errorf("%w: source %s is not marked merged into %s", ErrInvalidMerge, s.ID, target.ID)
		}
	}
	return nil
}

func sortRuns(runs []*core.PlaybookRun) {
	sort.Slice(runs, func(a, b int) bool {
		if !runs[a].CreatedAt.Equal(runs[b].CreatedAt) {
			return runs[a].CreatedAt.Before(runs[b].CreatedAt)
		}
		return runs[a].ID < runs[b].ID
	})
}
