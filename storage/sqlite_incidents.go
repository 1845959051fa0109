package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"warden/core"
)

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Create stores a new incident
func (s *SQLite) Create(ctx context.Context, inc *core.Incident) error {
	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM incidents WHERE id = ?", inc.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check incident: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", ErrIncidentExists, inc.ID)
		}

		indicators, enrichment, err := encodeIncident(inc)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO incidents (id, status, severity, severity_rank, created_at, updated_at,
				first_event_at, last_event_at, duplicate_count, merged_into, indicators, enrichment, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			inc.ID, inc.Status, inc.Severity, inc.Severity.Rank(), toNanos(inc.CreatedAt), toNanos(inc.UpdatedAt),
			toNanos(inc.FirstEventAt), toNanos(inc.LastEventAt), inc.DuplicateCount, inc.MergedInto,
			indicators, enrichment)
		if err != nil {
			return fmt.Errorf("failed to insert incident: %w", err)
		}
		return writeChildren(ctx, tx, inc, 0, nil)
	})
	if err != nil {
		return err
	}

	inc.Version = 1
	publishAll(s.publisher, incidentNotifications("", inc, true))
	return nil
}

// Get returns an incident with its members and history
func (s *SQLite) Get(ctx context.Context, id string) (*core.Incident, error) {
	return loadIncident(ctx, s.ReadDB, id)
}

// Update replaces an incident if its version is current
func (s *SQLite) Update(ctx context.Context, inc *core.Incident) error {
	var before core.IncidentStatus
	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		before, err = writeIncident(ctx, tx, inc, nil)
		return err
	})
	if err != nil {
		return err
	}

	inc.Version++
	publishAll(s.publisher, incidentNotifications(before, inc, false))
	return nil
}

// Merge writes target and sources in one transaction
func (s *SQLite) Merge(ctx context.Context, target *core.Incident, sources []*core.Incident) error {
	if err := validateMerge(target, sources); err != nil {
		return err
	}

	released := make(map[string]bool, len(sources))
	for _, src := range sources {
		released[src.ID] = true
	}

	all := append(append([]*core.Incident{}, sources...), target)
	befores := make([]core.IncidentStatus, len(all))
	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		// Sources first so their events are released before the target claims them.
		for i, inc := range all {
			var err error
			if befores[i], err = writeIncident(ctx, tx, inc, released); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i, inc := range all {
		inc.Version++
		publishAll(s.publisher, incidentNotifications(befores[i], inc, false))
	}
	return nil
}

// FindOpenByIndicators returns open incidents sharing an indicator with set
func (s *SQLite) FindOpenByIndicators(ctx context.Context, set core.IndicatorSet) ([]*core.Incident, error) {
	keys := set.Keys()
	if len(keys) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(keys)+1)
	args = append(args, core.IncidentClosed)
	for _, k := range keys {
		args = append(args, k)
	}
	query := fmt.Sprintf(`
		SELECT DISTINCT i.id FROM incidents i
		JOIN incident_indicators x ON x.incident_id = i.id
		WHERE i.status != ? AND x.indicator_key IN (%s)`, placeholders(len(keys)))

	ids, err := queryIDs(ctx, s.ReadDB, query, args...)
	if err != nil {
		return nil, err
	}
	out, err := loadIncidents(ctx, s.ReadDB, ids)
	if err != nil {
		return nil, err
	}
	core.OldestFirst(out)
	return out, nil
}

// IncidentForEvent returns the owner of an event
func (s *SQLite) IncidentForEvent(ctx context.Context, eventID string) (string, bool, error) {
	var id string
	err := s.ReadDB.QueryRowContext(ctx, "SELECT incident_id FROM incident_events WHERE event_id = ?", eventID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up event owner: %w", err)
	}
	return id, true, nil
}

// List returns matching incidents newest first
func (s *SQLite) List(ctx context.Context, filter IncidentFilter) ([]*core.Incident, int, error) {
	var where []string
	var args []interface{}
	if len(filter.Statuses) > 0 {
		where = append(where, fmt.Sprintf("status IN (%s)", placeholders(len(filter.Statuses))))
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if filter.MinSeverity != "" {
		where = append(where, "severity_rank >= ?")
		args = append(args, filter.MinSeverity.Rank())
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toNanos(filter.Since))
	}
	if !filter.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, toNanos(filter.Until))
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.ReadDB.QueryRowContext(ctx, "SELECT COUNT(1) FROM incidents "+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count incidents: %w", err)
	}

	query := "SELECT id FROM incidents " + clause + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	ids, err := queryIDs(ctx, s.ReadDB, query, append(args, filter.limit(), filter.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	out, err := loadIncidents(ctx, s.ReadDB, ids)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// writeIncident performs the CAS update of one incident and returns its previous status
func writeIncident(ctx context.Context, tx *sql.Tx, inc *core.Incident, released map[string]bool) (core.IncidentStatus, error) {
	var before core.IncidentStatus
	var version int64
	err := tx.QueryRowContext(ctx, "SELECT status, version FROM incidents WHERE id = ?", inc.ID).Scan(&before, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", core.ErrIncidentNotFound, inc.ID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read incident version: %w", err)
	}
	if version != inc.Version {
		return "", fmt.Errorf("%w: incident %s at version %d, have %d", core.ErrStaleIncidentVersion, inc.ID, version, inc.Version)
	}

	var stored int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM incident_history WHERE incident_id = ?", inc.ID).Scan(&stored); err != nil {
		return "", fmt.Errorf("failed to read history length: %w", err)
	}
	if len(inc.History) < stored {
		return "", fmt.Errorf("%w: incident %s has %d entries, update carries %d", ErrHistoryRewrite, inc.ID, stored, len(inc.History))
	}

	indicators, enrichment, err := encodeIncident(inc)
	if err != nil {
		return "", err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE incidents SET status = ?, severity = ?, severity_rank = ?, updated_at = ?,
			first_event_at = ?, last_event_at = ?, duplicate_count = ?, merged_into = ?,
			indicators = ?, enrichment = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		inc.Status, inc.Severity, inc.Severity.Rank(), toNanos(inc.UpdatedAt),
		toNanos(inc.FirstEventAt), toNanos(inc.LastEventAt), inc.DuplicateCount, inc.MergedInto,
		indicators, enrichment, inc.ID, inc.Version)
	if err != nil {
		return "", fmt.Errorf("failed to update incident: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("%w: incident %s", core.ErrStaleIncidentVersion, inc.ID)
	}

	if err := writeChildren(ctx, tx, inc, stored, released); err != nil {
		return "", err
	}
	return before, nil
}

// writeChildren replaces the event and indicator rows and appends new history entries
func writeChildren(ctx context.Context, tx *sql.Tx, inc *core.Incident, storedHistory int, released map[string]bool) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM incident_events WHERE incident_id = ?", inc.ID); err != nil {
		return fmt.Errorf("failed to clear incident events: %w", err)
	}
	for pos, eventID := range inc.EventIDs {
		var owner string
		err := tx.QueryRowContext(ctx, "SELECT incident_id FROM incident_events WHERE event_id = ?", eventID).Scan(&owner)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to check event owner: %w", err)
		case released[owner]:
			if _, err := tx.ExecContext(ctx, "DELETE FROM incident_events WHERE event_id = ?", eventID); err != nil {
				return fmt.Errorf("failed to release event: %w", err)
			}
		default:
			return fmt.Errorf("%w: %s belongs to %s", core.ErrEventAlreadyAssigned, eventID, owner)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO incident_events (event_id, incident_id, position) VALUES (?, ?, ?)",
			eventID, inc.ID, pos); err != nil {
			return fmt.Errorf("failed to insert incident event: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM incident_indicators WHERE incident_id = ?", inc.ID); err != nil {
		return fmt.Errorf("failed to clear incident indicators: %w", err)
	}
	for _, key := range inc.Indicators.Keys() {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO incident_indicators (incident_id, indicator_key) VALUES (?, ?)", inc.ID, key); err != nil {
			return fmt.Errorf("failed to insert incident indicator: %w", err)
		}
	}

	for _, t := range inc.History[storedHistory:] {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal transition: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO incident_history (incident_id, seq, kind, at, data) VALUES (?, ?, ?, ?, ?)",
			inc.ID, t.Seq, t.Kind, toNanos(t.At), string(data)); err != nil {
			return fmt.Errorf("failed to append history: %w", err)
		}
	}
	return nil
}

func encodeIncident(inc *core.Incident) (string, string, error) {
	indicators, err := json.Marshal(inc.Indicators)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal indicators: %w", err)
	}
	enrichment, err := json.Marshal(inc.Enrichment)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal enrichment: %w", err)
	}
	return string(indicators), string(enrichment), nil
}

func loadIncident(ctx context.Context, q querier, id string) (*core.Incident, error) {
	inc := &core.Incident{ID: id}
	var created, updated, first, last int64
	var indicators, enrichment string
	err := q.QueryRowContext(ctx, `
		SELECT status, severity, created_at, updated_at, first_event_at, last_event_at,
			duplicate_count, merged_into, indicators, enrichment, version
		FROM incidents WHERE id = ?`, id).Scan(
		&inc.Status, &inc.Severity, &created, &updated, &first, &last,
		&inc.DuplicateCount, &inc.MergedInto, &indicators, &enrichment, &inc.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrIncidentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load incident: %w", err)
	}
	inc.CreatedAt = fromNanos(created)
	inc.UpdatedAt = fromNanos(updated)
	inc.FirstEventAt = fromNanos(first)
	inc.LastEventAt = fromNanos(last)
	if err := json.Unmarshal([]byte(indicators), &inc.Indicators); err != nil {
		return nil, fmt.Errorf("failed to decode indicators of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(enrichment), &inc.Enrichment); err != nil {
		return nil, fmt.Errorf("failed to decode enrichment of %s: %w", id, err)
	}
	if inc.Enrichment == nil {
		inc.Enrichment = make(map[string]core.Enrichment)
	}

	if inc.EventIDs, err = queryIDs(ctx, q,
		"SELECT event_id FROM incident_events WHERE incident_id = ? ORDER BY position", id); err != nil {
		return nil, err
	}
	if inc.EventIDs == nil {
		inc.EventIDs = []string{}
	}

	rows, err := q.QueryContext(ctx, "SELECT data FROM incident_history WHERE incident_id = ? ORDER BY seq", id)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		var t core.Transition
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("failed to decode history of %s: %w", id, err)
		}
		inc.History = append(inc.History, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	return inc, nil
}

func loadIncidents(ctx context.Context, q querier, ids []string) ([]*core.Incident, error) {
	out := make([]*core.Incident, 0, len(ids))
	for _, id := range ids {
		inc, err := loadIncident(ctx, q, id)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, nil
}

func queryIDs(ctx context.Context, q querier, query string, args ...interface{}) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
