package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"warden/core"
)

// CreateRunIfAbsent stores run unless its key is taken
func (s *SQLite) CreateRunIfAbsent(ctx context.Context, run *core.PlaybookRun) (*core.PlaybookRun, bool, error) {
	var existing *core.PlaybookRun
	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		found, err := scanRun(tx.QueryRowContext(ctx, "SELECT data, version FROM playbook_runs WHERE run_key = ?", run.Key.String()))
		if err == nil {
			existing = found
			return nil
		}
		if !errors.Is(err, core.ErrRunNotFound) {
			return err
		}

		stored := run.Clone()
		stored.Version = 1
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO playbook_runs (id, run_key, incident_id, playbook, status, created_at, version, data)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
			run.ID, run.Key.String(), run.IncidentID, run.Playbook, run.Status, toNanos(run.CreatedAt), string(data))
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	run.Version = 1
	publishAll(s.publisher, runNotifications("", run))
	return run.Clone(), true, nil
}

// GetRun returns a run by ID
func (s *SQLite) GetRun(ctx context.Context, id string) (*core.PlaybookRun, error) {
	run, err := scanRun(s.ReadDB.QueryRowContext(ctx, "SELECT data, version FROM playbook_runs WHERE id = ?", id))
	if errors.Is(err, core.ErrRunNotFound) {
		return nil, fmt.Errorf("%w: %s", core.ErrRunNotFound, id)
	}
	return run, err
}

// GetRunByKey returns the run for an identity
func (s *SQLite) GetRunByKey(ctx context.Context, key core.RunKey) (*core.PlaybookRun, error) {
	run, err := scanRun(s.ReadDB.QueryRowContext(ctx, "SELECT data, version FROM playbook_runs WHERE run_key = ?", key.String()))
	if errors.Is(err, core.ErrRunNotFound) {
		return nil, fmt.Errorf("%w: %s", core.ErrRunNotFound, key)
	}
	return run, err
}

// UpdateRun replaces a run if its version is current
func (s *SQLite) UpdateRun(ctx context.Context, run *core.PlaybookRun) error {
	var before core.RunStatus
	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		var version int64
		err := tx.QueryRowContext(ctx, "SELECT status, version FROM playbook_runs WHERE id = ?", run.ID).Scan(&before, &version)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", core.ErrRunNotFound, run.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to read run version: %w", err)
		}
		if version != run.Version {
			return fmt.Errorf("%w: run %s at version %d, have %d", core.ErrStaleRunVersion, run.ID, version, run.Version)
		}

		stored := run.Clone()
		stored.Version = run.Version + 1
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE playbook_runs SET status = ?, version = version + 1, data = ? WHERE id = ? AND version = ?",
			run.Status, string(data), run.ID, run.Version)
		if err != nil {
			return fmt.Errorf("failed to update run: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	run.Version++
	publishAll(s.publisher, runNotifications(before, run))
	return nil
}

// ListRuns returns an incident's runs oldest first
func (s *SQLite) ListRuns(ctx context.Context, incidentID string) ([]*core.PlaybookRun, error) {
	rows, err := s.ReadDB.QueryContext(ctx,
		"SELECT data, version FROM playbook_runs WHERE incident_id = ? ORDER BY created_at, id", incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return scanRuns(rows)
}

// ListUnfinishedRuns returns runs not yet SUCCEEDED or FAILED, oldest first
func (s *SQLite) ListUnfinishedRuns(ctx context.Context) ([]*core.PlaybookRun, error) {
	rows, err := s.ReadDB.QueryContext(ctx,
		"SELECT data, version FROM playbook_runs WHERE status NOT IN (?, ?) ORDER BY created_at, id",
		core.RunSucceeded, core.RunFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished runs: %w", err)
	}
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]*core.PlaybookRun, error) {
	defer rows.Close()

	var out []*core.PlaybookRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*core.PlaybookRun, error) {
	var data string
	var version int64
	if err := row.Scan(&data, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	var run core.PlaybookRun
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	run.Version = version
	return &run, nil
}
