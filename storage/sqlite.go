package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"warden/notify"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the SQLite database connections.
// WAL mode allows one writer and many readers, so writes and reads use separate pools.
type SQLite struct {
	WriteDB   *sql.DB // single connection; every mutation runs here
	ReadDB    *sql.DB // pool for concurrent reads
	Path      string
	Logger    *zap.SugaredLogger
	publisher notify.Publisher
}

// configureSQLiteConnection sets WAL mode, foreign keys and the busy timeout on a pool
func configureSQLiteConnection(db *sql.DB, logger *zap.SugaredLogger, inMemory bool, poolType string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		return fmt.Errorf("failed to verify foreign keys: %w", err)
	}
	if fkEnabled != 1 {
		return fmt.Errorf("foreign keys not enabled (got: %d, expected: 1)", fkEnabled)
	}

	// Set busy timeout to prevent immediate SQLITE_BUSY errors
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// In-memory databases report "memory" instead of "wal"
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if !inMemory && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s, expected: wal)", journalMode)
	}
	logger.Debugf("SQLite %s pool: journal mode %s", poolType, journalMode)
	return nil
}

// NewSQLite opens (or creates) the database at dbPath. ":memory:" gives a private in-memory database.
func NewSQLite(dbPath string, publisher notify.Publisher, logger *zap.SugaredLogger) (*SQLite, error) {
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}

	inMemory := dbPath == ":memory:"
	dsn := dbPath
	if inMemory {
		// Both pools must see the same database, and separate stores must not.
		dsn = fmt.Sprintf("file:warden-%s?mode=memory&cache=shared", uuid.NewString())
	} else if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	if err := configureSQLiteConnection(writeDB, logger, inMemory, "write"); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0) // in-memory databases vanish with their last connection

	readDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}
	if err := configureSQLiteConnection(readDB, logger, inMemory, "read"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read connection: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxIdleTime(10 * time.Minute)

	s := &SQLite{
		WriteDB:   writeDB,
		ReadDB:    readDB,
		Path:      dbPath,
		Logger:    logger,
		publisher: publisher,
	}

	if err := s.createTables(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Infow("SQLite incident store initialized", "path", dbPath)
	return s, nil
}

// WithTransaction executes fn within a write transaction, rolling back on error or panic
func (s *SQLite) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		severity TEXT NOT NULL,
		severity_rank INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		first_event_at INTEGER NOT NULL,
		last_event_at INTEGER NOT NULL,
		duplicate_count INTEGER NOT NULL DEFAULT 0,
		merged_into TEXT NOT NULL DEFAULT '',
		indicators TEXT NOT NULL, -- JSON array
		enrichment TEXT NOT NULL, -- JSON object keyed by indicator
		version INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);
	CREATE INDEX IF NOT EXISTS idx_incidents_created_at ON incidents(created_at DESC);

	-- Each event belongs to at most one incident
	CREATE TABLE IF NOT EXISTS incident_events (
		event_id TEXT PRIMARY KEY,
		incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
		position INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_incident_events_incident ON incident_events(incident_id);

	CREATE TABLE IF NOT EXISTS incident_indicators (
		incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
		indicator_key TEXT NOT NULL,
		PRIMARY KEY (incident_id, indicator_key)
	);
	CREATE INDEX IF NOT EXISTS idx_incident_indicators_key ON incident_indicators(indicator_key);

	-- Append-only; rows are never updated
	CREATE TABLE IF NOT EXISTS incident_history (
		incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		at INTEGER NOT NULL,
		data TEXT NOT NULL, -- JSON transition
		PRIMARY KEY (incident_id, seq)
	);

	CREATE TABLE IF NOT EXISTS playbook_runs (
		id TEXT PRIMARY KEY,
		run_key TEXT NOT NULL UNIQUE,
		incident_id TEXT NOT NULL,
		playbook TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		version INTEGER NOT NULL,
		data TEXT NOT NULL -- JSON run
	);
	CREATE INDEX IF NOT EXISTS idx_playbook_runs_incident ON playbook_runs(incident_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_playbook_runs_status ON playbook_runs(status);
	`
	_, err := s.WriteDB.Exec(schema)
	return err
}

// Close closes both pools
func (s *SQLite) Close() error {
	var errs []string
	if s.ReadDB != nil {
		if err := s.ReadDB.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("read pool: %v", err))
		}
	}
	if s.WriteDB != nil {
		if err := s.WriteDB.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("write pool: %v", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close SQLite: %s", strings.Join(errs, "; "))
	}
	return nil
}

// HealthCheck pings both pools
func (s *SQLite) HealthCheck(ctx context.Context) error {
	if err := s.WriteDB.PingContext(ctx); err != nil {
		return fmt.Errorf("write pool: %w", err)
	}
	if err := s.ReadDB.PingContext(ctx); err != nil {
		return fmt.Errorf("read pool: %w", err)
	}
	return nil
}

// validateDatabasePath rejects paths that could escape the data directory
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if dbPath == ":memory:" {
		return nil
	}
	if len(dbPath) > 512 {
		return fmt.Errorf("database path exceeds maximum length of 512 characters")
	}
	if strings.Contains(dbPath, "\x00") {
		return fmt.Errorf("null bytes not allowed in path")
	}
	for _, part := range strings.Split(filepath.ToSlash(dbPath), "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed (..): %s", dbPath)
		}
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
