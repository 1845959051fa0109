package bootstrap

import (
	"fmt"
	"os"

	"warden/config"
	"warden/notify"
	"warden/storage"

	"go.uber.org/zap"
)

// InitStore opens the configured incident and run store. Every committed
// write is published to publisher.
func InitStore(cfg *config.Config, publisher notify.Publisher, sugar *zap.SugaredLogger) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case config.StorageSQLite:
		if err := EnsureDataDir(cfg.Storage.SQLitePath, sugar); err != nil {
			return nil, fmt.Errorf("pre-flight check failed: %w", err)
		}
		sqlite, err := storage.NewSQLite(cfg.Storage.SQLitePath, publisher, sugar)
		if err != nil {
			fmt.Fprintf(os.Stderr, "\n========================================\n")
			fmt.Fprintf(os.Stderr, "FATAL: SQLite Initialization Failed\n")
			fmt.Fprintf(os.Stderr, "========================================\n")
			fmt.Fprintf(os.Stderr, "%s\n", ClassifySQLiteError(err, cfg.Storage.SQLitePath))
			fmt.Fprintf(os.Stderr, "========================================\n\n")
			return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
		}
		sugar.Infow("SQLite store initialized", "path", cfg.Storage.SQLitePath)
		return sqlite, nil

	case config.StorageMemory, "":
		sugar.Warn("Using in-memory store: incidents and runs are lost on restart")
		return storage.NewMemoryStore(publisher), nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
