package datastore

import (
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tphakala/trafficsat/internal/conf"
	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/logger"
)

// SQLiteStore implements Interface on a SQLite file.
type SQLiteStore struct {
	DataStore
	Settings conf.SQLiteSettings
}

// Open creates the parent directory, opens the database and migrates it.
func (store *SQLiteStore) Open() error {
	path := store.Settings.Path
	if path == "" {
		return validationError("sqlite path is empty", "output.sqlite.path", path)
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.New(err).
				Component("datastore").
				Category(errors.CategoryFileIO).
				Context("operation", "create-db-dir").
				Context("path", dir).
				Build()
		}
	}

	// WAL lets API reads proceed while a run writes
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := gorm.Open(sqlite.Open(dsn), store.gormConfig())
	if err != nil {
		return dbError(err, "open", errors.PriorityCritical, "backend", "sqlite", "path", path)
	}

	store.DB = db
	store.log.Info("database opened",
		logger.String("backend", "sqlite"),
		logger.String("path", path))
	return store.performAutoMigration("sqlite")
}
