package datastore

import (
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tphakala/trafficsat/internal/conf"
	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/logger"
)

// PostgresStore implements Interface on PostgreSQL.
type PostgresStore struct {
	DataStore
	Settings conf.PostgresSettings
}

// Open connects with the configured DSN and migrates the schema.
func (store *PostgresStore) Open() error {
	if store.Settings.DSN == "" {
		return validationError("postgres dsn is empty", "output.postgres.dsn", "")
	}

	db, err := gorm.Open(postgres.Open(store.Settings.DSN), store.gormConfig())
	if err != nil {
		// The DSN carries credentials, keep it out of the error context
		return dbError(err, "open", errors.PriorityCritical, "backend", "postgres")
	}

	store.DB = db
	store.log.Info("database opened", logger.String("backend", "postgres"))
	return store.performAutoMigration("postgres")
}
