package datastore

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/tphakala/trafficsat/internal/conf"
	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/logger"
)

// MySQLStore implements Interface on MySQL.
type MySQLStore struct {
	DataStore
	Settings conf.MySQLSettings
}

func validateMySQLConfig(s conf.MySQLSettings) error {
	switch {
	case s.Host == "":
		return validationError("mysql host is empty", "output.mysql.host", s.Host)
	case s.Database == "":
		return validationError("mysql database is empty", "output.mysql.database", s.Database)
	case s.Username == "":
		return validationError("mysql username is empty", "output.mysql.username", s.Username)
	}
	return nil
}

// mysqlDSN builds the driver DSN. Times are stored in UTC.
func mysqlDSN(s conf.MySQLSettings) string {
	port := s.Port
	if port == "" {
		port = "3306"
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		s.Username, s.Password, s.Host, port, s.Database)
}

// Open connects to MySQL and migrates the schema.
func (store *MySQLStore) Open() error {
	if err := validateMySQLConfig(store.Settings); err != nil {
		return err
	}

	db, err := gorm.Open(mysql.Open(mysqlDSN(store.Settings)), store.gormConfig())
	if err != nil {
		store.log.Error("failed to open MySQL database",
			logger.String("host", store.Settings.Host),
			logger.String("port", store.Settings.Port),
			logger.String("database", store.Settings.Database),
			logger.Error(err))
		return dbError(err, "open", errors.PriorityCritical,
			"backend", "mysql",
			"host", store.Settings.Host,
			"database", store.Settings.Database)
	}

	store.DB = db
	store.log.Info("database opened",
		logger.String("backend", "mysql"),
		logger.String("host", store.Settings.Host),
		logger.String("database", store.Settings.Database))
	return store.performAutoMigration("mysql")
}
