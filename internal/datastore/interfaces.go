// Package datastore persists satellite images and traffic density samples
// through GORM on SQLite, MySQL or PostgreSQL.
package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/trafficsat/internal/conf"
	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/geo"
	"github.com/tphakala/trafficsat/internal/logger"
	"github.com/tphakala/trafficsat/internal/observability/metrics"
)

// DefaultSlowQueryThreshold is the duration after which a query is logged as slow.
const DefaultSlowQueryThreshold = 500 * time.Millisecond

// Interface abstracts the database used by the pipeline and the API.
type Interface interface {
	Open() error
	Close() error

	SaveSatelliteImage(ctx context.Context, img *SatelliteImage) error
	// UpdateSatelliteImageStatus applies a forward-only status change.
	// An illegal transition is a state error and leaves the row untouched.
	UpdateSatelliteImageStatus(ctx context.Context, imageID string, status ProcessingStatus) error
	// CompleteRun marks the image completed with vehicleCount and inserts
	// densities in one transaction.
	CompleteRun(ctx context.Context, imageID string, vehicleCount int, densities []TrafficDensity) error
	GetSatelliteImage(ctx context.Context, imageID string) (*SatelliteImage, error)
	SatelliteImages(ctx context.Context, limit int, status ProcessingStatus) ([]SatelliteImage, error)

	LatestDensities(ctx context.Context, limit int) ([]TrafficDensity, error)
	DensitiesInArea(ctx context.Context, bbox geo.BBox, since time.Time) ([]TrafficDensity, error)
	DensitySummary(ctx context.Context, since time.Time) (*DensitySummary, error)
}

// DataStore implements Interface on a GORM database. Backends embed it and
// provide Open.
type DataStore struct {
	DB      *gorm.DB
	log     logger.Logger
	metrics metrics.Recorder
	debug   bool
}

// Option configures a DataStore.
type Option func(*DataStore)

// WithLogger sets the module logger.
func WithLogger(log logger.Logger) Option {
	return func(ds *DataStore) {
		if log != nil {
			ds.log = log
		}
	}
}

// WithMetrics records operation counts and durations.
func WithMetrics(m metrics.Recorder) Option {
	return func(ds *DataStore) {
		if m != nil {
			ds.metrics = m
		}
	}
}

func newDataStore(debug bool, opts []Option) DataStore {
	ds := DataStore{
		log:     logger.Global().Module("datastore"),
		metrics: metrics.NoopRecorder{},
		debug:   debug,
	}
	for _, opt := range opts {
		opt(&ds)
	}
	return ds
}

// New returns an unopened store for the first enabled backend.
func New(settings *conf.Settings, opts ...Option) (Interface, error) {
	if settings == nil {
		return nil, errors.Newf("datastore settings are missing").
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}
	out := settings.Output
	switch {
	case out.SQLite.Enabled:
		return &SQLiteStore{DataStore: newDataStore(settings.Debug, opts), Settings: out.SQLite}, nil
	case out.MySQL.Enabled:
		return &MySQLStore{DataStore: newDataStore(settings.Debug, opts), Settings: out.MySQL}, nil
	case out.Postgres.Enabled:
		return &PostgresStore{DataStore: newDataStore(settings.Debug, opts), Settings: out.Postgres}, nil
	default:
		return nil, errors.Newf("no datastore backend enabled, enable output.sqlite, output.mysql or output.postgres").
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

// gormConfig returns the shared GORM configuration.
func (ds *DataStore) gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         logger.NewGormLoggerAdapter(ds.log.Module("gorm"), DefaultSlowQueryThreshold),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
}

// performAutoMigration creates or updates the schema.
func (ds *DataStore) performAutoMigration(backend string) error {
	if err := ds.DB.AutoMigrate(&SatelliteImage{}, &TrafficDensity{}); err != nil {
		return dbError(err, "auto-migrate", errors.PriorityCritical, "backend", backend)
	}
	if ds.debug {
		ds.log.Debug("schema migrated", logger.String("backend", backend))
	}
	return nil
}

// Close releases the underlying connection pool.
func (ds *DataStore) Close() error {
	if ds.DB == nil {
		return stateError("database connection is not initialized", "close")
	}
	sqlDB, err := ds.DB.DB()
	if err != nil {
		return dbError(err, "close", errors.PriorityMedium)
	}
	if err := sqlDB.Close(); err != nil {
		return dbError(err, "close", errors.PriorityMedium)
	}
	return nil
}
