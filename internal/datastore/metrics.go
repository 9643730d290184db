package datastore

import (
	"time"

	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/observability/metrics"
)

// instrument records the outcome of one store operation.
func (ds *DataStore) instrument(operation string, start time.Time, err error) {
	ds.metrics.RecordDuration(operation, time.Since(start).Seconds())
	if err != nil {
		ds.metrics.RecordOperation(operation, metrics.StatusError)
		category := string(errors.CategoryDatabase)
		var ee *errors.EnhancedError
		if errors.As(err, &ee) {
			category = ee.GetCategory()
		}
		ds.metrics.RecordError(operation, category)
		return
	}
	ds.metrics.RecordOperation(operation, metrics.StatusSuccess)
}
