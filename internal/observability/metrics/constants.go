// Package metrics provides constants used across metric definitions.
package metrics

import "time"

// Status label values
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Operation label values for datastore metrics
const (
	OpDbInsert      = "db_insert"
	OpDbUpdate      = "db_update"
	OpDbQuery       = "db_query"
	OpDbTransaction = "db_transaction"
	OpDbAnalytics   = "db_analytics"
)

// Histogram bucket configuration constants.
const (
	// BucketStart1ms is the starting bucket for 1ms histograms (1ms to ~4s range).
	BucketStart1ms = 0.001
	// BucketStart100ms is the starting bucket for 100ms histograms (100ms to ~100s range).
	BucketStart100ms = 0.1
	// BucketStart1s is the starting bucket for 1s histograms (1s to ~9 hours range).
	BucketStart1s = 1.0
	// BucketStart64B is the starting bucket for 64 byte histograms.
	BucketStart64B = 64.0

	BucketFactor2 = 2

	BucketCount10 = 10
	BucketCount12 = 12
	BucketCount15 = 15
)

// ShutdownTimeout is the timeout for graceful shutdown operations.
const ShutdownTimeout = 5 * time.Second
