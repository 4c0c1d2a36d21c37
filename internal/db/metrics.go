package db

// Metric keys for the counters RetryTransaction maintains. Kept short the
// way the teacher's own metric keys are, so they are cheap to carry as
// labels.
const (
	// MetricDatabase is the metric key for a database operation.
	MetricDatabase = "db"
	// MetricDatabaseRetries is the metric key for a transaction retry.
	MetricDatabaseRetries = "dbr"
)
