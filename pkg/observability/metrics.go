package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics must be global for registration
var (
	// CacheRequests counts orchestrator requests by outcome
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaincache_requests_total",
			Help: "Total number of range requests served",
		},
		[]string{"namespace", "result"}, // result: hit, partial, miss, failed
	)

	// GapsFetched counts sub-ranges dispatched to the fetch collaborator
	GapsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaincache_gaps_fetched_total",
			Help: "Total number of gap sub-ranges dispatched for fetching",
		},
		[]string{"namespace"},
	)

	// GapBlocks counts blocks that had to be fetched
	GapBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaincache_gap_blocks_total",
			Help: "Total number of blocks found missing from coverage",
		},
		[]string{"namespace"},
	)

	// FetchAttempts counts fetch attempts including retries
	FetchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaincache_fetch_attempts_total",
			Help: "Total number of fetch attempts",
		},
		[]string{"namespace", "status"}, // status: success, retried, failed
	)

	// FetchDuration measures the duration of one sub-range fetch including retries
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chaincache_fetch_duration_seconds",
			Help:    "Sub-range fetch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"namespace", "status"},
	)

	// ChunksWritten counts committed chunks
	ChunksWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaincache_chunks_written_total",
			Help: "Total number of chunks committed",
		},
		[]string{"namespace", "source"}, // source: fetch, rechunk
	)

	// BytesWritten counts payload bytes committed
	BytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaincache_bytes_written_total",
			Help: "Total number of payload bytes committed",
		},
		[]string{"namespace", "source"},
	)

	// RechunkRuns counts rechunk executions
	RechunkRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaincache_rechunk_runs_total",
			Help: "Total number of rechunk runs",
		},
		[]string{"namespace", "result"}, // result: applied, dry_run, noop, aborted
	)

	// RechunkGroups counts merge and split groups applied by rechunk
	RechunkGroups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaincache_rechunk_groups_total",
			Help: "Total number of rechunk groups applied",
		},
		[]string{"namespace", "action"}, // action: merge, split
	)

	// StorageTxDuration measures storage transaction time
	StorageTxDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chaincache_storage_tx_duration_seconds",
			Help:    "Storage transaction duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"backend", "mode"}, // mode: view, update
	)

	// StorageTxConflicts counts optimistic transaction retries
	StorageTxConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaincache_storage_tx_conflicts_total",
			Help: "Total number of optimistic transaction conflicts",
		},
		[]string{"backend"},
	)

	// SchemaAdoptions counts namespace version adoptions
	SchemaAdoptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaincache_schema_adoptions_total",
			Help: "Total number of schema version adoptions",
		},
		[]string{"namespace", "previous"}, // previous: missing, stale
	)

	// TasksEnqueued counts maintenance tasks enqueued
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaincache_tasks_enqueued_total",
			Help: "Total number of maintenance tasks enqueued",
		},
		[]string{"task", "trigger"}, // trigger: schedule, api, cli
	)

	// ErrorsTotal counts total number of errors
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaincache_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordRequest records the outcome of a range request
func RecordRequest(namespace, result string) {
	CacheRequests.WithLabelValues(namespace, result).Inc()
}

// RecordGaps records gap sub-ranges about to be fetched
func RecordGaps(namespace string, pieces int, blocks uint64) {
	GapsFetched.WithLabelValues(namespace).Add(float64(pieces))
	GapBlocks.WithLabelValues(namespace).Add(float64(blocks))
}

// RecordFetchAttempt records a single fetch attempt
func RecordFetchAttempt(namespace, status string) {
	FetchAttempts.WithLabelValues(namespace, status).Inc()
}

// RecordFetch records a completed sub-range fetch
func RecordFetch(namespace, status string, duration time.Duration) {
	FetchDuration.WithLabelValues(namespace, status).Observe(duration.Seconds())
}

// RecordChunkWritten records a committed chunk
func RecordChunkWritten(namespace, source string, size int64) {
	ChunksWritten.WithLabelValues(namespace, source).Inc()
	BytesWritten.WithLabelValues(namespace, source).Add(float64(size))
}

// RecordRechunk records a rechunk run and the groups it applied
func RecordRechunk(namespace, result string, merges, splits int) {
	RechunkRuns.WithLabelValues(namespace, result).Inc()
	RechunkGroups.WithLabelValues(namespace, "merge").Add(float64(merges))
	RechunkGroups.WithLabelValues(namespace, "split").Add(float64(splits))
}

// ObserveStorageTx records the duration of a transaction started at start
func ObserveStorageTx(backend, mode string, start time.Time) {
	StorageTxDuration.WithLabelValues(backend, mode).Observe(time.Since(start).Seconds())
}

// RecordStorageConflict records an optimistic transaction retry
func RecordStorageConflict(backend string) {
	StorageTxConflicts.WithLabelValues(backend).Inc()
}

// RecordSchemaAdoption records a namespace adopting its declared version
func RecordSchemaAdoption(namespace, previous string) {
	SchemaAdoptions.WithLabelValues(namespace, previous).Inc()
}

// RecordTaskEnqueued records task enqueue
func RecordTaskEnqueued(task, trigger string) {
	TasksEnqueued.WithLabelValues(task, trigger).Inc()
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
