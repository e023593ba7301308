package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_messages_total",
			Help: "Total number of stream messages handled by reader tasks (count)",
		},
		[]string{"consumer_group", "partition", "status"},
	)

	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_records_total",
			Help: "Total number of measurement records by persistence outcome (count)",
		},
		[]string{"consumer_group", "outcome"},
	)

	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_batches_total",
			Help: "Total number of batch flushes (count)",
		},
		[]string{"consumer_group", "status"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_batch_size",
			Help:    "Number of records per flushed batch (count)",
			Buckets: []float64{1, 5, 10, 20, 30, 40, 50, 75, 100, 250},
		},
		[]string{"consumer_group"},
	)

	FlushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_flush_duration_ms",
			Help:    "Duration of a batch flush including checkpoint commit in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"consumer_group"},
	)

	CheckpointOffset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_checkpoint_offset",
			Help: "Last committed offset per consumer group and partition (offset)",
		},
		[]string{"consumer_group", "partition"},
	)

	PartitionLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_partition_lag",
			Help: "Reader lag reported by the transport (count)",
		},
		[]string{"consumer_group", "partition"},
	)

	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_reconnects_total",
			Help: "Total number of transport reconnect attempts (count)",
		},
		[]string{"consumer_group", "partition"},
	)

	TaskState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_task_state",
			Help: "Reader task state (0=starting, 1=connected, 2=reconnecting, 3=draining, 4=stopped, 5=failed) (state code)",
		},
		[]string{"consumer_group", "partition"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"consumer_group", "operation"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"database", "operation", "status"},
	)

	DatabaseQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_ms",
			Help:    "Duration of database queries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"database", "operation"},
	)

	StatusRequestsLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "status_requests_rate_limited_total",
			Help: "Requests to the status server by rate limit decision (count)",
		},
		[]string{"decision"},
	)
)

var registerOnce sync.Once

// RegisterIngestMetrics registers every collector with the default registry.
// Safe to call more than once.
func RegisterIngestMetrics() {
	registerOnce.Do(func() {
		Register(prometheus.DefaultRegisterer)
	})
}

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		MessagesTotal,
		RecordsTotal,
		BatchesTotal,
		BatchSize,
		FlushDuration,
		CheckpointOffset,
		PartitionLag,
		ReconnectsTotal,
		TaskState,
		RetryAttemptsTotal,
		CircuitBreakerState,
		CircuitBreakerRequests,
		CircuitBreakerFailures,
		DatabaseQueriesTotal,
		DatabaseQueryDuration,
		StatusRequestsLimited,
	)
}

func partitionLabel(partition int) string {
	return strconv.Itoa(partition)
}

func IncMessages(group string, partition int, status string) {
	MessagesTotal.WithLabelValues(group, partitionLabel(partition), status).Inc()
}

func AddRecords(group, outcome string, n int) {
	if n <= 0 {
		return
	}
	RecordsTotal.WithLabelValues(group, outcome).Add(float64(n))
}

func ObserveFlush(group, status string, size int, duration time.Duration) {
	BatchesTotal.WithLabelValues(group, status).Inc()
	BatchSize.WithLabelValues(group).Observe(float64(size))
	FlushDuration.WithLabelValues(group).Observe(float64(duration.Milliseconds()))
}

func SetCheckpointOffset(group string, partition int, offset int64) {
	CheckpointOffset.WithLabelValues(group, partitionLabel(partition)).Set(float64(offset))
}

func SetPartitionLag(group string, partition int, lag int64) {
	PartitionLag.WithLabelValues(group, partitionLabel(partition)).Set(float64(lag))
}

func IncReconnects(group string, partition int) {
	ReconnectsTotal.WithLabelValues(group, partitionLabel(partition)).Inc()
}

func SetTaskState(group string, partition int, state int) {
	TaskState.WithLabelValues(group, partitionLabel(partition)).Set(float64(state))
}

func IncRetryAttempts(group, operation string) {
	RetryAttemptsTotal.WithLabelValues(group, operation).Inc()
}

func ObserveDatabaseQuery(database, operation string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseQueriesTotal.WithLabelValues(database, operation, status).Inc()
	DatabaseQueryDuration.WithLabelValues(database, operation).Observe(float64(duration.Milliseconds()))
}
