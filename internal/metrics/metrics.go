// Package metrics provides Prometheus metrics for wpstore
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for wpstore. A nil *Metrics is valid
// and records nothing, so library code can take it as an optional dependency.
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Transaction metrics
	TxnOperationsTotal       *prometheus.CounterVec
	TxnOperationDuration     *prometheus.HistogramVec
	RollbackKeysTotal        *prometheus.CounterVec
	SnapshotValidationsTotal *prometheus.CounterVec
	SubBatchSplitsTotal      prometheus.Counter

	// Engine metrics
	EngineWritesTotal  *prometheus.CounterVec
	WALBytesTotal      prometheus.Counter
	WriteStallsTotal   prometheus.Counter
	LastAllocatedSeq   prometheus.Gauge
	LastPublishedSeq   prometheus.Gauge
	PreparedTxns       prometheus.Gauge
	CommitMapEntries   prometheus.Gauge

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpstore_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wpstore_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "wpstore_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	m.TxnOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpstore_txn_operations_total",
			Help: "Total number of transaction lifecycle operations",
		},
		[]string{"operation", "status"},
	)

	m.TxnOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wpstore_txn_operation_duration_seconds",
			Help:    "Duration of transaction lifecycle operations in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	m.RollbackKeysTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpstore_rollback_keys_total",
			Help: "Keys reverted by rollback, by action (restored or deleted)",
		},
		[]string{"action"},
	)

	m.SnapshotValidationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpstore_snapshot_validations_total",
			Help: "Snapshot validations by result",
		},
		[]string{"result"},
	)

	m.SubBatchSplitsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "wpstore_sub_batch_splits_total",
			Help: "Batches that had to be counted because of duplicate keys",
		},
	)

	m.EngineWritesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpstore_engine_writes_total",
			Help: "Engine writes by write queue",
		},
		[]string{"queue"},
	)

	m.WALBytesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "wpstore_wal_bytes_total",
			Help: "Bytes of batch payload appended to the WAL",
		},
	)

	m.WriteStallsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "wpstore_write_stalls_total",
			Help: "Writes delayed by the write controller",
		},
	)

	m.LastAllocatedSeq = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "wpstore_last_allocated_sequence",
			Help: "Last sequence number handed out by the engine",
		},
	)

	m.LastPublishedSeq = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "wpstore_last_published_sequence",
			Help: "Last sequence number made visible to readers",
		},
	)

	m.PreparedTxns = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "wpstore_prepared_sequences",
			Help: "Sequence numbers prepared but not yet resolved",
		},
	)

	m.CommitMapEntries = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "wpstore_commit_map_entries",
			Help: "Entries in the prepare to commit sequence map",
		},
	)

	m.ServerUptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "wpstore_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	return m
}

// RunUptime updates the uptime gauge until ctx is done
func (m *Metrics) RunUptime(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordTxnOperation records a prepare, commit, rollback or write
func (m *Metrics) RecordTxnOperation(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.TxnOperationsTotal.WithLabelValues(operation, status).Inc()
	m.TxnOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordRollbackKey(action string) {
	if m == nil {
		return
	}
	m.RollbackKeysTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) RecordSnapshotValidation(result string) {
	if m == nil {
		return
	}
	m.SnapshotValidationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSubBatchSplit() {
	if m == nil {
		return
	}
	m.SubBatchSplitsTotal.Inc()
}

// RecordEngineWrite records one engine write and its WAL payload size
func (m *Metrics) RecordEngineWrite(queue string, walBytes int) {
	if m == nil {
		return
	}
	m.EngineWritesTotal.WithLabelValues(queue).Inc()
	m.WALBytesTotal.Add(float64(walBytes))
}

func (m *Metrics) RecordWriteStall() {
	if m == nil {
		return
	}
	m.WriteStallsTotal.Inc()
}

// UpdateSequences updates the sequence gauges
func (m *Metrics) UpdateSequences(allocated, published uint64) {
	if m == nil {
		return
	}
	m.LastAllocatedSeq.Set(float64(allocated))
	m.LastPublishedSeq.Set(float64(published))
}

// UpdateCommitTableStats updates the prepared-set and commit-map gauges
func (m *Metrics) UpdateCommitTableStats(prepared, committed int) {
	if m == nil {
		return
	}
	m.PreparedTxns.Set(float64(prepared))
	m.CommitMapEntries.Set(float64(committed))
}
