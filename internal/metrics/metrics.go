// Package metrics provides Prometheus metrics for txstore
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nainya/txstore/pkg/executor"
	"github.com/nainya/txstore/pkg/operation"
	"github.com/nainya/txstore/pkg/txn"
)

// Metrics holds all Prometheus metrics for txstore
type Metrics struct {
	factory promauto.Factory

	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Transaction metrics
	BatchesTotal        *prometheus.CounterVec
	BatchDuration       *prometheus.HistogramVec
	OperationsTotal     *prometheus.CounterVec
	RollbackFailures    *prometheus.CounterVec
	OrphanVersionsTotal prometheus.Counter
	PurgedVersionsTotal *prometheus.CounterVec

	ServerStartTime time.Time
}

var _ executor.Observer = (*Metrics)(nil)

// NewMetrics creates metrics and registers them on reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	m := &Metrics{
		factory:         factory,
		ServerStartTime: time.Now(),
	}

	// gRPC request metrics
	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txstore_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txstore_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "txstore_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	// Transaction metrics
	m.BatchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txstore_batches_total",
			Help: "Batches by outcome: committed or the abort reason",
		},
		[]string{"outcome"},
	)

	m.BatchDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txstore_batch_duration_seconds",
			Help:    "Duration of batches from start to commit or abort",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"committed"},
	)

	m.OperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txstore_operations_total",
			Help: "Dispatched write operations by kind and result",
		},
		[]string{"kind", "result"},
	)

	m.RollbackFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txstore_rollback_failures_total",
			Help: "Versions a rollback could not remove, by table",
		},
		[]string{"table"},
	)

	m.OrphanVersionsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "txstore_orphaned_batches_total",
			Help: "Aborted batches that left versions for the sweeper",
		},
	)

	m.PurgedVersionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txstore_purged_versions_total",
			Help: "Orphan versions removed by the sweeper, by table",
		},
		[]string{"table"},
	)

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "txstore_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
		func() float64 { return time.Since(m.ServerStartTime).Seconds() },
	)

	return m
}

// TrackOracle exports oracle bookkeeping as gauges read at scrape time
func (m *Metrics) TrackOracle(stats func() txn.Stats) {
	gauge := func(name, help string, fn func(txn.Stats) float64) {
		m.factory.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help},
			func() float64 { return fn(stats()) },
		)
	}
	gauge("txstore_oracle_in_flight", "Transactions started and not resolved",
		func(s txn.Stats) float64 { return float64(s.InFlight) })
	gauge("txstore_oracle_invalid", "Invalid transactions awaiting reclamation",
		func(s txn.Stats) float64 { return float64(s.Invalid) })
	gauge("txstore_oracle_commit_records", "Commit records retained for conflict checks",
		func(s txn.Stats) float64 { return float64(s.CommitRecords) })
	gauge("txstore_oracle_counter", "Last allocated transaction or commit id",
		func(s txn.Stats) float64 { return float64(s.Counter) })
	gauge("txstore_oracle_watermark", "Smallest id an in-flight transaction may still need",
		func(s txn.Stats) float64 { return float64(s.Watermark) })
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// BatchFinished implements executor.Observer
func (m *Metrics) BatchFinished(res *executor.Result, elapsed time.Duration) {
	outcome := "committed"
	if !res.Committed {
		outcome = string(res.Reason)
	}
	m.BatchesTotal.WithLabelValues(outcome).Inc()
	if res.Orphans > 0 {
		m.OrphanVersionsTotal.Inc()
	}
	committed := "false"
	if res.Committed {
		committed = "true"
	}
	m.BatchDuration.WithLabelValues(committed).Observe(elapsed.Seconds())
}

// OperationApplied implements executor.Observer
func (m *Metrics) OperationApplied(kind operation.Kind, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.OperationsTotal.WithLabelValues(kind.String(), result).Inc()
}

// RollbackFailed implements executor.Observer
func (m *Metrics) RollbackFailed(table string) {
	m.RollbackFailures.WithLabelValues(table).Inc()
}

// VersionsPurged implements executor.Observer
func (m *Metrics) VersionsPurged(table string, n int) {
	m.PurgedVersionsTotal.WithLabelValues(table).Add(float64(n))
}
