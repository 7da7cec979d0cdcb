package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	// Transfer metrics
	TransfersTotal        *prometheus.CounterVec
	TransfersActive       prometheus.Gauge
	TransferDuration      prometheus.Histogram
	BytesTransferredTotal *prometheus.CounterVec
	ChunksSentTotal       prometheus.Counter
	ChunksReceivedTotal   prometheus.Counter
	ChunksRetransmitted   *prometheus.CounterVec
	ChunksDroppedTotal    *prometheus.CounterVec

	// Control-plane metrics
	WindowSize            prometheus.Gauge
	WindowTimeouts        prometheus.Counter
	WindowLosses          prometheus.Counter
	BatchAckFlushesTotal  *prometheus.CounterVec
	CacheEvictionFallback prometheus.Counter
	RecoveryAttemptsTotal prometheus.Counter
	RecoveryFatalTotal    prometheus.Counter

	// Storage metrics
	DatabaseOperationsTotal *prometheus.CounterVec
	DiskSpaceUsedBytes      prometheus.Gauge

	activeTransfers int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TransfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filepipe_transfers_total",
				Help: "Total transfers initiated",
			},
			[]string{"status"},
		),

		TransfersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "filepipe_transfers_active",
				Help: "Currently active transfers",
			},
		),

		TransferDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "filepipe_transfer_duration_seconds",
				Help:    "Transfer completion time distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			},
		),

		BytesTransferredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filepipe_bytes_transferred_total",
				Help: "Total bytes transferred",
			},
			[]string{"direction"},
		),

		ChunksSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "filepipe_chunks_sent_total",
				Help: "Total chunks sent",
			},
		),

		ChunksReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "filepipe_chunks_received_total",
				Help: "Total chunks received and applied",
			},
		),

		ChunksRetransmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filepipe_chunks_retransmitted_total",
				Help: "Chunks requiring retransmission",
			},
			[]string{"reason"},
		),

		ChunksDroppedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filepipe_chunks_dropped_total",
				Help: "Inbound chunks silently dropped",
			},
			[]string{"reason"},
		),

		WindowSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "filepipe_window_cwnd",
				Help: "Current congestion window size, most recent transfer observed",
			},
		),

		WindowTimeouts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "filepipe_window_timeouts_total",
				Help: "AIMD timeout transitions",
			},
		),

		WindowLosses: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "filepipe_window_losses_total",
				Help: "AIMD non-timeout loss transitions",
			},
		),

		BatchAckFlushesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filepipe_batch_ack_flushes_total",
				Help: "BatchAckManager flushes",
			},
			[]string{"encoding"},
		),

		CacheEvictionFallback: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "filepipe_cache_eviction_fallback_total",
				Help: "Retransmits that fell back to re-reading the source file",
			},
		),

		RecoveryAttemptsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "filepipe_recovery_attempts_total",
				Help: "ErrorRecoveryManager retry attempts",
			},
		),

		RecoveryFatalTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "filepipe_recovery_fatal_total",
				Help: "Chunks that exhausted maxRetries",
			},
		),

		DatabaseOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filepipe_database_operations_total",
				Help: "Audit log operation count",
			},
			[]string{"operation", "result"},
		),

		DiskSpaceUsedBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "filepipe_disk_space_used_bytes",
				Help: "Disk space used by in-progress disk-mode receives",
			},
		),
	}

	return m
}

// RecordTransferStart increments active transfer counters.
func (m *Metrics) RecordTransferStart() {
	atomic.AddInt64(&m.activeTransfers, 1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))
}

// RecordTransferComplete records transfer completion metrics.
func (m *Metrics) RecordTransferComplete(success bool, durationSeconds float64) {
	atomic.AddInt64(&m.activeTransfers, -1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))

	status := "success"
	if !success {
		status = "failure"
	}

	m.TransfersTotal.WithLabelValues(status).Inc()
	m.TransferDuration.Observe(durationSeconds)
}

// RecordChunkSent updates metrics for a sent chunk.
func (m *Metrics) RecordChunkSent(bytes int) {
	m.ChunksSentTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("sent").Add(float64(bytes))
}

// RecordChunkReceived updates metrics for a received chunk.
func (m *Metrics) RecordChunkReceived(bytes int) {
	m.ChunksReceivedTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("received").Add(float64(bytes))
}

// RecordChunkRetransmit increments retransmit counters.
func (m *Metrics) RecordChunkRetransmit(reason string) {
	m.ChunksRetransmitted.WithLabelValues(reason).Inc()
}

// RecordChunkDropped increments drop counters.
func (m *Metrics) RecordChunkDropped(reason string) {
	m.ChunksDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordBatchAckFlush increments batch-ack flush counters.
func (m *Metrics) RecordBatchAckFlush(encoding string) {
	m.BatchAckFlushesTotal.WithLabelValues(encoding).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
