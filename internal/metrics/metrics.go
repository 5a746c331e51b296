// Package metrics provides Prometheus metrics for the block writer.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the block writer. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Batch metrics
	BatchesCompleted *prometheus.CounterVec
	BatchesFailed    *prometheus.CounterVec
	BatchRetries     *prometheus.CounterVec
	BatchDuration    *prometheus.HistogramVec
	LastTxid         *prometheus.GaugeVec

	// Message metrics
	MessagesAccepted *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec

	// Block metrics
	BlocksUploaded  *prometheus.CounterVec
	BlockBytes      *prometheus.HistogramVec
	Rollovers       *prometheus.CounterVec
	UploadDuration  prometheus.Histogram
	PersistDuration prometheus.Histogram

	// Error metrics
	StorageErrors *prometheus.CounterVec
	StateErrors   *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

// New registers the metrics with reg. A nil reg uses the default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "block_writer"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		BatchesCompleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_completed_total",
				Help:      "Total number of batch attempts that completed",
			},
			[]string{"partition"},
		),
		BatchesFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_failed_total",
				Help:      "Total number of batch attempts that failed",
			},
			[]string{"partition", "op"},
		),
		BatchRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_retries_total",
				Help:      "Total number of batch redeliveries with the same transaction id",
			},
			[]string{"partition"},
		),
		BatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Time to process one batch attempt",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"partition"},
		),
		LastTxid: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_txid",
				Help:      "Transaction id of the last completed batch",
			},
			[]string{"partition"},
		),
		MessagesAccepted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_accepted_total",
				Help:      "Total number of messages appended to blocks",
			},
			[]string{"partition"},
		),
		MessagesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dropped_total",
				Help:      "Total number of messages dropped for exceeding the block size",
			},
			[]string{"partition"},
		),
		BlocksUploaded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_uploaded_total",
				Help:      "Total number of blocks uploaded",
			},
			[]string{"partition"},
		),
		BlockBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "block_bytes",
				Help:      "Size of uploaded blocks in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 2, 13), // 1KB to 4MB
			},
			[]string{"partition"},
		),
		Rollovers: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollovers_total",
				Help:      "Total number of block rollovers",
			},
			[]string{"partition"},
		),
		UploadDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "block_upload_duration_seconds",
				Help:      "Time to stage and commit one block",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
		),
		PersistDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "state_persist_duration_seconds",
				Help:      "Time to persist a recovery record",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
			},
		),
		StorageErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of blob storage errors",
			},
			[]string{"op"},
		),
		StateErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_errors_total",
				Help:      "Total number of state store errors",
			},
			[]string{"op"},
		),
	}
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string, gatherer prometheus.Gatherer) error {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

func label(partition int) string {
	return strconv.Itoa(partition)
}

// IncBatchesCompleted records a completed batch and its transaction id.
func (m *Metrics) IncBatchesCompleted(partition int, txid int64) {
	if m == nil {
		return
	}
	m.BatchesCompleted.WithLabelValues(label(partition)).Inc()
	m.LastTxid.WithLabelValues(label(partition)).Set(float64(txid))
}

// IncBatchesFailed records a failed batch attempt.
func (m *Metrics) IncBatchesFailed(partition int, op string) {
	if m == nil {
		return
	}
	m.BatchesFailed.WithLabelValues(label(partition), op).Inc()
}

// IncBatchRetries records a redelivery.
func (m *Metrics) IncBatchRetries(partition int) {
	if m == nil {
		return
	}
	m.BatchRetries.WithLabelValues(label(partition)).Inc()
}

// ObserveBatchDuration records the time spent on one attempt.
func (m *Metrics) ObserveBatchDuration(partition int, seconds float64) {
	if m == nil {
		return
	}
	m.BatchDuration.WithLabelValues(label(partition)).Observe(seconds)
}

// AddMessagesAccepted adds to the accepted message counter.
func (m *Metrics) AddMessagesAccepted(partition int, n int64) {
	if m == nil {
		return
	}
	m.MessagesAccepted.WithLabelValues(label(partition)).Add(float64(n))
}

// IncMessagesDropped records an oversized message.
func (m *Metrics) IncMessagesDropped(partition int) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(label(partition)).Inc()
}

// ObserveBlockUploaded records an uploaded block of n bytes.
func (m *Metrics) ObserveBlockUploaded(partition, n int) {
	if m == nil {
		return
	}
	m.BlocksUploaded.WithLabelValues(label(partition)).Inc()
	m.BlockBytes.WithLabelValues(label(partition)).Observe(float64(n))
}

// IncRollovers records a block rollover.
func (m *Metrics) IncRollovers(partition int) {
	if m == nil {
		return
	}
	m.Rollovers.WithLabelValues(label(partition)).Inc()
}

// ObserveUploadDuration records one stage-and-commit round trip.
func (m *Metrics) ObserveUploadDuration(seconds float64) {
	if m == nil {
		return
	}
	m.UploadDuration.Observe(seconds)
}

// ObservePersistDuration records one recovery record write.
func (m *Metrics) ObservePersistDuration(seconds float64) {
	if m == nil {
		return
	}
	m.PersistDuration.Observe(seconds)
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(op string) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(op).Inc()
}

// IncStateErrors increments the state store errors counter.
func (m *Metrics) IncStateErrors(op string) {
	if m == nil {
		return
	}
	m.StateErrors.WithLabelValues(op).Inc()
}
