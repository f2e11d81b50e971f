// Package metrics provides Prometheus metrics for the pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Partition metrics
	PartitionsProcessed *prometheus.CounterVec
	PartitionsSkipped   *prometheus.CounterVec
	PartitionsFailed    *prometheus.CounterVec

	// Record metrics
	RecordsIngested    *prometheus.CounterVec
	RecordsQuarantined *prometheus.CounterVec
	RecordsDeduped     *prometheus.CounterVec

	// Timing metrics
	StageDuration *prometheus.HistogramVec

	// Size metrics
	PartitionRows  *prometheus.HistogramVec
	PartitionBytes *prometheus.HistogramVec

	// Pipeline metrics
	InFlightPartitions prometheus.Gauge
	LeaseReclaims      *prometheus.CounterVec

	// Error metrics
	SourceErrors  *prometheus.CounterVec
	StorageErrors *prometheus.CounterVec
	CatalogErrors *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "medallion"
	}

	stageLabels := []string{"dataset", "department", "stage"}

	m := &Metrics{
		PartitionsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_processed_total",
				Help:      "Total number of partitions processed to DONE",
			},
			[]string{"dataset", "department"},
		),
		PartitionsSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_skipped_total",
				Help:      "Total number of partitions skipped (inputs unchanged)",
			},
			[]string{"dataset", "department"},
		),
		PartitionsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_failed_total",
				Help:      "Total number of partitions that ended FAILED",
			},
			[]string{"dataset", "department"},
		),
		RecordsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_ingested_total",
				Help:      "Total number of raw records written to Bronze",
			},
			[]string{"dataset", "department"},
		),
		RecordsQuarantined: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_quarantined_total",
				Help:      "Total number of records rejected to quarantine",
			},
			[]string{"dataset", "department"},
		),
		RecordsDeduped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_deduped_total",
				Help:      "Total number of duplicate records dropped in Silver",
			},
			[]string{"dataset", "department"},
		),
		StageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Wall time per pipeline stage",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			stageLabels,
		),
		PartitionRows: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "partition_rows",
				Help:      "Rows written per partition output",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 10),
			},
			stageLabels,
		),
		PartitionBytes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "partition_bytes",
				Help:      "Bytes written per partition output",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 12),
			},
			stageLabels,
		),
		InFlightPartitions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_partitions",
				Help:      "Partitions currently held under a lease",
			},
		),
		LeaseReclaims: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_reclaims_total",
				Help:      "Expired leases reclaimed from a previous owner",
			},
			[]string{"dataset", "department"},
		),
		SourceErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_errors_total",
				Help:      "Source fetch errors by kind",
			},
			[]string{"dataset", "kind"},
		),
		StorageErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Object store errors",
			},
			[]string{"backend"},
		),
		CatalogErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_errors_total",
				Help:      "Lineage catalog errors",
			},
			[]string{"operation"},
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"dataset", "operation"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}
