// Package metrics holds the Prometheus collectors of the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BatchesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batches_processed_total",
		Help: "Total number of batches processed",
	}, []string{"status"})

	TransactionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transactions_processed_total",
		Help: "Total number of queue entries processed",
	}, []string{"status"})

	BatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batch_processing_duration_seconds",
		Help:    "Time spent processing batches",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	QueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queue_size",
		Help: "Current number of pending requests in queue",
	})

	ExternalLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "external_service_response_time_seconds",
		Help:    "Time spent waiting for external service responses",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"service", "status"})

	FailedBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "failed_batches_total",
		Help: "Total number of failed batches",
	}, []string{"error_type"})

	ReclaimedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reclaimed_processing_entries_total",
		Help: "Entries found stuck in PROCESSING and moved to FAILED",
	})

	ReconcileAccounts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_accounts_total",
		Help: "Accounts handled by reconciliation passes",
	}, []string{"result"})

	ReconcileEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_entries_total",
		Help: "Queue entries handled by reconciliation passes",
	}, []string{"result"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "path"})
)
