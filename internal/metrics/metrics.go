package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the pipeline.
	Registry = prometheus.NewRegistry()

	// WebhookEvents counts inbound webhook outcomes: accepted, ignored,
	// duplicate, bad_signature, malformed, queue_error.
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_events_total", Help: "Inbound webhook notifications by outcome."},
		[]string{"outcome"},
	)
	// DedupRegistrations counts ledger registrations by producer and result.
	DedupRegistrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dedup_registrations_total", Help: "Dedup ledger registrations by source and result."},
		[]string{"source", "result"},
	)
	// OrdersProcessed counts orders reaching a terminal pipeline status.
	OrdersProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_processed_total", Help: "Orders by terminal processing status."},
		[]string{"status"},
	)
	// FetchDuration records marketplace detail-fetch latency in seconds.
	FetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "marketplace_fetch_duration_seconds", Help: "Marketplace order fetch duration.", Buckets: prometheus.DefBuckets},
	)
	// ExportBatches counts export batch outcomes: promoted, rejected, empty.
	ExportBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "export_batches_total", Help: "Export batches by outcome."},
		[]string{"outcome"},
	)
	// ExportedOrders counts orders included in promoted batches.
	ExportedOrders = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "exported_orders_total", Help: "Orders in promoted export batches."},
	)
	// ReconcileListed counts orders returned by reconciliation sweeps.
	ReconcileListed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reconcile_listed_total", Help: "Orders listed by reconciliation sweeps per store."},
		[]string{"store"},
	)
)

// RegisterDefault registers collectors on the pipeline registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(WebhookEvents)
		Registry.MustRegister(DedupRegistrations)
		Registry.MustRegister(OrdersProcessed)
		Registry.MustRegister(FetchDuration)
		Registry.MustRegister(ExportBatches)
		Registry.MustRegister(ExportedOrders)
		Registry.MustRegister(ReconcileListed)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
