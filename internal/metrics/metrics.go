// Package metrics exposes prometheus collectors for the ingest and billing paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	EventsIngested   *prometheus.CounterVec
	EventsDeduped    *prometheus.CounterVec
	QuotaDenied      *prometheus.CounterVec
	QuotaWarnings    *prometheus.CounterVec
	RateLimitDenied  *prometheus.CounterVec
	CacheFallbacks   *prometheus.CounterVec
	BreakerState     prometheus.Gauge
	InvoicesBuilt    prometheus.Counter
	SnapshotUpserts  prometheus.Counter
	RequestDurations *prometheus.HistogramVec
}

func New() *Metrics {
	return &Metrics{
		EventsIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meterline_events_ingested_total",
			Help: "Usage events accepted and persisted.",
		}, []string{"event_type"}),
		EventsDeduped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meterline_events_deduplicated_total",
			Help: "Usage events short-circuited by the idempotency filter.",
		}, []string{"event_type"}),
		QuotaDenied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meterline_quota_denied_total",
			Help: "Ingest batches rejected by the quota engine.",
		}, []string{"event_type", "mode"}),
		QuotaWarnings: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meterline_quota_warnings_total",
			Help: "Soft-limit warnings raised by the quota engine.",
		}, []string{"event_type"}),
		RateLimitDenied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meterline_ratelimit_denied_total",
			Help: "Requests rejected by the admission controller.",
		}, []string{"granularity"}),
		CacheFallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meterline_cache_fallback_total",
			Help: "Fast-path cache operations that fell back to the store.",
		}, []string{"op"}),
		BreakerState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meterline_cache_breaker_open",
			Help: "1 while the cache circuit breaker is open.",
		}),
		InvoicesBuilt: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meterline_invoices_built_total",
			Help: "Invoices committed by the invoice builder.",
		}),
		SnapshotUpserts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meterline_snapshot_upserts_total",
			Help: "Daily usage snapshot rows written.",
		}),
		RequestDurations: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meterline_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}
