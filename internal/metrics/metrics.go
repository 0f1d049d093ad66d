// Package metrics registers the Prometheus instruments exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts transfers written to storage, labeled by the
	// path that produced them ("backfill" or "live")
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transferwatch",
		Name:      "events_ingested_total",
		Help:      "Transfer events persisted, by ingestion path.",
	}, []string{"path"})

	// DuplicatesSkipped counts inserts absorbed by the idempotency check
	DuplicatesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "transferwatch",
		Name:      "duplicates_skipped_total",
		Help:      "Transfer events skipped because the transaction hash already existed.",
	})

	// BackfillChunkFailures counts backfill chunks abandoned after a fetch error
	BackfillChunkFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "transferwatch",
		Name:      "backfill_chunk_failures_total",
		Help:      "Backfill chunks skipped due to fetch errors.",
	})

	// PersistFailures counts transfers that could not be written to storage
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "transferwatch",
		Name:      "persist_failures_total",
		Help:      "Transfer events skipped because the storage write failed.",
	})

	// RateLimitRejections counts requests rejected with 429
	RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "transferwatch",
		Name:      "rate_limit_rejections_total",
		Help:      "HTTP requests rejected by the rate limiter.",
	})

	// WebSocketClients tracks currently connected event stream clients
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "transferwatch",
		Name:      "websocket_clients",
		Help:      "Currently connected WebSocket clients.",
	})

	// BusDroppedEvents counts fan-out deliveries dropped on full subscriber
	// buffers
	BusDroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "transferwatch",
		Name:      "bus_dropped_events_total",
		Help:      "Event bus deliveries dropped because a subscriber buffer was full.",
	})
)
