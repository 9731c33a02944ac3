package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics, exposed on /metrics by the health server
var (
	// Queue
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orders",
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Job attempts by outcome (completed, retried, failed)",
		},
		[]string{"outcome"},
	)

	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orders",
			Subsystem: "queue",
			Name:      "active_jobs",
			Help:      "Jobs currently being processed",
		},
	)

	// Worker
	OrdersFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orders",
			Subsystem: "worker",
			Name:      "finished_total",
			Help:      "Order attempts that reached a terminal status",
		},
		[]string{"status"},
	)

	PricePolls = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orders",
			Subsystem: "worker",
			Name:      "price_polls_total",
			Help:      "Quote polls made while waiting for the target price",
		},
	)

	QuoteLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orders",
			Subsystem: "dex",
			Name:      "quote_duration_seconds",
			Help:      "Duration of venue quote requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"venue"},
	)

	// Broadcaster
	EventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orders",
			Subsystem: "broadcast",
			Name:      "events_published_total",
			Help:      "Status events published",
		},
	)

	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orders",
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Open status subscriptions",
		},
	)

	SendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orders",
			Subsystem: "broadcast",
			Name:      "send_failures_total",
			Help:      "Subscribers dropped after a failed send",
		},
	)
)
