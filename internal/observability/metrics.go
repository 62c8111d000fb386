package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BackendErrorRate counts backend gateway errors by operation type.
	BackendErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_backend_error_rate_total",
		Help: "Total number of backend gateway errors by operation type",
	}, []string{"operation"})

	// MessagesSent counts optimistic sends by outcome (sent, failed).
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_messages_sent_total",
		Help: "Total number of outgoing messages by final status",
	}, []string{"status"})

	// DuplicateDeliveries counts live-feed records absorbed by
	// identifier deduplication.
	DuplicateDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "murmur_duplicate_deliveries_total",
		Help: "Total number of redelivered messages dropped by id dedupe",
	})

	// HistoryPages counts pagination fetches by kind (initial, older).
	HistoryPages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_history_pages_total",
		Help: "Total number of history pages fetched",
	}, []string{"kind"})

	// LiveSubscriptions is the gauge of open live feeds.
	LiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "murmur_live_subscriptions",
		Help: "Number of open live message subscriptions",
	})

	// UploadBytes counts attachment bytes uploaded.
	UploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "murmur_upload_bytes_total",
		Help: "Total attachment bytes uploaded",
	})
)
