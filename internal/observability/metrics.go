package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	WebSocketConnectionsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "websocket_connections_active",
			Help: "Current number of active WebSocket connections",
		},
		[]string{"service"},
	)

	ReconnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_reconnect_attempts_total",
			Help: "Reconnect attempts scheduled by the supervisor",
		},
		[]string{"kind"},
	)

	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "messaging_connections",
			Help: "Channels per connection status",
		},
		[]string{"kind", "status"},
	)

	ActiveProviders = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "messaging_providers_active",
			Help: "Providers held by the factory cache",
		},
		[]string{"kind"},
	)

	OrderingBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "messaging_ordering_buffered",
			Help: "Events held back by ordering queues awaiting a gap",
		},
	)

	OrderingDiscardedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_ordering_discarded_total",
			Help: "Stale or duplicate deliveries dropped by ordering queues",
		},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "messaging_batch_size",
			Help:    "Events delivered per batch flush",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
	)

	OfflineQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "messaging_offline_queue_depth",
			Help: "Operations waiting for replay",
		},
	)

	OfflineOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_offline_operations_total",
			Help: "Offline operations by outcome",
		},
		[]string{"kind", "outcome"},
	)

	SendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messaging_send_latency_seconds",
			Help:    "Latency of provider sends",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_rate_limited_total",
			Help: "Operations refused by the rate limiter",
		},
		[]string{"operation"},
	)

	NetworkOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "messaging_network_online",
			Help: "1 when the connectivity monitor reports online",
		},
	)
)
