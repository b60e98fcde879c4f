package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RelayConnections   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "cleaner_tracking", Name: "relay_connections", Help: "Open relay websocket connections"})
	LocationsRelayed   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cleaner_tracking", Name: "locations_relayed_total", Help: "Cleaner location updates fanned out to job rooms"})
	LocationsThrottled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cleaner_tracking", Name: "locations_throttled_total", Help: "Cleaner location updates dropped by the per-connection limiter"})
	LocationsInvalid   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cleaner_tracking", Name: "locations_invalid_total", Help: "Cleaner location updates rejected by coordinate validation"})
	PolicyViolations   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cleaner_tracking", Name: "policy_violations_total", Help: "Messages suppressed by the contact policy guard"})
	SlowClientsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cleaner_tracking", Name: "relay_slow_clients_dropped_total", Help: "Relay clients disconnected because their send buffer was full"})

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cleaner_tracking", Name: "transitions_total", Help: "Lifecycle transitions applied"},
		[]string{"kind", "to"},
	)
	PaymentReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cleaner_tracking", Name: "payment_releases_total", Help: "Payment releases by outcome"},
		[]string{"outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cleaner_tracking", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cleaner_tracking",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
