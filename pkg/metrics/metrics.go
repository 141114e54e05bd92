// Package metrics exposes Prometheus instrumentation for the delivery
// pipeline: connection lifecycle, routing outcomes, rate limiting and the
// security audit trail.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// ActiveConnections tracks currently attached WebSocket connections.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushgate_active_connections",
			Help: "Number of currently attached WebSocket connections",
		},
	)

	// AuthAttempts counts connection authentication attempts by outcome.
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_auth_attempts_total",
			Help: "Connection authentication attempts by outcome",
		},
		[]string{"outcome"},
	)

	// RateLimitRejections counts rejected attempts by subject kind.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_rate_limit_rejections_total",
			Help: "Attempts rejected by the sliding-window rate limiter",
		},
		[]string{"subject"},
	)

	// NotificationsRouted counts routed notifications by category and result.
	NotificationsRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_notifications_routed_total",
			Help: "Notifications routed by category and result",
		},
		[]string{"category", "result"},
	)

	// DroppedFrames counts frames dropped because a client buffer was full.
	DroppedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushgate_dropped_frames_total",
			Help: "Outbound frames dropped due to a full client send buffer",
		},
	)

	// AuditEvents counts emitted security audit events by type.
	AuditEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_audit_events_total",
			Help: "Security audit events emitted by event type",
		},
		[]string{"event"},
	)

	// PersistenceFailures counts durable store write failures. These risk
	// silent message loss and page the on-call via the admin alert path.
	PersistenceFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushgate_persistence_failures_total",
			Help: "Durable store write failures after retry",
		},
	)

	// DeliveryLatency tracks the latency of live delivery attempts.
	DeliveryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pushgate_delivery_latency_seconds",
			Help:    "Latency of live delivery attempts",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Serve runs the Prometheus scrape endpoint on addr. It blocks, so callers
// run it on its own goroutine.
func Serve(addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info("metrics server listening", zap.String("addr", addr))
	return srv.ListenAndServe()
}
