// Package metrics provides Prometheus instrumentation for the bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	enabled     bool
	serviceName string

	// HTTP metrics
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec

	// Operation dispatcher
	operationDispatchTotal *prometheus.CounterVec
	operationSendTotal     *prometheus.CounterVec
	operationDuration      *prometheus.HistogramVec

	// Badge pipeline
	badgeResolveTotal   *prometheus.CounterVec
	badgeDiscoveryTotal *prometheus.CounterVec
	metadataCacheTotal  *prometheus.CounterVec

	// Proposal publisher
	proposalPublishTotal *prometheus.CounterVec

	// Shared retry policy
	retryAttemptsTotal *prometheus.CounterVec
)

// Init initializes the metrics system.
func Init(enabledFlag bool, svcName string) {
	enabled = enabledFlag
	serviceName = svcName

	if !enabled {
		return
	}

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	operationDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operation_dispatch_total",
			Help: "Dispatched operations by action and final state",
		},
		[]string{"action", "state"},
	)

	operationSendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operation_send_total",
			Help: "Relay submissions by outcome",
		},
		[]string{"result"},
	)

	// Confirmation can take minutes, so the buckets stretch well past DefBuckets.
	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "operation_dispatch_duration_seconds",
			Help:    "Time from dispatch to a terminal receipt",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 120, 300},
		},
		[]string{"action"},
	)

	badgeResolveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badge_resolve_total",
			Help: "Per-token badge resolutions by result",
		},
		[]string{"result"},
	)

	badgeDiscoveryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badge_discovery_total",
			Help: "Owned-token discoveries by status",
		},
		[]string{"status"},
	)

	metadataCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badge_metadata_cache_total",
			Help: "Metadata cache lookups",
		},
		[]string{"result"},
	)

	proposalPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proposal_publish_total",
			Help: "Proposal publications by status",
		},
		[]string{"status"},
	)

	retryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Retries scheduled by the shared retry policy",
		},
		[]string{"op"},
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	if !enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.Handler()
}

// Enabled returns whether metrics are enabled.
func Enabled() bool {
	return enabled
}

// ServiceName returns the configured service name for metric labels.
func ServiceName() string {
	return serviceName
}
