package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offlinegate",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests handled by the gateway",
		},
		[]string{"strategy", "source", "code"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "offlinegate",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests handled by the gateway",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	storeOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offlinegate",
			Name:      "cache_store_operations_total",
			Help:      "Cache store operations by kind and result",
		},
		[]string{"op", "result"},
	)

	networkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offlinegate",
			Name:      "network_failures_total",
			Help:      "Origin fetches that failed before a response arrived",
		},
		[]string{"strategy"},
	)

	lifecycleEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offlinegate",
			Name:      "lifecycle_events_total",
			Help:      "Worker lifecycle transitions",
		},
		[]string{"event"},
	)

	controlMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offlinegate",
			Name:      "control_messages_total",
			Help:      "Control channel messages received",
		},
		[]string{"type"},
	)

	clusterUnhealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "offlinegate",
			Name:      "cluster_unhealthy_endpoints",
			Help:      "Number of unhealthy endpoints per origin cluster",
		},
		[]string{"cluster"},
	)
)

func Init() {
	prometheus.MustRegister(requestTotal, requestDuration, storeOps, networkFailures,
		lifecycleEvents, controlMessages, clusterUnhealthy)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveRequest(strategy, source, code string, d time.Duration) {
	requestTotal.WithLabelValues(strategy, source, code).Inc()
	requestDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// ObserveStore counts a store operation such as "match" with result "hit".
func ObserveStore(op, result string) {
	storeOps.WithLabelValues(op, result).Inc()
}

func IncNetworkFailure(strategy string) {
	networkFailures.WithLabelValues(strategy).Inc()
}

func IncLifecycle(event string) {
	lifecycleEvents.WithLabelValues(event).Inc()
}

func IncControlMessage(msgType string) {
	controlMessages.WithLabelValues(msgType).Inc()
}

func SetClusterUnhealthy(cluster string, value float64) {
	clusterUnhealthy.WithLabelValues(cluster).Set(value)
}
