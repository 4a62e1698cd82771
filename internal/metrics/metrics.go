package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "elastictier_request_queue_depth",
			Help: "Last sampled approximate depth of the request queue",
		},
	)

	ScalingTarget = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "elastictier_scaling_target_instances",
			Help: "Instance count target computed from the last depth sample",
		},
	)

	ManagedInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "elastictier_managed_instances",
			Help: "Managed pool instances observed at the last reconcile",
		},
		[]string{"state"}, // active|stopped
	)

	ScalingActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "elastictier_scaling_actions_total",
			Help: "Fleet actions issued by the scaler",
		},
		[]string{"action"}, // start|launch|terminate
	)

	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "elastictier_pending_requests",
			Help: "Requests currently waiting on a correlated reply",
		},
	)

	RepliesMatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "elastictier_replies_total",
			Help: "Reply messages observed by the broker consumer",
		},
		[]string{"outcome"}, // matched|unmatched|malformed
	)

	Classifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "elastictier_classifications_total",
			Help: "Gateway classification requests by outcome",
		},
		[]string{"outcome"}, // ok|timeout|error
	)

	ClassifyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "elastictier_classify_duration_seconds",
			Help:    "End-to-end latency of a classification request",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		ScalingTarget,
		ManagedInstances,
		ScalingActions,
		PendingRequests,
		RepliesMatched,
		Classifications,
		ClassifyDuration,
	)
}

func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
