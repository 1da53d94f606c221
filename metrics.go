package pivotview

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	fetchKindRoot   = "root"
	fetchKindBranch = "branch"
)

type engineMetrics struct {
	fetches  *prometheus.CounterVec
	failures *prometheus.CounterVec
	stale    prometheus.Counter
	duration *prometheus.HistogramVec
}

// newEngineMetrics registers the engine collectors with reg. A nil reg
// leaves them unregistered.
func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	f := promauto.With(reg)

	return &engineMetrics{
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pivotview_fetch_total",
			Help: "Requests sent to the aggregation service.",
		}, []string{"kind"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pivotview_fetch_errors_total",
			Help: "Failed requests to the aggregation service.",
		}, []string{"kind"}),
		stale: f.NewCounter(prometheus.CounterOpts{
			Name: "pivotview_stale_responses_total",
			Help: "Responses discarded because the query changed while they were in flight.",
		}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pivotview_fetch_duration_seconds",
			Help:    "Aggregation service latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}
}
