package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initFetchMetrics() {
	r.FetchRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "hyperdrive_fetch_requests_total",
			Help: "Sparse block fetches by result",
		},
		[]string{"result"}, // ok, unavailable, closed, canceled
	)

	r.FetchCoalescedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "hyperdrive_fetch_coalesced_total",
			Help: "Reads that joined an in-flight fetch instead of starting one",
		},
	)

	r.FetchInFlight = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "hyperdrive_fetch_in_flight",
			Help: "Fetches currently waiting on a peer",
		},
	)

	r.FetchDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hyperdrive_fetch_duration_seconds",
			Help:    "Time from fetch start to verified block",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		},
	)
}
