package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initFeedMetrics() {
	r.FeedAppendsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "hyperdrive_feed_appends_total",
			Help: "Blocks appended to local writable feeds",
		},
		[]string{"feed"}, // metadata, content
	)

	r.FeedAppendedBytes = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "hyperdrive_feed_appended_bytes_total",
			Help: "Bytes appended to local writable feeds",
		},
		[]string{"feed"},
	)

	r.FeedLength = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hyperdrive_feed_length",
			Help: "Known length of each feed",
		},
		[]string{"feed"},
	)

	r.FeedVerifyFailures = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "hyperdrive_feed_verification_failures_total",
			Help: "Blocks or heads rejected by Merkle or signature checks",
		},
		[]string{"feed"},
	)

	r.BlockCacheHitsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "hyperdrive_cache_hits_total",
			Help: "Cache hits",
		},
		[]string{"cache"}, // metadata, content, tree
	)

	r.BlockCacheMissesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "hyperdrive_cache_misses_total",
			Help: "Cache misses",
		},
		[]string{"cache"},
	)
}
