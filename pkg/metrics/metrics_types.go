package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all metrics for a process. A nil *Registry is valid and
// records nothing.
type Registry struct {
	// Drive Metrics
	DriveOperationsTotal   *prometheus.CounterVec
	DriveOperationDuration *prometheus.HistogramVec

	// Feed Metrics
	FeedAppendsTotal      *prometheus.CounterVec
	FeedAppendedBytes     *prometheus.CounterVec
	FeedLength            *prometheus.GaugeVec
	FeedVerifyFailures    *prometheus.CounterVec
	BlockCacheHitsTotal   *prometheus.CounterVec
	BlockCacheMissesTotal *prometheus.CounterVec

	// Tree Metrics
	TreeFoldsTotal   *prometheus.CounterVec
	TreeFoldedBlocks prometheus.Counter

	// Fetch Metrics
	FetchRequestsTotal  *prometheus.CounterVec
	FetchCoalescedTotal prometheus.Counter
	FetchInFlight       prometheus.Gauge
	FetchDuration       prometheus.Histogram

	// Replication Metrics
	ReplicationMessagesTotal  *prometheus.CounterVec
	ReplicationBytesTotal     *prometheus.CounterVec
	ReplicationActiveSessions prometheus.Gauge

	// Watch Metrics
	WatchEventsTotal prometheus.Counter
	WatchersActive   prometheus.Gauge

	registry *prometheus.Registry
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry with every metric initialized.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}

	r.initDriveMetrics()
	r.initFeedMetrics()
	r.initFetchMetrics()
	r.initReplicationMetrics()
	r.initWatchMetrics()

	return r
}

// RegisterRuntimeCollectors adds the Go runtime and process collectors.
func (r *Registry) RegisterRuntimeCollectors() {
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// GetPrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
