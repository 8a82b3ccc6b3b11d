package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initReplicationMetrics() {
	r.ReplicationMessagesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "hyperdrive_replication_messages_total",
			Help: "Replication messages by direction and type",
		},
		[]string{"direction", "type"}, // sent, received
	)

	r.ReplicationBytesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "hyperdrive_replication_bytes_total",
			Help: "Encoded replication message bytes",
		},
		[]string{"direction"},
	)

	r.ReplicationActiveSessions = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "hyperdrive_replication_active_sessions",
			Help: "Open replication sessions",
		},
	)
}

func (r *Registry) initWatchMetrics() {
	r.WatchEventsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "hyperdrive_watch_events_total",
			Help: "Change notifications delivered to watchers",
		},
	)

	r.WatchersActive = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "hyperdrive_watchers_active",
			Help: "Registered watchers",
		},
	)
}
