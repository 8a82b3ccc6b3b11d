package metrics

import (
	"time"
)

// RecordDriveOperation records one drive API call.
func (r *Registry) RecordDriveOperation(op, status string, duration time.Duration) {
	if r == nil {
		return
	}
	r.DriveOperationsTotal.WithLabelValues(op, status).Inc()
	r.DriveOperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordAppend records blocks appended to a feed and its new length.
func (r *Registry) RecordAppend(feed string, blocks int, bytes int, length uint64) {
	if r == nil {
		return
	}
	r.FeedAppendsTotal.WithLabelValues(feed).Add(float64(blocks))
	r.FeedAppendedBytes.WithLabelValues(feed).Add(float64(bytes))
	r.FeedLength.WithLabelValues(feed).Set(float64(length))
}

// SetFeedLength records a feed length learned from a peer.
func (r *Registry) SetFeedLength(feed string, length uint64) {
	if r == nil {
		return
	}
	r.FeedLength.WithLabelValues(feed).Set(float64(length))
}

// RecordVerifyFailure counts a rejected block or head.
func (r *Registry) RecordVerifyFailure(feed string) {
	if r == nil {
		return
	}
	r.FeedVerifyFailures.WithLabelValues(feed).Inc()
}

// RecordCacheLookup counts a hit or miss for the named cache.
func (r *Registry) RecordCacheLookup(cache string, hit bool) {
	if r == nil {
		return
	}
	if hit {
		r.BlockCacheHitsTotal.WithLabelValues(cache).Inc()
	} else {
		r.BlockCacheMissesTotal.WithLabelValues(cache).Inc()
	}
}

// RecordFold counts a tree resolution and the records it folded.
func (r *Registry) RecordFold(mode string, blocks uint64) {
	if r == nil {
		return
	}
	r.TreeFoldsTotal.WithLabelValues(mode).Inc()
	r.TreeFoldedBlocks.Add(float64(blocks))
}

// FetchStarted marks a new in-flight fetch.
func (r *Registry) FetchStarted() {
	if r == nil {
		return
	}
	r.FetchInFlight.Inc()
}

// FetchFinished records the outcome of an in-flight fetch.
func (r *Registry) FetchFinished(result string, duration time.Duration) {
	if r == nil {
		return
	}
	r.FetchInFlight.Dec()
	r.FetchRequestsTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		r.FetchDuration.Observe(duration.Seconds())
	}
}

// RecordFetchCoalesced counts a read that joined an existing fetch.
func (r *Registry) RecordFetchCoalesced() {
	if r == nil {
		return
	}
	r.FetchCoalescedTotal.Inc()
}

// RecordMessage counts a replication message. direction is "sent" or
// "received".
func (r *Registry) RecordMessage(direction, msgType string, size int) {
	if r == nil {
		return
	}
	r.ReplicationMessagesTotal.WithLabelValues(direction, msgType).Inc()
	r.ReplicationBytesTotal.WithLabelValues(direction).Add(float64(size))
}

// SessionOpened and SessionClosed track live replication sessions.
func (r *Registry) SessionOpened() {
	if r == nil {
		return
	}
	r.ReplicationActiveSessions.Inc()
}

func (r *Registry) SessionClosed() {
	if r == nil {
		return
	}
	r.ReplicationActiveSessions.Dec()
}

// RecordWatchEvent counts a delivered change notification.
func (r *Registry) RecordWatchEvent() {
	if r == nil {
		return
	}
	r.WatchEventsTotal.Inc()
}

// AddWatchers adjusts the registered watcher gauge.
func (r *Registry) AddWatchers(delta int) {
	if r == nil {
		return
	}
	r.WatchersActive.Add(float64(delta))
}
