package drive

import (
	"context"
	"io"
	"net"

	"github.com/mdheller/hyperdrive/pkg/feed"
	"github.com/mdheller/hyperdrive/pkg/logging"
	"github.com/mdheller/hyperdrive/pkg/replication"
	"github.com/mdheller/hyperdrive/pkg/watch"
)

// Watch calls fn for every metadata record appended at or below prefix
// after Watch returns, in log order. Unsubscribe the returned watcher to
// stop.
func (d *Drive) Watch(prefix string, fn watch.Handler) (*watch.Watcher, error) {
	p, err := cleanPath(prefix)
	if err != nil {
		return nil, wrapErr("watch", prefix, err)
	}
	w, err := d.watches.Watch(p, fn)
	if err != nil {
		return nil, wrapErr("watch", prefix, ErrClosed)
	}
	return w, nil
}

// Replicate returns one end of a replication stream. Pipe it into the
// stream of another drive with the same key, for example with
// replication.Join, and the two exchange blocks until either side closes or
// ctx ends.
func (d *Drive) Replicate(ctx context.Context) (io.ReadWriteCloser, error) {
	local, remote := net.Pipe()
	if _, err := d.ReplicateOver(ctx, replication.NewStreamTransport(local)); err != nil {
		local.Close()
		remote.Close()
		return nil, err
	}
	return remote, nil
}

// ReplicateOver runs a replication session on an established transport
// until the peer leaves, the drive closes or ctx ends.
func (d *Drive) ReplicateOver(ctx context.Context, t replication.Transport) (*replication.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, wrapErr("replicate", "", ErrClosed)
	}
	cfg := replication.Config{
		Feeds:   []*feed.Feed{d.contentFeed, d.metaFeed},
		Sparse:  d.opts.Sparse,
		Logger:  d.logger,
		Metrics: d.metrics,
	}
	if !d.Writable() {
		cfg.Fetcher = d.fetcher
	}
	s := replication.Open(t, cfg)
	d.sessions[s] = struct{}{}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.Done():
		}
		if cfg.Fetcher != nil {
			cfg.Fetcher.RemovePeer(s.ID())
		}
		d.mu.Lock()
		delete(d.sessions, s)
		d.mu.Unlock()
		d.logger.Debug("replication session ended", logging.Session(s.ID()), logging.Error(s.Err()))
	}()
	return s, nil
}

// Peers is the number of open replication sessions.
func (d *Drive) Peers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}
