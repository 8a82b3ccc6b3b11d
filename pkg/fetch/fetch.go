// Package fetch resolves local block misses by asking connected peers for
// exactly the missing block. Concurrent reads of the same block share one
// request.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mdheller/hyperdrive/pkg/feed"
	"github.com/mdheller/hyperdrive/pkg/logging"
	"github.com/mdheller/hyperdrive/pkg/merkle"
	"github.com/mdheller/hyperdrive/pkg/metrics"
)

var (
	// ErrPeerHasNoBlock is returned by a peer that cannot serve a block.
	ErrPeerHasNoBlock = errors.New("peer has no block")

	// ErrReplicationClosed is returned when a peer's channel closes while a
	// request is outstanding.
	ErrReplicationClosed = errors.New("replication closed")
)

// Peer is one replication channel able to serve blocks.
type Peer interface {
	ID() string
	// Ready closes once the peer's heads are known.
	Ready() <-chan struct{}
	// Done closes when the channel is torn down.
	Done() <-chan struct{}
	// Has reports whether the peer advertised the block.
	Has(feedID string, index uint64) bool
	Request(ctx context.Context, feedID string, index uint64) ([]byte, *merkle.Proof, error)
}

type key struct {
	feed  string
	index uint64
}

type call struct {
	done    chan struct{}
	err     error
	waiters int
	cancel  context.CancelFunc
}

// Fetcher implements feed.Source over a changing set of peers.
type Fetcher struct {
	logger  logging.Logger
	metrics *metrics.Registry

	mu    sync.Mutex
	peers []Peer
	calls map[key]*call
}

// New returns a Fetcher with no peers. A nil registry disables metrics.
func New(logger logging.Logger, m *metrics.Registry) *Fetcher {
	return &Fetcher{
		logger:  logging.OrNop(logger).With(logging.Component("fetch")),
		metrics: m,
		calls:   make(map[key]*call),
	}
}

// AddPeer registers a peer; it is removed automatically when Done closes.
func (f *Fetcher) AddPeer(p Peer) {
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()

	go func() {
		<-p.Done()
		f.RemovePeer(p.ID())
	}()
}

// RemovePeer drops the peer with id.
func (f *Fetcher) RemovePeer(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.peers {
		if p.ID() == id {
			f.peers = append(f.peers[:i:i], f.peers[i+1:]...)
			return
		}
	}
}

// Peers returns a snapshot of the registered peers.
func (f *Fetcher) Peers() []Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Peer(nil), f.peers...)
}

// Await waits until every registered peer finished its handshake or went
// away.
func (f *Fetcher) Await(ctx context.Context) error {
	for _, p := range f.Peers() {
		select {
		case <-p.Ready():
		case <-p.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Fetch obtains one block. A caller that gives up leaves the shared fetch
// running for the others; the last one to leave cancels it.
func (f *Fetcher) Fetch(ctx context.Context, feedID string, index uint64, accept feed.Accept) error {
	k := key{feed: feedID, index: index}

	f.mu.Lock()
	c, ok := f.calls[k]
	if ok {
		c.waiters++
		f.metrics.RecordFetchCoalesced()
	} else {
		runCtx, cancel := context.WithCancel(context.Background())
		c = &call{done: make(chan struct{}), waiters: 1, cancel: cancel}
		f.calls[k] = c
		go f.run(runCtx, k, c, accept)
	}
	f.mu.Unlock()

	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		f.mu.Lock()
		c.waiters--
		if c.waiters == 0 {
			// Later callers start a fresh fetch instead of joining this one.
			if f.calls[k] == c {
				delete(f.calls, k)
			}
			c.cancel()
		}
		f.mu.Unlock()
		return fmt.Errorf("%w: %w", feed.ErrBlockUnavailable, ctx.Err())
	}
}

func (f *Fetcher) run(ctx context.Context, k key, c *call, accept feed.Accept) {
	start := time.Now()
	f.metrics.FetchStarted()

	err := f.fetch(ctx, k, accept)

	f.mu.Lock()
	if f.calls[k] == c {
		delete(f.calls, k)
	}
	c.err = err
	close(c.done)
	f.mu.Unlock()
	c.cancel()

	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		result = "canceled"
	case errors.Is(err, ErrReplicationClosed):
		result = "closed"
	default:
		result = "unavailable"
	}
	f.metrics.FetchFinished(result, time.Since(start))
}

func (f *Fetcher) fetch(ctx context.Context, k key, accept feed.Accept) error {
	tried := make(map[string]bool)
	var lastErr error
	for {
		p, err := f.nextPeer(ctx, k, tried)
		if err != nil {
			return fmt.Errorf("%w: %w", feed.ErrBlockUnavailable, err)
		}
		if p == nil {
			if errors.Is(lastErr, ErrReplicationClosed) {
				return fmt.Errorf("block %d: %w: %w", k.index, ErrReplicationClosed, feed.ErrBlockUnavailable)
			}
			if lastErr != nil {
				return fmt.Errorf("block %d: %w: last peer error: %v", k.index, feed.ErrBlockUnavailable, lastErr)
			}
			return fmt.Errorf("block %d: %w: no connected peer has it", k.index, feed.ErrBlockUnavailable)
		}
		tried[p.ID()] = true

		data, proof, err := p.Request(ctx, k.feed, k.index)
		if err == nil {
			err = accept(ctx, data, proof)
			if err == nil {
				f.logger.Debug("fetched block", logging.Feed(k.feed), logging.Index(k.index), logging.Peer(p.ID()))
				return nil
			}
			if errors.Is(err, feed.ErrVerificationFailed) {
				f.logger.Warn("peer sent unverifiable block",
					logging.Feed(k.feed), logging.Index(k.index), logging.Peer(p.ID()), logging.Error(err))
			}
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", feed.ErrBlockUnavailable, ctx.Err())
		}
		f.logger.Debug("peer could not serve block",
			logging.Feed(k.feed), logging.Index(k.index), logging.Peer(p.ID()), logging.Error(err))
		lastErr = err
	}
}

// nextPeer returns the first untried live peer that advertises the block,
// waiting for pending handshakes. It returns nil when none is left.
func (f *Fetcher) nextPeer(ctx context.Context, k key, tried map[string]bool) (Peer, error) {
	for _, p := range f.Peers() {
		if tried[p.ID()] {
			continue
		}
		select {
		case <-p.Ready():
		case <-p.Done():
			tried[p.ID()] = true
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		select {
		case <-p.Done():
			tried[p.ID()] = true
			continue
		default:
		}
		if !p.Has(k.feed, k.index) {
			tried[p.ID()] = true
			continue
		}
		return p, nil
	}
	return nil, nil
}
