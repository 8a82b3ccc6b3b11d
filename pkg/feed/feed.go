// Package feed implements the append-only, Merkle-verified block log that
// both halves of a drive are built on.
package feed

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/mdheller/hyperdrive/pkg/blockstore"
	"github.com/mdheller/hyperdrive/pkg/cache"
	"github.com/mdheller/hyperdrive/pkg/codec"
	"github.com/mdheller/hyperdrive/pkg/crypto"
	"github.com/mdheller/hyperdrive/pkg/logging"
	"github.com/mdheller/hyperdrive/pkg/merkle"
	"github.com/mdheller/hyperdrive/pkg/metrics"
)

// Accept stores a block received from a peer once it verifies.
type Accept func(ctx context.Context, data []byte, proof *merkle.Proof) error

// Source supplies blocks a replica does not hold. Fetch must call accept
// with each candidate until one is accepted, and return nil only after an
// accept call succeeded.
type Source interface {
	Fetch(ctx context.Context, feedID string, index uint64, accept Accept) error
	// Await blocks until connecting peers have exchanged their heads.
	Await(ctx context.Context) error
}

// Options configures a feed. Name separates feeds that share a keypair.
type Options struct {
	Name      string
	Key       crypto.PublicKey
	SecretKey crypto.SecretKey
	Store     blockstore.Store
	Crypto    crypto.Provider
	CacheSize int
	Logger    logging.Logger
	Metrics   *metrics.Registry
}

// Feed is a signed append-only sequence of blocks.
type Feed struct {
	name    string
	id      string
	key     crypto.PublicKey
	secret  crypto.SecretKey
	store   blockstore.Store
	crypto  crypto.Provider
	blocks  *cache.LRU[uint64, []byte]
	logger  logging.Logger
	metrics *metrics.Registry

	dataNS string
	treeNS string
	headNS string

	// appendMu serializes writers; mu guards the fields below it.
	appendMu sync.Mutex
	mu       sync.RWMutex
	head     merkle.Head
	changed  chan struct{}
	subs     map[uint64]chan uint64
	nextSub  uint64
	source   Source
	closed   bool
}

// DiscoveryID derives the public identifier peers use to address the feed
// called name under key. It does not reveal the key.
func DiscoveryID(p crypto.Provider, key crypto.PublicKey, name string) string {
	h := p.Hash([]byte("hyperdrive/discovery/"), []byte(name), []byte{0}, key)
	return hex.EncodeToString(h[:])
}

// Open loads the feed's head from the store, creating an empty signed head
// for a new writable feed.
func Open(ctx context.Context, opts Options) (*Feed, error) {
	if opts.Store == nil {
		return nil, errors.New("feed: block store is required")
	}
	if opts.Crypto == nil {
		opts.Crypto = crypto.NewDefaultProvider()
	}
	if err := crypto.ValidatePublicKey(opts.Key); err != nil {
		return nil, err
	}
	if opts.SecretKey != nil {
		if err := crypto.MatchKeyPair(opts.Key, opts.SecretKey); err != nil {
			return nil, err
		}
	}

	id := DiscoveryID(opts.Crypto, opts.Key, opts.Name)
	f := &Feed{
		name:    opts.Name,
		id:      id,
		key:     opts.Key,
		secret:  opts.SecretKey,
		store:   opts.Store,
		crypto:  opts.Crypto,
		blocks:  cache.New[uint64, []byte](opts.CacheSize),
		metrics: opts.Metrics,
		dataNS:  id + "/data",
		treeNS:  id + "/tree",
		headNS:  id + "/head",
		changed: make(chan struct{}),
		subs:    make(map[uint64]chan uint64),
	}
	f.logger = logging.OrNop(opts.Logger).With(
		logging.Component("feed"),
		logging.String("feed_name", opts.Name),
		logging.Feed(id),
	)

	head, err := f.loadHead(ctx)
	switch {
	case err == nil:
		f.head = head
	case errors.Is(err, blockstore.ErrNotFound):
		if f.Writable() {
			head, err := merkle.SignHead(f.crypto, f.name, f.secret, 0, nil)
			if err != nil {
				return nil, err
			}
			if err := f.storeHead(ctx, head); err != nil {
				return nil, err
			}
			f.head = head
		}
	default:
		return nil, fmt.Errorf("loading %s head: %w", opts.Name, err)
	}

	f.metrics.SetFeedLength(f.name, f.head.Length)
	f.logger.Debug("feed opened", logging.Uint64("length", f.head.Length), logging.Bool("writable", f.Writable()))
	return f, nil
}

// Name is the label used in logs and metrics, e.g. "metadata".
func (f *Feed) Name() string { return f.name }

// DiscoveryID returns the identifier peers use to request blocks.
func (f *Feed) DiscoveryID() string { return f.id }

// Key returns the public key that signs the feed's heads.
func (f *Feed) Key() crypto.PublicKey { return f.key }

// Writable reports whether the feed holds its secret key.
func (f *Feed) Writable() bool { return f.secret != nil }

// Crypto returns the provider the feed hashes and verifies with.
func (f *Feed) Crypto() crypto.Provider { return f.crypto }

// Length returns the number of blocks the feed is known to hold.
func (f *Feed) Length() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.head.Length
}

// Head returns the latest verified head.
func (f *Feed) Head() merkle.Head {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.head
}

// ByteLength returns the total size of the blocks covered by the head.
func (f *Feed) ByteLength() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.head.ByteLength()
}

// SetSource installs the fetcher used on local misses.
func (f *Feed) SetSource(s Source) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.source = s
}

func (f *Feed) getSource() Source {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.source
}

// Await waits for pending peer handshakes if a source is installed.
func (f *Feed) Await(ctx context.Context) error {
	if s := f.getSource(); s != nil {
		return s.Await(ctx)
	}
	return nil
}

// Close detaches listeners. The store is owned by the caller.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
	close(f.changed)
	return nil
}

func (f *Feed) loadHead(ctx context.Context) (merkle.Head, error) {
	raw, err := f.store.Get(ctx, f.headNS, 0)
	if err != nil {
		return merkle.Head{}, err
	}
	var h merkle.Head
	if err := codec.Unmarshal(raw, &h); err != nil {
		return merkle.Head{}, fmt.Errorf("decoding head: %w", err)
	}
	if err := merkle.VerifyHead(f.crypto, f.name, f.key, &h); err != nil {
		return merkle.Head{}, fmt.Errorf("stored head: %w: %v", ErrVerificationFailed, err)
	}
	return h, nil
}

func (f *Feed) storeHead(ctx context.Context, h merkle.Head) error {
	raw, err := codec.Marshal(h)
	if err != nil {
		return fmt.Errorf("encoding head: %w", err)
	}
	return f.store.Put(ctx, f.headNS, 0, raw)
}

func (f *Feed) loadNode(ctx context.Context, index uint64) (merkle.Node, error) {
	raw, err := f.store.Get(ctx, f.treeNS, index)
	if err != nil {
		return merkle.Node{}, err
	}
	var n merkle.Node
	if err := codec.Unmarshal(raw, &n); err != nil {
		return merkle.Node{}, fmt.Errorf("decoding tree node %d: %w", index, err)
	}
	return n, nil
}

func (f *Feed) storeNodes(ctx context.Context, nodes []merkle.Node) error {
	for i := range nodes {
		raw, err := codec.Marshal(nodes[i])
		if err != nil {
			return fmt.Errorf("encoding tree node %d: %w", nodes[i].Index, err)
		}
		if err := f.store.Put(ctx, f.treeNS, nodes[i].Index, raw); err != nil {
			return err
		}
	}
	return nil
}

// setHead publishes a new head to readers and listeners. Caller holds no
// lock.
func (f *Feed) setHead(h merkle.Head) {
	f.mu.Lock()
	if f.closed || h.Length <= f.head.Length && f.head.Signature != nil {
		f.mu.Unlock()
		return
	}
	f.head = h
	close(f.changed)
	f.changed = make(chan struct{})
	for _, ch := range f.subs {
		notify(ch, h.Length)
	}
	f.mu.Unlock()
	f.metrics.SetFeedLength(f.name, h.Length)
}

// notify delivers the latest length, replacing an undelivered older one.
func notify(ch chan uint64, length uint64) {
	for {
		select {
		case ch <- length:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
