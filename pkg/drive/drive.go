// Package drive is a versioned file system stored as a pair of signed
// append-only feeds: a metadata feed of directory entries and a content feed
// of file chunks. Every write appends; old versions stay readable through
// checkouts, and replicas fetch only the blocks their reads need.
package drive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mdheller/hyperdrive/pkg/blockstore"
	"github.com/mdheller/hyperdrive/pkg/content"
	"github.com/mdheller/hyperdrive/pkg/crypto"
	"github.com/mdheller/hyperdrive/pkg/feed"
	"github.com/mdheller/hyperdrive/pkg/fetch"
	"github.com/mdheller/hyperdrive/pkg/logging"
	"github.com/mdheller/hyperdrive/pkg/metadata"
	"github.com/mdheller/hyperdrive/pkg/metrics"
	"github.com/mdheller/hyperdrive/pkg/replication"
	"github.com/mdheller/hyperdrive/pkg/tree"
	"github.com/mdheller/hyperdrive/pkg/watch"
)

const (
	metadataFeedName = "metadata"
	contentFeedName  = "content"
)

// Drive is a writable drive or a replica of one.
type Drive struct {
	opts      Options
	key       crypto.PublicKey
	secret    crypto.SecretKey
	store     blockstore.Store
	ownsStore bool

	metaFeed    *feed.Feed
	contentFeed *feed.Feed
	meta        *metadata.Feed
	content     *content.Feed
	tree        *tree.Index
	fetcher     *fetch.Fetcher
	watches     *watch.Manager
	logger      logging.Logger
	metrics     *metrics.Registry

	// writeMu makes the check-then-append of a mutation atomic.
	writeMu sync.Mutex

	ready        chan struct{}
	contentReady chan struct{}
	contentOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[*replication.Session]struct{}
	closed   bool
}

// New opens a drive. See Options for how the key material selects between
// creating, reopening and replicating.
func New(ctx context.Context, opts Options) (*Drive, error) {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = content.DefaultChunkSize
	}
	if err := opts.Validate(); err != nil {
		return nil, &Error{Op: "open", Code: EINVAL, Cause: err}
	}
	if opts.Crypto == nil {
		opts.Crypto = crypto.NewDefaultProvider()
	}
	logger := logging.OrNop(opts.Logger).With(logging.Component("drive"))

	key, secret := opts.Key, opts.SecretKey
	if key == nil {
		if secret != nil {
			return nil, &Error{Op: "open", Code: EINVAL, Cause: fmt.Errorf("%w: secret key given without public key", crypto.ErrInvalidPublicKey)}
		}
		var err error
		key, secret, err = opts.Crypto.GenerateKeyPair()
		if err != nil {
			return nil, wrapErr("open", "", err)
		}
	}

	store, owns := opts.Store, opts.CloseStore
	if store == nil {
		store, owns = blockstore.NewMemoryStore(), true
	}

	openFeed := func(name string, cacheSize int) (*feed.Feed, error) {
		return feed.Open(ctx, feed.Options{
			Name:      name,
			Key:       key,
			SecretKey: secret,
			Store:     store,
			Crypto:    opts.Crypto,
			CacheSize: cacheSize,
			Logger:    logger,
			Metrics:   opts.Metrics,
		})
	}
	metaFeed, err := openFeed(metadataFeedName, opts.MetadataCacheSize)
	if err != nil {
		if owns {
			store.Close()
		}
		return nil, wrapErr("open", "", err)
	}
	contentFeed, err := openFeed(contentFeedName, opts.ContentCacheSize)
	if err != nil {
		metaFeed.Close()
		if owns {
			store.Close()
		}
		return nil, wrapErr("open", "", err)
	}

	d := &Drive{
		opts:         opts,
		key:          key,
		secret:       secret,
		store:        store,
		ownsStore:    owns,
		metaFeed:     metaFeed,
		contentFeed:  contentFeed,
		meta:         metadata.NewFeed(metaFeed),
		content:      content.NewFeed(contentFeed, opts.ChunkSize),
		fetcher:      fetch.New(logger, opts.Metrics),
		logger:       logger.With(logging.Key(key)),
		metrics:      opts.Metrics,
		ready:        make(chan struct{}),
		contentReady: make(chan struct{}),
		sessions:     make(map[*replication.Session]struct{}),
	}
	if !d.Writable() {
		metaFeed.SetSource(d.fetcher)
		contentFeed.SetSource(d.fetcher)
	}
	d.tree = tree.NewIndex(d.meta, opts.TreeCacheSize, logger, opts.Metrics)
	d.watches = watch.NewManager(metaFeed.Length, logger, opts.Metrics)
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if contentFeed.Writable() || contentFeed.Head().Signature != nil {
		d.markContentReady()
	} else {
		heads := contentFeed.Subscribe(d.ctx)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.awaitContent(heads)
		}()
	}

	lengths := metaFeed.Subscribe(d.ctx)
	cursor := metaFeed.Length()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatch(lengths, cursor)
	}()

	close(d.ready)
	d.logger.Info("drive opened",
		logging.Bool("writable", d.Writable()),
		logging.Bool("sparse", opts.Sparse),
		logging.Version(d.Version()))
	return d, nil
}

// Key is the drive's public key. Share it to let others replicate.
func (d *Drive) Key() crypto.PublicKey { return d.key }

// SecretKey is the drive's signing key, nil for a replica.
func (d *Drive) SecretKey() crypto.SecretKey { return d.secret }

// DiscoveryKey identifies the drive to peers without revealing Key.
func (d *Drive) DiscoveryKey() string { return d.metaFeed.DiscoveryID() }

// Writable reports whether this drive holds the secret key.
func (d *Drive) Writable() bool { return d.metaFeed.Writable() }

// Version is the number of metadata records, the unit of checkout.
func (d *Drive) Version() uint64 { return d.metaFeed.Length() }

// MetadataFeed exposes the metadata feed for inspection.
func (d *Drive) MetadataFeed() *feed.Feed { return d.metaFeed }

// ContentFeed exposes the content feed for inspection.
func (d *Drive) ContentFeed() *feed.Feed { return d.contentFeed }

// Ready closes once the drive is initialized.
func (d *Drive) Ready() <-chan struct{} { return d.ready }

// ContentReady closes once the content feed is known: immediately for a
// writer, on the first verified content head for a replica.
func (d *Drive) ContentReady() <-chan struct{} { return d.contentReady }

// Update waits for every connecting peer to finish its handshake, so the
// drive's version reflects what those peers announced.
func (d *Drive) Update(ctx context.Context) error {
	return wrapErr("update", "", d.fetcher.Await(ctx))
}

// Close stops replication sessions, watchers and background work, then
// closes the block store if the drive owns it.
func (d *Drive) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	sessions := make([]*replication.Session, 0, len(d.sessions))
	for s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	d.watches.Close()
	d.cancel()
	d.metaFeed.Close()
	d.contentFeed.Close()
	d.wg.Wait()

	var err error
	if d.ownsStore {
		err = d.store.Close()
	}
	d.logger.Info("drive closed", logging.Version(d.Version()))
	return wrapErr("close", "", err)
}

// Closed reports whether Close has been called.
func (d *Drive) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Drive) markContentReady() {
	d.contentOnce.Do(func() { close(d.contentReady) })
}

func (d *Drive) awaitContent(heads <-chan uint64) {
	for range heads {
		if d.contentFeed.Head().Signature != nil {
			d.markContentReady()
			d.logger.Debug("content feed ready", logging.Uint64("length", d.contentFeed.Length()))
			return
		}
	}
}

// dispatch hands every new metadata record to the watchers in log order.
// While nobody watches, records are skipped without being read.
func (d *Drive) dispatch(lengths <-chan uint64, cursor uint64) {
	for length := range lengths {
		if d.watches.Len() == 0 {
			cursor = max(cursor, length)
			continue
		}
		for cursor < length {
			e, err := d.meta.Entry(d.ctx, cursor)
			if err != nil {
				if d.ctx.Err() == nil {
					d.logger.Warn("watch dispatch stalled", logging.Index(cursor), logging.Error(err))
				}
				break
			}
			d.watches.Publish(e)
			cursor++
		}
	}
}

// fetchContext applies the configured fetch timeout to a read.
func (d *Drive) fetchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.opts.FetchTimeout > 0 {
		return context.WithTimeout(ctx, d.opts.FetchTimeout)
	}
	return context.WithCancel(ctx)
}

// currentVersion is the version a read on the live drive resolves at. A
// replica first lets connecting peers finish their handshakes.
func (d *Drive) currentVersion(ctx context.Context) (uint64, error) {
	if d.Closed() {
		return 0, ErrClosed
	}
	if !d.Writable() {
		if err := d.fetcher.Await(ctx); err != nil {
			return 0, fmt.Errorf("%w: %w", feed.ErrBlockUnavailable, err)
		}
	}
	return d.Version(), nil
}

func (d *Drive) observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = Code(err)
	}
	d.metrics.RecordDriveOperation(op, status, time.Since(start))
}
