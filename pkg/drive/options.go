package drive

import (
	"os"
	"time"

	"github.com/mdheller/hyperdrive/pkg/blockstore"
	"github.com/mdheller/hyperdrive/pkg/content"
	"github.com/mdheller/hyperdrive/pkg/crypto"
	"github.com/mdheller/hyperdrive/pkg/logging"
	"github.com/mdheller/hyperdrive/pkg/metrics"
	"github.com/mdheller/hyperdrive/pkg/validation"
)

// Options configures a drive.
type Options struct {
	// Key opens an existing drive. With SecretKey the drive is writable;
	// without it the drive is a replica. Leave both empty to create a new
	// drive with a fresh keypair.
	Key       crypto.PublicKey `validate:"-"`
	SecretKey crypto.SecretKey `validate:"-"`

	// Store holds feed blocks. A nil store means an in-memory store that
	// the drive owns.
	Store blockstore.Store `validate:"-"`
	// CloseStore makes Close close a caller-provided Store.
	CloseStore bool

	Crypto crypto.Provider `validate:"-"`

	ChunkSize         int `validate:"pow2"`
	MetadataCacheSize int `validate:"gte=0"`
	ContentCacheSize  int `validate:"gte=0"`
	TreeCacheSize     int `validate:"gte=0"`

	// Sparse replicas fetch only the blocks reads need.
	Sparse bool
	// FetchTimeout bounds a read waiting on peers. Zero waits until the
	// caller's context ends.
	FetchTimeout time.Duration `validate:"gte=0"`

	Logger  logging.Logger    `validate:"-"`
	Metrics *metrics.Registry `validate:"-"`
}

// DefaultOptions returns in-memory options for a new writable drive.
func DefaultOptions() Options {
	return Options{
		ChunkSize:         content.DefaultChunkSize,
		MetadataCacheSize: 1024,
		ContentCacheSize:  1024,
		TreeCacheSize:     64,
	}
}

// Validate checks option ranges.
func (o *Options) Validate() error {
	if err := validation.Struct(o); err != nil {
		return err
	}
	return validation.NewConfigValidator("Options").
		When(o.SecretKey != nil, func(cv *validation.ConfigValidator) {
			cv.Custom("SecretKey", func() error { return crypto.MatchKeyPair(o.Key, o.SecretKey) })
		}).
		When(o.Key != nil, func(cv *validation.ConfigValidator) {
			cv.Custom("Key", func() error { return crypto.ValidatePublicKey(o.Key) })
		}).
		Validate()
}

// ReadOptions tunes a single read.
type ReadOptions struct {
	// Cached fails with ENOTCACHED instead of fetching missing blocks.
	Cached bool
}

type ReadOption func(*ReadOptions)

// Cached restricts a read to locally stored blocks.
func Cached() ReadOption {
	return func(o *ReadOptions) { o.Cached = true }
}

// WriteOptions sets the metadata recorded with a write.
type WriteOptions struct {
	Mode  os.FileMode
	Mtime time.Time
}

type WriteOption func(*WriteOptions)

// WithMode records mode on the written entry.
func WithMode(mode os.FileMode) WriteOption {
	return func(o *WriteOptions) { o.Mode = mode }
}

// WithMtime overrides the modification time, which defaults to now.
func WithMtime(t time.Time) WriteOption {
	return func(o *WriteOptions) { o.Mtime = t }
}

func readOptions(opts []ReadOption) ReadOptions {
	var o ReadOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func writeOptions(defaultMode os.FileMode, opts []WriteOption) WriteOptions {
	o := WriteOptions{Mode: defaultMode}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
