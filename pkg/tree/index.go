package tree

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mdheller/hyperdrive/pkg/cache"
	"github.com/mdheller/hyperdrive/pkg/logging"
	"github.com/mdheller/hyperdrive/pkg/metadata"
	"github.com/mdheller/hyperdrive/pkg/metrics"
)

// Index resolves paths against a metadata feed at any version.
//
// When every record below the requested version is stored locally the
// index folds them, keeping the newest snapshot up to date incrementally
// and older ones in an LRU. On a sparse replica a single path is resolved
// by scanning the log backwards so that only the records needed are
// fetched.
type Index struct {
	meta    *metadata.Feed
	memo    bool
	past    *cache.LRU[uint64, *Snapshot]
	logger  logging.Logger
	metrics *metrics.Registry

	mu         sync.Mutex
	head       *Snapshot
	contiguous uint64
}

// NewIndex creates an index. cacheSize bounds the number of historical
// snapshots kept; zero disables memoization entirely, so every call folds
// from the first record.
func NewIndex(meta *metadata.Feed, cacheSize int, logger logging.Logger, m *metrics.Registry) *Index {
	return &Index{
		meta:    meta,
		memo:    cacheSize > 0,
		past:    cache.New[uint64, *Snapshot](cacheSize),
		logger:  logging.OrNop(logger).With(logging.Component("tree")),
		metrics: m,
	}
}

// local reports whether records [0, version) are all stored locally.
func (x *Index) local(ctx context.Context, version uint64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	for x.contiguous < version && x.meta.Has(ctx, x.contiguous) {
		x.contiguous++
	}
	return x.contiguous >= version
}

// Resolve returns the entry for path as of version.
func (x *Index) Resolve(ctx context.Context, path string, version uint64) (metadata.Entry, error) {
	p := metadata.Clean(path)
	if p == "/" {
		return RootEntry(), nil
	}
	if !x.local(ctx, version) {
		return x.lookup(ctx, p, version, x.meta.Entry)
	}
	return x.resolveFolded(ctx, p, version)
}

// ResolveLocal is Resolve restricted to locally stored records. A record
// the answer depends on that is not stored fails with
// feed.ErrBlockUnavailable.
func (x *Index) ResolveLocal(ctx context.Context, path string, version uint64) (metadata.Entry, error) {
	p := metadata.Clean(path)
	if p == "/" {
		return RootEntry(), nil
	}
	if !x.local(ctx, version) {
		return x.lookup(ctx, p, version, x.meta.LocalEntry)
	}
	return x.resolveFolded(ctx, p, version)
}

func (x *Index) resolveFolded(ctx context.Context, p string, version uint64) (metadata.Entry, error) {
	var (
		e   metadata.Entry
		err error
	)
	ferr := x.withSnapshot(ctx, version, func(s *Snapshot) {
		e, err = s.Resolve(p)
	})
	if ferr != nil {
		return metadata.Entry{}, ferr
	}
	return e, err
}

// List returns the sorted child names of dir as of version. It always
// folds, fetching any missing records first.
func (x *Index) List(ctx context.Context, dir string, version uint64) ([]string, error) {
	if err := x.ensureLocal(ctx, version); err != nil {
		return nil, err
	}
	var (
		names []string
		err   error
	)
	ferr := x.withSnapshot(ctx, version, func(s *Snapshot) {
		names, err = s.List(metadata.Clean(dir))
	})
	if ferr != nil {
		return nil, ferr
	}
	return names, err
}

// Entries returns every live explicit entry as of version, sorted by path.
func (x *Index) Entries(ctx context.Context, version uint64) ([]metadata.Entry, error) {
	if err := x.ensureLocal(ctx, version); err != nil {
		return nil, err
	}
	var out []metadata.Entry
	err := x.withSnapshot(ctx, version, func(s *Snapshot) {
		out = s.Entries()
	})
	return out, err
}

func (x *Index) ensureLocal(ctx context.Context, version uint64) error {
	if x.local(ctx, version) {
		return nil
	}
	return x.meta.Download(ctx, 0, version)
}

// withSnapshot runs fn against the snapshot at version while holding the
// index lock. Callers must have checked that the records are local.
func (x *Index) withSnapshot(ctx context.Context, version uint64, fn func(*Snapshot)) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.memo {
		s := NewSnapshot()
		if err := x.fold(ctx, s, version); err != nil {
			return err
		}
		x.metrics.RecordFold("full", version)
		fn(s)
		return nil
	}

	if x.head == nil {
		x.head = NewSnapshot()
	}
	if version >= x.head.version {
		from := x.head.version
		if err := x.fold(ctx, x.head, version); err != nil {
			return err
		}
		x.metrics.RecordFold("incremental", version-from)
		fn(x.head)
		return nil
	}

	if s, ok := x.past.Get(version); ok {
		x.metrics.RecordCacheLookup("tree", true)
		fn(s)
		return nil
	}
	x.metrics.RecordCacheLookup("tree", false)

	s, mode := x.nearest(version), "refold"
	if s == nil {
		s, mode = NewSnapshot(), "full"
	}
	from := s.version
	if err := x.fold(ctx, s, version); err != nil {
		return err
	}
	x.metrics.RecordFold(mode, version-from)
	x.past.Put(version, s)
	fn(s)
	return nil
}

// nearest returns a copy of the newest cached snapshot at or below version,
// or nil if there is none.
func (x *Index) nearest(version uint64) *Snapshot {
	var best *Snapshot
	x.past.Each(func(v uint64, s *Snapshot) {
		if v <= version && (best == nil || v > best.version) {
			best = s
		}
	})
	if best == nil {
		return nil
	}
	return best.Clone()
}

// fold applies local records [s.version, version) to s. On error s is left
// unchanged.
func (x *Index) fold(ctx context.Context, s *Snapshot, version uint64) error {
	if s.version >= version {
		return nil
	}
	entries := make([]metadata.Entry, 0, version-s.version)
	for i := s.version; i < version; i++ {
		e, err := x.meta.LocalEntry(ctx, i)
		if err != nil {
			return fmt.Errorf("folding metadata block %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	for _, e := range entries {
		s.Apply(e)
	}
	return nil
}

// lookup resolves p by walking the log from version-1 down to the first
// record that decides it. Only the newest record of each path counts. On a
// single-writer log this agrees with folding: a live descendant proves an
// implicit directory, a live file ancestor proves p cannot exist, and a
// tombstone for p or an ancestor means p was removed before anything later
// could recreate it.
func (x *Index) lookup(ctx context.Context, p string, version uint64, get func(context.Context, uint64) (metadata.Entry, error)) (metadata.Entry, error) {
	var scanned uint64
	defer func() { x.metrics.RecordFold("lookup", scanned) }()

	seen := make(map[string]struct{})
	for i := version; i > 0; i-- {
		e, err := get(ctx, i-1)
		if err != nil {
			return metadata.Entry{}, err
		}
		scanned++
		if _, ok := seen[e.Path]; ok {
			continue
		}
		seen[e.Path] = struct{}{}

		switch {
		case e.Path == p:
			if e.Deleted {
				return metadata.Entry{}, fmt.Errorf("%s: %w", p, ErrNotFound)
			}
			return e, nil
		case metadata.IsUnder(e.Path, p):
			if !e.Deleted {
				return metadata.Entry{Path: p, Type: metadata.TypeDirectory, Mode: 0755}, nil
			}
		case metadata.IsUnder(p, e.Path):
			if e.Deleted {
				return metadata.Entry{}, fmt.Errorf("%s: %w", p, ErrNotFound)
			}
			if e.IsFile() {
				return metadata.Entry{}, fmt.Errorf("%s: %w", e.Path, ErrNotADirectory)
			}
		}
	}
	return metadata.Entry{}, fmt.Errorf("%s: %w", p, ErrNotFound)
}

// IsNotFound reports whether err is a resolution miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
