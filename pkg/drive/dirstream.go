package drive

import (
	"context"
	"io"
	"sync"

	"github.com/mdheller/hyperdrive/pkg/metadata"
)

// DirEntry is one result of a directory stream.
type DirEntry struct {
	// Name is the entry's path relative to the streamed directory.
	Name string
	Stat Stat
}

// DirectoryStream walks the live explicit entries below a directory at a
// fixed version, newest record first. Records are read only as Next asks
// for them, so a sparse replica fetches no more than the caller consumes.
type DirectoryStream struct {
	d       *Drive
	dir     string
	version uint64

	mu     sync.Mutex
	cursor uint64
	seen   map[string]struct{}
}

// CreateDirectoryStream streams the entries below the directory at name.
func (d *Drive) CreateDirectoryStream(ctx context.Context, name string) (*DirectoryStream, error) {
	return d.createDirectoryStream(ctx, name, d.currentVersion)
}

func (d *Drive) createDirectoryStream(ctx context.Context, name string, at versionFunc) (*DirectoryStream, error) {
	var s *DirectoryStream
	err := d.read(ctx, "createDirectoryStream", name, at, func(ctx context.Context, p string, version uint64) error {
		e, err := d.tree.Resolve(ctx, p, version)
		if err != nil {
			return err
		}
		if !e.IsDirectory() {
			return ErrNotADirectory
		}
		s = &DirectoryStream{d: d, dir: p, version: version}
		s.Restart()
		return nil
	})
	return s, err
}

// Version is the drive version the stream lists.
func (s *DirectoryStream) Version() uint64 { return s.version }

// Restart rewinds the stream to its first entry.
func (s *DirectoryStream) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = s.version
	s.seen = make(map[string]struct{})
}

// Next returns the next entry, or io.EOF once the stream is exhausted.
func (s *DirectoryStream) Next(ctx context.Context) (DirEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.d.fetchContext(ctx)
	defer cancel()
	for s.cursor > 0 {
		e, err := s.d.meta.Entry(ctx, s.cursor-1)
		if err != nil {
			return DirEntry{}, wrapErr("next", s.dir, err)
		}
		s.cursor--
		if _, ok := s.seen[e.Path]; ok {
			continue
		}
		s.seen[e.Path] = struct{}{}
		if e.Deleted || e.Path == s.dir || !metadata.IsUnder(e.Path, s.dir) {
			continue
		}
		return DirEntry{Name: metadata.Rel(s.dir, e.Path), Stat: statOf(e)}, nil
	}
	return DirEntry{}, io.EOF
}

// Collect drains the stream.
func (s *DirectoryStream) Collect(ctx context.Context) ([]DirEntry, error) {
	var out []DirEntry
	for {
		e, err := s.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}
