package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mdheller/hyperdrive/pkg/content"
	"github.com/mdheller/hyperdrive/pkg/feed"
	"github.com/mdheller/hyperdrive/pkg/metadata"
)

// Stat describes a file or directory.
type Stat struct {
	Path         string
	Type         metadata.Type
	Size         uint64
	Blocks       uint64
	ContentStart uint64
	ContentEnd   uint64
	Mode         os.FileMode
	Mtime        time.Time
	Ctime        time.Time
	// Version is the metadata record that produced this entry. Implicit
	// directories, which have no record of their own, report zero.
	Version uint64
}

func (s Stat) IsFile() bool { return s.Type == metadata.TypeFile }

func (s Stat) IsDir() bool { return s.Type == metadata.TypeDirectory }

func statOf(e metadata.Entry) Stat {
	return Stat{
		Path:         e.Path,
		Type:         e.Type,
		Size:         e.Size,
		Blocks:       e.Blocks(),
		ContentStart: e.ContentStart,
		ContentEnd:   e.ContentEnd,
		Mode:         e.FileMode(),
		Mtime:        time.Unix(0, e.Mtime),
		Ctime:        time.Unix(0, e.Ctime),
		Version:      e.Version,
	}
}

// versionFunc yields the version a read resolves at.
type versionFunc func(ctx context.Context) (uint64, error)

// read runs a read-only operation at the version picked by at, applying the
// fetch timeout and recording the outcome.
func (d *Drive) read(ctx context.Context, op, name string, at versionFunc, fn func(ctx context.Context, p string, version uint64) error) error {
	start := time.Now()
	err := func() error {
		p, err := cleanPath(name)
		if err != nil {
			return err
		}
		ctx, cancel := d.fetchContext(ctx)
		defer cancel()
		version, err := at(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, p, version)
	}()
	d.observe(op, start, err)
	return wrapErr(op, name, err)
}

// resolve looks p up at version. A cached lookup that needs a record not
// stored locally fails with ErrNotCached instead of fetching it.
func (d *Drive) resolve(ctx context.Context, p string, version uint64, cached bool) (metadata.Entry, error) {
	if !cached {
		return d.tree.Resolve(ctx, p, version)
	}
	e, err := d.tree.ResolveLocal(ctx, p, version)
	if errors.Is(err, feed.ErrBlockUnavailable) {
		return metadata.Entry{}, fmt.Errorf("%w: %v", ErrNotCached, err)
	}
	return e, err
}

func (d *Drive) resolveFile(ctx context.Context, p string, version uint64, cached bool) (metadata.Entry, error) {
	e, err := d.resolve(ctx, p, version, cached)
	if err != nil {
		return metadata.Entry{}, err
	}
	if e.IsDirectory() {
		return metadata.Entry{}, ErrIsADirectory
	}
	return e, nil
}

func (d *Drive) readFile(ctx context.Context, name string, at versionFunc, opts []ReadOption) ([]byte, error) {
	o := readOptions(opts)
	var data []byte
	err := d.read(ctx, "readFile", name, at, func(ctx context.Context, p string, version uint64) error {
		e, err := d.resolveFile(ctx, p, version, o.Cached)
		if err != nil {
			return err
		}
		if o.Cached {
			if !d.content.HasRange(ctx, e.ContentStart, e.ContentEnd) {
				return ErrNotCached
			}
			data, err = d.content.ReadLocal(ctx, e.ContentStart, e.ContentEnd)
			return err
		}
		data, err = d.content.Read(ctx, e.ContentStart, e.ContentEnd)
		return err
	})
	return data, err
}

func (d *Drive) stat(ctx context.Context, name string, at versionFunc, opts []ReadOption) (Stat, error) {
	o := readOptions(opts)
	var st Stat
	err := d.read(ctx, "stat", name, at, func(ctx context.Context, p string, version uint64) error {
		e, err := d.resolve(ctx, p, version, o.Cached)
		if err != nil {
			return err
		}
		st = statOf(e)
		return nil
	})
	return st, err
}

func (d *Drive) access(ctx context.Context, name string, at versionFunc, opts []ReadOption) error {
	o := readOptions(opts)
	return d.read(ctx, "access", name, at, func(ctx context.Context, p string, version uint64) error {
		_, err := d.resolve(ctx, p, version, o.Cached)
		return err
	})
}

func (d *Drive) readdir(ctx context.Context, name string, at versionFunc) ([]string, error) {
	var names []string
	err := d.read(ctx, "readdir", name, at, func(ctx context.Context, p string, version uint64) error {
		var err error
		names, err = d.tree.List(ctx, p, version)
		return err
	})
	return names, err
}

func (d *Drive) createReadStream(ctx context.Context, name string, at versionFunc) (io.ReadCloser, error) {
	var r *content.Reader
	err := d.read(ctx, "createReadStream", name, at, func(rctx context.Context, p string, version uint64) error {
		e, err := d.resolveFile(rctx, p, version, false)
		if err != nil {
			return err
		}
		r = d.content.NewReader(ctx, e.ContentStart, e.ContentEnd)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &readStream{r: r, path: name}, nil
}

// readStream maps block errors from the content reader to drive errors.
type readStream struct {
	r    *content.Reader
	path string
}

func (s *readStream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		return n, wrapErr("read", s.path, err)
	}
	return n, err
}

func (s *readStream) Close() error { return s.r.Close() }

// ReadFile returns the whole content of the file at name.
func (d *Drive) ReadFile(ctx context.Context, name string, opts ...ReadOption) ([]byte, error) {
	return d.readFile(ctx, name, d.currentVersion, opts)
}

// Stat describes the file or directory at name.
func (d *Drive) Stat(ctx context.Context, name string, opts ...ReadOption) (Stat, error) {
	return d.stat(ctx, name, d.currentVersion, opts)
}

// Access succeeds if name exists.
func (d *Drive) Access(ctx context.Context, name string, opts ...ReadOption) error {
	return d.access(ctx, name, d.currentVersion, opts)
}

// Readdir lists the names directly inside the directory at name, sorted.
// On a sparse replica it downloads the metadata it needs first.
func (d *Drive) Readdir(ctx context.Context, name string) ([]string, error) {
	return d.readdir(ctx, name, d.currentVersion)
}

// CreateReadStream streams the file at name, fetching blocks as they are
// read. Blocks are requested lazily, so the stream can outlive the timeout
// applied to resolving the path.
func (d *Drive) CreateReadStream(ctx context.Context, name string) (io.ReadCloser, error) {
	return d.createReadStream(ctx, name, d.currentVersion)
}
