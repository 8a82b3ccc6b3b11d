package drive

import (
	"context"
	"fmt"
	"time"

	"github.com/mdheller/hyperdrive/pkg/feed"
	"github.com/mdheller/hyperdrive/pkg/logging"
	"github.com/mdheller/hyperdrive/pkg/metadata"
	"github.com/mdheller/hyperdrive/pkg/tree"
	"github.com/mdheller/hyperdrive/pkg/validation"
)

const (
	defaultFileMode = 0o644
	defaultDirMode  = 0o755
)

// cleanPath validates a caller-supplied path and returns its canonical form.
func cleanPath(name string) (string, error) {
	if err := validation.ValidatePath(name); err != nil {
		return "", err
	}
	return metadata.Clean(name), nil
}

// mutation runs fn with the write lock held against the current version.
func (d *Drive) mutation(ctx context.Context, op, name string, fn func(ctx context.Context, p string, version uint64) error) error {
	start := time.Now()
	err := func() error {
		if d.Closed() {
			return ErrClosed
		}
		if !d.Writable() {
			return feed.ErrNotWritable
		}
		p, err := cleanPath(name)
		if err != nil {
			return err
		}
		d.writeMu.Lock()
		defer d.writeMu.Unlock()
		return fn(ctx, p, d.Version())
	}()
	d.observe(op, start, err)
	if err != nil {
		d.logger.Debug("write rejected", logging.Operation(op), logging.Path(name), logging.Error(err))
	}
	return wrapErr(op, name, err)
}

// existing resolves p, treating a miss as absent rather than an error.
func (d *Drive) existing(ctx context.Context, p string, version uint64) (metadata.Entry, bool, error) {
	e, err := d.tree.Resolve(ctx, p, version)
	switch {
	case err == nil:
		return e, true, nil
	case tree.IsNotFound(err):
		return metadata.Entry{}, false, nil
	default:
		return metadata.Entry{}, false, err
	}
}

func (d *Drive) appendEntry(ctx context.Context, e *metadata.Entry) error {
	version, err := d.meta.AppendEntry(ctx, e)
	if err != nil {
		return err
	}
	d.logger.Debug("entry appended",
		logging.Path(e.Path),
		logging.String("type", e.Type.String()),
		logging.Bool("deleted", e.Deleted),
		logging.Version(version))
	return nil
}

// WriteFile stores data at name, replacing any file already there. The
// content blocks are appended before the metadata record that points at
// them, so every visible record has its content in place.
func (d *Drive) WriteFile(ctx context.Context, name string, data []byte, opts ...WriteOption) error {
	return d.mutation(ctx, "writeFile", name, func(ctx context.Context, p string, version uint64) error {
		if p == "/" {
			return ErrIsADirectory
		}
		prev, found, err := d.existing(ctx, p, version)
		if err != nil {
			return err
		}
		if found && prev.IsDirectory() {
			return ErrIsADirectory
		}

		o := writeOptions(defaultFileMode, opts)
		now := time.Now()
		mtime := o.Mtime
		if mtime.IsZero() {
			mtime = now
		}
		ctime := now.UnixNano()
		if found {
			ctime = prev.Ctime
		}

		start, end, err := d.content.Write(ctx, data)
		if err != nil {
			return fmt.Errorf("writing content: %w", err)
		}
		return d.appendEntry(ctx, &metadata.Entry{
			Path:         p,
			Type:         metadata.TypeFile,
			Size:         uint64(len(data)),
			ContentStart: start,
			ContentEnd:   end,
			Mode:         uint32(o.Mode.Perm()),
			Mtime:        mtime.UnixNano(),
			Ctime:        ctime,
		})
	})
}

// Mkdir records an explicit directory at name.
func (d *Drive) Mkdir(ctx context.Context, name string, opts ...WriteOption) error {
	return d.mutation(ctx, "mkdir", name, func(ctx context.Context, p string, version uint64) error {
		if p == "/" {
			return ErrExist
		}
		_, found, err := d.existing(ctx, p, version)
		if err != nil {
			return err
		}
		if found {
			return ErrExist
		}
		o := writeOptions(defaultDirMode, opts)
		mtime := o.Mtime
		if mtime.IsZero() {
			mtime = time.Now()
		}
		return d.appendEntry(ctx, &metadata.Entry{
			Path:  p,
			Type:  metadata.TypeDirectory,
			Mode:  uint32(o.Mode.Perm()),
			Mtime: mtime.UnixNano(),
			Ctime: mtime.UnixNano(),
		})
	})
}

// Unlink removes the file at name.
func (d *Drive) Unlink(ctx context.Context, name string) error {
	return d.mutation(ctx, "unlink", name, func(ctx context.Context, p string, version uint64) error {
		if p == "/" {
			return ErrIsADirectory
		}
		e, err := d.tree.Resolve(ctx, p, version)
		if err != nil {
			return err
		}
		if e.IsDirectory() {
			return ErrIsADirectory
		}
		return d.appendEntry(ctx, &metadata.Entry{
			Path:    p,
			Type:    metadata.TypeFile,
			Deleted: true,
			Mtime:   time.Now().UnixNano(),
		})
	})
}

// Rmdir removes the empty directory at name.
func (d *Drive) Rmdir(ctx context.Context, name string) error {
	return d.mutation(ctx, "rmdir", name, func(ctx context.Context, p string, version uint64) error {
		if p == "/" {
			return fmt.Errorf("%w: cannot remove the root directory", validation.ErrInvalidPath)
		}
		e, err := d.tree.Resolve(ctx, p, version)
		if err != nil {
			return err
		}
		if !e.IsDirectory() {
			return fmt.Errorf("%s: %w", p, ErrNotADirectory)
		}
		children, err := d.tree.List(ctx, p, version)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return ErrNotEmpty
		}
		return d.appendEntry(ctx, &metadata.Entry{
			Path:    p,
			Type:    metadata.TypeDirectory,
			Deleted: true,
			Mtime:   time.Now().UnixNano(),
		})
	})
}
