package drive

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/mdheller/hyperdrive/pkg/logging"
)

// Checkout is a read-only view of a drive pinned at one version. Writes
// made to the drive afterwards are invisible through it.
type Checkout struct {
	d       *Drive
	version uint64
}

// Checkout returns a view of the drive as of version, the number of
// metadata records it should include.
func (d *Drive) Checkout(version uint64) (*Checkout, error) {
	if cur := d.Version(); version > cur {
		return nil, wrapErr("checkout", "", fmt.Errorf("%w: %d is past the current version %d", ErrInvalidVersion, version, cur))
	}
	return &Checkout{d: d, version: version}, nil
}

// Version is the number of metadata records the checkout sees.
func (c *Checkout) Version() uint64 { return c.version }

// Drive returns the live drive the checkout was taken from.
func (c *Checkout) Drive() *Drive { return c.d }

func (c *Checkout) at(context.Context) (uint64, error) {
	if c.d.Closed() {
		return 0, ErrClosed
	}
	return c.version, nil
}

// Checkout narrows the view to an earlier version.
func (c *Checkout) Checkout(version uint64) (*Checkout, error) {
	if version > c.version {
		return nil, wrapErr("checkout", "", fmt.Errorf("%w: %d is past the checkout at %d", ErrInvalidVersion, version, c.version))
	}
	return &Checkout{d: c.d, version: version}, nil
}

// ReadFile is Drive.ReadFile as of the checkout version.
func (c *Checkout) ReadFile(ctx context.Context, name string, opts ...ReadOption) ([]byte, error) {
	return c.d.readFile(ctx, name, c.at, opts)
}

func (c *Checkout) Stat(ctx context.Context, name string, opts ...ReadOption) (Stat, error) {
	return c.d.stat(ctx, name, c.at, opts)
}

func (c *Checkout) Access(ctx context.Context, name string, opts ...ReadOption) error {
	return c.d.access(ctx, name, c.at, opts)
}

// Readdir lists name as it was at the checkout version.
func (c *Checkout) Readdir(ctx context.Context, name string) ([]string, error) {
	return c.d.readdir(ctx, name, c.at)
}

func (c *Checkout) CreateReadStream(ctx context.Context, name string) (io.ReadCloser, error) {
	return c.d.createReadStream(ctx, name, c.at)
}

func (c *Checkout) CreateDirectoryStream(ctx context.Context, name string) (*DirectoryStream, error) {
	return c.d.createDirectoryStream(ctx, name, c.at)
}

// WriteFile always fails with EROFS.
func (c *Checkout) WriteFile(_ context.Context, name string, _ []byte, _ ...WriteOption) error {
	return wrapErr("writeFile", name, ErrReadOnlyView)
}

// Mkdir always fails with EROFS.
func (c *Checkout) Mkdir(_ context.Context, name string, _ ...WriteOption) error {
	return wrapErr("mkdir", name, ErrReadOnlyView)
}

// Unlink always fails with EROFS.
func (c *Checkout) Unlink(_ context.Context, name string) error {
	return wrapErr("unlink", name, ErrReadOnlyView)
}

// Rmdir always fails with EROFS.
func (c *Checkout) Rmdir(_ context.Context, name string) error {
	return wrapErr("rmdir", name, ErrReadOnlyView)
}

// Download fetches every metadata record of the checkout and the content
// of every file live at its version, so later reads need no peers.
func (c *Checkout) Download(ctx context.Context) error {
	start := time.Now()
	err := c.download(ctx)
	c.d.observe("download", start, err)
	return wrapErr("download", "", err)
}

func (c *Checkout) download(ctx context.Context) error {
	if c.d.Closed() {
		return ErrClosed
	}
	if err := c.d.meta.Download(ctx, 0, c.version); err != nil {
		return fmt.Errorf("downloading metadata: %w", err)
	}
	entries, err := c.d.tree.Entries(ctx, c.version)
	if err != nil {
		return err
	}
	var blocks uint64
	for _, e := range entries {
		if !e.IsFile() || e.ContentEnd == e.ContentStart {
			continue
		}
		if err := c.d.contentFeed.Download(ctx, e.ContentStart, e.ContentEnd); err != nil {
			return fmt.Errorf("downloading %s: %w", e.Path, err)
		}
		blocks += e.Blocks()
	}
	c.d.logger.Info("checkout downloaded",
		logging.Version(c.version),
		logging.Count(len(entries)),
		logging.Uint64("content_blocks", blocks))
	return nil
}
