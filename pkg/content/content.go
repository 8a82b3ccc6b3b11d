// Package content stores file bytes as fixed-size chunks in a drive's
// content feed.
package content

import (
	"context"
	"io"

	"github.com/mdheller/hyperdrive/pkg/feed"
)

// DefaultChunkSize is the block size files are split into.
const DefaultChunkSize = 64 * 1024

// Feed is a feed of raw file chunks.
type Feed struct {
	*feed.Feed
	chunkSize int
}

// NewFeed wraps f. A chunkSize of zero or less means DefaultChunkSize.
func NewFeed(f *feed.Feed, chunkSize int) *Feed {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Feed{Feed: f, chunkSize: chunkSize}
}

func (c *Feed) ChunkSize() int { return c.chunkSize }

// Chunk splits data into blocks of at most size bytes. Empty data yields
// no blocks.
func Chunk(data []byte, size int) [][]byte {
	var chunks [][]byte
	for len(data) > 0 {
		n := min(size, len(data))
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// Write appends data as one contiguous run of blocks and returns the block
// range [start, end) it occupies.
func (c *Feed) Write(ctx context.Context, data []byte) (start, end uint64, err error) {
	chunks := Chunk(data, c.chunkSize)
	if len(chunks) == 0 {
		n := c.Length()
		return n, n, nil
	}
	start, err = c.Append(ctx, chunks...)
	if err != nil {
		return 0, 0, err
	}
	return start, start + uint64(len(chunks)), nil
}

// Read returns the concatenation of blocks [start, end), fetching missing
// ones.
func (c *Feed) Read(ctx context.Context, start, end uint64) ([]byte, error) {
	return c.read(ctx, start, end, c.Get)
}

// ReadLocal is Read restricted to locally stored blocks.
func (c *Feed) ReadLocal(ctx context.Context, start, end uint64) ([]byte, error) {
	return c.read(ctx, start, end, c.GetLocal)
}

func (c *Feed) read(ctx context.Context, start, end uint64, get func(context.Context, uint64) ([]byte, error)) ([]byte, error) {
	var out []byte
	for i := start; i < end; i++ {
		block, err := get(ctx, i)
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// HasRange reports whether every block in [start, end) is stored locally.
func (c *Feed) HasRange(ctx context.Context, start, end uint64) bool {
	for i := start; i < end; i++ {
		if !c.Has(ctx, i) {
			return false
		}
	}
	return true
}

// Reader streams blocks [start, end) one at a time.
type Reader struct {
	ctx    context.Context
	feed   *Feed
	next   uint64
	end    uint64
	buf    []byte
	err    error
	closed bool
}

// NewReader returns a reader that fetches each block as it is consumed.
func (c *Feed) NewReader(ctx context.Context, start, end uint64) *Reader {
	return &Reader{ctx: ctx, feed: c, next: start, end: end}
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.ErrClosedPipe
	}
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.next >= r.end {
			return 0, io.EOF
		}
		block, err := r.feed.Get(r.ctx, r.next)
		if err != nil {
			r.err = err
			return 0, err
		}
		r.next++
		r.buf = block
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *Reader) Close() error {
	r.closed = true
	r.buf = nil
	return nil
}
