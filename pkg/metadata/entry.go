// Package metadata defines the directory-entry records stored in a drive's
// metadata feed.
package metadata

import (
	"fmt"
	"os"
	"time"

	"github.com/mdheller/hyperdrive/pkg/codec"
)

// Type is the kind of object an entry describes.
type Type uint8

const (
	TypeFile      Type = 1
	TypeDirectory Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "directory"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// Entry is one metadata record. A record with Deleted set is a tombstone
// hiding every earlier record for Path.
type Entry struct {
	Path    string `cbor:"1,keyasint"`
	Type    Type   `cbor:"2,keyasint"`
	Deleted bool   `cbor:"3,keyasint,omitempty"`
	// Size is the byte length of a file.
	Size uint64 `cbor:"4,keyasint,omitempty"`
	// ContentStart and ContentEnd delimit the file's blocks in the content
	// feed as [start, end).
	ContentStart uint64 `cbor:"5,keyasint,omitempty"`
	ContentEnd   uint64 `cbor:"6,keyasint,omitempty"`
	Mode         uint32 `cbor:"7,keyasint,omitempty"`
	Mtime        int64  `cbor:"8,keyasint,omitempty"`
	Ctime        int64  `cbor:"9,keyasint,omitempty"`

	// Version is the index of the metadata block holding the record. It is
	// implied by position and never encoded.
	Version uint64 `cbor:"-"`
}

func (e *Entry) IsFile() bool { return e.Type == TypeFile }

func (e *Entry) IsDirectory() bool { return e.Type == TypeDirectory }

// Blocks returns the number of content blocks the file spans.
func (e *Entry) Blocks() uint64 {
	return e.ContentEnd - e.ContentStart
}

// FileMode returns the entry's permission bits with the type bit set.
func (e *Entry) FileMode() os.FileMode {
	m := os.FileMode(e.Mode).Perm()
	if e.IsDirectory() {
		m |= os.ModeDir
	}
	return m
}

// ModTime converts Mtime, stored as Unix nanoseconds.
func (e *Entry) ModTime() time.Time {
	return time.Unix(0, e.Mtime)
}

// Encode serializes the record for the metadata feed.
func Encode(e *Entry) ([]byte, error) {
	if e.Type != TypeFile && e.Type != TypeDirectory {
		return nil, fmt.Errorf("encoding entry %s: invalid type %s", e.Path, e.Type)
	}
	if e.ContentEnd < e.ContentStart {
		return nil, fmt.Errorf("encoding entry %s: content range [%d, %d) is inverted", e.Path, e.ContentStart, e.ContentEnd)
	}
	return codec.Marshal(e)
}

// Decode parses a metadata block stored at index.
func Decode(index uint64, data []byte) (Entry, error) {
	var e Entry
	if err := codec.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("decoding metadata block %d: %w", index, err)
	}
	if e.Path == "" {
		return Entry{}, fmt.Errorf("decoding metadata block %d: empty path", index)
	}
	e.Version = index
	return e, nil
}
