package metadata

import (
	"context"

	"github.com/mdheller/hyperdrive/pkg/feed"
)

// Feed is a feed whose blocks are entry records.
type Feed struct {
	*feed.Feed
}

// NewFeed wraps f so its blocks are read and written as entries.
func NewFeed(f *feed.Feed) *Feed {
	return &Feed{Feed: f}
}

// AppendEntry appends a record and returns its version index.
func (m *Feed) AppendEntry(ctx context.Context, e *Entry) (uint64, error) {
	data, err := Encode(e)
	if err != nil {
		return 0, err
	}
	index, err := m.Feed.Append(ctx, data)
	if err != nil {
		return 0, err
	}
	e.Version = index
	return index, nil
}

// Entry returns the record at index, fetching it when missing.
func (m *Feed) Entry(ctx context.Context, index uint64) (Entry, error) {
	data, err := m.Feed.Get(ctx, index)
	if err != nil {
		return Entry{}, err
	}
	return Decode(index, data)
}

// LocalEntry returns the record at index only if it is stored locally.
func (m *Feed) LocalEntry(ctx context.Context, index uint64) (Entry, error) {
	data, err := m.Feed.GetLocal(ctx, index)
	if err != nil {
		return Entry{}, err
	}
	return Decode(index, data)
}
