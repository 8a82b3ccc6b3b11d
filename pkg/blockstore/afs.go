package blockstore

import (
	"bytes"
	"context"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
)

// AFSStore stores each block as one object under an abstract file system
// URL (file://, mem:// or any scheme registered with afs).
type AFSStore struct {
	fs      afs.Service
	baseURL string
}

// NewAFSStore stores blocks under baseURL, e.g. "file:///var/lib/hyperdrive".
func NewAFSStore(baseURL string) *AFSStore {
	return &AFSStore{fs: afs.New(), baseURL: strings.TrimRight(baseURL, "/") + "/"}
}

func (s *AFSStore) url(namespace string, index uint64) string {
	return objectKey(s.baseURL, namespace, index)
}

func (s *AFSStore) Put(ctx context.Context, namespace string, index uint64, data []byte) error {
	err := s.fs.Upload(ctx, s.url(namespace, index), file.DefaultFileOsMode, bytes.NewReader(data))
	return wrap("afs", "put", namespace, index, err)
}

func (s *AFSStore) Get(ctx context.Context, namespace string, index uint64) ([]byte, error) {
	URL := s.url(namespace, index)
	exists, err := s.fs.Exists(ctx, URL)
	if err != nil {
		return nil, wrap("afs", "get", namespace, index, err)
	}
	if !exists {
		return nil, wrap("afs", "get", namespace, index, ErrNotFound)
	}
	data, err := s.fs.DownloadWithURL(ctx, URL)
	if err != nil {
		return nil, wrap("afs", "get", namespace, index, err)
	}
	return data, nil
}

func (s *AFSStore) Has(ctx context.Context, namespace string, index uint64) (bool, error) {
	exists, err := s.fs.Exists(ctx, s.url(namespace, index))
	if err != nil {
		return false, wrap("afs", "has", namespace, index, err)
	}
	return exists, nil
}

func (s *AFSStore) Close() error {
	return nil
}
