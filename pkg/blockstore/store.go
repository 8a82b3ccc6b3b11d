// Package blockstore persists raw feed blocks, tree nodes and heads. A store
// is a flat map from (namespace, index) to bytes; feeds pick namespaces
// derived from their discovery id.
package blockstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no value is stored under a key.
var ErrNotFound = errors.New("block not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("block store closed")

// Store is the storage backend for feeds. Implementations must be safe for
// concurrent use. Put on an existing key replaces the value.
type Store interface {
	Put(ctx context.Context, namespace string, index uint64, data []byte) error
	Get(ctx context.Context, namespace string, index uint64) ([]byte, error)
	Has(ctx context.Context, namespace string, index uint64) (bool, error)
	Close() error
}

// StoreError records which key an operation failed on.
type StoreError struct {
	Op        string
	Backend   string
	Namespace string
	Index     uint64
	Cause     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s %s/%d: %v", e.Backend, e.Op, e.Namespace, e.Index, e.Cause)
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

func wrap(backend, op, namespace string, index uint64, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Backend: backend, Namespace: namespace, Index: index, Cause: err}
}

// objectKey lays out keys for the object-style backends.
func objectKey(prefix, namespace string, index uint64) string {
	return fmt.Sprintf("%s%s/%020d", prefix, namespace, index)
}
