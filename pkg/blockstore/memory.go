package blockstore

import (
	"context"
	"sync"
)

// MemoryStore keeps every block in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]map[uint64][]byte
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[uint64][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, namespace string, index uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return wrap("memory", "put", namespace, index, ErrClosed)
	}
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[uint64][]byte)
		m.data[namespace] = ns
	}
	ns[index] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, namespace string, index uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, wrap("memory", "get", namespace, index, ErrClosed)
	}
	v, ok := m.data[namespace][index]
	if !ok {
		return nil, wrap("memory", "get", namespace, index, ErrNotFound)
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Has(_ context.Context, namespace string, index uint64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, wrap("memory", "has", namespace, index, ErrClosed)
	}
	_, ok := m.data[namespace][index]
	return ok, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}
