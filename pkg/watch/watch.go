// Package watch delivers committed metadata entries to callers subscribed to
// a path prefix.
package watch

import (
	"errors"
	"sync"

	"github.com/mdheller/hyperdrive/pkg/logging"
	"github.com/mdheller/hyperdrive/pkg/metadata"
	"github.com/mdheller/hyperdrive/pkg/metrics"
)

var ErrClosed = errors.New("watch manager is closed")

// Handler receives one committed entry. Entry.Version is the entry's index in
// the metadata feed.
type Handler func(entry metadata.Entry)

// Manager tracks watchers and fans published entries out to them.
type Manager struct {
	mu       sync.RWMutex
	watchers map[*Watcher]struct{}
	closed   bool

	version func() uint64
	logger  logging.Logger
	metrics *metrics.Registry
}

// Watcher is a single subscription. Entries are handed to its handler on a
// dedicated goroutine in the order they were published.
type Watcher struct {
	prefix  string
	from    uint64
	handler Handler
	m       *Manager

	mu      sync.Mutex
	queue   []metadata.Entry
	stopped bool
	signal  chan struct{}
	done    chan struct{}
	exited  chan struct{}

	closeOnce sync.Once
}

// NewManager creates a manager. version reports the number of committed
// entries; a new watcher only sees entries at or after that position.
func NewManager(version func() uint64, logger logging.Logger, reg *metrics.Registry) *Manager {
	return &Manager{
		watchers: make(map[*Watcher]struct{}),
		version:  version,
		logger:   logging.OrNop(logger).With(logging.Component("watch")),
		metrics:  reg,
	}
}

// Watch registers handler for every entry under prefix committed after the
// call returns.
func (m *Manager) Watch(prefix string, handler Handler) (*Watcher, error) {
	prefix = metadata.Clean(prefix)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	// Reading the version under the same lock that Publish snapshots with
	// keeps the first post-registration entry from slipping past.
	w := &Watcher{
		prefix:  prefix,
		from:    m.version(),
		handler: handler,
		m:       m,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	m.watchers[w] = struct{}{}
	m.metrics.AddWatchers(1)

	go w.run()

	m.logger.Debug("watcher registered",
		logging.Path(prefix),
		logging.Version(w.from))
	return w, nil
}

// Publish hands entry to every matching watcher. Callers publish entries in
// commit order, once each.
func (m *Manager) Publish(entry metadata.Entry) {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		if entry.Version < w.from || !metadata.IsUnder(entry.Path, w.prefix) {
			continue
		}
		w.enqueue(entry)
	}
}

// Len returns the number of active watchers.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.watchers)
}

// Close unsubscribes every watcher and rejects new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	watchers := make([]*Watcher, 0, len(m.watchers))
	for w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	for _, w := range watchers {
		w.Unsubscribe()
	}
}

func (m *Manager) remove(w *Watcher) {
	m.mu.Lock()
	if _, ok := m.watchers[w]; ok {
		delete(m.watchers, w)
		m.metrics.AddWatchers(-1)
	}
	m.mu.Unlock()
}

// Prefix returns the normalized prefix the watcher matches.
func (w *Watcher) Prefix() string {
	return w.prefix
}

// From returns the first metadata version the watcher can observe.
func (w *Watcher) From() uint64 {
	return w.from
}

// Done is closed once the watcher has stopped delivering.
func (w *Watcher) Done() <-chan struct{} {
	return w.exited
}

// Unsubscribe stops future deliveries. A handler already running finishes,
// but no queued entry is delivered afterwards. Safe to call from inside the
// handler.
func (w *Watcher) Unsubscribe() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.queue = nil
		w.mu.Unlock()
		close(w.done)
		w.m.remove(w)
	})
}

func (w *Watcher) enqueue(entry metadata.Entry) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, entry)
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *Watcher) next() (metadata.Entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || len(w.queue) == 0 {
		return metadata.Entry{}, false
	}
	entry := w.queue[0]
	w.queue[0] = metadata.Entry{}
	w.queue = w.queue[1:]
	return entry, true
}

func (w *Watcher) run() {
	defer close(w.exited)
	for {
		select {
		case <-w.done:
			return
		case <-w.signal:
		}
		for {
			entry, ok := w.next()
			if !ok {
				break
			}
			w.deliver(entry)
		}
	}
}

func (w *Watcher) deliver(entry metadata.Entry) {
	defer func() {
		if r := recover(); r != nil {
			w.m.logger.Error("watch handler panicked",
				logging.Path(entry.Path),
				logging.Version(entry.Version),
				logging.Any("panic", r))
		}
	}()
	w.handler(entry)
	w.m.metrics.RecordWatchEvent()
}
