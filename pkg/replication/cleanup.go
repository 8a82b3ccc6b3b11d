package replication

import (
	"io"

	"github.com/mdheller/hyperdrive/pkg/logging"
)

// ResourceCleanup closes registered resources in reverse order. It keeps
// multi-step socket setup free of cascading error handling:
//
//	cleanup := NewResourceCleanup(logger)
//	defer cleanup.Cleanup()
//
//	sock, err := pair.NewSocket()
//	if err != nil {
//	    return err
//	}
//	cleanup.Add(sock, "pair socket")
//	if err := sock.Listen(addr); err != nil {
//	    return err // sock is closed by the deferred Cleanup
//	}
//
//	cleanup.Clear()
type ResourceCleanup struct {
	resources []namedCloser
	logger    logging.Logger
}

type namedCloser struct {
	closer io.Closer
	name   string
}

// NewResourceCleanup returns an empty stack. Failures to close are logged
// to logger, which may be nil.
func NewResourceCleanup(logger logging.Logger) *ResourceCleanup {
	return &ResourceCleanup{
		resources: make([]namedCloser, 0, 4),
		logger:    logging.OrNop(logger),
	}
}

// Add registers a resource to be cleaned up.
func (rc *ResourceCleanup) Add(closer io.Closer, name string) {
	rc.resources = append(rc.resources, namedCloser{closer: closer, name: name})
}

// Cleanup closes all registered resources, logging failures. It is
// idempotent.
func (rc *ResourceCleanup) Cleanup() {
	_ = rc.CloseAll()
}

// Clear forgets every resource without closing it. Call it once setup
// succeeded.
func (rc *ResourceCleanup) Clear() {
	rc.resources = rc.resources[:0]
}

// CloseAll closes every resource and returns the first error.
func (rc *ResourceCleanup) CloseAll() error {
	var firstErr error
	for i := len(rc.resources) - 1; i >= 0; i-- {
		r := rc.resources[i]
		if r.closer == nil {
			continue
		}
		if err := r.closer.Close(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			rc.logger.Warn("failed to close resource during cleanup",
				logging.String("resource", r.name),
				logging.Error(err))
		}
	}
	rc.resources = rc.resources[:0]
	return firstErr
}

// Len returns the number of registered resources.
func (rc *ResourceCleanup) Len() int {
	return len(rc.resources)
}
