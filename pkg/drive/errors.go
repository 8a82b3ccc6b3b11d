package drive

import (
	"context"
	"errors"
	"fmt"

	"github.com/mdheller/hyperdrive/pkg/feed"
	"github.com/mdheller/hyperdrive/pkg/fetch"
	"github.com/mdheller/hyperdrive/pkg/tree"
	"github.com/mdheller/hyperdrive/pkg/validation"
)

// Error codes. They follow the POSIX names callers already know.
const (
	ENOENT     = "ENOENT"
	ENOTDIR    = "ENOTDIR"
	EISDIR     = "EISDIR"
	EEXIST     = "EEXIST"
	ENOTEMPTY  = "ENOTEMPTY"
	EPERM      = "EPERM"
	EROFS      = "EROFS"
	EINVAL     = "EINVAL"
	ENODATA    = "ENODATA"
	ECONNRESET = "ECONNRESET"
	EBADMSG    = "EBADMSG"
	ENOTCACHED = "ENOTCACHED"
	EIO        = "EIO"
)

var (
	ErrNotFound       = tree.ErrNotFound
	ErrNotADirectory  = tree.ErrNotADirectory
	ErrIsADirectory   = errors.New("is a directory")
	ErrExist          = errors.New("file already exists")
	ErrNotEmpty       = errors.New("directory not empty")
	ErrReadOnlyView   = errors.New("checkout is read-only")
	ErrInvalidVersion = errors.New("invalid version")
	ErrNotCached      = errors.New("Block not downloaded")
	ErrClosed         = errors.New("drive is closed")
)

// Error is returned by every drive operation.
type Error struct {
	Op    string
	Path  string
	Code  string
	Cause error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Cause)
	}
	return fmt.Sprintf("%s: %s %s: %v", e.Code, e.Op, e.Path, e.Cause)
}

// Message is the human readable part without the code and path.
func (e *Error) Message() string {
	if errors.Is(e.Cause, ErrNotCached) {
		return ErrNotCached.Error()
	}
	return e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by code, so errors.Is(err, &Error{Code: ENOENT})
// works alongside the sentinel causes.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Code returns the stable code of err, or "" for nil.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return codeOf(err)
}

func codeOf(err error) string {
	switch {
	case errors.Is(err, ErrNotCached):
		return ENOTCACHED
	case errors.Is(err, tree.ErrNotFound):
		return ENOENT
	case errors.Is(err, tree.ErrNotADirectory):
		return ENOTDIR
	case errors.Is(err, ErrIsADirectory):
		return EISDIR
	case errors.Is(err, ErrExist):
		return EEXIST
	case errors.Is(err, ErrNotEmpty):
		return ENOTEMPTY
	case errors.Is(err, ErrReadOnlyView):
		return EROFS
	case errors.Is(err, feed.ErrNotWritable):
		return EPERM
	case errors.Is(err, ErrInvalidVersion), errors.Is(err, validation.ErrInvalidPath):
		return EINVAL
	case errors.Is(err, fetch.ErrReplicationClosed):
		return ECONNRESET
	case errors.Is(err, feed.ErrVerificationFailed):
		return EBADMSG
	case errors.Is(err, feed.ErrBlockUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return ENODATA
	default:
		return EIO
	}
}

// wrapErr turns any error into an *Error for op on path.
func wrapErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Op: op, Path: path, Code: codeOf(err), Cause: err}
}
