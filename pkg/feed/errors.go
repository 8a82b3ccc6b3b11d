package feed

import "errors"

var (
	// ErrNotWritable is returned by Append on a feed without a secret key.
	ErrNotWritable = errors.New("feed is not writable")

	// ErrBlockUnavailable means the block is not stored locally and no
	// peer supplied it.
	ErrBlockUnavailable = errors.New("block unavailable")

	// ErrVerificationFailed means a block, proof or head failed its Merkle
	// or signature check. Such data is never stored.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrOutOfRange is returned for indexes at or beyond a writable
	// feed's length.
	ErrOutOfRange = errors.New("block index out of range")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("feed closed")
)
