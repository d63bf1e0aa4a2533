package blockset

import "errors"

var (
	// ErrInvalidBlockLen is returned when a caller passes a buffer whose
	// length is not exactly BlockSize.
	ErrInvalidBlockLen = errors.New("blockset: buffer length must equal BlockSize")

	// ErrOutOfRange is returned when a block number is beyond the current
	// BlockCount.
	ErrOutOfRange = errors.New("blockset: block number out of range")

	// ErrClosed is returned by any operation on a BlockSet after Close has
	// been called.
	ErrClosed = errors.New("blockset: closed")

	// ErrCrash marks errors originating from [Crash] internals, for use
	// with [errors.Is] in tests.
	ErrCrash = errors.New("blockset: simulated crash")
)
