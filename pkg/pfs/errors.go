package pfs

import "errors"

// Error classification sentinels. Wrap with fmt.Errorf("pfs: ...: %w", ...)
// at the point of detection; classify with errors.Is.
var (
	// ErrInvalidInput covers invalid options, misaligned buffers, bad path
	// lengths, and unsupported mode combinations.
	ErrInvalidInput = errors.New("pfs: invalid input")

	// ErrNotFound classifies a missing file or block. No function in this
	// package returns it: Open takes an already-open BlockSet, and a block
	// set that holds no protected file fails Open's magic check with
	// ErrIntegrity.
	ErrNotFound = errors.New("pfs: not found")

	// ErrReadOnly is returned when a write is attempted on a file opened
	// without write/append.
	ErrReadOnly = errors.New("pfs: read-only")

	// ErrIntegrity covers bad magic, wrong version, and MAC mismatch.
	ErrIntegrity = errors.New("pfs: integrity check failed")

	// ErrNameMismatch is returned when the stored file_name does not match
	// the name supplied at open.
	ErrNameMismatch = errors.New("pfs: file name mismatch")

	// ErrCorrupted is the status a file moves to when an unrecoverable
	// on-disk inconsistency is detected; subsequent operations fail with
	// this error until ClearError succeeds.
	ErrCorrupted = errors.New("pfs: corrupted")

	// ErrMemoryCorrupted is the status a file moves to when an in-memory
	// invariant is violated (e.g. a poisoned lock). Unlike ErrCorrupted,
	// this status is not recoverable by ClearError.
	ErrMemoryCorrupted = errors.New("pfs: memory corrupted")

	// ErrClosed is returned by any operation on a file after Close.
	ErrClosed = errors.New("pfs: closed")

	// ErrFlush marks a flush-protocol failure. The file moves to a
	// FlushError status, recoverable by ClearError.
	ErrFlush = errors.New("pfs: flush failed")

	// ErrUnexpected covers internal invariant violations that should not be
	// reachable in correct operation.
	ErrUnexpected = errors.New("pfs: unexpected internal error")
)
