package fs

import (
	"os"

	"golang.org/x/sys/unix"
)

// Real implements [FS] using the real filesystem.
//
// All methods are pure passthroughs to the [os] package with identical
// behavior and error semantics, except ReadAt/WriteAt which go directly
// through pread(2)/pwrite(2) (via [realFile]) rather than os.File's own
// positioned-I/O implementation.
type Real struct{}

// NewReal returns a new [Real] filesystem.
func NewReal() *Real {
	return &Real{}
}

// A passthrough wrapper for [os.Open].
func (r *Real) Open(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	return &realFile{f}, nil
}

// A passthrough wrapper for [os.OpenFile].
func (r *Real) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &realFile{f}, nil
}

// A passthrough wrapper for [os.Stat].
func (r *Real) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

// A passthrough wrapper for [os.Remove].
func (r *Real) Remove(path string) error {
	return os.Remove(path)
}

// A passthrough wrapper for [os.Rename].
func (r *Real) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// Compile-time interface check.
var _ FS = (*Real)(nil)

// realFile wraps an *os.File, overriding ReadAt/WriteAt to call
// pread(2)/pwrite(2) directly rather than relying on os.File's internal
// retry loop, so block-addressed I/O stays on one syscall per call. A
// short count is returned as is, without an error and without a retry.
type realFile struct {
	*os.File
}

func (f *realFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := unix.Pread(int(f.File.Fd()), p, off)
	if err != nil {
		return n, &os.PathError{Op: "pread", Path: f.File.Name(), Err: err}
	}

	return n, nil
}

func (f *realFile) WriteAt(p []byte, off int64) (int, error) {
	n, err := unix.Pwrite(int(f.File.Fd()), p, off)
	if err != nil {
		return n, &os.PathError{Op: "pwrite", Path: f.File.Name(), Err: err}
	}

	return n, nil
}

// Compile-time interface check.
var _ File = (*realFile)(nil)
