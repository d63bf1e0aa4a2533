package blockset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	atomicfile "github.com/natefinch/atomic"

	"github.com/nicexlab/atomicdisk-go/pkg/fs"
)

// File is a [BlockSet] backed by a single on-disk file, addressed with
// positioned reads/writes (pread/pwrite via [fs.File]'s ReaderAt/WriterAt)
// rather than a shared seek cursor. Opening a path takes a non-blocking
// flock on a sibling lock file, so a second process opening the same path
// fails fast instead of racing its page cache against ours.
type File struct {
	f      fs.File
	lock   *fs.Lock
	closed bool
}

// Open opens path as a [File] BlockSet. path must already exist; use
// [CreateFile] to provision a new, zero-filled backing file.
func Open(fsys fs.FS, path string) (*File, error) {
	lock, err := fs.NewLocker(fsys).TryLock(lockPath(path))
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, fmt.Errorf("blockset: %q is already open by another process: %w", path, err)
		}

		return nil, fmt.Errorf("blockset: locking %q: %w", path, err)
	}

	f, err := fsys.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		_ = lock.Close()

		return nil, fmt.Errorf("blockset: opening %q: %w", path, err)
	}

	return &File{f: f, lock: lock}, nil
}

func lockPath(path string) string {
	return path + ".lock"
}

// CreateFile atomically provisions a new backing file at path containing
// blockCount zero-filled blocks, and returns it opened as a [File] BlockSet.
//
// The file is written to a temporary location in the same directory and
// renamed into place, so a concurrent reader of path never observes a
// partially written disk image.
func CreateFile(fsys fs.FS, path string, blockCount uint64) (*File, error) {
	size := blockCount * BlockSize

	r := io.LimitReader(zeroReader{}, int64(size))

	if err := atomicfile.WriteFile(path, r); err != nil {
		return nil, fmt.Errorf("blockset: creating %q: %w", path, err)
	}

	return Open(fsys, path)
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)

	return len(p), nil
}

// BlockCount implements [BlockSet].
func (bs *File) BlockCount(_ context.Context) (uint64, error) {
	if bs.closed {
		return 0, ErrClosed
	}

	info, err := bs.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("blockset: stat: %w", err)
	}

	return uint64(info.Size()) / BlockSize, nil
}

// ReadBlock implements [BlockSet].
func (bs *File) ReadBlock(_ context.Context, n uint64, buf []byte) error {
	if bs.closed {
		return ErrClosed
	}

	if err := checkBlockLen(buf); err != nil {
		return err
	}

	off := int64(n) * BlockSize

	_, err := bs.f.ReadAt(buf, off)
	if err != nil {
		return fmt.Errorf("blockset: reading block %d: %w", n, err)
	}

	return nil
}

// WriteBlock implements [BlockSet].
func (bs *File) WriteBlock(_ context.Context, n uint64, buf []byte) error {
	if bs.closed {
		return ErrClosed
	}

	if err := checkBlockLen(buf); err != nil {
		return err
	}

	off := int64(n) * BlockSize

	_, err := bs.f.WriteAt(buf, off)
	if err != nil {
		return fmt.Errorf("blockset: writing block %d: %w", n, err)
	}

	return nil
}

// Flush implements [BlockSet].
func (bs *File) Flush(_ context.Context) error {
	if bs.closed {
		return ErrClosed
	}

	if err := bs.f.Sync(); err != nil {
		return fmt.Errorf("blockset: fsync: %w", err)
	}

	return nil
}

// Close implements [BlockSet].
func (bs *File) Close() error {
	if bs.closed {
		return nil
	}

	bs.closed = true

	closeErr := bs.f.Close()

	var lockErr error
	if bs.lock != nil {
		lockErr = bs.lock.Close()
	}

	if closeErr != nil {
		return fmt.Errorf("blockset: closing: %w", closeErr)
	}

	if lockErr != nil {
		return fmt.Errorf("blockset: releasing lock: %w", lockErr)
	}

	return nil
}
