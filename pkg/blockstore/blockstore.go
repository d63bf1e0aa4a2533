// Package blockstore implements the BlockStore adapter: a fixed-size,
// 4 KiB-block read/write/flush surface over a contiguous sub-range of a
// [blockset.BlockSet]. A [pfs.File] uses two Stores per open file — one over
// the data partition, one over the journal partition — both backed by the
// same underlying BlockSet.
package blockstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/nicexlab/atomicdisk-go/pkg/blockset"
)

// ErrNotBlockSizeAligned is returned by [Store.Read] and [Store.Write] when
// the supplied buffer is not exactly [blockset.BlockSize] bytes.
var ErrNotBlockSizeAligned = errors.New("blockstore: buffer not block-size aligned")

// ErrOutOfRange is returned when a block number falls outside the Store's
// subrange.
var ErrOutOfRange = errors.New("blockstore: block number out of range")

// Store adapts a contiguous range [start, end) of physical block numbers in
// a [blockset.BlockSet] into a zero-based, fixed 4 KiB-block I/O surface.
// Block 0 of the Store corresponds to physical block `start` of the
// underlying BlockSet.
type Store struct {
	blocks     blockset.BlockSet
	start, end uint64
}

// New returns a Store over blocks [start, end) of blocks. end must be
// greater than start; callers are expected to have already validated the
// range against blocks.BlockCount.
func New(blocks blockset.BlockSet, start, end uint64) *Store {
	return &Store{blocks: blocks, start: start, end: end}
}

// BlockCount returns the number of 4 KiB blocks in this Store's subrange.
func (s *Store) BlockCount() uint64 {
	return s.end - s.start
}

// Read reads logical block n (0-based within this Store) into buf.
func (s *Store) Read(ctx context.Context, n uint64, buf []byte) error {
	if len(buf) != blockset.BlockSize {
		return ErrNotBlockSizeAligned
	}

	phys, err := s.physical(n)
	if err != nil {
		return err
	}

	if err := s.blocks.ReadBlock(ctx, phys, buf); err != nil {
		return fmt.Errorf("blockstore: read: %w", err)
	}

	return nil
}

// Write writes buf to logical block n (0-based within this Store). The
// write is not guaranteed durable until Flush succeeds.
func (s *Store) Write(ctx context.Context, n uint64, buf []byte) error {
	if len(buf) != blockset.BlockSize {
		return ErrNotBlockSizeAligned
	}

	phys, err := s.physical(n)
	if err != nil {
		return err
	}

	if err := s.blocks.WriteBlock(ctx, phys, buf); err != nil {
		return fmt.Errorf("blockstore: write: %w", err)
	}

	return nil
}

// Flush commits all writes made through this Store (and any other Store
// sharing the same underlying BlockSet) to stable storage.
func (s *Store) Flush(ctx context.Context) error {
	if err := s.blocks.Flush(ctx); err != nil {
		return fmt.Errorf("blockstore: flush: %w", err)
	}

	return nil
}

func (s *Store) physical(n uint64) (uint64, error) {
	if n >= s.end-s.start {
		return 0, ErrOutOfRange
	}

	return s.start + n, nil
}
