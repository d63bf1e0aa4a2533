package blockset

import (
	"context"
	"sync"
)

// Memory is an in-memory [BlockSet], for use in unit tests that don't need
// a real file. It additionally exposes [Memory.Corrupt] so integrity tests
// can flip bits in already-written ciphertext without going through the
// normal write path.
type Memory struct {
	mu     sync.Mutex
	blocks [][BlockSize]byte
	closed bool
}

// NewMemory returns an empty [Memory] BlockSet with blockCount zeroed blocks.
func NewMemory(blockCount uint64) *Memory {
	return &Memory{blocks: make([][BlockSize]byte, blockCount)}
}

// BlockCount implements [BlockSet].
func (m *Memory) BlockCount(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	return uint64(len(m.blocks)), nil
}

// ReadBlock implements [BlockSet].
func (m *Memory) ReadBlock(_ context.Context, n uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if err := checkBlockLen(buf); err != nil {
		return err
	}

	if n >= uint64(len(m.blocks)) {
		return ErrOutOfRange
	}

	copy(buf, m.blocks[n][:])

	return nil
}

// WriteBlock implements [BlockSet].
func (m *Memory) WriteBlock(_ context.Context, n uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if err := checkBlockLen(buf); err != nil {
		return err
	}

	if n >= uint64(len(m.blocks)) {
		return ErrOutOfRange
	}

	copy(m.blocks[n][:], buf)

	return nil
}

// Flush implements [BlockSet]. It is a no-op: Memory has no backing store
// to flush to.
func (m *Memory) Flush(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	return nil
}

// Close implements [BlockSet].
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}

// Corrupt flips the bits of mask into the block at physical block number n,
// bypassing WriteBlock. Intended for tests that assert AEAD tag verification
// rejects tampered ciphertext.
func (m *Memory) Corrupt(n uint64, offset int, mask byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n >= uint64(len(m.blocks)) || offset < 0 || offset >= BlockSize {
		return
	}

	m.blocks[n][offset] ^= mask
}

// Snapshot returns a copy of the raw block contents, for test assertions.
func (m *Memory) Snapshot(n uint64) [BlockSize]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.blocks[n]
}
