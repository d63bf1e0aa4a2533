package pfs

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicexlab/atomicdisk-go/pkg/aead"
	"github.com/nicexlab/atomicdisk-go/pkg/blockset"
)

func testKey(b byte) aead.Key {
	var k aead.Key
	for i := range k {
		k[i] = b
	}

	return k
}

func writeOpts() Options {
	return Options{Write: true}
}

func readOpts() Options {
	return Options{Read: true}
}

// TestFile_SmallInlineWriteRoundTrip is scenario 1 from the module's
// testable-properties section: a write small enough to stay inside the
// metadata's inline region must never touch the data node graph.
func TestFile_SmallInlineWriteRoundTrip(t *testing.T) {
	mem := blockset.NewMemory(32)
	mode := UserKey(testKey(0x42))

	f, err := Create(mem, "alpha", writeOpts(), mode)
	require.NoError(t, err)

	n, err := f.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	require.NoError(t, f.Flush())
	require.NoError(t, f.Close())

	// The root MHT (physical block 1) must be untouched: no data node was
	// ever allocated.
	var zero [BlockSize]byte
	require.Equal(t, zero, mem.Snapshot(1))

	f2, err := Open(mem, "alpha", readOpts(), mode)
	require.NoError(t, err)

	require.Equal(t, uint64(5), f2.FileSize())

	buf := make([]byte, 5)
	n, err = f2.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

// TestFile_SingleBlockCrossing is scenario 2: a write that starts exactly
// at the boundary between the inline region and the data-node graph.
func TestFile_SingleBlockCrossing(t *testing.T) {
	ctx := context.Background()
	_ = ctx

	mem := blockset.NewMemory(32)
	mode := UserKey(testKey(0x11))

	f, err := Create(mem, "beta", writeOpts(), mode)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{'X'}, BlockSize)
	n, err := f.WriteAt(payload, MDUserDataSize)
	require.NoError(t, err)
	require.Equal(t, BlockSize, n)

	require.NoError(t, f.Flush())
	require.Equal(t, uint64(MDUserDataSize+BlockSize), f.FileSize())
	require.NoError(t, f.Close())

	// Exactly one data node (physical 2) and the root MHT (physical 1)
	// must be allocated; neither is all-zero any more.
	var zero [BlockSize]byte
	require.NotEqual(t, zero, mem.Snapshot(1))
	require.NotEqual(t, zero, mem.Snapshot(2))

	f2, err := Open(mem, "beta", readOpts(), mode)
	require.NoError(t, err)

	got := make([]byte, MDUserDataSize+BlockSize)
	n, err = f2.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, len(got), n)

	want := make([]byte, MDUserDataSize+BlockSize)
	copy(want[MDUserDataSize:], payload)
	require.Equal(t, want, got)
}

// TestFile_MultiMHTExpansion is scenario 3: enough data to spill past the
// first MHT's 96 data-node capacity into a second, interior MHT.
func TestFile_MultiMHTExpansion(t *testing.T) {
	mem := blockset.NewMemory(160)
	mode := UserKey(testKey(0x77))

	// Every node stays dirty (and so non-evictable) until Flush: root MHT +
	// MHT logical-1 + 100 data nodes must all fit in the cache at once.
	opts := writeOpts()
	opts.CachePages = 128

	f, err := Create(mem, "gamma", opts, mode)
	require.NoError(t, err)

	const blocks = 100

	patterns := make([][]byte, blocks)

	for i := 0; i < blocks; i++ {
		patterns[i] = bytes.Repeat([]byte{byte(i)}, BlockSize)

		off := MDUserDataSize + uint64(i)*BlockSize

		n, err := f.WriteAt(patterns[i], off)
		require.NoError(t, err)
		require.Equal(t, BlockSize, n)
	}

	require.NoError(t, f.Flush())
	require.NoError(t, f.Close())

	// Physical layout per §6.1: metadata(0), root MHT(1), 96 data(2..97),
	// MHT logical-1(98), then the remaining 4 data nodes(99..102).
	var zero [BlockSize]byte
	require.NotEqual(t, zero, mem.Snapshot(98), "interior MHT must be materialized")
	require.NotEqual(t, zero, mem.Snapshot(102))

	f2, err := Open(mem, "gamma", readOpts(), mode)
	require.NoError(t, err)

	for i := 0; i < blocks; i++ {
		got := make([]byte, BlockSize)
		off := MDUserDataSize + uint64(i)*BlockSize

		_, err := f2.ReadAt(got, int64(off))
		require.NoError(t, err)
		require.Equal(t, patterns[i], got, "block %d", i)
	}
}

func TestFile_NameMismatchOnOpen(t *testing.T) {
	mem := blockset.NewMemory(32)
	mode := UserKey(testKey(0x01))

	f, err := Create(mem, "original-name", writeOpts(), mode)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(mem, "different-name", readOpts(), mode)
	require.ErrorIs(t, err, ErrNameMismatch)
}

// TestFile_IntegrityFlipDetected is scenario 6: flipping a bit in an
// on-disk data node's ciphertext must surface a MAC-mismatch-class error
// on the read that reaches it, and transition the handle to Corrupted.
func TestFile_IntegrityFlipDetected(t *testing.T) {
	mem := blockset.NewMemory(32)
	mode := UserKey(testKey(0x22))

	f, err := Create(mem, "delta", writeOpts(), mode)
	require.NoError(t, err)

	_, err = f.WriteAt(bytes.Repeat([]byte{'Z'}, BlockSize), MDUserDataSize)
	require.NoError(t, err)
	require.NoError(t, f.Flush())
	require.NoError(t, f.Close())

	mem.Corrupt(2, 0, 0xFF)

	f2, err := Open(mem, "delta", readOpts(), mode)
	require.NoError(t, err, "corrupting a data node must not block open; only a read that reaches it fails")

	buf := make([]byte, BlockSize)
	_, err = f2.ReadAt(buf, MDUserDataSize)
	require.ErrorIs(t, err, ErrIntegrity)

	_, err = f2.ReadAt(buf, MDUserDataSize)
	require.ErrorIs(t, err, ErrCorrupted, "status must be sticky after the integrity failure")
}

func TestFile_OptionsValidation(t *testing.T) {
	mem := blockset.NewMemory(32)
	mode := UserKey(testKey(0x03))

	_, err := Create(mem, "x", Options{}, mode)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = Create(mem, "x", Options{Read: true, Write: true}, mode)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestFile_AutoKeyRequiresPolicy(t *testing.T) {
	mem := blockset.NewMemory(32)

	_, err := Create(mem, "x", writeOpts(), AutoKey(0))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestFile_SetLenShrinksAndLazilyGrows(t *testing.T) {
	mem := blockset.NewMemory(32)
	mode := UserKey(testKey(0x44))

	f, err := Create(mem, "eps", writeOpts(), mode)
	require.NoError(t, err)

	_, err = f.Write([]byte("hello world"))
	require.NoError(t, err)

	require.NoError(t, f.SetLen(5))
	require.Equal(t, uint64(5), f.FileSize())

	require.NoError(t, f.SetLen(20))
	require.Equal(t, uint64(20), f.FileSize())

	require.NoError(t, f.Flush())
	require.NoError(t, f.Close())

	f2, err := Open(mem, "eps", readOpts(), mode)
	require.NoError(t, err)
	require.Equal(t, uint64(20), f2.FileSize())
}

func TestFile_RenameRequiresMatchingOldNameAndAFlush(t *testing.T) {
	mem := blockset.NewMemory(32)
	mode := UserKey(testKey(0x55))

	f, err := Create(mem, "old-name", writeOpts(), mode)
	require.NoError(t, err)

	require.ErrorIs(t, f.Rename("wrong-name", "new-name"), ErrNameMismatch)

	require.NoError(t, f.Rename("old-name", "new-name"))
	require.NoError(t, f.Flush())
	require.NoError(t, f.Close())

	_, err = Open(mem, "old-name", readOpts(), mode)
	require.ErrorIs(t, err, ErrNameMismatch)

	f2, err := Open(mem, "new-name", readOpts(), mode)
	require.NoError(t, err)
	require.NoError(t, f2.Close())
}

func TestFile_ClearErrorRestoresPriorStatus(t *testing.T) {
	mem := blockset.NewMemory(32)
	mode := UserKey(testKey(0x66))

	f, err := Create(mem, "zeta", writeOpts(), mode)
	require.NoError(t, err)

	_, err = f.WriteAt(bytes.Repeat([]byte{'Q'}, BlockSize), MDUserDataSize)
	require.NoError(t, err)
	require.NoError(t, f.Flush())
	require.NoError(t, f.Close())

	mem.Corrupt(2, 0, 0xFF)

	f2, err := Open(mem, "zeta", readOpts(), mode)
	require.NoError(t, err)

	buf := make([]byte, BlockSize)
	_, err = f2.ReadAt(buf, MDUserDataSize)
	require.ErrorIs(t, err, ErrIntegrity)

	// The sticky error blocks further reads...
	_, err = f2.ReadAt(buf, MDUserDataSize)
	require.ErrorIs(t, err, ErrCorrupted)

	// ...until ClearError, after which the underlying corruption (still
	// present on disk) surfaces again rather than silently succeeding.
	require.NoError(t, f2.ClearError())
	_, err = f2.ReadAt(buf, MDUserDataSize)
	require.ErrorIs(t, err, ErrIntegrity)
}

// TestFile_CachePinCorrectness verifies the module's cache-pin-correctness
// property: under a cache too small for the working set, an operation
// that would have to evict a dirty/pinned node instead fails explicitly
// rather than silently dropping data.
func TestFile_CachePinCorrectness(t *testing.T) {
	mem := blockset.NewMemory(160)
	mode := UserKey(testKey(0x88))

	opts := writeOpts()
	opts.CachePages = 3 // root MHT + 2 data nodes exactly fills it

	f, err := Create(mem, "theta", opts, mode)
	require.NoError(t, err)

	block := bytes.Repeat([]byte{'D'}, BlockSize)

	_, err = f.WriteAt(block, MDUserDataSize)
	require.NoError(t, err)

	_, err = f.WriteAt(block, MDUserDataSize+BlockSize)
	require.NoError(t, err)

	// A third, distinct data node forces allocating a new interior MHT
	// (data-logical 96 lives under MHT-logical 1): with the cache already
	// full of the pinned root and two pinned dirty data nodes, there is
	// nothing left to evict.
	_, err = f.WriteAt(block, MDUserDataSize+96*BlockSize)
	require.ErrorIs(t, err, ErrUnexpected)
}

// TestFile_CrashConsistencyNoIntermediateState implements the module's
// commit-atomicity property directly: it records every physical block
// write made by a single Flush call and, for every possible crash point
// (prefix of that write sequence actually landing on disk), asserts that
// re-opening the file yields either the pre-flush (T1) or post-flush (T2)
// state of the modified block -- never anything in between.
func TestFile_CrashConsistencyNoIntermediateState(t *testing.T) {
	ctx := context.Background()

	const total = 160

	mode := UserKey(testKey(0x99))
	const name = "crashy"

	base := blockset.NewMemory(total)
	rec := &recordingBlockSet{BlockSet: base}

	f, err := Create(rec, name, writeOpts(), mode)
	require.NoError(t, err)

	oldBlock := bytes.Repeat([]byte{'A'}, BlockSize)

	_, err = f.WriteAt(oldBlock, MDUserDataSize)
	require.NoError(t, err)
	require.NoError(t, f.Flush()) // T1

	t1 := snapshotAll(t, base, total)

	rec.writes = nil // only record what the *next* flush actually writes

	newBlock := bytes.Repeat([]byte{'B'}, BlockSize)

	_, err = f.WriteAt(newBlock, MDUserDataSize)
	require.NoError(t, err)
	require.NoError(t, f.Flush()) // T2

	writes := rec.writes
	require.NotEmpty(t, writes)

	for prefix := 0; prefix <= len(writes); prefix++ {
		replay := blockset.NewMemory(total)
		seedMemory(ctx, t, replay, t1)

		for _, w := range writes[:prefix] {
			require.NoError(t, replay.WriteBlock(ctx, w.n, w.buf[:]))
		}

		rf, err := Open(replay, name, readOpts(), mode)
		if err != nil {
			// A partially-written, not-yet-committed transaction must
			// still be recoverable; Open itself should not fail.
			t.Fatalf("prefix %d/%d: open failed: %v", prefix, len(writes), err)
		}

		got := make([]byte, BlockSize)
		_, err = rf.ReadAt(got, MDUserDataSize)
		require.NoError(t, err, "prefix %d/%d", prefix, len(writes))

		isOld := bytes.Equal(got, oldBlock)
		isNew := bytes.Equal(got, newBlock)
		require.True(t, isOld || isNew, "prefix %d/%d: block is neither T1 nor T2 content", prefix, len(writes))

		require.NoError(t, rf.Close())
	}
}

// TestFile_CrashDiscardsUnflushedWrites models scenario 4 (rollback before
// commit) at its coarsest possible granularity: a write that never reached
// Flush at all must not survive a crash, since nothing was ever handed to
// the backing store.
func TestFile_CrashDiscardsUnflushedWrites(t *testing.T) {
	const name = "unflushed"

	mode := UserKey(testKey(0xAA))

	crash := blockset.NewCrash(160, blockset.CrashConfig{})

	f, err := Create(crash, name, writeOpts(), mode)
	require.NoError(t, err)

	oldBlock := bytes.Repeat([]byte{'A'}, BlockSize)
	_, err = f.WriteAt(oldBlock, MDUserDataSize)
	require.NoError(t, err)
	require.NoError(t, f.Flush())

	newBlock := bytes.Repeat([]byte{'B'}, BlockSize)
	_, err = f.WriteAt(newBlock, MDUserDataSize)
	require.NoError(t, err) // lands in the page cache only, never flushed

	after := crash.SimulateCrash()

	rf, err := Open(after, name, readOpts(), mode)
	require.NoError(t, err)

	got := make([]byte, BlockSize)
	_, err = rf.ReadAt(got, MDUserDataSize)
	require.NoError(t, err)
	require.Equal(t, oldBlock, got, "an unflushed write must never survive a crash")
}

// TestFile_CrashAfterSuccessfulFlushIsANoOp models scenario 5 (replay after
// commit): simulating a crash right after a Flush that ran to completion
// must reproduce exactly the flushed state, with nothing left for journal
// recovery to do.
func TestFile_CrashAfterSuccessfulFlushIsANoOp(t *testing.T) {
	const name = "committed"

	mode := UserKey(testKey(0xBB))

	crash := blockset.NewCrash(160, blockset.CrashConfig{})

	f, err := Create(crash, name, writeOpts(), mode)
	require.NoError(t, err)

	block := bytes.Repeat([]byte{'C'}, BlockSize)
	_, err = f.WriteAt(block, MDUserDataSize)
	require.NoError(t, err)
	require.NoError(t, f.Flush())

	after := crash.SimulateCrash()

	rf, err := Open(after, name, readOpts(), mode)
	require.NoError(t, err)
	require.Equal(t, uint64(MDUserDataSize+BlockSize), rf.FileSize())

	got := make([]byte, BlockSize)
	_, err = rf.ReadAt(got, MDUserDataSize)
	require.NoError(t, err)
	require.Equal(t, block, got)
}

type writeRecord struct {
	n   uint64
	buf [BlockSize]byte
}

// recordingBlockSet wraps a [blockset.BlockSet] and records every
// WriteBlock call, in order, alongside applying it -- used by crash tests
// to replay an exact prefix of a flush's physical writes.
type recordingBlockSet struct {
	blockset.BlockSet
	writes []writeRecord
}

func (r *recordingBlockSet) WriteBlock(ctx context.Context, n uint64, buf []byte) error {
	var rec writeRecord
	rec.n = n
	copy(rec.buf[:], buf)
	r.writes = append(r.writes, rec)

	return r.BlockSet.WriteBlock(ctx, n, buf)
}

func snapshotAll(t *testing.T, mem *blockset.Memory, total uint64) [][BlockSize]byte {
	t.Helper()

	out := make([][BlockSize]byte, total)
	for i := uint64(0); i < total; i++ {
		out[i] = mem.Snapshot(i)
	}

	return out
}

func seedMemory(ctx context.Context, t *testing.T, mem *blockset.Memory, snap [][BlockSize]byte) {
	t.Helper()

	for i, block := range snap {
		require.NoError(t, mem.WriteBlock(ctx, uint64(i), block[:]))
	}
}
