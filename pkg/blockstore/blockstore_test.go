package blockstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicexlab/atomicdisk-go/pkg/blockset"
	"github.com/nicexlab/atomicdisk-go/pkg/blockstore"
)

func TestStore_ReadWriteTranslatesToSubrange(t *testing.T) {
	ctx := context.Background()
	backing := blockset.NewMemory(10)

	s := blockstore.New(backing, 3, 7)
	require.Equal(t, uint64(4), s.BlockCount())

	buf := make([]byte, blockset.BlockSize)
	for i := range buf {
		buf[i] = 0xAB
	}

	require.NoError(t, s.Write(ctx, 1, buf))
	require.NoError(t, s.Flush(ctx))

	// Logical block 1 of the store is physical block 4 of the backing set.
	snap := backing.Snapshot(4)
	require.Equal(t, buf, snap[:])

	got := make([]byte, blockset.BlockSize)
	require.NoError(t, s.Read(ctx, 1, got))
	require.Equal(t, buf, got)
}

func TestStore_OutOfRange(t *testing.T) {
	ctx := context.Background()
	backing := blockset.NewMemory(10)
	s := blockstore.New(backing, 0, 4)

	buf := make([]byte, blockset.BlockSize)
	require.ErrorIs(t, s.Read(ctx, 4, buf), blockstore.ErrOutOfRange)
	require.ErrorIs(t, s.Write(ctx, 100, buf), blockstore.ErrOutOfRange)
}

func TestStore_RejectsMisalignedBuffer(t *testing.T) {
	ctx := context.Background()
	backing := blockset.NewMemory(4)
	s := blockstore.New(backing, 0, 4)

	require.ErrorIs(t, s.Read(ctx, 0, make([]byte, 10)), blockstore.ErrNotBlockSizeAligned)
	require.ErrorIs(t, s.Write(ctx, 0, make([]byte, 10)), blockstore.ErrNotBlockSizeAligned)
}
