package pfs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicexlab/atomicdisk-go/pkg/aead"
	"github.com/nicexlab/atomicdisk-go/pkg/blockset"
	"github.com/nicexlab/atomicdisk-go/pkg/blockstore"
)

func newTestCache(t *testing.T, capacityPages int, dataBlocks uint64) *cache {
	t.Helper()

	mem := blockset.NewMemory(dataBlocks)
	store := blockstore.New(mem, 0, dataBlocks)
	engine := newMHTEngine(aead.NewAESGCM128())

	c := newCache(capacityPages, store, engine, Logger{}, "test", flagsUserKey)

	_, err := c.insertRootMHT()
	require.NoError(t, err)

	return c
}

func TestCache_EnsureDataNodeCreatesInteriorMHTBeyondFirstPage(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 256, 300)

	// dataLogical 96 is the first child of interior MHT logical 1, which
	// does not exist yet.
	n, err := c.ensureDataNode(ctx, 96)
	require.NoError(t, err)
	require.Equal(t, kindData, n.kind)
	require.Equal(t, uint64(99), n.phys)

	mht, ok := c.resident(mhtPhysicalForLogical(1))
	require.True(t, ok)
	require.True(t, mht.newNode)
}

func TestCache_TouchDirtyPinsAncestorChain(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 256, 300)

	n, err := c.ensureDataNode(ctx, 0)
	require.NoError(t, err)

	c.touchDirty(n)

	root, ok := c.resident(rootMHTPhysical)
	require.True(t, ok)
	require.True(t, root.pinned)
}

func TestCache_MakeRoomEvictsOldestCleanEntry(t *testing.T) {
	c := newTestCache(t, 2, 300)

	// Root MHT already occupies one slot (clean, just created) and is
	// never itself evictable. Insert one more clean node to fill capacity,
	// then a third to force eviction of the non-root entry.
	a := &node{kind: kindData, phys: 50}
	require.NoError(t, c.insertNew(a))
	require.Equal(t, 2, c.len()) // root MHT + a

	b := &node{kind: kindData, phys: 51}
	require.NoError(t, c.insertNew(b)) // at capacity 2: evicts the oldest non-root clean entry ("a")
	require.Equal(t, 2, c.len())

	_, rootStillResident := c.resident(rootMHTPhysical)
	require.True(t, rootStillResident, "the root MHT must never be evicted")

	_, aStillResident := c.resident(50)
	require.False(t, aStillResident, "the oldest non-root clean entry should have been evicted")

	_, bStillResident := c.resident(51)
	require.True(t, bStillResident)
}

func TestCache_MakeRoomFailsWhenFullOfPinnedNodes(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 1, 300)

	// The root MHT alone already fills the single slot, and is never
	// evictable, so creating any other node must fail with capacity error.
	_, err := c.ensureDataNode(ctx, 0)
	require.ErrorIs(t, err, ErrUnexpected)
}

func TestCache_DropCleanKeepsPinnedAndDirty(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 256, 300)

	n, err := c.ensureDataNode(ctx, 0)
	require.NoError(t, err)
	c.touchDirty(n)

	clean := &node{kind: kindData, phys: 200}
	require.NoError(t, c.insertNew(clean))

	c.dropClean()

	_, dataStillThere := c.resident(dataPhysical(0))
	require.True(t, dataStillThere)

	_, cleanStillThere := c.resident(200)
	require.False(t, cleanStillThere)
}
