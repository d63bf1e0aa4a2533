package pfs

import (
	"container/list"
	"context"
	"fmt"

	"github.com/nicexlab/atomicdisk-go/pkg/aead"
	"github.com/nicexlab/atomicdisk-go/pkg/blockstore"
)

// DefaultCachePages is the default page-cache capacity, in 4 KiB pages
// (192 KiB total).
const DefaultCachePages = 48

// cache is the MHT/data-node page cache (§4.6). The metadata node is kept
// separately by the file engine; cache only ever holds MHT and data nodes.
//
// Eviction order is LRU over clean, unpinned entries; any node with
// needWriting set, or that is an ancestor of such a node (pinned), is
// never evicted.
type cache struct {
	capacity int
	store    *blockstore.Store
	engine   *mhtEngine
	logger   Logger
	name     string

	// flags is bound into every resident node's AAD (see node.aad), tying
	// each node's ciphertext to the file's key-derivation mode just as the
	// metadata header's encrypt_flags byte does for the metadata block
	// itself.
	flags encryptFlags

	ll   *list.List // front = most recently used
	byID map[uint64]*list.Element

	rootKey aead.Key
	rootMac aead.MAC
}

func newCache(capacityPages int, store *blockstore.Store, engine *mhtEngine, logger Logger, name string, flags encryptFlags) *cache {
	return &cache{
		capacity: capacityPages,
		store:    store,
		engine:   engine,
		logger:   logger,
		name:     name,
		flags:    flags,
		ll:       list.New(),
		byID:     make(map[uint64]*list.Element),
	}
}

// setRootKey records the root MHT's key/mac, decrypted from the metadata
// payload. Must be called before the first access to the root MHT node.
func (c *cache) setRootKey(key aead.Key, mac aead.MAC) {
	c.rootKey = key
	c.rootMac = mac
}

func (c *cache) resident(phys uint64) (*node, bool) {
	e, ok := c.byID[phys]
	if !ok {
		return nil, false
	}

	c.ll.MoveToFront(e)

	return e.Value.(*node), true
}

// insertRootMHT inserts a freshly-created, empty root MHT node (used by
// Create). The root MHT is always eagerly resident, never fetched lazily.
func (c *cache) insertRootMHT() (*node, error) {
	n := newRootMHTNode()
	n.flags = c.flags

	if err := c.insertNew(n); err != nil {
		return nil, err
	}

	return n, nil
}

// loadRootMHT fetches and decrypts the root MHT node using the key/mac
// recorded via setRootKey (used by Open, once the metadata payload has
// been decrypted).
func (c *cache) loadRootMHT(ctx context.Context) (*node, error) {
	if n, ok := c.resident(rootMHTPhysical); ok {
		return n, nil
	}

	return c.fetchAndDecrypt(ctx, kindMHT, 0, rootMHTPhysical, c.rootKey, c.rootMac)
}

// mhtNode returns the MHT node with the given logical number, fetching and
// decrypting it (and, recursively, any not-yet-resident ancestors) on
// miss. The root MHT must already be resident (via insertRootMHT or
// loadRootMHT) before this is called for any non-root logical number.
func (c *cache) mhtNode(ctx context.Context, mhtLogical uint64) (*node, error) {
	phys := mhtPhysicalForLogical(mhtLogical)

	if n, ok := c.resident(phys); ok {
		return n, nil
	}

	parentLogical, idx, isRoot := mhtParentLogical(mhtLogical)
	if isRoot {
		return nil, fmt.Errorf("%w: root MHT not resident", ErrUnexpected)
	}

	parent, err := c.mhtNode(ctx, parentLogical)
	if err != nil {
		return nil, err
	}

	key, mac := mhtEntry(parent, false, idx)

	return c.fetchAndDecrypt(ctx, kindMHT, mhtLogical, phys, key, mac)
}

// ensureMHTNode is like mhtNode but creates a brand-new, empty interior
// MHT node (pinning its ancestor chain) if the parent's entry shows it was
// never written.
func (c *cache) ensureMHTNode(ctx context.Context, mhtLogical uint64) (*node, error) {
	phys := mhtPhysicalForLogical(mhtLogical)

	if n, ok := c.resident(phys); ok {
		return n, nil
	}

	parentLogical, idx, isRoot := mhtParentLogical(mhtLogical)
	if isRoot {
		return nil, fmt.Errorf("%w: root MHT not resident", ErrUnexpected)
	}

	parent, err := c.ensureMHTNode(ctx, parentLogical)
	if err != nil {
		return nil, err
	}

	key, mac := mhtEntry(parent, false, idx)
	if key == zeroKey && mac == zeroMac {
		n := &node{kind: kindMHT, logical: mhtLogical, phys: phys, flags: c.flags, newNode: true, needWriting: true}

		if err := c.insertNew(n); err != nil {
			return nil, err
		}

		c.pinAncestorChain(mhtLogical)

		return n, nil
	}

	return c.fetchAndDecrypt(ctx, kindMHT, mhtLogical, phys, key, mac)
}

// lookupDataNode returns the data node at dataLogical, or ok == false if
// the corresponding MHT entry shows it was never written.
func (c *cache) lookupDataNode(ctx context.Context, dataLogical uint64) (n *node, ok bool, err error) {
	phys := dataPhysical(dataLogical)

	if n, found := c.resident(phys); found {
		return n, true, nil
	}

	mhtLogical := mhtLogicalForData(dataLogical)
	idx := childIndexInParent(dataLogical)

	parent, err := c.mhtNode(ctx, mhtLogical)
	if err != nil {
		return nil, false, err
	}

	key, mac := mhtEntry(parent, true, idx)
	if key == zeroKey && mac == zeroMac {
		return nil, false, nil
	}

	n, err = c.fetchAndDecrypt(ctx, kindData, dataLogical, phys, key, mac)
	if err != nil {
		return nil, false, err
	}

	return n, true, nil
}

// ensureDataNode returns the data node at dataLogical, creating it (and
// any missing interior MHT ancestors) as a brand-new, zeroed node if it
// has never been written.
func (c *cache) ensureDataNode(ctx context.Context, dataLogical uint64) (*node, error) {
	phys := dataPhysical(dataLogical)

	if n, ok := c.resident(phys); ok {
		return n, nil
	}

	mhtLogical := mhtLogicalForData(dataLogical)
	idx := childIndexInParent(dataLogical)

	parent, err := c.ensureMHTNode(ctx, mhtLogical)
	if err != nil {
		return nil, err
	}

	key, mac := mhtEntry(parent, true, idx)
	if key == zeroKey && mac == zeroMac {
		n := &node{kind: kindData, logical: dataLogical, phys: phys, flags: c.flags, newNode: true, needWriting: true}

		if err := c.insertNew(n); err != nil {
			return nil, err
		}

		c.pinAncestorChain(mhtLogical)

		return n, nil
	}

	return c.fetchAndDecrypt(ctx, kindData, dataLogical, phys, key, mac)
}

func (c *cache) fetchAndDecrypt(ctx context.Context, kind nodeKind, logical, phys uint64, key aead.Key, mac aead.MAC) (*node, error) {
	n := &node{kind: kind, logical: logical, phys: phys, flags: c.flags}

	if err := c.store.Read(ctx, phys, n.ciphertext[:]); err != nil {
		return nil, fmt.Errorf("pfs: block store: %w", err)
	}

	n.hasCipher = true

	if err := c.engine.decrypt(n, key, mac); err != nil {
		return nil, err
	}

	if err := c.makeRoom(); err != nil {
		return nil, err
	}

	c.insert(n)

	return n, nil
}

func (c *cache) insertNew(n *node) error {
	if err := c.makeRoom(); err != nil {
		return err
	}

	c.insert(n)

	return nil
}

func (c *cache) insert(n *node) {
	e := c.ll.PushFront(n)
	c.byID[n.phys] = e
}

// touchDirty marks an already-resident node dirty again (e.g. an existing
// data node being overwritten) and pins its ancestor chain.
func (c *cache) touchDirty(n *node) {
	n.needWriting = true

	mhtLogical := n.logical
	if n.kind == kindData {
		mhtLogical = mhtLogicalForData(n.logical)
	}

	c.pinAncestorChain(mhtLogical)
}

// pinAncestorChain marks every resident MHT node from mhtLogical up to
// (and including) the root as pinned, so that none of them can be evicted
// before the node whose chain this is gets encrypted at flush time.
func (c *cache) pinAncestorChain(mhtLogical uint64) {
	for {
		if n, ok := c.resident(mhtPhysicalForLogical(mhtLogical)); ok {
			n.pinned = true
		}

		parentLogical, _, isRoot := mhtParentLogical(mhtLogical)
		if isRoot {
			return
		}

		mhtLogical = parentLogical
	}
}

// dirtyNodes returns every resident node with needWriting set, in no
// particular order; the caller (flush) sorts them bottom-up.
func (c *cache) dirtyNodes() []*node {
	var out []*node

	for e := c.ll.Front(); e != nil; e = e.Next() {
		n := e.Value.(*node)
		if n.needWriting {
			out = append(out, n)
		}
	}

	return out
}

// clearDirty clears needWriting and pinned on every resident node, called
// at the end of a successful flush.
func (c *cache) clearDirty() {
	for e := c.ll.Front(); e != nil; e = e.Next() {
		n := e.Value.(*node)
		n.needWriting = false
		n.pinned = false
	}
}

// dropClean evicts every currently-clean, unpinned entry, except the root
// MHT (see makeRoom). Used by clear_cache after a flush.
func (c *cache) dropClean() {
	for e := c.ll.Front(); e != nil; {
		next := e.Next()
		n := e.Value.(*node)

		if !n.needWriting && !n.pinned && n.phys != rootMHTPhysical {
			c.ll.Remove(e)
			delete(c.byID, n.phys)
			c.logger.cacheEvicted(c.name, n.phys)
		}

		e = next
	}
}

// makeRoom evicts the oldest evictable (clean, unpinned) entry if the
// cache is at capacity. Returns ErrUnexpected if the cache is full of
// non-evictable entries, which should not occur for a cache sized for its
// working set.
//
// The root MHT is never evicted: unlike every other node, it has no
// parent entry to re-fetch it through once gone (mhtNode/ensureMHTNode
// stop recursing at the root), so losing it would strand the cache with
// no way back to any node beneath it.
func (c *cache) makeRoom() error {
	if c.ll.Len() < c.capacity {
		return nil
	}

	for e := c.ll.Back(); e != nil; e = e.Prev() {
		n := e.Value.(*node)
		if n.needWriting || n.pinned || n.phys == rootMHTPhysical {
			continue
		}

		c.ll.Remove(e)
		delete(c.byID, n.phys)
		c.logger.cacheEvicted(c.name, n.phys)

		return nil
	}

	return fmt.Errorf("%w: page cache full of pinned/dirty nodes", ErrUnexpected)
}

// len returns the number of resident nodes, for tests.
func (c *cache) len() int {
	return c.ll.Len()
}
