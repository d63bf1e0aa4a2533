package pfs

import "github.com/nicexlab/atomicdisk-go/pkg/aead"

// nodeKind distinguishes the three kinds of node in the block graph.
type nodeKind uint8

const (
	kindMetadata nodeKind = iota
	kindMHT
	kindData
)

// node is an in-memory representation of one on-disk block: its identity
// (kind, logical/physical number), its encrypt flags, both the decrypted
// plaintext and (when computed) the ciphertext, and bookkeeping flags used
// by the cache and flush protocol.
//
// A node holds no reference to its parent: the cache is the sole strong
// owner of every resident node, and a child resolves its parent by
// computing the parent's number from its own logical number and looking
// that up in the cache. This avoids a reference
// cycle between a node and the parent that must, in turn, be updated
// whenever the child is re-encrypted.
type node struct {
	kind    nodeKind
	logical uint64
	phys    uint64
	flags   encryptFlags

	plaintext  [BlockSize]byte
	ciphertext [BlockSize]byte
	hasCipher  bool

	newNode     bool
	needWriting bool
	pinned      bool
}

// aad returns the additional authenticated data bound to this node: its
// physical number (8 bytes LE) followed by its encrypt-flags byte. This is
// what ties a ciphertext to its on-disk identity and prevents blocks from
// being silently swapped with one another.
func (n *node) aad() []byte {
	buf := make([]byte, 9)
	putUint64(buf, n.phys)
	buf[8] = byte(n.flags)

	return buf
}

func putUint64(buf []byte, v uint64) {
	for i := range 8 {
		buf[i] = byte(v >> (8 * i))
	}
}

// Numbering formulas (§3, bit-exact). Logical numbers count only data
// nodes (data_logical) or only MHT nodes (mht_logical); physical numbers
// are block offsets within the data partition, where block 0 is metadata
// and block 1 is the root MHT.
const (
	dataNodesPerMHT = AttachedDataNodesCount
)

// dataLogicalFromOffset returns the 0-based logical data-node index that
// contains file offset off, which must be >= MDUserDataSize.
func dataLogicalFromOffset(off uint64) uint64 {
	return (off - MDUserDataSize) / BlockSize
}

// mhtLogicalForData returns the logical number of the MHT node that is the
// direct parent of dataLogical.
func mhtLogicalForData(dataLogical uint64) uint64 {
	return dataLogical / dataNodesPerMHT
}

// dataPhysical returns the physical block number of a data node given its
// logical number.
func dataPhysical(dataLogical uint64) uint64 {
	mhtLogical := mhtLogicalForData(dataLogical)

	return dataLogical + 2 + mhtLogical
}

// mhtPhysical returns the physical block number of the MHT node that is
// the direct parent of the data node at dataLogical.
func mhtPhysical(dataLogical uint64) uint64 {
	return dataPhysical(dataLogical) - (dataLogical % dataNodesPerMHT) - 1
}

// childIndexInParent returns the index (0..95) of the data node at
// dataLogical within its parent MHT's DataEntries array.
func childIndexInParent(dataLogical uint64) int {
	return int(dataLogical % dataNodesPerMHT)
}

// mhtPhysicalForLogical returns the physical block number of the MHT node
// with the given logical number, derived from the physical number of that
// MHT's first data child (every MHT node, except possibly a trailing one
// in a not-yet-fully-populated file, owns dataNodesPerMHT data children).
func mhtPhysicalForLogical(mhtLogical uint64) uint64 {
	return mhtPhysical(mhtLogical * dataNodesPerMHT)
}

// mhtParentLogical returns the logical number of mhtLogical's parent MHT
// node and mhtLogical's index within that parent's MHTEntries array. The
// root MHT (logical 0) has no parent.
func mhtParentLogical(mhtLogical uint64) (parentLogical uint64, idxInParent int, isRoot bool) {
	if mhtLogical == 0 {
		return 0, 0, true
	}

	parentLogical = (mhtLogical - 1) / ChildMHTNodesCount
	idxInParent = int((mhtLogical - 1) % ChildMHTNodesCount)

	return parentLogical, idxInParent, false
}

// rootMHTPhysical is the fixed physical block number of the root MHT node.
const rootMHTPhysical = 1

// metadataPhysical is the fixed physical block number of the metadata node.
const metadataPhysical = 0

// newRootMHTNode returns a fresh, empty root MHT node. It is not marked
// dirty at creation: the root MHT is always eagerly resident (unlike
// interior MHTs, which are only created lazily when a data node beneath
// them is written), so marking it dirty here would force it to be
// re-encrypted and written to physical block 1 on every flush even for a
// file whose data never leaves the metadata's inline region. It becomes
// dirty the ordinary way, via collectDirty's ancestor walk, the moment a
// data node below it is actually touched.
func newRootMHTNode() *node {
	return &node{
		kind:    kindMHT,
		phys:    rootMHTPhysical,
		newNode: true,
	}
}

var zeroKey aead.Key
var zeroMac aead.MAC
