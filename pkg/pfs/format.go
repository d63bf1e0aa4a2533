package pfs

import (
	"encoding/binary"

	"github.com/nicexlab/atomicdisk-go/pkg/aead"
	"github.com/nicexlab/atomicdisk-go/pkg/blockset"
)

// On-disk layout constants. Bit-exact; do not change without a version bump.
const (
	// BlockSize is the fixed size of every node, in bytes.
	BlockSize = blockset.BlockSize

	// AttachedDataNodesCount is the number of data-node children of a
	// single MHT node.
	AttachedDataNodesCount = 96

	// ChildMHTNodesCount is the number of interior-MHT children of a
	// single MHT node.
	ChildMHTNodesCount = 32

	// MDUserDataSize is the size, in bytes, of the inline user-data region
	// carried directly in the encrypted metadata payload.
	MDUserDataSize = 3072

	// FilenameMaxLen is the maximum length, in bytes, of a stored file name
	// (null-padded).
	FilenameMaxLen = 260

	fileMagic          = "SGXF"
	fileMajorVersion   = 1
	fileMinorVersion   = 0
)

// encryptFlags identifies which key derivation mode produced a node's
// metadata key. Stored as a single byte in the metadata plaintext header.
type encryptFlags uint8

const (
	flagsIntegrityOnly encryptFlags = 0
	flagsUserKey       encryptFlags = 1
	flagsAutoKey       encryptFlags = 2
)

// keyPolicy bits, OR-combined.
const (
	policyMRENCLAVE uint8 = 1 << 0
	policyMRSIGNER  uint8 = 1 << 1
)

// metadata plaintext header offsets. The header occupies the first portion
// of block 0; the remainder of the block is the encrypted payload.
const (
	mdOffMagic         = 0  // [4]byte
	mdOffMajorVersion  = 4  // uint8
	mdOffMinorVersion  = 5  // uint8
	mdOffUpdateFlag    = 6  // uint8
	mdOffEncryptFlags  = 7  // uint8
	mdOffKeyPolicy     = 8  // uint8
	mdOffReserved      = 9  // 7 bytes padding to the nonce
	mdOffNonce         = 16 // [32]byte: per-mode nonce/salt
	mdOffMAC           = 48 // [16]byte: mac over the encrypted payload
	mdOffCiphertext    = 64 // encrypted payload starts here

	mdHeaderSize = mdOffCiphertext
)

// Size of the encrypted metadata payload (everything after the plaintext
// header, encrypted as a single AEAD call).
const mdPayloadSize = BlockSize - mdHeaderSize

// encrypted metadata payload offsets, relative to the start of the
// (decrypted) payload.
const (
	payloadOffFileName  = 0                                   // [FilenameMaxLen]byte
	payloadOffSize      = payloadOffFileName + FilenameMaxLen  // uint64
	payloadOffMHTKey    = payloadOffSize + 8                   // [16]byte
	payloadOffMHTMac    = payloadOffMHTKey + aead.KeySize       // [16]byte
	payloadOffInline    = payloadOffMHTMac + aead.MacSize        // [MDUserDataSize]byte
)

// metadataHeader is the plaintext portion of the metadata block (block 0 of
// the data partition).
type metadataHeader struct {
	Magic        [4]byte
	MajorVersion uint8
	MinorVersion uint8
	UpdateFlag   uint8
	EncryptFlags encryptFlags
	KeyPolicy    uint8
	Nonce        [32]byte
	MAC          aead.MAC
}

// encodeMetadataHeader serializes h into the first mdHeaderSize bytes of
// buf. buf must be at least BlockSize bytes.
func encodeMetadataHeader(buf []byte, h *metadataHeader) {
	copy(buf[mdOffMagic:], h.Magic[:])
	buf[mdOffMajorVersion] = h.MajorVersion
	buf[mdOffMinorVersion] = h.MinorVersion
	buf[mdOffUpdateFlag] = h.UpdateFlag
	buf[mdOffEncryptFlags] = byte(h.EncryptFlags)
	buf[mdOffKeyPolicy] = h.KeyPolicy
	copy(buf[mdOffNonce:], h.Nonce[:])
	copy(buf[mdOffMAC:], h.MAC[:])
}

// decodeMetadataHeader parses the plaintext header out of buf.
func decodeMetadataHeader(buf []byte) metadataHeader {
	var h metadataHeader

	copy(h.Magic[:], buf[mdOffMagic:mdOffMagic+4])
	h.MajorVersion = buf[mdOffMajorVersion]
	h.MinorVersion = buf[mdOffMinorVersion]
	h.UpdateFlag = buf[mdOffUpdateFlag]
	h.EncryptFlags = encryptFlags(buf[mdOffEncryptFlags])
	h.KeyPolicy = buf[mdOffKeyPolicy]
	copy(h.Nonce[:], buf[mdOffNonce:mdOffNonce+32])
	copy(h.MAC[:], buf[mdOffMAC:mdOffMAC+aead.MacSize])

	return h
}

// metadataPayload is the encrypted portion of the metadata block.
type metadataPayload struct {
	FileName   [FilenameMaxLen]byte
	Size       uint64
	MHTKey     aead.Key
	MHTMac     aead.MAC
	InlineData [MDUserDataSize]byte
}

func encodeMetadataPayload(p *metadataPayload) []byte {
	buf := make([]byte, mdPayloadSize)

	copy(buf[payloadOffFileName:], p.FileName[:])
	binary.LittleEndian.PutUint64(buf[payloadOffSize:], p.Size)
	copy(buf[payloadOffMHTKey:], p.MHTKey[:])
	copy(buf[payloadOffMHTMac:], p.MHTMac[:])
	copy(buf[payloadOffInline:], p.InlineData[:])

	return buf
}

func decodeMetadataPayload(buf []byte) metadataPayload {
	var p metadataPayload

	copy(p.FileName[:], buf[payloadOffFileName:payloadOffFileName+FilenameMaxLen])
	p.Size = binary.LittleEndian.Uint64(buf[payloadOffSize:])
	copy(p.MHTKey[:], buf[payloadOffMHTKey:payloadOffMHTKey+aead.KeySize])
	copy(p.MHTMac[:], buf[payloadOffMHTMac:payloadOffMHTMac+aead.MacSize])
	copy(p.InlineData[:], buf[payloadOffInline:payloadOffInline+MDUserDataSize])

	return p
}

// mhtEntrySize is the size, in bytes, of one {key, mac} entry's worth of
// storage, though keys and macs are not stored interleaved (see
// encodeMHTNode).
const mhtEntrySize = aead.KeySize + aead.MacSize

// mhtEntryCount is the total number of entries (data-children + mht-children)
// carried by a single MHT node.
const mhtEntryCount = AttachedDataNodesCount + ChildMHTNodesCount

// mhtNode is the plaintext of an MHT node: AttachedDataNodesCount entries
// for data-node children followed by ChildMHTNodesCount entries for
// interior-MHT children.
type mhtNode struct {
	DataEntries [AttachedDataNodesCount]nodeEntry
	MHTEntries  [ChildMHTNodesCount]nodeEntry
}

// nodeEntry is the key/mac pair an MHT stores for one child.
type nodeEntry struct {
	Key aead.Key
	Mac aead.MAC
}

// encodeMHTNode serializes an mhtNode as two contiguous arrays: all
// AttachedDataNodesCount+ChildMHTNodesCount keys, then all
// AttachedDataNodesCount+ChildMHTNodesCount macs. This (rather than
// interleaving key/mac per entry) lets IntegrityOnly mode zero every key
// without touching a single mac byte.
func encodeMHTNode(n *mhtNode) []byte {
	buf := make([]byte, BlockSize)

	keysOff := 0
	macsOff := mhtEntryCount * aead.KeySize

	for i, e := range n.DataEntries {
		copy(buf[keysOff+i*aead.KeySize:], e.Key[:])
		copy(buf[macsOff+i*aead.MacSize:], e.Mac[:])
	}

	base := AttachedDataNodesCount

	for i, e := range n.MHTEntries {
		copy(buf[keysOff+(base+i)*aead.KeySize:], e.Key[:])
		copy(buf[macsOff+(base+i)*aead.MacSize:], e.Mac[:])
	}

	return buf
}

func decodeMHTNode(buf []byte) mhtNode {
	var n mhtNode

	keysOff := 0
	macsOff := mhtEntryCount * aead.KeySize

	for i := range n.DataEntries {
		copy(n.DataEntries[i].Key[:], buf[keysOff+i*aead.KeySize:])
		copy(n.DataEntries[i].Mac[:], buf[macsOff+i*aead.MacSize:])
	}

	base := AttachedDataNodesCount

	for i := range n.MHTEntries {
		copy(n.MHTEntries[i].Key[:], buf[keysOff+(base+i)*aead.KeySize:])
		copy(n.MHTEntries[i].Mac[:], buf[macsOff+(base+i)*aead.MacSize:])
	}

	return n
}
