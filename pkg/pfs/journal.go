package pfs

import (
	"context"
	"fmt"

	"github.com/nicexlab/atomicdisk-go/pkg/blockstore"
)

// journalFlag tags each record in the journal's byte stream.
type journalFlag byte

const (
	journalFlagNode   journalFlag = 0
	journalFlagCommit journalFlag = 1
)

// journalNodeRecordSize is flag(1) + physical_number(8) + ciphertext(4096).
const journalNodeRecordSize = 1 + 8 + BlockSize

// journalAutoFlushThreshold is the in-memory buffer size at which
// appendNode auto-flushes.
const journalAutoFlushThreshold = 4 * 1024 * 1024

// journal is an append-only write-ahead log over its own block region,
// implementing §4.2. It layers a byte-addressable record stream over the
// block-granular BlockStore adapter: block 0 of the region holds the
// length header, and writes/reads of the (generally unaligned) record
// stream are internally split into block-aligned read-modify-write/read
// operations.
type journal struct {
	store *blockstore.Store

	pending     []byte // buffered, not-yet-flushed record bytes
	flushedSize uint64 // bytes already durably written, excluding the header block
}

func newJournal(store *blockstore.Store) *journal {
	return &journal{store: store}
}

// appendNode buffers a Node record for physical block phys whose current
// on-disk ciphertext is preimage (exactly BlockSize bytes). Auto-flushes
// when the pending buffer reaches journalAutoFlushThreshold.
func (j *journal) appendNode(ctx context.Context, phys uint64, preimage []byte) error {
	if len(preimage) != BlockSize {
		return fmt.Errorf("%w: journal preimage must be BlockSize bytes", ErrInvalidInput)
	}

	rec := make([]byte, 0, journalNodeRecordSize)
	rec = append(rec, byte(journalFlagNode))
	rec = appendUint64LE(rec, phys)
	rec = append(rec, preimage...)

	j.pending = append(j.pending, rec...)

	if len(j.pending) >= journalAutoFlushThreshold {
		return j.flush(ctx)
	}

	return nil
}

// commit buffers a Commit record.
func (j *journal) commit() {
	j.pending = append(j.pending, byte(journalFlagCommit))
}

// flush writes the pending buffer to the region (starting right after the
// previously flushed bytes), rewrites the length header, and flushes the
// underlying store.
func (j *journal) flush(ctx context.Context) error {
	if len(j.pending) == 0 {
		return nil
	}

	if err := j.writeRange(ctx, BlockSize+j.flushedSize, j.pending); err != nil {
		return fmt.Errorf("pfs: journal: writing records: %w", err)
	}

	newSize := j.flushedSize + uint64(len(j.pending))

	if err := j.writeHeader(ctx, newSize); err != nil {
		return fmt.Errorf("pfs: journal: writing header: %w", err)
	}

	if err := j.store.Flush(ctx); err != nil {
		return fmt.Errorf("pfs: journal: %w", err)
	}

	j.flushedSize = newSize
	j.pending = j.pending[:0]

	return nil
}

// truncate resets the journal back to empty (length header = 0, i.e. the
// region holds no valid records beyond the header block). Called at flush
// protocol step 10.
func (j *journal) truncate(ctx context.Context) error {
	if err := j.writeHeader(ctx, 0); err != nil {
		return fmt.Errorf("pfs: journal: truncating: %w", err)
	}

	if err := j.store.Flush(ctx); err != nil {
		return fmt.Errorf("pfs: journal: %w", err)
	}

	j.flushedSize = 0
	j.pending = j.pending[:0]

	return nil
}

func (j *journal) writeHeader(ctx context.Context, length uint64) error {
	var buf [BlockSize]byte

	putUint64(buf[:8], length)

	return j.store.Write(ctx, 0, buf[:])
}

func (j *journal) readHeader(ctx context.Context) (uint64, error) {
	var buf [BlockSize]byte

	if err := j.store.Read(ctx, 0, buf[:]); err != nil {
		return 0, err
	}

	return readUint64LE(buf[:8]), nil
}

// recoveryResult is the outcome of journal recovery: the set of physical
// block numbers in the data partition (metadata, MHT or data nodes) whose
// first-logged (pre-transaction) ciphertext was restored because their
// transaction never committed.
type recoveryResult struct {
	RolledBack map[uint64][]byte
}

// recover implements §4.2's recovery algorithm, run unconditionally on
// every open. data is the data-partition Store to restore blocks into.
//
// Interpretation note (journal records straddling a commit): a record
// logged before the transaction's own Commit marker reflects a flush that
// already durably wrote its real (post-image) value to the data partition
// in flush-protocol step 7, before the journal's Commit was even appended
// in step 8 — so replaying that pre-image would revert a successful
// flush. Recovery therefore only ever writes back pre-images for records
// that have no following Commit marker (the uncommitted, in-flight
// transaction), which is the only case where "write back" and "no-op for
// committed transactions" can both hold. The metadata block is logged like
// any other node, so it rolls back the same way for an uncommitted
// transaction; for a committed one, clearMetadataUpdateFlag below handles
// the case where the crash landed between the last commit and the final
// update_flag clear.
func (j *journal) recover(ctx context.Context, data *blockstore.Store, logger Logger, name string) (*recoveryResult, error) {
	length, err := j.readHeader(ctx)
	if err != nil {
		return nil, fmt.Errorf("pfs: journal: reading header: %w", err)
	}

	j.flushedSize = length

	recoveryID := logger.recoveryStarted(name, length)

	raw, err := j.readRange(ctx, BlockSize, length)
	if err != nil {
		return nil, fmt.Errorf("pfs: journal: reading records: %w", err)
	}

	type parsedNode struct {
		phys     uint64
		preimage []byte
	}

	var nodes []parsedNode

	lastCommitIdx := -1

	for off := 0; off < len(raw); {
		remaining := len(raw) - off

		switch journalFlag(raw[off]) {
		case journalFlagCommit:
			lastCommitIdx = len(nodes)
			off++
		case journalFlagNode:
			if remaining < journalNodeRecordSize {
				// Truncated record: stop, preserving the largest valid prefix.
				off = len(raw)
				continue
			}

			phys := readUint64LE(raw[off+1 : off+9])
			preimage := raw[off+9 : off+journalNodeRecordSize]

			nodes = append(nodes, parsedNode{phys: phys, preimage: preimage})
			off += journalNodeRecordSize
		default:
			return nil, fmt.Errorf("%w: journal: unknown record flag %d", ErrCorrupted, raw[off])
		}
	}

	result := &recoveryResult{RolledBack: make(map[uint64][]byte)}

	for i, n := range nodes {
		if i < lastCommitIdx {
			// Part of a completed transaction: the data partition already
			// holds the correct post-image from before the commit was
			// logged. Nothing to do.
			continue
		}

		if _, seen := result.RolledBack[n.phys]; seen {
			continue
		}

		result.RolledBack[n.phys] = n.preimage

		if err := data.Write(ctx, n.phys, n.preimage); err != nil {
			return nil, fmt.Errorf("pfs: journal: restoring block %d: %w", n.phys, err)
		}

		logger.recoveryRolledBack(recoveryID, n.phys)
	}

	if err := data.Flush(ctx); err != nil {
		return nil, fmt.Errorf("pfs: journal: %w", err)
	}

	if err := clearMetadataUpdateFlag(ctx, data); err != nil {
		return nil, fmt.Errorf("pfs: journal: %w", err)
	}

	logger.recoveryFinished(recoveryID, len(result.RolledBack))

	return result, nil
}

// clearMetadataUpdateFlag re-reads the metadata block and, if update_flag is
// still set, clears it and writes the block back. An uncommitted
// transaction's metadata pre-image (restored by the rollback loop above)
// always carries update_flag == 0 already, so this only ever does work for
// a committed transaction whose flush crashed between protocol step 7 and
// step 9. The flag byte is plaintext, so this needs no key material.
func clearMetadataUpdateFlag(ctx context.Context, data *blockstore.Store) error {
	var buf [BlockSize]byte

	if err := data.Read(ctx, metadataPhysical, buf[:]); err != nil {
		return fmt.Errorf("reading metadata block: %w", err)
	}

	if buf[mdOffUpdateFlag] == 0 {
		return nil
	}

	buf[mdOffUpdateFlag] = 0

	if err := data.Write(ctx, metadataPhysical, buf[:]); err != nil {
		return fmt.Errorf("clearing metadata update_flag: %w", err)
	}

	return data.Flush(ctx)
}

// writeRange writes data (of arbitrary length) into the journal region
// starting at byte offset off, performing read-modify-write on any
// partially covered block.
func (j *journal) writeRange(ctx context.Context, off uint64, data []byte) error {
	for len(data) > 0 {
		blockNum := off / BlockSize
		blockOff := int(off % BlockSize)

		n := BlockSize - blockOff
		if n > len(data) {
			n = len(data)
		}

		var buf [BlockSize]byte

		if blockOff != 0 || n < BlockSize {
			if err := j.store.Read(ctx, blockNum, buf[:]); err != nil {
				return err
			}
		}

		copy(buf[blockOff:blockOff+n], data[:n])

		if err := j.store.Write(ctx, blockNum, buf[:]); err != nil {
			return err
		}

		data = data[n:]
		off += uint64(n)
	}

	return nil
}

// readRange reads length bytes from the journal region starting at byte
// offset off.
func (j *journal) readRange(ctx context.Context, off, length uint64) ([]byte, error) {
	out := make([]byte, 0, length)

	for uint64(len(out)) < length {
		remaining := length - uint64(len(out))
		cur := off + uint64(len(out))

		blockNum := cur / BlockSize
		blockOff := int(cur % BlockSize)

		n := BlockSize - blockOff
		if uint64(n) > remaining {
			n = int(remaining)
		}

		var buf [BlockSize]byte

		if err := j.store.Read(ctx, blockNum, buf[:]); err != nil {
			return nil, err
		}

		out = append(out, buf[blockOff:blockOff+n]...)
	}

	return out, nil
}

func appendUint64LE(buf []byte, v uint64) []byte {
	var tmp [8]byte

	putUint64(tmp[:], v)

	return append(buf, tmp[:]...)
}

func readUint64LE(buf []byte) uint64 {
	var v uint64

	for i := range 8 {
		v |= uint64(buf[i]) << (8 * i)
	}

	return v
}
