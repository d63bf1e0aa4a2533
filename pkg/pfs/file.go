package pfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/nicexlab/atomicdisk-go/pkg/aead"
	"github.com/nicexlab/atomicdisk-go/pkg/blockstore"
)

// Options controls how a file is opened. Exactly one of Read, Write, or
// Append must be set.
type Options struct {
	Read, Write, Append bool

	// Update additionally allows writes at arbitrary offsets when combined
	// with Append (rather than being restricted to append-only semantics).
	Update bool

	// Binary is accepted for API-surface parity with the distilled
	// interface; this implementation treats all files as binary.
	Binary bool

	// CachePages overrides the page cache capacity, in 4 KiB pages. Zero
	// means DefaultCachePages. Must be a positive value if set.
	CachePages int

	// KeyDerivation is required when mode is AutoKey.
	KeyDerivation KeyDerivationService

	// Rand overrides the randomness source for fresh node keys and
	// metadata nonces. Defaults to crypto/rand.
	Rand RandSource

	// Cipher overrides the AEAD primitive used to seal/open every node.
	// Defaults to aead.NewAESGCM128().
	Cipher aead.Cipher

	// Logger receives optional diagnostic events (recovery, flush).
	// Defaults to a no-op logger.
	Logger Logger
}

func (o Options) validate() error {
	count := 0

	for _, set := range []bool{o.Read, o.Write, o.Append} {
		if set {
			count++
		}
	}

	if count != 1 {
		return fmt.Errorf("%w: exactly one of Read, Write, Append must be set", ErrInvalidInput)
	}

	if o.CachePages < 0 {
		return fmt.Errorf("%w: CachePages must not be negative", ErrInvalidInput)
	}

	return nil
}

func (o Options) cachePages() int {
	if o.CachePages == 0 {
		return DefaultCachePages
	}

	return o.CachePages
}

// status is the file handle's internal state machine.
type status uint8

const (
	statusOK status = iota
	statusCorrupted
	statusMemoryCorrupted
	statusFlushError
	statusClosed
)

// File is an open handle to one protected file. All exported methods are
// safe to call from a single goroutine at a time; File serializes its own
// access internally but does not support concurrent calls on the same
// handle (see the module's single-writer concurrency model).
type File struct {
	mu sync.Mutex

	opts Options
	name string

	data    *blockstore.Store
	journal *journal
	cache   *cache
	engine  *mhtEngine
	kg      *keyGenerator
	logger  Logger

	metaKey   aead.Key
	hdr       metadataHeader
	payload   metadataPayload
	metaBlock [BlockSize]byte
	metaDirty bool

	offset uint64
	eof    bool

	status     status
	prevStatus status
}

// guard runs fn under f's mutex, converting any panic (modeling a
// poisoned lock) into a transition to MemoryCorrupted plus ErrUnexpected.
func guard[T any](f *File, fn func() (T, error)) (result T, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			f.status = statusMemoryCorrupted

			var zero T

			result = zero
			err = fmt.Errorf("%w: recovered panic: %v", ErrUnexpected, r)
		}
	}()

	return fn()
}

func guardErr(f *File, fn func() error) error {
	_, err := guard(f, func() (struct{}, error) {
		return struct{}{}, fn()
	})

	return err
}

func (f *File) checkUsable() error {
	switch f.status {
	case statusClosed:
		return ErrClosed
	case statusMemoryCorrupted:
		return ErrMemoryCorrupted
	case statusCorrupted:
		return ErrCorrupted
	case statusFlushError:
		return ErrFlush
	default:
		return nil
	}
}

// fail transitions the file to status s, remembering the status it held
// beforehand (unless already in an error state) so ClearError can restore
// it.
func (f *File) fail(s status) {
	if f.status != statusCorrupted && f.status != statusFlushError {
		f.prevStatus = f.status
	}

	f.status = s
}

// classifyErr transitions the file to Corrupted when err signals an
// integrity failure (bad MAC, bad magic, bad version) surfaced while
// walking the node graph during a read or write. Per the error-handling
// design, any such failure is sticky: subsequent operations fail fast
// until ClearError succeeds. Returns err unchanged.
func (f *File) classifyErr(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrIntegrity) || errors.Is(err, ErrCorrupted) {
		f.fail(statusCorrupted)
	}

	return err
}

// Read implements io.Reader, reading from the current offset and
// advancing it.
func (f *File) Read(p []byte) (int, error) {
	return guard(f, func() (int, error) {
		if err := f.checkUsable(); err != nil {
			return 0, err
		}

		n, err := f.readLocked(context.Background(), p)

		return n, f.classifyErr(err)
	})
}

// ReadAt implements io.ReaderAt.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return guard(f, func() (int, error) {
		if err := f.checkUsable(); err != nil {
			return 0, err
		}

		if off < 0 {
			return 0, fmt.Errorf("%w: negative offset", ErrInvalidInput)
		}

		n, err := f.readAtLocked(context.Background(), p, uint64(off))

		return n, f.classifyErr(err)
	})
}

// Write implements io.Writer, writing at the current offset (or at the
// end of the file, for Append) and advancing the offset.
func (f *File) Write(p []byte) (int, error) {
	return guard(f, func() (int, error) {
		if err := f.checkUsable(); err != nil {
			return 0, err
		}

		n, err := f.writeLocked(context.Background(), p)

		return n, f.classifyErr(err)
	})
}

// WriteAt implements io.WriterAt.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	return guard(f, func() (int, error) {
		if err := f.checkUsable(); err != nil {
			return 0, err
		}

		if off < 0 {
			return 0, fmt.Errorf("%w: negative offset", ErrInvalidInput)
		}

		n, err := f.writeAtLocked(context.Background(), p, uint64(off))

		return n, f.classifyErr(err)
	})
}

// Seek implements io.Seeker.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	return guard(f, func() (int64, error) {
		if err := f.checkUsable(); err != nil {
			return 0, err
		}

		return f.seekLocked(offset, whence)
	})
}

// Tell returns the current offset.
func (f *File) Tell() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return int64(f.offset)
}

// SetLen truncates or (lazily) extends the logical file size.
func (f *File) SetLen(size uint64) error {
	return guardErr(f, func() error {
		if err := f.checkUsable(); err != nil {
			return err
		}

		return f.setLenLocked(size)
	})
}

// Flush runs the 11-step flush protocol (§4.7), persisting all dirty
// nodes and the metadata block durably, or leaves the file able to be
// recovered to its pre-flush state on the next open.
func (f *File) Flush() error {
	return guardErr(f, func() error {
		if err := f.checkUsable(); err != nil {
			return err
		}

		if err := f.flushLocked(context.Background()); err != nil {
			f.logger.flushFailed(f.name, err)
			return err
		}

		return nil
	})
}

// Close flushes, marks the handle Closed, and drops the cache.
func (f *File) Close() error {
	return guardErr(f, func() error {
		if f.status == statusClosed {
			return nil
		}

		flushErr := f.flushLocked(context.Background())
		if flushErr != nil {
			f.logger.flushFailed(f.name, flushErr)
		}

		f.status = statusClosed
		f.cache = nil

		return flushErr
	})
}

// FileSize returns the logical file size in bytes.
func (f *File) FileSize() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.payload.Size
}

// IsEOF reports whether the most recent read reached the end of the file.
func (f *File) IsEOF() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.eof
}

// MetadataMAC returns the MAC currently stored in the metadata plaintext
// header.
func (f *File) MetadataMAC() ([16]byte, error) {
	return guard(f, func() ([16]byte, error) {
		if err := f.checkUsable(); err != nil {
			return [16]byte{}, err
		}

		return [16]byte(f.hdr.MAC), nil
	})
}

// ClearCache flushes, then evicts every clean (non-pinned) node.
func (f *File) ClearCache() error {
	return guardErr(f, func() error {
		if err := f.checkUsable(); err != nil {
			return err
		}

		if err := f.flushLocked(context.Background()); err != nil {
			return err
		}

		f.cache.dropClean()

		return nil
	})
}

// ClearError resets status from Corrupted or FlushError back to the
// status held immediately before the error was recorded. Returns
// ErrUnexpected if the file is MemoryCorrupted or Closed.
func (f *File) ClearError() error {
	return guardErr(f, func() error {
		if f.status == statusMemoryCorrupted || f.status == statusClosed {
			return fmt.Errorf("%w: cannot clear error from this state", ErrUnexpected)
		}

		if f.status == statusCorrupted || f.status == statusFlushError {
			f.status = f.prevStatus
		}

		return nil
	})
}

// Rename updates the file_name stored in the encrypted metadata payload.
// The change is only durable after the next successful Flush. oldName
// must match the name used to open this handle.
func (f *File) Rename(oldName, newName string) error {
	return guardErr(f, func() error {
		if err := f.checkUsable(); err != nil {
			return err
		}

		if oldName != f.name {
			return ErrNameMismatch
		}

		if len(newName) > FilenameMaxLen {
			return fmt.Errorf("%w: file name too long", ErrInvalidInput)
		}

		var buf [FilenameMaxLen]byte

		copy(buf[:], newName)
		f.payload.FileName = buf
		f.name = newName
		f.metaDirty = true

		return nil
	})
}

func (f *File) readLocked(ctx context.Context, p []byte) (int, error) {
	n, err := f.readAtLocked(ctx, p, f.offset)
	f.offset += uint64(n)

	return n, err
}

func (f *File) readAtLocked(ctx context.Context, p []byte, off uint64) (int, error) {
	if off >= f.payload.Size {
		f.eof = true
		return 0, nil
	}

	end := off + uint64(len(p))
	if end >= f.payload.Size {
		end = f.payload.Size
		f.eof = true
	} else {
		f.eof = false
	}

	total := 0
	cur := off

	for cur < end {
		n, err := f.readChunk(ctx, cur, p[total:total+int(end-cur)])
		if err != nil {
			return total, err
		}

		total += n
		cur += uint64(n)
	}

	return total, nil
}

func (f *File) readChunk(ctx context.Context, off uint64, dst []byte) (int, error) {
	if off < MDUserDataSize {
		n := copy(dst, f.payload.InlineData[off:])
		return n, nil
	}

	dataLogical := dataLogicalFromOffset(off)
	nodeOff := int((off - MDUserDataSize) % BlockSize)

	limit := BlockSize - nodeOff
	if limit > len(dst) {
		limit = len(dst)
	}

	n, ok, err := f.cache.lookupDataNode(ctx, dataLogical)
	if err != nil {
		return 0, err
	}

	if !ok {
		clear(dst[:limit])
		return limit, nil
	}

	copy(dst[:limit], n.plaintext[nodeOff:nodeOff+limit])

	return limit, nil
}

func (f *File) writeLocked(ctx context.Context, p []byte) (int, error) {
	if f.opts.Append && !f.opts.Update {
		f.offset = f.payload.Size
	}

	n, err := f.writeAtLocked(ctx, p, f.offset)
	f.offset += uint64(n)

	return n, err
}

func (f *File) writeAtLocked(ctx context.Context, p []byte, off uint64) (int, error) {
	if !f.opts.Write && !f.opts.Append {
		return 0, ErrReadOnly
	}

	total := 0
	cur := off

	for total < len(p) {
		n, err := f.writeChunk(ctx, cur, p[total:])
		if err != nil {
			return total, err
		}

		total += n
		cur += uint64(n)
	}

	if cur > f.payload.Size {
		f.payload.Size = cur
		f.metaDirty = true
	}

	return total, nil
}

func (f *File) writeChunk(ctx context.Context, off uint64, src []byte) (int, error) {
	if off < MDUserDataSize {
		n := copy(f.payload.InlineData[off:], src)
		f.metaDirty = true

		return n, nil
	}

	dataLogical := dataLogicalFromOffset(off)
	nodeOff := int((off - MDUserDataSize) % BlockSize)

	limit := BlockSize - nodeOff
	if limit > len(src) {
		limit = len(src)
	}

	n, err := f.cache.ensureDataNode(ctx, dataLogical)
	if err != nil {
		return 0, err
	}

	copy(n.plaintext[nodeOff:nodeOff+limit], src[:limit])
	f.cache.touchDirty(n)

	return limit, nil
}

func (f *File) seekLocked(offset int64, whence int) (int64, error) {
	var base int64

	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(f.offset)
	case io.SeekEnd:
		base = int64(f.payload.Size)
	default:
		return 0, fmt.Errorf("%w: invalid whence", ErrInvalidInput)
	}

	newOff := base + offset
	if newOff < 0 {
		return 0, fmt.Errorf("%w: negative resulting offset", ErrInvalidInput)
	}

	f.offset = uint64(newOff)

	return newOff, nil
}

func (f *File) setLenLocked(size uint64) error {
	if !f.opts.Write && !f.opts.Append {
		return ErrReadOnly
	}

	f.payload.Size = size
	f.metaDirty = true

	return nil
}

// collectDirty gathers every dirty data/MHT node plus, for each, its full
// ancestor chain (marked needWriting even if their key/mac hasn't changed
// yet — it is about to, once encryption walks bottom-up).
func (f *File) collectDirty() []*node {
	seen := make(map[uint64]bool)

	var all []*node

	add := func(n *node) {
		if !seen[n.phys] {
			seen[n.phys] = true
			all = append(all, n)
		}
	}

	for _, n := range f.cache.dirtyNodes() {
		add(n)

		mhtLogical := n.logical
		if n.kind == kindData {
			mhtLogical = mhtLogicalForData(n.logical)
		}

		for {
			if anc, ok := f.cache.resident(mhtPhysicalForLogical(mhtLogical)); ok {
				anc.needWriting = true
				add(anc)
			}

			parentLogical, _, isRoot := mhtParentLogical(mhtLogical)
			if isRoot {
				break
			}

			mhtLogical = parentLogical
		}
	}

	sortBottomUp(all)

	return all
}

// sortBottomUp orders nodes data-first, then MHT nodes from leaf to root
// (descending logical number — see mhtParentLogical: a child's logical
// number is always greater than its parent's).
func sortBottomUp(nodes []*node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.kind != b.kind {
			return a.kind == kindData
		}

		if a.kind == kindMHT {
			return a.logical > b.logical
		}

		return false
	})
}

func (f *File) flushLocked(ctx context.Context) error {
	dirty := f.collectDirty()

	if len(dirty) == 0 && !f.metaDirty {
		return nil
	}

	// Step 4: journal pre-images for every dirty node whose block already
	// exists on disk, plus the metadata block itself (written repeatedly by
	// steps 5/7/9 below, with update_flag toggling across the sequence).
	// Without this, a crash mid-sequence leaves update_flag permanently set
	// and Open refuses to recover the file.
	if err := f.journal.appendNode(ctx, metadataPhysical, f.metaBlock[:]); err != nil {
		f.fail(statusFlushError)
		return fmt.Errorf("pfs: flush: %w", err)
	}

	for _, n := range dirty {
		if n.newNode || !n.hasCipher {
			continue
		}

		if err := f.journal.appendNode(ctx, n.phys, n.ciphertext[:]); err != nil {
			f.fail(statusFlushError)
			return fmt.Errorf("pfs: flush: %w", err)
		}
	}

	if err := f.journal.flush(ctx); err != nil {
		f.fail(statusFlushError)
		return fmt.Errorf("pfs: flush: %w", err)
	}

	// Step 5: mark update_flag, write metadata (ciphertext unchanged so
	// far), flush data partition.
	f.hdr.UpdateFlag = 1
	encodeMetadataHeader(f.metaBlock[:], &f.hdr)

	if err := f.data.Write(ctx, metadataPhysical, f.metaBlock[:]); err != nil {
		f.fail(statusFlushError)
		return fmt.Errorf("pfs: flush: %w", err)
	}

	if err := f.data.Flush(ctx); err != nil {
		f.fail(statusFlushError)
		return fmt.Errorf("pfs: flush: %w", err)
	}

	// Step 6: encrypt dirty nodes bottom-up, bubbling key/mac into parents.
	for _, n := range dirty {
		key, mac, err := f.engine.encrypt(n, f.kg)
		if err != nil {
			f.fail(statusFlushError)
			return fmt.Errorf("pfs: flush: %w", err)
		}

		if err := f.data.Write(ctx, n.phys, n.ciphertext[:]); err != nil {
			f.fail(statusFlushError)
			return fmt.Errorf("pfs: flush: %w", err)
		}

		if err := f.storeChildEntry(ctx, n, key, mac); err != nil {
			f.fail(statusFlushError)
			return fmt.Errorf("pfs: flush: %w", err)
		}

		n.newNode = false
	}

	// Step 7: encrypt and write the metadata block (update_flag still 1). A
	// fresh nonce is drawn for every flush, and the actual sealing key is
	// derived from it, so the fixed zero-nonce AEAD scheme never reseals
	// the (changing) metadata plaintext under the same (key, nonce) pair
	// twice.
	nonce, err := f.kg.freshNonce()
	if err != nil {
		f.fail(statusFlushError)
		return fmt.Errorf("pfs: flush: %w", err)
	}

	f.hdr.Nonce = nonce

	// AutoKey's base key is itself derived from the header nonce, so it is
	// re-derived from the new nonce exactly as Open's restoreKey will derive
	// it from the stored header; the other modes get their fixed key back.
	metaKey, err := f.kg.restoreKey(&f.hdr)
	if err != nil {
		f.fail(statusFlushError)
		return fmt.Errorf("pfs: flush: %w", err)
	}

	f.metaKey = metaKey

	sealKey, err := f.kg.deriveMetadataSealKey(f.metaKey, nonce)
	if err != nil {
		f.fail(statusFlushError)
		return fmt.Errorf("pfs: flush: %w", err)
	}

	ciphertext, mac, err := f.engine.encryptMetadataPayload(&f.hdr, &f.payload, sealKey)
	if err != nil {
		f.fail(statusFlushError)
		return fmt.Errorf("pfs: flush: %w", err)
	}

	f.hdr.MAC = mac
	copy(f.metaBlock[mdOffCiphertext:], ciphertext)
	f.hdr.UpdateFlag = 1
	encodeMetadataHeader(f.metaBlock[:], &f.hdr)

	if err := f.data.Write(ctx, metadataPhysical, f.metaBlock[:]); err != nil {
		f.fail(statusFlushError)
		return fmt.Errorf("pfs: flush: %w", err)
	}

	if err := f.data.Flush(ctx); err != nil {
		f.fail(statusFlushError)
		return fmt.Errorf("pfs: flush: %w", err)
	}

	// Step 8: commit, flush journal.
	f.journal.commit()

	if err := f.journal.flush(ctx); err != nil {
		f.fail(statusFlushError)
		return fmt.Errorf("pfs: flush: %w", err)
	}

	// Step 9: clear update_flag.
	f.hdr.UpdateFlag = 0
	encodeMetadataHeader(f.metaBlock[:], &f.hdr)

	if err := f.data.Write(ctx, metadataPhysical, f.metaBlock[:]); err != nil {
		f.fail(statusFlushError)
		return fmt.Errorf("pfs: flush: %w", err)
	}

	if err := f.data.Flush(ctx); err != nil {
		f.fail(statusFlushError)
		return fmt.Errorf("pfs: flush: %w", err)
	}

	// Step 10: truncate journal.
	if err := f.journal.truncate(ctx); err != nil {
		f.fail(statusFlushError)
		return fmt.Errorf("pfs: flush: %w", err)
	}

	// Step 11: clear dirty flags.
	f.cache.clearDirty()
	f.metaDirty = false

	return nil
}

// storeChildEntry writes n's fresh key/mac into its parent's entry (the
// metadata payload's root key/mac, for the root MHT).
func (f *File) storeChildEntry(ctx context.Context, n *node, key aead.Key, mac aead.MAC) error {
	if n.kind == kindData {
		mhtLogical := mhtLogicalForData(n.logical)
		idx := childIndexInParent(n.logical)

		parent, err := f.cache.mhtNode(ctx, mhtLogical)
		if err != nil {
			return err
		}

		setMHTEntry(parent, true, idx, key, mac)

		return nil
	}

	if n.logical == 0 {
		f.payload.MHTKey = key
		f.payload.MHTMac = mac
		f.metaDirty = true

		return nil
	}

	parentLogical, idx, _ := mhtParentLogical(n.logical)

	parent, err := f.cache.mhtNode(ctx, parentLogical)
	if err != nil {
		return err
	}

	setMHTEntry(parent, false, idx, key, mac)

	return nil
}
