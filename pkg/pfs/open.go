package pfs

import (
	"context"
	"fmt"

	"github.com/nicexlab/atomicdisk-go/pkg/aead"
	"github.com/nicexlab/atomicdisk-go/pkg/blockset"
	"github.com/nicexlab/atomicdisk-go/pkg/blockstore"
)

// journalFraction is the denominator of the fraction of the backing
// BlockSet reserved for the journal region (1/8th), the remainder being
// the data region.
const journalFraction = 8

// minDataBlocks is the smallest data region that can hold a metadata node
// and a root MHT node.
const minDataBlocks = 2

// minJournalBlocks is the smallest journal region that can hold its
// length header.
const minJournalBlocks = 1

func partition(ctx context.Context, blocks blockset.BlockSet) (dataStore, journalStore *blockstore.Store, err error) {
	total, err := blocks.BlockCount(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("pfs: reading block count: %w", err)
	}

	dataBlocks := total - total/journalFraction
	journalBlocks := total - dataBlocks

	if dataBlocks < minDataBlocks || journalBlocks < minJournalBlocks {
		return nil, nil, fmt.Errorf("%w: backing block set too small (%d blocks)", ErrInvalidInput, total)
	}

	return blockstore.New(blocks, 0, dataBlocks), blockstore.New(blocks, dataBlocks, total), nil
}

func buildEngine(opts Options) *mhtEngine {
	cipher := opts.Cipher
	if cipher == nil {
		cipher = aead.NewAESGCM128()
	}

	return newMHTEngine(cipher)
}

func encodeNonNullName(name string) ([FilenameMaxLen]byte, error) {
	var buf [FilenameMaxLen]byte

	if len(name) == 0 || len(name) > FilenameMaxLen {
		return buf, fmt.Errorf("%w: file name must be 1..%d bytes", ErrInvalidInput, FilenameMaxLen)
	}

	copy(buf[:], name)

	return buf, nil
}

func decodeName(buf [FilenameMaxLen]byte) string {
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}

	return string(buf[:n])
}

// Open opens an existing protected file. Journal recovery (§4.2) always
// runs first, restoring any in-flight transaction left by a crash before
// the metadata block is trusted.
func Open(blocks blockset.BlockSet, name string, opts Options, mode OpenMode) (*File, error) {
	ctx := context.Background()

	if err := opts.validate(); err != nil {
		return nil, err
	}

	if err := mode.validate(); err != nil {
		return nil, err
	}

	dataStore, journalStore, err := partition(ctx, blocks)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger

	jnl := newJournal(journalStore)
	if _, err := jnl.recover(ctx, dataStore, logger, name); err != nil {
		return nil, fmt.Errorf("pfs: recovering journal: %w", err)
	}

	var metaBlock [BlockSize]byte

	if err := dataStore.Read(ctx, metadataPhysical, metaBlock[:]); err != nil {
		return nil, fmt.Errorf("pfs: reading metadata: %w", err)
	}

	hdr := decodeMetadataHeader(metaBlock[:])

	if string(hdr.Magic[:]) != fileMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrIntegrity)
	}

	if hdr.MajorVersion != fileMajorVersion {
		return nil, fmt.Errorf("%w: unsupported major version %d", ErrIntegrity, hdr.MajorVersion)
	}

	if hdr.UpdateFlag != 0 {
		return nil, fmt.Errorf("%w: metadata update_flag set after recovery", ErrCorrupted)
	}

	if hdr.EncryptFlags != mode.encryptFlags() {
		return nil, fmt.Errorf("%w: open mode does not match stored encrypt flags", ErrInvalidInput)
	}

	kg := newKeyGenerator(mode, opts.KeyDerivation, opts.Rand)

	metaKey, err := kg.restoreKey(&hdr)
	if err != nil {
		return nil, err
	}

	sealKey, err := kg.deriveMetadataSealKey(metaKey, hdr.Nonce)
	if err != nil {
		return nil, err
	}

	engine := buildEngine(opts)

	payload, err := engine.decryptMetadataPayload(&hdr, metaBlock[mdOffCiphertext:], sealKey)
	if err != nil {
		return nil, err
	}

	if decodeName(payload.FileName) != name {
		return nil, ErrNameMismatch
	}

	c := newCache(opts.cachePages(), dataStore, engine, logger, name, hdr.EncryptFlags)

	if payload.Size > MDUserDataSize {
		c.setRootKey(payload.MHTKey, payload.MHTMac)

		if _, err := c.loadRootMHT(ctx); err != nil {
			return nil, err
		}
	} else if _, err := c.insertRootMHT(); err != nil {
		return nil, err
	}

	f := &File{
		opts:      opts,
		name:      name,
		data:      dataStore,
		journal:   jnl,
		cache:     c,
		engine:    engine,
		kg:        kg,
		logger:    logger,
		metaKey:   metaKey,
		hdr:       hdr,
		payload:   payload,
		metaBlock: metaBlock,
	}

	if opts.Append {
		f.offset = f.payload.Size
	}

	return f, nil
}

// Create provisions a brand-new, empty protected file over blocks, writing
// an initial metadata block synchronously so a handle opened (and closed
// without any write) immediately after Create sees a valid, empty file.
func Create(blocks blockset.BlockSet, name string, opts Options, mode OpenMode) (*File, error) {
	ctx := context.Background()

	if err := opts.validate(); err != nil {
		return nil, err
	}

	if err := mode.validate(); err != nil {
		return nil, err
	}

	fileName, err := encodeNonNullName(name)
	if err != nil {
		return nil, err
	}

	dataStore, journalStore, err := partition(ctx, blocks)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	jnl := newJournal(journalStore)

	kg := newKeyGenerator(mode, opts.KeyDerivation, opts.Rand)

	nonce, err := kg.freshNonce()
	if err != nil {
		return nil, err
	}

	var metaKey aead.Key

	switch {
	case mode.kind == modeIntegrityOnly:
		metaKey = zeroKey
	case mode.kind == modeAutoKey:
		if opts.KeyDerivation == nil {
			return nil, fmt.Errorf("%w: AutoKey requires a KeyDerivationService", ErrInvalidInput)
		}

		metaKey, err = opts.KeyDerivation.DeriveKey(mode.policy, nonce)
		if err != nil {
			return nil, fmt.Errorf("pfs: deriving auto key: %w", err)
		}
	default:
		metaKey = mode.key
	}

	hdr := metadataHeader{
		MajorVersion: fileMajorVersion,
		MinorVersion: fileMinorVersion,
		EncryptFlags: mode.encryptFlags(),
		KeyPolicy:    mode.policy,
		Nonce:        nonce,
	}
	copy(hdr.Magic[:], fileMagic)

	payload := metadataPayload{FileName: fileName}

	engine := buildEngine(opts)

	sealKey, err := kg.deriveMetadataSealKey(metaKey, nonce)
	if err != nil {
		return nil, err
	}

	ciphertext, mac, err := engine.encryptMetadataPayload(&hdr, &payload, sealKey)
	if err != nil {
		return nil, err
	}

	hdr.MAC = mac

	var metaBlock [BlockSize]byte

	copy(metaBlock[mdOffCiphertext:], ciphertext)
	encodeMetadataHeader(metaBlock[:], &hdr)

	if err := dataStore.Write(ctx, metadataPhysical, metaBlock[:]); err != nil {
		return nil, fmt.Errorf("pfs: writing initial metadata: %w", err)
	}

	if err := dataStore.Flush(ctx); err != nil {
		return nil, fmt.Errorf("pfs: writing initial metadata: %w", err)
	}

	c := newCache(opts.cachePages(), dataStore, engine, logger, name, hdr.EncryptFlags)

	if _, err := c.insertRootMHT(); err != nil {
		return nil, err
	}

	return &File{
		opts:      opts,
		name:      name,
		data:      dataStore,
		journal:   jnl,
		cache:     c,
		engine:    engine,
		kg:        kg,
		logger:    logger,
		metaKey:   metaKey,
		hdr:       hdr,
		payload:   payload,
		metaBlock: metaBlock,
	}, nil
}
