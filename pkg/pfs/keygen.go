package pfs

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/nicexlab/atomicdisk-go/pkg/aead"
)

// OpenMode selects how the metadata key is derived. Exactly one of the
// constructors below should be used.
type OpenMode struct {
	kind   openModeKind
	key    aead.Key
	policy uint8
}

type openModeKind uint8

const (
	modeAutoKey openModeKind = iota
	modeUserKey
	modeIntegrityOnly
	modeImportKey
)

// AutoKey derives the metadata key via the enclosing platform's
// [KeyDerivationService], seeded from policy and the metadata plaintext
// nonce. policy must have at least one of PolicyMRENCLAVE/PolicyMRSIGNER
// set.
func AutoKey(policy uint8) OpenMode {
	return OpenMode{kind: modeAutoKey, policy: policy}
}

// UserKey uses key directly as the metadata key.
func UserKey(key aead.Key) OpenMode {
	return OpenMode{kind: modeUserKey, key: key}
}

// IntegrityOnlyMode uses a fixed all-zero metadata key: confidentiality is
// not provided, only MAC verification.
func IntegrityOnlyMode() OpenMode {
	return OpenMode{kind: modeIntegrityOnly}
}

// ImportKey opens using key directly, like UserKey, but additionally
// records policy in the metadata header's key_policy field. It exists for
// administrative tooling that moves a file between machines under a raw
// key before handing it back to AutoKey custody; it does not itself
// change how the file is encrypted (still flagsUserKey) or re-key
// anything already on disk.
func ImportKey(key aead.Key, policy uint8) OpenMode {
	return OpenMode{kind: modeImportKey, key: key, policy: policy}
}

const (
	// PolicyMRENCLAVE requires binding to the enclave's measurement.
	PolicyMRENCLAVE uint8 = policyMRENCLAVE
	// PolicyMRSIGNER requires binding to the signer's identity.
	PolicyMRSIGNER uint8 = policyMRSIGNER
)

func (m OpenMode) validate() error {
	switch m.kind {
	case modeAutoKey:
		if m.policy&(PolicyMRENCLAVE|PolicyMRSIGNER) == 0 {
			return fmt.Errorf("%w: AutoKey requires a key policy", ErrInvalidInput)
		}
	case modeImportKey:
		if m.policy&(PolicyMRENCLAVE|PolicyMRSIGNER) == 0 {
			return fmt.Errorf("%w: ImportKey requires a key policy", ErrInvalidInput)
		}
	case modeUserKey, modeIntegrityOnly:
		// no policy requirement
	default:
		return fmt.Errorf("%w: unknown open mode", ErrInvalidInput)
	}

	return nil
}

func (m OpenMode) encryptFlags() encryptFlags {
	switch m.kind {
	case modeIntegrityOnly:
		return flagsIntegrityOnly
	case modeUserKey, modeImportKey:
		return flagsUserKey
	default:
		return flagsAutoKey
	}
}

// KeyDerivationService is the out-of-scope collaborator that derives the
// AutoKey metadata key from a policy and a nonce, standing in for the
// enclosing platform's sealing primitive (e.g. SGX's
// MRENCLAVE/MRSIGNER-bound key derivation).
type KeyDerivationService interface {
	// DeriveKey returns the metadata key bound to policy and nonce.
	DeriveKey(policy uint8, nonce [32]byte) (aead.Key, error)
}

// RandSource supplies randomness for fresh per-flush node keys and for
// metadata nonces. Injected so tests can use a deterministic source.
type RandSource interface {
	// Read fills buf with random bytes, returning an error only if the
	// source is exhausted or broken.
	Read(buf []byte) error
}

// cryptoRandSource is the default [RandSource], backed by [crypto/rand].
// Kept on the standard library deliberately: no library in the example
// corpus offers a CSPRNG, and crypto/rand is the only correct choice for
// key material.
type cryptoRandSource struct{}

func (cryptoRandSource) Read(buf []byte) error {
	_, err := rand.Read(buf)

	return err
}

// keyGenerator seeds and exposes the metadata key for one open file
// handle. All keys other than the metadata key come from MHT entries and
// are generated fresh per flush (see mht.go).
type keyGenerator struct {
	mode   OpenMode
	kds    KeyDerivationService
	random RandSource
}

func newKeyGenerator(mode OpenMode, kds KeyDerivationService, random RandSource) *keyGenerator {
	if random == nil {
		random = cryptoRandSource{}
	}

	return &keyGenerator{mode: mode, kds: kds, random: random}
}

// restoreKey returns the metadata key for hdr, the only node for which the
// key generator is consulted directly.
func (kg *keyGenerator) restoreKey(hdr *metadataHeader) (aead.Key, error) {
	switch kg.mode.kind {
	case modeIntegrityOnly:
		return zeroKey, nil
	case modeUserKey, modeImportKey:
		return kg.mode.key, nil
	case modeAutoKey:
		if kg.kds == nil {
			return aead.Key{}, fmt.Errorf("%w: AutoKey requires a KeyDerivationService", ErrInvalidInput)
		}

		key, err := kg.kds.DeriveKey(hdr.KeyPolicy, hdr.Nonce)
		if err != nil {
			return aead.Key{}, fmt.Errorf("pfs: deriving auto key: %w", err)
		}

		return key, nil
	default:
		return aead.Key{}, fmt.Errorf("%w: unknown open mode", ErrUnexpected)
	}
}

// freshNodeKey generates a new random key/mac-ready key for a node about
// to be (re-)encrypted. Every flush uses a new key per dirty node so that
// two versions of the same physical block never share ciphertext under the
// same key.
//
// IntegrityOnlyMode is the exception: it always returns the all-zero key,
// since that mode provides no confidentiality, only MAC verification, and
// every node's key entry in its parent must read back as zero.
func (kg *keyGenerator) freshNodeKey() (aead.Key, error) {
	if kg.mode.kind == modeIntegrityOnly {
		return zeroKey, nil
	}

	var key aead.Key

	if err := kg.random.Read(key[:]); err != nil {
		return aead.Key{}, fmt.Errorf("pfs: generating node key: %w", err)
	}

	return key, nil
}

// freshNonce generates a new metadata nonce, drawn on every metadata flush
// (not just file creation) so deriveMetadataSealKey never sees the same
// nonce twice for a given base key.
func (kg *keyGenerator) freshNonce() ([32]byte, error) {
	var nonce [32]byte

	if err := kg.random.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("pfs: generating nonce: %w", err)
	}

	return nonce, nil
}

// deriveMetadataSealKey derives the one-time key actually used to seal the
// metadata block for a single flush. base is the mode's metadata key
// (restoreKey's result), which stays fixed for the life of the handle even
// though the metadata block is resealed on every flush; mixing in the
// per-flush nonce here is what keeps the (key, nonce) pair AESGCM128 seals
// under from ever repeating across flushes, which base alone cannot
// guarantee.
func (kg *keyGenerator) deriveMetadataSealKey(base aead.Key, nonce [32]byte) (aead.Key, error) {
	r := hkdf.New(sha256.New, base[:], nonce[:], []byte("pfs metadata seal key"))

	var key aead.Key
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return aead.Key{}, fmt.Errorf("pfs: deriving metadata seal key: %w", err)
	}

	return key, nil
}
