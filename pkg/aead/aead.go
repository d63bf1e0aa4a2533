// Package aead provides the authenticated-encryption collaborator used to
// seal every node on disk. The reference implementation is AES-128-GCM
// ([AESGCM128]); callers address ciphertext and MAC as separate fixed-size
// fields, matching the on-disk node layout, rather than a single
// concatenated AEAD output.
package aead

import "errors"

// KeySize is the size, in bytes, of an AEAD key. Fixed at 16 so that a
// single 4 KiB MHT node block can hold exactly 128 {key, mac} entries
// (§3, AttachedDataNodesCount + ChildMHTNodesCount) with no padding.
const KeySize = 16

// MacSize is the size, in bytes, of an AEAD authentication tag.
const MacSize = 16

// Key is a symmetric AEAD key.
type Key [KeySize]byte

// MAC is an AEAD authentication tag.
type MAC [MacSize]byte

// ErrMACMismatch is returned by [Cipher.Open] when the authentication tag
// does not match the ciphertext and additional data.
var ErrMACMismatch = errors.New("aead: mac mismatch")

// Cipher seals and opens fixed-size plaintext blocks, binding each to
// caller-supplied additional authenticated data (the physical block number
// and encrypt-flags byte, per the node AAD contract).
//
// Implementations must be safe for concurrent use.
type Cipher interface {
	// Seal encrypts plaintext under key, authenticating aad, and returns the
	// ciphertext (same length as plaintext) and the resulting MAC. A nonce is
	// not accepted as a parameter: an all-zero nonce is used because in the
	// keyed modes every seal uses a freshly generated, single-use key (see
	// pkg/pfs/keygen.go), so a (key, nonce) pair is never reused there. In
	// IntegrityOnly mode every node key is the all-zero key, so (key,
	// nonce) pairs do repeat and the ciphertext gives no confidentiality.
	Seal(key Key, aad, plaintext []byte) (ciphertext []byte, mac MAC, err error)

	// Open decrypts ciphertext under key, verifying it (and aad) against mac.
	// Returns [ErrMACMismatch] if verification fails; plaintext is not
	// returned in that case.
	Open(key Key, aad, ciphertext []byte, mac MAC) (plaintext []byte, err error)
}
