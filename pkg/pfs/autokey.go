package pfs

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/nicexlab/atomicdisk-go/pkg/aead"
)

// HKDFKeyDerivation is a reference [KeyDerivationService]. It derives the
// AutoKey metadata key via HKDF-SHA256 from a fixed master secret, the
// key_policy byte, and the metadata nonce, standing in for the enclosing
// platform's real sealing primitive (e.g. SGX's EGETKEY bound to
// MRENCLAVE/MRSIGNER), which this module has no access to outside an
// enclave. Production callers with access to a real platform sealing key
// should implement [KeyDerivationService] directly against it instead.
type HKDFKeyDerivation struct {
	// MasterSecret seeds every derived key. Must be kept confidential and
	// stable across opens of the same file; rotating it invalidates every
	// AutoKey file sealed under the old secret.
	MasterSecret []byte
}

// NewHKDFKeyDerivation returns an [HKDFKeyDerivation] seeded by masterSecret.
func NewHKDFKeyDerivation(masterSecret []byte) HKDFKeyDerivation {
	return HKDFKeyDerivation{MasterSecret: masterSecret}
}

// DeriveKey implements [KeyDerivationService].
func (h HKDFKeyDerivation) DeriveKey(policy uint8, nonce [32]byte) (aead.Key, error) {
	info := make([]byte, 0, 1+len(nonce))
	info = append(info, policy)
	info = append(info, nonce[:]...)

	r := hkdf.New(sha256.New, h.MasterSecret, nil, info)

	var key aead.Key
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return aead.Key{}, fmt.Errorf("pfs: deriving auto key: %w", err)
	}

	return key, nil
}
