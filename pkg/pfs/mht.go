package pfs

import (
	"fmt"

	"github.com/nicexlab/atomicdisk-go/pkg/aead"
)

// mhtEngine implements the node-level AEAD encrypt/decrypt primitives
// (§4.5). It is stateless over any single node: callers supply the key/mac
// to use and receive plaintext or ciphertext back.
type mhtEngine struct {
	cipher aead.Cipher
}

func newMHTEngine(cipher aead.Cipher) *mhtEngine {
	return &mhtEngine{cipher: cipher}
}

// decrypt verifies and decrypts n's ciphertext using key/mac taken from n's
// parent entry (or, for the root MHT, from the metadata payload), filling
// n.plaintext.
func (e *mhtEngine) decrypt(n *node, key aead.Key, mac aead.MAC) error {
	plaintext, err := e.cipher.Open(key, n.aad(), n.ciphertext[:], mac)
	if err != nil {
		return fmt.Errorf("%w: node %d: %w", ErrIntegrity, n.phys, err)
	}

	copy(n.plaintext[:], plaintext)

	return nil
}

// encrypt takes a fresh node key from kg (random, or all-zero in
// IntegrityOnly mode), seals n's plaintext, and stores the
// resulting ciphertext in n.ciphertext. The returned key/mac must be stored
// into n's parent entry (or the metadata payload, for the root MHT) by the
// caller.
func (e *mhtEngine) encrypt(n *node, kg *keyGenerator) (aead.Key, aead.MAC, error) {
	key, err := kg.freshNodeKey()
	if err != nil {
		return aead.Key{}, aead.MAC{}, err
	}

	ciphertext, mac, err := e.cipher.Seal(key, n.aad(), n.plaintext[:])
	if err != nil {
		return aead.Key{}, aead.MAC{}, fmt.Errorf("pfs: encrypting node %d: %w", n.phys, err)
	}

	copy(n.ciphertext[:], ciphertext)
	n.hasCipher = true

	return key, mac, nil
}

// mhtEntry returns the key/mac an MHT node n stores for one of its
// children: a data child if isDataChild, else an interior-MHT child.
func mhtEntry(n *node, isDataChild bool, idx int) (aead.Key, aead.MAC) {
	decoded := decodeMHTNode(n.plaintext[:])

	if isDataChild {
		return decoded.DataEntries[idx].Key, decoded.DataEntries[idx].Mac
	}

	return decoded.MHTEntries[idx].Key, decoded.MHTEntries[idx].Mac
}

// setMHTEntry updates n's stored key/mac for one of its children and
// re-encodes n.plaintext.
func setMHTEntry(n *node, isDataChild bool, idx int, key aead.Key, mac aead.MAC) {
	decoded := decodeMHTNode(n.plaintext[:])

	if isDataChild {
		decoded.DataEntries[idx] = nodeEntry{Key: key, Mac: mac}
	} else {
		decoded.MHTEntries[idx] = nodeEntry{Key: key, Mac: mac}
	}

	copy(n.plaintext[:], encodeMHTNode(&decoded))
}

// decryptMetadataPayload decrypts the metadata block's encrypted payload
// using the key returned by the key generator, verifying it against the
// header's stored mac.
func (e *mhtEngine) decryptMetadataPayload(hdr *metadataHeader, ciphertext []byte, key aead.Key) (metadataPayload, error) {
	aad := append([]byte{byte(hdr.EncryptFlags)}, hdr.Nonce[:]...)

	plaintext, err := e.cipher.Open(key, aad, ciphertext, hdr.MAC)
	if err != nil {
		return metadataPayload{}, fmt.Errorf("%w: metadata: %w", ErrIntegrity, err)
	}

	return decodeMetadataPayload(plaintext), nil
}

// encryptMetadataPayload seals p under key, returning the ciphertext to
// write and the mac to store in the plaintext header.
func (e *mhtEngine) encryptMetadataPayload(hdr *metadataHeader, p *metadataPayload, key aead.Key) ([]byte, aead.MAC, error) {
	aad := append([]byte{byte(hdr.EncryptFlags)}, hdr.Nonce[:]...)

	ciphertext, mac, err := e.cipher.Seal(key, aad, encodeMetadataPayload(p))
	if err != nil {
		return nil, aead.MAC{}, fmt.Errorf("pfs: encrypting metadata: %w", err)
	}

	return ciphertext, mac, nil
}
