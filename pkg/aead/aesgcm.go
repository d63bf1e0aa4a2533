package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// AESGCM128 is the reference [Cipher] implementation: AES-128 in GCM mode,
// via [crypto/aes]/[crypto/cipher]. Chosen over an x/crypto AEAD because the
// on-disk MHT node layout packs 128 {key, mac} entries into exactly one
// 4 KiB block, which only works out evenly with a 16-byte key and a 16-byte
// tag; x/crypto's AEAD ciphers are fixed at a 32-byte key (ChaCha20Poly1305),
// so node encryption falls back to the standard library here.
type AESGCM128 struct{}

// NewAESGCM128 returns an [AESGCM128] cipher.
func NewAESGCM128() AESGCM128 {
	return AESGCM128{}
}

var zeroNonce [12]byte

// Seal implements [Cipher].
func (AESGCM128) Seal(key Key, aad, plaintext []byte) ([]byte, MAC, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, MAC{}, err
	}

	sealed := gcm.Seal(nil, zeroNonce[:], plaintext, aad)

	tagStart := len(sealed) - gcm.Overhead()
	ciphertext := sealed[:tagStart]

	var mac MAC
	copy(mac[:], sealed[tagStart:])

	return ciphertext, mac, nil
}

// Open implements [Cipher].
func (AESGCM128) Open(key Key, aad, ciphertext []byte, mac MAC) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+gcm.Overhead())
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, mac[:]...)

	plaintext, err := gcm.Open(nil, zeroNonce[:], sealed, aad)
	if err != nil {
		return nil, ErrMACMismatch
	}

	return plaintext, nil
}

func newGCM(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aead: constructing cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithTagSize(block, MacSize)
	if err != nil {
		return nil, fmt.Errorf("aead: constructing cipher: %w", err)
	}

	return gcm, nil
}
