package aead_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicexlab/atomicdisk-go/pkg/aead"
)

func TestAESGCM128_SealOpenRoundTrip(t *testing.T) {
	c := aead.NewAESGCM128()

	var key aead.Key
	copy(key[:], []byte("0123456789abcdef"))

	aad := []byte("physical+flags")
	plaintext := []byte("some node plaintext, not block-sized here")

	ciphertext, mac, err := c.Seal(key, aad, plaintext)
	require.NoError(t, err)
	require.Len(t, ciphertext, len(plaintext))

	got, err := c.Open(key, aad, ciphertext, mac)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestAESGCM128_OpenRejectsTamperedCiphertext(t *testing.T) {
	c := aead.NewAESGCM128()

	var key aead.Key
	copy(key[:], []byte("0123456789abcdef"))

	aad := []byte("aad")
	ciphertext, mac, err := c.Seal(key, aad, []byte("payload"))
	require.NoError(t, err)

	ciphertext[0] ^= 0xFF

	_, err = c.Open(key, aad, ciphertext, mac)
	require.ErrorIs(t, err, aead.ErrMACMismatch)
}

func TestAESGCM128_OpenRejectsWrongAAD(t *testing.T) {
	c := aead.NewAESGCM128()

	var key aead.Key
	copy(key[:], []byte("0123456789abcdef"))

	ciphertext, mac, err := c.Seal(key, []byte("aad-a"), []byte("payload"))
	require.NoError(t, err)

	_, err = c.Open(key, []byte("aad-b"), ciphertext, mac)
	require.ErrorIs(t, err, aead.ErrMACMismatch)
}

func TestAESGCM128_KeyAndMacSizes(t *testing.T) {
	require.Equal(t, 16, aead.KeySize)
	require.Equal(t, 16, aead.MacSize)
}
