// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package crypt_test

import (
	"crypto/rand"
	"testing"

	"github.com/avollmer/idhub/internal/services/crypt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef-extra-bytes-are-ignored"

func newCipher(t *testing.T) *crypt.Cipher {
	t.Helper()
	c, err := crypt.New([]byte(testSecret))
	require.NoError(t, err)
	return c
}

func TestNew_KeyTooShort(t *testing.T) {
	_, err := crypt.New([]byte("too-short"))
	assert.ErrorIs(t, err, crypt.ErrKeyTooShort)
}

func TestRoundTrip(t *testing.T) {
	c := newCipher(t)

	for _, size := range []int{32, 48, 64, 72, 96} {
		plaintext := make([]byte, size)
		_, err := rand.Read(plaintext)
		require.NoError(t, err)

		ciphertext, err := c.Encrypt(plaintext)
		require.NoError(t, err)

		decrypted, err := c.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestEncrypt_NonDeterministic(t *testing.T) {
	c := newCipher(t)
	plaintext := []byte("the same plaintext twice")

	first, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	second, err := c.Encrypt(plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestDecrypt_Tampered(t *testing.T) {
	c := newCipher(t)

	ciphertext, err := c.Encrypt([]byte("sensitive"))
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0xff

	_, err = c.Decrypt(ciphertext)
	assert.ErrorIs(t, err, crypt.ErrInvalidCiphertext)
}

func TestDecrypt_ForeignKey(t *testing.T) {
	c := newCipher(t)
	other, err := crypt.New([]byte("another-master-secret-of-32-byte-length!"))
	require.NoError(t, err)

	ciphertext, err := c.Encrypt([]byte("sensitive"))
	require.NoError(t, err)

	_, err = other.Decrypt(ciphertext)
	assert.ErrorIs(t, err, crypt.ErrInvalidCiphertext)
}

func TestDecrypt_TooShort(t *testing.T) {
	c := newCipher(t)

	_, err := c.Decrypt([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, crypt.ErrInvalidCiphertext)
}

func TestCiphersWithSameSecretAreInterchangeable(t *testing.T) {
	first := newCipher(t)
	second := newCipher(t)

	ciphertext, err := first.Encrypt([]byte("shared"))
	require.NoError(t, err)

	plaintext, err := second.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("shared"), plaintext)
}
