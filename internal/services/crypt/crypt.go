// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

// Package crypt provides authenticated symmetric encryption for secrets
// that have to live in the database, such as TOTP seeds.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// KeySize is the AES-256 key size in bytes.
const KeySize = 32

var (
	// ErrInvalidCiphertext is returned when a ciphertext is truncated,
	// tampered with, or was produced with a different key.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrKeyTooShort is returned when the master secret is shorter than KeySize.
	ErrKeyTooShort = errors.New("master secret must be at least 32 bytes")
)

// Cipher encrypts and decrypts opaque secret blobs with AES-256-GCM.
// The key is derived deterministically from the process-wide master
// secret, so every instance built from the same secret is interchangeable.
type Cipher struct {
	aead cipher.AEAD
}

// New creates a Cipher keyed with the first KeySize bytes of the master secret.
func New(masterSecret []byte) (*Cipher, error) {
	if len(masterSecret) < KeySize {
		return nil, ErrKeyTooShort
	}

	block, err := aes.NewCipher(masterSecret[:KeySize])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt encrypts plaintext with a fresh random nonce. Encrypting the
// same plaintext twice yields different ciphertexts.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts a ciphertext produced by Encrypt. Any integrity
// failure is reported as ErrInvalidCiphertext, never as garbage output.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := c.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}
