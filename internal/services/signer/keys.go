// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package signer

import (
	"crypto/rand"
	"fmt"
)

// KeyLength is the length of the secret keys carried inside signed
// workflow tokens.
const KeyLength = 250

// RandomKey generates a random key over the given alphabet. Workflows
// use distinct alphabets so a key can never pass verification against
// another workflow's records.
func RandomKey(alphabet string, length int) (string, error) {
	if len(alphabet) == 0 {
		return "", fmt.Errorf("empty key alphabet")
	}

	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	for i := range bytes {
		bytes[i] = alphabet[int(bytes[i])%len(alphabet)]
	}
	return string(bytes), nil
}
