// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package signer_test

import (
	"strings"
	"testing"

	"github.com/avollmer/idhub/internal/services/signer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomKey(t *testing.T) {
	const alphabet = "abc123"

	key, err := signer.RandomKey(alphabet, signer.KeyLength)
	require.NoError(t, err)
	assert.Len(t, key, signer.KeyLength)
	for _, r := range key {
		assert.True(t, strings.ContainsRune(alphabet, r), "unexpected character %q", r)
	}

	other, err := signer.RandomKey(alphabet, signer.KeyLength)
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestRandomKey_EmptyAlphabet(t *testing.T) {
	_, err := signer.RandomKey("", 10)
	assert.Error(t, err)
}
