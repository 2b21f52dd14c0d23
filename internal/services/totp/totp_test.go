// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package totp_test

import (
	"strings"
	"testing"
	"time"

	"github.com/avollmer/idhub/internal/services/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rfcSeed is the shared secret from the RFC 4226 / RFC 6238 test vectors.
var rfcSeed = []byte("12345678901234567890")

func TestComputeAt_RFCVectors(t *testing.T) {
	// Last six digits of the RFC 6238 SHA1 reference values.
	vectors := []struct {
		unix time.Time
		want string
	}{
		{time.Unix(59, 0), "287082"},
		{time.Unix(1111111109, 0), "081804"},
		{time.Unix(1111111111, 0), "050471"},
		{time.Unix(1234567890, 0), "005924"},
		{time.Unix(2000000000, 0), "279037"},
	}

	for _, v := range vectors {
		assert.Equal(t, v.want, totp.ComputeAt(rfcSeed, v.unix, 0))
	}
}

func TestComputeAt_Offset(t *testing.T) {
	at := time.Unix(59, 0)

	// Offset +1 at t=59 is the same step as offset 0 at t=89.
	assert.Equal(t, totp.ComputeAt(rfcSeed, time.Unix(89, 0), 0), totp.ComputeAt(rfcSeed, at, 1))
	// Offset -1 lands in the first step.
	assert.Equal(t, totp.ComputeAt(rfcSeed, time.Unix(29, 0), 0), totp.ComputeAt(rfcSeed, at, -1))
}

func TestComputeAt_DeterministicWithinStep(t *testing.T) {
	first := totp.ComputeAt(rfcSeed, time.Unix(1111111110, 0), 0)
	second := totp.ComputeAt(rfcSeed, time.Unix(1111111112, 0), 0)

	assert.Equal(t, first, second)
}

func TestCompute_Format(t *testing.T) {
	code := totp.Compute(rfcSeed, 0)

	assert.Len(t, code, 6)
	for _, r := range code {
		assert.True(t, r >= '0' && r <= '9')
	}
}

func TestAcceptableCodes_Window(t *testing.T) {
	at := time.Unix(1234567890, 0)

	codes := totp.AcceptableCodesAt(rfcSeed, at, -1, 1)

	require.Len(t, codes, 3)
	assert.Equal(t, totp.ComputeAt(rfcSeed, at, -1), codes[0])
	assert.Equal(t, totp.ComputeAt(rfcSeed, at, 0), codes[1])
	assert.Equal(t, totp.ComputeAt(rfcSeed, at, 1), codes[2])
}

func TestAcceptableCodes_ContainsCurrent(t *testing.T) {
	codes := totp.AcceptableCodes(rfcSeed, -1, 1)

	require.Len(t, codes, 3)
	assert.Contains(t, codes, totp.Compute(rfcSeed, 0))
}

func TestAcceptableCodes_EmptyWindow(t *testing.T) {
	assert.Nil(t, totp.AcceptableCodesAt(rfcSeed, time.Unix(59, 0), 1, -1))
}

func TestGenerateSeed(t *testing.T) {
	seed, err := totp.GenerateSeed(totp.DefaultSeedLength)

	require.NoError(t, err)
	assert.Len(t, seed, 72)
}

func TestGenerateSeed_Bounds(t *testing.T) {
	for _, length := range []int{1, 32, 96, 65536} {
		seed, err := totp.GenerateSeed(length)
		require.NoError(t, err)
		assert.Len(t, seed, length)
	}

	_, err := totp.GenerateSeed(0)
	assert.Error(t, err)
	_, err = totp.GenerateSeed(65537)
	assert.Error(t, err)
}

func TestGenerateSeed_Random(t *testing.T) {
	first, err := totp.GenerateSeed(32)
	require.NoError(t, err)
	second, err := totp.GenerateSeed(32)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestProvisioningURI(t *testing.T) {
	uri := totp.ProvisioningURI("Identity Hub", "alice", []byte("12345678901234567890"))

	assert.True(t, strings.HasPrefix(uri, "otpauth://totp/Identity%20Hub:alice?"))
	assert.Contains(t, uri, "secret=GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ")
	assert.Contains(t, uri, "digits=6")
	assert.Contains(t, uri, "period=30")
	assert.Contains(t, uri, "algorithm=SHA1")
}

func TestQRCodePNG(t *testing.T) {
	png, err := totp.QRCodePNG("Identity Hub", "alice", rfcSeed, 0)

	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}
