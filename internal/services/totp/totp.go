// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

// Package totp implements RFC 6238 time-based one-time passwords over
// raw byte seeds, including seed generation and the clock-skew window
// used during login.
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// Digits is the number of decimal digits in a code.
	Digits = 6
	// Period is the length of one time step in seconds.
	Period = 30
	// DefaultSeedLength is the seed size generated for new users.
	DefaultSeedLength = 72
	// MinSeedLength and MaxSeedLength bound GenerateSeed.
	MinSeedLength = 1
	MaxSeedLength = 65536
)

// Compute returns the 6-digit code for the current time step shifted by
// offset steps. An offset of 0 means "now", -1 the previous step, +1 the
// next one.
func Compute(seed []byte, offset int) string {
	return ComputeAt(seed, time.Now(), offset)
}

// ComputeAt returns the code for the time step containing at, shifted by
// offset steps.
func ComputeAt(seed []byte, at time.Time, offset int) string {
	counter := (at.Unix() + int64(offset)*Period) / Period

	var counterBytes [8]byte
	binary.BigEndian.PutUint64(counterBytes[:], uint64(counter))

	mac := hmac.New(sha1.New, seed)
	mac.Write(counterBytes[:])
	digest := mac.Sum(nil)

	// Dynamic truncation per RFC 4226 §5.3.
	ord := digest[len(digest)-1] & 0x0f
	code := (binary.BigEndian.Uint32(digest[ord:ord+4]) & 0x7fffffff) % 1000000

	return fmt.Sprintf("%06d", code)
}

// AcceptableCodes returns the codes for the inclusive offset range
// lowOffset..highOffset in ascending offset order. The default window of
// -1..+1 tolerates 90 seconds of clock skew.
func AcceptableCodes(seed []byte, lowOffset, highOffset int) []string {
	return AcceptableCodesAt(seed, time.Now(), lowOffset, highOffset)
}

// AcceptableCodesAt is AcceptableCodes anchored at a fixed time.
func AcceptableCodesAt(seed []byte, at time.Time, lowOffset, highOffset int) []string {
	if highOffset < lowOffset {
		return nil
	}
	codes := make([]string, 0, highOffset-lowOffset+1)
	for offset := lowOffset; offset <= highOffset; offset++ {
		codes = append(codes, ComputeAt(seed, at, offset))
	}
	return codes
}

// GenerateSeed returns length cryptographically secure random bytes for
// use as a shared TOTP seed.
func GenerateSeed(length int) ([]byte, error) {
	if length < MinSeedLength || length > MaxSeedLength {
		return nil, fmt.Errorf("seed length must be between %d and %d bytes, got %d",
			MinSeedLength, MaxSeedLength, length)
	}
	seed := make([]byte, length)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generating seed: %w", err)
	}
	return seed, nil
}
