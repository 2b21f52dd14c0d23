// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

// Package signer implements the keyed-MAC token format used for
// capability links handed out by e-mail: the signed form embeds the
// original value together with a signature bound to a per-resource salt,
// so a token minted for one resource can never be replayed against
// another.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// Separator between value and signature in the signed form. The key
// alphabets of all pending resources may contain dots, so Unsign splits
// on the last occurrence.
const Separator = "."

// ErrBadSignature is returned for tampered, wrong-salt, or malformed input.
var ErrBadSignature = errors.New("bad signature")

// Signer signs and verifies values with HMAC-SHA256. The salt is mixed
// into the per-use subkey for domain separation.
type Signer struct {
	secret []byte
}

// New creates a Signer keyed with the process-wide master secret.
func New(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns "value.signature" where the signature covers value under a
// salt-derived subkey. The signature is raw-URL-base64 encoded; the value
// is embedded verbatim, so callers must URL-escape the result before
// placing it in a link.
func (s *Signer) Sign(value, salt string) string {
	return value + Separator + base64.RawURLEncoding.EncodeToString(s.signature(value, salt))
}

// Unsign verifies a signed value produced by Sign with the same salt and
// returns the embedded value. Any verification failure is reported as
// ErrBadSignature.
func (s *Signer) Unsign(signed, salt string) (string, error) {
	idx := strings.LastIndex(signed, Separator)
	if idx < 0 {
		return "", ErrBadSignature
	}

	value, encodedSig := signed[:idx], signed[idx+1:]
	sig, err := base64.RawURLEncoding.DecodeString(encodedSig)
	if err != nil {
		return "", ErrBadSignature
	}

	if !hmac.Equal(sig, s.signature(value, salt)) {
		return "", ErrBadSignature
	}
	return value, nil
}

// signature computes HMAC-SHA256(subkey(salt), value).
func (s *Signer) signature(value, salt string) []byte {
	subkey := hmac.New(sha256.New, s.secret)
	subkey.Write([]byte("idhub.signer:" + salt))

	mac := hmac.New(sha256.New, subkey.Sum(nil))
	mac.Write([]byte(value))
	return mac.Sum(nil)
}
