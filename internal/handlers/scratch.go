// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package handlers

import (
	"encoding/base64"

	"github.com/avollmer/idhub/internal/services/session"
	"github.com/labstack/echo/v4"
)

// The session scratch space carries short-lived workflow state between
// two requests, most importantly the encrypted candidate seed of a
// seed reset or rotation. Values live inside the session cookie, so
// they never touch the database.

// scratch reads a value from the session scratch space.
func (h *Handlers) scratch(c echo.Context, key string) (string, bool) {
	data := SessionData(c)
	if data == nil || data.Scratch == nil {
		return "", false
	}
	value, ok := data.Scratch[key]
	return value, ok
}

// setScratch writes a value into the session scratch space and
// refreshes the cookie.
func (h *Handlers) setScratch(c echo.Context, key, value string) error {
	data := SessionData(c)
	if data == nil {
		data = &session.Data{}
	}
	if data.Scratch == nil {
		data.Scratch = make(map[string]string)
	}
	data.Scratch[key] = value

	cookie, err := h.sessions.Write(data)
	if err != nil {
		return err
	}
	c.SetCookie(cookie)
	c.Set(CtxSession, data)
	return nil
}

// clearScratch drops a scratch value. A failed rewrite only leaves the
// stale value in the cookie until it expires, so the error is not
// fatal.
func (h *Handlers) clearScratch(c echo.Context, key string) {
	data := SessionData(c)
	if data == nil || data.Scratch == nil {
		return
	}
	delete(data.Scratch, key)
	if cookie, err := h.sessions.Write(data); err == nil {
		c.SetCookie(cookie)
	}
}

// scratchSeedFor decodes an encrypted seed from the given scratch key.
func (h *Handlers) scratchSeedFor(c echo.Context, key string) ([]byte, bool) {
	encoded, ok := h.scratch(c, key)
	if !ok {
		return nil, false
	}
	encryptedSeed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false
	}
	seed, err := h.cipher.Decrypt(encryptedSeed)
	if err != nil {
		return nil, false
	}
	return seed, true
}
