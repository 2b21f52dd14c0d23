// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

// Package session implements stateless signed-cookie sessions.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/avollmer/idhub/internal/config"
	"github.com/gorilla/securecookie"
)

const keySize = 32

// Data is what a session cookie carries. UserID is zero for anonymous
// sessions, which the multi-step workflows use to hold Scratch state
// before a login exists.
type Data struct {
	UserID    int64             `json:"uid,omitempty"`
	Username  string            `json:"usr,omitempty"`
	Scratch   map[string]string `json:"scr,omitempty"`
	ExpiresAt time.Time         `json:"exp"`
}

// Authenticated reports whether the session belongs to a logged-in user.
func (d *Data) Authenticated() bool {
	return d != nil && d.UserID != 0
}

// Manager encodes and decodes session cookies.
type Manager struct {
	codec      *securecookie.SecureCookie
	cookieName string
	maxAge     int
	secure     bool
}

// NewManager creates a session manager from config. An empty hash key is
// replaced by a random one, which invalidates all sessions on restart;
// fine for development, wrong for production.
func NewManager(cfg *config.SessionConfig, secure bool) (*Manager, error) {
	var hashKey []byte
	if cfg.HashKey == "" {
		hashKey = make([]byte, keySize)
		if _, err := rand.Read(hashKey); err != nil {
			return nil, fmt.Errorf("generating session hash key: %w", err)
		}
		slog.Warn("no session hash key configured, sessions will not survive restarts")
	} else {
		var err error
		hashKey, err = hex.DecodeString(cfg.HashKey)
		if err != nil {
			return nil, fmt.Errorf("invalid session hash key: %w", err)
		}
		if len(hashKey) != keySize {
			return nil, fmt.Errorf("session hash key must be 32 bytes, got %d", len(hashKey))
		}
	}

	var blockKey []byte
	if cfg.BlockKey != "" {
		var err error
		blockKey, err = hex.DecodeString(cfg.BlockKey)
		if err != nil {
			return nil, fmt.Errorf("invalid session block key: %w", err)
		}
		if len(blockKey) != keySize {
			return nil, fmt.Errorf("session block key must be 32 bytes, got %d", len(blockKey))
		}
	}

	codec := securecookie.New(hashKey, blockKey)
	codec.MaxAge(cfg.MaxAge)
	codec.SetSerializer(securecookie.JSONEncoder{})

	return &Manager{
		codec:      codec,
		cookieName: cfg.CookieName,
		maxAge:     cfg.MaxAge,
		secure:     secure,
	}, nil
}

// Create builds a session cookie for a freshly authenticated user.
func (m *Manager) Create(userID int64, username string) (*http.Cookie, error) {
	return m.Write(&Data{UserID: userID, Username: username})
}

// Write encodes session data into a cookie. ExpiresAt is stamped here so
// callers never extend a session by accident.
func (m *Manager) Write(data *Data) (*http.Cookie, error) {
	data.ExpiresAt = time.Now().Add(time.Duration(m.maxAge) * time.Second)

	encoded, err := m.codec.Encode(m.cookieName, data)
	if err != nil {
		return nil, fmt.Errorf("encoding session: %w", err)
	}

	return &http.Cookie{
		Name:     m.cookieName,
		Value:    encoded,
		Path:     "/",
		MaxAge:   m.maxAge,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}, nil
}

// Parse extracts session data from a request. A missing, tampered or
// expired cookie yields (nil, nil); only unexpected failures error.
func (m *Manager) Parse(r *http.Request) (*Data, error) {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil {
		return nil, nil //nolint:nilnil // absent session is not an error
	}

	var data Data
	if err := m.codec.Decode(m.cookieName, cookie.Value, &data); err != nil {
		return nil, nil //nolint:nilnil // undecodable session is treated as absent
	}

	if time.Now().After(data.ExpiresAt) {
		return nil, nil //nolint:nilnil
	}

	return &data, nil
}

// Clear returns a cookie that deletes the session.
func (m *Manager) Clear() *http.Cookie {
	return &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
}
