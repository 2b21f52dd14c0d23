// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

// Package testutil provides test helpers and fixtures.
package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/avollmer/idhub/internal/database"
	"github.com/avollmer/idhub/internal/models"
	"github.com/avollmer/idhub/internal/repository"
	"github.com/avollmer/idhub/internal/services/crypt"
	"github.com/avollmer/idhub/internal/services/signer"
	"github.com/avollmer/idhub/internal/services/totp"
	"github.com/stretchr/testify/require"
	"github.com/vinovest/sqlx"
	"golang.org/x/crypto/bcrypt"
)

// MasterSecret is the process-wide master secret used in tests.
const MasterSecret = "test-master-secret-0123456789abcdef-0123456789abcdef"

// NewTestDB creates an in-memory SQLite database for tests.
// Returns both the database connection and the repository for convenience.
func NewTestDB(t *testing.T) (*sqlx.DB, *repository.Repository) {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, repository.New(db)
}

// NewCipher creates a Cipher keyed with the test master secret.
func NewCipher(t *testing.T) *crypt.Cipher {
	t.Helper()
	c, err := crypt.New([]byte(MasterSecret))
	require.NoError(t, err)
	return c
}

// NewSigner creates a Signer keyed with the test master secret.
func NewSigner() *signer.Signer {
	return signer.New([]byte(MasterSecret))
}

// NewTestUser creates an active test user with the given password and a
// fresh TOTP seed, and returns the user together with the plaintext seed.
func NewTestUser(t *testing.T, repo *repository.Repository, username, password string) (*models.User, []byte) {
	t.Helper()
	ctx := context.Background()

	seed, err := totp.GenerateSeed(totp.DefaultSeedLength)
	require.NoError(t, err)

	encryptedSeed, err := NewCipher(t).Encrypt(seed)
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	user := &models.User{
		Username:     username,
		Email:        username + "@example.com",
		FirstName:    "Test",
		PasswordHash: string(hash),
		TOTPSecret:   encryptedSeed,
		IsActive:     true,
	}
	require.NoError(t, repo.CreateUser(ctx, user))
	return user, seed
}

// MailRecorder is an email.Sender that records sent messages and can be
// told to fail.
type MailRecorder struct {
	mu   sync.Mutex
	Fail error

	Sent []RecordedMail
}

// RecordedMail is one message captured by a MailRecorder.
type RecordedMail struct {
	To      string
	Subject string
	Body    string
}

// Send implements email.Sender.
func (m *MailRecorder) Send(to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.Sent = append(m.Sent, RecordedMail{To: to, Subject: subject, Body: body})
	return nil
}

// Last returns the most recently recorded mail.
func (m *MailRecorder) Last(t *testing.T) RecordedMail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.Sent)
	return m.Sent[len(m.Sent)-1]
}
