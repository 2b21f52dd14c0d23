// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package recovery

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/avollmer/idhub/internal/models"
	"github.com/avollmer/idhub/internal/repository"
	"github.com/avollmer/idhub/internal/services/auth"
	"github.com/avollmer/idhub/internal/services/email"
	"github.com/avollmer/idhub/internal/services/totp"
	"github.com/avollmer/idhub/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc      *Service
	repo     *repository.Repository
	recorder *testutil.MailRecorder
	slept    []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	_, repo := testutil.NewTestDB(t)
	cipher := testutil.NewCipher(t)
	recorder := &testutil.MailRecorder{}
	mailer := email.NewService(recorder, "Identity Hub", "https://hub.example.com")

	f := &fixture{repo: repo, recorder: recorder}
	f.svc = NewService(repo, cipher, testutil.NewSigner(), mailer, auth.NewService(repo, cipher))
	f.svc.sleep = func(d time.Duration) { f.slept = append(f.slept, d) }
	return f
}

func linkParams(t *testing.T, body string) url.Values {
	t.Helper()
	start := strings.Index(body, "https://")
	require.GreaterOrEqual(t, start, 0, "no link in mail body")
	link := body[start:]
	if end := strings.IndexAny(link, " \n"); end >= 0 {
		link = link[:end]
	}
	u, err := url.Parse(link)
	require.NoError(t, err)
	return u.Query()
}

// initiate runs a successful initiation for the given kind and returns
// the link parameters from the recovery mail.
func (f *fixture) initiate(t *testing.T, kind string, user *models.User, seed []byte, password string) url.Values {
	t.Helper()
	outcome, err := f.svc.Initiate(context.Background(), kind, user.Email, Proof{
		Username: user.Username,
		Password: password,
		OTP:      totp.Compute(seed, 0),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, outcome)
	return linkParams(t, f.recorder.Last(t).Body)
}

func TestInitiate_PasswordKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, seed := testutil.NewTestUser(t, f.repo, "alice", "correct horse battery staple")

	outcome, err := f.svc.Initiate(ctx, models.RecoveryPassword, "alice@example.com", Proof{
		Username: "Alice ",
		OTP:      totp.Compute(seed, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)
	assert.Len(t, f.slept, 1)

	mail := f.recorder.Last(t)
	assert.Equal(t, user.Email, mail.To)
	params := linkParams(t, mail.Body)
	assert.NotEmpty(t, params.Get("rec"))
	assert.NotEmpty(t, params.Get("key"))
}

func TestInitiate_WrongProofIsSilentlyDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, seed := testutil.NewTestUser(t, f.repo, "alice", "correct horse battery staple")

	cases := map[string]Proof{
		"wrong username": {Username: "bob", OTP: totp.Compute(seed, 0)},
		"wrong otp":      {Username: "alice", OTP: "000000"},
	}
	for name, proof := range cases {
		t.Run(name, func(t *testing.T) {
			outcome, err := f.svc.Initiate(ctx, models.RecoveryPassword, "alice@example.com", proof)
			require.NoError(t, err)
			assert.Equal(t, OutcomeAccepted, outcome)
			assert.Empty(t, f.recorder.Sent)
		})
	}
}

func TestInitiate_UnknownAddressLooksAccepted(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.svc.Initiate(context.Background(), models.RecoveryUsername, "nobody@example.com", Proof{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)
	assert.Empty(t, f.recorder.Sent)
	assert.Len(t, f.slept, 1)
}

func TestInitiate_AmbiguousAddress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, name := range []string{"alice", "alice2"} {
		user := &models.User{
			Username:     name,
			Email:        "shared@example.com",
			PasswordHash: models.UnusablePassword,
			IsActive:     true,
		}
		require.NoError(t, f.repo.CreateUser(ctx, user))
	}

	outcome, err := f.svc.Initiate(ctx, models.RecoveryPassword, "shared@example.com", Proof{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAmbiguous, outcome)
	assert.Empty(t, f.recorder.Sent)
}

func TestInitiate_UnknownKind(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Initiate(context.Background(), "pet-name", "alice@example.com", Proof{})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestInitiate_InFlightRecoveryBlocksAnother(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, seed := testutil.NewTestUser(t, f.repo, "alice", "correct horse battery staple")
	f.initiate(t, models.RecoveryPassword, user, seed, "correct horse battery staple")
	sent := len(f.recorder.Sent)

	outcome, err := f.svc.Initiate(ctx, models.RecoveryPassword, user.Email, Proof{
		Username: user.Username,
		OTP:      totp.Compute(seed, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)
	assert.Len(t, f.recorder.Sent, sent)
}

func TestInitiate_MailFailureLeavesNoRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, seed := testutil.NewTestUser(t, f.repo, "alice", "correct horse battery staple")
	f.recorder.Fail = assert.AnError

	outcome, err := f.svc.Initiate(ctx, models.RecoveryPassword, user.Email, Proof{
		Username: user.Username,
		OTP:      totp.Compute(seed, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)

	// The rollback must leave the user recoverable.
	users, err := f.repo.FindRecoverableUsersByEmail(ctx, user.Email)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestResolve_BadLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, seed := testutil.NewTestUser(t, f.repo, "alice", "correct horse battery staple")
	params := f.initiate(t, models.RecoveryPassword, user, seed, "correct horse battery staple")

	_, _, err := f.svc.Resolve(ctx, params.Get("rec"), params.Get("key")+"x", "")
	assert.ErrorIs(t, err, ErrInvalidLink)

	// Type filter: a password recovery link is no username reveal.
	_, _, err = f.svc.Resolve(ctx, params.Get("rec"), params.Get("key"), models.RecoveryUsername)
	assert.ErrorIs(t, err, ErrInvalidLink)
}

func TestCompletePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, seed := testutil.NewTestUser(t, f.repo, "alice", "old password of alice")
	params := f.initiate(t, models.RecoveryPassword, user, seed, "old password of alice")
	id, key := params.Get("rec"), params.Get("key")

	const newPassword = "a fresh new passphrase"
	require.NoError(t, f.svc.CompletePassword(ctx, id, key, newPassword, newPassword))

	updated, err := f.repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, f.svc.auth.VerifyPassword(updated, newPassword))

	// The link is spent.
	err = f.svc.CompletePassword(ctx, id, key, newPassword, newPassword)
	assert.ErrorIs(t, err, ErrInvalidLink)
}

func TestCompletePassword_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, seed := testutil.NewTestUser(t, f.repo, "alice", "old password of alice")
	params := f.initiate(t, models.RecoveryPassword, user, seed, "old password of alice")
	id, key := params.Get("rec"), params.Get("key")

	err := f.svc.CompletePassword(ctx, id, key, "a fresh new passphrase", "something else")
	assert.ErrorIs(t, err, ErrPasswordMismatch)

	var vErr *auth.PasswordValidationError
	err = f.svc.CompletePassword(ctx, id, key, "short", "short")
	assert.ErrorAs(t, err, &vErr)

	// Rejections must not spend the link.
	require.NoError(t, f.svc.CompletePassword(ctx, id, key, "a fresh new passphrase", "a fresh new passphrase"))
}

func TestRevealUsername_OneShot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, seed := testutil.NewTestUser(t, f.repo, "alice", "correct horse battery staple")
	params := f.initiate(t, models.RecoveryUsername, user, seed, "correct horse battery staple")
	id, key := params.Get("rec"), params.Get("key")

	username, err := f.svc.RevealUsername(ctx, id, key)
	require.NoError(t, err)
	assert.Equal(t, "alice", username)

	_, err = f.svc.RevealUsername(ctx, id, key)
	assert.ErrorIs(t, err, ErrInvalidLink)
}

func TestSeedReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, oldSeed := testutil.NewTestUser(t, f.repo, "alice", "correct horse battery staple")
	params := f.initiate(t, models.RecoveryOTPSecret, user, oldSeed, "correct horse battery staple")
	id, key := params.Get("rec"), params.Get("key")

	newSeed, encryptedSeed, err := f.svc.BeginSeedReset(ctx, id, key)
	require.NoError(t, err)
	assert.NotEqual(t, oldSeed, newSeed)

	// The stored seed is untouched until confirmation.
	stored, err := f.repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	current, err := f.svc.auth.TOTPSeed(stored)
	require.NoError(t, err)
	assert.Equal(t, oldSeed, current)

	// A code from the old seed must not confirm the new one.
	err = f.svc.ConfirmSeedReset(ctx, id, key, encryptedSeed, totp.Compute(oldSeed, 0))
	assert.ErrorIs(t, err, ErrWrongOTP)

	require.NoError(t, f.svc.ConfirmSeedReset(ctx, id, key, encryptedSeed, totp.Compute(newSeed, 0)))

	stored, err = f.repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	current, err = f.svc.auth.TOTPSeed(stored)
	require.NoError(t, err)
	assert.Equal(t, newSeed, current)

	// The link is spent with the confirmation.
	_, _, err = f.svc.BeginSeedReset(ctx, id, key)
	assert.ErrorIs(t, err, ErrInvalidLink)
}

func TestConfirmSeedReset_TamperedScratch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, seed := testutil.NewTestUser(t, f.repo, "alice", "correct horse battery staple")
	params := f.initiate(t, models.RecoveryOTPSecret, user, seed, "correct horse battery staple")
	id, key := params.Get("rec"), params.Get("key")

	_, encryptedSeed, err := f.svc.BeginSeedReset(ctx, id, key)
	require.NoError(t, err)

	encryptedSeed[len(encryptedSeed)-1] ^= 0xFF
	err = f.svc.ConfirmSeedReset(ctx, id, key, encryptedSeed, "000000")
	assert.ErrorIs(t, err, ErrInvalidLink)
}

func TestJitterBounds(t *testing.T) {
	f := newFixture(t)

	for range 50 {
		f.svc.jitter()
	}
	for _, d := range f.slept {
		assert.GreaterOrEqual(t, d, minJitter)
		assert.Less(t, d, maxJitter)
	}
}
