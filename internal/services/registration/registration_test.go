// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package registration_test

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/avollmer/idhub/internal/repository"
	"github.com/avollmer/idhub/internal/services/auth"
	"github.com/avollmer/idhub/internal/services/email"
	"github.com/avollmer/idhub/internal/services/registration"
	"github.com/avollmer/idhub/internal/services/totp"
	"github.com/avollmer/idhub/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*registration.Service, *repository.Repository, *testutil.MailRecorder) {
	t.Helper()
	_, repo := testutil.NewTestDB(t)
	cipher := testutil.NewCipher(t)
	recorder := &testutil.MailRecorder{}
	mailer := email.NewService(recorder, "Identity Hub", "https://hub.example.com")
	svc := registration.NewService(repo, cipher, testutil.NewSigner(), mailer, auth.NewService(repo, cipher))
	return svc, repo, recorder
}

// linkParams extracts the query parameters of the confirmation link in a
// mail body.
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

func TestBegin(t *testing.T) {
	svc, repo, recorder := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Begin(ctx, "Alice ", "alice@example.com", "Alice", "Smith"))

	// The username is reserved immediately, lowercased, without a
	// usable password.
	user, err := repo.GetActiveUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, user.HasUsablePassword())
	assert.NotNil(t, user.TOTPSecret)

	params := linkParams(t, recorder.Last(t).Body)
	assert.NotEmpty(t, params.Get("reg"))
	assert.NotEmpty(t, params.Get("key"))
}

func TestBegin_DuplicateUsername(t *testing.T) {
	svc, repo, _ := newService(t)
	ctx := context.Background()

	testutil.NewTestUser(t, repo, "alice", "a-password")

	err := svc.Begin(ctx, "alice", "other@example.com", "", "")
	assert.ErrorIs(t, err, registration.ErrUsernameTaken)
}

func TestBegin_InvalidInput(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Begin(ctx, "", "alice@example.com", "", ""), registration.ErrInvalidInput)
	assert.ErrorIs(t, svc.Begin(ctx, "alice", "not-an-address", "", ""), registration.ErrInvalidInput)
	assert.ErrorIs(t, svc.Begin(ctx, strings.Repeat("a", 151), "alice@example.com", "", ""), registration.ErrInvalidInput)
}

func TestBegin_MailFailureReservesNothing(t *testing.T) {
	svc, repo, recorder := newService(t)
	ctx := context.Background()

	recorder.Fail = assert.AnError

	err := svc.Begin(ctx, "alice", "alice@example.com", "Alice", "")
	require.ErrorIs(t, err, assert.AnError)

	// Rollback must free the username again.
	taken, err := repo.UsernameTaken(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, taken)
}

func TestResolve(t *testing.T) {
	svc, _, recorder := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Begin(ctx, "alice", "alice@example.com", "Alice", ""))
	params := linkParams(t, recorder.Last(t).Body)

	reg, user, seed, err := svc.Resolve(ctx, params.Get("reg"), params.Get("key"))
	require.NoError(t, err)
	assert.Equal(t, user.ID, reg.UserID)
	assert.GreaterOrEqual(t, len(seed), 32)
}

func TestResolve_BadLink(t *testing.T) {
	svc, _, recorder := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Begin(ctx, "alice", "alice@example.com", "Alice", ""))
	params := linkParams(t, recorder.Last(t).Body)

	// Tampered signature
	_, _, _, err := svc.Resolve(ctx, params.Get("reg"), params.Get("key")+"x")
	assert.ErrorIs(t, err, registration.ErrInvalidLink)

	// Unknown registration id with a well-signed key
	_, _, _, err = svc.Resolve(ctx, "00000000-0000-0000-0000-000000000000", params.Get("key"))
	assert.ErrorIs(t, err, registration.ErrInvalidLink)
}

func TestComplete(t *testing.T) {
	svc, repo, recorder := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Begin(ctx, "alice", "alice@example.com", "Alice", ""))
	params := linkParams(t, recorder.Last(t).Body)

	_, _, seed, err := svc.Resolve(ctx, params.Get("reg"), params.Get("key"))
	require.NoError(t, err)

	const password = "correct horse battery staple"
	require.NoError(t, svc.Complete(ctx, params.Get("reg"), params.Get("key"),
		password, password, totp.Compute(seed, 0)))

	// The password is live and the link is spent.
	user, err := repo.GetActiveUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, user.HasUsablePassword())

	_, _, _, err = svc.Resolve(ctx, params.Get("reg"), params.Get("key"))
	assert.ErrorIs(t, err, registration.ErrInvalidLink)
}

func TestComplete_Rejections(t *testing.T) {
	svc, _, recorder := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Begin(ctx, "alice", "alice@example.com", "Alice", ""))
	params := linkParams(t, recorder.Last(t).Body)
	id, key := params.Get("reg"), params.Get("key")

	_, _, seed, err := svc.Resolve(ctx, id, key)
	require.NoError(t, err)
	code := totp.Compute(seed, 0)

	const password = "correct horse battery staple"

	err = svc.Complete(ctx, id, key, password, "different repeat here", code)
	assert.ErrorIs(t, err, registration.ErrPasswordMismatch)

	var vErr *auth.PasswordValidationError
	err = svc.Complete(ctx, id, key, "short", "short", code)
	assert.ErrorAs(t, err, &vErr)

	err = svc.Complete(ctx, id, key, password, password, "000000")
	assert.ErrorIs(t, err, registration.ErrWrongOTP)

	// None of the rejections may consume the link.
	require.NoError(t, svc.Complete(ctx, id, key, password, password, code))
}

func TestExpiredRegistrationFreesUsername(t *testing.T) {
	svc, repo, recorder := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Begin(ctx, "alice", "alice@example.com", "Alice", ""))
	params := linkParams(t, recorder.Last(t).Body)

	// Force-expire the pending registration, then sweep.
	user, err := repo.GetActiveUserByUsername(ctx, "alice")
	require.NoError(t, err)
	_, err = repo.DB().ExecContext(ctx,
		`UPDATE pending_registrations SET valid_until = datetime('now', '-1 hour') WHERE user_id = ?`, user.ID)
	require.NoError(t, err)

	deleted, err := repo.DeleteExpiredPendingRegistrations(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	_, _, _, err = svc.Resolve(ctx, params.Get("reg"), params.Get("key"))
	assert.ErrorIs(t, err, registration.ErrInvalidLink)

	taken, err := repo.UsernameTaken(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, taken)
}
