// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package repository_test

import (
	"context"
	"testing"

	"github.com/avollmer/idhub/internal/models"
	"github.com/avollmer/idhub/internal/repository"
	"github.com/avollmer/idhub/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateUser(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	user := &models.User{
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: models.UnusablePassword,
		IsActive:     true,
	}

	require.NoError(t, repo.CreateUser(ctx, user))
	assert.NotZero(t, user.ID)

	got, err := repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.True(t, got.IsActive)
	assert.Nil(t, got.TOTPSecret)
}

func TestCreateUser_DuplicateUsername(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	testutil.NewTestUser(t, repo, "alice", "a-password")

	err := repo.CreateUser(ctx, &models.User{
		Username:     "alice",
		Email:        "other@example.com",
		PasswordHash: models.UnusablePassword,
		IsActive:     true,
	})
	assert.ErrorIs(t, err, repository.ErrConflict)
}

func TestGetActiveUserByUsername(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	user, _ := testutil.NewTestUser(t, repo, "alice", "a-password")

	got, err := repo.GetActiveUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.NotNil(t, got.TOTPSecret)
}

func TestGetActiveUserByUsername_Inactive(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	user, _ := testutil.NewTestUser(t, repo, "alice", "a-password")
	require.NoError(t, repo.SetUserActive(ctx, user.ID, false))

	_, err := repo.GetActiveUserByUsername(ctx, "alice")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUsernameTaken(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	testutil.NewTestUser(t, repo, "alice", "a-password")

	taken, err := repo.UsernameTaken(ctx, "Alice")
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = repo.UsernameTaken(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, taken)
}

func TestFindRecoverableUsersByEmail(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	user, _ := testutil.NewTestUser(t, repo, "alice", "a-password")

	users, err := repo.FindRecoverableUsersByEmail(ctx, " ALICE@example.com ")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, user.ID, users[0].ID)
}

func TestFindRecoverableUsersByEmail_ExcludesPending(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	user, _ := testutil.NewTestUser(t, repo, "alice", "a-password")
	createPendingRecovery(t, repo, user.ID, models.RecoveryPassword)

	users, err := repo.FindRecoverableUsersByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestUpdateUserPassword(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	user, _ := testutil.NewTestUser(t, repo, "alice", "a-password")

	require.NoError(t, repo.UpdateUserPassword(ctx, user.ID, "new-hash"))

	got, err := repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-hash", got.PasswordHash)
}

func TestUpdateUserPassword_MissingUser(t *testing.T) {
	_, repo := testutil.NewTestDB(t)

	err := repo.UpdateUserPassword(context.Background(), 12345, "new-hash")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDeleteUser_CascadesPendingRows(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	user, _ := testutil.NewTestUser(t, repo, "alice", "a-password")
	rec := createPendingRecovery(t, repo, user.ID, models.RecoveryPassword)

	require.NoError(t, repo.DeleteUser(ctx, user.ID))

	_, err := repo.GetValidPendingRecovery(ctx, rec.ID, "")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
