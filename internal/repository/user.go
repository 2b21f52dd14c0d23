// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package repository

import (
	"context"
	"strings"
	"time"

	"github.com/avollmer/idhub/internal/models"
)

// CreateUser inserts a new user and fills in its ID.
func (r *Repository) CreateUser(ctx context.Context, user *models.User) error {
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	res, err := r.q.ExecContext(ctx,
		`INSERT INTO users (username, email, first_name, last_name, password_hash, totp_secret, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.Username, user.Email, user.FirstName, user.LastName,
		user.PasswordHash, user.TOTPSecret, user.IsActive, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}

	user.ID, err = res.LastInsertId()
	return err
}

// GetUserByID retrieves a user by ID.
func (r *Repository) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	if err := r.q.GetContext(ctx, &user, `SELECT * FROM users WHERE id = ?`, id); err != nil {
		return nil, wrapError(err)
	}
	return &user, nil
}

// GetActiveUserByUsername retrieves an active user by exact (lowercase)
// username.
func (r *Repository) GetActiveUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	err := r.q.GetContext(ctx, &user,
		`SELECT * FROM users WHERE username = ? AND is_active = 1`, username)
	if err != nil {
		return nil, wrapError(err)
	}
	return &user, nil
}

// UsernameTaken checks whether a username is already reserved,
// case-insensitively.
func (r *Repository) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var count int64
	err := r.q.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM users WHERE lower(username) = ?`, strings.ToLower(username))
	return count > 0, err
}

// FindRecoverableUsersByEmail returns all active users with the given
// e-mail (case-insensitive) that have neither an in-flight registration
// nor an in-flight recovery. The caller decides how to treat zero, one,
// or multiple matches.
func (r *Repository) FindRecoverableUsersByEmail(ctx context.Context, email string) ([]models.User, error) {
	var users []models.User
	err := r.q.SelectContext(ctx, &users,
		`SELECT * FROM users
		 WHERE lower(email) = ? AND is_active = 1
		   AND NOT EXISTS (SELECT 1 FROM pending_registrations pr WHERE pr.user_id = users.id)
		   AND NOT EXISTS (SELECT 1 FROM pending_recoveries pc WHERE pc.user_id = users.id)`,
		strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, err
	}
	return users, nil
}

// UpdateUserPassword updates a user's password hash.
func (r *Repository) UpdateUserPassword(ctx context.Context, id int64, passwordHash string) error {
	return r.touchUser(ctx, id, `password_hash`, passwordHash)
}

// UpdateUserTOTPSecret stores a new encrypted TOTP seed for a user.
func (r *Repository) UpdateUserTOTPSecret(ctx context.Context, id int64, encryptedSeed []byte) error {
	return r.touchUser(ctx, id, `totp_secret`, encryptedSeed)
}

// UpdateUserEmail updates a user's e-mail address.
func (r *Repository) UpdateUserEmail(ctx context.Context, id int64, email string) error {
	return r.touchUser(ctx, id, `email`, email)
}

// UpdateUserName updates a user's first and last name.
func (r *Repository) UpdateUserName(ctx context.Context, id int64, firstName, lastName string) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE users SET first_name = ?, last_name = ?, updated_at = ? WHERE id = ?`,
		firstName, lastName, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// SetUserActive enables or disables an account. Inactive users can
// neither authenticate nor be recovered.
func (r *Repository) SetUserActive(ctx context.Context, id int64, active bool) error {
	return r.touchUser(ctx, id, `is_active`, active)
}

// DeleteUser deletes a user by ID; burned OTPs and pending resources go
// with it via foreign keys.
func (r *Repository) DeleteUser(ctx context.Context, id int64) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	return err
}

func (r *Repository) touchUser(ctx context.Context, id int64, column string, value any) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE users SET `+column+` = ?, updated_at = ? WHERE id = ?`,
		value, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}
