// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package repository

import (
	"context"
	"time"

	"github.com/avollmer/idhub/internal/models"
	"github.com/google/uuid"
)

// IsOTPBurned reports whether the (user, token) pair was already consumed
// within the given window.
func (r *Repository) IsOTPBurned(ctx context.Context, userID int64, token string, window time.Duration) (bool, error) {
	var count int64
	err := r.q.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM burned_otps WHERE user_id = ? AND token = ? AND burned_at >= ?`,
		userID, token, time.Now().UTC().Add(-window))
	return count > 0, err
}

// BurnOTP records a consumed one-time password. The UNIQUE(user_id,
// token) constraint makes concurrent duplicate burns lose cleanly: the
// second writer gets ErrAlreadyBurned and must treat the code as replayed.
func (r *Repository) BurnOTP(ctx context.Context, userID int64, token string) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO burned_otps (id, user_id, token, burned_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), userID, token, time.Now().UTC())
	if isUniqueViolation(err) {
		return ErrAlreadyBurned
	}
	return err
}

// ListBurnedOTPs returns all burned codes for a user, newest first.
func (r *Repository) ListBurnedOTPs(ctx context.Context, userID int64) ([]models.BurnedOTP, error) {
	var burned []models.BurnedOTP
	err := r.q.SelectContext(ctx, &burned,
		`SELECT * FROM burned_otps WHERE user_id = ? ORDER BY burned_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return burned, nil
}

// DeleteBurnedOTPsBefore removes burned codes older than cutoff. Run by
// the cleanup command, never on the authentication path.
func (r *Repository) DeleteBurnedOTPsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM burned_otps WHERE burned_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
