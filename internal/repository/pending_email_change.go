// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package repository

import (
	"context"
	"time"

	"github.com/avollmer/idhub/internal/models"
)

// CreatePendingEmailChange inserts a pending e-mail change row; the
// unique user constraint allows at most one in flight per user.
func (r *Repository) CreatePendingEmailChange(ctx context.Context, change *models.PendingEmailChange) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO pending_email_changes (id, user_id, new_email, key, created_at, valid_until) VALUES (?, ?, ?, ?, ?, ?)`,
		change.ID, change.UserID, change.NewEmail, change.Key, change.CreatedAt, change.ValidUntil)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// UserHasPendingEmailChange reports whether the user already has an
// unconfirmed e-mail change.
func (r *Repository) UserHasPendingEmailChange(ctx context.Context, userID int64) (bool, error) {
	var count int64
	err := r.q.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM pending_email_changes WHERE user_id = ?`, userID)
	return count > 0, err
}

// GetValidPendingEmailChange retrieves an unexpired pending e-mail change
// whose user is still active.
func (r *Repository) GetValidPendingEmailChange(ctx context.Context, id string) (*models.PendingEmailChange, error) {
	var change models.PendingEmailChange
	err := r.q.GetContext(ctx, &change,
		`SELECT pe.* FROM pending_email_changes pe
		 JOIN users u ON u.id = pe.user_id
		 WHERE pe.id = ? AND pe.valid_until >= ? AND u.is_active = 1`,
		id, time.Now().UTC())
	if err != nil {
		return nil, wrapError(err)
	}
	return &change, nil
}

// DeletePendingEmailChange removes a pending e-mail change row.
func (r *Repository) DeletePendingEmailChange(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM pending_email_changes WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// DeleteExpiredPendingEmailChanges removes expired e-mail change rows.
func (r *Repository) DeleteExpiredPendingEmailChanges(ctx context.Context) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM pending_email_changes WHERE valid_until < ?`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
