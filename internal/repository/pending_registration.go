// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package repository

import (
	"context"
	"time"

	"github.com/avollmer/idhub/internal/models"
)

// CreatePendingRegistration inserts a pending registration row.
func (r *Repository) CreatePendingRegistration(ctx context.Context, reg *models.PendingRegistration) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO pending_registrations (id, user_id, key, created_at, valid_until) VALUES (?, ?, ?, ?, ?)`,
		reg.ID, reg.UserID, reg.Key, reg.CreatedAt, reg.ValidUntil)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetValidPendingRegistration retrieves an unexpired pending registration
// whose user is active and already holds a seed. Expired-but-undeleted
// rows are indistinguishable from missing ones.
func (r *Repository) GetValidPendingRegistration(ctx context.Context, id string) (*models.PendingRegistration, error) {
	var reg models.PendingRegistration
	err := r.q.GetContext(ctx, &reg,
		`SELECT pr.* FROM pending_registrations pr
		 JOIN users u ON u.id = pr.user_id
		 WHERE pr.id = ? AND pr.valid_until >= ? AND u.is_active = 1 AND u.totp_secret IS NOT NULL`,
		id, time.Now().UTC())
	if err != nil {
		return nil, wrapError(err)
	}
	return &reg, nil
}

// DeletePendingRegistration removes a pending registration row, keeping
// the now-confirmed user.
func (r *Repository) DeletePendingRegistration(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM pending_registrations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// DeleteExpiredPendingRegistrations removes expired registrations
// together with the user rows they reserved. The user row only exists to
// hold the username during the confirmation window, so it goes too.
func (r *Repository) DeleteExpiredPendingRegistrations(ctx context.Context) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM users WHERE id IN
		   (SELECT user_id FROM pending_registrations WHERE valid_until < ?)`,
		time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
