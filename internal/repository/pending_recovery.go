// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package repository

import (
	"context"
	"time"

	"github.com/avollmer/idhub/internal/models"
)

// CreatePendingRecovery inserts a pending recovery row. The one-to-one
// user constraint bounds in-flight recoveries to one per user.
func (r *Repository) CreatePendingRecovery(ctx context.Context, rec *models.PendingRecovery) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO pending_recoveries (id, user_id, recovery_type, key, created_at, valid_until) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.RecoveryType, rec.Key, rec.CreatedAt, rec.ValidUntil)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetValidPendingRecovery retrieves an unexpired pending recovery whose
// user is still active, optionally restricted to one recovery type.
func (r *Repository) GetValidPendingRecovery(ctx context.Context, id, recoveryType string) (*models.PendingRecovery, error) {
	query := `SELECT pc.* FROM pending_recoveries pc
		 JOIN users u ON u.id = pc.user_id
		 WHERE pc.id = ? AND pc.valid_until >= ? AND u.is_active = 1`
	args := []any{id, time.Now().UTC()}
	if recoveryType != "" {
		query += ` AND pc.recovery_type = ?`
		args = append(args, recoveryType)
	}

	var rec models.PendingRecovery
	if err := r.q.GetContext(ctx, &rec, query, args...); err != nil {
		return nil, wrapError(err)
	}
	return &rec, nil
}

// DeletePendingRecovery removes a pending recovery row.
func (r *Repository) DeletePendingRecovery(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM pending_recoveries WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// DeleteExpiredPendingRecoveries removes expired recovery rows.
func (r *Repository) DeleteExpiredPendingRecoveries(ctx context.Context) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM pending_recoveries WHERE valid_until < ?`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
