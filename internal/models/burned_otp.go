// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package models

import "time"

// BurnedOTP records a one-time password that has been consumed for a
// user. The (user, token) pair is unique; replay checks look only at a
// recent window, older rows are purged by the cleanup command.
type BurnedOTP struct { //nolint:govet // fieldalignment: readability over optimization
	ID       string    `db:"id" json:"id"`
	UserID   int64     `db:"user_id" json:"user_id"`
	Token    string    `db:"token" json:"-"`
	BurnedAt time.Time `db:"burned_at" json:"burned_at"`
}
