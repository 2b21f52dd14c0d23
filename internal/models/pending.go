// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package models

import "time"

// Validity windows for the pending resources.
const (
	RegistrationValidity = 72 * time.Hour
	RecoveryValidity     = time.Hour
	EmailChangeValidity  = 24 * time.Hour
)

// Recovery kinds a user can pick in the forgot-credentials workflow.
const (
	RecoveryUsername  = "username"
	RecoveryPassword  = "password"
	RecoveryOTPSecret = "otp-secret"
)

// RecoveryKinds lists the valid recovery_type values.
var RecoveryKinds = []string{RecoveryUsername, RecoveryPassword, RecoveryOTPSecret}

// PendingRegistration reserves a username/e-mail while the owner confirms
// by e-mail link. The ID is public (it appears in URLs); Key is the
// actual secret and only ever leaves the server inside a signed token.
// Deleting the registration deletes the reserved user row with it.
type PendingRegistration struct { //nolint:govet // fieldalignment: readability over optimization
	ID         string    `db:"id" json:"id"`
	UserID     int64     `db:"user_id" json:"user_id"`
	Key        string    `db:"key" json:"-"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	ValidUntil time.Time `db:"valid_until" json:"valid_until"`
}

// PendingRecovery is an in-flight forgot-credentials request; at most one
// exists per user.
type PendingRecovery struct { //nolint:govet // fieldalignment: readability over optimization
	ID           string    `db:"id" json:"id"`
	UserID       int64     `db:"user_id" json:"user_id"`
	RecoveryType string    `db:"recovery_type" json:"recovery_type"`
	Key          string    `db:"key" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	ValidUntil   time.Time `db:"valid_until" json:"valid_until"`
}

// PendingEmailChange is an unconfirmed e-mail address change; at most one
// exists per user.
type PendingEmailChange struct { //nolint:govet // fieldalignment: readability over optimization
	ID         string    `db:"id" json:"id"`
	UserID     int64     `db:"user_id" json:"user_id"`
	NewEmail   string    `db:"new_email" json:"new_email"`
	Key        string    `db:"key" json:"-"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	ValidUntil time.Time `db:"valid_until" json:"valid_until"`
}
