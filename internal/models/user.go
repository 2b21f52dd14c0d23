// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package models

import "time"

// UnusablePassword is the password-hash sentinel stored for accounts that
// cannot log in yet, e.g. during the registration confirmation window.
// It can never match a bcrypt comparison.
const UnusablePassword = "!"

// User is an account known to the hub. TOTPSecret holds the seed as
// Symmetric Cipher ciphertext; nil means "no MFA configured yet".
type User struct { //nolint:govet // fieldalignment: readability over optimization
	ID           int64     `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	Email        string    `db:"email" json:"email"`
	FirstName    string    `db:"first_name" json:"first_name"`
	LastName     string    `db:"last_name" json:"last_name"`
	PasswordHash string    `db:"password_hash" json:"-"`
	TOTPSecret   []byte    `db:"totp_secret" json:"-"`
	IsActive     bool      `db:"is_active" json:"is_active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// HasUsablePassword reports whether the account finished setting a real password.
func (u *User) HasUsablePassword() bool {
	return u.PasswordHash != "" && u.PasswordHash != UnusablePassword
}
