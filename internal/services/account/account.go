// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

// Package account implements the self-service operations of a signed-in
// user: changing the password, rotating the authenticator seed,
// changing the e-mail address and editing the profile name.
package account

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/avollmer/idhub/internal/models"
	"github.com/avollmer/idhub/internal/repository"
	"github.com/avollmer/idhub/internal/services/auth"
	"github.com/avollmer/idhub/internal/services/crypt"
	"github.com/avollmer/idhub/internal/services/email"
	"github.com/avollmer/idhub/internal/services/signer"
	"github.com/avollmer/idhub/internal/services/totp"
	"github.com/google/uuid"
)

// KeyAlphabet is the e-mail change key alphabet, disjoint from the
// registration and recovery alphabets.
const KeyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789$=^"

var (
	// ErrWrongPassword is returned when the current password re-check fails.
	ErrWrongPassword = errors.New("current password is wrong")
	// ErrPasswordMismatch is returned when password and repeat differ.
	ErrPasswordMismatch = errors.New("passwords do not match")
	// ErrWrongOTP is returned when the rotation code does not match the
	// pending seed.
	ErrWrongOTP = errors.New("one-time password does not match")
	// ErrInvalidInput is returned for malformed addresses or names.
	ErrInvalidInput = errors.New("invalid account input")
	// ErrInvalidLink is returned for any unusable confirmation link.
	ErrInvalidLink = errors.New("invalid or expired e-mail change link")
	// ErrChangeInFlight is returned when the user already has an
	// unconfirmed e-mail change.
	ErrChangeInFlight = errors.New("e-mail change already in flight")
)

// Service drives the signed-in account workflows.
type Service struct {
	repo   *repository.Repository
	cipher *crypt.Cipher
	signer *signer.Signer
	mailer *email.Service
	auth   *auth.Service
}

// NewService creates an account service.
func NewService(repo *repository.Repository, cipher *crypt.Cipher, sig *signer.Signer, mailer *email.Service, authSvc *auth.Service) *Service {
	return &Service{repo: repo, cipher: cipher, signer: sig, mailer: mailer, auth: authSvc}
}

// ChangePassword replaces a user's password after re-checking the
// current one. The new password runs through the full policy.
func (s *Service) ChangePassword(ctx context.Context, user *models.User, current, password, passwordRepeat string) error {
	if !s.auth.VerifyPassword(user, current) {
		return ErrWrongPassword
	}
	if password != passwordRepeat {
		return ErrPasswordMismatch
	}
	if err := s.auth.SetPassword(ctx, user, password); err != nil {
		return err
	}

	slog.Info("password_changed", "user_id", user.ID)
	return nil
}

// BeginSeedRotation generates a replacement authenticator seed. The
// stored seed stays untouched; the encrypted candidate travels through
// the caller's session until ConfirmSeedRotation proves possession.
func (s *Service) BeginSeedRotation() (seed, encryptedSeed []byte, err error) {
	seed, err = totp.GenerateSeed(totp.DefaultSeedLength)
	if err != nil {
		return nil, nil, fmt.Errorf("generating seed: %w", err)
	}
	encryptedSeed, err = s.auth.EncryptSeed(seed)
	if err != nil {
		return nil, nil, err
	}
	return seed, encryptedSeed, nil
}

// ConfirmSeedRotation installs a candidate seed once the user proves
// they enrolled it by presenting a current code. The code must come
// from the candidate, not from the still-active old seed.
func (s *Service) ConfirmSeedRotation(ctx context.Context, user *models.User, encryptedSeed []byte, otp string) error {
	seed, err := s.cipher.Decrypt(encryptedSeed)
	if err != nil {
		return ErrWrongOTP
	}
	if !auth.VerifyOTP(seed, otp) {
		return ErrWrongOTP
	}

	if err := s.repo.UpdateUserTOTPSecret(ctx, user.ID, encryptedSeed); err != nil {
		return fmt.Errorf("storing rotated seed: %w", err)
	}

	slog.Info("otp_seed_rotated", "user_id", user.ID)
	return nil
}

// RequestEmailChange records a new unconfirmed address and mails the
// confirmation link to it. The stored address only changes when the
// link is used, which proves the user can read mail at the new address.
// At most one change is in flight per user.
func (s *Service) RequestEmailChange(ctx context.Context, user *models.User, newAddress string) error {
	newAddress = strings.TrimSpace(newAddress)
	if _, err := mail.ParseAddress(newAddress); err != nil {
		return ErrInvalidInput
	}

	inFlight, err := s.repo.UserHasPendingEmailChange(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("checking pending change: %w", err)
	}
	if inFlight {
		return ErrChangeInFlight
	}

	key, err := signer.RandomKey(KeyAlphabet, signer.KeyLength)
	if err != nil {
		return err
	}
	id := uuid.NewString()

	err = s.repo.InTx(ctx, func(tx *repository.Repository) error {
		now := time.Now().UTC()
		if err := tx.CreatePendingEmailChange(ctx, &models.PendingEmailChange{
			ID:         id,
			UserID:     user.ID,
			NewEmail:   newAddress,
			Key:        key,
			CreatedAt:  now,
			ValidUntil: now.Add(models.EmailChangeValidity),
		}); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ErrChangeInFlight
			}
			return err
		}

		return s.mailer.SendEmailChange(newAddress, user.FirstName, s.ConfirmPath(id, key))
	})
	if err != nil {
		return err
	}

	slog.Info("email_change_requested", "user_id", user.ID, "change_id", id)
	return nil
}

// ConfirmPath builds the relative confirmation link for an e-mail
// change. The key is signed with the change id as salt.
func (s *Service) ConfirmPath(id, key string) string {
	return "/account/email/confirm?chg=" + url.QueryEscape(id) +
		"&key=" + url.QueryEscape(s.signer.Sign(key, id))
}

// ConfirmEmailChange verifies a confirmation link and installs the new
// address. The address update and the pending-row deletion commit
// together, so a link works exactly once.
func (s *Service) ConfirmEmailChange(ctx context.Context, id, signedKey string) error {
	key, err := s.signer.Unsign(signedKey, id)
	if err != nil {
		return ErrInvalidLink
	}

	change, err := s.repo.GetValidPendingEmailChange(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvalidLink
		}
		return fmt.Errorf("loading e-mail change: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(change.Key)) != 1 {
		return ErrInvalidLink
	}

	err = s.repo.InTx(ctx, func(tx *repository.Repository) error {
		if err := tx.UpdateUserEmail(ctx, change.UserID, change.NewEmail); err != nil {
			return err
		}
		return tx.DeletePendingEmailChange(ctx, change.ID)
	})
	if err != nil {
		return err
	}

	slog.Info("email_changed", "user_id", change.UserID, "change_id", change.ID)
	return nil
}

// UpdateName updates the profile name.
func (s *Service) UpdateName(ctx context.Context, user *models.User, firstName, lastName string) error {
	firstName = strings.TrimSpace(firstName)
	lastName = strings.TrimSpace(lastName)
	if len(firstName) > 150 || len(lastName) > 150 {
		return ErrInvalidInput
	}

	if err := s.repo.UpdateUserName(ctx, user.ID, firstName, lastName); err != nil {
		return fmt.Errorf("updating name: %w", err)
	}
	user.FirstName = firstName
	user.LastName = lastName
	return nil
}
