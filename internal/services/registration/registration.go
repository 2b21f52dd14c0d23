// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

// Package registration implements the two-step self-service signup
// workflow: reserve the account and mail a confirmation link, then
// enroll the authenticator and set the first password.
package registration

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

// KeyAlphabet is the registration key alphabet. It is disjoint enough
// from the other workflows' alphabets that keys cannot cross over.
const KeyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_.~"

var (
	// ErrUsernameTaken is returned when the requested username exists.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrInvalidInput is returned for malformed usernames or addresses.
	ErrInvalidInput = errors.New("invalid registration input")
	// ErrInvalidLink is returned for any unusable confirmation link:
	// bad signature, unknown id, expired, wrong key.
	ErrInvalidLink = errors.New("invalid or expired registration link")
	// ErrPasswordMismatch is returned when password and repeat differ.
	ErrPasswordMismatch = errors.New("passwords do not match")
	// ErrWrongOTP is returned when the enrollment code does not match
	// the new seed.
	ErrWrongOTP = errors.New("one-time password does not match")
)

// Service drives the registration workflow.
type Service struct {
	repo   *repository.Repository
	cipher *crypt.Cipher
	signer *signer.Signer
	mailer *email.Service
	auth   *auth.Service
}

// NewService creates a registration service.
func NewService(repo *repository.Repository, cipher *crypt.Cipher, sig *signer.Signer, mailer *email.Service, authSvc *auth.Service) *Service {
	return &Service{repo: repo, cipher: cipher, signer: sig, mailer: mailer, auth: authSvc}
}

// Begin reserves a username and mails the confirmation link. The user
// row, its pending registration and the mail send form one unit: if the
// mail cannot leave, nothing is reserved.
func (s *Service) Begin(ctx context.Context, username, address, firstName, lastName string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || len(username) > auth.MaxUsernameLength {
		return ErrInvalidInput
	}
	if _, err := mail.ParseAddress(address); err != nil {
		return ErrInvalidInput
	}

	taken, err := s.repo.UsernameTaken(ctx, username)
	if err != nil {
		return fmt.Errorf("checking username: %w", err)
	}
	if taken {
		return ErrUsernameTaken
	}

	seed, err := totp.GenerateSeed(totp.DefaultSeedLength)
	if err != nil {
		return fmt.Errorf("generating seed: %w", err)
	}
	encryptedSeed, err := s.auth.EncryptSeed(seed)
	if err != nil {
		return err
	}

	key, err := signer.RandomKey(KeyAlphabet, signer.KeyLength)
	if err != nil {
		return err
	}
	id := uuid.NewString()

	err = s.repo.InTx(ctx, func(tx *repository.Repository) error {
		user := &models.User{
			Username:     username,
			Email:        address,
			FirstName:    firstName,
			LastName:     lastName,
			PasswordHash: models.UnusablePassword,
			TOTPSecret:   encryptedSeed,
			IsActive:     true,
		}
		if err := tx.CreateUser(ctx, user); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ErrUsernameTaken
			}
			return err
		}

		now := time.Now().UTC()
		if err := tx.CreatePendingRegistration(ctx, &models.PendingRegistration{
			ID:         id,
			UserID:     user.ID,
			Key:        key,
			CreatedAt:  now,
			ValidUntil: now.Add(models.RegistrationValidity),
		}); err != nil {
			return err
		}

		return s.mailer.SendRegistration(address, firstName, s.ConfirmPath(id, key))
	})
	if err != nil {
		return err
	}

	slog.Info("registration_started", "registration_id", id, "username", username)
	return nil
}

// ConfirmPath builds the relative confirmation link for a registration.
// The key is signed with the registration id as salt, so a signature
// never verifies against any other resource.
func (s *Service) ConfirmPath(id, key string) string {
	return "/registration/confirm?reg=" + url.QueryEscape(id) +
		"&key=" + url.QueryEscape(s.signer.Sign(key, id))
}

// Resolve verifies a confirmation link and returns the pending
// registration, its user and the decrypted seed for enrollment display.
func (s *Service) Resolve(ctx context.Context, id, signedKey string) (*models.PendingRegistration, *models.User, []byte, error) {
	key, err := s.signer.Unsign(signedKey, id)
	if err != nil {
		return nil, nil, nil, ErrInvalidLink
	}

	reg, err := s.repo.GetValidPendingRegistration(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, nil, ErrInvalidLink
		}
		return nil, nil, nil, fmt.Errorf("loading registration: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(reg.Key)) != 1 {
		return nil, nil, nil, ErrInvalidLink
	}

	user, err := s.repo.GetUserByID(ctx, reg.UserID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading user: %w", err)
	}

	seed, err := s.cipher.Decrypt(user.TOTPSecret)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decrypting seed: %w", err)
	}

	return reg, user, seed, nil
}

// Complete finishes a registration: the password must satisfy the
// policy and match its repeat, and the code must come from the freshly
// enrolled authenticator. The password update and the pending-row
// deletion commit together, so a link works exactly once.
func (s *Service) Complete(ctx context.Context, id, signedKey, password, passwordRepeat, otp string) error {
	reg, user, seed, err := s.Resolve(ctx, id, signedKey)
	if err != nil {
		return err
	}

	if password != passwordRepeat {
		return ErrPasswordMismatch
	}
	validation := s.auth.ValidatePassword(password, user.Username, user.Email, user.FirstName, user.LastName)
	if !validation.Valid {
		return &auth.PasswordValidationError{Errors: validation.Errors}
	}
	if !auth.VerifyOTP(seed, otp) {
		return ErrWrongOTP
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	err = s.repo.InTx(ctx, func(tx *repository.Repository) error {
		if err := tx.UpdateUserPassword(ctx, user.ID, hash); err != nil {
			return err
		}
		return tx.DeletePendingRegistration(ctx, reg.ID)
	})
	if err != nil {
		return err
	}

	slog.Info("registration_completed", "user_id", user.ID, "username", user.Username)
	return nil
}
