// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

// Package recovery implements the forgot-credentials workflow. A user
// who still holds two of their three credentials can recover the third
// through a mailed one-shot link.
package recovery

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
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

// KeyAlphabet is the recovery key alphabet.
const KeyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789$/:;,"

// Initiation jitter bounds. Every initiation answers after an extra
// random delay so response timing does not reveal whether a mail left.
const (
	minJitter = 50 * time.Millisecond
	maxJitter = 750 * time.Millisecond
)

var (
	// ErrUnknownKind is returned for a recovery type outside the three
	// supported ones.
	ErrUnknownKind = errors.New("unknown recovery type")
	// ErrInvalidLink is returned for any unusable recovery link.
	ErrInvalidLink = errors.New("invalid or expired recovery link")
	// ErrPasswordMismatch is returned when password and repeat differ.
	ErrPasswordMismatch = errors.New("passwords do not match")
	// ErrWrongOTP is returned when the confirmation code does not match
	// the replacement seed.
	ErrWrongOTP = errors.New("one-time password does not match")
)

// Outcome is what an initiation reports to the caller. There is no
// failure outcome: a request that cannot be honored still reports
// Accepted, so the response does not leak which e-mail addresses exist.
type Outcome int

const (
	// OutcomeAccepted covers success and every silent failure.
	OutcomeAccepted Outcome = iota
	// OutcomeAmbiguous means more than one account uses the address and
	// recovery needs manual support.
	OutcomeAmbiguous
)

// Proof carries the two credentials the user still knows. The field
// matching the lost credential is ignored.
type Proof struct {
	Username string
	Password string
	OTP      string
}

// Service orchestrates credential recovery.
type Service struct {
	repo   *repository.Repository
	cipher *crypt.Cipher
	signer *signer.Signer
	mailer *email.Service
	auth   *auth.Service

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// NewService creates a recovery service.
func NewService(repo *repository.Repository, cipher *crypt.Cipher, sig *signer.Signer, mailer *email.Service, authSvc *auth.Service) *Service {
	return &Service{
		repo:   repo,
		cipher: cipher,
		signer: sig,
		mailer: mailer,
		auth:   authSvc,
		sleep:  time.Sleep,
	}
}

// Initiate starts a recovery. The proof must verify against the two
// credentials of the matched account that the user still knows; on any
// mismatch, unknown address, or in-flight registration/recovery the
// request is silently dropped and still reports Accepted.
func (s *Service) Initiate(ctx context.Context, kind, address string, proof Proof) (Outcome, error) {
	if !validKind(kind) {
		return OutcomeAccepted, ErrUnknownKind
	}
	defer s.jitter()

	users, err := s.repo.FindRecoverableUsersByEmail(ctx, address)
	if err != nil {
		return OutcomeAccepted, fmt.Errorf("looking up users: %w", err)
	}
	switch {
	case len(users) == 0:
		slog.Info("recovery_dropped", "reason", "no_recoverable_user")
		return OutcomeAccepted, nil
	case len(users) > 1:
		slog.Warn("recovery_ambiguous", "matches", len(users))
		return OutcomeAmbiguous, nil
	}
	user := &users[0]

	if !s.verifyProof(user, kind, proof) {
		slog.Info("recovery_dropped", "reason", "proof_failed", "user_id", user.ID)
		return OutcomeAccepted, nil
	}

	key, err := signer.RandomKey(KeyAlphabet, signer.KeyLength)
	if err != nil {
		return OutcomeAccepted, err
	}
	id := uuid.NewString()

	err = s.repo.InTx(ctx, func(tx *repository.Repository) error {
		now := time.Now().UTC()
		if err := tx.CreatePendingRecovery(ctx, &models.PendingRecovery{
			ID:           id,
			UserID:       user.ID,
			RecoveryType: kind,
			Key:          key,
			CreatedAt:    now,
			ValidUntil:   now.Add(models.RecoveryValidity),
		}); err != nil {
			return err
		}
		return s.mailer.SendRecovery(user.Email, user.FirstName, s.ContinuePath(id, key))
	})
	if err != nil {
		// The rollback leaves no trace; the caller still sees Accepted.
		slog.Error("recovery_rolled_back", "user_id", user.ID, "error", err)
		return OutcomeAccepted, nil
	}

	slog.Info("recovery_initiated", "recovery_id", id, "user_id", user.ID, "kind", kind)
	return OutcomeAccepted, nil
}

// ContinuePath builds the relative continuation link for a recovery.
func (s *Service) ContinuePath(id, key string) string {
	return "/forgot-credentials/continue?rec=" + url.QueryEscape(id) +
		"&key=" + url.QueryEscape(s.signer.Sign(key, id))
}

// Resolve verifies a continuation link and returns the pending recovery
// with its user. kind restricts the recovery type; empty accepts any.
func (s *Service) Resolve(ctx context.Context, id, signedKey, kind string) (*models.PendingRecovery, *models.User, error) {
	key, err := s.signer.Unsign(signedKey, id)
	if err != nil {
		return nil, nil, ErrInvalidLink
	}

	rec, err := s.repo.GetValidPendingRecovery(ctx, id, kind)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrInvalidLink
		}
		return nil, nil, fmt.Errorf("loading recovery: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(rec.Key)) != 1 {
		return nil, nil, ErrInvalidLink
	}

	user, err := s.repo.GetUserByID(ctx, rec.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading user: %w", err)
	}
	return rec, user, nil
}

// CompletePassword finishes a password recovery: validate the new
// password, then set it and spend the link in one transaction.
func (s *Service) CompletePassword(ctx context.Context, id, signedKey, password, passwordRepeat string) error {
	rec, user, err := s.Resolve(ctx, id, signedKey, models.RecoveryPassword)
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

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	err = s.repo.InTx(ctx, func(tx *repository.Repository) error {
		if err := tx.UpdateUserPassword(ctx, user.ID, hash); err != nil {
			return err
		}
		return tx.DeletePendingRecovery(ctx, rec.ID)
	})
	if err != nil {
		return err
	}

	slog.Info("recovery_password_set", "user_id", user.ID)
	return nil
}

// RevealUsername finishes a username recovery. The row is spent before
// the username leaves, so the link reveals exactly once.
func (s *Service) RevealUsername(ctx context.Context, id, signedKey string) (string, error) {
	rec, user, err := s.Resolve(ctx, id, signedKey, models.RecoveryUsername)
	if err != nil {
		return "", err
	}

	if err := s.repo.DeletePendingRecovery(ctx, rec.ID); err != nil {
		return "", fmt.Errorf("spending recovery: %w", err)
	}

	slog.Info("recovery_username_revealed", "user_id", user.ID)
	return user.Username, nil
}

// BeginSeedReset mints a replacement seed for an otp-secret recovery.
// It returns the plaintext seed for enrollment display and its
// ciphertext for the session scratch channel. The stored seed stays
// untouched until ConfirmSeedReset.
func (s *Service) BeginSeedReset(ctx context.Context, id, signedKey string) (seed, encryptedSeed []byte, err error) {
	if _, _, err := s.Resolve(ctx, id, signedKey, models.RecoveryOTPSecret); err != nil {
		return nil, nil, err
	}

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

// ConfirmSeedReset persists the replacement seed once a code from it
// proves the authenticator is enrolled. encryptedSeed is the ciphertext
// BeginSeedReset parked in the session scratch channel.
func (s *Service) ConfirmSeedReset(ctx context.Context, id, signedKey string, encryptedSeed []byte, otp string) error {
	rec, user, err := s.Resolve(ctx, id, signedKey, models.RecoveryOTPSecret)
	if err != nil {
		return err
	}

	seed, err := s.cipher.Decrypt(encryptedSeed)
	if err != nil {
		return ErrInvalidLink
	}
	if !auth.VerifyOTP(seed, otp) {
		return ErrWrongOTP
	}

	err = s.repo.InTx(ctx, func(tx *repository.Repository) error {
		if err := tx.UpdateUserTOTPSecret(ctx, user.ID, encryptedSeed); err != nil {
			return err
		}
		return tx.DeletePendingRecovery(ctx, rec.ID)
	})
	if err != nil {
		return err
	}

	slog.Info("recovery_seed_reset", "user_id", user.ID)
	return nil
}

func (s *Service) verifyProof(user *models.User, kind string, proof Proof) bool {
	switch kind {
	case models.RecoveryUsername:
		return s.auth.VerifyPassword(user, proof.Password) && s.verifyOTP(user, proof.OTP)
	case models.RecoveryPassword:
		return verifyUsername(user, proof.Username) && s.verifyOTP(user, proof.OTP)
	case models.RecoveryOTPSecret:
		return s.auth.VerifyPassword(user, proof.Password) && verifyUsername(user, proof.Username)
	}
	return false
}

func (s *Service) verifyOTP(user *models.User, otp string) bool {
	seed, err := s.auth.TOTPSeed(user)
	if err != nil {
		return false
	}
	return auth.VerifyOTP(seed, otp)
}

func verifyUsername(user *models.User, username string) bool {
	return strings.EqualFold(strings.TrimSpace(username), user.Username)
}

func validKind(kind string) bool {
	for _, k := range models.RecoveryKinds {
		if kind == k {
			return true
		}
	}
	return false
}

func (s *Service) jitter() {
	s.sleep(minJitter + rand.N(maxJitter-minJitter))
}
