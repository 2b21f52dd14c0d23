// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

// Package auth implements multi-factor authentication with bcrypt
// passwords and time-based one-time passwords.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/avollmer/idhub/internal/models"
	"github.com/avollmer/idhub/internal/repository"
	"github.com/avollmer/idhub/internal/services/crypt"
	"github.com/avollmer/idhub/internal/services/totp"
	"golang.org/x/crypto/bcrypt"
)

// ErrAuthenticationFailed is the only error Authenticate reports for a
// rejected attempt. Unknown username, wrong password, wrong or replayed
// code all look identical to the caller.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Input bounds checked before any database work.
const (
	MaxUsernameLength = 150
	MaxPasswordLength = 1000
	OTPLength         = totp.Digits
)

// Seed length bounds accepted for stored TOTP seeds.
const (
	MinSeedLength = 32
	MaxSeedLength = 96
)

// replayWindow is how far back a one-time password counts as burned.
const replayWindow = time.Hour

// dummyPassword and dummyHash feed the throwaway bcrypt comparisons
// that pad out rejected attempts.
var (
	dummyPassword = []byte("dummy-password-for-timing")
	dummyHash, _  = bcrypt.GenerateFromPassword(dummyPassword, bcrypt.DefaultCost)
)

// Service authenticates users and manages their credentials.
type Service struct {
	repo              *repository.Repository
	cipher            *crypt.Cipher
	passwordValidator *PasswordValidator

	// compareHash is bcrypt.CompareHashAndPassword, swapped out in
	// tests that count hash work.
	compareHash func(hashedPassword, password []byte) error
}

// NewService creates an authentication service.
func NewService(repo *repository.Repository, cipher *crypt.Cipher) *Service {
	return &Service{
		repo:              repo,
		cipher:            cipher,
		passwordValidator: DefaultPasswordValidator(),
		compareHash:       bcrypt.CompareHashAndPassword,
	}
}

// PasswordValidator returns the password validator for use in handlers.
func (s *Service) PasswordValidator() *PasswordValidator {
	return s.passwordValidator
}

// ValidatePassword validates a password and returns the validation result.
func (s *Service) ValidatePassword(password string, userAttributes ...string) ValidationResult {
	return s.passwordValidator.Validate(password, userAttributes...)
}

// Authenticate checks username, password and one-time password together
// and returns the user only when all three pass. A code that passes is
// burned before the user is returned, so presenting it again within the
// replay window fails.
func (s *Service) Authenticate(ctx context.Context, username, password, otp string) (*models.User, error) {
	// Every attempt pays for a random amount of hash work up front, and
	// each branch below that skips the real password comparison adds
	// one dummy comparison in its place, so the total bcrypt cost does
	// not reveal how far an attempt got.
	for range 1 + rand.IntN(4) {
		_ = s.compareHash(dummyHash, dummyPassword)
	}

	if len(username) == 0 || len(username) > MaxUsernameLength ||
		len(password) == 0 || len(password) > MaxPasswordLength ||
		len(otp) != OTPLength {
		return nil, s.fail(username, "bad_input")
	}

	username = strings.ToLower(strings.TrimSpace(username))

	user, err := s.repo.GetActiveUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			_ = s.compareHash(dummyHash, []byte(password))
			return nil, s.fail(username, "unknown_user")
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	if !user.HasUsablePassword() {
		_ = s.compareHash(dummyHash, []byte(password))
		return nil, s.fail(username, "unusable_password")
	}
	if err := s.compareHash([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, s.fail(username, "invalid_password")
	}

	seed, err := s.cipher.Decrypt(user.TOTPSecret)
	if err != nil {
		return nil, s.fail(username, "unreadable_seed")
	}

	if !slices.Contains(totp.AcceptableCodes(seed, -1, 1), otp) {
		return nil, s.fail(username, "invalid_otp")
	}

	burned, err := s.repo.IsOTPBurned(ctx, user.ID, otp, replayWindow)
	if err != nil {
		return nil, fmt.Errorf("checking burned codes: %w", err)
	}
	if burned {
		return nil, s.fail(username, "replayed_otp")
	}
	if err := s.repo.BurnOTP(ctx, user.ID, otp); err != nil {
		if errors.Is(err, repository.ErrAlreadyBurned) {
			return nil, s.fail(username, "replayed_otp")
		}
		return nil, fmt.Errorf("burning code: %w", err)
	}

	slog.Info("login_success", "user_id", user.ID, "username", username)
	return user, nil
}

func (s *Service) fail(username, reason string) error {
	slog.Warn("login_failed", "username", username, "reason", reason)
	return ErrAuthenticationFailed
}

// VerifyPassword checks a password against a user's stored hash. Users
// holding the unusable-password sentinel never verify.
func (s *Service) VerifyPassword(user *models.User, password string) bool {
	if !user.HasUsablePassword() {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}

// HashPassword hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// SetPassword validates and stores a new password for a user.
func (s *Service) SetPassword(ctx context.Context, user *models.User, password string) error {
	validation := s.passwordValidator.Validate(password, user.Username, user.Email, user.FirstName, user.LastName)
	if !validation.Valid {
		return &PasswordValidationError{Errors: validation.Errors}
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateUserPassword(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	return nil
}

// SetTOTPSeed encrypts and stores a new TOTP seed for a user.
func (s *Service) SetTOTPSeed(ctx context.Context, userID int64, seed []byte) error {
	encrypted, err := s.EncryptSeed(seed)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateUserTOTPSecret(ctx, userID, encrypted); err != nil {
		return fmt.Errorf("storing seed: %w", err)
	}
	return nil
}

// EncryptSeed checks the storage bounds and encrypts a seed without
// persisting it.
func (s *Service) EncryptSeed(seed []byte) ([]byte, error) {
	if len(seed) < MinSeedLength {
		return nil, fmt.Errorf("seed too short: %d bytes, need at least %d", len(seed), MinSeedLength)
	}
	if len(seed) > MaxSeedLength {
		return nil, fmt.Errorf("seed too long: %d bytes, at most %d allowed", len(seed), MaxSeedLength)
	}
	encrypted, err := s.cipher.Encrypt(seed)
	if err != nil {
		return nil, fmt.Errorf("encrypting seed: %w", err)
	}
	return encrypted, nil
}

// TOTPSeed decrypts a user's stored seed.
func (s *Service) TOTPSeed(user *models.User) ([]byte, error) {
	seed, err := s.cipher.Decrypt(user.TOTPSecret)
	if err != nil {
		return nil, fmt.Errorf("decrypting seed for user %d: %w", user.ID, err)
	}
	return seed, nil
}

// VerifyOTP reports whether a code matches a seed within the accepted
// clock drift. It does not burn the code.
func VerifyOTP(seed []byte, otp string) bool {
	return slices.Contains(totp.AcceptableCodes(seed, -1, 1), otp)
}
