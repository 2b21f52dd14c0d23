// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package auth

import (
	"bufio"
	"embed"
	"fmt"
	"strings"
	"unicode"
)

//go:embed common_passwords.txt
var commonPasswordsFS embed.FS

var commonPasswords map[string]struct{}

func init() {
	commonPasswords = make(map[string]struct{})
	file, err := commonPasswordsFS.Open("common_passwords.txt")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		password := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if password != "" {
			commonPasswords[password] = struct{}{}
		}
	}
}

// PasswordValidator validates new passwords against the account policy.
type PasswordValidator struct {
	MinLength            int
	CheckCommonPasswords bool
	CheckUserSimilarity  bool
}

// DefaultPasswordValidator returns the validator with the hub's policy.
func DefaultPasswordValidator() *PasswordValidator {
	return &PasswordValidator{
		MinLength:            12,
		CheckCommonPasswords: true,
		CheckUserSimilarity:  true,
	}
}

// ValidationError represents a single password validation error.
type ValidationError struct {
	Code    string
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}

// PasswordValidationError wraps multiple validation errors.
type PasswordValidationError struct {
	Errors []ValidationError
}

func (e *PasswordValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "password validation failed"
	}
	return e.Errors[0].Message
}

// Messages returns all error messages.
func (e *PasswordValidationError) Messages() []string {
	messages := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		messages[i] = err.Message
	}
	return messages
}

// ValidationResult holds all validation errors.
type ValidationResult struct {
	Valid  bool
	Errors []ValidationError
}

// Validate checks a password against the configured policy. The user
// attributes are the account's username, e-mail and names; a new
// password must not resemble any of them.
func (v *PasswordValidator) Validate(password string, userAttributes ...string) ValidationResult {
	var errors []ValidationError

	if len(password) < v.MinLength {
		errors = append(errors, ValidationError{
			Code:    "min_length",
			Message: fmt.Sprintf("Password must be at least %d characters long.", v.MinLength),
		})
	}

	if isEntirelyNumeric(password) {
		errors = append(errors, ValidationError{
			Code:    "entirely_numeric",
			Message: "Password cannot be entirely numeric.",
		})
	}

	if v.CheckCommonPasswords && isCommonPassword(password) {
		errors = append(errors, ValidationError{
			Code:    "common_password",
			Message: "This password is too common. Please choose a more secure password.",
		})
	}

	if v.CheckUserSimilarity && isSimilarToUserAttributes(password, userAttributes) {
		errors = append(errors, ValidationError{
			Code:    "too_similar",
			Message: "Password is too similar to your personal information.",
		})
	}

	return ValidationResult{
		Valid:  len(errors) == 0,
		Errors: errors,
	}
}

// HelpTexts returns the policy requirements for rendering next to
// password fields.
func (v *PasswordValidator) HelpTexts() []string {
	texts := []string{
		fmt.Sprintf("At least %d characters", v.MinLength),
		"Cannot be entirely numeric",
	}
	if v.CheckCommonPasswords {
		texts = append(texts, "Not a commonly used password")
	}
	if v.CheckUserSimilarity {
		texts = append(texts, "Not too similar to your personal information")
	}
	return texts
}

func isEntirelyNumeric(password string) bool {
	for _, r := range password {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return len(password) > 0
}

func isCommonPassword(password string) bool {
	_, exists := commonPasswords[strings.ToLower(password)]
	return exists
}

func isSimilarToUserAttributes(password string, attributes []string) bool {
	passwordLower := strings.ToLower(password)

	for _, attr := range attributes {
		if attr == "" {
			continue
		}
		attrLower := strings.ToLower(attr)

		if strings.Contains(passwordLower, attrLower) || strings.Contains(attrLower, passwordLower) {
			return true
		}
		if similarity(passwordLower, attrLower) > 0.7 {
			return true
		}
	}

	return false
}

func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	return float64(longestCommonSubsequence(a, b)) / float64(max(len(a), len(b)))
}

func longestCommonSubsequence(a, b string) int {
	m, n := len(a), len(b)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}

	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if a[i-1] == b[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else {
				dp[i][j] = max(dp[i-1][j], dp[i][j-1])
			}
		}
	}

	return dp[m][n]
}
