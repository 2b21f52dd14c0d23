// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package handlers

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/avollmer/idhub/internal/models"
	"github.com/avollmer/idhub/internal/services/auth"
	"github.com/avollmer/idhub/internal/services/recovery"
	"github.com/avollmer/idhub/internal/services/totp"
	"github.com/labstack/echo/v4"
)

// recoverySeedScratch is the session scratch key holding the encrypted
// candidate seed between the two steps of a seed reset.
const recoverySeedScratch = "recovery_seed"

// ForgotPage renders the recovery request form.
func (h *Handlers) ForgotPage(c echo.Context) error {
	return h.render(c, http.StatusOK, "forgot", view{Title: "Recover your credentials"})
}

// ForgotSubmit starts a recovery. The response never reveals whether
// the address or the proof matched anything.
func (h *Handlers) ForgotSubmit(c echo.Context) error {
	outcome, err := h.recovery.Initiate(c.Request().Context(),
		c.FormValue("kind"), c.FormValue("email"), recovery.Proof{
			Username: c.FormValue("username"),
			Password: c.FormValue("password"),
			OTP:      c.FormValue("otp"),
		})
	if errors.Is(err, recovery.ErrUnknownKind) {
		return h.RenderError(c, http.StatusBadRequest, "Unknown recovery type.")
	}
	if err != nil {
		return err
	}

	if outcome == recovery.OutcomeAmbiguous {
		return h.render(c, http.StatusOK, "forgot_ambiguous", view{Title: "Recovery not possible"})
	}
	return h.render(c, http.StatusOK, "forgot_accepted", view{Title: "Check your inbox"})
}

// ForgotContinue resolves a recovery link and branches into the flow
// for the recovered credential.
func (h *Handlers) ForgotContinue(c echo.Context) error {
	ctx := c.Request().Context()
	id, signedKey := c.QueryParam("rec"), c.QueryParam("key")

	rec, user, err := h.recovery.Resolve(ctx, id, signedKey, "")
	if errors.Is(err, recovery.ErrInvalidLink) {
		return h.RenderError(c, http.StatusNotFound, "This recovery link is invalid or expired.")
	}
	if err != nil {
		return err
	}

	switch rec.RecoveryType {
	case models.RecoveryUsername:
		// The reveal itself is a POST so a mail scanner fetching the
		// link cannot spend the one-shot token.
		return h.render(c, http.StatusOK, "forgot_username_confirm", view{
			Title: "Reveal your username",
			Data:  enrollData{ID: id, Key: signedKey},
		})

	case models.RecoveryPassword:
		return h.render(c, http.StatusOK, "forgot_password", view{
			Title: "Set a new password",
			Data:  enrollData{ID: id, Key: signedKey},
		})

	case models.RecoveryOTPSecret:
		seed, encryptedSeed, err := h.recovery.BeginSeedReset(ctx, id, signedKey)
		if err != nil {
			return err
		}
		if err := h.setScratch(c, recoverySeedScratch, base64.RawURLEncoding.EncodeToString(encryptedSeed)); err != nil {
			return err
		}
		return h.render(c, http.StatusOK, "forgot_otp", view{
			Title: "Enroll a new authenticator",
			Data: enrollData{
				ID:     id,
				Key:    signedKey,
				URI:    totp.ProvisioningURI(h.issuer, user.Username, seed),
				QRPath: "/forgot-credentials/otp/qr?rec=" + url.QueryEscape(id) + "&key=" + url.QueryEscape(signedKey),
			},
		})
	}

	return h.RenderError(c, http.StatusNotFound, "This recovery link is invalid or expired.")
}

// ForgotUsername reveals the recovered username on a confirmed POST.
func (h *Handlers) ForgotUsername(c echo.Context) error {
	id, signedKey := c.FormValue("rec"), c.FormValue("key")

	// One shot: the row is gone before the page renders.
	username, err := h.recovery.RevealUsername(c.Request().Context(), id, signedKey)
	if errors.Is(err, recovery.ErrInvalidLink) {
		return h.RenderError(c, http.StatusNotFound, "This recovery link is invalid or expired.")
	}
	if err != nil {
		return err
	}

	return h.render(c, http.StatusOK, "forgot_username", view{
		Title: "Your username",
		Data:  map[string]any{"Username": username},
	})
}

// ForgotPassword completes the password branch.
func (h *Handlers) ForgotPassword(c echo.Context) error {
	id, signedKey := c.FormValue("rec"), c.FormValue("key")

	err := h.recovery.CompletePassword(c.Request().Context(), id, signedKey,
		c.FormValue("password"), c.FormValue("password_repeat"))
	if err != nil {
		var policyErr *auth.PasswordValidationError
		var msg string
		switch {
		case errors.Is(err, recovery.ErrPasswordMismatch):
			msg = "The passwords do not match."
		case errors.As(err, &policyErr):
			msg = strings.Join(policyErr.Messages(), " ")
		case errors.Is(err, recovery.ErrInvalidLink):
			return h.RenderError(c, http.StatusNotFound, "This recovery link is invalid or expired.")
		default:
			return err
		}
		return h.render(c, http.StatusUnprocessableEntity, "forgot_password", view{
			Title: "Set a new password",
			Error: msg,
			Data:  enrollData{ID: id, Key: signedKey},
		})
	}

	return h.render(c, http.StatusOK, "forgot_done", view{
		Title: "Recovery complete",
		Data:  map[string]any{"Message": "Your password has been replaced."},
	})
}

// ForgotOTPQR serves the enrollment QR code for a pending seed reset.
func (h *Handlers) ForgotOTPQR(c echo.Context) error {
	ctx := c.Request().Context()

	_, user, err := h.recovery.Resolve(ctx, c.QueryParam("rec"), c.QueryParam("key"), models.RecoveryOTPSecret)
	if errors.Is(err, recovery.ErrInvalidLink) {
		return echo.NewHTTPError(http.StatusNotFound)
	}
	if err != nil {
		return err
	}

	seed, ok := h.scratchSeedFor(c, recoverySeedScratch)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound)
	}

	png, err := totp.QRCodePNG(h.issuer, user.Username, seed, 256)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "image/png", png)
}

// ForgotOTP completes the seed reset branch with a code from the new
// authenticator.
func (h *Handlers) ForgotOTP(c echo.Context) error {
	id, signedKey := c.FormValue("rec"), c.FormValue("key")

	encoded, ok := h.scratch(c, recoverySeedScratch)
	if !ok {
		return h.RenderError(c, http.StatusNotFound, "This recovery link is invalid or expired.")
	}
	encryptedSeed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return h.RenderError(c, http.StatusNotFound, "This recovery link is invalid or expired.")
	}

	err = h.recovery.ConfirmSeedReset(c.Request().Context(), id, signedKey, encryptedSeed, c.FormValue("otp"))
	if err != nil {
		switch {
		case errors.Is(err, recovery.ErrWrongOTP):
			_, user, resolveErr := h.recovery.Resolve(c.Request().Context(), id, signedKey, models.RecoveryOTPSecret)
			if resolveErr != nil {
				return h.RenderError(c, http.StatusNotFound, "This recovery link is invalid or expired.")
			}
			seed, err := h.cipher.Decrypt(encryptedSeed)
			if err != nil {
				return h.RenderError(c, http.StatusNotFound, "This recovery link is invalid or expired.")
			}
			return h.render(c, http.StatusUnprocessableEntity, "forgot_otp", view{
				Title: "Enroll a new authenticator",
				Error: "The one-time password does not match the new authenticator.",
				Data: enrollData{
					ID:     id,
					Key:    signedKey,
					URI:    totp.ProvisioningURI(h.issuer, user.Username, seed),
					QRPath: "/forgot-credentials/otp/qr?rec=" + url.QueryEscape(id) + "&key=" + url.QueryEscape(signedKey),
				},
			})
		case errors.Is(err, recovery.ErrInvalidLink):
			return h.RenderError(c, http.StatusNotFound, "This recovery link is invalid or expired.")
		}
		return err
	}

	h.clearScratch(c, recoverySeedScratch)
	return h.render(c, http.StatusOK, "forgot_done", view{
		Title: "Recovery complete",
		Data:  map[string]any{"Message": "Your new authenticator is active."},
	})
}

