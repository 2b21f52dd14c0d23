// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package handlers

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/avollmer/idhub/internal/services/account"
	"github.com/avollmer/idhub/internal/services/auth"
	"github.com/avollmer/idhub/internal/services/totp"
	"github.com/labstack/echo/v4"
)

// rotationSeedScratch is the session scratch key holding the encrypted
// candidate seed during an authenticator rotation.
const rotationSeedScratch = "rotation_seed"

// AccountPage renders the account overview.
func (h *Handlers) AccountPage(c echo.Context) error {
	return h.render(c, http.StatusOK, "account", view{Title: "Your account"})
}

// UpdateName saves the profile name.
func (h *Handlers) UpdateName(c echo.Context) error {
	user := CurrentUser(c)

	err := h.account.UpdateName(c.Request().Context(), user,
		c.FormValue("first_name"), c.FormValue("last_name"))
	if errors.Is(err, account.ErrInvalidInput) {
		return h.render(c, http.StatusUnprocessableEntity, "account", view{
			Title: "Your account",
			Error: "Names are limited to 150 characters.",
		})
	}
	if err != nil {
		return err
	}
	return c.Redirect(http.StatusSeeOther, "/account")
}

// ChangePassword replaces the password and ends the session, so every
// device has to log in again with the new password.
func (h *Handlers) ChangePassword(c echo.Context) error {
	user := CurrentUser(c)

	err := h.account.ChangePassword(c.Request().Context(), user,
		c.FormValue("current"), c.FormValue("password"), c.FormValue("password_repeat"))
	if err != nil {
		var policyErr *auth.PasswordValidationError
		var msg string
		switch {
		case errors.Is(err, account.ErrWrongPassword):
			msg = "The current password is wrong."
		case errors.Is(err, account.ErrPasswordMismatch):
			msg = "The new passwords do not match."
		case errors.As(err, &policyErr):
			msg = strings.Join(policyErr.Messages(), " ")
		default:
			return err
		}
		return h.render(c, http.StatusUnprocessableEntity, "account", view{
			Title: "Your account",
			Error: msg,
		})
	}

	c.SetCookie(h.sessions.Clear())
	return c.Redirect(http.StatusSeeOther, "/auth/login")
}

// RequestEmailChange mails a confirmation link to the new address.
func (h *Handlers) RequestEmailChange(c echo.Context) error {
	user := CurrentUser(c)

	err := h.account.RequestEmailChange(c.Request().Context(), user, c.FormValue("email"))
	if err != nil {
		var msg string
		switch {
		case errors.Is(err, account.ErrInvalidInput):
			msg = "Please enter a valid e-mail address."
		case errors.Is(err, account.ErrChangeInFlight):
			msg = "An e-mail change is already waiting for confirmation."
		default:
			return err
		}
		return h.render(c, http.StatusUnprocessableEntity, "account", view{
			Title: "Your account",
			Error: msg,
		})
	}

	return h.render(c, http.StatusOK, "message", view{
		Title: "Check your inbox",
		Data:  map[string]any{"Message": "We sent a confirmation link to the new address. Your current address stays active until you follow it."},
	})
}

// ConfirmEmailChange completes an e-mail change from the mailed link.
// The route is public: the link has to work on any device.
func (h *Handlers) ConfirmEmailChange(c echo.Context) error {
	err := h.account.ConfirmEmailChange(c.Request().Context(),
		c.QueryParam("chg"), c.QueryParam("key"))
	if errors.Is(err, account.ErrInvalidLink) {
		return h.RenderError(c, http.StatusNotFound, "This confirmation link is invalid or expired.")
	}
	if err != nil {
		return err
	}

	return h.render(c, http.StatusOK, "message", view{
		Title: "E-mail address changed",
		Data:  map[string]any{"Message": "Your new e-mail address is active."},
	})
}

// RotateSeedPage mints a candidate seed and shows the enrollment step.
// The active seed is untouched until the candidate is confirmed.
func (h *Handlers) RotateSeedPage(c echo.Context) error {
	user := CurrentUser(c)

	seed, encryptedSeed, err := h.account.BeginSeedRotation()
	if err != nil {
		return err
	}
	if err := h.setScratch(c, rotationSeedScratch, base64.RawURLEncoding.EncodeToString(encryptedSeed)); err != nil {
		return err
	}

	return h.render(c, http.StatusOK, "account_otp", view{
		Title: "Rotate your authenticator seed",
		Data: enrollData{
			URI:    totp.ProvisioningURI(h.issuer, user.Username, seed),
			QRPath: "/account/otp/qr",
		},
	})
}

// RotateSeedQR serves the enrollment QR code for the pending rotation.
func (h *Handlers) RotateSeedQR(c echo.Context) error {
	user := CurrentUser(c)

	seed, ok := h.scratchSeedFor(c, rotationSeedScratch)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound)
	}

	png, err := totp.QRCodePNG(h.issuer, user.Username, seed, 256)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "image/png", png)
}

// ConfirmSeedRotation installs the candidate seed after a correct code
// proves the user enrolled it.
func (h *Handlers) ConfirmSeedRotation(c echo.Context) error {
	user := CurrentUser(c)

	encoded, ok := h.scratch(c, rotationSeedScratch)
	if !ok {
		return c.Redirect(http.StatusSeeOther, "/account/otp")
	}
	encryptedSeed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return c.Redirect(http.StatusSeeOther, "/account/otp")
	}

	err = h.account.ConfirmSeedRotation(c.Request().Context(), user, encryptedSeed, c.FormValue("otp"))
	if errors.Is(err, account.ErrWrongOTP) {
		seed, ok := h.scratchSeedFor(c, rotationSeedScratch)
		if !ok {
			return c.Redirect(http.StatusSeeOther, "/account/otp")
		}
		return h.render(c, http.StatusUnprocessableEntity, "account_otp", view{
			Title: "Rotate your authenticator seed",
			Error: "The one-time password does not match the new authenticator.",
			Data: enrollData{
				URI:    totp.ProvisioningURI(h.issuer, user.Username, seed),
				QRPath: "/account/otp/qr",
			},
		})
	}
	if err != nil {
		return err
	}

	h.clearScratch(c, rotationSeedScratch)
	return h.render(c, http.StatusOK, "message", view{
		Title: "Authenticator rotated",
		Data:  map[string]any{"Message": "Your new authenticator is active. The old one no longer works."},
	})
}
