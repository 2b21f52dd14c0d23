// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/avollmer/idhub/internal/services/auth"
	"github.com/avollmer/idhub/internal/services/registration"
	"github.com/avollmer/idhub/internal/services/totp"
	"github.com/labstack/echo/v4"
)

// enrollData feeds the authenticator enrollment pages.
type enrollData struct {
	ID     string
	Key    string
	URI    string
	QRPath string
}

// RegistrationPage renders the signup form.
func (h *Handlers) RegistrationPage(c echo.Context) error {
	return h.render(c, http.StatusOK, "registration", view{Title: "Register"})
}

// RegistrationBegin reserves the account and mails the confirmation
// link.
func (h *Handlers) RegistrationBegin(c echo.Context) error {
	err := h.registration.Begin(c.Request().Context(),
		c.FormValue("username"), c.FormValue("email"),
		c.FormValue("first_name"), c.FormValue("last_name"))
	switch {
	case errors.Is(err, registration.ErrUsernameTaken):
		return h.render(c, http.StatusConflict, "registration", view{
			Title: "Register",
			Error: "This username is already taken.",
		})
	case errors.Is(err, registration.ErrInvalidInput):
		return h.render(c, http.StatusBadRequest, "registration", view{
			Title: "Register",
			Error: "Please enter a valid username and e-mail address.",
		})
	case err != nil:
		return err
	}

	return h.render(c, http.StatusOK, "registration_sent", view{Title: "Check your inbox"})
}

// RegistrationConfirmPage resolves a confirmation link and shows the
// authenticator enrollment step.
func (h *Handlers) RegistrationConfirmPage(c echo.Context) error {
	id, signedKey := c.QueryParam("reg"), c.QueryParam("key")

	_, user, seed, err := h.registration.Resolve(c.Request().Context(), id, signedKey)
	if errors.Is(err, registration.ErrInvalidLink) {
		return h.RenderError(c, http.StatusNotFound, "This registration link is invalid or expired.")
	}
	if err != nil {
		return err
	}

	return h.render(c, http.StatusOK, "registration_confirm", view{
		Title: "Enroll your authenticator",
		Data: enrollData{
			ID:     id,
			Key:    signedKey,
			URI:    totp.ProvisioningURI(h.issuer, user.Username, seed),
			QRPath: "/registration/confirm/qr?reg=" + url.QueryEscape(id) + "&key=" + url.QueryEscape(signedKey),
		},
	})
}

// RegistrationQR serves the enrollment QR code for a valid
// confirmation link.
func (h *Handlers) RegistrationQR(c echo.Context) error {
	_, user, seed, err := h.registration.Resolve(c.Request().Context(),
		c.QueryParam("reg"), c.QueryParam("key"))
	if errors.Is(err, registration.ErrInvalidLink) {
		return echo.NewHTTPError(http.StatusNotFound)
	}
	if err != nil {
		return err
	}

	png, err := totp.QRCodePNG(h.issuer, user.Username, seed, 256)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "image/png", png)
}

// RegistrationComplete sets the first password once the authenticator
// is enrolled.
func (h *Handlers) RegistrationComplete(c echo.Context) error {
	id, signedKey := c.FormValue("reg"), c.FormValue("key")

	err := h.registration.Complete(c.Request().Context(), id, signedKey,
		c.FormValue("password"), c.FormValue("password_repeat"), c.FormValue("otp"))
	if err != nil {
		if msg, ok := h.enrollErrorMessage(err); ok {
			_, user, seed, resolveErr := h.registration.Resolve(c.Request().Context(), id, signedKey)
			if resolveErr != nil {
				return h.RenderError(c, http.StatusNotFound, "This registration link is invalid or expired.")
			}
			return h.render(c, http.StatusUnprocessableEntity, "registration_confirm", view{
				Title: "Enroll your authenticator",
				Error: msg,
				Data: enrollData{
					ID:     id,
					Key:    signedKey,
					URI:    totp.ProvisioningURI(h.issuer, user.Username, seed),
					QRPath: "/registration/confirm/qr?reg=" + url.QueryEscape(id) + "&key=" + url.QueryEscape(signedKey),
				},
			})
		}
		if errors.Is(err, registration.ErrInvalidLink) {
			return h.RenderError(c, http.StatusNotFound, "This registration link is invalid or expired.")
		}
		return err
	}

	return h.render(c, http.StatusOK, "message", view{
		Title: "Registration complete",
		Data:  map[string]any{"Message": "Your account is ready. You can log in now."},
	})
}

// enrollErrorMessage maps the user-correctable enrollment failures to
// form messages.
func (h *Handlers) enrollErrorMessage(err error) (string, bool) {
	var policyErr *auth.PasswordValidationError
	switch {
	case errors.Is(err, registration.ErrPasswordMismatch):
		return "The passwords do not match.", true
	case errors.Is(err, registration.ErrWrongOTP):
		return "The one-time password does not match the new authenticator.", true
	case errors.As(err, &policyErr):
		return strings.Join(policyErr.Messages(), " "), true
	}
	return "", false
}
