// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package handlers

import (
	"errors"
	"net/http"

	"github.com/avollmer/idhub/internal/services/auth"
	"github.com/labstack/echo/v4"
)

const loginFailedMessage = "Login failed. Check username, password and one-time password."

// LoginPage renders the login form. A signed-in user opening the login
// page is logged out first, so the form never acts on a stale session.
func (h *Handlers) LoginPage(c echo.Context) error {
	if SessionData(c) != nil {
		c.SetCookie(h.sessions.Clear())
		c.Set(CtxSession, nil)
		c.Set(CtxUser, nil)
	}
	return h.render(c, http.StatusOK, "login", view{Title: "Log in"})
}

// Login checks all three factors and starts a session. Every failure
// renders the same generic message.
func (h *Handlers) Login(c echo.Context) error {
	user, err := h.auth.Authenticate(c.Request().Context(),
		c.FormValue("username"), c.FormValue("password"), c.FormValue("otp"))
	if err != nil {
		if errors.Is(err, auth.ErrAuthenticationFailed) {
			return h.render(c, http.StatusUnauthorized, "login", view{
				Title: "Log in",
				Error: loginFailedMessage,
			})
		}
		return err
	}

	cookie, err := h.sessions.Create(user.ID, user.Username)
	if err != nil {
		return err
	}
	c.SetCookie(cookie)
	return c.Redirect(http.StatusSeeOther, "/account")
}

// Logout clears the session cookie.
func (h *Handlers) Logout(c echo.Context) error {
	c.SetCookie(h.sessions.Clear())
	return c.Redirect(http.StatusSeeOther, "/auth/login")
}
