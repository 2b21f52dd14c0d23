// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

// Package handlers contains the HTTP handlers. They stay thin: parse
// the form, call the service, pick the next page. All workflow rules
// live in internal/services.
package handlers

import (
	"net/http"

	"github.com/avollmer/idhub/internal/models"
	"github.com/avollmer/idhub/internal/repository"
	"github.com/avollmer/idhub/internal/services/account"
	"github.com/avollmer/idhub/internal/services/auth"
	"github.com/avollmer/idhub/internal/services/crypt"
	"github.com/avollmer/idhub/internal/services/recovery"
	"github.com/avollmer/idhub/internal/services/registration"
	"github.com/avollmer/idhub/internal/services/session"
	"github.com/labstack/echo/v4"
)

// Echo context keys set by the session middleware.
const (
	CtxSession = "session_data"
	CtxUser    = "current_user"
)

// Handlers contains all HTTP handlers.
type Handlers struct {
	repo         *repository.Repository
	sessions     *session.Manager
	cipher       *crypt.Cipher
	auth         *auth.Service
	registration *registration.Service
	recovery     *recovery.Service
	account      *account.Service
	issuer       string
}

// New creates a new Handlers instance.
func New(
	repo *repository.Repository,
	sessions *session.Manager,
	cipher *crypt.Cipher,
	authSvc *auth.Service,
	regSvc *registration.Service,
	recSvc *recovery.Service,
	acctSvc *account.Service,
	issuer string,
) *Handlers {
	return &Handlers{
		repo:         repo,
		sessions:     sessions,
		cipher:       cipher,
		auth:         authSvc,
		registration: regSvc,
		recovery:     recSvc,
		account:      acctSvc,
		issuer:       issuer,
	}
}

// SessionData returns the parsed session for the request, or nil.
func SessionData(c echo.Context) *session.Data {
	data, _ := c.Get(CtxSession).(*session.Data)
	return data
}

// CurrentUser returns the signed-in user for the request, or nil.
func CurrentUser(c echo.Context) *models.User {
	user, _ := c.Get(CtxUser).(*models.User)
	return user
}

// Health returns the health status.
func (h *Handlers) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Home sends the visitor to their account page or to the login form.
func (h *Handlers) Home(c echo.Context) error {
	if CurrentUser(c) != nil {
		return c.Redirect(http.StatusSeeOther, "/account")
	}
	return c.Redirect(http.StatusSeeOther, "/auth/login")
}
