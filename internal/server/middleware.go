// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/avollmer/idhub/internal/config"
	"github.com/avollmer/idhub/internal/handlers"
	"github.com/avollmer/idhub/internal/repository"
	"github.com/avollmer/idhub/internal/services/session"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func setupMiddleware(e *echo.Echo, cfg *config.Config, app *app) {
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger())
	e.Use(middleware.Secure())
	e.Use(middleware.Gzip())
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dM", cfg.Server.MaxBodySize)))
	e.Use(csrfMiddleware(cfg))
	e.Use(loadSession(app.sessions, app.repo))
}

// loadSession parses the session cookie and attaches the session data
// and, for authenticated sessions, the user row to the request. A
// session pointing at a vanished or deactivated user counts as
// anonymous.
func loadSession(sessions *session.Manager, repo *repository.Repository) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			data, err := sessions.Parse(c.Request())
			if err != nil || data == nil {
				return next(c)
			}
			c.Set(handlers.CtxSession, data)

			if data.Authenticated() {
				user, err := repo.GetUserByID(c.Request().Context(), data.UserID)
				if err == nil && user.IsActive {
					c.Set(handlers.CtxUser, user)
				}
			}
			return next(c)
		}
	}
}

// requireAuth rejects requests without a signed-in user.
func requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if handlers.CurrentUser(c) == nil {
			return c.Redirect(http.StatusSeeOther, "/auth/login")
		}
		return next(c)
	}
}

// csrfMiddleware configures CSRF protection.
func csrfMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	secure := strings.HasPrefix(cfg.Server.BaseURL, "https://")

	return middleware.CSRFWithConfig(middleware.CSRFConfig{
		TokenLookup:    "form:csrf_token,header:X-CSRF-Token",
		CookieName:     "_csrf",
		CookiePath:     "/",
		CookieSecure:   secure,
		CookieHTTPOnly: true,
		CookieSameSite: http.SameSiteLaxMode,
	})
}

// requestLogger returns middleware that logs requests using slog.
func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}

			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
				slog.LogAttrs(c.Request().Context(), slog.LevelError, "request", attrs...)
			} else {
				slog.LogAttrs(c.Request().Context(), slog.LevelInfo, "request", attrs...)
			}

			return nil
		},
	})
}
