// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

// Package server wires configuration, database, services and routes
// into the running HTTP server.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/avollmer/idhub/internal/config"
	"github.com/avollmer/idhub/internal/database"
	"github.com/avollmer/idhub/internal/handlers"
	"github.com/avollmer/idhub/internal/repository"
	"github.com/avollmer/idhub/internal/services/account"
	"github.com/avollmer/idhub/internal/services/auth"
	"github.com/avollmer/idhub/internal/services/crypt"
	"github.com/avollmer/idhub/internal/services/email"
	"github.com/avollmer/idhub/internal/services/recovery"
	"github.com/avollmer/idhub/internal/services/registration"
	"github.com/avollmer/idhub/internal/services/session"
	"github.com/avollmer/idhub/internal/services/signer"
	"github.com/labstack/echo/v4"
	"github.com/urfave/cli/v3"
)

// Run starts the server with the given CLI command.
func Run(ctx context.Context, cmd *cli.Command) error {
	cfg := config.NewFromCLI(cmd)
	setupLogger(cfg.Log.Level, cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.Info("starting server",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"base_url", cfg.Server.BaseURL,
	)

	// Open runs the embedded goose migrations.
	db, err := database.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("failed to close database", "error", closeErr)
		}
	}()

	app, err := buildApp(cfg, repository.New(db))
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(app.handlers)

	setupMiddleware(e, cfg, app)
	setupRoutes(e, app.handlers)

	return startWithGracefulShutdown(ctx, e, cfg)
}

// app bundles the wired service graph.
type app struct {
	handlers *handlers.Handlers
	sessions *session.Manager
	repo     *repository.Repository
}

// buildApp constructs the service graph from the master secret outward.
func buildApp(cfg *config.Config, repo *repository.Repository) (*app, error) {
	cipher, err := crypt.New([]byte(cfg.Auth.SecretKey))
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	sig := signer.New([]byte(cfg.Auth.SecretKey))

	secure := strings.HasPrefix(cfg.Server.BaseURL, "https://")
	sessions, err := session.NewManager(&cfg.Session, secure)
	if err != nil {
		return nil, fmt.Errorf("creating session manager: %w", err)
	}

	sender, err := email.NewSMTPSender(&cfg.SMTP)
	if err != nil {
		return nil, fmt.Errorf("creating mail sender: %w", err)
	}
	mailer := email.NewService(sender, cfg.Auth.Issuer, cfg.Server.BaseURL)

	authSvc := auth.NewService(repo, cipher)
	regSvc := registration.NewService(repo, cipher, sig, mailer, authSvc)
	recSvc := recovery.NewService(repo, cipher, sig, mailer, authSvc)
	acctSvc := account.NewService(repo, cipher, sig, mailer, authSvc)

	return &app{
		handlers: handlers.New(repo, sessions, cipher, authSvc, regSvc, recSvc, acctSvc, cfg.Auth.Issuer),
		sessions: sessions,
		repo:     repo,
	}, nil
}

func setupRoutes(e *echo.Echo, h *handlers.Handlers) {
	e.GET("/health", h.Health)
	e.GET("/", h.Home)

	e.GET("/auth/login", h.LoginPage)
	e.POST("/auth/login", h.Login)
	e.GET("/auth/logout", h.Logout)

	e.GET("/registration", h.RegistrationPage)
	e.POST("/registration", h.RegistrationBegin)
	e.GET("/registration/confirm", h.RegistrationConfirmPage)
	e.POST("/registration/confirm", h.RegistrationComplete)
	e.GET("/registration/confirm/qr", h.RegistrationQR)

	e.GET("/forgot-credentials", h.ForgotPage)
	e.POST("/forgot-credentials", h.ForgotSubmit)
	e.GET("/forgot-credentials/continue", h.ForgotContinue)
	e.POST("/forgot-credentials/username", h.ForgotUsername)
	e.POST("/forgot-credentials/password", h.ForgotPassword)
	e.POST("/forgot-credentials/otp", h.ForgotOTP)
	e.GET("/forgot-credentials/otp/qr", h.ForgotOTPQR)

	// The confirmation link must work on any device, signed in or not.
	e.GET("/account/email/confirm", h.ConfirmEmailChange)

	acct := e.Group("/account", requireAuth)
	acct.GET("", h.AccountPage)
	acct.POST("/name", h.UpdateName)
	acct.POST("/password", h.ChangePassword)
	acct.POST("/email", h.RequestEmailChange)
	acct.GET("/otp", h.RotateSeedPage)
	acct.POST("/otp", h.ConfirmSeedRotation)
	acct.GET("/otp/qr", h.RotateSeedQR)
}

// errorHandler renders unhandled errors as HTML error pages.
func errorHandler(h *handlers.Handlers) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			status = httpErr.Code
		}
		if status >= http.StatusInternalServerError {
			slog.Error("request failed", "error", err, "path", c.Request().URL.Path)
		}

		if renderErr := h.RenderError(c, status, ""); renderErr != nil {
			slog.Error("failed to render error page", "error", renderErr)
		}
	}
}

func startWithGracefulShutdown(ctx context.Context, e *echo.Echo, cfg *config.Config) error {
	tlsResult, err := SetupTLS(cfg)
	if err != nil {
		return fmt.Errorf("TLS setup failed: %w", err)
	}

	errChan := make(chan error, 2)

	// HTTP challenge/redirect server, ACME mode only.
	var httpServer *http.Server

	switch tlsResult.Mode {
	case TLSModeOff:
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		go func() {
			slog.Info("server running", "url", cfg.Server.BaseURL)
			if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

	case TLSModeACME:
		go func() {
			slog.Info("server running", "url", cfg.Server.BaseURL)
			if err := startTLSServer(e, ":443", tlsResult.TLSConfig); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		httpServer = &http.Server{
			Addr:              ":80",
			Handler:           tlsResult.HTTPHandler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("HTTP to HTTPS redirect active", "addr", ":80")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

	case TLSModeSelfSigned, TLSModeManual:
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		go func() {
			slog.Info("server running", "url", cfg.Server.BaseURL)
			if err := startTLSServer(e, addr, tlsResult.TLSConfig); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		slog.Info("shutting down server")
	case <-quit:
		slog.Info("shutting down server")
	case err := <-errChan:
		slog.Error("server error", "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown main server", "error", err)
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown HTTP redirect server", "error", err)
		}
	}

	slog.Info("server stopped")
	return nil
}

// startTLSServer starts the Echo server with a custom TLS configuration.
func startTLSServer(e *echo.Echo, addr string, tlsConfig *tls.Config) error {
	lc := &net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return err
	}
	e.TLSListener = tls.NewListener(ln, tlsConfig)
	e.TLSServer.TLSConfig = tlsConfig
	return e.Server.Serve(e.TLSListener)
}
