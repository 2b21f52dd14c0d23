// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avollmer/idhub/internal/config"
	"github.com/avollmer/idhub/internal/database"
	"github.com/avollmer/idhub/internal/repository"
	"github.com/urfave/cli/v3"
)

// burnedOTPRetention keeps burned codes around for twice the login
// check window, so a purge can never resurrect a replayable code.
const burnedOTPRetention = 2 * time.Hour

// Cleanup removes expired workflow state. Meant for cron, it never runs
// inside the request path.
func Cleanup(ctx context.Context, cmd *cli.Command) error {
	cfg := config.NewFromCLI(cmd)
	setupLogger(cfg.Log.Level, cfg.Log.Format)

	db, err := database.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	repo := repository.New(db)

	otps, err := repo.DeleteBurnedOTPsBefore(ctx, time.Now().UTC().Add(-burnedOTPRetention))
	if err != nil {
		return fmt.Errorf("purging burned codes: %w", err)
	}

	registrations, err := repo.DeleteExpiredPendingRegistrations(ctx)
	if err != nil {
		return fmt.Errorf("purging expired registrations: %w", err)
	}

	recoveries, err := repo.DeleteExpiredPendingRecoveries(ctx)
	if err != nil {
		return fmt.Errorf("purging expired recoveries: %w", err)
	}

	emailChanges, err := repo.DeleteExpiredPendingEmailChanges(ctx)
	if err != nil {
		return fmt.Errorf("purging expired e-mail changes: %w", err)
	}

	slog.Info("cleanup_done",
		"burned_otps", otps,
		"registrations", registrations,
		"recoveries", recoveries,
		"email_changes", emailChanges,
	)
	return nil
}
