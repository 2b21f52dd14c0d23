// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package database

import (
	"context"
	"embed"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/vinovest/sqlx"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Open creates a new database connection with optimized SQLite settings.
func Open(dsn string) (*sqlx.DB, error) {
	if dsn == "" {
		dsn = "./data/hub.db"
	}

	// Create directory for file-based databases
	if !strings.HasPrefix(dsn, ":memory:") && !strings.Contains(dsn, "mode=memory") {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
	}

	// Add default SQLite parameters if not present
	dsn = addDefaultParams(dsn)

	// Open database with modernc.org/sqlite (pure-Go, CGO-free)
	conn, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// Configure connection pool. In-memory databases exist per
	// connection, so they must stay on a single one.
	if strings.HasPrefix(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(time.Hour)
	}

	// Configure SQLite for better performance
	ctx := context.Background()
	if err := configureSQLite(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	// Run migrations
	if err := runMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return conn, nil
}

// runMigrations brings the schema up to date from the embedded goose
// migrations. Every Open migrates, so a fresh database file is usable
// immediately.
func runMigrations(conn *sqlx.DB) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(conn.DB, "migrations")
}

// addDefaultParams adds recommended SQLite parameters if not already
// present. Pragmas set here apply to every pooled connection; foreign
// keys in particular must be on per-connection for the schema's ON
// DELETE CASCADE rules to fire.
func addDefaultParams(dsn string) string {
	defaults := []string{
		"_txlock=immediate",
		"_pragma=busy_timeout(5000)",
		"_pragma=foreign_keys(1)",
	}

	for _, param := range defaults {
		if !strings.Contains(dsn, param) {
			separator := "?"
			if strings.Contains(dsn, "?") {
				separator = "&"
			}
			dsn += separator + param
		}
	}

	return dsn
}

// configureSQLite sets PRAGMAs for optimal performance.
func configureSQLite(ctx context.Context, db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA mmap_size = 134217728",
		"PRAGMA journal_size_limit = 27103364",
		"PRAGMA cache_size = 2000",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return err
		}
	}

	return nil
}
