// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vinovest/sqlx"
)

var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyBurned is returned when a (user, token) pair is burned twice.
	ErrAlreadyBurned = errors.New("one-time password already burned")
	// ErrConflict is returned when a uniqueness constraint rejects a write.
	ErrConflict = errors.New("conflicting record exists")
)

// querier is the subset of sqlx shared by *sqlx.DB and *sqlx.Tx, so the
// same repository methods work inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Repository wraps sqlx for database operations.
type Repository struct {
	db *sqlx.DB
	q  querier
}

// New creates a new Repository instance.
func New(db *sqlx.DB) *Repository {
	return &Repository{db: db, q: db}
}

// DB returns the underlying sqlx DB for direct access.
func (r *Repository) DB() *sqlx.DB {
	return r.db
}

// InTx runs fn inside a transaction. The repository passed to fn issues
// all its statements on that transaction; any error (or panic) rolls the
// whole unit back.
func (r *Repository) InTx(ctx context.Context, fn func(*Repository) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Repository{db: r.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// wrapError converts sql errors to repository errors.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// isUniqueViolation reports whether err is a SQLite uniqueness-constraint
// failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// requireRowAffected turns a zero-row update into ErrNotFound.
func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
