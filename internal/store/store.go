// SPDX-License-Identifier: MIT

// Package store is the durable SQLite layer. Every table the daemon
// persists lives here behind typed accessors; no SQL leaks above this
// package.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, no CGO

	"github.com/tonearm/tonearm/internal/log"
)

var (
	// ErrNotFound is returned by point lookups with no matching row.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidTransition is returned when a job row is not in the
	// status a transition requires.
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// Config defines SQLite operational parameters.
type Config struct {
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// Store wraps the single database file shared by all components.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open initializes the connection pool with mandatory PRAGMAs and runs
// migrations. The _pragma DSN form applies WAL and busy_timeout to
// every pooled connection.
func Open(cfg Config) (*Store, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 16
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log.WithComponent("store").Info().Str(log.FieldPath, cfg.Path).Msg("store opened")
	return s, nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) nowMs() int64 {
	return s.now().UnixMilli()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.WithComponent("store").Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	return tx.Commit()
}

// countAndDelete counts the rows a WHERE clause matches, then deletes
// them in the same transaction and returns the counted value. Callers
// that need a trustworthy affected-row count use this instead of
// relying on the driver's RowsAffected.
func (s *Store) countAndDelete(ctx context.Context, table, where string, args ...any) (int, error) {
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		countQ := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, where) // #nosec G201 -- table/where are package constants
		if err := tx.QueryRowContext(ctx, countQ, args...).Scan(&n); err != nil {
			return fmt.Errorf("count %s: %w", table, err)
		}
		if n == 0 {
			return nil
		}
		delQ := fmt.Sprintf("DELETE FROM %s WHERE %s", table, where) // #nosec G201
		if _, err := tx.ExecContext(ctx, delQ, args...); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
		return nil
	})
	return n, err
}

// countAndUpdate is the update twin of countAndDelete. set must not
// reference placeholder args; where args follow.
func (s *Store) countAndUpdate(ctx context.Context, table, set, where string, args ...any) (int, error) {
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		countQ := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, where) // #nosec G201
		if err := tx.QueryRowContext(ctx, countQ, args...).Scan(&n); err != nil {
			return fmt.Errorf("count %s: %w", table, err)
		}
		if n == 0 {
			return nil
		}
		updQ := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, set, where) // #nosec G201
		if _, err := tx.ExecContext(ctx, updQ, args...); err != nil {
			return fmt.Errorf("update %s: %w", table, err)
		}
		return nil
	})
	return n, err
}
