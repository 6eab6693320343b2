// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// Recognized meta keys. The table accepts any key; these are the ones
// the daemon itself reads and writes.
const (
	MetaWorkerEnabled     = "worker_enabled"
	MetaAvgProcessingTime = "avg_processing_time"
	MetaAdminPasswordHash = "admin_password_hash"
	MetaAPIKey            = "api_key"
	MetaInternalKey       = "internal_key"
)

// GetMeta returns the value for key and whether it exists.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %q: %w", key, err)
	}
	return value, true, nil
}

// SetMeta upserts a key/value pair.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("set meta %q: %w", key, err)
	}
	return nil
}

// DeleteMeta removes a key; missing keys are not an error.
func (s *Store) DeleteMeta(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete meta %q: %w", key, err)
	}
	return nil
}

// WorkerEnabled reads the pause/resume flag. Workers are enabled when
// the key is absent.
func (s *Store) WorkerEnabled(ctx context.Context) (bool, error) {
	value, ok, err := s.GetMeta(ctx, MetaWorkerEnabled)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return value == "true", nil
}

// SetWorkerEnabled writes the pause/resume flag.
func (s *Store) SetWorkerEnabled(ctx context.Context, enabled bool) error {
	return s.SetMeta(ctx, MetaWorkerEnabled, strconv.FormatBool(enabled))
}

// AvgProcessingTime returns the rolling average job duration in
// seconds, 0 when never recorded.
func (s *Store) AvgProcessingTime(ctx context.Context) (float64, error) {
	value, ok, err := s.GetMeta(ctx, MetaAvgProcessingTime)
	if err != nil || !ok {
		return 0, err
	}
	avg, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", MetaAvgProcessingTime, err)
	}
	return avg, nil
}

// SetAvgProcessingTime stores the rolling average in seconds.
func (s *Store) SetAvgProcessingTime(ctx context.Context, seconds float64) error {
	return s.SetMeta(ctx, MetaAvgProcessingTime, strconv.FormatFloat(seconds, 'f', -1, 64))
}
