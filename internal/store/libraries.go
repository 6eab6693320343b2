// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tonearm/tonearm/internal/types"
)

// Library is a root directory containing audio files.
type Library struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	RootPath    string           `json:"root_path"`
	IsDefault   bool             `json:"is_default"`
	ScanStatus  types.ScanStatus `json:"scan_status"`
	CreatedAtMs int64            `json:"created_at_ms"`
}

// Scan is one recorded scanner run.
type Scan struct {
	ID             string           `json:"id"`
	LibraryID      int64            `json:"library_id"`
	Status         types.ScanStatus `json:"status"`
	FullScan       bool             `json:"full_scan"`
	StartedAtMs    int64            `json:"started_at_ms"`
	FinishedAtMs   *int64           `json:"finished_at_ms,omitempty"`
	FilesScanned   int              `json:"files_scanned"`
	FilesNew       int              `json:"files_new"`
	FilesUpdated   int              `json:"files_updated"`
	FilesMoved     int              `json:"files_moved"`
	FilesRemoved   int              `json:"files_removed"`
	FoldersSkipped int              `json:"folders_skipped"`
	ErrorCount     int              `json:"error_count"`
	Message        string           `json:"message,omitempty"`
}

// EnsureLibrary upserts a library by name and returns the stored row.
func (s *Store) EnsureLibrary(ctx context.Context, name, rootPath string, isDefault bool) (*Library, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO libraries (name, root_path, is_default, created_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			root_path = excluded.root_path,
			is_default = excluded.is_default`,
		name, rootPath, isDefault, s.nowMs())
	if err != nil {
		return nil, fmt.Errorf("ensure library %q: %w", name, err)
	}
	return s.GetLibraryByName(ctx, name)
}

const libraryColumns = `id, name, root_path, is_default, scan_status, created_at_ms`

func scanLibrary(row interface{ Scan(...any) error }) (*Library, error) {
	var l Library
	if err := row.Scan(&l.ID, &l.Name, &l.RootPath, &l.IsDefault,
		&l.ScanStatus, &l.CreatedAtMs); err != nil {
		return nil, err
	}
	return &l, nil
}

// GetLibrary returns the library or ErrNotFound.
func (s *Store) GetLibrary(ctx context.Context, id int64) (*Library, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+libraryColumns+` FROM libraries WHERE id = ?`, id)
	l, err := scanLibrary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get library %d: %w", id, err)
	}
	return l, nil
}

// GetLibraryByName returns the library or ErrNotFound.
func (s *Store) GetLibraryByName(ctx context.Context, name string) (*Library, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+libraryColumns+` FROM libraries WHERE name = ?`, name)
	l, err := scanLibrary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get library %q: %w", name, err)
	}
	return l, nil
}

// GetDefaultLibrary returns the library flagged default, falling back
// to the lowest id, or ErrNotFound when none exist.
func (s *Store) GetDefaultLibrary(ctx context.Context) (*Library, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+libraryColumns+` FROM libraries ORDER BY is_default DESC, id ASC LIMIT 1`)
	l, err := scanLibrary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default library: %w", err)
	}
	return l, nil
}

// ListLibraries returns all libraries ordered by id.
func (s *Store) ListLibraries(ctx context.Context) ([]Library, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+libraryColumns+` FROM libraries ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list libraries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var libs []Library
	for rows.Next() {
		l, err := scanLibrary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan library: %w", err)
		}
		libs = append(libs, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate libraries: %w", err)
	}
	return libs, nil
}

// SetLibraryScanStatus updates the library's current scan status.
func (s *Store) SetLibraryScanStatus(ctx context.Context, id int64, status types.ScanStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE libraries SET scan_status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set scan status %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("library %d: %w", id, ErrNotFound)
	}
	return nil
}

// CreateScan records the start of a scanner run.
func (s *Store) CreateScan(ctx context.Context, scan *Scan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO library_scans (id, library_id, status, full_scan, started_at_ms)
		VALUES (?, ?, ?, ?, ?)`,
		scan.ID, scan.LibraryID, string(scan.Status), scan.FullScan, scan.StartedAtMs)
	if err != nil {
		return fmt.Errorf("create scan %s: %w", scan.ID, err)
	}
	return nil
}

// FinishScan stores the terminal state and counters of a scan.
func (s *Store) FinishScan(ctx context.Context, scan *Scan) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE library_scans SET status = ?, finished_at_ms = ?, files_scanned = ?,
			files_new = ?, files_updated = ?, files_moved = ?, files_removed = ?,
			folders_skipped = ?, error_count = ?, message = ?
		WHERE id = ?`,
		string(scan.Status), s.nowMs(), scan.FilesScanned, scan.FilesNew,
		scan.FilesUpdated, scan.FilesMoved, scan.FilesRemoved,
		scan.FoldersSkipped, scan.ErrorCount, scan.Message, scan.ID)
	if err != nil {
		return fmt.Errorf("finish scan %s: %w", scan.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scan %s: %w", scan.ID, ErrNotFound)
	}
	return nil
}

// ListScans returns the most recent scans of a library, newest first.
func (s *Store) ListScans(ctx context.Context, libraryID int64, limit int) ([]Scan, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, library_id, status, full_scan, started_at_ms, finished_at_ms,
			files_scanned, files_new, files_updated, files_moved, files_removed,
			folders_skipped, error_count, message
		FROM library_scans WHERE library_id = ?
		ORDER BY started_at_ms DESC LIMIT ?`, libraryID, limit)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var scans []Scan
	for rows.Next() {
		var sc Scan
		var finished sql.NullInt64
		if err := rows.Scan(&sc.ID, &sc.LibraryID, &sc.Status, &sc.FullScan,
			&sc.StartedAtMs, &finished, &sc.FilesScanned, &sc.FilesNew,
			&sc.FilesUpdated, &sc.FilesMoved, &sc.FilesRemoved,
			&sc.FoldersSkipped, &sc.ErrorCount, &sc.Message); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if finished.Valid {
			sc.FinishedAtMs = &finished.Int64
		}
		scans = append(scans, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scans: %w", err)
	}
	return scans, nil
}
