// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// LibraryFile is one audio file known to the catalog. Artist, Album,
// Genre, Label and Year are a derived read cache rebuilt from the tag
// edges; the edges stay authoritative.
type LibraryFile struct {
	ID               int64   `json:"id"`
	LibraryID        int64   `json:"library_id"`
	Path             string  `json:"path"`
	NormalizedPath   string  `json:"normalized_path"`
	SizeBytes        int64   `json:"size_bytes"`
	MtimeMs          int64   `json:"mtime_ms"`
	DurationSec      float64 `json:"duration_sec"`
	Title            string  `json:"title"`
	Artist           string  `json:"artist"`
	Album            string  `json:"album"`
	Genre            string  `json:"genre,omitempty"`
	Label            string  `json:"label,omitempty"`
	Year             string  `json:"year,omitempty"`
	NeedsTagging     bool    `json:"needs_tagging"`
	Tagged           bool    `json:"tagged"`
	ScanID           string  `json:"scan_id,omitempty"`
	Chromaprint      string  `json:"-"`
	NamespaceVersion string  `json:"namespace_version,omitempty"`
	CalibrationJSON  string  `json:"-"`
}

const fileColumns = `id, library_id, path, normalized_path, size_bytes, mtime_ms,
	duration_sec, title, artist, album, genre, label, year,
	needs_tagging, tagged, scan_id, chromaprint, namespace_version, calibration_json`

func scanFile(row interface{ Scan(...any) error }) (*LibraryFile, error) {
	var f LibraryFile
	if err := row.Scan(&f.ID, &f.LibraryID, &f.Path, &f.NormalizedPath,
		&f.SizeBytes, &f.MtimeMs, &f.DurationSec, &f.Title, &f.Artist, &f.Album,
		&f.Genre, &f.Label, &f.Year, &f.NeedsTagging, &f.Tagged, &f.ScanID,
		&f.Chromaprint, &f.NamespaceVersion, &f.CalibrationJSON); err != nil {
		return nil, err
	}
	return &f, nil
}

// UpsertFiles writes a scan batch atomically. Rows are keyed on
// (library_id, normalized_path); re-upserting is idempotent. Scanner
// fields are replaced, ML-owned fields (tagged, chromaprint,
// calibration) are preserved on update. IDs are filled in place.
func (s *Store) UpsertFiles(ctx context.Context, files []*LibraryFile) (created, updated int, err error) {
	if len(files) == 0 {
		return 0, 0, nil
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		selectStmt, err := tx.PrepareContext(ctx,
			`SELECT id FROM library_files WHERE library_id = ? AND normalized_path = ?`)
		if err != nil {
			return fmt.Errorf("prepare select: %w", err)
		}
		defer func() { _ = selectStmt.Close() }()

		insertStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO library_files (library_id, path, normalized_path, size_bytes,
				mtime_ms, duration_sec, title, artist, album, needs_tagging, tagged,
				scan_id, namespace_version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer func() { _ = insertStmt.Close() }()

		updateStmt, err := tx.PrepareContext(ctx, `
			UPDATE library_files SET path = ?, size_bytes = ?, mtime_ms = ?,
				duration_sec = ?, title = ?, artist = ?, album = ?,
				needs_tagging = ?, scan_id = ?, namespace_version = ?
			WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("prepare update: %w", err)
		}
		defer func() { _ = updateStmt.Close() }()

		for _, f := range files {
			var id int64
			err := selectStmt.QueryRowContext(ctx, f.LibraryID, f.NormalizedPath).Scan(&id)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				res, err := insertStmt.ExecContext(ctx, f.LibraryID, f.Path,
					f.NormalizedPath, f.SizeBytes, f.MtimeMs, f.DurationSec,
					f.Title, f.Artist, f.Album, f.NeedsTagging, f.Tagged,
					f.ScanID, f.NamespaceVersion)
				if err != nil {
					return fmt.Errorf("insert file %s: %w", f.NormalizedPath, err)
				}
				if f.ID, err = res.LastInsertId(); err != nil {
					return fmt.Errorf("file id: %w", err)
				}
				created++
			case err != nil:
				return fmt.Errorf("lookup file %s: %w", f.NormalizedPath, err)
			default:
				if _, err := updateStmt.ExecContext(ctx, f.Path, f.SizeBytes,
					f.MtimeMs, f.DurationSec, f.Title, f.Artist, f.Album,
					f.NeedsTagging, f.ScanID, f.NamespaceVersion, id); err != nil {
					return fmt.Errorf("update file %s: %w", f.NormalizedPath, err)
				}
				f.ID = id
				updated++
			}
		}
		return nil
	})
	return created, updated, err
}

// ListFiles returns every file of a library.
func (s *Store) ListFiles(ctx context.Context, libraryID int64) ([]LibraryFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM library_files WHERE library_id = ? ORDER BY normalized_path`,
		libraryID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var files []LibraryFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return files, nil
}

// GetFileByID returns the file or ErrNotFound.
func (s *Store) GetFileByID(ctx context.Context, id int64) (*LibraryFile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM library_files WHERE id = ?`, id)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file %d: %w", id, err)
	}
	return f, nil
}

// GetFileByPath looks a file up by its normalized path within a
// library, or returns ErrNotFound.
func (s *Store) GetFileByPath(ctx context.Context, libraryID int64, normalizedPath string) (*LibraryFile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM library_files WHERE library_id = ? AND normalized_path = ?`,
		libraryID, normalizedPath)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", normalizedPath, err)
	}
	return f, nil
}

// GetFileByAbsPath resolves a file by its absolute path across all
// libraries, or returns ErrNotFound. Used by the tagging pipeline,
// which only knows the filesystem path.
func (s *Store) GetFileByAbsPath(ctx context.Context, path string) (*LibraryFile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM library_files WHERE path = ? LIMIT 1`, path)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file by path %s: %w", path, err)
	}
	return f, nil
}

// DeleteFilesByIDs removes files and their tag edges (via FK cascade)
// and returns the deleted count.
func (s *Store) DeleteFilesByIDs(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	total := 0
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := start + chunk
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		placeholders := make([]string, len(batch))
		args := make([]any, len(batch))
		for i, id := range batch {
			placeholders[i] = "?"
			args[i] = id
		}
		n, err := s.countAndDelete(ctx, "library_files",
			"id IN ("+strings.Join(placeholders, ", ")+")", args...)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// ApplyMove updates a moved file's location in place, keeping its
// identity and tags.
func (s *Store) ApplyMove(ctx context.Context, fileID int64, newPath, newNormalizedPath string, sizeBytes, mtimeMs int64, durationSec float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE library_files SET path = ?, normalized_path = ?, size_bytes = ?,
			mtime_ms = ?, duration_sec = ?
		WHERE id = ?`,
		newPath, newNormalizedPath, sizeBytes, mtimeMs, durationSec, fileID)
	if err != nil {
		return fmt.Errorf("apply move %d: %w", fileID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("apply move %d: %w", fileID, ErrNotFound)
	}
	return nil
}

// SetFileChromaprint stores the fingerprint computed by the tagging
// pipeline. The scanner never writes this column.
func (s *Store) SetFileChromaprint(ctx context.Context, fileID int64, chromaprint string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE library_files SET chromaprint = ? WHERE id = ?`, chromaprint, fileID)
	if err != nil {
		return fmt.Errorf("set chromaprint %d: %w", fileID, err)
	}
	return nil
}

// MarkFileTagged records a completed tagging run for the file.
func (s *Store) MarkFileTagged(ctx context.Context, fileID int64, version string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE library_files SET tagged = 1, needs_tagging = 0, namespace_version = ?
		WHERE id = ?`, version, fileID)
	if err != nil {
		return fmt.Errorf("mark tagged %d: %w", fileID, err)
	}
	return nil
}

// SetFileCalibration stores optional model calibration metadata.
func (s *Store) SetFileCalibration(ctx context.Context, fileID int64, calibrationJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE library_files SET calibration_json = ? WHERE id = ?`, calibrationJSON, fileID)
	if err != nil {
		return fmt.Errorf("set calibration %d: %w", fileID, err)
	}
	return nil
}

// CountFiles returns (total, needing tagging) for a library.
func (s *Store) CountFiles(ctx context.Context, libraryID int64) (total, needsTagging int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(needs_tagging), 0)
		FROM library_files WHERE library_id = ?`, libraryID).Scan(&total, &needsTagging)
	if err != nil {
		return 0, 0, fmt.Errorf("count files: %w", err)
	}
	return total, needsTagging, nil
}

// HasTaggedFiles reports whether any file in the library has been
// tagged. The scanner uses it to gate move detection.
func (s *Store) HasTaggedFiles(ctx context.Context, libraryID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM library_files WHERE library_id = ? AND tagged = 1 LIMIT 1`,
		libraryID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has tagged files: %w", err)
	}
	return true, nil
}
