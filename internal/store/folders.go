// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// FolderCache is the per-directory mtime/file-count row that lets
// incremental scans skip unchanged folders.
type FolderCache struct {
	LibraryID  int64
	RelPath    string
	MtimeMs    int64
	AudioCount int
}

// UpsertFolder records the observed state of one folder.
func (s *Store) UpsertFolder(ctx context.Context, f FolderCache) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO library_folders (library_id, rel_path, mtime_ms, audio_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(library_id, rel_path) DO UPDATE SET
			mtime_ms = excluded.mtime_ms,
			audio_count = excluded.audio_count`,
		f.LibraryID, f.RelPath, f.MtimeMs, f.AudioCount)
	if err != nil {
		return fmt.Errorf("upsert folder %s: %w", f.RelPath, err)
	}
	return nil
}

// GetFolders returns the folder cache keyed by relative path.
func (s *Store) GetFolders(ctx context.Context, libraryID int64) (map[string]FolderCache, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT library_id, rel_path, mtime_ms, audio_count
		 FROM library_folders WHERE library_id = ?`, libraryID)
	if err != nil {
		return nil, fmt.Errorf("get folders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	folders := make(map[string]FolderCache)
	for rows.Next() {
		var f FolderCache
		if err := rows.Scan(&f.LibraryID, &f.RelPath, &f.MtimeMs, &f.AudioCount); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		folders[f.RelPath] = f
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate folders: %w", err)
	}
	return folders, nil
}

// DeleteFoldersNotIn removes cache rows whose rel_path was not
// observed by the current full scan and returns the deleted count.
func (s *Store) DeleteFoldersNotIn(ctx context.Context, libraryID int64, observed map[string]struct{}) (int, error) {
	existing, err := s.GetFolders(ctx, libraryID)
	if err != nil {
		return 0, err
	}

	var stale []string
	for rel := range existing {
		if _, ok := observed[rel]; !ok {
			stale = append(stale, rel)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`DELETE FROM library_folders WHERE library_id = ? AND rel_path = ?`)
		if err != nil {
			return fmt.Errorf("prepare delete: %w", err)
		}
		defer func() { _ = stmt.Close() }()
		for _, rel := range stale {
			if _, err := stmt.ExecContext(ctx, libraryID, rel); err != nil {
				return fmt.Errorf("delete folder %s: %w", rel, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}
