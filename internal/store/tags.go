// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Tags are stored as edges from files to a deduplicated definition
// table. A definition is (key, value-as-JSON-array, namespace flag);
// scalars are wrapped in single-element arrays on write so the value
// column stays monotype. The edges are authoritative; the display
// columns on library_files are a cache rebuilt from them.

// ReplaceFileTags swaps the complete tag set of a file in one
// transaction. isNamespace classifies keys for the definition flag.
func (s *Store) ReplaceFileTags(ctx context.Context, fileID int64, tags map[string][]string, isNamespace func(key string) bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM file_tags WHERE file_id = ?`, fileID); err != nil {
			return fmt.Errorf("clear edges %d: %w", fileID, err)
		}

		insertDef, err := tx.PrepareContext(ctx, `
			INSERT INTO library_tags (key, value, is_namespace) VALUES (?, ?, ?)
			ON CONFLICT(key, value) DO UPDATE SET is_namespace = excluded.is_namespace`)
		if err != nil {
			return fmt.Errorf("prepare def insert: %w", err)
		}
		defer func() { _ = insertDef.Close() }()

		selectDef, err := tx.PrepareContext(ctx,
			`SELECT id FROM library_tags WHERE key = ? AND value = ?`)
		if err != nil {
			return fmt.Errorf("prepare def select: %w", err)
		}
		defer func() { _ = selectDef.Close() }()

		insertEdge, err := tx.PrepareContext(ctx, `
			INSERT INTO file_tags (file_id, tag_id) VALUES (?, ?)
			ON CONFLICT(file_id, tag_id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare edge insert: %w", err)
		}
		defer func() { _ = insertEdge.Close() }()

		for key, values := range tags {
			if len(values) == 0 {
				continue
			}
			valueJSON, err := json.Marshal(values)
			if err != nil {
				return fmt.Errorf("encode tag %s: %w", key, err)
			}
			ns := 0
			if isNamespace != nil && isNamespace(key) {
				ns = 1
			}
			if _, err := insertDef.ExecContext(ctx, key, string(valueJSON), ns); err != nil {
				return fmt.Errorf("upsert tag %s: %w", key, err)
			}
			var tagID int64
			if err := selectDef.QueryRowContext(ctx, key, string(valueJSON)).Scan(&tagID); err != nil {
				return fmt.Errorf("lookup tag %s: %w", key, err)
			}
			if _, err := insertEdge.ExecContext(ctx, fileID, tagID); err != nil {
				return fmt.Errorf("link tag %s: %w", key, err)
			}
		}
		return nil
	})
}

// GetFileTags returns the complete tag set for a file.
func (s *Store) GetFileTags(ctx context.Context, fileID int64) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.key, t.value FROM library_tags t
		JOIN file_tags ft ON ft.tag_id = t.id
		WHERE ft.file_id = ?
		ORDER BY t.key`, fileID)
	if err != nil {
		return nil, fmt.Errorf("get tags %d: %w", fileID, err)
	}
	defer func() { _ = rows.Close() }()

	tags := make(map[string][]string)
	for rows.Next() {
		var key, valueJSON string
		if err := rows.Scan(&key, &valueJSON); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		var values []string
		if err := json.Unmarshal([]byte(valueJSON), &values); err != nil {
			return nil, fmt.Errorf("decode tag %s: %w", key, err)
		}
		tags[key] = append(tags[key], values...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return tags, nil
}

// DeleteOrphanTags removes definitions with no incoming edges and
// returns the count.
func (s *Store) DeleteOrphanTags(ctx context.Context) (int, error) {
	return s.countAndDelete(ctx, "library_tags",
		"id NOT IN (SELECT DISTINCT tag_id FROM file_tags)")
}

// RebuildMetadataCache recomputes the display columns of the given
// files from their tag edges. Safe to run at any time; the cache never
// contradicts the edges.
func (s *Store) RebuildMetadataCache(ctx context.Context, fileIDs []int64) error {
	for _, id := range fileIDs {
		tags, err := s.GetFileTags(ctx, id)
		if err != nil {
			return err
		}

		artist := displayValue(tags, "artist", "artists")
		album := displayValue(tags, "album")
		genre := displayValue(tags, "genre")
		label := displayValue(tags, "label", "publisher")
		year := displayValue(tags, "year")
		if year == "" {
			if date := displayValue(tags, "date"); len(date) >= 4 {
				year = date[:4]
			}
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE library_files SET artist = ?, album = ?, genre = ?, label = ?, year = ?
			WHERE id = ?`,
			artist, album, genre, label, year, id)
		if err != nil {
			return fmt.Errorf("update cache %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("cache rebuild %d: %w", id, ErrNotFound)
		}
	}
	return nil
}

// displayValue unwraps single-element arrays to scalars and joins
// multi-valued tags for display. Fallback keys are tried in order.
func displayValue(tags map[string][]string, keys ...string) string {
	for _, key := range keys {
		values := tags[key]
		switch len(values) {
		case 0:
			continue
		case 1:
			return values[0]
		default:
			return strings.Join(values, ", ")
		}
	}
	return ""
}

// CountTagDefinitions returns the number of distinct tag definitions.
func (s *Store) CountTagDefinitions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM library_tags`).Scan(&n)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("count tags: %w", err)
	}
	return n, nil
}
