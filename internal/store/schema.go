// SPDX-License-Identifier: MIT

package store

// migrate creates the schema. Statements are idempotent so startup can
// always run them.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS queue (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		path           TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'running', 'done', 'error')),
		created_at_ms  INTEGER NOT NULL,
		started_at_ms  INTEGER,
		finished_at_ms INTEGER,
		error_message  TEXT,
		results_json   TEXT,
		force          INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_queue_status ON queue(status);
	CREATE INDEX IF NOT EXISTS idx_queue_status_created ON queue(status, created_at_ms);
	CREATE INDEX IF NOT EXISTS idx_queue_finished ON queue(finished_at_ms);

	CREATE TABLE IF NOT EXISTS libraries (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		name          TEXT NOT NULL UNIQUE,
		root_path     TEXT NOT NULL,
		is_default    INTEGER NOT NULL DEFAULT 0,
		scan_status   TEXT NOT NULL DEFAULT 'idle' CHECK(scan_status IN ('idle', 'scanning', 'complete', 'error')),
		created_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS library_files (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		library_id        INTEGER NOT NULL REFERENCES libraries(id) ON DELETE CASCADE,
		path              TEXT NOT NULL,
		normalized_path   TEXT NOT NULL,
		size_bytes        INTEGER NOT NULL DEFAULT 0,
		mtime_ms          INTEGER NOT NULL DEFAULT 0,
		duration_sec      REAL NOT NULL DEFAULT 0,
		title             TEXT NOT NULL DEFAULT '',
		artist            TEXT NOT NULL DEFAULT '',
		album             TEXT NOT NULL DEFAULT '',
		genre             TEXT NOT NULL DEFAULT '',
		label             TEXT NOT NULL DEFAULT '',
		year              TEXT NOT NULL DEFAULT '',
		needs_tagging     INTEGER NOT NULL DEFAULT 1,
		tagged            INTEGER NOT NULL DEFAULT 0,
		scan_id           TEXT NOT NULL DEFAULT '',
		chromaprint       TEXT NOT NULL DEFAULT '',
		namespace_version TEXT NOT NULL DEFAULT '',
		calibration_json  TEXT NOT NULL DEFAULT '',
		UNIQUE(library_id, normalized_path)
	);

	CREATE INDEX IF NOT EXISTS idx_library_files_library ON library_files(library_id);
	CREATE INDEX IF NOT EXISTS idx_library_files_needs ON library_files(library_id, needs_tagging);
	CREATE INDEX IF NOT EXISTS idx_library_files_path ON library_files(path);

	CREATE TABLE IF NOT EXISTS library_folders (
		library_id  INTEGER NOT NULL REFERENCES libraries(id) ON DELETE CASCADE,
		rel_path    TEXT NOT NULL,
		mtime_ms    INTEGER NOT NULL,
		audio_count INTEGER NOT NULL,
		PRIMARY KEY (library_id, rel_path)
	);

	CREATE TABLE IF NOT EXISTS library_tags (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		key          TEXT NOT NULL,
		value        TEXT NOT NULL,
		is_namespace INTEGER NOT NULL DEFAULT 0,
		UNIQUE(key, value)
	);

	CREATE TABLE IF NOT EXISTS file_tags (
		file_id INTEGER NOT NULL REFERENCES library_files(id) ON DELETE CASCADE,
		tag_id  INTEGER NOT NULL REFERENCES library_tags(id) ON DELETE CASCADE,
		PRIMARY KEY (file_id, tag_id)
	);

	CREATE INDEX IF NOT EXISTS idx_file_tags_tag ON file_tags(tag_id);

	CREATE TABLE IF NOT EXISTS library_scans (
		id              TEXT PRIMARY KEY,
		library_id      INTEGER NOT NULL REFERENCES libraries(id) ON DELETE CASCADE,
		status          TEXT NOT NULL DEFAULT 'scanning' CHECK(status IN ('idle', 'scanning', 'complete', 'error')),
		full_scan       INTEGER NOT NULL DEFAULT 0,
		started_at_ms   INTEGER NOT NULL,
		finished_at_ms  INTEGER,
		files_scanned   INTEGER NOT NULL DEFAULT 0,
		files_new       INTEGER NOT NULL DEFAULT 0,
		files_updated   INTEGER NOT NULL DEFAULT 0,
		files_moved     INTEGER NOT NULL DEFAULT 0,
		files_removed   INTEGER NOT NULL DEFAULT 0,
		folders_skipped INTEGER NOT NULL DEFAULT 0,
		error_count     INTEGER NOT NULL DEFAULT 0,
		message         TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_library_scans_library ON library_scans(library_id, started_at_ms);
	`

	_, err := s.db.Exec(schema)
	return err
}
