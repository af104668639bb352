// Package store owns the gateway's SQLite-backed persisted state: the
// tables enumerated in spec.md §6 (mounts, storage_configs, api_keys,
// share_records, jobs, scheduled_jobs, fs_search_index_*, upload_parts,
// webdav_locks, ...). Grounded on Perkeep's pkg/sorted/sqlite
// (dbschema.go's initDB/schema-version pattern, sql.Open + CREATE TABLE IF
// NOT EXISTS on first use) but with the driver swapped from cgo sqlite3 to
// the direct modernc.org/sqlite dependency SPEC_FULL.md §B wires in, and
// the schema widened from a single generic key-value table to the
// gateway's full relational shape.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schemaVersion is bumped whenever the CREATE TABLE statements below
// change shape, the same convention as pkg/sorted/sqlite's dbschema.go.
const schemaVersion = 2

// DB wraps the shared *sql.DB handle every store-backed component needs.
type DB struct {
	*sql.DB
}

// Open opens (creating if absent) the SQLite database at dsn, enables WAL
// and foreign keys, and applies the schema with CREATE ... IF NOT EXISTS
// statements on every open; it does not stat the file first.
func Open(ctx context.Context, dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY storms
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("store: enabling WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("store: enabling foreign keys: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		return nil, fmt.Errorf("store: migrating schema: %w", err)
	}
	return &DB{db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement %q: %w", stmt, err)
		}
	}
	return nil
}

// schemaStatements holds every CREATE TABLE/INDEX in the gateway, per the
// "Persisted state" table in spec.md §6. fs_search_index_* tables are
// excluded from backup per spec.md §6 ("Backup excludes fs_search_index_*
// (derived)"); BackupExcludedTables lists them, and no backup code in this
// module reads that list.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS mounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		mount_path TEXT NOT NULL UNIQUE,
		storage_config_id TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		sort_order INTEGER NOT NULL DEFAULT 0,
		cache_ttl_seconds INTEGER NOT NULL DEFAULT 300,
		web_proxy INTEGER NOT NULL DEFAULT 0,
		webdav_policy TEXT NOT NULL DEFAULT '302_redirect',
		enable_sign INTEGER NOT NULL DEFAULT 0,
		sign_expires_sec INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS storage_configs (
		id TEXT PRIMARY KEY,
		storage_type TEXT NOT NULL,
		provider_type TEXT,
		params_json TEXT NOT NULL DEFAULT '{}',
		credentials_json TEXT NOT NULL DEFAULT '{}',
		default_folder TEXT NOT NULL DEFAULT '',
		is_public INTEGER NOT NULL DEFAULT 0,
		total_storage_bytes INTEGER,
		is_default INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		permissions INTEGER NOT NULL DEFAULT 0,
		basic_path TEXT NOT NULL DEFAULT '/',
		is_guest INTEGER NOT NULL DEFAULT 0,
		expires_at_ms INTEGER,
		created_at_ms INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS admin_accounts (
		id TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS api_key_storage_acl (
		api_key_id TEXT NOT NULL,
		storage_config_id TEXT NOT NULL,
		PRIMARY KEY (api_key_id, storage_config_id)
	)`,
	`CREATE TABLE IF NOT EXISTS paste_records (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		content TEXT NOT NULL DEFAULT '',
		password_hash TEXT,
		max_views INTEGER,
		views INTEGER NOT NULL DEFAULT 0,
		expires_at_ms INTEGER,
		created_by TEXT,
		created_at_ms INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS share_records (
		slug TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		target TEXT NOT NULL,
		storage_config_id TEXT,
		password_hash TEXT,
		max_views INTEGER,
		views INTEGER NOT NULL DEFAULT 0,
		expires_at_ms INTEGER,
		created_by TEXT,
		created_at_ms INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		task_type TEXT NOT NULL,
		status TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		stats_json TEXT NOT NULL DEFAULT '{}',
		trigger_type TEXT NOT NULL DEFAULT 'manual',
		error_message TEXT,
		created_at_ms INTEGER NOT NULL,
		started_at_ms INTEGER,
		finished_at_ms INTEGER,
		updated_at_ms INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS job_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at_ms INTEGER NOT NULL,
		finished_at_ms INTEGER,
		error_message TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS scheduled_jobs (
		task_id TEXT PRIMARY KEY,
		handler_id TEXT NOT NULL,
		schedule_type TEXT NOT NULL,
		interval_sec INTEGER,
		cron_expression TEXT,
		enabled INTEGER NOT NULL DEFAULT 1,
		config_json TEXT NOT NULL DEFAULT '{}',
		last_tick_ms INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS scheduled_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		job_id TEXT,
		ran_at_ms INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS system_settings (
		group_name TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (group_name, key)
	)`,
	`CREATE TABLE IF NOT EXISTS fs_meta (
		path TEXT PRIMARY KEY,
		header_markdown TEXT,
		header_inherit INTEGER NOT NULL DEFAULT 1,
		footer_markdown TEXT,
		footer_inherit INTEGER NOT NULL DEFAULT 1,
		hide_patterns_json TEXT NOT NULL DEFAULT '[]',
		hide_inherit INTEGER NOT NULL DEFAULT 1,
		password_hash TEXT,
		password_inherit INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS fs_search_index_entries (
		mount_id TEXT NOT NULL,
		s3_key TEXT NOT NULL,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		type INTEGER NOT NULL DEFAULT 0,
		modified_ms INTEGER NOT NULL DEFAULT 0,
		is_directory INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (mount_id, s3_key)
	)`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS fs_search_index_fts USING fts5(
		mount_id UNINDEXED, s3_key UNINDEXED, name, path, tokenize='trigram'
	)`,
	`CREATE TABLE IF NOT EXISTS fs_search_index_state (
		mount_id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'not_ready',
		last_indexed_ms INTEGER,
		updated_at_ms INTEGER NOT NULL,
		last_error TEXT,
		dirty_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS fs_search_index_dirty (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mount_id TEXT NOT NULL,
		op TEXT NOT NULL,
		s3_key TEXT NOT NULL,
		enqueued_at_ms INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS upload_parts (
		upload_id TEXT NOT NULL,
		part_number INTEGER NOT NULL,
		etag TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		updated_at_ms INTEGER NOT NULL,
		PRIMARY KEY (upload_id, part_number)
	)`,
	`CREATE TABLE IF NOT EXISTS webdav_locks (
		token TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		depth TEXT NOT NULL,
		scope TEXT NOT NULL,
		owner TEXT,
		expires_at_ms INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fs_search_index_dirty_mount ON fs_search_index_dirty (mount_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_webdav_locks_path ON webdav_locks (path)`,
}

// BackupExcludedTables lists the derived tables spec.md §6 says backup
// must exclude.
var BackupExcludedTables = []string{
	"fs_search_index_entries",
	"fs_search_index_fts",
	"fs_search_index_state",
	"fs_search_index_dirty",
}

// SchemaVersion reports the version this build of store.go expects.
func SchemaVersion() int { return schemaVersion }
