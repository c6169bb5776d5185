// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package schema defines the relational schema, the ordered migration
// chain, and the identifier allowlists every dynamic query must pass
// through (spec C2).
package schema

import (
	"database/sql"
	"fmt"
)

// baseSchema creates every table used by the store. Later migrations only
// add columns/indexes for compatibility; they never change a column's
// meaning once shipped (spec §4.2 "ensure column" steps).
const baseSchema = `
CREATE TABLE IF NOT EXISTS kstore_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS functions (
	id TEXT PRIMARY KEY,
	file_path TEXT NOT NULL,
	name TEXT NOT NULL,
	signature TEXT NOT NULL DEFAULT '',
	purpose TEXT NOT NULL DEFAULT '',
	start_line INTEGER NOT NULL DEFAULT 0,
	end_line INTEGER NOT NULL DEFAULT 0,
	is_pure INTEGER NOT NULL DEFAULT 0,
	has_side_effects INTEGER NOT NULL DEFAULT 0,
	modifies_params INTEGER NOT NULL DEFAULT 0,
	throws INTEGER NOT NULL DEFAULT 0,
	return_depends_on_inputs INTEGER NOT NULL DEFAULT 0,
	effect_signature TEXT NOT NULL DEFAULT '[]',
	confidence REAL NOT NULL DEFAULT 0.5,
	successes INTEGER NOT NULL DEFAULT 0,
	failures INTEGER NOT NULL DEFAULT 0,
	access_count INTEGER NOT NULL DEFAULT 0,
	validation_count INTEGER NOT NULL DEFAULT 0,
	last_accessed DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_verified_at DATETIME,
	UNIQUE(file_path, name)
);
CREATE INDEX IF NOT EXISTS idx_functions_file_path ON functions(file_path);
CREATE INDEX IF NOT EXISTS idx_functions_confidence ON functions(confidence);

CREATE TABLE IF NOT EXISTS modules (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL UNIQUE,
	purpose TEXT NOT NULL DEFAULT '',
	exports TEXT NOT NULL DEFAULT '[]',
	dependencies TEXT NOT NULL DEFAULT '[]',
	confidence REAL NOT NULL DEFAULT 0.5
);

CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL UNIQUE,
	category TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT '',
	purpose TEXT NOT NULL DEFAULT '',
	complexity TEXT NOT NULL DEFAULT 'low',
	imports TEXT NOT NULL DEFAULT '[]',
	imported_by TEXT NOT NULL DEFAULT '[]',
	checksum TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0.5
);

CREATE TABLE IF NOT EXISTS directories (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL UNIQUE,
	category TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT '',
	purpose TEXT NOT NULL DEFAULT '',
	complexity TEXT NOT NULL DEFAULT 'low',
	parent TEXT NOT NULL DEFAULT '',
	siblings TEXT NOT NULL DEFAULT '[]',
	checksum TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0.5
);

CREATE TABLE IF NOT EXISTS context_packs (
	pack_id TEXT PRIMARY KEY,
	pack_type TEXT NOT NULL,
	target_id TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	key_facts TEXT NOT NULL DEFAULT '[]',
	code_snippets TEXT NOT NULL DEFAULT '[]',
	related_files TEXT NOT NULL DEFAULT '[]',
	invalidation_triggers TEXT NOT NULL DEFAULT '[]',
	confidence REAL NOT NULL DEFAULT 0.5,
	access_count INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	version_string TEXT NOT NULL DEFAULT '',
	schema_version INTEGER NOT NULL DEFAULT 1,
	content_hash TEXT NOT NULL DEFAULT '',
	invalidated INTEGER NOT NULL DEFAULT 0,
	UNIQUE(target_id, pack_type)
);
CREATE INDEX IF NOT EXISTS idx_context_packs_invalidated ON context_packs(invalidated);

CREATE TABLE IF NOT EXISTS graph_edges (
	from_id TEXT NOT NULL,
	to_id TEXT NOT NULL,
	edge_type TEXT NOT NULL,
	source_file TEXT NOT NULL,
	from_type TEXT NOT NULL DEFAULT '',
	to_type TEXT NOT NULL DEFAULT '',
	source_line INTEGER,
	confidence REAL NOT NULL DEFAULT 0.5,
	computed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (from_id, to_id, edge_type, source_file)
);

CREATE TABLE IF NOT EXISTS embeddings (
	entity_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	vector BLOB NOT NULL,
	dim INTEGER NOT NULL,
	model_id TEXT NOT NULL DEFAULT '',
	generated_at DATETIME NOT NULL,
	token_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (entity_id, entity_type)
);
CREATE INDEX IF NOT EXISTS idx_embeddings_dim ON embeddings(dim);

CREATE TABLE IF NOT EXISTS multi_vectors (
	entity_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	payload BLOB NOT NULL,
	dim INTEGER NOT NULL,
	generated_at DATETIME NOT NULL,
	PRIMARY KEY (entity_id, entity_type)
);

CREATE TABLE IF NOT EXISTS evidence_entries (
	claim_id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	file_path TEXT NOT NULL,
	line_start INTEGER NOT NULL,
	line_end INTEGER,
	snippet TEXT NOT NULL,
	claim TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0.5,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	content_hash TEXT NOT NULL DEFAULT '',
	verified_at DATETIME,
	stale INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_evidence_entity ON evidence_entries(entity_id, entity_type);

CREATE TABLE IF NOT EXISTS confidence_events (
	id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	delta REAL NOT NULL,
	updated_at DATETIME NOT NULL,
	reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS coordination_version (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO coordination_version (id, version) VALUES (1, 0);

CREATE TABLE IF NOT EXISTS change_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	path TEXT NOT NULL,
	version INTEGER NOT NULL,
	timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_change_log_version ON change_log(version);

CREATE TABLE IF NOT EXISTS query_cache (
	query_hash TEXT PRIMARY KEY,
	query_params TEXT NOT NULL DEFAULT '{}',
	response TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_accessed DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	access_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_query_cache_last_accessed ON query_cache(last_accessed);

CREATE TABLE IF NOT EXISTS query_access_log (
	entity_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	last_queried_at DATETIME NOT NULL,
	query_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (entity_id, entity_type)
);

CREATE TABLE IF NOT EXISTS ingestion_items (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	path TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS evolution_outcomes (
	id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	outcome TEXT NOT NULL,
	recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS quality_history (
	id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	score REAL NOT NULL,
	recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS blame_records (
	file_path TEXT NOT NULL,
	line_start INTEGER NOT NULL,
	line_end INTEGER NOT NULL,
	commit_sha TEXT NOT NULL,
	author TEXT NOT NULL DEFAULT '',
	authored_at DATETIME,
	summary TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (file_path, line_start, line_end, commit_sha)
);

CREATE TABLE IF NOT EXISTS diff_records (
	commit_sha TEXT NOT NULL,
	file_path TEXT NOT NULL,
	change_type TEXT NOT NULL,
	additions INTEGER NOT NULL DEFAULT 0,
	deletions INTEGER NOT NULL DEFAULT 0,
	old_path TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (commit_sha, file_path)
);

CREATE TABLE IF NOT EXISTS reflog_records (
	ref TEXT NOT NULL,
	old_sha TEXT NOT NULL,
	new_sha TEXT NOT NULL,
	action TEXT NOT NULL DEFAULT '',
	timestamp DATETIME NOT NULL,
	PRIMARY KEY (ref, new_sha, timestamp)
);

CREATE TABLE IF NOT EXISTS clone_records (
	source_func_id TEXT NOT NULL,
	target_func_id TEXT NOT NULL,
	similarity REAL NOT NULL,
	clone_type TEXT NOT NULL,
	detected_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (source_func_id, target_func_id)
);

CREATE TABLE IF NOT EXISTS debt_records (
	entity_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	category TEXT NOT NULL,
	severity REAL NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	computed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (entity_id, entity_type, category)
);

CREATE TABLE IF NOT EXISTS knowledge_edges (
	from_id TEXT NOT NULL,
	to_id TEXT NOT NULL,
	edge_type TEXT NOT NULL,
	weight REAL NOT NULL DEFAULT 0,
	last_observed_at DATETIME,
	PRIMARY KEY (from_id, to_id, edge_type)
);

CREATE TABLE IF NOT EXISTS fault_localizations (
	entity_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	bug_report_id TEXT NOT NULL,
	suspicion_score REAL NOT NULL,
	rationale TEXT NOT NULL DEFAULT '',
	computed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (entity_id, entity_type, bug_report_id)
);

CREATE TABLE IF NOT EXISTS rebind_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	old_root TEXT NOT NULL,
	new_root TEXT NOT NULL,
	rebound_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Migration is one named, idempotent upgrade step (directly grounded on
// BeadsLog's sqlite migration runner).
type Migration struct {
	Name string
	Func func(*sql.Tx) error
}

// migrationsList is the ordered chain of post-baseSchema upgrades. New
// columns/tables are appended here, never inserted; every step must be safe
// to re-run against an already-migrated database.
var migrationsList = []Migration{
	{"ensure_function_validation_count", ensureColumn("functions", "validation_count", "INTEGER NOT NULL DEFAULT 0")},
	{"ensure_context_pack_schema_version", ensureColumn("context_packs", "schema_version", "INTEGER NOT NULL DEFAULT 1")},
}

// ensureColumn returns a Migration.Func that adds column to table if it is
// missing, tolerating sqlite's lack of "ADD COLUMN IF NOT EXISTS" (spec
// §4.2 "Defensive ensure column steps").
func ensureColumn(table, column, ddl string) func(*sql.Tx) error {
	return func(tx *sql.Tx) error {
		rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
		if err != nil {
			return fmt.Errorf("ensure column %s.%s: pragma: %w", table, column, err)
		}
		defer rows.Close()

		for rows.Next() {
			var cid int
			var name, ctype string
			var notNull, pk int
			var dflt sql.NullString
			if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
				return err
			}
			if name == column {
				return nil // already present, idempotent no-op
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, ddl))
		return err
	}
}

// Open runs the base schema and the full migration chain inside a single
// transaction per step (spec §4.2). Failure rolls back and the caller must
// refuse to open the store.
func Open(db *sql.DB) error {
	if _, err := db.Exec(baseSchema); err != nil {
		return fmt.Errorf("schema: base schema: %w", err)
	}

	for _, m := range migrationsList {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("schema: migration %s: begin: %w", m.Name, err)
		}
		if err := m.Func(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("schema: migration %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("schema: migration %s: commit: %w", m.Name, err)
		}
	}
	return nil
}
