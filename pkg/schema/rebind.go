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

package schema

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kraklabs/kstore/pkg/model"
)

// pathBearingColumn is one (table, column) pair whose value is a
// workspace-relative path, or a JSON array of them, and must be rewritten
// when the store is reopened against a moved workspace root (spec §4.2
// "workspace relocation").
type pathBearingColumn struct {
	table  string
	column string
	isJSON bool
}

var pathBearingColumns = []pathBearingColumn{
	{"functions", "file_path", false},
	{"modules", "path", false},
	{"files", "path", false},
	{"files", "imports", true},
	{"files", "imported_by", true},
	{"directories", "path", false},
	{"directories", "siblings", true},
	{"context_packs", "related_files", true},
	{"graph_edges", "source_file", false},
	{"blame_records", "file_path", false},
	{"diff_records", "file_path", false},
	{"diff_records", "old_path", false},
}

// Rebind rewrites every path-bearing column from oldRoot-relative to
// newRoot-relative form inside a single transaction, and records the move
// in rebind_audit. It is invoked when kstore.Open detects the workspace
// root stored in kstore_meta no longer matches the root the caller passed
// (spec §4.2).
func Rebind(db *sql.DB, oldRoot, newRoot string) error {
	if oldRoot == newRoot {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("schema: rebind: begin: %w", err)
	}
	defer tx.Rollback()

	for _, pc := range pathBearingColumns {
		if pc.isJSON {
			if err := rebindJSONColumn(tx, pc, oldRoot, newRoot); err != nil {
				return fmt.Errorf("schema: rebind %s.%s: %w", pc.table, pc.column, err)
			}
			continue
		}
		if err := rebindScalarColumn(tx, pc, oldRoot, newRoot); err != nil {
			return fmt.Errorf("schema: rebind %s.%s: %w", pc.table, pc.column, err)
		}
	}

	if _, err := tx.Exec(`INSERT INTO rebind_audit (old_root, new_root) VALUES (?, ?)`, oldRoot, newRoot); err != nil {
		return fmt.Errorf("schema: rebind audit: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO kstore_meta (key, value) VALUES ('workspace_root', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, newRoot); err != nil {
		return fmt.Errorf("schema: rebind meta: %w", err)
	}

	return tx.Commit()
}

func rebindScalarColumn(tx *sql.Tx, pc pathBearingColumn, oldRoot, newRoot string) error {
	if err := ValidateTableNameUnchecked(pc.table); err != nil {
		return err
	}
	query := fmt.Sprintf("SELECT rowid, %s FROM %s WHERE %s LIKE ?", pc.column, pc.table, pc.column)
	rows, err := tx.Query(query, model.NormalizeSlashes(oldRoot)+"%")
	if err != nil {
		return err
	}
	type update struct {
		rowid int64
		value string
	}
	var updates []update
	for rows.Next() {
		var u update
		if err := rows.Scan(&u.rowid, &u.value); err != nil {
			rows.Close()
			return err
		}
		updates = append(updates, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	updateStmt := fmt.Sprintf("UPDATE %s SET %s = ? WHERE rowid = ?", pc.table, pc.column)
	for _, u := range updates {
		rebased := rebasePath(u.value, oldRoot, newRoot)
		if _, err := tx.Exec(updateStmt, rebased, u.rowid); err != nil {
			return err
		}
	}
	return nil
}

func rebindJSONColumn(tx *sql.Tx, pc pathBearingColumn, oldRoot, newRoot string) error {
	if err := ValidateTableNameUnchecked(pc.table); err != nil {
		return err
	}
	query := fmt.Sprintf("SELECT rowid, %s FROM %s", pc.column, pc.table)
	rows, err := tx.Query(query)
	if err != nil {
		return err
	}
	type update struct {
		rowid int64
		value string
	}
	var updates []update
	for rows.Next() {
		var rowid int64
		var raw string
		if err := rows.Scan(&rowid, &raw); err != nil {
			rows.Close()
			return err
		}
		var paths []string
		if err := json.Unmarshal([]byte(raw), &paths); err != nil {
			continue // not a path array, leave untouched
		}
		changed := false
		for i, p := range paths {
			rebased := rebasePath(p, oldRoot, newRoot)
			if rebased != p {
				paths[i] = rebased
				changed = true
			}
		}
		if !changed {
			continue
		}
		enc, err := json.Marshal(paths)
		if err != nil {
			rows.Close()
			return err
		}
		updates = append(updates, update{rowid: rowid, value: string(enc)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	updateStmt := fmt.Sprintf("UPDATE %s SET %s = ? WHERE rowid = ?", pc.table, pc.column)
	for _, u := range updates {
		if _, err := tx.Exec(updateStmt, u.value, u.rowid); err != nil {
			return err
		}
	}
	return nil
}

// rebasePath rewrites p from being relative to oldRoot to being relative to
// newRoot, leaving it untouched if it does not fall under oldRoot.
func rebasePath(p, oldRoot, newRoot string) string {
	np := model.NormalizeSlashes(p)
	oldRoot = model.NormalizeSlashes(oldRoot)
	newRoot = model.NormalizeSlashes(newRoot)
	if !strings.HasPrefix(np, oldRoot) {
		return p
	}
	return newRoot + strings.TrimPrefix(np, oldRoot)
}

// ValidateTableNameUnchecked validates table against the full known-table
// set used by rebind, which is broader than the orderable-table allowlist
// (rebind never interpolates caller input, only this package's own
// constants, but every dynamically built identifier still goes through a
// named check for consistency and defense in depth).
func ValidateTableNameUnchecked(table string) error {
	for _, pc := range pathBearingColumns {
		if pc.table == table {
			return nil
		}
	}
	return model.ErrInvalidTableName
}
