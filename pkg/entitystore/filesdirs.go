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

package entitystore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kraklabs/kstore/pkg/model"
)

const fileColumns = `id, path, category, role, purpose, complexity, imports, imported_by, checksum, confidence`

func scanFile(row rowScanner) (model.FileKnowledge, bool, error) {
	var f model.FileKnowledge
	var imports, importedBy string
	err := row.Scan(&f.ID, &f.Path, &f.Category, &f.Role, &f.Purpose, &f.Complexity, &imports, &importedBy, &f.Checksum, &f.Confidence)
	if err == sql.ErrNoRows {
		return model.FileKnowledge{}, false, nil
	}
	if err != nil {
		return model.FileKnowledge{}, false, err
	}
	_ = json.Unmarshal([]byte(imports), &f.Imports)
	_ = json.Unmarshal([]byte(importedBy), &f.ImportedBy)
	return f, true, nil
}

// GetFileByPath fetches one file's knowledge record by path.
func (s *Store) GetFileByPath(tx *sql.Tx, path string) (model.FileKnowledge, bool, error) {
	row := s.conn(tx).QueryRow(`SELECT `+fileColumns+` FROM files WHERE path = ?`, path)
	return scanFile(row)
}

// UpsertFile inserts or overwrites a file knowledge record keyed by path.
func (s *Store) UpsertFile(tx *sql.Tx, f model.FileKnowledge) (model.FileKnowledge, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Complexity == "" {
		f.Complexity = model.ComplexityLow
	}
	f.Confidence = model.ClampConfidence(f.Confidence)

	imports, err := json.Marshal(nonNilStrings(f.Imports))
	if err != nil {
		return model.FileKnowledge{}, err
	}
	importedBy, err := json.Marshal(nonNilStrings(f.ImportedBy))
	if err != nil {
		return model.FileKnowledge{}, err
	}

	_, err = s.conn(tx).Exec(`
		INSERT INTO files (id, path, category, role, purpose, complexity, imports, imported_by, checksum, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			category = excluded.category,
			role = excluded.role,
			purpose = excluded.purpose,
			complexity = excluded.complexity,
			imports = excluded.imports,
			imported_by = excluded.imported_by,
			checksum = excluded.checksum,
			confidence = excluded.confidence
	`, f.ID, f.Path, f.Category, f.Role, f.Purpose, string(f.Complexity), string(imports), string(importedBy), f.Checksum, f.Confidence)
	if err != nil {
		return model.FileKnowledge{}, fmt.Errorf("entitystore: upsert file: %w", err)
	}

	stored, ok, err := s.GetFileByPath(tx, f.Path)
	if err != nil {
		return model.FileKnowledge{}, err
	}
	if !ok {
		return model.FileKnowledge{}, fmt.Errorf("entitystore: upsert file: row not found after write")
	}
	return stored, nil
}

// DeleteFile removes a file's knowledge record and every function recorded
// under it, deleting in the cascade order the teacher uses: dependents
// before the parent row.
func (s *Store) DeleteFile(tx *sql.Tx, path string) error {
	if err := s.DeleteFunctionsByFile(tx, path); err != nil {
		return err
	}
	_, err := s.conn(tx).Exec(`DELETE FROM files WHERE path = ?`, path)
	return err
}

const dirColumns = `id, path, category, role, purpose, complexity, parent, siblings, checksum, confidence`

func scanDirectory(row rowScanner) (model.DirectoryKnowledge, bool, error) {
	var d model.DirectoryKnowledge
	var siblings string
	err := row.Scan(&d.ID, &d.Path, &d.Category, &d.Role, &d.Purpose, &d.Complexity, &d.Parent, &siblings, &d.Checksum, &d.Confidence)
	if err == sql.ErrNoRows {
		return model.DirectoryKnowledge{}, false, nil
	}
	if err != nil {
		return model.DirectoryKnowledge{}, false, err
	}
	_ = json.Unmarshal([]byte(siblings), &d.Siblings)
	return d, true, nil
}

// GetDirectoryByPath fetches one directory's knowledge record by path.
func (s *Store) GetDirectoryByPath(tx *sql.Tx, path string) (model.DirectoryKnowledge, bool, error) {
	row := s.conn(tx).QueryRow(`SELECT `+dirColumns+` FROM directories WHERE path = ?`, path)
	return scanDirectory(row)
}

// UpsertDirectory inserts or overwrites a directory knowledge record.
func (s *Store) UpsertDirectory(tx *sql.Tx, d model.DirectoryKnowledge) (model.DirectoryKnowledge, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Complexity == "" {
		d.Complexity = model.ComplexityLow
	}
	d.Confidence = model.ClampConfidence(d.Confidence)

	siblings, err := json.Marshal(nonNilStrings(d.Siblings))
	if err != nil {
		return model.DirectoryKnowledge{}, err
	}

	_, err = s.conn(tx).Exec(`
		INSERT INTO directories (id, path, category, role, purpose, complexity, parent, siblings, checksum, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			category = excluded.category,
			role = excluded.role,
			purpose = excluded.purpose,
			complexity = excluded.complexity,
			parent = excluded.parent,
			siblings = excluded.siblings,
			checksum = excluded.checksum,
			confidence = excluded.confidence
	`, d.ID, d.Path, d.Category, d.Role, d.Purpose, string(d.Complexity), d.Parent, string(siblings), d.Checksum, d.Confidence)
	if err != nil {
		return model.DirectoryKnowledge{}, fmt.Errorf("entitystore: upsert directory: %w", err)
	}

	stored, ok, err := s.GetDirectoryByPath(tx, d.Path)
	if err != nil {
		return model.DirectoryKnowledge{}, err
	}
	if !ok {
		return model.DirectoryKnowledge{}, fmt.Errorf("entitystore: upsert directory: row not found after write")
	}
	return stored, nil
}
