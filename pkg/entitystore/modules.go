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

const moduleColumns = `id, path, purpose, exports, dependencies, confidence`

func scanModule(row rowScanner) (model.Module, bool, error) {
	var m model.Module
	var exports, deps string
	err := row.Scan(&m.ID, &m.Path, &m.Purpose, &exports, &deps, &m.Confidence)
	if err == sql.ErrNoRows {
		return model.Module{}, false, nil
	}
	if err != nil {
		return model.Module{}, false, err
	}
	_ = json.Unmarshal([]byte(exports), &m.Exports)
	_ = json.Unmarshal([]byte(deps), &m.Dependencies)
	return m, true, nil
}

// GetModule fetches one module by id.
func (s *Store) GetModule(tx *sql.Tx, id string) (model.Module, bool, error) {
	row := s.conn(tx).QueryRow(`SELECT `+moduleColumns+` FROM modules WHERE id = ?`, id)
	return scanModule(row)
}

// GetModuleByPath fetches one module by its natural key.
func (s *Store) GetModuleByPath(tx *sql.Tx, path string) (model.Module, bool, error) {
	row := s.conn(tx).QueryRow(`SELECT `+moduleColumns+` FROM modules WHERE path = ?`, path)
	return scanModule(row)
}

// UpsertModule inserts m or overwrites it on conflict by path.
func (s *Store) UpsertModule(tx *sql.Tx, m model.Module) (model.Module, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Confidence = model.ClampConfidence(m.Confidence)

	exports, err := json.Marshal(nonNilStrings(m.Exports))
	if err != nil {
		return model.Module{}, err
	}
	deps, err := json.Marshal(nonNilStrings(m.Dependencies))
	if err != nil {
		return model.Module{}, err
	}

	_, err = s.conn(tx).Exec(`
		INSERT INTO modules (id, path, purpose, exports, dependencies, confidence)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			purpose = excluded.purpose,
			exports = excluded.exports,
			dependencies = excluded.dependencies,
			confidence = excluded.confidence
	`, m.ID, m.Path, m.Purpose, string(exports), string(deps), m.Confidence)
	if err != nil {
		return model.Module{}, fmt.Errorf("entitystore: upsert module: %w", err)
	}

	stored, ok, err := s.GetModuleByPath(tx, m.Path)
	if err != nil {
		return model.Module{}, err
	}
	if !ok {
		return model.Module{}, fmt.Errorf("entitystore: upsert module: row not found after write")
	}
	return stored, nil
}

// DeleteModule removes a module by id.
func (s *Store) DeleteModule(tx *sql.Tx, id string) error {
	_, err := s.conn(tx).Exec(`DELETE FROM modules WHERE id = ?`, id)
	return err
}
