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
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/kstore/pkg/model"
	"github.com/kraklabs/kstore/pkg/schema"
)

// GetFunction fetches one function by id, returning (zero, false) if absent.
func (s *Store) GetFunction(tx *sql.Tx, id string) (model.Function, bool, error) {
	row := s.conn(tx).QueryRow(`SELECT `+functionColumns+` FROM functions WHERE id = ?`, id)
	return scanFunction(row)
}

// GetFunctionByPathName fetches one function by its natural key.
func (s *Store) GetFunctionByPathName(tx *sql.Tx, filePath, name string) (model.Function, bool, error) {
	row := s.conn(tx).QueryRow(`SELECT `+functionColumns+` FROM functions WHERE file_path = ? AND name = ?`, filePath, name)
	return scanFunction(row)
}

const functionColumns = `id, file_path, name, signature, purpose, start_line, end_line, confidence,
	is_pure, has_side_effects, modifies_params, throws, return_depends_on_inputs, effect_signature,
	successes, failures, access_count, validation_count, last_accessed, created_at, updated_at, last_verified_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFunction(row rowScanner) (model.Function, bool, error) {
	var f model.Function
	var effectSig string
	var lastAccessed, lastVerified sql.NullTime

	err := row.Scan(&f.ID, &f.FilePath, &f.Name, &f.Signature, &f.Purpose, &f.StartLine, &f.EndLine, &f.Confidence,
		&f.IsPure, &f.HasSideEffects, &f.ModifiesParams, &f.Throws, &f.ReturnDependsOnInputs, &effectSig,
		&f.Successes, &f.Failures, &f.AccessCount, &f.ValidationCount, &lastAccessed, &f.CreatedAt, &f.UpdatedAt, &lastVerified)
	if err == sql.ErrNoRows {
		return model.Function{}, false, nil
	}
	if err != nil {
		return model.Function{}, false, err
	}
	_ = json.Unmarshal([]byte(effectSig), &f.EffectSignature)
	if lastAccessed.Valid {
		f.LastAccessed = lastAccessed.Time
	}
	if lastVerified.Valid {
		f.LastVerifiedAt = lastVerified.Time
	}
	return f, true, nil
}

// UpsertFunction inserts f or, on conflict by (filePath, name), overwrites
// every field except id, createdAt, accessCount, lastAccessed,
// validationCount, and the success/failure outcome counters. updatedAt and
// lastVerifiedAt are set to now (spec §4.4 "upsertFunction").
func (s *Store) UpsertFunction(tx *sql.Tx, f model.Function) (model.Function, error) {
	now := time.Now().UTC()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.Confidence = model.ClampConfidence(f.Confidence)

	effectSig, err := json.Marshal(f.EffectSignature)
	if err != nil {
		return model.Function{}, fmt.Errorf("entitystore: marshal effect signature: %w", err)
	}

	_, err = s.conn(tx).Exec(`
		INSERT INTO functions (id, file_path, name, signature, purpose, start_line, end_line, confidence,
			is_pure, has_side_effects, modifies_params, throws, return_depends_on_inputs, effect_signature,
			created_at, updated_at, last_verified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path, name) DO UPDATE SET
			signature = excluded.signature,
			purpose = excluded.purpose,
			start_line = excluded.start_line,
			end_line = excluded.end_line,
			confidence = excluded.confidence,
			is_pure = excluded.is_pure,
			has_side_effects = excluded.has_side_effects,
			modifies_params = excluded.modifies_params,
			throws = excluded.throws,
			return_depends_on_inputs = excluded.return_depends_on_inputs,
			effect_signature = excluded.effect_signature,
			updated_at = excluded.updated_at,
			last_verified_at = excluded.last_verified_at
	`, f.ID, f.FilePath, f.Name, f.Signature, f.Purpose, f.StartLine, f.EndLine, f.Confidence,
		f.IsPure, f.HasSideEffects, f.ModifiesParams, f.Throws, f.ReturnDependsOnInputs, string(effectSig),
		now, now, now)
	if err != nil {
		return model.Function{}, fmt.Errorf("entitystore: upsert function: %w", err)
	}

	stored, ok, err := s.GetFunctionByPathName(tx, f.FilePath, f.Name)
	if err != nil {
		return model.Function{}, err
	}
	if !ok {
		return model.Function{}, fmt.Errorf("entitystore: upsert function: row not found after write")
	}
	return stored, nil
}

// UpsertFunctions applies UpsertFunction to every element of batch inside a
// single transaction, per spec §4.4's "batches MUST execute atomically".
func (s *Store) UpsertFunctions(tx *sql.Tx, batch []model.Function) ([]model.Function, error) {
	if tx != nil {
		return s.upsertFunctionsTx(tx, batch)
	}
	out, err := runInOwnTx(s.db, func(tx *sql.Tx) ([]model.Function, error) {
		return s.upsertFunctionsTx(tx, batch)
	})
	return out, err
}

func (s *Store) upsertFunctionsTx(tx *sql.Tx, batch []model.Function) ([]model.Function, error) {
	out := make([]model.Function, 0, len(batch))
	for _, f := range batch {
		stored, err := s.UpsertFunction(tx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
	}
	return out, nil
}

// DeleteFunction removes a function by id.
func (s *Store) DeleteFunction(tx *sql.Tx, id string) error {
	_, err := s.conn(tx).Exec(`DELETE FROM functions WHERE id = ?`, id)
	return err
}

// DeleteFunctionsByFile removes every function recorded for filePath.
func (s *Store) DeleteFunctionsByFile(tx *sql.Tx, filePath string) error {
	_, err := s.conn(tx).Exec(`DELETE FROM functions WHERE file_path = ?`, filePath)
	return err
}

// FunctionQuery is the closed option struct for listing functions.
type FunctionQuery struct {
	FilePathPrefix string
	MinConfidence  float64
	Pagination
	Ordering
}

// QueryFunctions lists functions matching opts, validating Ordering.Column
// against the schema allowlist before building the ORDER BY clause.
func (s *Store) QueryFunctions(tx *sql.Tx, opts FunctionQuery) ([]model.Function, error) {
	opts.Pagination = opts.Pagination.withDefaults()
	column, direction := opts.Ordering.Column, opts.Ordering.Direction
	if column == "" {
		column = "confidence"
	}
	if direction == "" {
		direction = "DESC"
	}
	orderClause, err := schema.BuildOrderClause("functions", column, direction)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM functions WHERE file_path LIKE ? AND confidence >= ? %s LIMIT ? OFFSET ?`,
		functionColumns, orderClause)
	rows, err := s.conn(tx).Query(query, opts.FilePathPrefix+"%", opts.MinConfidence, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("entitystore: query functions: %w", err)
	}
	defer rows.Close()

	var out []model.Function
	for rows.Next() {
		f, ok, err := scanFunction(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, f)
		}
	}
	return out, rows.Err()
}

// TouchFunctionAccess bumps a function's accessCount and lastAccessed.
func (s *Store) TouchFunctionAccess(tx *sql.Tx, id string) error {
	_, err := s.conn(tx).Exec(`UPDATE functions SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`,
		time.Now().UTC(), id)
	return err
}

// runInOwnTx is a small helper for methods that accept an optional *sql.Tx:
// when the caller passes nil, it opens and commits its own transaction.
func runInOwnTx[T any](db *sql.DB, fn func(*sql.Tx) (T, error)) (T, error) {
	var zero T
	tx, err := db.Begin()
	if err != nil {
		return zero, err
	}
	out, err := fn(tx)
	if err != nil {
		_ = tx.Rollback()
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, err
	}
	return out, nil
}
