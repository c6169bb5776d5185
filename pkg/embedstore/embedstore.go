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

// Package embedstore persists entity embeddings as little-endian float32
// BLOBs and enforces the vector invariants every write must satisfy
// (spec C5).
package embedstore

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/kraklabs/kstore/pkg/model"
)

// Store wraps a *sql.DB already carrying the embeddings/multi_vectors
// tables from pkg/schema.
type Store struct {
	db *sql.DB
}

// New constructs a Store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) conn(tx *sql.Tx) interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
} {
	if tx != nil {
		return tx
	}
	return s.db
}

// packVector encodes a []float32 as a little-endian byte BLOB.
func packVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// unpackVector decodes a little-endian BLOB back into []float32.
func unpackVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

// SetEmbedding validates e.Vector (non-empty, finite, norm² > 1e-10) and
// writes it, overwriting an existing row for (EntityID, EntityType) only if
// e.GeneratedAt is strictly newer than what's stored (spec §4.5
// "setEmbedding"). The dirty-index flag is the caller's responsibility
// (pkg/hnsw's integration wrapper owns it).
func (s *Store) SetEmbedding(tx *sql.Tx, e model.Embedding) error {
	if reason := model.ValidateEmbeddingVector(e.Vector); reason != "" {
		return model.Unverified(fmt.Sprintf("provider_invalid_output: %s", reason), nil)
	}
	if e.GeneratedAt.IsZero() {
		e.GeneratedAt = time.Now().UTC()
	}

	var existingGenerated time.Time
	err := s.conn(tx).QueryRow(`SELECT generated_at FROM embeddings WHERE entity_id = ? AND entity_type = ?`,
		e.EntityID, string(e.EntityType)).Scan(&existingGenerated)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("embedstore: set embedding: lookup: %w", err)
	}
	if err == nil && !e.GeneratedAt.After(existingGenerated) {
		return nil // stale write, silently ignored per "overwrites only if strictly newer"
	}

	_, err = s.conn(tx).Exec(`
		INSERT INTO embeddings (entity_id, entity_type, vector, dim, model_id, generated_at, token_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, entity_type) DO UPDATE SET
			vector = excluded.vector, dim = excluded.dim, model_id = excluded.model_id,
			generated_at = excluded.generated_at, token_count = excluded.token_count
	`, e.EntityID, string(e.EntityType), packVector(e.Vector), len(e.Vector), e.ModelID, e.GeneratedAt, e.TokenCount)
	if err != nil {
		return fmt.Errorf("embedstore: set embedding: %w", err)
	}
	return nil
}

// GetEmbedding fetches one embedding by its key.
func (s *Store) GetEmbedding(tx *sql.Tx, entityID string, entityType model.EntityType) (model.Embedding, bool, error) {
	var e model.Embedding
	var blob []byte
	var entityTypeStr string
	err := s.conn(tx).QueryRow(`SELECT entity_id, entity_type, vector, model_id, generated_at, token_count
		FROM embeddings WHERE entity_id = ? AND entity_type = ?`, entityID, string(entityType)).
		Scan(&e.EntityID, &entityTypeStr, &blob, &e.ModelID, &e.GeneratedAt, &e.TokenCount)
	if err == sql.ErrNoRows {
		return model.Embedding{}, false, nil
	}
	if err != nil {
		return model.Embedding{}, false, err
	}
	e.EntityType = model.EntityType(entityTypeStr)
	e.Vector = unpackVector(blob)
	return e, true, nil
}

// IntegrityOptions bounds how many sample ids InspectEmbeddingIntegrity
// returns.
type IntegrityOptions struct {
	SampleLimit int
}

// InspectEmbeddingIntegrity scans every embedding row and returns the total
// row count, how many are invalid (per model.ValidateEmbeddingVector), and
// up to opts.SampleLimit offending ids (spec §4.5).
func (s *Store) InspectEmbeddingIntegrity(tx *sql.Tx, opts IntegrityOptions) (total, invalid int, sampleIDs []string, err error) {
	if opts.SampleLimit <= 0 {
		opts.SampleLimit = 20
	}
	rows, err := s.conn(tx).Query(`SELECT entity_id, vector FROM embeddings`)
	if err != nil {
		return 0, 0, nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return 0, 0, nil, err
		}
		total++
		if reason := model.ValidateEmbeddingVector(unpackVector(blob)); reason != "" {
			invalid++
			if len(sampleIDs) < opts.SampleLimit {
				sampleIDs = append(sampleIDs, id)
			}
		}
	}
	return total, invalid, sampleIDs, rows.Err()
}

// PurgeInvalidEmbeddings deletes every embedding (and its matching
// multi-vector) that fails model.ValidateEmbeddingVector, transactionally,
// and returns the count removed (spec §4.5 "purgeInvalidEmbeddings").
func (s *Store) PurgeInvalidEmbeddings(tx *sql.Tx) (int, error) {
	rows, err := s.conn(tx).Query(`SELECT entity_id, entity_type, vector FROM embeddings`)
	if err != nil {
		return 0, err
	}
	type key struct{ id, typ string }
	var bad []key
	for rows.Next() {
		var k key
		var blob []byte
		if err := rows.Scan(&k.id, &k.typ, &blob); err != nil {
			rows.Close()
			return 0, err
		}
		if model.ValidateEmbeddingVector(unpackVector(blob)) != "" {
			bad = append(bad, k)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, k := range bad {
		if _, err := s.conn(tx).Exec(`DELETE FROM embeddings WHERE entity_id = ? AND entity_type = ?`, k.id, k.typ); err != nil {
			return 0, err
		}
		if _, err := s.conn(tx).Exec(`DELETE FROM multi_vectors WHERE entity_id = ? AND entity_type = ?`, k.id, k.typ); err != nil {
			return 0, err
		}
	}
	return len(bad), nil
}

// ClearMismatchedEmbeddings deletes every embedding whose byte length is
// not expectedDim*4 and every multi-vector whose dim column disagrees with
// expectedDim, returning the total deleted (spec §4.5
// "clearMismatchedEmbeddings").
func (s *Store) ClearMismatchedEmbeddings(tx *sql.Tx, expectedDim int) (int, error) {
	res, err := s.conn(tx).Exec(`DELETE FROM embeddings WHERE dim != ?`, expectedDim)
	if err != nil {
		return 0, fmt.Errorf("embedstore: clear mismatched embeddings: %w", err)
	}
	n1, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	res, err = s.conn(tx).Exec(`DELETE FROM multi_vectors WHERE dim != ?`, expectedDim)
	if err != nil {
		return int(n1), fmt.Errorf("embedstore: clear mismatched multi-vectors: %w", err)
	}
	n2, err := res.RowsAffected()
	if err != nil {
		return int(n1), err
	}

	return int(n1 + n2), nil
}

// CountByDimension returns (matchingDim, total) embedding row counts, used
// by the vector index integration to decide whether a search can proceed
// (spec §4.6 integration step 1).
func (s *Store) CountByDimension(tx *sql.Tx, dim int) (matching, total int, err error) {
	if err := s.conn(tx).QueryRow(`SELECT COUNT(*) FROM embeddings`).Scan(&total); err != nil {
		return 0, 0, err
	}
	if err := s.conn(tx).QueryRow(`SELECT COUNT(*) FROM embeddings WHERE dim = ?`, dim).Scan(&matching); err != nil {
		return 0, 0, err
	}
	return matching, total, nil
}

// ListByDimension returns every embedding whose stored dim equals dim,
// feeding brute-force search candidate sets.
func (s *Store) ListByDimension(tx *sql.Tx, dim int) ([]model.Embedding, error) {
	rows, err := s.conn(tx).Query(`SELECT entity_id, entity_type, vector, model_id, generated_at, token_count
		FROM embeddings WHERE dim = ?`, dim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Embedding
	for rows.Next() {
		var e model.Embedding
		var blob []byte
		var entityType string
		if err := rows.Scan(&e.EntityID, &entityType, &blob, &e.ModelID, &e.GeneratedAt, &e.TokenCount); err != nil {
			return nil, err
		}
		e.EntityType = model.EntityType(entityType)
		e.Vector = unpackVector(blob)
		out = append(out, e)
	}
	return out, rows.Err()
}
