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

// Package evidence anchors claims about entities to source-file line
// windows, content-hash verifies them on read, and re-anchors drifted
// windows by exact-then-fuzzy matching (spec C7).
package evidence

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/kstore/pkg/model"
)

// Store wraps a *sql.DB already carrying the evidence_entries table.
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

// ContentHash returns the sha256 hex digest of text, used to anchor
// evidence to a specific version of a source file.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// SetEvidence replaces every existing row for (entityId, entityType) with
// entries, computing each entry's content hash from its source file's
// current text (spec §4.7 "setEvidence"). All writes happen in one
// transaction.
func (s *Store) SetEvidence(tx *sql.Tx, entityID string, entityType model.EntityType, entries []model.EvidenceEntry, readFile func(path string) (string, error)) ([]model.EvidenceEntry, error) {
	if tx != nil {
		return s.setEvidenceTx(tx, entityID, entityType, entries, readFile)
	}
	dbtx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	out, err := s.setEvidenceTx(dbtx, entityID, entityType, entries, readFile)
	if err != nil {
		_ = dbtx.Rollback()
		return nil, err
	}
	if err := dbtx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) setEvidenceTx(tx *sql.Tx, entityID string, entityType model.EntityType, entries []model.EvidenceEntry, readFile func(path string) (string, error)) ([]model.EvidenceEntry, error) {
	if _, err := tx.Exec(`DELETE FROM evidence_entries WHERE entity_id = ? AND entity_type = ?`, entityID, string(entityType)); err != nil {
		return nil, fmt.Errorf("evidence: set evidence: clear existing: %w", err)
	}

	now := time.Now().UTC()
	out := make([]model.EvidenceEntry, 0, len(entries))
	for _, e := range entries {
		e.EntityID = entityID
		e.EntityType = entityType
		if e.ClaimID == "" {
			e.ClaimID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}

		if readFile != nil {
			if text, err := readFile(e.FilePath); err == nil {
				e.ContentHash = ContentHash(text)
			}
		}

		_, err := tx.Exec(`
			INSERT INTO evidence_entries (claim_id, entity_id, entity_type, file_path, line_start, line_end,
				snippet, claim, confidence, created_at, content_hash, stale)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		`, e.ClaimID, e.EntityID, string(e.EntityType), e.FilePath, e.LineStart, e.LineEnd,
			e.Snippet, e.Claim, e.Confidence, e.CreatedAt, e.ContentHash)
		if err != nil {
			return nil, fmt.Errorf("evidence: set evidence: insert: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// GetEvidence returns every row stored for (entityId, entityType).
func (s *Store) GetEvidence(tx *sql.Tx, entityID string, entityType model.EntityType) ([]model.EvidenceEntry, error) {
	rows, err := s.conn(tx).Query(`SELECT claim_id, entity_id, entity_type, file_path, line_start, line_end,
		snippet, claim, confidence, created_at, content_hash, verified_at, stale
		FROM evidence_entries WHERE entity_id = ? AND entity_type = ?`, entityID, string(entityType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.EvidenceEntry
	for rows.Next() {
		var e model.EvidenceEntry
		var entityTypeStr string
		var verifiedAt sql.NullTime
		if err := rows.Scan(&e.ClaimID, &e.EntityID, &entityTypeStr, &e.FilePath, &e.LineStart, &e.LineEnd,
			&e.Snippet, &e.Claim, &e.Confidence, &e.CreatedAt, &e.ContentHash, &verifiedAt, &e.Stale); err != nil {
			return nil, err
		}
		e.EntityType = model.EntityType(entityTypeStr)
		if verifiedAt.Valid {
			e.VerifiedAt = verifiedAt.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListAll returns every evidence row in the store, ordered by entity then
// claim id, for bulk export (e.g. a markdown evidence report).
func (s *Store) ListAll(tx *sql.Tx) ([]model.EvidenceEntry, error) {
	rows, err := s.conn(tx).Query(`SELECT claim_id, entity_id, entity_type, file_path, line_start, line_end,
		snippet, claim, confidence, created_at, content_hash, verified_at, stale
		FROM evidence_entries ORDER BY entity_type, entity_id, claim_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.EvidenceEntry
	for rows.Next() {
		var e model.EvidenceEntry
		var entityTypeStr string
		var verifiedAt sql.NullTime
		if err := rows.Scan(&e.ClaimID, &e.EntityID, &entityTypeStr, &e.FilePath, &e.LineStart, &e.LineEnd,
			&e.Snippet, &e.Claim, &e.Confidence, &e.CreatedAt, &e.ContentHash, &verifiedAt, &e.Stale); err != nil {
			return nil, err
		}
		e.EntityType = model.EntityType(entityTypeStr)
		if verifiedAt.Valid {
			e.VerifiedAt = verifiedAt.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FileReader reads the full text of a source file relative to the
// workspace root, used by Verify. Production callers pass os.ReadFile
// wrapped to a string; tests can substitute an in-memory fake.
type FileReader func(path string) (string, error)

// OSFileReader is the default FileReader, reading directly off disk.
func OSFileReader(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verify re-checks every evidence row for (entityId, entityType) against
// the current content of its source file, re-anchoring drifted windows and
// marking unrecoverable ones stale (spec §4.7). It is idempotent: running
// it twice against an unchanged file performs no writes beyond a timestamp
// refresh.
func (s *Store) Verify(tx *sql.Tx, entityID string, entityType model.EntityType, readFile FileReader) ([]model.EvidenceEntry, error) {
	if tx != nil {
		return s.verifyTx(tx, entityID, entityType, readFile)
	}
	dbtx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	out, err := s.verifyTx(dbtx, entityID, entityType, readFile)
	if err != nil {
		_ = dbtx.Rollback()
		return nil, err
	}
	if err := dbtx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) verifyTx(tx *sql.Tx, entityID string, entityType model.EntityType, readFile FileReader) ([]model.EvidenceEntry, error) {
	entries, err := s.GetEvidence(tx, entityID, entityType)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]model.EvidenceEntry, 0, len(entries))
	for _, e := range entries {
		text, readErr := readFile(e.FilePath)
		if readErr != nil {
			out = append(out, e)
			continue
		}

		hash := ContentHash(text)
		lines := strings.Split(text, "\n")
		windowOK := e.LineStart >= 1 && e.LineEnd <= len(lines) && e.LineStart <= e.LineEnd

		if hash == e.ContentHash && windowOK && strings.Join(lines[e.LineStart-1:e.LineEnd], "\n") == e.Snippet {
			e.VerifiedAt = now
			e.Stale = false
			if err := s.touchVerified(tx, e); err != nil {
				return nil, err
			}
			out = append(out, e)
			continue
		}

		newStart, newEnd, ok := reanchor(lines, e.Snippet)
		if ok {
			e.LineStart = newStart
			e.LineEnd = newEnd
			e.ContentHash = hash
			e.VerifiedAt = now
			e.Stale = false
			if err := s.updateAnchor(tx, e); err != nil {
				return nil, err
			}
			out = append(out, e)
			continue
		}

		e.Stale = true
		e.ContentHash = ""
		e.VerifiedAt = now
		if err := s.markStale(tx, e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) touchVerified(tx *sql.Tx, e model.EvidenceEntry) error {
	_, err := tx.Exec(`UPDATE evidence_entries SET verified_at = ?, stale = 0 WHERE claim_id = ?`, e.VerifiedAt, e.ClaimID)
	return err
}

func (s *Store) updateAnchor(tx *sql.Tx, e model.EvidenceEntry) error {
	_, err := tx.Exec(`UPDATE evidence_entries SET line_start = ?, line_end = ?, content_hash = ?, verified_at = ?, stale = 0 WHERE claim_id = ?`,
		e.LineStart, e.LineEnd, e.ContentHash, e.VerifiedAt, e.ClaimID)
	return err
}

func (s *Store) markStale(tx *sql.Tx, e model.EvidenceEntry) error {
	_, err := tx.Exec(`UPDATE evidence_entries SET stale = 1, content_hash = '', verified_at = ? WHERE claim_id = ?`, e.VerifiedAt, e.ClaimID)
	return err
}
