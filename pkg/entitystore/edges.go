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
	"fmt"
	"time"

	"github.com/kraklabs/kstore/pkg/model"
)

// UpsertGraphEdge inserts e or overwrites it on conflict by its composite
// key (fromId, toId, edgeType, sourceFile).
func (s *Store) UpsertGraphEdge(tx *sql.Tx, e model.GraphEdge) error {
	e.Confidence = model.ClampConfidence(e.Confidence)
	if e.ComputedAt.IsZero() {
		e.ComputedAt = time.Now().UTC()
	}
	_, err := s.conn(tx).Exec(`
		INSERT INTO graph_edges (from_id, to_id, edge_type, source_file, from_type, to_type, source_line, confidence, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(from_id, to_id, edge_type, source_file) DO UPDATE SET
			from_type = excluded.from_type,
			to_type = excluded.to_type,
			source_line = excluded.source_line,
			confidence = excluded.confidence,
			computed_at = excluded.computed_at
	`, e.FromID, e.ToID, e.EdgeType, e.SourceFile, e.FromType, e.ToType, e.SourceLine, e.Confidence, e.ComputedAt)
	if err != nil {
		return fmt.Errorf("entitystore: upsert graph edge: %w", err)
	}
	return nil
}

// QueryEdgesFrom returns every graph edge originating at fromID, optionally
// filtered to edgeType (empty string means any).
func (s *Store) QueryEdgesFrom(tx *sql.Tx, fromID, edgeType string) ([]model.GraphEdge, error) {
	query := `SELECT from_id, to_id, edge_type, source_file, from_type, to_type, source_line, confidence, computed_at
		FROM graph_edges WHERE from_id = ?`
	args := []any{fromID}
	if edgeType != "" {
		query += ` AND edge_type = ?`
		args = append(args, edgeType)
	}
	rows, err := s.conn(tx).Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.GraphEdge
	for rows.Next() {
		var e model.GraphEdge
		var sourceLine sql.NullInt64
		if err := rows.Scan(&e.FromID, &e.ToID, &e.EdgeType, &e.SourceFile, &e.FromType, &e.ToType, &sourceLine, &e.Confidence, &e.ComputedAt); err != nil {
			return nil, err
		}
		e.SourceLine = int(sourceLine.Int64)
		out = append(out, e)
	}
	return out, rows.Err()
}

// QueryEdgesTo returns every graph edge terminating at toID, optionally
// filtered to edgeType.
func (s *Store) QueryEdgesTo(tx *sql.Tx, toID, edgeType string) ([]model.GraphEdge, error) {
	query := `SELECT from_id, to_id, edge_type, source_file, from_type, to_type, source_line, confidence, computed_at
		FROM graph_edges WHERE to_id = ?`
	args := []any{toID}
	if edgeType != "" {
		query += ` AND edge_type = ?`
		args = append(args, edgeType)
	}
	rows, err := s.conn(tx).Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.GraphEdge
	for rows.Next() {
		var e model.GraphEdge
		var sourceLine sql.NullInt64
		if err := rows.Scan(&e.FromID, &e.ToID, &e.EdgeType, &e.SourceFile, &e.FromType, &e.ToType, &sourceLine, &e.Confidence, &e.ComputedAt); err != nil {
			return nil, err
		}
		e.SourceLine = int(sourceLine.Int64)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteEdgesForFile removes every graph edge sourced from sourceFile.
// Callers delete edges before the entities they reference, matching the
// teacher's cascading-delete ordering.
func (s *Store) DeleteEdgesForFile(tx *sql.Tx, sourceFile string) error {
	_, err := s.conn(tx).Exec(`DELETE FROM graph_edges WHERE source_file = ?`, sourceFile)
	return err
}

// UpsertKnowledgeEdge inserts or overwrites a git-derived knowledge edge
// keyed by (fromId, toId, edgeType).
func (s *Store) UpsertKnowledgeEdge(tx *sql.Tx, e model.KnowledgeEdge) error {
	if e.LastObservedAt.IsZero() {
		e.LastObservedAt = time.Now().UTC()
	}
	_, err := s.conn(tx).Exec(`
		INSERT INTO knowledge_edges (from_id, to_id, edge_type, weight, last_observed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(from_id, to_id, edge_type) DO UPDATE SET
			weight = excluded.weight,
			last_observed_at = excluded.last_observed_at
	`, e.FromID, e.ToID, string(e.EdgeType), e.Weight, e.LastObservedAt)
	if err != nil {
		return fmt.Errorf("entitystore: upsert knowledge edge: %w", err)
	}
	return nil
}

// QueryKnowledgeEdgesFrom returns every knowledge edge originating at
// fromID, optionally filtered to edgeType.
func (s *Store) QueryKnowledgeEdgesFrom(tx *sql.Tx, fromID string, edgeType model.KnowledgeEdgeType) ([]model.KnowledgeEdge, error) {
	query := `SELECT from_id, to_id, edge_type, weight, last_observed_at FROM knowledge_edges WHERE from_id = ?`
	args := []any{fromID}
	if edgeType != "" {
		query += ` AND edge_type = ?`
		args = append(args, string(edgeType))
	}
	rows, err := s.conn(tx).Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.KnowledgeEdge
	for rows.Next() {
		var e model.KnowledgeEdge
		var edgeType string
		if err := rows.Scan(&e.FromID, &e.ToID, &edgeType, &e.Weight, &e.LastObservedAt); err != nil {
			return nil, err
		}
		e.EdgeType = model.KnowledgeEdgeType(edgeType)
		out = append(out, e)
	}
	return out, rows.Err()
}
