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

	"github.com/google/uuid"

	"github.com/kraklabs/kstore/pkg/model"
)

// confidenceTable maps an EntityType to the table holding its confidence
// column. Only function and module entities carry a standalone confidence
// column; documents route through context_packs instead.
var confidenceTable = map[model.EntityType]string{
	model.EntityFunction: "functions",
	model.EntityModule:   "modules",
}

// UpdateConfidence applies delta to entityId's confidence, clamps the
// result to [ConfidenceMin, ConfidenceMax], bumps lastVerifiedAt where
// applicable, and appends a ConfidenceEvent (spec §4.4 "updateConfidence").
func (s *Store) UpdateConfidence(tx *sql.Tx, entityID string, entityType model.EntityType, delta float64, reason string) (model.ConfidenceEvent, error) {
	table, ok := confidenceTable[entityType]
	if !ok {
		return model.ConfidenceEvent{}, fmt.Errorf("entitystore: update confidence: unsupported entity type %q", entityType)
	}

	var current float64
	var query string
	switch table {
	case "functions":
		query = `SELECT confidence FROM functions WHERE id = ?`
	case "modules":
		query = `SELECT confidence FROM modules WHERE id = ?`
	}
	if err := s.conn(tx).QueryRow(query, entityID).Scan(&current); err != nil {
		return model.ConfidenceEvent{}, fmt.Errorf("entitystore: update confidence: lookup: %w", err)
	}

	next := model.ClampConfidence(current + delta)
	now := time.Now().UTC()

	switch table {
	case "functions":
		_, err := s.conn(tx).Exec(`UPDATE functions SET confidence = ?, last_verified_at = ? WHERE id = ?`, next, now, entityID)
		if err != nil {
			return model.ConfidenceEvent{}, err
		}
	case "modules":
		_, err := s.conn(tx).Exec(`UPDATE modules SET confidence = ? WHERE id = ?`, next, entityID)
		if err != nil {
			return model.ConfidenceEvent{}, err
		}
	}

	event := model.ConfidenceEvent{
		ID:         uuid.NewString(),
		EntityID:   entityID,
		EntityType: entityType,
		Delta:      delta,
		UpdatedAt:  now,
		Reason:     reason,
	}
	_, err := s.conn(tx).Exec(`INSERT INTO confidence_events (id, entity_id, entity_type, delta, updated_at, reason) VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.EntityID, string(event.EntityType), event.Delta, event.UpdatedAt, event.Reason)
	if err != nil {
		return model.ConfidenceEvent{}, fmt.Errorf("entitystore: update confidence: append event: %w", err)
	}
	return event, nil
}

// ApplyTimeDecay subtracts rate from every confidence value above
// ConfidenceMin across functions, modules, and non-invalidated context
// packs, and returns the total number of rows changed (spec §4.4
// "applyTimeDecay").
func (s *Store) ApplyTimeDecay(tx *sql.Tx, rate float64) (int, error) {
	if rate <= 0 {
		return 0, nil
	}
	total := 0

	for _, stmt := range []string{
		`UPDATE functions SET confidence = MAX(?, confidence - ?) WHERE confidence > ?`,
		`UPDATE modules SET confidence = MAX(?, confidence - ?) WHERE confidence > ?`,
		`UPDATE context_packs SET confidence = MAX(?, confidence - ?) WHERE confidence > ? AND invalidated = 0`,
	} {
		res, err := s.conn(tx).Exec(stmt, model.ConfidenceMin, rate, model.ConfidenceMin)
		if err != nil {
			return total, fmt.Errorf("entitystore: apply time decay: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += int(n)
	}
	return total, nil
}
