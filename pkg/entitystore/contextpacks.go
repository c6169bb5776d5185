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

const contextPackColumns = `pack_id, pack_type, target_id, summary, key_facts, code_snippets, related_files,
	invalidation_triggers, confidence, access_count, success_count, failure_count, version_string,
	schema_version, content_hash, invalidated`

func scanContextPack(row rowScanner) (model.ContextPack, bool, error) {
	var p model.ContextPack
	var keyFacts, snippets, related, triggers string

	err := row.Scan(&p.PackID, &p.PackType, &p.TargetID, &p.Summary, &keyFacts, &snippets, &related,
		&triggers, &p.Confidence, &p.AccessCount, &p.SuccessCount, &p.FailureCount, &p.VersionString,
		&p.SchemaVersion, &p.ContentHash, &p.Invalidated)
	if err == sql.ErrNoRows {
		return model.ContextPack{}, false, nil
	}
	if err != nil {
		return model.ContextPack{}, false, err
	}
	_ = json.Unmarshal([]byte(keyFacts), &p.KeyFacts)
	_ = json.Unmarshal([]byte(snippets), &p.CodeSnippets)
	_ = json.Unmarshal([]byte(related), &p.RelatedFiles)
	_ = json.Unmarshal([]byte(triggers), &p.InvalidationTriggers)
	return p, true, nil
}

// GetContextPack fetches one pack by id.
func (s *Store) GetContextPack(tx *sql.Tx, packID string) (model.ContextPack, bool, error) {
	row := s.conn(tx).QueryRow(`SELECT `+contextPackColumns+` FROM context_packs WHERE pack_id = ?`, packID)
	return scanContextPack(row)
}

// GetContextPackByTarget fetches one pack by its natural key.
func (s *Store) GetContextPackByTarget(tx *sql.Tx, targetID, packType string) (model.ContextPack, bool, error) {
	row := s.conn(tx).QueryRow(`SELECT `+contextPackColumns+` FROM context_packs WHERE target_id = ? AND pack_type = ?`, targetID, packType)
	return scanContextPack(row)
}

// UpsertContextPack inserts p or, on conflict by (targetId, packType),
// overwrites its content fields and recomputes contentHash; successCount
// and failureCount are preserved and invalidated is reset to false (spec
// §4.4 "upsertContextPack").
func (s *Store) UpsertContextPack(tx *sql.Tx, p model.ContextPack) (model.ContextPack, error) {
	if p.PackID == "" {
		p.PackID = uuid.NewString()
	}
	p.Confidence = model.ClampConfidence(p.Confidence)
	p.ContentHash = model.CanonicalPackHash(p)

	keyFacts, err := json.Marshal(nonNilStrings(p.KeyFacts))
	if err != nil {
		return model.ContextPack{}, err
	}
	snippets, err := json.Marshal(p.CodeSnippets)
	if err != nil {
		return model.ContextPack{}, err
	}
	related, err := json.Marshal(nonNilStrings(p.RelatedFiles))
	if err != nil {
		return model.ContextPack{}, err
	}
	triggers, err := json.Marshal(nonNilStrings(p.InvalidationTriggers))
	if err != nil {
		return model.ContextPack{}, err
	}

	_, err = s.conn(tx).Exec(`
		INSERT INTO context_packs (pack_id, pack_type, target_id, summary, key_facts, code_snippets,
			related_files, invalidation_triggers, confidence, version_string, schema_version, content_hash, invalidated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(target_id, pack_type) DO UPDATE SET
			summary = excluded.summary,
			key_facts = excluded.key_facts,
			code_snippets = excluded.code_snippets,
			related_files = excluded.related_files,
			invalidation_triggers = excluded.invalidation_triggers,
			confidence = excluded.confidence,
			version_string = excluded.version_string,
			schema_version = excluded.schema_version,
			content_hash = excluded.content_hash,
			invalidated = 0
	`, p.PackID, p.PackType, p.TargetID, p.Summary, string(keyFacts), string(snippets),
		string(related), string(triggers), p.Confidence, p.VersionString, p.SchemaVersion, p.ContentHash)
	if err != nil {
		return model.ContextPack{}, fmt.Errorf("entitystore: upsert context pack: %w", err)
	}

	stored, ok, err := s.GetContextPackByTarget(tx, p.TargetID, p.PackType)
	if err != nil {
		return model.ContextPack{}, err
	}
	if !ok {
		return model.ContextPack{}, fmt.Errorf("entitystore: upsert context pack: row not found after write")
	}
	return stored, nil
}

func nonNilStrings(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

// InvalidateContextPacks sets invalidated=true on every pack whose
// invalidationTriggers contains triggerPath, and returns the affected
// count (spec §4.4 "invalidateContextPacks").
func (s *Store) InvalidateContextPacks(tx *sql.Tx, triggerPath string) (int, error) {
	rows, err := s.conn(tx).Query(`SELECT pack_id, invalidation_triggers FROM context_packs WHERE invalidated = 0`)
	if err != nil {
		return 0, err
	}
	type hit struct{ packID string }
	var hits []hit
	for rows.Next() {
		var packID, triggers string
		if err := rows.Scan(&packID, &triggers); err != nil {
			rows.Close()
			return 0, err
		}
		var list []string
		_ = json.Unmarshal([]byte(triggers), &list)
		for _, t := range list {
			if t == triggerPath {
				hits = append(hits, hit{packID: packID})
				break
			}
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, h := range hits {
		if _, err := s.conn(tx).Exec(`UPDATE context_packs SET invalidated = 1 WHERE pack_id = ?`, h.packID); err != nil {
			return 0, err
		}
	}
	return len(hits), nil
}

// InvalidateCache purges query-cache rows whose key references filePath
// and invalidates any context packs the path triggers (spec §4.4
// "invalidateCache").
func (s *Store) InvalidateCache(tx *sql.Tx, filePath string) (int, error) {
	res, err := s.conn(tx).Exec(`DELETE FROM query_cache WHERE query_params LIKE ?`, "%"+filePath+"%")
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := s.InvalidateContextPacks(tx, filePath); err != nil {
		return int(n), err
	}
	return int(n), nil
}

// InvalidateEmbeddings deletes embeddings and multi-vectors for every
// function/module whose path matches filePath (spec §4.4
// "invalidateEmbeddings"). The caller is responsible for marking the
// vector index dirty afterward.
func (s *Store) InvalidateEmbeddings(tx *sql.Tx, filePath string) (int, error) {
	rows, err := s.conn(tx).Query(`
		SELECT id FROM functions WHERE file_path = ?
		UNION
		SELECT id FROM modules WHERE path = ?
	`, filePath, filePath)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	total := 0
	for _, id := range ids {
		res, err := s.conn(tx).Exec(`DELETE FROM embeddings WHERE entity_id = ?`, id)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += int(n)
		if _, err := s.conn(tx).Exec(`DELETE FROM multi_vectors WHERE entity_id = ?`, id); err != nil {
			return total, err
		}
	}
	return total, nil
}
