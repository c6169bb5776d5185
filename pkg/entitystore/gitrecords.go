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

// This file implements the append-mostly git-derived record families added
// to the entity store (SPEC_FULL §3 supplement): blame, diff, reflog,
// clone, debt, and fault-localization records. They persist through the
// same redaction and transaction path as the rest of the store but carry
// no natural-key upsert-merge semantics beyond their composite primary key.
package entitystore

import (
	"database/sql"
	"time"

	"github.com/kraklabs/kstore/pkg/model"
)

// RecordBlame inserts or replaces one blame attribution row.
func (s *Store) RecordBlame(tx *sql.Tx, b model.BlameRecord) error {
	_, err := s.conn(tx).Exec(`
		INSERT INTO blame_records (file_path, line_start, line_end, commit_sha, author, authored_at, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path, line_start, line_end, commit_sha) DO UPDATE SET
			author = excluded.author, authored_at = excluded.authored_at, summary = excluded.summary
	`, b.FilePath, b.LineStart, b.LineEnd, b.CommitSHA, b.Author, b.AuthoredAt, b.Summary)
	return err
}

// QueryBlameForFile returns every blame row recorded for filePath.
func (s *Store) QueryBlameForFile(tx *sql.Tx, filePath string) ([]model.BlameRecord, error) {
	rows, err := s.conn(tx).Query(`SELECT file_path, line_start, line_end, commit_sha, author, authored_at, summary
		FROM blame_records WHERE file_path = ? ORDER BY line_start ASC`, filePath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BlameRecord
	for rows.Next() {
		var b model.BlameRecord
		var authoredAt sql.NullTime
		if err := rows.Scan(&b.FilePath, &b.LineStart, &b.LineEnd, &b.CommitSHA, &b.Author, &authoredAt, &b.Summary); err != nil {
			return nil, err
		}
		if authoredAt.Valid {
			b.AuthoredAt = authoredAt.Time
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// RecordDiff inserts or replaces one file-change row for a commit.
func (s *Store) RecordDiff(tx *sql.Tx, d model.DiffRecord) error {
	_, err := s.conn(tx).Exec(`
		INSERT INTO diff_records (commit_sha, file_path, change_type, additions, deletions, old_path)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(commit_sha, file_path) DO UPDATE SET
			change_type = excluded.change_type, additions = excluded.additions,
			deletions = excluded.deletions, old_path = excluded.old_path
	`, d.CommitSHA, d.FilePath, string(d.ChangeType), d.Additions, d.Deletions, d.OldPath)
	return err
}

// QueryDiffsForCommit returns every file change recorded for commitSHA.
func (s *Store) QueryDiffsForCommit(tx *sql.Tx, commitSHA string) ([]model.DiffRecord, error) {
	rows, err := s.conn(tx).Query(`SELECT commit_sha, file_path, change_type, additions, deletions, old_path
		FROM diff_records WHERE commit_sha = ?`, commitSHA)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DiffRecord
	for rows.Next() {
		var d model.DiffRecord
		var changeType string
		if err := rows.Scan(&d.CommitSHA, &d.FilePath, &changeType, &d.Additions, &d.Deletions, &d.OldPath); err != nil {
			return nil, err
		}
		d.ChangeType = model.DiffChangeType(changeType)
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecordReflog appends one reflog entry. Reflog rows are append-only: a
// duplicate (ref, newSha, timestamp) is a no-op rather than an update.
func (s *Store) RecordReflog(tx *sql.Tx, r model.ReflogRecord) error {
	_, err := s.conn(tx).Exec(`
		INSERT OR IGNORE INTO reflog_records (ref, old_sha, new_sha, action, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, r.Ref, r.OldSHA, r.NewSHA, r.Action, r.Timestamp)
	return err
}

// QueryReflog returns every reflog entry recorded for ref, newest first.
func (s *Store) QueryReflog(tx *sql.Tx, ref string) ([]model.ReflogRecord, error) {
	rows, err := s.conn(tx).Query(`SELECT ref, old_sha, new_sha, action, timestamp
		FROM reflog_records WHERE ref = ? ORDER BY timestamp DESC`, ref)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ReflogRecord
	for rows.Next() {
		var r model.ReflogRecord
		if err := rows.Scan(&r.Ref, &r.OldSHA, &r.NewSHA, &r.Action, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordClone inserts or replaces one detected duplicate-code relationship.
func (s *Store) RecordClone(tx *sql.Tx, c model.CloneRecord) error {
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}
	_, err := s.conn(tx).Exec(`
		INSERT INTO clone_records (source_func_id, target_func_id, similarity, clone_type, detected_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_func_id, target_func_id) DO UPDATE SET
			similarity = excluded.similarity, clone_type = excluded.clone_type, detected_at = excluded.detected_at
	`, c.SourceFuncID, c.TargetFuncID, c.Similarity, string(c.CloneType), c.DetectedAt)
	return err
}

// QueryClonesOf returns every clone relationship where funcID is either the
// source or the target.
func (s *Store) QueryClonesOf(tx *sql.Tx, funcID string) ([]model.CloneRecord, error) {
	rows, err := s.conn(tx).Query(`SELECT source_func_id, target_func_id, similarity, clone_type, detected_at
		FROM clone_records WHERE source_func_id = ? OR target_func_id = ? ORDER BY similarity DESC`, funcID, funcID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CloneRecord
	for rows.Next() {
		var c model.CloneRecord
		var cloneType string
		if err := rows.Scan(&c.SourceFuncID, &c.TargetFuncID, &c.Similarity, &cloneType, &c.DetectedAt); err != nil {
			return nil, err
		}
		c.CloneType = model.CloneType(cloneType)
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecordDebt inserts or replaces one computed debt signal.
func (s *Store) RecordDebt(tx *sql.Tx, d model.DebtRecord) error {
	if d.ComputedAt.IsZero() {
		d.ComputedAt = time.Now().UTC()
	}
	_, err := s.conn(tx).Exec(`
		INSERT INTO debt_records (entity_id, entity_type, category, severity, detail, computed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, entity_type, category) DO UPDATE SET
			severity = excluded.severity, detail = excluded.detail, computed_at = excluded.computed_at
	`, d.EntityID, string(d.EntityType), string(d.Category), d.Severity, d.Detail, d.ComputedAt)
	return err
}

// DebtQuery is the closed option struct for listing debt records.
type DebtQuery struct {
	MinSeverity float64
	Category    model.DebtCategory
	Pagination
}

// QueryDebt lists debt records matching opts, most severe first.
func (s *Store) QueryDebt(tx *sql.Tx, opts DebtQuery) ([]model.DebtRecord, error) {
	opts.Pagination = opts.Pagination.withDefaults()
	query := `SELECT entity_id, entity_type, category, severity, detail, computed_at FROM debt_records WHERE severity >= ?`
	args := []any{opts.MinSeverity}
	if opts.Category != "" {
		query += ` AND category = ?`
		args = append(args, string(opts.Category))
	}
	query += ` ORDER BY severity DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.conn(tx).Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DebtRecord
	for rows.Next() {
		var d model.DebtRecord
		var entityType, category string
		if err := rows.Scan(&d.EntityID, &entityType, &category, &d.Severity, &d.Detail, &d.ComputedAt); err != nil {
			return nil, err
		}
		d.EntityType = model.EntityType(entityType)
		d.Category = model.DebtCategory(category)
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecordFaultLocalization inserts or replaces one suspicion score.
func (s *Store) RecordFaultLocalization(tx *sql.Tx, f model.FaultLocalization) error {
	if f.ComputedAt.IsZero() {
		f.ComputedAt = time.Now().UTC()
	}
	_, err := s.conn(tx).Exec(`
		INSERT INTO fault_localizations (entity_id, entity_type, bug_report_id, suspicion_score, rationale, computed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, entity_type, bug_report_id) DO UPDATE SET
			suspicion_score = excluded.suspicion_score, rationale = excluded.rationale, computed_at = excluded.computed_at
	`, f.EntityID, string(f.EntityType), f.BugReportID, f.SuspicionScore, f.Rationale, f.ComputedAt)
	return err
}

// QueryFaultLocalizations returns every suspicion score recorded for
// bugReportID, most suspicious first.
func (s *Store) QueryFaultLocalizations(tx *sql.Tx, bugReportID string) ([]model.FaultLocalization, error) {
	rows, err := s.conn(tx).Query(`SELECT entity_id, entity_type, bug_report_id, suspicion_score, rationale, computed_at
		FROM fault_localizations WHERE bug_report_id = ? ORDER BY suspicion_score DESC`, bugReportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.FaultLocalization
	for rows.Next() {
		var f model.FaultLocalization
		var entityType string
		if err := rows.Scan(&f.EntityID, &entityType, &f.BugReportID, &f.SuspicionScore, &f.Rationale, &f.ComputedAt); err != nil {
			return nil, err
		}
		f.EntityType = model.EntityType(entityType)
		out = append(out, f)
	}
	return out, rows.Err()
}
