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

// Package entitystore implements the CRUD and query surface over every
// relational entity the store persists: functions, modules, files,
// directories, context packs, structural and knowledge graph edges,
// confidence events, and the git-derived record families (spec C4).
//
// Each entity family follows the same shape: get, getBy<Key>, query(options),
// upsert(one)/upsertMany(batch), delete/deleteBy<Key>. Query options are
// closed structs with enumerated fields; batches run inside one transaction.
package entitystore

import (
	"database/sql"
	"log/slog"

	"github.com/kraklabs/kstore/pkg/redact"
)

// Store wraps a *sql.DB (already schema-migrated by pkg/schema) and the
// workspace's redaction auditor. It holds no other state: transaction
// sequencing is owned by pkg/txlog, which calls through Store's methods
// using its own *sql.Tx.
type Store struct {
	db       *sql.DB
	auditor  *redact.Auditor
	logger   *slog.Logger
}

// New constructs a Store. logger defaults to slog.Default() if nil.
func New(db *sql.DB, auditor *redact.Auditor, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if auditor == nil {
		auditor = redact.NewAuditor()
	}
	return &Store{db: db, auditor: auditor, logger: logger}
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting every method in
// this package run either standalone or inside a caller-supplied
// transaction (spec C8's scoped mutation context).
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// conn returns tx if non-nil, else the Store's own *sql.DB. Every exported
// method accepts an optional *sql.Tx so pkg/txlog can batch several
// entitystore mutations into one atomic commit.
func (s *Store) conn(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return s.db
}

// Pagination is the closed, reusable paging contract every query-options
// struct in this package embeds (spec §4.4 "closed option struct").
type Pagination struct {
	Limit  int
	Offset int
}

func (p Pagination) withDefaults() Pagination {
	if p.Limit <= 0 || p.Limit > 1000 {
		p.Limit = 100
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Ordering is the closed ordering contract: Column is validated against
// pkg/schema's allowlist for the relevant table before use.
type Ordering struct {
	Column    string
	Direction string
}
