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

// Package txlog serializes all mutating transactions through a single FIFO
// queue, bumps a singleton coordination version optimistically on commit,
// appends a deduplicated change log, and emits post-commit events to a
// subscriber bus (spec C8).
//
// The queue uses a buffered channel of size one as a mutex that also gives
// FIFO ordering to queued-up callers, following the same "BEGIN IMMEDIATE
// acquires the write lock early, subsequent writers block" discipline
// documented on the teacher's own RunInTransaction.
package txlog

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/kraklabs/kstore/pkg/model"
)

// PendingChange is one mutation recorded inside an in-flight transaction,
// deduplicated by (EventType, Path).
type PendingChange struct {
	EventType model.ChangeEventType
	Path      string
}

// Context is handed to the callback passed to Log.Transaction. Mutating
// operations call Record to note what changed; Record is idempotent per
// (eventType, path) pair within one transaction.
type Context struct {
	Tx      *sql.Tx
	pending []PendingChange
	seen    map[PendingChange]struct{}
}

// Record notes a pending change, deduplicated by (eventType, path).
func (c *Context) Record(eventType model.ChangeEventType, path string) {
	key := PendingChange{EventType: eventType, Path: path}
	if _, ok := c.seen[key]; ok {
		return
	}
	c.seen[key] = struct{}{}
	c.pending = append(c.pending, key)
}

// Subscriber receives change-log entries after a transaction commits.
type Subscriber func(entries []model.ChangeLogEntry)

// Log owns the single-writer queue, the coordination version, and the
// subscriber bus.
type Log struct {
	db *sql.DB

	writeGate chan struct{} // buffered size 1: FIFO mutex for the transaction queue

	subMu sync.RWMutex
	subs  []Subscriber
}

// New constructs a Log over a database already carrying the
// coordination_version and change_log tables.
func New(db *sql.DB) *Log {
	l := &Log{db: db, writeGate: make(chan struct{}, 1)}
	l.writeGate <- struct{}{}
	return l
}

// Subscribe registers fn to be called with every batch of change-log
// entries produced by a committed transaction, in commit order.
func (l *Log) Subscribe(fn Subscriber) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.subs = append(l.subs, fn)
}

// Transaction runs fn serialized behind the FIFO write gate, implementing
// the commit protocol of spec §4.8: read version, apply mutations,
// optimistic version bump, append change log, commit, then emit events.
//
// fn may call Context.Record any number of times; duplicate (eventType,
// path) pairs collapse into one change-log row. If fn returns an error, or
// the optimistic version bump loses the race, the transaction rolls back
// and ErrTransactionConflict (or fn's error) is returned with no visible
// side effects.
func (l *Log) Transaction(fn func(ctx *Context) error) error {
	<-l.writeGate
	defer func() { l.writeGate <- struct{}{} }()

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("txlog: begin: %w", err)
	}

	var currentVersion int64
	if err := tx.QueryRow(`SELECT version FROM coordination_version WHERE id = 1`).Scan(&currentVersion); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("txlog: read coordination version: %w", err)
	}

	cctx := &Context{Tx: tx, seen: make(map[PendingChange]struct{})}
	if err := fn(cctx); err != nil {
		_ = tx.Rollback()
		return err
	}

	var entries []model.ChangeLogEntry
	if len(cctx.pending) > 0 {
		newVersion := currentVersion + 1
		res, err := tx.Exec(`UPDATE coordination_version SET version = ? WHERE id = 1 AND version = ?`, newVersion, currentVersion)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("txlog: bump coordination version: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("txlog: bump coordination version: %w", err)
		}
		if affected != 1 {
			_ = tx.Rollback()
			return model.ErrTransactionConflict
		}

		for _, p := range cctx.pending {
			res, err := tx.Exec(`INSERT INTO change_log (event_type, path, version) VALUES (?, ?, ?)`,
				string(p.EventType), p.Path, newVersion)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("txlog: append change log: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("txlog: append change log: %w", err)
			}
			entries = append(entries, model.ChangeLogEntry{
				ID:        id,
				EventType: p.EventType,
				Path:      p.Path,
				Version:   newVersion,
			})
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("txlog: commit: %w", err)
	}

	if len(entries) > 0 {
		l.subMu.RLock()
		subs := append([]Subscriber(nil), l.subs...)
		l.subMu.RUnlock()
		for _, sub := range subs {
			sub(entries)
		}
	}
	return nil
}

// ChangeEventsQuery is the closed option struct for GetIndexChangeEvents.
type ChangeEventsQuery struct {
	SinceVersion int64
	Paths        []string // optional glob patterns; matched if any pattern matches
	Limit        int
}

// GetIndexChangeEvents returns change-log rows with version > SinceVersion,
// ordered ascending by version then id, optionally filtered by glob-style
// path patterns (spec §4.8).
func (l *Log) GetIndexChangeEvents(q ChangeEventsQuery) ([]model.ChangeLogEntry, error) {
	rows, err := l.db.Query(`SELECT id, event_type, path, version, timestamp FROM change_log WHERE version > ? ORDER BY version ASC, id ASC`, q.SinceVersion)
	if err != nil {
		return nil, fmt.Errorf("txlog: query change events: %w", err)
	}
	defer rows.Close()

	var out []model.ChangeLogEntry
	for rows.Next() {
		var e model.ChangeLogEntry
		var eventType string
		if err := rows.Scan(&e.ID, &eventType, &e.Path, &e.Version, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("txlog: scan change event: %w", err)
		}
		e.EventType = model.ChangeEventType(eventType)

		if len(q.Paths) > 0 && !matchesAnyGlob(q.Paths, e.Path) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, rows.Err()
}

func matchesAnyGlob(patterns []string, path string) bool {
	for _, p := range patterns {
		if model.GlobMatch(p, path) {
			return true
		}
	}
	return false
}

// CurrentVersion returns the current coordination version without entering
// a transaction.
func (l *Log) CurrentVersion() (int64, error) {
	var v int64
	err := l.db.QueryRow(`SELECT version FROM coordination_version WHERE id = 1`).Scan(&v)
	return v, err
}
