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

package kstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/kraklabs/kstore/pkg/embedstore"
	"github.com/kraklabs/kstore/pkg/entitystore"
	"github.com/kraklabs/kstore/pkg/evidence"
	"github.com/kraklabs/kstore/pkg/hnsw"
	"github.com/kraklabs/kstore/pkg/lockfile"
	"github.com/kraklabs/kstore/pkg/model"
	"github.com/kraklabs/kstore/pkg/querycache"
	"github.com/kraklabs/kstore/pkg/recovery"
	"github.com/kraklabs/kstore/pkg/redact"
	"github.com/kraklabs/kstore/pkg/respolicy"
	"github.com/kraklabs/kstore/pkg/schema"
	"github.com/kraklabs/kstore/pkg/txlog"
)

// artifactsDirName is the workspace-relative directory every persisted
// artifact lives under (spec §6 "persisted artifacts under the workspace").
const artifactsDirName = ".librarian"

// Store is the embeddable handle over one workspace, wiring every
// subsystem (C1-C11) into a single open/close lifecycle.
type Store struct {
	cfg      Config
	dbPath   string
	lockPath string

	db   *sql.DB
	lock *lockfile.Handle
	rec  *recovery.Recoverer

	Entities   *entitystore.Store
	Embeddings *embedstore.Store
	Evidence   *evidence.Store
	Vectors    *hnsw.VectorIndex
	TxLog      *txlog.Log
	Cache      *querycache.Cache
	Redactor   *redact.Auditor
	Resources  *respolicy.Monitor

	logger *slog.Logger
}

// Open acquires the workspace's process lock, opens (creating if absent)
// its sqlite database, runs migrations, rebinds paths if the workspace has
// moved, and wires every subsystem together (spec §4.1 "acquire" through
// §4.11).
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if cfg.WorkspaceRoot == "" {
		return nil, fmt.Errorf("kstore: open: WorkspaceRoot is required")
	}
	root := model.NormalizeSlashes(cfg.WorkspaceRoot)

	artifactsDir := filepath.Join(cfg.WorkspaceRoot, artifactsDirName)
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("kstore: open: create artifacts dir: %w", err)
	}
	dbPath := filepath.Join(artifactsDir, "kstore.db")
	graphPath := filepath.Join(artifactsDir, "hnsw.bin")
	lockPath := dbPath + ".lock"

	rec := recovery.New(dbPath, cfg.Logger)
	rec.RecoverStaleLock(lockfile.FileLockStaleAfter)

	handle, err := lockfile.Acquire(ctx, lockPath, rec, lockfile.Config{Deadline: cfg.LockDeadline, Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}

	db, err := openDB(dbPath)
	if err != nil {
		_ = handle.Release()
		return nil, err
	}

	if err := schema.Open(db); err != nil {
		if !recovery.LooksCorrupt(err) {
			_ = db.Close()
			_ = handle.Release()
			return nil, fmt.Errorf("kstore: open: schema: %w", err)
		}
		cfg.Logger.Warn("kstore: schema open failed, attempting recovery", "error", err)
		_ = db.Close()
		rec.Recover(err)
		db, err = openDB(dbPath)
		if err != nil {
			_ = handle.Release()
			return nil, fmt.Errorf("kstore: open: reopen after recovery: %w", err)
		}
		if err := schema.Open(db); err != nil {
			_ = db.Close()
			_ = handle.Release()
			return nil, fmt.Errorf("kstore: open: schema after recovery: %w", err)
		}
	}

	if err := rebindIfMoved(db, root); err != nil {
		_ = db.Close()
		_ = handle.Release()
		return nil, fmt.Errorf("kstore: open: rebind: %w", err)
	}

	auditor := redact.NewAuditor()
	embeddings := embedstore.New(db)
	vectors := hnsw.NewVectorIndex(cfg.HNSWMode, embeddings, graphPath, dbPath, cfg.Logger)
	vectors.Load()

	s := &Store{
		cfg:        cfg,
		dbPath:     dbPath,
		lockPath:   lockPath,
		db:         db,
		lock:       handle,
		rec:        rec,
		Entities:   entitystore.New(db, auditor, cfg.Logger),
		Embeddings: embeddings,
		Evidence:   evidence.New(db),
		Vectors:    vectors,
		TxLog:      txlog.New(db),
		Cache:      querycache.New(db),
		Redactor:   auditor,
		Resources:  respolicy.New(cfg.ResourceMode, nil),
		logger:     cfg.Logger,
	}
	return s, nil
}

// openDB opens a sqlite connection with the pragmas a single-writer
// embedded store needs: WAL for concurrent readers, foreign keys enforced,
// a busy timeout so lock contention blocks instead of erroring immediately,
// and NORMAL synchronous (safe under WAL).
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("kstore: open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kstore: ping db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("kstore: set pragma %q: %w", pragma, err)
		}
	}
	return db, nil
}

// rebindIfMoved compares the workspace root recorded in kstore_meta against
// root, seeding it on first open and rewriting path-bearing columns via
// schema.Rebind when the workspace has moved (spec §4.2).
func rebindIfMoved(db *sql.DB, root string) error {
	var stored string
	err := db.QueryRow(`SELECT value FROM kstore_meta WHERE key = 'workspace_root'`).Scan(&stored)
	if err == sql.ErrNoRows {
		_, err := db.Exec(`INSERT INTO kstore_meta (key, value) VALUES ('workspace_root', ?)`, root)
		return err
	}
	if err != nil {
		return err
	}
	if stored == root {
		return nil
	}
	return schema.Rebind(db, stored, root)
}

// Close persists the vector graph, closes the database, and releases the
// process lock, in that order, so a crash between steps leaves the lock (not
// the data) as the only thing recovery needs to clean up.
func (s *Store) Close() error {
	if err := s.Vectors.Persist(); err != nil {
		s.logger.Warn("kstore: failed to persist vector graph", "error", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("kstore: close db: %w", err)
	}
	if err := s.lock.Release(); err != nil {
		return fmt.Errorf("kstore: release lock: %w", err)
	}
	return nil
}

// WorkspaceRoot returns the root this store was opened against.
func (s *Store) WorkspaceRoot() string { return s.cfg.WorkspaceRoot }
