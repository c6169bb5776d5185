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

// Package kstore wires the process lock, schema, redaction, entity store,
// embedding store, vector index, evidence verifier, transaction log, query
// cache, and resource policy into a single embeddable handle over one
// workspace (spec C1-C11 integration).
package kstore

import (
	"log/slog"
	"time"

	"github.com/kraklabs/kstore/pkg/hnsw"
	"github.com/kraklabs/kstore/pkg/respolicy"
)

// Config controls how Open locates and initializes a store. It follows the
// teacher's plain option-struct convention (no generic map[string]any bag).
type Config struct {
	// WorkspaceRoot is the absolute path of the repository this store
	// describes. Used for path rebinding when the store moves.
	WorkspaceRoot string

	// HNSWMode selects whether the vector index builds a graph at all.
	// Defaults to hnsw.ModeAuto.
	HNSWMode hnsw.Mode

	// ResourceMode adjusts the background worker budget. Defaults to
	// respolicy.ModeAuto.
	ResourceMode respolicy.Mode

	// LockDeadline bounds how long Open waits to acquire the process lock.
	// Defaults to 5s (lockfile.Config's own default) when zero.
	LockDeadline time.Duration

	// Logger receives structured diagnostics from every subsystem.
	// Defaults to slog.Default() when nil.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.HNSWMode == "" {
		c.HNSWMode = hnsw.ModeAuto
	}
	if c.ResourceMode == "" {
		c.ResourceMode = respolicy.ModeAuto
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
