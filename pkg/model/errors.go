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

// Package model holds the entity types, error taxonomy, and path/hash
// helpers shared by every storage subsystem.
package model

import (
	"errors"
	"fmt"
)

// ErrTransactionConflict is returned when a committing transaction loses
// the optimistic coordination-version race to a concurrent writer.
var ErrTransactionConflict = errors.New("transaction conflict")

// ErrIndexingInProgress is returned by the process lock when another live
// process already holds it.
var ErrIndexingInProgress = errors.New("indexing in progress")

// ErrLockTimedOut is returned when lock acquisition exceeds its deadline.
var ErrLockTimedOut = errors.New("storage lock acquisition timed out")

// ErrInvalidOrderColumn, ErrInvalidOrderDirection, and ErrInvalidTableName guard
// every dynamic-query entry point against identifier injection (spec §4.2/§9).
var (
	ErrInvalidOrderColumn    = errors.New("invalid_order_column")
	ErrInvalidOrderDirection = errors.New("invalid_order_direction")
	ErrInvalidTableName      = errors.New("invalid_table_name")
)

// ErrEmbeddingDimensionMismatch is returned by a collection-scoped ANN search
// when no row matches the caller's requested dimension and auto-recovery is
// disabled.
var ErrEmbeddingDimensionMismatch = errors.New("embedding_dimension_mismatch")

// Boundary is the machine-filterable error taxonomy from spec §6/§7. Every
// user-visible failure that crosses the store boundary is wrapped with
// Unverified so callers can grep for the "unverified_by_trace(" prefix.
type Boundary struct {
	Reason string
	Err    error
}

func (b *Boundary) Error() string {
	if b.Err != nil {
		return fmt.Sprintf("unverified_by_trace(%s: %v)", b.Reason, b.Err)
	}
	return fmt.Sprintf("unverified_by_trace(%s)", b.Reason)
}

func (b *Boundary) Unwrap() error { return b.Err }

// Unverified constructs a Boundary error with the given reason, e.g.
// "storage_locked:pid_alive" or "provider_invalid_output: embedding zero_norm".
func Unverified(reason string, cause error) error {
	return &Boundary{Reason: reason, Err: cause}
}

// IsTransactionConflict reports whether err (or a wrapped cause) is
// ErrTransactionConflict.
func IsTransactionConflict(err error) bool {
	return errors.Is(err, ErrTransactionConflict)
}
