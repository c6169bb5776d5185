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

package schema

import "github.com/kraklabs/kstore/pkg/model"

// orderableTables maps each table name dynamic queries may sort against to
// the set of columns callers are allowed to name in ORDER BY (spec §9's
// SQL-identifier-injection redesign flag: never string-build a query with a
// caller-supplied identifier that was not checked against a closed set).
var orderableTables = map[string]map[string]struct{}{
	"functions": {
		"confidence": {}, "access_count": {}, "last_accessed": {},
		"created_at": {}, "updated_at": {}, "name": {}, "file_path": {},
	},
	"context_packs": {
		"confidence": {}, "access_count": {}, "success_count": {},
		"failure_count": {}, "invalidated": {},
	},
	"evidence_entries": {
		"confidence": {}, "created_at": {}, "verified_at": {}, "stale": {},
	},
	"query_cache": {
		"last_accessed": {}, "created_at": {}, "access_count": {},
	},
	"debt_records": {
		"severity": {}, "computed_at": {},
	},
	"clone_records": {
		"similarity": {}, "detected_at": {},
	},
}

var orderDirections = map[string]struct{}{"ASC": {}, "DESC": {}}

// ValidateTableName confirms table is one of the known orderable tables.
func ValidateTableName(table string) error {
	if _, ok := orderableTables[table]; !ok {
		return model.ErrInvalidTableName
	}
	return nil
}

// ValidateOrderColumn confirms column is an allowlisted sort key for table.
func ValidateOrderColumn(table, column string) error {
	cols, ok := orderableTables[table]
	if !ok {
		return model.ErrInvalidTableName
	}
	if _, ok := cols[column]; !ok {
		return model.ErrInvalidOrderColumn
	}
	return nil
}

// ValidateOrderDirection confirms direction is exactly "ASC" or "DESC".
func ValidateOrderDirection(direction string) error {
	if _, ok := orderDirections[direction]; !ok {
		return model.ErrInvalidOrderDirection
	}
	return nil
}

// BuildOrderClause validates table, column, and direction against the
// allowlists and returns the literal "ORDER BY column direction" fragment,
// safe to concatenate into a query string because every component has
// already been checked against a closed set.
func BuildOrderClause(table, column, direction string) (string, error) {
	if err := ValidateOrderColumn(table, column); err != nil {
		return "", err
	}
	if err := ValidateOrderDirection(direction); err != nil {
		return "", err
	}
	return "ORDER BY " + column + " " + direction, nil
}
