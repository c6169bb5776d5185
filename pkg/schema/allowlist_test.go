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

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kraklabs/kstore/pkg/model"
)

func TestValidateOrderColumnRejectsUnknownTable(t *testing.T) {
	err := ValidateOrderColumn("functions; DROP TABLE functions", "confidence")
	assert.ErrorIs(t, err, model.ErrInvalidTableName)
}

func TestValidateOrderColumnRejectsUnknownColumn(t *testing.T) {
	err := ValidateOrderColumn("functions", "id; DROP TABLE functions--")
	assert.ErrorIs(t, err, model.ErrInvalidOrderColumn)
}

func TestValidateOrderDirectionRejectsGarbage(t *testing.T) {
	err := ValidateOrderDirection("ASC; DROP TABLE functions")
	assert.ErrorIs(t, err, model.ErrInvalidOrderDirection)
}

func TestBuildOrderClauseAcceptsAllowlisted(t *testing.T) {
	clause, err := BuildOrderClause("functions", "confidence", "DESC")
	assert.NoError(t, err)
	assert.Equal(t, "ORDER BY confidence DESC", clause)
}
