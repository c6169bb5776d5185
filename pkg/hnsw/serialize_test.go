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

package hnsw

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeDeserializeRoundTrips(t *testing.T) {
	g := NewGraph(Config{M: 8, EfConstruction: 40, EfSearch: 20}, 5)
	g.Insert("a", "function", []float32{1, 0, 0})
	g.Insert("b", "function", []float32{0, 1, 0})
	g.Insert("c", "module", []float32{0, 0, 1})

	data, err := g.Serialize()
	require.NoError(t, err)
	require.True(t, len(data) > len(magic))
	assert.Equal(t, magic, string(data[:len(magic)]))

	g2, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, g.Len(), g2.Len())
	assert.Equal(t, g.entryPoint, g2.entryPoint)
	assert.Equal(t, g.maxLayer, g2.maxLayer)

	results := g2.Search([]float32{1, 0, 0}, 1, 10, nil, 0)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}

func TestDeserializeRejectsBadMagic(t *testing.T) {
	_, err := Deserialize([]byte("XXXX garbage"))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDeserializeRejectsTruncatedPayload(t *testing.T) {
	g := NewGraph(DefaultConfig(), 1)
	g.Insert("a", "function", []float32{1, 0})
	data, err := g.Serialize()
	require.NoError(t, err)

	_, err = Deserialize(data[:len(data)-4])
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDeserializeRejectsWrongVersion(t *testing.T) {
	g := NewGraph(DefaultConfig(), 1)
	data, err := g.Serialize()
	require.NoError(t, err)

	corrupted := append([]byte{}, data...)
	corrupted[4] = 0xFF // version field starts right after the 4-byte magic
	_, err = Deserialize(corrupted)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
