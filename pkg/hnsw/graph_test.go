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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndSearchFindsExactMatch(t *testing.T) {
	g := NewGraph(DefaultConfig(), 42)
	g.Insert("a", "function", []float32{1, 0, 0})
	g.Insert("b", "function", []float32{0, 1, 0})
	g.Insert("c", "function", []float32{0.9, 0.1, 0})

	results := g.Search([]float32{1, 0, 0}, 2, 10, nil, 0)
	require.NotEmpty(t, results)
	assert.Equal(t, "a", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-9)
}

func TestSearchRespectsEntityTypeFilter(t *testing.T) {
	g := NewGraph(DefaultConfig(), 1)
	g.Insert("fn1", "function", []float32{1, 0})
	g.Insert("mod1", "module", []float32{1, 0})

	results := g.Search([]float32{1, 0}, 5, 10, map[string]bool{"module": true}, 0)
	for _, r := range results {
		assert.Equal(t, "module", r.EntityType)
	}
}

func TestSearchRespectsMinSimilarity(t *testing.T) {
	g := NewGraph(DefaultConfig(), 1)
	g.Insert("close", "function", []float32{1, 0})
	g.Insert("far", "function", []float32{-1, 0})

	results := g.Search([]float32{1, 0}, 10, 10, nil, 0.5)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Similarity, 0.5)
	}
}

func TestInsertOverwritesExistingID(t *testing.T) {
	g := NewGraph(DefaultConfig(), 7)
	g.Insert("a", "function", []float32{1, 0})
	g.Insert("a", "function", []float32{0, 1})

	require.Equal(t, 1, g.Len())
	results := g.Search([]float32{0, 1}, 1, 10, nil, 0)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-9)
}

func TestRemoveDeletesNodeAndReassignsEntryPoint(t *testing.T) {
	g := NewGraph(DefaultConfig(), 3)
	for i := 0; i < 20; i++ {
		g.Insert(fmt.Sprintf("n%d", i), "function", []float32{float32(i), 1})
	}
	entry := g.entryPoint
	g.Remove(entry)

	require.Equal(t, 19, g.Len())
	_, stillExists := g.nodes[entry]
	assert.False(t, stillExists)
	assert.NotEqual(t, entry, g.entryPoint)
}

func TestRemoveLastNodeClearsEntryPoint(t *testing.T) {
	g := NewGraph(DefaultConfig(), 1)
	g.Insert("only", "function", []float32{1, 0})
	g.Remove("only")

	assert.Equal(t, 0, g.Len())
	assert.Equal(t, "", g.entryPoint)
	assert.Equal(t, -1, g.maxLayer)
}

func TestLevelAssignmentIsDeterministicForFixedSeed(t *testing.T) {
	g1 := NewGraph(Config{M: 16}, 99)
	g2 := NewGraph(Config{M: 16}, 99)
	for i := 0; i < 10; i++ {
		assert.Equal(t, g1.assignLevel(), g2.assignLevel())
	}
}

func TestInsertManyThenSearchReturnsOrderedResults(t *testing.T) {
	g := NewGraph(Config{M: 8, EfConstruction: 40, EfSearch: 20}, 11)
	for i := 0; i < 200; i++ {
		vec := []float32{float32(i) / 200.0, 1 - float32(i)/200.0}
		g.Insert(fmt.Sprintf("n%d", i), "function", vec)
	}

	results := g.Search([]float32{0.5, 0.5}, 5, 40, nil, 0)
	require.Len(t, results, 5)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Similarity, results[i].Similarity)
	}
}
