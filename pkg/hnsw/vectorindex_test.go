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
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/kstore/pkg/model"
)

type fakeSource struct {
	embeddings       []model.Embedding
	dim              int
	clearedCalls     int
	clearedReturn    int
}

func (f *fakeSource) CountByDimension(tx *sql.Tx, dim int) (int, int, error) {
	matching, total := 0, len(f.embeddings)
	for _, e := range f.embeddings {
		if len(e.Vector) == dim {
			matching++
		}
	}
	return matching, total, nil
}

func (f *fakeSource) ListByDimension(tx *sql.Tx, dim int) ([]model.Embedding, error) {
	var out []model.Embedding
	for _, e := range f.embeddings {
		if len(e.Vector) == dim {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSource) ClearMismatchedEmbeddings(tx *sql.Tx, expectedDim int) (int, error) {
	f.clearedCalls++
	return f.clearedReturn, nil
}

func TestVectorIndexSearchModeOffUsesBruteForce(t *testing.T) {
	src := &fakeSource{embeddings: []model.Embedding{
		{EntityID: "a", EntityType: model.EntityFunction, Vector: []float32{1, 0}},
		{EntityID: "b", EntityType: model.EntityFunction, Vector: []float32{0, 1}},
	}}
	vi := NewVectorIndex(ModeOff, src, "", "", nil)

	resp, err := vi.Search([]float32{1, 0}, SearchOptions{Dimension: 2, K: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "a", resp.Results[0].ID)
}

func TestVectorIndexSearchModeOnBuildsGraph(t *testing.T) {
	src := &fakeSource{embeddings: []model.Embedding{
		{EntityID: "a", EntityType: model.EntityFunction, Vector: []float32{1, 0}},
		{EntityID: "b", EntityType: model.EntityFunction, Vector: []float32{0, 1}},
	}}
	vi := NewVectorIndex(ModeOn, src, "", "", nil)

	resp, err := vi.Search([]float32{1, 0}, SearchOptions{Dimension: 2, K: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "a", resp.Results[0].ID)
}

func TestVectorIndexDetectsTotalDimensionMismatch(t *testing.T) {
	src := &fakeSource{
		embeddings:    []model.Embedding{{EntityID: "a", EntityType: model.EntityFunction, Vector: []float32{1, 2, 3}}},
		clearedReturn: 1,
	}
	vi := NewVectorIndex(ModeOn, src, "", "", nil)

	resp, err := vi.Search([]float32{1, 0}, SearchOptions{Dimension: 2, K: 1})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, "auto_recovered_dimension_mismatch", resp.DegradedReason)
	assert.Equal(t, 1, resp.ClearedMismatchedCount)
	assert.Equal(t, 1, src.clearedCalls)
}

func TestVectorIndexDetectsPartialDimensionMismatch(t *testing.T) {
	src := &fakeSource{embeddings: []model.Embedding{
		{EntityID: "a", EntityType: model.EntityFunction, Vector: []float32{1, 0}},
		{EntityID: "b", EntityType: model.EntityFunction, Vector: []float32{1, 2, 3}},
	}}
	vi := NewVectorIndex(ModeOn, src, "", "", nil)

	resp, err := vi.Search([]float32{1, 0}, SearchOptions{Dimension: 2, K: 5})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, "dimension_mismatch", resp.DegradedReason)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "a", resp.Results[0].ID)
}

func TestVectorIndexFileSizeCeilingRetainsUnknownPaths(t *testing.T) {
	src := &fakeSource{embeddings: []model.Embedding{
		{EntityID: "big.go", EntityType: model.EntityFunction, Vector: []float32{1, 0}},
		{EntityID: "unknown.go", EntityType: model.EntityFunction, Vector: []float32{1, 0}},
	}}
	vi := NewVectorIndex(ModeOff, src, "", "", nil)

	resp, err := vi.Search([]float32{1, 0}, SearchOptions{
		Dimension:        2,
		K:                5,
		MaxFileSizeBytes: 100,
		StatFile: func(path string) (int64, bool) {
			if path == "big.go" {
				return 1000, true
			}
			return 0, false
		},
	})
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, r := range resp.Results {
		ids[r.ID] = true
	}
	assert.False(t, ids["big.go"], "oversized file must be dropped")
	assert.True(t, ids["unknown.go"], "unknown-size file must be retained")
}

func TestVectorIndexAutoModeLatchesOnceThresholdCrossed(t *testing.T) {
	vi := NewVectorIndex(ModeAuto, &fakeSource{}, "", "", nil)
	assert.False(t, vi.shouldUseHNSW(HNSWAutoThreshold-1))
	assert.True(t, vi.shouldUseHNSW(HNSWAutoThreshold))
	assert.True(t, vi.shouldUseHNSW(0), "auto mode must stay latched on after crossing threshold")
}
