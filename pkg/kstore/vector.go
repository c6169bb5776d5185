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
	"github.com/kraklabs/kstore/pkg/hnsw"
	"github.com/kraklabs/kstore/pkg/model"
)

// FindSimilarOptions is the closed option struct for FindSimilarByEmbedding.
// AutoRecoverDimensionMismatch governs the branch spec §4.6 step 1 leaves
// open: when false, an all-mismatched collection fails fast with
// model.ErrEmbeddingDimensionMismatch instead of purging rows.
type FindSimilarOptions struct {
	K                            int
	AllowedTypes                 map[string]bool
	MinSimilarity                float64
	MaxFileSizeBytes             int64
	StatFile                     func(path string) (size int64, ok bool)
	AutoRecoverDimensionMismatch bool
}

// FindSimilarByEmbedding runs a top-k similarity search over embeddings of
// query's own dimension, handling the two boundary cases the lower-level
// hnsw.VectorIndex.Search does not distinguish on its own: an empty
// collection (spec §8 "vector_index_empty") and a fail-fast dimension
// mismatch when auto-recovery is disabled (spec §4.6 step 1).
func (s *Store) FindSimilarByEmbedding(query []float32, opts FindSimilarOptions) (hnsw.SearchResponse, error) {
	dim := len(query)

	matching, total, err := s.Embeddings.CountByDimension(nil, dim)
	if err != nil {
		return hnsw.SearchResponse{}, err
	}

	if total == 0 {
		return hnsw.SearchResponse{Degraded: true, DegradedReason: "vector_index_empty"}, nil
	}

	if matching == 0 && !opts.AutoRecoverDimensionMismatch {
		return hnsw.SearchResponse{}, model.Unverified(model.ErrEmbeddingDimensionMismatch.Error(), nil)
	}

	return s.Vectors.Search(query, hnsw.SearchOptions{
		Dimension:        dim,
		K:                opts.K,
		AllowedTypes:     opts.AllowedTypes,
		MinSimilarity:    opts.MinSimilarity,
		MaxFileSizeBytes: opts.MaxFileSizeBytes,
		StatFile:         opts.StatFile,
	})
}

// SetEmbedding validates and writes e, then marks the vector index dirty so
// the next search rebuilds against it (spec §4.5 "marks the vector index
// dirty").
func (s *Store) SetEmbedding(e model.Embedding) error {
	if err := s.Embeddings.SetEmbedding(nil, e); err != nil {
		return err
	}
	s.Vectors.MarkDirty()
	return nil
}

// InvalidateEmbeddings deletes embeddings and multi-vectors for every
// function/module under filePath and marks the vector index dirty so
// orphaned vectors cannot be returned by a stale in-memory graph (spec
// §4.4 "invalidateEmbeddings").
func (s *Store) InvalidateEmbeddings(filePath string) (int, error) {
	n, err := s.Entities.InvalidateEmbeddings(nil, filePath)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.Vectors.MarkDirty()
	}
	return n, nil
}
