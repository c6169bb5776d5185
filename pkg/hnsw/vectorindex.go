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
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/kraklabs/kstore/pkg/model"
)

// Mode selects whether the vector index runs the HNSW graph at all (spec
// §4.6 "Integration").
type Mode string

const (
	ModeOff  Mode = "off"
	ModeOn   Mode = "on"
	ModeAuto Mode = "auto"
)

// HNSWAutoThreshold is the embedding count at which auto mode switches the
// graph on, and stays on thereafter (spec §4.6).
const HNSWAutoThreshold = 5000

// EmbeddingSource is the subset of embedstore.Store the vector index needs.
// Declared here rather than imported directly so hnsw stays the lower-level
// package and embedstore need not know about it.
type EmbeddingSource interface {
	CountByDimension(tx *sql.Tx, dim int) (matching, total int, err error)
	ListByDimension(tx *sql.Tx, dim int) ([]model.Embedding, error)
	ClearMismatchedEmbeddings(tx *sql.Tx, expectedDim int) (int, error)
}

// SearchOptions is the closed option struct for VectorIndex.Search.
type SearchOptions struct {
	Dimension       int
	K               int
	AllowedTypes    map[string]bool
	MinSimilarity   float64
	MaxFileSizeBytes int64
	StatFile        func(path string) (size int64, ok bool)
}

// SearchResponse is the result envelope described in spec §4.6 step 5.
type SearchResponse struct {
	Results                []SearchResult
	Degraded               bool
	DegradedReason         string
	ClearedMismatchedCount int
}

// VectorIndex owns an optional HNSW graph over an embedding source and
// implements the mode/auto-threshold/degraded-result logic of spec §4.6's
// integration section.
type VectorIndex struct {
	mu     sync.Mutex
	mode   Mode
	graph  *Graph
	source EmbeddingSource
	logger *slog.Logger

	autoEnabled bool // latched true once the auto threshold is crossed
	dirty       bool
	graphPath   string
	dbPath      string
}

// NewVectorIndex constructs a VectorIndex. graphPath/dbPath are used for the
// mtime-based staleness check in Load.
func NewVectorIndex(mode Mode, source EmbeddingSource, graphPath, dbPath string, logger *slog.Logger) *VectorIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorIndex{mode: mode, source: source, graphPath: graphPath, dbPath: dbPath, logger: logger}
}

// MarkDirty flags the graph for rebuild and deletes the on-disk copy, as
// required after any embedding write (spec §4.6 "Writes to embeddings mark
// the index dirty and delete the on-disk graph").
func (v *VectorIndex) MarkDirty() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dirty = true
	if v.graphPath != "" {
		_ = os.Remove(v.graphPath)
	}
}

// Load reads the serialized graph from disk if it is newer than the
// database file; otherwise it leaves the index unloaded so the next
// Search triggers a rebuild (spec §4.6 "Persistence").
func (v *VectorIndex) Load() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.graphPath == "" {
		return
	}
	graphInfo, err := os.Stat(v.graphPath)
	if err != nil {
		return
	}
	if v.dbPath != "" {
		if dbInfo, err := os.Stat(v.dbPath); err == nil && graphInfo.ModTime().Before(dbInfo.ModTime()) {
			_ = os.Remove(v.graphPath)
			return
		}
	}

	data, err := os.ReadFile(v.graphPath)
	if err != nil {
		return
	}
	g, err := Deserialize(data)
	if err != nil {
		v.logger.Warn("hnsw: discarding unreadable graph file", "path", v.graphPath, "error", err)
		_ = os.Remove(v.graphPath)
		return
	}
	v.graph = g
	v.dirty = false
}

// Persist serializes the current graph to graphPath, if one is loaded.
func (v *VectorIndex) Persist() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.graph == nil || v.graphPath == "" {
		return nil
	}
	data, err := v.graph.Serialize()
	if err != nil {
		return err
	}
	return os.WriteFile(v.graphPath, data, 0o644)
}

func (v *VectorIndex) shouldUseHNSW(candidateCount int) bool {
	switch v.mode {
	case ModeOff:
		return false
	case ModeOn:
		return true
	case ModeAuto:
		if v.autoEnabled {
			return true
		}
		if candidateCount >= HNSWAutoThreshold {
			v.autoEnabled = true
			return true
		}
		return false
	default:
		return false
	}
}

// rebuildLocked rebuilds the in-memory graph from every embedding with the
// requested dimension.
func (v *VectorIndex) rebuildLocked(dim int, cfg Config) error {
	embeddings, err := v.source.ListByDimension(nil, dim)
	if err != nil {
		return err
	}
	g := NewGraph(cfg, time.Now().UnixNano())
	for _, e := range embeddings {
		g.Insert(e.EntityID, string(e.EntityType), e.Vector)
	}
	v.graph = g
	v.dirty = false
	return nil
}

// Search implements spec §4.6's five-step integration sequence.
func (v *VectorIndex) Search(query []float32, opts SearchOptions) (SearchResponse, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	matching, total, err := v.source.CountByDimension(nil, opts.Dimension)
	if err != nil {
		return SearchResponse{}, err
	}

	resp := SearchResponse{}

	if total > 0 && matching == 0 {
		cleared, err := v.source.ClearMismatchedEmbeddings(nil, opts.Dimension)
		if err != nil {
			return SearchResponse{}, err
		}
		resp.Degraded = true
		resp.DegradedReason = "auto_recovered_dimension_mismatch"
		resp.ClearedMismatchedCount = cleared
		return resp, nil
	}
	if total > matching {
		resp.Degraded = true
		resp.DegradedReason = "dimension_mismatch"
	}

	useHNSW := v.shouldUseHNSW(matching) && v.graph != nil && !v.dirty

	var results []SearchResult
	if useHNSW {
		ef := opts.K * 4
		results = v.graph.Search(query, opts.K, ef, opts.AllowedTypes, opts.MinSimilarity)
	} else {
		if v.mode != ModeOff {
			if err := v.rebuildLocked(opts.Dimension, DefaultConfig()); err != nil {
				return SearchResponse{}, err
			}
			if v.shouldUseHNSW(matching) {
				ef := opts.K * 4
				results = v.graph.Search(query, opts.K, ef, opts.AllowedTypes, opts.MinSimilarity)
			} else {
				results = bruteForceSearch(query, v.graph, opts)
			}
		} else {
			embeddings, err := v.source.ListByDimension(nil, opts.Dimension)
			if err != nil {
				return SearchResponse{}, err
			}
			results = bruteForceOverEmbeddings(query, embeddings, opts)
		}
	}

	if opts.StatFile != nil && opts.MaxFileSizeBytes > 0 {
		results = filterByFileSize(results, opts)
	}

	resp.Results = results
	return resp, nil
}

// bruteForceSearch scans every node in an already-built graph without
// using its layered structure, for the auto-mode pre-threshold case.
func bruteForceSearch(query []float32, g *Graph, opts SearchOptions) []SearchResult {
	if g == nil {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]SearchResult, 0, len(g.nodes))
	for _, n := range g.nodes {
		if len(opts.AllowedTypes) > 0 && !opts.AllowedTypes[n.entityType] {
			continue
		}
		sim := 1 - cosineDistance(query, n.vector)
		if sim < opts.MinSimilarity {
			continue
		}
		out = append(out, SearchResult{ID: n.id, EntityType: n.entityType, Similarity: sim})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if opts.K > 0 && len(out) > opts.K {
		out = out[:opts.K]
	}
	return out
}

// bruteForceOverEmbeddings is the same scan, used when mode=off and there
// is no in-memory graph to draw from at all.
func bruteForceOverEmbeddings(query []float32, embeddings []model.Embedding, opts SearchOptions) []SearchResult {
	out := make([]SearchResult, 0, len(embeddings))
	for _, e := range embeddings {
		if len(opts.AllowedTypes) > 0 && !opts.AllowedTypes[string(e.EntityType)] {
			continue
		}
		sim := 1 - cosineDistance(query, e.Vector)
		if sim < opts.MinSimilarity {
			continue
		}
		out = append(out, SearchResult{ID: e.EntityID, EntityType: string(e.EntityType), Similarity: sim})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if opts.K > 0 && len(out) > opts.K {
		out = out[:opts.K]
	}
	return out
}

// filterByFileSize drops results whose entity id resolves to a file over
// MaxFileSizeBytes; unknown paths are retained rather than dropped (spec
// §4.6 step 4: "never drop a relevant result for stat failure").
func filterByFileSize(results []SearchResult, opts SearchOptions) []SearchResult {
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		size, ok := opts.StatFile(r.ID)
		if !ok || size <= opts.MaxFileSizeBytes {
			out = append(out, r)
		}
	}
	return out
}
