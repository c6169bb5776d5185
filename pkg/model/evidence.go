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

package model

import (
	"math"
	"time"
)

// EvidenceEntry anchors a claim about an entity to a specific line window
// and snippet in a source file (spec §3, §4.7).
type EvidenceEntry struct {
	ClaimID    string
	EntityID   string
	EntityType EntityType
	FilePath   string
	LineStart  int
	LineEnd    int
	Snippet    string
	Claim      string
	Confidence float64
	CreatedAt  time.Time
	ContentHash string
	VerifiedAt time.Time
	Stale      bool
}

// Embedding is a single entity's stored vector plus provenance metadata
// (spec §3). Vector is always float32 to match the little-endian packed
// BLOB layout on disk.
type Embedding struct {
	EntityID    string
	EntityType  EntityType
	Vector      []float32
	ModelID     string
	GeneratedAt time.Time
	TokenCount  int
}

// MinEmbeddingNormSquared is the minimum allowed squared L2 norm for a
// stored embedding (spec §3 invariant 2, §4.5).
const MinEmbeddingNormSquared = 1e-10

// ValidateEmbeddingVector checks the non-empty/finite/non-zero-norm
// invariant all embedding writes must satisfy. It returns the reason string
// used in the "provider_invalid_output" boundary error, or "" if valid.
func ValidateEmbeddingVector(v []float32) string {
	if len(v) == 0 {
		return "empty"
	}
	var normSq float64
	for _, f := range v {
		if isNonFinite(f) {
			return "non_finite"
		}
		normSq += float64(f) * float64(f)
	}
	if normSq <= MinEmbeddingNormSquared {
		return "zero_norm"
	}
	return ""
}

func isNonFinite(f float32) bool {
	x := float64(f)
	return math.IsNaN(x) || math.IsInf(x, 0)
}
