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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// canonicalPackProjection is the stable, ordered subset of ContextPack that
// feeds the content hash (spec §3 invariant 3, §6 "Canonical context-pack
// content hash"). Field order here is the hash's key order, not Go's
// json-encoding order, which is why it is built by hand rather than derived
// from ContextPack's json tags.
type canonicalPackProjection struct {
	SchemaVersion        int                `json:"schemaVersion"`
	PackType             string             `json:"packType"`
	TargetID             string             `json:"targetId"`
	Summary              string             `json:"summary"`
	KeyFacts             []string           `json:"keyFacts"`
	CodeSnippets         []canonicalSnippet `json:"codeSnippets"`
	RelatedFiles         []string           `json:"relatedFiles"`
	InvalidationTriggers []string           `json:"invalidationTriggers"`
	VersionString        string             `json:"versionString"`
}

type canonicalSnippet struct {
	FilePath string `json:"filePath"`
	Snippet  string `json:"snippet"`
	Line     int    `json:"line"`
}

// CanonicalPackHash computes the sha256 hex digest of pack's stable
// projection: schemaVersion, packType, targetId, summary, keyFacts in
// insertion order, codeSnippets with normalized paths, relatedFiles and
// invalidationTriggers sorted ascending and normalized, and versionString.
// Two packs whose projections are equal hash identically (spec §8).
func CanonicalPackHash(pack ContextPack) string {
	snippets := make([]canonicalSnippet, len(pack.CodeSnippets))
	for i, s := range pack.CodeSnippets {
		snippets[i] = canonicalSnippet{
			FilePath: NormalizeSlashes(s.FilePath),
			Snippet:  s.Snippet,
			Line:     s.Line,
		}
	}

	keyFacts := pack.KeyFacts
	if keyFacts == nil {
		keyFacts = []string{}
	}

	proj := canonicalPackProjection{
		SchemaVersion:        pack.SchemaVersion,
		PackType:             pack.PackType,
		TargetID:             pack.TargetID,
		Summary:              pack.Summary,
		KeyFacts:             keyFacts,
		CodeSnippets:         snippets,
		RelatedFiles:         SortedUnique(pack.RelatedFiles),
		InvalidationTriggers: SortedUnique(pack.InvalidationTriggers),
		VersionString:        pack.VersionString,
	}

	canonical := stableStringify(proj)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// stableStringify serializes v as JSON with object keys emitted in
// lexicographic order (spec §6 "Stable stringification"), no extraneous
// whitespace, and arrays kept in their given order.
func stableStringify(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return string(b)
	}
	out, _ := marshalSorted(generic)
	return out
}

func marshalSorted(v any) (string, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := "{"
		for i, k := range keys {
			if i > 0 {
				out += ","
			}
			kb, _ := json.Marshal(k)
			vs, err := marshalSorted(t[k])
			if err != nil {
				return "", err
			}
			out += string(kb) + ":" + vs
		}
		return out + "}", nil
	case []any:
		out := "["
		for i, e := range t {
			if i > 0 {
				out += ","
			}
			vs, err := marshalSorted(e)
			if err != nil {
				return "", err
			}
			out += vs
		}
		return out + "]", nil
	default:
		b, err := json.Marshal(t)
		return string(b), err
	}
}
