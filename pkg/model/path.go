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
	"path/filepath"
	"sort"
	"strings"
)

// NormalizeSlashes converts backslashes to forward slashes (spec §6 path
// normalization). It does not otherwise touch the path.
func NormalizeSlashes(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// RelativizePath converts an absolute path under root to a workspace-relative,
// forward-slash form. Paths already relative (or outside root) are returned
// normalized but untouched otherwise.
func RelativizePath(root, p string) string {
	p = NormalizeSlashes(p)
	root = NormalizeSlashes(root)
	if root == "" || !filepath.IsAbs(filepath.FromSlash(p)) {
		return strings.TrimPrefix(p, "./")
	}
	rel, err := filepath.Rel(filepath.FromSlash(root), filepath.FromSlash(p))
	if err != nil {
		return p
	}
	return NormalizeSlashes(rel)
}

// MatchesPathPrefix reports whether candidate (workspace-relative or
// absolute) refers to the same logical path as prefix, accepting both forms
// per spec §6.
func MatchesPathPrefix(candidate, prefix string) bool {
	c := NormalizeSlashes(candidate)
	p := NormalizeSlashes(prefix)
	c = strings.TrimPrefix(c, "./")
	p = strings.TrimPrefix(p, "./")
	return c == p || strings.HasSuffix(c, "/"+p) || strings.HasSuffix(p, "/"+c)
}

// SortedUnique returns a sorted copy of ss with duplicates removed, used when
// normalizing array fields (RelatedFiles, InvalidationTriggers) for the
// canonical context-pack hash.
func SortedUnique(ss []string) []string {
	seen := make(map[string]struct{}, len(ss))
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		n := NormalizeSlashes(s)
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// GlobMatch implements the limited glob grammar used by change-log path
// filters: "*" matches within a path segment, "**" matches across segments,
// and any other segment must match literally.
func GlobMatch(pattern, path string) bool {
	pattern = NormalizeSlashes(pattern)
	path = NormalizeSlashes(path)
	return globMatchSegments(strings.Split(pattern, "/"), strings.Split(path, "/"))
}

func globMatchSegments(pat, seg []string) bool {
	if len(pat) == 0 {
		return len(seg) == 0
	}
	if pat[0] == "**" {
		if len(pat) == 1 {
			return true
		}
		for i := 0; i <= len(seg); i++ {
			if globMatchSegments(pat[1:], seg[i:]) {
				return true
			}
		}
		return false
	}
	if len(seg) == 0 {
		return false
	}
	if !segmentMatch(pat[0], seg[0]) {
		return false
	}
	return globMatchSegments(pat[1:], seg[1:])
}

func segmentMatch(pat, seg string) bool {
	if pat == "*" {
		return true
	}
	if !strings.Contains(pat, "*") {
		return pat == seg
	}
	parts := strings.Split(pat, "*")
	pos := 0
	for i, part := range parts {
		if part == "" {
			continue
		}
		idx := strings.Index(seg[pos:], part)
		if idx == -1 {
			return false
		}
		if i == 0 && idx != 0 {
			return false
		}
		pos += idx + len(part)
	}
	if last := parts[len(parts)-1]; last != "" {
		return strings.HasSuffix(seg, last)
	}
	return true
}
