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

package evidence

import (
	"math"
	"strings"
)

// minFuzzyWindowLines is the minimum snippet size for fuzzy re-anchoring to
// even attempt a match; shorter snippets are too ambiguous to anchor
// reliably by token overlap (spec §4.7).
const minFuzzyWindowLines = 3

// tokenOverlapThreshold is the minimum fraction of the snippet's distinct
// word tokens that must appear in a candidate window before Levenshtein
// distance is even computed (spec §4.7).
const tokenOverlapThreshold = 0.60

// reanchor attempts to relocate snippet within lines, trying an exact
// whitespace-normalized match first and falling back to a fuzzy
// token-overlap-gated Levenshtein search. It returns the new 1-indexed
// [start, end] line window and whether a match was found.
func reanchor(lines []string, snippet string) (int, int, bool) {
	snippetLineCount := strings.Count(snippet, "\n") + 1
	normSnippet := normalizeWhitespace(snippet)

	if start, end, ok := exactWindowMatch(lines, snippet, snippetLineCount, normSnippet); ok {
		return start, end, true
	}

	if snippetLineCount < minFuzzyWindowLines {
		return 0, 0, false
	}
	return fuzzyWindowMatch(lines, snippet, snippetLineCount, normSnippet)
}

// exactWindowMatch slides a window of snippetLineCount lines across lines,
// comparing each candidate to the snippet after whitespace normalization.
func exactWindowMatch(lines []string, snippet string, windowLines int, normSnippet string) (int, int, bool) {
	if windowLines > len(lines) {
		return 0, 0, false
	}
	for start := 0; start+windowLines <= len(lines); start++ {
		candidate := strings.Join(lines[start:start+windowLines], "\n")
		if normalizeWhitespace(candidate) == normSnippet {
			return start + 1, start + windowLines, true
		}
	}
	return 0, 0, false
}

// fuzzyWindowMatch tries windows at the snippet's original line count, and
// one line shorter/longer to absorb a single inserted or deleted line,
// gating each candidate on token overlap before paying for Levenshtein.
func fuzzyWindowMatch(lines []string, snippet string, windowLines int, normSnippet string) (int, int, bool) {
	snippetTokens := tokenSet(normSnippet)
	cutoff := int(math.Ceil(float64(len(normSnippet)) * 0.05))

	bestStart, bestEnd, bestDist := -1, -1, cutoff+1
	for _, w := range []int{windowLines, windowLines - 1, windowLines + 1} {
		if w <= 0 || w > len(lines) {
			continue
		}
		for start := 0; start+w <= len(lines); start++ {
			candidate := strings.Join(lines[start:start+w], "\n")
			normCandidate := normalizeWhitespace(candidate)

			if !hasSufficientOverlap(snippetTokens, normCandidate) {
				continue
			}
			dist := levenshteinWithCutoff(normSnippet, normCandidate, bestDist)
			if dist < bestDist {
				bestDist = dist
				bestStart, bestEnd = start+1, start+w
			}
		}
	}
	if bestStart == -1 {
		return 0, 0, false
	}
	return bestStart, bestEnd, true
}

func hasSufficientOverlap(snippetTokens map[string]struct{}, candidate string) bool {
	if len(snippetTokens) == 0 {
		return false
	}
	candidateTokens := tokenSet(candidate)
	matched := 0
	for t := range snippetTokens {
		if _, ok := candidateTokens[t]; ok {
			matched++
		}
	}
	return float64(matched)/float64(len(snippetTokens)) >= tokenOverlapThreshold
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// normalizeWhitespace canonicalizes line endings and collapses runs of
// spaces/tabs so that re-anchoring ignores reformatting noise (spec §4.7).
func normalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		collapsed := strings.Join(strings.Fields(line), " ")
		lines[i] = strings.TrimRight(collapsed, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// levenshteinWithCutoff computes edit distance between a and b, aborting
// early once it is certain the result exceeds cutoff (spec §4.7 "early-exit
// cutoff"). The returned value is only exact when <= cutoff; otherwise it
// is merely guaranteed to be > cutoff.
func levenshteinWithCutoff(a, b string, cutoff int) int {
	ra, rb := []rune(a), []rune(b)
	if abs(len(ra)-len(rb)) > cutoff {
		return cutoff + 1
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		rowMin := curr[0]
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
			if curr[j] < rowMin {
				rowMin = curr[j]
			}
		}
		if rowMin > cutoff {
			return cutoff + 1
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
