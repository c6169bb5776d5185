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
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/kraklabs/kstore/pkg/model"
	"github.com/kraklabs/kstore/pkg/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, schema.Open(db))
	return New(db)
}

func fileReader(contents map[string]string) FileReader {
	return func(path string) (string, error) {
		if c, ok := contents[path]; ok {
			return c, nil
		}
		return "", assert.AnError
	}
}

func TestSetEvidenceComputesContentHash(t *testing.T) {
	s := newTestStore(t)
	text := "package foo\n\nfunc Bar() {}\n"
	entries, err := s.SetEvidence(nil, "fn1", model.EntityFunction, []model.EvidenceEntry{
		{FilePath: "foo.go", LineStart: 3, LineEnd: 3, Snippet: "func Bar() {}", Claim: "defines Bar", Confidence: 0.9},
	}, fileReader(map[string]string{"foo.go": text}))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ContentHash(text), entries[0].ContentHash)
	assert.NotEmpty(t, entries[0].ClaimID)
}

func TestSetEvidenceReplacesExistingRows(t *testing.T) {
	s := newTestStore(t)
	reader := fileReader(map[string]string{"foo.go": "line1\nline2\n"})

	_, err := s.SetEvidence(nil, "fn1", model.EntityFunction, []model.EvidenceEntry{
		{FilePath: "foo.go", LineStart: 1, LineEnd: 1, Snippet: "line1", Claim: "first"},
	}, reader)
	require.NoError(t, err)

	_, err = s.SetEvidence(nil, "fn1", model.EntityFunction, []model.EvidenceEntry{
		{FilePath: "foo.go", LineStart: 2, LineEnd: 2, Snippet: "line2", Claim: "second"},
	}, reader)
	require.NoError(t, err)

	got, err := s.GetEvidence(nil, "fn1", model.EntityFunction)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "second", got[0].Claim)
}

func TestVerifyMarksUpToDateEntryVerified(t *testing.T) {
	s := newTestStore(t)
	text := "alpha\nbeta\ngamma\n"
	_, err := s.SetEvidence(nil, "fn1", model.EntityFunction, []model.EvidenceEntry{
		{FilePath: "foo.go", LineStart: 2, LineEnd: 2, Snippet: "beta", Claim: "claims beta"},
	}, fileReader(map[string]string{"foo.go": text}))
	require.NoError(t, err)

	got, err := s.Verify(nil, "fn1", model.EntityFunction, fileReader(map[string]string{"foo.go": text}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Stale)
	assert.False(t, got[0].VerifiedAt.IsZero())
	assert.Equal(t, 2, got[0].LineStart)
}

func TestVerifyReanchorsExactAfterLineShift(t *testing.T) {
	s := newTestStore(t)
	original := "alpha\nbeta\ngamma\n"
	_, err := s.SetEvidence(nil, "fn1", model.EntityFunction, []model.EvidenceEntry{
		{FilePath: "foo.go", LineStart: 2, LineEnd: 2, Snippet: "beta", Claim: "claims beta"},
	}, fileReader(map[string]string{"foo.go": original}))
	require.NoError(t, err)

	shifted := "prefix\nalpha\nbeta\ngamma\n"
	got, err := s.Verify(nil, "fn1", model.EntityFunction, fileReader(map[string]string{"foo.go": shifted}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Stale)
	assert.Equal(t, 3, got[0].LineStart)
	assert.Equal(t, 3, got[0].LineEnd)
}

func TestVerifyReanchorsExactIgnoringWhitespaceNoise(t *testing.T) {
	s := newTestStore(t)
	original := "func Bar() {\n\treturn 1\n}\n"
	_, err := s.SetEvidence(nil, "fn1", model.EntityFunction, []model.EvidenceEntry{
		{FilePath: "foo.go", LineStart: 2, LineEnd: 2, Snippet: "\treturn 1", Claim: "returns 1"},
	}, fileReader(map[string]string{"foo.go": original}))
	require.NoError(t, err)

	reformatted := "func Bar() {\n    return   1  \n}\n"
	got, err := s.Verify(nil, "fn1", model.EntityFunction, fileReader(map[string]string{"foo.go": reformatted}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Stale)
}

func TestVerifyFuzzyReanchorsAfterSmallEdit(t *testing.T) {
	s := newTestStore(t)
	original := "func Compute(x int) int {\n    result := x * 2\n    return result\n}\n"
	snippet := "func Compute(x int) int {\n    result := x * 2\n    return result\n}"
	_, err := s.SetEvidence(nil, "fn1", model.EntityFunction, []model.EvidenceEntry{
		{FilePath: "foo.go", LineStart: 1, LineEnd: 4, Snippet: snippet, Claim: "computes double"},
	}, fileReader(map[string]string{"foo.go": original}))
	require.NoError(t, err)

	edited := "// header\nfunc Compute(x int) int {\n    result := x * 3\n    return result\n}\n"
	got, err := s.Verify(nil, "fn1", model.EntityFunction, fileReader(map[string]string{"foo.go": edited}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Stale)
	assert.Equal(t, 2, got[0].LineStart)
}

func TestVerifyMarksStaleWhenUnrecoverable(t *testing.T) {
	s := newTestStore(t)
	original := "alpha\nbeta\ngamma\n"
	_, err := s.SetEvidence(nil, "fn1", model.EntityFunction, []model.EvidenceEntry{
		{FilePath: "foo.go", LineStart: 2, LineEnd: 2, Snippet: "beta", Claim: "claims beta"},
	}, fileReader(map[string]string{"foo.go": original}))
	require.NoError(t, err)

	rewritten := "completely\nunrelated\ncontent\nhere\n"
	got, err := s.Verify(nil, "fn1", model.EntityFunction, fileReader(map[string]string{"foo.go": rewritten}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Stale)
	assert.Empty(t, got[0].ContentHash)
}

func TestVerifyIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	text := "alpha\nbeta\ngamma\n"
	_, err := s.SetEvidence(nil, "fn1", model.EntityFunction, []model.EvidenceEntry{
		{FilePath: "foo.go", LineStart: 2, LineEnd: 2, Snippet: "beta", Claim: "claims beta"},
	}, fileReader(map[string]string{"foo.go": text}))
	require.NoError(t, err)

	reader := fileReader(map[string]string{"foo.go": text})
	first, err := s.Verify(nil, "fn1", model.EntityFunction, reader)
	require.NoError(t, err)
	second, err := s.Verify(nil, "fn1", model.EntityFunction, reader)
	require.NoError(t, err)

	assert.Equal(t, first[0].LineStart, second[0].LineStart)
	assert.Equal(t, first[0].ContentHash, second[0].ContentHash)
	assert.False(t, second[0].Stale)
}

func TestLevenshteinWithCutoffMatchesExpectedDistances(t *testing.T) {
	assert.Equal(t, 0, levenshteinWithCutoff("abc", "abc", 10))
	assert.Equal(t, 1, levenshteinWithCutoff("abc", "abd", 10))
	assert.Equal(t, 3, levenshteinWithCutoff("kitten", "sitting", 10))
	assert.Greater(t, levenshteinWithCutoff("abcdef", "zyxwvu", 2), 2)
}

func TestNormalizeWhitespaceCollapsesRunsAndLineEndings(t *testing.T) {
	assert.Equal(t, "a b", normalizeWhitespace("a    b  \r\n"))
	assert.Equal(t, "x\ny", normalizeWhitespace("x\r\ny\r\n"))
}
