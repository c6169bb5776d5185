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

package entitystore

import (
	"database/sql"
	"testing"

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
	return New(db, nil, nil)
}

func TestUpsertFunctionPreservesIdentityOnConflict(t *testing.T) {
	s := newTestStore(t)

	first, err := s.UpsertFunction(nil, model.Function{FilePath: "a.go", Name: "Foo", Confidence: 0.5})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.TouchFunctionAccess(nil, first.ID))
	}

	second, err := s.UpsertFunction(nil, model.Function{FilePath: "a.go", Name: "Foo", Confidence: 0.9, Purpose: "updated"})
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "updated", second.Purpose)
	require.Equal(t, 0.9, second.Confidence)
	require.Equal(t, 3, second.AccessCount, "upsert must not reset accessCount")
}

func TestUpsertFunctionClampsConfidence(t *testing.T) {
	s := newTestStore(t)
	f, err := s.UpsertFunction(nil, model.Function{FilePath: "a.go", Name: "Foo", Confidence: 5.0})
	require.NoError(t, err)
	require.Equal(t, model.ConfidenceMax, f.Confidence)
}

func TestUpsertContextPackPreservesOutcomeCountersAndResetsInvalidated(t *testing.T) {
	s := newTestStore(t)

	pack, err := s.UpsertContextPack(nil, model.ContextPack{TargetID: "f1", PackType: "summary", Summary: "v1"})
	require.NoError(t, err)

	_, err = s.db.Exec(`UPDATE context_packs SET success_count = 4, failure_count = 1, invalidated = 1 WHERE pack_id = ?`, pack.PackID)
	require.NoError(t, err)

	updated, err := s.UpsertContextPack(nil, model.ContextPack{TargetID: "f1", PackType: "summary", Summary: "v2"})
	require.NoError(t, err)

	require.Equal(t, pack.PackID, updated.PackID)
	require.Equal(t, "v2", updated.Summary)
	require.Equal(t, 4, updated.SuccessCount)
	require.Equal(t, 1, updated.FailureCount)
	require.False(t, updated.Invalidated)
	require.NotEmpty(t, updated.ContentHash)
}

func TestInvalidateContextPacksMatchesTrigger(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UpsertContextPack(nil, model.ContextPack{
		TargetID: "f1", PackType: "summary", InvalidationTriggers: []string{"pkg/a.go"},
	})
	require.NoError(t, err)
	_, err = s.UpsertContextPack(nil, model.ContextPack{
		TargetID: "f2", PackType: "summary", InvalidationTriggers: []string{"pkg/b.go"},
	})
	require.NoError(t, err)

	n, err := s.InvalidateContextPacks(nil, "pkg/a.go")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	p1, ok, err := s.GetContextPackByTarget(nil, "f1", "summary")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, p1.Invalidated)

	p2, ok, err := s.GetContextPackByTarget(nil, "f2", "summary")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, p2.Invalidated)
}

func TestUpdateConfidenceClampsAndAppendsEvent(t *testing.T) {
	s := newTestStore(t)
	f, err := s.UpsertFunction(nil, model.Function{FilePath: "a.go", Name: "Foo", Confidence: 0.12})
	require.NoError(t, err)

	event, err := s.UpdateConfidence(nil, f.ID, model.EntityFunction, -0.5, "verification_failed")
	require.NoError(t, err)
	require.Equal(t, -0.5, event.Delta)
	require.Equal(t, "verification_failed", event.Reason)

	reloaded, ok, err := s.GetFunction(nil, f.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.ConfidenceMin, reloaded.Confidence)
}

func TestApplyTimeDecaySkipsFloor(t *testing.T) {
	s := newTestStore(t)
	f, err := s.UpsertFunction(nil, model.Function{FilePath: "a.go", Name: "Foo", Confidence: 0.15})
	require.NoError(t, err)

	n, err := s.ApplyTimeDecay(nil, 0.5)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)

	reloaded, _, err := s.GetFunction(nil, f.ID)
	require.NoError(t, err)
	require.Equal(t, model.ConfidenceMin, reloaded.Confidence)
}

func TestQueryFunctionsRejectsUnknownOrderColumn(t *testing.T) {
	s := newTestStore(t)
	_, err := s.QueryFunctions(nil, FunctionQuery{Ordering: Ordering{Column: "id; DROP TABLE functions--", Direction: "ASC"}})
	require.Error(t, err)
}

func TestDeleteFileCascadesFunctions(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpsertFunction(nil, model.Function{FilePath: "a.go", Name: "Foo"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteFile(nil, "a.go"))

	fns, err := s.QueryFunctions(nil, FunctionQuery{FilePathPrefix: "a.go"})
	require.NoError(t, err)
	require.Empty(t, fns)
}

func TestRecordCloneAndQueryClonesOf(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RecordClone(nil, model.CloneRecord{SourceFuncID: "f1", TargetFuncID: "f2", Similarity: 0.92, CloneType: model.CloneNear}))

	clones, err := s.QueryClonesOf(nil, "f1")
	require.NoError(t, err)
	require.Len(t, clones, 1)
	require.Equal(t, model.CloneNear, clones[0].CloneType)
}

func TestQueryDebtFiltersBySeverityAndCategory(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RecordDebt(nil, model.DebtRecord{EntityID: "f1", EntityType: model.EntityFunction, Category: model.DebtComplexity, Severity: 0.8}))
	require.NoError(t, s.RecordDebt(nil, model.DebtRecord{EntityID: "f2", EntityType: model.EntityFunction, Category: model.DebtTestGap, Severity: 0.2}))

	results, err := s.QueryDebt(nil, DebtQuery{MinSeverity: 0.5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "f1", results[0].EntityID)
}
