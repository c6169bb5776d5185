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

package querycache

import (
	"database/sql"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/kraklabs/kstore/pkg/schema"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, schema.Open(db))
	return New(db)
}

func TestSetThenGetRoundTrips(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Set("hash1", `{"q":"foo"}`, `{"r":1}`))

	got, ok, err := c.Get("hash1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"r":1}`, got.Response)
	assert.Equal(t, 1, got.AccessCount)
}

func TestGetMissReturnsNotFound(t *testing.T) {
	c := newTestCache(t)
	_, ok, err := c.Get("nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetPromotesAccessCountAndLastAccessed(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Set("hash1", "{}", "{}"))

	_, _, err := c.Get("hash1")
	require.NoError(t, err)
	got, ok, err := c.Get("hash1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got.AccessCount)
}

func TestSetOnExistingHashReplacesResponseAndResetsAccessCount(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Set("hash1", "{}", "first"))
	_, _, err := c.Get("hash1")
	require.NoError(t, err)

	require.NoError(t, c.Set("hash1", "{}", "second"))
	got, ok, err := c.Get("hash1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", got.Response)
}

func TestPruneDropsEntriesOlderThanMaxAge(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Set("old", "{}", "{}"))
	_, err := c.db.Exec(`UPDATE query_cache SET last_accessed = ? WHERE query_hash = 'old'`, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, c.Set("new", "{}", "{}"))

	removed, err := c.Prune(60_000, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok, err := c.Get("old")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = c.Get("new")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPruneDropsOldestBySizeAfterAgeCutoff(t *testing.T) {
	c := newTestCache(t)
	for i, hash := range []string{"a", "b", "c"} {
		require.NoError(t, c.Set(hash, "{}", "{}"))
		_, err := c.db.Exec(`UPDATE query_cache SET last_accessed = ? WHERE query_hash = ?`,
			time.Now().Add(time.Duration(i)*time.Minute), hash)
		require.NoError(t, err)
	}

	removed, err := c.Prune(0, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok, err := c.Get("a")
	require.NoError(t, err)
	assert.False(t, ok, "oldest entry should be pruned")
	_, ok, err = c.Get("c")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecordAccessUpsertsCountAndLatestTimestamp(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.RecordAccess("fn1", "function", 1))
	require.NoError(t, c.RecordAccess("fn1", "function", 3))

	entry, ok, err := c.GetAccessLog("fn1", "function")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, entry.QueryCount)
}

func TestRecordAccessCoercesNonPositiveRequestedToOne(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.RecordAccess("fn1", "function", 0))

	entry, ok, err := c.GetAccessLog("fn1", "function")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, entry.QueryCount)
}

func TestExplorationSuggestionsRanksByValueAndRespectsTopK(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.RecordAccess("hot", "function", 100))
	require.NoError(t, c.RecordAccess("warm", "function", 2))

	suggestions, err := c.ExplorationSuggestions([]CentralityScore{
		{EntityID: "hot", EntityType: "function", Centrality: 5.0},
		{EntityID: "warm", EntityType: "function", Centrality: 5.0},
		{EntityID: "cold", EntityType: "function", Centrality: 5.0},
	}, 2)
	require.NoError(t, err)
	require.Len(t, suggestions, 2)
	assert.Equal(t, "cold", suggestions[0].EntityID, "never-queried entity should rank highest")
	assert.Equal(t, "warm", suggestions[1].EntityID)
}

func TestExplorationSuggestionsRationaleMentionsQueryCount(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.RecordAccess("fn1", "function", 5))

	suggestions, err := c.ExplorationSuggestions([]CentralityScore{
		{EntityID: "fn1", EntityType: "function", Centrality: 2.0},
	}, 10)
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	assert.Contains(t, suggestions[0].Rationale, "5 time")
}

func TestMetricsCountHitsMissesAndPrunes(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Set("hash1", "{}", "{}"))
	_, _, _ = c.Get("hash1")
	_, _, _ = c.Get("missing")

	assert.Equal(t, float64(1), testCounterValue(t, c.Metrics.Hits))
	assert.Equal(t, float64(1), testCounterValue(t, c.Metrics.Misses))
}

func testCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}
