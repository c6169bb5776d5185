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

// Package querycache caches query responses keyed by a caller-computed
// query hash, tracks per-entity access frequency, and derives exploration
// suggestions from that frequency plus a caller-supplied centrality score
// (spec C9).
package querycache

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus counters for one Cache instance. Each Cache
// owns its own registry so multiple instances (e.g. in tests) never collide
// on the default global registry.
type Metrics struct {
	Registry *prometheus.Registry
	Hits     prometheus.Counter
	Misses   prometheus.Counter
	Pruned   prometheus.Counter
}

func newMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Hits: factory.NewCounter(prometheus.CounterOpts{
			Name: "kstore_query_cache_hits_total",
			Help: "Query cache hits.",
		}),
		Misses: factory.NewCounter(prometheus.CounterOpts{
			Name: "kstore_query_cache_misses_total",
			Help: "Query cache misses.",
		}),
		Pruned: factory.NewCounter(prometheus.CounterOpts{
			Name: "kstore_query_cache_pruned_total",
			Help: "Query cache entries removed by Prune.",
		}),
	}
}

// Entry is one cached query response.
type Entry struct {
	QueryHash    string
	QueryParams  string
	Response     string
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int
}

// Cache wraps the query_cache and query_access_log tables.
type Cache struct {
	db      *sql.DB
	Metrics *Metrics
}

// New constructs a Cache over a database already carrying the query_cache
// and query_access_log tables.
func New(db *sql.DB) *Cache {
	return &Cache{db: db, Metrics: newMetrics()}
}

// Get returns the cached entry for hash, promoting lastAccessed=now and
// accessCount+=1 on a hit.
func (c *Cache) Get(hash string) (Entry, bool, error) {
	var e Entry
	err := c.db.QueryRow(`SELECT query_hash, query_params, response, created_at, last_accessed, access_count
		FROM query_cache WHERE query_hash = ?`, hash).
		Scan(&e.QueryHash, &e.QueryParams, &e.Response, &e.CreatedAt, &e.LastAccessed, &e.AccessCount)
	if err == sql.ErrNoRows {
		c.Metrics.Misses.Inc()
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("querycache: get: %w", err)
	}

	now := time.Now().UTC()
	if _, err := c.db.Exec(`UPDATE query_cache SET last_accessed = ?, access_count = access_count + 1 WHERE query_hash = ?`, now, hash); err != nil {
		return Entry{}, false, fmt.Errorf("querycache: promote access: %w", err)
	}
	e.LastAccessed = now
	e.AccessCount++
	c.Metrics.Hits.Inc()
	return e, true, nil
}

// Set inserts or replaces the cached response for hash, resetting
// createdAt/lastAccessed to now and accessCount to 0.
func (c *Cache) Set(hash, params, response string) error {
	now := time.Now().UTC()
	_, err := c.db.Exec(`
		INSERT INTO query_cache (query_hash, query_params, response, created_at, last_accessed, access_count)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(query_hash) DO UPDATE SET
			query_params = excluded.query_params,
			response = excluded.response,
			created_at = excluded.created_at,
			last_accessed = excluded.last_accessed,
			access_count = 0
	`, hash, params, response, now, now)
	if err != nil {
		return fmt.Errorf("querycache: set: %w", err)
	}
	return nil
}

// Prune first drops entries whose lastAccessed is older than maxAgeMs, then
// drops the oldest remaining entries by lastAccessed until at most
// maxEntries remain. It returns the total number of rows removed (spec
// §4.9).
func (c *Cache) Prune(maxAgeMs int64, maxEntries int) (int, error) {
	tx, err := c.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("querycache: prune: begin: %w", err)
	}
	defer tx.Rollback()

	removed := 0
	if maxAgeMs > 0 {
		cutoff := time.Now().UTC().Add(-time.Duration(maxAgeMs) * time.Millisecond)
		res, err := tx.Exec(`DELETE FROM query_cache WHERE last_accessed < ?`, cutoff)
		if err != nil {
			return 0, fmt.Errorf("querycache: prune by age: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("querycache: prune by age: %w", err)
		}
		removed += int(n)
	}

	if maxEntries >= 0 {
		var total int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM query_cache`).Scan(&total); err != nil {
			return 0, fmt.Errorf("querycache: prune: count: %w", err)
		}
		if over := total - maxEntries; over > 0 {
			res, err := tx.Exec(`DELETE FROM query_cache WHERE query_hash IN (
				SELECT query_hash FROM query_cache ORDER BY last_accessed ASC LIMIT ?
			)`, over)
			if err != nil {
				return 0, fmt.Errorf("querycache: prune by size: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return 0, fmt.Errorf("querycache: prune by size: %w", err)
			}
			removed += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("querycache: prune: commit: %w", err)
	}
	c.Metrics.Pruned.Add(float64(removed))
	return removed, nil
}

// AccessLogEntry is one row of the query_access_log table.
type AccessLogEntry struct {
	EntityID     string
	EntityType   string
	LastQueriedAt time.Time
	QueryCount   int
}

// RecordAccess upserts the access log for (entityID, entityType):
// queryCount increases by max(1, requested) and lastQueriedAt becomes the
// later of the existing and incoming values (spec §4.9).
func (c *Cache) RecordAccess(entityID, entityType string, requested int) error {
	if requested < 1 {
		requested = 1
	}
	now := time.Now().UTC()
	_, err := c.db.Exec(`
		INSERT INTO query_access_log (entity_id, entity_type, last_queried_at, query_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_id, entity_type) DO UPDATE SET
			query_count = query_count + ?,
			last_queried_at = MAX(last_queried_at, excluded.last_queried_at)
	`, entityID, entityType, now, requested, requested)
	if err != nil {
		return fmt.Errorf("querycache: record access: %w", err)
	}
	return nil
}

// GetAccessLog returns the access log row for (entityID, entityType), or
// ok=false if it has never been queried.
func (c *Cache) GetAccessLog(entityID, entityType string) (AccessLogEntry, bool, error) {
	var e AccessLogEntry
	err := c.db.QueryRow(`SELECT entity_id, entity_type, last_queried_at, query_count
		FROM query_access_log WHERE entity_id = ? AND entity_type = ?`, entityID, entityType).
		Scan(&e.EntityID, &e.EntityType, &e.LastQueriedAt, &e.QueryCount)
	if err == sql.ErrNoRows {
		return AccessLogEntry{}, false, nil
	}
	if err != nil {
		return AccessLogEntry{}, false, fmt.Errorf("querycache: get access log: %w", err)
	}
	return e, true, nil
}

// ExplorationSuggestion is a ranked candidate for "things worth looking at
// that haven't been queried much" (spec §4.9).
type ExplorationSuggestion struct {
	EntityID        string
	EntityType      string
	Centrality      float64
	QueryCount      int
	ExplorationValue float64
	Rationale       string
}

// CentralityScore is a caller-computed centrality value for one entity;
// the knowledge-graph traversal that derives it lives outside this
// package, which only knows about query frequency.
type CentralityScore struct {
	EntityID   string
	EntityType string
	Centrality float64
}

// ExplorationSuggestions computes explorationValue = centrality / ln(1 +
// queryCount) for each scored entity and returns the top K descending,
// each carrying a human-readable rationale (spec §4.9). Entities never
// queried contribute queryCount=0.
func (c *Cache) ExplorationSuggestions(scores []CentralityScore, topK int) ([]ExplorationSuggestion, error) {
	out := make([]ExplorationSuggestion, 0, len(scores))
	for _, s := range scores {
		entry, found, err := c.GetAccessLog(s.EntityID, s.EntityType)
		if err != nil {
			return nil, err
		}
		queryCount := 0
		if found {
			queryCount = entry.QueryCount
		}
		value := s.Centrality / math.Log(1+float64(queryCount))
		out = append(out, ExplorationSuggestion{
			EntityID:         s.EntityID,
			EntityType:       s.EntityType,
			Centrality:       s.Centrality,
			QueryCount:       queryCount,
			ExplorationValue: value,
			Rationale:        explorationRationale(s.Centrality, queryCount),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ExplorationValue > out[j].ExplorationValue })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func explorationRationale(centrality float64, queryCount int) string {
	if queryCount == 0 {
		return fmt.Sprintf("high centrality (%.3f), never queried", centrality)
	}
	return fmt.Sprintf("high centrality (%.3f), queried only %d time(s)", centrality, queryCount)
}
