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

package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRebindRewritesScalarAndJSONPaths(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, Open(db))

	_, err := db.Exec(`INSERT INTO functions (id, file_path, name) VALUES (?, ?, ?)`, "f1", "/old/root/pkg/a.go", "Foo")
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO files (id, path, imports) VALUES (?, ?, ?)`, "file1", "/old/root/pkg/a.go", `["/old/root/pkg/b.go","/elsewhere/c.go"]`)
	require.NoError(t, err)

	require.NoError(t, Rebind(db, "/old/root", "/new/root"))

	var filePath string
	require.NoError(t, db.QueryRow(`SELECT file_path FROM functions WHERE id = ?`, "f1").Scan(&filePath))
	require.Equal(t, "/new/root/pkg/a.go", filePath)

	var imports string
	require.NoError(t, db.QueryRow(`SELECT imports FROM files WHERE id = ?`, "file1").Scan(&imports))
	require.Equal(t, `["/new/root/pkg/b.go","/elsewhere/c.go"]`, imports)

	var metaRoot string
	require.NoError(t, db.QueryRow(`SELECT value FROM kstore_meta WHERE key = 'workspace_root'`).Scan(&metaRoot))
	require.Equal(t, "/new/root", metaRoot)

	var auditCount int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM rebind_audit`).Scan(&auditCount))
	require.Equal(t, 1, auditCount)
}

func TestRebindNoopWhenRootsMatch(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, Open(db))
	require.NoError(t, Rebind(db, "/same/root", "/same/root"))

	var auditCount int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM rebind_audit`).Scan(&auditCount))
	require.Equal(t, 0, auditCount)
}
