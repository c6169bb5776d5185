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

package recovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/kstore/pkg/lockfile"
)

func writeLock(t *testing.T, path string, s lockfile.State) {
	t.Helper()
	enc, err := json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, enc, 0o644))
}

// deadPID is a process id vastly unlikely to be in use on any host running
// this test; IsAlive's Signal(0) probe returns ESRCH for it.
const deadPID = 999999999

func TestRecoverStaleLockNeverRemovesLiveOwnedLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "kstore.db.lock")
	writeLock(t, lockPath, lockfile.State{PID: os.Getpid(), StartedAt: time.Now().UTC()})

	old := time.Now().Add(-1 * time.Hour)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	r := New(filepath.Join(dir, "kstore.db"), nil)
	rep := r.RecoverStaleLock(1 * time.Millisecond)

	require.False(t, rep.Recovered)
	_, err := os.Stat(lockPath)
	require.NoError(t, err, "a lock owned by a live PID must never be removed regardless of age")
}

func TestRecoverStaleLockRemovesDeadPidLockRegardlessOfAge(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "kstore.db.lock")
	writeLock(t, lockPath, lockfile.State{PID: deadPID, StartedAt: time.Now().UTC()})

	r := New(filepath.Join(dir, "kstore.db"), nil)
	// A very long staleAfter would block an age-based removal; a dead PID
	// must bypass the age gate entirely.
	rep := r.RecoverStaleLock(1 * time.Hour)

	require.True(t, rep.Recovered)
	_, err := os.Stat(lockPath)
	require.True(t, os.IsNotExist(err))
}

func TestRecoverStaleLockFallsBackToAgeWhenPIDUnknown(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "kstore.db.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte("not json"), 0o644))

	r := New(filepath.Join(dir, "kstore.db"), nil)

	rep := r.RecoverStaleLock(1 * time.Hour)
	require.False(t, rep.Recovered, "a fresh unparseable lock should not be removed before its age threshold")

	old := time.Now().Add(-1 * time.Hour)
	require.NoError(t, os.Chtimes(lockPath, old, old))
	rep = r.RecoverStaleLock(1 * time.Millisecond)
	require.True(t, rep.Recovered)
}

func TestRecoverStaleSatisfiesLockfileStaleChecker(t *testing.T) {
	var _ lockfile.StaleChecker = (*Recoverer)(nil)
}
