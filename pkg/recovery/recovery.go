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

// Package recovery detects and clears stale locks, orphaned WAL/SHM
// fragments, and corrupt database files (spec C10), mirroring the
// defensive pre-migration cleanup sequence in BeadsLog's sqlite migration
// runner.
package recovery

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/kraklabs/kstore/pkg/lockfile"
)

// Staleness thresholds when the lock's owning PID cannot be determined
// (spec §4.10).
const (
	DirLockStaleAfter   = 2 * time.Minute
	EmptyDirStaleAfter  = 20 * time.Second
	FileLockStaleAfter  = 5 * time.Second
	GenericStaleAfter   = 15 * time.Minute
)

// corruptionMarkers classifies sqlite/filesystem error strings that warrant
// a recovery pass (spec §4.10).
var corruptionMarkers = []string{
	"database is locked",
	"sqlite_busy",
	"database disk image is malformed",
	"file is not a database",
	"wal",
	"shm",
}

// LooksCorrupt reports whether err's message matches a known corruption- or
// lock-contention-class marker.
func LooksCorrupt(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range corruptionMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Report is the outcome of a recovery pass (spec §4.10).
type Report struct {
	Recovered bool
	Actions   []string
	Errors    []string
}

// Recoverer performs stale-lock and corruption recovery for one database
// path. It holds no state beyond the paths it was constructed with.
type Recoverer struct {
	DBPath   string
	LockPath string
	Logger   *slog.Logger
}

// New constructs a Recoverer for the given database file path; the lock
// path and WAL/SHM sidecar paths are derived from it.
func New(dbPath string, logger *slog.Logger) *Recoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recoverer{DBPath: dbPath, LockPath: dbPath + ".lock", Logger: logger}
}

// IsAlive reports whether pid identifies a live process on this host. It
// satisfies lockfile.StaleChecker.
func (r *Recoverer) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On POSIX, FindProcess always succeeds; signal 0 probes liveness
	// without affecting the target.
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == syscall.ESRCH {
		return false
	}
	// EPERM means the process exists but we can't signal it: still alive.
	return err != syscall.ESRCH
}

// RecoverStaleLock removes the lock file if its owning PID is confirmed
// dead. Age thresholds apply only when the PID cannot be determined (spec
// §4.10: "(if PID unknown)"); a lock whose PID is confirmed alive is never
// removed regardless of age (spec §4.1, single-writer invariant).
func (r *Recoverer) RecoverStaleLock(staleAfter time.Duration) Report {
	rep := Report{}
	info, err := os.Stat(r.LockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return rep
		}
		rep.Errors = append(rep.Errors, fmt.Sprintf("stat lock: %v", err))
		return rep
	}

	stale := false
	if pid, known := r.lockPID(); known {
		if r.IsAlive(pid) {
			return rep
		}
		stale = true
	} else if age := time.Since(info.ModTime()); age > valueOrDefault(staleAfter, GenericStaleAfter) {
		stale = true
	}

	if !stale {
		return rep
	}

	if err := os.Remove(r.LockPath); err != nil && !os.IsNotExist(err) {
		rep.Errors = append(rep.Errors, fmt.Sprintf("remove stale lock: %v", err))
		return rep
	}
	rep.Recovered = true
	rep.Actions = append(rep.Actions, "removed_stale_lock")
	r.Logger.Warn("recovery: removed stale lock", "path", r.LockPath, "age", time.Since(info.ModTime()))
	return rep
}

// lockPID reads the lock file's recorded PID, reporting false if it cannot
// be parsed or is unset, in which case the caller falls back to age.
func (r *Recoverer) lockPID() (int, bool) {
	s, err := lockfile.Read(r.LockPath)
	if err != nil || s.PID <= 0 {
		return 0, false
	}
	return s.PID, true
}

// RecoverStale satisfies lockfile.StaleChecker's recovery hook: it runs
// RecoverStaleLock and reports whether the lock was removed, so Acquire can
// invoke recovery again each time it observes a dead-PID lock mid-poll
// rather than only once before the retry loop starts (spec §4.1).
func (r *Recoverer) RecoverStale(staleAfter time.Duration) bool {
	return r.RecoverStaleLock(staleAfter).Recovered
}

func valueOrDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// RecoverWAL removes orphaned WAL/SHM sidecar files for DBPath. These are
// safe to drop when no writer holds the process lock: sqlite will rebuild
// them from the main database file on next open.
func (r *Recoverer) RecoverWAL() Report {
	rep := Report{}
	for _, suffix := range []string{"-wal", "-shm"} {
		p := r.DBPath + suffix
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := os.Remove(p); err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("remove %s: %v", p, err))
			continue
		}
		rep.Recovered = true
		rep.Actions = append(rep.Actions, "removed_"+strings.TrimPrefix(suffix, "-"))
	}
	return rep
}

// QuarantineCorrupt renames DBPath to "<db>.corrupt.<epoch>", isolating it
// so a fresh database can be created in its place. Only corruption-class
// errors should trigger this — lock contention alone should not.
func (r *Recoverer) QuarantineCorrupt(epoch int64) Report {
	rep := Report{}
	if _, err := os.Stat(r.DBPath); err != nil {
		if os.IsNotExist(err) {
			return rep
		}
		rep.Errors = append(rep.Errors, fmt.Sprintf("stat db: %v", err))
		return rep
	}
	dest := fmt.Sprintf("%s.corrupt.%d", r.DBPath, epoch)
	if err := os.Rename(r.DBPath, dest); err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("quarantine: %v", err))
		return rep
	}
	rep.Recovered = true
	rep.Actions = append(rep.Actions, "quarantined:"+dest)
	r.Logger.Warn("recovery: quarantined corrupt database", "from", r.DBPath, "to", dest)
	return rep
}

// Recover runs the full sequence for a given error: stale-lock removal
// always, WAL/SHM removal always, and quarantine only when err looks like a
// corruption-class failure rather than mere lock contention.
func (r *Recoverer) Recover(cause error) Report {
	total := Report{}
	merge := func(sub Report) {
		total.Recovered = total.Recovered || sub.Recovered
		total.Actions = append(total.Actions, sub.Actions...)
		total.Errors = append(total.Errors, sub.Errors...)
	}

	merge(r.RecoverStaleLock(GenericStaleAfter))
	merge(r.RecoverWAL())

	if LooksCorrupt(cause) && strings.Contains(strings.ToLower(cause.Error()), "malformed") {
		merge(r.QuarantineCorrupt(time.Now().Unix()))
	}
	if strings.Contains(strings.ToLower(safeMsg(cause)), "file is not a database") {
		merge(r.QuarantineCorrupt(time.Now().Unix()))
	}

	return total
}

func safeMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
