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

// Package lockfile implements the single-writer process lock (spec C1):
// an atomic-create lock file carrying a PID, start times, a random token,
// and a content hash, with stale-lock recovery handed to pkg/recovery.
package lockfile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/kstore/pkg/model"
)

// processStart is recorded once at package init and reported as
// ProcessStartedAt; it is this process's own notion of "when did I start",
// independent of OS-reported process creation time (which differs across
// platforms and is not needed for the lock's liveness semantics).
var processStart = time.Now().UTC()

func processStartTime() time.Time { return processStart }

// State is the on-disk JSON body of a lock file (spec §6).
type State struct {
	PID              int       `json:"pid"`
	StartedAt        time.Time `json:"startedAt"`
	ProcessStartedAt time.Time `json:"processStartedAt"`
	Token            string    `json:"token"`
	ContentHash      string    `json:"contentHash"`
}

// contentHash hashes PID, StartedAt, ProcessStartedAt, Token in exactly that
// key order (spec §6).
func contentHash(s State) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s", s.PID, s.StartedAt.UTC().Format(time.RFC3339Nano), s.ProcessStartedAt.UTC().Format(time.RFC3339Nano), s.Token)
	return hex.EncodeToString(h.Sum(nil))
}

// Authoritative reports whether the lock's recorded contentHash matches its
// other four fields. A mismatch means the lock is "observed but not
// authoritative" (spec §4.1).
func (s State) Authoritative() bool {
	return s.ContentHash == contentHash(State{PID: s.PID, StartedAt: s.StartedAt, ProcessStartedAt: s.ProcessStartedAt, Token: s.Token})
}

// Handle is the opaque, releasable result of Acquire.
type Handle struct {
	path  string
	state State
}

// StaleChecker reports whether the process identified by pid is alive and
// can remove a lock it has determined is stale. Supplied by pkg/recovery so
// lockfile has no direct OS-process dependency beyond PID liveness, which
// recovery already implements for quarantine decisions.
type StaleChecker interface {
	IsAlive(pid int) bool
	// RecoverStale attempts to remove the observed lock and reports whether
	// it did. Called on every dead-PID observation during Acquire's retry
	// loop, not just once before it starts (spec §4.1: "invoke Recovery; if
	// it removed the lock, retry").
	RecoverStale(staleAfter time.Duration) bool
}

// Config controls Acquire's retry behavior.
type Config struct {
	RetryInterval time.Duration
	Deadline      time.Duration
	Logger        *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = 200 * time.Millisecond
	}
	if c.Deadline <= 0 {
		c.Deadline = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Acquire attempts to exclusively create path. On contention it consults
// checker to decide whether the existing lock is stale; if checker reports
// the owning PID dead, checker.RecoverStale is invoked to remove it before
// the next retry, so a writer that crashes mid-poll is recovered from
// without waiting for a fresh Open call. The removal decision itself stays
// centralized in pkg/recovery — Acquire only decides when to ask for it.
func Acquire(ctx context.Context, path string, checker StaleChecker, cfg Config) (*Handle, error) {
	cfg = cfg.withDefaults()
	deadline := time.Now().Add(cfg.Deadline)

	for {
		h, err := tryCreate(path)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, model.Unverified("storage_locked:create_failed", err)
		}

		observed, readErr := Read(path)
		if readErr == nil && checker != nil && !checker.IsAlive(observed.PID) {
			if checker.RecoverStale(0) {
				cfg.Logger.Warn("lockfile: recovered stale lock, retrying", "pid", observed.PID, "path", path)
			} else {
				cfg.Logger.Warn("lockfile: observed stale lock, recovery did not remove it", "pid", observed.PID, "path", path)
			}
		} else if readErr == nil && checker != nil {
			return nil, model.Unverified(fmt.Sprintf("indexing_in_progress(pid=%d, startedAt=%s)", observed.PID, observed.StartedAt.Format(time.RFC3339)), nil)
		}

		if time.Now().After(deadline) {
			return nil, model.ErrLockTimedOut
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryInterval):
		}
	}
}

func tryCreate(path string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	now := time.Now().UTC()
	s := State{
		PID:              os.Getpid(),
		StartedAt:        now,
		ProcessStartedAt: processStartTime(),
		Token:            uuid.NewString(),
	}
	s.ContentHash = contentHash(s)

	enc, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(enc); err != nil {
		return nil, err
	}
	return &Handle{path: path, state: s}, nil
}

// Read parses a lock file, tolerating the legacy plain-integer-PID format
// (spec §6: "Readers MUST tolerate legacy plain-integer-PID files").
func Read(path string) (State, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}

	var s State
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var legacyPID int
	if err := json.Unmarshal(raw, &legacyPID); err == nil {
		return State{PID: legacyPID}, nil
	}

	return State{}, fmt.Errorf("lockfile: unparseable lock body")
}

// Release removes the lock file only if its PID, StartedAt, and Token still
// match the handle; otherwise another process has since acquired a fresh
// lock and Release is a no-op (spec §4.1).
func (h *Handle) Release() error {
	observed, err := Read(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return model.Unverified("storage_locked:release_read_failed", err)
	}
	if observed.PID != h.state.PID || !observed.StartedAt.Equal(h.state.StartedAt) || observed.Token != h.state.Token {
		return nil
	}
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return model.Unverified("storage_locked:release_failed", err)
	}
	return nil
}

// Path returns the lock file's path.
func (h *Handle) Path() string { return h.path }

// State returns the handle's recorded state, primarily for tests.
func (h *Handle) State() State { return h.state }
