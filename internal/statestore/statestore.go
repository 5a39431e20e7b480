// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package statestore owns the daemon's single-writer, crash-safe,
// file-backed state for one handle: the process lock, the dedup set,
// the acknowledgment cursor and the first-delivery sentinel. Nothing
// in this package ever writes plaintext to disk (invariant I4).
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"

	"github.com/agentchat/daemon/internal/logger"
)

const (
	pidFileName       = "daemon.pid"
	cursorFileName    = "lastAckedId"
	dedupFileName     = "dedup.json"
	firstDeliveryFile = ".first-delivery-done"

	// DefaultDedupHigh and DefaultDedupLow are the default prune
	// thresholds: once the dedup set exceeds High entries it is
	// pruned back down to Low, keeping the most recently added keys.
	DefaultDedupHigh = 10000
	DefaultDedupLow  = 5000
)

// Store is the per-handle on-disk state. All mutating methods are
// safe to call from a single goroutine at a time; the pipeline is the
// only caller and serializes its own writes.
type Store struct {
	dir       string
	dedupHigh int
	dedupLow  int

	mu        sync.Mutex
	lock      *flock.Flock
	dedup     map[string]int // key -> insertion sequence, for prune-oldest-first
	dedupSeq  int
	cursor    string
	logger    logger.Logger
}

// Open prepares a Store rooted at dir (typically
// "<stateRoot>/<handle>"), creating the directory if necessary. It
// does not yet acquire the process lock or load any state; call
// AcquireLock, LoadDedup and LoadCursor for that.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("statestore: create dir: %w", err)
	}
	return &Store{
		dir:       dir,
		dedupHigh: DefaultDedupHigh,
		dedupLow:  DefaultDedupLow,
		dedup:     make(map[string]int),
		logger:    logger.GetDefaultLogger(),
	}, nil
}

// SetLogger overrides the store's logger, e.g. to tag it with the handle.
func (s *Store) SetLogger(l logger.Logger) { s.logger = l }

// SetDedupThresholds overrides the default prune-to/prune-at sizes,
// primarily for tests.
func (s *Store) SetDedupThresholds(high, low int) {
	s.dedupHigh = high
	s.dedupLow = low
}

// ErrLockHeld is returned by AcquireLock when another live process
// already owns the per-handle PID lock.
var ErrLockHeld = fmt.Errorf("statestore: lock already held by a live process")

// AcquireLock takes the per-handle PID lock. A stale lock (owner
// process no longer alive, or the lock file simply unlocked) is
// overtaken transparently; a lock held by a live process is fatal.
func (s *Store) AcquireLock() error {
	path := filepath.Join(s.dir, pidFileName)
	lock := flock.New(path)

	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("statestore: lock %s: %w", path, err)
	}
	if !locked {
		return ErrLockHeld
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600); err != nil {
		lock.Unlock()
		return fmt.Errorf("statestore: write pid file: %w", err)
	}

	s.mu.Lock()
	s.lock = lock
	s.mu.Unlock()
	return nil
}

// OwnsLock reports whether this process still holds the lock, for
// use as a health check.
func (s *Store) OwnsLock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock != nil && s.lock.Locked()
}

// ReleaseLock releases the PID lock and removes the pid file. Called
// during graceful shutdown.
func (s *Store) ReleaseLock() error {
	s.mu.Lock()
	lock := s.lock
	s.mu.Unlock()
	if lock == nil {
		return nil
	}
	if err := lock.Unlock(); err != nil {
		return fmt.Errorf("statestore: unlock: %w", err)
	}
	_ = os.Remove(filepath.Join(s.dir, pidFileName))
	return nil
}

// LoadCursor reads the persisted lastAckedId cursor, returning the
// empty string if no cursor has ever been written.
func (s *Store) LoadCursor() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, cursorFileName))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("statestore: read cursor: %w", err)
	}
	cursor := string(data)
	s.mu.Lock()
	s.cursor = cursor
	s.mu.Unlock()
	return cursor, nil
}

// AdvanceCursor persists id as the new lastAckedId, as a whole-file
// replace, per invariant I3 (cursor monotonicity is the caller's
// responsibility — the pipeline never calls this with a lower id).
func (s *Store) AdvanceCursor(id string) error {
	path := filepath.Join(s.dir, cursorFileName)
	if err := writeFileAtomic(path, []byte(id)); err != nil {
		return fmt.Errorf("statestore: write cursor: %w", err)
	}
	s.mu.Lock()
	s.cursor = id
	s.mu.Unlock()
	return nil
}

// dedupRecord is the on-disk shape of one dedup.json entry.
type dedupRecord struct {
	Key string `json:"key"`
}

// LoadDedup reads dedup.json (if present) into memory.
func (s *Store) LoadDedup() error {
	data, err := os.ReadFile(filepath.Join(s.dir, dedupFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("statestore: read dedup: %w", err)
	}

	var records []dedupRecord
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Warn("dedup file unreadable, starting empty", logger.Error(err))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.dedupSeq++
		s.dedup[r.Key] = s.dedupSeq
	}
	return nil
}

// Seen reports whether key is already present in the dedup set.
func (s *Store) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dedup[key]
	return ok
}

// DedupSize reports how many keys are currently held in the dedup
// set, for status reporting.
func (s *Store) DedupSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dedup)
}

// Admit records key in the dedup set and flushes it to disk,
// pruning to the low threshold once the set exceeds the high one
// (DefaultDedupLow and DefaultDedupHigh unless SetDedupThresholds
// changed them).
func (s *Store) Admit(key string) error {
	s.mu.Lock()
	if _, exists := s.dedup[key]; exists {
		s.mu.Unlock()
		return nil
	}
	s.dedupSeq++
	s.dedup[key] = s.dedupSeq
	if len(s.dedup) > s.dedupHigh {
		s.pruneLocked()
	}
	records := s.dedupSnapshotLocked()
	s.mu.Unlock()

	return s.flushDedup(records)
}

// pruneLocked drops the oldest entries until the set reaches
// dedupLow, keeping the most recently admitted keys. Caller must hold mu.
func (s *Store) pruneLocked() {
	type entry struct {
		key string
		seq int
	}
	entries := make([]entry, 0, len(s.dedup))
	for k, seq := range s.dedup {
		entries = append(entries, entry{k, seq})
	}
	// Selection sort down to dedupLow survivors is fine at this scale
	// (prune runs once per ~5000 admissions); keep the newest.
	for len(entries) > s.dedupLow {
		oldestIdx := 0
		for i, e := range entries {
			if e.seq < entries[oldestIdx].seq {
				oldestIdx = i
			}
		}
		delete(s.dedup, entries[oldestIdx].key)
		entries[oldestIdx] = entries[len(entries)-1]
		entries = entries[:len(entries)-1]
	}
}

// dedupSnapshotLocked returns the dedup keys oldest first, so that
// LoadDedup restores their admission order. Caller must hold mu.
func (s *Store) dedupSnapshotLocked() []dedupRecord {
	keys := make([]string, 0, len(s.dedup))
	for k := range s.dedup {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return s.dedup[keys[i]] < s.dedup[keys[j]] })
	records := make([]dedupRecord, 0, len(keys))
	for _, k := range keys {
		records = append(records, dedupRecord{Key: k})
	}
	return records
}

func (s *Store) flushDedup(records []dedupRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("statestore: marshal dedup: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, dedupFileName), data); err != nil {
		return fmt.Errorf("statestore: write dedup: %w", err)
	}
	return nil
}

// FirstDeliveryDone reports whether the onboarding sentinel has
// already been written.
func (s *Store) FirstDeliveryDone() bool {
	_, err := os.Stat(filepath.Join(s.dir, firstDeliveryFile))
	return err == nil
}

// MarkFirstDeliveryDone writes the onboarding sentinel, switching off
// the one-time onboarding hint for future trusted deliveries.
func (s *Store) MarkFirstDeliveryDone() error {
	path := filepath.Join(s.dir, firstDeliveryFile)
	if err := os.WriteFile(path, []byte{}, 0o600); err != nil {
		return fmt.Errorf("statestore: write first-delivery sentinel: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to path via a temp file + rename, so a
// crash mid-write never leaves a half-written cursor or dedup file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
