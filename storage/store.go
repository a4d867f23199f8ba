// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package storage implements durable, encrypted persistence of dynamically
// discovered or user-added candidates, with a one-time migration from the
// legacy unencrypted layout.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/detour-project/detour/candidate"
)

const (
	// DefaultMaxCandidates is the default persisted candidate quota.
	DefaultMaxCandidates = 128

	// DefaultMaxURLLen is the default per-URL length quota in bytes.
	DefaultMaxURLLen = 2048
)

var (
	// ErrQuotaExceeded is returned when a save would exceed the configured
	// candidate count or per-URL length quota.  The store rejects such
	// writes rather than silently truncating.
	ErrQuotaExceeded = errors.New("storage: quota exceeded")
)

// MigrationError is the non-fatal error surfaced when the one-time legacy
// migration cannot complete.  The legacy file is left intact and detection
// proceeds with whatever was recovered.
type MigrationError struct {
	// Err is the original error that interrupted the migration.
	Err error
}

// Error implements the error interface.
func (e *MigrationError) Error() string {
	return fmt.Sprintf("storage: migration failed: %v", e.Err)
}

func newMigrationError(f string, a ...interface{}) error {
	return &MigrationError{Err: fmt.Errorf(f, a...)}
}

// CandidatePair is one persisted {method, url} entry.  The JSON encoding of
// a sequence of pairs is the store's plaintext wire format.
type CandidatePair struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// Backend is the capability interface abstracting platform secure storage.
// Save must replace the blob atomically; a crash mid-write must never leave
// a corrupt store.  Implementations must be safe for concurrent calls, with
// last-writer-wins semantics at blob granularity.
type Backend interface {
	// Load returns the current blob, or nil on first run.
	Load() ([]byte, error)

	// Save atomically replaces the blob.
	Save(blob []byte) error

	// Close releases any resources held by the backend.
	Close() error
}

// Store is the durable candidate store.  All mutation goes through a single
// read-modify-write lock; the underlying Backend write is the only blocking
// I/O and is kept off the registry's lock.
type Store struct {
	sync.Mutex

	log     *logging.Logger
	backend Backend

	maxCandidates int
	maxURLLen     int
}

// New constructs a Store over the given backend.  Zero quota values select
// the defaults.
func New(log *logging.Logger, backend Backend, maxCandidates, maxURLLen int) *Store {
	if maxCandidates <= 0 {
		maxCandidates = DefaultMaxCandidates
	}
	if maxURLLen <= 0 {
		maxURLLen = DefaultMaxURLLen
	}
	return &Store{
		log:           log,
		backend:       backend,
		maxCandidates: maxCandidates,
		maxURLLen:     maxURLLen,
	}
}

// Load decrypts and decodes the persisted candidate set.  A missing blob is
// not an error and yields an empty sequence.
func (s *Store) Load() ([]CandidatePair, error) {
	s.Lock()
	defer s.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() ([]CandidatePair, error) {
	blob, err := s.backend.Load()
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, nil
	}
	return decodePairs(blob)
}

// Save atomically overwrites the persisted candidate set, enforcing the
// configured quotas.
func (s *Store) Save(pairs []CandidatePair) error {
	s.Lock()
	defer s.Unlock()
	return s.saveLocked(pairs)
}

func (s *Store) saveLocked(pairs []CandidatePair) error {
	if err := s.checkQuota(pairs); err != nil {
		return err
	}
	blob, err := encodePairs(pairs)
	if err != nil {
		return err
	}
	return s.backend.Save(blob)
}

// AddCandidate appends a {method, url} pair to the persisted set.  Adding a
// URL that is already present is a no-op.  Implements candidate.Persister.
func (s *Store) AddCandidate(method candidate.Method, url string) error {
	s.Lock()
	defer s.Unlock()

	pairs, err := s.loadLocked()
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if candidate.Key(p.URL) == candidate.Key(url) {
			return nil
		}
	}
	pairs = append(pairs, CandidatePair{Method: method.String(), URL: url})
	return s.saveLocked(pairs)
}

// RemoveCandidate removes a url from the persisted set.  Removing an absent
// url is not an error.  Implements candidate.Persister.
func (s *Store) RemoveCandidate(url string) error {
	s.Lock()
	defer s.Unlock()

	pairs, err := s.loadLocked()
	if err != nil {
		return err
	}
	kept := pairs[:0]
	removed := false
	for _, p := range pairs {
		if candidate.Key(p.URL) == candidate.Key(url) {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	if !removed {
		return nil
	}
	return s.saveLocked(kept)
}

// MigrateIfNeeded performs the one-time migration from a legacy plaintext
// candidate file.  It runs only when the encrypted store is empty and the
// legacy file exists.  The legacy file is deleted only after a verified
// round-trip read of the migrated data; on any mismatch or I/O error the
// legacy file is left intact and a MigrationError is returned.  Migration
// failures are non-fatal to detection.
func (s *Store) MigrateIfNeeded(legacyPath string) error {
	if legacyPath == "" {
		return nil
	}

	s.Lock()
	defer s.Unlock()

	existing, err := s.loadLocked()
	if err != nil {
		return newMigrationError("reading encrypted store: %v", err)
	}
	if len(existing) != 0 {
		return nil
	}

	legacyBlob, err := os.ReadFile(legacyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return newMigrationError("reading legacy file: %v", err)
	}

	legacyPairs, err := decodePairs(legacyBlob)
	if err != nil {
		return newMigrationError("decoding legacy file: %v", err)
	}
	if err = s.saveLocked(legacyPairs); err != nil {
		return newMigrationError("writing encrypted store: %v", err)
	}

	// Verify the round trip before touching the legacy file.  Both sides
	// are compared via their canonical re-encoding so that cosmetic JSON
	// differences in the legacy file do not block the migration.
	migrated, err := s.loadLocked()
	if err != nil {
		return newMigrationError("re-reading encrypted store: %v", err)
	}
	want, err := encodePairs(legacyPairs)
	if err != nil {
		return newMigrationError("encoding legacy data: %v", err)
	}
	got, err := encodePairs(migrated)
	if err != nil {
		return newMigrationError("encoding migrated data: %v", err)
	}
	if !bytes.Equal(want, got) {
		return newMigrationError("round-trip verification mismatch")
	}

	if err = os.Remove(legacyPath); err != nil {
		return newMigrationError("removing legacy file: %v", err)
	}
	s.log.Noticef("Migrated %d candidates from legacy store '%v'.", len(legacyPairs), legacyPath)
	return nil
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	s.Lock()
	defer s.Unlock()
	return s.backend.Close()
}

func (s *Store) checkQuota(pairs []CandidatePair) error {
	if len(pairs) > s.maxCandidates {
		return fmt.Errorf("%w: %d candidates exceeds maximum of %d", ErrQuotaExceeded, len(pairs), s.maxCandidates)
	}
	for _, p := range pairs {
		if len(p.URL) > s.maxURLLen {
			return fmt.Errorf("%w: URL length %d exceeds maximum of %d", ErrQuotaExceeded, len(p.URL), s.maxURLLen)
		}
	}
	return nil
}

func encodePairs(pairs []CandidatePair) ([]byte, error) {
	if pairs == nil {
		pairs = []CandidatePair{}
	}
	return json.Marshal(pairs)
}

func decodePairs(blob []byte) ([]CandidatePair, error) {
	var pairs []CandidatePair
	if err := json.Unmarshal(blob, &pairs); err != nil {
		return nil, fmt.Errorf("storage: malformed candidate blob: %v", err)
	}
	return pairs, nil
}
