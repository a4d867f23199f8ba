// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

package candidate

import (
	"fmt"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

// Persister is the subset of the candidate store consumed by the registry.
// Implementations must be safe for concurrent use.
type Persister interface {
	// AddCandidate appends a {method, url} pair to the persisted set.
	AddCandidate(method Method, url string) error

	// RemoveCandidate removes a url from the persisted set.  Removing an
	// absent url is not an error.
	RemoveCandidate(url string) error
}

// Registry is the thread-safe ordered source of truth for what to probe
// next.  The internal lock is held only for the duration of a
// snapshot/add/remove/merge call, never across network or store I/O.
type Registry struct {
	sync.Mutex

	log   *logging.Logger
	store Persister

	builtin    []*Candidate
	runtime    []*Candidate
	stored     []*Candidate
	discovered []*Candidate

	byKey map[string]*Candidate
}

// NewRegistry constructs an empty registry.  store may be nil, in which case
// persist flags are ignored.
func NewRegistry(log *logging.Logger, store Persister) *Registry {
	return &Registry{
		log:   log,
		store: store,
		byKey: make(map[string]*Candidate),
	}
}

// Snapshot returns an ordered copy of the current candidates: built-in
// entries first in build order, then runtime additions in insertion order,
// then stored entries in stored order, then any file-list discoveries
// accumulated so far this session.  Callers never observe a registry
// mutated mid-iteration.
func (r *Registry) Snapshot() []*Candidate {
	r.Lock()
	defer r.Unlock()

	out := make([]*Candidate, 0, len(r.byKey))
	out = append(out, r.builtin...)
	out = append(out, r.runtime...)
	out = append(out, r.stored...)
	out = append(out, r.discovered...)
	return out
}

// Len returns the number of unique candidates currently known.
func (r *Registry) Len() int {
	r.Lock()
	defer r.Unlock()
	return len(r.byKey)
}

// Has reports whether a candidate with the given URL is already known.
func (r *Registry) Has(rawURL string) bool {
	r.Lock()
	defer r.Unlock()
	_, ok := r.byKey[Key(rawURL)]
	return ok
}

// Add inserts a candidate, deduplicating by case-insensitive URL.  Adding a
// duplicate is a no-op that preserves the earliest-seen origin and persist
// flags.  If the candidate carries a persist flag the add is forwarded to
// the store; a store failure is returned to the caller but the in-memory
// add is kept, it just will not survive a restart.
func (r *Registry) Add(c *Candidate) error {
	if c == nil {
		return fmt.Errorf("candidate: nil candidate")
	}
	if err := ValidateURL(c.URL); err != nil {
		return err
	}

	r.Lock()
	if _, ok := r.byKey[Key(c.URL)]; ok {
		r.Unlock()
		r.log.Debugf("Ignoring duplicate candidate: %v", c.URL)
		return nil
	}
	r.byKey[Key(c.URL)] = c
	switch c.Origin {
	case BuiltIn:
		r.builtin = append(r.builtin, c)
	case AddedRuntime:
		r.runtime = append(r.runtime, c)
	case Stored:
		r.stored = append(r.stored, c)
	case DiscoveredFromFile:
		r.discovered = append(r.discovered, c)
	}
	r.Unlock()

	// The store write happens outside the registry lock.
	if c.Persist && c.Origin != BuiltIn && r.store != nil {
		if err := r.store.AddCandidate(c.Method, c.URL); err != nil {
			r.log.Warningf("Candidate %v added but not persisted: %v", c.URL, err)
			return err
		}
	}
	return nil
}

// Remove deletes a candidate by URL from memory and, if it was persisted,
// from the store.  Removing an unknown URL is a no-op.
func (r *Registry) Remove(rawURL string) error {
	k := Key(rawURL)

	r.Lock()
	c, ok := r.byKey[k]
	if !ok {
		r.Unlock()
		return nil
	}
	delete(r.byKey, k)
	switch c.Origin {
	case BuiltIn:
		r.builtin = removeByKey(r.builtin, k)
	case AddedRuntime:
		r.runtime = removeByKey(r.runtime, k)
	case Stored:
		r.stored = removeByKey(r.stored, k)
	case DiscoveredFromFile:
		r.discovered = removeByKey(r.discovered, k)
	}
	r.Unlock()

	wasPersisted := c.Persist || c.Origin == Stored
	if wasPersisted && r.store != nil {
		if err := r.store.RemoveCandidate(c.URL); err != nil {
			r.log.Warningf("Candidate %v removed from memory but not from store: %v", c.URL, err)
			return err
		}
	}
	return nil
}

// MergeDiscovered appends file-list-derived candidates discovered during
// the current detection session.  Duplicates of existing candidates are
// dropped.  Discoveries do not survive a restart unless individually
// re-added with a persist flag.
func (r *Registry) MergeDiscovered(list []*Candidate) int {
	merged := 0
	for _, c := range list {
		if r.Has(c.URL) {
			continue
		}
		if c.Origin != DiscoveredFromFile {
			cc := *c
			cc.Origin = DiscoveredFromFile
			c = &cc
		}
		if err := r.Add(c); err != nil {
			r.log.Debugf("Dropping discovered candidate %v: %v", c.URL, err)
			continue
		}
		merged++
	}
	return merged
}

func removeByKey(s []*Candidate, k string) []*Candidate {
	for i, c := range s {
		if Key(c.URL) == k {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
