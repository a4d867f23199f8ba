// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

package candidate

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/detour-project/detour/core/log"
)

type fakePersister struct {
	sync.Mutex
	added   []string
	removed []string
	failAdd bool
}

func (p *fakePersister) AddCandidate(method Method, url string) error {
	p.Lock()
	defer p.Unlock()
	if p.failAdd {
		return errors.New("store unavailable")
	}
	p.added = append(p.added, url)
	return nil
}

func (p *fakePersister) RemoveCandidate(url string) error {
	p.Lock()
	defer p.Unlock()
	p.removed = append(p.removed, url)
	return nil
}

func testRegistry(t *testing.T, store Persister) *Registry {
	t.Helper()
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return NewRegistry(b.GetLogger("test/registry"), store)
}

func mustCandidate(t *testing.T, method Method, url string, origin Origin, persist bool) *Candidate {
	t.Helper()
	c, err := New(method, url, origin, persist)
	require.NoError(t, err)
	return c
}

func TestValidateURL(t *testing.T) {
	require := require.New(t)

	require.NoError(ValidateURL("https://relay.example/passgfw"))
	require.NoError(ValidateURL("http://relay.example:8080/x"))
	require.Error(ValidateURL(""))
	require.Error(ValidateURL("ftp://relay.example/x"))
	require.Error(ValidateURL("relay.example/x"))
}

func TestRegistryAddIdempotent(t *testing.T) {
	require := require.New(t)
	r := testRegistry(t, nil)

	c1 := mustCandidate(t, ApiProbe, "https://relay.example/passgfw", AddedRuntime, false)
	require.NoError(r.Add(c1))
	require.Equal(1, r.Len())

	// Same URL again, differing only in case and flags: no-op that keeps
	// the earliest-seen entry.
	c2 := mustCandidate(t, ApiProbe, "https://RELAY.example/passgfw", AddedRuntime, true)
	require.NoError(r.Add(c2))
	require.Equal(1, r.Len())

	snap := r.Snapshot()
	require.Len(snap, 1)
	require.Equal("https://relay.example/passgfw", snap[0].URL)
	require.False(snap[0].Persist)
}

func TestRegistrySnapshotOrder(t *testing.T) {
	require := require.New(t)
	r := testRegistry(t, nil)

	require.NoError(r.Add(mustCandidate(t, ApiProbe, "https://d.example/x", AddedRuntime, false)))
	require.NoError(r.Add(mustCandidate(t, ApiProbe, "https://a.example/x", BuiltIn, false)))
	require.NoError(r.Add(mustCandidate(t, ApiProbe, "https://e.example/x", Stored, false)))
	require.NoError(r.Add(mustCandidate(t, ApiProbe, "https://b.example/x", BuiltIn, false)))
	require.NoError(r.Add(mustCandidate(t, ApiProbe, "https://f.example/x", DiscoveredFromFile, false)))

	var urls []string
	for _, c := range r.Snapshot() {
		urls = append(urls, c.URL)
	}
	require.Equal([]string{
		"https://a.example/x",
		"https://b.example/x",
		"https://d.example/x",
		"https://e.example/x",
		"https://f.example/x",
	}, urls)
}

func TestRegistrySnapshotIsCopy(t *testing.T) {
	require := require.New(t)
	r := testRegistry(t, nil)

	require.NoError(r.Add(mustCandidate(t, ApiProbe, "https://a.example/x", BuiltIn, false)))
	snap := r.Snapshot()
	require.NoError(r.Add(mustCandidate(t, ApiProbe, "https://b.example/x", BuiltIn, false)))
	require.Len(snap, 1)
}

func TestRegistryPersist(t *testing.T) {
	require := require.New(t)

	t.Run("persisted add reaches the store", func(t *testing.T) {
		p := new(fakePersister)
		r := testRegistry(t, p)
		require.NoError(r.Add(mustCandidate(t, ApiProbe, "https://a.example/x", AddedRuntime, true)))
		require.Equal([]string{"https://a.example/x"}, p.added)
	})

	t.Run("store failure keeps the in-memory add", func(t *testing.T) {
		p := &fakePersister{failAdd: true}
		r := testRegistry(t, p)
		err := r.Add(mustCandidate(t, ApiProbe, "https://a.example/x", AddedRuntime, true))
		require.Error(err)
		require.Equal(1, r.Len())
	})

	t.Run("builtins are never persisted", func(t *testing.T) {
		p := new(fakePersister)
		r := testRegistry(t, p)
		require.NoError(r.Add(mustCandidate(t, ApiProbe, "https://a.example/x", BuiltIn, true)))
		require.Empty(p.added)
	})
}

func TestRegistryRemove(t *testing.T) {
	require := require.New(t)
	p := new(fakePersister)
	r := testRegistry(t, p)

	require.NoError(r.Add(mustCandidate(t, ApiProbe, "https://a.example/x", AddedRuntime, true)))
	require.NoError(r.Remove("https://A.example/x"))
	require.Equal(0, r.Len())
	require.Equal([]string{"https://a.example/x"}, p.removed)

	// Idempotent on unknown URLs.
	require.NoError(r.Remove("https://unknown.example/x"))
}

func TestRegistryMergeDiscovered(t *testing.T) {
	require := require.New(t)
	r := testRegistry(t, nil)

	require.NoError(r.Add(mustCandidate(t, ApiProbe, "https://a.example/x", BuiltIn, false)))

	merged := r.MergeDiscovered([]*Candidate{
		mustCandidate(t, ApiProbe, "https://a.example/x", DiscoveredFromFile, false),
		mustCandidate(t, ApiProbe, "https://new.example/x", DiscoveredFromFile, false),
	})
	require.Equal(1, merged)
	require.Equal(2, r.Len())
}

func TestCandidateDomain(t *testing.T) {
	require := require.New(t)

	c := mustCandidate(t, ApiProbe, "https://good.example/passgfw", BuiltIn, false)
	domain, err := c.Domain()
	require.NoError(err)
	require.Equal("good.example", domain)

	c = mustCandidate(t, ApiProbe, "http://relay.example:8080/passgfw", BuiltIn, false)
	domain, err = c.Domain()
	require.NoError(err)
	require.Equal("relay.example:8080", domain)
}

func TestMethodFromString(t *testing.T) {
	require := require.New(t)

	m, err := MethodFromString("api")
	require.NoError(err)
	require.Equal(ApiProbe, m)

	m, err = MethodFromString("FILE")
	require.NoError(err)
	require.Equal(FileList, m)

	_, err = MethodFromString("carrier-pigeon")
	require.Error(err)
}
