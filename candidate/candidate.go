// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package candidate defines relay endpoint candidates and the registry that
// orders them for probing.
package candidate

import (
	"fmt"
	"net/url"
	"strings"
)

// Method describes how a candidate is queried.
type Method int

const (
	// ApiProbe candidates answer the challenge/response handshake directly.
	ApiProbe Method = iota

	// FileList candidates are fetched and parsed into zero or more ApiProbe
	// candidates.
	FileList
)

// String returns the wire name of the method, as used in the persisted
// store and file lists.
func (m Method) String() string {
	switch m {
	case ApiProbe:
		return "api"
	case FileList:
		return "file"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// MethodFromString parses a wire method name.
func MethodFromString(s string) (Method, error) {
	switch strings.ToLower(s) {
	case "api":
		return ApiProbe, nil
	case "file":
		return FileList, nil
	default:
		return 0, fmt.Errorf("candidate: unknown method: '%v'", s)
	}
}

// Origin describes where a candidate came from.  It is used for snapshot
// ordering and eviction policy.
type Origin int

const (
	// BuiltIn candidates are compiled or configured into the client.  They
	// are never persisted or evicted.
	BuiltIn Origin = iota

	// AddedRuntime candidates were added through the public API after
	// startup.
	AddedRuntime

	// Stored candidates were loaded from the encrypted candidate store.
	Stored

	// DiscoveredFromFile candidates were parsed out of a fetched file list
	// during the current session.
	DiscoveredFromFile
)

func (o Origin) String() string {
	switch o {
	case BuiltIn:
		return "builtin"
	case AddedRuntime:
		return "runtime"
	case Stored:
		return "stored"
	case DiscoveredFromFile:
		return "discovered"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// Candidate is one endpoint or list source eligible for probing.
type Candidate struct {
	// Method describes how the candidate is queried.
	Method Method

	// URL is the absolute http/https URL of the endpoint.
	URL string

	// Origin records the candidate's provenance.
	Origin Origin

	// Persist requests that the candidate be written to the candidate
	// store.  It is ignored for BuiltIn candidates.
	Persist bool
}

// New constructs a validated candidate.
func New(method Method, rawURL string, origin Origin, persist bool) (*Candidate, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	return &Candidate{
		Method:  method,
		URL:     rawURL,
		Origin:  origin,
		Persist: persist && origin != BuiltIn,
	}, nil
}

// ValidateURL checks that rawURL is a non-empty absolute http or https URL.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("candidate: empty URL")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("candidate: malformed URL '%v': %v", rawURL, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("candidate: unsupported URL scheme '%v'", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("candidate: URL '%v' has no host", rawURL)
	}
	return nil
}

// Domain extracts the reachable host[:port] from the candidate URL.
func (c *Candidate) Domain() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("candidate: malformed URL '%v': %v", c.URL, err)
	}
	return u.Host, nil
}

// Key returns the case-insensitive deduplication key for the candidate URL.
func Key(rawURL string) string {
	return strings.ToLower(rawURL)
}

func (c *Candidate) String() string {
	return fmt.Sprintf("%s:%s", c.Method, c.URL)
}
