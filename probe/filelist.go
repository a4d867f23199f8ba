// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/detour-project/detour/candidate"
	"github.com/detour-project/detour/internal/instrument"
)

// listEntry is the JSON object form of a file-list entry.  The plain string
// form and the newline-delimited form carry no persist marker.
type listEntry struct {
	URL     string `json:"url"`
	Persist bool   `json:"persist"`
}

// FetchList performs a plain GET against a FileList candidate and parses
// the body into zero or more ApiProbe candidates with origin
// DiscoveredFromFile.  No cryptography is involved.  Fetch failures yield a
// failed Outcome and never abort the detection loop.
func (e *Executor) FetchList(ctx context.Context, c *candidate.Candidate, timeout time.Duration) ([]*candidate.Candidate, *Outcome) {
	start := time.Now()
	o := &Outcome{Candidate: c}
	defer func() {
		o.Latency = time.Since(start)
		o.Timestamp = time.Now()
	}()
	instrument.Probe(c.Method.String())

	reqCtx, cancelFn := context.WithTimeout(ctx, timeout)
	defer cancelFn()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.URL, nil)
	if err != nil {
		o.Reason, o.Err = ReasonNetwork, err
		return nil, o
	}

	resp, err := e.client.Do(req)
	if err != nil {
		o.Reason, o.Err = ReasonNetwork, err
		return nil, o
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		o.Reason = ReasonNetwork
		o.Err = fmt.Errorf("probe: unexpected HTTP status fetching list: %v", resp.Status)
		return nil, o
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		o.Reason, o.Err = ReasonNetwork, err
		return nil, o
	}

	discovered := e.parseList(body)
	e.log.Debugf("File list %v yielded %d candidates.", c.URL, len(discovered))
	return discovered, o
}

// parseList accepts either a JSON array (of URL strings or {url, persist}
// objects) or a newline-delimited list of URLs.  Entries that fail URL
// validation are dropped individually.
func (e *Executor) parseList(body []byte) []*candidate.Candidate {
	var entries []listEntry

	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var raw []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
			e.log.Debugf("Ignoring unparseable JSON file list: %v", err)
			return nil
		}
		for _, m := range raw {
			var s string
			if err := json.Unmarshal(m, &s); err == nil {
				entries = append(entries, listEntry{URL: s})
				continue
			}
			var le listEntry
			if err := json.Unmarshal(m, &le); err == nil {
				entries = append(entries, le)
			}
		}
	} else {
		for _, line := range strings.Split(trimmed, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			entries = append(entries, listEntry{URL: line})
		}
	}

	var out []*candidate.Candidate
	for _, entry := range entries {
		c, err := candidate.New(candidate.ApiProbe, entry.URL, candidate.DiscoveredFromFile, entry.Persist)
		if err != nil {
			e.log.Debugf("Dropping invalid file list entry '%v': %v", entry.URL, err)
			continue
		}
		out = append(out, c)
	}
	return out
}
