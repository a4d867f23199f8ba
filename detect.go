// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

package detour

import (
	"context"
	"errors"
	"time"

	"github.com/detour-project/detour/candidate"
	"github.com/detour-project/detour/core/retry"
	"github.com/detour-project/detour/internal/instrument"
	"github.com/detour-project/detour/probe"
)

type listResult struct {
	candidates []*candidate.Candidate
}

// session is the per-Detect-call state: a cancellation context, a round
// counter and the current backoff position.  Sessions are never shared;
// each concurrent Detect call runs its own.
type session struct {
	d     *Detector
	extra []byte
	round int
}

// Detect blocks until a candidate endpoint passes the authentication
// handshake and returns its domain (host[:port]).  There is no bounded
// attempts mode: a blocking network can become unblocked at any time, so
// detection retries indefinitely with exponential backoff until the
// context is cancelled or the detector is shut down, in which case
// ErrCanceled is returned.  ErrNoCandidates is returned immediately when
// there is nothing to probe and nothing to expand from.
func (d *Detector) Detect(ctx context.Context) (string, error) {
	return d.DetectWithPayload(ctx, nil)
}

// DetectWithPayload behaves like Detect with a caller supplied extra
// payload folded into every challenge.
func (d *Detector) DetectWithPayload(ctx context.Context, extra []byte) (string, error) {
	if len(extra) > MaxExtraPayload {
		return "", ErrPayloadTooLarge
	}

	// Bridge detector shutdown into the session's context so in-flight
	// probes abort on Shutdown as well as on caller cancellation.
	sessCtx, cancelFn := d.HaltCtx(ctx)
	defer cancelFn()

	s := &session{d: d, extra: extra}
	return s.run(sessCtx)
}

func (s *session) run(ctx context.Context) (string, error) {
	d := s.d
	dCfg := d.cfg.Debug

	for {
		if delay := retry.Delay(dCfg.RetryBaseDelayDuration(), dCfg.RetryMaxDelayDuration(), dCfg.RetryJitter, s.round); delay > 0 {
			d.log.Debugf("Backing off %v before round %d.", delay, s.round)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ErrCanceled
			case <-timer.C:
			}
		}

		snapshot := d.registry.Snapshot()
		if len(snapshot) == 0 {
			return "", ErrNoCandidates
		}

		instrument.Round()
		domain, discovered, roundErr := s.runRound(ctx, snapshot)
		if domain != "" {
			instrument.Success()
			d.log.Noticef("Detection succeeded: %v (round %d).", domain, s.round)
			return domain, nil
		}
		if errors.Is(roundErr, context.Canceled) || ctx.Err() != nil {
			return "", ErrCanceled
		}

		// All candidates in the snapshot failed; expand the registry from
		// any file lists before the next round.
		if len(discovered) > 0 {
			merged := d.registry.MergeDiscovered(discovered)
			instrument.Discovered(merged)
			if merged > 0 {
				d.log.Infof("Merged %d discovered candidates after round %d.", merged, s.round)
			}
		}

		if roundErr != nil {
			d.setLastError(roundErr)
		}
		s.round++
	}
}

// runRound probes a snapshot with bounded concurrency.  Probes are started
// in snapshot order; completion order is whatever the network returns.  The
// first authenticated outcome cancels all other in-flight probes and wins.
func (s *session) runRound(ctx context.Context, snapshot []*candidate.Candidate) (string, []*candidate.Candidate, error) {
	d := s.d
	dCfg := d.cfg.Debug

	// The round deadline forces the round to end even if a slow
	// candidate's transport timeout is higher.
	roundCtx, cancelFn := context.WithTimeout(ctx, dCfg.RoundTimeoutDuration())
	defer cancelFn()

	outcomeCh := make(chan *probe.Outcome, len(snapshot))
	listCh := make(chan *listResult, len(snapshot))
	sem := make(chan struct{}, dCfg.MaxInflightProbes)

	started := len(snapshot)
	go func() {
		for _, c := range snapshot {
			select {
			case sem <- struct{}{}:
			case <-roundCtx.Done():
				return
			}
			go func(c *candidate.Candidate) {
				defer func() { <-sem }()
				switch c.Method {
				case candidate.FileList:
					list, o := d.executor.FetchList(roundCtx, c, dCfg.ProbeTimeoutDuration())
					listCh <- &listResult{candidates: list}
					outcomeCh <- o
				default:
					outcomeCh <- d.executor.Probe(roundCtx, c, dCfg.ProbeTimeoutDuration(), s.extra)
				}
			}(c)
		}
	}()

	var discovered []*candidate.Candidate
	var lastErr error
	for completed := 0; completed < started; {
		select {
		case o := <-outcomeCh:
			completed++
			if o.Authenticated() {
				// First success wins; abort the rest of the round.
				cancelFn()
				return o.Domain, nil, nil
			}
			if o.Err != nil {
				lastErr = o.Err
				// Transient network failures are the expected steady state
				// under blocking and stay at debug; anything else is worth
				// surfacing, in particular authentication failures which
				// suggest response injection.
				if o.Reason == probe.ReasonNetwork && retry.IsTransientError(o.Err) {
					d.log.Debugf("Candidate %v: transient failure: %v", o.Candidate.URL, o.Err)
				} else {
					d.log.Warningf("Candidate %v: %v failure: %v", o.Candidate.URL, o.Reason, o.Err)
				}
			}
		case lr := <-listCh:
			discovered = append(discovered, lr.candidates...)
		case <-roundCtx.Done():
			// Round deadline or cancellation: outstanding probes are
			// aborted via the context, move on.
			discovered = append(discovered, drainLists(listCh)...)
			if ctx.Err() != nil {
				return "", discovered, context.Canceled
			}
			if lastErr == nil {
				lastErr = roundCtx.Err()
			}
			return "", discovered, &RoundError{Round: s.round, Attempted: started, LastErr: lastErr}
		}
	}
	discovered = append(discovered, drainLists(listCh)...)

	if lastErr == nil {
		// Nothing but empty file lists; still a failed round.
		lastErr = errors.New("detour: no candidate authenticated")
	}
	return "", discovered, &RoundError{Round: s.round, Attempted: started, LastErr: lastErr}
}

func drainLists(listCh chan *listResult) []*candidate.Candidate {
	var out []*candidate.Candidate
	for {
		select {
		case lr := <-listCh:
			out = append(out, lr.candidates...)
		default:
			return out
		}
	}
}
