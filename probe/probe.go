// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package probe executes a single authenticated challenge/response round
// trip against one candidate endpoint.
package probe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/detour-project/detour/candidate"
	"github.com/detour-project/detour/crypto"
	"github.com/detour-project/detour/internal/instrument"
)

const (
	// nonceLen is the challenge nonce length in bytes.
	nonceLen = 16

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 1 << 20
)

// FailureReason classifies why a probe failed.
type FailureReason int

const (
	// ReasonNetwork covers connect errors, timeouts, non-2xx statuses and
	// unparseable response bodies.
	ReasonNetwork FailureReason = iota

	// ReasonMalformedResponse covers structurally valid JSON missing the
	// required data or signature fields.
	ReasonMalformedResponse

	// ReasonAuthenticationFailed covers an incorrect challenge echo or an
	// invalid signature.
	ReasonAuthenticationFailed
)

func (r FailureReason) String() string {
	switch r {
	case ReasonNetwork:
		return "network"
	case ReasonMalformedResponse:
		return "malformed-response"
	case ReasonAuthenticationFailed:
		return "authentication-failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// Outcome is the result of one probe, consumed immediately by the
// detection loop.
type Outcome struct {
	// Candidate is the probed candidate.
	Candidate *candidate.Candidate

	// Domain is the authenticated host[:port], set on success.
	Domain string

	// Reason classifies the failure, valid when Err is non-nil.
	Reason FailureReason

	// Err is nil on success.
	Err error

	// Latency is the wall-clock duration of the exchange.
	Latency time.Duration

	// Timestamp records when the probe completed.
	Timestamp time.Time
}

// Authenticated returns true when the probe proved the responder holds the
// relay private key and yielded a reachable domain.  A file-list fetch that
// merely succeeded is not authenticated.
func (o *Outcome) Authenticated() bool {
	return o.Err == nil && o.Domain != ""
}

type challengeResponse struct {
	Data      *string `json:"data"`
	Signature *string `json:"signature"`
}

// Executor performs challenge/response exchanges.  It is safe for
// concurrent use; a single Executor is shared by all in-flight probes.
type Executor struct {
	log    *logging.Logger
	crypto *crypto.Context
	client *http.Client

	seq uint64
}

// NewExecutor constructs an Executor over the given crypto context.  The
// supplied http.Client's Timeout is ignored; per-probe timeouts are applied
// via request contexts.  A nil client selects http.DefaultTransport.
func NewExecutor(log *logging.Logger, cryptoCtx *crypto.Context, client *http.Client) *Executor {
	if client == nil {
		client = &http.Client{}
	}
	return &Executor{
		log:    log,
		crypto: cryptoCtx,
		client: client,
	}
}

// newChallenge generates a fresh challenge payload: a random nonce plus a
// monotonically increasing marker, with any caller supplied extra payload
// appended.  The payload is plain ASCII so that the server's echo
// round-trips exactly through the JSON response body.
func (e *Executor) newChallenge(extra []byte) ([]byte, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Reader.Read(nonce); err != nil {
		return nil, err
	}
	marker := atomic.AddUint64(&e.seq, 1)
	payload := fmt.Sprintf("%s:%d:%d", hex.EncodeToString(nonce), time.Now().UnixNano(), marker)
	if len(extra) != 0 {
		payload = fmt.Sprintf("%s:%s", payload, hex.EncodeToString(extra))
	}
	return []byte(payload), nil
}

// Probe executes one authenticated round trip against an ApiProbe
// candidate.  extra is optional caller supplied payload folded into the
// challenge.  All failures are absorbed into the Outcome; Probe itself
// never returns an error.
func (e *Executor) Probe(ctx context.Context, c *candidate.Candidate, timeout time.Duration, extra []byte) *Outcome {
	start := time.Now()
	o := &Outcome{Candidate: c}
	defer func() {
		o.Latency = time.Since(start)
		o.Timestamp = time.Now()
		if o.Err != nil {
			instrument.ProbeFailed(o.Reason.String())
			e.log.Debugf("Probe %v failed (%v): %v", c.URL, o.Reason, o.Err)
		}
	}()
	instrument.Probe(c.Method.String())

	payload, err := e.newChallenge(extra)
	if err != nil {
		o.Reason, o.Err = ReasonNetwork, err
		return o
	}
	ciphertext, err := e.crypto.EncryptChallenge(payload)
	if err != nil {
		// Malformed key material, a programmer error.  The constructor
		// validates the key so this is unreachable in practice.
		o.Reason, o.Err = ReasonNetwork, err
		return o
	}

	reqBody, err := json.Marshal(map[string]string{
		"data": base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		o.Reason, o.Err = ReasonNetwork, err
		return o
	}

	reqCtx, cancelFn := context.WithTimeout(ctx, timeout)
	defer cancelFn()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.URL, bytes.NewReader(reqBody))
	if err != nil {
		o.Reason, o.Err = ReasonNetwork, err
		return o
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		o.Reason, o.Err = ReasonNetwork, err
		return o
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		o.Reason = ReasonNetwork
		o.Err = fmt.Errorf("probe: unexpected HTTP status: %v", resp.Status)
		return o
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		o.Reason, o.Err = ReasonNetwork, err
		return o
	}

	var cr challengeResponse
	if err = json.Unmarshal(body, &cr); err != nil {
		o.Reason = ReasonNetwork
		o.Err = fmt.Errorf("probe: malformed JSON response: %v", err)
		return o
	}
	if cr.Data == nil || cr.Signature == nil {
		o.Reason = ReasonMalformedResponse
		o.Err = fmt.Errorf("probe: response missing data or signature field")
		return o
	}

	echo := []byte(*cr.Data)
	signature, err := base64.StdEncoding.DecodeString(*cr.Signature)
	if err != nil {
		o.Reason = ReasonMalformedResponse
		o.Err = fmt.Errorf("probe: signature is not valid base64: %v", err)
		return o
	}

	// The echo proves the responder decrypted the challenge; the signature
	// binds the echo to the relay signing key.
	if !bytes.Equal(echo, payload) {
		o.Reason = ReasonAuthenticationFailed
		o.Err = fmt.Errorf("probe: challenge echo mismatch")
		return o
	}
	if !e.crypto.VerifyResponse(echo, signature) {
		o.Reason = ReasonAuthenticationFailed
		o.Err = fmt.Errorf("probe: signature verification failed")
		return o
	}

	domain, err := c.Domain()
	if err != nil {
		o.Reason = ReasonNetwork
		o.Err = err
		return o
	}
	o.Domain = domain
	e.log.Infof("Candidate %v authenticated, domain %v (%v).", c.URL, domain, o.Latency)
	return o
}
