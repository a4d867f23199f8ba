// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package detour implements the candidate resolution and authentication
// engine: it maintains a prioritized, persistable list of relay endpoint
// candidates, probes them with a challenge/response handshake that proves
// server identity, and retries with backoff until one succeeds.
package detour

import (
	"fmt"
	"net/http"
	"path/filepath"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/detour-project/detour/candidate"
	"github.com/detour-project/detour/config"
	"github.com/detour-project/detour/core/log"
	"github.com/detour-project/detour/core/worker"
	"github.com/detour-project/detour/crypto"
	"github.com/detour-project/detour/internal/instrument"
	"github.com/detour-project/detour/probe"
	"github.com/detour-project/detour/storage"
)

// MaxExtraPayload bounds the caller supplied extra challenge payload so
// that the challenge always fits the RSA modulus.
const MaxExtraPayload = 64

// Detector is the detection engine.  A single Detector may serve multiple
// concurrent Detect calls; the registry and store are shared, each call
// detects independently.
type Detector struct {
	worker.Worker

	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger

	cryptoCtx *crypto.Context
	registry  *candidate.Registry
	store     *storage.Store
	executor  *probe.Executor

	haltOnce sync.Once

	errLock sync.Mutex
	lastErr error
}

// New creates a Detector with the provided configuration.  The only fatal
// construction error besides I/O is malformed relay key material.
func New(cfg *config.Config) (*Detector, error) {
	if cfg == nil {
		return nil, fmt.Errorf("detour: no configuration provided")
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	d := new(Detector)
	d.cfg = cfg

	var err error
	if d.logBackend, err = log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable); err != nil {
		return nil, err
	}
	d.log = d.logBackend.GetLogger("detour/client")

	if cfg.Debug.MetricsAddr != "" {
		instrument.Init(cfg.Debug.MetricsAddr)
	}

	pubPEM := crypto.DefaultPublicKeyPEM
	if cfg.ServerPublicKeyPEM != "" {
		pubPEM = []byte(cfg.ServerPublicKeyPEM)
	}
	if d.cryptoCtx, err = crypto.NewContext(pubPEM); err != nil {
		// Malformed embedded key material is the one fatal error.
		return nil, err
	}

	if err = d.initStore(); err != nil {
		return nil, err
	}
	d.registry = candidate.NewRegistry(d.logBackend.GetLogger("detour/registry"), d.persister())
	d.executor = probe.NewExecutor(d.logBackend.GetLogger("detour/probe"), d.cryptoCtx, &http.Client{})

	if err = d.seedRegistry(); err != nil {
		return nil, err
	}

	d.log.Noticef("Detector initialized with %d candidates.", d.registry.Len())
	return d, nil
}

func (d *Detector) initStore() error {
	sCfg := d.cfg.Storage
	if sCfg.Backend == "" {
		d.log.Debugf("Candidate persistence is disabled.")
		return nil
	}

	storeLog := d.logBackend.GetLogger("detour/storage")

	var backend storage.Backend
	var err error
	switch sCfg.Backend {
	case "file":
		backend = storage.NewFileBackend(sCfg.Path, []byte(sCfg.Passphrase))
	case "bolt":
		if backend, err = storage.NewBoltBackend(sCfg.Path, []byte(sCfg.Passphrase)); err != nil {
			return err
		}
	}
	d.store = storage.New(storeLog, backend, sCfg.MaxCandidates, sCfg.MaxURLLen)

	legacyPath := sCfg.LegacyPath
	if legacyPath == "" && sCfg.Backend == "file" {
		// Historical default: a plaintext JSON file next to the store.
		legacyPath = filepath.Join(filepath.Dir(sCfg.Path), "candidates.json")
	}
	if err = d.store.MigrateIfNeeded(legacyPath); err != nil {
		// Non-fatal: legacy data is retained, detection proceeds with
		// whatever was recovered.
		d.log.Warningf("%v", err)
		d.setLastError(err)
	}
	return nil
}

func (d *Detector) persister() candidate.Persister {
	if d.store == nil {
		return nil
	}
	return d.store
}

func (d *Detector) seedRegistry() error {
	for _, cc := range d.cfg.Candidates {
		m, err := candidate.MethodFromString(cc.Method)
		if err != nil {
			return err
		}
		c, err := candidate.New(m, cc.URL, candidate.BuiltIn, false)
		if err != nil {
			return err
		}
		if err = d.registry.Add(c); err != nil {
			return err
		}
	}

	if d.store == nil {
		return nil
	}
	pairs, err := d.store.Load()
	if err != nil {
		// Degrade gracefully to an empty persisted set.
		d.log.Warningf("Failed to load persisted candidates: %v", err)
		d.setLastError(err)
		return nil
	}
	for _, p := range pairs {
		m, err := candidate.MethodFromString(p.Method)
		if err != nil {
			d.log.Warningf("Skipping persisted candidate with bad method: %v", err)
			continue
		}
		// Persist is left unset so the load does not write back through
		// the store; Origin Stored marks the entry as persisted for
		// removal purposes.
		c, err := candidate.New(m, p.URL, candidate.Stored, false)
		if err != nil {
			d.log.Warningf("Skipping malformed persisted candidate: %v", err)
			continue
		}
		if err = d.registry.Add(c); err != nil {
			d.log.Warningf("Skipping persisted candidate: %v", err)
		}
	}
	return nil
}

// AddCandidate adds a candidate endpoint at runtime.  With persist set the
// candidate is also written to the encrypted store and survives restarts; a
// store failure is returned but the in-memory add is kept.
func (d *Detector) AddCandidate(method candidate.Method, rawURL string, persist bool) error {
	c, err := candidate.New(method, rawURL, candidate.AddedRuntime, persist)
	if err != nil {
		return err
	}
	return d.registry.Add(c)
}

// RemoveCandidate removes a candidate by URL from memory and, if it was
// persisted, from the store.  Removing an unknown URL is a no-op.
func (d *Detector) RemoveCandidate(rawURL string) error {
	return d.registry.Remove(rawURL)
}

// Registry exposes the candidate registry, mainly for tests and bindings
// that need a snapshot of the probe order.
func (d *Detector) Registry() *candidate.Registry {
	return d.registry
}

// LastError returns a summary of the most recent failed detection round or
// storage degradation, for bindings whose host idiom wants an error to poll
// after a failed call.  It is never required for correct use of Detect.
func (d *Detector) LastError() error {
	d.errLock.Lock()
	defer d.errLock.Unlock()
	return d.lastErr
}

func (d *Detector) setLastError(err error) {
	d.errLock.Lock()
	defer d.errLock.Unlock()
	d.lastErr = err
}

// GetLogger returns a new logger with the given name that writes to the
// detector's log backend.
func (d *Detector) GetLogger(name string) *logging.Logger {
	return d.logBackend.GetLogger(name)
}

// Shutdown cleanly shuts down the Detector.  Any blocked Detect calls
// return ErrCanceled.
func (d *Detector) Shutdown() {
	d.haltOnce.Do(func() { d.halt() })
}

func (d *Detector) halt() {
	d.log.Noticef("Starting graceful shutdown.")
	d.Halt()
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Warningf("Failed to close candidate store: %v", err)
		}
	}
}
