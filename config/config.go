// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the configuration for the detour detection
// engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/detour-project/detour/candidate"
	"github.com/detour-project/detour/core/retry"
	"github.com/detour-project/detour/storage"
)

const (
	defaultLogLevel          = "NOTICE"
	defaultMaxInflightProbes = 4
	defaultProbeTimeout      = 10 * time.Second
	defaultRoundTimeout      = 30 * time.Second
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Candidate is one built-in candidate endpoint.
type Candidate struct {
	// Method is the candidate method, "api" or "file".
	Method string

	// URL is the absolute http/https URL of the endpoint.
	URL string
}

func (cCfg *Candidate) validate() error {
	if _, err := candidate.MethodFromString(cCfg.Method); err != nil {
		return err
	}
	return candidate.ValidateURL(cCfg.URL)
}

// Storage is the candidate store configuration.
type Storage struct {
	// Backend selects the secure storage implementation, "file" or "bolt".
	// An empty Backend disables persistence entirely.
	Backend string

	// Path is the store file (or database file) path.
	Path string

	// Passphrase keys the at-rest encryption.
	Passphrase string

	// LegacyPath points at a legacy plaintext candidate file to migrate
	// from, if one exists.
	LegacyPath string

	// MaxCandidates caps the number of persisted candidates.
	MaxCandidates int

	// MaxURLLen caps the length in bytes of a persisted URL.
	MaxURLLen int
}

func (sCfg *Storage) validate() error {
	switch sCfg.Backend {
	case "", "file", "bolt":
	default:
		return fmt.Errorf("config: Storage: Backend '%v' is invalid", sCfg.Backend)
	}
	if sCfg.Backend != "" && sCfg.Path == "" {
		return errors.New("config: Storage: Path is required when a Backend is set")
	}
	return nil
}

func (sCfg *Storage) applyDefaults() {
	if sCfg.MaxCandidates == 0 {
		sCfg.MaxCandidates = storage.DefaultMaxCandidates
	}
	if sCfg.MaxURLLen == 0 {
		sCfg.MaxURLLen = storage.DefaultMaxURLLen
	}
}

// Debug is the tuning knob configuration.
type Debug struct {
	// MaxInflightProbes bounds the number of simultaneous probes per
	// detection round.
	MaxInflightProbes int

	// ProbeTimeout is the per-probe request timeout in seconds.
	ProbeTimeout int

	// RoundTimeout is the idle-round deadline in seconds; a round is
	// forced to end after this long even if slow candidates are still in
	// flight.
	RoundTimeout int

	// RetryBaseDelay is the backoff base delay in milliseconds.
	RetryBaseDelay int

	// RetryMaxDelay is the backoff delay cap in seconds.
	RetryMaxDelay int

	// RetryJitter is the backoff jitter factor (0.0 to 1.0).
	RetryJitter float64

	// MetricsAddr, when set, exposes prometheus metrics on the given
	// listen address.
	MetricsAddr string
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.MaxInflightProbes <= 0 {
		dCfg.MaxInflightProbes = defaultMaxInflightProbes
	}
	if dCfg.ProbeTimeout <= 0 {
		dCfg.ProbeTimeout = int(defaultProbeTimeout / time.Second)
	}
	if dCfg.RoundTimeout <= 0 {
		dCfg.RoundTimeout = int(defaultRoundTimeout / time.Second)
	}
	if dCfg.RetryBaseDelay <= 0 {
		dCfg.RetryBaseDelay = int(retry.DefaultBaseDelay / time.Millisecond)
	}
	if dCfg.RetryMaxDelay <= 0 {
		dCfg.RetryMaxDelay = int(retry.DefaultMaxDelay / time.Second)
	}
	if dCfg.RetryJitter <= 0 || dCfg.RetryJitter > 1 {
		dCfg.RetryJitter = retry.DefaultJitter
	}
}

// ProbeTimeoutDuration returns the per-probe timeout as a time.Duration.
func (dCfg *Debug) ProbeTimeoutDuration() time.Duration {
	return time.Duration(dCfg.ProbeTimeout) * time.Second
}

// RoundTimeoutDuration returns the round deadline as a time.Duration.
func (dCfg *Debug) RoundTimeoutDuration() time.Duration {
	return time.Duration(dCfg.RoundTimeout) * time.Second
}

// RetryBaseDelayDuration returns the backoff base delay as a time.Duration.
func (dCfg *Debug) RetryBaseDelayDuration() time.Duration {
	return time.Duration(dCfg.RetryBaseDelay) * time.Millisecond
}

// RetryMaxDelayDuration returns the backoff delay cap as a time.Duration.
func (dCfg *Debug) RetryMaxDelayDuration() time.Duration {
	return time.Duration(dCfg.RetryMaxDelay) * time.Second
}

// Config is the top level detour configuration.
type Config struct {
	Logging *Logging
	Storage *Storage
	Debug   *Debug

	// Candidates are the built-in candidates, probed first in the order
	// they appear.
	Candidates []*Candidate

	// ServerPublicKeyPEM overrides the compiled-in relay public key.
	ServerPublicKeyPEM string
}

// FixupAndValidate applies defaults and validates the configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Storage == nil {
		cfg.Storage = &Storage{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Storage.validate(); err != nil {
		return err
	}
	cfg.Storage.applyDefaults()
	cfg.Debug.applyDefaults()

	for _, c := range cfg.Candidates {
		if err := c.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Load parses and validates the provided buffer b as a config body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
