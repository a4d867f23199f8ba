// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/detour-project/detour/core/retry"
	"github.com/detour-project/detour/storage"
)

const basicConfig = `
[Logging]
Level = "debug"

[Storage]
Backend = "file"
Path = "/var/lib/detour/candidates.db"
Passphrase = "hunter2"

[Debug]
MaxInflightProbes = 8
ProbeTimeout = 5

[[Candidates]]
Method = "api"
URL = "https://relay.example/passgfw"

[[Candidates]]
Method = "file"
URL = "https://mirror.example/list.txt"
`

func TestLoad(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(basicConfig))
	require.NoError(err)

	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal("file", cfg.Storage.Backend)
	require.Equal(8, cfg.Debug.MaxInflightProbes)
	require.Equal(5*time.Second, cfg.Debug.ProbeTimeoutDuration())
	require.Len(cfg.Candidates, 2)
	require.Equal("api", cfg.Candidates[0].Method)
	require.Equal("file", cfg.Candidates[1].Method)
}

func TestLoadDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(""))
	require.NoError(err)

	require.Equal("NOTICE", cfg.Logging.Level)
	require.Equal("", cfg.Storage.Backend)
	require.Equal(storage.DefaultMaxCandidates, cfg.Storage.MaxCandidates)
	require.Equal(storage.DefaultMaxURLLen, cfg.Storage.MaxURLLen)
	require.Equal(4, cfg.Debug.MaxInflightProbes)
	require.Equal(10*time.Second, cfg.Debug.ProbeTimeoutDuration())
	require.Equal(30*time.Second, cfg.Debug.RoundTimeoutDuration())
	require.Equal(retry.DefaultBaseDelay, cfg.Debug.RetryBaseDelayDuration())
	require.Equal(retry.DefaultMaxDelay, cfg.Debug.RetryMaxDelayDuration())
	require.Equal(retry.DefaultJitter, cfg.Debug.RetryJitter)
}

func TestLoadInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
	}{
		{"bad log level", "[Logging]\nLevel = \"verbose\"\n"},
		{"bad storage backend", "[Storage]\nBackend = \"redis\"\nPath = \"/tmp/x\"\n"},
		{"backend without path", "[Storage]\nBackend = \"file\"\n"},
		{"bad candidate method", "[[Candidates]]\nMethod = \"ping\"\nURL = \"https://a.example/x\"\n"},
		{"bad candidate url", "[[Candidates]]\nMethod = \"api\"\nURL = \"ftp://a.example/x\"\n"},
		{"undecoded key", "[Debug]\nMaxInflight = 3\n"},
		{"malformed toml", "[Logging\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load([]byte(tc.body))
			require.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "detour.toml")
	require.NoError(os.WriteFile(f, []byte(basicConfig), 0600))

	cfg, err := LoadFile(f)
	require.NoError(err)
	require.Len(cfg.Candidates, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(err)
}

func TestJitterClamped(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte("[Debug]\nRetryJitter = 3.0\n"))
	require.NoError(err)
	require.Equal(retry.DefaultJitter, cfg.Debug.RetryJitter)
}
