//go:build prometheus
// +build prometheus

// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitIdempotent(t *testing.T) {
	// Two detectors in one process may both name a metrics address; the
	// second Init must not re-register the collectors.
	require.NotPanics(t, func() {
		Init("127.0.0.1:0")
		Init("127.0.0.1:0")
	})

	// Counters stay usable after the duplicate Init.
	Probe("api")
	ProbeFailed("network")
	Round()
	Success()
	Discovered(2)
}
