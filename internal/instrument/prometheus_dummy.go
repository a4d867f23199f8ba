//go:build !prometheus
// +build !prometheus

// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

// Init instrumentation
func Init(addr string) {}

// Probe counts one attempted probe for the given candidate method
func Probe(method string) {}

// ProbeFailed counts one failed probe by reason
func ProbeFailed(reason string) {}

// Round counts one detection round
func Round() {}

// Success counts one successful detection call
func Success() {}

// Discovered counts candidates merged from file lists
func Discovered(n int) {}
