// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

package detour

import (
	"errors"
	"fmt"
)

var (
	// ErrCanceled is returned when a detection call is aborted by its
	// context or by Shutdown before any candidate authenticated.
	ErrCanceled = errors.New("detour: detection cancelled")

	// ErrNoCandidates is returned when the registry is empty and there is
	// nothing to expand from.  This is only possible when no built-in
	// candidates are configured, which is a configuration error.
	ErrNoCandidates = errors.New("detour: no candidates configured")

	// ErrPayloadTooLarge is returned when the caller supplied extra
	// challenge payload exceeds MaxExtraPayload.
	ErrPayloadTooLarge = errors.New("detour: extra payload too large")
)

// RoundError summarizes a detection round in which every probe failed.  It
// is recorded as the detector's last error; individual probe failures are
// never surfaced to callers.
type RoundError struct {
	// Round is the zero-based round number within the detection session.
	Round int

	// Attempted is the number of candidates probed in the round.
	Attempted int

	// LastErr is the most recent probe failure observed in the round.
	LastErr error
}

// Error implements the error interface.
func (e *RoundError) Error() string {
	return fmt.Sprintf("detour: round %d: all %d probes failed, last: %v", e.Round, e.Attempted, e.LastErr)
}

// Unwrap returns the most recent probe failure.
func (e *RoundError) Unwrap() error {
	return e.LastErr
}
