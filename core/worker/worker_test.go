// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHalt(t *testing.T) {
	require := require.New(t)

	w := new(Worker)
	doneCh := make(chan struct{})
	w.Go(func() {
		<-w.HaltCh()
		close(doneCh)
	})

	w.Halt()
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		require.FailNow("worker did not observe halt")
	}
}

func TestHaltCtx(t *testing.T) {
	require := require.New(t)

	t.Run("cancelled by halt", func(t *testing.T) {
		w := new(Worker)
		ctx, cancelFn := w.HaltCtx(context.Background())
		defer cancelFn()

		go w.Halt()
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
			require.FailNow("context did not observe halt")
		}
	})

	t.Run("cancelled by parent", func(t *testing.T) {
		w := new(Worker)
		parent, parentCancel := context.WithCancel(context.Background())
		ctx, cancelFn := w.HaltCtx(parent)
		defer cancelFn()

		parentCancel()
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
			require.FailNow("context did not observe parent cancellation")
		}
	})
}
