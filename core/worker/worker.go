// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides managed background go routines with a shared
// halt signal, and a bridge from that signal to context cancellation for
// code paths that do network I/O.
package worker

import (
	"context"
	"sync"
)

// Worker is a set of managed background go routines.
type Worker struct {
	sync.WaitGroup
	initOnce sync.Once

	haltCh chan interface{}
}

// Go executes the function fn in a new Go routine.  Multiple Go routines may
// be started under the same Worker.  It is the function's responsibility to
// monitor the channel returned by `Worker.HaltCh()` and to return.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt signals all Go routines started under a Worker to terminate, and
// waits till all go routines have returned.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	close(w.haltCh)
	w.Wait()
}

// HaltCh returns the channel that will be closed on a call to Halt.
func (w *Worker) HaltCh() <-chan interface{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

// HaltCtx derives a context from parent that is additionally cancelled when
// the Worker is halted.  The returned CancelFunc must be called to release
// the bridging go routine once the caller is done with the context.
func (w *Worker) HaltCtx(parent context.Context) (context.Context, context.CancelFunc) {
	w.initOnce.Do(w.init)
	ctx, cancelFn := context.WithCancel(parent)
	go func() {
		select {
		case <-w.haltCh:
			cancelFn()
		case <-ctx.Done():
		}
	}()
	return ctx, cancelFn
}

func (w *Worker) init() {
	w.haltCh = make(chan interface{})
}
