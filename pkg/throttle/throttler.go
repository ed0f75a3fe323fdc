/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package throttle coalesces FMDM broadcast requests. The data model is a
// snapshot, so only the most recent value matters: under progress storms
// the throttler bounds the fan-out rate while guaranteeing the last
// requested broadcast eventually runs.
package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/folderindex/folderd/internal/constant"
	"github.com/folderindex/folderd/pkg/metrics/data"
)

type Options struct {
	// Debounce is the trailing-edge delay added after the first request
	// of a burst.
	Debounce time.Duration
	// MaxUpdatesPerSecond caps the steady-state broadcast rate.
	MaxUpdatesPerSecond int
}

// Throttler schedules at most one pending flush at a time through a single
// timer. Requests arriving while a flush is pending only replace the
// emitter, never add timers.
type Throttler struct {
	mu       sync.Mutex
	debounce time.Duration
	limiter  *rate.Limiter

	timer    *time.Timer
	pending  bool
	reserved bool
	emit     func()
	disposed bool
}

func New(opts Options) *Throttler {
	if opts.Debounce <= 0 {
		opts.Debounce = constant.DefaultBroadcastDebounce
	}
	if opts.MaxUpdatesPerSecond <= 0 {
		opts.MaxUpdatesPerSecond = constant.DefaultMaxBroadcastPerSecond
	}
	return &Throttler{
		debounce: opts.Debounce,
		limiter:  rate.NewLimiter(rate.Limit(opts.MaxUpdatesPerSecond), 1),
	}
}

// RequestBroadcast registers fn to run on the next flush. fn must be
// idempotent; intermediate emitters of a burst are dropped, the latest
// wins.
func (t *Throttler) RequestBroadcast(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disposed {
		return
	}
	t.emit = fn
	if t.pending {
		data.BroadcastsCoalesced.Inc()
		return
	}
	t.pending = true
	t.timer = time.AfterFunc(t.debounce, t.flush)
}

func (t *Throttler) flush() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}

	if !t.reserved {
		// The reservation consumes the token at its future ready time,
		// so a delayed flush emits without reserving again.
		if delay := t.limiter.Reserve().Delay(); delay > 0 {
			t.reserved = true
			t.timer = time.AfterFunc(delay, t.flush)
			t.mu.Unlock()
			return
		}
	}

	fn := t.emit
	t.emit = nil
	t.pending = false
	t.reserved = false
	t.mu.Unlock()

	if fn != nil {
		data.BroadcastsSent.Inc()
		fn()
	}
}

// Dispose cancels any pending flush. Later requests are ignored.
func (t *Throttler) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.disposed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.emit = nil
	t.pending = false
	t.reserved = false
}
