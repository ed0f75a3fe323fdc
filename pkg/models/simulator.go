/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package models

import (
	"sync"
	"time"
)

// Backends report no granular progress, so a simulator drives the UI: it
// eases from 5% toward a 90% cap while the real download runs, fast in the
// middle and slow near both ends. The terminal write (100 or 0) comes from
// the download outcome, never from the simulator.
const (
	simulatorFloor = 5
	simulatorCap   = 90
	// simulatorSpan is the nominal tick count to travel floor..cap; after
	// that the simulator parks at the cap until stopped.
	simulatorSpan = 64
)

type progressSimulator struct {
	interval time.Duration
	emit     func(progress int)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newProgressSimulator(interval time.Duration, emit func(progress int)) *progressSimulator {
	return &progressSimulator{
		interval: interval,
		emit:     emit,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *progressSimulator) Start() {
	go s.run()
}

func (s *progressSimulator) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	last := 0
	for tick := 1; ; tick++ {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		p := easedProgress(tick)
		if p == last {
			continue
		}
		last = p
		s.emit(p)
		if p >= simulatorCap {
			// Parked at the cap until the real download finishes.
			<-s.stop
			return
		}
	}
}

// Stop halts the simulator and waits until no further emit can run, so a
// terminal status write can never be overwritten by a late tick.
func (s *progressSimulator) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// easedProgress maps a tick counter onto the 5..90 range with a quadratic
// ease-in-out: increments grow toward the middle and shrink near the ends.
func easedProgress(tick int) int {
	if tick >= simulatorSpan {
		return simulatorCap
	}
	x := float64(tick) / float64(simulatorSpan)
	var eased float64
	if x < 0.5 {
		eased = 2 * x * x
	} else {
		d := -2*x + 2
		eased = 1 - d*d/2
	}
	p := simulatorFloor + int(eased*float64(simulatorCap-simulatorFloor))
	if p > simulatorCap {
		p = simulatorCap
	}
	return p
}
