// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gate provides the one-shot barrier that releases secondary cores.
//
// A Gate has exactly one writer, the bootstrap processor, and any number of
// readers. It is not a lock: it never closes again, and waiters busy-poll
// because nothing exists to park on.
//
// Ordering: Open is a release and a Wait that observes the gate open is an
// acquire. Every write the opener made before Open is visible to a waiter
// once Wait returns.
package gate

import (
	"context"
	"runtime"

	"smpboot.dev/smpboot/pkg/atomicbitops"
)

// Gate states as stored in shared memory.
const (
	Closed = 0
	Opened = 1
)

// Gate is a write-once synchronization flag.
//
// The zero value is a closed gate.
type Gate struct {
	state atomicbitops.Uint32
}

// Open opens the gate, publishing all prior writes of the caller.
//
// Precondition: called once, by the bootstrap processor. A second call is a
// programming error and panics.
func (g *Gate) Open() {
	if !g.state.CompareAndSwap(Closed, Opened) {
		panic("gate opened twice")
	}
}

// IsOpen returns true if the gate has been opened. A true result carries the
// same ordering guarantee as Wait.
func (g *Gate) IsOpen() bool {
	return g.state.Load() == Opened
}

// Wait busy-polls until the gate is open.
//
// There is no timeout: a gate that never opens is a setup bug on the
// bootstrap processor.
func (g *Gate) Wait() {
	for spins := 0; !g.IsOpen(); spins++ {
		pause(spins)
	}
}

// pause is the spin-loop hint. Simulated cores share host threads with the
// bootstrap processor, so every so often the loop lets it run.
func pause(spins int) {
	if spins&0x3ff == 0x3ff {
		runtime.Gosched()
	}
}

// Arrivals counts secondary cores that have passed the gate and switched to
// their private stacks.
//
// The bootstrap processor waits on it before reclaiming memory the cores
// executed from.
type Arrivals struct {
	count atomicbitops.Uint32
}

// Arrive records one core. It returns the number of arrivals so far.
func (a *Arrivals) Arrive() uint32 {
	return a.count.Add(1)
}

// Count returns the number of arrivals so far.
func (a *Arrivals) Count() uint32 {
	return a.count.Load()
}

// WaitFor polls until at least n cores arrived or ctx is done.
func (a *Arrivals) WaitFor(ctx context.Context, n uint32) error {
	for spins := 0; a.Count() < n; spins++ {
		if spins&0xff == 0xff {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		pause(spins)
	}
	return nil
}
