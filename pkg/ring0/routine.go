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

package ring0

import (
	"errors"
	"fmt"

	"smpboot.dev/smpboot/pkg/hostarch"
	"smpboot.dev/smpboot/pkg/log"
	"smpboot.dev/smpboot/pkg/segment"
	"smpboot.dev/smpboot/pkg/x86"
)

// ErrNXRequired is the fault of a core lacking no-execute under NXRequire.
var ErrNXRequired = errors.New("no-execute required but not supported")

// DegradedNX is recorded when a core continues without no-execute.
const DegradedNX = "no-execute unsupported"

// Options configures a Routine.
type Options struct {
	// NX selects the no-execute policy.
	NX NXPolicy

	// LazyPageTables must be set when the page table root may still be
	// under construction as cores start. Cores then wait on the gate before
	// loading CR3.
	LazyPageTables bool

	// Logger receives per-core transitions. Defaults to the global logger.
	Logger log.Logger
}

// Routine is the mode transition run by every secondary core.
type Routine struct {
	k    *Kernel
	opts Options
}

// NewRoutine returns a routine for k.
func NewRoutine(k *Kernel, opts Options) (*Routine, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Log()
	}
	return &Routine{k: k, opts: opts}, nil
}

// Result describes how far a core got.
type Result struct {
	// ID is the processor identifier reported by the core.
	ID uint32

	// State is HandedOff or Halted.
	State State

	// Last is the last state reached before halting. It equals State for
	// cores that were handed off.
	Last State

	// Trace lists every state entered, starting with Reset.
	Trace []State

	// Stack is the stack top the core switched to.
	Stack hostarch.Addr

	// NX is true if no-execute was enabled.
	NX bool

	// Degraded lists optional features the core went without.
	Degraded []string

	// Fault is the reason for halting.
	Fault error
}

type runner struct {
	*Routine
	c   Core
	res Result
	log log.Logger
}

func (r *runner) advance(s State) {
	r.res.State = s
	r.res.Last = s
	r.res.Trace = append(r.res.Trace, s)
	r.log.Debugf("%v", s)
}

func (r *runner) halt(err error) Result {
	r.res.Fault = err
	r.res.State = Halted
	r.res.Trace = append(r.res.Trace, Halted)
	r.log.Warningf("halted after %v: %v", r.res.Last, err)
	r.c.Halt()
	return r.res
}

// Run moves c from Reset to HandedOff, calling the entry point on the
// core's stack, or halts c. It returns once the entry point returns or the
// core halted; on hardware neither happens.
func (rt *Routine) Run(c Core) Result {
	_, ebx, _, _ := c.CPUID(x86.CPUIDFeatures, 0)
	id := x86.APICIDFromCPUID(ebx)
	r := &runner{
		Routine: rt,
		c:       c,
		res:     Result{ID: id, State: Reset, Last: Reset, Trace: []State{Reset}},
		log:     log.Prefixed(rt.opts.Logger, fmt.Sprintf("cpu %d", id)),
	}

	if err := c.WriteCR(x86.CR4, c.ReadCR(x86.CR4)|x86.CR4_PAE); err != nil {
		return r.halt(fmt.Errorf("enabling PAE: %w", err))
	}
	if err := r.enableNX(); err != nil {
		return r.halt(err)
	}
	r.advance(FeaturesEnabled)

	if rt.opts.LazyPageTables {
		rt.k.Gate.Wait()
	}

	if err := c.WriteCR(x86.CR3, uint64(rt.k.PageTableRoot)); err != nil {
		return r.halt(fmt.Errorf("loading page table root: %w", err))
	}
	r.advance(PagingPrimed)

	if err := r.setEFER(x86.EFER_LME); err != nil {
		return r.halt(fmt.Errorf("requesting long mode: %w", err))
	}
	r.advance(LongModeRequested)

	if err := c.WriteCR(x86.CR0, c.ReadCR(x86.CR0)|x86.CR0_PE|x86.CR0_PG); err != nil {
		return r.halt(fmt.Errorf("enabling paging: %w", err))
	}
	r.advance(PagingActive)

	if err := c.LoadGDT(rt.k.GDTBase, rt.k.GDT.Limit()); err != nil {
		return r.halt(fmt.Errorf("loading descriptor table: %w", err))
	}
	if err := c.LoadSegments(segment.Kcode, segment.Kdata); err != nil {
		return r.halt(fmt.Errorf("reloading segments: %w", err))
	}
	r.advance(SegmentsReloaded)

	// Stack table entries are only valid once the gate is open.
	rt.k.Gate.Wait()
	_, ebx, _, _ = c.CPUID(x86.CPUIDFeatures, 0)
	top, err := rt.k.Stacks.Resolve(x86.APICIDFromCPUID(ebx))
	if err != nil {
		return r.halt(fmt.Errorf("resolving stack: %w", err))
	}
	c.SetStack(top)
	r.res.Stack = top
	r.advance(StackResolved)

	if rt.k.Arrivals != nil {
		rt.k.Arrivals.Arrive()
	}
	r.advance(Synchronized)

	r.advance(HandedOff)
	rt.k.Entry(c)
	c.Halt()
	return r.res
}

// enableNX applies the no-execute policy.
func (r *runner) enableNX() error {
	if r.opts.NX == NXDisable {
		return nil
	}
	if highest, _, _, _ := r.c.CPUID(x86.CPUIDExtendedMax, 0); highest >= x86.CPUIDExtendedFeatures {
		if _, _, _, edx := r.c.CPUID(x86.CPUIDExtendedFeatures, 0); x86.HasNX(edx) {
			if err := r.setEFER(x86.EFER_NX); err != nil {
				return fmt.Errorf("enabling no-execute: %w", err)
			}
			r.res.NX = true
			return nil
		}
	}
	if r.opts.NX == NXRequire {
		return ErrNXRequired
	}
	r.res.Degraded = append(r.res.Degraded, DegradedNX)
	r.log.Infof("continuing without no-execute")
	return nil
}

// setEFER sets bits in EFER, preserving the others.
func (r *runner) setEFER(bits uint64) error {
	efer, err := r.c.ReadMSR(x86.MSR_EFER)
	if err != nil {
		return err
	}
	return r.c.WriteMSR(x86.MSR_EFER, efer|bits)
}
