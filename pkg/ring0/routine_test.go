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
	"testing"

	"github.com/google/go-cmp/cmp"
	"smpboot.dev/smpboot/pkg/gate"
	"smpboot.dev/smpboot/pkg/hostarch"
	"smpboot.dev/smpboot/pkg/log"
	"smpboot.dev/smpboot/pkg/segment"
	"smpboot.dev/smpboot/pkg/stacktable"
	"smpboot.dev/smpboot/pkg/x86"
)

// recordingCore is a permissive core that records what the routine does.
type recordingCore struct {
	id     uint32
	nx     bool
	ops    []string
	cr     [5]uint64
	efer   uint64
	stack  hostarch.Addr
	halted bool

	// failOn makes the named operation fault.
	failOn string
}

func (c *recordingCore) record(format string, v ...any) error {
	op := fmt.Sprintf(format, v...)
	c.ops = append(c.ops, op)
	if c.failOn != "" && c.failOn == op {
		return fmt.Errorf("#GP on %s", op)
	}
	return nil
}

func (c *recordingCore) CPUID(eax, ecx uint32) (uint32, uint32, uint32, uint32) {
	switch eax {
	case x86.CPUIDFeatures:
		return 0, c.id << x86.CPUIDAPICIDShift, 0, 0
	case x86.CPUIDExtendedMax:
		return x86.CPUIDExtendedFeatures, 0, 0, 0
	case x86.CPUIDExtendedFeatures:
		edx := uint32(x86.CPUIDExtLM)
		if c.nx {
			edx |= x86.CPUIDExtNX
		}
		return 0, 0, 0, edx
	}
	return 0, 0, 0, 0
}

func (c *recordingCore) ReadCR(n int) uint64 { return c.cr[n] }

func (c *recordingCore) WriteCR(n int, v uint64) error {
	if err := c.record("cr%d=%#x", n, v); err != nil {
		return err
	}
	c.cr[n] = v
	return nil
}

func (c *recordingCore) ReadMSR(msr uint32) (uint64, error) { return c.efer, nil }

func (c *recordingCore) WriteMSR(msr uint32, v uint64) error {
	if err := c.record("efer=%#x", v); err != nil {
		return err
	}
	c.efer = v
	return nil
}

func (c *recordingCore) LoadGDT(base hostarch.Addr, limit uint16) error {
	return c.record("lgdt %v/%d", base, limit)
}

func (c *recordingCore) LoadSegments(cs, ds segment.Selector) error {
	return c.record("segments %#x/%#x", cs, ds)
}

func (c *recordingCore) SetStack(top hostarch.Addr) {
	c.record("rsp=%v", top)
	c.stack = top
}

func (c *recordingCore) Halt() {
	c.halted = true
}

type fixture struct {
	k       *Kernel
	entered []*recordingCore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdt, err := segment.Build(segment.Opts{})
	if err != nil {
		t.Fatalf("segment.Build failed: %v", err)
	}
	stacks, err := stacktable.New(8, 0x1000)
	if err != nil {
		t.Fatalf("stacktable.New failed: %v", err)
	}
	f := &fixture{}
	f.k = &Kernel{
		PageTableRoot: 0x9000,
		GDT:           gdt,
		GDTBase:       0x8100,
		Stacks:        stacks,
		Gate:          &gate.Gate{},
		Arrivals:      &gate.Arrivals{},
		Entry: func(c Core) {
			f.entered = append(f.entered, c.(*recordingCore))
		},
	}
	return f
}

func (f *fixture) routine(t *testing.T, opts Options) *Routine {
	t.Helper()
	opts.Logger = &log.BasicLogger{Level: log.Debug, Emitter: &log.TestEmitter{TestLogger: t}}
	r, err := NewRoutine(f.k, opts)
	if err != nil {
		t.Fatalf("NewRoutine failed: %v", err)
	}
	return r
}

func TestRunHandsOff(t *testing.T) {
	f := newFixture(t)
	if err := f.k.Stacks.Assign(2, 0x20000); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	f.k.Stacks.Seal()
	f.k.Gate.Open()

	c := &recordingCore{id: 2, nx: true}
	res := f.routine(t, Options{}).Run(c)

	wantTrace := []State{Reset, FeaturesEnabled, PagingPrimed, LongModeRequested, PagingActive, SegmentsReloaded, StackResolved, Synchronized, HandedOff}
	if diff := cmp.Diff(wantTrace, res.Trace); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
	wantOps := []string{
		"cr4=0x20",
		"efer=0x800",
		"cr3=0x9000",
		"efer=0x900",
		"cr0=0x80000001",
		"lgdt 0x8100/23",
		"segments 0x8/0x10",
		"rsp=0x20000",
	}
	if diff := cmp.Diff(wantOps, c.ops); diff != "" {
		t.Errorf("hardware operations mismatch (-want +got):\n%s", diff)
	}
	if res.State != HandedOff || res.Fault != nil || !res.NX || res.Stack != 0x20000 || res.ID != 2 {
		t.Errorf("unexpected result %+v", res)
	}
	if len(f.entered) != 1 || f.entered[0] != c || c.stack != 0x20000 {
		t.Errorf("entry point not called on the core's stack")
	}
	if got := f.k.Arrivals.Count(); got != 1 {
		t.Errorf("Arrivals = %d, want 1", got)
	}
}

func TestRunUnassignedHalts(t *testing.T) {
	f := newFixture(t)
	f.k.Stacks.Assign(1, 0x20000)
	f.k.Gate.Open()

	c := &recordingCore{id: 3, nx: true}
	res := f.routine(t, Options{}).Run(c)
	if res.State != Halted || res.Last != SegmentsReloaded {
		t.Errorf("got state %v after %v, want Halted after SegmentsReloaded", res.State, res.Last)
	}
	if !errors.Is(res.Fault, stacktable.ErrUnassigned) {
		t.Errorf("Fault = %v, want ErrUnassigned", res.Fault)
	}
	if !c.halted || len(f.entered) != 0 || c.stack != 0 {
		t.Errorf("core should halt before touching a stack or the entry point")
	}
	if got := f.k.Arrivals.Count(); got != 0 {
		t.Errorf("Arrivals = %d, want 0", got)
	}
}

func TestRunOutOfRangeHalts(t *testing.T) {
	f := newFixture(t)
	f.k.Gate.Open()
	res := f.routine(t, Options{}).Run(&recordingCore{id: 200})
	if res.State != Halted || !errors.Is(res.Fault, stacktable.ErrOutOfRange) {
		t.Errorf("got %v, %v, want Halted with ErrOutOfRange", res.State, res.Fault)
	}
}

func TestNXPolicies(t *testing.T) {
	for _, tc := range []struct {
		policy   NXPolicy
		hasNX    bool
		state    State
		nx       bool
		degraded []string
	}{
		{NXBestEffort, true, HandedOff, true, nil},
		{NXBestEffort, false, HandedOff, false, []string{DegradedNX}},
		{NXRequire, true, HandedOff, true, nil},
		{NXRequire, false, Halted, false, nil},
		{NXDisable, true, HandedOff, false, nil},
	} {
		t.Run(fmt.Sprintf("%v/nx=%t", tc.policy, tc.hasNX), func(t *testing.T) {
			f := newFixture(t)
			f.k.Stacks.Assign(0, 0x20000)
			f.k.Gate.Open()
			c := &recordingCore{nx: tc.hasNX}
			res := f.routine(t, Options{NX: tc.policy}).Run(c)
			if res.State != tc.state || res.NX != tc.nx {
				t.Errorf("got state %v nx %t, want %v %t", res.State, res.NX, tc.state, tc.nx)
			}
			if diff := cmp.Diff(tc.degraded, res.Degraded); diff != "" {
				t.Errorf("degraded mismatch (-want +got):\n%s", diff)
			}
			if got := c.efer&x86.EFER_NX != 0; got != tc.nx {
				t.Errorf("EFER.NXE = %t, want %t", got, tc.nx)
			}
			if tc.state == Halted && (res.Last != Reset || !errors.Is(res.Fault, ErrNXRequired)) {
				t.Errorf("got last %v fault %v, want Reset and ErrNXRequired", res.Last, res.Fault)
			}
		})
	}
}

func TestHardwareFaultHalts(t *testing.T) {
	for _, tc := range []struct {
		failOn string
		last   State
	}{
		{"cr4=0x20", Reset},
		{"cr3=0x9000", FeaturesEnabled},
		{"efer=0x100", PagingPrimed},
		{"cr0=0x80000001", LongModeRequested},
		{"segments 0x8/0x10", PagingActive},
	} {
		t.Run(tc.failOn, func(t *testing.T) {
			f := newFixture(t)
			f.k.Stacks.Assign(0, 0x20000)
			f.k.Gate.Open()
			c := &recordingCore{failOn: tc.failOn}
			res := f.routine(t, Options{NX: NXDisable}).Run(c)
			if res.State != Halted || res.Last != tc.last || res.Fault == nil {
				t.Errorf("got %v after %v (%v), want Halted after %v", res.State, res.Last, res.Fault, tc.last)
			}
			if !c.halted {
				t.Errorf("core not halted")
			}
		})
	}
}

func TestLazyPageTablesWaitBeforeRoot(t *testing.T) {
	f := newFixture(t)
	f.k.Stacks.Assign(0, 0x20000)
	r := f.routine(t, Options{LazyPageTables: true})

	c := &recordingCore{}
	done := make(chan Result)
	go func() { done <- r.Run(c) }()

	// The root may only be observed after the gate opens, so the
	// opener is free to change it until then.
	f.k.PageTableRoot = 0xa000
	f.k.Stacks.Seal()
	f.k.Gate.Open()

	res := <-done
	if res.State != HandedOff {
		t.Fatalf("got %v (%v), want HandedOff", res.State, res.Fault)
	}
	if c.cr[x86.CR3] != 0xa000 {
		t.Errorf("CR3 = %#x, want the root published before the gate opened", c.cr[x86.CR3])
	}
}

func TestValidate(t *testing.T) {
	f := newFixture(t)
	for name, mutate := range map[string]func(k *Kernel){
		"zero root":       func(k *Kernel) { k.PageTableRoot = 0 },
		"misaligned root": func(k *Kernel) { k.PageTableRoot = 0x9010 },
		"high root":       func(k *Kernel) { k.PageTableRoot = 1 << 32 },
		"no gdt":          func(k *Kernel) { k.GDT = nil },
		"no stacks":       func(k *Kernel) { k.Stacks = nil },
		"no gate":         func(k *Kernel) { k.Gate = nil },
		"no entry":        func(k *Kernel) { k.Entry = nil },
	} {
		k := *f.k
		mutate(&k)
		if _, err := NewRoutine(&k, Options{}); !errors.Is(err, ErrBadKernel) {
			t.Errorf("%s: NewRoutine = %v, want ErrBadKernel", name, err)
		}
	}
}

func TestStateString(t *testing.T) {
	if got := PagingPrimed.String(); got != "PagingPrimed" {
		t.Errorf("String() = %q", got)
	}
	if got := State(42).String(); got != "State(42)" {
		t.Errorf("String() = %q", got)
	}
	if !Halted.Terminal() || !HandedOff.Terminal() || Synchronized.Terminal() {
		t.Errorf("Terminal() wrong")
	}
	var p NXPolicy
	if err := p.Set("require"); err != nil || p != NXRequire {
		t.Errorf("Set(require) = %v, %v", p, err)
	}
	if err := p.Set("sometimes"); err == nil {
		t.Errorf("Set(sometimes) succeeded")
	}
}
