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

package sim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"smpboot.dev/smpboot/pkg/apic"
	"smpboot.dev/smpboot/pkg/bsp"
	"smpboot.dev/smpboot/pkg/hostarch"
	"smpboot.dev/smpboot/pkg/log"
	"smpboot.dev/smpboot/pkg/physmem"
	"smpboot.dev/smpboot/pkg/ring0"
	"smpboot.dev/smpboot/pkg/ring0/pagetables"
	"smpboot.dev/smpboot/pkg/segment"
	"smpboot.dev/smpboot/pkg/x86"
)

const (
	base    = hostarch.Addr(0x8000)
	memSize = 8 << 20
)

func noSleep(context.Context, time.Duration) error { return nil }

// arrival is what the entry point observes.
type arrival struct {
	Mode  Mode
	Stack hostarch.Addr
	EFER  uint64
	CS    segment.Selector
	DS    segment.Selector
}

type harness struct {
	mem *physmem.Memory
	b   *bsp.Bootstrap
	m   *Machine

	mu       sync.Mutex
	arrivals map[uint32]arrival
}

func (h *harness) entry(c ring0.Core) {
	sc := c.(*Core)
	cs, ds := sc.Selectors()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.arrivals[sc.ID()] = arrival{Mode: sc.Mode(), Stack: sc.StackPointer(), EFER: sc.EFER(), CS: cs, DS: ds}
}

func newHarness(t *testing.T, bcfg bsp.Config, opts ring0.Options, mcfg Config) *harness {
	t.Helper()
	mem := physmem.New(memSize)
	alloc, err := physmem.NewFrameAllocator(mem, hostarch.AddrRange{Start: hostarch.RealModeLimit, End: memSize})
	if err != nil {
		t.Fatalf("NewFrameAllocator failed: %v", err)
	}
	bcfg.Base = base
	bcfg.Sleep = noSleep
	if bcfg.MaxCPUs == 0 {
		bcfg.MaxCPUs = 8
	}
	if bcfg.StackSize == 0 {
		bcfg.StackSize = 2 * hostarch.PageSize
	}
	b, err := bsp.New(mem, alloc, bcfg)
	if err != nil {
		t.Fatalf("bsp.New failed: %v", err)
	}
	h := &harness{mem: mem, b: b, arrivals: make(map[uint32]arrival)}
	opts.Logger = &log.BasicLogger{Level: log.Debug, Emitter: &log.TestEmitter{TestLogger: t}}
	rt, err := ring0.NewRoutine(b.Kernel(h.entry), opts)
	if err != nil {
		t.Fatalf("NewRoutine failed: %v", err)
	}
	mcfg.Base = base
	if mcfg.Features == (Features{}) {
		mcfg.Features = DefaultFeatures
	}
	m, err := NewMachine(mem, rt, mcfg)
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	h.m = m
	return h
}

// boot wakes ids, assigns stacks to assign and releases the cores.
func (h *harness) boot(t *testing.T, ids, assign []uint32) []ring0.Result {
	t.Helper()
	ctx := context.Background()
	if err := h.b.Wake(ctx, h.m, ids); err != nil {
		t.Fatalf("Wake failed: %v", err)
	}
	if err := h.b.MapKernel(); err != nil {
		t.Fatalf("MapKernel failed: %v", err)
	}
	if err := h.b.AssignStacks(assign); err != nil {
		t.Fatalf("AssignStacks failed: %v", err)
	}
	if err := h.b.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	results, err := h.m.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	return results
}

var fullTrace = []ring0.State{
	ring0.Reset,
	ring0.FeaturesEnabled,
	ring0.PagingPrimed,
	ring0.LongModeRequested,
	ring0.PagingActive,
	ring0.SegmentsReloaded,
	ring0.StackResolved,
	ring0.Synchronized,
	ring0.HandedOff,
}

func TestBootFourCores(t *testing.T) {
	for _, lazy := range []bool{false, true} {
		t.Run(map[bool]string{false: "eager", true: "lazy"}[lazy], func(t *testing.T) {
			ids := []uint32{0, 1, 2, 3}
			h := newHarness(t, bsp.Config{LazyPageTables: lazy}, ring0.Options{LazyPageTables: lazy}, Config{IDs: ids})
			results := h.boot(t, ids, ids)

			if len(results) != len(ids) {
				t.Fatalf("got %d results, want %d", len(results), len(ids))
			}
			seen := make(map[hostarch.Addr]uint32)
			for i, res := range results {
				if res.ID != ids[i] || res.State != ring0.HandedOff || res.Fault != nil {
					t.Errorf("core %d: got %+v", ids[i], res)
				}
				if diff := cmp.Diff(fullTrace, res.Trace); diff != "" {
					t.Errorf("core %d trace mismatch (-want +got):\n%s", res.ID, diff)
				}
				want, err := h.b.Stacks().Resolve(res.ID)
				if err != nil || res.Stack != want {
					t.Errorf("core %d on stack %v, want %v (%v)", res.ID, res.Stack, want, err)
				}
				if other, ok := seen[res.Stack]; ok {
					t.Errorf("cores %d and %d share stack %v", other, res.ID, res.Stack)
				}
				seen[res.Stack] = res.ID
				if !h.m.Core(res.ID).Halted() {
					t.Errorf("core %d did not halt after its entry returned", res.ID)
				}
			}
			if got := h.b.Arrivals().Count(); got != uint32(len(ids)) {
				t.Errorf("arrivals = %d, want %d", got, len(ids))
			}
			for id, a := range h.arrivals {
				want := arrival{
					Mode:  LongMode,
					Stack: results[id].Stack,
					EFER:  x86.EFER_LME | x86.EFER_LMA | x86.EFER_NX,
					CS:    segment.Kcode,
					DS:    segment.Kdata,
				}
				if diff := cmp.Diff(want, a); diff != "" {
					t.Errorf("core %d at entry (-want +got):\n%s", id, diff)
				}
			}
		})
	}
}

func TestAwaitArrivals(t *testing.T) {
	ids := []uint32{1, 2}
	h := newHarness(t, bsp.Config{ProgressInterval: 10 * time.Millisecond}, ring0.Options{}, Config{IDs: ids})
	h.boot(t, ids, ids)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.b.AwaitArrivals(ctx, len(ids)); err != nil {
		t.Errorf("AwaitArrivals failed: %v", err)
	}
	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := h.b.AwaitArrivals(short, len(ids)+1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("AwaitArrivals for a missing core = %v, want deadline exceeded", err)
	}
}

func TestUnassignedCoreHalts(t *testing.T) {
	h := newHarness(t, bsp.Config{MaxCPUs: 4}, ring0.Options{}, Config{IDs: []uint32{0, 1, 2, 3}})
	results := h.boot(t, []uint32{0, 1, 2, 3}, []uint32{0, 1, 3})

	got := results[2]
	if got.ID != 2 || got.State != ring0.Halted || got.Last != ring0.SegmentsReloaded {
		t.Errorf("unassigned core: got %+v", got)
	}
	if got.Stack != 0 {
		t.Errorf("unassigned core switched to stack %v", got.Stack)
	}
	for _, i := range []int{0, 1, 3} {
		if results[i].State != ring0.HandedOff {
			t.Errorf("core %d: got %v, want HandedOff", results[i].ID, results[i].State)
		}
	}
	if n := h.b.Arrivals().Count(); n != 3 {
		t.Errorf("arrivals = %d, want 3", n)
	}
}

func TestOutOfRangeCoreHalts(t *testing.T) {
	h := newHarness(t, bsp.Config{MaxCPUs: 4}, ring0.Options{}, Config{IDs: []uint32{1, 9}})
	results := h.boot(t, []uint32{1, 9}, []uint32{1})
	if results[1].ID != 9 || results[1].State != ring0.Halted || results[1].Last != ring0.SegmentsReloaded {
		t.Errorf("core 9: got %+v", results[1])
	}
	if results[0].State != ring0.HandedOff {
		t.Errorf("core 1: got %+v", results[0])
	}
}

func TestNXPolicies(t *testing.T) {
	noNX := Features{LongMode: true}
	for _, tc := range []struct {
		name     string
		policy   ring0.NXPolicy
		features Features
		state    ring0.State
		efer     uint64
		degraded []string
	}{
		{"best-effort", ring0.NXBestEffort, DefaultFeatures, ring0.HandedOff, x86.EFER_NX, nil},
		{"best-effort without nx", ring0.NXBestEffort, noNX, ring0.HandedOff, 0, []string{ring0.DegradedNX}},
		{"best-effort without extended leaves", ring0.NXBestEffort, Features{LongMode: true, NX: true, NoExtendedLeaves: true}, ring0.HandedOff, 0, []string{ring0.DegradedNX}},
		{"require", ring0.NXRequire, DefaultFeatures, ring0.HandedOff, x86.EFER_NX, nil},
		{"require without nx", ring0.NXRequire, noNX, ring0.Halted, 0, nil},
		{"disable", ring0.NXDisable, DefaultFeatures, ring0.HandedOff, 0, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, bsp.Config{}, ring0.Options{NX: tc.policy}, Config{IDs: []uint32{1}, Features: tc.features})
			res := h.boot(t, []uint32{1}, []uint32{1})[0]
			if res.State != tc.state {
				t.Fatalf("got %v (%v), want %v", res.State, res.Fault, tc.state)
			}
			if diff := cmp.Diff(tc.degraded, res.Degraded); diff != "" {
				t.Errorf("degraded mismatch (-want +got):\n%s", diff)
			}
			if got := h.m.Core(1).EFER() & x86.EFER_NX; got != tc.efer {
				t.Errorf("EFER.NXE = %#x, want %#x", got, tc.efer)
			}
			if tc.state == ring0.Halted && !errors.Is(res.Fault, ring0.ErrNXRequired) {
				t.Errorf("fault = %v, want ErrNXRequired", res.Fault)
			}
		})
	}
}

func TestNoLongModeHalts(t *testing.T) {
	h := newHarness(t, bsp.Config{}, ring0.Options{NX: ring0.NXDisable}, Config{IDs: []uint32{1}, Features: Features{NX: true}})
	res := h.boot(t, []uint32{1}, []uint32{1})[0]
	if res.State != ring0.Halted || res.Last != ring0.PagingPrimed || !errors.Is(res.Fault, ErrGeneralProtection) {
		t.Errorf("got %+v, want #GP after PagingPrimed", res)
	}
	if m := h.m.Core(1).Mode(); m != RealMode {
		t.Errorf("mode = %v, want real", m)
	}
}

// TestEagerRoutineLazyTables starts cores that do not wait for the page
// tables while the tables are still empty.
func TestEagerRoutineLazyTables(t *testing.T) {
	ids := []uint32{0, 1}
	h := newHarness(t, bsp.Config{LazyPageTables: true}, ring0.Options{}, Config{IDs: ids})
	if err := h.b.Wake(context.Background(), h.m, ids); err != nil {
		t.Fatalf("Wake failed: %v", err)
	}
	results, err := h.m.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	for _, res := range results {
		if res.State != ring0.Halted || res.Last != ring0.LongModeRequested || !errors.Is(res.Fault, ErrPageFault) {
			t.Errorf("core %d: got %+v, want page fault enabling paging", res.ID, res)
		}
	}
	if h.b.Arrivals().Count() != 0 {
		t.Errorf("faulted cores arrived")
	}
}

func TestNoExecuteMapping(t *testing.T) {
	for _, tc := range []struct {
		name     string
		features Features
		policy   ring0.NXPolicy
	}{
		{"reserved without nxe", Features{LongMode: true}, ring0.NXBestEffort},
		{"disabled nxe", DefaultFeatures, ring0.NXDisable},
		{"enforced", DefaultFeatures, ring0.NXBestEffort},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mem := physmem.New(memSize)
			alloc, err := physmem.NewFrameAllocator(mem, hostarch.AddrRange{Start: hostarch.RealModeLimit, End: memSize})
			if err != nil {
				t.Fatalf("NewFrameAllocator failed: %v", err)
			}
			pt, err := pagetables.New(mem, alloc)
			if err != nil {
				t.Fatalf("pagetables.New failed: %v", err)
			}
			if err := pt.MapIdentity(0, memSize, pagetables.MapOpts{Writable: true, NoExecute: true}); err != nil {
				t.Fatalf("MapIdentity failed: %v", err)
			}
			c := NewCore(1, tc.features, mem, base)
			if tc.policy != ring0.NXDisable && tc.features.NX {
				if err := c.WriteMSR(x86.MSR_EFER, x86.EFER_NX); err != nil {
					t.Fatalf("enabling NXE: %v", err)
				}
			}
			for _, step := range []func() error{
				func() error { return c.WriteCR(x86.CR4, x86.CR4_PAE) },
				func() error { return c.WriteCR(x86.CR3, pt.CR3()) },
				func() error { return c.WriteMSR(x86.MSR_EFER, c.EFER()|x86.EFER_LME) },
			} {
				if err := step(); err != nil {
					t.Fatalf("setup failed: %v", err)
				}
			}
			if err := c.WriteCR(x86.CR0, x86.CR0_PE|x86.CR0_PG); !errors.Is(err, ErrPageFault) {
				t.Errorf("enabling paging = %v, want page fault", err)
			}
		})
	}
}

func TestCoreFaults(t *testing.T) {
	mem := physmem.New(memSize)
	gdt, err := segment.Build(segment.Opts{})
	if err != nil {
		t.Fatalf("segment.Build failed: %v", err)
	}
	const gdtBase = 0x2000
	if err := mem.Write(gdtBase, gdt.Bytes()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	for _, tc := range []struct {
		name  string
		steps func(c *Core) error
	}{
		{"paging without protection", func(c *Core) error {
			return c.WriteCR(x86.CR0, x86.CR0_PG)
		}},
		{"long mode without PAE", func(c *Core) error {
			if err := c.WriteMSR(x86.MSR_EFER, x86.EFER_LME); err != nil {
				return nil
			}
			return c.WriteCR(x86.CR0, x86.CR0_PE|x86.CR0_PG)
		}},
		{"root above 4GB", func(c *Core) error {
			return c.WriteCR(x86.CR3, 1<<32)
		}},
		{"misaligned root", func(c *Core) error {
			return c.WriteCR(x86.CR3, 0x1008)
		}},
		{"root outside memory", func(c *Core) error {
			return c.WriteCR(x86.CR3, memSize)
		}},
		{"unknown MSR", func(c *Core) error {
			_, err := c.ReadMSR(0xc0000081)
			return err
		}},
		{"segments outside long mode", func(c *Core) error {
			if err := c.LoadGDT(gdtBase, gdt.Limit()); err != nil {
				return nil
			}
			return c.LoadSegments(segment.Kcode, segment.Kdata)
		}},
		{"descriptor table outside memory", func(c *Core) error {
			return c.LoadGDT(memSize-8, 15)
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := NewCore(0, DefaultFeatures, mem, base)
			if err := tc.steps(c); !errors.Is(err, ErrGeneralProtection) {
				t.Errorf("got %v, want general protection fault", err)
			}
		})
	}
}

func TestLoadSegmentsChecksDescriptors(t *testing.T) {
	h := newHarness(t, bsp.Config{}, ring0.Options{}, Config{IDs: []uint32{0}})
	gdt, gdtBase := h.b.GDT()
	c := NewCore(0, DefaultFeatures, h.mem, base)
	for _, step := range []func() error{
		func() error { return c.WriteCR(x86.CR4, x86.CR4_PAE) },
		func() error { return c.WriteCR(x86.CR3, h.b.PageTables().CR3()) },
		func() error { return c.WriteMSR(x86.MSR_EFER, x86.EFER_LME) },
		func() error { return c.WriteCR(x86.CR0, x86.CR0_PE|x86.CR0_PG) },
		func() error { return c.LoadGDT(gdtBase, gdt.Limit()) },
	} {
		if err := step(); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}
	if m := c.Mode(); m != CompatibilityMode {
		t.Errorf("mode before far jump = %v, want compatibility", m)
	}
	for _, tc := range []struct {
		name   string
		cs, ds segment.Selector
	}{
		{"swapped", segment.Kdata, segment.Kcode},
		{"null code", segment.Null, segment.Kdata},
		{"beyond limit", segment.Tss, segment.Kdata},
		{"user privilege", segment.Kcode | 3, segment.Kdata},
	} {
		if err := c.LoadSegments(tc.cs, tc.ds); !errors.Is(err, ErrGeneralProtection) {
			t.Errorf("%s: LoadSegments(%#x, %#x) = %v, want #GP", tc.name, tc.cs, tc.ds, err)
		}
	}
	if err := c.LoadSegments(segment.Kcode, segment.Kdata); err != nil {
		t.Fatalf("LoadSegments failed: %v", err)
	}
	if m := c.Mode(); m != LongMode {
		t.Errorf("mode = %v, want long", m)
	}
	if err := c.WriteCR(x86.CR4, 0); !errors.Is(err, ErrGeneralProtection) {
		t.Errorf("clearing PAE in long mode = %v, want #GP", err)
	}
	if err := c.WriteMSR(x86.MSR_EFER, 0); !errors.Is(err, ErrGeneralProtection) {
		t.Errorf("clearing LME with paging on = %v, want #GP", err)
	}
}

func TestSend(t *testing.T) {
	h := newHarness(t, bsp.Config{}, ring0.Options{}, Config{IDs: []uint32{1}})
	if err := h.m.Send(apic.Init(5)); !errors.Is(err, ErrNoSuchCore) {
		t.Errorf("INIT to an absent core = %v, want ErrNoSuchCore", err)
	}
	sipi, err := apic.StartupAt(1, base)
	if err != nil {
		t.Fatalf("StartupAt failed: %v", err)
	}
	// A startup interrupt before INIT is ignored.
	if err := h.m.Send(sipi); err != nil {
		t.Errorf("early SIPI = %v", err)
	}
	if err := h.m.Send(apic.Init(1)); err != nil {
		t.Fatalf("INIT failed: %v", err)
	}
	wrong, err := apic.StartupAt(1, base+hostarch.PageSize)
	if err != nil {
		t.Fatalf("StartupAt failed: %v", err)
	}
	if err := h.m.Send(wrong); !errors.Is(err, ErrWrongVector) {
		t.Errorf("SIPI to the wrong page = %v, want ErrWrongVector", err)
	}
	if err := h.m.Send(apic.ICR(apic.NMI) << 8); err == nil {
		t.Errorf("NMI was accepted")
	}
	results := h.boot(t, []uint32{1}, []uint32{1})
	if len(results) != 1 || results[0].State != ring0.HandedOff {
		t.Errorf("got %+v, want a single hand-off", results)
	}
}

func TestNewMachineRejectsDuplicates(t *testing.T) {
	mem := physmem.New(memSize)
	if _, err := NewMachine(mem, nil, Config{IDs: []uint32{1, 1}}); err == nil {
		t.Errorf("duplicate IDs accepted")
	}
	if _, err := NewMachine(mem, nil, Config{IDs: []uint32{256}}); err == nil {
		t.Errorf("wide ID accepted")
	}
}
