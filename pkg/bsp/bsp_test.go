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

package bsp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"smpboot.dev/smpboot/pkg/apic"
	"smpboot.dev/smpboot/pkg/hostarch"
	"smpboot.dev/smpboot/pkg/physmem"
	"smpboot.dev/smpboot/pkg/ring0"
	"smpboot.dev/smpboot/pkg/ring0/pagetables"
	"smpboot.dev/smpboot/pkg/segment"
	"smpboot.dev/smpboot/pkg/stacktable"
)

const memSize = 4 << 20

func newBootstrap(t *testing.T, cfg Config) (*Bootstrap, *physmem.Memory) {
	t.Helper()
	mem := physmem.New(memSize)
	alloc, err := physmem.NewFrameAllocator(mem, hostarch.AddrRange{Start: hostarch.RealModeLimit, End: memSize})
	if err != nil {
		t.Fatalf("NewFrameAllocator failed: %v", err)
	}
	if cfg.Base == 0 {
		cfg.Base = 0x8000
	}
	if cfg.MaxCPUs == 0 {
		cfg.MaxCPUs = 4
	}
	if cfg.StackSize == 0 {
		cfg.StackSize = hostarch.PageSize
	}
	cfg.Sleep = func(context.Context, time.Duration) error { return nil }
	b, err := New(mem, alloc, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return b, mem
}

func TestNewPublishesDescriptorTable(t *testing.T) {
	b, mem := newBootstrap(t, Config{})
	gdt, base := b.GDT()
	raw, err := mem.Slice(base, uint64(gdt.Size()))
	if err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	got, err := segment.Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff(gdt.Bytes(), got.Bytes()); diff != "" {
		t.Errorf("table in memory mismatch (-want +got):\n%s", diff)
	}
	if err := b.Kernel(func(ring0.Core) {}).Validate(); err != nil {
		t.Errorf("kernel state invalid: %v", err)
	}
}

func TestMapKernel(t *testing.T) {
	b, mem := newBootstrap(t, Config{})
	for _, addr := range []hostarch.Addr{0, 0x8000, hostarch.RealModeLimit, memSize - 1} {
		pa, pte, err := pagetables.Translate(mem, b.PageTableRoot(), addr)
		if err != nil {
			t.Errorf("Translate(%v) failed: %v", addr, err)
			continue
		}
		if pa != addr || !pte.Writable() || pte.NoExecute() {
			t.Errorf("Translate(%v) = %v, %#x", addr, pa, uint64(pte))
		}
	}
}

func TestLazyPageTables(t *testing.T) {
	b, mem := newBootstrap(t, Config{LazyPageTables: true})
	if _, _, err := pagetables.Translate(mem, b.PageTableRoot(), 0x8000); !errors.Is(err, pagetables.ErrNotMapped) {
		t.Errorf("lazy tables populated early: %v", err)
	}
	if err := b.Release(); err == nil {
		t.Errorf("Release succeeded before MapKernel")
	}
	if err := b.MapKernel(); err != nil {
		t.Fatalf("MapKernel failed: %v", err)
	}
	if err := b.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := b.Release(); !errors.Is(err, ErrReleased) {
		t.Errorf("second Release = %v, want ErrReleased", err)
	}
}

func TestAssignStacks(t *testing.T) {
	b, _ := newBootstrap(t, Config{StackSize: 100})
	if got := b.Stacks().StackSize(); got != hostarch.PageSize {
		t.Errorf("stack size = %#x, want one page", got)
	}
	if err := b.AssignStacks([]uint32{0, 2}); err != nil {
		t.Fatalf("AssignStacks failed: %v", err)
	}
	if diff := cmp.Diff([]uint32{0, 2}, b.Stacks().Assigned()); diff != "" {
		t.Errorf("assigned mismatch (-want +got):\n%s", diff)
	}
	if err := b.AssignStacks([]uint32{2}); !errors.Is(err, stacktable.ErrAlreadyAssigned) {
		t.Errorf("second assignment = %v, want ErrAlreadyAssigned", err)
	}
	if err := b.AssignStacks([]uint32{4}); !errors.Is(err, stacktable.ErrOutOfRange) {
		t.Errorf("assignment beyond capacity = %v, want ErrOutOfRange", err)
	}
	if err := b.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if !b.Stacks().Sealed() || !b.Gate().IsOpen() {
		t.Errorf("Release did not seal and open")
	}
	if err := b.AssignStacks([]uint32{1}); !errors.Is(err, ErrReleased) {
		t.Errorf("assignment after release = %v, want ErrReleased", err)
	}
}

type sent struct {
	icrs []apic.ICR
}

func (s *sent) Send(icr apic.ICR) error {
	s.icrs = append(s.icrs, icr)
	return nil
}

func TestWake(t *testing.T) {
	b, _ := newBootstrap(t, Config{})
	s := &sent{}
	if err := b.Wake(context.Background(), s, []uint32{1, 3}); err != nil {
		t.Fatalf("Wake failed: %v", err)
	}
	if len(s.icrs) != 6 {
		t.Fatalf("sent %d commands, want 6", len(s.icrs))
	}
	for i, icr := range s.icrs {
		want := uint8(1)
		if i >= 3 {
			want = 3
		}
		if icr.Destination() != want {
			t.Errorf("command %d to %d, want %d", i, icr.Destination(), want)
		}
		if i%3 != 0 && icr.StartAddress() != 0x8000 {
			t.Errorf("command %d starts at %v", i, icr.StartAddress())
		}
	}
	if diff := cmp.Diff([]uint32{1, 3}, b.Woken()); diff != "" {
		t.Errorf("woken mismatch (-want +got):\n%s", diff)
	}
	if err := b.Wake(context.Background(), s, []uint32{300}); err == nil {
		t.Errorf("Wake accepted a 9-bit APIC ID")
	}
}

func TestAwaitArrivalsTimeout(t *testing.T) {
	b, _ := newBootstrap(t, Config{ProgressInterval: 4 * time.Millisecond})
	b.Arrivals().Arrive()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.AwaitArrivals(ctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("AwaitArrivals = %v, want deadline exceeded", err)
	}
	if err := b.AwaitArrivals(context.Background(), 1); err != nil {
		t.Errorf("AwaitArrivals(1) = %v", err)
	}
}

func TestAwaitArrivalsShortInterval(t *testing.T) {
	b, _ := newBootstrap(t, Config{ProgressInterval: time.Nanosecond})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.AwaitArrivals(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("AwaitArrivals = %v, want deadline exceeded", err)
	}
}

func TestNewNegativeProgressInterval(t *testing.T) {
	mem := physmem.New(memSize)
	alloc, err := physmem.NewFrameAllocator(mem, hostarch.AddrRange{Start: hostarch.RealModeLimit, End: memSize})
	if err != nil {
		t.Fatalf("NewFrameAllocator failed: %v", err)
	}
	cfg := Config{Base: 0x8000, MaxCPUs: 4, StackSize: hostarch.PageSize, ProgressInterval: -time.Second}
	if _, err := New(mem, alloc, cfg); err == nil {
		t.Errorf("New accepted a negative progress interval")
	}
}
