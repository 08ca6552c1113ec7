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

//go:build linux && amd64
// +build linux,amd64

package kvm

import (
	"context"
	"fmt"

	"smpboot.dev/smpboot/pkg/bsp"
	"smpboot.dev/smpboot/pkg/gate"
	"smpboot.dev/smpboot/pkg/hostarch"
	"smpboot.dev/smpboot/pkg/log"
	"smpboot.dev/smpboot/pkg/physmem"
	"smpboot.dev/smpboot/pkg/ring0"
	"smpboot.dev/smpboot/pkg/trampoline"
	"smpboot.dev/smpboot/pkg/x86"
)

// entryStub is the kernel entry point used by the harness: it halts so that
// the stack pointer can be read back.
var entryStub = []byte{
	0xf4,       // hlt
	0xeb, 0xfd, // jmp hlt
}

// Config configures Boot.
type Config struct {
	// MemorySize is the size of guest memory.
	MemorySize uint64

	// Base is where the routine is installed.
	Base hostarch.Addr

	// IDs are the APIC IDs of the vCPUs to start.
	IDs []uint32

	// Assign lists the IDs that receive a stack. Defaults to IDs.
	Assign []uint32

	// MaxCPUs is the stack table capacity.
	MaxCPUs int

	// StackSize is the per-core stack size.
	StackSize uint64

	// NX and LazyPageTables are passed to the routine.
	NX             ring0.NXPolicy
	LazyPageTables bool
}

// Result is the outcome for one vCPU.
type Result struct {
	ID uint32

	// State is HandedOff if the vCPU halted in the entry point and Halted
	// otherwise.
	State ring0.State

	// Stack is the stack top the vCPU entered the kernel on.
	Stack hostarch.Addr

	// LongMode and NX report EFER.LMA and EFER.NXE at exit.
	LongMode bool
	NX       bool

	// Exit is the raw vCPU state.
	Exit Exit
}

// Boot builds the routine for cfg, starts one vCPU per ID and runs the
// bootstrap processor side until every vCPU has stopped.
//
// A vCPU that never stops blocks Boot: KVM_RUN is not interrupted.
func Boot(ctx context.Context, cfg Config) ([]Result, error) {
	if cfg.Assign == nil {
		cfg.Assign = cfg.IDs
	}
	m, err := NewMachine(cfg.MemorySize, cfg.IDs)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	mem := m.Memory()
	alloc, err := physmem.NewFrameAllocator(mem, hostarch.AddrRange{Start: hostarch.RealModeLimit, End: hostarch.Addr(mem.Size())})
	if err != nil {
		return nil, err
	}
	b, err := bsp.New(mem, alloc, bsp.Config{
		Base:           cfg.Base,
		MaxCPUs:        cfg.MaxCPUs,
		StackSize:      cfg.StackSize,
		LazyPageTables: cfg.LazyPageTables,
	})
	if err != nil {
		return nil, err
	}
	entry, err := alloc.Alloc(1)
	if err != nil {
		return nil, err
	}
	if err := mem.Write(entry, entryStub); err != nil {
		return nil, err
	}
	tableSize := uint64(b.Stacks().Size())
	table, err := alloc.Alloc((tableSize + hostarch.PageSize - 1) / hostarch.PageSize)
	if err != nil {
		return nil, err
	}

	gdt, _ := b.GDT()
	img, err := trampoline.Build(trampoline.Config{
		Base:           cfg.Base,
		MaxCPUs:        cfg.MaxCPUs,
		NX:             cfg.NX,
		LazyPageTables: cfg.LazyPageTables,
		GDT:            gdt,
	})
	if err != nil {
		return nil, err
	}
	for f, v := range map[trampoline.Field]uint64{
		trampoline.FieldPageTableRoot: uint64(b.PageTableRoot()),
		trampoline.FieldStackTable:    uint64(table),
		trampoline.FieldEntry:         uint64(entry),
	} {
		if err := img.Patch(f, v); err != nil {
			return nil, err
		}
	}
	if err := img.Install(mem); err != nil {
		return nil, err
	}

	// Cores spin on the gate word, so it is always opened: on failure they
	// run into the halt loop instead of spinning forever. They must stop
	// before the machine is closed.
	opened := false
	open := func() {
		if !opened {
			opened = true
			if err := mem.StoreUint32(img.GateAddr(), gate.Opened); err != nil {
				panic(fmt.Sprintf("gate word outside memory: %v", err))
			}
		}
	}
	defer func() {
		open()
		m.Wait()
	}()

	if err := b.Wake(ctx, m, cfg.IDs); err != nil {
		return nil, err
	}
	if err := b.MapKernel(); err != nil {
		return nil, err
	}
	if err := b.AssignStacks(cfg.Assign); err != nil {
		return nil, err
	}
	if err := mem.Write(table, b.Stacks().Encode()); err != nil {
		return nil, err
	}
	if err := b.Release(); err != nil {
		return nil, err
	}
	open()

	exits, err := m.Wait()
	if err != nil {
		return nil, err
	}
	arrived, err := mem.LoadUint32(img.ArrivalsAddr())
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(exits))
	handedOff := 0
	for _, e := range exits {
		r := Result{
			ID:       e.ID,
			State:    ring0.Halted,
			LongMode: e.LongMode(),
			NX:       e.EFER&x86.EFER_NX != 0,
			Exit:     e,
		}
		// RIP points past the HLT.
		if e.Halted() && hostarch.Addr(e.RIP-1) == entry {
			r.State = ring0.HandedOff
			// The call pushed the return address.
			r.Stack = hostarch.Addr(e.RSP + 8)
			handedOff++
		}
		log.Infof("%v: %v", e, r.State)
		results = append(results, r)
	}
	if int(arrived) != handedOff {
		return results, fmt.Errorf("%d vCPUs arrived but %d reached the entry point", arrived, handedOff)
	}
	return results, nil
}

// DefaultConfig is a small machine with four cores.
func DefaultConfig() Config {
	return Config{
		MemorySize: 16 << 20,
		Base:       0x8000,
		IDs:        []uint32{0, 1, 2, 3},
		MaxCPUs:    8,
		StackSize:  4 * hostarch.PageSize,
	}
}
