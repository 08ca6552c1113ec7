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

// Package bsp is the bootstrap processor side of secondary-core bring-up.
//
// The bootstrap processor prepares everything the cores consume, wakes them,
// assigns their stacks, publishes the stack table by opening the gate and
// finally waits until every core has arrived on its own stack:
//
//	b, _ := bsp.New(mem, alloc, cfg)
//	b.MapKernel()
//	b.Wake(ctx, sender, ids)
//	b.AssignStacks(ids)
//	b.Release()
//	b.AwaitArrivals(ctx, len(ids))
//
// Waking before assigning stacks is legal: cores spin on the gate before
// they touch the stack table.
package bsp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smpboot.dev/smpboot/pkg/apic"
	"smpboot.dev/smpboot/pkg/gate"
	"smpboot.dev/smpboot/pkg/hostarch"
	"smpboot.dev/smpboot/pkg/log"
	"smpboot.dev/smpboot/pkg/physmem"
	"smpboot.dev/smpboot/pkg/ring0"
	"smpboot.dev/smpboot/pkg/ring0/pagetables"
	"smpboot.dev/smpboot/pkg/segment"
	"smpboot.dev/smpboot/pkg/stacktable"
)

// ErrReleased is returned for preparation steps after Release.
var ErrReleased = errors.New("cores already released")

// Config configures the bootstrap processor.
type Config struct {
	// Base is the address of the mode transition routine.
	Base hostarch.Addr

	// MaxCPUs is the capacity of the stack table.
	MaxCPUs int

	// StackSize is the size of every secondary stack. It is rounded up to
	// whole pages.
	StackSize uint64

	// LazyPageTables defers MapKernel until after the cores were woken.
	LazyPageTables bool

	// Sleep overrides the delays of the wake sequence.
	Sleep func(ctx context.Context, d time.Duration) error

	// ProgressInterval bounds how often AwaitArrivals reports progress.
	// Defaults to one second.
	ProgressInterval time.Duration
}

// Bootstrap holds the state shared with secondary cores.
type Bootstrap struct {
	cfg   Config
	mem   *physmem.Memory
	alloc *physmem.FrameAllocator

	gdt     *segment.Table
	gdtBase hostarch.Addr
	pt      *pagetables.PageTables
	stacks  *stacktable.Table

	gate     gate.Gate
	arrivals gate.Arrivals

	mapped bool
	woken  []uint32
}

// New builds the descriptor table, allocates the page table root and an
// empty stack table. Page tables are populated immediately unless
// cfg.LazyPageTables is set.
func New(mem *physmem.Memory, alloc *physmem.FrameAllocator, cfg Config) (*Bootstrap, error) {
	switch {
	case cfg.ProgressInterval < 0:
		return nil, fmt.Errorf("invalid progress interval %v", cfg.ProgressInterval)
	case cfg.ProgressInterval == 0:
		cfg.ProgressInterval = time.Second
	}
	size, ok := hostarch.Addr(cfg.StackSize).RoundUp()
	if !ok || size == 0 {
		return nil, fmt.Errorf("invalid stack size %#x", cfg.StackSize)
	}
	cfg.StackSize = uint64(size)

	gdt, err := segment.Build(segment.Opts{})
	if err != nil {
		return nil, err
	}
	gdtBase, err := alloc.Alloc(1)
	if err != nil {
		return nil, fmt.Errorf("allocating descriptor table: %w", err)
	}
	if gdtBase >= hostarch.ProtectedModeLimit {
		return nil, fmt.Errorf("descriptor table at %v above 4GB", gdtBase)
	}
	if err := mem.Write(gdtBase, gdt.Bytes()); err != nil {
		return nil, err
	}
	pt, err := pagetables.New(mem, alloc)
	if err != nil {
		return nil, err
	}
	stacks, err := stacktable.New(cfg.MaxCPUs, cfg.StackSize)
	if err != nil {
		return nil, err
	}
	b := &Bootstrap{
		cfg:     cfg,
		mem:     mem,
		alloc:   alloc,
		gdt:     gdt,
		gdtBase: gdtBase,
		pt:      pt,
		stacks:  stacks,
	}
	if !cfg.LazyPageTables {
		if err := b.MapKernel(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// MapKernel identity-maps all of physical memory, writable and executable.
// It is called once; with lazy page tables it must run before Release.
func (b *Bootstrap) MapKernel() error {
	if b.mapped {
		return nil
	}
	if b.gate.IsOpen() {
		return fmt.Errorf("mapping kernel: %w", ErrReleased)
	}
	if err := b.pt.MapIdentity(0, hostarch.Addr(b.mem.Size()), pagetables.MapOpts{Writable: true}); err != nil {
		return fmt.Errorf("mapping kernel: %w", err)
	}
	b.mapped = true
	return nil
}

// PageTableRoot returns the root loaded by secondary cores.
func (b *Bootstrap) PageTableRoot() hostarch.Addr {
	return b.pt.Root()
}

// PageTables returns the page tables rooted at PageTableRoot.
func (b *Bootstrap) PageTables() *pagetables.PageTables {
	return b.pt
}

// GDT returns the descriptor table and its physical address.
func (b *Bootstrap) GDT() (*segment.Table, hostarch.Addr) {
	return b.gdt, b.gdtBase
}

// Stacks returns the stack table.
func (b *Bootstrap) Stacks() *stacktable.Table {
	return b.stacks
}

// Arrivals returns the arrival counter.
func (b *Bootstrap) Arrivals() *gate.Arrivals {
	return &b.arrivals
}

// Gate returns the synchronization gate.
func (b *Bootstrap) Gate() *gate.Gate {
	return &b.gate
}

// Kernel returns the state secondary cores consume, handing off to entry.
func (b *Bootstrap) Kernel(entry ring0.Entry) *ring0.Kernel {
	return &ring0.Kernel{
		PageTableRoot: b.pt.Root(),
		GDT:           b.gdt,
		GDTBase:       b.gdtBase,
		Stacks:        b.stacks,
		Gate:          &b.gate,
		Arrivals:      &b.arrivals,
		Entry:         entry,
	}
}

// AssignStacks allocates a stack for each id and records its top.
func (b *Bootstrap) AssignStacks(ids []uint32) error {
	if b.gate.IsOpen() {
		return fmt.Errorf("assigning stacks: %w", ErrReleased)
	}
	for _, id := range ids {
		base, err := b.alloc.Alloc(b.cfg.StackSize / hostarch.PageSize)
		if err != nil {
			return fmt.Errorf("allocating stack for processor %d: %w", id, err)
		}
		top := base + hostarch.Addr(b.cfg.StackSize)
		if err := b.stacks.Assign(id, top); err != nil {
			return err
		}
		log.Debugf("processor %d: stack %v", id, hostarch.AddrRange{Start: base, End: top})
	}
	return nil
}

// Wake sends the startup sequence to each id in turn.
func (b *Bootstrap) Wake(ctx context.Context, s apic.Sender, ids []uint32) error {
	w := apic.Waker{Sender: s, Sleep: b.cfg.Sleep}
	for _, id := range ids {
		if id > 0xff {
			return fmt.Errorf("processor %d has no 8-bit APIC ID", id)
		}
		if err := w.Wake(ctx, uint8(id), b.cfg.Base); err != nil {
			return fmt.Errorf("waking processor %d: %w", id, err)
		}
		b.woken = append(b.woken, id)
	}
	return nil
}

// Woken returns the processors that were sent the startup sequence.
func (b *Bootstrap) Woken() []uint32 {
	return b.woken
}

// Release seals the stack table and opens the gate. Every write made before
// Release is visible to cores that pass the gate.
func (b *Bootstrap) Release() error {
	if b.gate.IsOpen() {
		return fmt.Errorf("releasing: %w", ErrReleased)
	}
	if !b.mapped {
		return fmt.Errorf("releasing cores before MapKernel")
	}
	b.stacks.Seal()
	b.gate.Open()
	log.Infof("released %d processors", len(b.stacks.Assigned()))
	return nil
}

// minPoll is the shortest wait between progress reports in AwaitArrivals.
const minPoll = time.Millisecond

// AwaitArrivals waits until n cores arrived on their stacks or ctx is done.
func (b *Bootstrap) AwaitArrivals(ctx context.Context, n int) error {
	progress := log.BasicRateLimitedLogger(b.cfg.ProgressInterval)
	poll := b.cfg.ProgressInterval / 4
	if poll < minPoll {
		poll = minPoll
	}
	start := time.Now()
	for {
		wctx, cancel := context.WithTimeout(ctx, poll)
		err := b.arrivals.WaitFor(wctx, uint32(n))
		cancel()
		switch {
		case err == nil:
			log.Infof("%d processors arrived after %v", n, time.Since(start))
			return nil
		case ctx.Err() != nil:
			return fmt.Errorf("%d of %d processors arrived: %w", b.arrivals.Count(), n, ctx.Err())
		}
		progress.Infof("waiting for processors: %d of %d arrived", b.arrivals.Count(), n)
	}
}
