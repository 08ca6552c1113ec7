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

// Package pagetables builds four-level amd64 page tables in physical memory.
//
// Secondary-core bring-up only consumes the root of these tables. The builder
// exists so that harnesses can produce a root that identity-maps the
// trampoline page, the descriptor table, the stack table and the stacks.
package pagetables

import (
	"errors"
	"fmt"

	"smpboot.dev/smpboot/pkg/hostarch"
	"smpboot.dev/smpboot/pkg/physmem"
	"smpboot.dev/smpboot/pkg/x86"
)

const (
	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteMask = 0x1ff << pteShift
	pmdMask = 0x1ff << pmdShift
	pudMask = 0x1ff << pudShift
	pgdMask = 0x1ff << pgdShift

	pmdSize = 1 << pmdShift

	entrySize = 8
)

// PTE bits.
const (
	present  = 1 << 0
	writable = 1 << 1
	super    = 1 << 7
	noExec   = 1 << 63

	addressMask = 0x000ffffffffff000
)

// ErrNotMapped is returned by Translate for unmapped addresses.
var ErrNotMapped = errors.New("address not mapped")

// PTE is a page table entry.
type PTE uint64

// Valid returns true iff this entry is present.
func (p PTE) Valid() bool {
	return p&present != 0
}

// IsSuper returns true iff this entry maps a huge page.
func (p PTE) IsSuper() bool {
	return p&super != 0
}

// Writable returns true iff the entry allows writes.
func (p PTE) Writable() bool {
	return p&writable != 0
}

// NoExecute returns true iff the entry sets the execute-disable bit.
func (p PTE) NoExecute() bool {
	return p&noExec != 0
}

// Address returns the physical address referenced by this entry.
func (p PTE) Address() hostarch.Addr {
	return hostarch.Addr(p & addressMask)
}

// MapOpts are mapping options.
type MapOpts struct {
	// Writable allows writes through the mapping.
	Writable bool

	// NoExecute sets the execute-disable bit. The bit is reserved on cores
	// that did not enable EFER.NXE, so only mappings that such cores never
	// touch may carry it.
	NoExecute bool
}

// PageTables is a set of page tables rooted in physical memory.
type PageTables struct {
	mem   *physmem.Memory
	alloc *physmem.FrameAllocator
	root  hostarch.Addr
}

// New allocates an empty top-level table.
func New(mem *physmem.Memory, alloc *physmem.FrameAllocator) (*PageTables, error) {
	root, err := alloc.Alloc(1)
	if err != nil {
		return nil, fmt.Errorf("allocating page table root: %w", err)
	}
	return &PageTables{mem: mem, alloc: alloc, root: root}, nil
}

// Root returns the physical address of the top-level table.
func (p *PageTables) Root() hostarch.Addr {
	return p.root
}

// CR3 returns the CR3 value for these tables.
func (p *PageTables) CR3() uint64 {
	return uint64(p.root) & x86.CR3_AddressMask
}

func (p *PageTables) entry(table hostarch.Addr, index uint64) (hostarch.Addr, PTE, error) {
	addr := table + hostarch.Addr(index*entrySize)
	v, err := p.mem.Uint64(addr)
	return addr, PTE(v), err
}

// next returns the table referenced by the entry at index, allocating it if
// necessary.
func (p *PageTables) next(table hostarch.Addr, index uint64) (hostarch.Addr, error) {
	addr, pte, err := p.entry(table, index)
	if err != nil {
		return 0, err
	}
	if pte.Valid() {
		if pte.IsSuper() {
			return 0, fmt.Errorf("entry at %v already maps a huge page", addr)
		}
		return pte.Address(), nil
	}
	child, err := p.alloc.Alloc(1)
	if err != nil {
		return 0, fmt.Errorf("allocating page table: %w", err)
	}
	if err := p.mem.PutUint64(addr, uint64(child)|present|writable); err != nil {
		return 0, err
	}
	return child, nil
}

// MapIdentity maps [start, end) to itself using 2MB pages. The range is
// widened to huge page boundaries.
func (p *PageTables) MapIdentity(start, end hostarch.Addr, opts MapOpts) error {
	start = start.HugeRoundDown()
	end, ok := end.HugeRoundUp()
	if !ok {
		return fmt.Errorf("mapping end %v wraps", end)
	}
	for addr := start; addr < end; addr += pmdSize {
		pud, err := p.next(p.root, (uint64(addr)&pgdMask)>>pgdShift)
		if err != nil {
			return err
		}
		pmd, err := p.next(pud, (uint64(addr)&pudMask)>>pudShift)
		if err != nil {
			return err
		}
		v := uint64(addr) | present | super
		if opts.Writable {
			v |= writable
		}
		if opts.NoExecute {
			v |= noExec
		}
		slot := pmd + hostarch.Addr(((uint64(addr)&pmdMask)>>pmdShift)*entrySize)
		if err := p.mem.PutUint64(slot, v); err != nil {
			return err
		}
	}
	return nil
}

// Translate walks the tables rooted at root and returns the physical address
// that addr maps to, along with the leaf entry.
func Translate(mem *physmem.Memory, root hostarch.Addr, addr hostarch.Addr) (hostarch.Addr, PTE, error) {
	p := &PageTables{mem: mem, root: root}
	table := root
	for _, level := range []struct {
		shift uint
		mask  uint64
	}{
		{pgdShift, pgdMask},
		{pudShift, pudMask},
		{pmdShift, pmdMask},
		{pteShift, pteMask},
	} {
		_, pte, err := p.entry(table, (uint64(addr)&level.mask)>>level.shift)
		if err != nil {
			return 0, 0, err
		}
		if !pte.Valid() {
			return 0, 0, fmt.Errorf("translating %v: %w", addr, ErrNotMapped)
		}
		if level.shift == pteShift || (pte.IsSuper() && level.shift != pgdShift) {
			size := uint64(1) << level.shift
			base := pte.Address() &^ hostarch.Addr(size-1)
			return base + hostarch.Addr(uint64(addr)&(size-1)), pte, nil
		}
		table = pte.Address()
	}
	panic("unreachable")
}
