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

// Package sim provides simulated secondary cores.
//
// A simulated core holds the architectural state touched while moving from
// real-address mode to long mode and raises the faults real hardware raises
// for illegal transitions. Descriptor tables and page tables are read from
// shared physical memory, exactly as the hardware would read them.
package sim

import (
	"errors"
	"fmt"

	"smpboot.dev/smpboot/pkg/atomicbitops"
	"smpboot.dev/smpboot/pkg/hostarch"
	"smpboot.dev/smpboot/pkg/physmem"
	"smpboot.dev/smpboot/pkg/ring0/pagetables"
	"smpboot.dev/smpboot/pkg/segment"
	"smpboot.dev/smpboot/pkg/x86"
)

var (
	// ErrGeneralProtection is a #GP raised by an illegal register write.
	ErrGeneralProtection = errors.New("general protection fault")

	// ErrPageFault is a #PF raised by the first instruction fetch after
	// paging is enabled.
	ErrPageFault = errors.New("page fault")
)

// Features are the optional processor features a core advertises.
type Features struct {
	// LongMode advertises the long mode extension.
	LongMode bool

	// NX advertises the no-execute extension.
	NX bool

	// NoExtendedLeaves hides every extended CPUID leaf.
	NoExtendedLeaves bool
}

// DefaultFeatures describes a current processor.
var DefaultFeatures = Features{LongMode: true, NX: true}

// Mode is the operating mode of a core.
type Mode int

// Modes.
const (
	RealMode Mode = iota
	ProtectedMode
	CompatibilityMode
	LongMode
)

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	switch m {
	case RealMode:
		return "real"
	case ProtectedMode:
		return "protected"
	case CompatibilityMode:
		return "compatibility"
	case LongMode:
		return "long"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Core is one simulated secondary core. It implements ring0.Core.
//
// A Core is driven by a single goroutine; only Halted may be called from
// others.
type Core struct {
	id       uint32
	features Features
	mem      *physmem.Memory

	// ip is the address of the code executing when paging is enabled. The
	// fetch from it is the first translated access.
	ip hostarch.Addr

	cr0, cr3, cr4 uint64
	efer          uint64

	gdtBase  hostarch.Addr
	gdtLimit uint16
	gdtValid bool

	cs, ds segment.Selector
	code64 bool

	rsp hostarch.Addr

	halted atomicbitops.Bool
}

// NewCore returns a core in its post-INIT state. id is the initial APIC ID
// it reports and ip the address it executes from until the hand-off.
func NewCore(id uint32, features Features, mem *physmem.Memory, ip hostarch.Addr) *Core {
	return &Core{
		id:       id,
		features: features,
		mem:      mem,
		ip:       ip,
		cr0:      x86.CR0_ET,
	}
}

func gp(format string, v ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, v...), ErrGeneralProtection)
}

// ID returns the initial APIC ID.
func (c *Core) ID() uint32 {
	return c.id
}

// CPUID implements ring0.Core.CPUID.
func (c *Core) CPUID(eax, ecx uint32) (a, b, cc, d uint32) {
	switch eax {
	case x86.CPUIDFeatures:
		return 0, c.id << x86.CPUIDAPICIDShift, 0, 0
	case x86.CPUIDExtendedMax:
		if c.features.NoExtendedLeaves {
			return x86.CPUIDExtendedMax, 0, 0, 0
		}
		return x86.CPUIDExtendedFeatures, 0, 0, 0
	case x86.CPUIDExtendedFeatures:
		if c.features.NoExtendedLeaves {
			return 0, 0, 0, 0
		}
		if c.features.LongMode {
			d |= x86.CPUIDExtLM
		}
		if c.features.NX {
			d |= x86.CPUIDExtNX
		}
		return 0, 0, 0, d
	}
	return 0, 0, 0, 0
}

// ReadCR implements ring0.Core.ReadCR.
func (c *Core) ReadCR(n int) uint64 {
	switch n {
	case x86.CR0:
		return c.cr0
	case x86.CR3:
		return c.cr3
	case x86.CR4:
		return c.cr4
	}
	return 0
}

// WriteCR implements ring0.Core.WriteCR.
func (c *Core) WriteCR(n int, v uint64) error {
	switch n {
	case x86.CR0:
		return c.writeCR0(v)
	case x86.CR3:
		return c.writeCR3(v)
	case x86.CR4:
		if c.longActive() && v&x86.CR4_PAE == 0 {
			return gp("clearing CR4.PAE in long mode")
		}
		c.cr4 = v
		return nil
	}
	return gp("write to CR%d", n)
}

func (c *Core) writeCR3(v uint64) error {
	if !c.longActive() && v>>32 != 0 {
		return gp("CR3 %#x does not fit 32 bits outside long mode", v)
	}
	root := hostarch.Addr(v & x86.CR3_AddressMask)
	if v&^x86.CR3_AddressMask != 0 {
		return gp("CR3 %#x sets reserved or cache-control bits", v)
	}
	if root == 0 || uint64(root)+hostarch.PageSize > c.mem.Size() {
		return gp("CR3 %v outside physical memory", root)
	}
	c.cr3 = v
	return nil
}

func (c *Core) writeCR0(v uint64) error {
	if v&x86.CR0_PG != 0 && v&x86.CR0_PE == 0 {
		return gp("CR0.PG without CR0.PE")
	}
	enabling := v&x86.CR0_PG != 0 && c.cr0&x86.CR0_PG == 0
	if enabling && c.efer&x86.EFER_LME != 0 && c.cr4&x86.CR4_PAE == 0 {
		return gp("long mode paging without CR4.PAE")
	}
	c.cr0 = v
	switch {
	case enabling && c.efer&x86.EFER_LME != 0:
		c.efer |= x86.EFER_LMA
	case v&x86.CR0_PG == 0:
		c.efer &^= x86.EFER_LMA
	}
	if enabling {
		return c.fetch()
	}
	return nil
}

// fetch translates the next instruction fetch, which happens with the new
// paging mode in effect.
func (c *Core) fetch() error {
	root := hostarch.Addr(c.cr3 & x86.CR3_AddressMask)
	if c.efer&x86.EFER_LMA == 0 {
		// Legacy paging is never used during bring-up.
		return fmt.Errorf("paging enabled outside long mode at %v: %w", c.ip, ErrPageFault)
	}
	pa, pte, err := pagetables.Translate(c.mem, root, c.ip)
	if err != nil {
		return fmt.Errorf("fetching %v with root %v: %v: %w", c.ip, root, err, ErrPageFault)
	}
	if pte.NoExecute() && c.efer&x86.EFER_NX == 0 {
		return fmt.Errorf("fetching %v: reserved bit set without EFER.NXE: %w", c.ip, ErrPageFault)
	}
	if pte.NoExecute() {
		return fmt.Errorf("fetching %v from a no-execute page: %w", c.ip, ErrPageFault)
	}
	if pa != c.ip {
		return fmt.Errorf("fetching %v translated to %v, not identity mapped: %w", c.ip, pa, ErrPageFault)
	}
	return nil
}

func (c *Core) longActive() bool {
	return c.efer&x86.EFER_LMA != 0
}

// ReadMSR implements ring0.Core.ReadMSR.
func (c *Core) ReadMSR(msr uint32) (uint64, error) {
	if msr != x86.MSR_EFER {
		return 0, gp("read of MSR %#x", msr)
	}
	return c.efer, nil
}

// WriteMSR implements ring0.Core.WriteMSR.
func (c *Core) WriteMSR(msr uint32, v uint64) error {
	if msr != x86.MSR_EFER {
		return gp("write of MSR %#x", msr)
	}
	if v&x86.EFER_NX != 0 && !c.features.NX {
		return gp("EFER.NXE on a core without no-execute")
	}
	if v&x86.EFER_LME != 0 && !c.features.LongMode {
		return gp("EFER.LME on a core without long mode")
	}
	if (v^c.efer)&x86.EFER_LME != 0 && c.cr0&x86.CR0_PG != 0 {
		return gp("changing EFER.LME with paging enabled")
	}
	// LMA is read-only.
	c.efer = v&^x86.EFER_LMA | c.efer&x86.EFER_LMA
	return nil
}

// EFER returns the extended feature enable register.
func (c *Core) EFER() uint64 {
	return c.efer
}

// LoadGDT implements ring0.Core.LoadGDT.
func (c *Core) LoadGDT(base hostarch.Addr, limit uint16) error {
	if _, err := c.mem.Slice(base, uint64(limit)+1); err != nil {
		return gp("descriptor table %v/%d: %v", base, limit, err)
	}
	c.gdtBase, c.gdtLimit, c.gdtValid = base, limit, true
	return nil
}

func (c *Core) descriptor(sel segment.Selector) (segment.SegmentDescriptor, error) {
	if !c.gdtValid {
		return segment.SegmentDescriptor{}, gp("selector %#x with no descriptor table", sel)
	}
	off := sel.Index() * segment.DescriptorSize
	if sel.Index() == 0 || off+segment.DescriptorSize-1 > int(c.gdtLimit) {
		return segment.SegmentDescriptor{}, gp("selector %#x outside descriptor table limit %d", sel, c.gdtLimit)
	}
	if sel.RPL() != 0 {
		return segment.SegmentDescriptor{}, gp("selector %#x requests privilege %d", sel, sel.RPL())
	}
	v, err := c.mem.Uint64(c.gdtBase + hostarch.Addr(off))
	if err != nil {
		return segment.SegmentDescriptor{}, gp("reading descriptor %#x: %v", sel, err)
	}
	return segment.FromUint64(v), nil
}

// LoadSegments implements ring0.Core.LoadSegments.
func (c *Core) LoadSegments(cs, ds segment.Selector) error {
	if !c.longActive() {
		return gp("far transfer to 64-bit code outside long mode")
	}
	code, err := c.descriptor(cs)
	if err != nil {
		return err
	}
	if err := segment.ValidateCode64(code); err != nil {
		return gp("loading CS %#x: %v", cs, err)
	}
	data, err := c.descriptor(ds)
	if err != nil {
		return err
	}
	if err := segment.ValidateData(data); err != nil {
		return gp("loading DS %#x: %v", ds, err)
	}
	c.cs, c.ds, c.code64 = cs, ds, true
	return nil
}

// Selectors returns the loaded code and data selectors.
func (c *Core) Selectors() (cs, ds segment.Selector) {
	return c.cs, c.ds
}

// SetStack implements ring0.Core.SetStack.
func (c *Core) SetStack(top hostarch.Addr) {
	c.rsp = top
}

// StackPointer returns the stack pointer.
func (c *Core) StackPointer() hostarch.Addr {
	return c.rsp
}

// Halt implements ring0.Core.Halt.
func (c *Core) Halt() {
	c.halted.Store(true)
}

// Halted returns true once the core executed its final halt.
func (c *Core) Halted() bool {
	return c.halted.Load()
}

// Mode returns the current operating mode.
func (c *Core) Mode() Mode {
	switch {
	case c.cr0&x86.CR0_PE == 0:
		return RealMode
	case !c.longActive():
		return ProtectedMode
	case !c.code64:
		return CompatibilityMode
	default:
		return LongMode
	}
}
