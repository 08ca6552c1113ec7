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

// Package trampoline builds the machine code a secondary core executes from
// its startup vector.
//
// The image is position dependent: it is assembled for one page-aligned base
// below 1MB, because a core leaving reset runs in real-address mode with
// CS = base>>4 and IP = 0. The image embeds the descriptor table, its LGDT
// pointer, the synchronization gate word and the arrival counter. Addresses
// known only at boot (the page table root, the stack table and the entry
// point) are zero until patched.
//
// The code performs the same transition as ring0.Routine, state for state.
package trampoline

import (
	"encoding/binary"
	"errors"
	"fmt"

	"smpboot.dev/smpboot/pkg/hostarch"
	"smpboot.dev/smpboot/pkg/physmem"
	"smpboot.dev/smpboot/pkg/ring0"
	"smpboot.dev/smpboot/pkg/segment"
	"smpboot.dev/smpboot/pkg/stacktable"
	"smpboot.dev/smpboot/pkg/x86"
)

// Field is a value supplied after the image is built.
type Field int

// Fields.
const (
	// FieldPageTableRoot is the 32-bit physical page table root loaded into
	// CR3 from real-address mode.
	FieldPageTableRoot Field = iota

	// FieldStackTable is the 64-bit physical address of the stack table.
	FieldStackTable

	// FieldEntry is the 64-bit address of the kernel entry point.
	FieldEntry

	numFields
)

// Fields lists all fields in patch order.
var Fields = []Field{FieldPageTableRoot, FieldStackTable, FieldEntry}

// Size returns the width of the field in bytes.
func (f Field) Size() int {
	if f == FieldPageTableRoot {
		return 4
	}
	return 8
}

// String implements fmt.Stringer.String.
func (f Field) String() string {
	switch f {
	case FieldPageTableRoot:
		return "page_table_root"
	case FieldStackTable:
		return "stack_table"
	case FieldEntry:
		return "entry"
	default:
		return fmt.Sprintf("Field(%d)", int(f))
	}
}

// ParseField is the inverse of Field.String.
func ParseField(s string) (Field, error) {
	for _, f := range Fields {
		if f.String() == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown field %q", s)
}

var (
	// ErrBadBase is returned for a base that cannot be a startup vector.
	ErrBadBase = errors.New("trampoline base must be page aligned and below 1MB")

	// ErrBadPatch is returned for values a field cannot hold.
	ErrBadPatch = errors.New("invalid patch value")

	// ErrUnpatched is returned when installing an image with missing fields.
	ErrUnpatched = errors.New("image has unpatched fields")
)

// Config configures Build.
type Config struct {
	// Base is the physical load address.
	Base hostarch.Addr

	// MaxCPUs is the stack table capacity. Cores with larger IDs halt.
	MaxCPUs int

	// NX is the no-execute policy.
	NX ring0.NXPolicy

	// LazyPageTables makes cores wait on the gate before loading CR3.
	LazyPageTables bool

	// GDT is the descriptor table to embed.
	GDT *segment.Table
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if !c.Base.IsPageAligned() || c.Base == 0 || c.Base >= hostarch.RealModeLimit {
		return fmt.Errorf("base %v: %w", c.Base, ErrBadBase)
	}
	if c.MaxCPUs <= 0 || c.MaxCPUs > stacktable.MaxCapacity {
		return fmt.Errorf("max CPUs %d not in [1, %d]", c.MaxCPUs, stacktable.MaxCapacity)
	}
	if c.GDT == nil {
		return fmt.Errorf("no descriptor table")
	}
	return nil
}

// Layout gives offsets of the image's regions from its base.
type Layout struct {
	// Code16End ends the real-address mode code, which starts at 0.
	Code16End int `yaml:"code16_end"`

	// Code64 and Code64End delimit the 64-bit code.
	Code64    int `yaml:"code64"`
	Code64End int `yaml:"code64_end"`

	// GDTPointer is the LGDT pseudo-descriptor and GDT the table.
	GDTPointer int `yaml:"gdt_pointer"`
	GDT        int `yaml:"gdt"`

	// Gate and Arrivals are 32-bit words written by the cores and the
	// bootstrap processor.
	Gate     int `yaml:"gate"`
	Arrivals int `yaml:"arrivals"`

	// Size is the total image size.
	Size int `yaml:"size"`
}

// Mark ties a code offset to the state its instructions establish.
type Mark struct {
	State  ring0.State
	Offset int
}

// Image is an assembled trampoline.
type Image struct {
	cfg     Config
	code    []byte
	layout  Layout
	fields  map[Field]int
	patched [numFields]bool
	marks   []Mark
}

// Build assembles the trampoline for cfg.
func Build(cfg Config) (*Image, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := newAssembler()
	var (
		layout   Layout
		marks    []Mark
		gdtr     = a.newLabel()
		gdt      = a.newLabel()
		gate     = a.newLabel()
		arrivals = a.newLabel()
		code64   = a.newLabel()
		halt64   = a.newLabel()
	)
	mark := func(s ring0.State) {
		marks = append(marks, Mark{State: s, Offset: a.pc()})
	}

	// Real-address mode. DS is pointed at the image so that data can be
	// addressed by offset.
	mark(ring0.Reset)
	a.emit(0xfa)       // cli
	a.emit(0xfc)       // cld
	a.emit(0x8c, 0xc8) // mov ax, cs
	a.emit(0x8e, 0xd8) // mov ds, ax

	mark(ring0.FeaturesEnabled)
	a.emit(0x0f, 0x20, 0xe0)             // mov eax, cr4
	a.emit(0x66, 0x83, 0xc8, x86.CR4_PAE) // or eax, CR4_PAE
	a.emit(0x0f, 0x22, 0xe0)             // mov cr4, eax
	if cfg.NX != ring0.NXDisable {
		noNX, nxDone := a.newLabel(), a.newLabel()
		a.emit(0x66, 0xb8) // mov eax, CPUIDExtendedMax
		a.imm32(x86.CPUIDExtendedMax)
		a.emit(0x0f, 0xa2) // cpuid
		a.emit(0x66, 0x3d) // cmp eax, CPUIDExtendedFeatures
		a.imm32(x86.CPUIDExtendedFeatures)
		a.jmp8(0x72, noNX) // jb
		a.emit(0x66, 0xb8) // mov eax, CPUIDExtendedFeatures
		a.imm32(x86.CPUIDExtendedFeatures)
		a.emit(0x0f, 0xa2)       // cpuid
		a.emit(0x66, 0xf7, 0xc2) // test edx, CPUIDExtNX
		a.imm32(x86.CPUIDExtNX)
		a.jmp8(0x74, noNX) // jz
		a.setEFER16(x86.EFER_NX)
		a.jmp8(0xeb, nxDone)
		a.bind(noNX)
		if cfg.NX == ring0.NXRequire {
			a.haltLoop()
		}
		a.bind(nxDone)
	}

	if cfg.LazyPageTables {
		spin := a.newLabel()
		a.bind(spin)
		a.emit(0xf3, 0x90)       // pause
		a.emit(0x66, 0x83, 0x3e) // cmp dword [gate], 0
		a.ref(off16, gate)
		a.emit(0x00)
		a.jmp8(0x74, spin) // je
	}

	mark(ring0.PagingPrimed)
	a.emit(0x66, 0xb8) // mov eax, root
	a.field(FieldPageTableRoot)
	a.emit(0x0f, 0x22, 0xd8) // mov cr3, eax

	mark(ring0.LongModeRequested)
	a.setEFER16(x86.EFER_LME)

	// The descriptor table register is loaded before CR0 so that the far
	// jump immediately follows the mode switch.
	mark(ring0.PagingActive)
	a.emit(0x66, 0x0f, 0x01, 0x16) // lgdt [gdtr]
	a.ref(off16, gdtr)
	a.emit(0x0f, 0x20, 0xc0) // mov eax, cr0
	a.emit(0x66, 0x0d)       // or eax, CR0_PE|CR0_PG
	a.imm32(x86.CR0_PE | x86.CR0_PG)
	a.emit(0x0f, 0x22, 0xc0) // mov cr0, eax

	mark(ring0.SegmentsReloaded)
	a.emit(0x66, 0xea) // jmp far Kcode:code64
	a.ref(abs32, code64)
	a.imm16(uint16(segment.Kcode))
	layout.Code16End = a.pc()

	// 64-bit mode.
	a.align(16, 0xcc)
	a.bind(code64)
	layout.Code64 = a.pc()
	a.emit(0x66, 0xb8) // mov ax, Kdata
	a.imm16(uint16(segment.Kdata))
	a.emit(0x8e, 0xd8) // mov ds, ax
	a.emit(0x8e, 0xc0) // mov es, ax
	a.emit(0x8e, 0xd0) // mov ss, ax
	a.emit(0x8e, 0xe0) // mov fs, ax
	a.emit(0x8e, 0xe8) // mov gs, ax

	// Stack table entries are only valid once the gate is open.
	mark(ring0.StackResolved)
	spin := a.newLabel()
	a.emit(0x48, 0xbe) // mov rsi, gate
	a.ref(abs64, gate)
	a.bind(spin)
	a.emit(0xf3, 0x90)       // pause
	a.emit(0x83, 0x3e, 0x00) // cmp dword [rsi], 0
	a.jmp8(0x74, spin)       // je
	a.emit(0xb8)             // mov eax, CPUIDFeatures
	a.imm32(x86.CPUIDFeatures)
	a.emit(0x0f, 0xa2)                       // cpuid
	a.emit(0xc1, 0xeb, x86.CPUIDAPICIDShift) // shr ebx, 24
	a.emit(0x81, 0xfb)                       // cmp ebx, MaxCPUs
	a.imm32(uint32(cfg.MaxCPUs))
	a.jcc32(0x3, halt64) // jae
	a.emit(0x48, 0xbe)   // mov rsi, stacks
	a.field(FieldStackTable)
	a.emit(0x48, 0x8b, 0x24, 0xde) // mov rsp, [rsi+rbx*8]
	a.emit(0x48, 0x85, 0xe4)       // test rsp, rsp
	a.jcc32(0x4, halt64)           // jz

	mark(ring0.Synchronized)
	a.emit(0x48, 0xbe) // mov rsi, arrivals
	a.ref(abs64, arrivals)
	a.emit(0xf0, 0xff, 0x06) // lock inc dword [rsi]

	mark(ring0.HandedOff)
	a.emit(0x31, 0xed) // xor ebp, ebp
	a.emit(0x48, 0xb8) // mov rax, entry
	a.field(FieldEntry)
	a.emit(0xff, 0xd0) // call rax

	mark(ring0.Halted)
	a.bind(halt64)
	a.haltLoop()
	layout.Code64End = a.pc()

	// Data.
	a.align(16, 0)
	a.bind(gdtr)
	layout.GDTPointer = a.pc()
	a.imm16(cfg.GDT.Limit())
	a.ref(abs64, gdt)
	a.align(segment.DescriptorSize, 0)
	a.bind(gdt)
	layout.GDT = a.pc()
	a.emit(cfg.GDT.Bytes()...)
	a.bind(gate)
	layout.Gate = a.pc()
	a.imm32(0)
	a.bind(arrivals)
	layout.Arrivals = a.pc()
	a.imm32(0)
	layout.Size = a.pc()

	code, err := a.finish(uint64(cfg.Base))
	if err != nil {
		return nil, err
	}
	if len(code) > hostarch.PageSize {
		return nil, fmt.Errorf("image is %d bytes, larger than a page", len(code))
	}
	return &Image{
		cfg:    cfg,
		code:   code,
		layout: layout,
		fields: a.fields,
		marks:  marks,
	}, nil
}

// Config returns the configuration the image was built with.
func (img *Image) Config() Config {
	return img.cfg
}

// Base returns the load address.
func (img *Image) Base() hostarch.Addr {
	return img.cfg.Base
}

// Layout returns the image layout.
func (img *Image) Layout() Layout {
	return img.layout
}

// Marks returns the state marks in code order.
func (img *Image) Marks() []Mark {
	return append([]Mark(nil), img.marks...)
}

// Bytes returns a copy of the image.
func (img *Image) Bytes() []byte {
	return append([]byte(nil), img.code...)
}

// Region returns the page-rounded physical range the image occupies.
func (img *Image) Region() hostarch.AddrRange {
	return hostarch.AddrRange{Start: img.cfg.Base, End: img.cfg.Base + hostarch.PageSize}
}

// StartupVector returns the vector to send in the startup interrupt.
func (img *Image) StartupVector() uint8 {
	return uint8(img.cfg.Base.PageNumber())
}

// GateAddr returns the physical address of the gate word.
func (img *Image) GateAddr() hostarch.Addr {
	return img.cfg.Base + hostarch.Addr(img.layout.Gate)
}

// ArrivalsAddr returns the physical address of the arrival counter.
func (img *Image) ArrivalsAddr() hostarch.Addr {
	return img.cfg.Base + hostarch.Addr(img.layout.Arrivals)
}

// GDTAddr returns the physical address of the embedded descriptor table.
func (img *Image) GDTAddr() hostarch.Addr {
	return img.cfg.Base + hostarch.Addr(img.layout.GDT)
}

// FieldOffset returns the offset of f from the base.
func (img *Image) FieldOffset(f Field) int {
	return img.fields[f]
}

// Patch writes v into field f.
func (img *Image) Patch(f Field, v uint64) error {
	off, ok := img.fields[f]
	if !ok {
		return fmt.Errorf("%v: %w", f, ErrBadPatch)
	}
	switch f {
	case FieldPageTableRoot:
		if v == 0 || v%hostarch.PageSize != 0 || v >= hostarch.ProtectedModeLimit {
			return fmt.Errorf("page table root %#x must be page aligned and below 4GB: %w", v, ErrBadPatch)
		}
		binary.LittleEndian.PutUint32(img.code[off:], uint32(v))
	case FieldStackTable:
		if v == 0 || v%stacktable.EntrySize != 0 {
			return fmt.Errorf("stack table %#x must be non-zero and aligned: %w", v, ErrBadPatch)
		}
		binary.LittleEndian.PutUint64(img.code[off:], v)
	case FieldEntry:
		if v == 0 {
			return fmt.Errorf("entry point must be non-zero: %w", ErrBadPatch)
		}
		binary.LittleEndian.PutUint64(img.code[off:], v)
	}
	img.patched[f] = true
	return nil
}

// Unpatched returns the fields not yet patched.
func (img *Image) Unpatched() []Field {
	var fs []Field
	for _, f := range Fields {
		if !img.patched[f] {
			fs = append(fs, f)
		}
	}
	return fs
}

// Install copies the image to its base in mem. All fields must be patched.
func (img *Image) Install(mem *physmem.Memory) error {
	if missing := img.Unpatched(); len(missing) > 0 {
		return fmt.Errorf("%v: %w", missing, ErrUnpatched)
	}
	return mem.Write(img.cfg.Base, img.code)
}
