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

// Package segment builds the global descriptor table that secondary cores
// load while moving into long mode.
//
// The table is pure data. It is built once by the bootstrap processor, copied
// into the trampoline page, and never written again.
package segment

// Segment indices.
const (
	// Index into GDT array.
	segNull  = iota // Null descriptor first.
	segKcode        // Kernel code (64-bit).
	segKdata        // Kernel data.
	segTss          // Task segment descriptor.
	segTssHi        // Upper bits for TSS.
	segLast         // Last segment (terminal, not included).
)

// Selector is a segment Selector.
type Selector uint16

// Index returns the descriptor table index referenced by the selector.
func (s Selector) Index() int {
	return int(s >> 3)
}

// RPL returns the requested privilege level of the selector.
func (s Selector) RPL() int {
	return int(s & 3)
}

// Selectors.
const (
	Null  Selector = segNull << 3
	Kcode Selector = segKcode << 3
	Kdata Selector = segKdata << 3
	Tss   Selector = segTss << 3
)

// SegmentDescriptorFlags are typed flags within a descriptor.
type SegmentDescriptorFlags uint32

// SegmentDescriptorFlag declarations.
const (
	SegmentDescriptorAccess     SegmentDescriptorFlags = 1 << 8  // Access bit (always set).
	SegmentDescriptorWrite                             = 1 << 9  // Write permission; read permission for code.
	SegmentDescriptorExpandDown                        = 1 << 10 // Grows down, not used.
	SegmentDescriptorExecute                           = 1 << 11 // Execute permission.
	SegmentDescriptorSystem                            = 1 << 12 // Zero => system, 1 => user code/data.
	SegmentDescriptorPresent                           = 1 << 15 // Present.
	SegmentDescriptorAVL                               = 1 << 20 // Available.
	SegmentDescriptorLong                              = 1 << 21 // Long mode.
	SegmentDescriptorDB                                = 1 << 22 // 16 or 32-bit.
	SegmentDescriptorG                                 = 1 << 23 // Granularity: page or byte.
)

// tssAvailable is the system type of an available 64-bit task state segment.
const tssAvailable SegmentDescriptorFlags = 0x9 << 8

// SegmentDescriptor is a segment descriptor.
type SegmentDescriptor struct {
	bits [2]uint32
}

// set sets the descriptor from its components.
func (d *SegmentDescriptor) set(base, limit uint32, dpl int, flags SegmentDescriptorFlags) {
	flags |= SegmentDescriptorPresent
	if limit>>12 != 0 {
		limit >>= 12
		flags |= SegmentDescriptorG
	}
	d.bits[0] = base<<16 | limit&0xFFFF
	d.bits[1] = base&0xFF000000 | (base>>16)&0xFF | limit&0x000F0000 | uint32(flags) | uint32(dpl)<<13
}

// setNull clears the descriptor.
func (d *SegmentDescriptor) setNull() {
	d.bits[0] = 0
	d.bits[1] = 0
}

// setCode64 sets a flat 64-bit code segment.
//
// The D/B bit must stay clear when the long mode bit is set.
func (d *SegmentDescriptor) setCode64(dpl int) {
	d.set(0, 0xffffffff, dpl,
		SegmentDescriptorAccess|
			SegmentDescriptorWrite|
			SegmentDescriptorLong|
			SegmentDescriptorExecute|
			SegmentDescriptorSystem)
}

// setData sets a flat writable data segment.
func (d *SegmentDescriptor) setData(dpl int) {
	d.set(0, 0xffffffff, dpl,
		SegmentDescriptorAccess|
			SegmentDescriptorWrite|
			SegmentDescriptorDB|
			SegmentDescriptorSystem)
}

// setTSS sets the low half of a 64-bit task state descriptor.
func (d *SegmentDescriptor) setTSS(base uint64, limit uint32) {
	d.bits[0] = uint32(base)<<16 | limit&0xFFFF
	d.bits[1] = uint32(base)&0xFF000000 |
		(uint32(base)>>16)&0xFF |
		limit&0x000F0000 |
		uint32(SegmentDescriptorPresent|tssAvailable)
}

// setHi sets the upper half of a 64-bit system descriptor.
func (d *SegmentDescriptor) setHi(base uint32) {
	d.bits[0] = base
	d.bits[1] = 0
}

// Base returns the descriptor's base linear address.
func (d *SegmentDescriptor) Base() uint32 {
	return d.bits[1]&0xFF000000 | (d.bits[1]&0x000000FF)<<16 | d.bits[0]>>16
}

// Limit returns the descriptor size.
func (d *SegmentDescriptor) Limit() uint32 {
	l := d.bits[0]&0xFFFF | d.bits[1]&0xF0000
	if d.bits[1]&uint32(SegmentDescriptorG) != 0 {
		l <<= 12
		l |= 0xFFF
	}
	return l
}

// Flags returns descriptor flags.
func (d *SegmentDescriptor) Flags() SegmentDescriptorFlags {
	return SegmentDescriptorFlags(d.bits[1] & 0x00F09F00)
}

// Type returns the four type bits of the descriptor.
func (d *SegmentDescriptor) Type() uint8 {
	return uint8((d.bits[1] >> 8) & 0xF)
}

// DPL returns the descriptor privilege level.
func (d *SegmentDescriptor) DPL() int {
	return int((d.bits[1] >> 13) & 3)
}

// IsNull returns true if every bit of the descriptor is clear.
func (d *SegmentDescriptor) IsNull() bool {
	return d.bits[0] == 0 && d.bits[1] == 0
}

// Uint64 returns the descriptor as it is laid out in memory.
func (d *SegmentDescriptor) Uint64() uint64 {
	return uint64(d.bits[1])<<32 | uint64(d.bits[0])
}

// FromUint64 returns the descriptor stored in memory as v.
func FromUint64(v uint64) SegmentDescriptor {
	return SegmentDescriptor{bits: [2]uint32{uint32(v), uint32(v >> 32)}}
}
