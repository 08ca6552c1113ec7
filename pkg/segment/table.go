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

package segment

import (
	"encoding/binary"
	"errors"
	"fmt"

	"smpboot.dev/smpboot/pkg/hostarch"
)

// DescriptorSize is the size of a single descriptor slot in bytes.
const DescriptorSize = 8

// PointerSize is the size of the LGDT pseudo-descriptor in long mode. In
// 16-bit and 32-bit modes only the first six bytes are consumed.
const PointerSize = 10

// ErrMalformed is returned when a descriptor table would fault when loaded.
var ErrMalformed = errors.New("malformed descriptor table")

// TSSOpts describes the optional task state segment.
type TSSOpts struct {
	// Base is the linear address of the task state structure.
	Base uint64

	// Limit is the inclusive size of the task state structure.
	Limit uint32
}

// Opts configures Build.
type Opts struct {
	// TSS, if non-nil, appends a 64-bit task state descriptor (two slots).
	TSS *TSSOpts
}

// Table is an ordered, immutable sequence of segment descriptors.
type Table struct {
	entries []SegmentDescriptor
}

// Build returns the descriptor table for the given options.
//
// The result always holds the null descriptor at index 0, the 64-bit kernel
// code descriptor at Kcode and the kernel data descriptor at Kdata.
func Build(opts Opts) (*Table, error) {
	n := segTss
	if opts.TSS != nil {
		n = segLast
	}
	t := &Table{entries: make([]SegmentDescriptor, n)}
	t.entries[segNull].setNull()
	t.entries[segKcode].setCode64(0)
	t.entries[segKdata].setData(0)
	if opts.TSS != nil {
		if opts.TSS.Limit > 0xFFFFF {
			return nil, fmt.Errorf("task state limit %#x exceeds 20 bits: %w", opts.TSS.Limit, ErrMalformed)
		}
		t.entries[segTss].setTSS(opts.TSS.Base, opts.TSS.Limit)
		t.entries[segTssHi].setHi(uint32(opts.TSS.Base >> 32))
	}
	return t, t.Validate()
}

// Len returns the number of descriptor slots.
func (t *Table) Len() int {
	return len(t.entries)
}

// Entry returns the descriptor at index i.
func (t *Table) Entry(i int) SegmentDescriptor {
	return t.entries[i]
}

// Lookup returns the descriptor referenced by the selector.
func (t *Table) Lookup(sel Selector) (SegmentDescriptor, bool) {
	i := sel.Index()
	if i >= len(t.entries) {
		return SegmentDescriptor{}, false
	}
	return t.entries[i], true
}

// HasTSS returns true if the table carries a task state descriptor.
func (t *Table) HasTSS() bool {
	return len(t.entries) > segTssHi
}

// Size returns the size of the table in bytes.
func (t *Table) Size() int {
	return len(t.entries) * DescriptorSize
}

// Limit returns the inclusive table limit used by LGDT.
func (t *Table) Limit() uint16 {
	return uint16(t.Size() - 1)
}

// Bytes returns the table as laid out in memory.
func (t *Table) Bytes() []byte {
	b := make([]byte, t.Size())
	for i := range t.entries {
		binary.LittleEndian.PutUint64(b[i*DescriptorSize:], t.entries[i].Uint64())
	}
	return b
}

// Pointer returns the LGDT pseudo-descriptor for the table placed at base.
func (t *Table) Pointer(base hostarch.Addr) [PointerSize]byte {
	var p [PointerSize]byte
	binary.LittleEndian.PutUint16(p[0:], t.Limit())
	binary.LittleEndian.PutUint64(p[2:], uint64(base))
	return p
}

// Decode parses a descriptor table from memory and validates it.
func Decode(b []byte) (*Table, error) {
	if len(b) == 0 || len(b)%DescriptorSize != 0 {
		return nil, fmt.Errorf("table size %d is not a non-zero multiple of %d: %w", len(b), DescriptorSize, ErrMalformed)
	}
	t := &Table{entries: make([]SegmentDescriptor, len(b)/DescriptorSize)}
	for i := range t.entries {
		t.entries[i] = FromUint64(binary.LittleEndian.Uint64(b[i*DescriptorSize:]))
	}
	return t, t.Validate()
}

// Validate checks the properties the hardware relies on when the table is
// loaded and its selectors are used to enter 64-bit mode.
func (t *Table) Validate() error {
	if len(t.entries) < segTss {
		return fmt.Errorf("table has %d entries, need at least %d: %w", len(t.entries), segTss, ErrMalformed)
	}
	if !t.entries[segNull].IsNull() {
		return fmt.Errorf("first descriptor is not null: %w", ErrMalformed)
	}
	if err := ValidateCode64(t.entries[segKcode]); err != nil {
		return err
	}
	if err := ValidateData(t.entries[segKdata]); err != nil {
		return err
	}
	if len(t.entries) > segTss {
		if len(t.entries) != segLast {
			return fmt.Errorf("task state descriptor needs two slots: %w", ErrMalformed)
		}
		d := t.entries[segTss]
		if d.Flags()&SegmentDescriptorPresent == 0 || d.Flags()&SegmentDescriptorSystem != 0 || d.Type() != 0x9 {
			return fmt.Errorf("task state descriptor %#x is not an available 64-bit TSS: %w", d.Uint64(), ErrMalformed)
		}
	}
	return nil
}

// ValidateCode64 checks that d can be loaded into CS to run 64-bit code.
func ValidateCode64(d SegmentDescriptor) error {
	f := d.Flags()
	switch {
	case f&SegmentDescriptorPresent == 0:
		return fmt.Errorf("code descriptor %#x not present: %w", d.Uint64(), ErrMalformed)
	case f&SegmentDescriptorSystem == 0:
		return fmt.Errorf("code descriptor %#x is a system descriptor: %w", d.Uint64(), ErrMalformed)
	case f&SegmentDescriptorExecute == 0:
		return fmt.Errorf("code descriptor %#x not executable: %w", d.Uint64(), ErrMalformed)
	case f&SegmentDescriptorWrite == 0:
		return fmt.Errorf("code descriptor %#x not readable: %w", d.Uint64(), ErrMalformed)
	case f&SegmentDescriptorLong == 0:
		return fmt.Errorf("code descriptor %#x lacks the long mode bit: %w", d.Uint64(), ErrMalformed)
	case f&SegmentDescriptorDB != 0:
		return fmt.Errorf("code descriptor %#x sets both L and D/B: %w", d.Uint64(), ErrMalformed)
	}
	return nil
}

// ValidateData checks that d can be loaded into DS, ES and SS.
func ValidateData(d SegmentDescriptor) error {
	f := d.Flags()
	switch {
	case f&SegmentDescriptorPresent == 0:
		return fmt.Errorf("data descriptor %#x not present: %w", d.Uint64(), ErrMalformed)
	case f&SegmentDescriptorSystem == 0:
		return fmt.Errorf("data descriptor %#x is a system descriptor: %w", d.Uint64(), ErrMalformed)
	case f&SegmentDescriptorExecute != 0:
		return fmt.Errorf("data descriptor %#x is executable: %w", d.Uint64(), ErrMalformed)
	case f&SegmentDescriptorWrite == 0:
		return fmt.Errorf("data descriptor %#x not writable: %w", d.Uint64(), ErrMalformed)
	}
	return nil
}
