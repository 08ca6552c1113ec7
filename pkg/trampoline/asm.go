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

package trampoline

import (
	"encoding/binary"
	"fmt"

	"smpboot.dev/smpboot/pkg/x86"
)

// label names a position in the image.
type label int

// fixupKind is how a label reference is encoded.
type fixupKind int

const (
	rel8  fixupKind = iota // Signed displacement from the end of the field.
	rel32                  // Ditto, 32 bits.
	off16                  // Offset from the image start, for real-mode DS-relative operands.
	abs32                  // Physical address: base + offset.
	abs64                  // Ditto, 64 bits.
)

func (k fixupKind) size() int {
	switch k {
	case rel8:
		return 1
	case off16:
		return 2
	case rel32, abs32:
		return 4
	default:
		return 8
	}
}

type fixup struct {
	at   int
	kind fixupKind
	to   label
}

// assembler emits x86 machine code with forward references. It knows only
// the handful of instruction forms the trampoline needs, which are emitted
// as raw bytes by the caller.
type assembler struct {
	buf    []byte
	labels map[label]int
	fixups []fixup
	fields map[Field]int
	next   label
}

func newAssembler() *assembler {
	return &assembler{
		labels: make(map[label]int),
		fields: make(map[Field]int),
	}
}

// newLabel returns an unbound label.
func (a *assembler) newLabel() label {
	a.next++
	return a.next
}

// bind binds l to the current position.
func (a *assembler) bind(l label) {
	if _, ok := a.labels[l]; ok {
		panic(fmt.Sprintf("label %d bound twice", l))
	}
	a.labels[l] = len(a.buf)
}

// pc returns the current position.
func (a *assembler) pc() int {
	return len(a.buf)
}

func (a *assembler) emit(b ...byte) {
	a.buf = append(a.buf, b...)
}

func (a *assembler) imm16(v uint16) {
	a.buf = binary.LittleEndian.AppendUint16(a.buf, v)
}

func (a *assembler) imm32(v uint32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
}

// ref emits a placeholder referencing l.
func (a *assembler) ref(kind fixupKind, l label) {
	a.fixups = append(a.fixups, fixup{at: len(a.buf), kind: kind, to: l})
	a.buf = append(a.buf, make([]byte, kind.size())...)
}

// field emits a zeroed placeholder for a value supplied at patch time.
func (a *assembler) field(f Field) {
	if _, ok := a.fields[f]; ok {
		panic(fmt.Sprintf("field %v emitted twice", f))
	}
	a.fields[f] = len(a.buf)
	a.buf = append(a.buf, make([]byte, f.Size())...)
}

// jmp8 emits a short jump (opcode EB or a 7x condition code).
func (a *assembler) jmp8(op byte, l label) {
	a.emit(op)
	a.ref(rel8, l)
}

// jcc32 emits a near conditional jump, 0F 8x.
func (a *assembler) jcc32(cc byte, l label) {
	a.emit(0x0f, 0x80|cc)
	a.ref(rel32, l)
}

// align pads with fill to a multiple of n.
func (a *assembler) align(n int, fill byte) {
	for len(a.buf)%n != 0 {
		a.buf = append(a.buf, fill)
	}
}

// haltLoop parks the core for good: cli; hlt; jmp back to the hlt.
func (a *assembler) haltLoop() {
	a.emit(0xfa, 0xf4, 0xeb, 0xfd)
}

// setEFER16 ors bits into EFER. The operand-size prefixes make it valid in
// real-address mode only.
func (a *assembler) setEFER16(bits uint32) {
	a.emit(0x66, 0xb9) // mov ecx, MSR_EFER
	a.imm32(x86.MSR_EFER)
	a.emit(0x0f, 0x32) // rdmsr
	a.emit(0x66, 0x0d) // or eax, bits
	a.imm32(bits)
	a.emit(0x0f, 0x30) // wrmsr
}

// finish resolves all references for an image loaded at base.
func (a *assembler) finish(base uint64) ([]byte, error) {
	for _, f := range a.fixups {
		target, ok := a.labels[f.to]
		if !ok {
			return nil, fmt.Errorf("unbound label %d referenced at %#x", f.to, f.at)
		}
		end := f.at + f.kind.size()
		switch f.kind {
		case rel8:
			d := target - end
			if d < -128 || d > 127 {
				return nil, fmt.Errorf("short jump at %#x to %#x out of range", f.at, target)
			}
			a.buf[f.at] = byte(int8(d))
		case rel32:
			binary.LittleEndian.PutUint32(a.buf[f.at:], uint32(int32(target-end)))
		case off16:
			if target > 0xffff {
				return nil, fmt.Errorf("offset %#x at %#x exceeds 16 bits", target, f.at)
			}
			binary.LittleEndian.PutUint16(a.buf[f.at:], uint16(target))
		case abs32:
			addr := base + uint64(target)
			if addr > 0xffffffff {
				return nil, fmt.Errorf("address %#x at %#x exceeds 32 bits", addr, f.at)
			}
			binary.LittleEndian.PutUint32(a.buf[f.at:], uint32(addr))
		case abs64:
			binary.LittleEndian.PutUint64(a.buf[f.at:], base+uint64(target))
		}
	}
	return a.buf, nil
}
