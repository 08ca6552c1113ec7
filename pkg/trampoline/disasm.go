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
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"
)

// Instruction is one decoded instruction.
type Instruction struct {
	// Offset is the offset from the image base.
	Offset int

	// Mode is the decoding width: 16 or 64.
	Mode int

	x86asm.Inst
}

// Decode decodes code as a straight-line sequence in the given mode. offset
// is the position of code within the image.
func Decode(code []byte, mode, offset int) ([]Instruction, error) {
	var insts []Instruction
	for pc := 0; pc < len(code); {
		inst, err := x86asm.Decode(code[pc:], mode)
		if err != nil {
			return insts, fmt.Errorf("decoding %d-bit code at %#x: %w", mode, offset+pc, err)
		}
		insts = append(insts, Instruction{Offset: offset + pc, Mode: mode, Inst: inst})
		pc += inst.Len
	}
	return insts, nil
}

// Disassemble decodes the real-address mode code in 16-bit mode and the
// long mode code in 64-bit mode.
func (img *Image) Disassemble() ([]Instruction, error) {
	l := img.layout
	insts, err := Decode(img.code[:l.Code16End], 16, 0)
	if err != nil {
		return nil, err
	}
	insts64, err := Decode(img.code[l.Code64:l.Code64End], 64, l.Code64)
	if err != nil {
		return nil, err
	}
	return append(insts, insts64...), nil
}

// WriteListing writes an annotated Intel-syntax listing of img to w.
func (img *Image) WriteListing(w io.Writer) error {
	insts, err := img.Disassemble()
	if err != nil {
		return err
	}
	marks := make(map[int][]string)
	for _, m := range img.marks {
		marks[m.Offset] = append(marks[m.Offset], m.State.String())
	}
	fieldAt := make(map[int]Field)
	for f, off := range img.fields {
		fieldAt[off] = f
	}
	mode := 0
	for _, inst := range insts {
		if inst.Mode != mode {
			mode = inst.Mode
			fmt.Fprintf(w, "\n; %d-bit code\n", mode)
		}
		for _, s := range marks[inst.Offset] {
			fmt.Fprintf(w, "%s:\n", s)
		}
		pc := uint64(img.cfg.Base) + uint64(inst.Offset)
		line := fmt.Sprintf("  %#08x  % -24x  %s", pc, img.code[inst.Offset:inst.Offset+inst.Len], x86asm.IntelSyntax(inst.Inst, pc, nil))
		for off := inst.Offset; off < inst.Offset+inst.Len; off++ {
			if f, ok := fieldAt[off]; ok {
				line += fmt.Sprintf("  ; patch %v", f)
			}
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	l := img.layout
	_, err = fmt.Fprintf(w, "\n; data\n  gdt_pointer %#x\n  gdt %#x (%d bytes)\n  gate %#x\n  arrivals %#x\n",
		uint64(img.cfg.Base)+uint64(l.GDTPointer), uint64(img.GDTAddr()), img.cfg.GDT.Size(), uint64(img.GateAddr()), uint64(img.ArrivalsAddr()))
	return err
}
