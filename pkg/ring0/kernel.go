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

// Package ring0 moves secondary cores from their reset state into the
// kernel.
//
// The bootstrap processor publishes a Kernel: the page table root, the
// descriptor table, the stack table and the synchronization gate. Each
// secondary core then runs a Routine, which walks the mode transition one
// State at a time and finally calls the kernel entry point on the core's
// private stack. Nothing in this package allocates, locks or retries: a core
// either reaches HandedOff or halts.
package ring0

import (
	"errors"
	"fmt"

	"smpboot.dev/smpboot/pkg/gate"
	"smpboot.dev/smpboot/pkg/hostarch"
	"smpboot.dev/smpboot/pkg/segment"
	"smpboot.dev/smpboot/pkg/stacktable"
)

// Entry is the kernel entry point. It runs on the core's private stack in
// 64-bit mode and never returns on hardware. The core's identity is
// available through c.CPUID.
type Entry func(c Core)

// Kernel is the state shared with secondary cores.
//
// All fields are written by the bootstrap processor before the gate opens
// and are read-only afterwards.
type Kernel struct {
	// PageTableRoot is loaded into CR3 while the core still runs 32-bit
	// instructions, so it must lie below 4GB.
	PageTableRoot hostarch.Addr

	// GDT is the descriptor table and GDTBase its physical location.
	GDT     *segment.Table
	GDTBase hostarch.Addr

	// Stacks maps processor IDs to stack tops.
	Stacks *stacktable.Table

	// Gate releases the cores.
	Gate *gate.Gate

	// Arrivals, if non-nil, counts cores that reached Synchronized.
	Arrivals *gate.Arrivals

	// Entry is called on hand-off.
	Entry Entry
}

// ErrBadKernel is returned by Validate.
var ErrBadKernel = errors.New("incomplete kernel state")

// Validate checks that k can be used to start cores.
func (k *Kernel) Validate() error {
	switch {
	case k.PageTableRoot == 0 || !k.PageTableRoot.IsPageAligned():
		return fmt.Errorf("page table root %v not page aligned: %w", k.PageTableRoot, ErrBadKernel)
	case k.PageTableRoot >= hostarch.ProtectedModeLimit:
		return fmt.Errorf("page table root %v above 4GB: %w", k.PageTableRoot, ErrBadKernel)
	case k.GDT == nil:
		return fmt.Errorf("no descriptor table: %w", ErrBadKernel)
	case k.GDTBase >= hostarch.ProtectedModeLimit:
		return fmt.Errorf("descriptor table %v above 4GB: %w", k.GDTBase, ErrBadKernel)
	case k.Stacks == nil:
		return fmt.Errorf("no stack table: %w", ErrBadKernel)
	case k.Gate == nil:
		return fmt.Errorf("no gate: %w", ErrBadKernel)
	case k.Entry == nil:
		return fmt.Errorf("no entry point: %w", ErrBadKernel)
	}
	return nil
}
