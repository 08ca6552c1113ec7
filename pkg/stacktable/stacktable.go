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

// Package stacktable maps processor identifiers to private stack tops.
//
// The table has a fixed capacity chosen at construction and never grows. Each
// slot is written exactly once by the bootstrap processor before the
// synchronization gate opens, and read only by the core that owns the slot
// after it has observed the gate open. A zero slot means "unassigned"; the
// trampoline relies on this encoding.
package stacktable

import (
	"encoding/binary"
	"errors"
	"fmt"

	"smpboot.dev/smpboot/pkg/atomicbitops"
	"smpboot.dev/smpboot/pkg/hostarch"
)

// EntrySize is the size of one table slot in memory.
const EntrySize = 8

// StackAlignment is the required alignment of a stack top.
const StackAlignment = 16

// MaxCapacity is the largest supported table. Local APIC IDs delivered by
// CPUID leaf 1 are eight bits wide.
const MaxCapacity = 256

var (
	// ErrOutOfRange is returned for processor IDs beyond the table capacity.
	ErrOutOfRange = errors.New("processor id out of range")

	// ErrUnassigned is returned when resolving an ID that has no stack.
	ErrUnassigned = errors.New("no stack assigned")

	// ErrAlreadyAssigned is returned when assigning an ID twice.
	ErrAlreadyAssigned = errors.New("stack already assigned")

	// ErrOverlap is returned when a new stack overlaps an assigned one.
	ErrOverlap = errors.New("stack overlaps an assigned stack")

	// ErrInvalidTop is returned for zero, misaligned or underflowing tops.
	ErrInvalidTop = errors.New("invalid stack top")

	// ErrSealed is returned when assigning after the table was published.
	ErrSealed = errors.New("stack table sealed")
)

// Table is a fixed-capacity stack table.
type Table struct {
	// stackSize is the size of every stack; it defines the region each
	// assigned top owns.
	stackSize uint64

	// entries holds the stack tops, indexed by processor ID.
	entries []atomicbitops.Uint64

	// sealed is set once the table has been published.
	sealed atomicbitops.Bool
}

// New returns an empty table with the given capacity and per-core stack size.
func New(capacity int, stackSize uint64) (*Table, error) {
	if capacity <= 0 || capacity > MaxCapacity {
		return nil, fmt.Errorf("capacity %d not in [1, %d]", capacity, MaxCapacity)
	}
	if stackSize == 0 || stackSize%StackAlignment != 0 {
		return nil, fmt.Errorf("stack size %#x must be a non-zero multiple of %d", stackSize, StackAlignment)
	}
	return &Table{
		stackSize: stackSize,
		entries:   make([]atomicbitops.Uint64, capacity),
	}, nil
}

// Capacity returns the number of slots.
func (t *Table) Capacity() int {
	return len(t.entries)
}

// StackSize returns the size of each stack.
func (t *Table) StackSize() uint64 {
	return t.stackSize
}

// Assign records top as the stack top for processor id.
//
// Precondition: called only by the bootstrap processor, before Seal.
func (t *Table) Assign(id uint32, top hostarch.Addr) error {
	if t.sealed.Load() {
		return fmt.Errorf("assigning processor %d: %w", id, ErrSealed)
	}
	if int(id) >= len(t.entries) {
		return fmt.Errorf("assigning processor %d (capacity %d): %w", id, len(t.entries), ErrOutOfRange)
	}
	if top == 0 || top%StackAlignment != 0 || uint64(top) < t.stackSize {
		return fmt.Errorf("assigning processor %d top %v: %w", id, top, ErrInvalidTop)
	}
	if t.entries[id].Load() != 0 {
		return fmt.Errorf("assigning processor %d: %w", id, ErrAlreadyAssigned)
	}
	r := t.region(top)
	for other := range t.entries {
		v := t.entries[other].Load()
		if v == 0 {
			continue
		}
		if o := t.region(hostarch.Addr(v)); o.Overlaps(r) {
			return fmt.Errorf("assigning processor %d stack %v, processor %d owns %v: %w", id, r, other, o, ErrOverlap)
		}
	}
	t.entries[id].Store(uint64(top))
	return nil
}

// Seal forbids further assignment. It is called by the bootstrap processor
// immediately before it opens the synchronization gate.
func (t *Table) Seal() {
	t.sealed.Store(true)
}

// Sealed returns true if Seal was called.
func (t *Table) Sealed() bool {
	return t.sealed.Load()
}

// Resolve returns the stack top for processor id.
//
// Precondition: the caller is the core identified by id and has observed the
// synchronization gate open. IDs beyond the capacity never wrap onto another
// slot.
func (t *Table) Resolve(id uint32) (hostarch.Addr, error) {
	if int(id) >= len(t.entries) {
		return 0, fmt.Errorf("resolving processor %d (capacity %d): %w", id, len(t.entries), ErrOutOfRange)
	}
	v := t.entries[id].Load()
	if v == 0 {
		return 0, fmt.Errorf("resolving processor %d: %w", id, ErrUnassigned)
	}
	return hostarch.Addr(v), nil
}

// Region returns the stack region owned by processor id.
func (t *Table) Region(id uint32) (hostarch.AddrRange, error) {
	top, err := t.Resolve(id)
	if err != nil {
		return hostarch.AddrRange{}, err
	}
	return t.region(top), nil
}

// Assigned returns the IDs that have a stack, in increasing order.
func (t *Table) Assigned() []uint32 {
	var ids []uint32
	for i := range t.entries {
		if t.entries[i].Load() != 0 {
			ids = append(ids, uint32(i))
		}
	}
	return ids
}

// Size returns the size of the encoded table in bytes.
func (t *Table) Size() int {
	return len(t.entries) * EntrySize
}

// Encode returns the table as laid out in shared memory: one little-endian
// stack top per processor ID, zero for unassigned slots.
func (t *Table) Encode() []byte {
	b := make([]byte, t.Size())
	for i := range t.entries {
		binary.LittleEndian.PutUint64(b[i*EntrySize:], t.entries[i].Load())
	}
	return b
}

func (t *Table) region(top hostarch.Addr) hostarch.AddrRange {
	return hostarch.AddrRange{Start: top - hostarch.Addr(t.stackSize), End: top}
}
