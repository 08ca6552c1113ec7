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

// Package physmem models a flat range of physical memory shared by every core
// during bring-up, and a boot-time frame allocator on top of it.
package physmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"smpboot.dev/smpboot/pkg/hostarch"
)

// ErrOutOfBounds is returned for accesses outside of the memory range.
var ErrOutOfBounds = errors.New("physical access out of bounds")

// Memory is a contiguous range of physical memory starting at address zero.
//
// The backing slice may be ordinary heap memory (simulation) or a host
// mapping that is also installed as guest memory (KVM).
type Memory struct {
	data []byte
}

// New returns zeroed memory of the given size.
func New(size uint64) *Memory {
	return &Memory{data: make([]byte, size)}
}

// FromBytes wraps existing backing storage. The slice must be 8-byte aligned
// for the atomic accessors to be valid.
func FromBytes(b []byte) *Memory {
	return &Memory{data: b}
}

// Size returns the size of memory in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

// Bytes returns the backing storage.
func (m *Memory) Bytes() []byte {
	return m.data
}

// Slice returns the bytes [addr, addr+length).
func (m *Memory) Slice(addr hostarch.Addr, length uint64) ([]byte, error) {
	end, ok := addr.AddLength(length)
	if !ok || uint64(end) > uint64(len(m.data)) {
		return nil, fmt.Errorf("access [%v, %v) of %#x bytes: %w", addr, end, len(m.data), ErrOutOfBounds)
	}
	return m.data[addr:end], nil
}

// Write copies b to addr.
func (m *Memory) Write(addr hostarch.Addr, b []byte) error {
	dst, err := m.Slice(addr, uint64(len(b)))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// Read copies memory at addr into b.
func (m *Memory) Read(addr hostarch.Addr, b []byte) error {
	src, err := m.Slice(addr, uint64(len(b)))
	if err != nil {
		return err
	}
	copy(b, src)
	return nil
}

// Uint64 reads a little-endian word at addr.
func (m *Memory) Uint64(addr hostarch.Addr) (uint64, error) {
	b, err := m.Slice(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// PutUint64 writes a little-endian word at addr.
func (m *Memory) PutUint64(addr hostarch.Addr, v uint64) error {
	b, err := m.Slice(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// word returns the aligned 32-bit word at addr.
func (m *Memory) word(addr hostarch.Addr) (*uint32, error) {
	if addr%4 != 0 {
		return nil, fmt.Errorf("unaligned word at %v", addr)
	}
	b, err := m.Slice(addr, 4)
	if err != nil {
		return nil, err
	}
	return (*uint32)(unsafe.Pointer(&b[0])), nil
}

// LoadUint32 atomically loads the 32-bit word at addr.
func (m *Memory) LoadUint32(addr hostarch.Addr) (uint32, error) {
	w, err := m.word(addr)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(w), nil
}

// StoreUint32 atomically stores the 32-bit word at addr.
func (m *Memory) StoreUint32(addr hostarch.Addr, v uint32) error {
	w, err := m.word(addr)
	if err != nil {
		return err
	}
	atomic.StoreUint32(w, v)
	return nil
}
