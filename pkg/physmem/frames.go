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

package physmem

import (
	"errors"
	"fmt"

	"smpboot.dev/smpboot/pkg/hostarch"
)

// ErrOutOfMemory is returned when the allocator region is exhausted.
var ErrOutOfMemory = errors.New("out of memory")

// FrameAllocator hands out zeroed, page-aligned frames from a fixed region.
//
// Allocations are tracked with a single cursor; frames cannot be freed. Once
// the kernel proper is running the region is handed to a real allocator.
type FrameAllocator struct {
	mem    *Memory
	region hostarch.AddrRange
	next   hostarch.Addr
}

// NewFrameAllocator returns an allocator over region, which is rounded
// inwards to page boundaries.
func NewFrameAllocator(mem *Memory, region hostarch.AddrRange) (*FrameAllocator, error) {
	start, ok := region.Start.RoundUp()
	if !ok {
		return nil, fmt.Errorf("region %v start wraps", region)
	}
	end := region.End.RoundDown()
	if start >= end || uint64(end) > mem.Size() {
		return nil, fmt.Errorf("region %v empty or outside %#x bytes of memory", region, mem.Size())
	}
	return &FrameAllocator{
		mem:    mem,
		region: hostarch.AddrRange{Start: start, End: end},
		next:   start,
	}, nil
}

// Alloc reserves n contiguous zeroed frames and returns the first address.
func (a *FrameAllocator) Alloc(n uint64) (hostarch.Addr, error) {
	length := n * hostarch.PageSize
	end, ok := a.next.AddLength(length)
	if n == 0 || !ok || end > a.region.End {
		return 0, fmt.Errorf("allocating %d frames at %v in %v: %w", n, a.next, a.region, ErrOutOfMemory)
	}
	addr := a.next
	b, err := a.mem.Slice(addr, length)
	if err != nil {
		return 0, err
	}
	for i := range b {
		b[i] = 0
	}
	a.next = end
	return addr, nil
}

// Allocated returns the number of bytes handed out so far.
func (a *FrameAllocator) Allocated() uint64 {
	return uint64(a.next - a.region.Start)
}

// Region returns the managed region.
func (a *FrameAllocator) Region() hostarch.AddrRange {
	return a.region
}
