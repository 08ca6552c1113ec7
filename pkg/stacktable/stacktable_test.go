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

package stacktable

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"smpboot.dev/smpboot/pkg/hostarch"
)

const testStackSize = 0x4000

func newTable(t *testing.T, capacity int) *Table {
	t.Helper()
	tbl, err := New(capacity, testStackSize)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return tbl
}

func TestAssignResolve(t *testing.T) {
	tbl := newTable(t, 4)
	want := map[uint32]hostarch.Addr{
		0: 0x104000,
		1: 0x108000,
		2: 0x10c000,
		3: 0x110000,
	}
	for id, top := range want {
		if err := tbl.Assign(id, top); err != nil {
			t.Fatalf("Assign(%d, %v) failed: %v", id, top, err)
		}
	}
	got := make(map[uint32]hostarch.Addr)
	for id := range want {
		top, err := tbl.Resolve(id)
		if err != nil {
			t.Fatalf("Resolve(%d) failed: %v", id, err)
		}
		got[id] = top
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("resolved tops mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{0, 1, 2, 3}, tbl.Assigned()); diff != "" {
		t.Errorf("Assigned mismatch (-want +got):\n%s", diff)
	}
}

func TestRegionsDisjoint(t *testing.T) {
	tbl := newTable(t, 8)
	for id := uint32(0); id < 8; id++ {
		top := hostarch.Addr(0x200000 + uint64(id+1)*testStackSize)
		if err := tbl.Assign(id, top); err != nil {
			t.Fatalf("Assign(%d) failed: %v", id, err)
		}
	}
	for a := uint32(0); a < 8; a++ {
		ra, err := tbl.Region(a)
		if err != nil {
			t.Fatalf("Region(%d) failed: %v", a, err)
		}
		if ra.Length() != testStackSize {
			t.Errorf("Region(%d) length = %#x, want %#x", a, ra.Length(), testStackSize)
		}
		for b := a + 1; b < 8; b++ {
			rb, _ := tbl.Region(b)
			if ra.Overlaps(rb) {
				t.Errorf("Region(%d) = %v overlaps Region(%d) = %v", a, ra, b, rb)
			}
		}
	}
}

func TestResolveErrors(t *testing.T) {
	tbl := newTable(t, 4)
	if err := tbl.Assign(0, 0x104000); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	for _, tc := range []struct {
		id   uint32
		want error
	}{
		{1, ErrUnassigned},
		{4, ErrOutOfRange},
		{260, ErrOutOfRange}, // Must not wrap to slot 0.
	} {
		top, err := tbl.Resolve(tc.id)
		if !errors.Is(err, tc.want) {
			t.Errorf("Resolve(%d) = %v, %v, want error %v", tc.id, top, err, tc.want)
		}
		if top != 0 {
			t.Errorf("Resolve(%d) returned top %v alongside an error", tc.id, top)
		}
	}
}

func TestAssignErrors(t *testing.T) {
	tbl := newTable(t, 4)
	if err := tbl.Assign(0, 0x104000); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	for _, tc := range []struct {
		name string
		id   uint32
		top  hostarch.Addr
		want error
	}{
		{"twice", 0, 0x200000, ErrAlreadyAssigned},
		{"out of range", 4, 0x200000, ErrOutOfRange},
		{"zero", 1, 0, ErrInvalidTop},
		{"misaligned", 1, 0x200008, ErrInvalidTop},
		{"underflow", 1, 0x1000, ErrInvalidTop},
		{"overlap", 1, 0x106000, ErrOverlap},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := tbl.Assign(tc.id, tc.top); !errors.Is(err, tc.want) {
				t.Errorf("Assign(%d, %v) = %v, want %v", tc.id, tc.top, err, tc.want)
			}
		})
	}
}

func TestSeal(t *testing.T) {
	tbl := newTable(t, 2)
	tbl.Seal()
	if !tbl.Sealed() {
		t.Fatalf("Sealed() = false after Seal")
	}
	if err := tbl.Assign(0, 0x104000); !errors.Is(err, ErrSealed) {
		t.Errorf("Assign after Seal = %v, want ErrSealed", err)
	}
}

func TestNewErrors(t *testing.T) {
	for _, tc := range []struct {
		capacity int
		size     uint64
	}{
		{0, testStackSize},
		{MaxCapacity + 1, testStackSize},
		{4, 0},
		{4, 24},
	} {
		if _, err := New(tc.capacity, tc.size); err == nil {
			t.Errorf("New(%d, %d) succeeded", tc.capacity, tc.size)
		}
	}
}

func TestEncode(t *testing.T) {
	tbl := newTable(t, 3)
	if err := tbl.Assign(2, 0x108000); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	b := tbl.Encode()
	if len(b) != 3*EntrySize {
		t.Fatalf("len(Encode()) = %d, want %d", len(b), 3*EntrySize)
	}
	got := []uint64{
		binary.LittleEndian.Uint64(b[0:]),
		binary.LittleEndian.Uint64(b[8:]),
		binary.LittleEndian.Uint64(b[16:]),
	}
	if diff := cmp.Diff([]uint64{0, 0, 0x108000}, got); diff != "" {
		t.Errorf("encoded table mismatch (-want +got):\n%s", diff)
	}
}

func TestConcurrentResolve(t *testing.T) {
	const cores = 64
	tbl := newTable(t, cores)
	for id := uint32(0); id < cores; id++ {
		if err := tbl.Assign(id, hostarch.Addr(0x400000+uint64(id+1)*testStackSize)); err != nil {
			t.Fatalf("Assign(%d) failed: %v", id, err)
		}
	}
	tbl.Seal()

	var wg sync.WaitGroup
	for id := uint32(0); id < cores; id++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				top, err := tbl.Resolve(id)
				if err != nil {
					t.Errorf("Resolve(%d) failed: %v", id, err)
					return
				}
				if want := hostarch.Addr(0x400000 + uint64(id+1)*testStackSize); top != want {
					t.Errorf("Resolve(%d) = %v, want %v", id, top, want)
					return
				}
			}
		}(id)
	}
	wg.Wait()
}
