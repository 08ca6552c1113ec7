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

package atomicbitops

import (
	"sync"
	"testing"
)

func TestUint32Add(t *testing.T) {
	const goroutines, adds = 8, 1000
	var u Uint32
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < adds; j++ {
				u.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := u.Load(); got != goroutines*adds {
		t.Errorf("Load() = %d, want %d", got, goroutines*adds)
	}
}

func TestUint64CompareAndSwap(t *testing.T) {
	u := FromUint64(7)
	if u.CompareAndSwap(8, 9) {
		t.Errorf("CompareAndSwap(8, 9) succeeded with value 7")
	}
	if !u.CompareAndSwap(7, 9) {
		t.Errorf("CompareAndSwap(7, 9) failed with value 7")
	}
	if got := u.Load(); got != 9 {
		t.Errorf("Load() = %d, want 9", got)
	}
}

func TestBool(t *testing.T) {
	b := FromBool(false)
	if b.Swap(true) {
		t.Errorf("Swap returned true for an initially false Bool")
	}
	if !b.Load() {
		t.Errorf("Load() = false after Swap(true)")
	}
	b.Store(false)
	if b.Load() {
		t.Errorf("Load() = true after Store(false)")
	}
}
