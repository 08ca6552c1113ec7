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

package ring0

import (
	"fmt"

	"smpboot.dev/smpboot/pkg/hostarch"
	"smpboot.dev/smpboot/pkg/segment"
)

// State is a step of the mode transition. States are totally ordered and a
// core only moves forward, except that any state may move to Halted.
type State int

// States, in order.
const (
	Reset State = iota
	FeaturesEnabled
	PagingPrimed
	LongModeRequested
	PagingActive
	SegmentsReloaded
	StackResolved
	Synchronized
	HandedOff
	Halted
)

var stateNames = [...]string{
	Reset:             "Reset",
	FeaturesEnabled:   "FeaturesEnabled",
	PagingPrimed:      "PagingPrimed",
	LongModeRequested: "LongModeRequested",
	PagingActive:      "PagingActive",
	SegmentsReloaded:  "SegmentsReloaded",
	StackResolved:     "StackResolved",
	Synchronized:      "Synchronized",
	HandedOff:         "HandedOff",
	Halted:            "Halted",
}

// String implements fmt.Stringer.String.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal returns true for HandedOff and Halted.
func (s State) Terminal() bool {
	return s == HandedOff || s == Halted
}

// NXPolicy selects how the no-execute extension is handled.
type NXPolicy int

const (
	// NXBestEffort enables no-execute when the core supports it and records
	// a degraded result otherwise.
	NXBestEffort NXPolicy = iota

	// NXRequire halts cores that lack no-execute.
	NXRequire

	// NXDisable never enables no-execute.
	NXDisable
)

// String implements fmt.Stringer.String.
func (p NXPolicy) String() string {
	switch p {
	case NXBestEffort:
		return "best-effort"
	case NXRequire:
		return "require"
	case NXDisable:
		return "disable"
	default:
		return fmt.Sprintf("NXPolicy(%d)", int(p))
	}
}

// Set implements flag.Value.Set.
func (p *NXPolicy) Set(s string) error {
	switch s {
	case "best-effort":
		*p = NXBestEffort
	case "require":
		*p = NXRequire
	case "disable":
		*p = NXDisable
	default:
		return fmt.Errorf("invalid NX policy %q, must be 'best-effort', 'require' or 'disable'", s)
	}
	return nil
}

// Get implements flag.Getter.Get.
func (p *NXPolicy) Get() any {
	return *p
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *NXPolicy) UnmarshalText(b []byte) error {
	return p.Set(string(b))
}

// MarshalText implements encoding.TextMarshaler.
func (p NXPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Core is the hardware surface of one secondary core, as seen by the mode
// transition. Register writes return an error where the hardware would raise
// an exception; with no interrupt table installed such an exception is fatal
// for the core.
type Core interface {
	// CPUID executes the CPUID instruction.
	CPUID(eax, ecx uint32) (a, b, c, d uint32)

	// ReadCR reads control register n.
	ReadCR(n int) uint64

	// WriteCR writes control register n.
	WriteCR(n int, v uint64) error

	// ReadMSR reads a model specific register.
	ReadMSR(msr uint32) (uint64, error)

	// WriteMSR writes a model specific register.
	WriteMSR(msr uint32, v uint64) error

	// LoadGDT loads the descriptor table register.
	LoadGDT(base hostarch.Addr, limit uint16) error

	// LoadSegments reloads CS with a far transfer and the data segment
	// registers with ds.
	LoadSegments(cs, ds segment.Selector) error

	// SetStack loads the stack pointer.
	SetStack(top hostarch.Addr)

	// Halt parks the core with interrupts disabled. It returns to the caller
	// only so that simulated cores can unwind.
	Halt()
}
