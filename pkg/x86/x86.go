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

// Package x86 holds the architectural constants touched while moving a core
// from real-address mode to long mode.
package x86

// Control register numbers.
const (
	CR0 = 0
	CR2 = 2
	CR3 = 3
	CR4 = 4
)

// CR0 bits.
const (
	CR0_PE = 1 << 0
	CR0_MP = 1 << 1
	CR0_ET = 1 << 4
	CR0_NE = 1 << 5
	CR0_WP = 1 << 16
	CR0_AM = 1 << 18
	CR0_PG = 1 << 31
)

// CR4 bits.
const (
	CR4_PSE        = 1 << 4
	CR4_PAE        = 1 << 5
	CR4_PGE        = 1 << 7
	CR4_OSFXSR     = 1 << 9
	CR4_OSXMMEXCPT = 1 << 10
	CR4_FSGSBASE   = 1 << 16
	CR4_PCIDE      = 1 << 17
	CR4_OSXSAVE    = 1 << 18
	CR4_SMEP       = 1 << 20
)

// CR3 holds a page-aligned physical address plus cache-control bits.
const (
	CR3_AddressMask = 0x000ffffffffff000
)

// Model specific registers.
const (
	MSR_EFER = 0xc0000080
)

// EFER bits.
const (
	EFER_SCE = 0x001 // System call extension.
	EFER_LME = 0x100 // Long mode enable.
	EFER_LMA = 0x400 // Long mode active.
	EFER_NX  = 0x800 // No-execute enable.
)

// CPUID leaves and feature bits consulted during bring-up.
const (
	// CPUIDFeatures is the basic feature leaf. EBX[31:24] holds the initial
	// local APIC ID of the executing core.
	CPUIDFeatures = 0x1

	// CPUIDExtendedMax returns the highest supported extended leaf in EAX.
	CPUIDExtendedMax = 0x80000000

	// CPUIDExtendedFeatures is the extended feature leaf.
	CPUIDExtendedFeatures = 0x80000001

	// CPUIDExtNX is the no-execute bit in EDX of CPUIDExtendedFeatures.
	CPUIDExtNX = 1 << 20

	// CPUIDExtLM is the long mode bit in EDX of CPUIDExtendedFeatures.
	CPUIDExtLM = 1 << 29

	// CPUIDAPICIDShift extracts the APIC ID from EBX of CPUIDFeatures.
	CPUIDAPICIDShift = 24
)

// RFLAGS bits.
const (
	RFLAGS_RESERVED = 1 << 1
	RFLAGS_IF       = 1 << 9
)

// APICIDFromCPUID extracts the initial local APIC ID from the EBX value of
// CPUIDFeatures.
func APICIDFromCPUID(ebx uint32) uint32 {
	return ebx >> CPUIDAPICIDShift
}

// HasNX returns true if the EDX value of CPUIDExtendedFeatures advertises
// no-execute support.
func HasNX(edx uint32) bool {
	return edx&CPUIDExtNX != 0
}
