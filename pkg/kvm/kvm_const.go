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

//go:build linux && amd64
// +build linux,amd64

package kvm

import "fmt"

// KVM ioctls.
//
// Only the ioctls needed to run real-address mode code on bare vCPUs are
// listed. There is no in-kernel interrupt controller, so startup interrupts
// are emulated by loading the post-SIPI register state.
const (
	_KVM_GET_API_VERSION        = 0xae00
	_KVM_CREATE_VM              = 0xae01
	_KVM_GET_VCPU_MMAP_SIZE     = 0xae04
	_KVM_GET_SUPPORTED_CPUID    = 0xc008ae05
	_KVM_CREATE_VCPU            = 0xae41
	_KVM_SET_USER_MEMORY_REGION = 0x4020ae46
	_KVM_SET_TSS_ADDR           = 0xae47
	_KVM_RUN                    = 0xae80
	_KVM_GET_REGS               = 0x8090ae81
	_KVM_SET_REGS               = 0x4090ae82
	_KVM_GET_SREGS              = 0x8138ae83
	_KVM_SET_SREGS              = 0x4138ae84
	_KVM_SET_CPUID2             = 0x4008ae90
)

// _KVM_API_VERSION is the only stable API version.
const _KVM_API_VERSION = 12

// KVM exit reasons.
const (
	_KVM_EXIT_EXCEPTION      = 0x1
	_KVM_EXIT_IO             = 0x2
	_KVM_EXIT_HLT            = 0x5
	_KVM_EXIT_MMIO           = 0x6
	_KVM_EXIT_SHUTDOWN       = 0x8
	_KVM_EXIT_FAIL_ENTRY     = 0x9
	_KVM_EXIT_INTERNAL_ERROR = 0x11
)

// KVM limits.
const (
	_KVM_NR_INTERRUPTS    = 0x100
	_KVM_NR_CPUID_ENTRIES = 0x100
)

// tssAddress is the three-page region reserved for the VMX real-mode TSS.
// It lies far above guest memory.
const tssAddress = 0xfffbd000

// exitName returns the name of a KVM exit reason.
func exitName(reason uint32) string {
	switch reason {
	case _KVM_EXIT_EXCEPTION:
		return "exception"
	case _KVM_EXIT_IO:
		return "io"
	case _KVM_EXIT_HLT:
		return "hlt"
	case _KVM_EXIT_MMIO:
		return "mmio"
	case _KVM_EXIT_SHUTDOWN:
		return "shutdown"
	case _KVM_EXIT_FAIL_ENTRY:
		return "fail_entry"
	case _KVM_EXIT_INTERNAL_ERROR:
		return "internal_error"
	default:
		return fmt.Sprintf("exit(%d)", reason)
	}
}
