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

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd int, req, arg uintptr) (uintptr, unix.Errno) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	return r, errno
}

// setMemoryRegion installs host memory as guest physical memory.
func (m *Machine) setMemoryRegion(slot int, physical uint64, data []byte) error {
	region := userMemoryRegion{
		slot:          uint32(slot),
		guestPhysAddr: physical,
		memorySize:    uint64(len(data)),
		userspaceAddr: uint64(uintptr(unsafe.Pointer(&data[0]))),
	}
	if _, errno := ioctl(m.fd, _KVM_SET_USER_MEMORY_REGION, uintptr(unsafe.Pointer(&region))); errno != 0 {
		return fmt.Errorf("setting memory region %d: %v", slot, errno)
	}
	return nil
}

// supportedCPUID returns the CPUID leaves KVM can expose.
func supportedCPUID(fd int) (*cpuidEntries, error) {
	entries := &cpuidEntries{nr: _KVM_NR_CPUID_ENTRIES}
	if _, errno := ioctl(fd, _KVM_GET_SUPPORTED_CPUID, uintptr(unsafe.Pointer(entries))); errno != 0 {
		return nil, fmt.Errorf("getting supported CPUID: %v", errno)
	}
	return entries, nil
}

// mapRunData maps the run area of a vCPU.
func mapRunData(fd int, size int) (*runData, []byte, error) {
	b, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mapping run data: %w", err)
	}
	return (*runData)(unsafe.Pointer(&b[0])), b, nil
}

// setCPUID sets the CPUID to be used by the guest.
func (c *vCPU) setCPUID(entries *cpuidEntries) error {
	if _, errno := ioctl(c.fd, _KVM_SET_CPUID2, uintptr(unsafe.Pointer(entries))); errno != 0 {
		return fmt.Errorf("error setting CPUID: %v", errno)
	}
	return nil
}

// setUserRegisters sets user registers in the vCPU.
func (c *vCPU) setUserRegisters(uregs *userRegs) error {
	if _, errno := ioctl(c.fd, _KVM_SET_REGS, uintptr(unsafe.Pointer(uregs))); errno != 0 {
		return fmt.Errorf("error setting user registers: %v", errno)
	}
	return nil
}

// getUserRegisters reloads user registers from the vCPU.
func (c *vCPU) getUserRegisters(uregs *userRegs) error {
	if _, errno := ioctl(c.fd, _KVM_GET_REGS, uintptr(unsafe.Pointer(uregs))); errno != 0 {
		return fmt.Errorf("error getting user registers: %v", errno)
	}
	return nil
}

// setSystemRegisters sets system registers.
func (c *vCPU) setSystemRegisters(sregs *systemRegs) error {
	if _, errno := ioctl(c.fd, _KVM_SET_SREGS, uintptr(unsafe.Pointer(sregs))); errno != 0 {
		return fmt.Errorf("error setting system registers: %v", errno)
	}
	return nil
}

// getSystemRegisters gets system registers.
func (c *vCPU) getSystemRegisters(sregs *systemRegs) error {
	if _, errno := ioctl(c.fd, _KVM_GET_SREGS, uintptr(unsafe.Pointer(sregs))); errno != 0 {
		return fmt.Errorf("error getting system registers: %v", errno)
	}
	return nil
}

// run enters the guest until the next exit that is not an interruption.
func (c *vCPU) run() error {
	for {
		_, errno := ioctl(c.fd, _KVM_RUN, 0)
		switch errno {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return fmt.Errorf("running vCPU %d: %v", c.id, errno)
		}
	}
}
