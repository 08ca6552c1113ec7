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
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"smpboot.dev/smpboot/pkg/apic"
	"smpboot.dev/smpboot/pkg/hostarch"
	"smpboot.dev/smpboot/pkg/log"
	"smpboot.dev/smpboot/pkg/physmem"
	"smpboot.dev/smpboot/pkg/x86"
)

// ErrNoSuchVCPU is returned for interrupts to an absent APIC ID.
var ErrNoSuchVCPU = errors.New("no vCPU with that APIC ID")

// Real-address mode segment types.
const (
	realModeCode = 0xb
	realModeData = 0x3
)

type vCPUState int

const (
	vCPUOff vCPUState = iota
	vCPUWaitForSIPI
	vCPURunning
)

// vCPU is a single KVM vCPU.
type vCPU struct {
	// id is the APIC ID, reported through CPUID.
	id uint32

	// fd is the vCPU fd.
	fd int

	// runData for this vCPU.
	runData *runData
	runMap  []byte

	state vCPUState
}

// Exit is the state of a vCPU when it stopped running.
type Exit struct {
	// ID is the APIC ID of the vCPU.
	ID uint32

	// Reason is the KVM exit reason.
	Reason uint32

	RIP  uint64
	RSP  uint64
	CR0  uint64
	CR3  uint64
	CR4  uint64
	EFER uint64
	CS   uint16
}

// Halted returns true if the vCPU executed HLT.
func (e *Exit) Halted() bool {
	return e.Reason == _KVM_EXIT_HLT
}

// Shutdown returns true if the vCPU triple faulted.
func (e *Exit) Shutdown() bool {
	return e.Reason == _KVM_EXIT_SHUTDOWN
}

// String implements fmt.Stringer.String.
func (e Exit) String() string {
	return fmt.Sprintf("vCPU %d: %s at rip %#x, rsp %#x, cr0 %#x, efer %#x", e.ID, exitName(e.Reason), e.RIP, e.RSP, e.CR0, e.EFER)
}

// LongMode returns true if long mode was active.
func (e *Exit) LongMode() bool {
	return e.EFER&x86.EFER_LMA != 0
}

// Machine is a VM with flat guest physical memory and a set of vCPUs. It
// implements apic.Sender by loading the register state a startup interrupt
// produces.
type Machine struct {
	// fd is the VM fd.
	fd int

	// mapping backs guest physical memory.
	mapping []byte
	mem     *physmem.Memory

	// cpuid is the supported CPUID, patched per vCPU.
	cpuid *cpuidEntries

	g errgroup.Group

	mu    sync.Mutex
	vCPUs map[uint8]*vCPU
	exits []Exit
}

// OpenDevice opens the KVM device.
func OpenDevice() (int, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("opening /dev/kvm: %w", err)
	}
	return fd, nil
}

// NewMachine creates a VM with memorySize bytes of memory at guest physical
// address zero and one vCPU per APIC ID.
func NewMachine(memorySize uint64, ids []uint32) (*Machine, error) {
	if memorySize == 0 || memorySize%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("memory size %#x is not a non-zero page multiple", memorySize)
	}
	kvm, err := OpenDevice()
	if err != nil {
		return nil, err
	}
	defer unix.Close(kvm)

	if v, errno := ioctl(kvm, _KVM_GET_API_VERSION, 0); errno != 0 || v != _KVM_API_VERSION {
		return nil, fmt.Errorf("KVM API version %d (%v), want %d", v, errno, _KVM_API_VERSION)
	}
	runSize, errno := ioctl(kvm, _KVM_GET_VCPU_MMAP_SIZE, 0)
	if errno != 0 {
		return nil, fmt.Errorf("getting vCPU mmap size: %v", errno)
	}
	cpuid, err := supportedCPUID(kvm)
	if err != nil {
		return nil, err
	}
	vm, errno := ioctl(kvm, _KVM_CREATE_VM, 0)
	if errno != 0 {
		return nil, fmt.Errorf("creating VM: %v", errno)
	}
	m := &Machine{
		fd:    int(vm),
		cpuid: cpuid,
		vCPUs: make(map[uint8]*vCPU),
	}
	if _, errno := ioctl(m.fd, _KVM_SET_TSS_ADDR, tssAddress); errno != 0 {
		m.Close()
		return nil, fmt.Errorf("setting TSS address: %v", errno)
	}
	m.mapping, err = unix.Mmap(-1, 0, int(memorySize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("mapping guest memory: %w", err)
	}
	m.mem = physmem.FromBytes(m.mapping)
	if err := m.setMemoryRegion(0, 0, m.mapping); err != nil {
		m.Close()
		return nil, err
	}
	for _, id := range ids {
		if err := m.newVCPU(id, int(runSize)); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

func (m *Machine) newVCPU(id uint32, runSize int) error {
	if id > 0xff {
		return fmt.Errorf("APIC ID %d does not fit 8 bits", id)
	}
	if _, ok := m.vCPUs[uint8(id)]; ok {
		return fmt.Errorf("duplicate APIC ID %d", id)
	}
	fd, errno := ioctl(m.fd, _KVM_CREATE_VCPU, uintptr(id))
	if errno != 0 {
		return fmt.Errorf("creating vCPU %d: %v", id, errno)
	}
	c := &vCPU{id: id, fd: int(fd)}
	m.vCPUs[uint8(id)] = c
	rd, b, err := mapRunData(c.fd, runSize)
	if err != nil {
		return err
	}
	c.runData, c.runMap = rd, b

	// The initial APIC ID is what the routine indexes the stack table by.
	entries := *m.cpuid
	if leaf := entries.find(x86.CPUIDFeatures); leaf != nil {
		leaf.ebx = leaf.ebx&^(0xff<<x86.CPUIDAPICIDShift) | id<<x86.CPUIDAPICIDShift
	}
	return c.setCPUID(&entries)
}

// Memory returns guest physical memory.
func (m *Machine) Memory() *physmem.Memory {
	return m.mem
}

// Send implements apic.Sender.Send.
func (m *Machine) Send(icr apic.ICR) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.vCPUs[icr.Destination()]
	if !ok {
		return fmt.Errorf("%v: %w", icr, ErrNoSuchVCPU)
	}
	switch icr.Mode() {
	case apic.INIT:
		if c.state == vCPUOff {
			c.state = vCPUWaitForSIPI
		}
		return nil
	case apic.Startup:
		if c.state != vCPUWaitForSIPI {
			log.Debugf("vCPU %d: ignoring %v", c.id, icr)
			return nil
		}
		if err := c.startAt(icr.StartAddress()); err != nil {
			return err
		}
		c.state = vCPURunning
		m.g.Go(func() error {
			exit, err := c.runToExit()
			if err != nil {
				return err
			}
			m.mu.Lock()
			m.exits = append(m.exits, exit)
			m.mu.Unlock()
			return nil
		})
		return nil
	default:
		return fmt.Errorf("%v: delivery mode not supported", icr)
	}
}

// startAt loads the state left by a startup interrupt with vector
// base>>12: CS:IP is base>>4:0 in real-address mode.
func (c *vCPU) startAt(base hostarch.Addr) error {
	var sregs systemRegs
	if err := c.getSystemRegisters(&sregs); err != nil {
		return err
	}
	sregs.CS.loadRealMode(base, realModeCode)
	for _, s := range []*segment{&sregs.DS, &sregs.ES, &sregs.SS, &sregs.FS, &sregs.GS} {
		s.loadRealMode(0, realModeData)
	}
	sregs.CR0 = x86.CR0_ET
	sregs.CR3, sregs.CR4, sregs.EFER = 0, 0, 0
	if err := c.setSystemRegisters(&sregs); err != nil {
		return err
	}
	return c.setUserRegisters(&userRegs{RIP: 0, RFLAGS: x86.RFLAGS_RESERVED})
}

// runToExit runs the vCPU until it halts or shuts down.
func (c *vCPU) runToExit() (Exit, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := c.run(); err != nil {
		return Exit{}, err
	}
	exit := Exit{ID: c.id, Reason: c.runData.exitReason}
	var (
		regs  userRegs
		sregs systemRegs
	)
	if err := c.getUserRegisters(&regs); err != nil {
		return exit, err
	}
	if err := c.getSystemRegisters(&sregs); err != nil {
		return exit, err
	}
	exit.RIP, exit.RSP = regs.RIP, regs.RSP
	exit.CR0, exit.CR3, exit.CR4, exit.EFER = sregs.CR0, sregs.CR3, sregs.CR4, sregs.EFER
	exit.CS = sregs.CS.selector

	switch exit.Reason {
	case _KVM_EXIT_HLT, _KVM_EXIT_SHUTDOWN:
		return exit, nil
	case _KVM_EXIT_FAIL_ENTRY:
		return exit, fmt.Errorf("vCPU %d: entry failed, hardware reason %#x", c.id, c.runData.data[0])
	case _KVM_EXIT_INTERNAL_ERROR:
		return exit, fmt.Errorf("vCPU %d: internal error, suberror %d", c.id, uint32(c.runData.data[0]))
	default:
		return exit, fmt.Errorf("vCPU %d: unexpected %s exit at rip %#x", c.id, exitName(exit.Reason), exit.RIP)
	}
}

// Wait waits for every started vCPU to stop. It returns their exits ordered
// by APIC ID.
func (m *Machine) Wait() ([]Exit, error) {
	if err := m.g.Wait(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	exits := append([]Exit(nil), m.exits...)
	sort.Slice(exits, func(i, j int) bool { return exits[i].ID < exits[j].ID })
	return exits, nil
}

// Close releases the VM. It must not be called while vCPUs run.
func (m *Machine) Close() {
	for _, c := range m.vCPUs {
		if c.runMap != nil {
			if err := unix.Munmap(c.runMap); err != nil {
				panic(fmt.Sprintf("error unmapping rundata: %v", err))
			}
		}
		unix.Close(c.fd)
	}
	if m.mapping != nil {
		if err := unix.Munmap(m.mapping); err != nil {
			panic(fmt.Sprintf("error unmapping guest memory: %v", err))
		}
	}
	unix.Close(m.fd)
}
