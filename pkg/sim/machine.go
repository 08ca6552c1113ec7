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

package sim

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"smpboot.dev/smpboot/pkg/apic"
	"smpboot.dev/smpboot/pkg/hostarch"
	"smpboot.dev/smpboot/pkg/log"
	"smpboot.dev/smpboot/pkg/physmem"
	"smpboot.dev/smpboot/pkg/ring0"
)

var (
	// ErrNoSuchCore is returned for interrupts to an absent APIC ID.
	ErrNoSuchCore = errors.New("no core with that APIC ID")

	// ErrWrongVector is returned for a startup interrupt that does not
	// point at the routine.
	ErrWrongVector = errors.New("startup vector does not point at the routine")
)

type coreState int

const (
	coreOff coreState = iota
	coreWaitForSIPI
	coreRunning
)

type slot struct {
	core  *Core
	state coreState
}

// Machine is a set of simulated secondary cores sharing memory. It
// implements apic.Sender: cores start running the routine on the first
// startup interrupt that follows an INIT.
type Machine struct {
	mem     *physmem.Memory
	routine *ring0.Routine
	base    hostarch.Addr

	g *errgroup.Group

	mu      sync.Mutex
	slots   map[uint8]*slot
	results []ring0.Result
}

// Config describes a machine.
type Config struct {
	// IDs lists the APIC IDs of the secondary cores.
	IDs []uint32

	// Features are advertised by every core. Overrides, if set, replaces
	// them for individual cores.
	Features  Features
	Overrides map[uint32]Features

	// Base is where the routine lives. Startup interrupts must carry its
	// page number.
	Base hostarch.Addr
}

// NewMachine returns a machine whose cores run routine.
func NewMachine(mem *physmem.Memory, routine *ring0.Routine, cfg Config) (*Machine, error) {
	m := &Machine{
		mem:     mem,
		routine: routine,
		base:    cfg.Base,
		g:       new(errgroup.Group),
		slots:   make(map[uint8]*slot),
	}
	for _, id := range cfg.IDs {
		if id > 0xff {
			return nil, fmt.Errorf("APIC ID %d does not fit 8 bits", id)
		}
		if _, ok := m.slots[uint8(id)]; ok {
			return nil, fmt.Errorf("duplicate APIC ID %d", id)
		}
		f := cfg.Features
		if o, ok := cfg.Overrides[id]; ok {
			f = o
		}
		m.slots[uint8(id)] = &slot{core: NewCore(id, f, mem, cfg.Base)}
	}
	return m, nil
}

// Core returns the core with the given APIC ID, or nil.
func (m *Machine) Core(id uint32) *Core {
	if id > 0xff {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[uint8(id)]; ok {
		return s.core
	}
	return nil
}

// Send implements apic.Sender.Send.
func (m *Machine) Send(icr apic.ICR) error {
	if icr.Shorthand() != apic.NoShorthand {
		return fmt.Errorf("%v: destination shorthands are not simulated", icr)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[icr.Destination()]
	if !ok {
		return fmt.Errorf("%v: %w", icr, ErrNoSuchCore)
	}
	switch icr.Mode() {
	case apic.INIT:
		if s.state == coreOff {
			s.state = coreWaitForSIPI
		}
	case apic.Startup:
		if s.state != coreWaitForSIPI {
			// Ignored by cores that are not waiting for one.
			log.Debugf("cpu %d: ignoring %v", s.core.id, icr)
			return nil
		}
		if icr.StartAddress() != m.base {
			return fmt.Errorf("%v starts at %v, routine is at %v: %w", icr, icr.StartAddress(), m.base, ErrWrongVector)
		}
		s.state = coreRunning
		c := s.core
		m.g.Go(func() error {
			res := m.routine.Run(c)
			m.mu.Lock()
			m.results = append(m.results, res)
			m.mu.Unlock()
			return nil
		})
	default:
		return fmt.Errorf("%v: delivery mode not simulated", icr)
	}
	return nil
}

// Wait waits for every started core to hand off and return, or halt. It
// returns their results ordered by APIC ID.
//
// Wait blocks forever if the gate is never opened.
func (m *Machine) Wait() ([]ring0.Result, error) {
	if err := m.g.Wait(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	results := append([]ring0.Result(nil), m.results...)
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results, nil
}
