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

// Package apic encodes the interprocessor interrupts that wake secondary
// cores.
//
// Only the encoding and the INIT-SIPI-SIPI sequence live here. Writing the
// command to the local APIC is the job of a Sender.
package apic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smpboot.dev/smpboot/pkg/hostarch"
)

// DeliveryMode is the ICR delivery mode field.
type DeliveryMode uint32

// Delivery modes.
const (
	Fixed   DeliveryMode = 0b000
	SMI     DeliveryMode = 0b010
	NMI     DeliveryMode = 0b100
	INIT    DeliveryMode = 0b101
	Startup DeliveryMode = 0b110
)

// String implements fmt.Stringer.String.
func (m DeliveryMode) String() string {
	switch m {
	case Fixed:
		return "fixed"
	case SMI:
		return "smi"
	case NMI:
		return "nmi"
	case INIT:
		return "init"
	case Startup:
		return "startup"
	default:
		return fmt.Sprintf("mode(%d)", uint32(m))
	}
}

// Shorthand selects a destination without naming it.
type Shorthand uint32

// Destination shorthands.
const (
	NoShorthand      Shorthand = 0b00
	Self             Shorthand = 0b01
	AllIncludingSelf Shorthand = 0b10
	AllExcludingSelf Shorthand = 0b11
)

// ICR bit positions.
const (
	vectorMask       = 0xff
	deliveryShift    = 8
	deliveryPending  = 1 << 12
	levelAssert      = 1 << 14
	shorthandShift   = 18
	destinationShift = 56
)

// Timing of the wake sequence.
const (
	// InitDelay separates INIT from the first startup interrupt.
	InitDelay = 10 * time.Millisecond

	// StartupDelay separates the two startup interrupts.
	StartupDelay = 200 * time.Microsecond
)

// ErrBadVector is returned for startup addresses a vector cannot express.
var ErrBadVector = errors.New("startup address must be page aligned and below 1MB")

// ICR is a 64-bit interrupt command. The low word is written last, since
// that write sends the interrupt.
type ICR uint64

// Low returns the low register word.
func (i ICR) Low() uint32 {
	return uint32(i)
}

// High returns the high register word holding the destination.
func (i ICR) High() uint32 {
	return uint32(i >> 32)
}

// Vector returns the vector field.
func (i ICR) Vector() uint8 {
	return uint8(i & vectorMask)
}

// Mode returns the delivery mode.
func (i ICR) Mode() DeliveryMode {
	return DeliveryMode((i >> deliveryShift) & 0x7)
}

// Destination returns the destination APIC ID.
func (i ICR) Destination() uint8 {
	return uint8(i >> destinationShift)
}

// Shorthand returns the destination shorthand.
func (i ICR) Shorthand() Shorthand {
	return Shorthand((i >> shorthandShift) & 0x3)
}

// Asserted returns the level bit.
func (i ICR) Asserted() bool {
	return i&levelAssert != 0
}

// Pending returns the delivery status bit.
func (i ICR) Pending() bool {
	return i&deliveryPending != 0
}

// StartAddress returns the physical address a startup interrupt starts the
// target at.
func (i ICR) StartAddress() hostarch.Addr {
	return hostarch.Addr(i.Vector()) << hostarch.PageShift
}

// String implements fmt.Stringer.String.
func (i ICR) String() string {
	if i.Mode() == Startup {
		return fmt.Sprintf("startup(dest=%d, vector=%#x)", i.Destination(), i.Vector())
	}
	return fmt.Sprintf("%v(dest=%d)", i.Mode(), i.Destination())
}

func encode(dest uint8, mode DeliveryMode, vector uint8) ICR {
	return ICR(dest)<<destinationShift |
		ICR(NoShorthand)<<shorthandShift |
		levelAssert |
		ICR(mode)<<deliveryShift |
		ICR(vector)
}

// Init returns the INIT command for dest, in physical destination mode.
func Init(dest uint8) ICR {
	return encode(dest, INIT, 0)
}

// StartupAt returns the startup command that starts dest at base.
func StartupAt(dest uint8, base hostarch.Addr) (ICR, error) {
	if !base.IsPageAligned() || base >= hostarch.RealModeLimit {
		return 0, fmt.Errorf("startup address %v: %w", base, ErrBadVector)
	}
	return encode(dest, Startup, uint8(base.PageNumber())), nil
}

// Sender writes interrupt commands to the local APIC.
type Sender interface {
	Send(icr ICR) error
}

// Waker sends the INIT-SIPI-SIPI sequence.
type Waker struct {
	Sender Sender

	// Sleep waits between commands. Defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wake starts dest at base. A core that started on the first startup
// interrupt ignores the second one.
func (w *Waker) Wake(ctx context.Context, dest uint8, base hostarch.Addr) error {
	sipi, err := StartupAt(dest, base)
	if err != nil {
		return err
	}
	sl := w.Sleep
	if sl == nil {
		sl = sleep
	}
	for i, step := range []struct {
		icr   ICR
		delay time.Duration
	}{
		{Init(dest), InitDelay},
		{sipi, StartupDelay},
		{sipi, 0},
	} {
		if err := w.Sender.Send(step.icr); err != nil {
			return fmt.Errorf("sending %v (step %d): %w", step.icr, i, err)
		}
		if step.delay > 0 {
			if err := sl(ctx, step.delay); err != nil {
				return err
			}
		}
	}
	return nil
}
