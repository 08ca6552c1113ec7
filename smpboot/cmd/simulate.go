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


package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"
	"smpboot.dev/smpboot/pkg/bsp"
	"smpboot.dev/smpboot/pkg/hostarch"
	"smpboot.dev/smpboot/pkg/log"
	"smpboot.dev/smpboot/pkg/physmem"
	"smpboot.dev/smpboot/pkg/ring0"
	"smpboot.dev/smpboot/pkg/sim"
	"smpboot.dev/smpboot/smpboot/cmd/util"
	"smpboot.dev/smpboot/smpboot/config"
)

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	assign          config.CPUSet
	withoutNX       config.CPUSet
	withoutLongMode config.CPUSet
}

// Name implements subcommands.Command.Name.
func (*Simulate) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Simulate) Synopsis() string {
	return "start simulated secondary cores through the mode transition"
}

// Usage implements subcommands.Command.Usage.
func (*Simulate) Usage() string {
	return `simulate [flags]

Wakes the cores given by --cores, assigns stacks and releases them, then
prints the state every core ended in.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	f.Var(&s.assign, "assign", "APIC IDs that receive a stack. Defaults to every started core.")
	f.Var(&s.withoutNX, "without-nx", "APIC IDs of cores that lack the no-execute extension.")
	f.Var(&s.withoutLongMode, "without-long-mode", "APIC IDs of cores that lack long mode.")
}

// Execute implements subcommands.Command.Execute.
func (s *Simulate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	results, err := s.run(ctx, conf)
	if err != nil {
		util.Fatalf("simulation failed: %v", err)
	}
	if err := printResults(os.Stdout, results); err != nil {
		util.Fatalf("%v", err)
	}
	for _, r := range results {
		if r.State != ring0.HandedOff && s.assigned(conf).Contains(r.ID) {
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}

func (s *Simulate) assigned(conf *config.Config) config.CPUSet {
	if len(s.assign) == 0 {
		return conf.Cores
	}
	return s.assign
}

// features returns per-core overrides of the default features.
func (s *Simulate) features() map[uint32]sim.Features {
	overrides := make(map[uint32]sim.Features)
	get := func(id uint32) sim.Features {
		if f, ok := overrides[id]; ok {
			return f
		}
		return sim.DefaultFeatures
	}
	for _, id := range s.withoutNX {
		f := get(id)
		f.NX = false
		overrides[id] = f
	}
	for _, id := range s.withoutLongMode {
		f := get(id)
		f.LongMode = false
		overrides[id] = f
	}
	return overrides
}

// run plays the bootstrap processor for a simulated machine.
func (s *Simulate) run(ctx context.Context, conf *config.Config) ([]ring0.Result, error) {
	base := hostarch.Addr(conf.Base)
	mem := physmem.New(conf.MemorySize)
	alloc, err := physmem.NewFrameAllocator(mem, hostarch.AddrRange{Start: hostarch.RealModeLimit, End: hostarch.Addr(conf.MemorySize)})
	if err != nil {
		return nil, err
	}
	b, err := bsp.New(mem, alloc, bsp.Config{
		Base:           base,
		MaxCPUs:        conf.MaxCPUs,
		StackSize:      conf.StackSize,
		LazyPageTables: conf.LazyPageTables,
	})
	if err != nil {
		return nil, err
	}
	rt, err := ring0.NewRoutine(b.Kernel(enterKernel), ring0.Options{
		NX:             conf.NX,
		LazyPageTables: conf.LazyPageTables,
	})
	if err != nil {
		return nil, err
	}
	m, err := sim.NewMachine(mem, rt, sim.Config{
		IDs:       conf.Cores,
		Features:  sim.DefaultFeatures,
		Overrides: s.features(),
		Base:      base,
	})
	if err != nil {
		return nil, err
	}

	if err := b.Wake(ctx, m, conf.Cores); err != nil {
		return nil, err
	}
	if err := b.MapKernel(); err != nil {
		return nil, err
	}
	assign := s.assigned(conf)
	if err := b.AssignStacks(assign); err != nil {
		return nil, err
	}
	if err := b.Release(); err != nil {
		return nil, err
	}

	expected := 0
	for _, id := range assign {
		if conf.Cores.Contains(id) {
			expected++
		}
	}
	wctx, cancel := context.WithTimeout(ctx, conf.Timeout)
	defer cancel()
	if err := b.AwaitArrivals(wctx, expected); err != nil {
		log.Warningf("%v", err)
	}
	return m.Wait()
}

// enterKernel is the kernel entry point of simulated cores.
func enterKernel(c ring0.Core) {
	sc := c.(*sim.Core)
	log.Infof("core %d: entered kernel in %v mode with stack %v", sc.ID(), sc.Mode(), sc.StackPointer())
}

func printResults(w io.Writer, results []ring0.Result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprint(tw, "CORE\tSTATE\tLAST\tSTACK\tNX\tDEGRADED\tFAULT\n")
	for _, r := range results {
		stack, fault := "-", "-"
		if r.State == ring0.HandedOff {
			stack = fmt.Sprintf("%#x", uint64(r.Stack))
		}
		if r.Fault != nil {
			fault = r.Fault.Error()
		}
		degraded := "-"
		if len(r.Degraded) > 0 {
			degraded = strings.Join(r.Degraded, ",")
		}
		fmt.Fprintf(tw, "%d\t%v\t%v\t%s\t%t\t%s\t%s\n", r.ID, r.State, r.Last, stack, r.NX, degraded, fault)
	}
	return tw.Flush()
}
