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

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"smpboot.dev/smpboot/pkg/hostarch"
	"smpboot.dev/smpboot/pkg/kvm"
	"smpboot.dev/smpboot/pkg/ring0"
	"smpboot.dev/smpboot/smpboot/cmd/util"
	"smpboot.dev/smpboot/smpboot/config"
)

func (k *KVM) execute(ctx context.Context, conf *config.Config) subcommands.ExitStatus {
	cfg := kvm.Config{
		MemorySize:     conf.MemorySize,
		Base:           hostarch.Addr(conf.Base),
		IDs:            conf.Cores,
		MaxCPUs:        conf.MaxCPUs,
		StackSize:      conf.StackSize,
		NX:             conf.NX,
		LazyPageTables: conf.LazyPageTables,
	}
	if len(k.assign) > 0 {
		cfg.Assign = k.assign
	}
	results, err := kvm.Boot(ctx, cfg)
	if len(results) > 0 {
		if perr := printExits(os.Stdout, results); perr != nil {
			util.Fatalf("%v", perr)
		}
	}
	if err != nil {
		util.Fatalf("booting vCPUs: %v", err)
	}
	for _, r := range results {
		if r.State != ring0.HandedOff && (k.assign == nil || k.assign.Contains(r.ID)) {
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}

func printExits(w io.Writer, results []kvm.Result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprint(tw, "VCPU\tSTATE\tSTACK\tLONG MODE\tNX\tEXIT\n")
	for _, r := range results {
		stack := "-"
		if r.State == ring0.HandedOff {
			stack = fmt.Sprintf("%#x", uint64(r.Stack))
		}
		fmt.Fprintf(tw, "%d\t%v\t%s\t%t\t%t\t%v\n", r.ID, r.State, stack, r.LongMode, r.NX, r.Exit)
	}
	return tw.Flush()
}
