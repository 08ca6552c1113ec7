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

	"github.com/google/subcommands"
	"smpboot.dev/smpboot/smpboot/config"
)

// KVM implements subcommands.Command for the "kvm" command.
type KVM struct {
	assign config.CPUSet
}

// Name implements subcommands.Command.Name.
func (*KVM) Name() string {
	return "kvm"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*KVM) Synopsis() string {
	return "run the routine image on KVM vCPUs"
}

// Usage implements subcommands.Command.Usage.
func (*KVM) Usage() string {
	return `kvm [flags]

Installs the routine into guest memory, starts one vCPU per core given by
--cores and prints the state every vCPU stopped in. Requires /dev/kvm.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (k *KVM) SetFlags(f *flag.FlagSet) {
	f.Var(&k.assign, "assign", "APIC IDs that receive a stack. Defaults to every started core.")
}

// Execute implements subcommands.Command.Execute.
func (k *KVM) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	return k.execute(ctx, args[0].(*config.Config))
}
