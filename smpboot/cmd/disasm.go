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
	"os"

	"github.com/google/subcommands"
	"smpboot.dev/smpboot/smpboot/cmd/util"
	"smpboot.dev/smpboot/smpboot/config"
)

// Disasm implements subcommands.Command for the "disasm" command.
type Disasm struct{}

// Name implements subcommands.Command.Name.
func (*Disasm) Name() string {
	return "disasm"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Disasm) Synopsis() string {
	return "print an annotated listing of the routine image"
}

// Usage implements subcommands.Command.Usage.
func (*Disasm) Usage() string {
	return "disasm\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Disasm) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Disasm) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	img, err := buildImage(conf)
	if err != nil {
		util.Fatalf("building image: %v", err)
	}
	if err := img.WriteListing(os.Stdout); err != nil {
		util.Fatalf("disassembling image: %v", err)
	}
	return subcommands.ExitSuccess
}
