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


// Package cli is the main entrypoint for smpboot.
package cli

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"smpboot.dev/smpboot/pkg/log"
	"smpboot.dev/smpboot/smpboot/cmd"
	"smpboot.dev/smpboot/smpboot/cmd/util"
	"smpboot.dev/smpboot/smpboot/config"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	f, err := log.OpenFile(conf.LogFilename)
	if err != nil {
		util.Fatalf("%v", err)
	}
	if f == nil {
		f = os.Stderr
	}
	e, err := log.EmitterFor(conf.LogFormat, f)
	if err != nil {
		util.Fatalf("%v", err)
	}
	log.SetTarget(e)
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	const delimString = `**************** smpboot ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d CPUs, %s, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Interrupts cancel waits of the bootstrap processor.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(ctx, conf)
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	stop()
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by
// smpboot.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	const imageGroup = "image"
	cb(new(cmd.Build), imageGroup)
	cb(new(cmd.Disasm), imageGroup)

	const runGroup = "run"
	cb(new(cmd.Simulate), runGroup)
	cb(new(cmd.KVM), runGroup)
}
