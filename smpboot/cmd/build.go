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
	"os"

	"github.com/google/subcommands"
	"smpboot.dev/smpboot/pkg/log"
	"smpboot.dev/smpboot/smpboot/cmd/util"
	"smpboot.dev/smpboot/smpboot/config"
)

// Build implements subcommands.Command for the "build" command.
type Build struct {
	out      string
	manifest string
}

// Name implements subcommands.Command.Name.
func (*Build) Name() string {
	return "build"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Build) Synopsis() string {
	return "build the routine image and its manifest"
}

// Usage implements subcommands.Command.Usage.
func (*Build) Usage() string {
	return `build -out <image> [-manifest <file>]

The image is written unpatched. The manifest gives the offsets of the fields
a loader must patch before installing the image at its base.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Build) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.out, "out", "", "path of the image file.")
	f.StringVar(&b.manifest, "manifest", "", "path of the YAML manifest. Defaults to the image path with a .yaml suffix.")
}

// Execute implements subcommands.Command.Execute.
func (b *Build) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || b.out == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := b.write(conf); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (b *Build) write(conf *config.Config) error {
	img, err := buildImage(conf)
	if err != nil {
		return fmt.Errorf("building image: %w", err)
	}
	m := img.Manifest()
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	manifest := b.manifest
	if manifest == "" {
		manifest = b.out + ".yaml"
	}
	if err := os.WriteFile(b.out, img.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing image: %w", err)
	}
	if err := os.WriteFile(manifest, data, 0644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	log.Infof("Wrote %d byte image for base %#x (startup vector %#x) to %q, manifest to %q", len(img.Bytes()), conf.Base, img.StartupVector(), b.out, manifest)
	return nil
}
