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


// Package cmd holds implementations of the smpboot commands.
package cmd

import (
	"smpboot.dev/smpboot/pkg/hostarch"
	"smpboot.dev/smpboot/pkg/segment"
	"smpboot.dev/smpboot/pkg/trampoline"
	"smpboot.dev/smpboot/smpboot/config"
)

// buildImage builds an unpatched routine image for conf.
func buildImage(conf *config.Config) (*trampoline.Image, error) {
	gdt, err := segment.Build(segment.Opts{})
	if err != nil {
		return nil, err
	}
	return trampoline.Build(trampoline.Config{
		Base:           hostarch.Addr(conf.Base),
		MaxCPUs:        conf.MaxCPUs,
		NX:             conf.NX,
		LazyPageTables: conf.LazyPageTables,
		GDT:            gdt,
	})
}
