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


//go:build !linux || !amd64
// +build !linux !amd64

package cmd

import (
	"context"
	"runtime"

	"github.com/google/subcommands"
	"smpboot.dev/smpboot/smpboot/cmd/util"
	"smpboot.dev/smpboot/smpboot/config"
)

func (*KVM) execute(context.Context, *config.Config) subcommands.ExitStatus {
	util.Fatalf("kvm is not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
	return subcommands.ExitFailure
}
