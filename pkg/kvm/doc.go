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

// Package kvm runs the mode transition routine on KVM vCPUs.
//
// The routine image is installed into guest memory, patched with a page
// table root, a stack table and an entry stub, and every vCPU is started as
// a secondary core would be after INIT and a startup interrupt. The harness
// plays the bootstrap processor: it assigns stacks while the vCPUs spin on
// the gate, then opens the gate and collects the state each vCPU halted in.
//
// The harness is only available on linux/amd64.
package kvm
