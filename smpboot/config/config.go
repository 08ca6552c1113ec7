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

// Package config provides basic infrastructure to set configuration settings
// for smpboot. Each setting that can be changed from the outside is backed by
// a flag, and may also be set from a TOML file.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"smpboot.dev/smpboot/pkg/hostarch"
	"smpboot.dev/smpboot/pkg/log"
	"smpboot.dev/smpboot/pkg/ring0"
	"smpboot.dev/smpboot/pkg/stacktable"
)

// Config holds configuration that is shared by all commands.
type Config struct {
	// File is the path of a TOML file with flag values. Flags given on the
	// command line take precedence.
	File string `flag:"config"`

	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// LogFilename is where logs go. "%PID%" is replaced by the process id.
	// Logs go to stderr if empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format"`

	// Base is the physical address the routine is installed at.
	Base uint64 `flag:"base"`

	// MaxCPUs is the stack table capacity.
	MaxCPUs int `flag:"max-cpus"`

	// StackSize is the size of each secondary stack.
	StackSize uint64 `flag:"stack-size"`

	// Cores are the APIC IDs of the secondary cores to start.
	Cores CPUSet `flag:"cores"`

	// NX is the no-execute policy.
	NX ring0.NXPolicy `flag:"nx"`

	// LazyPageTables lets cores start before the page tables are built.
	LazyPageTables bool `flag:"lazy-page-tables"`

	// MemorySize is the size of physical memory given to the machine.
	MemorySize uint64 `flag:"memory-size"`

	// Timeout bounds how long the bootstrap processor waits for arrivals.
	Timeout time.Duration `flag:"timeout"`
}

func (c *Config) validate() error {
	base := hostarch.Addr(c.Base)
	if base == 0 || !base.IsPageAligned() || base >= hostarch.RealModeLimit {
		return fmt.Errorf("base %#x must be a non-zero page address below %#x", c.Base, uint64(hostarch.RealModeLimit))
	}
	if c.MaxCPUs <= 0 || c.MaxCPUs > stacktable.MaxCapacity {
		return fmt.Errorf("max-cpus %d not in [1, %d]", c.MaxCPUs, stacktable.MaxCapacity)
	}
	if c.StackSize == 0 {
		return fmt.Errorf("stack-size must be positive")
	}
	if len(c.Cores) == 0 {
		return fmt.Errorf("no cores to start")
	}
	if c.MemorySize%hostarch.PageSize != 0 || c.MemorySize <= hostarch.RealModeLimit {
		return fmt.Errorf("memory-size %#x must be a page multiple above %#x", c.MemorySize, uint64(hostarch.RealModeLimit))
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log-format %q, must be 'text', 'json' or 'logrus'", c.LogFormat)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, f := range c.ToFlags() {
		log.Infof("\t%s", f)
	}
	log.Infof("\tcores=%v nx=%v lazy-page-tables=%t", c.Cores, c.NX, c.LazyPageTables)
}

// CPUSet is a set of APIC IDs. Its flag form is a comma separated list of IDs
// and inclusive ranges, e.g. "0-3,6".
type CPUSet []uint32

// Set implements flag.Value.Set.
func (s *CPUSet) Set(v string) error {
	seen := make(map[uint32]bool)
	var ids CPUSet
	add := func(id uint64) error {
		if id > 0xff {
			return fmt.Errorf("APIC ID %d does not fit 8 bits", id)
		}
		if !seen[uint32(id)] {
			seen[uint32(id)] = true
			ids = append(ids, uint32(id))
		}
		return nil
	}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.ParseUint(lo, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid CPU %q: %w", part, err)
		}
		last := first
		if isRange {
			if last, err = strconv.ParseUint(hi, 10, 32); err != nil {
				return fmt.Errorf("invalid CPU range %q: %w", part, err)
			}
			if last < first {
				return fmt.Errorf("invalid CPU range %q", part)
			}
		}
		for id := first; id <= last; id++ {
			if err := add(id); err != nil {
				return err
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	*s = ids
	return nil
}

// Get implements flag.Getter.Get.
func (s *CPUSet) Get() any {
	return *s
}

// String implements flag.Value.String.
func (s *CPUSet) String() string {
	if s == nil {
		return ""
	}
	var parts []string
	ids := *s
	for i := 0; i < len(ids); {
		j := i
		for j+1 < len(ids) && ids[j+1] == ids[j]+1 {
			j++
		}
		if j == i {
			parts = append(parts, strconv.FormatUint(uint64(ids[i]), 10))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", ids[i], ids[j]))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}

// Contains returns true if id is in the set.
func (s CPUSet) Contains(id uint32) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}
