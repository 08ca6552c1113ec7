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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"smpboot.dev/smpboot/pkg/hostarch"
	"smpboot.dev/smpboot/pkg/ring0"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Flags that control logging.
	flagSet.String("config", "", "TOML file with flag values. Flags given on the command line take precedence.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where logs are written. %PID% is replaced by the process id. Defaults to stderr.")
	flagSet.String("log-format", "text", "log format: text (default), json, or logrus.")

	// Flags that control the mode transition routine.
	flagSet.Uint64("base", 0x8000, "physical address of the routine. Must be page aligned and below 1MB.")
	flagSet.Int("max-cpus", 8, "capacity of the stack table. Cores with larger APIC IDs halt.")
	flagSet.Uint64("stack-size", 4*hostarch.PageSize, "size of each secondary core stack, rounded up to pages.")
	cores := CPUSet{0, 1, 2, 3}
	flagSet.Var(&cores, "cores", "APIC IDs of the secondary cores to start, e.g. 0-3,6.")
	nx := ring0.NXBestEffort
	flagSet.Var(&nx, "nx", "no-execute policy: best-effort (default), require, or disable.")
	flagSet.Bool("lazy-page-tables", false, "start cores before the page tables are built. Cores wait on the gate before loading CR3.")

	// Flags that control the machine.
	flagSet.Uint64("memory-size", 16<<20, "size of physical memory.")
	flagSet.Duration("timeout", 10*time.Second, "how long to wait for secondary cores to arrive.")
}

// fileConfig is the layout of the file named by --config.
type fileConfig struct {
	// Flags maps flag names to values, as they would be given on the command
	// line.
	Flags map[string]string `toml:"flags"`
}

// loadFile applies flag values from a TOML file to every flag not set on the
// command line.
func loadFile(flagSet *flag.FlagSet, path string) error {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return fmt.Errorf("error reading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %q: unknown keys %v", path, undecoded)
	}

	explicit := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	names := make([]string, 0, len(fc.Flags))
	for name := range fc.Flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "config" {
			return fmt.Errorf("config file %q may not name another config file", path)
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			return fmt.Errorf("config file %q: flag %q not found", path, name)
		}
		if explicit[name] {
			continue
		}
		if err := fl.Value.Set(fc.Flags[name]); err != nil {
			return fmt.Errorf("config file %q: error setting flag %s=%q: %w", path, name, fc.Flags[name], err)
		}
	}
	return nil
}

// NewFromFlags creates a new Config with values coming from command line flags
// and, if --config is set, from a config file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	if path := flagSet.Lookup("config").Value.String(); path != "" {
		if err := loadFile(flagSet, path); err != nil {
			return nil, err
		}
	}

	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config. Flags
// with default values are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
