// Copyright 2024 The gVisor Authors.
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
	"strconv"

	"github.com/BurntSushi/toml"
	"gvisor.dev/pager/pkg/sentry/mm"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Machine flags.
	flagSet.Int("frames", 64, "number of physical frames.")
	flagSet.Int("swap-slots", 1024, "number of pages the swap device holds.")
	flagSet.String("swap-file", "", "path of the swap device. If empty, swap is kept in memory.")
	flagSet.Uint64("max-stack", mm.DefaultMaxStackSize, "limit on stack growth in bytes.")
	flagSet.Uint64("stack-slop", mm.DefaultStackSlop, "bytes below the stack pointer that still count as a stack access.")

	// Workload flags.
	flagSet.Int("processes", 4, "number of concurrent processes.")
	flagSet.Int("pages", 32, "number of anonymous and of file-backed pages each process maps.")
	flagSet.Int("rounds", 3, "number of passes each process makes over its memory.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("config", "", "TOML file holding flag values. Flags given on the command line take precedence.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags, overlaid on the configuration file if one is named.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	if fl := flagSet.Lookup("config"); fl != nil && fl.Value.String() != "" {
		if err := LoadFile(fl.Value.String(), flagSet); err != nil {
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

// LoadFile sets flags of flagSet from the TOML file at path. Each key is
// converted to --key=value. Flags already set on the command line are left
// alone.
func LoadFile(path string, flagSet *flag.FlagSet) error {
	values := make(map[string]any)
	if _, err := toml.DecodeFile(path, &values); err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) {
		set[fl.Name] = true
	})
	for name, v := range values {
		if name == "config" {
			return fmt.Errorf("config file %q: key %q cannot be set from a file", path, name)
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			return fmt.Errorf("config file %q: unknown key %q", path, name)
		}
		if set[name] {
			continue
		}
		if err := fl.Value.Set(fmt.Sprint(v)); err != nil {
			return fmt.Errorf("config file %q: error setting %s=%v: %w", path, name, v, err)
		}
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
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

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
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
