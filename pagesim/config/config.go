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

// Package config provides basic infrastructure to set configuration settings
// for pagesim. Each setting that can be changed from the command line must
// have a field in Config with a "flag" tag naming the flag. Settings may also
// be given in a TOML file, whose keys are flag names.
package config

import (
	"fmt"

	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
)

// Config holds configuration that is not part of the workload itself.
type Config struct {
	// Frames is the number of physical frames.
	Frames int `flag:"frames"`

	// SwapSlots is the number of pages the swap device holds.
	SwapSlots int `flag:"swap-slots"`

	// SwapFile is the path of the swap device. If empty, swap is kept in
	// memory.
	SwapFile string `flag:"swap-file"`

	// MaxStack is the limit on stack growth in bytes.
	MaxStack uint64 `flag:"max-stack"`

	// StackSlop is how far below the stack pointer, in bytes, an access
	// still counts as a stack access.
	StackSlop uint64 `flag:"stack-slop"`

	// Processes is the number of concurrent processes.
	Processes int `flag:"processes"`

	// Pages is the number of anonymous and of file-backed pages each
	// process maps.
	Pages int `flag:"pages"`

	// Rounds is the number of passes each process makes over its memory.
	Rounds int `flag:"rounds"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format"`

	// LogFilename is the file to log to. If empty, logs go to stderr.
	LogFilename string `flag:"log"`

	// ConfigFile is a TOML file holding flag values. Flags given on the
	// command line take precedence.
	ConfigFile string `flag:"config"`
}

func (c *Config) validate() error {
	if c.Frames <= 0 {
		return fmt.Errorf("frames must be positive, got %d", c.Frames)
	}
	if c.SwapSlots <= 0 {
		return fmt.Errorf("swap-slots must be positive, got %d", c.SwapSlots)
	}
	if c.MaxStack < hostarch.PageSize || c.MaxStack%hostarch.PageSize != 0 {
		return fmt.Errorf("max-stack must be a positive multiple of %d, got %d", hostarch.PageSize, c.MaxStack)
	}
	if c.StackSlop >= hostarch.PageSize {
		return fmt.Errorf("stack-slop must be less than %d, got %d", hostarch.PageSize, c.StackSlop)
	}
	if c.Processes <= 0 || c.Pages <= 0 || c.Rounds <= 0 {
		return fmt.Errorf("processes, pages and rounds must be positive, got %d, %d, %d", c.Processes, c.Pages, c.Rounds)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format %q, must be text or json", c.LogFormat)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Frames: %d, Config.SwapSlots: %d, Config.SwapFile: %q", c.Frames, c.SwapSlots, c.SwapFile)
	log.Infof("Config.MaxStack: %d, Config.StackSlop: %d", c.MaxStack, c.StackSlop)
	log.Infof("Config.Processes: %d, Config.Pages: %d, Config.Rounds: %d", c.Processes, c.Pages, c.Rounds)
	log.Infof("Config.Debug: %t, Config.LogFormat: %s", c.Debug, c.LogFormat)
}
