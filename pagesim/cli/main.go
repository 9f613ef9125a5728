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

// Package cli is the main entrypoint for pagesim.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"gvisor.dev/pager/pagesim/cmd"
	"gvisor.dev/pager/pagesim/config"
	"gvisor.dev/pager/pkg/log"
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
		cmd.Fatalf("%v", err)
	}

	// Set up logging.
	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	var out io.Writer = os.Stderr
	if conf.LogFilename != "" {
		f, err := os.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		out = f
	}
	log.SetTarget(newEmitter(conf.LogFormat, out))

	log.Infof("***************************")
	log.Infof("pagesim %s, %s, %d CPUs, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof("***************************")

	// Call the subcommand and pass in the configuration.
	ws := subcommands.Execute(context.Background(), conf)
	log.Infof("Exiting with status: %v", ws)
	os.Exit(int(ws))
}

// forEachCmd invokes the passed callback for each command supported by
// pagesim.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.CommandsCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.HelpCommand(), "")
	cb(new(cmd.Run), "")
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
