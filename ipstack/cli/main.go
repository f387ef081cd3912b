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

// Package cli is the main entrypoint for ipstack.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"

	"github.com/ipstack/ipstack/ipstack/cmd"
	"github.com/ipstack/ipstack/ipstack/config"
	"github.com/ipstack/ipstack/pkg/log"
)

var (
	configFile = flag.String("config", "", "configuration file, TOML (.toml) or YAML (.yaml, .yml). Defaults apply when unset.")
	logFile    = flag.String("log", "", "log file pattern, overrides log.file; %NAME% expands to the command and %TIMESTAMP% to the start time.")
	logFormat  = flag.String("log-format", "", "log format, overrides log.format: text or json.")
	debug      = flag.Bool("debug", false, "enable debug logging.")
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf := config.Default()
	if *configFile != "" {
		var err error
		if conf, err = config.Load(*configFile); err != nil {
			cmd.Fatalf("%v", err)
		}
	}
	if *logFile != "" {
		conf.Log.File = *logFile
	}
	if *logFormat != "" {
		conf.Log.Format = *logFormat
	}
	if *debug {
		conf.Log.Level = log.Debug
	}
	if err := conf.Validate(); err != nil {
		cmd.Fatalf("%v", err)
	}

	subcommand := flag.CommandLine.Arg(0)
	var out io.Writer = os.Stderr
	if conf.Log.File != "" {
		f, err := log.OpenFile(conf.Log.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.PatternOpts{
			Name:      subcommand,
			Timestamp: time.Now(),
		})
		if err != nil {
			cmd.Fatalf("%v", err)
		}
		out = f
	}
	log.SetTarget(log.NewLogrusEmitter(out, conf.Log.Format))
	log.SetLevel(conf.Log.Level)
	log.Debugf("Args: %v", os.Args)

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}

// forEachCmd invokes the passed callback for each command supported by
// ipstack.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Selftest), "")
	cb(new(cmd.Stats), "")
	cb(new(cmd.Config), "")
	forEachPlatformCmd(cb)
}
