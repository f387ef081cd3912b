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
	"io"
	"os"

	"github.com/google/subcommands"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	selftest Selftest
	server   bool
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "run the selftest silently and print stack metrics"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [flags] - runs the selftest and prints the counters of one of its stacks in Prometheus text format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	s.selftest.register(f)
	f.BoolVar(&s.server, "server", false, "print the metrics of the serving stack instead of the client stack.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	env, err := newSelftestEnv(confFromArgs(args))
	if err != nil {
		return Errorf("stats: %v", err)
	}
	if err := env.run(ctx, s.selftest.params(), io.Discard); err != nil {
		return Errorf("stats: selftest failed: %v", err)
	}
	st := env.a
	if s.server {
		st = env.b
	}
	if err := st.WriteMetrics(os.Stdout); err != nil {
		return Errorf("stats: %v", err)
	}
	return subcommands.ExitSuccess
}
