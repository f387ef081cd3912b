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

// Package cmd holds implementations of the ipstack commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/ipstack/ipstack/ipstack/config"
	"github.com/ipstack/ipstack/pkg/log"
	"github.com/ipstack/ipstack/pkg/tcpip/stack"
)

// Fatalf logs the error and exits with status 128.
func Fatalf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "ipstack: %s\n", msg)
	os.Exit(128)
	panic("unreachable")
}

// Errorf logs the error and returns ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("%s", msg)
	fmt.Fprintf(os.Stderr, "ipstack: %s\n", msg)
	return subcommands.ExitFailure
}

// confFromArgs returns the configuration passed to Execute by the cli.
func confFromArgs(args []any) *config.Config {
	if len(args) > 0 {
		if conf, ok := args[0].(*config.Config); ok {
			return conf
		}
	}
	return config.Default()
}

// newStack builds a stack with the protocols and sizes of conf. It does
// not create interfaces.
func newStack(conf *config.Config) (*stack.Stack, error) {
	opts, err := conf.ToStackOptions(nil, log.Log())
	if err != nil {
		return nil, err
	}
	return stack.New(opts), nil
}

// runStack runs the loop of s until ctx is done. Cancellation is not an
// error.
func runStack(ctx context.Context, s *stack.Stack) error {
	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
