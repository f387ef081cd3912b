// Copyright 2021 The gVisor Authors.
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

// Package testutil provides helper functions for netstack unit tests.
package testutil

import (
	"fmt"

	"github.com/ipstack/ipstack/pkg/tcpip"
)

// MustParse4 parses an IPv4 string (e.g. "192.168.1.1") into a tcpip.Address.
func MustParse4(addr string) tcpip.Address {
	a, err := tcpip.ParseAddress(addr)
	if err != nil {
		panic(fmt.Sprintf("Parse4 expects IPv4 addresses, but was passed %q: %v", addr, err))
	}
	return a
}

// MustParseMAC parses a MAC string (e.g. "02:00:00:00:00:01") into a
// tcpip.LinkAddress.
func MustParseMAC(addr string) tcpip.LinkAddress {
	a, err := tcpip.ParseMACAddress(addr)
	if err != nil {
		panic(fmt.Sprintf("ParseMAC was passed malformed address %q: %v", addr, err))
	}
	return a
}

// StatsSnapshot records the value of every counter in s by name.
type StatsSnapshot map[string]uint64

// Snapshot returns the current value of every counter in s.
func Snapshot(s *tcpip.Stats) StatsSnapshot {
	m := make(StatsSnapshot)
	s.Walk(func(name string, c *tcpip.StatCounter) {
		m[name] = c.Value()
	})
	return m
}

// Delta returns the counters of s that changed since the snapshot, with
// the amount they changed by.
func (before StatsSnapshot) Delta(s *tcpip.Stats) map[string]uint64 {
	d := make(map[string]uint64)
	for name, v := range Snapshot(s) {
		if v != before[name] {
			d[name] = v - before[name]
		}
	}
	return d
}
