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

package testutil

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ipstack/ipstack/pkg/tcpip"
)

func TestMustParse4(t *testing.T) {
	tests := []struct {
		name        string
		addr        string
		want        tcpip.Address
		shouldPanic bool
	}{
		{
			name: "parse IPv4",
			addr: "192.168.1.1",
			want: tcpip.AddrFrom4(192, 168, 1, 1),
		},
		{
			name:        "parse IPv6",
			addr:        "2001:db8::1",
			shouldPanic: true,
		},
		{
			name:        "parse invalid",
			addr:        "invalid",
			shouldPanic: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			defer func() {
				isPanicking := recover() != nil
				if isPanicking && !test.shouldPanic {
					t.Errorf("got panic, want no panic")
				} else if !isPanicking && test.shouldPanic {
					t.Errorf("got no panic, want panic")
				}
			}()
			addr := MustParse4(test.addr)
			if addr != test.want {
				t.Errorf("got MustParse4(%s) = %s, want = %s", test.addr, addr, test.want)
			}
		})
	}
}

func TestMustParseMAC(t *testing.T) {
	if got, want := MustParseMAC("02-00-00-00-00-0a"), (tcpip.LinkAddress{2, 0, 0, 0, 0, 10}); got != want {
		t.Errorf("MustParseMAC() = %s, want %s", got, want)
	}
}

func TestSnapshotDelta(t *testing.T) {
	s := tcpip.Stats{}.FillIn()
	before := Snapshot(&s)
	s.IP.PacketsReceived.IncrementBy(3)
	s.UDP.PacketsSent.Increment()

	want := map[string]uint64{
		"ip_packets_received": 3,
		"udp_packets_sent":    1,
	}
	if diff := cmp.Diff(want, before.Delta(&s)); diff != "" {
		t.Errorf("Delta mismatch (-want +got):\n%s", diff)
	}
}
