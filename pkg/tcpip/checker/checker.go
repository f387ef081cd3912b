// Copyright 2018 The gVisor Authors.
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

// Package checker provides helper functions to check networking packets for
// validity.
package checker

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
)

// NetworkChecker is a function to check a property of a network packet.
type NetworkChecker func(*testing.T, header.IPv4)

// Transport is implemented by the transport headers the checkers inspect:
// header.UDP, header.TCP and header.ICMPv4.
type Transport interface {
	Payload() []byte
}

// TransportChecker is a function to check a property of a transport packet.
type TransportChecker func(*testing.T, Transport)

// IPv4 checks the validity and properties of the given IPv4 packet. It is
// expected to be used in conjunction with other network checkers for specific
// properties. For example, to check the source and destination address, one
// would call:
//
// checker.IPv4(t, b, checker.SrcAddr(x), checker.DstAddr(y))
func IPv4(t *testing.T, b []byte, checkers ...NetworkChecker) {
	t.Helper()

	ipv4 := header.IPv4(b)

	if !ipv4.IsValid(len(b)) {
		t.Fatalf("Not a valid IPv4 packet: %x", b)
	}

	if !ipv4[:ipv4.HeaderLength()].IsChecksumValid() {
		t.Errorf("Bad checksum, got = %d", ipv4.Checksum())
	}

	for _, f := range checkers {
		f(t, ipv4)
	}
	if t.Failed() {
		t.FailNow()
	}
}

// SrcAddr creates a checker that checks the source address.
func SrcAddr(addr tcpip.Address) NetworkChecker {
	return func(t *testing.T, h header.IPv4) {
		t.Helper()

		if a := h.SourceAddress(); a != addr {
			t.Errorf("Bad source address, got %v, want %v", a, addr)
		}
	}
}

// DstAddr creates a checker that checks the destination address.
func DstAddr(addr tcpip.Address) NetworkChecker {
	return func(t *testing.T, h header.IPv4) {
		t.Helper()

		if a := h.DestinationAddress(); a != addr {
			t.Errorf("Bad destination address, got %v, want %v", a, addr)
		}
	}
}

// TTL creates a checker that checks the TTL.
func TTL(ttl uint8) NetworkChecker {
	return func(t *testing.T, h header.IPv4) {
		t.Helper()

		if v := h.TTL(); v != ttl {
			t.Errorf("Bad TTL, got = %d, want = %d", v, ttl)
		}
	}
}

// TOS creates a checker that checks the type of service field.
func TOS(tos uint8) NetworkChecker {
	return func(t *testing.T, h header.IPv4) {
		t.Helper()

		if v := h.TOS(); v != tos {
			t.Errorf("Bad TOS, got = %d, want = %d", v, tos)
		}
	}
}

// IPFullLength creates a checker for the full IP packet length.
func IPFullLength(packetLength uint16) NetworkChecker {
	return func(t *testing.T, h header.IPv4) {
		t.Helper()

		if l := h.TotalLength(); l != packetLength {
			t.Errorf("Bad packet length, got = %d, want = %d", l, packetLength)
		}
	}
}

// PayloadLen creates a checker that checks the payload length.
func PayloadLen(payloadLength int) NetworkChecker {
	return func(t *testing.T, h header.IPv4) {
		t.Helper()

		if l := len(h.Payload()); l != payloadLength {
			t.Errorf("Bad payload length, got = %d, want = %d", l, payloadLength)
		}
	}
}

// FragmentOffset creates a checker that checks the FragmentOffset field.
func FragmentOffset(offset uint16) NetworkChecker {
	return func(t *testing.T, h header.IPv4) {
		t.Helper()

		if v := h.FragmentOffset(); v != offset {
			t.Errorf("Bad fragment offset, got = %d, want = %d", v, offset)
		}
	}
}

// FragmentFlags creates a checker that checks the fragment flags field.
func FragmentFlags(flags uint8) NetworkChecker {
	return func(t *testing.T, h header.IPv4) {
		t.Helper()

		if v := h.Flags(); v != flags {
			t.Errorf("Bad fragment flags, got = %d, want = %d", v, flags)
		}
	}
}

// TCP creates a checker that checks that the transport protocol is TCP and
// potentially additional transport header fields.
func TCP(checkers ...TransportChecker) NetworkChecker {
	return func(t *testing.T, h header.IPv4) {
		t.Helper()

		if p := h.TransportProtocol(); p != header.TCPProtocolNumber {
			t.Fatalf("Bad protocol, got = %d, want = %d", p, header.TCPProtocolNumber)
		}

		tcp := header.TCP(h.Payload())
		if !tcp.IsValid(len(tcp)) {
			t.Fatalf("Not a valid TCP header: %x", []byte(tcp))
		}
		if !header.TCPChecksumValid(h.SourceAddress(), h.DestinationAddress(), tcp) {
			t.Errorf("Bad checksum, got = %d", tcp.Checksum())
		}

		// Run the transport checkers.
		for _, f := range checkers {
			f(t, tcp)
		}
		if t.Failed() {
			t.FailNow()
		}
	}
}

// UDP creates a checker that checks that the transport protocol is UDP and
// potentially additional transport header fields.
func UDP(checkers ...TransportChecker) NetworkChecker {
	return func(t *testing.T, h header.IPv4) {
		t.Helper()

		if p := h.TransportProtocol(); p != header.UDPProtocolNumber {
			t.Fatalf("Bad protocol, got = %d, want = %d", p, header.UDPProtocolNumber)
		}

		udp := header.UDP(h.Payload())
		if len(udp) < header.UDPMinimumSize || int(udp.Length()) != len(udp) {
			t.Fatalf("Bad UDP length in %d byte datagram: %x", len(udp), []byte(udp))
		}
		if !header.UDPChecksumValid(h.SourceAddress(), h.DestinationAddress(), udp) {
			t.Errorf("Bad checksum, got = %d", udp.Checksum())
		}

		for _, f := range checkers {
			f(t, udp)
		}
		if t.Failed() {
			t.FailNow()
		}
	}
}

func ports(t *testing.T, h Transport) (src, dst uint16) {
	t.Helper()

	switch h := h.(type) {
	case header.UDP:
		return h.SourcePort(), h.DestinationPort()
	case header.TCP:
		return h.SourcePort(), h.DestinationPort()
	default:
		t.Fatalf("transport header without ports: %T", h)
		return 0, 0
	}
}

// SrcPort creates a checker that checks the source port.
func SrcPort(port uint16) TransportChecker {
	return func(t *testing.T, h Transport) {
		t.Helper()

		if p, _ := ports(t, h); p != port {
			t.Errorf("Bad source port, got = %d, want = %d", p, port)
		}
	}
}

// DstPort creates a checker that checks the destination port.
func DstPort(port uint16) TransportChecker {
	return func(t *testing.T, h Transport) {
		t.Helper()

		if _, p := ports(t, h); p != port {
			t.Errorf("Bad destination port, got = %d, want = %d", p, port)
		}
	}
}

// NoChecksum creates a checker that checks if the checksum is zero.
func NoChecksum(noChecksum bool) TransportChecker {
	return func(t *testing.T, h Transport) {
		t.Helper()

		udp, ok := h.(header.UDP)
		if !ok {
			t.Fatalf("UDP header not found in h: %T", h)
		}

		if b := udp.Checksum() == 0; b != noChecksum {
			t.Errorf("bad checksum state, got %t, want %t", b, noChecksum)
		}
	}
}

func tcpHeader(t *testing.T, h Transport) header.TCP {
	t.Helper()

	tcp, ok := h.(header.TCP)
	if !ok {
		t.Fatalf("TCP header not found in h: %T", h)
	}
	return tcp
}

// TCPSeqNum creates a checker that checks the sequence number.
func TCPSeqNum(seq uint32) TransportChecker {
	return func(t *testing.T, h Transport) {
		t.Helper()

		if s := tcpHeader(t, h).SequenceNumber(); s != seq {
			t.Errorf("Bad sequence number, got = %d, want = %d", s, seq)
		}
	}
}

// TCPAckNum creates a checker that checks the ack number.
func TCPAckNum(seq uint32) TransportChecker {
	return func(t *testing.T, h Transport) {
		t.Helper()

		if s := tcpHeader(t, h).AckNumber(); s != seq {
			t.Errorf("Bad ack number, got = %d, want = %d", s, seq)
		}
	}
}

// TCPWindow creates a checker that checks the tcp window.
func TCPWindow(window uint16) TransportChecker {
	return func(t *testing.T, h Transport) {
		t.Helper()

		if w := tcpHeader(t, h).WindowSize(); w != window {
			t.Errorf("Bad window, got %d, want %d", w, window)
		}
	}
}

// TCPFlags creates a checker that checks the tcp flags.
func TCPFlags(flags header.TCPFlags) TransportChecker {
	return func(t *testing.T, h Transport) {
		t.Helper()

		if got := tcpHeader(t, h).Flags(); got != flags {
			t.Errorf("got tcp.Flags() = %s, want %s", got, flags)
		}
	}
}

// TCPFlagsMatch creates a checker that checks that the tcp flags, masked by the
// given mask, match the supplied flags.
func TCPFlagsMatch(flags, mask header.TCPFlags) TransportChecker {
	return func(t *testing.T, h Transport) {
		t.Helper()

		if got := tcpHeader(t, h).Flags(); (got & mask) != (flags & mask) {
			t.Errorf("got tcp.Flags() = %s, want %s, mask %s", got, flags, mask)
		}
	}
}

// TCPSynMSS creates a checker that checks the MSS option of a SYN segment.
func TCPSynMSS(mss uint16) TransportChecker {
	return func(t *testing.T, h Transport) {
		t.Helper()

		got, ok := header.ParseMSSOption(tcpHeader(t, h).Options())
		if !ok {
			t.Errorf("MSS option not found")
			return
		}
		if got != mss {
			t.Errorf("Bad MSS option, got %d, want %d", got, mss)
		}
	}
}

// Payload creates a checker that checks the payload.
func Payload(want []byte) TransportChecker {
	return func(t *testing.T, h Transport) {
		t.Helper()

		got := h.Payload()
		if len(want) == 0 && len(got) == 0 {
			return
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("payload mismatch (-want +got):\n%s", diff)
		}
	}
}

// ICMPv4 creates a checker that checks that the transport protocol is ICMPv4
// and potentially additional ICMPv4 header fields.
func ICMPv4(checkers ...TransportChecker) NetworkChecker {
	return func(t *testing.T, h header.IPv4) {
		t.Helper()

		if p := h.TransportProtocol(); p != header.ICMPv4ProtocolNumber {
			t.Fatalf("Bad protocol, got %d, want %d", p, header.ICMPv4ProtocolNumber)
		}

		icmp := header.ICMPv4(h.Payload())
		if len(icmp) < header.ICMPv4MinimumSize {
			t.Fatalf("ICMP message too short: %d bytes", len(icmp))
		}
		if got, want := icmp.Checksum(), header.ICMPv4Checksum(icmp, icmp.Payload()); got != want {
			t.Errorf("unexpected ICMP checksum, got = %#04x, want = %#04x", got, want)
		}
		for _, f := range checkers {
			f(t, icmp)
		}
		if t.Failed() {
			t.FailNow()
		}
	}
}

func icmpHeader(t *testing.T, h Transport) header.ICMPv4 {
	t.Helper()

	icmpv4, ok := h.(header.ICMPv4)
	if !ok {
		t.Fatalf("unexpected transport header passed to checker, got = %T, want = header.ICMPv4", h)
	}
	return icmpv4
}

// ICMPv4Type creates a checker that checks the ICMPv4 Type field.
func ICMPv4Type(want header.ICMPv4Type) TransportChecker {
	return func(t *testing.T, h Transport) {
		t.Helper()

		if got := icmpHeader(t, h).Type(); got != want {
			t.Fatalf("unexpected icmp type, got = %d, want = %d", got, want)
		}
	}
}

// ICMPv4Code creates a checker that checks the ICMPv4 Code field.
func ICMPv4Code(want header.ICMPv4Code) TransportChecker {
	return func(t *testing.T, h Transport) {
		t.Helper()

		if got := icmpHeader(t, h).Code(); got != want {
			t.Fatalf("unexpected ICMP code, got = %d, want = %d", got, want)
		}
	}
}

// ICMPv4Ident creates a checker that checks the ICMPv4 echo Ident.
func ICMPv4Ident(want uint16) TransportChecker {
	return func(t *testing.T, h Transport) {
		t.Helper()

		if got := icmpHeader(t, h).Ident(); got != want {
			t.Fatalf("unexpected ICMP ident, got = %d, want = %d", got, want)
		}
	}
}

// ICMPv4Seq creates a checker that checks the ICMPv4 echo Sequence.
func ICMPv4Seq(want uint16) TransportChecker {
	return func(t *testing.T, h Transport) {
		t.Helper()

		if got := icmpHeader(t, h).Sequence(); got != want {
			t.Fatalf("unexpected ICMP sequence, got = %d, want = %d", got, want)
		}
	}
}

// ICMPv4Payload creates a checker that checks the payload in an ICMPv4 packet.
func ICMPv4Payload(want []byte) TransportChecker {
	return func(t *testing.T, h Transport) {
		t.Helper()

		payload := icmpHeader(t, h).Payload()

		// cmp.Diff does not consider nil slices equal to empty slices, but we do.
		if len(want) == 0 && len(payload) == 0 {
			return
		}

		if diff := cmp.Diff(want, payload); diff != "" {
			t.Errorf("ICMP payload mismatch (-want +got):\n%s", diff)
		}
	}
}
