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

package header_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
)

var (
	testSrc = tcpip.AddrFrom4(192, 168, 1, 1)
	testDst = tcpip.AddrFrom4(192, 168, 1, 2)
)

func TestPseudoHeaderChecksum(t *testing.T) {
	for _, tc := range []struct {
		name   string
		proto  tcpip.TransportProtocolNumber
		length uint16
		want   uint16
	}{
		{name: "UDP", proto: header.UDPProtocolNumber, length: 13, want: 0x8372},
		{name: "TCP", proto: header.TCPProtocolNumber, length: 20, want: 0x836e},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := header.PseudoHeaderChecksum(tc.proto, testSrc, testDst, tc.length); got != tc.want {
				t.Errorf("PseudoHeaderChecksum(%d, %s, %s, %d) = %#04x, want = %#04x", tc.proto, testSrc, testDst, tc.length, got, tc.want)
			}
		})
	}
}

func udpDatagram(payload []byte) []byte {
	b := make([]byte, header.UDPMinimumSize+len(payload))
	header.UDP(b).Encode(&header.UDPFields{
		SrcPort: 1234,
		DstPort: 5678,
		Length:  uint16(len(b)),
	})
	copy(b[header.UDPMinimumSize:], payload)
	return b
}

func TestUDPChecksumGolden(t *testing.T) {
	const want = 0x1dae
	b := udpDatagram([]byte("hello"))

	if got := header.UDPChecksum(testSrc, testDst, b); got != want {
		t.Fatalf("UDPChecksum(contiguous) = %#04x, want = %#04x", got, want)
	}

	// Odd-length views must produce the same result.
	hdr := b[:header.UDPMinimumSize]
	if got := header.UDPChecksum(testSrc, testDst, hdr, []byte("hel"), []byte("lo")); got != want {
		t.Fatalf("UDPChecksum(split) = %#04x, want = %#04x", got, want)
	}

	header.UDP(b).SetChecksum(want)
	if !header.UDPChecksumValid(testSrc, testDst, b) {
		t.Errorf("UDPChecksumValid = false for a correctly checksummed datagram")
	}
	b[len(b)-1] ^= 0xff
	if header.UDPChecksumValid(testSrc, testDst, b) {
		t.Errorf("UDPChecksumValid = true for a corrupted datagram")
	}
	header.UDP(b).SetChecksum(0)
	if !header.UDPChecksumValid(testSrc, testDst, b) {
		t.Errorf("UDPChecksumValid = false for an unchecksummed datagram")
	}
}

func TestIPv4EncodeAndValidate(t *testing.T) {
	b := make([]byte, 28)
	ip := header.IPv4(b)
	ip.Encode(&header.IPv4Fields{
		TotalLength: 28,
		ID:          1,
		TTL:         64,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     testSrc,
		DstAddr:     testDst,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	if got, want := ip.Checksum(), uint16(0xf77c); got != want {
		t.Fatalf("Checksum() = %#04x, want = %#04x", got, want)
	}
	if !ip.IsValid(len(b)) {
		t.Fatalf("IsValid(%d) = false", len(b))
	}
	if !ip.IsChecksumValid() {
		t.Fatalf("IsChecksumValid() = false")
	}
	if ip.IsValid(20) {
		t.Errorf("IsValid(20) = true with TotalLength 28")
	}

	ip.DecrementTTL()
	if got := ip.TTL(); got != 63 {
		t.Errorf("TTL() = %d, want = 63", got)
	}
	if !ip.IsChecksumValid() {
		t.Errorf("incremental checksum update after DecrementTTL produced an invalid header")
	}
}

func TestIPv4FragmentFields(t *testing.T) {
	b := make([]byte, header.IPv4MinimumSize)
	ip := header.IPv4(b)
	ip.Encode(&header.IPv4Fields{
		TotalLength:    header.IPv4MinimumSize,
		Flags:          header.IPv4FlagMoreFragments,
		FragmentOffset: 1480,
	})
	if !ip.More() || ip.FragmentOffset() != 1480 || !ip.IsFragment() {
		t.Errorf("got More = %t, FragmentOffset = %d, want true, 1480", ip.More(), ip.FragmentOffset())
	}
	ip.SetFlagsFragmentOffset(0, 0)
	if ip.IsFragment() {
		t.Errorf("IsFragment() = true after clearing flags and offset")
	}
}

func TestARP(t *testing.T) {
	b := make([]byte, header.ARPSize)
	a := header.ARP(b)
	a.SetIPv4OverEthernet()
	a.SetOp(header.ARPRequest)
	mac := tcpip.LinkAddress{0x02, 0, 0, 0, 0, 1}
	copy(a.HardwareAddressSender(), mac[:])
	copy(a.ProtocolAddressSender(), testSrc[:])
	copy(a.ProtocolAddressTarget(), testDst[:])

	if !a.IsValid() {
		t.Fatalf("IsValid() = false")
	}
	if diff := cmp.Diff(
		[]any{a.Op(), a.SenderLinkAddress(), a.SenderAddress(), a.TargetAddress()},
		[]any{header.ARPRequest, mac, testSrc, testDst},
	); diff != "" {
		t.Errorf("ARP fields mismatch (-got +want):\n%s", diff)
	}
	if header.ARP(b[:header.ARPSize-1]).IsValid() {
		t.Errorf("IsValid() = true for a truncated packet")
	}
}

func TestEthernet(t *testing.T) {
	b := make([]byte, header.EthernetMinimumSize)
	e := header.Ethernet(b)
	want := header.EthernetFields{
		SrcAddr: tcpip.LinkAddress{0x02, 0, 0, 0, 0, 1},
		DstAddr: tcpip.BroadcastLinkAddress,
		Type:    header.ARPProtocolNumber,
	}
	e.Encode(&want)
	got := header.EthernetFields{
		SrcAddr: e.SourceAddress(),
		DstAddr: tcpip.LinkAddress(b[:header.EthernetAddressSize]),
		Type:    e.Type(),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Ethernet fields mismatch (-want +got):\n%s", diff)
	}
}

func TestParseMSSOption(t *testing.T) {
	for _, tc := range []struct {
		name   string
		opts   []byte
		want   uint16
		wantOK bool
	}{
		{"Empty", nil, 0, false},
		{"MSS", []byte{2, 4, 0x05, 0xb4}, 1460, true},
		{"NOPThenMSS", []byte{1, 1, 2, 4, 0x02, 0x18}, 536, true},
		{"SkipUnknown", []byte{3, 3, 7, 2, 4, 0x01, 0x00}, 256, true},
		{"EOL", []byte{0, 2, 4, 0x05, 0xb4}, 0, false},
		{"Truncated", []byte{2, 4, 0x05}, 0, false},
		{"BadLength", []byte{2, 3, 0x05, 0xb4}, 0, false},
		{"ZeroLengthOption", []byte{9, 0, 2, 4, 0, 1}, 0, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := header.ParseMSSOption(tc.opts)
			if got != tc.want || ok != tc.wantOK {
				t.Errorf("ParseMSSOption(%v) = (%d, %t), want = (%d, %t)", tc.opts, got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestTCPChecksum(t *testing.T) {
	b := make([]byte, header.TCPMinimumSize+header.TCPOptionMSSLength)
	tcp := header.TCP(b)
	tcp.Encode(&header.TCPFields{
		SrcPort:    4096,
		DstPort:    80,
		SeqNum:     6510,
		DataOffset: uint8(len(b)),
		Flags:      header.TCPFlagSyn,
		WindowSize: 2048,
	})
	header.EncodeMSSOption(1460, b[header.TCPMinimumSize:])
	tcp.SetChecksum(header.TCPChecksum(testSrc, testDst, b))

	if !tcp.IsValid(len(b)) {
		t.Fatalf("IsValid(%d) = false", len(b))
	}
	if !header.TCPChecksumValid(testSrc, testDst, b) {
		t.Fatalf("TCPChecksumValid = false")
	}
	if mss, ok := header.ParseMSSOption(tcp.Options()); !ok || mss != 1460 {
		t.Errorf("ParseMSSOption(Options()) = (%d, %t), want = (1460, true)", mss, ok)
	}
	if got, want := tcp.Flags().String(), " S    "; got != want {
		t.Errorf("Flags().String() = %q, want = %q", got, want)
	}
}
