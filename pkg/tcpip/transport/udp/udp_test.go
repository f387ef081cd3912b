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

package udp_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/checker"
	"github.com/ipstack/ipstack/pkg/tcpip/faketime"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
	"github.com/ipstack/ipstack/pkg/tcpip/link/channel"
	"github.com/ipstack/ipstack/pkg/tcpip/memp"
	"github.com/ipstack/ipstack/pkg/tcpip/network/ipv4"
	"github.com/ipstack/ipstack/pkg/tcpip/ports"
	"github.com/ipstack/ipstack/pkg/tcpip/stack"
	"github.com/ipstack/ipstack/pkg/tcpip/testutil"
	"github.com/ipstack/ipstack/pkg/tcpip/transport/udp"
)

var (
	localAddr   = testutil.MustParse4("10.0.0.1")
	remoteAddr  = testutil.MustParse4("10.0.0.2")
	otherAddr   = testutil.MustParse4("10.0.1.1")
	netmask     = testutil.MustParse4("255.255.255.0")
	subnetBcast = testutil.MustParse4("10.0.0.255")
)

const (
	localPort  = 7
	remotePort = 1234
)

type testContext struct {
	t  *testing.T
	s  *stack.Stack
	ep *channel.Endpoint
}

func newTestContext(t *testing.T) *testContext {
	t.Helper()
	c := &testContext{t: t}
	c.s = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{udp.NewProtocol},
		Clock:              faketime.NewManualClock(),
	})
	c.ep = channel.New(16, 1500, tcpip.LinkAddress{})
	if err := c.s.CreateNIC(1, c.ep, stack.NICConfig{
		Addr:    localAddr,
		Netmask: netmask,
		Flags:   stack.FlagUp | stack.FlagLinkUp | stack.FlagBroadcast,
	}); err != nil {
		t.Fatalf("CreateNIC: %s", err)
	}
	return c
}

func (c *testContext) newEndpoint() *udp.Endpoint {
	c.t.Helper()
	e, err := udp.NewEndpoint(c.s)
	if err != nil {
		c.t.Fatalf("NewEndpoint: %s", err)
	}
	return e
}

func (c *testContext) bind(e *udp.Endpoint, addr tcpip.Address, port uint16) {
	c.t.Helper()
	if err := e.Bind(addr, port); err != nil {
		c.t.Fatalf("Bind(%s, %d): %s", addr, port, err)
	}
}

func (c *testContext) read() []byte {
	c.t.Helper()
	p, ok := c.ep.Read()
	if !ok {
		c.t.Fatalf("no packet sent")
	}
	return p.Frame
}

func (c *testContext) checkNoLeaks() {
	c.t.Helper()
	for _, typ := range []memp.Type{memp.PBuf, memp.PBufPool} {
		if u := c.s.Pools().Usage(typ); u.Used != 0 {
			c.t.Errorf("%s leaked: %+v", typ, u)
		}
	}
	if u := c.s.Heap().Usage(); u.Blocks != 0 {
		c.t.Errorf("heap blocks leaked: %+v", u)
	}
}

type datagram struct {
	src, dst         tcpip.Address
	srcPort, dstPort uint16
	payload          []byte
}

// build returns the IPv4 packet carrying d. A negative length overrides
// the UDP length field, and noChecksum leaves the checksum zero.
func (d datagram) build(length int, noChecksum bool) []byte {
	b := make([]byte, header.IPv4MinimumSize+header.UDPMinimumSize+len(d.payload))
	ip := header.IPv4(b)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(b)),
		TTL:         64,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     d.src,
		DstAddr:     d.dst,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	u := header.UDP(b[header.IPv4MinimumSize:])
	ulen := header.UDPMinimumSize + len(d.payload)
	if length >= 0 {
		ulen = length
	}
	u.Encode(&header.UDPFields{
		SrcPort: d.srcPort,
		DstPort: d.dstPort,
		Length:  uint16(ulen),
	})
	copy(u.Payload(), d.payload)
	if !noChecksum {
		u.SetChecksum(header.UDPChecksum(d.src, d.dst, u))
	}
	return b
}

func (c *testContext) inject(d datagram) {
	c.ep.InjectIPv4(tcpip.LinkAddress{}, d.build(-1, false))
}

type received struct {
	Payload []byte
	From    tcpip.FullAddress
}

// recorder returns a receive callback that appends to *got.
func recorder(got *[]received) udp.RecvFunc {
	return func(_ *udp.Endpoint, pkt *buffer.Buffer, src tcpip.FullAddress) {
		*got = append(*got, received{Payload: pkt.ToBytes(), From: src})
		pkt.Free()
	}
}

func (c *testContext) send(e *udp.Endpoint, dst tcpip.Address, port uint16, payload []byte) *tcpip.Error {
	c.t.Helper()
	pkt, err := c.s.Allocator().NewFrom(buffer.Transport, payload)
	if err != nil {
		c.t.Fatalf("NewFrom: %s", err)
	}
	defer pkt.Free()
	return e.SendTo(pkt, dst, port)
}

func TestSendTo(t *testing.T) {
	c := newTestContext(t)
	e := c.newEndpoint()
	payload := []byte("hello, world")

	before := testutil.Snapshot(c.s.Stats())
	if err := c.send(e, remoteAddr, remotePort, payload); err != nil {
		t.Fatalf("SendTo: %s", err)
	}
	if got, want := e.LocalAddress(), (tcpip.FullAddress{Port: ports.FirstEphemeral}); got != want {
		t.Errorf("implicit bind: got %s, want %s", got, want)
	}
	if got := e.State(); got != udp.StateBound {
		t.Errorf("State = %s, want %s", got, udp.StateBound)
	}

	checker.IPv4(t, c.read(),
		checker.SrcAddr(localAddr),
		checker.DstAddr(remoteAddr),
		checker.TTL(header.IPv4DefaultTTL),
		checker.UDP(
			checker.SrcPort(ports.FirstEphemeral),
			checker.DstPort(remotePort),
			checker.NoChecksum(false),
			checker.Payload(payload),
		),
	)
	want := map[string]uint64{
		"udp_packets_sent": 1,
		"ip_packets_sent":  1,
		"link_frames_sent": 1,
	}
	if diff := cmp.Diff(want, before.Delta(c.s.Stats())); diff != "" {
		t.Errorf("stats delta mismatch (-want +got):\n%s", diff)
	}
	c.checkNoLeaks()
}

func TestSendChainsHeaderInFrontOfCallerMemory(t *testing.T) {
	c := newTestContext(t)
	e := c.newEndpoint()
	c.bind(e, tcpip.AnyAddress, localPort)
	e.SetTTL(5)
	e.SetTOS(0x10)

	payload := []byte("caller owned payload")
	pkt, err := c.s.Allocator().NewRef(payload)
	if err != nil {
		t.Fatalf("NewRef: %s", err)
	}
	if err := e.SendTo(pkt, remoteAddr, remotePort); err != nil {
		t.Fatalf("SendTo: %s", err)
	}
	if pkt.TotLen() != len(payload) || pkt.RefCount() != 1 {
		t.Errorf("caller buffer changed: TotLen %d, RefCount %d", pkt.TotLen(), pkt.RefCount())
	}
	pkt.Free()

	p, ok := c.ep.Read()
	if !ok {
		t.Fatalf("no packet sent")
	}
	if p.Segments != 2 {
		t.Errorf("sent from %d segments, want a header segment and the payload", p.Segments)
	}
	checker.IPv4(t, p.Frame,
		checker.TTL(5),
		checker.TOS(0x10),
		checker.UDP(
			checker.SrcPort(localPort),
			checker.DstPort(remotePort),
			checker.Payload(payload),
		),
	)
	c.checkNoLeaks()
}

func TestZeroChecksumSentAsAllOnes(t *testing.T) {
	c := newTestContext(t)
	e := c.newEndpoint()
	c.bind(e, tcpip.AnyAddress, localPort)

	// Pick a two byte payload that makes the datagram sum to zero.
	u := make(header.UDP, header.UDPMinimumSize+2)
	u.Encode(&header.UDPFields{SrcPort: localPort, DstPort: remotePort, Length: uint16(len(u))})
	xsum := header.TransportChecksum(header.UDPProtocolNumber, localAddr, remoteAddr, u)
	payload := []byte{byte(xsum >> 8), byte(xsum)}

	if err := c.send(e, remoteAddr, remotePort, payload); err != nil {
		t.Fatalf("SendTo: %s", err)
	}
	b := c.read()
	checker.IPv4(t, b, checker.UDP(checker.Payload(payload)))
	if got := header.UDP(header.IPv4(b).Payload()).Checksum(); got != 0xffff {
		t.Errorf("checksum = %#04x, want 0xffff", got)
	}
}

func TestNoChecksum(t *testing.T) {
	c := newTestContext(t)
	e := c.newEndpoint()
	e.SetNoChecksum(true)
	if err := c.send(e, remoteAddr, remotePort, []byte("x")); err != nil {
		t.Fatalf("SendTo: %s", err)
	}
	checker.IPv4(t, c.read(), checker.UDP(checker.NoChecksum(true)))
}

func TestSendErrors(t *testing.T) {
	c := newTestContext(t)
	e := c.newEndpoint()

	pkt, err := c.s.Allocator().NewFrom(buffer.Transport, []byte("x"))
	if err != nil {
		t.Fatalf("NewFrom: %s", err)
	}
	defer pkt.Free()

	if err := e.Send(pkt); err != tcpip.ErrNotConnected {
		t.Errorf("Send on unconnected endpoint = %v, want %s", err, tcpip.ErrNotConnected)
	}
	if err := e.SendTo(pkt, otherAddr, remotePort); err != tcpip.ErrNoRoute {
		t.Errorf("SendTo(%s) = %v, want %s", otherAddr, err, tcpip.ErrNoRoute)
	}
	if got := c.s.Stats().UDP.PacketSendErrors.Value(); got != 1 {
		t.Errorf("PacketSendErrors = %d, want 1", got)
	}

	e.Close()
	if err := e.SendToIf(pkt, remoteAddr, remotePort, c.s.NIC(1)); err != tcpip.ErrInvalidEndpointState {
		t.Errorf("SendToIf on closed endpoint = %v, want %s", err, tcpip.ErrInvalidEndpointState)
	}
}

func TestConnectedSend(t *testing.T) {
	c := newTestContext(t)
	e := c.newEndpoint()
	if err := e.Connect(remoteAddr, remotePort); err != nil {
		t.Fatalf("Connect: %s", err)
	}
	if got, ok := e.RemoteAddress(); !ok || got != (tcpip.FullAddress{Addr: remoteAddr, Port: remotePort}) {
		t.Errorf("RemoteAddress = %s, %t", got, ok)
	}
	pkt, err := c.s.Allocator().NewFrom(buffer.Transport, []byte("ping"))
	if err != nil {
		t.Fatalf("NewFrom: %s", err)
	}
	defer pkt.Free()
	if err := e.Send(pkt); err != nil {
		t.Fatalf("Send: %s", err)
	}
	checker.IPv4(t, c.read(),
		checker.DstAddr(remoteAddr),
		checker.UDP(checker.SrcPort(ports.FirstEphemeral), checker.DstPort(remotePort)),
	)

	e.Disconnect()
	if _, ok := e.RemoteAddress(); ok || e.State() != udp.StateBound {
		t.Errorf("after Disconnect: state %s", e.State())
	}
}

func TestDeliver(t *testing.T) {
	c := newTestContext(t)
	e := c.newEndpoint()
	c.bind(e, tcpip.AnyAddress, localPort)
	var got []received
	e.SetRecv(recorder(&got))

	before := testutil.Snapshot(c.s.Stats())
	c.inject(datagram{src: remoteAddr, dst: localAddr, srcPort: remotePort, dstPort: localPort, payload: []byte("data")})

	want := []received{{Payload: []byte("data"), From: tcpip.FullAddress{NIC: 1, Addr: remoteAddr, Port: remotePort}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("received mismatch (-want +got):\n%s", diff)
	}
	wantStats := map[string]uint64{
		"link_frames_received": 1,
		"ip_packets_received":  1,
		"ip_packets_delivered": 1,
		"udp_packets_received": 1,
	}
	if diff := cmp.Diff(wantStats, before.Delta(c.s.Stats())); diff != "" {
		t.Errorf("stats delta mismatch (-want +got):\n%s", diff)
	}
	c.checkNoLeaks()
}

func TestDeliverWithoutChecksum(t *testing.T) {
	c := newTestContext(t)
	e := c.newEndpoint()
	c.bind(e, tcpip.AnyAddress, localPort)
	var got []received
	e.SetRecv(recorder(&got))

	d := datagram{src: remoteAddr, dst: localAddr, srcPort: remotePort, dstPort: localPort, payload: []byte("raw")}
	c.ep.InjectIPv4(tcpip.LinkAddress{}, d.build(-1, true))
	if len(got) != 1 {
		t.Errorf("got %d datagrams, want 1", len(got))
	}
}

func TestInputDrops(t *testing.T) {
	d := datagram{src: remoteAddr, dst: localAddr, srcPort: remotePort, dstPort: localPort, payload: []byte("payload")}
	bad := d.build(-1, false)
	u := header.UDP(header.IPv4(bad).Payload())
	u.SetChecksum(u.Checksum() + 1)

	tests := []struct {
		name  string
		frame []byte
		stat  func(*tcpip.Stats) *tcpip.StatCounter
	}{
		{
			name:  "bad checksum",
			frame: bad,
			stat:  func(s *tcpip.Stats) *tcpip.StatCounter { return s.UDP.ChecksumErrors },
		},
		{
			name:  "length beyond datagram",
			frame: d.build(header.UDPMinimumSize+len(d.payload)+1, false),
			stat:  func(s *tcpip.Stats) *tcpip.StatCounter { return s.UDP.MalformedPacketsReceived },
		},
		{
			name:  "length below header",
			frame: d.build(header.UDPMinimumSize-1, false),
			stat:  func(s *tcpip.Stats) *tcpip.StatCounter { return s.UDP.MalformedPacketsReceived },
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := newTestContext(t)
			e := c.newEndpoint()
			c.bind(e, tcpip.AnyAddress, localPort)
			var got []received
			e.SetRecv(recorder(&got))

			c.ep.InjectIPv4(tcpip.LinkAddress{}, test.frame)
			if len(got) != 0 {
				t.Errorf("delivered %d datagrams, want none", len(got))
			}
			if v := test.stat(c.s.Stats()).Value(); v != 1 {
				t.Errorf("counter = %d, want 1", v)
			}
			if n := c.ep.NumQueued(); n != 0 {
				t.Errorf("sent %d packets in response, want none", n)
			}
			c.checkNoLeaks()
		})
	}
}

func TestShortLengthTrimsPayload(t *testing.T) {
	c := newTestContext(t)
	e := c.newEndpoint()
	c.bind(e, tcpip.AnyAddress, localPort)
	var got []received
	e.SetRecv(recorder(&got))

	d := datagram{src: remoteAddr, dst: localAddr, srcPort: remotePort, dstPort: localPort, payload: []byte("abcdef")}
	b := d.build(header.UDPMinimumSize+3, true)
	c.ep.InjectIPv4(tcpip.LinkAddress{}, b)
	if len(got) != 1 || string(got[0].Payload) != "abc" {
		t.Errorf("got %+v, want the first 3 bytes", got)
	}
}

func TestDemux(t *testing.T) {
	from := func(port uint16) datagram {
		return datagram{src: remoteAddr, dst: localAddr, srcPort: port, dstPort: localPort, payload: []byte{byte(port)}}
	}

	for _, connectedFirst := range []bool{true, false} {
		c := newTestContext(t)
		var unconnected, connected []received

		mk := func(connect bool) {
			e := c.newEndpoint()
			e.SetReuseAddr(true)
			c.bind(e, tcpip.AnyAddress, localPort)
			if connect {
				if err := e.Connect(remoteAddr, remotePort); err != nil {
					t.Fatalf("Connect: %s", err)
				}
				e.SetRecv(recorder(&connected))
			} else {
				e.SetRecv(recorder(&unconnected))
			}
		}
		mk(connectedFirst)
		mk(!connectedFirst)

		c.inject(from(remotePort))
		c.inject(from(remotePort + 1))

		if len(connected) != 1 || connected[0].From.Port != remotePort {
			t.Errorf("connectedFirst=%t: connected endpoint got %+v", connectedFirst, connected)
		}
		if len(unconnected) != 1 || unconnected[0].From.Port != remotePort+1 {
			t.Errorf("connectedFirst=%t: unconnected endpoint got %+v", connectedFirst, unconnected)
		}
	}
}

func TestDemuxLocalAddress(t *testing.T) {
	c := newTestContext(t)
	second := channel.New(16, 1500, tcpip.LinkAddress{})
	secondAddr := testutil.MustParse4("192.168.0.1")
	if err := c.s.CreateNIC(2, second, stack.NICConfig{
		Addr:    secondAddr,
		Netmask: netmask,
		Flags:   stack.FlagUp | stack.FlagLinkUp,
	}); err != nil {
		t.Fatalf("CreateNIC: %s", err)
	}

	e := c.newEndpoint()
	c.bind(e, localAddr, localPort)
	var got []received
	e.SetRecv(recorder(&got))

	second.InjectIPv4(tcpip.LinkAddress{}, datagram{src: testutil.MustParse4("192.168.0.2"), dst: secondAddr, srcPort: remotePort, dstPort: localPort}.build(-1, false))
	if len(got) != 0 {
		t.Errorf("endpoint bound to %s got a datagram for %s", localAddr, secondAddr)
	}
	c.inject(datagram{src: remoteAddr, dst: subnetBcast, srcPort: remotePort, dstPort: localPort})
	if len(got) != 1 {
		t.Errorf("got %d datagrams, want the subnet broadcast", len(got))
	}
}

func TestPortUnreachable(t *testing.T) {
	c := newTestContext(t)
	d := datagram{src: remoteAddr, dst: localAddr, srcPort: remotePort, dstPort: localPort, payload: []byte("nobody home")}
	sent := d.build(-1, false)
	c.ep.InjectIPv4(tcpip.LinkAddress{}, sent)

	checker.IPv4(t, c.read(),
		checker.SrcAddr(localAddr),
		checker.DstAddr(remoteAddr),
		checker.ICMPv4(
			checker.ICMPv4Type(header.ICMPv4DstUnreachable),
			checker.ICMPv4Code(header.ICMPv4PortUnreachable),
			checker.ICMPv4Payload(sent[:header.IPv4MinimumSize+header.ICMPv4ErrorDataSize]),
		),
	)
	if got := c.s.Stats().UDP.UnknownPortErrors.Value(); got != 1 {
		t.Errorf("UnknownPortErrors = %d, want 1", got)
	}
	c.checkNoLeaks()
}

func TestNoPortUnreachableForBroadcast(t *testing.T) {
	c := newTestContext(t)
	for _, dst := range []tcpip.Address{subnetBcast, tcpip.BroadcastAddress, testutil.MustParse4("224.0.0.1")} {
		c.inject(datagram{src: remoteAddr, dst: dst, srcPort: remotePort, dstPort: localPort})
	}
	if got := c.s.Stats().UDP.UnknownPortErrors.Value(); got != 3 {
		t.Errorf("UnknownPortErrors = %d, want 3", got)
	}
	if n := c.ep.NumQueued(); n != 0 {
		t.Errorf("sent %d packets, want none", n)
	}
}

func TestBind(t *testing.T) {
	c := newTestContext(t)
	a := c.newEndpoint()
	b := c.newEndpoint()

	c.bind(a, tcpip.AnyAddress, localPort)
	if err := b.Bind(localAddr, localPort); err != tcpip.ErrPortInUse {
		t.Errorf("second Bind = %v, want %s", err, tcpip.ErrPortInUse)
	}
	if err := b.Bind(otherAddr, localPort+1); err != tcpip.ErrBadLocalAddress {
		t.Errorf("Bind(%s) = %v, want %s", otherAddr, err, tcpip.ErrBadLocalAddress)
	}

	// Moving a to another port frees the first one.
	c.bind(a, tcpip.AnyAddress, localPort+1)
	c.bind(b, localAddr, localPort)
	if got := a.LocalAddress().Port; got != localPort+1 {
		t.Errorf("a bound to %d, want %d", got, localPort+1)
	}

	// A failed move keeps the old binding.
	if err := a.Bind(tcpip.AnyAddress, localPort); err != tcpip.ErrPortInUse {
		t.Errorf("Bind onto b's port = %v, want %s", err, tcpip.ErrPortInUse)
	}
	if got := a.LocalAddress().Port; got != localPort+1 {
		t.Errorf("a moved to %d after a failed Bind", got)
	}
	if c.s.PortManager().IsPortAvailable(udp.ProtocolNumber, tcpip.AnyAddress, localPort+1, false) {
		t.Errorf("a's port was released by a failed Bind")
	}

	b.Close()
	if b.State() != udp.StateClosed {
		t.Errorf("State = %s, want %s", b.State(), udp.StateClosed)
	}
	c.bind(c.newEndpoint(), tcpip.AnyAddress, localPort)
	if got := len(udp.Endpoints(c.s)); got != 2 {
		t.Errorf("%d bound endpoints, want 2", got)
	}
}

func TestReuseAddr(t *testing.T) {
	c := newTestContext(t)
	a := c.newEndpoint()
	b := c.newEndpoint()
	a.SetReuseAddr(true)
	b.SetReuseAddr(true)
	c.bind(a, tcpip.AnyAddress, localPort)
	c.bind(b, localAddr, localPort)

	d := c.newEndpoint()
	if err := d.Bind(tcpip.AnyAddress, localPort); err != tcpip.ErrPortInUse {
		t.Errorf("Bind without ReuseAddr = %v, want %s", err, tcpip.ErrPortInUse)
	}
}

func TestEndpointPoolExhaustion(t *testing.T) {
	c := newTestContext(t)
	n := stack.DefaultPools()[memp.UDPPCB].Count
	var eps []*udp.Endpoint
	for i := 0; i < n; i++ {
		eps = append(eps, c.newEndpoint())
	}
	if _, err := udp.NewEndpoint(c.s); err != tcpip.ErrNoBufferSpace {
		t.Fatalf("NewEndpoint #%d = %v, want %s", n+1, err, tcpip.ErrNoBufferSpace)
	}
	eps[3].Close()
	eps[3].Close()
	if _, err := udp.NewEndpoint(c.s); err != nil {
		t.Errorf("NewEndpoint after Close: %s", err)
	}
}

func TestNewEndpointWithoutProtocol(t *testing.T) {
	s := stack.New(stack.Options{NetworkProtocols: []stack.NetworkProtocolFactory{ipv4.NewProtocol}})
	if _, err := udp.NewEndpoint(s); err != tcpip.ErrUnknownProtocol {
		t.Errorf("NewEndpoint = %v, want %s", err, tcpip.ErrUnknownProtocol)
	}
}
